package model

import "time"

// WorkerInfo describes a live worker process.
type WorkerInfo struct {
	TaskID     string    `json:"task_id"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	Exited     bool      `json:"exited"`
	RSSBytes   uint64    `json:"rss_bytes"`
	CPUPercent float64   `json:"cpu_percent"`
}
