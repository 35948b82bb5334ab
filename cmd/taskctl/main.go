// Command taskctl is a command-line client for taskd.
//
// Usage:
//
//	taskctl [-addr URL] start [-task-id ID] [-n N] [-rps R] [-follow]
//	taskctl [-addr URL] stop ID
//	taskctl [-addr URL] list
//	taskctl [-addr URL] status ID
//	taskctl [-addr URL] health
//	taskctl [-addr URL] workers
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/time/rate"

	"github.com/seantiz/taskd/internal/client"
	"github.com/seantiz/taskd/internal/notify"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "taskctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("taskctl", flag.ContinueOnError)
	addr := fs.String("addr", envOr("TASKD_ADDR", client.DefaultAddr), "taskd server address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	c, err := client.New(*addr)
	if err != nil {
		return err
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "start":
		return runStart(ctx, c, rest, out)
	case "stop":
		id, err := oneArg(cmd, rest)
		if err != nil {
			return err
		}
		st, err := c.Stop(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%s\n", st.TaskID, st.Status)
		return nil
	case "list":
		return runList(ctx, c, out)
	case "status":
		id, err := oneArg(cmd, rest)
		if err != nil {
			return err
		}
		return follow(ctx, c, id, out)
	case "health":
		h, err := c.Health(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, h)
	case "workers":
		ws, err := c.Workers(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, ws)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// runStart queues one or more tasks, paced to at most rps requests per
// second so a batch stays under the server's rate limit.
func runStart(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	id := fs.String("task-id", "", "task id to use (default: ask the server)")
	n := fs.Int("n", 1, "number of tasks to start")
	rps := fs.Float64("rps", 0, "maximum start requests per second (0 = unpaced)")
	followStatus := fs.Bool("follow", false, "follow the status of a single task until it finishes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *n < 1 {
		return errors.New("-n must be at least 1")
	}
	if *id != "" && *n > 1 {
		return errors.New("-task-id cannot be combined with -n > 1")
	}

	limit := rate.Inf
	if *rps > 0 {
		limit = rate.Limit(*rps)
	}
	limiter := rate.NewLimiter(limit, 1)

	var last string
	for range *n {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		taskID := *id
		if taskID == "" {
			var err error
			if taskID, err = c.GetID(ctx); err != nil {
				return fmt.Errorf("get id: %w", err)
			}
		}
		st, err := c.Start(ctx, taskID)
		if err != nil {
			return fmt.Errorf("start %s: %w", taskID, err)
		}
		fmt.Fprintf(out, "%s\t%s\n", st.TaskID, st.Status)
		last = st.TaskID
	}

	if *followStatus && *n == 1 {
		return follow(ctx, c, last, out)
	}
	return nil
}

func runList(ctx context.Context, c *client.Client, out io.Writer) error {
	tasks, err := c.List(ctx)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK ID\tSTATUS")
	for _, id := range ids {
		fmt.Fprintf(tw, "%s\t%s\n", id, tasks[id])
	}
	return tw.Flush()
}

func follow(ctx context.Context, c *client.Client, id string, out io.Writer) error {
	return c.Follow(ctx, id, func(u notify.Update) error {
		_, err := fmt.Fprintf(out, "%s\t%s\t%s\n", time.Now().Format(time.TimeOnly), u.TaskID, u.Status)
		return err
	})
}

func oneArg(cmd string, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%s: expected exactly one task id", cmd)
	}
	return args[0], nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
