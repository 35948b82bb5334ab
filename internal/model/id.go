package model

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ID schemes accepted by NewIDGenerator.
const (
	IDSchemeTimestamp = "timestamp"
	IDSchemeULID      = "ulid"
	IDSchemeUUID      = "uuid"
)

// timestampLayout renders the second-resolution prefix of a timestamp ID; the
// six microsecond digits are appended separately.
const timestampLayout = "20060102150405"

// IDGenerator issues task identifiers. It is safe for concurrent use.
type IDGenerator struct {
	scheme string
	now    func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewIDGenerator returns a generator for the given scheme.
func NewIDGenerator(scheme string) (*IDGenerator, error) {
	switch scheme {
	case "":
		scheme = IDSchemeTimestamp
	case IDSchemeTimestamp, IDSchemeULID, IDSchemeUUID:
	default:
		return nil, fmt.Errorf("unknown id scheme %q", scheme)
	}
	return &IDGenerator{scheme: scheme, now: time.Now}, nil
}

// Scheme returns the configured scheme name.
func (g *IDGenerator) Scheme() string {
	return g.scheme
}

// NewID returns a new identifier.
func (g *IDGenerator) NewID() string {
	switch g.scheme {
	case IDSchemeULID:
		return ulid.Make().String()
	case IDSchemeUUID:
		return uuid.NewString()
	default:
		return FormatTimestampID(g.nextInstant())
	}
}

// nextInstant returns the current time at microsecond resolution, bumped
// forward when the clock has not advanced past the previously issued instant.
func (g *IDGenerator) nextInstant() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := g.now().UTC().Truncate(time.Microsecond)
	if !t.After(g.last) {
		t = g.last.Add(time.Microsecond)
	}
	g.last = t
	return t
}

// FormatTimestampID renders t as YYYYMMDDhhmmss followed by six microsecond digits.
func FormatTimestampID(t time.Time) string {
	return t.Format(timestampLayout) + fmt.Sprintf("%06d", t.Nanosecond()/int(time.Microsecond))
}
