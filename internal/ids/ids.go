// Package ids provides identifier generators and wall clocks.
//
// Production code uses UUIDv7Generator and SystemClock. Tests inject
// FixedGenerator and a stepping clock so that audit records, manifests and
// golden traces are reproducible.
package ids

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Generator produces unique identifiers.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type Generator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers.
//
// UUIDv7 embeds a timestamp in the most significant bits, so job and export
// ids sort by creation time in listings.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
// Panics if the random source fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined identifiers, then falls back to a
// numbered sequence ("<prefix>-N") once the list is exhausted.
//
// Thread-safety: safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu     sync.Mutex
	ids    []string
	idx    int
	prefix string
}

// NewFixedGenerator creates a generator that returns ids in order.
//
//	gen := NewFixedGenerator("job-1", "job-2")
//	gen.Generate() // "job-1"
//	gen.Generate() // "job-2"
//	gen.Generate() // "id-3"
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids, prefix: "id"}
}

// NewSequenceGenerator returns "<prefix>-1", "<prefix>-2", ...
func NewSequenceGenerator(prefix string) *FixedGenerator {
	return &FixedGenerator{prefix: prefix}
}

// Generate returns the next predetermined id.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.idx++
	if g.idx <= len(g.ids) {
		return g.ids[g.idx-1]
	}
	return fmt.Sprintf("%s-%d", g.prefix, g.idx)
}

// IsUUID reports whether s parses as a UUID.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// Clock returns the current time.
type Clock func() time.Time

// SystemClock returns time.Now in UTC.
func SystemClock() time.Time {
	return time.Now().UTC()
}
