package vectorindex

import (
	"sync"
	"time"
)

// IDGenerator issues 64-bit row ids of the form ms<<16 | seq. Ids are
// strictly increasing for the life of the generator, also when the clock
// stalls or moves backwards.
type IDGenerator struct {
	mu   sync.Mutex
	last uint64
	now  func() time.Time
}

// NewIDGenerator returns a generator backed by the wall clock.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{now: time.Now}
}

// Next returns the next id.
func (g *IDGenerator) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms < 0 {
		ms = 0
	}
	id := uint64(ms) << 16
	if id <= g.last {
		id = g.last + 1
	}
	g.last = id
	return id
}
