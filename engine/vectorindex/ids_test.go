package vectorindex

import (
	"sync"
	"testing"
	"time"
)

func TestIDGeneratorLayout(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	g := &IDGenerator{now: func() time.Time { return at }}
	id := g.Next()
	if id>>16 != uint64(at.UnixMilli()) {
		t.Fatalf("timestamp bits = %d", id>>16)
	}
	if id&0xffff != 0 {
		t.Fatalf("sequence = %d", id&0xffff)
	}
}

func TestIDGeneratorMonotonic(t *testing.T) {
	clock := []time.Time{
		time.UnixMilli(2000),
		time.UnixMilli(2000),
		time.UnixMilli(1000),
		time.UnixMilli(3000),
	}
	i := 0
	g := &IDGenerator{now: func() time.Time {
		c := clock[i%len(clock)]
		i++
		return c
	}}
	var last uint64
	for n := 0; n < len(clock); n++ {
		id := g.Next()
		if id <= last {
			t.Fatalf("id %d not greater than %d", id, last)
		}
		last = id
	}
}

func TestIDGeneratorConcurrent(t *testing.T) {
	g := NewIDGenerator()
	const n = 1000
	ids := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- g.Next()
		}()
	}
	wg.Wait()
	close(ids)
	seen := make(map[uint64]bool, n)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
}
