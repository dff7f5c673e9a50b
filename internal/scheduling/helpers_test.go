package scheduling

import (
	"context"
	"sync"
	"testing"
	"time"

	"flexpower/internal/journal"
)

var wallStart = time.Date(2030, 6, 1, 8, 0, 0, 0, time.UTC)

// activated returns an active context that is deactivated at test cleanup.
func activated(t *testing.T, cfg Config, opts ...Option) *Context {
	t.Helper()
	c := New(cfg, opts...)
	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Deactivate(context.Background())
	})
	return c
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting on channel")
		var zero T
		return zero
	}
}

type memSink struct {
	mu   sync.Mutex
	recs []journal.Record
}

func (s *memSink) Record(r journal.Record) {
	s.mu.Lock()
	s.recs = append(s.recs, r)
	s.mu.Unlock()
}

func (s *memSink) all() []journal.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]journal.Record(nil), s.recs...)
}
