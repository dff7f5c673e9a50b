package journal

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("journal disabled")
	ErrClosed   = errors.New("journal closed")
)

// Config configures the journal.
//
// Driver values:
//   - "file": JSON Lines file
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", the journal is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// QueueSize bounds the Recorder buffer (default 1024).
	QueueSize int
}

// Record is one finished invocation. At is context time, which is virtual
// under simulation; Wall is when the worker reported it.
type Record struct {
	At        time.Time     `json:"at"`
	Wall      time.Time     `json:"wall"`
	Owner     string        `json:"owner"`
	JobID     string        `json:"job_id"`
	Job       string        `json:"job"`
	Kind      string        `json:"kind"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	Simulated bool          `json:"simulated"`
}

// Store is the persistence API behind the Recorder.
type Store interface {
	Append(ctx context.Context, recs ...Record) error
	// Recent returns up to limit records, newest last. An empty owner matches all.
	Recent(ctx context.Context, owner string, limit int) ([]Record, error)
	Close() error
}

// Sink accepts records without blocking the caller.
type Sink interface {
	Record(r Record)
}
