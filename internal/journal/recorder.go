package journal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"flexpower/internal/runtime/supervisor"
	logx "flexpower/pkg/logx"
)

const (
	defaultQueueSize = 1024
	maxBatch         = 128
)

// Recorder buffers records in front of a Store so workers never wait on IO.
// When the buffer is full, records are dropped and counted.
type Recorder struct {
	store Store
	log   logx.Logger
	ch    chan Record

	dropped atomic.Uint64
	written atomic.Uint64

	mu  sync.Mutex
	sup *supervisor.Supervisor
}

func NewRecorder(store Store, cfg Config, log logx.Logger) *Recorder {
	n := cfg.QueueSize
	if n <= 0 {
		n = defaultQueueSize
	}
	return &Recorder{store: store, log: log.With(logx.String("comp", "journal")), ch: make(chan Record, n)}
}

// Record enqueues r without blocking.
func (r *Recorder) Record(rec Record) {
	if r == nil {
		return
	}
	select {
	case r.ch <- rec:
	default:
		// Log on powers of two to stay quiet under sustained overload.
		if n := r.dropped.Add(1); n&(n-1) == 0 {
			r.log.Warn("journal buffer full, dropping records", logx.Uint64("dropped", n))
		}
	}
}

func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Start launches the writer goroutine. It is idempotent.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sup != nil {
		return nil
	}
	r.sup = supervisor.New(ctx, supervisor.WithLogger(r.log))
	r.sup.GoRestart("journal.writer", r.loop)
	return nil
}

// Stop flushes buffered records and stops the writer. The store is left open.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	sup := r.sup
	r.sup = nil
	r.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	r.flush(ctx)
	return err
}

func (r *Recorder) loop(ctx context.Context) error {
	batch := make([]Record, 0, maxBatch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec := <-r.ch:
			batch = append(batch[:0], rec)
		drain:
			for len(batch) < maxBatch {
				select {
				case rec := <-r.ch:
					batch = append(batch, rec)
				default:
					break drain
				}
			}
			r.write(ctx, batch)
		}
	}
}

// flush writes whatever is still buffered.
func (r *Recorder) flush(ctx context.Context) {
	var batch []Record
	for {
		select {
		case rec := <-r.ch:
			batch = append(batch, rec)
		default:
			if len(batch) > 0 {
				r.write(ctx, batch)
			}
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, batch []Record) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := r.store.Append(wctx, batch...); err != nil {
		r.log.Warn("journal append failed", logx.Int("records", len(batch)), logx.Err(err))
		return
	}
	r.written.Add(uint64(len(batch)))
}
