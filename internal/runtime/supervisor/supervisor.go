package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	logx "flexpower/pkg/logx"
)

// Supervisor manages goroutines tied to a shared context.
// - Named goroutines (worker threads, pump loop, http server)
// - Panic recovery
// - Optional cancel-on-first-error
// - Graceful stop with timeout-aware waiting
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	started atomic.Uint64
	active  atomic.Int64

	log         logx.Logger
	clock       clockwork.Clock
	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value // stores error
	doneOnce    sync.Once
	doneCh      chan struct{}
	wg          sync.WaitGroup

	mu    sync.Mutex
	stats map[string]*GoroutineStats
}

type Option func(*Supervisor)

// Counters are operational signals only, not a synchronization primitive.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// GoroutineStats aggregates every goroutine started under one name.
type GoroutineStats struct {
	Name         string        `json:"name"`
	Active       int64         `json:"active"`
	Started      uint64        `json:"started"`
	Panics       uint64        `json:"panics"`
	Restarts     uint64        `json:"restarts"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastStopAt   time.Time     `json:"last_stop_at"`
	LastErr      string        `json:"last_err,omitempty"`
	LastPanic    string        `json:"last_panic,omitempty"`
	TotalRuntime time.Duration `json:"total_runtime"`
}

type Snapshot struct {
	Counters   Counters         `json:"counters"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithClock replaces the wall clock used for stats and restart backoff.
func WithClock(c clockwork.Clock) Option {
	return func(s *Supervisor) {
		if c != nil {
			s.clock = c
		}
	}
}

// If enabled, the first non-nil error from any goroutine will cancel the supervisor context.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		clock:  clockwork.NewRealClock(),
		doneCh: make(chan struct{}),
		stats:  map[string]*GoroutineStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.active.Load(), Started: s.started.Load()}
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	s.mu.Lock()
	gs := make([]GoroutineStats, 0, len(s.stats))
	for _, st := range s.stats {
		gs = append(gs, *st)
	}
	s.mu.Unlock()

	sort.Slice(gs, func(i, j int) bool {
		if gs[i].Active != gs[j].Active {
			return gs[i].Active > gs[j].Active
		}
		return gs[i].Name < gs[j].Name
	})
	snap.Goroutines = gs
	return snap
}

// update runs f on the stats entry for name under s.mu.
func (s *Supervisor) update(name string, f func(st *GoroutineStats, now time.Time)) time.Time {
	now := s.clock.Now()
	s.mu.Lock()
	st := s.stats[name]
	if st == nil {
		st = &GoroutineStats{Name: name}
		s.stats[name] = st
	}
	f(st, now)
	s.mu.Unlock()
	return now
}

func (s *Supervisor) noteStart(name string, restart bool) time.Time {
	return s.update(name, func(st *GoroutineStats, now time.Time) {
		st.Started++
		st.Active++
		st.LastStartAt = now
		if restart {
			st.Restarts++
		}
	})
}

func (s *Supervisor) noteStop(name string, startedAt time.Time, err error) {
	s.update(name, func(st *GoroutineStats, now time.Time) {
		if st.Active > 0 {
			st.Active--
		}
		st.LastStopAt = now
		st.TotalRuntime += now.Sub(startedAt)
		if err != nil {
			st.LastErr = err.Error()
		}
	})
}

func (s *Supervisor) notePanic(name string, p any) {
	s.update(name, func(st *GoroutineStats, _ time.Time) {
		st.Panics++
		st.LastPanic = fmt.Sprint(p)
	})
}

// Go runs fn once under name. A panic is recovered and recorded as the
// goroutine's error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		startedAt := s.noteStart(name, false)
		s.log.Debug("goroutine started", logx.String("name", name))

		err, pan, stack := runGuarded(s.ctx, fn)
		if pan != nil {
			s.notePanic(name, pan)
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", pan), logx.Stack(stack))
			err = fmt.Errorf("panic in %s: %v", name, pan)
		} else if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%s: %w", name, err)
		} else {
			err = nil
		}

		s.noteStop(name, startedAt, err)
		if err != nil {
			s.fail(err)
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int // <=0 means unlimited
}

// WithRestartBackoff configures the exponential backoff window used between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts limits restarts (the initial run is not counted).
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// GoRestart runs fn and restarts it on error or panic with exponential backoff
// until the supervisor is cancelled. A clean nil return stops the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.Go0(name+".restart", func(ctx context.Context) {
		backoff := cfg.minBackoff
		restarts := 0
		for ctx.Err() == nil {
			startedAt := s.noteStart(name, restarts > 0)

			err, pan, stack := runGuarded(ctx, fn)
			if pan != nil {
				s.notePanic(name, pan)
				s.log.Error("goroutine panicked (restart)", logx.String("name", name), logx.Any("panic", pan), logx.Stack(stack))
				err = fmt.Errorf("panic: %v", pan)
			}
			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				s.noteStop(name, startedAt, nil)
				return
			}

			err = fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, startedAt, err)

			restarts++
			if s.clock.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(err)
				return
			}

			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", backoff), logx.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(backoff):
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	})
}

func runGuarded(ctx context.Context, fn func(ctx context.Context) error) (err error, pan any, stack string) {
	defer func() {
		if r := recover(); r != nil {
			pan = r
			stack = string(debug.Stack())
		}
	}()
	err = fn(ctx)
	return
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	if s.cancelOnErr {
		s.cancel()
	}
}
