package scheduling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/xid"
)

// Task is a unit of work run on a context's worker.
type Task func(ctx context.Context) error

// Callable is a Task that produces a result for Job.Get.
type Callable func(ctx context.Context) (any, error)

type Kind int

const (
	KindImmediate Kind = iota
	KindDelayed
	KindFixedRate
	KindFixedDelay
	KindCron
)

func (k Kind) String() string {
	switch k {
	case KindImmediate:
		return "immediate"
	case KindDelayed:
		return "delayed"
	case KindFixedRate:
		return "fixed_rate"
	case KindFixedDelay:
		return "fixed_delay"
	case KindCron:
		return "cron"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Periodic reports whether jobs of this kind run more than once.
func (k Kind) Periodic() bool { return k == KindFixedRate || k == KindFixedDelay || k == KindCron }

// JobOption customizes a job at submission.
type JobOption func(*Job)

// Named sets the name used in logs, diagnostics and the journal.
func Named(name string) JobOption {
	return func(j *Job) {
		if name != "" {
			j.name = name
		}
	}
}

// Job is the handle of a submitted or scheduled unit.
type Job struct {
	id     string
	name   string
	kind   Kind
	call   Callable
	period time.Duration
	cron   cron.Schedule
	spec   string
	seq    uint64
	reg    *registry

	// Guarded by reg.mu.
	next  time.Time
	index int

	mu        sync.Mutex
	cancelled bool
	finished  bool
	running   bool
	interrupt context.CancelFunc
	runs      uint64
	lastRun   time.Time
	lastErr   error
	result    any
	err       error
	done      chan struct{}
}

func newJob(kind Kind, call Callable, opts []JobOption) *Job {
	j := &Job{
		id:    xid.New().String(),
		kind:  kind,
		call:  call,
		index: -1,
		done:  make(chan struct{}),
	}
	j.name = kind.String() + "-" + j.id
	for _, o := range opts {
		if o != nil {
			o(j)
		}
	}
	return j
}

func (j *Job) ID() string   { return j.id }
func (j *Job) Name() string { return j.name }
func (j *Job) Kind() Kind   { return j.kind }

// Period is the fixed rate or fixed delay, zero for other kinds.
func (j *Job) Period() time.Duration { return j.period }

// Done is closed once the job reached a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

func (j *Job) IsDone() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

func (j *Job) IsCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

func (j *Job) Runs() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs
}

// LastErr is the failure of the most recent run, nil if it succeeded.
func (j *Job) LastErr() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastErr
}

// NextRun reports the pending fire time. ok is false while the job is
// queued, running or finished.
func (j *Job) NextRun() (t time.Time, ok bool) {
	if j.reg == nil {
		return time.Time{}, false
	}
	j.reg.mu.Lock()
	defer j.reg.mu.Unlock()
	if j.index < 0 {
		return time.Time{}, false
	}
	return j.next, true
}

// Cancel stops future runs of the job. With mayInterruptIfRunning the
// context passed to an in-flight run is cancelled; otherwise that run
// finishes in place. Only the call that cancelled the job returns true.
func (j *Job) Cancel(mayInterruptIfRunning bool) bool {
	if !j.markCancelled(mayInterruptIfRunning) {
		return false
	}
	if j.reg != nil {
		j.reg.remove(j)
	}
	return true
}

// markCancelled flips the job to cancelled and closes its handle.
func (j *Job) markCancelled(interrupt bool) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelled || j.finished {
		return false
	}
	j.cancelled = true
	j.finished = true
	if interrupt && j.running && j.interrupt != nil {
		j.interrupt()
	}
	close(j.done)
	return true
}

// begin marks the job running. It reports false if the job was cancelled
// after being queued.
func (j *Job) begin(interrupt context.CancelFunc) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelled {
		return false
	}
	j.running = true
	j.interrupt = interrupt
	return true
}

func (j *Job) end(at time.Time, result any, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.running = false
	j.interrupt = nil
	j.runs++
	j.lastRun = at
	j.lastErr = err
	j.result = result
	if j.kind.Periodic() || j.finished {
		return
	}
	j.finished = true
	if err != nil {
		j.err = &TaskError{JobID: j.id, Job: j.name, Err: err}
	}
	close(j.done)
}

// Get waits for the job's outcome.
//
// A finished one-shot job yields its result, or a *TaskError if it failed.
// A cancelled periodic job yields (nil, nil). A cancelled one-shot job
// yields ErrCancelled. If ctx ends first, Get returns ErrTimeout.
func (j *Job) Get(ctx context.Context) (any, error) {
	select {
	case <-j.done:
		return j.outcome()
	default:
	}
	select {
	case <-j.done:
		return j.outcome()
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

// GetTimeout is Get bounded by d. A zero d only inspects the current state.
func (j *Job) GetTimeout(d time.Duration) (any, error) {
	if d <= 0 {
		select {
		case <-j.done:
			return j.outcome()
		default:
			return nil, ErrTimeout
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return j.Get(ctx)
}

func (j *Job) outcome() (any, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelled {
		if j.kind.Periodic() {
			return nil, nil
		}
		return nil, ErrCancelled
	}
	return j.result, j.err
}

func (j *Job) String() string {
	return fmt.Sprintf("Job(%s %s %s)", j.name, j.kind, j.id)
}
