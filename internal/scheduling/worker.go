package scheduling

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/jonboulle/clockwork"

	"flexpower/internal/eventbus"
	"flexpower/internal/journal"
	"flexpower/internal/observability/metrics"
	logx "flexpower/pkg/logx"
)

// loop is the dedicated worker. In real time it sweeps its own registry
// against the clock; under simulation the controller's pump does that.
func (c *Context) loop(ctx context.Context) error {
	defer close(c.terminated)
	selfSweep := c.sim == nil
	ctx = context.WithValue(ctx, workerKey{}, c.workerName)

	c.log.Debug("worker started")
	defer c.log.Debug("worker exited")

	for {
		select {
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		if selfSweep {
			c.reg.Sweep(c.clock.Now())
		}
		if j, ok := c.q.pop(); ok {
			c.run(ctx, j)
			continue
		}

		var timer clockwork.Timer
		var fire <-chan time.Time
		if selfSweep {
			if next, ok := c.reg.nextFire(); ok {
				timer = c.wall.NewTimer(nonNegative(next.Sub(c.clock.Now())))
				fire = timer.Chan()
			}
		}
		select {
		case <-c.q.notify:
		case <-fire:
		case <-c.stopCh:
		case <-ctx.Done():
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (c *Context) run(ctx context.Context, j *Job) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !j.begin(cancel) {
		c.reg.finish(j)
		c.metrics.ObserveTask(c.cfg.Owner, j.kind.String(), metrics.ResultCancelled, 0)
		return
	}

	startedAt := c.clock.Now()
	at := startedAt
	if c.sim != nil && j.kind != KindImmediate {
		// Simulated time may have moved past the fire instant by the time the pump swept it.
		at = c.reg.fireTime(j)
	}
	c.currentStart.Store(startedAt.UnixNano())
	c.current.Store(j)
	started := c.wall.Now()

	result, err := invoke(runCtx, j.call)

	took := c.wall.Since(started)
	c.current.Store(nil)
	c.currentStart.Store(-1)

	j.end(at, result, err)
	c.reg.finish(j)
	c.report(j, at, took, err)
}

func invoke(ctx context.Context, fn Callable) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn(ctx)
}

func (c *Context) report(j *Job, at time.Time, took time.Duration, err error) {
	res := metrics.ResultOK
	switch {
	case err == nil:
	case IsPanic(err):
		res = metrics.ResultPanic
	case errors.Is(err, context.Canceled):
		res = metrics.ResultCancelled
	default:
		res = metrics.ResultError
	}
	c.metrics.ObserveTask(c.cfg.Owner, j.kind.String(), res, took)

	if c.journal != nil {
		rec := journal.Record{
			At:        at,
			Wall:      c.wall.Now(),
			Owner:     c.cfg.Owner,
			JobID:     j.id,
			Job:       j.name,
			Kind:      j.kind.String(),
			Duration:  took,
			Simulated: c.sim != nil,
		}
		if err != nil {
			rec.Error = err.Error()
		}
		c.journal.Record(rec)
	}

	if err == nil {
		c.log.Trace("task.done", logx.String("job", j.name), logx.Duration("took", took))
		return
	}

	c.bus.Publish(eventbus.Event{
		Type: eventbus.TypeTaskFailed,
		Time: c.wall.Now(),
		Data: eventbus.TaskFailed{Owner: c.cfg.Owner, JobID: j.id, Job: j.name, At: at, Err: err.Error()},
	})

	if !c.limiter.Allow() {
		c.suppressed.Add(1)
		return
	}
	fields := []logx.Field{
		logx.String("job", j.name),
		logx.String("kind", j.kind.String()),
		logx.Time("at", at),
		logx.Err(err),
	}
	if n := c.suppressed.Swap(0); n > 0 {
		fields = append(fields, logx.Uint64("suppressed", n))
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		c.log.Error("task.panic", append(fields, logx.Stack(pe.Stack))...)
		return
	}
	c.log.Warn("task.failed", fields...)
}
