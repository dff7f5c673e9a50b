package scheduling

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"flexpower/internal/clock"
	"flexpower/internal/eventbus"
	"flexpower/internal/journal"
	"flexpower/internal/observability/metrics"
	"flexpower/internal/runtime/supervisor"
	"flexpower/internal/simulation"
	logx "flexpower/pkg/logx"
)

const (
	DefaultShutdownGrace   = 500 * time.Millisecond
	DefaultFailureLogRate  = 1.0
	DefaultFailureLogBurst = 5
)

type Config struct {
	// Owner identifies the owning module in worker names, logs and metrics.
	Owner string
	// ShutdownGrace bounds how long Deactivate waits for the in-flight unit.
	ShutdownGrace time.Duration
	// FailureLogRate limits task failure log lines per second.
	FailureLogRate  float64
	FailureLogBurst int
	// Location is used to evaluate cron expressions (default time.Local).
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.Owner == "" {
		c.Owner = "anonymous"
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.FailureLogRate <= 0 {
		c.FailureLogRate = DefaultFailureLogRate
	}
	if c.FailureLogBurst <= 0 {
		c.FailureLogBurst = DefaultFailureLogBurst
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

type Option func(*Context)

func WithLogger(log logx.Logger) Option { return func(c *Context) { c.log = log } }

func WithBus(bus eventbus.Bus) Option {
	return func(c *Context) {
		if bus != nil {
			c.bus = bus
		}
	}
}

// WithSimulation backs the context with the controller's virtual clock.
func WithSimulation(sim *simulation.Controller) Option {
	return func(c *Context) { c.sim = sim }
}

// WithWallClock replaces the wall clock used for real time and worker timers.
func WithWallClock(w clockwork.Clock) Option {
	return func(c *Context) {
		if w != nil {
			c.wall = w
		}
	}
}

func WithMetrics(m *metrics.Collector) Option { return func(c *Context) { c.metrics = m } }

func WithJournal(s journal.Sink) Option { return func(c *Context) { c.journal = s } }

type lifecycle int32

const (
	stateIdle lifecycle = iota
	stateActive
	stateStopped
)

func (s lifecycle) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateActive:
		return "active"
	default:
		return "stopped"
	}
}

// Context is the scheduling facade handed to one owning module.
type Context struct {
	cfg        Config
	workerName string
	log        logx.Logger
	bus        eventbus.Bus
	wall       clockwork.Clock
	clock      clock.Clock
	sim        *simulation.Controller
	metrics    *metrics.Collector
	journal    journal.Sink
	limiter    *rate.Limiter
	suppressed atomic.Uint64

	q   *queue
	reg *registry

	mu         sync.Mutex
	state      lifecycle
	sup        *supervisor.Supervisor
	detach     func()
	stopCh     chan struct{}
	terminated chan struct{}

	current      atomic.Pointer[Job]
	currentStart atomic.Int64

	lmu       sync.Mutex
	listeners []func(from, to simulation.State)
}

// New builds a context for cfg.Owner. Work may be submitted right away; it
// runs once Activate starts the worker.
func New(cfg Config, opts ...Option) *Context {
	cfg = cfg.withDefaults()
	c := &Context{
		cfg:        cfg,
		workerName: "Scheduler thread for " + cfg.Owner,
		bus:        eventbus.Nop(),
		wall:       clockwork.NewRealClock(),
		q:          newQueue(),
		stopCh:     make(chan struct{}),
		terminated: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With(logx.String("comp", "scheduling"), logx.String("owner", cfg.Owner))
	c.limiter = rate.NewLimiter(rate.Limit(cfg.FailureLogRate), cfg.FailureLogBurst)
	c.currentStart.Store(-1)

	if c.sim != nil {
		c.clock = c.sim
	} else {
		c.clock = clock.NewReal(c.wall)
	}
	c.reg = newRegistry(cfg.Owner, c.clock, c.q)
	if c.metrics != nil {
		owner := cfg.Owner
		c.reg.onChange = func(scheduled, queued int) {
			c.metrics.SetScheduled(owner, scheduled)
			c.metrics.SetQueueDepth(owner, queued)
		}
	}
	if c.sim != nil {
		c.detach = c.sim.Attach(simTarget{registry: c.reg, c: c})
	}
	return c
}

func (c *Context) Owner() string { return c.cfg.Owner }

// WorkerName is the name of the goroutine running this context's units.
func (c *Context) WorkerName() string { return c.workerName }

// CurrentTime reports the context's clock: virtual time when simulating.
func (c *Context) CurrentTime() time.Time { return c.clock.Now() }

func (c *Context) CurrentTimeMillis() int64 { return clock.Millis(c.clock.Now()) }

// Clock exposes the context's time source.
func (c *Context) Clock() clock.Clock { return c.clock }

func (c *Context) IsSimulation() bool { return c.sim != nil }

// Simulation returns the controller driving this context, nil in real time.
func (c *Context) Simulation() *simulation.Controller { return c.sim }

// Done is closed once the worker goroutine has exited.
func (c *Context) Done() <-chan struct{} { return c.terminated }

// Activate starts the dedicated worker.
func (c *Context) Activate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateActive:
		return ErrAlreadyActive
	case stateStopped:
		return ErrStopped
	}
	c.state = stateActive
	c.sup = supervisor.New(ctx, supervisor.WithLogger(c.log), supervisor.WithClock(c.wall))
	c.sup.Go(c.workerName, c.loop)

	c.log.Info("context activated", logx.String("worker", c.workerName), logx.Bool("simulated", c.sim != nil))
	c.bus.Publish(eventbus.Event{
		Type: eventbus.TypeContextActivated,
		Time: c.wall.Now(),
		Data: eventbus.ContextLifecycle{Owner: c.cfg.Owner, Simulated: c.sim != nil},
	})
	return nil
}

// Deactivate stops accepting work, cancels every scheduled or queued unit,
// lets the in-flight unit finish and waits at most ShutdownGrace for the
// worker to exit. Past the grace period the in-flight unit's context is
// cancelled and ErrShutdownTimeout is returned.
func (c *Context) Deactivate(ctx context.Context) error {
	c.mu.Lock()
	prev := c.state
	if prev == stateStopped {
		c.mu.Unlock()
		return nil
	}
	c.state = stateStopped
	sup := c.sup
	c.mu.Unlock()

	c.log.Info("stopping context")
	if c.detach != nil {
		c.detach()
	}
	cancelled := c.reg.close()
	close(c.stopCh)

	var err error
	if prev == stateIdle {
		close(c.terminated)
	} else {
		timer := c.wall.NewTimer(c.cfg.ShutdownGrace)
		select {
		case <-c.terminated:
		case <-timer.Chan():
			sup.Cancel()
			err = fmt.Errorf("%w: owner=%s grace=%s", ErrShutdownTimeout, c.cfg.Owner, c.cfg.ShutdownGrace)
		case <-ctx.Done():
			sup.Cancel()
			err = fmt.Errorf("%w: %v", ErrShutdownTimeout, ctx.Err())
		}
		timer.Stop()
	}
	if sup != nil {
		// Detaches the worker context from the activation parent.
		sup.Cancel()
	}

	c.metrics.ForgetOwner(c.cfg.Owner)
	c.bus.Publish(eventbus.Event{
		Type: eventbus.TypeContextDeactivated,
		Time: c.wall.Now(),
		Data: eventbus.ContextLifecycle{Owner: c.cfg.Owner, Simulated: c.sim != nil},
	})
	if err != nil {
		c.log.Error("worker did not stop in time", logx.Err(err))
		return err
	}
	c.log.Debug("context stopped", logx.Int("cancelled", cancelled))
	return nil
}

// Submit queues task behind everything already submitted or due.
func (c *Context) Submit(task Task, opts ...JobOption) (*Job, error) {
	if task == nil {
		return nil, ErrNilTask
	}
	return c.Call(func(ctx context.Context) (any, error) { return nil, task(ctx) }, opts...)
}

// Call is Submit for work that produces a result.
func (c *Context) Call(fn Callable, opts ...JobOption) (*Job, error) {
	if fn == nil {
		return nil, ErrNilTask
	}
	j := newJob(KindImmediate, fn, opts)
	now := c.clock.Now()
	if !c.reg.enqueue(j, now, c.dueThrough(now)) {
		return nil, ErrStopped
	}
	c.log.Trace("submitted", logx.String("job", j.name))
	return j, nil
}

// SubmitAll submits tasks in order. On failure the jobs submitted so far are
// returned with the error.
func (c *Context) SubmitAll(tasks []Task, opts ...JobOption) ([]*Job, error) {
	jobs := make([]*Job, 0, len(tasks))
	for _, t := range tasks {
		j, err := c.Submit(t, opts...)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Schedule runs task once after delay of context time.
func (c *Context) Schedule(task Task, delay time.Duration, opts ...JobOption) (*Job, error) {
	if task == nil {
		return nil, ErrNilTask
	}
	return c.ScheduleCall(func(ctx context.Context) (any, error) { return nil, task(ctx) }, delay, opts...)
}

// ScheduleCall is Schedule for work that produces a result.
func (c *Context) ScheduleCall(fn Callable, delay time.Duration, opts ...JobOption) (*Job, error) {
	if fn == nil {
		return nil, ErrNilTask
	}
	j := newJob(KindDelayed, fn, opts)
	return c.insert(j, c.clock.Now().Add(nonNegative(delay)))
}

// ScheduleAtFixedRate first runs task initialDelay from now, then at every
// previous fire time plus period regardless of how long a run took.
func (c *Context) ScheduleAtFixedRate(task Task, initialDelay, period time.Duration, opts ...JobOption) (*Job, error) {
	return c.schedulePeriodic(KindFixedRate, task, initialDelay, period, opts)
}

// ScheduleWithFixedDelay runs task repeatedly with delay between the end of
// one run and the start of the next.
func (c *Context) ScheduleWithFixedDelay(task Task, initialDelay, delay time.Duration, opts ...JobOption) (*Job, error) {
	return c.schedulePeriodic(KindFixedDelay, task, initialDelay, delay, opts)
}

func (c *Context) schedulePeriodic(kind Kind, task Task, initialDelay, period time.Duration, opts []JobOption) (*Job, error) {
	if task == nil {
		return nil, ErrNilTask
	}
	if period <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPeriod, period)
	}
	j := newJob(kind, func(ctx context.Context) (any, error) { return nil, task(ctx) }, opts)
	j.period = period
	return c.insert(j, c.clock.Now().Add(nonNegative(initialDelay)))
}

// ScheduleCron runs task at every activation of a cron expression, evaluated
// in context time.
func (c *Context) ScheduleCron(expr string, task Task, opts ...JobOption) (*Job, error) {
	if task == nil {
		return nil, ErrNilTask
	}
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	j := newJob(KindCron, func(ctx context.Context) (any, error) { return nil, task(ctx) }, opts)
	j.cron = sched
	j.spec = expr
	first := sched.Next(c.clock.Now().In(c.cfg.Location))
	if first.IsZero() {
		return nil, fmt.Errorf("scheduling: cron %q never fires", expr)
	}
	return c.insert(j, first)
}

// ScheduleSpec accepts the forms ParseSchedule understands. Intervals run at a
// fixed rate with the interval as initial delay.
func (c *Context) ScheduleSpec(raw string, task Task, opts ...JobOption) (*Job, error) {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return nil, err
	}
	if ps.Kind == SpecCron {
		return c.ScheduleCron(ps.Cron, task, opts...)
	}
	opts = append(opts, withSpec(raw))
	return c.ScheduleAtFixedRate(task, ps.Every, ps.Every, opts...)
}

func withSpec(raw string) JobOption { return func(j *Job) { j.spec = raw } }

func (c *Context) insert(j *Job, next time.Time) (*Job, error) {
	if !c.reg.schedule(j, next) {
		return nil, ErrStopped
	}
	c.log.Trace("scheduled", logx.String("job", j.name), logx.String("kind", j.kind.String()), logx.Time("next", next), logx.Duration("period", j.period))
	return j, nil
}

// OnSimulationChange registers fn to hear simulation state changes. fn runs on
// this context's worker, never on the pump.
func (c *Context) OnSimulationChange(fn func(from, to simulation.State)) {
	if fn == nil {
		return
	}
	c.lmu.Lock()
	c.listeners = append(c.listeners, fn)
	c.lmu.Unlock()
}

func (c *Context) simulationChanged(from, to simulation.State) {
	c.lmu.Lock()
	ls := append([]func(from, to simulation.State){}, c.listeners...)
	c.lmu.Unlock()
	if len(ls) == 0 {
		return
	}
	j := newJob(KindImmediate, func(context.Context) (any, error) {
		for _, fn := range ls {
			fn(from, to)
		}
		return nil, nil
	}, []JobOption{Named("simulation." + to.String())})
	// Runs on the pump, which sweeps right after notifying.
	c.reg.enqueue(j, c.clock.Now(), time.Time{})
}

// dueThrough is the latest fire time already due at now, or zero while the
// simulation is stopped.
func (c *Context) dueThrough(now time.Time) time.Time {
	if c.sim == nil {
		return now
	}
	through, ok := c.sim.DueThrough()
	if !ok {
		return time.Time{}
	}
	return through
}

// CurrentExecutionTime reports how long the running unit has been executing
// in context time, or -1 when the worker is idle.
func (c *Context) CurrentExecutionTime() time.Duration {
	start := c.currentStart.Load()
	if start < 0 || c.current.Load() == nil {
		return -1
	}
	d := c.clock.Now().Sub(time.Unix(0, start))
	if d < 0 {
		return 0
	}
	return d
}

type simTarget struct {
	*registry
	c *Context
}

func (t simTarget) SimulationChanged(from, to simulation.State, _ time.Time) {
	t.c.simulationChanged(from, to)
}

type workerKey struct{}

// WorkerName reports the worker a unit is running on, from inside the unit.
func WorkerName(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(workerKey{}).(string)
	return name, ok
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
