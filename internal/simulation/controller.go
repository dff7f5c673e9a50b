package simulation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"flexpower/internal/eventbus"
	"flexpower/internal/observability/metrics"
	"flexpower/internal/runtime/supervisor"
	logx "flexpower/pkg/logx"
)

const DefaultTickInterval = 10 * time.Millisecond

type Config struct {
	// TickInterval is the wall-clock period of the pump loop.
	TickInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	return c
}

// Target is a scheduled task registry driven by the pump.
//
// Sweep moves every task due at or before through into the target's work
// queue, at most one invocation per task, and reports how many it moved.
// Pending reports invocations queued or running but not yet finished; a
// target must reinsert a finished periodic task before its Pending count drops.
type Target interface {
	Name() string
	Sweep(through time.Time) int
	Pending() int
	Rebase(from, to time.Time)
	Discard()
}

// Observer is implemented by targets that want to hear about state changes.
// SimulationChanged is called with the controller lock held and must not block.
type Observer interface {
	SimulationChanged(from, to State, at time.Time)
}

type Option func(*Controller)

func WithWallClock(w clockwork.Clock) Option {
	return func(c *Controller) {
		if w != nil {
			c.wall = w
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller owns the simulated clock and its pump loop.
//
// Lock order: mu, then a target's registry lock. cmu guards only the clock
// fields and is never held while calling out, so Now is safe from anywhere.
type Controller struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	wall    clockwork.Clock
	metrics *metrics.Collector

	mu      sync.Mutex
	targets map[uint64]Target
	nextID  uint64
	ticks   uint64

	cmu    sync.RWMutex
	state  State
	base   time.Time // virtual instant at anchor
	anchor time.Time // wall instant base was taken at
	speed  float64
	start  time.Time
	end    time.Time
	hasEnd bool

	runMu sync.Mutex
	sup   *supervisor.Supervisor
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Controller {
	if bus == nil {
		bus = eventbus.Nop()
	}
	c := &Controller{
		cfg:     cfg.withDefaults(),
		log:     log.With(logx.String("comp", "simulation")),
		bus:     bus,
		wall:    clockwork.NewRealClock(),
		targets: map[uint64]Target{},
		speed:   1,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start launches the pump loop. It is idempotent.
func (c *Controller) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.sup != nil {
		return nil
	}
	c.sup = supervisor.New(ctx, supervisor.WithLogger(c.log), supervisor.WithClock(c.wall))
	c.sup.GoRestart("simulation.pump", c.pump, supervisor.WithRestartBackoff(c.cfg.TickInterval, time.Second))
	c.log.Info("pump started", logx.Duration("tick", c.cfg.TickInterval))
	return nil
}

// Stop halts the pump loop. The simulation state is left untouched.
func (c *Controller) Stop(ctx context.Context) error {
	c.runMu.Lock()
	sup := c.sup
	c.sup = nil
	c.runMu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	c.log.Info("pump stopped")
	return err
}

func (c *Controller) pump(ctx context.Context) error {
	t := c.wall.NewTicker(c.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.Chan():
			c.tick()
		}
	}
}

// tick advances the virtual clock to the current wall reading and sweeps
// every attached target.
func (c *Controller) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	wallNow := c.wall.Now()

	c.cmu.Lock()
	from := c.state
	if from != Running && from != Stopping {
		c.cmu.Unlock()
		return
	}
	v := c.end
	if from == Running {
		v = c.virtualAt(wallNow)
		if c.hasEnd && !v.Before(c.end) {
			v = c.end
			c.base, c.anchor = c.end, wallNow
			c.state = Stopping
		}
	}
	to := c.state
	speed := c.speed
	c.cmu.Unlock()

	c.ticks++
	c.metrics.IncPumpTick()
	if to != from {
		c.transitioned(from, to, v)
	}

	if to == Running {
		for _, t := range c.targets {
			t.Sweep(v)
		}
		c.metrics.SetSimulation(int(to), v, speed)
		return
	}

	// Stopping: drain tasks due strictly before end. Pending is read before
	// the sweep so a periodic task reinserted in between is still seen.
	through := c.end.Add(-time.Nanosecond)
	busy := 0
	for _, t := range c.targets {
		busy += t.Pending()
	}
	for _, t := range c.targets {
		busy += t.Sweep(through)
	}
	if busy > 0 {
		return
	}
	c.log.Info("simulation reached end", logx.Time("end", c.end), logx.Uint64("ticks", c.ticks))
	c.finish(Stopping, wallNow)
}

// virtualAt must be called with cmu held.
func (c *Controller) virtualAt(wallNow time.Time) time.Time {
	switch c.state {
	case Running:
		elapsed := wallNow.Sub(c.anchor)
		if elapsed < 0 {
			elapsed = 0
		}
		v := c.base.Add(time.Duration(float64(elapsed) * c.speed))
		if c.hasEnd && v.After(c.end) {
			return c.end
		}
		return v
	case Paused, Stopping:
		return c.base
	default:
		return wallNow
	}
}

// Now reports the virtual instant, or wall time while STOPPED.
func (c *Controller) Now() time.Time {
	wallNow := c.wall.Now()
	c.cmu.RLock()
	defer c.cmu.RUnlock()
	return c.virtualAt(wallNow)
}

// DueThrough reports the latest fire time the pump treats as due right now.
// It reports false while STOPPED, when nothing is swept. It serializes with
// StartSimulation so targets are never swept against a not yet rebased timeline.
func (c *Controller) DueThrough() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wallNow := c.wall.Now()
	c.cmu.RLock()
	defer c.cmu.RUnlock()
	switch c.state {
	case Stopped:
		return time.Time{}, false
	case Stopping:
		return c.end.Add(-time.Nanosecond), true
	}
	v := c.virtualAt(wallNow)
	if c.hasEnd && !v.Before(c.end) {
		v = c.end.Add(-time.Nanosecond)
	}
	return v, true
}

// Time is Now under the name collaborators driving a simulation expect.
func (c *Controller) Time() time.Time { return c.Now() }

func (c *Controller) State() State {
	c.cmu.RLock()
	defer c.cmu.RUnlock()
	return c.state
}

func (c *Controller) SpeedFactor() float64 {
	c.cmu.RLock()
	defer c.cmu.RUnlock()
	return c.speed
}

// StartSimulation runs the virtual clock from start with no end bound.
func (c *Controller) StartSimulation(start time.Time, speed float64) error {
	return c.startSimulation(start, time.Time{}, false, speed)
}

// StartSimulationUntil runs the virtual clock from start and stops it once
// end is reached and the tasks due before end have run.
func (c *Controller) StartSimulationUntil(start, end time.Time, speed float64) error {
	if !end.After(start) {
		return fmt.Errorf("%w: start=%s end=%s", ErrInvalidWindow, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return c.startSimulation(start, end, true, speed)
}

func (c *Controller) startSimulation(start, end time.Time, hasEnd bool, speed float64) error {
	if err := validSpeed(speed); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	wallNow := c.wall.Now()
	c.cmu.Lock()
	if c.state != Stopped {
		st := c.state
		c.cmu.Unlock()
		return fmt.Errorf("%w: cannot start while %s", ErrIllegalState, st)
	}
	c.state = Running
	c.base, c.anchor = start, wallNow
	c.speed = speed
	c.start, c.end, c.hasEnd = start, end, hasEnd
	c.cmu.Unlock()

	// Tasks scheduled against the stopped clock were timed in wall time.
	for _, t := range c.targets {
		t.Rebase(wallNow, start)
	}

	fields := []logx.Field{logx.Time("start", start), logx.Float64("speed", speed)}
	if hasEnd {
		fields = append(fields, logx.Time("end", end))
	}
	c.log.Info("simulation started", fields...)
	c.transitioned(Stopped, Running, start)
	c.metrics.SetSimulation(int(Running), start, speed)
	return nil
}

// StopSimulation halts the virtual clock and discards every scheduled task.
// Stopping an already stopped simulation is a no-op.
func (c *Controller) StopSimulation() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.State()
	if from == Stopped {
		return nil
	}
	c.log.Info("simulation stopped", logx.String("from", from.String()))
	c.finish(from, c.wall.Now())
	return nil
}

// finish must be called with mu held.
func (c *Controller) finish(from State, wallNow time.Time) {
	c.cmu.Lock()
	at := c.virtualAt(wallNow)
	c.state = Stopped
	c.start, c.end, c.hasEnd = time.Time{}, time.Time{}, false
	speed := c.speed
	c.cmu.Unlock()

	for _, t := range c.targets {
		t.Discard()
	}
	c.transitioned(from, Stopped, at)
	c.metrics.SetSimulation(int(Stopped), at, speed)
}

func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	wallNow := c.wall.Now()
	c.cmu.Lock()
	if c.state != Running {
		st := c.state
		c.cmu.Unlock()
		return fmt.Errorf("%w: cannot pause while %s", ErrIllegalState, st)
	}
	c.base, c.anchor = c.virtualAt(wallNow), wallNow
	c.state = Paused
	at, speed := c.base, c.speed
	c.cmu.Unlock()

	c.log.Info("simulation paused", logx.Time("at", at))
	c.transitioned(Running, Paused, at)
	c.metrics.SetSimulation(int(Paused), at, speed)
	return nil
}

func (c *Controller) Unpause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	wallNow := c.wall.Now()
	c.cmu.Lock()
	if c.state != Paused {
		st := c.state
		c.cmu.Unlock()
		return fmt.Errorf("%w: cannot unpause while %s", ErrIllegalState, st)
	}
	c.anchor = wallNow
	c.state = Running
	at, speed := c.base, c.speed
	c.cmu.Unlock()

	c.log.Info("simulation resumed", logx.Time("at", at))
	c.transitioned(Paused, Running, at)
	c.metrics.SetSimulation(int(Running), at, speed)
	return nil
}

// ChangeSpeedFactor applies to virtual time elapsing from now on; fire times
// already computed are left alone.
func (c *Controller) ChangeSpeedFactor(speed float64) error {
	if err := validSpeed(speed); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	wallNow := c.wall.Now()
	c.cmu.Lock()
	st := c.state
	switch st {
	case Running:
		c.base, c.anchor = c.virtualAt(wallNow), wallNow
	case Paused:
	default:
		c.cmu.Unlock()
		return fmt.Errorf("%w: cannot change speed while %s", ErrIllegalState, st)
	}
	prev := c.speed
	c.speed = speed
	at := c.virtualAt(wallNow)
	c.cmu.Unlock()

	c.log.Info("simulation speed changed", logx.Float64("from", prev), logx.Float64("to", speed))
	c.metrics.SetSimulation(int(st), at, speed)
	return nil
}

// Attach registers a target with the pump. The returned func detaches it.
func (c *Controller) Attach(t Target) (detach func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.targets[id] = t
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.targets, id)
			c.mu.Unlock()
		})
	}
}

// transitioned must be called with mu held.
func (c *Controller) transitioned(from, to State, at time.Time) {
	c.bus.Publish(eventbus.Event{
		Type: eventbus.TypeSimulationState,
		Time: c.wall.Now(),
		Data: eventbus.SimulationState{From: from.String(), To: to.String(), VirtualTime: at, SpeedFactor: c.SpeedFactor()},
	})
	for _, t := range c.targets {
		if o, ok := t.(Observer); ok {
			o.SimulationChanged(from, to, at)
		}
	}
}

type Snapshot struct {
	State       State      `json:"state"`
	Time        time.Time  `json:"time"`
	SpeedFactor float64    `json:"speed_factor"`
	Start       *time.Time `json:"start,omitempty"`
	End         *time.Time `json:"end,omitempty"`
	Ticks       uint64     `json:"ticks"`
	Targets     []string   `json:"targets"`
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	names := make([]string, 0, len(c.targets))
	for _, t := range c.targets {
		names = append(names, t.Name())
	}
	ticks := c.ticks
	c.mu.Unlock()
	sort.Strings(names)

	wallNow := c.wall.Now()
	c.cmu.RLock()
	defer c.cmu.RUnlock()
	s := Snapshot{
		State:       c.state,
		Time:        c.virtualAt(wallNow),
		SpeedFactor: c.speed,
		Ticks:       ticks,
		Targets:     names,
	}
	if c.state != Stopped {
		start := c.start
		s.Start = &start
		if c.hasEnd {
			end := c.end
			s.End = &end
		}
	}
	return s
}

func validSpeed(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidSpeed, f)
	}
	return nil
}
