package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"flexpower/internal/config"
	"flexpower/internal/eventbus"
	"flexpower/internal/journal"
	"flexpower/internal/observability/diag"
	"flexpower/internal/observability/metrics"
	"flexpower/internal/runtime/supervisor"
	"flexpower/internal/scheduling"
	"flexpower/internal/simulation"
	logx "flexpower/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor
	// workCtx parents the scheduling contexts. It outlives sup so Stop can
	// drain them with their own shutdown grace.
	workCtx  context.Context
	stopping atomic.Bool

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	metrics *metrics.Collector
	store   journal.Store
	rec     *journal.Recorder
	sim     *simulation.Controller
	simPlan simulationPlan
	reg     *Registry
	diag    *diag.Service
}

type Option func(*options)

type options struct {
	logOut io.Writer
}

// WithLogWriter redirects the console sink (tests use io.Discard).
func WithLogWriter(w io.Writer) Option { return func(o *options) { o.logOut = w } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	var (
		logSvc *logx.Service
		log    logx.Logger
	)
	if o.logOut != nil {
		logSvc, log = logx.NewWithWriter(mapLoggingConfig(cfg), o.logOut)
	} else {
		logSvc, log = logx.New(mapLoggingConfig(cfg))
	}
	cfgm.SetLogger(log)
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mc, err := metrics.New(promReg)
	if err != nil {
		return nil, err
	}

	// Journal (optional)
	var (
		store journal.Store
		rec   *journal.Recorder
	)
	if jc, enabled, err := mapJournalConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := journal.Open(jc, log)
		if err != nil {
			return nil, err
		}
		store = st
		rec = journal.NewRecorder(st, jc, log)
		appLog.Info("journal enabled", logx.String("driver", jc.Driver), logx.String("path", jc.Path))
	}

	plan, err := mapSimulationConfig(cfg, time.Now())
	if err != nil {
		return nil, err
	}
	var sim *simulation.Controller
	if plan.Enabled {
		sim = simulation.New(plan.Config, log, bus, simulation.WithMetrics(mc))
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		metrics: mc,
		store:   store,
		rec:     rec,
		sim:     sim,
		simPlan: plan,
	}
	a.reg = NewRegistry(a.buildContext, log)

	dcfg, err := mapDiagConfig(cfg)
	if err != nil {
		return nil, err
	}
	deps := diag.Deps{Scheduling: a.reg, Metrics: mc.Handler()}
	if sim != nil {
		deps.Simulation = sim
	}
	a.diag = diag.New(dcfg, deps, log)
	return a, nil
}

// buildContext creates the context for a configured owner from the committed config.
func (a *App) buildContext(owner string) (*scheduling.Context, error) {
	cfg := a.cfgm.Get()
	cc, ok := contextConfig(cfg, owner)
	if !ok {
		cc = config.ContextConfig{Owner: owner}
	}
	sc, err := mapSchedulingConfig(cfg, cc)
	if err != nil {
		return nil, err
	}
	opts := []scheduling.Option{
		scheduling.WithLogger(a.logs.Logger()),
		scheduling.WithBus(a.bus),
		scheduling.WithMetrics(a.metrics),
	}
	if a.rec != nil {
		opts = append(opts, scheduling.WithJournal(a.rec))
	}
	if a.sim != nil && cfg.IsSimulated(cc) {
		opts = append(opts, scheduling.WithSimulation(a.sim))
	}
	return scheduling.New(sc, opts...), nil
}

func contextConfig(cfg *config.Config, owner string) (config.ContextConfig, bool) {
	for _, cc := range cfg.Contexts {
		if strings.TrimSpace(cc.Owner) == owner {
			return cc, true
		}
	}
	return config.ContextConfig{}, false
}

// Contexts exposes the owner registry to embedding modules.
func (a *App) Contexts() *Registry { return a.reg }

// Simulation returns the controller, or nil when simulation is disabled.
func (a *App) Simulation() *simulation.Controller { return a.sim }

func (a *App) Diagnostics() *diag.Service { return a.diag }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.workCtx = context.WithoutCancel(ctx)
	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapDiagConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapJournalConfig(cfg); err != nil {
			return err
		}
		for _, cc := range cfg.Contexts {
			if _, err := mapSchedulingConfig(cfg, cc); err != nil {
				return err
			}
		}
		return nil
	})

	if a.rec != nil {
		if err := a.rec.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if a.sim != nil {
		if err := a.sim.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	for _, cc := range a.cfgm.Get().Contexts {
		if err := a.activate(a.workCtx, cc); err != nil {
			return err
		}
	}

	if a.sim != nil && a.simPlan.AutoStart {
		if err := a.startSimulation(); err != nil {
			return err
		}
	}

	if err := a.diag.Start(a.sup.Context()); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	// Taken with the subscription so a reload published before the loop runs still diffs against it.
	lastApplied := a.cfgm.Get()
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("contexts", len(a.reg.Owners())),
		logx.Bool("simulation", a.sim != nil),
		logx.Bool("diagnostics", a.diag.Enabled()),
	)
	return nil
}

func (a *App) startSimulation() error {
	p := a.simPlan
	if p.End.IsZero() {
		return a.sim.StartSimulation(p.Start, p.Speed)
	}
	return a.sim.StartSimulationUntil(p.Start, p.End, p.Speed)
}

// activate registers the context for cc and installs its heartbeat.
func (a *App) activate(ctx context.Context, cc config.ContextConfig) error {
	owner := strings.TrimSpace(cc.Owner)
	c, err := a.reg.Activate(ctx, owner)
	if err != nil {
		return err
	}
	if hb := strings.TrimSpace(cc.Heartbeat); hb != "" {
		log := a.log.With(logx.String("owner", owner))
		_, err := c.ScheduleSpec(hb, func(context.Context) error {
			log.Info("heartbeat", logx.Time("context_time", c.CurrentTime()), logx.Bool("simulated", c.IsSimulation()))
			return nil
		}, scheduling.Named("heartbeat"))
		if err != nil {
			_ = a.reg.Deactivate(ctx, owner)
			return fmt.Errorf("contexts.%s.heartbeat: %w", owner, err)
		}
	}
	return nil
}

func (a *App) logEvent(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.SimulationState:
		a.log.Info("simulation state",
			logx.String("from", d.From),
			logx.String("to", d.To),
			logx.Time("virtual_time", d.VirtualTime),
			logx.Float64("speed_factor", d.SpeedFactor),
		)
	case eventbus.ContextLifecycle:
		a.log.Debug("event", logx.String("type", e.Type), logx.String("owner", d.Owner), logx.Bool("simulated", d.Simulated))
	default:
		// Keep this debug-level to avoid noise for frequent failures.
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

// applyConfig applies a committed config. Sections that cannot change live
// are reported and left alone.
func (a *App) applyConfig(ctx context.Context, old, cfg *config.Config) {
	sections, attrs, changedOwners := config.SummarizeConfigChange(old, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "journal":
			a.log.Warn("journal config changed; restart required for changes to take effect")
		case "scheduling":
			a.log.Warn("scheduling config changed; applies to contexts activated from now on")
		}
	}

	a.logs.Apply(mapLoggingConfig(cfg))

	if slices.Contains(sections, "simulation") {
		a.applySimulation(cfg)
	}
	if len(changedOwners) > 0 {
		a.applyContexts(ctx, cfg, changedOwners)
	}
	if dcfg, err := mapDiagConfig(cfg); err != nil {
		a.log.Warn("invalid diagnostics config; keeping previous", logx.Err(err))
	} else if err := a.diag.Reconfigure(ctx, dcfg); err != nil {
		a.log.Warn("diagnostics reconfigure failed", logx.Err(err))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigApplied, Data: sections})
	a.log.Info("config reloaded", fields...)
}

func (a *App) applySimulation(cfg *config.Config) {
	plan, err := mapSimulationConfig(cfg, time.Now())
	if err != nil {
		a.log.Warn("invalid simulation config; keeping previous", logx.Err(err))
		return
	}
	if plan.Enabled != (a.sim != nil) {
		a.log.Warn("simulation.enabled changed; restart required for changes to take effect")
		return
	}
	if a.sim == nil {
		return
	}
	a.simPlan = plan
	switch a.sim.State() {
	case simulation.Running, simulation.Paused:
		if plan.Speed != a.sim.SpeedFactor() {
			if err := a.sim.ChangeSpeedFactor(plan.Speed); err != nil {
				a.log.Warn("simulation speed change rejected", logx.Err(err))
			}
		}
	}
}

// applyContexts restarts every changed owner: removed owners are
// deactivated, new ones activated and modified ones cycled.
func (a *App) applyContexts(ctx context.Context, cfg *config.Config, owners []string) {
	for _, owner := range owners {
		if _, ok := a.reg.Lookup(owner); ok {
			if err := a.reg.Deactivate(ctx, owner); err != nil && !errors.Is(err, ErrUnknownOwner) {
				a.log.Warn("context deactivate failed", logx.String("owner", owner), logx.Err(err))
			}
		}
		cc, ok := contextConfig(cfg, owner)
		if !ok {
			a.log.Info("context removed via config", logx.String("owner", owner))
			continue
		}
		if err := a.activate(a.workCtx, cc); err != nil {
			a.log.Warn("context activate failed", logx.String("owner", owner), logx.Err(err))
			continue
		}
		a.log.Info("context applied via config", logx.String("owner", owner))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil || a.stopping.Swap(true) {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	step("diagnostics", time.Second, a.diag.Stop)
	// Each context waits at most its shutdown grace; they stop in parallel.
	step("contexts", 2*time.Second, a.reg.DeactivateAll)
	step("simulation", time.Second, func(c context.Context) error {
		if a.sim == nil {
			return nil
		}
		return a.sim.Stop(c)
	})
	step("journal", 2*time.Second, func(c context.Context) error {
		if a.rec == nil {
			return nil
		}
		err := a.rec.Stop(c)
		return errors.Join(err, a.store.Close())
	})

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
