// Package metrics exposes scheduling and simulation state as Prometheus metrics.
//
// Every method is nil-safe so components can run without a collector.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fp"

// Result label values for task executions.
const (
	ResultOK        = "ok"
	ResultError     = "error"
	ResultPanic     = "panic"
	ResultCancelled = "cancelled"
)

type Collector struct {
	gatherer prometheus.Gatherer

	TaskExecutions *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	QueueDepth     *prometheus.GaugeVec
	ScheduledTasks *prometheus.GaugeVec

	SimulationState     prometheus.Gauge
	SimulationTime      prometheus.Gauge
	SimulationSpeed     prometheus.Gauge
	SimulationPumpTicks prometheus.Counter
}

// New registers the collector's metrics against reg (DefaultRegisterer when nil).
// Registering twice against the same registry reuses the existing collectors.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.TaskExecutions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_executions_total",
		Help:      "Task invocations completed by context workers.",
	}, []string{"owner", "kind", "result"}), "task_executions_total"); err != nil {
		return nil, err
	}
	if c.TaskDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Wall-clock time spent running a task body.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"owner"}), "task_duration_seconds"); err != nil {
		return nil, err
	}
	if c.QueueDepth, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Units waiting in a context's work queue.",
	}, []string{"owner"}), "queue_depth"); err != nil {
		return nil, err
	}
	if c.ScheduledTasks, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scheduled_tasks",
		Help:      "Tasks held in a context's scheduled task registry.",
	}, []string{"owner"}), "scheduled_tasks"); err != nil {
		return nil, err
	}
	if c.SimulationState, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "simulation_state",
		Help:      "Simulation clock state (0 stopped, 1 running, 2 paused, 3 stopping).",
	}), "simulation_state"); err != nil {
		return nil, err
	}
	if c.SimulationTime, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "simulation_virtual_time_seconds",
		Help:      "Current virtual instant as Unix seconds.",
	}), "simulation_virtual_time_seconds"); err != nil {
		return nil, err
	}
	if c.SimulationSpeed, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "simulation_speed_factor",
		Help:      "Virtual seconds per wall second.",
	}), "simulation_speed_factor"); err != nil {
		return nil, err
	}
	if c.SimulationPumpTicks, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "simulation_pump_ticks_total",
		Help:      "Pump loop iterations that advanced virtual time.",
	}), "simulation_pump_ticks_total"); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Collector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler serves the collector's gatherer in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	g := c.Gatherer()
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveTask(owner, kind, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.TaskExecutions.WithLabelValues(owner, kind, result).Inc()
	c.TaskDuration.WithLabelValues(owner).Observe(d.Seconds())
}

func (c *Collector) SetQueueDepth(owner string, n int) {
	if c == nil {
		return
	}
	c.QueueDepth.WithLabelValues(owner).Set(float64(n))
}

func (c *Collector) SetScheduled(owner string, n int) {
	if c == nil {
		return
	}
	c.ScheduledTasks.WithLabelValues(owner).Set(float64(n))
}

// ForgetOwner drops the per-owner series of a deactivated context.
func (c *Collector) ForgetOwner(owner string) {
	if c == nil {
		return
	}
	c.QueueDepth.DeleteLabelValues(owner)
	c.ScheduledTasks.DeleteLabelValues(owner)
	c.TaskDuration.DeleteLabelValues(owner)
}

func (c *Collector) SetSimulation(state int, virtual time.Time, speed float64) {
	if c == nil {
		return
	}
	c.SimulationState.Set(float64(state))
	c.SimulationTime.Set(float64(virtual.UnixMilli()) / 1e3)
	c.SimulationSpeed.Set(speed)
}

func (c *Collector) IncPumpTick() {
	if c == nil {
		return
	}
	c.SimulationPumpTicks.Inc()
}

func register[T prometheus.Collector](reg prometheus.Registerer, col T, name string) (T, error) {
	if err := reg.Register(col); err != nil {
		var zero T
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return zero, err
	}
	return col, nil
}
