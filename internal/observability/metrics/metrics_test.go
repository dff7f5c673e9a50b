package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestObserveTaskRecordsCounterAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.ObserveTask("grid", "fixed_rate", ResultOK, 3*time.Millisecond)
	c.ObserveTask("grid", "fixed_rate", ResultOK, 4*time.Millisecond)
	c.ObserveTask("grid", "immediate", ResultError, time.Millisecond)

	if got := testutil.ToFloat64(c.TaskExecutions.WithLabelValues("grid", "fixed_rate", ResultOK)); got != 2 {
		t.Fatalf("task_executions_total ok = %v, want 2", got)
	}
	if got := histogramSampleCount(t, reg, "fp_task_duration_seconds", map[string]string{"owner": "grid"}); got != 3 {
		t.Fatalf("task_duration_seconds sample_count = %d, want 3", got)
	}
}

func TestRegisterTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New(reg)
	if err != nil {
		t.Fatalf("second New: %v", err)
	}
	a.IncPumpTick()
	b.IncPumpTick()
	if got := testutil.ToFloat64(a.SimulationPumpTicks); got != 2 {
		t.Fatalf("pump ticks = %v, want 2", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.ObserveTask("x", "y", ResultOK, time.Second)
	c.SetQueueDepth("x", 1)
	c.SetScheduled("x", 1)
	c.SetSimulation(1, time.Now(), 2)
	c.IncPumpTick()
	c.ForgetOwner("x")
	if c.Gatherer() != nil {
		t.Fatalf("nil collector returned gatherer")
	}
}

func TestHandlerExposesSimulationGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.SetSimulation(2, time.Unix(1000, 0), 60)
	c.SetQueueDepth("heating", 4)

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"fp_simulation_state 2",
		"fp_simulation_speed_factor 60",
		"fp_simulation_virtual_time_seconds 1000",
		`fp_queue_depth{owner="heating"} 4`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	mfs, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) != len(want) {
		return false
	}
	for _, lp := range got {
		if want[lp.GetName()] != lp.GetValue() {
			return false
		}
	}
	return true
}
