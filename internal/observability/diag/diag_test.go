package diag

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"flexpower/internal/scheduling"
	"flexpower/internal/simulation"
	logx "flexpower/pkg/logx"
)

type fakeScheduling struct{ snaps []scheduling.Snapshot }

func (f fakeScheduling) Snapshot() []scheduling.Snapshot { return f.snaps }

func newController() *simulation.Controller {
	fc := clockwork.NewFakeClockAt(time.Date(2030, 6, 1, 8, 0, 0, 0, time.UTC))
	return simulation.New(simulation.Config{}, logx.Nop(), nil, simulation.WithWallClock(fc))
}

func do(t *testing.T, h http.Handler, method, target, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader = http.NoBody
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	t.Parallel()

	sim := newController()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("fp_up 1\n")) })
	svc := New(Config{Enabled: true}, Deps{
		Scheduling: fakeScheduling{snaps: []scheduling.Snapshot{{Owner: "grid", Worker: "Scheduler thread for grid"}}},
		Simulation: sim,
		Metrics:    metrics,
	}, logx.Nop())
	h := svc.Handler()

	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz=%d %q", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, "/metrics", ""); !strings.Contains(rec.Body.String(), "fp_up") {
		t.Fatalf("metrics=%q", rec.Body.String())
	}

	rec := do(t, h, http.MethodGet, "/debug/scheduling", "")
	var snaps []scheduling.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snaps); err != nil || len(snaps) != 1 || snaps[0].Owner != "grid" {
		t.Fatalf("scheduling=%s err=%v", rec.Body.String(), err)
	}

	if rec := do(t, h, http.MethodGet, "/debug/pprof/", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof mounted without opt-in: %d", rec.Code)
	}
}

func TestSimulationControl(t *testing.T) {
	t.Parallel()

	sim := newController()
	h := New(Config{Enabled: true}, Deps{Simulation: sim}, logx.Nop()).Handler()

	tests := []struct {
		name   string
		action string
		body   string
		code   int
		state  simulation.State
	}{
		{name: "start", action: "start", body: `{"start":"2012-01-01T00:00:00Z","speed_factor":5}`, code: http.StatusOK, state: simulation.Running},
		{name: "start twice", action: "start", body: `{"start":"2012-01-01T00:00:00Z"}`, code: http.StatusConflict, state: simulation.Running},
		{name: "bad speed", action: "speed", body: `{"speed_factor":-1}`, code: http.StatusBadRequest, state: simulation.Running},
		{name: "speed", action: "speed", body: `{"speed_factor":10}`, code: http.StatusOK, state: simulation.Running},
		{name: "pause", action: "pause", code: http.StatusOK, state: simulation.Paused},
		{name: "unpause", action: "unpause", code: http.StatusOK, state: simulation.Running},
		{name: "stop", action: "stop", code: http.StatusOK, state: simulation.Stopped},
		{name: "unpause stopped", action: "unpause", code: http.StatusConflict, state: simulation.Stopped},
		{name: "missing start", action: "start", body: `{}`, code: http.StatusBadRequest, state: simulation.Stopped},
		{name: "unknown field", action: "start", body: `{"begin":"x"}`, code: http.StatusBadRequest, state: simulation.Stopped},
		{name: "bad window", action: "start", body: `{"start":"2012-01-02T00:00:00Z","end":"2012-01-01T00:00:00Z"}`, code: http.StatusBadRequest, state: simulation.Stopped},
		{name: "unknown action", action: "rewind", code: http.StatusNotFound, state: simulation.Stopped},
	}
	// Steps depend on each other, so they run in order.
	for _, tt := range tests {
		rec := do(t, h, http.MethodPost, "/simulation/"+tt.action, tt.body)
		if rec.Code != tt.code {
			t.Fatalf("%s: code=%d body=%s, want %d", tt.name, rec.Code, rec.Body.String(), tt.code)
		}
		if got := sim.State(); got != tt.state {
			t.Fatalf("%s: state=%s, want %s", tt.name, got, tt.state)
		}
	}

	rec := do(t, h, http.MethodGet, "/simulation", "")
	var snap simulation.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil || snap.State != simulation.Stopped {
		t.Fatalf("snapshot=%s err=%v", rec.Body.String(), err)
	}
}

func TestSimulationDisabled(t *testing.T) {
	t.Parallel()

	h := New(Config{Enabled: true}, Deps{}, logx.Nop()).Handler()
	if rec := do(t, h, http.MethodGet, "/simulation", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("code=%d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/simulation/stop", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("code=%d", rec.Code)
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()

	h := New(Config{Enabled: true, Token: "s3cret", Pprof: true}, Deps{}, logx.Nop()).Handler()
	tests := []struct {
		name   string
		target string
		hdr    []string
		code   int
	}{
		{name: "missing", target: "/healthz", code: http.StatusUnauthorized},
		{name: "bearer", target: "/healthz", hdr: []string{"Authorization", "Bearer s3cret"}, code: http.StatusOK},
		{name: "wrong bearer", target: "/healthz", hdr: []string{"Authorization", "Bearer nope"}, code: http.StatusUnauthorized},
		{name: "query", target: "/healthz?token=s3cret", code: http.StatusOK},
		{name: "wrong query", target: "/healthz?token=nope", hdr: []string{"Authorization", "Bearer s3cret"}, code: http.StatusUnauthorized},
		{name: "pprof", target: "/debug/pprof/?token=s3cret", code: http.StatusOK},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if rec := do(t, h, http.MethodGet, tt.target, "", tt.hdr...); rec.Code != tt.code {
				t.Fatalf("code=%d, want %d", rec.Code, tt.code)
			}
		})
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	tests := map[string]bool{
		"127.0.0.1:6061": true,
		"localhost:80":   true,
		"[::1]:6061":     true,
		":6061":          false,
		"0.0.0.0:6061":   false,
		"10.0.0.5:6061":  false,
		"nonsense":       false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q)=%v, want %v", addr, got, want)
		}
	}
}

func TestServiceLifecycle(t *testing.T) {
	t.Parallel()

	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-svc.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("server never became ready")
	}

	resp, err := http.Get("http://" + svc.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := svc.Reconfigure(stopCtx, Config{Enabled: false}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if svc.Addr() != "" {
		t.Fatalf("addr still set after stop")
	}

	if err := svc.Reconfigure(ctx, Config{Enabled: true, Addr: "0.0.0.0:0"}); !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("err=%v, want ErrInsecureBind", err)
	}
}
