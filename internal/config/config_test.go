package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleJSON = `{
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
  "scheduling": {"shutdown_grace": "750ms", "timezone": "UTC"},
  "simulation": {"enabled": true, "start": "2012-01-01T00:00:00Z", "end": "2012-01-01T01:00:00Z", "speed_factor": 60, "auto_start": true},
  "contexts": [
    {"owner": "grid", "heartbeat": "@every 1m"},
    {"owner": "dashboard", "simulated": false}
  ],
  "journal": {"driver": "sqlite", "path": "./journal.db"},
  "diagnostics": {"enabled": true, "addr": "127.0.0.1:0"}
}`

const sampleYAML = `
logging:
  level: info
  console: true
  file:
    enabled: false
    path: ""
scheduling:
  timezone: UTC
contexts:
  - owner: grid
    heartbeat: "00:05"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadJSONAndYAML(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(writeFile(t, "config.json", sampleJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load json: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return the committed config")
	}
	if len(cfg.Contexts) != 2 || cfg.Simulation == nil || cfg.Simulation.SpeedFactor != 60 {
		t.Fatalf("cfg=%+v", cfg)
	}
	if !cfg.IsSimulated(cfg.Contexts[0]) || cfg.IsSimulated(cfg.Contexts[1]) {
		t.Fatalf("simulated flags not resolved")
	}

	y := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	ycfg, err := y.Load()
	if err != nil {
		t.Fatalf("Load yaml: %v", err)
	}
	if ycfg.Contexts[0].Heartbeat != "00:05" || ycfg.SimulatedDefault() {
		t.Fatalf("yaml cfg=%+v", ycfg)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path string
		body string
	}{
		{name: "unknown field", path: "c.json", body: `{"contexts": [], "telegram": {}}`},
		{name: "trailing data", path: "c.json", body: `{"contexts": []} {}`},
		{name: "unknown yaml field", path: "c.yml", body: "contexts: []\nplugins: {}\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.path, []byte(tt.body)); err == nil {
				t.Fatalf("expected decode error")
			}
		})
	}
}

func TestYAMLErrorsNameFileAndSection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want []string
	}{
		{name: "syntax", body: "contexts: [\n", want: []string{"site.yaml:"}},
		{name: "not a mapping", body: "- grid\n- pv\n", want: []string{"site.yaml:", "line 1", "mapping of sections"}},
		{name: "numeric key", body: "logging:\n  level: info\ncontexts:\n  - owner: grid\n    1: x\n", want: []string{"site.yaml:", `section "contexts" (line 3)`, "[0]", "non-string key 1"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode("/etc/flexpower/site.yaml", []byte(tt.body))
			if err == nil {
				t.Fatalf("expected decode error")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Fatalf("err=%q, want it to contain %q", err, w)
				}
			}
		})
	}

	cfg, err := Decode("empty.yml", nil)
	if err != nil || len(cfg.Contexts) != 0 {
		t.Fatalf("empty yaml cfg=%+v err=%v", cfg, err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	yes := true
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "ok", cfg: Config{Contexts: []ContextConfig{{Owner: "grid"}}}},
		{name: "bad level", cfg: Config{Logging: LoggingConfig{Level: "loud"}}, want: "logging.level"},
		{name: "bad grace", cfg: Config{Scheduling: SchedulingConfig{ShutdownGrace: "soon"}}, want: "scheduling.shutdown_grace"},
		{name: "bad timezone", cfg: Config{Scheduling: SchedulingConfig{Timezone: "Mars/Olympus"}}, want: "scheduling.timezone"},
		{name: "end before start", cfg: Config{Simulation: &SimulationConfig{Enabled: true, Start: "2012-01-02T00:00:00Z", End: "2012-01-01T00:00:00Z"}}, want: "simulation.end"},
		{name: "end without start", cfg: Config{Simulation: &SimulationConfig{Enabled: true, End: "2012-01-01T00:00:00Z"}}, want: "requires simulation.start"},
		{name: "negative speed", cfg: Config{Simulation: &SimulationConfig{Enabled: true, SpeedFactor: -1}}, want: "speed_factor"},
		{name: "auto start disabled", cfg: Config{Simulation: &SimulationConfig{AutoStart: true}}, want: "auto_start"},
		{name: "missing owner", cfg: Config{Contexts: []ContextConfig{{Simulated: &yes}}}, want: "contexts[0].owner"},
		{name: "duplicate owner", cfg: Config{Contexts: []ContextConfig{{Owner: "a"}, {Owner: "a"}}}, want: "duplicate owner"},
		{name: "bad heartbeat", cfg: Config{Contexts: []ContextConfig{{Owner: "a", Heartbeat: "whenever"}}}, want: "contexts[0].heartbeat"},
		{name: "bad journal driver", cfg: Config{Journal: &JournalConfig{Driver: "postgres"}}, want: "journal.driver"},
		{name: "journal path", cfg: Config{Journal: &JournalConfig{Driver: "file"}}, want: "journal.path"},
		{name: "bad diag timeout", cfg: Config{Diagnostics: DiagnosticsConfig{ReadTimeout: "x"}}, want: "diagnostics.read_timeout"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err=%v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestParseFields(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationOrDefault("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("default duration=(%v, %v)", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("expected error for negative duration")
	}
	ts, err := ParseTimeField("x", "2012-01-01T00:00:00Z")
	if err != nil || !ts.Equal(time.Date(2012, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("ParseTimeField=(%v, %v)", ts, err)
	}
	if ts, err := ParseTimeField("x", " "); err != nil || !ts.IsZero() {
		t.Fatalf("empty time=(%v, %v)", ts, err)
	}
	if loc, err := ParseLocation("x", ""); err != nil || loc != time.Local {
		t.Fatalf("empty location=(%v, %v)", loc, err)
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.json", sampleJSON)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	ctx := context.Background()

	if published, err := m.Reload(ctx); err != nil || published {
		t.Fatalf("unchanged Reload=(%v, %v)", published, err)
	}

	updated := strings.Replace(sampleJSON, `"speed_factor": 60`, `"speed_factor": 120`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	if published, err := m.Reload(ctx); err != nil || !published {
		t.Fatalf("changed Reload=(%v, %v)", published, err)
	}
	select {
	case got := <-ch:
		if got.Simulation.SpeedFactor != 120 {
			t.Fatalf("published speed=%v", got.Simulation.SpeedFactor)
		}
	default:
		t.Fatalf("nothing published")
	}

	m.SetValidator(func(context.Context, *Config) error { return errors.New("nope") })
	again := strings.Replace(updated, `"speed_factor": 120`, `"speed_factor": 30`, 1)
	if err := os.WriteFile(path, []byte(again), 0o600); err != nil {
		t.Fatal(err)
	}
	if published, err := m.Reload(ctx); err == nil || published {
		t.Fatalf("rejected Reload=(%v, %v)", published, err)
	}
	if m.Get().Simulation.SpeedFactor != 120 {
		t.Fatalf("rejected config was committed")
	}

	if err := os.WriteFile(path, []byte(`{"contexts": [{"owner": ""}]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(ctx); err == nil {
		t.Fatalf("invalid config accepted")
	}
}

func TestWatchPicksUpEdits(t *testing.T) {
	if testing.Short() {
		t.Skip("filesystem watch test")
	}
	t.Parallel()

	path := writeFile(t, "config.json", sampleJSON)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	updated := strings.Replace(sampleJSON, `"level": "debug"`, `"level": "warn"`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-ch:
		if got.Logging.Level != "warn" {
			t.Fatalf("level=%q", got.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no reload after edit")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch: %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{
		Logging:     LoggingConfig{Level: "info"},
		Contexts:    []ContextConfig{{Owner: "grid"}, {Owner: "boiler"}},
		Diagnostics: DiagnosticsConfig{Enabled: true, Token: "a"},
	}
	newCfg := &Config{
		Logging:     LoggingConfig{Level: "debug"},
		Simulation:  &SimulationConfig{Enabled: true, SpeedFactor: 5},
		Contexts:    []ContextConfig{{Owner: "grid", Heartbeat: "1m"}, {Owner: "pv"}},
		Diagnostics: DiagnosticsConfig{Enabled: true, Token: "b"},
	}
	changed, attrs, owners := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"contexts", "diagnostics", "logging", "simulation"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed=%v, want %v", changed, want)
	}
	if strings.Join(owners, ",") != "boiler,grid,pv" {
		t.Fatalf("owners=%v", owners)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}

	if changed, _, _ := SummarizeConfigChange(newCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}
