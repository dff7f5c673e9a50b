package config

// Config is the on-disk configuration of an fpsim process.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m") and all
// instants are RFC 3339 strings (e.g. "2012-01-01T00:00:00Z").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Scheduling SchedulingConfig `json:"scheduling"`

	// Simulation may be omitted; every context then runs in real time.
	Simulation *SimulationConfig `json:"simulation,omitempty"`

	// Contexts lists the owning modules that get a scheduling context.
	Contexts []ContextConfig `json:"contexts"`

	Journal     *JournalConfig    `json:"journal,omitempty"`
	Diagnostics DiagnosticsConfig `json:"diagnostics,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulingConfig holds defaults applied to every context.
//
// Defaults (when fields are omitted/zero):
//   - shutdown_grace: "500ms"
//   - failure_log_rate: 1 (lines per second)
//   - failure_log_burst: 5
//   - timezone: local time (used by cron expressions)
type SchedulingConfig struct {
	ShutdownGrace   string  `json:"shutdown_grace,omitempty"`
	FailureLogRate  float64 `json:"failure_log_rate,omitempty"`
	FailureLogBurst int     `json:"failure_log_burst,omitempty"`
	Timezone        string  `json:"timezone,omitempty"`
}

// SimulationConfig controls the virtual clock shared by simulated contexts.
//
// Example:
//
//	"simulation": {
//	  "enabled": true,
//	  "start": "2012-01-01T00:00:00Z",
//	  "end": "2012-01-02T00:00:00Z",
//	  "speed_factor": 60,
//	  "auto_start": true
//	}
type SimulationConfig struct {
	Enabled bool `json:"enabled"`

	// Start and End are RFC 3339 instants. End is optional.
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`

	// SpeedFactor is virtual seconds per wall second (default 1).
	SpeedFactor float64 `json:"speed_factor,omitempty"`

	// TickInterval is the pump period (default "10ms").
	TickInterval string `json:"tick_interval,omitempty"`

	// AutoStart starts the simulation once the contexts are active.
	AutoStart bool `json:"auto_start,omitempty"`
}

// ContextConfig declares one owning module.
type ContextConfig struct {
	Owner string `json:"owner"`

	// Simulated binds the context to the simulation clock. If omitted it
	// follows simulation.enabled.
	Simulated *bool `json:"simulated,omitempty"`

	// Heartbeat is an optional schedule (cron, "@every 1m", "00:05", "30s")
	// for a task that logs the context time.
	Heartbeat string `json:"heartbeat,omitempty"`

	// ShutdownGrace overrides scheduling.shutdown_grace for this context.
	ShutdownGrace string `json:"shutdown_grace,omitempty"`
}

// JournalConfig controls the optional execution journal.
//
// Example:
//
//	"journal": { "driver": "sqlite", "path": "./flexpower_journal.db" }
type JournalConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	QueueSize   int    `json:"queue_size,omitempty"`
}

// DiagnosticsConfig controls the optional diagnostics HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6061").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DiagnosticsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6061"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// SimulatedDefault reports whether contexts without an explicit simulated
// flag use the simulation clock.
func (c *Config) SimulatedDefault() bool {
	return c != nil && c.Simulation != nil && c.Simulation.Enabled
}

// IsSimulated resolves the simulated flag of cc against the simulation section.
func (c *Config) IsSimulated(cc ContextConfig) bool {
	if cc.Simulated != nil {
		return *cc.Simulated && c.SimulatedDefault()
	}
	return c.SimulatedDefault()
}
