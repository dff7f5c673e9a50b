package config

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"flexpower/internal/scheduling"
	logx "flexpower/pkg/logx"
)

// Validate checks every field that needs parsing and the cross-field rules.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	_, err := ParseDurationField("scheduling.shutdown_grace", cfg.Scheduling.ShutdownGrace)
	add(err)
	_, err = ParseLocation("scheduling.timezone", cfg.Scheduling.Timezone)
	add(err)
	if cfg.Scheduling.FailureLogRate < 0 {
		add(errors.New("scheduling.failure_log_rate: must be >= 0"))
	}
	if cfg.Scheduling.FailureLogBurst < 0 {
		add(errors.New("scheduling.failure_log_burst: must be >= 0"))
	}

	if s := cfg.Simulation; s != nil {
		start, err := ParseTimeField("simulation.start", s.Start)
		add(err)
		end, err := ParseTimeField("simulation.end", s.End)
		add(err)
		if !end.IsZero() {
			if start.IsZero() {
				add(errors.New("simulation.end: requires simulation.start"))
			} else if !end.After(start) {
				add(errors.New("simulation.end: must be after simulation.start"))
			}
		}
		if f := s.SpeedFactor; f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			add(fmt.Errorf("simulation.speed_factor: must be > 0, got %v", f))
		}
		_, err = ParseDurationField("simulation.tick_interval", s.TickInterval)
		add(err)
		if s.AutoStart && !s.Enabled {
			add(errors.New("simulation.auto_start: requires simulation.enabled"))
		}
	}

	seen := map[string]struct{}{}
	for i, cc := range cfg.Contexts {
		path := fmt.Sprintf("contexts[%d]", i)
		owner := strings.TrimSpace(cc.Owner)
		if owner == "" {
			add(fmt.Errorf("%s.owner: required", path))
		} else if _, dup := seen[owner]; dup {
			add(fmt.Errorf("%s.owner: duplicate owner %q", path, owner))
		}
		seen[owner] = struct{}{}

		if hb := strings.TrimSpace(cc.Heartbeat); hb != "" {
			if _, err := scheduling.ParseSchedule(hb); err != nil {
				add(fmt.Errorf("%s.heartbeat: %w", path, err))
			}
		}
		_, err := ParseDurationField(path+".shutdown_grace", cc.ShutdownGrace)
		add(err)
	}

	if j := cfg.Journal; j != nil {
		switch strings.ToLower(strings.TrimSpace(j.Driver)) {
		case "", "none":
		case "file", "jsonl", "sqlite", "sqlite3":
			if strings.TrimSpace(j.Path) == "" {
				add(errors.New("journal.path: required"))
			}
		default:
			add(fmt.Errorf("journal.driver: unknown driver %q", j.Driver))
		}
		_, err := ParseDurationField("journal.busy_timeout", j.BusyTimeout)
		add(err)
		if j.QueueSize < 0 {
			add(errors.New("journal.queue_size: must be >= 0"))
		}
	}

	d := cfg.Diagnostics
	for _, f := range []struct{ path, raw string }{
		{"diagnostics.read_timeout", d.ReadTimeout},
		{"diagnostics.write_timeout", d.WriteTimeout},
		{"diagnostics.idle_timeout", d.IdleTimeout},
	} {
		_, err := ParseDurationField(f.path, f.raw)
		add(err)
	}

	return errors.Join(errs...)
}
