package app

import (
	"fmt"
	"strings"
	"time"

	"flexpower/internal/config"
	"flexpower/internal/journal"
	"flexpower/internal/observability/diag"
	"flexpower/internal/scheduling"
	"flexpower/internal/simulation"
	logx "flexpower/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapSchedulingConfig resolves the scheduling defaults and the per-owner overrides.
func mapSchedulingConfig(cfg *config.Config, cc config.ContextConfig) (scheduling.Config, error) {
	grace, err := config.ParseDurationOrDefault("scheduling.shutdown_grace", cfg.Scheduling.ShutdownGrace, scheduling.DefaultShutdownGrace)
	if err != nil {
		return scheduling.Config{}, err
	}
	if strings.TrimSpace(cc.ShutdownGrace) != "" {
		grace, err = config.ParseDurationOrDefault("contexts."+cc.Owner+".shutdown_grace", cc.ShutdownGrace, grace)
		if err != nil {
			return scheduling.Config{}, err
		}
	}
	loc, err := config.ParseLocation("scheduling.timezone", cfg.Scheduling.Timezone)
	if err != nil {
		return scheduling.Config{}, err
	}
	return scheduling.Config{
		Owner:           strings.TrimSpace(cc.Owner),
		ShutdownGrace:   grace,
		FailureLogRate:  cfg.Scheduling.FailureLogRate,
		FailureLogBurst: cfg.Scheduling.FailureLogBurst,
		Location:        loc,
	}, nil
}

// simulationPlan is the resolved simulation section.
type simulationPlan struct {
	Enabled   bool
	Start     time.Time
	End       time.Time
	Speed     float64
	AutoStart bool
	Config    simulation.Config
}

func mapSimulationConfig(cfg *config.Config, now time.Time) (simulationPlan, error) {
	s := cfg.Simulation
	if s == nil || !s.Enabled {
		return simulationPlan{}, nil
	}
	start, err := config.ParseTimeField("simulation.start", s.Start)
	if err != nil {
		return simulationPlan{}, err
	}
	if start.IsZero() {
		start = now.Truncate(time.Second)
	}
	end, err := config.ParseTimeField("simulation.end", s.End)
	if err != nil {
		return simulationPlan{}, err
	}
	tick, err := config.ParseDurationOrDefault("simulation.tick_interval", s.TickInterval, simulation.DefaultTickInterval)
	if err != nil {
		return simulationPlan{}, err
	}
	speed := s.SpeedFactor
	if speed == 0 {
		speed = 1
	}
	return simulationPlan{
		Enabled:   true,
		Start:     start,
		End:       end,
		Speed:     speed,
		AutoStart: s.AutoStart,
		Config:    simulation.Config{TickInterval: tick},
	}, nil
}

func mapJournalConfig(cfg *config.Config) (journal.Config, bool, error) {
	if cfg == nil || cfg.Journal == nil {
		return journal.Config{}, false, nil
	}
	jc := cfg.Journal
	driver := strings.ToLower(strings.TrimSpace(jc.Driver))
	if driver == "" || driver == "none" {
		return journal.Config{}, false, nil
	}
	path := strings.TrimSpace(jc.Path)
	if path == "" {
		return journal.Config{}, false, fmt.Errorf("journal.path is required when journal.driver=%s", driver)
	}
	busy, err := config.ParseDurationOrDefault("journal.busy_timeout", jc.BusyTimeout, time.Second)
	if err != nil {
		return journal.Config{}, false, err
	}
	return journal.Config{Driver: driver, Path: path, BusyTimeout: busy, QueueSize: jc.QueueSize}, true, nil
}

func mapDiagConfig(cfg *config.Config) (diag.Config, error) {
	d := cfg.Diagnostics
	read, err := config.ParseDurationOrDefault("diagnostics.read_timeout", d.ReadTimeout, 10*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	// WriteTimeout stays 0 by default so /debug/pprof/profile can stream for 30s+.
	write, err := config.ParseDurationField("diagnostics.write_timeout", d.WriteTimeout)
	if err != nil {
		return diag.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("diagnostics.idle_timeout", d.IdleTimeout, time.Minute)
	if err != nil {
		return diag.Config{}, err
	}
	return diag.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
		Pprof:         d.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}
