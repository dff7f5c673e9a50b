package config

import (
	"reflect"
	"sort"
	"strings"

	logx "flexpower/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes the diagnostics token),
// and (3) the owners whose context entry was added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduling, newCfg.Scheduling) {
		changed = append(changed, "scheduling")
		attrs = append(attrs,
			logx.String("scheduling.shutdown_grace", strings.TrimSpace(newCfg.Scheduling.ShutdownGrace)),
			logx.String("scheduling.timezone", strings.TrimSpace(newCfg.Scheduling.Timezone)),
		)
	}

	oldS, newS := derefSimulation(oldCfg.Simulation), derefSimulation(newCfg.Simulation)
	if (oldCfg.Simulation != nil) != (newCfg.Simulation != nil) || oldS != newS {
		changed = append(changed, "simulation")
		attrs = append(attrs,
			logx.Bool("simulation.enabled", newS.Enabled),
			logx.String("simulation.start", newS.Start),
			logx.String("simulation.end", newS.End),
			logx.Float64("simulation.speed_factor", newS.SpeedFactor),
			logx.Bool("simulation.auto_start", newS.AutoStart),
		)
	}

	owners := diffContexts(oldCfg.Contexts, newCfg.Contexts)
	if len(owners) > 0 {
		changed = append(changed, "contexts")
		attrs = append(attrs,
			logx.Int("contexts.changed_count", len(owners)),
			logx.Int("contexts.count", len(newCfg.Contexts)),
		)
	}

	oldJ, newJ := derefJournal(oldCfg.Journal), derefJournal(newCfg.Journal)
	if oldJ != newJ {
		changed = append(changed, "journal")
		attrs = append(attrs,
			logx.String("journal.driver", strings.TrimSpace(newJ.Driver)),
			logx.Bool("journal.path_set", strings.TrimSpace(newJ.Path) != ""),
		)
	}

	oldD, newD := oldCfg.Diagnostics, newCfg.Diagnostics
	tokenChanged := oldD.Token != newD.Token
	oldD.Token, newD.Token = "", ""
	if tokenChanged || oldD != newD {
		changed = append(changed, "diagnostics")
		attrs = append(attrs,
			logx.Bool("diagnostics.enabled", newD.Enabled),
			logx.String("diagnostics.addr", strings.TrimSpace(newD.Addr)),
			logx.Bool("diagnostics.token_set", strings.TrimSpace(newCfg.Diagnostics.Token) != ""),
			logx.Bool("diagnostics.pprof", newD.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs, owners
}

func derefSimulation(s *SimulationConfig) SimulationConfig {
	if s == nil {
		return SimulationConfig{}
	}
	return *s
}

func derefJournal(j *JournalConfig) JournalConfig {
	if j == nil {
		return JournalConfig{}
	}
	return *j
}

func diffContexts(oldL, newL []ContextConfig) []string {
	index := func(l []ContextConfig) map[string]ContextConfig {
		m := make(map[string]ContextConfig, len(l))
		for _, cc := range l {
			m[strings.TrimSpace(cc.Owner)] = cc
		}
		return m
	}
	oldM, newM := index(oldL), index(newL)

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for owner := range set {
		o, inOld := oldM[owner]
		n, inNew := newM[owner]
		if inOld != inNew || !reflect.DeepEqual(o, n) {
			out = append(out, owner)
		}
	}
	sort.Strings(out)
	return out
}
