package config

import (
	"reflect"
	"slices"
	"sort"
	"strings"

	logx "schedvault/pkg/logx"
)

// liveSections take effect on reload without a restart.
var liveSections = []string{"logging", "metrics", "scheduler"}

// SummarizeChange lists the sections that differ between oldCfg and newCfg
// plus log fields describing the new values. Tokens are never logged, only
// whether one is set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		attrs   []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oldS, ns := oldCfg.Storage, newCfg.Storage
	if !strings.EqualFold(strings.TrimSpace(oldS.Driver), strings.TrimSpace(ns.Driver)) ||
		strings.TrimSpace(oldS.Path) != strings.TrimSpace(ns.Path) ||
		strings.TrimSpace(oldS.BusyTimeout) != strings.TrimSpace(ns.BusyTimeout) ||
		oldS.CompactAt != ns.CompactAt {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(ns.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
		)
	}

	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) ||
		oldCfg.Scheduler.NoStartupSpread != newCfg.Scheduler.NoStartupSpread {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Bool("scheduler.no_startup_spread", newCfg.Scheduler.NoStartupSpread),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		te := newCfg.TaskEngine
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", newCfg.EngineEnabled()),
			logx.Int("task_engine.workers", te.Workers),
			logx.Int("task_engine.queue_size", te.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(te.DefaultTimeout)),
			logx.Int("task_engine.retry_max", te.RetryMax),
		)
	}

	om, nm := oldCfg.Metrics, newCfg.Metrics
	om.Token, nm.Token = tokenMarker(om.Token), tokenMarker(nm.Token)
	if !reflect.DeepEqual(om, nm) || oldCfg.Metrics.Token != newCfg.Metrics.Token {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", nm.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(nm.Addr)),
			logx.Bool("metrics.token_set", nm.Token != ""),
			logx.Bool("metrics.pprof", nm.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, "schedules")
		attrs = append(attrs, logx.Int("schedules.count", len(newCfg.Schedules)))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters sections that only take effect after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !slices.Contains(liveSections, s) {
			out = append(out, s)
		}
	}
	return out
}

func tokenMarker(tok string) string {
	if strings.TrimSpace(tok) == "" {
		return ""
	}
	return "set"
}
