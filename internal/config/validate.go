package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "schedvault/pkg/logx"
)

// ParseDuration parses a Go duration string. Empty means 0; negative values
// are rejected. path names the field in error messages.
func ParseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDuration with def substituted for 0.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDuration(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// Validate checks field-level constraints. It does not touch the filesystem
// or the network.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	duration := func(path, raw string) {
		_, err := ParseDuration(path, raw)
		check(err)
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		check(fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		check(errors.New("logging.file.path is required when logging.file.enabled is true"))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			check(fmt.Errorf("storage.path is required when storage.driver=%s", d))
		}
	default:
		check(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	duration("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if cfg.Storage.CompactAt < 0 {
		check(errors.New("storage.compact_at must be >= 0"))
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			check(fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}

	te := cfg.TaskEngine
	if te.Workers < 0 {
		check(errors.New("task_engine.workers must be >= 0"))
	}
	if te.QueueSize < 0 {
		check(errors.New("task_engine.queue_size must be >= 0"))
	}
	if te.HistorySize < 0 {
		check(errors.New("task_engine.history_size must be >= 0"))
	}
	if te.RetryMax < 0 {
		check(errors.New("task_engine.retry_max must be >= 0"))
	}
	duration("task_engine.default_timeout", te.DefaultTimeout)
	duration("task_engine.max_queue_delay", te.MaxQueueDelay)
	duration("task_engine.retry_base", te.RetryBase)

	duration("metrics.read_timeout", cfg.Metrics.ReadTimeout)
	duration("metrics.write_timeout", cfg.Metrics.WriteTimeout)
	duration("metrics.idle_timeout", cfg.Metrics.IdleTimeout)

	for i, s := range cfg.Schedules {
		path := fmt.Sprintf("schedules[%d]", i)
		if strings.TrimSpace(s.Job) == "" {
			check(fmt.Errorf("%s.job is required", path))
		}
		if strings.TrimSpace(s.Kind) == "" {
			check(fmt.Errorf("%s.kind is required", path))
		}
		times := [...]struct{ field, raw string }{{"start_at", s.StartAt}, {"end_at", s.EndAt}}
		for _, t := range times {
			if t.raw == "" {
				continue
			}
			if _, err := time.Parse(time.RFC3339, t.raw); err != nil {
				check(fmt.Errorf("%s.%s: %w", path, t.field, err))
			}
		}
	}

	return errors.Join(errs...)
}
