package app

import (
	"fmt"
	"strings"
	"time"

	"schedvault/internal/config"
	"schedvault/internal/metrics"
	"schedvault/internal/storage"
	"schedvault/internal/task/engine"
	"schedvault/internal/task/scheduler"
	logx "schedvault/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		CompactAt:   sc.CompactAt,
	}, nil
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	timeout, err := config.ParseDuration("task_engine.default_timeout", cfg.TaskEngine.DefaultTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Timezone:        strings.TrimSpace(cfg.Scheduler.Timezone),
		NoStartupSpread: cfg.Scheduler.NoStartupSpread,
		DefaultTimeout:  timeout,
	}, nil
}

func mapTaskEngine(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	defTimeout, err := config.ParseDuration("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDuration("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	retryBase, err := config.ParseDuration("task_engine.retry_base", te.RetryBase)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:        cfg.EngineEnabled(),
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    te.HistorySize,
		RetryMax:       te.RetryMax,
		RetryBase:      retryBase,
	}, nil
}

func mapMetrics(cfg *config.Config) (metrics.ServerConfig, error) {
	mc := cfg.Metrics
	out := metrics.ServerConfig{
		Enabled:              mc.Enabled,
		Addr:                 strings.TrimSpace(mc.Addr),
		Path:                 strings.TrimSpace(mc.Path),
		Token:                strings.TrimSpace(mc.Token),
		AllowInsecure:        mc.AllowInsecure,
		Pprof:                mc.Pprof,
		MutexProfileFraction: mc.MutexProfileFraction,
		BlockProfileRate:     mc.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("metrics.read_timeout", mc.ReadTimeout, 10*time.Second); err != nil {
		return out, err
	}
	// WriteTimeout stays 0 by default so pprof's 30s CPU profile can finish.
	if out.WriteTimeout, err = config.ParseDuration("metrics.write_timeout", mc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("metrics.idle_timeout", mc.IdleTimeout, time.Minute); err != nil {
		return out, err
	}
	return out, nil
}

// mapSchedule turns one seed entry into the job and trigger it defines.
func mapSchedule(i int, sc config.ScheduleConfig) (scheduler.JobDetail, scheduler.Trigger, error) {
	path := fmt.Sprintf("schedules[%d]", i)
	jobKey, err := scheduler.ParseKey(sc.Job)
	if err != nil {
		return scheduler.JobDetail{}, scheduler.Trigger{}, fmt.Errorf("%s.job: %w", path, err)
	}
	trigKey := jobKey
	if strings.TrimSpace(sc.Trigger) != "" {
		if trigKey, err = scheduler.ParseKey(sc.Trigger); err != nil {
			return scheduler.JobDetail{}, scheduler.Trigger{}, fmt.Errorf("%s.trigger: %w", path, err)
		}
	}
	var startAt, endAt time.Time
	if sc.StartAt != "" {
		if startAt, err = time.Parse(time.RFC3339, sc.StartAt); err != nil {
			return scheduler.JobDetail{}, scheduler.Trigger{}, fmt.Errorf("%s.start_at: %w", path, err)
		}
	}
	if sc.EndAt != "" {
		if endAt, err = time.Parse(time.RFC3339, sc.EndAt); err != nil {
			return scheduler.JobDetail{}, scheduler.Trigger{}, fmt.Errorf("%s.end_at: %w", path, err)
		}
	}
	if s := strings.TrimSpace(sc.Schedule); s != "" {
		if err := scheduler.ValidateSchedule(s); err != nil {
			return scheduler.JobDetail{}, scheduler.Trigger{}, fmt.Errorf("%s.schedule: %w", path, err)
		}
	}

	job := scheduler.JobDetail{
		Key:                jobKey,
		Kind:               strings.TrimSpace(sc.Kind),
		Description:        sc.Description,
		Data:               sc.Data,
		DisallowConcurrent: sc.DisallowConcurrent,
	}
	trig := scheduler.Trigger{
		Key:      trigKey,
		JobKey:   jobKey,
		Schedule: strings.TrimSpace(sc.Schedule),
		StartAt:  startAt,
		EndAt:    endAt,
	}
	return job, trig, nil
}

// validate is the hot-reload gate: everything New would reject is rejected
// here too.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapScheduler(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngine(cfg); err != nil {
		return err
	}
	if _, err := mapMetrics(cfg); err != nil {
		return err
	}
	for i, sc := range cfg.Schedules {
		if _, _, err := mapSchedule(i, sc); err != nil {
			return err
		}
	}
	return nil
}
