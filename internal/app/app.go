package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"schedvault/internal/config"
	"schedvault/internal/eventbus"
	"schedvault/internal/jobs"
	"schedvault/internal/metrics"
	rtsup "schedvault/internal/runtime/supervisor"
	"schedvault/internal/schedstore"
	"schedvault/internal/storage"
	"schedvault/internal/task/engine"
	"schedvault/internal/task/scheduler"
	logx "schedvault/pkg/logx"
)

// App owns every component of the daemon.
//
// Startup order: open store, recover records into the (stopped) scheduler,
// seed configured schedules, start the executor, then the scheduler.
type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	exec  *engine.Service
	sched *scheduler.Service
	vault *schedstore.Adapter

	metrics *metrics.Collector
	msrv    *metrics.Server
}

// New builds the app from the config file without starting anything.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	bus := eventbus.New()

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if sc.Driver == "" || sc.Driver == "memory" {
		log.Warn("storage driver is memory; schedules will not survive a restart")
	}

	engCfg, err := mapTaskEngine(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	exec := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)

	schedCfg, err := mapScheduler(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sched := scheduler.New(schedCfg, exec, log.With(logx.String("comp", "scheduler")), bus)
	jobs.Register(sched, log)

	col := metrics.NewCollector()
	vault := schedstore.New(sched, store,
		schedstore.WithLogger(log),
		schedstore.WithMetrics(col),
		schedstore.WithBus(bus),
	)

	mcfg, err := mapMetrics(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		exec:    exec,
		sched:   sched,
		vault:   vault,
		metrics: col,
		msrv:    metrics.NewServer(mcfg, col, log),
	}, nil
}

func (a *App) Log() logx.Logger              { return a.log }
func (a *App) Config() *config.Config        { return a.cfgm.Get() }
func (a *App) Vault() *schedstore.Adapter    { return a.vault }
func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Recover(ctx context.Context) (schedstore.RecoveryReport, error) {
	return a.vault.Recover(ctx)
}

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Seed stores each configured schedule whose trigger has no persisted
// record. Triggers that already have one keep their recovered definition
// and state.
func (a *App) Seed(ctx context.Context) (int, error) {
	seeded := 0
	for i, sc := range a.cfgm.Get().Schedules {
		job, trig, err := mapSchedule(i, sc)
		if err != nil {
			return seeded, err
		}
		_, exists, err := a.vault.TriggerRecord(ctx, trig.Key)
		if err != nil {
			return seeded, fmt.Errorf("seed %s: %w", trig.Key, err)
		}
		if exists {
			a.log.Debug("seed skipped: trigger already persisted", logx.String("trigger", trig.Key.String()))
			continue
		}
		if err := a.vault.StoreJobAndTrigger(ctx, job, trig); err != nil {
			return seeded, fmt.Errorf("seed %s: %w", trig.Key, err)
		}
		if sc.Paused {
			if err := a.vault.PauseTrigger(ctx, trig.Key); err != nil {
				return seeded, fmt.Errorf("seed %s: %w", trig.Key, err)
			}
		}
		seeded++
		a.log.Info("schedule seeded", logx.String("trigger", trig.Key.String()), logx.String("job", job.Key.String()), logx.Bool("paused", sc.Paused))
	}
	return seeded, nil
}

// Start recovers persisted records, seeds the config schedules and begins
// dispatching. A recovery failure aborts startup.
func (a *App) Start(ctx context.Context) error {
	rep, err := a.Recover(ctx)
	if err != nil {
		return err
	}
	seeded, err := a.Seed(ctx)
	if err != nil {
		return err
	}

	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if a.exec.Enabled() {
		a.exec.Start(a.sup.Context())
	} else {
		a.log.Warn("task engine disabled; fired jobs will be dropped")
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	a.msrv.Start(a.sup.Context())

	a.sup.Go0("metrics.watch", func(c context.Context) { a.metrics.Watch(c, a.bus) })
	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	notifyReady(a.log, fmt.Sprintf("recovered %d jobs, %d triggers; seeded %d", rep.Jobs, rep.Triggers, seeded))
	a.log.Info("app started",
		logx.Int("recovered_jobs", rep.Jobs),
		logx.Int("recovered_triggers", rep.Triggers),
		logx.Int("seeded", seeded),
	)
	return nil
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
	}
}

// reloadLoop applies the live config sections. Other sections are reported
// as needing a restart.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			next = cfg
		}
		// Coalesce bursts.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					next = newer
				}
			default:
				break drain
			}
		}

		sections, attrs := config.SummarizeChange(last, next)
		last = next
		if len(sections) == 0 {
			a.log.Info("config reloaded (no changes)")
			continue
		}
		if restart := config.RestartRequired(sections); len(restart) > 0 {
			a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
		}

		a.logs.Apply(mapLogging(next))
		if sc, err := mapScheduler(next); err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			a.sched.Apply(sc)
		}
		if mc, err := mapMetrics(next); err != nil {
			a.log.Warn("invalid metrics config; keeping previous", logx.Err(err))
		} else {
			a.msrv.Reconfigure(ctx, mc)
		}

		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	}
}

// Stop shuts components down in reverse start order, bounding each step.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	notifyStopping(a.log)
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.exec.Stop(c); return nil })
	step("metrics", time.Second, func(c context.Context) error { a.msrv.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// Close releases the store and log sinks of an app that was never started.
func (a *App) Close() error {
	err := a.store.Close()
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
