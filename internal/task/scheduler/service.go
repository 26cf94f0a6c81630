package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"schedvault/internal/eventbus"
	logx "schedvault/pkg/logx"
)

type jobEntry struct {
	detail JobDetail
}

type triggerEntry struct {
	trig  Trigger
	state TriggerState // NORMAL, PAUSED, COMPLETE or ERROR; BLOCKED is derived

	// sched is nil for one-shot triggers.
	sched  cron.Schedule
	fireAt time.Time // one-shot only

	// ver changes on every replace so callbacks of a previous registration
	// are ignored.
	ver     uint64
	entryID cron.EntryID
	timer   *time.Timer
	spread  time.Duration

	// missed is set when a paused one-shot reached its fire time.
	missed bool

	prev  time.Time
	fired uint64
}

// Service is the scheduling engine.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	warnLog logx.Logger
	cfg     Config
	loc     *time.Location
	bus     eventbus.Bus
	exec    Executor

	parser cron.Parser
	c      *cron.Cron
	// stopped is closed by Stop; it ends the ctx watcher of the current Start.
	stopped chan struct{}

	jobs     map[JobKey]*jobEntry
	triggers map[TriggerKey]*triggerEntry
	running  map[JobKey]int
	handlers map[string]Handler
	listener Listener

	verSeq uint64
}

func New(cfg Config, exec Executor, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg,
		log:      log,
		warnLog:  log.Limited(logx.NewLimiter(2)),
		bus:      bus,
		exec:     exec,
		parser:   cronParser,
		jobs:     map[JobKey]*jobEntry{},
		triggers: map[TriggerKey]*triggerEntry{},
		running:  map[JobKey]int{},
		handlers: map[string]Handler{},
	}
	s.loc = s.loadLocationLocked()
	return s
}

// RegisterHandler binds a job Kind to the function that runs it.
// Registering the same kind again replaces the previous handler.
func (s *Service) RegisterHandler(kind string, h Handler) {
	kind = strings.TrimSpace(kind)
	if kind == "" || h == nil {
		return
	}
	s.mu.Lock()
	s.handlers[kind] = h
	s.mu.Unlock()
}

// SetListener installs the retirement listener (nil clears it).
func (s *Service) SetListener(l Listener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

// Started reports whether triggers are being dispatched.
func (s *Service) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Apply updates the configuration. A timezone change restarts dispatching
// with the new location.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if oldTZ == strings.TrimSpace(cfg.Timezone) {
		s.mu.Unlock()
		return
	}
	s.loc = s.loadLocationLocked()
	old := s.c
	if old == nil {
		s.mu.Unlock()
		return
	}
	for _, te := range s.triggers {
		s.unregisterLocked(te)
	}
	s.c = nil
	s.mu.Unlock()

	<-old.Stop().Done()

	s.mu.Lock()
	if s.c == nil {
		s.startLocked()
	}
	s.mu.Unlock()
	s.log.Info("service restarted", logx.String("tz", cfg.Timezone))
}

// Start begins dispatching every stored trigger. Dispatching stops when ctx
// is done or Stop is called, whichever comes first.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.startLocked()
	stopped := make(chan struct{})
	s.stopped = stopped
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)), logx.Int("triggers", len(s.triggers)))
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.log.Debug("context done; stopping", logx.Err(ctx.Err()))
			s.Stop(context.Background())
		case <-stopped:
		}
	}()
	return nil
}

func (s *Service) startLocked() {
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for key, te := range s.triggers {
		s.registerLocked(key, te)
	}
	s.c.Start()
}

// Stop halts dispatching. Jobs already handed to the executor keep running.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	for _, te := range s.triggers {
		s.unregisterLocked(te)
	}
	s.c = nil
	if s.stopped != nil {
		close(s.stopped)
		s.stopped = nil
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	// Wait without holding s.mu: a running fire callback may need it.
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) now() time.Time {
	return time.Now().In(s.loc)
}
