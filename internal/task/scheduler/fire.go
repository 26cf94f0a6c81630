package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"schedvault/internal/eventbus"
	"schedvault/internal/task/engine"
	logx "schedvault/pkg/logx"
)

// FireEvent is published on the bus for fired, retired and errored triggers.
type FireEvent struct {
	FireID  string     `json:"fire_id,omitempty"`
	Trigger TriggerKey `json:"trigger"`
	Job     JobKey     `json:"job"`
	Error   string     `json:"error,omitempty"`
}

// boundedSchedule clips a schedule to [start, end].
type boundedSchedule struct {
	base       cron.Schedule
	start, end time.Time
}

func (b boundedSchedule) Next(t time.Time) time.Time {
	if !b.start.IsZero() && t.Before(b.start) {
		t = b.start.Add(-time.Nanosecond)
	}
	next := b.base.Next(t)
	if next.IsZero() || (!b.end.IsZero() && next.After(b.end)) {
		return time.Time{}
	}
	return next
}

// buildSchedule validates the trigger's schedule and returns it. A nil
// schedule means a one-shot trigger.
func (s *Service) buildSchedule(t Trigger) (cron.Schedule, error) {
	if t.Schedule == "" {
		return nil, nil
	}
	ps, err := ParseSchedule(t.Schedule)
	if err != nil {
		return nil, &ValidationError{Field: "schedule", Reason: "unparseable", Err: err}
	}
	var base cron.Schedule
	switch ps.Kind {
	case SpecCron:
		base, err = s.parser.Parse(ps.Cron)
		if err != nil {
			return nil, &ValidationError{Field: "schedule", Reason: "bad cron expression", Err: err}
		}
	case SpecInterval:
		if ps.Every < time.Second {
			return nil, &ValidationError{Field: "schedule", Reason: "interval must be at least 1s"}
		}
		base = cron.Every(ps.Every)
	}
	return boundedSchedule{base: base, start: t.StartAt, end: t.EndAt}, nil
}

// hasFutureFireLocked reports whether te can still fire.
func (s *Service) hasFutureFireLocked(te *triggerEntry) bool {
	if te.sched == nil {
		return te.trig.EndAt.IsZero() || !te.fireAt.After(te.trig.EndAt)
	}
	return !te.sched.Next(s.now()).IsZero()
}

// effectiveStateLocked derives BLOCKED from the job's running count.
func (s *Service) effectiveStateLocked(te *triggerEntry) TriggerState {
	if te.state != StateNormal {
		return te.state
	}
	if je := s.jobs[te.trig.JobKey]; je != nil && je.detail.DisallowConcurrent && s.running[te.trig.JobKey] > 0 {
		return StateBlocked
	}
	return StateNormal
}

func (s *Service) registerLocked(key TriggerKey, te *triggerEntry) {
	if s.c == nil || te.state == StateComplete {
		return
	}
	ver := te.ver
	if te.sched == nil {
		delay := time.Until(te.fireAt)
		if delay < 0 {
			delay = 0
		}
		at := te.fireAt
		te.timer = time.AfterFunc(delay, func() { s.fire(key, ver, at) })
		return
	}

	sched := te.sched
	if ps, err := ParseSchedule(te.trig.Schedule); err == nil && ps.Kind == SpecInterval && te.trig.StartAt.IsZero() && !s.cfg.NoStartupSpread {
		// Spread interval triggers so a restart does not fire them all at once.
		spread, jitter := makeIntervalScheduleWithSpread(ps.Every, s.now(), key.String())
		sched = boundedSchedule{base: spread, end: te.trig.EndAt}
		te.spread = jitter
	}
	te.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(key, ver, time.Time{}) }))
}

func (s *Service) unregisterLocked(te *triggerEntry) {
	if te.entryID != 0 && s.c != nil {
		s.c.Remove(te.entryID)
	}
	te.entryID = 0
	if te.timer != nil {
		te.timer.Stop()
		te.timer = nil
	}
}

func (s *Service) fire(key TriggerKey, ver uint64, scheduled time.Time) {
	now := s.now()
	if scheduled.IsZero() {
		scheduled = now
	}

	s.mu.Lock()
	te := s.triggers[key]
	if te == nil || te.ver != ver || s.c == nil {
		s.mu.Unlock()
		return
	}
	switch st := s.effectiveStateLocked(te); st {
	case StateNormal:
	case StatePaused:
		if te.sched == nil {
			te.missed = true
			te.timer = nil
		}
		s.mu.Unlock()
		return
	default:
		s.mu.Unlock()
		s.log.Debug("trigger skipped", logx.String("trigger", key.String()), logx.String("state", string(st)))
		return
	}

	je := s.jobs[te.trig.JobKey]
	var handler Handler
	if je != nil {
		handler = s.handlers[je.detail.Kind]
	}
	if handler == nil {
		te.state = StateError
		s.mu.Unlock()
		kind := ""
		if je != nil {
			kind = je.detail.Kind
		}
		s.warnLog.Warn("trigger error: no handler for job kind", logx.String("trigger", key.String()), logx.String("kind", kind))
		eventbus.Publish(s.bus, eventbus.TriggerErrored, FireEvent{Trigger: key, Job: te.trig.JobKey, Error: "no handler for kind " + kind})
		return
	}

	te.prev = now
	te.fired++
	retire := te.sched == nil || te.sched.Next(now).IsZero()
	if retire {
		s.unregisterLocked(te)
		delete(s.triggers, key)
	}
	jobKey := te.trig.JobKey
	fc := FireContext{
		FireID:      uuid.NewString(),
		Job:         je.detail.clone(),
		Trigger:     te.trig.clone(),
		ScheduledAt: scheduled,
		FiredAt:     now,
	}
	s.running[jobKey]++
	listener := s.listener
	exec := s.exec
	timeout := s.cfg.DefaultTimeout
	s.mu.Unlock()

	eventbus.Publish(s.bus, eventbus.TriggerFired, FireEvent{FireID: fc.FireID, Trigger: key, Job: jobKey})

	var err error
	if exec == nil {
		err = errors.New("no executor")
	} else {
		err = exec.Enqueue(engine.Task{
			ID:      fc.FireID,
			Name:    key.String(),
			Timeout: timeout,
			Run:     func(ctx context.Context) error { return handler(ctx, fc) },
			Done:    func(error) { s.jobDone(jobKey) },
		})
	}
	if err != nil {
		s.jobDone(jobKey)
		s.warnLog.Warn("trigger fired but job was not enqueued", logx.String("trigger", key.String()), logx.Err(err))
	}

	if retire {
		s.log.Debug("trigger retired", logx.String("trigger", key.String()))
		eventbus.Publish(s.bus, eventbus.TriggerRetired, FireEvent{Trigger: key, Job: jobKey})
		if listener != nil {
			listener.TriggerRetired(key)
		}
	}
}

func (s *Service) jobDone(key JobKey) {
	s.mu.Lock()
	if n := s.running[key]; n <= 1 {
		delete(s.running, key)
	} else {
		s.running[key] = n - 1
	}
	s.mu.Unlock()
}
