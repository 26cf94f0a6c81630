package scheduler

import (
	"fmt"
	"sort"
	"strings"

	logx "schedvault/pkg/logx"
)

// StoreJob adds a job, or replaces it when replace is true. Replacing a job
// keeps its triggers.
func (s *Service) StoreJob(job JobDetail, replace bool) error {
	job = job.clone()
	job.Key = job.Key.Normalize()
	job.Kind = strings.TrimSpace(job.Kind)
	if err := job.Key.Validate(); err != nil {
		return err
	}
	if job.Kind == "" {
		return &ValidationError{Field: "kind", Reason: "required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Key]; ok && !replace {
		return fmt.Errorf("job %s: %w", job.Key, ErrAlreadyExists)
	}
	s.jobs[job.Key] = &jobEntry{detail: job}
	s.log.Debug("job stored", logx.String("job", job.Key.String()), logx.String("kind", job.Kind), logx.Bool("replace", replace))
	return nil
}

// StoreTrigger adds a trigger, or replaces it when replace is true. The job
// must already exist. A replaced trigger that was paused stays paused.
func (s *Service) StoreTrigger(t Trigger, replace bool) error {
	t = t.clone()
	t.Key = t.Key.Normalize()
	t.JobKey = t.JobKey.Normalize()
	t.Schedule = strings.TrimSpace(t.Schedule)
	if err := t.Key.Validate(); err != nil {
		return err
	}
	if err := t.JobKey.Validate(); err != nil {
		return &ValidationError{Field: "job", Reason: "invalid job key", Err: err}
	}
	if !t.EndAt.IsZero() && !t.StartAt.IsZero() && t.EndAt.Before(t.StartAt) {
		return &ValidationError{Field: "end_at", Reason: "before start_at"}
	}
	sched, err := s.buildSchedule(t)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[t.JobKey]; !ok {
		return fmt.Errorf("trigger %s references %s: %w", t.Key, t.JobKey, ErrJobNotFound)
	}
	prev, exists := s.triggers[t.Key]
	if exists && !replace {
		return fmt.Errorf("trigger %s: %w", t.Key, ErrAlreadyExists)
	}

	s.verSeq++
	te := &triggerEntry{trig: t, sched: sched, state: StateNormal, ver: s.verSeq}
	if sched == nil {
		te.fireAt = t.StartAt
		if te.fireAt.IsZero() {
			te.fireAt = s.now()
		}
	}
	if !s.hasFutureFireLocked(te) {
		te.state = StateComplete
	} else if exists && prev.state == StatePaused {
		te.state = StatePaused
	}
	if exists {
		s.unregisterLocked(prev)
	}
	s.triggers[t.Key] = te
	s.registerLocked(t.Key, te)

	s.log.Debug("trigger stored",
		logx.String("trigger", t.Key.String()),
		logx.String("job", t.JobKey.String()),
		logx.String("schedule", t.Schedule),
		logx.String("state", string(te.state)),
	)
	return nil
}

// RemoveJob deletes a job and every trigger that references it.
// found is false when the job was not known.
func (s *Service) RemoveJob(key JobKey) (bool, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[key]; !ok {
		return false, nil
	}
	for tk, te := range s.triggers {
		if te.trig.JobKey == key {
			s.unregisterLocked(te)
			delete(s.triggers, tk)
		}
	}
	delete(s.jobs, key)
	s.log.Debug("job removed", logx.String("job", key.String()))
	return true, nil
}

// RemoveTrigger deletes a trigger. found is false when it was not known.
func (s *Service) RemoveTrigger(key TriggerKey) (bool, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	te, ok := s.triggers[key]
	if !ok {
		return false, nil
	}
	s.unregisterLocked(te)
	delete(s.triggers, key)
	s.log.Debug("trigger removed", logx.String("trigger", key.String()))
	return true, nil
}

// PauseTrigger stops a trigger from firing. Unknown keys and completed
// triggers are left alone.
func (s *Service) PauseTrigger(key TriggerKey) error {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	te, ok := s.triggers[key]
	if !ok || te.state == StateComplete {
		return nil
	}
	te.state = StatePaused
	return nil
}

// ResumeTrigger lets a paused trigger fire again. A one-shot that came due
// while paused fires right away.
func (s *Service) ResumeTrigger(key TriggerKey) error {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	te, ok := s.triggers[key]
	if !ok || te.state != StatePaused {
		return nil
	}
	te.state = StateNormal
	if te.missed && s.c != nil {
		te.missed = false
		te.fireAt = s.now()
		s.registerLocked(key, te)
	}
	return nil
}

// GetTriggerState returns NONE for unknown triggers.
func (s *Service) GetTriggerState(key TriggerKey) TriggerState {
	key = key.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	te, ok := s.triggers[key]
	if !ok {
		return StateNone
	}
	return s.effectiveStateLocked(te)
}

func (s *Service) Job(key JobKey) (JobDetail, bool) {
	key = key.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	je, ok := s.jobs[key]
	if !ok {
		return JobDetail{}, false
	}
	return je.detail.clone(), true
}

func (s *Service) Trigger(key TriggerKey) (Trigger, bool) {
	key = key.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	te, ok := s.triggers[key]
	if !ok {
		return Trigger{}, false
	}
	return te.trig.clone(), true
}

// Jobs returns every job sorted by key.
func (s *Service) Jobs() []JobDetail {
	s.mu.Lock()
	out := make([]JobDetail, 0, len(s.jobs))
	for _, je := range s.jobs {
		out = append(out, je.detail.clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Triggers returns every trigger sorted by key.
func (s *Service) Triggers() []Trigger {
	s.mu.Lock()
	out := make([]Trigger, 0, len(s.triggers))
	for _, te := range s.triggers {
		out = append(out, te.trig.clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// TriggersOfJob returns the keys of the triggers bound to job, sorted.
func (s *Service) TriggersOfJob(job JobKey) []TriggerKey {
	job = job.Normalize()
	s.mu.Lock()
	var out []TriggerKey
	for k, te := range s.triggers {
		if te.trig.JobKey == job {
			out = append(out, k)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
