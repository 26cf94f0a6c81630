package scheduler

import (
	"sort"

	"schedvault/internal/task/engine"
)

// Snapshot is a point-in-time view for diagnostics and the CLI.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	now := s.now()
	snap := Snapshot{
		Started:  s.c != nil,
		Timezone: s.loc.String(),
		Jobs:     len(s.jobs),
		Triggers: make([]TriggerInfo, 0, len(s.triggers)),
	}
	for _, n := range s.running {
		snap.Running += n
	}
	for key, te := range s.triggers {
		it := TriggerInfo{
			Key:      key,
			JobKey:   te.trig.JobKey,
			Schedule: te.trig.Schedule,
			State:    s.effectiveStateLocked(te),
			Prev:     te.prev,
			Fired:    te.fired,
			Spread:   te.spread,
		}
		switch {
		case it.State == StateComplete:
		case te.entryID != 0:
			it.Next = s.c.Entry(te.entryID).Next
		case te.sched == nil:
			it.Next = te.fireAt
		default:
			it.Next = te.sched.Next(now)
		}
		snap.Triggers = append(snap.Triggers, it)
	}
	exec := s.exec
	s.mu.Unlock()

	sort.Slice(snap.Triggers, func(i, j int) bool {
		return snap.Triggers[i].Key.String() < snap.Triggers[j].Key.String()
	})
	if es, ok := exec.(interface{ Snapshot() engine.Snapshot }); ok {
		snap.Executor = es.Snapshot()
	}
	return snap
}
