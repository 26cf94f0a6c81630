package schedstore

import (
	"context"
	"fmt"
	"time"

	"schedvault/internal/eventbus"
	"schedvault/internal/storage"
	"schedvault/internal/task/scheduler"
	logx "schedvault/pkg/logx"
)

// RecoveryReport summarizes one Recover call.
type RecoveryReport struct {
	Jobs     int
	Triggers int
	Paused   int
	Skipped  int // trigger records in a non-replayable state
	Took     time.Duration
}

// StoredJob is a decoded job record.
type StoredJob struct {
	Key string
	Job scheduler.JobDetail
}

// StoredTrigger is a decoded trigger record with its state tag.
type StoredTrigger struct {
	Key     string
	State   scheduler.TriggerState
	Trigger scheduler.Trigger
}

// Records reads and decodes every stored record in one read transaction.
func (a *Adapter) Records(ctx context.Context) ([]StoredJob, []StoredTrigger, error) {
	var (
		jobs     []StoredJob
		triggers []StoredTrigger
	)
	err := a.store.View(ctx, func(tx storage.Tx) error {
		jobs, triggers = nil, nil

		recs, err := tx.Scan(storage.PartitionJobs)
		if err != nil {
			return err
		}
		for _, r := range recs {
			j, err := decodeJob(r.Value)
			if err == nil && j.Key.String() != r.Key {
				err = fmt.Errorf("payload key %s does not match column key", j.Key)
			}
			if err != nil {
				return &CorruptRecordError{Partition: storage.PartitionJobs, Key: r.Key, Err: err}
			}
			jobs = append(jobs, StoredJob{Key: r.Key, Job: j})
		}

		recs, err = tx.Scan(storage.PartitionTriggers)
		if err != nil {
			return err
		}
		for _, r := range recs {
			payload, state, err := decodeTriggerRecord(r.Value)
			if err != nil {
				return &CorruptRecordError{Partition: storage.PartitionTriggers, Key: r.Key, Err: err}
			}
			t, err := decodeTrigger(payload)
			if err == nil && t.Key.String() != r.Key {
				err = fmt.Errorf("payload key %s does not match column key", t.Key)
			}
			if err != nil {
				return &CorruptRecordError{Partition: storage.PartitionTriggers, Key: r.Key, Err: err}
			}
			triggers = append(triggers, StoredTrigger{Key: r.Key, State: state, Trigger: t})
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return jobs, triggers, nil
}

// TriggerRecord reads one trigger record. ok is false when none is stored.
func (a *Adapter) TriggerRecord(ctx context.Context, key scheduler.TriggerKey) (StoredTrigger, bool, error) {
	col := key.Normalize().String()
	var (
		st StoredTrigger
		ok bool
	)
	err := a.store.View(ctx, func(tx storage.Tx) error {
		b, found, err := tx.Get(storage.PartitionTriggers, col)
		if err != nil || !found {
			return err
		}
		payload, state, err := decodeTriggerRecord(b)
		if err != nil {
			return &CorruptRecordError{Partition: storage.PartitionTriggers, Key: col, Err: err}
		}
		t, err := decodeTrigger(payload)
		if err != nil {
			return &CorruptRecordError{Partition: storage.PartitionTriggers, Key: col, Err: err}
		}
		st, ok = StoredTrigger{Key: col, State: state, Trigger: t}, true
		return nil
	})
	if err != nil {
		return StoredTrigger{}, false, err
	}
	return st, ok, nil
}

// Recover replays every stored record into the engine. It must run before
// the engine starts; any error is fatal to startup.
//
// Jobs are stored (replace=true) before any trigger. Only NORMAL and PAUSED
// triggers are replayed; paused ones are paused again right after all
// triggers are stored.
func (a *Adapter) Recover(ctx context.Context) (RecoveryReport, error) {
	if a.eng.Started() {
		return RecoveryReport{}, ErrEngineStarted
	}
	start := time.Now()

	jobs, triggers, err := a.Records(ctx)
	if err != nil {
		return RecoveryReport{}, fmt.Errorf("recover: read records: %w", err)
	}

	var rep RecoveryReport
	replay := make([]StoredTrigger, 0, len(triggers))
	for _, st := range triggers {
		if st.State != scheduler.StateNormal && st.State != scheduler.StatePaused {
			rep.Skipped++
			a.log.Debug("trigger not replayed", logx.String("trigger", st.Key), logx.String("state", string(st.State)))
			continue
		}
		replay = append(replay, st)
	}

	for _, sj := range jobs {
		if err := a.eng.StoreJob(sj.Job, true); err != nil {
			return rep, fmt.Errorf("recover: store job %s: %w", sj.Key, err)
		}
		rep.Jobs++
	}
	for _, st := range replay {
		if err := a.eng.StoreTrigger(st.Trigger, true); err != nil {
			return rep, fmt.Errorf("recover: store trigger %s: %w", st.Key, err)
		}
		rep.Triggers++
	}
	for _, st := range replay {
		if st.State != scheduler.StatePaused {
			continue
		}
		if err := a.eng.PauseTrigger(st.Trigger.Key); err != nil {
			return rep, fmt.Errorf("recover: pause trigger %s: %w", st.Key, err)
		}
		rep.Paused++
	}

	rep.Took = time.Since(start)
	a.metrics.Recovered(rep.Took, rep.Jobs, rep.Triggers, rep.Paused, rep.Skipped)
	eventbus.Publish(a.bus, eventbus.Recovered, rep)
	a.log.Info("recovery complete",
		logx.Int("jobs", rep.Jobs),
		logx.Int("triggers", rep.Triggers),
		logx.Int("paused", rep.Paused),
		logx.Int("skipped", rep.Skipped),
		logx.Duration("took", rep.Took),
	)
	return rep, nil
}
