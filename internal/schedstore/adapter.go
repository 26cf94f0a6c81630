package schedstore

import (
	"context"
	"time"

	"schedvault/internal/eventbus"
	"schedvault/internal/storage"
	"schedvault/internal/task/scheduler"
	logx "schedvault/pkg/logx"
)

// Engine is the part of the scheduling engine the adapter shadows.
// *scheduler.Service satisfies it.
type Engine interface {
	StoreJob(job scheduler.JobDetail, replace bool) error
	StoreTrigger(t scheduler.Trigger, replace bool) error
	RemoveJob(key scheduler.JobKey) (found bool, err error)
	RemoveTrigger(key scheduler.TriggerKey) (found bool, err error)
	PauseTrigger(key scheduler.TriggerKey) error
	ResumeTrigger(key scheduler.TriggerKey) error
	GetTriggerState(key scheduler.TriggerKey) scheduler.TriggerState
	Started() bool
}

// Metrics receives adapter outcomes. internal/metrics implements it.
type Metrics interface {
	StoreOp(op, result string)
	MissingRecord(op string)
	Recovered(took time.Duration, jobs, triggers, paused, skipped int)
}

// Operation names used for logs, metrics and TxError.Op.
const (
	OpStoreJob      = "store_job"
	OpStoreTrigger  = "store_trigger"
	OpPauseTrigger  = "pause_trigger"
	OpResumeTrigger = "resume_trigger"
	OpRemoveTrigger = "remove_trigger"
	OpRemoveJob     = "remove_job"
	OpRetireTrigger = "retire_trigger"
)

// Metric result labels.
const (
	ResultOK          = "ok"
	ResultEngineError = "engine_error"
	ResultTxError     = "tx_error"
)

type nopMetrics struct{}

func (nopMetrics) StoreOp(string, string)                     {}
func (nopMetrics) MissingRecord(string)                       {}
func (nopMetrics) Recovered(time.Duration, int, int, int, int) {}

// Adapter applies mutations to the engine and mirrors them into the store.
// It holds no lock of its own; per-record atomicity comes from the store.
type Adapter struct {
	eng     Engine
	store   storage.Store
	log     logx.Logger
	warnLog logx.Logger
	metrics Metrics
	bus     eventbus.Bus
}

type Option func(*Adapter)

func WithLogger(log logx.Logger) Option {
	return func(a *Adapter) { a.log = log }
}

func WithMetrics(m Metrics) Option {
	return func(a *Adapter) {
		if m != nil {
			a.metrics = m
		}
	}
}

func WithBus(b eventbus.Bus) Option {
	return func(a *Adapter) { a.bus = b }
}

// New builds an adapter over eng and store. When eng can report retired
// triggers (scheduler.Service can), the adapter registers itself so their
// records are dropped.
func New(eng Engine, store storage.Store, opts ...Option) *Adapter {
	a := &Adapter{eng: eng, store: store, metrics: nopMetrics{}}
	for _, o := range opts {
		o(a)
	}
	if a.log.IsZero() {
		a.log = logx.Nop()
	}
	a.log = a.log.With(logx.String("comp", "schedstore"))
	a.warnLog = a.log.Limited(logx.NewLimiter(5))
	if l, ok := eng.(interface{ SetListener(scheduler.Listener) }); ok {
		l.SetListener(a)
	}
	return a
}

// StoreJob stores job in the engine and, on success, persists its record.
func (a *Adapter) StoreJob(ctx context.Context, job scheduler.JobDetail, replace bool) error {
	job.Key = job.Key.Normalize()
	if err := a.eng.StoreJob(job, replace); err != nil {
		a.metrics.StoreOp(OpStoreJob, ResultEngineError)
		return err
	}
	key := job.Key.String()
	err := a.update(ctx, OpStoreJob, key, func(tx storage.Tx) error {
		b, err := encodeJob(job)
		if err != nil {
			return err
		}
		return tx.Put(storage.PartitionJobs, key, b)
	})
	if err != nil {
		return err
	}
	eventbus.Publish(a.bus, eventbus.JobSaved, key)
	return nil
}

// StoreTrigger stores t in the engine and persists it tagged with the state
// the engine reports right after accepting it.
func (a *Adapter) StoreTrigger(ctx context.Context, t scheduler.Trigger, replace bool) error {
	t.Key = t.Key.Normalize()
	t.JobKey = t.JobKey.Normalize()
	if err := a.eng.StoreTrigger(t, replace); err != nil {
		a.metrics.StoreOp(OpStoreTrigger, ResultEngineError)
		return err
	}
	state := a.eng.GetTriggerState(t.Key)
	key := t.Key.String()
	gone := false
	err := a.update(ctx, OpStoreTrigger, key, func(tx storage.Tx) error {
		if state != scheduler.StateNone && a.eng.GetTriggerState(t.Key) == scheduler.StateNone {
			// Retired or removed since the engine accepted it; the
			// retirement owns the record now.
			gone = true
			return nil
		}
		payload, err := encodeTrigger(t)
		if err != nil {
			return err
		}
		rec, err := encodeTriggerRecord(payload, state)
		if err != nil {
			return err
		}
		return tx.Put(storage.PartitionTriggers, key, rec)
	})
	if err != nil || gone {
		return err
	}
	eventbus.Publish(a.bus, eventbus.TriggerSaved, key)
	return nil
}

// StoreJobAndTrigger replaces both; the two writes are separate transactions.
func (a *Adapter) StoreJobAndTrigger(ctx context.Context, job scheduler.JobDetail, t scheduler.Trigger) error {
	if err := a.StoreJob(ctx, job, true); err != nil {
		return err
	}
	return a.StoreTrigger(ctx, t, true)
}

func (a *Adapter) PauseTrigger(ctx context.Context, key scheduler.TriggerKey) error {
	key = key.Normalize()
	if err := a.eng.PauseTrigger(key); err != nil {
		a.metrics.StoreOp(OpPauseTrigger, ResultEngineError)
		return err
	}
	return a.rewriteState(ctx, OpPauseTrigger, key, scheduler.StatePaused)
}

func (a *Adapter) ResumeTrigger(ctx context.Context, key scheduler.TriggerKey) error {
	key = key.Normalize()
	if err := a.eng.ResumeTrigger(key); err != nil {
		a.metrics.StoreOp(OpResumeTrigger, ResultEngineError)
		return err
	}
	return a.rewriteState(ctx, OpResumeTrigger, key, scheduler.StateNormal)
}

// rewriteState retags an existing trigger record, keeping its payload bytes.
// A missing record is logged and counted but is not an error.
func (a *Adapter) rewriteState(ctx context.Context, op string, key scheduler.TriggerKey, state scheduler.TriggerState) error {
	col := key.String()
	missing := false
	err := a.update(ctx, op, col, func(tx storage.Tx) error {
		cur, ok, err := tx.Get(storage.PartitionTriggers, col)
		if err != nil {
			return err
		}
		if !ok {
			missing = true
			return nil
		}
		payload, _, err := decodeTriggerRecord(cur)
		if err != nil {
			return &CorruptRecordError{Partition: storage.PartitionTriggers, Key: col, Err: err}
		}
		rec, err := encodeTriggerRecord(payload, state)
		if err != nil {
			return err
		}
		return tx.Put(storage.PartitionTriggers, col, rec)
	})
	if err != nil {
		return err
	}
	if missing {
		a.metrics.MissingRecord(op)
		a.warnLog.Warn("no persisted record for trigger; state not saved", logx.String("op", op), logx.String("trigger", col))
		return nil
	}
	eventbus.Publish(a.bus, eventbus.TriggerState, col)
	return nil
}

// RemoveTrigger removes the trigger from the engine, then deletes its record
// even when the engine did not know it.
func (a *Adapter) RemoveTrigger(ctx context.Context, key scheduler.TriggerKey) (bool, error) {
	key = key.Normalize()
	found, err := a.eng.RemoveTrigger(key)
	if err != nil {
		a.metrics.StoreOp(OpRemoveTrigger, ResultEngineError)
		return false, err
	}
	col := key.String()
	if err := a.update(ctx, OpRemoveTrigger, col, func(tx storage.Tx) error {
		return tx.Delete(storage.PartitionTriggers, col)
	}); err != nil {
		return found, err
	}
	eventbus.Publish(a.bus, eventbus.TriggerDeleted, col)
	return found, nil
}

// RemoveJob removes the job from the engine (which drops its triggers too),
// then deletes the job record and every trigger record bound to it in one
// transaction.
func (a *Adapter) RemoveJob(ctx context.Context, key scheduler.JobKey) (bool, error) {
	key = key.Normalize()
	found, err := a.eng.RemoveJob(key)
	if err != nil {
		a.metrics.StoreOp(OpRemoveJob, ResultEngineError)
		return false, err
	}
	col := key.String()
	var dropped []string
	err = a.update(ctx, OpRemoveJob, col, func(tx storage.Tx) error {
		dropped = dropped[:0]
		recs, err := tx.Scan(storage.PartitionTriggers)
		if err != nil {
			return err
		}
		for _, r := range recs {
			t, err := triggerFromRecord(r.Value)
			if err != nil {
				// Left for recovery to report.
				a.log.Debug("skipping undecodable trigger record", logx.String("trigger", r.Key), logx.Err(err))
				continue
			}
			if t.JobKey.Normalize() != key {
				continue
			}
			if err := tx.Delete(storage.PartitionTriggers, r.Key); err != nil {
				return err
			}
			dropped = append(dropped, r.Key)
		}
		return tx.Delete(storage.PartitionJobs, col)
	})
	if err != nil {
		return found, err
	}
	for _, k := range dropped {
		eventbus.Publish(a.bus, eventbus.TriggerDeleted, k)
	}
	eventbus.Publish(a.bus, eventbus.JobDeleted, col)
	return found, nil
}

// TriggerRetired drops the record of a trigger the engine will never fire
// again, so it is not replayed after a restart. A trigger stored again
// under the same key before the notification arrives keeps its record.
func (a *Adapter) TriggerRetired(key scheduler.TriggerKey) {
	key = key.Normalize()
	col := key.String()
	deleted := false
	if err := a.update(context.Background(), OpRetireTrigger, col, func(tx storage.Tx) error {
		// Checked inside the tx: StoreTrigger writes under the same store
		// lock, so a replacement is either visible here or written after us.
		if a.eng.GetTriggerState(key) != scheduler.StateNone {
			return nil
		}
		deleted = true
		return tx.Delete(storage.PartitionTriggers, col)
	}); err != nil {
		return
	}
	if !deleted {
		a.log.Debug("retired trigger replaced; record kept", logx.String("trigger", col))
		return
	}
	eventbus.Publish(a.bus, eventbus.TriggerDeleted, col)
}

func (a *Adapter) update(ctx context.Context, op, key string, fn func(tx storage.Tx) error) error {
	if err := a.store.Update(ctx, fn); err != nil {
		a.metrics.StoreOp(op, ResultTxError)
		a.log.Error("record store transaction failed", logx.String("op", op), logx.String("key", key), logx.Err(err))
		return &TxError{Op: op, Key: key, Err: err}
	}
	a.metrics.StoreOp(op, ResultOK)
	a.log.Debug("record persisted", logx.String("op", op), logx.String("key", key))
	return nil
}

func triggerFromRecord(b []byte) (scheduler.Trigger, error) {
	payload, _, err := decodeTriggerRecord(b)
	if err != nil {
		return scheduler.Trigger{}, err
	}
	return decodeTrigger(payload)
}
