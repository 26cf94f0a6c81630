package schedstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedvault/internal/storage"
	"schedvault/internal/task/scheduler"
	logx "schedvault/pkg/logx"
)

// restart builds a fresh engine over st and replays it.
func restart(t *testing.T, st storage.Store) (*countingEngine, RecoveryReport) {
	t.Helper()
	eng := newCountingEngine()
	rep, err := New(eng, st).Recover(context.Background())
	require.NoError(t, err)
	return eng, rep
}

func putTriggerRecord(t *testing.T, st storage.Store, trig scheduler.Trigger, state scheduler.TriggerState) {
	t.Helper()
	payload, err := encodeTrigger(trig)
	require.NoError(t, err)
	rec, err := encodeTriggerRecord(payload, state)
	require.NoError(t, err)
	require.NoError(t, st.Update(context.Background(), func(tx storage.Tx) error {
		return tx.Put(storage.PartitionTriggers, trig.Key.Normalize().String(), rec)
	}))
}

func TestRecoverRestoresJobsAndTriggers(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	a := New(newCountingEngine(), st)

	jobs := []scheduler.JobDetail{
		jobA("v1"),
		{Key: scheduler.NewKey("reports", "nightly"), Kind: "command", Data: map[string]string{"command": "true"}, DisallowConcurrent: true},
	}
	for _, j := range jobs {
		require.NoError(t, a.StoreJob(ctx, j, false))
	}
	require.NoError(t, a.StoreTrigger(ctx, triggerT1(), false))

	eng, rep := restart(t, st)
	assert.Equal(t, 2, rep.Jobs)
	assert.Equal(t, 1, rep.Triggers)
	assert.Zero(t, rep.Paused)

	for _, j := range jobs {
		got, ok := eng.Job(j.Key)
		require.True(t, ok, "job %s not restored", j.Key)
		assert.Equal(t, j, got)
	}
	got, ok := eng.Trigger(triggerT1().Key)
	require.True(t, ok)
	assert.Equal(t, triggerT1().Schedule, got.Schedule)
	assert.Equal(t, scheduler.StateNormal, eng.GetTriggerState(triggerT1().Key))
	assert.Zero(t, eng.pauseCalls(triggerT1().Key))
}

func TestRecoverPausesPausedTriggersOnce(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	a := New(newCountingEngine(), st)
	require.NoError(t, a.StoreJobAndTrigger(ctx, jobA("v1"), triggerT1()))
	require.NoError(t, a.PauseTrigger(ctx, triggerT1().Key))

	eng, rep := restart(t, st)
	assert.Equal(t, 1, rep.Paused)
	assert.Equal(t, scheduler.StatePaused, eng.GetTriggerState(triggerT1().Key))
	assert.Equal(t, 1, eng.pauseCalls(triggerT1().Key))
}

func TestRecoverSkipsNonReplayableStates(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	a := New(newCountingEngine(), st)
	require.NoError(t, a.StoreJob(ctx, jobA("v1"), false))

	skipped := []scheduler.TriggerState{
		scheduler.StateComplete,
		scheduler.StateError,
		scheduler.StateBlocked,
		scheduler.StateNone,
	}
	for _, state := range skipped {
		trig := triggerT1()
		trig.Key = scheduler.NewKey("", "t-"+string(state))
		putTriggerRecord(t, st, trig, state)
	}

	eng, rep := restart(t, st)
	assert.Equal(t, len(skipped), rep.Skipped)
	assert.Zero(t, rep.Triggers)
	for _, state := range skipped {
		k := scheduler.NewKey("", "t-"+string(state))
		_, ok := eng.Trigger(k)
		assert.False(t, ok, "%s trigger replayed", state)
	}

	// Records are left in place.
	assert.Equal(t, len(skipped), countRecords(t, st, storage.PartitionTriggers))
}

func TestRecoverAfterRemoveTrigger(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	a := New(newCountingEngine(), st)
	require.NoError(t, a.StoreJobAndTrigger(ctx, jobA("v1"), triggerT1()))
	_, err := a.RemoveTrigger(ctx, triggerT1().Key)
	require.NoError(t, err)

	eng, _ := restart(t, st)
	assert.Equal(t, scheduler.StateNone, eng.GetTriggerState(triggerT1().Key))
	_, ok := eng.Job(jobA("v1").Key)
	assert.True(t, ok)
}

func TestRecoverOnStartedEngine(t *testing.T) {
	ctx := context.Background()
	eng := newCountingEngine()
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop(ctx)

	_, err := New(eng, storage.NewMemory()).Recover(ctx)
	assert.ErrorIs(t, err, ErrEngineStarted)
}

func TestRecoverFailsOnCorruptRecord(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name      string
		partition string
		key       string
		value     string
	}{
		{"opaque job blob", storage.PartitionJobs, "default/DEFAULT/A", "\xac\xed\x00\x05sr"},
		{"job key mismatch", storage.PartitionJobs, "default/DEFAULT/B",
			`{"v":1,"type":"job","job":{"key":{"namespace":"default","group":"DEFAULT","name":"A"},"kind":"log"}}`},
		{"trigger without status", storage.PartitionTriggers, "default/DEFAULT/T1",
			`{"v":1,"type":"trigger","trigger":{"key":{"namespace":"default","group":"DEFAULT","name":"T1"},"job":{"namespace":"default","group":"DEFAULT","name":"A"}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := storage.NewMemory()
			require.NoError(t, st.Update(ctx, func(tx storage.Tx) error {
				return tx.Put(tt.partition, tt.key, []byte(tt.value))
			}))
			eng := newCountingEngine()
			_, err := New(eng, st).Recover(ctx)
			var cre *CorruptRecordError
			require.ErrorAs(t, err, &cre)
			assert.Equal(t, tt.partition, cre.Partition)
			assert.Equal(t, tt.key, cre.Key)
			assert.Empty(t, eng.Jobs())
		})
	}
}

func TestRecoverFromSQLite(t *testing.T) {
	ctx := context.Background()
	cfg := storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "records.db")}

	st, err := storage.Open(cfg, logx.Nop())
	require.NoError(t, err)
	a := New(newCountingEngine(), st)
	require.NoError(t, a.StoreJobAndTrigger(ctx, jobA("v1"), triggerT1()))
	require.NoError(t, a.PauseTrigger(ctx, triggerT1().Key))
	require.NoError(t, st.Close())

	st, err = storage.Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	eng, rep := restart(t, st)
	assert.Equal(t, 1, rep.Jobs)
	assert.Equal(t, scheduler.StatePaused, eng.GetTriggerState(triggerT1().Key))
}

func TestRecoveredTriggerKeepsSchedule(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	a := New(newCountingEngine(), st)

	end := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)
	trig := triggerT1()
	trig.EndAt = end
	trig.Data = map[string]string{"msg": "hello"}
	require.NoError(t, a.StoreJobAndTrigger(ctx, jobA("v1"), trig))

	m := newFakeMetrics()
	eng := newCountingEngine()
	rep, err := New(eng, st, WithMetrics(m)).Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Triggers)
	assert.Equal(t, 1, m.jobs)

	got, ok := eng.Trigger(trig.Key)
	require.True(t, ok)
	assert.True(t, got.EndAt.Equal(end))
	assert.Equal(t, trig.Data, got.Data)
	assert.Equal(t, trig.JobKey, got.JobKey)
}

func TestTriggerRecord(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	a := New(newCountingEngine(), st)

	_, ok, err := a.TriggerRecord(ctx, triggerT1().Key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.StoreJobAndTrigger(ctx, jobA("v1"), triggerT1()))
	require.NoError(t, a.PauseTrigger(ctx, triggerT1().Key))
	rec, ok, err := a.TriggerRecord(ctx, triggerT1().Key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, scheduler.StatePaused, rec.State)
	assert.Equal(t, triggerT1().Schedule, rec.Trigger.Schedule)
}
