package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	logx "schedvault/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type driverCase struct {
	name string
	// open returns a store over the same underlying data each time it is called.
	open       func(t *testing.T) Store
	persistent bool
}

func drivers(t *testing.T) []driverCase {
	t.Helper()
	dir := t.TempDir()
	mem := NewMemory()
	return []driverCase{
		{
			name: "memory",
			open: func(t *testing.T) Store { return mem },
		},
		{
			name: "file",
			open: func(t *testing.T) Store {
				st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "file", "sched.db"), CompactAt: 3}, logx.Nop())
				require.NoError(t, err)
				return st
			},
			persistent: true,
		},
		{
			name: "sqlite",
			open: func(t *testing.T) Store {
				st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "sqlite", "sched.db")}, logx.Nop())
				require.NoError(t, err)
				return st
			},
			persistent: true,
		},
	}
}

func TestStore_PutGetDeleteScan(t *testing.T) {
	ctx := context.Background()
	for _, d := range drivers(t) {
		t.Run(d.name, func(t *testing.T) {
			st := d.open(t)
			defer st.Close()

			err := st.Update(ctx, func(tx Tx) error {
				if err := tx.Put(PartitionJobs, "default/DEFAULT/b", []byte("B")); err != nil {
					return err
				}
				if err := tx.Put(PartitionJobs, "default/DEFAULT/a", []byte("A")); err != nil {
					return err
				}
				// Reads inside the tx see its own writes.
				v, ok, err := tx.Get(PartitionJobs, "default/DEFAULT/a")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, []byte("A"), v)
				return tx.Put(PartitionTriggers, "default/DEFAULT/t", []byte("T"))
			})
			require.NoError(t, err)

			err = st.View(ctx, func(tx Tx) error {
				recs, err := tx.Scan(PartitionJobs)
				require.NoError(t, err)
				require.Len(t, recs, 2)
				assert.Equal(t, "default/DEFAULT/a", recs[0].Key)
				assert.Equal(t, "default/DEFAULT/b", recs[1].Key)

				_, ok, err := tx.Get(PartitionJobs, "default/DEFAULT/missing")
				require.NoError(t, err)
				assert.False(t, ok)
				return nil
			})
			require.NoError(t, err)

			require.NoError(t, st.Update(ctx, func(tx Tx) error {
				if err := tx.Delete(PartitionJobs, "default/DEFAULT/a"); err != nil {
					return err
				}
				// Deleting an absent key is fine.
				return tx.Delete(PartitionJobs, "default/DEFAULT/zzz")
			}))

			require.NoError(t, st.View(ctx, func(tx Tx) error {
				recs, err := tx.Scan(PartitionJobs)
				require.NoError(t, err)
				require.Len(t, recs, 1)
				assert.Equal(t, "default/DEFAULT/b", recs[0].Key)
				return nil
			}))
		})
	}
}

func TestStore_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	for _, d := range drivers(t) {
		t.Run(d.name, func(t *testing.T) {
			st := d.open(t)
			defer st.Close()

			err := st.Update(ctx, func(tx Tx) error {
				require.NoError(t, tx.Put(PartitionTriggers, "ns/g/rolled-back", []byte("x")))
				return boom
			})
			require.ErrorIs(t, err, boom)

			require.NoError(t, st.View(ctx, func(tx Tx) error {
				_, ok, err := tx.Get(PartitionTriggers, "ns/g/rolled-back")
				require.NoError(t, err)
				assert.False(t, ok)
				return nil
			}))
		})
	}
}

func TestStore_ViewIsReadOnly(t *testing.T) {
	ctx := context.Background()
	for _, d := range drivers(t) {
		t.Run(d.name, func(t *testing.T) {
			st := d.open(t)
			defer st.Close()
			err := st.View(ctx, func(tx Tx) error {
				return tx.Put(PartitionJobs, "k", []byte("v"))
			})
			assert.ErrorIs(t, err, ErrReadOnly)
		})
	}
}

func TestStore_RejectsBadPartitionAndKey(t *testing.T) {
	ctx := context.Background()
	for _, d := range drivers(t) {
		t.Run(d.name, func(t *testing.T) {
			st := d.open(t)
			defer st.Close()
			err := st.Update(ctx, func(tx Tx) error { return tx.Put("calendars", "k", nil) })
			assert.ErrorIs(t, err, ErrUnknownPartition)
			err = st.Update(ctx, func(tx Tx) error { return tx.Put(PartitionJobs, "", nil) })
			assert.ErrorIs(t, err, ErrEmptyKey)
		})
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	for _, d := range drivers(t) {
		if !d.persistent {
			continue
		}
		t.Run(d.name, func(t *testing.T) {
			st := d.open(t)
			// More writes than CompactAt so the file driver compacts at least once.
			for i := 0; i < 7; i++ {
				key := "default/DEFAULT/t" + string(rune('0'+i))
				require.NoError(t, st.Update(ctx, func(tx Tx) error {
					return tx.Put(PartitionTriggers, key, []byte{byte(i)})
				}))
			}
			require.NoError(t, st.Update(ctx, func(tx Tx) error {
				return tx.Delete(PartitionTriggers, "default/DEFAULT/t3")
			}))
			require.NoError(t, st.Close())

			st = d.open(t)
			defer st.Close()
			require.NoError(t, st.View(ctx, func(tx Tx) error {
				recs, err := tx.Scan(PartitionTriggers)
				require.NoError(t, err)
				require.Len(t, recs, 6)
				for _, r := range recs {
					assert.NotEqual(t, "default/DEFAULT/t3", r.Key)
				}
				v, ok, err := tx.Get(PartitionTriggers, "default/DEFAULT/t6")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, []byte{6}, v)
				return nil
			}))
		})
	}
}

func TestStore_ClosedStore(t *testing.T) {
	ctx := context.Background()
	for _, d := range drivers(t) {
		t.Run(d.name, func(t *testing.T) {
			st := d.open(t)
			require.NoError(t, st.Close())
			err := st.Update(ctx, func(tx Tx) error { return nil })
			assert.Error(t, err)
		})
	}
}

func TestFileStore_SkipsTornJournalLine(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sched.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Update(ctx, func(tx Tx) error {
		return tx.Put(PartitionJobs, "default/DEFAULT/j", []byte("ok"))
	}))
	require.NoError(t, st.Close())

	journal := strings.TrimSuffix(path, filepath.Ext(path)) + ".journal.jsonl"
	f, err := os.OpenFile(journal, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"ops":[{"op":"put","p":"jobs"`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	require.NoError(t, st.View(ctx, func(tx Tx) error {
		recs, err := tx.Scan(PartitionJobs)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, []byte("ok"), recs[0].Value)
		return nil
	}))

	// Appends after the cut must survive another reopen.
	require.NoError(t, st.Update(ctx, func(tx Tx) error {
		return tx.Put(PartitionJobs, "default/DEFAULT/k", []byte("after"))
	}))
	require.NoError(t, st.Close())
	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.View(ctx, func(tx Tx) error {
		v, ok, err := tx.Get(PartitionJobs, "default/DEFAULT/k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("after"), v)
		return nil
	}))
}

// flakyJournal fails the next failSyncs syncs after the line was written.
type flakyJournal struct {
	journalFile
	failSyncs int
}

func (j *flakyJournal) Sync() error {
	if j.failSyncs > 0 {
		j.failSyncs--
		return errors.New("disk full")
	}
	return j.journalFile.Sync()
}

func TestFileStore_FailedSyncDoesNotResurfaceOnReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sched.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	fs := st.(*fileStore)
	fs.journal = &flakyJournal{journalFile: fs.journal, failSyncs: 1}

	err = st.Update(ctx, func(tx Tx) error {
		return tx.Put(PartitionJobs, "default/DEFAULT/lost", []byte("x"))
	})
	require.ErrorContains(t, err, "journal sync")
	require.NoError(t, st.Update(ctx, func(tx Tx) error {
		return tx.Put(PartitionJobs, "default/DEFAULT/kept", []byte("y"))
	}))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	require.NoError(t, st.View(ctx, func(tx Tx) error {
		recs, err := tx.Scan(PartitionJobs)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "default/DEFAULT/kept", recs[0].Key)
		return nil
	}))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "bolt"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{Driver: "sqlite"}, logx.Nop())
	require.Error(t, err)
}
