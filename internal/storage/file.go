package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "schedvault/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot of every partition)
//   - <prefix>.journal.jsonl (append-only, one line per committed transaction)
//
// A transaction is durable once its journal line is written and synced. The
// journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.RWMutex

	snapshotPath string
	journal      journalFile
	// broken is set when a failed append could not be rolled back; the
	// journal no longer matches data and every later Update fails.
	broken error

	data      table
	seq       uint64
	compactAt int
	sinceSnap int
}

// journalFile is the part of *os.File the store appends through.
type journalFile interface {
	io.Writer
	io.Seeker
	Sync() error
	Truncate(size int64) error
	Close() error
}

type journalEntry struct {
	Seq uint64 `json:"seq"`
	Ops []op   `json:"ops"`
}

type snapshotFile struct {
	Seq  uint64 `json:"seq"`
	Data table  `json:"data"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	data := newTable()
	seq, err := loadSnapshot(snapPath, data)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot %s: %w", snapPath, err)
	}
	seq, replayed, tail, err := replayJournal(journalPath, seq, data)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal %s: %w", journalPath, err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if st, err := jf.Stat(); err == nil && st.Size() > tail {
		log.Warn("dropping torn journal tail", logx.Int64("bytes", st.Size()-tail))
		if err := jf.Truncate(tail); err != nil {
			_ = jf.Close()
			return nil, err
		}
	}

	compactAt := cfg.CompactAt
	if compactAt <= 0 {
		compactAt = 1000
	}
	log.Debug("file store opened",
		logx.String("snapshot", snapPath),
		logx.Uint64("seq", seq),
		logx.Int("journal_replayed", replayed),
	)
	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		data:         data,
		seq:          seq,
		compactAt:    compactAt,
		sinceSnap:    replayed,
	}, nil
}

func (s *fileStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if s.broken != nil {
		return s.broken
	}
	tx := newMemTx(s.data, false)
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.ops) == 0 {
		return nil
	}

	entry := journalEntry{Seq: s.seq + 1, Ops: tx.ops}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if err := s.appendLocked(b); err != nil {
		return err
	}
	s.seq = entry.Seq
	s.data.apply(tx.ops)

	s.sinceSnap++
	if s.sinceSnap >= s.compactAt {
		// Best-effort: the journal is still authoritative if compaction fails.
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

// appendLocked writes and syncs one journal line. On failure the journal is
// cut back to its previous end so the next entry, which reuses the same seq,
// is not preceded by a line that was never committed.
func (s *fileStore) appendLocked(line []byte) error {
	off, err := s.journal.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("journal seek: %w", err)
	}
	if _, err = s.journal.Write(line); err != nil {
		err = fmt.Errorf("journal append: %w", err)
	} else if err = s.journal.Sync(); err != nil {
		err = fmt.Errorf("journal sync: %w", err)
	}
	if err == nil {
		return nil
	}
	if terr := s.journal.Truncate(off); terr != nil {
		s.broken = errors.Join(err, fmt.Errorf("journal rollback: %w", terr))
		s.log.Error("journal rollback failed; store is read-only until reopened", logx.Err(s.broken))
		return s.broken
	}
	if _, serr := s.journal.Seek(off, io.SeekStart); serr != nil {
		s.log.Warn("journal seek after rollback failed", logx.Err(serr))
	}
	return err
}

func (s *fileStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.journal == nil {
		return ErrClosed
	}
	return fn(newMemTx(s.data, true))
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snapshotFile{Seq: s.seq, Data: s.data}); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Entries up to seq are now in the snapshot; replay skips them even if
	// truncation below fails.
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	if _, err := s.journal.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	s.sinceSnap = 0
	s.log.Debug("journal compacted", logx.Uint64("seq", s.seq))
	return nil
}

func loadSnapshot(path string, out table) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var snap snapshotFile
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return 0, err
	}
	for p, recs := range snap.Data {
		if out[p] == nil {
			out[p] = map[string][]byte{}
		}
		for k, v := range recs {
			out[p][k] = v
		}
	}
	return snap.Seq, nil
}

// replayJournal applies journal entries newer than seq. A trailing line
// without a newline is a torn write from a crash mid-append; it is ignored and
// its offset returned as tail so the caller can cut it off before appending.
func replayJournal(path string, seq uint64, out table) (uint64, int, int64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return seq, 0, 0, err
	}
	tail := int64(bytes.LastIndexByte(b, '\n') + 1)
	n := 0
	for _, line := range bytes.Split(b[:tail], []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e journalEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return seq, n, tail, fmt.Errorf("decode journal entry: %w", err)
		}
		if e.Seq <= seq {
			continue
		}
		out.apply(e.Ops)
		seq = e.Seq
		n++
	}
	return seq, n, tail, nil
}
