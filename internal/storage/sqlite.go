package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "schedvault/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Schema version tracking (PRAGMA user_version):
// 1 - records table keyed by (partition, key)
const sqliteSchemaVersion = 1

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite connect: %w", err)
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", p, err)
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version >= sqliteSchemaVersion {
		return nil
	}
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	s.log.Debug("sqlite schema migrated", logx.Int("from", version), logx.Int("to", sqliteSchemaVersion))
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *sqliteStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *sqliteStore) run(ctx context.Context, readOnly bool, fn func(tx Tx) error) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	stx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if strings.Contains(err.Error(), "database is closed") {
			return ErrClosed
		}
		return fmt.Errorf("begin: %w", err)
	}
	tx := &sqliteTx{ctx: ctx, tx: stx, readOnly: readOnly}
	if err := fn(tx); err != nil {
		_ = stx.Rollback()
		return err
	}
	if readOnly {
		return stx.Rollback()
	}
	if err := stx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type sqliteTx struct {
	ctx      context.Context
	tx       *sql.Tx
	readOnly bool
}

func (t *sqliteTx) Get(partition, key string) ([]byte, bool, error) {
	if err := checkRecord(partition, key); err != nil {
		return nil, false, err
	}
	var v []byte
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT value FROM records WHERE partition = ? AND key = ?`, partition, key,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (t *sqliteTx) Put(partition, key string, value []byte) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if err := checkRecord(partition, key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO records(partition, key, value, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(partition, key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		partition, key, value, time.Now().UnixMilli(),
	)
	return err
}

func (t *sqliteTx) Delete(partition, key string) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if err := checkRecord(partition, key); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM records WHERE partition = ? AND key = ?`, partition, key)
	return err
}

func (t *sqliteTx) Scan(partition string) ([]Record, error) {
	if err := checkPartition(partition); err != nil {
		return nil, err
	}
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT key, value FROM records WHERE partition = ? ORDER BY key`, partition)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Key, &r.Value); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
