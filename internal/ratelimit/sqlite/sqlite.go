// Package sqlite is a durable ratelimit.Store backed by a SQLite file.
// Several processes on one host can share the same file; atomicity per key
// comes from conditional INSERT/UPDATE statements.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/AlexKimmel/cellgate/internal/ratelimit"
)

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and creates the cell table.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// one writer at a time; the busy timeout covers other processes
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS gcra_cells (
    key TEXT PRIMARY KEY,
    tat INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_gcra_cells_tat ON gcra_cells(tat);
`)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, key string) (time.Time, bool, error) {
	var ns int64
	err := s.db.QueryRowContext(ctx, `SELECT tat FROM gcra_cells WHERE key = ?`, key).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, unavailable("get", err)
	}
	return time.Unix(0, ns), true, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, old, next time.Time) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if old.IsZero() {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO gcra_cells (key, tat) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`,
			key, next.UnixNano())
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE gcra_cells SET tat = ? WHERE key = ? AND tat = ?`,
			next.UnixNano(), key, old.UnixNano())
	}
	if err != nil {
		return false, unavailable("compare and swap", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("rows affected", err)
	}
	return n == 1, nil
}

// Sweep deletes keys whose TAT is before cutoff. Such keys decide exactly
// like absent ones.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM gcra_cells WHERE tat < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, unavailable("sweep", err)
	}
	return res.RowsAffected()
}

func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM gcra_cells`).Scan(&n); err != nil {
		return 0, unavailable("count", err)
	}
	return n, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: sqlite %s: %w", ratelimit.ErrStoreUnavailable, op, err)
}

var _ ratelimit.Store = (*Store)(nil)
