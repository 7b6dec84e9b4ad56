package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const kvSchemaSQL = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	rev        INTEGER NOT NULL DEFAULT 1,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS locks (
	name        TEXT PRIMARY KEY,
	acquired_at DATETIME NOT NULL
);
`

// sqliteWatchInterval is how often Watch samples PRAGMA data_version.
const sqliteWatchInterval = 50 * time.Millisecond

// SQLite implements Provider on a single SQLite database file. Several tabs
// (processes or providers) opening the same file share one origin.
type SQLite struct {
	conn *sql.DB
}

// OpenSQLite opens (or creates) the database and applies the schema.
func OpenSQLite(dsn string) (*SQLite, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("storage: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	if _, err := conn.Exec(kvSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return &SQLite{conn: conn}, nil
}

// Get returns the value stored under key.
func (s *SQLite) Get(key string) ([]byte, error) {
	if err := ValidKey(key); err != nil {
		return nil, err
	}
	var v []byte
	err := s.conn.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, key)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get %s: %w", key, err)
	}
	return v, nil
}

// Put upserts value under key and bumps its revision.
func (s *SQLite) Put(key string, value []byte) error {
	if err := ValidKey(key); err != nil {
		return err
	}
	_, err := s.conn.Exec(`
		INSERT INTO kv (key, value, rev, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET
			value      = excluded.value,
			rev        = kv.rev + 1,
			updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("storage: put %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *SQLite) Delete(key string) error {
	if err := ValidKey(key); err != nil {
		return err
	}
	if _, err := s.conn.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}

// Watch pins one connection and samples PRAGMA data_version, which changes
// whenever another connection commits. On change it diffs key revisions and
// reports every key that was written or removed.
func (s *SQLite) Watch(ctx context.Context, fn func(Event)) error {
	c, err := s.conn.Conn(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("storage: watch conn: %w", err)
	}
	defer c.Close()

	version := func() (int64, error) {
		var v int64
		err := c.QueryRowContext(ctx, `PRAGMA data_version`).Scan(&v)
		return v, err
	}

	last, err := version()
	if err != nil {
		return fmt.Errorf("storage: data_version: %w", err)
	}
	revs, err := s.revisions(ctx, c)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(sqliteWatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		v, err := version()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("storage: data_version: %w", err)
		}
		if v == last {
			continue
		}
		last = v

		next, err := s.revisions(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for k, r := range next {
			if revs[k] != r {
				fn(Event{Key: k})
			}
		}
		for k := range revs {
			if _, ok := next[k]; !ok {
				fn(Event{Key: k})
			}
		}
		revs = next
	}
}

func (s *SQLite) revisions(ctx context.Context, c *sql.Conn) (map[string]int64, error) {
	rows, err := c.QueryContext(ctx, `SELECT key, rev FROM kv`)
	if err != nil {
		return nil, fmt.Errorf("storage: revisions: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var k string
		var r int64
		if err := rows.Scan(&k, &r); err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, rows.Err()
}

// Lock inserts a row into the locks table; the primary key makes the insert
// fail while another tab holds the lock.
func (s *SQLite) Lock(ctx context.Context, name string) (func(), error) {
	if err := ValidKey(name); err != nil {
		return nil, err
	}
	for {
		now := time.Now().UTC()
		_, _ = s.conn.ExecContext(ctx, `DELETE FROM locks WHERE name = ? AND acquired_at < ?`, name, now.Add(-lockStale))
		res, err := s.conn.ExecContext(ctx, `INSERT OR IGNORE INTO locks (name, acquired_at) VALUES (?, ?)`, name, now)
		if err != nil {
			return nil, fmt.Errorf("storage: lock %s: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return func() {
				_, _ = s.conn.Exec(`DELETE FROM locks WHERE name = ?`, name)
			}, nil
		}
		if err := sleepCtx(ctx, lockRetry); err != nil {
			return nil, fmt.Errorf("storage: lock %s: %w", name, err)
		}
	}
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.conn.Close()
}
