// Package sqlitedlq persists dead-lettered relay messages in SQLite so they
// can be inspected and replayed after the process exits.
package sqlitedlq

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/trickstertwo/xrelay"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when no dead letter has the requested sequence number.
var ErrNotFound = errors.New("sqlitedlq: dead letter not found")

// Record is a stored dead letter with its log sequence number.
type Record struct {
	Seq int64
	xrelay.DeadLetter
}

// Store is an xrelay.DeadLetterSink backed by a SQLite file.
type Store struct {
	db *sql.DB
}

var _ xrelay.DeadLetterSink = (*Store)(nil)

// Open creates or opens the database at path, applying pragmas and schema.
// ":memory:" gives a throwaway log.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitedlq: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitedlq: connect: %w", err)
	}

	// SQLite allows one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitedlq: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("sqlitedlq: %q: %w", p, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Store appends dl to the log.
func (s *Store) Store(ctx context.Context, dl xrelay.DeadLetter) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, channel, payload, attempts, last_error, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.Channel, dl.Payload, dl.Attempts, dl.LastError, dl.FailedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlitedlq: insert %s: %w", dl.ID, err)
	}
	return nil
}

// List returns up to limit records, newest first. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	q := `SELECT seq, id, channel, payload, attempts, last_error, failed_at
	      FROM dead_letters ORDER BY seq DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitedlq: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns the record with sequence number seq.
func (s *Store) Get(ctx context.Context, seq int64) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, id, channel, payload, attempts, last_error, failed_at
		 FROM dead_letters WHERE seq = ?`, seq)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

// Delete removes the record with sequence number seq.
func (s *Store) Delete(ctx context.Context, seq int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE seq = ?`, seq)
	if err != nil {
		return fmt.Errorf("sqlitedlq: delete %d: %w", seq, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlitedlq: count: %w", err)
	}
	return n, nil
}

// ReplayID is the queue id a replayed record is enqueued under. The queue
// that dead-lettered a message has already seen its original id and would
// drop it as a duplicate; the sequence number keeps replays of different
// records apart while a repeated replay of the same record still dedups.
func ReplayID(r Record) string { return fmt.Sprintf("%s#replay-%d", r.ID, r.Seq) }

// Replay re-enqueues the record seq under ReplayID and removes it from the log.
func (s *Store) Replay(ctx context.Context, seq int64, q xrelay.Enqueuer) error {
	r, err := s.Get(ctx, seq)
	if err != nil {
		return err
	}
	if err := q.Enqueue(r.Channel, r.Payload, ReplayID(r)); err != nil {
		return fmt.Errorf("sqlitedlq: replay %d: %w", seq, err)
	}
	return s.Delete(ctx, seq)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		r        Record
		failedAt int64
	)
	if err := sc.Scan(&r.Seq, &r.ID, &r.Channel, &r.Payload, &r.Attempts, &r.LastError, &failedAt); err != nil {
		return Record{}, err
	}
	r.FailedAt = time.Unix(0, failedAt).UTC()
	return r, nil
}
