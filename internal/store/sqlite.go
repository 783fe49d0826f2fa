package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// ErrNotFound is returned when a row addressed by key does not exist.
var ErrNotFound = errors.New("store: not found")

// Store represents the SQLite attempt store.
type Store struct {
	db *sql.DB
}

// Option configures Open.
type Option func(*options)

type options struct {
	busyTimeout time.Duration
}

// WithBusyTimeout sets how long a writer waits on a locked database.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.busyTimeout = d
		}
	}
}

// Open opens or creates the SQLite database at the given path and runs
// migrations. MemoryPath or an empty path gives a database that lives as
// long as the Store.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{busyTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	memory := path == "" || path == MemoryPath
	params := fmt.Sprintf("_foreign_keys=on&_busy_timeout=%d", o.busyTimeout.Milliseconds())

	var dsn string
	if memory {
		dsn = MemoryPath + "?" + params
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = path + "?" + params + "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for migration tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// OpenSession records a session. Re-opening an existing ID is a no-op.
func (s *Store) OpenSession(sess *Session) error {
	opened := sess.OpenedAt
	if opened.IsZero() {
		opened = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO sessions (id, difficulty, track_width, slider_width, opened_ns)
		VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Difficulty, sess.TrackWidth, sess.SliderWidth, opened.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// CloseSession stamps the session's end time.
func (s *Store) CloseSession(id string, at time.Time) error {
	result, err := s.db.Exec(`UPDATE sessions SET closed_ns = ? WHERE id = ?`, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetSession retrieves a session by ID, or nil if it does not exist.
func (s *Store) GetSession(id string) (*Session, error) {
	var sess Session
	var opened int64
	var closed sql.NullInt64

	err := s.db.QueryRow(`
		SELECT id, difficulty, track_width, slider_width, opened_ns, closed_ns
		FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Difficulty, &sess.TrackWidth, &sess.SliderWidth, &opened, &closed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	sess.OpenedAt = time.Unix(0, opened)
	if closed.Valid {
		t := time.Unix(0, closed.Int64)
		sess.ClosedAt = &t
	}
	return &sess, nil
}

// RecordAttempt inserts an attempt and returns its ID. The owning session
// row is created on demand.
func (s *Store) RecordAttempt(r *AttemptRecord) (int64, error) {
	flags, err := json.Marshal(r.Flags)
	if err != nil {
		return 0, fmt.Errorf("marshal flags: %w", err)
	}
	stats, err := json.Marshal(r.Stats)
	if err != nil {
		return 0, fmt.Errorf("marshal stats: %w", err)
	}
	path, err := json.Marshal(r.Path)
	if err != nil {
		return 0, fmt.Errorf("marshal path: %w", err)
	}

	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO sessions (id, difficulty, track_width, slider_width, opened_ns)
		VALUES (?, ?, 0, 0, ?)`,
		r.SessionID, r.Profile, created.UnixNano(),
	); err != nil {
		return 0, fmt.Errorf("ensure session: %w", err)
	}

	result, err := tx.Exec(`
		INSERT INTO attempts (session_id, number, challenge_id, profile, target_offset, start_offset,
			end_offset, outcome, position_matched, flags, stats, path, fingerprint, created_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.Number, r.ChallengeID, r.Profile, r.TargetOffset, r.StartOffset,
		r.EndOffset, r.Outcome, r.PositionMatched, string(flags), string(stats), string(path), r.Fingerprint, created.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert attempt: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	r.ID = id
	r.CreatedAt = time.Unix(0, created.UnixNano())
	return id, nil
}

const attemptColumns = `id, session_id, number, challenge_id, profile, target_offset, start_offset,
	end_offset, outcome, position_matched, flags, stats, path, fingerprint, created_ns`

// GetAttempt retrieves an attempt by ID, or nil if it does not exist.
func (s *Store) GetAttempt(id int64) (*AttemptRecord, error) {
	rows, err := s.db.Query(`SELECT `+attemptColumns+` FROM attempts WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	defer rows.Close()

	records, err := scanAttempts(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// ListAttempts returns matching attempts, newest first.
func (s *Store) ListAttempts(f Filter) ([]AttemptRecord, error) {
	var where []string
	var args []any

	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, f.Outcome)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_ns >= ?")
		args = append(args, f.Since.UnixNano())
	}

	query := `SELECT ` + attemptColumns + ` FROM attempts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_ns DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	return scanAttempts(rows)
}

// CountByReason tallies attempts per outcome. An empty sessionID counts
// every session.
func (s *Store) CountByReason(sessionID string) (map[string]int64, error) {
	query := `SELECT outcome, COUNT(*) FROM attempts`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` GROUP BY outcome`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("count attempts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var outcome string
		var n int64
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[outcome] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

// SeenFingerprint reports whether any stored attempt carries fp.
func (s *Store) SeenFingerprint(fp string) (bool, error) {
	var exists int
	err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM attempts WHERE fingerprint = ?)`, fp).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup fingerprint: %w", err)
	}
	return exists == 1, nil
}

// Prune deletes attempts created before the cutoff, then sessions left
// closed and empty. It returns the number of attempts removed.
func (s *Store) Prune(before time.Time) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`DELETE FROM attempts WHERE created_ns < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	if _, err := tx.Exec(`
		DELETE FROM sessions
		WHERE closed_ns IS NOT NULL AND closed_ns < ?
		AND NOT EXISTS (SELECT 1 FROM attempts WHERE attempts.session_id = sessions.id)`,
		before.UnixNano(),
	); err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return n, nil
}

// Summarize aggregates the stored history.
func (s *Store) Summarize() (*Summary, error) {
	sum := &Summary{}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&sum.Sessions); err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}

	var first, last sql.NullInt64
	err := s.db.QueryRow(`SELECT COUNT(*), MIN(created_ns), MAX(created_ns) FROM attempts`).
		Scan(&sum.Attempts, &first, &last)
	if err != nil {
		return nil, fmt.Errorf("count attempts: %w", err)
	}
	if first.Valid {
		t := time.Unix(0, first.Int64)
		sum.First = &t
	}
	if last.Valid {
		t := time.Unix(0, last.Int64)
		sum.Last = &t
	}

	sum.ByOutcome, err = s.CountByReason("")
	if err != nil {
		return nil, err
	}
	return sum, nil
}

// scanAttempts is a helper to scan attempt rows into a slice.
func scanAttempts(rows *sql.Rows) ([]AttemptRecord, error) {
	var records []AttemptRecord

	for rows.Next() {
		var r AttemptRecord
		var flags, stats, path string
		var matched sql.NullBool
		var created int64

		if err := rows.Scan(&r.ID, &r.SessionID, &r.Number, &r.ChallengeID, &r.Profile, &r.TargetOffset,
			&r.StartOffset, &r.EndOffset, &r.Outcome, &matched, &flags, &stats, &path, &r.Fingerprint, &created); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if matched.Valid {
			r.PositionMatched = &matched.Bool
		}

		if err := json.Unmarshal([]byte(flags), &r.Flags); err != nil {
			return nil, fmt.Errorf("unmarshal flags of attempt %d: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(stats), &r.Stats); err != nil {
			return nil, fmt.Errorf("unmarshal stats of attempt %d: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(path), &r.Path); err != nil {
			return nil, fmt.Errorf("unmarshal path of attempt %d: %w", r.ID, err)
		}
		r.CreatedAt = time.Unix(0, created)

		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}

	return records, nil
}
