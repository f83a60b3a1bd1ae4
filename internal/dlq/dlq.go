// Package dlq is the dead letter store: a SQLite table of units that could
// not be processed, kept for inspection and replay. Records are never
// deleted automatically.
package dlq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// Record statuses.
const (
	StatusPending  = "pending"
	StatusResolved = "resolved"
)

// MaxErrorLen is the longest error message stored with a record.
const MaxErrorLen = 500

// DefaultMaxRetries is the per-record attempt budget for Replay.
const DefaultMaxRetries = 3

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("dead letter not found")

const timeLayout = "2006-01-02 15:04:05.000000"

// Record is one dead letter.
type Record struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id,omitempty"`
	UnitIndex  int       `json:"unit_index"`
	Phase      int       `json:"phase"`
	Text       string    `json:"text"`
	Error      string    `json:"error"`
	RetryCount int       `json:"retry_count"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ReplayReport summarises a Replay pass.
type ReplayReport struct {
	Total     int               `json:"total"`
	Recovered int               `json:"recovered"`
	Failed    []string          `json:"failed,omitempty"`
	Outputs   map[string]string `json:"-"`
}

// Processor re-runs one dead letter and returns the recovered text.
type Processor func(ctx context.Context, rec Record) (string, error)

// Store is a SQLite-backed dead letter store.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the store at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dlq directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open dlq: %w", err)
	}
	// One connection serialises all writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:     db,
		path:   path,
		logger: logger.With("component", "dlq"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate dlq: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS failed_chunks (
		id TEXT PRIMARY KEY,
		phase INTEGER NOT NULL,
		chunk_text TEXT NOT NULL,
		error_msg TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_failed_chunks_status ON failed_chunks(status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first schema version.
	for _, col := range []struct{ name, ddl string }{
		{"job_id", `ALTER TABLE failed_chunks ADD COLUMN job_id TEXT NOT NULL DEFAULT ''`},
		{"unit_index", `ALTER TABLE failed_chunks ADD COLUMN unit_index INTEGER NOT NULL DEFAULT -1`},
	} {
		has, err := s.hasColumn(col.name)
		if err != nil {
			return err
		}
		if !has {
			if _, err := s.db.Exec(col.ddl); err != nil {
				return fmt.Errorf("add column %s: %w", col.name, err)
			}
		}
	}
	return nil
}

func (s *Store) hasColumn(name string) (bool, error) {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info('failed_chunks')`)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return false, err
		}
		if col == name {
			return true, nil
		}
	}
	return false, rows.Err()
}

var unitIDPattern = regexp.MustCompile(`^(?:(.+):)?chunk_(\d+)$`)

// ParseID splits a unit dead letter id of the form "<job>:chunk_NNNN" or
// "chunk_NNNN". ok is false for ids that do not name a unit.
func ParseID(id string) (jobID string, index int, ok bool) {
	m := unitIDPattern.FindStringSubmatch(id)
	if m == nil {
		return "", -1, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return "", -1, false
	}
	return m[1], n, true
}

// Push stores a failure under id. A second push for the same id replaces
// the text, error and phase, and resets the status to pending; the retry
// count and creation time survive.
func (s *Store) Push(ctx context.Context, id string, phase int, text, errMsg string) error {
	if len(errMsg) > MaxErrorLen {
		errMsg = errMsg[:MaxErrorLen]
	}
	jobID, index, _ := ParseID(id)
	now := s.now().Format(timeLayout)

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO failed_chunks
			(id, phase, chunk_text, error_msg, retry_count, status, created_at, updated_at, job_id, unit_index)
		VALUES (
			?1, ?2, ?3, ?4,
			COALESCE((SELECT retry_count FROM failed_chunks WHERE id = ?1), 0),
			'pending',
			COALESCE((SELECT created_at FROM failed_chunks WHERE id = ?1), ?5),
			?5, ?6, ?7
		)`,
		id, phase, text, errMsg, now, jobID, index,
	)
	if err != nil {
		return fmt.Errorf("push dead letter %s: %w", id, err)
	}
	s.logger.Warn("dead letter recorded", "id", id, "phase", phase, "error", errMsg)
	return nil
}

const selectColumns = `id, job_id, unit_index, phase, chunk_text, COALESCE(error_msg, ''), retry_count, status, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		r                Record
		created, updated string
	)
	if err := row.Scan(&r.ID, &r.JobID, &r.UnitIndex, &r.Phase, &r.Text, &r.Error,
		&r.RetryCount, &r.Status, &created, &updated); err != nil {
		return Record{}, err
	}
	r.CreatedAt, _ = time.Parse(timeLayout, created)
	r.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return r, nil
}

// List returns records in creation order. An empty status returns all.
func (s *Store) List(ctx context.Context, status string) ([]Record, error) {
	query := `SELECT ` + selectColumns + ` FROM failed_chunks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns one record.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM failed_chunks WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get dead letter %s: %w", id, err)
	}
	return r, nil
}

// MarkResolved marks a record resolved.
func (s *Store) MarkResolved(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE failed_chunks SET status = ?, updated_at = ? WHERE id = ?`,
		StatusResolved, s.now().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("resolve dead letter %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *Store) recordFailure(ctx context.Context, id string, errMsg string) error {
	if len(errMsg) > MaxErrorLen {
		errMsg = errMsg[:MaxErrorLen]
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE failed_chunks SET retry_count = retry_count + 1, error_msg = ?, updated_at = ? WHERE id = ?`,
		errMsg, s.now().Format(timeLayout), id)
	return err
}

// Replay runs every pending record through process, up to maxRetries
// attempts each. The first success marks the record resolved; each failed
// attempt increments its retry count. Records are never deleted.
func (s *Store) Replay(ctx context.Context, process Processor, maxRetries int) (ReplayReport, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	pending, err := s.List(ctx, StatusPending)
	if err != nil {
		return ReplayReport{}, err
	}

	report := ReplayReport{Total: len(pending), Outputs: make(map[string]string)}
	s.logger.Info("replaying dead letters", "pending", len(pending), "max_retries", maxRetries)

	for _, rec := range pending {
		recovered := false
		for attempt := 1; attempt <= maxRetries; attempt++ {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			text, err := process(ctx, rec)
			if err == nil {
				if err := s.MarkResolved(ctx, rec.ID); err != nil {
					return report, err
				}
				report.Recovered++
				report.Outputs[rec.ID] = text
				recovered = true
				break
			}
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			s.logger.Warn("replay attempt failed", "id", rec.ID, "attempt", attempt, "max", maxRetries, "error", err)
			if uErr := s.recordFailure(context.WithoutCancel(ctx), rec.ID, err.Error()); uErr != nil {
				return report, fmt.Errorf("update dead letter %s: %w", rec.ID, uErr)
			}
		}
		if !recovered {
			report.Failed = append(report.Failed, rec.ID)
		}
	}

	s.logger.Info("dead letter replay finished", "recovered", report.Recovered, "total", report.Total)
	return report, nil
}

// Summary counts records by status.
func (s *Store) Summary(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM failed_chunks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("summarise dead letters: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// PurgeResolved deletes resolved records last updated before olderThan and
// returns how many were removed.
func (s *Store) PurgeResolved(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM failed_chunks WHERE status = ? AND updated_at < ?`,
		StatusResolved, olderThan.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
