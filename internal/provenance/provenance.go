// Package provenance keeps an append-only SQLite record of verdicts, stress
// indicators and feedback submissions.
package provenance

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS verdict_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	seq         INTEGER NOT NULL,
	status      TEXT NOT NULL,
	profile     TEXT,
	kind        TEXT,
	constraint_label TEXT,
	explanation TEXT,
	strict      INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS indicator_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	source     TEXT NOT NULL,
	magnitude  REAL NOT NULL,
	half_life  TEXT NOT NULL,
	at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS indicator_log_at ON indicator_log(at);
CREATE TABLE IF NOT EXISTS feedback_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	local_id    INTEGER NOT NULL,
	origin      TEXT NOT NULL,
	report_type TEXT NOT NULL,
	status      TEXT NOT NULL,
	receipt     TEXT,
	error       TEXT,
	created_at  TEXT NOT NULL
);
`

// VerdictEntry is one row of verdict_log.
type VerdictEntry struct {
	Seq         uint64    `json:"seq"`
	Status      string    `json:"status"`
	Profile     string    `json:"profile,omitempty"`
	Kind        string    `json:"kind,omitempty"`
	Constraint  string    `json:"constraint,omitempty"`
	Explanation string    `json:"explanation,omitempty"`
	Strict      bool      `json:"strict,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// IndicatorEntry is one row of indicator_log.
type IndicatorEntry struct {
	Source    string
	Magnitude float64
	HalfLife  string
	At        time.Time
}

// FeedbackEntry is one row of feedback_log.
type FeedbackEntry struct {
	LocalID    uint64
	Origin     string
	ReportType string
	Status     string
	Receipt    string
	Error      string
	CreatedAt  time.Time
}

// Log writes provenance rows.
type Log struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// ":memory:" gives a private in-process database.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open provenance db: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate provenance db: %w", err)
	}
	return &Log{db: db}, nil
}

// DB exposes the underlying handle.
func (l *Log) DB() *sql.DB { return l.db }

// Close closes the database.
func (l *Log) Close() error { return l.db.Close() }

// LogVerdict records a verdict.
func (l *Log) LogVerdict(ctx context.Context, e VerdictEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO verdict_log (seq, status, profile, kind, constraint_label, explanation, strict, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq,
		e.Status,
		nullIfEmpty(e.Profile),
		nullIfEmpty(e.Kind),
		nullIfEmpty(e.Constraint),
		nullIfEmpty(e.Explanation),
		e.Strict,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log verdict: %w", err)
	}
	return nil
}

// LogIndicator records a stress indicator.
func (l *Log) LogIndicator(ctx context.Context, e IndicatorEntry) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO indicator_log (source, magnitude, half_life, at) VALUES (?, ?, ?, ?)`,
		e.Source, e.Magnitude, e.HalfLife, e.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log indicator: %w", err)
	}
	return nil
}

// LogFeedback records a feedback submission outcome.
func (l *Log) LogFeedback(ctx context.Context, e FeedbackEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO feedback_log (local_id, origin, report_type, status, receipt, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.LocalID,
		e.Origin,
		e.ReportType,
		e.Status,
		nullIfEmpty(e.Receipt),
		nullIfEmpty(e.Error),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log feedback: %w", err)
	}
	return nil
}

// IndicatorsSince returns indicators recorded at or after since, oldest first.
func (l *Log) IndicatorsSince(ctx context.Context, since time.Time) ([]IndicatorEntry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT source, magnitude, half_life, at FROM indicator_log WHERE at >= ? ORDER BY at, id`,
		since.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("query indicators: %w", err)
	}
	defer rows.Close()

	var out []IndicatorEntry
	for rows.Next() {
		var (
			e  IndicatorEntry
			at string
		)
		if err := rows.Scan(&e.Source, &e.Magnitude, &e.HalfLife, &at); err != nil {
			return nil, fmt.Errorf("scan indicator: %w", err)
		}
		e.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse indicator time %q: %w", at, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentVerdicts returns up to limit verdicts, newest first.
func (l *Log) RecentVerdicts(ctx context.Context, limit int) ([]VerdictEntry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, status, COALESCE(profile, ''), COALESCE(kind, ''), COALESCE(constraint_label, ''),
		        COALESCE(explanation, ''), strict, created_at
		 FROM verdict_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query verdicts: %w", err)
	}
	defer rows.Close()

	var out []VerdictEntry
	for rows.Next() {
		var (
			e       VerdictEntry
			created string
		)
		if err := rows.Scan(&e.Seq, &e.Status, &e.Profile, &e.Kind, &e.Constraint, &e.Explanation, &e.Strict, &created); err != nil {
			return nil, fmt.Errorf("scan verdict: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// VerdictCounts returns the number of verdicts per status.
func (l *Log) VerdictCounts(ctx context.Context) (map[string]int, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM verdict_log GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count verdicts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
