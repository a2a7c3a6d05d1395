// Package journal keeps a SQLite record of every command the server finished.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// fixed-width so started_at sorts lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Entry is one finished command.
type Entry struct {
	ID        string
	RequestID string
	Verb      string
	ImageID   string
	Result    string
	Error     string
	Cached    bool
	StartedAt time.Time
	Duration  time.Duration
}

// OK reports whether the command produced a response line.
func (e Entry) OK() bool { return e.Error == "" }

type Journal struct {
	db     *sql.DB
	insert *sql.Stmt
	mu     sync.Mutex
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}

	createTableSQL := `
	CREATE TABLE IF NOT EXISTS commands (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		verb TEXT NOT NULL,
		image_id TEXT NOT NULL,
		result TEXT,
		error TEXT,
		cached INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL,
		duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_commands_started_at ON commands(started_at);
	CREATE INDEX IF NOT EXISTS idx_commands_image_id ON commands(image_id);`

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	insert, err := db.Prepare(`
		INSERT INTO commands (
			id, request_id, verb, image_id, result, error, cached, started_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare journal insert: %w", err)
	}
	return &Journal{db: db, insert: insert}, nil
}

// Record stores e, assigning an ID when it has none.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	// one writer at a time
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.insert.ExecContext(ctx,
		e.ID,
		e.RequestID,
		e.Verb,
		e.ImageID,
		e.Result,
		e.Error,
		e.Cached,
		e.StartedAt.UTC().Format(timeLayout),
		e.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s %s: %w", e.Verb, e.ImageID, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, request_id, verb, image_id, result, error, cached, started_at, duration_ms
		FROM commands ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			result   sql.NullString
			errText  sql.NullString
			started  string
			duration int64
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Verb, &e.ImageID, &result, &errText, &e.Cached, &started, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		e.Result, e.Error = result.String, errText.String
		if e.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("bad started_at %q: %w", started, err)
		}
		e.Duration = time.Duration(duration) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats counts finished and failed commands per verb.
func (j *Journal) Stats(ctx context.Context) (map[string][2]int, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT verb, COUNT(*), SUM(CASE WHEN error != '' THEN 1 ELSE 0 END)
		FROM commands GROUP BY verb`)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string][2]int)
	for rows.Next() {
		var verb string
		var total, failed int
		if err := rows.Scan(&verb, &total, &failed); err != nil {
			return nil, err
		}
		out[verb] = [2]int{total, failed}
	}
	return out, rows.Err()
}

func (j *Journal) Close() error {
	j.insert.Close()
	return j.db.Close()
}
