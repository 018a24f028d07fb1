// Package history records executed build tasks in SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Route says where a task ran.
type Route string

const (
	RouteLocal  Route = "local"
	RouteRemote Route = "remote"
	RouteServer Route = "server" // executed by the coordinator on behalf of a client
)

// Entry is one finished task.
type Entry struct {
	ID        string        `json:"id"`
	Argv      []string      `json:"argv"`
	Route     Route         `json:"route"`
	ExitCode  int           `json:"exit_code"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	CreatedAt time.Time     `json:"created_at"`
}

// Tool returns the basename of argv[0].
func (e Entry) Tool() string {
	if len(e.Argv) == 0 {
		return ""
	}
	return filepath.Base(strings.ReplaceAll(e.Argv[0], `\`, "/"))
}

// Store persists entries in the task_log table.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record inserts e. A missing ID or timestamp is filled in.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if len(e.Argv) == 0 {
		return fmt.Errorf("argv is empty")
	}
	if e.Route == "" {
		return fmt.Errorf("route is empty")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	argv, err := json.Marshal(e.Argv)
	if err != nil {
		return fmt.Errorf("marshal argv: %w", err)
	}

	var errText any
	if e.Error != "" {
		errText = e.Error
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO task_log(id, argv, tool, route, exit_code, error, duration_ms, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, string(argv), e.Tool(), string(e.Route), e.ExitCode, errText, e.Duration.Milliseconds(),
		e.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record task: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, argv, route, exit_code, error, duration_ms, created_at
FROM task_log
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent tasks: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			argv       string
			route      string
			errText    sql.NullString
			durationMS int64
			createdAt  string
		)
		if err := rows.Scan(&e.ID, &argv, &route, &e.ExitCode, &errText, &durationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if err := json.Unmarshal([]byte(argv), &e.Argv); err != nil {
			return nil, fmt.Errorf("decode argv for task %s: %w", e.ID, err)
		}
		e.Route = Route(route)
		e.Error = errText.String
		e.Duration = time.Duration(durationMS) * time.Millisecond
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// Counts returns the number of recorded tasks per route.
func (s *Store) Counts(ctx context.Context) (map[Route]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT route, COUNT(*) FROM task_log GROUP BY route;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[Route]int)
	for rows.Next() {
		var route string
		var n int
		if err := rows.Scan(&route, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[Route(route)] = n
	}
	return out, rows.Err()
}
