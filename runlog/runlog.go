// Package runlog persists relief pipeline runs and their state transitions
// in SQLite.
package runlog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("runlog: run not found")

// Status is the outcome of a run.
type Status int

const (
	StatusRunning Status = iota
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "Running"
	case StatusSucceeded:
		return "Succeeded"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// MarshalJSON serializes Status as a lowercase string.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(strings.ToLower(s.String()))
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "running":
		*s = StatusRunning
	case "succeeded":
		*s = StatusSucceeded
	case "failed":
		*s = StatusFailed
	default:
		return fmt.Errorf("unknown run status %q", str)
	}
	return nil
}

// Kinds of run.
const (
	KindUpload     = "upload"
	KindRegenerate = "regenerate"
	KindBlur       = "blur"
	KindScale      = "scale"
)

type Transition struct {
	State string    `json:"state"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

type Run struct {
	ID          string       `json:"id"`
	Kind        string       `json:"kind"`
	Source      string       `json:"source,omitempty"`
	Status      Status       `json:"status"`
	State       string       `json:"state"`
	Error       string       `json:"error,omitempty"`
	MeshID      string       `json:"meshId,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	FinishedAt  time.Time    `json:"finishedAt,omitempty"`
	Transitions []Transition `json:"transitions,omitempty"`
}

// Log records runs. All methods are safe for concurrent use.
type Log struct {
	mu  sync.Mutex
	db  *sql.DB
	log *zap.Logger
}

// Open opens a SQLite database at dsn (":memory:" for an in-process log)
// and prepares the schema.
func Open(dsn string, log *zap.Logger) (*Log, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	l, err := New(db, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// New wraps an open database and creates the tables if needed.
func New(db *sql.DB, log *zap.Logger) (*Log, error) {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Log{db: db, log: log}
	if err := l.createTables(); err != nil {
		return nil, fmt.Errorf("create run log tables: %w", err)
	}
	return l, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		source TEXT,
		status INTEGER NOT NULL,
		state TEXT NOT NULL,
		error TEXT,
		mesh_id TEXT,
		created_at INTEGER NOT NULL,
		finished_at INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS transitions (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		state TEXT NOT NULL,
		error TEXT,
		at INTEGER NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS runs_created ON runs(created_at)`,
}

func (l *Log) createTables() error {
	for _, stmt := range schema {
		if _, err := l.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) Close() error {
	return l.db.Close()
}

// Begin records a new run in the given initial state.
func (l *Log) Begin(id, kind, source, state string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UnixNano()
	_, err := l.db.Exec(`INSERT INTO runs (id, kind, source, status, state, error, mesh_id, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, '', '', ?, 0)`,
		id, kind, source, int(StatusRunning), state, now)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", id, err)
	}
	return l.appendTransition(id, state, "", now)
}

// Transition records a state change of a running run.
func (l *Log) Transition(id, state string, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := errString(cause)
	now := time.Now().UnixNano()
	res, err := l.db.Exec(`UPDATE runs SET state = ?, error = ? WHERE id = ?`, state, msg, id)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return l.appendTransition(id, state, msg, now)
}

// Finish marks a run complete. A non-nil cause marks it failed.
func (l *Log) Finish(id, meshID string, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	status := StatusSucceeded
	if cause != nil {
		status = StatusFailed
	}
	res, err := l.db.Exec(`UPDATE runs SET status = ?, error = ?, mesh_id = ?, finished_at = ? WHERE id = ?`,
		int(status), errString(cause), meshID, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (l *Log) appendTransition(id, state, msg string, at int64) error {
	_, err := l.db.Exec(`INSERT INTO transitions (run_id, seq, state, error, at)
		VALUES (?, (SELECT COUNT(*) FROM transitions WHERE run_id = ?), ?, ?, ?)`,
		id, id, state, msg, at)
	if err != nil {
		return fmt.Errorf("insert transition for %s: %w", id, err)
	}
	return nil
}

// Get returns a run with its transitions.
func (l *Log) Get(id string) (*Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	row := l.db.QueryRow(`SELECT id, kind, COALESCE(source, ''), status, state, COALESCE(error, ''),
		COALESCE(mesh_id, ''), created_at, COALESCE(finished_at, 0) FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := l.db.Query(`SELECT state, COALESCE(error, ''), at FROM transitions
		WHERE run_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var tr Transition
		var at int64
		if err := rows.Scan(&tr.State, &tr.Error, &at); err != nil {
			return nil, err
		}
		tr.At = time.Unix(0, at)
		run.Transitions = append(run.Transitions, tr)
	}
	return run, rows.Err()
}

// List returns up to limit runs, newest first, without transitions.
func (l *Log) List(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(`SELECT id, kind, COALESCE(source, ''), status, state, COALESCE(error, ''),
		COALESCE(mesh_id, ''), created_at, COALESCE(finished_at, 0) FROM runs
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			l.log.Warn("skipping unreadable run row", zap.Error(err))
			continue
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var status int
	var created, finished int64
	if err := s.Scan(&run.ID, &run.Kind, &run.Source, &status, &run.State, &run.Error,
		&run.MeshID, &created, &finished); err != nil {
		return nil, err
	}
	run.Status = Status(status)
	run.CreatedAt = time.Unix(0, created)
	if finished > 0 {
		run.FinishedAt = time.Unix(0, finished)
	}
	return &run, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
