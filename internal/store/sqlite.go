package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seantiz/tasklink/internal/model"
	"github.com/seantiz/tasklink/worker"

	_ "modernc.org/sqlite"
)

const createWorkersTable = `
CREATE TABLE IF NOT EXISTS workers (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT NOT NULL,
    name        TEXT NOT NULL,
    is_workflow INTEGER NOT NULL,
    domain      TEXT NOT NULL,
    task_list   TEXT NOT NULL,
    options     TEXT,
    created_at  DATETIME NOT NULL
)`

const createWorkersSessionIndex = `
CREATE INDEX IF NOT EXISTS idx_workers_session ON workers(session_id)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createWorkersTable, createWorkersSessionIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate workers table: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateWorker inserts a new worker record.
func (s *SQLiteStore) CreateWorker(ctx context.Context, w *model.Worker) error {
	opts, err := marshalOptions(w.Options)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (session_id, name, is_workflow, domain, task_list, options, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.SessionID, w.Name, w.IsWorkflow, w.Domain, w.TaskList, opts, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert worker: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert worker: last insert id: %w", err)
	}
	w.ID = id
	return nil
}

// GetWorker retrieves a worker by id.
func (s *SQLiteStore) GetWorker(ctx context.Context, id int64) (*model.Worker, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, name, is_workflow, domain, task_list, options, created_at
		FROM workers WHERE id = ?`, id,
	)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

// DeleteWorker removes a worker. It returns ErrNotFound if no row matched.
func (s *SQLiteStore) DeleteWorker(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete worker: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWorkers returns workers ordered by id, optionally filtered by session.
func (s *SQLiteStore) ListWorkers(ctx context.Context, sessionID string) ([]*model.Worker, error) {
	query := `SELECT id, session_id, name, is_workflow, domain, task_list, options, created_at
		FROM workers`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []*model.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	return workers, nil
}

// DeleteSession removes every worker belonging to sessionID.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete session workers: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete session workers: rows affected: %w", err)
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorker(sc scanner) (*model.Worker, error) {
	w := &model.Worker{}
	var opts sql.NullString
	if err := sc.Scan(&w.ID, &w.SessionID, &w.Name, &w.IsWorkflow, &w.Domain, &w.TaskList, &opts, &w.CreatedAt); err != nil {
		return nil, err
	}
	if opts.Valid && opts.String != "" {
		w.Options = &worker.Options{}
		if err := json.Unmarshal([]byte(opts.String), w.Options); err != nil {
			return nil, fmt.Errorf("decode options for worker %d: %w", w.ID, err)
		}
	}
	return w, nil
}

func marshalOptions(o *worker.Options) (sql.NullString, error) {
	if o == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(o)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode worker options: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
