// Package store persists the emulator's engine-side state.
package store

import (
	"context"
	"errors"

	"github.com/seantiz/tasklink/internal/model"
)

// ErrNotFound is returned when a worker is not found.
var ErrNotFound = errors.New("worker not found")

// Store defines the persistence operations for engine-side workers.
type Store interface {
	// CreateWorker inserts w and sets w.ID to the assigned id. Ids are never
	// reused, even after the worker is deleted.
	CreateWorker(ctx context.Context, w *model.Worker) error
	GetWorker(ctx context.Context, id int64) (*model.Worker, error)
	DeleteWorker(ctx context.Context, id int64) error
	// ListWorkers returns workers ordered by id. An empty sessionID lists
	// every session.
	ListWorkers(ctx context.Context, sessionID string) ([]*model.Worker, error)
	// DeleteSession removes every worker created by a session and returns
	// how many were removed.
	DeleteSession(ctx context.Context, sessionID string) (int, error)
	Close() error
}
