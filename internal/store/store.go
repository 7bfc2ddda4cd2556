// Package store persists task and result records. Writes to a single task are
// serialized with an optimistic version check; different tasks never contend.
package store

import (
	"context"
	"errors"
	"time"

	"riskwatch/internal/models"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ErrUnchanged may be returned by a mutation to skip the write without failing
var ErrUnchanged = errors.New("task unchanged")

// TaskFilter selects tasks for listing
type TaskFilter struct {
	Statuses []models.Status // empty means any
	Subject  string
	Limit    int
}

// ResultFilter selects results for listing
type ResultFilter struct {
	Subject string
	Since   time.Time
	Limit   int
}

// Store is the durable task record store consulted by the orchestrator and scheduler
type Store interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)

	// UpdateTask loads the task, applies mutate and writes it back if no other
	// writer changed it in between; on conflict the load/mutate/write is repeated.
	UpdateTask(ctx context.Context, id string, mutate func(*models.Task) error) (*models.Task, error)

	// CompleteTask persists result and the task mutation in one transaction.
	// mutate receives the id the result will be stored under.
	CompleteTask(ctx context.Context, id string, result *models.Result, mutate func(task *models.Task, resultID string) error) (*models.Task, error)

	ListTasks(ctx context.Context, filter TaskFilter) ([]models.Task, error)

	GetResult(ctx context.Context, id string) (*models.Result, error)
	ListResults(ctx context.Context, filter ResultFilter) ([]models.Result, error)
	HasResultSince(ctx context.Context, subject string, since time.Time) (bool, error)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
