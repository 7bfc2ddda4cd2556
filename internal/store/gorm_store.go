package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"riskwatch/internal/errs"
	"riskwatch/internal/models"
)

const maxConflictRetries = 8

var errVersionConflict = errors.New("task version conflict")

var _ Store = (*GormStore)(nil)

// GormStore implements Store on a gorm database (sqlite or postgres)
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a store backed by db. Tables must already be migrated.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) CreateTask(ctx context.Context, task *models.Task) error {
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return errs.E(errs.Unavailable, "create task", err)
	}
	return nil
}

func (s *GormStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return getTask(s.db.WithContext(ctx), id)
}

func getTask(db *gorm.DB, id string) (*models.Task, error) {
	var task models.Task
	if err := db.Where("id = ?", id).First(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.Ef(errs.NotFound, "get task", "task %s not found", id)
		}
		return nil, errs.E(errs.Unavailable, "get task", err)
	}
	return &task, nil
}

func (s *GormStore) UpdateTask(ctx context.Context, id string, mutate func(*models.Task) error) (*models.Task, error) {
	db := s.db.WithContext(ctx)
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		task, err := getTask(db, id)
		if err != nil {
			return nil, err
		}
		if err := mutate(task); err != nil {
			if errors.Is(err, ErrUnchanged) {
				return task, nil
			}
			return nil, err
		}
		saved, err := saveVersioned(db, task)
		if err != nil {
			return nil, err
		}
		if saved {
			return task, nil
		}
	}
	return nil, errs.Ef(errs.Unavailable, "update task", "task %s: gave up after %d conflicting writes", id, maxConflictRetries)
}

func (s *GormStore) CompleteTask(ctx context.Context, id string, result *models.Result, mutate func(*models.Task, string) error) (*models.Task, error) {
	if result.ID == "" {
		result.ID = uuid.New().String()
	}

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		var completed *models.Task
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			task, err := getTask(tx, id)
			if err != nil {
				return err
			}
			if err := mutate(task, result.ID); err != nil {
				return err
			}
			if err := tx.Create(result).Error; err != nil {
				return errs.E(errs.Unavailable, "create result", err)
			}
			saved, err := saveVersioned(tx, task)
			if err != nil {
				return err
			}
			if !saved {
				return errVersionConflict
			}
			completed = task
			return nil
		})
		if errors.Is(err, errVersionConflict) {
			continue
		}
		if err != nil {
			// begin and commit failures (e.g. a busy database) carry no kind of their own
			if errs.KindOf(err) == errs.Unknown {
				return nil, errs.E(errs.Unavailable, "complete task", err)
			}
			return nil, err
		}
		return completed, nil
	}
	return nil, errs.Ef(errs.Unavailable, "complete task", "task %s: gave up after %d conflicting writes", id, maxConflictRetries)
}

// saveVersioned writes task only if its version is unchanged since it was read
func saveVersioned(db *gorm.DB, task *models.Task) (bool, error) {
	res := db.Model(&models.Task{}).
		Where("id = ? AND version = ?", task.ID, task.Version).
		Updates(map[string]interface{}{
			"status":        task.Status,
			"progress":      task.Progress,
			"error_message": task.ErrorMessage,
			"retry_count":   task.RetryCount,
			"result_id":     task.ResultID,
			"started_at":    task.StartedAt,
			"completed_at":  task.CompletedAt,
			"version":       task.Version + 1,
		})
	if res.Error != nil {
		return false, errs.E(errs.Unavailable, "save task", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	task.Version++
	return true, nil
}

func (s *GormStore) ListTasks(ctx context.Context, filter TaskFilter) ([]models.Task, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(clampLimit(filter.Limit))
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if filter.Subject != "" {
		q = q.Where("subject = ?", filter.Subject)
	}

	var tasks []models.Task
	if err := q.Find(&tasks).Error; err != nil {
		return nil, errs.E(errs.Unavailable, "list tasks", err)
	}
	return tasks, nil
}

func (s *GormStore) GetResult(ctx context.Context, id string) (*models.Result, error) {
	var result models.Result
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&result).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.Ef(errs.NotFound, "get result", "result %s not found", id)
		}
		return nil, errs.E(errs.Unavailable, "get result", err)
	}
	return &result, nil
}

func (s *GormStore) ListResults(ctx context.Context, filter ResultFilter) ([]models.Result, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(clampLimit(filter.Limit))
	if filter.Subject != "" {
		q = q.Where("subject = ?", filter.Subject)
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at >= ?", filter.Since.UTC())
	}

	var results []models.Result
	if err := q.Find(&results).Error; err != nil {
		return nil, errs.E(errs.Unavailable, "list results", err)
	}
	return results, nil
}

func (s *GormStore) HasResultSince(ctx context.Context, subject string, since time.Time) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Result{}).
		Where("subject = ? AND created_at >= ?", subject, since.UTC()).
		Count(&count).Error
	if err != nil {
		return false, errs.E(errs.Unavailable, "check recent results", err)
	}
	return count > 0, nil
}
