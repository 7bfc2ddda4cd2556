package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"riskwatch/internal/errs"
)

// Status is the lifecycle state of a research task
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s can no longer change
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Kind records why a task was submitted
type Kind string

const (
	KindManual    Kind = "MANUAL"
	KindScheduled Kind = "SCHEDULED"
	KindRetry     Kind = "RETRY"
)

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	switch k {
	case KindManual, KindScheduled, KindRetry:
		return true
	default:
		return false
	}
}

// Task tracks one submitted research run. Version backs the per-task
// optimistic concurrency check in the store.
type Task struct {
	ID           string     `gorm:"primaryKey" json:"task_id"`
	Kind         Kind       `gorm:"not null;column:task_type" json:"task_type"`
	Subject      string     `gorm:"not null;index" json:"subject"`
	Status       Status     `gorm:"not null;index" json:"status"`
	Progress     int        `gorm:"not null" json:"progress"` // 0-100
	ErrorMessage *string    `gorm:"type:text;column:error_message" json:"error_message"`
	RetryCount   int        `gorm:"not null;column:retry_count" json:"retry_count"`
	ResultID     *string    `gorm:"uniqueIndex;column:result_id" json:"result_id"`
	Version      int        `gorm:"not null" json:"-"`
	CreatedAt    time.Time  `gorm:"index" json:"created_at"`
	StartedAt    *time.Time `gorm:"column:started_at" json:"started_at"`
	CompletedAt  *time.Time `gorm:"column:completed_at" json:"completed_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (t *Task) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (Task) TableName() string {
	return "tasks"
}

// Duration returns how long the task has been (or was) running, or nil if it never started
func (t *Task) Duration(now time.Time) *time.Duration {
	if t.StartedAt == nil {
		return nil
	}
	end := now
	if t.CompletedAt != nil {
		end = *t.CompletedAt
	}
	d := end.Sub(*t.StartedAt)
	return &d
}

// CanTransition reports whether from -> to is an edge of the task state machine.
// PROCESSING -> PROCESSING is allowed so a redelivered execution can re-claim the task.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed || to == StatusCancelled
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

func (t *Task) transition(op string, to Status) error {
	if t.Status.IsTerminal() {
		return errs.Ef(errs.TerminalState, op, "task %s is already %s", t.ID, t.Status)
	}
	if !CanTransition(t.Status, to) {
		return errs.Ef(errs.Invalid, op, "task %s cannot move from %s to %s", t.ID, t.Status, to)
	}
	t.Status = to
	return nil
}

// Start claims the task for execution. Progress never moves below its current value.
func (t *Task) Start(now time.Time, floor int) error {
	if err := t.transition("start", StatusProcessing); err != nil {
		return err
	}
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	if t.Progress < floor {
		t.Progress = floor
	}
	return nil
}

// Advance raises progress to value. It reports false when value would move
// progress backward, which leaves the task unchanged.
func (t *Task) Advance(value int) (bool, error) {
	if value < 0 || value > 100 {
		return false, errs.Ef(errs.Invalid, "advance", "progress %d out of range [0,100]", value)
	}
	if t.Status.IsTerminal() {
		return false, errs.Ef(errs.TerminalState, "advance", "task %s is already %s", t.ID, t.Status)
	}
	if t.Status != StatusProcessing {
		return false, errs.Ef(errs.Invalid, "advance", "task %s is %s, not %s", t.ID, t.Status, StatusProcessing)
	}
	if value <= t.Progress {
		return false, nil
	}
	t.Progress = value
	return true, nil
}

// Complete moves a processing task to COMPLETED and attaches its result
func (t *Task) Complete(now time.Time, resultID string) error {
	if t.Status == StatusPending {
		return errs.Ef(errs.Invalid, "complete", "task %s was never started", t.ID)
	}
	if err := t.transition("complete", StatusCompleted); err != nil {
		return err
	}
	if t.ResultID != nil {
		return errs.Ef(errs.Invalid, "complete", "task %s already owns result %s", t.ID, *t.ResultID)
	}
	t.Progress = 100
	t.CompletedAt = &now
	t.ResultID = &resultID
	return nil
}

// Fail moves the task to FAILED and keeps cause verbatim
func (t *Task) Fail(now time.Time, cause string) error {
	if err := t.transition("fail", StatusFailed); err != nil {
		return err
	}
	t.CompletedAt = &now
	t.ErrorMessage = &cause
	return nil
}

// Cancel moves the task to CANCELLED
func (t *Task) Cancel(now time.Time, reason string) error {
	if err := t.transition("cancel", StatusCancelled); err != nil {
		return err
	}
	t.CompletedAt = &now
	t.ErrorMessage = &reason
	return nil
}

// RecordRetry counts another failed attempt while keeping the task in flight
func (t *Task) RecordRetry() error {
	if t.Status.IsTerminal() {
		return errs.Ef(errs.TerminalState, "retry", "task %s is already %s", t.ID, t.Status)
	}
	t.RetryCount++
	return nil
}

func (t *Task) String() string {
	return fmt.Sprintf("task %s (%s, %s, %d%%)", t.ID, t.Subject, t.Status, t.Progress)
}
