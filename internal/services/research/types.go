package research

import (
	"time"

	"github.com/samber/lo"

	"riskwatch/internal/models"
)

// TaskView is the status representation returned to pollers
type TaskView struct {
	TaskID          string        `json:"task_id"`
	Kind            models.Kind   `json:"task_type"`
	Subject         string        `json:"subject"`
	Status          models.Status `json:"status"`
	Progress        int           `json:"progress"`
	ErrorMessage    *string       `json:"error_message"`
	RetryCount      int           `json:"retry_count"`
	ResultID        *string       `json:"result_id"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       *time.Time    `json:"started_at"`
	CompletedAt     *time.Time    `json:"completed_at"`
	DurationSeconds *float64      `json:"duration_seconds"`
}

// ResultView is a completed research report
type ResultView struct {
	ID        string           `json:"id"`
	Subject   string           `json:"subject"`
	Severity  int              `json:"severity"`
	Summary   string           `json:"summary"`
	Alerts    []string         `json:"alerts"`
	Findings  []models.Finding `json:"findings"`
	Sources   []models.Source  `json:"sources"`
	CreatedAt time.Time        `json:"created_at"`
}

func newTaskView(t *models.Task, now time.Time) TaskView {
	view := TaskView{
		TaskID:       t.ID,
		Kind:         t.Kind,
		Subject:      t.Subject,
		Status:       t.Status,
		Progress:     t.Progress,
		ErrorMessage: t.ErrorMessage,
		RetryCount:   t.RetryCount,
		ResultID:     t.ResultID,
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
	}
	if d := t.Duration(now); d != nil {
		secs := d.Seconds()
		view.DurationSeconds = &secs
	}
	return view
}

func newResultView(r *models.Result) ResultView {
	return ResultView{
		ID:        r.ID,
		Subject:   r.Subject,
		Severity:  r.Severity,
		Summary:   r.Summary,
		Alerts:    lo.Ternary(r.Alerts == nil, []string{}, []string(r.Alerts)),
		Findings:  lo.Ternary(r.Findings == nil, []models.Finding{}, []models.Finding(r.Findings)),
		Sources:   lo.Ternary(r.Sources == nil, []models.Source{}, []models.Source(r.Sources)),
		CreatedAt: r.CreatedAt,
	}
}
