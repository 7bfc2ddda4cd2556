// Package research is the task orchestrator: it owns the task lifecycle,
// dispatches pipeline runs onto the execution backend and records progress,
// results and failures in the task store.
package research

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"riskwatch/internal/errs"
	"riskwatch/internal/models"
	"riskwatch/internal/pipeline"
	"riskwatch/internal/queue"
	"riskwatch/internal/store"
)

const (
	// DispatchProgress is the progress recorded when a worker claims a task
	DispatchProgress = 10
	// stageProgressSpan is shared between the stages, ending at DispatchProgress+span
	stageProgressSpan = 80

	defaultCancelReason = "Cancelled by user"
	defaultCacheSize    = 128
	defaultWriteRetries = 3
	defaultWriteBackoff = 200 * time.Millisecond
)

// Enqueuer hands jobs to the execution backend
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) error
}

// Options configures the orchestrator
type Options struct {
	MaxRetries int
	CacheSize  int
	// WriteRetries bounds in-place retries of the result write when the store
	// is briefly unavailable; attempt n waits WriteBackoff*n*n.
	WriteRetries int
	WriteBackoff time.Duration
}

// Service orchestrates research tasks
type Service struct {
	store        store.Store
	pipeline     *pipeline.Pipeline
	queue        Enqueuer
	maxRetries   int
	writeRetries int
	writeBackoff time.Duration
	results      *lruCache[*models.Result]
	now          func() time.Time

	// stranded holds tasks whose last enqueue or failure write did not land
	mu       sync.Mutex
	stranded map[string]struct{}
}

// NewService creates the orchestrator. A queue must be attached with UseQueue
// before tasks are submitted.
func NewService(st store.Store, p *pipeline.Pipeline, opts Options) *Service {
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.WriteRetries <= 0 {
		opts.WriteRetries = defaultWriteRetries
	}
	if opts.WriteBackoff <= 0 {
		opts.WriteBackoff = defaultWriteBackoff
	}
	return &Service{
		store:        st,
		pipeline:     p,
		maxRetries:   opts.MaxRetries,
		writeRetries: opts.WriteRetries,
		writeBackoff: opts.WriteBackoff,
		results:      newLRUCache[*models.Result](opts.CacheSize),
		now:          func() time.Time { return time.Now().UTC() },
		stranded:     make(map[string]struct{}),
	}
}

// UseQueue attaches the execution backend
func (s *Service) UseQueue(q Enqueuer) {
	s.queue = q
}

// Submit creates a PENDING task for subject and enqueues its execution
func (s *Service) Submit(ctx context.Context, subject string, kind models.Kind) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errs.Ef(errs.Invalid, "submit", "subject is required")
	}
	if !kind.Valid() {
		return "", errs.Ef(errs.Invalid, "submit", "unknown task type %q", kind)
	}

	task := &models.Task{
		Kind:      kind,
		Subject:   subject,
		Status:    models.StatusPending,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return "", fmt.Errorf("failed to create task record: %w", err)
	}
	s.logTask(task, fmt.Sprintf("Submitted %s research for %s", strings.ToLower(string(kind)), subject))

	s.enqueue(ctx, task)
	return task.ID, nil
}

// enqueue hands the task to the backend. A task that cannot be enqueued is
// remembered and handed over again by RequeueStranded.
func (s *Service) enqueue(ctx context.Context, task *models.Task) bool {
	if s.queue == nil {
		log.Printf("[%s] WARNING: no execution backend attached, task left pending", task.ID)
		s.strand(task.ID)
		return false
	}
	if err := s.queue.Enqueue(ctx, queue.Job{TaskID: task.ID, Subject: task.Subject}); err != nil {
		log.Printf("[%s] WARNING: failed to enqueue task: %v", task.ID, err)
		s.strand(task.ID)
		return false
	}
	return true
}

func (s *Service) strand(taskID string) {
	s.mu.Lock()
	s.stranded[taskID] = struct{}{}
	s.mu.Unlock()
}

func (s *Service) unstrand(taskID string) {
	s.mu.Lock()
	delete(s.stranded, taskID)
	s.mu.Unlock()
}

// Stranded returns the ids of tasks waiting to be handed to the backend again
func (s *Service) Stranded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Keys(s.stranded)
}

// RequeueStranded re-enqueues tasks whose enqueue failed earlier. Tasks that
// have since finished or disappeared are forgotten. It returns how many were
// handed to the backend.
func (s *Service) RequeueStranded(ctx context.Context) (int, error) {
	var requeued int
	for _, id := range s.Stranded() {
		task, err := s.store.GetTask(ctx, id)
		if errs.Is(err, errs.NotFound) {
			s.unstrand(id)
			continue
		}
		if err != nil {
			return requeued, fmt.Errorf("failed to load stranded task: %w", err)
		}
		if task.Status.IsTerminal() {
			s.unstrand(id)
			continue
		}
		s.unstrand(id)
		if s.enqueue(ctx, task) {
			requeued++
		}
	}
	if requeued > 0 {
		log.Printf("Requeued %d stranded tasks", requeued)
	}
	return requeued, nil
}

// Dispatch claims the task for execution. It reports false when the task is
// missing or already terminal, in which case the delivery is dropped.
func (s *Service) Dispatch(ctx context.Context, taskID string) (*models.Task, bool, error) {
	task, err := s.store.UpdateTask(ctx, taskID, func(t *models.Task) error {
		return t.Start(s.now(), DispatchProgress)
	})
	switch {
	case errs.Is(err, errs.NotFound):
		log.Printf("[%s] Task record missing at dispatch, treating as cancelled", taskID)
		return nil, false, nil
	case errs.Is(err, errs.TerminalState):
		log.Printf("[%s] Task already finished, dropping duplicate delivery", taskID)
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	s.logTask(task, "Worker claimed task")
	return task, true, nil
}

// AdvanceProgress raises the task's progress. Lower values and updates to a
// finished task are ignored.
func (s *Service) AdvanceProgress(ctx context.Context, taskID string, value int) error {
	task, err := s.store.UpdateTask(ctx, taskID, func(t *models.Task) error {
		changed, err := t.Advance(value)
		if errs.Is(err, errs.TerminalState) {
			return store.ErrUnchanged
		}
		if err != nil {
			return err
		}
		if !changed {
			return store.ErrUnchanged
		}
		return nil
	})
	if err != nil {
		return err
	}
	if task.Progress == value {
		s.logTask(task, "Progress updated")
	}
	return nil
}

// Complete stores the result of a successful run and marks the task
// COMPLETED in the same transaction. Completing a finished task is a no-op.
func (s *Service) Complete(ctx context.Context, taskID string, final pipeline.Context) error {
	if final.Severity < 1 || final.Severity > 10 {
		return errs.Ef(errs.Invalid, "complete", "severity %d out of range [1,10]", final.Severity)
	}

	result := &models.Result{
		Subject:   final.Subject,
		Severity:  final.Severity,
		Summary:   final.Summary,
		Alerts:    lo.Uniq(final.Alerts),
		Findings:  final.Findings,
		Sources:   final.Sources,
		CreatedAt: s.now(),
	}
	task, err := s.store.CompleteTask(ctx, taskID, result, func(t *models.Task, resultID string) error {
		return t.Complete(s.now(), resultID)
	})
	if errs.Is(err, errs.TerminalState) {
		log.Printf("[%s] Task already finished, result discarded", taskID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	s.results.Put(result.ID, result)
	s.logTask(task, fmt.Sprintf("Research completed (severity %d)", result.Severity))
	return nil
}

// completeWithRetry retries Complete in place while the store is unavailable
func (s *Service) completeWithRetry(ctx context.Context, taskID string, final pipeline.Context) error {
	var err error
	for attempt := 1; attempt <= s.writeRetries; attempt++ {
		err = s.Complete(ctx, taskID, final)
		if err == nil || !errs.Is(err, errs.Unavailable) {
			return err
		}
		if attempt < s.writeRetries {
			delay := s.writeBackoff * time.Duration(attempt*attempt)
			log.Printf("[%s] WARNING: result write attempt %d/%d failed, retrying in %v: %v", taskID, attempt, s.writeRetries, delay, err)
			time.Sleep(delay)
		}
	}
	return err
}

// Abandon fails a task whose redeliveries the backend has given up on. It is
// the backend's exhaustion hook; a task it cannot fail is requeued later.
func (s *Service) Abandon(ctx context.Context, job queue.Job, cause error) {
	if cause == nil {
		cause = errors.New("retries exhausted")
	}
	var rerr *queue.RetryError
	if errors.As(cause, &rerr) {
		cause = rerr.Err
	}
	if _, err := s.Fail(context.WithoutCancel(ctx), job.TaskID, cause, false); err != nil {
		log.Printf("[%s] ERROR: failed to abandon task after %d attempts: %v", job.TaskID, job.Attempt, err)
		s.strand(job.TaskID)
	}
}

// Fail records a failed attempt. A retryable failure with budget left keeps
// the task PROCESSING, counts the retry and reports true so the backend
// redelivers; otherwise the task becomes FAILED with cause kept verbatim.
// Failing a finished task is a no-op.
func (s *Service) Fail(ctx context.Context, taskID string, cause error, retryable bool) (bool, error) {
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}

	var retry bool
	task, err := s.store.UpdateTask(ctx, taskID, func(t *models.Task) error {
		retry = false
		if t.Status.IsTerminal() {
			return store.ErrUnchanged
		}
		if retryable && t.RetryCount < s.maxRetries {
			retry = true
			return t.RecordRetry()
		}
		return t.Fail(s.now(), message)
	})
	if errs.Is(err, errs.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record task failure: %w", err)
	}

	if retry {
		s.logTask(task, fmt.Sprintf("Attempt failed, retry %d/%d scheduled: %s", task.RetryCount, s.maxRetries, message))
	} else if task.Status == models.StatusFailed {
		s.logTask(task, "Research failed: "+message)
	}
	return retry, nil
}

// Cancel stops a task that has not finished. Cancelling a finished task
// returns a TerminalState error. A running worker notices at its next checkpoint.
func (s *Service) Cancel(ctx context.Context, taskID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = defaultCancelReason
	}
	task, err := s.store.UpdateTask(ctx, taskID, func(t *models.Task) error {
		return t.Cancel(s.now(), reason)
	})
	if err != nil {
		return err
	}
	s.logTask(task, "Research cancelled: "+reason)
	return nil
}

// IsTerminal reports whether the task has finished. A missing task counts as cancelled.
func (s *Service) IsTerminal(ctx context.Context, taskID string) (bool, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if errs.Is(err, errs.NotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return task.Status.IsTerminal(), nil
}

// GetStatus returns the latest known state of a task
func (s *Service) GetStatus(ctx context.Context, taskID string) (*TaskView, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	view := newTaskView(task, s.now())
	return &view, nil
}

// GetResult returns the report of a completed task
func (s *Service) GetResult(ctx context.Context, taskID string) (*ResultView, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.StatusCompleted || task.ResultID == nil {
		return nil, errs.Ef(errs.NotReady, "get result", "task %s is %s, report not available", taskID, task.Status)
	}

	result, ok := s.results.Get(*task.ResultID)
	if !ok {
		result, err = s.store.GetResult(ctx, *task.ResultID)
		if err != nil {
			return nil, err
		}
		s.results.Put(result.ID, result)
	}
	view := newResultView(result)
	return &view, nil
}

// ListTasks returns tasks newest first, optionally filtered by status
func (s *Service) ListTasks(ctx context.Context, statuses []models.Status, limit int) ([]TaskView, error) {
	for _, st := range statuses {
		if !st.Valid() {
			return nil, errs.Ef(errs.Invalid, "list tasks", "unknown status %q", st)
		}
	}
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{Statuses: statuses, Limit: limit})
	if err != nil {
		return nil, err
	}
	now := s.now()
	return lo.Map(tasks, func(t models.Task, _ int) TaskView { return newTaskView(&t, now) }), nil
}

// ListResults returns reports newest first, optionally for one subject
func (s *Service) ListResults(ctx context.Context, subject string, limit int) ([]ResultView, error) {
	results, err := s.store.ListResults(ctx, store.ResultFilter{Subject: strings.TrimSpace(subject), Limit: limit})
	if err != nil {
		return nil, err
	}
	return lo.Map(results, func(r models.Result, _ int) ResultView { return newResultView(&r) }), nil
}

// Retry submits a fresh RETRY task for the subject of a failed or cancelled task
func (s *Service) Retry(ctx context.Context, taskID string) (string, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task.Status != models.StatusFailed && task.Status != models.StatusCancelled {
		return "", errs.Ef(errs.Invalid, "retry", "task %s is %s, only failed or cancelled tasks can be retried", taskID, task.Status)
	}
	return s.Submit(ctx, task.Subject, models.KindRetry)
}

// Recover re-enqueues every task left PENDING or PROCESSING, e.g. by a restart
func (s *Service) Recover(ctx context.Context) (int, error) {
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{
		Statuses: []models.Status{models.StatusPending, models.StatusProcessing},
		Limit:    store.MaxListLimit,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load unfinished tasks: %w", err)
	}
	for i := range tasks {
		s.enqueue(ctx, &tasks[i])
	}
	if len(tasks) > 0 {
		log.Printf("Recovered %d unfinished tasks", len(tasks))
	}
	return len(tasks), nil
}

// Execute runs one delivery of a task. It is the execution backend's handler.
func (s *Service) Execute(ctx context.Context, job queue.Job) (err error) {
	// Terminal writes must land even when the attempt's deadline has passed
	writeCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[%s] Research panic recovered: %v", job.TaskID, r)
			if _, ferr := s.Fail(writeCtx, job.TaskID, fmt.Errorf("panic during research: %v", r), false); ferr != nil {
				log.Printf("[%s] ERROR: %v", job.TaskID, ferr)
			}
			err = nil
		}
	}()

	task, claimed, err := s.Dispatch(ctx, job.TaskID)
	if err != nil {
		return queue.Retry(fmt.Errorf("failed to claim task: %w", err))
	}
	if !claimed {
		return nil
	}

	final, runErr := s.pipeline.Run(ctx, task.Subject, &taskObserver{svc: s, taskID: task.ID})
	if errors.Is(runErr, pipeline.ErrAborted) {
		log.Printf("[%s] Task finished elsewhere, run abandoned", task.ID)
		return nil
	}
	if runErr == nil {
		runErr = s.completeWithRetry(writeCtx, task.ID, final)
		if runErr == nil {
			return nil
		}
	}
	// Store outages are redelivered without spending the task's retry budget
	if errs.Is(runErr, errs.Unavailable) {
		log.Printf("[%s] WARNING: store unavailable, redelivering: %v", task.ID, runErr)
		return queue.Retry(runErr)
	}

	retry, ferr := s.Fail(writeCtx, task.ID, runErr, pipeline.IsRetryable(runErr))
	if ferr != nil {
		return queue.Retry(ferr)
	}
	if retry {
		return queue.Retry(runErr)
	}
	return nil
}

// stageProgress is the progress reached once stage index of total has finished
func stageProgress(index, total int) int {
	if total <= 0 {
		return DispatchProgress
	}
	return DispatchProgress + stageProgressSpan*(index+1)/total
}

// taskObserver ties pipeline checkpoints to the task record
type taskObserver struct {
	svc    *Service
	taskID string
}

func (o *taskObserver) BeforeStage(ctx context.Context, index, total int, stage string) error {
	terminal, err := o.svc.IsTerminal(ctx, o.taskID)
	if err != nil {
		return err
	}
	if terminal {
		return pipeline.ErrAborted
	}
	return nil
}

func (o *taskObserver) AfterStage(ctx context.Context, index, total int, stage string, duration time.Duration) error {
	if err := o.svc.AdvanceProgress(ctx, o.taskID, stageProgress(index, total)); err != nil {
		log.Printf("[%s] WARNING: failed to record progress after %s: %v", o.taskID, stage, err)
	}
	return nil
}

func (s *Service) logTask(task *models.Task, message string) {
	log.Printf("[%s] %s (%d%%): %s", task.ID, task.Status, task.Progress, message)
}
