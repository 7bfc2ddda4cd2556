package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // job timezones must resolve on hosts without zoneinfo

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"gorm.io/gorm"

	"riskwatch/internal/errs"
	"riskwatch/internal/models"
)

// DefaultJobName is the scheduled job created from configuration at startup
const DefaultJobName = "daily-risk-research"

// ResultChecker answers whether a subject already has a recent result
type ResultChecker interface {
	HasResultSince(ctx context.Context, subject string, since time.Time) (bool, error)
}

// Submitter creates research tasks
type Submitter interface {
	Submit(ctx context.Context, subject string, kind models.Kind) (string, error)
}

// Options configures the scheduler
type Options struct {
	Subjects        []string      // used when a pass names no subjects
	FreshnessWindow time.Duration // results newer than this suppress a scheduled run
}

// Service decides which subjects need a fresh run and fires scheduled passes
type Service struct {
	db        *gorm.DB
	ctx       context.Context
	cron      *cron.Cron
	jobs      map[string]cron.EntryID // jobID -> cron entry ID
	jobsMu    sync.RWMutex
	results   ResultChecker
	submitter Submitter
	opts      Options
	now       func() time.Time
}

// NewService creates a new scheduler service
func NewService(db *gorm.DB, ctx context.Context, results ResultChecker, submitter Submitter, opts Options) *Service {
	if opts.FreshnessWindow <= 0 {
		opts.FreshnessWindow = 7 * 24 * time.Hour
	}

	// Create cron scheduler with seconds support
	c := cron.New(cron.WithSeconds())

	return &Service{
		db:        db,
		ctx:       ctx,
		cron:      c,
		jobs:      make(map[string]cron.EntryID),
		results:   results,
		submitter: submitter,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start starts the cron scheduler and loads enabled jobs from database
func (s *Service) Start() error {
	log.Println("Starting scheduler...")

	s.cron.Start()
	log.Println("Cron scheduler started")

	var jobs []models.ScheduledJob
	if err := s.db.Where("enabled = ?", true).Find(&jobs).Error; err != nil {
		return fmt.Errorf("failed to load scheduled jobs: %w", err)
	}

	for i := range jobs {
		job := &jobs[i]
		if err := s.scheduleJob(job); err != nil {
			log.Printf("WARNING: Failed to schedule job %s (%s): %v", job.Name, job.ID, err)
		} else {
			log.Printf("Scheduled job: %s (%s) with cron: %s %s", job.Name, job.ID, job.Cron, job.Timezone)
		}
	}

	log.Printf("Scheduler started with %d enabled jobs", len(jobs))
	return nil
}

// Stop gracefully stops the scheduler, waiting for running passes
func (s *Service) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
		log.Println("Scheduler stopped")
	}
}

// ShouldEnqueue reports whether subject needs a new run: true when forced or
// when no result was created within window
func (s *Service) ShouldEnqueue(ctx context.Context, subject string, window time.Duration, force bool) (bool, error) {
	if force {
		return true, nil
	}
	if window <= 0 {
		window = s.opts.FreshnessWindow
	}
	fresh, err := s.results.HasResultSince(ctx, subject, s.now().Add(-window))
	if err != nil {
		return false, fmt.Errorf("failed to check recent results for %s: %w", subject, err)
	}
	return !fresh, nil
}

// RunScheduledPass submits a SCHEDULED task for every subject without a fresh
// result. An empty subject list means the configured defaults.
func (s *Service) RunScheduledPass(ctx context.Context, subjects []string, force bool) (*PassResult, error) {
	if len(subjects) == 0 {
		subjects = s.opts.Subjects
	}
	subjects = lo.Uniq(lo.Compact(lo.Map(subjects, func(v string, _ int) string {
		return strings.TrimSpace(v)
	})))

	result := &PassResult{
		Enqueued:        []string{},
		SubjectsChecked: []string{},
		Skipped:         []string{},
	}
	var failures []error
	for _, subject := range subjects {
		result.SubjectsChecked = append(result.SubjectsChecked, subject)

		ok, err := s.ShouldEnqueue(ctx, subject, s.opts.FreshnessWindow, force)
		if err != nil {
			log.Printf("ERROR: %v", err)
			failures = append(failures, err)
			continue
		}
		if !ok {
			log.Printf("Skipping %s: recent report exists", subject)
			result.Skipped = append(result.Skipped, subject)
			continue
		}

		taskID, err := s.submitter.Submit(ctx, subject, models.KindScheduled)
		if err != nil {
			log.Printf("ERROR: Failed to submit scheduled research for %s: %v", subject, err)
			failures = append(failures, err)
			continue
		}
		result.Enqueued = append(result.Enqueued, taskID)
	}

	log.Printf("Scheduled pass: checked %d subjects, enqueued %d", len(result.SubjectsChecked), len(result.Enqueued))
	if len(failures) == len(subjects) && len(failures) > 0 {
		return result, errors.Join(failures...)
	}
	return result, nil
}

// ListJobs retrieves all scheduled jobs
func (s *Service) ListJobs() ([]JobListResponse, error) {
	var jobs []models.ScheduledJob
	if err := s.db.Order("created_at DESC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return lo.Map(jobs, func(job models.ScheduledJob, _ int) JobListResponse {
		return s.toJobListResponse(&job)
	}), nil
}

// UpsertJob creates or updates a scheduled job by name
func (s *Service) UpsertJob(req UpsertJobRequest) (string, error) {
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Cron) == "" {
		return "", errs.Ef(errs.Invalid, "upsert job", "name and cron are required")
	}

	// Normalize and validate cron expression (convert 5-field to 6-field)
	normalizedCron, err := normalizeCron(req.Cron)
	if err != nil {
		return "", errs.E(errs.Invalid, "upsert job", err)
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(req.Timezone); err != nil {
		return "", errs.Ef(errs.Invalid, "upsert job", "unknown timezone %q", req.Timezone)
	}

	// Find or create job
	var job models.ScheduledJob
	result := s.db.Where("name = ?", req.Name).First(&job)
	creating := errors.Is(result.Error, gorm.ErrRecordNotFound)
	if result.Error != nil && !creating {
		return "", fmt.Errorf("failed to query job: %w", result.Error)
	}
	if creating {
		job = models.ScheduledJob{Name: req.Name}
	}

	job.Cron = normalizedCron
	job.Timezone = req.Timezone
	job.Subjects = lo.Compact(req.Subjects)
	job.ForceUpdate = req.ForceUpdate
	job.Enabled = req.Enabled

	next, err := nextRun(job.Cron, job.Timezone, s.now())
	if err != nil {
		return "", fmt.Errorf("failed to parse cron for next run: %w", err)
	}
	job.NextRunAt = &next

	if creating {
		if err := s.db.Create(&job).Error; err != nil {
			return "", fmt.Errorf("failed to create job: %w", err)
		}
	} else {
		if err := s.db.Save(&job).Error; err != nil {
			return "", fmt.Errorf("failed to update job: %w", err)
		}
	}

	if err := s.rescheduleJob(job.ID); err != nil {
		return "", fmt.Errorf("failed to reschedule job: %w", err)
	}

	return job.ID, nil
}

// DeleteJob removes a scheduled job
func (s *Service) DeleteJob(jobID string) error {
	s.unscheduleJob(jobID)

	res := s.db.Delete(&models.ScheduledJob{}, "id = ?", jobID)
	if res.Error != nil {
		return fmt.Errorf("failed to delete job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.Ef(errs.NotFound, "delete job", "scheduled job %s not found", jobID)
	}

	return nil
}

// Every runs fn on a fixed interval alongside the scheduled jobs. The
// interval must be at least a second.
func (s *Service) Every(interval time.Duration, name string, fn func(ctx context.Context)) error {
	if interval < time.Second {
		return errs.Ef(errs.Invalid, "schedule task", "%s: interval %v is below one second", name, interval)
	}
	if _, err := s.cron.AddFunc("@every "+interval.String(), func() { fn(s.ctx) }); err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	log.Printf("Scheduled %s every %v", name, interval)
	return nil
}

// scheduleJob adds a job to the cron scheduler
func (s *Service) scheduleJob(job *models.ScheduledJob) error {
	s.unscheduleJob(job.ID)
	if !job.Enabled {
		return nil
	}

	jobID := job.ID
	entryID, err := s.cron.AddFunc(withTimezone(job.Cron, job.Timezone), func() {
		s.executeJob(jobID)
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.jobsMu.Lock()
	s.jobs[jobID] = entryID
	s.jobsMu.Unlock()

	return nil
}

func (s *Service) unscheduleJob(jobID string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if entryID, exists := s.jobs[jobID]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, jobID)
	}
}

// rescheduleJob reloads a job from database and reschedules it
func (s *Service) rescheduleJob(jobID string) error {
	var job models.ScheduledJob
	if err := s.db.First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.unscheduleJob(jobID)
			return nil
		}
		return fmt.Errorf("failed to load job: %w", err)
	}

	return s.scheduleJob(&job)
}

// executeJob runs a scheduled pass for the job's subjects
func (s *Service) executeJob(jobID string) {
	log.Printf("Executing scheduled job: %s", jobID)

	var job models.ScheduledJob
	if err := s.db.First(&job, "id = ?", jobID).Error; err != nil {
		log.Printf("ERROR: Failed to load job %s: %v", jobID, err)
		return
	}

	now := s.now()
	job.LastRunAt = &now
	if next, err := nextRun(job.Cron, job.Timezone, now); err != nil {
		log.Printf("WARNING: Failed to parse cron for next run: %v", err)
	} else {
		job.NextRunAt = &next
	}
	if err := s.db.Save(&job).Error; err != nil {
		log.Printf("WARNING: Failed to update job run times: %v", err)
	}

	result, err := s.RunScheduledPass(s.ctx, job.Subjects, job.ForceUpdate)
	if err != nil {
		log.Printf("ERROR: Scheduled job %s failed: %v", job.Name, err)
		return
	}

	log.Printf("Completed scheduled job: %s (%d enqueued)", job.Name, len(result.Enqueued))
}

// withTimezone prefixes the expression so cron evaluates it in tz
func withTimezone(expr, tz string) string {
	if tz == "" {
		return expr
	}
	return "CRON_TZ=" + tz + " " + expr
}

func nextRun(expr, tz string, from time.Time) (time.Time, error) {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(withTimezone(expr, tz))
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(from).UTC(), nil
}

// normalizeCron accepts 5-field (standard) or 6-field (with seconds) expressions
// and returns the 6-field form the scheduler runs with
func normalizeCron(cronExpr string) (string, error) {
	cronExpr = strings.TrimSpace(cronExpr)

	fields := strings.Fields(cronExpr)
	if len(fields) == 6 {
		parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(cronExpr); err == nil {
			return cronExpr, nil
		}
	}

	if len(fields) == 5 {
		if _, err := cron.ParseStandard(cronExpr); err != nil {
			return "", fmt.Errorf("invalid 5-field cron expression: %w", err)
		}
		// Prepend seconds (0 = run at 0 seconds of the minute)
		return "0 " + cronExpr, nil
	}

	return "", fmt.Errorf("invalid cron expression: expected 5 or 6 fields, got %d", len(fields))
}

func (s *Service) toJobListResponse(job *models.ScheduledJob) JobListResponse {
	resp := JobListResponse{
		ID:          job.ID,
		Name:        job.Name,
		Cron:        job.Cron,
		Timezone:    job.Timezone,
		Subjects:    lo.Ternary(job.Subjects == nil, []string{}, []string(job.Subjects)),
		ForceUpdate: job.ForceUpdate,
		Enabled:     job.Enabled,
		CreatedAt:   job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   job.UpdatedAt.Format(time.RFC3339),
	}

	if job.LastRunAt != nil {
		lastRun := job.LastRunAt.Format(time.RFC3339)
		resp.LastRunAt = &lastRun
	}

	if job.NextRunAt != nil {
		nextRun := job.NextRunAt.Format(time.RFC3339)
		resp.NextRun = &nextRun
	}

	return resp
}
