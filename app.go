package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"gorm.io/gorm"

	"riskwatch/internal/api"
	"riskwatch/internal/config"
	"riskwatch/internal/credentials"
	"riskwatch/internal/database"
	"riskwatch/internal/httpapi"
	"riskwatch/internal/pipeline"
	"riskwatch/internal/queue"
	"riskwatch/internal/research"
	researchsvc "riskwatch/internal/services/research"
	"riskwatch/internal/services/scheduler"
	"riskwatch/internal/store"
)

// App struct - main application state
type App struct {
	ctx              context.Context
	cfg              *config.Config
	db               *gorm.DB
	pool             *queue.Pool
	researchService  *researchsvc.Service
	schedulerService *scheduler.Service
	server           *http.Server
}

// NewApp creates a new App application struct
func NewApp(cfg *config.Config) *App {
	return &App{cfg: cfg}
}

// startup wires every component. The context bounds the worker pool and the
// scheduled passes.
func (a *App) startup(ctx context.Context) error {
	a.ctx = ctx
	log.Println("Application starting up...")

	db, err := database.Open(a.cfg.Database.URL, database.Options{
		MaxOpenConns:    a.cfg.Database.MaxOpenConns,
		MaxIdleConns:    a.cfg.Database.MaxIdleConns,
		ConnMaxLifetime: a.cfg.Database.ConnMaxLifetime.Duration(),
		LogLevel:        a.cfg.Database.LogLevel,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.db = db

	p, err := a.buildPipeline()
	if err != nil {
		return err
	}
	log.Printf("Pipeline configured: %v", p.StageNames())

	st := store.NewGormStore(db)
	a.researchService = researchsvc.NewService(st, p, researchsvc.Options{
		MaxRetries: a.cfg.Worker.MaxRetries,
	})

	a.pool = queue.New(queue.Options{
		Concurrency: a.cfg.Worker.Concurrency,
		Size:        a.cfg.Worker.QueueSize,
		MaxRetries:  a.cfg.Worker.MaxRetries,
		Backoff:     a.cfg.Worker.Backoff.Duration(),
		Timeout:     a.cfg.Worker.Timeout.Duration(),
		OnExhausted: a.researchService.Abandon,
	}, a.researchService.Execute)
	a.researchService.UseQueue(a.pool)
	a.pool.Start(ctx)
	log.Printf("Worker pool started with %d workers", a.cfg.Worker.Concurrency)

	if _, err := a.researchService.Recover(ctx); err != nil {
		log.Printf("WARNING: Failed to recover unfinished tasks: %v", err)
	}

	a.schedulerService = scheduler.NewService(db, ctx, st, a.researchService, scheduler.Options{
		Subjects:        a.cfg.Scheduler.Subjects,
		FreshnessWindow: a.cfg.Scheduler.FreshnessWindow.Duration(),
	})
	if _, err := a.schedulerService.UpsertJob(scheduler.UpsertJobRequest{
		Name:        scheduler.DefaultJobName,
		Cron:        a.cfg.Scheduler.Cron,
		Timezone:    a.cfg.Scheduler.Timezone,
		ForceUpdate: a.cfg.Scheduler.ForceUpdate,
		Enabled:     !a.cfg.Scheduler.Disabled,
	}); err != nil {
		log.Printf("WARNING: Failed to configure default scheduled job: %v", err)
	}
	if err := a.schedulerService.Every(a.cfg.Worker.RequeueInterval.Duration(), "stranded task requeue", func(ctx context.Context) {
		if _, err := a.researchService.RequeueStranded(ctx); err != nil {
			log.Printf("WARNING: Failed to requeue stranded tasks: %v", err)
		}
	}); err != nil {
		log.Printf("WARNING: %v", err)
	}
	if err := a.schedulerService.Start(); err != nil {
		log.Printf("WARNING: Failed to start scheduler: %v", err)
	} else {
		log.Println("Scheduler service initialized and started")
	}

	a.server = &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           httpapi.NewServer(a.researchService, a.schedulerService).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Println("Startup complete")
	return nil
}

// buildPipeline assembles the researcher and analyst stages against their providers
func (a *App) buildPipeline() (*pipeline.Pipeline, error) {
	search := a.cfg.Providers.Search
	llm := a.cfg.Providers.LLM

	for _, name := range []string{search.APIKeyEnv, llm.APIKeyEnv} {
		if _, err := credentials.APIKey(name); err != nil {
			log.Printf("WARNING: %v; research tasks will fail until it is provided", err)
		}
	}

	stages := research.Stages(
		api.NewClient(search.BaseURL, api.Options{Timeout: search.Timeout.Duration(), RetryCount: 1}),
		research.SearchOptions{
			APIKey:     func() (string, error) { return credentials.APIKey(search.APIKeyEnv) },
			MaxResults: search.MaxResults,
		},
		api.NewClient(llm.BaseURL, api.Options{Timeout: llm.Timeout.Duration(), RetryCount: 1}),
		research.AnalystOptions{
			APIKey: func() (string, error) { return credentials.APIKey(llm.APIKeyEnv) },
			Model:  llm.Model,
		},
	)

	p, err := pipeline.New(stages, pipeline.WithFinisher(
		pipeline.Synthesize(a.cfg.Pipeline.UrgencyThreshold, a.cfg.Pipeline.UrgencyMarker),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build pipeline: %w", err)
	}
	return p, nil
}

// serve blocks until the HTTP server stops
func (a *App) serve() error {
	log.Printf("HTTP server listening on %s", a.server.Addr)
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// shutdown is called when the app is closing
func (a *App) shutdown(ctx context.Context) {
	log.Println("Application shutting down...")

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down HTTP server: %v", err)
		}
	}

	// Stop scheduler before the pool so no pass enqueues into a stopped queue
	if a.schedulerService != nil {
		a.schedulerService.Stop()
	}

	if a.pool != nil {
		a.pool.Stop()
	}

	if err := database.Close(a.db); err != nil {
		log.Printf("Error closing database: %v", err)
	}

	log.Println("Shutdown complete")
}
