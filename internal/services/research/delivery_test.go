package research

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"riskwatch/internal/database"
	"riskwatch/internal/errs"
	"riskwatch/internal/models"
	"riskwatch/internal/pipeline"
	"riskwatch/internal/queue"
	"riskwatch/internal/store"
)

var errLocked = errors.New("database is locked")

// flakyStore fails selected calls with the error a busy sqlite file returns
type flakyStore struct {
	store.Store

	mu               sync.Mutex
	getFailures      int
	completeFailures int
	updateCalls      int
	failUpdates      map[int]bool // 1-based UpdateTask call numbers
}

func (f *flakyStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	f.mu.Lock()
	fail := f.getFailures > 0
	if fail {
		f.getFailures--
	}
	f.mu.Unlock()
	if fail {
		return nil, errs.E(errs.Unavailable, "get task", errLocked)
	}
	return f.Store.GetTask(ctx, id)
}

func (f *flakyStore) UpdateTask(ctx context.Context, id string, mutate func(*models.Task) error) (*models.Task, error) {
	f.mu.Lock()
	f.updateCalls++
	fail := f.failUpdates[f.updateCalls]
	f.mu.Unlock()
	if fail {
		return nil, errs.E(errs.Unavailable, "save task", errLocked)
	}
	return f.Store.UpdateTask(ctx, id, mutate)
}

func (f *flakyStore) CompleteTask(ctx context.Context, id string, result *models.Result, mutate func(*models.Task, string) error) (*models.Task, error) {
	f.mu.Lock()
	fail := f.completeFailures > 0
	if fail {
		f.completeFailures--
	}
	f.mu.Unlock()
	if fail {
		return nil, errs.E(errs.Unavailable, "complete task", errLocked)
	}
	return f.Store.CompleteTask(ctx, id, result, mutate)
}

func newFlakyService(t *testing.T, stages ...pipeline.Stage) (*Service, *flakyStore, *fakeQueue, *gorm.DB) {
	t.Helper()
	db := setupTestDB(t)
	p, err := pipeline.New(stages, pipeline.WithFinisher(pipeline.Synthesize(8, "")))
	require.NoError(t, err)

	flaky := &flakyStore{Store: store.NewGormStore(db), failUpdates: map[int]bool{}}
	svc := NewService(flaky, p, Options{MaxRetries: 3, WriteBackoff: time.Millisecond})
	q := &fakeQueue{}
	svc.UseQueue(q)
	return svc, flaky, q, db
}

func TestExecuteStoreOutages(t *testing.T) {
	ctx := context.Background()

	t.Run("Should keep a finished run when the result write is briefly locked", func(t *testing.T) {
		svc, flaky, q, db := newFlakyService(t, gatherStage(nil), analyzeStage(6, nil))
		id, err := svc.Submit(ctx, "Automotive", models.KindManual)
		require.NoError(t, err)
		flaky.completeFailures = 2

		require.NoError(t, svc.Execute(ctx, q.Jobs()[0]))

		view, err := svc.GetStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, view.Status)
		assert.Equal(t, 0, view.RetryCount)
		assert.EqualValues(t, 1, countResults(t, db))
	})

	t.Run("Should redeliver without spending retries when the result write stays locked", func(t *testing.T) {
		svc, flaky, q, db := newFlakyService(t, gatherStage(nil), analyzeStage(6, nil))
		id, err := svc.Submit(ctx, "Automotive", models.KindManual)
		require.NoError(t, err)
		flaky.completeFailures = defaultWriteRetries + 1

		err = svc.Execute(ctx, q.Jobs()[0])
		assert.True(t, queue.ShouldRetry(err))
		assert.True(t, errs.Is(err, errs.Unavailable))

		view, err := svc.GetStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessing, view.Status)
		assert.Equal(t, 0, view.RetryCount)
		assert.Nil(t, view.ErrorMessage)
		assert.Zero(t, countResults(t, db))

		require.NoError(t, svc.Execute(ctx, queue.Job{TaskID: id, Attempt: 2}))
		view, err = svc.GetStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, view.Status)
		assert.EqualValues(t, 1, countResults(t, db))
	})

	t.Run("Should redeliver when a checkpoint cannot read the task", func(t *testing.T) {
		calls := 0
		svc, flaky, q, _ := newFlakyService(t,
			gatherStage(func(context.Context, pipeline.Context) { calls++ }),
			analyzeStage(6, nil),
		)
		id, err := svc.Submit(ctx, "Energy", models.KindManual)
		require.NoError(t, err)
		flaky.getFailures = 1

		err = svc.Execute(ctx, q.Jobs()[0])
		assert.True(t, queue.ShouldRetry(err))
		assert.Zero(t, calls)

		view, err := svc.GetStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessing, view.Status)
		assert.Equal(t, 0, view.RetryCount)

		require.NoError(t, svc.Execute(ctx, queue.Job{TaskID: id, Attempt: 2}))
		view, err = svc.GetStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, view.Status)
	})

	t.Run("Should ask for redelivery when the failure itself cannot be recorded", func(t *testing.T) {
		calls := 0
		svc, flaky, q, _ := newFlakyService(t,
			failingStage("researcher", errors.New("model refused"), &calls),
			analyzeStage(6, nil),
		)
		id, err := svc.Submit(ctx, "Energy", models.KindManual)
		require.NoError(t, err)
		// call 1 claims the task, call 2 records the failure
		flaky.failUpdates[2] = true

		err = svc.Execute(ctx, q.Jobs()[0])
		assert.True(t, queue.ShouldRetry(err))
		view, err := svc.GetStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessing, view.Status)

		require.NoError(t, svc.Execute(ctx, queue.Job{TaskID: id, Attempt: 2}))
		view, err = svc.GetStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, view.Status)
		require.NotNil(t, view.ErrorMessage)
		assert.Equal(t, "stage researcher failed: model refused", *view.ErrorMessage)
		assert.Equal(t, 2, calls)
	})
}

func TestAbandon(t *testing.T) {
	ctx := context.Background()

	t.Run("Should fail a task the backend gave up on with the last cause", func(t *testing.T) {
		svc, _, q, _ := newFlakyService(t, gatherStage(nil), analyzeStage(6, nil))
		id, err := svc.Submit(ctx, "Energy", models.KindManual)
		require.NoError(t, err)
		_, _, err = svc.Dispatch(ctx, id)
		require.NoError(t, err)

		job := q.Jobs()[0]
		job.Attempt = 4
		svc.Abandon(ctx, job, queue.Retry(errors.New("provider returned 503")))

		view, err := svc.GetStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, view.Status)
		require.NotNil(t, view.ErrorMessage)
		assert.Equal(t, "provider returned 503", *view.ErrorMessage)
		assert.Empty(t, svc.Stranded())
	})

	t.Run("Should remember a task it could not fail", func(t *testing.T) {
		svc, flaky, q, _ := newFlakyService(t, gatherStage(nil), analyzeStage(6, nil))
		id, err := svc.Submit(ctx, "Energy", models.KindManual)
		require.NoError(t, err)
		flaky.failUpdates[1] = true

		svc.Abandon(ctx, q.Jobs()[0], queue.Retry(errors.New("provider returned 503")))
		assert.Equal(t, []string{id}, svc.Stranded())

		n, err := svc.RequeueStranded(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Len(t, q.Jobs(), 2)
		assert.Empty(t, svc.Stranded())
	})
}

func TestRequeueStranded(t *testing.T) {
	ctx := context.Background()

	t.Run("Should hand tasks that missed the queue to it later", func(t *testing.T) {
		svc, q, _ := newTestService(t, gatherStage(nil), analyzeStage(5, nil))
		q.SetErr(errs.Ef(errs.Unavailable, "enqueue", "worker pool is stopped"))

		id, err := svc.Submit(ctx, "Automotive", models.KindManual)
		require.NoError(t, err)
		assert.Empty(t, q.Jobs())
		assert.Equal(t, []string{id}, svc.Stranded())

		n, err := svc.RequeueStranded(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, []string{id}, svc.Stranded())

		q.SetErr(nil)
		n, err = svc.RequeueStranded(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		require.Len(t, q.Jobs(), 1)
		assert.Equal(t, id, q.Jobs()[0].TaskID)
		assert.Empty(t, svc.Stranded())

		view, err := svc.GetStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, view.Status)
	})

	t.Run("Should forget stranded tasks that finished meanwhile", func(t *testing.T) {
		svc, q, _ := newTestService(t, gatherStage(nil), analyzeStage(5, nil))
		q.SetErr(errors.New("queue full"))

		id, err := svc.Submit(ctx, "Energy", models.KindManual)
		require.NoError(t, err)
		require.NoError(t, svc.Cancel(ctx, id, ""))
		q.SetErr(nil)

		n, err := svc.RequeueStranded(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Empty(t, q.Jobs())
		assert.Empty(t, svc.Stranded())
	})
}

// runWithPool wires svc to a real worker pool the way the application does
func runWithPool(t *testing.T, svc *Service, opts queue.Options) {
	t.Helper()
	opts.OnExhausted = svc.Abandon
	pool := queue.New(opts, svc.Execute)
	svc.UseQueue(pool)
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)
}

func TestExecuteWithWorkerPool(t *testing.T) {
	ctx := context.Background()

	t.Run("Should complete every task when workers share one sqlite file", func(t *testing.T) {
		db, err := database.Open("sqlite://"+filepath.Join(t.TempDir(), "tasks.db"), database.Options{
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		})
		require.NoError(t, err)
		t.Cleanup(func() { database.Close(db) })

		p, err := pipeline.New([]pipeline.Stage{gatherStage(nil), analyzeStage(6, nil)},
			pipeline.WithFinisher(pipeline.Synthesize(8, "")))
		require.NoError(t, err)
		svc := NewService(store.NewGormStore(db), p, Options{MaxRetries: 3, WriteBackoff: 5 * time.Millisecond})
		runWithPool(t, svc, queue.Options{Concurrency: 4, Size: 64, MaxRetries: 3, Backoff: 10 * time.Millisecond})

		const total = 60
		for i := 0; i < total; i++ {
			_, err := svc.Submit(ctx, fmt.Sprintf("Sector %d", i), models.KindManual)
			require.NoError(t, err)
		}

		require.Eventually(t, func() bool {
			done, err := svc.ListTasks(ctx, []models.Status{models.StatusCompleted}, store.MaxListLimit)
			return err == nil && len(done) == total
		}, 30*time.Second, 50*time.Millisecond)

		failed, err := svc.ListTasks(ctx, []models.Status{models.StatusFailed}, store.MaxListLimit)
		require.NoError(t, err)
		assert.Empty(t, failed)
		results, err := svc.ListResults(ctx, "", store.MaxListLimit)
		require.NoError(t, err)
		assert.Len(t, results, total)
	})

	t.Run("Should fail a task once the worker pool runs out of redeliveries", func(t *testing.T) {
		var mu sync.Mutex
		calls := 0
		stage := pipeline.Stage{
			Name:     "researcher",
			Requires: []pipeline.Field{pipeline.FieldSubject},
			Produces: []pipeline.Field{pipeline.FieldRawData, pipeline.FieldSources},
			Run: func(context.Context, pipeline.Context) (pipeline.Partial, error) {
				mu.Lock()
				calls++
				mu.Unlock()
				return pipeline.Partial{}, pipeline.RetryableErr(errors.New("provider returned 503"))
			},
		}
		svc, flaky, _, _ := newFlakyService(t, stage, analyzeStage(6, nil))
		// the first claim hits a locked database and costs a delivery but no retry
		flaky.failUpdates[1] = true
		runWithPool(t, svc, queue.Options{Concurrency: 1, Size: 4, MaxRetries: 3, Backoff: time.Millisecond})

		id, err := svc.Submit(ctx, "Healthcare", models.KindScheduled)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			view, err := svc.GetStatus(ctx, id)
			return err == nil && view.Status == models.StatusFailed
		}, 5*time.Second, 5*time.Millisecond)

		view, err := svc.GetStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 3, view.RetryCount)
		require.NotNil(t, view.ErrorMessage)
		assert.Equal(t, "stage researcher failed: provider returned 503", *view.ErrorMessage)
		mu.Lock()
		assert.Equal(t, 3, calls)
		mu.Unlock()
	})
}
