// Package ticker implements the schedule ticker (§4.5): a periodic
// activity that claims due schedules, enqueues report jobs shaped like
// an intake submission, and advances each schedule's next-run
// timestamp. It is grounded on the teacher's publisher/main.go outbox
// ticker (a time.NewTicker loop polling for due work) combined with
// robfig/cron/v3 for computing each schedule's next fire time in its
// own timezone.
package ticker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/lorenzovborges/reportsys/internal/cronspec"
	"github.com/lorenzovborges/reportsys/internal/model"
	"github.com/lorenzovborges/reportsys/internal/observability"
	"github.com/lorenzovborges/reportsys/internal/queue"
	"github.com/lorenzovborges/reportsys/internal/store"
)

// Config configures a Ticker's cadence and the retention window applied
// to jobs it creates.
type Config struct {
	PollInterval  time.Duration
	RetentionDays int
}

// Ticker drives §4.5's claim/advance/enqueue loop on a fixed cadence. A
// single instance runs inside the worker process; Start/Stop follow the
// teacher's context.WithCancel + sync.WaitGroup shutdown shape.
type Ticker struct {
	cfg       Config
	schedules store.ScheduleStore
	jobs      store.JobStore
	queue     queue.Publisher
	logger    *slog.Logger

	ticking atomic.Bool // re-entrancy guard: skip a tick if the prior one is still running

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Ticker. logger defaults to slog.Default() when nil.
func New(cfg Config, schedules store.ScheduleStore, jobs store.JobStore, q queue.Publisher, logger *slog.Logger) *Ticker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ticker{cfg: cfg, schedules: schedules, jobs: jobs, queue: q, logger: logger}
}

// Start fires one tick immediately, then arms the timer at PollInterval.
// It returns immediately; the loop runs on a background goroutine.
func (t *Ticker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.tick(runCtx)

		timer := time.NewTicker(t.cfg.PollInterval)
		defer timer.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-timer.C:
				t.tick(runCtx)
			}
		}
	}()
}

// Stop cancels the timer. An in-flight tick runs to completion before
// Stop returns.
func (t *Ticker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

// tick is one activation of the loop in §4.5. It guards against
// overlapping activations with a re-entrancy flag rather than a mutex,
// since only one goroutine ever calls tick.
func (t *Ticker) tick(ctx context.Context) {
	if !t.ticking.CompareAndSwap(false, true) {
		t.logger.Warn("schedule ticker: prior tick still running, skipping")
		return
	}
	defer t.ticking.Store(false)

	for {
		if ctx.Err() != nil {
			return
		}
		claimed, err := t.claimAndAdvanceOne(ctx)
		if err != nil {
			t.logger.Error("schedule ticker: tick failed", "error", err)
			return
		}
		if !claimed {
			return
		}
	}
}

// claimAndAdvanceOne performs steps 2-6 of §4.5 for a single schedule.
// It returns claimed=false once there is nothing due.
func (t *Ticker) claimAndAdvanceOne(ctx context.Context) (bool, error) {
	now := time.Now().UTC()

	sched, err := t.schedules.ClaimDueSchedule(ctx, now)
	if err != nil {
		return false, err
	}
	if sched == nil {
		return false, nil
	}

	l := t.logger.With("scheduleId", sched.ID.Hex(), "tenantId", sched.TenantID)

	next, err := cronspec.NextFireTime(sched.Cron, sched.Timezone, now)
	if err != nil {
		l.Error("schedule ticker: invalid cron expression, disabling schedule", "cron", sched.Cron, "error", err)
		if disableErr := t.schedules.DisableSchedule(ctx, sched.ID); disableErr != nil {
			l.Error("schedule ticker: failed to disable schedule after cron parse failure", "error", disableErr)
		}
		return true, nil
	}

	matched, err := t.schedules.AdvanceSchedule(ctx, sched.ID, sched.NextRunAt, now, next)
	if err != nil {
		return false, err
	}
	if !matched {
		l.Info("schedule ticker: schedule already advanced by another process")
		return true, nil
	}

	if err := t.enqueueJob(ctx, sched, now); err != nil {
		l.Error("schedule ticker: failed to enqueue job for schedule", "error", err)
		return true, nil
	}

	observability.ScheduleTicksClaimed.Inc()
	l.Info("schedule ticker: claimed and enqueued", "nextRunAt", next)
	return true, nil
}

// enqueueJob inserts a queued ReportJob shaped by the schedule (step 5)
// and publishes the corresponding queue message (step 6).
func (t *Ticker) enqueueJob(ctx context.Context, sched *model.Schedule, now time.Time) error {
	job := &model.ReportJob{
		ID:               primitive.NewObjectID(),
		TenantID:         sched.TenantID,
		Status:           model.JobQueued,
		Progress:         0,
		ReportDefID:      sched.ReportDefID,
		Format:           sched.Format,
		Filters:          sched.Filters,
		Compression:      sched.Compression,
		IncludeFormats:   sched.IncludeFormats,
		ReduceSpec:       sched.ReduceSpec,
		PartitionSpec:    sched.PartitionSpec,
		SourceCollection: sched.SourceCollection,
		CreatedAt:        now,
		ExpireAt:         now.Add(time.Duration(t.cfg.RetentionDays) * 24 * time.Hour),
	}

	if err := t.jobs.CreateJob(ctx, job); err != nil {
		return err
	}

	msg := model.QueueMessage{ReportJobID: job.ID.Hex(), TenantID: job.TenantID}
	if err := t.queue.Publish(ctx, msg); err != nil {
		return err
	}
	return nil
}
