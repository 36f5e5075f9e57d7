package notifications

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// WorkerConfig contains delivery worker configuration.
type WorkerConfig struct {
	PollInterval         time.Duration
	DegradedPollInterval time.Duration
	MaxRetries           int
	NumWorkers           int
	StuckJobTimeout      time.Duration
	JanitorInterval      time.Duration
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval:         10 * time.Second,
		DegradedPollInterval: 30 * time.Second,
		MaxRetries:           5,
		NumWorkers:           1,
		StuckJobTimeout:      5 * time.Minute,
		JanitorInterval:      time.Minute,
	}
}

// Worker drains the delivery queue: claim, send, finalize. Any number of
// workers may run concurrently, in or across processes; the claim transaction
// guarantees no two of them ever hold the same job.
type Worker struct {
	config    WorkerConfig
	repo      Repository
	deliverer *Deliverer // nil when the push capability is not configured

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker creates a delivery worker. Pass a nil deliverer to run in
// degraded mode: jobs are finalized without any push being attempted.
func NewWorker(config WorkerConfig, repo Repository, deliverer *Deliverer) *Worker {
	return &Worker{
		config:    config,
		repo:      repo,
		deliverer: deliverer,
		stopCh:    make(chan struct{}),
	}
}

// Degraded reports whether the worker runs without a push capability.
func (w *Worker) Degraded() bool {
	return w.deliverer == nil
}

func (w *Worker) pollInterval() time.Duration {
	if w.Degraded() && w.config.DegradedPollInterval > 0 {
		return w.config.DegradedPollInterval
	}
	return w.config.PollInterval
}

// Start launches worker goroutines and the stuck-job janitor.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("starting delivery worker",
		"workers", w.config.NumWorkers,
		"poll_interval", w.pollInterval(),
		"max_retries", w.config.MaxRetries,
		"degraded", w.Degraded(),
	)

	for i := 0; i < w.config.NumWorkers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}

	w.wg.Add(1)
	go w.janitor(ctx)
}

// Stop gracefully stops the worker. A cycle in flight finishes its claimed
// job before the goroutine exits.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	slog.Info("delivery worker stopped")
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.processOne(ctx, workerID)
		}
	}
}

// processOne runs a single claim-send-finalize cycle. All store and transport
// faults are absorbed here: a failed cycle either leaves the queue untouched
// or leaves the job durably processing for the janitor to recover.
func (w *Worker) processOne(ctx context.Context, workerID int) {
	job, err := w.repo.ClaimNextJob(ctx)
	if err != nil {
		slog.Error("failed to claim job", "worker", workerID, "error", err)
		return
	}
	if job == nil {
		return
	}

	recordJobClaimed()
	start := time.Now()

	if w.Degraded() {
		// No push capability configured: finalize without claiming delivery.
		// The notification stays sent=false and remains visible in-app.
		if err := w.repo.MarkJobDone(ctx, job.ID); err != nil {
			slog.Error("failed to finalize job", "job_id", job.ID, "error", err)
			return
		}
		recordJobResult("done_degraded")
		slog.Info("job finalized without delivery",
			"job_id", job.ID,
			"notification_id", job.NotificationID,
		)
		return
	}

	targets, err := w.repo.ListDeliveryTargets(ctx, job.UserID)
	if err != nil {
		// Leave the job processing; the janitor requeues it once the lease
		// expires.
		slog.Error("failed to list delivery targets", "job_id", job.ID, "error", err)
		return
	}

	outcome := w.deliverer.Send(ctx, job, targets)
	w.finalize(ctx, job, outcome)
	recordDeliveryDuration(time.Since(start))
}

// finalize applies the retry/finalization policy to a processing job.
func (w *Worker) finalize(ctx context.Context, job *ClaimedJob, outcome Outcome) {
	switch outcome.Kind {
	case AllDelivered:
		if err := w.repo.MarkJobSent(ctx, job.ID, job.NotificationID); err != nil {
			slog.Error("failed to mark job sent", "job_id", job.ID, "error", err)
			return
		}
		recordJobResult("sent")
		slog.Info("notification delivered",
			"job_id", job.ID,
			"notification_id", job.NotificationID,
		)

	case NoTargets:
		// Retrying cannot help: the user has no registered devices.
		if err := w.repo.MarkJobFailed(ctx, job.ID, outcome.Reason()); err != nil {
			slog.Error("failed to mark job failed", "job_id", job.ID, "error", err)
			return
		}
		recordJobResult("no_targets")
		slog.Warn("job failed: no delivery targets", "job_id", job.ID, "user_id", job.UserID)

	case PartialFailure, TransportError:
		status, retries, err := w.repo.RetryOrFail(ctx, job.ID, outcome.Reason(), w.config.MaxRetries)
		if err != nil {
			slog.Error("failed to requeue job", "job_id", job.ID, "error", err)
			return
		}

		if status == JobStatusFailed {
			recordJobResult("failed")
			slog.Warn("job failed permanently",
				"job_id", job.ID,
				"retries", retries,
				"error", outcome.Reason(),
			)
			return
		}

		recordJobResult("retry")
		slog.Info("job returned for retry",
			"job_id", job.ID,
			"retries", retries,
			"error", outcome.Reason(),
		)
	}
}

// janitor periodically requeues jobs stuck in processing past the lease
// timeout and refreshes queue depth metrics.
func (w *Worker) janitor(ctx context.Context) {
	defer w.wg.Done()

	interval := w.config.JanitorInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			n, err := w.repo.RecoverStuckJobs(ctx, w.config.StuckJobTimeout)
			if err != nil {
				slog.Error("failed to recover stuck jobs", "error", err)
			} else if n > 0 {
				slog.Warn("requeued stuck jobs", "count", n)
			}

			stats, err := w.repo.GetQueueStats(ctx)
			if err != nil {
				slog.Error("failed to get queue stats", "error", err)
				continue
			}
			RecordQueueStats(stats)
		}
	}
}
