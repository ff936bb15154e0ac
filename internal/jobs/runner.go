// Package jobs runs processing jobs from the durable queue with retries and
// per-attempt timeouts.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"catalog-media-backend/internal/domain"
	"catalog-media-backend/internal/metrics"
	"catalog-media-backend/internal/store"
)

// Handler executes one attempt of a processing job.
type Handler func(ctx context.Context, job *domain.ProcessingJob) error

// Config controls the worker pool and retry policy.
type Config struct {
	Workers      int
	Tries        int
	Timeout      time.Duration
	PollInterval time.Duration
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      2,
		Tries:        3,
		Timeout:      300 * time.Second,
		PollInterval: 2 * time.Second,
	}
}

// Runner consumes the processing queue at-least-once. Claims go through the
// store, which guarantees at most one running attempt per upload; an
// in-process wake channel keeps enqueue-to-attempt latency low while the
// poll ticker picks up jobs recovered after a restart.
type Runner struct {
	store   store.Store
	handler Handler
	cfg     Config
	log     zerolog.Logger

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner constructs a Runner. The handler is invoked once per attempt.
func NewRunner(st store.Store, handler Handler, cfg Config, log zerolog.Logger) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.Tries <= 0 {
		cfg.Tries = DefaultConfig().Tries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Runner{
		store:   st,
		handler: handler,
		cfg:     cfg,
		log:     log.With().Str("component", "jobs").Logger(),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue persists a job and wakes a worker.
func (r *Runner) Enqueue(ctx context.Context, uploadID int64, sourcePath string) error {
	if _, err := r.store.EnqueueJob(ctx, uploadID, sourcePath); err != nil {
		return err
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start requeues jobs orphaned by a previous process and launches the
// worker pool.
func (r *Runner) Start(ctx context.Context) error {
	requeued, err := r.store.RequeueRunningJobs(ctx)
	if err != nil {
		return err
	}
	if requeued > 0 {
		r.log.Info().Int64("jobs", requeued).Msg("requeued orphaned jobs")
	}

	ctx, r.cancel = context.WithCancel(ctx)
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx, i)
	}
	return nil
}

// Stop cancels the workers and waits for in-flight attempts to finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Runner) worker(ctx context.Context, id int) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		r.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		case <-ticker.C:
		}
	}
}

// drain claims and runs jobs until the queue is empty.
func (r *Runner) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := r.store.ClaimJob(ctx)
		if errors.Is(err, store.ErrNoJob) {
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				r.log.Error().Err(err).Msg("claim failed")
			}
			return
		}
		r.attempt(ctx, job)
	}
}

func (r *Runner) attempt(ctx context.Context, job *domain.ProcessingJob) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := r.handler(attemptCtx, job)
	metrics.ProcessingDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.JobAttempts.WithLabelValues("ok").Inc()
		if cerr := r.store.CompleteJob(context.WithoutCancel(ctx), job.ID); cerr != nil {
			r.log.Error().Err(cerr).Int64("job_id", job.ID).Msg("complete failed")
		}
		return
	}

	result := "error"
	if errors.Is(err, context.DeadlineExceeded) {
		result = "timeout"
	}
	metrics.JobAttempts.WithLabelValues(result).Inc()

	final := job.Attempts >= r.cfg.Tries
	// Bookkeeping must survive shutdown and attempt timeouts.
	bgCtx := context.WithoutCancel(ctx)
	if ferr := r.store.FailJob(bgCtx, job.ID, err.Error(), final); ferr != nil {
		r.log.Error().Err(ferr).Int64("job_id", job.ID).Msg("fail bookkeeping failed")
	}
	if final {
		r.markUploadFailed(bgCtx, job.UploadID)
	}

	r.log.Warn().
		Err(err).
		Int64("job_id", job.ID).
		Int64("upload", job.UploadID).
		Int("attempt", job.Attempts).
		Bool("final", final).
		Msg("processing attempt failed")
}

func (r *Runner) markUploadFailed(ctx context.Context, uploadRowID int64) {
	u, err := r.store.GetUploadByID(ctx, uploadRowID)
	if err != nil {
		r.log.Error().Err(err).Int64("upload", uploadRowID).Msg("lookup for failure marking failed")
		return
	}
	if u.Status == domain.StatusComplete {
		return
	}
	if err := r.store.UpdateUploadStatus(ctx, u.UploadID, domain.StatusFailed); err != nil {
		r.log.Error().Err(err).Str("upload_id", u.UploadID.String()).Msg("failed to mark upload failed")
	}
}
