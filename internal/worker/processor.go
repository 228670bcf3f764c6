// Package worker pulls import job ids off the Redis queue and drives each
// job to completion.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"census-import/internal/importer"
	"census-import/internal/orchestrator"
	"census-import/internal/telemetry"
)

// Queue is the part of *queue.RedisQueue the worker loop uses.
type Queue interface {
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Visibility() time.Duration
	Ack(ctx context.Context, jobID string) error
	Retry(ctx context.Context, jobID string, runAt time.Time) (int, error)
	Attempts(ctx context.Context, jobID string) (int, error)
	DLQPush(ctx context.Context, jobID string) error
}

// Runner drives one job until it stops. *orchestrator.Driver implements it.
type Runner interface {
	Run(ctx context.Context, jobID string) (importer.ProcessResult, error)
}

type Options struct {
	WorkerID           string
	MaxAttempts        int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	PollInterval       time.Duration
	ScheduledBatchSize int64
	Logger             *slog.Logger
}

// Processor drives the worker execution loop.
type Processor struct {
	queue  Queue
	runner Runner
	opts   Options
	log    *slog.Logger
}

func NewProcessor(q Queue, runner Runner, opts Options) *Processor {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.ScheduledBatchSize <= 0 {
		opts.ScheduledBatchSize = 100
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.WorkerID != "" {
		logger = logger.With("worker", opts.WorkerID)
	}
	return &Processor{queue: q, runner: runner, opts: opts, log: logger}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		worked, err := p.RunOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			p.log.Warn("queue poll failed", "error", err)
		}
		if worked && err == nil {
			continue
		}
		t := time.NewTimer(p.opts.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// RunOnce does the queue housekeeping and handles at most one job. It
// reports whether a job was dequeued.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	now := time.Now()
	if _, err := p.queue.PromoteScheduled(ctx, now, p.opts.ScheduledBatchSize); err != nil {
		return false, err
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err != nil {
		return false, err
	} else if len(reclaimed) > 0 {
		p.log.Warn("reclaimed expired leases", "jobs", reclaimed)
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	jobID, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if jobID == "" {
		return false, nil
	}
	p.handle(ctx, jobID)
	return true, nil
}

func (p *Processor) handle(ctx context.Context, jobID string) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	log := p.log.With("job", jobID)

	leaseCtx, stopLease := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.keepLease(leaseCtx, jobID)
	}()
	res, err := p.runner.Run(ctx, jobID)
	stopLease()
	<-done

	// Shutting down: the lease expires and another worker resumes the job
	// from its stored chunk.
	if ctx.Err() != nil {
		log.Info("worker stopping, leaving job leased", "chunk", res.ChunkCompleted)
		return
	}

	// Queue bookkeeping must land even if the caller is going away.
	qctx := context.WithoutCancel(ctx)
	switch {
	case err == nil, errors.Is(err, orchestrator.ErrJobCancelled), errors.Is(err, importer.ErrNotFound):
		if err != nil {
			log.Info("dropping job", "reason", err)
		}
		if ackErr := p.queue.Ack(qctx, jobID); ackErr != nil {
			log.Error("ack job", "error", ackErr)
		}
	case importer.IsTransient(err) || errors.Is(err, orchestrator.ErrRetriesExhausted):
		p.retry(qctx, log, jobID, err)
	default:
		p.deadLetter(qctx, log, jobID, err)
	}
}

func (p *Processor) retry(ctx context.Context, log *slog.Logger, jobID string, cause error) {
	attempts, err := p.queue.Attempts(ctx, jobID)
	if err != nil {
		log.Error("read attempts", "error", err)
	}
	if attempts+1 >= p.opts.MaxAttempts {
		p.deadLetter(ctx, log, jobID, cause)
		return
	}
	wait := orchestrator.Backoff(p.opts.BackoffInitial, p.opts.BackoffMax, attempts+1)
	n, err := p.queue.Retry(ctx, jobID, time.Now().Add(wait))
	if err != nil {
		log.Error("schedule retry", "error", err)
		return
	}
	telemetry.WorkerRetries.Inc()
	log.Warn("import interrupted, retry scheduled", "attempt", n, "wait", wait, "error", cause)
}

func (p *Processor) deadLetter(ctx context.Context, log *slog.Logger, jobID string, cause error) {
	if err := p.queue.DLQPush(ctx, jobID); err != nil {
		log.Error("push to dead letter queue", "error", err)
		return
	}
	telemetry.WorkerDeadLetter.Inc()
	log.Error("import moved to dead letter queue", "error", cause)
}

// keepLease extends the queue lease every half visibility period until ctx
// ends.
func (p *Processor) keepLease(ctx context.Context, jobID string) {
	every := p.queue.Visibility() / 2
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, jobID, p.queue.Visibility()); err != nil && ctx.Err() == nil {
				p.log.Warn("extend queue lease", "job", jobID, "error", err)
			}
		}
	}
}
