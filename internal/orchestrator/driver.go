// Package orchestrator drives an import job chunk by chunk until it
// finishes, retrying transient failures.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"census-import/internal/importer"
	"census-import/internal/models"
)

var (
	ErrJobFailed        = errors.New("import job failed")
	ErrJobCancelled     = errors.New("import job cancelled")
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// Processor runs the next chunk of a job. *importer.Service implements it.
type Processor interface {
	Process(ctx context.Context, jobID string, chunkSize int) (importer.ProcessResult, error)
}

type Options struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	PollInterval   time.Duration
	// OnProgress is called after every successful process call.
	OnProgress func(importer.ProcessResult)
	Logger     *slog.Logger
	// Sleep waits between calls; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Driver is the single caller for a job: it never issues two process
// calls for the same job at once.
type Driver struct {
	proc Processor
	opts Options
	log  *slog.Logger
}

func NewDriver(proc Processor, opts Options) *Driver {
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
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{proc: proc, opts: opts, log: logger.With("component", "orchestrator")}
}

// Run processes jobID until it completes. A failed or cancelled job ends
// the run with ErrJobFailed or ErrJobCancelled; transient errors are
// retried with backoff until MaxAttempts consecutive failures.
func (d *Driver) Run(ctx context.Context, jobID string) (importer.ProcessResult, error) {
	var last importer.ProcessResult
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return last, err
		}

		res, err := d.proc.Process(ctx, jobID, 0)
		if err != nil {
			if !importer.IsTransient(err) {
				if errors.Is(err, importer.ErrChunkFailed) || errors.Is(err, importer.ErrInvalidSource) {
					return last, fmt.Errorf("%w: %w", ErrJobFailed, err)
				}
				return last, err
			}
			failures++
			if failures >= d.opts.MaxAttempts {
				return last, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, failures, err)
			}
			wait := Backoff(d.opts.BackoffInitial, d.opts.BackoffMax, failures)
			d.log.Warn("chunk attempt failed, retrying", "job", jobID, "attempt", failures, "wait", wait, "error", err)
			if err := d.opts.Sleep(ctx, wait); err != nil {
				return last, err
			}
			continue
		}
		failures = 0
		last = res

		if res.Busy {
			if err := d.opts.Sleep(ctx, d.opts.PollInterval); err != nil {
				return last, err
			}
			continue
		}
		if d.opts.OnProgress != nil && !res.NoOp {
			d.opts.OnProgress(res)
		}

		switch res.Status {
		case models.StatusCompleted:
			d.log.Info("import completed", "job", jobID, "rows", res.TotalProcessed, "chunks", res.TotalChunks)
			return res, nil
		case models.StatusFailed:
			return res, ErrJobFailed
		case models.StatusCancelled:
			return res, ErrJobCancelled
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
