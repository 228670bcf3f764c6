// Package importer runs resumable, chunked imports of census tract files
// and exposes the status and control operations around them.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"census-import/internal/models"
	"census-import/internal/source"
	"census-import/internal/telemetry"
	"census-import/internal/transform"
)

// JobStore is the durable job descriptor table.
type JobStore interface {
	CreateJob(ctx context.Context, p models.CreateJobParams) (models.ImportJob, error)
	GetJob(ctx context.Context, id string) (models.ImportJob, error)
	ListJobs(ctx context.Context, limit int) ([]models.ImportJob, error)
	BeginChunk(ctx context.Context, id string, now, leaseUntil time.Time) (models.ImportJob, bool, error)
	ReleaseChunk(ctx context.Context, id string, restore models.Status) error
	UpdateProgress(ctx context.Context, id string, upd models.ProgressUpdate) (models.ImportJob, error)
	MarkFailed(ctx context.Context, id string, lastError string) error
	Cancel(ctx context.Context, id string) (models.ImportJob, error)
	Reset(ctx context.Context) error
}

// RecordStore is the target tract table.
type RecordStore interface {
	UpsertRecords(ctx context.Context, records []models.TractRecord) (int, error)
	CountRecords(ctx context.Context, eligibleOnly bool) (int64, error)
	GetRecord(ctx context.Context, tractID string) (models.TractRecord, error)
}

// Store is what a single relational backend provides.
type Store interface {
	JobStore
	RecordStore
}

// Datasets hands out parsed source files. *source.Loader implements it.
type Datasets interface {
	Inspect(ctx context.Context, key string) (*source.Dataset, error)
	Load(ctx context.Context, jobID, key string) (*source.Dataset, error)
	Remember(jobID string, ds *source.Dataset)
	Forget(jobID string)
	Purge()
}

// Options tune a Service. Zero values select defaults.
type Options struct {
	ChunkSize     int
	Variant       string
	SourceKey     string
	ChunkLease    time.Duration
	UpsertTimeout time.Duration
	RowFallback   bool
	Logger        *slog.Logger
	Now           func() time.Time
}

const (
	DefaultChunkSize  = 1000
	defaultChunkLease = 5 * time.Minute
	defaultListLimit  = 50
)

// Service implements start, process, status, cancel and reset.
type Service struct {
	store    Store
	datasets Datasets
	opts     Options
	log      *slog.Logger
	now      func() time.Time
}

func New(st Store, ds Datasets, opts Options) *Service {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Variant == "" {
		opts.Variant = transform.TractDataset{}.Name()
	}
	if opts.ChunkLease <= 0 {
		opts.ChunkLease = defaultChunkLease
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:    st,
		datasets: ds,
		opts:     opts,
		log:      logger.With("component", "importer"),
		now:      now,
	}
}

// StartRequest overrides the configured defaults for one import.
type StartRequest struct {
	ChunkSize int    `json:"chunk_size,omitempty"`
	Variant   string `json:"variant,omitempty"`
	SourceKey string `json:"source_key,omitempty"`
}

type StartResult struct {
	JobID       string        `json:"job_id"`
	TotalRows   int           `json:"total_rows"`
	TotalChunks int           `json:"total_chunks"`
	Status      models.Status `json:"status"`
}

// Start downloads the source once to validate its header and count rows,
// then records a job. An empty dataset yields a job that is already
// completed with zero chunks.
func (s *Service) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	if req.ChunkSize < 0 {
		return StartResult{}, fmt.Errorf("%w: chunk size must be positive", ErrInvalidArgument)
	}
	if req.ChunkSize == 0 {
		req.ChunkSize = s.opts.ChunkSize
	}
	if req.Variant == "" {
		req.Variant = s.opts.Variant
	}
	if req.SourceKey == "" {
		req.SourceKey = s.opts.SourceKey
	}
	if req.SourceKey == "" {
		return StartResult{}, fmt.Errorf("%w: source key is required", ErrInvalidArgument)
	}
	tr, err := transform.Lookup(req.Variant)
	if err != nil {
		return StartResult{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	ds, err := s.datasets.Inspect(ctx, req.SourceKey)
	if err != nil {
		return StartResult{}, s.classifySourceError(err)
	}
	if err := ds.Require(tr.RequiredColumns()); err != nil {
		return StartResult{}, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}

	total := ds.Len()
	status := models.StatusPending
	if total == 0 {
		status = models.StatusCompleted
	}
	job, err := s.store.CreateJob(ctx, models.CreateJobParams{
		Variant:     tr.Name(),
		SourceKey:   req.SourceKey,
		ChunkSize:   req.ChunkSize,
		TotalRows:   total,
		TotalChunks: models.TotalChunksFor(total, req.ChunkSize),
		Status:      status,
	})
	if err != nil {
		s.log.Error("create import job", "source", req.SourceKey, "error", err)
		return StartResult{}, fmt.Errorf("%w: create job: %v", ErrPersistence, err)
	}

	telemetry.ImportsStarted.WithLabelValues(job.Variant).Inc()
	if job.Status.Terminal() {
		telemetry.ImportsFinished.WithLabelValues(string(job.Status)).Inc()
	} else {
		s.datasets.Remember(job.ID, ds)
	}
	s.log.Info("import started", "job", job.ID, "variant", job.Variant, "source", job.SourceKey,
		"rows", job.TotalRows, "chunks", job.TotalChunks, "chunk_size", job.ChunkSize)

	return StartResult{
		JobID:       job.ID,
		TotalRows:   job.TotalRows,
		TotalChunks: job.TotalChunks,
		Status:      job.Status,
	}, nil
}

type StatusResult struct {
	Job                 models.ImportJob `json:"job"`
	ProgressPercent     int              `json:"progress_percent"`
	CurrentRecordCount  int64            `json:"current_record_count"`
	EligibleRecordCount int64            `json:"eligible_record_count"`
}

// Status reads the job and both record counts concurrently. It never
// takes the chunk lease, so it is safe while a chunk is running.
func (s *Service) Status(ctx context.Context, jobID string) (StatusResult, error) {
	var res StatusResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		job, err := s.store.GetJob(gctx, jobID)
		if err != nil {
			return err
		}
		res.Job = job
		return nil
	})
	g.Go(func() error {
		n, err := s.store.CountRecords(gctx, false)
		if err != nil {
			return fmt.Errorf("count records: %w", err)
		}
		res.CurrentRecordCount = n
		return nil
	})
	g.Go(func() error {
		n, err := s.store.CountRecords(gctx, true)
		if err != nil {
			return fmt.Errorf("count eligible records: %w", err)
		}
		res.EligibleRecordCount = n
		return nil
	})
	if err := g.Wait(); err != nil {
		return StatusResult{}, storeError(err)
	}
	res.ProgressPercent = progressPercent(res.Job)
	return res, nil
}

type CancelResult struct {
	Success bool          `json:"success"`
	Status  models.Status `json:"status"`
}

// Cancel flips a running job to cancelled. Cancelling a finished job is a
// successful no-op; an in-flight chunk still completes.
func (s *Service) Cancel(ctx context.Context, jobID string) (CancelResult, error) {
	before, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return CancelResult{}, storeError(err)
	}
	job, err := s.store.Cancel(ctx, jobID)
	if err != nil {
		return CancelResult{}, storeError(err)
	}
	s.datasets.Forget(jobID)
	if !before.Status.Terminal() && job.Status == models.StatusCancelled {
		telemetry.ImportsFinished.WithLabelValues(string(models.StatusCancelled)).Inc()
		s.log.Info("import cancelled", "job", jobID, "chunk", job.CurrentChunk, "chunks", job.TotalChunks)
	}
	return CancelResult{Success: true, Status: job.Status}, nil
}

// Reset deletes every tract record and every job, and drops cached files.
func (s *Service) Reset(ctx context.Context) error {
	if err := s.store.Reset(ctx); err != nil {
		return storeError(err)
	}
	s.datasets.Purge()
	s.log.Warn("all tract records and import jobs deleted")
	return nil
}

// Jobs lists recent jobs, newest first.
func (s *Service) Jobs(ctx context.Context, limit int) ([]models.ImportJob, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	jobs, err := s.store.ListJobs(ctx, limit)
	if err != nil {
		return nil, storeError(err)
	}
	return jobs, nil
}

// Record looks up one stored tract by GEOID.
func (s *Service) Record(ctx context.Context, tractID string) (models.TractRecord, error) {
	tractID = strings.TrimSpace(tractID)
	if len(tractID) != models.TractIDLength {
		return models.TractRecord{}, fmt.Errorf("%w: tract id must be %d characters", ErrInvalidArgument, models.TractIDLength)
	}
	rec, err := s.store.GetRecord(ctx, tractID)
	if err != nil {
		return models.TractRecord{}, storeError(err)
	}
	return rec, nil
}

// storeError keeps not-found and context errors as they are and marks
// everything else as a persistence failure.
func storeError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
}

// classifySourceError sorts loader failures into unavailable, timed out
// or unparsable.
func (s *Service) classifySourceError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		telemetry.SourceFetchErrors.Inc()
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, ErrSourceUnavailable):
		telemetry.SourceFetchErrors.Inc()
		return err
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
}

func progressPercent(job models.ImportJob) int {
	if job.TotalChunks == 0 {
		return 100
	}
	return job.CurrentChunk * 100 / job.TotalChunks
}
