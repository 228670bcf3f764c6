package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"census-import/internal/models"
	"census-import/internal/source"
	"census-import/internal/telemetry"
	"census-import/internal/transform"
)

// ProcessResult reports one process call. NoOp is set when the job was
// already terminal; Busy when another caller holds the chunk lease.
type ProcessResult struct {
	JobID           string        `json:"job_id"`
	ChunkCompleted  int           `json:"chunk_completed"`
	TotalChunks     int           `json:"total_chunks"`
	RecordsInserted int           `json:"records_inserted"`
	RecordsFailed   int           `json:"records_failed"`
	TotalProcessed  int           `json:"total_processed"`
	TotalRows       int           `json:"total_rows"`
	ProgressPercent int           `json:"progress_percent"`
	IsCompleted     bool          `json:"is_completed"`
	Status          models.Status `json:"status"`
	NoOp            bool          `json:"noop,omitempty"`
	Busy            bool          `json:"busy,omitempty"`
}

func resultFor(job models.ImportJob) ProcessResult {
	return ProcessResult{
		JobID:           job.ID,
		ChunkCompleted:  job.CurrentChunk,
		TotalChunks:     job.TotalChunks,
		TotalProcessed:  job.ProcessedRows,
		TotalRows:       job.TotalRows,
		ProgressPercent: progressPercent(job),
		IsCompleted:     job.Status == models.StatusCompleted,
		Status:          job.Status,
	}
}

type stagedRecord struct {
	row    int
	record models.TractRecord
}

// Process runs the next chunk of jobID. The chunk index always comes from
// the stored job, so callers cannot skip or repeat chunks. chunkSize, when
// non-zero, must equal the size fixed at start.
//
// Records are written before progress advances: a crash between the two
// re-runs the same chunk, which the upsert makes harmless.
func (s *Service) Process(ctx context.Context, jobID string, chunkSize int) (ProcessResult, error) {
	started := time.Now()

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return ProcessResult{}, storeError(err)
	}
	if job.Status.Terminal() {
		s.datasets.Forget(job.ID)
		res := resultFor(job)
		res.NoOp = true
		return res, nil
	}
	if chunkSize != 0 && chunkSize != job.ChunkSize {
		return ProcessResult{}, fmt.Errorf("%w: job %s uses chunk size %d, got %d", ErrInvalidState, jobID, job.ChunkSize, chunkSize)
	}

	prior := job.Status
	now := s.now()
	job, ok, err := s.store.BeginChunk(ctx, jobID, now, now.Add(s.opts.ChunkLease))
	if err != nil {
		return ProcessResult{}, storeError(err)
	}
	if !ok {
		res := resultFor(job)
		if job.Status.Terminal() {
			res.NoOp = true
		} else {
			res.Busy = true
		}
		return res, nil
	}
	log := s.log.With("job", job.ID, "chunk", job.CurrentChunk)

	ds, err := s.datasets.Load(ctx, job.ID, job.SourceKey)
	if err != nil {
		err = s.classifySourceError(err)
		if errors.Is(err, ErrInvalidSource) {
			return ProcessResult{}, s.fail(ctx, job, err, ErrInvalidSource)
		}
		s.release(ctx, job.ID, prior)
		telemetry.ChunkFailures.WithLabelValues("source").Inc()
		log.Warn("source fetch failed", "error", err)
		return ProcessResult{}, err
	}

	tr, err := transform.Lookup(job.Variant)
	if err != nil {
		return ProcessResult{}, s.fail(ctx, job, err, ErrInvalidSource)
	}
	if err := ds.Require(tr.RequiredColumns()); err != nil {
		return ProcessResult{}, s.fail(ctx, job, err, ErrInvalidSource)
	}

	rows := ds.Slice(job.CurrentChunk, job.ChunkSize, job.TotalRows)
	staged, rowErrors := transformRows(tr, rows, job.ID)

	inserted, fallbackErrors, err := s.upsert(ctx, staged)
	rowErrors = append(rowErrors, fallbackErrors...)
	if err != nil {
		if isTimeout(ctx, err) {
			s.release(ctx, job.ID, prior)
			telemetry.ChunkFailures.WithLabelValues("timeout").Inc()
			log.Warn("chunk upsert interrupted", "error", err)
			if ctx.Err() != nil {
				return ProcessResult{}, ctx.Err()
			}
			return ProcessResult{}, fmt.Errorf("%w: upsert chunk %d: %w", ErrTimeout, job.CurrentChunk, err)
		}
		telemetry.ChunkFailures.WithLabelValues("upsert").Inc()
		return ProcessResult{}, s.fail(ctx, job, fmt.Errorf("upsert chunk %d: %w", job.CurrentChunk, err), ErrChunkFailed)
	}

	processing := models.StatusProcessing
	updated, err := s.store.UpdateProgress(ctx, job.ID, models.ProgressUpdate{
		Status:             &processing,
		ProcessedRowsDelta: inserted,
		FailedRowsDelta:    len(rowErrors),
		ChunkCompleted:     true,
		Errors:             rowErrors,
	})
	if err != nil {
		log.Error("record chunk progress", "error", err)
		s.release(ctx, job.ID, prior)
		return ProcessResult{}, storeError(err)
	}

	telemetry.ChunksProcessed.Inc()
	telemetry.RowsUpserted.Add(float64(inserted))
	telemetry.RowsRejected.Add(float64(len(rowErrors)))
	telemetry.ChunkDuration.Observe(time.Since(started).Seconds())
	if updated.Status.Terminal() {
		s.datasets.Forget(job.ID)
		telemetry.ImportsFinished.WithLabelValues(string(updated.Status)).Inc()
	}
	log.Info("chunk processed", "inserted", inserted, "rejected", len(rowErrors),
		"progress", fmt.Sprintf("%d/%d", updated.CurrentChunk, updated.TotalChunks), "status", updated.Status)

	res := resultFor(updated)
	res.RecordsInserted = inserted
	res.RecordsFailed = len(rowErrors)
	return res, nil
}

// transformRows converts a slice of raw rows. Rejected rows become
// RowErrors; a tract id seen twice keeps the later row in the earlier
// row's position.
func transformRows(tr transform.Transformer, rows []source.RawRow, jobID string) ([]stagedRecord, []models.RowError) {
	staged := make([]stagedRecord, 0, len(rows))
	seen := make(map[string]int, len(rows))
	var rowErrors []models.RowError
	for _, row := range rows {
		rec, err := tr.Transform(row)
		if err != nil {
			rowErrors = append(rowErrors, models.RowError{Row: row.Number, Error: err.Error()})
			continue
		}
		rec.JobID = jobID
		if i, dup := seen[rec.TractID]; dup {
			staged[i] = stagedRecord{row: row.Number, record: rec}
			continue
		}
		seen[rec.TractID] = len(staged)
		staged = append(staged, stagedRecord{row: row.Number, record: rec})
	}
	return staged, rowErrors
}

// upsert writes the chunk in one bulk call. With row fallback enabled a
// failed batch is retried record by record; rows that still fail are
// reported as row errors, unless none succeed at all.
func (s *Service) upsert(ctx context.Context, staged []stagedRecord) (int, []models.RowError, error) {
	if len(staged) == 0 {
		return 0, nil, nil
	}
	records := make([]models.TractRecord, len(staged))
	for i, st := range staged {
		records[i] = st.record
	}

	n, err := s.upsertWithTimeout(ctx, records)
	if err == nil {
		return n, nil, nil
	}
	if !s.opts.RowFallback || isTimeout(ctx, err) {
		return 0, nil, err
	}

	s.log.Warn("batch upsert failed, retrying row by row", "rows", len(records), "error", err)
	inserted := 0
	var rowErrors []models.RowError
	for _, st := range staged {
		if _, rowErr := s.upsertWithTimeout(ctx, []models.TractRecord{st.record}); rowErr != nil {
			if isTimeout(ctx, rowErr) {
				return 0, nil, rowErr
			}
			rowErrors = append(rowErrors, models.RowError{Row: st.row, Error: "upsert: " + rowErr.Error()})
			continue
		}
		inserted++
	}
	if inserted == 0 {
		return 0, nil, err
	}
	return inserted, rowErrors, nil
}

func (s *Service) upsertWithTimeout(ctx context.Context, records []models.TractRecord) (int, error) {
	if s.opts.UpsertTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.UpsertTimeout)
		defer cancel()
	}
	return s.store.UpsertRecords(ctx, records)
}

// fail marks the job failed with cause and returns cause wrapped in kind.
// The write ignores caller cancellation so the failure is never lost.
func (s *Service) fail(ctx context.Context, job models.ImportJob, cause, kind error) error {
	ctx = context.WithoutCancel(ctx)
	if err := s.store.MarkFailed(ctx, job.ID, cause.Error()); err != nil {
		s.log.Error("mark job failed", "job", job.ID, "error", err)
	}
	s.datasets.Forget(job.ID)
	telemetry.ImportsFinished.WithLabelValues(string(models.StatusFailed)).Inc()
	s.log.Error("import failed", "job", job.ID, "chunk", job.CurrentChunk, "error", cause)
	if errors.Is(cause, kind) {
		return cause
	}
	return fmt.Errorf("%w: %v", kind, cause)
}

// release drops the chunk lease and restores the status the job had
// before the call.
func (s *Service) release(ctx context.Context, jobID string, restore models.Status) {
	if err := s.store.ReleaseChunk(context.WithoutCancel(ctx), jobID, restore); err != nil {
		s.log.Error("release chunk lease", "job", jobID, "error", err)
	}
}

func isTimeout(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil
}
