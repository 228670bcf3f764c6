package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"census-import/internal/models"
)

// Store wraps pgxpool for Postgres persistence of jobs and tract records.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunMigrations executes the embedded Postgres migrations in order.
func (s *Store) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, "postgres", func(ctx context.Context, sql string) error {
		_, err := s.pool.Exec(ctx, sql)
		return err
	})
}

const jobColumns = `id, variant, source_key, chunk_size, status, total_rows, processed_rows, failed_rows,
	current_chunk, total_chunks, error_details, last_error, lease_until, created_at, updated_at`

// CreateJob inserts a job row.
func (s *Store) CreateJob(ctx context.Context, p models.CreateJobParams) (models.ImportJob, error) {
	if p.Status == "" {
		p.Status = models.StatusPending
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO import_jobs (id, variant, source_key, chunk_size, status, total_rows, total_chunks, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING `+jobColumns,
		uuid.New().String(), p.Variant, p.SourceKey, p.ChunkSize, string(p.Status), p.TotalRows, p.TotalChunks, time.Now().UTC())
	job, err := scanJob(row)
	if err != nil {
		return models.ImportJob{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.ImportJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM import_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		return models.ImportJob{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs returns the most recent jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]models.ImportJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM import_jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.ImportJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// BeginChunk claims the job for one chunk: pending or processing becomes
// processing with a lease, but only when no other lease is live. When the
// claim is lost the current job is returned with ok=false.
func (s *Store) BeginChunk(ctx context.Context, id string, now, leaseUntil time.Time) (models.ImportJob, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE import_jobs
		SET status = $2, lease_until = $3, updated_at = $4
		WHERE id = $1
		  AND status IN ('pending', 'processing')
		  AND (lease_until IS NULL OR lease_until < $4)
		RETURNING `+jobColumns,
		id, string(models.StatusProcessing), leaseUntil, now)
	job, err := scanJob(row)
	if errors.Is(err, models.ErrNotFound) {
		current, err := s.GetJob(ctx, id)
		return current, false, err
	}
	if err != nil {
		return models.ImportJob{}, false, fmt.Errorf("begin chunk %s: %w", id, err)
	}
	return job, true, nil
}

// ReleaseChunk drops the lease and, if the job is still processing, puts
// it back to restore.
func (s *Store) ReleaseChunk(ctx context.Context, id string, restore models.Status) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE import_jobs
		SET lease_until = NULL,
		    status = CASE WHEN status = 'processing' THEN $2 ELSE status END,
		    updated_at = NOW()
		WHERE id = $1
	`, id, string(restore))
	if err != nil {
		return fmt.Errorf("release chunk %s: %w", id, err)
	}
	return nil
}

// UpdateProgress applies one chunk's outcome in a single statement.
func (s *Store) UpdateProgress(ctx context.Context, id string, upd models.ProgressUpdate) (models.ImportJob, error) {
	errs := upd.Errors
	if errs == nil {
		errs = []models.RowError{}
	}
	errJSON, err := json.Marshal(errs)
	if err != nil {
		return models.ImportJob{}, fmt.Errorf("marshal row errors: %w", err)
	}
	step := 0
	if upd.ChunkCompleted {
		step = 1
	}
	var status *string
	if upd.Status != nil {
		v := string(*upd.Status)
		status = &v
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE import_jobs
		SET processed_rows = processed_rows + $2,
		    failed_rows = failed_rows + $3,
		    current_chunk = LEAST(current_chunk + $4, total_chunks),
		    error_details = error_details || $5::jsonb,
		    status = CASE
		        WHEN status IN ('failed', 'cancelled') THEN status
		        WHEN LEAST(current_chunk + $4, total_chunks) >= total_chunks THEN 'completed'
		        ELSE COALESCE($6::text, status)
		    END,
		    lease_until = NULL,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+jobColumns,
		id, upd.ProcessedRowsDelta, upd.FailedRowsDelta, step, errJSON, status)
	job, err := scanJob(row)
	if err != nil {
		return models.ImportJob{}, fmt.Errorf("update progress %s: %w", id, err)
	}
	return job, nil
}

// MarkFailed moves a non-terminal job to failed and records the cause.
func (s *Store) MarkFailed(ctx context.Context, id string, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE import_jobs
		SET status = $2, last_error = $3, lease_until = NULL, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
	`, id, string(models.StatusFailed), lastError)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return nil
}

// Cancel flips a non-terminal job to cancelled. Terminal jobs are returned
// unchanged.
func (s *Store) Cancel(ctx context.Context, id string) (models.ImportJob, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE import_jobs
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
		RETURNING `+jobColumns,
		id, string(models.StatusCancelled))
	job, err := scanJob(row)
	if errors.Is(err, models.ErrNotFound) {
		return s.GetJob(ctx, id)
	}
	if err != nil {
		return models.ImportJob{}, fmt.Errorf("cancel job %s: %w", id, err)
	}
	return job, nil
}

// Reset deletes every tract record and every job.
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `DELETE FROM tract_records`); err != nil {
		return fmt.Errorf("delete tract records: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM import_jobs`); err != nil {
		return fmt.Errorf("delete import jobs: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

var tractColumns = []string{
	"tract_id", "state_code", "county_code", "tract_code", "income_level", "eligible",
	"median_income_pct", "tract_median_income", "msa_median_income", "population",
	"minority_pct", "owner_occupied_units", "job_id",
}

// UpsertRecords copies the batch into a transaction-scoped staging table
// and merges it into tract_records, replacing rows with the same tract_id.
// Either the whole batch lands or none of it does.
func (s *Store) UpsertRecords(ctx context.Context, records []models.TractRecord) (int, error) {
	records = models.DedupeTracts(records)
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE tract_records_stage
		(LIKE tract_records INCLUDING DEFAULTS) ON COMMIT DROP
	`); err != nil {
		return 0, fmt.Errorf("create staging table: %w", err)
	}

	copied, err := tx.CopyFrom(ctx, pgx.Identifier{"tract_records_stage"}, tractColumns,
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			r := records[i]
			return []any{
				r.TractID, r.StateCode, r.CountyCode, r.TractCode, r.IncomeLevel, r.Eligible,
				r.MedianIncomePct, r.TractMedianIncome, r.MSAMedianIncome, r.Population,
				r.MinorityPct, r.OwnerOccupiedUnits, emptyToNil(r.JobID),
			}, nil
		}))
	if err != nil {
		return 0, fmt.Errorf("copy tract records: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO tract_records (tract_id, state_code, county_code, tract_code, income_level, eligible,
		    median_income_pct, tract_median_income, msa_median_income, population, minority_pct,
		    owner_occupied_units, job_id, updated_at)
		SELECT tract_id, state_code, county_code, tract_code, income_level, eligible,
		    median_income_pct, tract_median_income, msa_median_income, population, minority_pct,
		    owner_occupied_units, job_id, NOW()
		FROM tract_records_stage
		ON CONFLICT (tract_id) DO UPDATE SET
		    state_code = EXCLUDED.state_code,
		    county_code = EXCLUDED.county_code,
		    tract_code = EXCLUDED.tract_code,
		    income_level = EXCLUDED.income_level,
		    eligible = EXCLUDED.eligible,
		    median_income_pct = EXCLUDED.median_income_pct,
		    tract_median_income = EXCLUDED.tract_median_income,
		    msa_median_income = EXCLUDED.msa_median_income,
		    population = EXCLUDED.population,
		    minority_pct = EXCLUDED.minority_pct,
		    owner_occupied_units = EXCLUDED.owner_occupied_units,
		    job_id = EXCLUDED.job_id,
		    updated_at = EXCLUDED.updated_at
	`); err != nil {
		return 0, fmt.Errorf("merge tract records: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int(copied), nil
}

// CountRecords counts stored tracts, optionally only eligible ones.
func (s *Store) CountRecords(ctx context.Context, eligibleOnly bool) (int64, error) {
	q := `SELECT COUNT(*) FROM tract_records`
	if eligibleOnly {
		q += ` WHERE eligible`
	}
	var n int64
	if err := s.pool.QueryRow(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tract records: %w", err)
	}
	return n, nil
}

// GetRecord looks up one tract by GEOID.
func (s *Store) GetRecord(ctx context.Context, tractID string) (models.TractRecord, error) {
	var r models.TractRecord
	var jobID pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT tract_id, state_code, county_code, tract_code, income_level, eligible,
		    median_income_pct, tract_median_income, msa_median_income, population,
		    minority_pct, owner_occupied_units, job_id, updated_at
		FROM tract_records WHERE tract_id = $1
	`, tractID).Scan(&r.TractID, &r.StateCode, &r.CountyCode, &r.TractCode, &r.IncomeLevel, &r.Eligible,
		&r.MedianIncomePct, &r.TractMedianIncome, &r.MSAMedianIncome, &r.Population,
		&r.MinorityPct, &r.OwnerOccupiedUnits, &jobID, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TractRecord{}, fmt.Errorf("tract %s: %w", tractID, models.ErrNotFound)
	}
	if err != nil {
		return models.TractRecord{}, fmt.Errorf("get tract %s: %w", tractID, err)
	}
	if p := textPtr(jobID); p != nil {
		r.JobID = *p
	}
	return r, nil
}

func scanJob(row pgx.Row) (models.ImportJob, error) {
	var job models.ImportJob
	var status string
	var errJSON []byte
	var lastErr pgtype.Text
	var lease pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.Variant, &job.SourceKey, &job.ChunkSize, &status, &job.TotalRows,
		&job.ProcessedRows, &job.FailedRows, &job.CurrentChunk, &job.TotalChunks, &errJSON, &lastErr,
		&lease, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ImportJob{}, models.ErrNotFound
		}
		return models.ImportJob{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = models.Status(status)
	if len(errJSON) > 0 {
		if err := json.Unmarshal(errJSON, &job.ErrorDetails); err != nil {
			return models.ImportJob{}, fmt.Errorf("unmarshal error details: %w", err)
		}
	}
	job.LastError = textPtr(lastErr)
	if lease.Valid {
		t := lease.Time
		job.LeaseUntil = &t
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
