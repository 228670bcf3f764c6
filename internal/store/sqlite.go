package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // Register sqlite driver

	"census-import/internal/models"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite persists jobs and tract records in an embedded database. It backs
// local runs and tests with the same semantics as the Postgres store.
type SQLite struct {
	db *sqlx.DB
}

// OpenSQLite opens (or creates) the database at dsn and applies migrations.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sqlx.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// In-memory databases are per-connection.
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.RunMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// sqliteDSN applies pragmas to every pooled connection and makes write
// transactions take the database lock at BEGIN, so read-modify-write
// sequences wait on busy_timeout instead of failing on lock upgrade.
func sqliteDSN(dsn string) string {
	if dsn == ":memory:" {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// RunMigrations executes the embedded SQLite migrations in order.
func (s *SQLite) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, "sqlite", func(ctx context.Context, q string) error {
		_, err := s.db.ExecContext(ctx, q)
		return err
	})
}

type sqliteJob struct {
	ID            string         `db:"id"`
	Variant       string         `db:"variant"`
	SourceKey     string         `db:"source_key"`
	ChunkSize     int            `db:"chunk_size"`
	Status        string         `db:"status"`
	TotalRows     int            `db:"total_rows"`
	ProcessedRows int            `db:"processed_rows"`
	FailedRows    int            `db:"failed_rows"`
	CurrentChunk  int            `db:"current_chunk"`
	TotalChunks   int            `db:"total_chunks"`
	ErrorDetails  string         `db:"error_details"`
	LastError     sql.NullString `db:"last_error"`
	LeaseUntil    sql.NullString `db:"lease_until"`
	CreatedAt     string         `db:"created_at"`
	UpdatedAt     string         `db:"updated_at"`
}

func (r sqliteJob) model() (models.ImportJob, error) {
	job := models.ImportJob{
		ID:            r.ID,
		Variant:       r.Variant,
		SourceKey:     r.SourceKey,
		ChunkSize:     r.ChunkSize,
		Status:        models.Status(r.Status),
		TotalRows:     r.TotalRows,
		ProcessedRows: r.ProcessedRows,
		FailedRows:    r.FailedRows,
		CurrentChunk:  r.CurrentChunk,
		TotalChunks:   r.TotalChunks,
	}
	if err := json.Unmarshal([]byte(r.ErrorDetails), &job.ErrorDetails); err != nil {
		return models.ImportJob{}, fmt.Errorf("unmarshal error details: %w", err)
	}
	if r.LastError.Valid {
		v := r.LastError.String
		job.LastError = &v
	}
	if r.LeaseUntil.Valid {
		t, _ := time.Parse(timeFormat, r.LeaseUntil.String)
		job.LeaseUntil = &t
	}
	job.CreatedAt, _ = time.Parse(timeFormat, r.CreatedAt)
	job.UpdatedAt, _ = time.Parse(timeFormat, r.UpdatedAt)
	return job, nil
}

func fromModel(job models.ImportJob) (sqliteJob, error) {
	errs := job.ErrorDetails
	if errs == nil {
		errs = []models.RowError{}
	}
	data, err := json.Marshal(errs)
	if err != nil {
		return sqliteJob{}, fmt.Errorf("marshal error details: %w", err)
	}
	row := sqliteJob{
		ID:            job.ID,
		Variant:       job.Variant,
		SourceKey:     job.SourceKey,
		ChunkSize:     job.ChunkSize,
		Status:        string(job.Status),
		TotalRows:     job.TotalRows,
		ProcessedRows: job.ProcessedRows,
		FailedRows:    job.FailedRows,
		CurrentChunk:  job.CurrentChunk,
		TotalChunks:   job.TotalChunks,
		ErrorDetails:  string(data),
		CreatedAt:     job.CreatedAt.UTC().Format(timeFormat),
		UpdatedAt:     job.UpdatedAt.UTC().Format(timeFormat),
	}
	if job.LastError != nil {
		row.LastError = sql.NullString{String: *job.LastError, Valid: true}
	}
	if job.LeaseUntil != nil {
		row.LeaseUntil = sql.NullString{String: job.LeaseUntil.UTC().Format(timeFormat), Valid: true}
	}
	return row, nil
}

const sqliteJobColumns = `id, variant, source_key, chunk_size, status, total_rows, processed_rows,
	failed_rows, current_chunk, total_chunks, error_details, last_error, lease_until, created_at, updated_at`

const sqliteJobSelect = `SELECT ` + sqliteJobColumns + ` FROM import_jobs`

func (s *SQLite) CreateJob(ctx context.Context, p models.CreateJobParams) (models.ImportJob, error) {
	if p.Status == "" {
		p.Status = models.StatusPending
	}
	now := time.Now().UTC()
	job := models.ImportJob{
		ID:          uuid.New().String(),
		Variant:     p.Variant,
		SourceKey:   p.SourceKey,
		ChunkSize:   p.ChunkSize,
		Status:      p.Status,
		TotalRows:   p.TotalRows,
		TotalChunks: p.TotalChunks,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	row, err := fromModel(job)
	if err != nil {
		return models.ImportJob{}, err
	}
	if _, err := s.db.NamedExecContext(ctx, `
		INSERT INTO import_jobs (id, variant, source_key, chunk_size, status, total_rows, processed_rows,
			failed_rows, current_chunk, total_chunks, error_details, last_error, lease_until, created_at, updated_at)
		VALUES (:id, :variant, :source_key, :chunk_size, :status, :total_rows, :processed_rows,
			:failed_rows, :current_chunk, :total_chunks, :error_details, :last_error, :lease_until, :created_at, :updated_at)
	`, row); err != nil {
		return models.ImportJob{}, fmt.Errorf("insert job: %w", err)
	}
	job.ErrorDetails = []models.RowError{}
	return job, nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (models.ImportJob, error) {
	return getSQLiteJob(ctx, s.db, id)
}

func getSQLiteJob(ctx context.Context, q sqlx.QueryerContext, id string) (models.ImportJob, error) {
	var row sqliteJob
	err := sqlx.GetContext(ctx, q, &row, sqliteJobSelect+` WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ImportJob{}, fmt.Errorf("get job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.ImportJob{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return row.model()
}

func (s *SQLite) ListJobs(ctx context.Context, limit int) ([]models.ImportJob, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []sqliteJob
	if err := s.db.SelectContext(ctx, &rows, sqliteJobSelect+` ORDER BY created_at DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]models.ImportJob, 0, len(rows))
	for _, r := range rows {
		job, err := r.model()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// mutate loads a job inside a transaction, lets fn change it and writes it
// back when fn reports a change.
func (s *SQLite) mutate(ctx context.Context, id string, fn func(job *models.ImportJob) bool) (models.ImportJob, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.ImportJob{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := getSQLiteJob(ctx, tx, id)
	if err != nil {
		return models.ImportJob{}, false, err
	}
	if !fn(&job) {
		return job, false, nil
	}
	row, err := fromModel(job)
	if err != nil {
		return models.ImportJob{}, false, err
	}
	if _, err := tx.NamedExecContext(ctx, `
		UPDATE import_jobs SET status = :status, processed_rows = :processed_rows, failed_rows = :failed_rows,
			current_chunk = :current_chunk, error_details = :error_details, last_error = :last_error,
			lease_until = :lease_until, updated_at = :updated_at
		WHERE id = :id
	`, row); err != nil {
		return models.ImportJob{}, false, fmt.Errorf("update job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return models.ImportJob{}, false, fmt.Errorf("commit: %w", err)
	}
	return job, true, nil
}

// BeginChunk claims the job in one conditional statement so concurrent
// callers never race between reading the lease and writing it.
func (s *SQLite) BeginChunk(ctx context.Context, id string, now, leaseUntil time.Time) (models.ImportJob, bool, error) {
	var row sqliteJob
	err := s.db.GetContext(ctx, &row, `
		UPDATE import_jobs
		SET status = ?, lease_until = ?, updated_at = ?
		WHERE id = ?
		  AND status IN (?, ?)
		  AND (lease_until IS NULL OR lease_until < ?)
		RETURNING `+sqliteJobColumns,
		string(models.StatusProcessing), leaseUntil.UTC().Format(timeFormat), now.UTC().Format(timeFormat),
		id, string(models.StatusPending), string(models.StatusProcessing), now.UTC().Format(timeFormat))
	if errors.Is(err, sql.ErrNoRows) {
		current, err := s.GetJob(ctx, id)
		return current, false, err
	}
	if err != nil {
		return models.ImportJob{}, false, fmt.Errorf("begin chunk %s: %w", id, err)
	}
	job, err := row.model()
	if err != nil {
		return models.ImportJob{}, false, err
	}
	return job, true, nil
}

func (s *SQLite) ReleaseChunk(ctx context.Context, id string, restore models.Status) error {
	_, _, err := s.mutate(ctx, id, func(job *models.ImportJob) bool {
		job.LeaseUntil = nil
		if job.Status == models.StatusProcessing {
			job.Status = restore
		}
		job.UpdatedAt = time.Now().UTC()
		return true
	})
	if err != nil {
		return fmt.Errorf("release chunk: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateProgress(ctx context.Context, id string, upd models.ProgressUpdate) (models.ImportJob, error) {
	job, _, err := s.mutate(ctx, id, func(job *models.ImportJob) bool {
		models.ApplyProgress(job, upd, time.Now().UTC())
		return true
	})
	if err != nil {
		return models.ImportJob{}, fmt.Errorf("update progress: %w", err)
	}
	return job, nil
}

func (s *SQLite) MarkFailed(ctx context.Context, id string, lastError string) error {
	_, _, err := s.mutate(ctx, id, func(job *models.ImportJob) bool {
		if job.Status.Terminal() {
			return false
		}
		job.Status = models.StatusFailed
		job.LastError = &lastError
		job.LeaseUntil = nil
		job.UpdatedAt = time.Now().UTC()
		return true
	})
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (s *SQLite) Cancel(ctx context.Context, id string) (models.ImportJob, error) {
	job, _, err := s.mutate(ctx, id, func(job *models.ImportJob) bool {
		if job.Status.Terminal() {
			return false
		}
		job.Status = models.StatusCancelled
		job.UpdatedAt = time.Now().UTC()
		return true
	})
	if err != nil {
		return models.ImportJob{}, fmt.Errorf("cancel job: %w", err)
	}
	return job, nil
}

func (s *SQLite) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tract_records`); err != nil {
		return fmt.Errorf("delete tract records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM import_jobs`); err != nil {
		return fmt.Errorf("delete import jobs: %w", err)
	}
	return tx.Commit()
}

const sqliteUpsertBatch = 500

func (s *SQLite) UpsertRecords(ctx context.Context, records []models.TractRecord) (int, error) {
	records = models.DedupeTracts(records)
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(timeFormat)
	for i := 0; i < len(records); i += sqliteUpsertBatch {
		end := i + sqliteUpsertBatch
		if end > len(records) {
			end = len(records)
		}
		batch := records[i:end]

		placeholders := make([]string, len(batch))
		args := make([]any, 0, len(batch)*14)
		for j, r := range batch {
			placeholders[j] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
			args = append(args, r.TractID, r.StateCode, r.CountyCode, r.TractCode, r.IncomeLevel, r.Eligible,
				r.MedianIncomePct, r.TractMedianIncome, r.MSAMedianIncome, r.Population,
				r.MinorityPct, r.OwnerOccupiedUnits, emptyToNil(r.JobID), now)
		}

		query := fmt.Sprintf(`INSERT INTO tract_records (tract_id, state_code, county_code, tract_code,
			income_level, eligible, median_income_pct, tract_median_income, msa_median_income, population,
			minority_pct, owner_occupied_units, job_id, updated_at)
			VALUES %s
			ON CONFLICT (tract_id) DO UPDATE SET
				state_code = excluded.state_code,
				county_code = excluded.county_code,
				tract_code = excluded.tract_code,
				income_level = excluded.income_level,
				eligible = excluded.eligible,
				median_income_pct = excluded.median_income_pct,
				tract_median_income = excluded.tract_median_income,
				msa_median_income = excluded.msa_median_income,
				population = excluded.population,
				minority_pct = excluded.minority_pct,
				owner_occupied_units = excluded.owner_occupied_units,
				job_id = excluded.job_id,
				updated_at = excluded.updated_at`, strings.Join(placeholders, ", "))

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("upsert tract records: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(records), nil
}

func (s *SQLite) CountRecords(ctx context.Context, eligibleOnly bool) (int64, error) {
	q := `SELECT COUNT(*) FROM tract_records`
	if eligibleOnly {
		q += ` WHERE eligible = 1`
	}
	var n int64
	if err := s.db.GetContext(ctx, &n, q); err != nil {
		return 0, fmt.Errorf("count tract records: %w", err)
	}
	return n, nil
}

type sqliteTract struct {
	TractID            string          `db:"tract_id"`
	StateCode          string          `db:"state_code"`
	CountyCode         string          `db:"county_code"`
	TractCode          string          `db:"tract_code"`
	IncomeLevel        string          `db:"income_level"`
	Eligible           bool            `db:"eligible"`
	MedianIncomePct    sql.NullFloat64 `db:"median_income_pct"`
	TractMedianIncome  sql.NullFloat64 `db:"tract_median_income"`
	MSAMedianIncome    sql.NullFloat64 `db:"msa_median_income"`
	Population         sql.NullInt64   `db:"population"`
	MinorityPct        sql.NullFloat64 `db:"minority_pct"`
	OwnerOccupiedUnits sql.NullInt64   `db:"owner_occupied_units"`
	JobID              sql.NullString  `db:"job_id"`
	UpdatedAt          string          `db:"updated_at"`
}

func (s *SQLite) GetRecord(ctx context.Context, tractID string) (models.TractRecord, error) {
	var row sqliteTract
	err := s.db.GetContext(ctx, &row, `SELECT * FROM tract_records WHERE tract_id = ?`, tractID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TractRecord{}, fmt.Errorf("tract %s: %w", tractID, models.ErrNotFound)
	}
	if err != nil {
		return models.TractRecord{}, fmt.Errorf("get tract %s: %w", tractID, err)
	}
	r := models.TractRecord{
		TractID:            row.TractID,
		StateCode:          row.StateCode,
		CountyCode:         row.CountyCode,
		TractCode:          row.TractCode,
		IncomeLevel:        row.IncomeLevel,
		Eligible:           row.Eligible,
		MedianIncomePct:    nullFloat(row.MedianIncomePct),
		TractMedianIncome:  nullFloat(row.TractMedianIncome),
		MSAMedianIncome:    nullFloat(row.MSAMedianIncome),
		Population:         nullInt(row.Population),
		MinorityPct:        nullFloat(row.MinorityPct),
		OwnerOccupiedUnits: nullInt(row.OwnerOccupiedUnits),
		JobID:              row.JobID.String,
	}
	r.UpdatedAt, _ = time.Parse(timeFormat, row.UpdatedAt)
	return r, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}
