// Package store persists import jobs and canonical tract records.
package store

import (
	"context"
	"fmt"
	"time"

	"census-import/internal/models"
)

// Backend is the union of job and record persistence both drivers provide.
type Backend interface {
	CreateJob(ctx context.Context, p models.CreateJobParams) (models.ImportJob, error)
	GetJob(ctx context.Context, id string) (models.ImportJob, error)
	ListJobs(ctx context.Context, limit int) ([]models.ImportJob, error)
	BeginChunk(ctx context.Context, id string, now, leaseUntil time.Time) (models.ImportJob, bool, error)
	ReleaseChunk(ctx context.Context, id string, restore models.Status) error
	UpdateProgress(ctx context.Context, id string, upd models.ProgressUpdate) (models.ImportJob, error)
	MarkFailed(ctx context.Context, id string, lastError string) error
	Cancel(ctx context.Context, id string) (models.ImportJob, error)
	Reset(ctx context.Context) error

	UpsertRecords(ctx context.Context, records []models.TractRecord) (int, error)
	CountRecords(ctx context.Context, eligibleOnly bool) (int64, error)
	GetRecord(ctx context.Context, tractID string) (models.TractRecord, error)

	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*SQLite)(nil)
)

// Open connects to the configured driver and applies its migrations.
func Open(ctx context.Context, driver, postgresDSN, sqlitePath string) (Backend, error) {
	switch driver {
	case "postgres", "":
		st, err := New(ctx, postgresDSN)
		if err != nil {
			return nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return st, nil
	case "sqlite":
		return OpenSQLite(ctx, sqlitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
