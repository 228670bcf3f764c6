//go:build integration

package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"census-import/internal/models"
)

var pgStore *Store

func TestMain(m *testing.M) {
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "census",
				"POSTGRES_PASSWORD": "census",
				"POSTGRES_DB":       "census",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("container host: %v", err)
	}
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://census:census@%s:%s/census?sslmode=disable", host, port.Port())
	backend, err := Open(ctx, "postgres", dsn, "")
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	pgStore = backend.(*Store)

	code := m.Run()

	_ = pgStore.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func TestPostgresLeaseAndProgress(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, pgStore.Reset(ctx))

	job := newJob(t, pgStore, 5, 2)
	require.Equal(t, 3, job.TotalChunks)
	require.Empty(t, job.ErrorDetails)

	now := time.Now().UTC()
	_, ok, err := pgStore.BeginChunk(ctx, job.ID, now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = pgStore.BeginChunk(ctx, job.ID, now, now.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, ok)

	for i := 0; i < 4; i++ {
		_, err = pgStore.UpdateProgress(ctx, job.ID, models.ProgressUpdate{
			ProcessedRowsDelta: 1,
			ChunkCompleted:     true,
			Errors:             []models.RowError{{Row: i + 1, Error: "bad"}},
		})
		require.NoError(t, err)
	}

	got, err := pgStore.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, got.Status)
	require.Equal(t, 3, got.CurrentChunk)
	require.Equal(t, 4, got.ProcessedRows)
	require.Len(t, got.ErrorDetails, 4)
	require.Nil(t, got.LeaseUntil)

	_, err = pgStore.GetJob(ctx, "missing")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestPostgresCancelIsSticky(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, pgStore.Reset(ctx))

	job := newJob(t, pgStore, 4, 2)
	got, err := pgStore.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, got.Status)

	require.NoError(t, pgStore.MarkFailed(ctx, job.ID, "late"))
	got, err = pgStore.UpdateProgress(ctx, job.ID, models.ProgressUpdate{ProcessedRowsDelta: 2, ChunkCompleted: true})
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, got.Status)
	require.Nil(t, got.LastError)
}

func TestPostgresUpsertRecords(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, pgStore.Reset(ctx))

	low := tract("06037101110", "Low")
	low.MedianIncomePct = fptr(48.5)
	n, err := pgStore.UpsertRecords(ctx, []models.TractRecord{
		low,
		tract("06037101120", "Upper"),
		tract("06037101120", "Moderate"),
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// Rerunning the same batch leaves the table unchanged.
	_, err = pgStore.UpsertRecords(ctx, []models.TractRecord{low, tract("06037101120", "Moderate")})
	require.NoError(t, err)

	total, err := pgStore.CountRecords(ctx, false)
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
	eligible, err := pgStore.CountRecords(ctx, true)
	require.NoError(t, err)
	require.Equal(t, int64(2), eligible)

	got, err := pgStore.GetRecord(ctx, "06037101110")
	require.NoError(t, err)
	require.Equal(t, "Low", got.IncomeLevel)
	require.NotNil(t, got.MedianIncomePct)
	require.InDelta(t, 48.5, *got.MedianIncomePct, 0.001)

	_, err = pgStore.GetRecord(ctx, "99999999999")
	require.ErrorIs(t, err, models.ErrNotFound)
}
