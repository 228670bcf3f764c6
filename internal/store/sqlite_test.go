package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"census-import/internal/models"
)

func setupTestDB(t *testing.T) *SQLite {
	t.Helper()
	db, err := OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newJob(t *testing.T, s Backend, totalRows, chunkSize int) models.ImportJob {
	t.Helper()
	job, err := s.CreateJob(context.Background(), models.CreateJobParams{
		Variant:     "tracts",
		SourceKey:   "tracts.csv",
		ChunkSize:   chunkSize,
		TotalRows:   totalRows,
		TotalChunks: models.TotalChunksFor(totalRows, chunkSize),
	})
	require.NoError(t, err)
	return job
}

func fptr(v float64) *float64 { return &v }

func tract(id, level string) models.TractRecord {
	return models.TractRecord{
		TractID:     id,
		StateCode:   id[:2],
		CountyCode:  id[2:5],
		TractCode:   id[5:],
		IncomeLevel: level,
		Eligible:    level == "Low" || level == "Moderate",
	}
}

func TestCreateAndGetJob(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	job := newJob(t, s, 5, 2)
	require.NotEmpty(t, job.ID)
	require.Equal(t, models.StatusPending, job.Status)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 5, got.TotalRows)
	require.Equal(t, 3, got.TotalChunks)
	require.Equal(t, 2, got.ChunkSize)
	require.Empty(t, got.ErrorDetails)

	_, err = s.GetJob(ctx, "missing")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestBeginChunkIsExclusive(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	job := newJob(t, s, 5, 2)
	now := time.Now().UTC()

	claimed, ok, err := s.BeginChunk(ctx, job.ID, now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, models.StatusProcessing, claimed.Status)
	require.NotNil(t, claimed.LeaseUntil)

	_, ok, err = s.BeginChunk(ctx, job.ID, now.Add(time.Second), now.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, ok, "second claim must observe the live lease")

	// An expired lease can be taken over.
	_, ok, err = s.BeginChunk(ctx, job.ID, now.Add(2*time.Minute), now.Add(3*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.ReleaseChunk(ctx, job.ID, models.StatusPending))
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, got.Status)
	require.Nil(t, got.LeaseUntil)
}

func TestBeginChunkConcurrentOnFile(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	job := newJob(t, s, 5, 2)
	now := time.Now().UTC()

	const callers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		won  int
		errs []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, ok, err := s.BeginChunk(ctx, job.ID, now, now.Add(time.Minute))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if ok {
				won++
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, errs)
	require.Equal(t, 1, won)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusProcessing, got.Status)
	require.NotNil(t, got.LeaseUntil)
}

func TestUpdateProgressCompletesJob(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	job := newJob(t, s, 3, 2)

	processing := models.StatusProcessing
	got, err := s.UpdateProgress(ctx, job.ID, models.ProgressUpdate{
		Status:             &processing,
		ProcessedRowsDelta: 1,
		FailedRowsDelta:    1,
		ChunkCompleted:     true,
		Errors:             []models.RowError{{Row: 2, Error: "tract_id: all zeros"}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, got.CurrentChunk)
	require.Equal(t, models.StatusProcessing, got.Status)

	got, err = s.UpdateProgress(ctx, job.ID, models.ProgressUpdate{ProcessedRowsDelta: 1, ChunkCompleted: true})
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, got.Status)
	require.Equal(t, 2, got.CurrentChunk)
	require.Equal(t, 2, got.ProcessedRows)
	require.Equal(t, 1, got.FailedRows)

	reloaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, []models.RowError{{Row: 2, Error: "tract_id: all zeros"}}, reloaded.ErrorDetails)

	// The cursor never passes totalChunks.
	got, err = s.UpdateProgress(ctx, job.ID, models.ProgressUpdate{ChunkCompleted: true})
	require.NoError(t, err)
	require.Equal(t, 2, got.CurrentChunk)
}

func TestCancelAndMarkFailedRespectTerminal(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	job := newJob(t, s, 4, 2)
	got, err := s.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, got.Status)

	require.NoError(t, s.MarkFailed(ctx, job.ID, "boom"))
	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, got.Status)
	require.Nil(t, got.LastError)

	// Progress from a chunk that was in flight keeps the cancelled status.
	got, err = s.UpdateProgress(ctx, job.ID, models.ProgressUpdate{ProcessedRowsDelta: 2, ChunkCompleted: true})
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, got.Status)

	other := newJob(t, s, 4, 2)
	require.NoError(t, s.MarkFailed(ctx, other.ID, "boom"))
	got, err = s.Cancel(ctx, other.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Equal(t, "boom", *got.LastError)

	_, err = s.Cancel(ctx, "missing")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestUpsertRecordsReplaces(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	first := tract("06037101110", "Low")
	first.MedianIncomePct = fptr(48.5)
	n, err := s.UpsertRecords(ctx, []models.TractRecord{first, tract("06037101120", "Upper")})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = s.UpsertRecords(ctx, []models.TractRecord{first, tract("06037101120", "Upper")})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	total, err := s.CountRecords(ctx, false)
	require.NoError(t, err)
	require.Equal(t, int64(2), total)

	// Same id twice in one batch: the later one wins.
	replaced := tract("06037101110", "Middle")
	n, err = s.UpsertRecords(ctx, []models.TractRecord{tract("06037101110", "Moderate"), replaced})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.GetRecord(ctx, "06037101110")
	require.NoError(t, err)
	require.Equal(t, "Middle", got.IncomeLevel)
	require.False(t, got.Eligible)
	require.Nil(t, got.MedianIncomePct)

	eligible, err := s.CountRecords(ctx, true)
	require.NoError(t, err)
	require.Equal(t, int64(0), eligible)

	_, err = s.GetRecord(ctx, "99999999999")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestUpsertLargeBatch(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	records := make([]models.TractRecord, 0, 1200)
	for i := 1; i <= 1200; i++ {
		id := "06037" + leftPad(i, 6)
		records = append(records, tract(id, "Low"))
	}
	n, err := s.UpsertRecords(ctx, records)
	require.NoError(t, err)
	require.Equal(t, 1200, n)

	eligible, err := s.CountRecords(ctx, true)
	require.NoError(t, err)
	require.Equal(t, int64(1200), eligible)
}

func TestResetClearsEverything(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	newJob(t, s, 1, 1)
	_, err := s.UpsertRecords(ctx, []models.TractRecord{tract("06037101110", "Low")})
	require.NoError(t, err)

	require.NoError(t, s.Reset(ctx))

	jobs, err := s.ListJobs(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, jobs)
	total, err := s.CountRecords(ctx, false)
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestListJobsNewestFirst(t *testing.T) {
	s := setupTestDB(t)
	a := newJob(t, s, 1, 1)
	time.Sleep(2 * time.Millisecond)
	b := newJob(t, s, 1, 1)

	jobs, err := s.ListJobs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, b.ID, jobs[0].ID)
	require.Equal(t, a.ID, jobs[1].ID)
}

func leftPad(n, width int) string {
	s := []byte{}
	for n > 0 {
		s = append([]byte{byte('0' + n%10)}, s...)
		n /= 10
	}
	for len(s) < width {
		s = append([]byte{'0'}, s...)
	}
	return string(s)
}
