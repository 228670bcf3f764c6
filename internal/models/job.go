package models

import (
	"time"
)

// Status enumerates import job lifecycle states persisted in the job table.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further chunk processing is accepted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ImportJob is the durable descriptor of one import run.
type ImportJob struct {
	ID            string     `json:"id"`
	Variant       string     `json:"variant"`
	SourceKey     string     `json:"source_key"`
	ChunkSize     int        `json:"chunk_size"`
	Status        Status     `json:"status"`
	TotalRows     int        `json:"total_rows"`
	ProcessedRows int        `json:"processed_rows"`
	FailedRows    int        `json:"failed_rows"`
	CurrentChunk  int        `json:"current_chunk"`
	TotalChunks   int        `json:"total_chunks"`
	ErrorDetails  []RowError `json:"error_details"`
	LastError     *string    `json:"last_error,omitempty"`
	LeaseUntil    *time.Time `json:"lease_until,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// RowError records one rejected source row. Row is the 1-based data row
// number, header excluded.
type RowError struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

// ProgressUpdate is applied atomically after a chunk's records are stored.
type ProgressUpdate struct {
	Status             *Status
	ProcessedRowsDelta int
	FailedRowsDelta    int
	ChunkCompleted     bool
	Errors             []RowError
}

// TotalChunksFor returns ceil(totalRows/chunkSize).
func TotalChunksFor(totalRows, chunkSize int) int {
	if totalRows <= 0 || chunkSize <= 0 {
		return 0
	}
	return (totalRows + chunkSize - 1) / chunkSize
}

// ApplyProgress mutates job the way the stores' atomic progress update
// does: counters advance, errors append, the chunk cursor never passes
// TotalChunks, and a cancelled or failed job keeps its status.
func ApplyProgress(job *ImportJob, upd ProgressUpdate, now time.Time) {
	job.ProcessedRows += upd.ProcessedRowsDelta
	job.FailedRows += upd.FailedRowsDelta
	if upd.ChunkCompleted && job.CurrentChunk < job.TotalChunks {
		job.CurrentChunk++
	}
	job.ErrorDetails = append(job.ErrorDetails, upd.Errors...)
	switch {
	case job.Status == StatusCancelled || job.Status == StatusFailed:
	case job.CurrentChunk >= job.TotalChunks:
		job.Status = StatusCompleted
	case upd.Status != nil:
		job.Status = *upd.Status
	}
	job.LeaseUntil = nil
	job.UpdatedAt = now
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Variant     string
	SourceKey   string
	ChunkSize   int
	TotalRows   int
	TotalChunks int
	Status      Status
}
