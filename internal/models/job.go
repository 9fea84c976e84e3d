package models

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusError      = "error"
)

// Job kinds share one table and are discriminated by Kind.
const (
	KindExport   = "export"
	KindDocument = "document"
)

// DefaultMaxAttempts bounds retries when a producer does not choose one.
const DefaultMaxAttempts = 5

// Job is a unit of background work persisted in Postgres.
type Job struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	Owner         string          `json:"owner"`
	Payload       json.RawMessage `json:"payload"`
	Status        string          `json:"status"`
	DeadLetter    bool            `json:"dead_letter"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	Error         *string         `json:"error,omitempty"`
	Result        *string         `json:"result,omitempty"`
}

// Terminal reports whether the job can never be claimed again.
func (j Job) Terminal() bool {
	return j.Status == StatusDone || j.DeadLetter
}

// CompletedEvent is the outbound event name emitted when a job of this kind finishes.
func CompletedEvent(kind string) string { return kind + ".completed" }

// FailedEvent is the outbound event name emitted when a job of this kind is dead-lettered.
func FailedEvent(kind string) string { return kind + ".failed" }

// ExportPayload parameterizes an export job.
type ExportPayload struct {
	Format string     `json:"format"`
	From   *time.Time `json:"from,omitempty"`
	To     *time.Time `json:"to,omitempty"`
}

// DocumentPayload parameterizes a document-processing job.
type DocumentPayload struct {
	RecordID  string `json:"record_id"`
	ObjectKey string `json:"object_key"`
	MimeType  string `json:"mime_type"`
}
