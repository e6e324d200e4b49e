package store

import (
	"time"

	"github.com/roach88/corpus/internal/ir"
)

// ChunkKind identifies which stream a chunk belongs to. Contiguity is
// enforced independently per (session, kind).
type ChunkKind string

const (
	ChunkAudio         ChunkKind = "audio"
	ChunkTranscription ChunkKind = "transcription"
	ChunkDiarization   ChunkKind = "diarization"
)

// Valid reports whether k is a known chunk kind.
func (k ChunkKind) Valid() bool {
	switch k {
	case ChunkAudio, ChunkTranscription, ChunkDiarization:
		return true
	}
	return false
}

// JobKind is the processing a job performs.
type JobKind string

const (
	JobTranscription JobKind = "transcription"
	JobDiarization   JobKind = "diarization"
)

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	return k == JobTranscription || k == JobDiarization
}

// OutputKind is the chunk stream a job of this kind produces.
func (k JobKind) OutputKind() ChunkKind {
	if k == JobDiarization {
		return ChunkDiarization
	}
	return ChunkTranscription
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Active reports whether the status blocks new jobs for the session.
func (s JobStatus) Active() bool {
	return s == StatusQueued || s == StatusProcessing
}

// Terminal reports whether no further transition is possible without Resume.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Session is the container for one recording's chunks and jobs.
type Session struct {
	ID        string
	Title     string
	CreatedAt time.Time
	Metadata  ir.Object
}

// Chunk is one numbered unit of a session stream.
type Chunk struct {
	SessionID string
	Kind      ChunkKind
	Number    int64
	Payload   []byte
	// Duration must be >= 0. It is stored in whole milliseconds; any
	// sub-millisecond remainder is truncated.
	Duration  time.Duration
	CreatedAt time.Time
}

// Job is the persisted state of a processing job.
type Job struct {
	ID              string
	SessionID       string
	Kind            JobKind
	Status          JobStatus
	TotalChunks     int64
	ProcessedChunks int64
	NextChunk       int64  // resume cursor: next chunk number to process
	StoppedAtChunk  *int64 // chunk where the job failed, nil otherwise
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Embedding is a vector attached to one chunk for one model.
type Embedding struct {
	SessionID   string
	ChunkNumber int64
	Model       string
	Vector      []float32
	CreatedAt   time.Time
}

// JobFilter narrows ListJobs. Zero fields match everything.
type JobFilter struct {
	SessionID string
	Status    JobStatus
}
