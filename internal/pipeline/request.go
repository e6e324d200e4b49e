package pipeline

import (
	"context"

	"github.com/roach88/corpus/internal/store"
)

// requestType distinguishes queued requests.
type requestType int

const (
	requestSubmitChunk requestType = iota + 1
	requestJob
	requestFinishStream
	requestCancelJob
	requestResumeJob
)

func (t requestType) String() string {
	switch t {
	case requestSubmitChunk:
		return "submit_chunk"
	case requestJob:
		return "request_job"
	case requestFinishStream:
		return "finish_stream"
	case requestCancelJob:
		return "cancel_job"
	case requestResumeJob:
		return "resume_job"
	}
	return "unknown"
}

// request is one write the Run loop applies on behalf of a caller.
type request struct {
	Type      requestType
	SessionID string
	JobID     string
	Chunk     store.Chunk
	JobKind   store.JobKind
	Total     int64
	From      int64

	ctx   context.Context
	reply chan reply
}

type reply struct {
	value any
	err   error
}
