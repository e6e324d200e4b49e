package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ReadSession retrieves a session by ID.
// Returns ErrNotFound if it does not exist.
func (s *Store) ReadSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	err := s.read(func(q querier) error {
		values, err := queryOne(ctx, q, sessionsTable, "WHERE id = ?", id)
		if err != nil {
			return err
		}
		sess, err = decodeSession(values)
		return err
	})
	if err != nil {
		return Session{}, fmt.Errorf("read session %s: %w", id, err)
	}
	return sess, nil
}

// ListSessions returns all sessions ordered by creation time, then id.
// Returns an empty slice (not nil) when there are none.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	sessions := []Session{}
	err := s.read(func(q querier) error {
		return queryEach(ctx, q, sessionsTable, "ORDER BY created_at ASC, id COLLATE BINARY ASC", nil, func(values []any) error {
			sess, err := decodeSession(values)
			if err != nil {
				return err
			}
			sessions = append(sessions, sess)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// ReadJob retrieves a job by ID.
// Returns ErrNotFound if it does not exist.
func (s *Store) ReadJob(ctx context.Context, id string) (Job, error) {
	var job Job
	err := s.read(func(q querier) error {
		values, err := queryOne(ctx, q, jobsTable, "WHERE id = ?", id)
		if err != nil {
			return err
		}
		job, err = decodeJob(values)
		return err
	})
	if err != nil {
		return Job{}, fmt.Errorf("read job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs returns jobs matching filter ordered by creation time, then id.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ") + " "
	}
	clause += "ORDER BY created_at ASC, id COLLATE BINARY ASC"

	jobs := []Job{}
	err := s.read(func(q querier) error {
		return queryEach(ctx, q, jobsTable, clause, args, func(values []any) error {
			job, err := decodeJob(values)
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ActiveJob returns the queued or processing job of a session, if any.
func (s *Store) ActiveJob(ctx context.Context, sessionID string) (Job, bool, error) {
	var job Job
	err := s.read(func(q querier) error {
		values, err := queryOne(ctx, q, jobsTable,
			"WHERE session_id = ? AND status IN ('queued', 'processing') ORDER BY created_at ASC LIMIT 1", sessionID)
		if err != nil {
			return err
		}
		job, err = decodeJob(values)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("active job %s: %w", sessionID, err)
	}
	return job, true, nil
}

// LastChunkNumber returns the highest committed chunk number of a
// (session, kind) stream. ok is false when the stream is empty.
func (s *Store) LastChunkNumber(ctx context.Context, sessionID string, kind ChunkKind) (n int64, ok bool, err error) {
	err = s.read(func(q querier) error {
		next, err := nextChunkNumber(ctx, q, sessionID, kind)
		if err != nil {
			return err
		}
		n, ok = next-1, next > 0
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	if !ok {
		n = -1
	}
	return n, ok, nil
}

// ReadChunk retrieves one chunk.
// Returns ErrNotFound if it does not exist.
func (s *Store) ReadChunk(ctx context.Context, sessionID string, kind ChunkKind, number int64) (Chunk, error) {
	var c Chunk
	err := s.read(func(q querier) error {
		values, err := queryOne(ctx, q, chunksTable,
			"WHERE session_id = ? AND kind = ? AND chunk_number = ?", sessionID, string(kind), number)
		if err != nil {
			return err
		}
		c, err = decodeChunk(values)
		return err
	})
	if err != nil {
		return Chunk{}, fmt.Errorf("read chunk %s/%s/%d: %w", sessionID, kind, number, err)
	}
	return c, nil
}

// ListChunks returns a stream's chunks in chunk order. An empty kind
// returns every stream, ordered by kind then number.
func (s *Store) ListChunks(ctx context.Context, sessionID string, kind ChunkKind) ([]Chunk, error) {
	clause := "WHERE session_id = ? "
	args := []any{sessionID}
	if kind != "" {
		clause += "AND kind = ? "
		args = append(args, string(kind))
	}
	clause += "ORDER BY kind ASC, chunk_number ASC"

	chunks := []Chunk{}
	err := s.read(func(q querier) error {
		return queryEach(ctx, q, chunksTable, clause, args, func(values []any) error {
			c, err := decodeChunk(values)
			if err != nil {
				return err
			}
			chunks = append(chunks, c)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list chunks %s: %w", sessionID, err)
	}
	return chunks, nil
}

// ReadEmbeddings returns all embeddings of a session ordered by chunk
// number, then model.
func (s *Store) ReadEmbeddings(ctx context.Context, sessionID string) ([]Embedding, error) {
	embeddings := []Embedding{}
	err := s.read(func(q querier) error {
		return queryEach(ctx, q, embeddingsTable, "WHERE session_id = ? ORDER BY chunk_number ASC, model ASC",
			[]any{sessionID}, func(values []any) error {
				e, err := decodeEmbedding(values)
				if err != nil {
					return err
				}
				embeddings = append(embeddings, e)
				return nil
			})
	})
	if err != nil {
		return nil, fmt.Errorf("read embeddings %s: %w", sessionID, err)
	}
	return embeddings, nil
}

// queryOne reads a single row and verifies its checksum.
func queryOne(ctx context.Context, q querier, c collection, clause string, args ...any) ([]any, error) {
	row := q.QueryRowContext(ctx, c.selectSQL()+" "+clause, args...)
	values, err := c.scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &CorruptRecordError{Collection: c.name, Key: fmt.Sprint(args...), Reason: "decode: " + err.Error()}
	}
	if err := verifyChecksum(c, values); err != nil {
		return nil, err
	}
	return values, nil
}

// queryEach verifies and visits every matching row.
func queryEach(ctx context.Context, q querier, c collection, clause string, args []any, fn func([]any) error) error {
	rows, err := q.QueryContext(ctx, c.selectSQL()+" "+clause, args...)
	if err != nil {
		return fmt.Errorf("query %s: %w", c.name, err)
	}
	defer rows.Close()

	for rows.Next() {
		values, err := c.scanRow(rows)
		if err != nil {
			return &CorruptRecordError{Collection: c.name, Reason: "decode: " + err.Error()}
		}
		if err := verifyChecksum(c, values); err != nil {
			return err
		}
		if err := fn(values); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", c.name, err)
	}
	return nil
}

func decodeSession(v []any) (Session, error) {
	createdAt, err := parseTime(asString(v[2]))
	if err != nil {
		return Session{}, corrupt(sessionsTable, v, err)
	}
	metadata, err := unmarshalMetadata(asString(v[3]))
	if err != nil {
		return Session{}, corrupt(sessionsTable, v, err)
	}
	return Session{
		ID:        asString(v[0]),
		Title:     asString(v[1]),
		CreatedAt: createdAt,
		Metadata:  metadata,
	}, nil
}

func decodeChunk(v []any) (Chunk, error) {
	createdAt, err := parseTime(asString(v[5]))
	if err != nil {
		return Chunk{}, corrupt(chunksTable, v, err)
	}
	return Chunk{
		SessionID: asString(v[0]),
		Kind:      ChunkKind(asString(v[1])),
		Number:    asInt(v[2]),
		Payload:   asBytes(v[3]),
		Duration:  time.Duration(asInt(v[4])) * time.Millisecond,
		CreatedAt: createdAt,
	}, nil
}

func decodeJob(v []any) (Job, error) {
	createdAt, err := parseTime(asString(v[9]))
	if err != nil {
		return Job{}, corrupt(jobsTable, v, err)
	}
	updatedAt, err := parseTime(asString(v[10]))
	if err != nil {
		return Job{}, corrupt(jobsTable, v, err)
	}
	job := Job{
		ID:              asString(v[0]),
		SessionID:       asString(v[1]),
		Kind:            JobKind(asString(v[2])),
		Status:          JobStatus(asString(v[3])),
		TotalChunks:     asInt(v[4]),
		ProcessedChunks: asInt(v[5]),
		NextChunk:       asInt(v[6]),
		Error:           asString(v[8]),
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}
	if stopped, ok := v[7].(int64); ok {
		job.StoppedAtChunk = &stopped
	}
	return job, nil
}

func decodeEmbedding(v []any) (Embedding, error) {
	vector, err := unmarshalVector(asBytes(v[4]))
	if err != nil {
		return Embedding{}, corrupt(embeddingsTable, v, err)
	}
	createdAt, err := parseTime(asString(v[5]))
	if err != nil {
		return Embedding{}, corrupt(embeddingsTable, v, err)
	}
	return Embedding{
		SessionID:   asString(v[0]),
		ChunkNumber: asInt(v[1]),
		Model:       asString(v[2]),
		Vector:      vector,
		CreatedAt:   createdAt,
	}, nil
}

func corrupt(c collection, values []any, err error) error {
	return &CorruptRecordError{Collection: c.name, Key: c.keyOf(values), Reason: err.Error()}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int64 {
	n, _ := v.(int64)
	return n
}

func asBytes(v any) []byte {
	b, _ := v.([]byte)
	return b
}
