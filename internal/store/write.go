package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/corpus/internal/auditlog"
	"github.com/roach88/corpus/internal/ir"
)

// CreateSession inserts a session if it does not exist yet.
// Returns created=false when the session was already present.
func (s *Store) CreateSession(ctx context.Context, sess Session) (created bool, err error) {
	if err := s.writable(); err != nil {
		return false, err
	}
	start := time.Now()
	defer func() {
		s.auditWrite(ctx, "session.create", sess.ID, start, err, ir.Obj(ir.O("created", ir.Bool(created))))
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("create session: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	created, err = s.insertSession(ctx, tx, sess)
	if err != nil {
		return false, fmt.Errorf("create session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("create session: commit: %w", err)
	}
	return created, nil
}

// insertSession uses ON CONFLICT(id) DO NOTHING so the first upload and an
// explicit create race harmlessly.
func (s *Store) insertSession(ctx context.Context, tx *sql.Tx, sess Session) (bool, error) {
	if sess.ID == "" {
		return false, fmt.Errorf("session id is required")
	}
	createdAt := sess.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock()
	}
	metadata, err := marshalMetadata(sess.Metadata)
	if err != nil {
		return false, err
	}

	values, err := withChecksum(sessionsTable, []any{
		sess.ID, sess.Title, formatTime(createdAt), metadata, nil,
	})
	if err != nil {
		return false, err
	}

	result, err := tx.ExecContext(ctx, sessionsTable.insertSQL()+" ON CONFLICT(id) DO NOTHING", values...)
	if err != nil {
		return false, fmt.Errorf("insert session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// AppendChunk commits the next chunk of a (session, kind) stream.
//
// The chunk number must equal the last committed number plus one (zero for
// an empty stream); anything else returns *OutOfOrderChunkError and nothing
// is written. The session is created on its first chunk. The check and the
// insert run in one IMMEDIATE transaction, and the commit is fsynced before
// AppendChunk returns.
func (s *Store) AppendChunk(ctx context.Context, c Chunk) (err error) {
	if err := s.writable(); err != nil {
		return err
	}
	start := time.Now()
	defer func() {
		outcome := "ok"
		if IsOutOfOrderChunk(err) {
			outcome = "out_of_order"
		} else if err != nil {
			outcome = "error"
		}
		s.metrics.ChunkAppended(string(c.Kind), outcome)
		s.auditWrite(ctx, "chunk.append", c.SessionID, start, err, ir.Obj(
			ir.O("kind", ir.String(c.Kind)),
			ir.O("chunk_number", ir.Int(c.Number)),
			ir.O("bytes", ir.Int(int64(len(c.Payload)))),
		))
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append chunk: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.appendChunkTx(ctx, tx, c); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append chunk: commit: %w", err)
	}
	return nil
}

func (s *Store) appendChunkTx(ctx context.Context, tx *sql.Tx, c Chunk) error {
	if !c.Kind.Valid() {
		return fmt.Errorf("append chunk: invalid kind %q", c.Kind)
	}
	if c.SessionID == "" {
		return fmt.Errorf("append chunk: session id is required")
	}
	if c.Duration < 0 {
		return fmt.Errorf("append chunk: negative duration %s", c.Duration)
	}

	if _, err := s.insertSession(ctx, tx, Session{ID: c.SessionID}); err != nil {
		return fmt.Errorf("append chunk: %w", err)
	}

	want, err := nextChunkNumber(ctx, tx, c.SessionID, c.Kind)
	if err != nil {
		return fmt.Errorf("append chunk: %w", err)
	}
	if c.Number != want {
		return &OutOfOrderChunkError{SessionID: c.SessionID, ChunkKind: c.Kind, Got: c.Number, Want: want}
	}

	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock()
	}
	payload := c.Payload
	if payload == nil {
		payload = []byte{}
	}

	values, err := withChecksum(chunksTable, []any{
		c.SessionID, string(c.Kind), c.Number, payload, c.Duration.Milliseconds(), formatTime(createdAt), nil,
	})
	if err != nil {
		return fmt.Errorf("append chunk: %w", err)
	}
	if _, err := tx.ExecContext(ctx, chunksTable.insertSQL(), values...); err != nil {
		return fmt.Errorf("append chunk: insert: %w", err)
	}
	return nil
}

func nextChunkNumber(ctx context.Context, q querier, sessionID string, kind ChunkKind) (int64, error) {
	var last sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT MAX(chunk_number) FROM chunks
		WHERE session_id = ? AND kind = ?
	`, sessionID, string(kind)).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("last chunk number: %w", err)
	}
	if !last.Valid {
		return 0, nil
	}
	return last.Int64 + 1, nil
}

// UpsertJob creates or replaces a job row.
//
// A queued or processing job is rejected with *JobConflictError when the
// session already has a different active job. The check runs inside the
// write transaction and is backed by a partial unique index.
func (s *Store) UpsertJob(ctx context.Context, j Job) (err error) {
	if err := s.writable(); err != nil {
		return err
	}
	start := time.Now()
	defer func() {
		s.auditWrite(ctx, "job.write", j.SessionID, start, err, ir.Obj(
			ir.O("job_id", ir.String(j.ID)),
			ir.O("status", ir.String(j.Status)),
		))
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert job: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.upsertJobTx(ctx, tx, j); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert job: commit: %w", err)
	}
	return nil
}

func (s *Store) upsertJobTx(ctx context.Context, tx *sql.Tx, j Job) error {
	if j.ID == "" || j.SessionID == "" {
		return fmt.Errorf("upsert job: id and session id are required")
	}
	if !j.Kind.Valid() {
		return fmt.Errorf("upsert job: invalid kind %q", j.Kind)
	}
	if _, err := s.insertSession(ctx, tx, Session{ID: j.SessionID}); err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}

	if j.Status.Active() {
		var existing string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM jobs
			WHERE session_id = ? AND status IN ('queued', 'processing') AND id != ?
			LIMIT 1
		`, j.SessionID, j.ID).Scan(&existing)
		switch {
		case err == nil:
			return &JobConflictError{SessionID: j.SessionID, ExistingJobID: existing}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("upsert job: check active: %w", err)
		}
	}

	now := s.clock()
	if j.CreatedAt.IsZero() {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT created_at FROM jobs WHERE id = ?`, j.ID).Scan(&existing)
		switch {
		case err == nil:
			if j.CreatedAt, err = parseTime(existing); err != nil {
				return fmt.Errorf("upsert job: %w", err)
			}
		case errors.Is(err, sql.ErrNoRows):
			j.CreatedAt = now
		default:
			return fmt.Errorf("upsert job: read created_at: %w", err)
		}
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = now
	}

	var stopped any
	if j.StoppedAtChunk != nil {
		stopped = *j.StoppedAtChunk
	}
	values, err := withChecksum(jobsTable, []any{
		j.ID, j.SessionID, string(j.Kind), string(j.Status),
		j.TotalChunks, j.ProcessedChunks, j.NextChunk, stopped, j.Error,
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt), nil,
	})
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}

	result, err := tx.ExecContext(ctx, jobsTable.insertSQL()+`
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			total_chunks = excluded.total_chunks,
			processed_chunks = excluded.processed_chunks,
			next_chunk = excluded.next_chunk,
			stopped_at_chunk = excluded.stopped_at_chunk,
			error = excluded.error,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			checksum = excluded.checksum
		WHERE jobs.session_id = excluded.session_id AND jobs.kind = excluded.kind
	`, values...)
	if err != nil {
		if isUniqueViolation(err) {
			return &JobConflictError{SessionID: j.SessionID}
		}
		return fmt.Errorf("upsert job: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("upsert job: rows affected: %w", err)
	} else if n == 0 {
		return fmt.Errorf("upsert job: job %s belongs to another session or kind", j.ID)
	}
	return nil
}

// CommitJobChunk appends a job's output chunk and stores the job's new
// progress in one transaction, so processed_chunks never disagrees with
// the committed stream after a crash.
func (s *Store) CommitJobChunk(ctx context.Context, c Chunk, j Job) (err error) {
	if err := s.writable(); err != nil {
		return err
	}
	start := time.Now()
	defer func() {
		outcome := "ok"
		if IsOutOfOrderChunk(err) {
			outcome = "out_of_order"
		} else if err != nil {
			outcome = "error"
		}
		s.metrics.ChunkAppended(string(c.Kind), outcome)
		s.auditWrite(ctx, "job.chunk", c.SessionID, start, err, ir.Obj(
			ir.O("job_id", ir.String(j.ID)),
			ir.O("kind", ir.String(c.Kind)),
			ir.O("chunk_number", ir.Int(c.Number)),
			ir.O("processed_chunks", ir.Int(j.ProcessedChunks)),
			ir.O("bytes", ir.Int(int64(len(c.Payload)))),
		))
	}()

	if c.SessionID != j.SessionID {
		return fmt.Errorf("commit job chunk: chunk session %s does not match job session %s", c.SessionID, j.SessionID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit job chunk: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.appendChunkTx(ctx, tx, c); err != nil {
		return err
	}
	if err := s.upsertJobTx(ctx, tx, j); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit job chunk: commit: %w", err)
	}
	return nil
}

// PutEmbedding stores a vector for one chunk and model. Embeddings are
// append-only: a second put for the same key is ignored.
func (s *Store) PutEmbedding(ctx context.Context, e Embedding) (err error) {
	if err := s.writable(); err != nil {
		return err
	}
	start := time.Now()
	defer func() {
		s.auditWrite(ctx, "embedding.put", e.SessionID, start, err, ir.Obj(
			ir.O("chunk_number", ir.Int(e.ChunkNumber)),
			ir.O("model", ir.String(e.Model)),
		))
	}()

	if e.Model == "" {
		return fmt.Errorf("put embedding: model is required")
	}
	vector, err := marshalVector(e.Vector)
	if err != nil {
		return fmt.Errorf("put embedding: %w", err)
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock()
	}

	values, err := withChecksum(embeddingsTable, []any{
		e.SessionID, e.ChunkNumber, e.Model, int64(len(e.Vector)), vector, formatTime(createdAt), nil,
	})
	if err != nil {
		return fmt.Errorf("put embedding: %w", err)
	}

	_, err = s.db.ExecContext(ctx, embeddingsTable.insertSQL()+
		" ON CONFLICT(session_id, chunk_number, model) DO NOTHING", values...)
	if err != nil {
		return fmt.Errorf("put embedding: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// IsForeignKeyViolation reports whether err was caused by a missing parent
// row.
func IsForeignKeyViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}

// auditWrite emits the storage event for a mutating call. Audit failures
// are logged and never undo a committed write.
func (s *Store) auditWrite(ctx context.Context, action, sessionID string, start time.Time, err error, details ir.Object) {
	entry := auditlog.Entry{
		Action:    action,
		OK:        err == nil,
		SessionID: sessionID,
		Latency:   time.Since(start),
		Details:   details,
	}
	if err != nil {
		entry.Details = details.Clone()
		for k, v := range errorDetails(err) {
			entry.Details[k] = v
		}
		slog.Debug("storage write rejected", "action", action, "session_id", sessionID, "error", err)
	}
	s.audit(ctx, entry)
}

func (s *Store) audit(ctx context.Context, entry auditlog.Entry) {
	entry.Service = auditlog.ServiceStorage
	if entry.Level == "" {
		entry.Level = auditlog.LevelInfo
		if !entry.OK {
			entry.Level = auditlog.LevelWarn
		}
	}
	if _, err := s.auditor.Emit(ctx, entry); err != nil {
		slog.Error("storage audit failed", "action", entry.Action, "error", err)
	}
}

func errorDetails(err error) ir.Object {
	return ir.Obj(
		ir.O("error", ir.String(ErrorKind(err))),
		ir.O("message", ir.String(err.Error())),
	)
}
