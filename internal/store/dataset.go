package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/roach88/corpus/internal/ir"
)

// Dataset is a flat, exportable view of part of the container. Every
// record carries the keys in Columns; absent values are ir.Null.
type Dataset struct {
	Path    string
	Kind    string
	Columns []string
	Records []ir.Object
}

var datasetColumns = map[string][]string{
	"sessions": {"id", "title", "created_at", "audio_chunks", "transcription_chunks", "diarization_chunks", "jobs"},
	"chunks":   {"session_id", "kind", "chunk_number", "duration_ms", "created_at", "payload_sha256", "text", "payload_base64"},
	"jobs": {"id", "session_id", "kind", "status", "total_chunks", "processed_chunks", "next_chunk",
		"stopped_at_chunk", "error", "created_at", "updated_at"},
	"embeddings": {"session_id", "chunk_number", "model", "dims", "vector_sha256", "created_at"},
}

// ExportPath resolves a dataset path:
//
//	/sessions
//	/sessions/<id>
//	/sessions/<id>/chunks[/<kind>]
//	/sessions/<id>/jobs
//	/sessions/<id>/embeddings
//	/jobs/<id>
func (s *Store) ExportPath(ctx context.Context, path string) (Dataset, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] == "sessions":
		sessions, err := s.ListSessions(ctx)
		if err != nil {
			return Dataset{}, err
		}
		ds := newDataset(path, "sessions")
		for _, sess := range sessions {
			rec, err := s.sessionRecord(ctx, sess)
			if err != nil {
				return Dataset{}, err
			}
			ds.Records = append(ds.Records, rec)
		}
		return ds, nil

	case len(parts) == 2 && parts[0] == "sessions":
		sess, err := s.ReadSession(ctx, parts[1])
		if err != nil {
			return Dataset{}, err
		}
		rec, err := s.sessionRecord(ctx, sess)
		if err != nil {
			return Dataset{}, err
		}
		ds := newDataset(path, "sessions")
		ds.Records = append(ds.Records, rec)
		return ds, nil

	case len(parts) >= 3 && len(parts) <= 4 && parts[0] == "sessions" && parts[2] == "chunks":
		if _, err := s.ReadSession(ctx, parts[1]); err != nil {
			return Dataset{}, err
		}
		var kind ChunkKind
		if len(parts) == 4 {
			kind = ChunkKind(parts[3])
			if !kind.Valid() {
				return Dataset{}, fmt.Errorf("export path %s: unknown chunk kind %q", path, parts[3])
			}
		}
		chunks, err := s.ListChunks(ctx, parts[1], kind)
		if err != nil {
			return Dataset{}, err
		}
		ds := newDataset(path, "chunks")
		for _, c := range chunks {
			ds.Records = append(ds.Records, chunkRecord(c))
		}
		return ds, nil

	case len(parts) == 3 && parts[0] == "sessions" && parts[2] == "jobs":
		jobs, err := s.ListJobs(ctx, JobFilter{SessionID: parts[1]})
		if err != nil {
			return Dataset{}, err
		}
		ds := newDataset(path, "jobs")
		for _, j := range jobs {
			ds.Records = append(ds.Records, jobRecord(j))
		}
		return ds, nil

	case len(parts) == 3 && parts[0] == "sessions" && parts[2] == "embeddings":
		embeddings, err := s.ReadEmbeddings(ctx, parts[1])
		if err != nil {
			return Dataset{}, err
		}
		ds := newDataset(path, "embeddings")
		for _, e := range embeddings {
			rec, err := embeddingRecord(e)
			if err != nil {
				return Dataset{}, err
			}
			ds.Records = append(ds.Records, rec)
		}
		return ds, nil

	case len(parts) == 2 && parts[0] == "jobs":
		j, err := s.ReadJob(ctx, parts[1])
		if err != nil {
			return Dataset{}, err
		}
		ds := newDataset(path, "jobs")
		ds.Records = append(ds.Records, jobRecord(j))
		return ds, nil
	}

	return Dataset{}, fmt.Errorf("export path %q: %w", path, ErrNotFound)
}

func newDataset(path, kind string) Dataset {
	return Dataset{Path: path, Kind: kind, Columns: datasetColumns[kind], Records: []ir.Object{}}
}

func (s *Store) sessionRecord(ctx context.Context, sess Session) (ir.Object, error) {
	rec := ir.Obj(
		ir.O("id", ir.String(sess.ID)),
		ir.O("title", ir.String(sess.Title)),
		ir.O("created_at", ir.String(formatTime(sess.CreatedAt))),
	)
	for _, kind := range []ChunkKind{ChunkAudio, ChunkTranscription, ChunkDiarization} {
		last, ok, err := s.LastChunkNumber(ctx, sess.ID, kind)
		if err != nil {
			return nil, err
		}
		count := int64(0)
		if ok {
			count = last + 1
		}
		rec[string(kind)+"_chunks"] = ir.Int(count)
	}
	jobs, err := s.ListJobs(ctx, JobFilter{SessionID: sess.ID})
	if err != nil {
		return nil, err
	}
	rec["jobs"] = ir.Int(int64(len(jobs)))
	return rec, nil
}

func chunkRecord(c Chunk) ir.Object {
	rec := ir.Obj(
		ir.O("session_id", ir.String(c.SessionID)),
		ir.O("kind", ir.String(c.Kind)),
		ir.O("chunk_number", ir.Int(c.Number)),
		ir.O("duration_ms", ir.Int(c.Duration.Milliseconds())),
		ir.O("created_at", ir.String(formatTime(c.CreatedAt))),
		ir.O("payload_sha256", ir.String(ir.HashBytes(c.Payload))),
		ir.O("text", ir.Null{}),
		ir.O("payload_base64", ir.Null{}),
	)
	// Audio stays binary; transcripts and diarization are UTF-8 text.
	if c.Kind != ChunkAudio && utf8.Valid(c.Payload) {
		rec["text"] = ir.String(string(c.Payload))
	} else {
		rec["payload_base64"] = ir.String(base64.StdEncoding.EncodeToString(c.Payload))
	}
	return rec
}

func jobRecord(j Job) ir.Object {
	rec := ir.Obj(
		ir.O("id", ir.String(j.ID)),
		ir.O("session_id", ir.String(j.SessionID)),
		ir.O("kind", ir.String(j.Kind)),
		ir.O("status", ir.String(j.Status)),
		ir.O("total_chunks", ir.Int(j.TotalChunks)),
		ir.O("processed_chunks", ir.Int(j.ProcessedChunks)),
		ir.O("next_chunk", ir.Int(j.NextChunk)),
		ir.O("stopped_at_chunk", ir.Null{}),
		ir.O("error", ir.String(j.Error)),
		ir.O("created_at", ir.String(formatTime(j.CreatedAt))),
		ir.O("updated_at", ir.String(formatTime(j.UpdatedAt))),
	)
	if j.StoppedAtChunk != nil {
		rec["stopped_at_chunk"] = ir.Int(*j.StoppedAtChunk)
	}
	return rec
}

func embeddingRecord(e Embedding) (ir.Object, error) {
	vector, err := marshalVector(e.Vector)
	if err != nil {
		return nil, err
	}
	return ir.Obj(
		ir.O("session_id", ir.String(e.SessionID)),
		ir.O("chunk_number", ir.Int(e.ChunkNumber)),
		ir.O("model", ir.String(e.Model)),
		ir.O("dims", ir.Int(int64(len(e.Vector)))),
		ir.O("vector_sha256", ir.String(ir.HashBytes(vector))),
		ir.O("created_at", ir.String(formatTime(e.CreatedAt))),
	), nil
}
