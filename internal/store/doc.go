// Package store provides the SQLite-backed corpus container.
//
// The container holds four collections:
//   - sessions: one row per recording session
//   - chunks: numbered audio, transcription and diarization chunks
//   - jobs: processing job state
//   - embeddings: msgpack-encoded vectors per chunk and model
//
// # Single writer, many readers
//
// A writer handle takes the lock artifact <path>.lock (created with
// O_EXCL) and is the only handle allowed to mutate the container. Reader
// handles open the file read-only and pin a snapshot; Refresh advances it.
// WAL mode lets readers proceed while the writer commits, and a reader
// never observes a partially written record.
//
// # Contiguity
//
// Chunk numbers of each (session, kind) stream are contiguous from zero.
// AppendChunk rejects gaps and duplicates with *OutOfOrderChunkError.
//
// # Per-record integrity
//
// Every row carries a checksum over its other columns. Reads verify it and
// report *CorruptRecordError; ScanRecords hands corrupt rows to the caller
// so that migrations can skip them.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=FULL: committed writes survive power loss
//   - busy_timeout=5000: wait for checkpoint locks up to 5 seconds
//   - foreign_keys=ON: chunks, jobs and embeddings reference sessions
package store
