package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/corpus/internal/auditlog"
	"github.com/roach88/corpus/internal/ids"
	"github.com/roach88/corpus/internal/metrics"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Base collections
// 2 - Partial unique index: at most one active job per session
const currentSchemaVersion = 2

// Mode selects the role of a handle.
type Mode int

const (
	// ModeWriter is the single handle allowed to mutate the container.
	ModeWriter Mode = iota
	// ModeReader observes a pinned snapshot; see Refresh.
	ModeReader
)

func (m Mode) String() string {
	if m == ModeWriter {
		return "writer"
	}
	return "reader"
}

// Store is a handle on a corpus container.
//
// Exactly one writer may be open per container; the lock artifact
// <path>.lock enforces this across processes. Any number of readers may be
// open concurrently with the writer. A reader sees the committed state as
// of Open (or its last Refresh) and never a partially written record.
type Store struct {
	path string
	mode Mode
	db   *sql.DB

	auditor  auditlog.Auditor
	metrics  *metrics.Metrics
	clock    ids.Clock
	lockWait time.Duration

	lock *fileLock

	// Reader snapshot. mu serializes use of the pinned transaction.
	mu   sync.Mutex
	snap *sql.Tx

	closeOnce sync.Once
	closed    bool
	closeErr  error
}

// Option configures a Store.
type Option func(*Store)

// WithAuditor records storage events on a.
func WithAuditor(a auditlog.Auditor) Option {
	return func(s *Store) {
		if a != nil {
			s.auditor = a
		}
	}
}

// WithLockWait makes a writer open retry with exponential backoff for up
// to d while the lock is held. Zero (the default) fails fast.
func WithLockWait(d time.Duration) Option {
	return func(s *Store) {
		s.lockWait = d
	}
}

// WithClock sets the timestamp source for created_at/updated_at.
func WithClock(clock ids.Clock) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// WithMetrics records store metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// Open opens the container at path in the given mode.
//
// A writer creates the container if needed, takes the writer lock and
// applies pragmas and migrations. A reader requires an existing container
// and pins a read snapshot.
//
// The writer connection is configured with:
//   - WAL mode so readers never block on the writer
//   - FULL synchronous mode so a returned write survives power loss
//   - 5-second busy timeout for checkpoint contention
//   - Foreign key enforcement
//   - IMMEDIATE transactions so contiguity checks and inserts are atomic
func Open(ctx context.Context, path string, mode Mode, opts ...Option) (*Store, error) {
	s := &Store{
		path:    path,
		mode:    mode,
		auditor: auditlog.Discard,
		clock:   ids.SystemClock,
	}
	for _, opt := range opts {
		opt(s)
	}

	if mode == ModeReader {
		if err := s.openReader(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}

	if err := s.openWriter(ctx); err != nil {
		s.audit(ctx, auditlog.Entry{
			Action:  "store.open",
			OK:      false,
			Details: errorDetails(err),
		})
		return nil, err
	}
	s.audit(ctx, auditlog.Entry{Action: "store.open", OK: true})
	return s, nil
}

func (s *Store) openWriter(ctx context.Context) error {
	lock, err := s.acquireWithWait(ctx)
	if err != nil {
		return err
	}

	dsn := "file:" + s.path + "?_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		lock.release()
		return fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: SQLite has a single writer and pragmas are
	// per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		lock.release()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		lock.release()
		return fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(ctx, db); err != nil {
		db.Close()
		lock.release()
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	s.db = db
	s.lock = lock
	slog.Debug("corpus writer opened", "path", s.path)
	return nil
}

// acquireWithWait takes the writer lock, backing off while it is held.
func (s *Store) acquireWithWait(ctx context.Context) (*fileLock, error) {
	if s.lockWait <= 0 {
		return acquireLock(s.path, s.clock())
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = s.lockWait

	var lock *fileLock
	op := func() error {
		l, err := acquireLock(s.path, s.clock())
		if err == nil {
			lock = l
			return nil
		}
		if IsLockContention(err) {
			s.metrics.LockWaited()
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return lock, nil
}

func (s *Store) openReader(ctx context.Context) error {
	if _, err := os.Stat(s.path); err != nil {
		return fmt.Errorf("open reader %s: %w", s.path, err)
	}

	dsn := "file:" + s.path + "?mode=ro&_query_only=true&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	if err := s.pinSnapshot(ctx); err != nil {
		db.Close()
		return err
	}
	return nil
}

// pinSnapshot starts a read transaction and forces SQLite to take its
// snapshot by reading. Caller must hold s.mu or be in Open.
func (s *Store) pinSnapshot(ctx context.Context) error {
	tx, err := s.db.BeginTx(context.WithoutCancel(ctx), &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	var n int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&n); err != nil {
		tx.Rollback()
		return fmt.Errorf("pin snapshot: %w", err)
	}
	s.snap = tx
	return nil
}

// Refresh advances a reader's snapshot to the latest committed state.
// It is a no-op on a writer, which always reads the latest state.
func (s *Store) Refresh(ctx context.Context) error {
	if s.mode == ModeWriter {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.snap != nil {
		if err := s.snap.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			return fmt.Errorf("release snapshot: %w", err)
		}
		s.snap = nil
	}
	return s.pinSnapshot(ctx)
}

// Path returns the container path.
func (s *Store) Path() string {
	return s.path
}

// Mode returns the handle's mode.
func (s *Store) Mode() Mode {
	return s.mode
}

// Checkpoint copies the WAL into the main file and truncates it.
func (s *Store) Checkpoint(ctx context.Context) error {
	if err := s.writable(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// Close releases the snapshot or writer lock and closes the database.
// Close is idempotent.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true

		var result *multierror.Error
		if s.snap != nil {
			if err := s.snap.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				result = multierror.Append(result, fmt.Errorf("release snapshot: %w", err))
			}
			s.snap = nil
		}
		if s.db != nil {
			if err := s.db.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close database: %w", err))
			}
		}
		if s.lock != nil {
			if err := s.lock.release(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		s.closeErr = result.ErrorOrNil()
	})
	return s.closeErr
}

func (s *Store) writable() error {
	if s.mode != ModeWriter {
		return ErrReadOnly
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// read runs fn against the latest state (writer) or the pinned snapshot
// (reader).
func (s *Store) read(fn func(q querier) error) error {
	if s.mode == ModeWriter {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return ErrClosed
		}
		return fn(s.db)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return fn(s.snap)
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 2 {
		if err := migrateToV2(ctx, db); err != nil {
			return err
		}
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV2 adds the active-job index. CREATE UNIQUE INDEX IF NOT EXISTS
// is a no-op on containers that already have it.
func migrateToV2(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_active
		ON jobs(session_id)
		WHERE status IN ('queued', 'processing')
	`)
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
