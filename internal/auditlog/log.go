package auditlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roach88/corpus/internal/ir"
	"github.com/roach88/corpus/internal/metrics"
)

const (
	segmentPrefix = "segment-"
	segmentSuffix = ".jsonl"

	// DefaultMaxSegmentBytes is the rotation threshold for the active segment.
	DefaultMaxSegmentBytes int64 = 4 << 20
)

// Log is an append-only, hash-chained event log stored as JSONL segments.
//
// Appends are totally ordered by an internal mutex and are fsynced before
// Append returns. Open takes the appender lock on the directory, so at most
// one process appends at a time; OpenReadOnly observes without it.
type Log struct {
	mu  sync.Mutex
	dir string

	maxSegmentBytes int64
	lockWait        time.Duration
	metrics         *metrics.Metrics

	lock       *appendLock // nil when read-only
	readOnly   bool
	active     *os.File
	activeSeq  int
	activeSize int64

	next   int64  // index of the next record
	head   string // chain hash of the last record, or genesis
	closed bool
}

// Option configures a Log.
type Option func(*Log)

// WithMaxSegmentBytes sets the rotation threshold. Values <= 0 keep the default.
func WithMaxSegmentBytes(n int64) Option {
	return func(l *Log) {
		if n > 0 {
			l.maxSegmentBytes = n
		}
	}
}

// WithMetrics records appends on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Log) {
		l.metrics = m
	}
}

// WithLockWait makes Open retry with exponential backoff for up to d while
// another appender holds the log. Zero (the default) fails fast with a
// *LockContentionError.
func WithLockWait(d time.Duration) Option {
	return func(l *Log) {
		l.lockWait = d
	}
}

// Open opens or creates the log in dir as its only appender and restores
// the tail position.
//
// An unterminated final line in the newest segment is a write cut short by
// a crash and is truncated away. Any other undecodable line fails Open with
// a *ChainVerificationError and is left on disk.
func Open(dir string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	l := newLog(dir, opts)
	lock, err := acquireAppendLockWait(dir, l.lockWait)
	if err != nil {
		return nil, err
	}
	l.lock = lock

	if err := l.restoreTail(); err != nil {
		lock.release()
		return nil, err
	}

	f, err := os.OpenFile(l.segmentPath(l.activeSeq), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil && !os.IsNotExist(err) {
		lock.release()
		return nil, fmt.Errorf("open active segment: %w", err)
	}
	if err == nil {
		l.active = f
	}

	slog.Debug("audit log opened", "dir", dir, "next_index", l.next, "active_segment", l.activeSeq)
	return l, nil
}

// OpenReadOnly opens the log for inspection. It takes no lock and never
// modifies the segments, so it is safe next to a running appender and on
// a log that fails to verify. Append and Prune return ErrReadOnly.
func OpenReadOnly(dir string, opts ...Option) (*Log, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("open audit dir: %w", err)
	}
	l := newLog(dir, opts)
	l.readOnly = true

	seqs, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	// Undecodable lines after the last good record still occupy indexes;
	// counting them keeps them inside the range VerifyChain covers.
	pending := int64(0)
	for i := len(seqs) - 1; i >= 0; i-- {
		t, err := readSegmentTail(l.segmentPath(seqs[i]))
		if err != nil {
			return nil, err
		}
		if i == len(seqs)-1 {
			l.activeSeq = seqs[i]
		}
		if t.last != nil {
			l.next = t.last.Index + 1 + int64(t.trailing) + pending
			l.head = t.last.ChainHash
			break
		}
		pending += int64(t.bad)
	}
	if l.next == 0 {
		l.next = pending
	}
	return l, nil
}

func newLog(dir string, opts []Option) *Log {
	l := &Log{
		dir:             dir,
		maxSegmentBytes: DefaultMaxSegmentBytes,
		head:            ir.GenesisHash,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// restoreTail finds the last record, walking back over segments left empty
// by a crash right after rotation. Caller holds the appender lock.
func (l *Log) restoreTail() error {
	seqs, err := listSegments(l.dir)
	if err != nil {
		return err
	}
	if len(seqs) == 0 {
		return nil
	}

	for i := len(seqs) - 1; i >= 0; i-- {
		path := l.segmentPath(seqs[i])
		t, err := readSegmentTail(path)
		if err != nil {
			return err
		}
		if t.bad > 0 {
			index := t.badIndex
			if index < 0 {
				index, err = l.indexAfter(seqs[:i])
				if err != nil {
					return err
				}
			}
			return &ChainVerificationError{
				Index:  index,
				Reason: fmt.Sprintf("unreadable record in %s", filepath.Base(path)),
			}
		}
		if t.torn {
			if i != len(seqs)-1 {
				return &ChainVerificationError{
					Index:  t.nextIndex(),
					Reason: fmt.Sprintf("unterminated record in closed segment %s", filepath.Base(path)),
				}
			}
			slog.Warn("truncating unterminated audit record",
				"segment", filepath.Base(path),
				"keep", t.size,
			)
			if err := os.Truncate(path, t.size); err != nil {
				return fmt.Errorf("truncate segment: %w", err)
			}
		}
		if i == len(seqs)-1 {
			l.activeSeq = seqs[i]
			l.activeSize = t.size
		}
		if t.last != nil {
			l.next = t.last.Index + 1
			l.head = t.last.ChainHash
			return nil
		}
	}
	return nil
}

// indexAfter returns the index following the last record of seqs.
func (l *Log) indexAfter(seqs []int) (int64, error) {
	for i := len(seqs) - 1; i >= 0; i-- {
		t, err := readSegmentTail(l.segmentPath(seqs[i]))
		if err != nil {
			return 0, err
		}
		if t.last != nil {
			return t.last.Index + 1 + int64(t.trailing), nil
		}
	}
	return 0, nil
}

// Dir returns the directory holding the segments.
func (l *Log) Dir() string {
	return l.dir
}

// Append writes ev as the next record and returns its content hash.
func (l *Log) Append(ctx context.Context, ev Event) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := ev.Validate(); err != nil {
		return "", fmt.Errorf("append audit event: %w", err)
	}
	canonical, err := ev.Canonical()
	if err != nil {
		return "", fmt.Errorf("append audit event: %w", err)
	}
	contentHash := ir.HashWithDomain(ir.DomainAuditEvent, canonical)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return "", ErrClosed
	}
	if l.readOnly {
		return "", ErrReadOnly
	}

	rec := Record{
		Index:         l.next,
		ContentHash:   contentHash,
		PrevChainHash: l.head,
		ChainHash:     ir.ChainHash(l.head, contentHash),
		Event:         canonical,
	}
	line, err := encodeRecord(rec)
	if err != nil {
		return "", err
	}

	if err := l.rotateIfNeeded(); err != nil {
		return "", err
	}

	n, err := l.active.Write(line)
	if err == nil {
		err = l.active.Sync()
	}
	if err != nil {
		// Drop any partial line so the next append starts on a clean boundary.
		if terr := l.active.Truncate(l.activeSize); terr != nil {
			slog.Error("audit segment truncate failed", "error", terr)
		}
		return "", fmt.Errorf("write audit record %d: %w", rec.Index, err)
	}

	l.activeSize += int64(n)
	l.next++
	l.head = rec.ChainHash
	l.metrics.AuditAppended(string(ev.Service), string(ev.Level), n)

	return contentHash, nil
}

// rotateIfNeeded starts a new segment when the active one is full.
// Caller must hold l.mu.
func (l *Log) rotateIfNeeded() error {
	if l.active != nil && l.activeSize < l.maxSegmentBytes {
		return nil
	}
	if l.active != nil {
		if err := l.active.Close(); err != nil {
			return fmt.Errorf("close segment %d: %w", l.activeSeq, err)
		}
		l.active = nil
	}

	seq := l.activeSeq + 1
	f, err := os.OpenFile(l.segmentPath(seq), os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("create segment %d: %w", seq, err)
	}
	if err := syncDir(l.dir); err != nil {
		f.Close()
		return err
	}

	l.active = f
	l.activeSeq = seq
	l.activeSize = 0
	return nil
}

// Len returns the index the next record will receive.
func (l *Log) Len() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

// Head returns the chain hash of the last record (genesis when empty).
func (l *Log) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// First returns the index of the oldest retained record. ok is false when
// the log is empty.
func (l *Log) First() (index int64, ok bool, err error) {
	err = l.scan(func(rec Record, err error) (bool, error) {
		if err != nil {
			return false, err
		}
		index, ok = rec.Index, true
		return false, nil
	})
	return index, ok, err
}

// Entries returns the retained records with index in [from, to].
func (l *Log) Entries(from, to int64) ([]Record, error) {
	if from < 0 || to < from {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrOutOfRange, from, to)
	}

	records := []Record{}
	err := l.scan(func(rec Record, err error) (bool, error) {
		if err != nil {
			return false, err
		}
		if rec.Index > to {
			return false, nil
		}
		if rec.Index >= from {
			records = append(records, rec)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// VerifyChain recomputes the content and chain hashes of every record in
// the closed range [from, to]. It returns false and a
// *ChainVerificationError identifying the first bad index on mismatch.
//
// When from is the first retained record after pruning, its stored
// prev_chain_hash is the anchor; otherwise the anchor is the recomputed
// chain of the preceding record, or genesis for index 0.
func (l *Log) VerifyChain(from, to int64) (bool, error) {
	next := l.Len()
	if from < 0 || to < from || to >= next {
		return false, fmt.Errorf("%w: [%d, %d] with %d entries", ErrOutOfRange, from, to, next)
	}

	var (
		prev     string
		expected = from
		first    = true
	)
	if from == 0 {
		prev = ir.GenesisHash
	}

	fail := func(index int64, reason string) (bool, error) {
		return false, &ChainVerificationError{Index: index, Reason: reason}
	}

	var result *ChainVerificationError
	err := l.scan(func(rec Record, readErr error) (bool, error) {
		if readErr != nil {
			if expected > to {
				return false, nil
			}
			result =&ChainVerificationError{Index: expected, Reason: "unreadable record: " + readErr.Error()}
			return false, nil
		}
		if rec.Index < from-1 {
			return true, nil
		}
		if rec.Index == from-1 {
			prev = rec.ChainHash
			return true, nil
		}
		if rec.Index > to {
			return false, nil
		}
		if first && prev == "" {
			if rec.Index != from {
				result = &ChainVerificationError{Index: from, Reason: "entry not retained"}
				return false, nil
			}
			prev = rec.PrevChainHash
		}
		first = false

		if rec.Index != expected {
			result = &ChainVerificationError{Index: expected, Reason: fmt.Sprintf("missing entry, found index %d", rec.Index)}
			return false, nil
		}
		if rec.PrevChainHash != prev {
			result = &ChainVerificationError{Index: rec.Index, Reason: "predecessor link mismatch"}
			return false, nil
		}
		if ir.HashWithDomain(ir.DomainAuditEvent, rec.Event) != rec.ContentHash {
			result = &ChainVerificationError{Index: rec.Index, Reason: "content hash mismatch"}
			return false, nil
		}
		chain := ir.ChainHash(prev, rec.ContentHash)
		if chain != rec.ChainHash {
			result = &ChainVerificationError{Index: rec.Index, Reason: "chain hash mismatch"}
			return false, nil
		}

		prev = chain
		expected++
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if result != nil {
		return false, result
	}
	if expected <= to {
		return fail(expected, "missing entry")
	}
	return true, nil
}

// Prune removes the oldest closed segments so that at most keep segments
// remain (the active segment always stays). It returns the number removed.
func (l *Log) Prune(keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.readOnly {
		return 0, ErrReadOnly
	}

	seqs, err := listSegments(l.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for len(seqs)-removed > keep {
		seq := seqs[removed]
		if seq == l.activeSeq {
			break
		}
		if err := os.Remove(l.segmentPath(seq)); err != nil {
			return removed, fmt.Errorf("remove segment %d: %w", seq, err)
		}
		removed++
	}
	if removed > 0 {
		if err := syncDir(l.dir); err != nil {
			return removed, err
		}
		slog.Info("audit segments pruned", "removed", removed, "kept", len(seqs)-removed)
	}
	return removed, nil
}

// Close releases the active segment and the appender lock. Close is
// idempotent.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var err error
	if l.active != nil {
		err = l.active.Close()
		l.active = nil
	}
	if l.lock != nil {
		if lerr := l.lock.release(); err == nil {
			err = lerr
		}
		l.lock = nil
	}
	return err
}

// scan visits every record of every segment in index order. fn returns
// false to stop. A malformed line is passed to fn as an error.
func (l *Log) scan(fn func(Record, error) (bool, error)) error {
	l.mu.Lock()
	seqs, err := listSegments(l.dir)
	l.mu.Unlock()
	if err != nil {
		return err
	}

	for _, seq := range seqs {
		cont, err := scanSegment(l.segmentPath(seq), fn)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (l *Log) segmentPath(seq int) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s%06d%s", segmentPrefix, seq, segmentSuffix))
}

func scanSegment(path string, fn func(Record, error) (bool, error)) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Pruned concurrently.
			return true, nil
		}
		return false, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			rec, decErr := decodeRecord(line)
			cont, ferr := fn(rec, decErr)
			if ferr != nil || !cont {
				return false, ferr
			}
		}
		if err == io.EOF {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("read segment %s: %w", filepath.Base(path), err)
		}
	}
}

// segmentTail is what a full read of one segment reveals about its end.
type segmentTail struct {
	last     *Record // last decodable record
	size     int64   // length of the newline-terminated lines
	torn     bool    // bytes follow the last newline
	bad      int     // undecodable terminated lines
	trailing int     // undecodable terminated lines after last
	badIndex int64   // index of the first undecodable line, -1 when unknown
}

func (t segmentTail) nextIndex() int64 {
	if t.last == nil {
		return 0
	}
	return t.last.Index + 1 + int64(t.trailing)
}

// readSegmentTail decodes every terminated line of a segment without
// modifying it.
func readSegmentTail(path string) (segmentTail, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return segmentTail{}, fmt.Errorf("read segment: %w", err)
	}

	t := segmentTail{badIndex: -1}
	for offset := 0; offset < len(data); {
		nl := bytes.IndexByte(data[offset:], '\n')
		if nl < 0 {
			t.torn = true
			break
		}
		rec, err := decodeRecord(data[offset : offset+nl+1])
		offset += nl + 1
		t.size = int64(offset)
		if err != nil {
			if t.bad == 0 && t.last != nil {
				t.badIndex = t.last.Index + 1
			}
			t.bad++
			t.trailing++
			continue
		}
		if t.bad > 0 && t.badIndex < 0 {
			// Every bad line so far precedes rec with no good line between.
			t.badIndex = rec.Index - int64(t.trailing)
		}
		t.last = &rec
		t.trailing = 0
	}
	return t, nil
}

func listSegments(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list audit segments: %w", err)
	}
	seqs := []int{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix))
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	return seqs, nil
}

func encodeRecord(rec Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	// HTML escaping would rewrite the canonical event bytes.
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return nil, fmt.Errorf("encode audit record: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeRecord(line []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Record{}, err
	}
	if rec.ContentHash == "" || rec.ChainHash == "" || len(rec.Event) == 0 {
		return Record{}, fmt.Errorf("incomplete record")
	}
	return rec, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open audit dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync audit dir: %w", err)
	}
	return nil
}
