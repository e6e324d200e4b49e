// Package migrate re-materializes a corpus container into a fresh one.
//
// Every record of every collection is copied raw, checksum included, so
// the destination is byte-for-byte equal to the source for readable
// records. Records that fail verification are skipped and reported rather
// than aborting the migration. The destination is built at a temporary path
// and renamed into place only after a clean walk.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/roach88/corpus/internal/auditlog"
	"github.com/roach88/corpus/internal/ids"
	"github.com/roach88/corpus/internal/ir"
	"github.com/roach88/corpus/internal/metrics"
	"github.com/roach88/corpus/internal/store"
)

// Skip reasons.
const (
	ReasonCorrupt  = "corrupt"
	ReasonOrphaned = "orphaned"
)

// ErrDestinationExists is returned when dst exists and Overwrite is unset.
var ErrDestinationExists = errors.New("destination exists")

// Outcome is the result for one record.
type Outcome struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
	Copied     bool   `json:"copied"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Counts tallies one collection.
type Counts struct {
	Copied  int `json:"copied"`
	Skipped int `json:"skipped"`
}

// Report aggregates a migration. Skips lists only the skipped records.
type Report struct {
	Source        string            `json:"source"`
	Destination   string            `json:"destination"`
	Copied        int               `json:"copied"`
	Skipped       int               `json:"skipped"`
	PerCollection map[string]Counts `json:"per_collection"`
	Skips         []Outcome         `json:"skips"`
	Duration      time.Duration     `json:"duration"`
}

func (r *Report) add(o Outcome) {
	c := r.PerCollection[o.Collection]
	if o.Copied {
		r.Copied++
		c.Copied++
	} else {
		r.Skipped++
		c.Skipped++
		r.Skips = append(r.Skips, o)
	}
	r.PerCollection[o.Collection] = c
}

// Options configure a migration.
type Options struct {
	// Overwrite replaces an existing destination.
	Overwrite bool
	Auditor   auditlog.Auditor
	Metrics   *metrics.Metrics
	IDs       ids.Generator
}

// Migrate copies src into dst.
//
// A returned error means dst was not touched. Corrupt records are not
// errors; they appear in Report.Skips.
func Migrate(ctx context.Context, src, dst string, opts Options) (report Report, err error) {
	start := time.Now()
	if opts.Auditor == nil {
		opts.Auditor = auditlog.Discard
	}
	if opts.IDs == nil {
		opts.IDs = ids.UUIDv7Generator{}
	}
	report = Report{Source: src, Destination: dst, PerCollection: map[string]Counts{}, Skips: []Outcome{}}

	defer func() {
		report.Duration = time.Since(start)
		summarize(ctx, opts, &report, err)
	}()

	if err := checkPaths(src, dst, opts.Overwrite); err != nil {
		return report, err
	}

	source, err := store.Open(ctx, src, store.ModeReader)
	if err != nil {
		return report, fmt.Errorf("open source: %w", err)
	}
	defer source.Close()

	tmp := fmt.Sprintf("%s.migrating-%s", dst, opts.IDs.Generate())
	dest, err := store.Open(ctx, tmp, store.ModeWriter)
	if err != nil {
		removeContainer(tmp)
		return report, fmt.Errorf("open destination: %w", err)
	}

	slog.Info("migration started", "source", src, "destination", dst, "temp", tmp)

	if err := walk(ctx, source, dest, opts, &report); err != nil {
		return report, abort(dest, tmp, err)
	}
	if err := dest.Checkpoint(ctx); err != nil {
		return report, abort(dest, tmp, err)
	}
	if err := dest.Close(); err != nil {
		removeContainer(tmp)
		return report, fmt.Errorf("close destination: %w", err)
	}

	if opts.Overwrite {
		removeSidecars(dst)
	}
	if err := os.Rename(tmp, dst); err != nil {
		removeContainer(tmp)
		return report, fmt.Errorf("rename %s: %w", tmp, err)
	}
	removeSidecars(tmp)
	if err := syncDir(filepath.Dir(dst)); err != nil {
		slog.Warn("sync destination directory failed", "error", err)
	}
	return report, nil
}

func walk(ctx context.Context, source, dest *store.Store, opts Options, report *Report) error {
	for _, name := range source.Collections() {
		err := source.ScanRecords(ctx, name, func(rec store.Record, rerr error) error {
			if rerr != nil {
				if !store.IsCorruptRecord(rerr) {
					return rerr
				}
				skip(ctx, opts, report, Outcome{Collection: name, Key: rec.Key, Reason: ReasonCorrupt, Error: rerr.Error()})
				return nil
			}

			if err := dest.CopyRecord(ctx, rec); err != nil {
				// The parent was skipped, so the child has nowhere to go.
				if store.IsForeignKeyViolation(err) {
					skip(ctx, opts, report, Outcome{Collection: name, Key: rec.Key, Reason: ReasonOrphaned, Error: err.Error()})
					return nil
				}
				return err
			}
			report.add(Outcome{Collection: name, Key: rec.Key, Copied: true})
			opts.Metrics.MigrationRecord(name, "copied")
			return nil
		})
		if err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
		slog.Debug("collection migrated", "collection", name,
			"copied", report.PerCollection[name].Copied, "skipped", report.PerCollection[name].Skipped)
	}
	return nil
}

func skip(ctx context.Context, opts Options, report *Report, o Outcome) {
	report.add(o)
	opts.Metrics.MigrationRecord(o.Collection, "skipped")
	slog.Warn("skipping record", "collection", o.Collection, "key", o.Key, "reason", o.Reason, "error", o.Error)

	_, err := opts.Auditor.Emit(ctx, auditlog.Entry{
		Service: auditlog.ServiceStorage,
		Level:   auditlog.LevelWarn,
		Action:  "migrate.skip",
		OK:      false,
		Ref:     o.Key,
		Details: ir.Obj(
			ir.O("collection", ir.String(o.Collection)),
			ir.O("key", ir.String(o.Key)),
			ir.O("reason", ir.String(o.Reason)),
			ir.O("error", ir.String(o.Error)),
		),
	})
	if err != nil {
		slog.Error("audit migrate.skip failed", "error", err)
	}
}

func summarize(ctx context.Context, opts Options, report *Report, err error) {
	level := auditlog.LevelInfo
	details := ir.Obj(
		ir.O("source", ir.String(report.Source)),
		ir.O("destination", ir.String(report.Destination)),
		ir.O("copied", ir.Int(int64(report.Copied))),
		ir.O("skipped", ir.Int(int64(report.Skipped))),
	)
	for name, c := range report.PerCollection {
		details[name] = ir.Obj(ir.O("copied", ir.Int(int64(c.Copied))), ir.O("skipped", ir.Int(int64(c.Skipped))))
	}
	if err != nil {
		level = auditlog.LevelError
		details["error"] = ir.String(err.Error())
		slog.Error("migration failed", "source", report.Source, "destination", report.Destination, "error", err)
	} else {
		if report.Skipped > 0 {
			level = auditlog.LevelWarn
		}
		slog.Info("migration finished", "copied", report.Copied, "skipped", report.Skipped, "duration", report.Duration)
	}

	if _, aerr := opts.Auditor.Emit(ctx, auditlog.Entry{
		Service: auditlog.ServiceStorage,
		Level:   level,
		Action:  "migrate",
		OK:      err == nil,
		Latency: report.Duration,
		Details: details,
	}); aerr != nil {
		slog.Error("audit migrate failed", "error", aerr)
	}
}

func checkPaths(src, dst string, overwrite bool) error {
	srcAbs, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	dstAbs, err := filepath.Abs(dst)
	if err != nil {
		return err
	}
	if srcAbs == dstAbs {
		return fmt.Errorf("migrate: source and destination are the same container")
	}

	if _, err := os.Stat(dst); err == nil {
		if !overwrite {
			return fmt.Errorf("migrate %s: %w", dst, ErrDestinationExists)
		}
		// Never replace a container a writer has open.
		info, lerr := store.InspectLock(dst)
		if lerr == nil {
			return &store.LockContentionError{Path: dst, Holder: info}
		}
		if !errors.Is(lerr, store.ErrNoLock) {
			return fmt.Errorf("migrate: %w", lerr)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("migrate: stat destination: %w", err)
	}
	return nil
}

// abort closes and removes the temporary destination, keeping err first.
func abort(dest *store.Store, tmp string, err error) error {
	var result *multierror.Error
	result = multierror.Append(result, err)
	if cerr := dest.Close(); cerr != nil {
		result = multierror.Append(result, fmt.Errorf("close destination: %w", cerr))
	}
	if rerr := removeContainer(tmp); rerr != nil {
		result = multierror.Append(result, rerr)
	}
	if result.Len() == 1 {
		return err
	}
	return result.ErrorOrNil()
}

func removeContainer(path string) error {
	var result *multierror.Error
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func removeSidecars(path string) {
	for _, p := range []string{path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("remove sidecar failed", "path", p, "error", err)
		}
	}
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
