package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/corpus/internal/auditlog"
	"github.com/roach88/corpus/internal/ir"
	"github.com/roach88/corpus/internal/store"
)

// LockStatus describes the writer lock of a container.
type LockStatus struct {
	Path       string    `json:"path"`
	Held       bool      `json:"held"`
	PID        int       `json:"pid,omitempty"`
	Host       string    `json:"host,omitempty"`
	AcquiredAt time.Time `json:"acquired_at,omitzero"`
	Alive      bool      `json:"alive"`
	Cleared    bool      `json:"cleared,omitempty"`
}

func lockStatus(path string, info store.LockInfo) LockStatus {
	return LockStatus{
		Path:       path,
		Held:       true,
		PID:        info.PID,
		Host:       info.Host,
		AcquiredAt: info.AcquiredAt,
		Alive:      info.Alive,
	}
}

// Text implements Texter.
func (l LockStatus) Text(w io.Writer) {
	if !l.Held {
		fmt.Fprintf(w, "No writer lock on %s\n", l.Path)
		return
	}
	state := "alive"
	if !l.Alive {
		state = "stale"
	}
	verb := "held"
	if l.Cleared {
		verb = "cleared"
	}
	fmt.Fprintf(w, "Writer lock on %s %s: pid %d on %s since %s (%s)\n",
		l.Path, verb, l.PID, l.Host, l.AcquiredAt.Format(time.RFC3339), state)
}

// NewLockCommand creates the lock command group.
func NewLockCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect or clear the writer lock",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show who holds the writer lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rootOpts, func(ctx context.Context, e *env) error {
				path := e.opts.Config.Corpus.Path
				info, err := store.InspectLock(path)
				if errors.Is(err, store.ErrNoLock) {
					return e.formatter.Success(LockStatus{Path: path})
				}
				if err != nil {
					return e.formatter.Fail(ExitFailure, err, nil)
				}
				return e.formatter.Success(lockStatus(path, info))
			})
		},
	})

	var force bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove a stale writer lock",
		Long: `Remove the writer lock left behind by a crashed process.

A lock whose holder is still running, or runs on another host, is refused
unless --force is given. The removal is recorded in the audit log.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rootOpts, func(ctx context.Context, e *env) error {
				path := e.opts.Config.Corpus.Path
				if _, err := e.openAudit(); err != nil {
					return e.formatter.Fail(ExitFailure, err, nil)
				}
				info, err := store.ClearStaleLock(path, force)
				if errors.Is(err, store.ErrNoLock) {
					return e.formatter.Success(LockStatus{Path: path})
				}
				e.auditClear(ctx, path, info, force, err)
				if err != nil {
					return e.formatter.Fail(ExitFailure, err, nil)
				}
				st := lockStatus(path, info)
				st.Cleared = true
				return e.formatter.Success(st)
			})
		},
	}
	clearCmd.Flags().BoolVar(&force, "force", false, "clear even if the holder looks alive")
	cmd.AddCommand(clearCmd)

	return cmd
}

func (e *env) auditClear(ctx context.Context, path string, info store.LockInfo, force bool, cause error) {
	details := ir.Obj(
		ir.O("path", ir.String(path)),
		ir.O("holder_pid", ir.Int(int64(info.PID))),
		ir.O("holder_host", ir.String(info.Host)),
		ir.O("force", ir.Bool(force)),
	)
	if cause != nil {
		details["error"] = ir.String(store.ErrorKind(cause))
	}
	if _, err := e.auditor.Emit(ctx, auditlog.Entry{
		Service: auditlog.ServiceStorage,
		Level:   auditlog.LevelAudit,
		Action:  "lock.clear",
		OK:      cause == nil,
		Details: details,
	}); err != nil {
		slog.Error("audit lock.clear failed", "path", path, "error", err)
	}
}
