package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/corpus/internal/auditlog"
	"github.com/roach88/corpus/internal/ids"
	"github.com/roach88/corpus/internal/metrics"
	"github.com/roach88/corpus/internal/store"
)

// env is the runtime a command works in: config, audit log, metrics and
// the acting operator.
type env struct {
	opts      *RootOptions
	formatter *OutputFormatter
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	traceID   string

	log     *auditlog.Log
	auditor auditlog.Auditor
	closers []func() error
}

func newEnv(cmd *cobra.Command, opts *RootOptions) *env {
	reg := prometheus.NewRegistry()
	traceID := strings.ReplaceAll(ids.UUIDv7Generator{}.Generate(), "-", "")
	return &env{
		opts: opts,
		formatter: &OutputFormatter{
			Format:    opts.Format,
			Writer:    cmd.OutOrStdout(),
			ErrWriter: cmd.ErrOrStderr(),
			Verbose:   opts.Verbose,
			TraceID:   traceID,
		},
		registry: reg,
		metrics:  metrics.New(reg, opts.Config.Metrics.Namespace),
		traceID:  traceID,
		auditor:  auditlog.Discard,
	}
}

// operator is the actor recorded on audit events.
func (e *env) operator() string {
	if u := e.opts.Config.Audit.ServiceUser; u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "operator"
}

// context attaches the operator and the command's trace id.
func (e *env) context(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = auditlog.WithActor(ctx, e.operator(), auditlog.RoleAdmin)
	return auditlog.WithTrace(ctx, e.traceID)
}

// openAudit opens the audit log and routes audit events to it.
func (e *env) openAudit() (*auditlog.Log, error) {
	if e.log != nil {
		return e.log, nil
	}
	cfg := e.opts.Config.Audit
	l, err := auditlog.Open(cfg.Dir,
		auditlog.WithMaxSegmentBytes(cfg.MaxSegmentBytes),
		auditlog.WithLockWait(cfg.LockWait.Std()),
		auditlog.WithMetrics(e.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	if cfg.RetainSegments > 0 {
		if _, err := l.Prune(cfg.RetainSegments); err != nil {
			slog.Warn("audit prune failed", "dir", cfg.Dir, "error", err)
		}
	}
	e.log = l
	e.auditor = auditlog.NewEmitter(l, auditlog.WithHost(cfg.Host))
	e.closers = append(e.closers, l.Close)
	return l, nil
}

// inspectAudit opens the audit log read-only. It neither locks nor
// repairs, so verification sees the segments exactly as stored.
func (e *env) inspectAudit() (*auditlog.Log, error) {
	l, err := auditlog.OpenReadOnly(e.opts.Config.Audit.Dir)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	e.closers = append(e.closers, l.Close)
	return l, nil
}

// openWriter opens the container as the single writer, auditing to the log.
func (e *env) openWriter(ctx context.Context) (*store.Store, error) {
	if _, err := e.openAudit(); err != nil {
		return nil, err
	}
	s, err := store.Open(ctx, e.opts.Config.Corpus.Path, store.ModeWriter,
		store.WithAuditor(e.auditor),
		store.WithMetrics(e.metrics),
		store.WithLockWait(e.opts.Config.Corpus.LockWait.Std()),
	)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, s.Close)
	return s, nil
}

// openReader opens a read-only snapshot of the container.
func (e *env) openReader(ctx context.Context) (*store.Store, error) {
	s, err := store.Open(ctx, e.opts.Config.Corpus.Path, store.ModeReader)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, s.Close)
	return s, nil
}

// Close releases everything the command opened, newest first.
func (e *env) Close() error {
	var result *multierror.Error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	e.closers = nil
	e.logMetrics()
	return result.ErrorOrNil()
}

// logMetrics writes non-zero counters at debug level.
func (e *env) logMetrics() {
	families, err := e.registry.Gather()
	if err != nil {
		slog.Debug("gather metrics failed", "error", err)
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			v := m.GetCounter().GetValue()
			if v == 0 {
				continue
			}
			attrs := []any{"metric", mf.GetName(), "value", v}
			for _, lp := range m.GetLabel() {
				attrs = append(attrs, lp.GetName(), lp.GetValue())
			}
			slog.Debug("metric", attrs...)
		}
	}
}

// run wraps a command body with env setup and teardown.
func run(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, e *env) error) (err error) {
	e := newEnv(cmd, opts)
	defer func() {
		if cerr := e.Close(); cerr != nil {
			slog.Error("close failed", "error", cerr)
			if err == nil {
				err = WrapExitError(ExitFailure, "close", cerr)
			}
		}
	}()
	return fn(e.context(cmd), e)
}
