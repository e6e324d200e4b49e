package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/corpus/internal/auditlog"
)

// VerifyResult reports a chain verification.
type VerifyResult struct {
	Dir      string `json:"dir"`
	From     int64  `json:"from"`
	To       int64  `json:"to"`
	Entries  int64  `json:"entries"`
	Head     string `json:"head"`
	Verified bool   `json:"verified"`
	BadIndex *int64 `json:"bad_index,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Text implements Texter.
func (r VerifyResult) Text(w io.Writer) {
	if r.Entries == 0 {
		fmt.Fprintf(w, "Audit log %s is empty\n", r.Dir)
		return
	}
	if r.Verified {
		fmt.Fprintf(w, "✓ Chain verified for entries %d..%d\n", r.From, r.To)
		fmt.Fprintf(w, "  head: %s\n", r.Head)
		return
	}
	fmt.Fprintf(w, "✗ Chain broken at entry %d: %s\n", *r.BadIndex, r.Reason)
}

// NewVerifyChainCommand creates the verify-chain command.
func NewVerifyChainCommand(rootOpts *RootOptions) *cobra.Command {
	var from, to int64

	cmd := &cobra.Command{
		Use:   "verify-chain",
		Short: "Verify the audit log hash chain",
		Long: `Recompute the content and chain hashes of the audit log.

The log is opened read-only: verification never takes the appender lock
and never truncates or repairs a segment.

By default the whole retained log is checked: from the oldest entry left
after pruning to the newest. A broken chain exits with status 1 and names
the first bad entry.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rootOpts, func(ctx context.Context, e *env) error {
				l, err := e.inspectAudit()
				if err != nil {
					return e.formatter.Fail(ExitFailure, err, nil)
				}
				res, err := verifyChain(l, from, to)
				if err != nil {
					return e.formatter.Fail(ExitCommandError, err, nil)
				}
				if !res.Verified && res.Entries > 0 {
					_ = e.formatter.Error("E_CHAIN_VERIFICATION", res.Reason, res)
					return NewExitError(ExitFailure, fmt.Sprintf("chain broken at entry %d", *res.BadIndex))
				}
				return e.formatter.Success(res)
			})
		},
	}

	cmd.Flags().Int64Var(&from, "from", -1, "first entry to verify (default: oldest retained)")
	cmd.Flags().Int64Var(&to, "to", -1, "last entry to verify (default: newest)")

	return cmd
}

// verifyChain resolves the default range and verifies it. A chain mismatch
// is reported in the result; any other failure is returned.
func verifyChain(l *auditlog.Log, from, to int64) (VerifyResult, error) {
	res := VerifyResult{Dir: l.Dir(), Entries: l.Len(), Head: l.Head()}
	if res.Entries == 0 {
		return res, nil
	}
	if from < 0 {
		// An unreadable oldest record is left for VerifyChain to report.
		from = 0
		if first, ok, err := l.First(); err == nil && ok {
			from = first
		}
	}
	if to < 0 {
		to = res.Entries - 1
	}
	res.From, res.To = from, to

	ok, err := l.VerifyChain(from, to)
	var cv *auditlog.ChainVerificationError
	switch {
	case errors.As(err, &cv):
		res.BadIndex = &cv.Index
		res.Reason = cv.Reason
		return res, nil
	case err != nil:
		return res, err
	}
	res.Verified = ok
	return res, nil
}
