package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/corpus/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	DBPath     string
	AuditDir   string

	// Config is loaded in PersistentPreRunE with flag overrides applied.
	Config config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for corpusctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "corpusctl",
		Short: "Operate a recording corpus",
		Long: `corpusctl inspects and repairs a corpus container: job resume and
recovery, container migration, audit chain verification, signed exports and
writer lock maintenance.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			setupLogging(cmd, opts.Verbose)
			return opts.loadConfig()
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "corpus container path (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.AuditDir, "audit-dir", "", "audit log directory (overrides config)")

	cmd.AddCommand(NewResumeCommand(opts))
	cmd.AddCommand(NewRecoverCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewVerifyChainCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewJobCommand(opts))
	cmd.AddCommand(NewSessionCommand(opts))
	cmd.AddCommand(NewLockCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

func (o *RootOptions) loadConfig() error {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	if o.DBPath != "" {
		cfg.Corpus.Path = o.DBPath
	}
	if o.AuditDir != "" {
		cfg.Audit.Dir = o.AuditDir
	}
	o.Config = cfg
	return nil
}

// setupLogging installs a text handler on the command's error stream.
func setupLogging(cmd *cobra.Command, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
