package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"shipment-batch-engine/internal/app"
	"shipment-batch-engine/internal/config"
	"shipment-batch-engine/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the batchctl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "batchctl",
		Short: "Preview and execute shipment batches",
		Long: `batchctl creates shipment batch jobs from a CSV file or Postgres table, prices them,
executes them against the carrier and writes tracking numbers back to the source.

Configuration comes from the environment (and a .env file), the same as the API server.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log engine activity to stderr")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewRowsCommand(opts))
	cmd.AddCommand(NewConfirmCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewCancelCommand(opts))
	cmd.AddCommand(NewRecoverCommand(opts))
	cmd.AddCommand(NewAuditCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// withApp builds the engine for one command and tears it down afterwards. Runs still in flight
// when fn returns are interrupted and left for the next recover.
func withApp(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, a *app.App, cfg config.Config) error) error {
	cfg := config.Load()
	if os.Getenv("INSTANCE_ID") == "" {
		// the host name alone is the server's lease owner
		cfg.InstanceID = fmt.Sprintf("%s-batchctl-%d", cfg.InstanceID, os.Getpid())
	}
	logger, err := logging.New(cfg.Env)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if !opts.Verbose {
		logger = logger.WithOptions(zap.IncreaseLevel(zapcore.WarnLevel))
	}
	defer logger.Sync()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a, cfg)
}
