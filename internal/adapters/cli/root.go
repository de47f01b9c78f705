package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kirillkom/credit-pipeline/internal/bootstrap"
	"github.com/kirillkom/credit-pipeline/internal/config"
	"github.com/kirillkom/credit-pipeline/internal/core/ports"
	"github.com/kirillkom/credit-pipeline/internal/observability/logging"
)

// Backend is the set of use cases the commands drive.
type Backend struct {
	Submitter ports.ApplicationSubmitter
	Runner    ports.PipelineRunner
	Reader    ports.ApplicationReader
	Lister    ports.CheckpointLister
	Close     func()
}

type BackendFactory func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Backend, error)

// BootstrapBackend wires the same components the API and worker use.
func BootstrapBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Backend, error) {
	app, err := bootstrap.New(ctx, cfg, "creditctl", logger)
	if err != nil {
		return nil, err
	}
	return &Backend{
		Submitter: app.Submitter,
		Runner:    app.Engine,
		Reader:    app.Store,
		Lister:    app.Lister,
		Close:     app.Close,
	}, nil
}

type runtime struct {
	factory BackendFactory
	cfg     config.Config
	logger  *slog.Logger

	backend    string
	sqlitePath string
	natsURL    string
	noReview   bool
	logLevel   string
}

var version = "dev"

func SetVersion(v string) {
	version = v
}

// NewRootCommand builds the creditctl command tree on top of factory.
// Environment configuration is loaded first; root flags override it.
func NewRootCommand(factory BackendFactory) *cobra.Command {
	rt := &runtime{factory: factory, cfg: config.Load()}

	root := &cobra.Command{
		Use:   "creditctl",
		Short: "Operate the credit application pipeline",
		Long: `creditctl submits credit applications and drives them through the
analysis pipeline in-process, or hands runs to workers over NATS.

Configuration comes from the same environment variables as the API and
worker; the flags below override them for a single invocation.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return rt.applyFlags(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&rt.backend, "backend", rt.cfg.CheckpointBackend, "Checkpoint backend: postgres or sqlite")
	flags.StringVar(&rt.sqlitePath, "sqlite-path", rt.cfg.SQLitePath, "SQLite checkpoint database path")
	flags.StringVar(&rt.natsURL, "nats-url", "", "NATS URL; empty runs everything in-process")
	flags.BoolVar(&rt.noReview, "no-review", false, "Disable the qualitative reviewer")
	flags.StringVar(&rt.logLevel, "log-level", rt.cfg.LogLevel, "Log level written to stderr")

	root.AddCommand(
		newSubmitCommand(rt),
		newRunCommand(rt),
		newRetryCommand(rt),
		newResolveCommand(rt),
		newStatusCommand(rt),
		newListCommand(rt),
		newExportCommand(rt),
		newVersionCommand(),
	)
	return root
}

func Execute() error {
	return NewRootCommand(BootstrapBackend).Execute()
}

func (rt *runtime) applyFlags(cmd *cobra.Command) error {
	switch rt.backend {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown backend %q: want postgres or sqlite", rt.backend)
	}
	rt.cfg.CheckpointBackend = rt.backend
	rt.cfg.SQLitePath = rt.sqlitePath
	rt.cfg.NATSURL = rt.natsURL
	rt.cfg.LogLevel = rt.logLevel
	if rt.noReview {
		rt.cfg.ReviewEnabled = false
	}
	rt.logger = logging.New(cmd.ErrOrStderr(), "creditctl", rt.logLevel)
	return nil
}

// connect opens the backend for one command; callers defer the cleanup.
func (rt *runtime) connect(cmd *cobra.Command) (*Backend, func(), error) {
	backend, err := rt.factory(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if backend.Close != nil {
			backend.Close()
		}
	}
	return backend, cleanup, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the creditctl version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "creditctl", version)
			return nil
		},
	}
}
