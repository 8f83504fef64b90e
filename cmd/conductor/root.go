package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// cli carries what PersistentPreRunE loads for every subcommand.
type cli struct {
	configPath string
	logLevel   string
	getenv     func(string) string

	settings Settings
	logger   *slog.Logger
	closers  []io.Closer
}

func newRootCmd() *cobra.Command {
	c := &cli{getenv: os.Getenv}

	root := &cobra.Command{
		Use:   "conductor",
		Short: "Conductor - workflow and coordination engine for AI agents",
		Long: `Conductor runs multi-step agent workflows as dependency graphs and
brokers ad-hoc task handoffs between agents.

Agents are declared in the settings file (~/.conductor/settings.yaml) as
HTTP endpoints or local commands. Workflows are YAML or JSON definitions.
Run 'conductor serve' to expose everything as MCP tools over stdio.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.load,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "settings file (default ~/.conductor/settings.yaml)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides settings)")

	root.AddCommand(
		newServeCmd(c),
		newValidateCmd(c),
		newDemoCmd(c),
		newDiagramCmd(c),
		newVersionCmd(),
	)
	return root
}

// Execute runs the root command with signal handling.
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return newRootCmd().ExecuteContext(ctx)
}

// load is called before any command runs.
func (c *cli) load(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "version" || cmd.Name() == "help" {
		return nil
	}

	s, err := loadSettings(c.configPath, c.getenv)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		s.LogLevel = c.logLevel
	}
	logger, err := newLogger(cmd.ErrOrStderr(), s.LogLevel)
	if err != nil {
		return err
	}
	c.settings = s
	c.logger = logger
	return nil
}
