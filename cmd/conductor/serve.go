package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rendis/conductor/pkg/mcp"
)

func newServeCmd(c *cli) *cobra.Command {
	var workflows []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and serve MCP tools over stdio",
		Long: `Start the orchestrator with the agents and workflows from the settings
file, then serve the conductor.* MCP tools on stdin/stdout until the client
disconnects or SIGINT/SIGTERM arrives. In-flight work gets the configured
shutdown timeout to drain.`,
		Example: `  conductor serve
  conductor serve --workflows ./workflows --log-level debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.serve(cmd.Context(), workflows)
		},
	}
	cmd.Flags().StringSliceVarP(&workflows, "workflows", "w", nil, "workflow files or directories, added to the settings list")
	return cmd
}

func (c *cli) serve(ctx context.Context, workflows []string) error {
	o, err := c.newOrchestrator(ctx, workflows)
	if err != nil {
		return err
	}
	defer c.closeAgents()
	if err := o.Start(ctx); err != nil {
		o.GracefulShutdown(0)
		return err
	}
	if err := c.applySchedules(ctx, o); err != nil {
		logShutdown(c.logger, o.GracefulShutdown(0))
		return err
	}

	srv := mcp.NewServer(mcp.ServerDeps{Conductor: o, Logger: c.logger})
	c.logger.Info("serving MCP over stdio", slog.Any("workflows", o.Workflows()))
	serveErr := srv.Serve(ctx)
	srv.Close()

	logShutdown(c.logger, o.GracefulShutdown(0))
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}
