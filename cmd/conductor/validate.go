package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rendis/conductor/internal/orchestrator"
	"github.com/rendis/conductor/pkg/schema"
)

func newValidateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file|dir>...",
		Short: "Check workflow definitions without running them",
		Long: `Validate parses each definition, checks it against the definition schema,
its expressions and step references, then compiles it to catch cycles.
Agents are resolved at run time, so unknown agents are not reported.`,
		Example: `  conductor validate workflows/etl.yaml
  conductor validate workflows/`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := loadDefinitions(args)
			if err != nil {
				return err
			}
			return c.validate(cmd.OutOrStdout(), defs)
		},
	}
}

// validate checks defs in an empty in-memory orchestrator.
func (c *cli) validate(w io.Writer, defs []*schema.WorkflowDefinition) error {
	cfg := orchestrator.DefaultConfig()
	cfg.Monitor.Enabled = false
	cfg.Scheduler.Enabled = false
	o, err := orchestrator.New(cfg, orchestrator.WithLogger(c.logger))
	if err != nil {
		return err
	}
	defer o.GracefulShutdown(0)

	failed := 0
	for _, def := range defs {
		res := o.Validate(def)
		if res.Valid() {
			wf, defErr := o.Define(def)
			if defErr == nil {
				fmt.Fprintf(w, "ok    %s (%d steps, %d levels)\n", def.ID, len(wf.Steps()), len(wf.Levels()))
				continue
			}
			se := schema.AsError(defErr, schema.ErrCodeValidation)
			res.Add("/", se.Code, se.Message)
		}
		failed++
		fmt.Fprintf(w, "FAIL  %s\n", def.ID)
		for _, line := range issueLines(res) {
			fmt.Fprintf(w, "      %s\n", line)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d definitions invalid", failed, len(defs))
	}
	return nil
}
