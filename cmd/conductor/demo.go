package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/conductor/internal/diagram"
	"github.com/rendis/conductor/internal/orchestrator"
	"github.com/rendis/conductor/pkg/agent"
	"github.com/rendis/conductor/pkg/schema"
)

const defaultRequirement = "add rate limiting to the public API"

func newDemoCmd(c *cli) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "demo [requirement]",
		Short: "Run the analyze, implement and validate pipeline with echo agents",
		Long: `Demo starts an in-memory orchestrator with three local echo agents
(analyst, developer, reviewer), runs the complete pipeline for the
requirement, prints each step's output with the aggregated usage, the step
events in the order they were published and a diagram of the finished
execution, then hands the result from the reviewer
to the developer in a sequential coordination.`,
		Example: `  conductor demo
  conductor demo "export invoices as CSV"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			requirement := defaultRequirement
			if len(args) == 1 {
				requirement = args[0]
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return c.demo(ctx, cmd.OutOrStdout(), requirement)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline for the demo")
	return cmd
}

func (c *cli) demo(ctx context.Context, w io.Writer, requirement string) error {
	cfg := orchestrator.DefaultConfig()
	cfg.Monitor.Enabled = false
	cfg.Scheduler.Enabled = false
	o, err := orchestrator.New(cfg, orchestrator.WithLogger(c.logger))
	if err != nil {
		return err
	}
	defer func() { logShutdown(c.logger, o.GracefulShutdown(0)) }()

	agents := []struct {
		id, verb, capability string
	}{
		{"analyst", "analysis", cfg.Pipeline.AnalyzeCapability},
		{"developer", "implementation", cfg.Pipeline.ImplementCapability},
		{"reviewer", "review", cfg.Pipeline.ValidateCapability},
	}
	for _, a := range agents {
		if err := o.RegisterAgent(ctx, demoAgent(a.id, a.verb), a.capability); err != nil {
			return err
		}
	}

	timeline := o.Bus().Stream(ctx, "workflow.step.*", 0)
	defer timeline.Close()

	id, err := o.ExecuteCompleteWorkflow(ctx, requirement)
	if err != nil {
		return err
	}
	exec, err := o.Wait(ctx, id)
	if err != nil {
		return err
	}
	timeline.Close()

	fmt.Fprintf(w, "requirement: %s\n", requirement)
	fmt.Fprintf(w, "execution %s %s in %s\n", exec.ID, exec.Status, exec.Duration().Round(time.Microsecond))
	for _, stepID := range exec.ResultOrder {
		fmt.Fprintf(w, "  %-10s %v\n", stepID, exec.Results[stepID])
	}
	if exec.Error != nil {
		fmt.Fprintf(w, "  error: %s\n", exec.Error)
	}
	fmt.Fprintf(w, "usage: prompt=%d completion=%d total=%d\n\n",
		exec.Usage.PromptTokens, exec.Usage.CompletionTokens, exec.Usage.TotalTokens)

	fmt.Fprintln(w, "timeline:")
	for ev := range timeline.C {
		if data, ok := ev.Data.(schema.StepEvent); ok {
			fmt.Fprintf(w, "  %-24s %-10s %s\n", ev.Name, data.StepID, data.AgentID)
		}
	}
	fmt.Fprintln(w)

	g, err := o.Diagram(ctx, "", exec.ID)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, diagram.RenderASCII(g))

	coordID, err := o.RequestCoordination(ctx, schema.CoordinationRequest{
		SourceAgentID: "reviewer",
		TargetAgentID: "developer",
		Mode:          schema.ModeSequential,
		Task:          "address the review findings",
	})
	if err != nil {
		return err
	}
	res, err := o.WaitCoordination(ctx, coordID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "coordination reviewer -> developer: %s\n", res.Status)
	fmt.Fprintf(w, "  final output: %v\n", res.FinalOutput)

	if exec.Status != schema.ExecutionCompleted {
		return fmt.Errorf("demo execution ended %s", exec.Status)
	}
	return nil
}

// demoAgent answers with "<verb>: <task>" and counts words as tokens.
// Pipeline tasks are reduced to their requirement.
func demoAgent(id, verb string) agent.Agent {
	return agent.NewFunc(id, "", func(ctx context.Context, task any, _ agent.Options) (*agent.Outcome, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		prompt := fmt.Sprint(task)
		if m, ok := task.(map[string]any); ok {
			if r, ok := m["requirement"]; ok {
				prompt = fmt.Sprint(r)
			}
		}
		out := fmt.Sprintf("%s: %s", verb, firstLine(prompt))
		in, produced := int64(len(strings.Fields(prompt))), int64(len(strings.Fields(out)))
		return agent.Text(out, &schema.Usage{
			PromptTokens:     in,
			CompletionTokens: produced,
			TotalTokens:      in + produced,
		}), nil
	})
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
