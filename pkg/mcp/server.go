// Package mcp exposes the orchestrator as Model Context Protocol tools so
// agents can start workflows, request coordinations and share state.
package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/conductor/internal/diagram"
	"github.com/rendis/conductor/internal/engine"
	"github.com/rendis/conductor/internal/events"
	"github.com/rendis/conductor/internal/monitor"
	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/pkg/schema"
)

// Conductor is the orchestrator surface the tools call.
type Conductor interface {
	ExecuteByID(ctx context.Context, workflowID string, input any) (string, error)
	ExecuteCompleteWorkflow(ctx context.Context, requirement string) (string, error)
	Status(ctx context.Context, id string) (*schema.Execution, error)
	Executions(ctx context.Context, filter schema.ExecutionFilter) ([]*schema.Execution, error)
	Wait(ctx context.Context, id string) (*schema.Execution, error)
	Cancel(ctx context.Context, id, reason string) (*schema.Execution, error)
	Suspend(ctx context.Context, id, reason string) (*schema.Execution, error)
	Resume(ctx context.Context, id string, input any) (*schema.Execution, error)

	Define(def *schema.WorkflowDefinition) (*engine.Workflow, error)
	Workflows() []string
	Diagram(ctx context.Context, workflowID, executionID string) (*diagram.Graph, error)

	RequestCoordination(ctx context.Context, req schema.CoordinationRequest) (string, error)
	CoordinationResult(id string) (*schema.CoordinationResult, error)
	WaitCoordination(ctx context.Context, id string) (*schema.CoordinationResult, error)

	SetState(ctx context.Context, key string, value any) error
	GetState(ctx context.Context, key string) (any, bool, error)
	DeleteState(ctx context.Context, key string) error
	ListStateKeys(ctx context.Context, prefix string) ([]string, error)

	Health(ctx context.Context) monitor.Report
	Metrics() *monitor.Snapshot
	RecentEvents(ctx context.Context, eventType string, filter store.EventFilter) ([]*store.Event, error)
	OnEvent(pattern string, handler events.Handler) func()
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Conductor Conductor
	Logger    *slog.Logger
	// Notifier overrides the default push to MCP sessions.
	Notifier AgentNotifier
}

// Server wraps an MCP server with conductor tool handlers. Agents that pass
// agent_id are told when their executions settle and their coordinations
// finish.
type Server struct {
	conductor Conductor
	logger    *slog.Logger
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	notifier  AgentNotifier

	mu     sync.Mutex
	owners map[string]string // execution ID → agent ID

	unsubscribe []func()
}

// NewServer creates a Server with every tool registered and subscribes to
// the events it relays to agents.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		conductor: deps.Conductor,
		logger:    logger,
		sessions:  NewSessionRegistry(),
		owners:    make(map[string]string),
	}

	mcpSrv := server.NewMCPServer(
		"conductor",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Conductor runs multi-agent workflows and coordinations. "+
			"Use conductor.run to start a workflow or the analyze, implement and validate pipeline, "+
			"conductor.status to follow it, conductor.suspend, conductor.resume and conductor.cancel to steer it, "+
			"conductor.define to register a workflow, conductor.coordinate to hand a task to another agent, "+
			"conductor.state to share values and conductor.health to inspect the system."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv

	s.notifier = deps.Notifier
	if s.notifier == nil {
		s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	}

	if s.conductor != nil {
		s.unsubscribe = append(s.unsubscribe,
			s.conductor.OnEvent("workflow.execution.*", s.relayExecution),
			s.conductor.OnEvent("coordination.*", s.relayCoordination),
		)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Close stops relaying events.
func (s *Server) Close() {
	for _, fn := range s.unsubscribe {
		fn()
	}
	s.unsubscribe = nil
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: suspendTool(), Handler: s.handleSuspend},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: coordinateTool(), Handler: s.handleCoordinate},
		{Tool: coordinationTool(), Handler: s.handleCoordination},
		{Tool: stateTool(), Handler: s.handleState},
		{Tool: healthTool(), Handler: s.handleHealth},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("conductor.run",
		mcp.WithDescription("Start a workflow execution"),
		mcp.WithString("workflow_id", mcp.Description("ID of a registered workflow")),
		mcp.WithString("requirement", mcp.Description("Run the analyze, implement and validate pipeline for this requirement instead of a registered workflow")),
		mcp.WithObject("input", mcp.Description("Execution input for workflow_id")),
		mcp.WithBoolean("wait", mcp.Description("Block until the execution completes, fails, is cancelled or suspends (default: false)")),
		mcp.WithString("agent_id", mcp.Description("ID of the calling agent, notified when the execution settles")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("conductor.status",
		mcp.WithDescription("Get an execution, or list executions when execution_id is omitted"),
		mcp.WithString("execution_id", mcp.Description("ID of the execution to query")),
		mcp.WithString("status",
			mcp.Enum("pending", "running", "suspended", "completed", "failed", "cancelled"),
			mcp.Description("List filter: execution status"),
		),
		mcp.WithString("workflow_id", mcp.Description("List filter: workflow ID")),
		mcp.WithNumber("limit", mcp.Description("List filter: maximum number of executions")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("conductor.cancel",
		mcp.WithDescription("Cancel a running or suspended execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("reason", mcp.Description("Why the execution is cancelled")),
	)
}

func suspendTool() mcp.Tool {
	return mcp.NewTool("conductor.suspend",
		mcp.WithDescription("Suspend a running execution once its in-flight steps finish"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("reason", mcp.Description("Why the execution is suspended")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("conductor.resume",
		mcp.WithDescription("Resume a suspended execution, optionally with input for the step that suspended it"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithObject("input", mcp.Description("Resume input, visible to wait conditions and later steps")),
		mcp.WithString("agent_id", mcp.Description("ID of the resuming agent")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("conductor.define",
		mcp.WithDescription("Compile and register a declarative workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
	)
}

func coordinateTool() mcp.Tool {
	return mcp.NewTool("conductor.coordinate",
		mcp.WithDescription("Hand a task from one agent to another, directly or through intermediates"),
		mcp.WithString("source_agent_id", mcp.Required(), mcp.Description("ID of the requesting agent")),
		mcp.WithString("target_agent_id", mcp.Description("ID of the target agent")),
		mcp.WithString("target_capability", mcp.Description("Capability used to pick the target when target_agent_id is empty")),
		mcp.WithArray("intermediates", mcp.Items(map[string]any{"type": "string"}),
			mcp.Description("Agent IDs that transform the task before the target (pipeline mode)")),
		mcp.WithString("mode", mcp.Required(),
			mcp.Enum("sequential", "parallel", "pipeline"),
			mcp.Description("Coordination mode"),
		),
		mcp.WithString("task", mcp.Required(), mcp.Description("Task handed to the first agent")),
		mcp.WithString("priority", mcp.Enum("low", "normal", "high"), mcp.Description("Queue priority (default: normal)")),
		mcp.WithString("timeout", mcp.Description("Overall deadline as a Go duration, e.g. 30s")),
		mcp.WithBoolean("wait", mcp.Description("Block until the coordination finishes (default: false)")),
	)
}

func coordinationTool() mcp.Tool {
	return mcp.NewTool("conductor.coordination",
		mcp.WithDescription("Get the current result of a coordination"),
		mcp.WithString("coordination_id", mcp.Required(), mcp.Description("ID returned by conductor.coordinate")),
	)
}

func stateTool() mcp.Tool {
	return mcp.NewTool("conductor.state",
		mcp.WithDescription("Read and write shared state"),
		mcp.WithString("op", mcp.Required(),
			mcp.Enum("get", "set", "delete", "list"),
			mcp.Description("Operation to perform"),
		),
		mcp.WithString("key", mcp.Description("State key (get, set, delete)")),
		mcp.WithObject("value", mcp.Description("Value to store (set)")),
		mcp.WithString("prefix", mcp.Description("Key prefix (list)")),
	)
}

func healthTool() mcp.Tool {
	return mcp.NewTool("conductor.health",
		mcp.WithDescription("Report component health and, optionally, the latest metrics snapshot"),
		mcp.WithBoolean("include_metrics", mcp.Description("Include the metrics snapshot (default: true)")),
		mcp.WithString("failures_within", mcp.Description("Include execution failures recorded within this duration, e.g. 1h")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("conductor.diagram",
		mcp.WithDescription("Draw a workflow. Returns ASCII art, Mermaid flowchart syntax, or a base64-encoded PNG"),
		mcp.WithString("workflow_id", mcp.Description("Workflow to draw")),
		mcp.WithString("execution_id", mcp.Description("Execution to draw, with its step states")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (base64 PNG)"),
		),
	)
}
