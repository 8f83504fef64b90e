package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/conductor/internal/diagram"
	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/pkg/schema"
)

// handleRun starts a registered workflow or the complete pipeline.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := req.GetString("workflow_id", "")
	requirement := req.GetString("requirement", "")
	if (workflowID == "") == (requirement == "") {
		return mcp.NewToolResultError("exactly one of workflow_id or requirement is required"), nil
	}

	var id string
	var err error
	if requirement != "" {
		id, err = s.conductor.ExecuteCompleteWorkflow(ctx, requirement)
	} else {
		id, err = s.conductor.ExecuteByID(ctx, workflowID, req.GetArguments()["input"])
	}
	if err != nil {
		return toolError("run", err), nil
	}

	if agentID := req.GetString("agent_id", ""); agentID != "" {
		s.captureSession(ctx, agentID)
		s.own(id, agentID)
	}

	if req.GetBool("wait", false) {
		exec, waitErr := s.conductor.Wait(ctx, id)
		if waitErr != nil {
			return toolError("wait", waitErr), nil
		}
		return marshalResult(exec)
	}
	return marshalResult(map[string]any{"execution_id": id})
}

// handleStatus returns one execution, or a filtered list.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if id := req.GetString("execution_id", ""); id != "" {
		exec, err := s.conductor.Status(ctx, id)
		if err != nil {
			return toolError("status", err), nil
		}
		return marshalResult(exec)
	}

	filter := schema.ExecutionFilter{
		Status:     schema.ExecutionStatus(req.GetString("status", "")),
		WorkflowID: req.GetString("workflow_id", ""),
		Limit:      req.GetInt("limit", 0),
	}
	list, err := s.conductor.Executions(ctx, filter)
	if err != nil {
		return toolError("list executions", err), nil
	}
	return marshalResult(map[string]any{"executions": list})
}

func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	exec, err := s.conductor.Cancel(ctx, id, req.GetString("reason", ""))
	if err != nil {
		return toolError("cancel", err), nil
	}
	return marshalResult(exec)
}

func (s *Server) handleSuspend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	exec, err := s.conductor.Suspend(ctx, id, req.GetString("reason", ""))
	if err != nil {
		return toolError("suspend", err), nil
	}
	return marshalResult(exec)
}

func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if agentID := req.GetString("agent_id", ""); agentID != "" {
		s.captureSession(ctx, agentID)
		s.own(id, agentID)
	}
	exec, err := s.conductor.Resume(ctx, id, req.GetArguments()["input"])
	if err != nil {
		return toolError("resume", err), nil
	}
	return marshalResult(exec)
}

// handleDefine compiles and registers a workflow definition.
func (s *Server) handleDefine(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	// Round-trip through JSON to get a typed definition.
	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(defBytes, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	wf, err := s.conductor.Define(&def)
	if err != nil {
		return toolError("define", err), nil
	}
	return marshalResult(map[string]any{
		"workflow_id": wf.ID,
		"name":        wf.Name,
		"levels":      wf.Levels(),
	})
}

// handleCoordinate queues a coordination request.
func (s *Server) handleCoordinate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source, err := req.RequireString("source_agent_id")
	if err != nil {
		return mcp.NewToolResultError("source_agent_id is required"), nil
	}
	mode, err := req.RequireString("mode")
	if err != nil {
		return mcp.NewToolResultError("mode is required"), nil
	}
	task, err := req.RequireString("task")
	if err != nil {
		return mcp.NewToolResultError("task is required"), nil
	}

	var timeout time.Duration
	if raw := req.GetString("timeout", ""); raw != "" {
		if timeout, err = time.ParseDuration(raw); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid timeout %q: %v", raw, err)), nil
		}
	}

	s.captureSession(ctx, source)

	id, err := s.conductor.RequestCoordination(ctx, schema.CoordinationRequest{
		SourceAgentID:    source,
		TargetAgentID:    req.GetString("target_agent_id", ""),
		TargetCapability: req.GetString("target_capability", ""),
		Intermediates:    req.GetStringSlice("intermediates", nil),
		Mode:             schema.CoordinationMode(mode),
		Task:             task,
		Priority:         schema.Priority(req.GetString("priority", "")),
		Timeout:          timeout,
	})
	if err != nil {
		return toolError("coordinate", err), nil
	}

	if req.GetBool("wait", false) {
		res, waitErr := s.conductor.WaitCoordination(ctx, id)
		if waitErr != nil {
			return toolError("wait", waitErr), nil
		}
		return marshalResult(res)
	}
	return marshalResult(map[string]any{"coordination_id": id})
}

func (s *Server) handleCoordination(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("coordination_id")
	if err != nil {
		return mcp.NewToolResultError("coordination_id is required"), nil
	}
	res, err := s.conductor.CoordinationResult(id)
	if err != nil {
		return toolError("coordination", err), nil
	}
	return marshalResult(res)
}

// handleState dispatches on op.
func (s *Server) handleState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	op, err := req.RequireString("op")
	if err != nil {
		return mcp.NewToolResultError("op is required"), nil
	}

	if op == "list" {
		prefix := req.GetString("prefix", "")
		keys, listErr := s.conductor.ListStateKeys(ctx, prefix)
		if listErr != nil {
			return toolError("list state", listErr), nil
		}
		return marshalResult(map[string]any{"prefix": prefix, "keys": keys})
	}

	key, err := req.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("key is required for %s", op)), nil
	}

	switch op {
	case "get":
		value, found, getErr := s.conductor.GetState(ctx, key)
		if getErr != nil {
			return toolError("get state", getErr), nil
		}
		return marshalResult(map[string]any{"key": key, "found": found, "value": value})
	case "set":
		value, ok := req.GetArguments()["value"]
		if !ok {
			return mcp.NewToolResultError("value is required for set"), nil
		}
		if setErr := s.conductor.SetState(ctx, key, value); setErr != nil {
			return toolError("set state", setErr), nil
		}
		return marshalResult(map[string]any{"ok": true, "key": key})
	case "delete":
		if delErr := s.conductor.DeleteState(ctx, key); delErr != nil {
			return toolError("delete state", delErr), nil
		}
		return marshalResult(map[string]any{"ok": true, "key": key})
	default:
		return mcp.NewToolResultError("op must be get, set, delete, or list"), nil
	}
}

func (s *Server) handleHealth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out := map[string]any{
		"health":    s.conductor.Health(ctx),
		"workflows": s.conductor.Workflows(),
	}
	if req.GetBool("include_metrics", true) {
		out["metrics"] = s.conductor.Metrics()
	}
	if raw := req.GetString("failures_within", ""); raw != "" {
		window, err := time.ParseDuration(raw)
		if err != nil || window <= 0 {
			return mcp.NewToolResultError(fmt.Sprintf("invalid failures_within %q", raw)), nil
		}
		failures, err := s.conductor.RecentEvents(ctx, schema.EventExecutionFailed,
			store.EventFilter{Since: time.Now().Add(-window)})
		if err != nil {
			return toolError("list failures", err), nil
		}
		out["failures"] = failures
	}
	return marshalResult(out)
}

// handleDiagram draws a workflow in the requested format.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	workflowID := req.GetString("workflow_id", "")
	executionID := req.GetString("execution_id", "")
	if workflowID == "" && executionID == "" {
		return mcp.NewToolResultError("at least one of workflow_id or execution_id is required"), nil
	}

	g, err := s.conductor.Diagram(ctx, workflowID, executionID)
	if err != nil {
		return toolError("diagram", err), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(g)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(g)), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, g, diagram.FormatPNG)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

// --- Helpers ---

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// own records which agent to notify when an execution settles.
func (s *Server) own(executionID, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[executionID] = agentID
}

// toolError reports err as a tool-level failure. Schema errors carry their
// code in the text, e.g. "cancel failed: [NOT_FOUND] ...".
func toolError(action string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", action, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
