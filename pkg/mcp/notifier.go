package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/conductor/internal/events"
	"github.com/rendis/conductor/pkg/schema"
)

// AgentNotifier pushes notifications to connected agents.
type AgentNotifier interface {
	Notify(ctx context.Context, agentID string, payload map[string]any) error
}

// MCPNotifier implements AgentNotifier with MCP server notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to the agent's session.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the agent's session.
// Best-effort: returns nil if the agent is not connected.
func (n *MCPNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// relayExecution tells the agent that started an execution when it settles.
func (s *Server) relayExecution(ctx context.Context, ev events.Event) error {
	switch ev.Name {
	case schema.EventExecutionCompleted, schema.EventExecutionFailed,
		schema.EventExecutionCancelled, schema.EventExecutionSuspended:
	default:
		return nil
	}
	data, ok := ev.Data.(schema.ExecutionEvent)
	if !ok {
		return nil
	}

	s.mu.Lock()
	agentID, owned := s.owners[data.ExecutionID]
	if owned && ev.Name != schema.EventExecutionSuspended {
		delete(s.owners, data.ExecutionID)
	}
	s.mu.Unlock()
	if !owned {
		return nil
	}

	payload := map[string]any{
		"event":        ev.Name,
		"execution_id": data.ExecutionID,
		"workflow_id":  data.WorkflowID,
		"status":       data.Status,
	}
	if data.Reason != "" {
		payload["reason"] = data.Reason
	}
	if data.Error != nil {
		payload["error"] = data.Error
	}
	return s.notify(ctx, agentID, payload)
}

// relayCoordination tells the source agent when its coordination ends.
func (s *Server) relayCoordination(ctx context.Context, ev events.Event) error {
	switch ev.Name {
	case schema.EventCoordinationCompleted, schema.EventCoordinationFailed, schema.EventCoordinationTimeout:
	default:
		return nil
	}
	data, ok := ev.Data.(schema.CoordinationEvent)
	if !ok || data.SourceAgentID == "" {
		return nil
	}
	payload := map[string]any{
		"event":           ev.Name,
		"coordination_id": data.CoordinationID,
		"status":          data.Status,
	}
	if data.Error != nil {
		payload["error"] = data.Error
	}
	return s.notify(ctx, data.SourceAgentID, payload)
}

func (s *Server) notify(ctx context.Context, agentID string, payload map[string]any) error {
	if err := s.notifier.Notify(ctx, agentID, payload); err != nil {
		s.logger.Warn("agent notification failed",
			slog.String("agent_id", agentID),
			slog.Any("event", payload["event"]),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}
