package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/conductor/pkg/agent"
	"github.com/rendis/conductor/pkg/schema"
)

// Connector opens an MCP client that is ready for Initialize.
type Connector func(ctx context.Context) (*client.Client, error)

// MCPAgent calls one tool of an MCP server per invocation. The Request
// fields become the tool arguments and the text content of the result is
// decoded as the reply.
type MCPAgent struct {
	spec    Spec
	connect Connector

	mu     sync.Mutex
	client *client.Client
}

// NewMCPAgent launches spec.Command as a stdio MCP server on first use.
func NewMCPAgent(spec Spec) (*MCPAgent, error) {
	if spec.Command == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "remote agent %s: command is required", spec.ID)
	}
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return NewMCPAgentWithConnector(spec, func(context.Context) (*client.Client, error) {
		return client.NewStdioMCPClient(spec.Command, env, spec.Args...)
	})
}

// NewMCPAgentWithConnector uses connect instead of launching a process.
func NewMCPAgentWithConnector(spec Spec, connect Connector) (*MCPAgent, error) {
	if spec.Tool == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "remote agent %s: tool is required", spec.ID)
	}
	if spec.Timeout <= 0 {
		spec.Timeout = defaultTimeout
	}
	return &MCPAgent{spec: spec, connect: connect}, nil
}

func (a *MCPAgent) ID() string { return a.spec.ID }

func (a *MCPAgent) Name() string {
	if a.spec.Name == "" {
		return a.spec.ID
	}
	return a.spec.Name
}

// Invoke calls the configured tool. A tool error result is AGENT_ERROR; a
// transport failure also drops the session so the next call reconnects.
func (a *MCPAgent) Invoke(ctx context.Context, task any, opts agent.Options) (*agent.Outcome, error) {
	body, err := encodeRequest(a.spec.ID, task, opts)
	if err != nil {
		return nil, err
	}
	var args map[string]any
	if err := json.Unmarshal(body, &args); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAgent, "agent %s: encode arguments", a.spec.ID).WithCause(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.spec.Timeout)
	defer cancel()

	c, err := a.session(callCtx)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAgent, "agent %s: connect: %v", a.spec.ID, err).WithCause(err)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = a.spec.Tool
	req.Params.Arguments = args
	res, err := c.CallTool(callCtx, req)
	if err != nil {
		a.drop(c)
		return nil, schema.NewErrorf(schema.ErrCodeAgent, "agent %s: call %s: %v", a.spec.ID, a.spec.Tool, err).WithCause(err)
	}

	text := resultText(res)
	if res.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeAgent, "agent %s: tool %s failed: %s", a.spec.ID, a.spec.Tool, text)
	}
	out, err := decodeReply([]byte(text))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAgent, "agent %s: %v", a.spec.ID, err).WithCause(err)
	}
	return out, nil
}

// Close ends the MCP session and the server process, if any.
func (a *MCPAgent) Close() error {
	a.mu.Lock()
	c := a.client
	a.client = nil
	a.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

func (a *MCPAgent) session(ctx context.Context) (*client.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return a.client, nil
	}

	c, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.Capabilities = mcp.ClientCapabilities{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "conductor", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	a.client = c
	return c, nil
}

func (a *MCPAgent) drop(c *client.Client) {
	a.mu.Lock()
	if a.client == c {
		a.client = nil
	}
	a.mu.Unlock()
	_ = c.Close()
}

// resultText joins the text parts of a tool result.
func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, content := range res.Content {
		switch tc := content.(type) {
		case mcp.TextContent:
			parts = append(parts, tc.Text)
		case *mcp.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

var _ agent.Agent = (*MCPAgent)(nil)
