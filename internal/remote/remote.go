// Package remote adapts agents that live outside the process: an HTTP
// endpoint, a local command or a tool of an MCP server. Both receive a JSON Request and answer with
// an agent.Outcome. A reply that is not an outcome envelope becomes the
// output as-is.
package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/conductor/pkg/agent"
	"github.com/rendis/conductor/pkg/schema"
)

// Agent types accepted by Spec.Type.
const (
	TypeHTTP    = "http"
	TypeCommand = "command"
	TypeMCP     = "mcp"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxOutput = 10 * 1024 * 1024 // 10MB
)

// Request is the body sent to a remote agent for one invocation.
type Request struct {
	AgentID string        `json:"agent_id"`
	Task    any           `json:"task"`
	Options agent.Options `json:"options"`
}

// Spec declares a remote agent, usually from the settings file.
type Spec struct {
	ID           string   `yaml:"id" json:"id"`
	Name         string   `yaml:"name" json:"name"`
	Type         string   `yaml:"type" json:"type"`
	Capabilities []string `yaml:"capabilities" json:"capabilities"`

	// http
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers" json:"headers"`
	Token   string            `yaml:"token" json:"-"`

	// command and mcp
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args"`
	Env     map[string]string `yaml:"env" json:"env"`
	Dir     string            `yaml:"dir" json:"dir"`

	// mcp
	Tool string `yaml:"tool" json:"tool"`

	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	MaxOutput int64         `yaml:"max_output" json:"max_output"`
}

// New builds the agent described by spec.
func New(spec Spec) (agent.Agent, error) {
	if spec.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "remote agent: id is required")
	}
	if spec.Timeout <= 0 {
		spec.Timeout = defaultTimeout
	}
	if spec.MaxOutput <= 0 {
		spec.MaxOutput = defaultMaxOutput
	}
	switch spec.Type {
	case TypeHTTP:
		return NewHTTPAgent(spec)
	case TypeCommand:
		return NewCommandAgent(spec)
	case TypeMCP:
		return NewMCPAgent(spec)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"remote agent %s: type %q is not one of http, command, mcp", spec.ID, spec.Type)
	}
}

func encodeRequest(agentID string, task any, opts agent.Options) ([]byte, error) {
	body, err := json.Marshal(Request{AgentID: agentID, Task: task, Options: opts})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAgent, "agent %s: task is not serializable", agentID).WithCause(err)
	}
	return body, nil
}

// decodeReply reads an outcome envelope. Any other JSON value becomes an
// object outcome and anything else a text outcome.
func decodeReply(body []byte) (*agent.Outcome, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return agent.Text("", nil), nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err == nil {
		if _, ok := fields["kind"]; ok {
			var out agent.Outcome
			if err := json.Unmarshal(trimmed, &out); err != nil {
				return nil, fmt.Errorf("decode outcome: %w", err)
			}
			switch out.EffectiveKind() {
			case agent.OutcomeNormal, agent.OutcomeBail, agent.OutcomeSuspend, agent.OutcomeError:
			default:
				return nil, fmt.Errorf("unknown outcome kind %q", out.Kind)
			}
			return &out, nil
		}
	}

	var v any
	if err := json.Unmarshal(trimmed, &v); err == nil {
		if s, ok := v.(string); ok {
			return agent.Text(s, nil), nil
		}
		return agent.Object(v, nil), nil
	}
	return agent.Text(strings.TrimRight(string(body), "\r\n"), nil), nil
}
