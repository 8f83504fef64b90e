// Package identity keeps the registry of agents known to the orchestrator
// and the capability tags used to find them.
package identity

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rendis/conductor/pkg/agent"
	"github.com/rendis/conductor/pkg/schema"
)

// Registration binds an agent to its capability tags.
type Registration struct {
	Agent        agent.Agent
	Capabilities []string
	RegisteredAt time.Time
}

// ID returns the registered agent's ID.
func (r Registration) ID() string { return r.Agent.ID() }

// HasCapability reports whether the registration carries tag.
func (r Registration) HasCapability(tag string) bool {
	i := sort.SearchStrings(r.Capabilities, tag)
	return i < len(r.Capabilities) && r.Capabilities[i] == tag
}

// ValidateAgent checks the identity fields every agent must carry.
func ValidateAgent(a agent.Agent) error {
	if a == nil {
		return schema.NewError(schema.ErrCodeValidation, "agent is nil")
	}
	if strings.TrimSpace(a.ID()) == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent id is required")
	}
	if strings.TrimSpace(a.Name()) == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "agent %q name is required", a.ID())
	}
	return nil
}

// Registry maps agent IDs to registrations. Readers receive copies.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Registration
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Registration), now: time.Now}
}

// Register adds an agent. Registering an ID twice is a conflict.
func (r *Registry) Register(a agent.Agent, capabilities ...string) (Registration, error) {
	if err := ValidateAgent(a); err != nil {
		return Registration{}, err
	}
	reg := Registration{Agent: a, Capabilities: normalizeTags(capabilities), RegisteredAt: r.now()}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.ID()]; exists {
		return Registration{}, schema.NewErrorf(schema.ErrCodeConflict, "agent %q already registered", a.ID())
	}
	r.agents[a.ID()] = reg
	return copyRegistration(reg), nil
}

// Unregister removes an agent.
func (r *Registry) Unregister(id string) (Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.agents[id]
	if !ok {
		return Registration{}, schema.NewErrorf(schema.ErrCodeNotFound, "agent %q not registered", id)
	}
	delete(r.agents, id)
	return reg, nil
}

// Get returns a registration by ID.
func (r *Registry) Get(id string) (Registration, error) {
	r.mu.RLock()
	reg, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return Registration{}, schema.NewErrorf(schema.ErrCodeNotFound, "agent %q not registered", id)
	}
	return copyRegistration(reg), nil
}

// Resolve returns the agent registered under id.
func (r *Registry) Resolve(id string) (agent.Agent, error) {
	reg, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return reg.Agent, nil
}

// FindByCapability returns every agent carrying tag, ordered by ID.
func (r *Registry) FindByCapability(tag string) []Registration {
	r.mu.RLock()
	var out []Registration
	for _, reg := range r.agents {
		if reg.HasCapability(tag) {
			out = append(out, copyRegistration(reg))
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ResolveCapability returns the first agent (by ID) carrying tag.
func (r *Registry) ResolveCapability(tag string) (agent.Agent, error) {
	regs := r.FindByCapability(tag)
	if len(regs) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no agent registered with capability %q", tag)
	}
	return regs[0].Agent, nil
}

// List returns every registration ordered by ID.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	out := make([]Registration, 0, len(r.agents))
	for _, reg := range r.agents {
		out = append(out, copyRegistration(reg))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func copyRegistration(reg Registration) Registration {
	reg.Capabilities = append([]string(nil), reg.Capabilities...)
	return reg
}
