package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/pkg/agent"
	"github.com/rendis/conductor/pkg/schema"
)

func newAgent(id string) agent.Agent {
	return agent.NewFunc(id, "", func(context.Context, any, agent.Options) (*agent.Outcome, error) {
		return agent.Text(id, nil), nil
	})
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()

	reg, err := r.Register(newAgent("coder"), "implement", " analyze ", "implement", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"analyze", "implement"}, reg.Capabilities)
	assert.False(t, reg.RegisteredAt.IsZero())

	got, err := r.Get("coder")
	require.NoError(t, err)
	assert.Equal(t, "coder", got.ID())
	assert.True(t, got.HasCapability("analyze"))
	assert.False(t, got.HasCapability("validate"))

	got.Capabilities[0] = "mutated"
	again, _ := r.Get("coder")
	assert.Equal(t, "analyze", again.Capabilities[0], "callers receive copies")
}

func TestRegistry_DuplicateIsConflict(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(newAgent("a"))
	require.NoError(t, err)

	_, err = r.Register(newAgent("a"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(newAgent("a"))
	require.NoError(t, err)

	_, err = r.Unregister("a")
	require.NoError(t, err)
	assert.Zero(t, r.Len())

	_, err = r.Unregister("a")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	_, err = r.Resolve("a")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestRegistry_FindByCapability(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Register(newAgent("zed"), "validate")
	_, _ = r.Register(newAgent("amy"), "validate", "analyze")
	_, _ = r.Register(newAgent("bob"), "implement")

	regs := r.FindByCapability("validate")
	require.Len(t, regs, 2)
	assert.Equal(t, "amy", regs[0].ID())
	assert.Equal(t, "zed", regs[1].ID())

	a, err := r.ResolveCapability("validate")
	require.NoError(t, err)
	assert.Equal(t, "amy", a.ID())

	_, err = r.ResolveCapability("deploy")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "amy", list[0].ID())
}

func TestValidateAgent(t *testing.T) {
	assert.Error(t, ValidateAgent(nil))
	assert.Error(t, ValidateAgent(newAgent(" ")))
	assert.NoError(t, ValidateAgent(newAgent("ok")))
}
