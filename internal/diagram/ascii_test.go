package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderASCIILinear(t *testing.T) {
	g, err := Build(linearWorkflow(t), nil)
	require.NoError(t, err)

	output := RenderASCII(g)

	assert.Contains(t, output, "=== ETL Pipeline ===")
	assert.Contains(t, output, "┌") // ┌
	assert.Contains(t, output, "┘") // ┘
	assert.Contains(t, output, "▼") // ▼
	for _, label := range []string{"Start", "End", "fetch", "transform", "store"} {
		assert.Contains(t, output, label)
	}
	assert.NotContains(t, output, "dependencies")
}

func TestRenderASCIIFanIn(t *testing.T) {
	g, err := Build(diamondWorkflow(t), nil)
	require.NoError(t, err)

	output := RenderASCII(g)
	assert.Contains(t, output, "--- dependencies ---")
	assert.Contains(t, output, "a ─→ c [when]")
	assert.Contains(t, output, "c ─→ d")
}

func TestRenderASCIIWithStatus(t *testing.T) {
	g, err := Build(linearWorkflow(t), etlExecution())
	require.NoError(t, err)

	output := RenderASCII(g)
	assert.Contains(t, output, "[OK]")
	assert.Contains(t, output, "@fetcher")
	assert.Contains(t, output, "150ms")
	assert.Contains(t, output, "[FAIL]")
}

func TestStatusTag(t *testing.T) {
	tests := map[string]string{
		"completed": "[OK]",
		"failed":    "[FAIL]",
		"running":   "[RUN]",
		"suspended": "[WAIT]",
		"skipped":   "[SKIP]",
		"pending":   "[PEND]",
		"unknown":   "",
	}
	for status, want := range tests {
		assert.Equal(t, want, statusTag(status), status)
	}
}
