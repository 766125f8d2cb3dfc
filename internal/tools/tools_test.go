package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func namedTool(name, result string) Tool {
	return &Func{
		ToolName:        name,
		ToolDescription: "test tool " + name,
		Schema:          map[string]any{"type": "object"},
		Fn: func(ctx context.Context, args map[string]any, tc Context) (string, error) {
			return result, nil
		},
	}
}

func TestLaterSourceWinsOnCollision(t *testing.T) {
	r := NewRegistry()
	r.Register("builtin", namedTool("search", "builtin result"))
	r.Register("plugins", namedTool("search", "plugin result"))

	out, err := r.Execute(context.Background(), "search", nil, Context{})
	require.NoError(t, err)
	assert.Equal(t, "plugin result", out)

	// Dropping the shadowing source re-exposes the earlier tool.
	r.DropSource("plugins")
	out, err = r.Execute(context.Background(), "search", nil, Context{})
	require.NoError(t, err)
	assert.Equal(t, "builtin result", out)
}

func TestDropSourceRemovesAllItsTools(t *testing.T) {
	r := NewRegistry()
	r.Register("mcp", namedTool("mcp__srv__a", "a"))
	r.Register("mcp", namedTool("mcp__srv__b", "b"))
	r.Register("builtin", namedTool("fs.read", "x"))

	require.Len(t, r.List(), 3)
	r.DropSource("mcp")
	require.Len(t, r.List(), 1)
	_, ok := r.Get("mcp__srv__a")
	assert.False(t, ok)
}

func TestSpecsAreNameSorted(t *testing.T) {
	r := NewRegistry()
	r.Register("builtin", namedTool("zeta", ""))
	r.Register("builtin", namedTool("alpha", ""))
	r.Register("builtin", namedTool("mid", ""))

	specs := r.Specs()
	require.Len(t, specs, 3)
	assert.Equal(t, "alpha", specs[0].Name)
	assert.Equal(t, "mid", specs[1].Name)
	assert.Equal(t, "zeta", specs[2].Name)
	assert.Equal(t, "test tool alpha", specs[0].Description)
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "nope", nil, Context{})
	assert.Error(t, err)
}

func TestRegisterReplacesWithinSource(t *testing.T) {
	r := NewRegistry()
	r.Register("builtin", namedTool("x", "old"))
	r.Register("builtin", namedTool("x", "new"))

	out, err := r.Execute(context.Background(), "x", nil, Context{})
	require.NoError(t, err)
	assert.Equal(t, "new", out)
	assert.Len(t, r.List(), 1)
}
