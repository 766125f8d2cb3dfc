package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToolNameRoundTrip(t *testing.T) {
	name := ToolName("github", "create_issue")
	assert.Equal(t, "mcp__github__create_issue", name)

	serverID, toolName, ok := SplitToolName(name)
	assert.True(t, ok)
	assert.Equal(t, "github", serverID)
	assert.Equal(t, "create_issue", toolName)
}

func TestSplitToolNameHandlesUnderscoredTools(t *testing.T) {
	// Only the first separator splits; tool names may contain __ themselves.
	serverID, toolName, ok := SplitToolName("mcp__srv__deeply__nested__tool")
	assert.True(t, ok)
	assert.Equal(t, "srv", serverID)
	assert.Equal(t, "deeply__nested__tool", toolName)
}

func TestSplitToolNameRejectsNonMCPNames(t *testing.T) {
	for _, name := range []string{
		"fs.read",
		"mcp__",
		"mcp__serveronly",
		"mcp____tool",
		"mcp__srv__",
	} {
		_, _, ok := SplitToolName(name)
		assert.False(t, ok, name)
	}
}
