package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSuggestionsSplitsRules(t *testing.T) {
	in := []Suggestion{{
		Type:     "addRules",
		Behavior: "allow",
		Rules: []PermissionRule{
			{ToolName: "Bash", RuleContent: "ls:*"},
			{ToolName: "Bash", RuleContent: "cat:*"},
		},
	}}

	out := normalizeSuggestions(in, "Bash", "/work")
	require.Len(t, out, 2)
	for i, s := range out {
		assert.Len(t, s.Rules, 1, "suggestion %d", i)
		assert.Equal(t, "addRules", s.Type)
		assert.Equal(t, "allow", s.Behavior)
	}
	assert.Equal(t, "ls:*", out[0].Rules[0].RuleContent)
	assert.Equal(t, "cat:*", out[1].Rules[0].RuleContent)
}

func TestNormalizeSuggestionsStripsProjectDir(t *testing.T) {
	in := []Suggestion{{
		Type:        "addDirectories",
		Directories: []string{"/work", "/work/sub"},
	}}

	out := normalizeSuggestions(in, "Read", "/work")
	require.Len(t, out, 1)
	assert.Equal(t, []string{"/work/sub"}, out[0].Directories)

	// A suggestion reduced to nothing is dropped entirely, which
	// for a non-MCP tool leaves no suggestions.
	in = []Suggestion{{
		Type:        "addDirectories",
		Directories: []string{"/work"},
	}}
	out = normalizeSuggestions(in, "Read", "/work")
	assert.Empty(t, out)
}

func TestNormalizeSuggestionsMCPWildcard(t *testing.T) {
	out := normalizeSuggestions(nil, "mcp__github__create_issue", "")
	require.Len(t, out, 1)
	require.Len(t, out[0].Rules, 1)
	assert.Equal(t, "mcp__github", out[0].Rules[0].ToolName)
	assert.Equal(t, "allow", out[0].Behavior)

	// Existing suggestions suppress the synthesized wildcard.
	in := []Suggestion{{
		Type:  "addRules",
		Rules: []PermissionRule{{ToolName: "mcp__github__create_issue"}},
	}}
	out = normalizeSuggestions(in, "mcp__github__create_issue", "")
	require.Len(t, out, 1)
	assert.Equal(t, "mcp__github__create_issue",
		out[0].Rules[0].ToolName)

	// Non-MCP tools get nothing synthesized.
	assert.Empty(t, normalizeSuggestions(nil, "Bash", ""))
}

func TestMCPServer(t *testing.T) {
	tests := []struct {
		tool   string
		server string
		ok     bool
	}{
		{"mcp__github__create_issue", "github", true},
		{"mcp__linear", "linear", true},
		{"Bash", "", false},
		{"mcp__", "", false},
	}
	for _, tt := range tests {
		server, ok := mcpServer(tt.tool)
		assert.Equal(t, tt.ok, ok, tt.tool)
		assert.Equal(t, tt.server, server, tt.tool)
	}
}
