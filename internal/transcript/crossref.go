package transcript

// ToolUse is a tool invocation declared by an assistant record.
type ToolUse struct {
	ID        string
	Name      string
	InputJSON string
	AgentID   string // non-empty when the call spawns a subagent
}

// ToolUses returns the tool invocations a record declares.
func ToolUses(r Record) []ToolUse {
	var out []ToolUse
	for _, b := range r.Blocks {
		if b.Type != BlockToolUse || b.ToolUseID == "" {
			continue
		}
		out = append(out, ToolUse{
			ID:        b.ToolUseID,
			Name:      b.ToolName,
			InputJSON: b.InputJSON,
			AgentID:   b.AgentID,
		})
	}
	return out
}

// ResultRefs returns the tool-use ids a record carries results
// for. A single user record may answer several tool uses.
func ResultRefs(r Record) []string {
	var out []string
	for _, b := range r.Blocks {
		if b.Type == BlockToolResult && b.ToolUseID != "" {
			out = append(out, b.ToolUseID)
		}
	}
	return out
}
