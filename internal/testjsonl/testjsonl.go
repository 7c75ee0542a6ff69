// Package testjsonl provides shared JSONL fixture builders for
// transcript test data. Used by the transcript, indexer, and
// watcher test packages.
package testjsonl

import (
	"encoding/json"
	"strings"
)

// UserJSON returns a user text message as a JSON string. Optional
// trailing argument is the cwd.
func UserJSON(text, timestamp string, cwd ...string) string {
	m := map[string]any{
		"type":      "user",
		"timestamp": timestamp,
		"message": map[string]any{
			"role": "user",
			"content": []any{
				map[string]any{"type": "text", "text": text},
			},
		},
	}
	if len(cwd) > 0 {
		m["cwd"] = cwd[0]
	}
	return mustMarshal(m)
}

// AssistantJSON returns an assistant text message as a JSON
// string.
func AssistantJSON(text, timestamp string) string {
	m := map[string]any{
		"type":      "assistant",
		"timestamp": timestamp,
		"message": map[string]any{
			"role": "assistant",
			"content": []any{
				map[string]any{"type": "text", "text": text},
			},
		},
	}
	return mustMarshal(m)
}

// AssistantUsageJSON returns an assistant text message carrying a
// message id, model, and usage block.
func AssistantUsageJSON(
	text, timestamp, messageID, model string,
	inputTokens, outputTokens int64,
) string {
	m := map[string]any{
		"type":      "assistant",
		"timestamp": timestamp,
		"message": map[string]any{
			"role":  "assistant",
			"id":    messageID,
			"model": model,
			"usage": map[string]any{
				"input_tokens":  inputTokens,
				"output_tokens": outputTokens,
			},
			"content": []any{
				map[string]any{"type": "text", "text": text},
			},
		},
	}
	return mustMarshal(m)
}

// ToolUseJSON returns an assistant message containing a single
// tool-use block and nothing visible.
func ToolUseJSON(
	toolUseID, toolName string, input map[string]any,
) string {
	if input == nil {
		input = map[string]any{}
	}
	m := map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"role": "assistant",
			"content": []any{
				map[string]any{
					"type":  "tool_use",
					"id":    toolUseID,
					"name":  toolName,
					"input": input,
				},
			},
		},
	}
	return mustMarshal(m)
}

// ToolResultJSON returns a user message carrying one tool_result
// block.
func ToolResultJSON(toolUseID, content string) string {
	m := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []any{
				map[string]any{
					"type":        "tool_result",
					"tool_use_id": toolUseID,
					"content":     content,
				},
			},
		},
	}
	return mustMarshal(m)
}

// SubagentFirstJSON returns the first record a subagent writes,
// carrying the tool-use id that spawned it.
func SubagentFirstJSON(text, parentToolUseID string) string {
	m := map[string]any{
		"type":            "user",
		"parentToolUseId": parentToolUseID,
		"message": map[string]any{
			"role": "user",
			"content": []any{
				map[string]any{"type": "text", "text": text},
			},
		},
	}
	return mustMarshal(m)
}

// TitleJSON returns a custom-title record.
func TitleJSON(title, sessionID string) string {
	return mustMarshal(map[string]any{
		"type":        "custom-title",
		"customTitle": title,
		"sessionId":   sessionID,
	})
}

// Lines joins records into file content with a trailing newline.
func Lines(records ...string) string {
	return strings.Join(records, "\n") + "\n"
}

func mustMarshal(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	return string(b)
}
