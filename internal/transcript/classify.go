package transcript

import "strings"

// Item kinds.
const (
	KindUserMessage      = "user_message"
	KindAssistantMessage = "assistant_message"
	KindToolUseOnly      = "tool_use_only"
	KindToolResult       = "tool_result"
	KindAPIError         = "api_error"
	KindCustomTitle      = "custom_title"
	KindSystemNoise      = "system_noise"
	KindUnknown          = "unknown"
)

// Display levels.
const (
	LevelAlways      = "always"
	LevelCollapsible = "collapsible"
	LevelDebugOnly   = "debug_only"
)

// Classify maps a parsed record to its (kind, display level).
func Classify(r Record) (kind, level string) {
	if !r.Valid {
		return KindUnknown, LevelDebugOnly
	}
	if r.Type == "custom-title" || r.CustomTitle != "" {
		return KindCustomTitle, LevelDebugOnly
	}
	if r.IsAPIError {
		return KindAPIError, LevelAlways
	}

	switch r.Role {
	case "user":
		return classifyUser(r)
	case "assistant":
		return classifyAssistant(r)
	}
	return KindUnknown, LevelDebugOnly
}

func classifyUser(r Record) (string, string) {
	hasVisible := false
	for _, b := range r.Blocks {
		switch b.Type {
		case BlockToolResult:
			return KindToolResult, LevelDebugOnly
		case BlockText, BlockDocument, BlockImage:
			hasVisible = true
		}
	}
	if !hasVisible {
		return KindUnknown, LevelDebugOnly
	}
	if isSystemInjected(VisibleText(r)) {
		return KindSystemNoise, LevelDebugOnly
	}
	return KindUserMessage, LevelAlways
}

func classifyAssistant(r Record) (string, string) {
	hasText := false
	hasToolUse := false
	for _, b := range r.Blocks {
		switch b.Type {
		case BlockText:
			if strings.TrimSpace(b.Text) != "" {
				hasText = true
			}
		case BlockToolUse:
			hasToolUse = true
		}
	}
	switch {
	case hasText:
		return KindAssistantMessage, LevelAlways
	case hasToolUse:
		return KindToolUseOnly, LevelCollapsible
	}
	return KindUnknown, LevelDebugOnly
}

// VisibleText concatenates the record's text blocks.
func VisibleText(r Record) string {
	var sb strings.Builder
	for _, b := range r.Blocks {
		if b.Type == BlockText {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// isSystemInjected reports whether a user message body matches a
// known pattern the subprocess injects on the user's behalf.
func isSystemInjected(content string) bool {
	trimmed := strings.TrimSpace(content)
	prefixes := [...]string{
		"This session is being continued",
		"[Request interrupted",
		"<task-notification>",
		"<command-message>",
		"<command-name>",
		"<local-command-",
		"<system-reminder>",
		"Stop hook feedback:",
		"Caveat: The messages below were generated",
	}
	for _, p := range prefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	return false
}
