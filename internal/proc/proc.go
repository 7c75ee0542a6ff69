// Package proc owns the child subprocesses: one wrapper per
// active session with its state machine and pending-permission
// slot, and the supervisor that routes commands, sweeps timeouts,
// and cleans up on death.
package proc

import (
	"encoding/json"
	"time"
)

// Wrapper states.
const (
	StateStarting      = "starting"
	StateAssistantTurn = "assistant_turn"
	StateUserTurn      = "user_turn"
	StateDead          = "dead"
)

// Pending request kinds.
const (
	RequestToolApproval    = "tool_approval"
	RequestAskUserQuestion = "ask_user_question"
)

// PermissionRule is one rule inside a permission suggestion.
type PermissionRule struct {
	ToolName    string `json:"toolName"`
	RuleContent string `json:"ruleContent,omitempty"`
}

// Suggestion is a permission update proposed by the subprocess's
// policy engine, normalized to carry at most one rule.
type Suggestion struct {
	Type        string           `json:"type,omitempty"`
	Behavior    string           `json:"behavior,omitempty"`
	Mode        string           `json:"mode,omitempty"`
	Destination string           `json:"destination,omitempty"`
	Rules       []PermissionRule `json:"rules,omitempty"`
	Directories []string         `json:"directories,omitempty"`
}

// PendingRequest is the immutable snapshot of a permission
// request awaiting user resolution.
type PendingRequest struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	ToolName    string         `json:"tool_name"`
	Input       map[string]any `json:"input,omitempty"`
	ReceivedAt  time.Time      `json:"received_at"`
	Suggestions []Suggestion   `json:"suggestions,omitempty"`
}

// PermissionResult is the user's answer to a pending request.
type PermissionResult struct {
	Behavior           string         `json:"behavior"` // allow | deny
	UpdatedInput       map[string]any `json:"updatedInput,omitempty"`
	UpdatedPermissions []Suggestion   `json:"updatedPermissions,omitempty"`
	Message            string         `json:"message,omitempty"`
}

// Snapshot is the immutable view of a process record passed to
// the state-change hook and broadcast to clients.
type Snapshot struct {
	SessionID      string          `json:"session_id"`
	ProjectID      string          `json:"project_id"`
	Cwd            string          `json:"cwd,omitempty"`
	State          string          `json:"state"`
	PrevState      string          `json:"prev_state,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	StateEnteredAt time.Time       `json:"state_entered_at"`
	LastActivityAt time.Time       `json:"last_activity_at"`
	Error          string          `json:"error,omitempty"`
	KillReason     string          `json:"kill_reason,omitempty"`
	Model          string          `json:"model,omitempty"`
	PermissionMode string          `json:"permission_mode,omitempty"`
	Pending        *PendingRequest `json:"pending_request,omitempty"`
}

// Attachment is a user-supplied image or document sent with a
// message.
type Attachment struct {
	Type      string `json:"type"` // image | document
	MediaType string `json:"media_type"`
	Data      string `json:"data"` // base64
	FileName  string `json:"file_name,omitempty"`
}

// streamEvent is one NDJSON line from the subprocess's stdout.
type streamEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
}

// controlRequestBody is the payload of a control_request event.
type controlRequestBody struct {
	Subtype     string          `json:"subtype"`
	ToolName    string          `json:"tool_name"`
	Input       map[string]any  `json:"input"`
	Suggestions []Suggestion    `json:"permission_suggestions"`
	Raw         json.RawMessage `json:"-"`
}

// stdinMessage is the user-message frame written to the
// subprocess's stdin.
type stdinMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Message   stdinMessageBody `json:"message"`
}

type stdinMessageBody struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type   string          `json:"type"`
	Text   string          `json:"text,omitempty"`
	Source *blockSource    `json:"source,omitempty"`
	Title  string          `json:"title,omitempty"`
}

type blockSource struct {
	Type      string `json:"type"` // base64
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// controlResponse is the frame answering a control_request.
type controlResponse struct {
	Type     string              `json:"type"`
	Response controlResponseBody `json:"response"`
}

type controlResponseBody struct {
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id"`
	Response  any    `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

// controlCommand is an outbound control_request pushing a setting
// to the subprocess.
type controlCommand struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id"`
	Request   controlCommandBody `json:"request"`
}

type controlCommandBody struct {
	Subtype string `json:"subtype"`
	Mode    string `json:"mode,omitempty"`
	Model   string `json:"model,omitempty"`
}

// buildContent assembles the content blocks of one user message.
func buildContent(text string, atts []Attachment) []contentBlock {
	var blocks []contentBlock
	if text != "" {
		blocks = append(blocks, contentBlock{
			Type: "text", Text: text,
		})
	}
	for _, a := range atts {
		blocks = append(blocks, contentBlock{
			Type:  a.Type,
			Title: a.FileName,
			Source: &blockSource{
				Type:      "base64",
				MediaType: a.MediaType,
				Data:      a.Data,
			},
		})
	}
	return blocks
}
