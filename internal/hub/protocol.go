package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/twidi/twicc/internal/db"
	"github.com/twidi/twicc/internal/proc"
)

// Frame is the envelope of every message in either direction.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type progressPayload struct {
	Total   int  `json:"total"`
	Scanned int  `json:"scanned"`
	Done    bool `json:"done"`
}

type itemsPayload struct {
	SessionID string    `json:"session_id"`
	Items     []db.Item `json:"items"`
	Updates   []db.Item `json:"updates,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// sendMessageCommand covers both send_message and create_session;
// the hub resolves which one applies by looking the session up.
type sendMessageCommand struct {
	SessionID      string            `json:"session_id"`
	ProjectID      string            `json:"project_id"`
	Cwd            string            `json:"cwd,omitempty"`
	Text           string            `json:"text"`
	Title          string            `json:"title,omitempty"`
	PermissionMode string            `json:"permission_mode,omitempty"`
	Model          string            `json:"model,omitempty"`
	Attachments    []proc.Attachment `json:"attachments,omitempty"`
}

type sessionCommand struct {
	SessionID string `json:"session_id"`
}

type pendingResponseCommand struct {
	SessionID          string            `json:"session_id"`
	Behavior           string            `json:"behavior"`
	UpdatedInput       map[string]any    `json:"updated_input,omitempty"`
	UpdatedPermissions []proc.Suggestion `json:"updated_permissions,omitempty"`
	Message            string            `json:"message,omitempty"`
}

func marshalFrame(typ string, payload any) []byte {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("hub: marshaling %s payload: %v", typ, err)
			return nil
		}
		raw = data
	}
	data, err := json.Marshal(Frame{Type: typ, Payload: raw})
	if err != nil {
		log.Printf("hub: marshaling %s frame: %v", typ, err)
		return nil
	}
	return data
}

// handleCommand dispatches one inbound frame from a client.
// Failures are reported back to that client only.
func (h *Hub) handleCommand(
	ctx context.Context, c *Client, data []byte,
) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.sendError(fmt.Sprintf("malformed frame: %v", err))
		return
	}

	switch f.Type {
	case "ping":
		c.enqueue(marshalFrame("pong", nil))

	case "touch":
		var cmd sessionCommand
		if err := json.Unmarshal(f.Payload, &cmd); err != nil {
			c.sendError(fmt.Sprintf("touch: %v", err))
			return
		}
		h.cmd.Touch(cmd.SessionID)

	case "kill_process":
		var cmd sessionCommand
		if err := json.Unmarshal(f.Payload, &cmd); err != nil {
			c.sendError(fmt.Sprintf("kill_process: %v", err))
			return
		}
		if cmd.SessionID == "" {
			c.sendError("kill_process: session_id required")
			return
		}
		h.cmd.KillProcess(cmd.SessionID, "user")

	case "pending_request_response":
		var cmd pendingResponseCommand
		if err := json.Unmarshal(f.Payload, &cmd); err != nil {
			c.sendError(fmt.Sprintf("pending_request_response: %v", err))
			return
		}
		if cmd.Behavior != "allow" && cmd.Behavior != "deny" {
			c.sendError("pending_request_response: behavior must be allow or deny")
			return
		}
		ok := h.cmd.ResolvePending(cmd.SessionID, &proc.PermissionResult{
			Behavior:           cmd.Behavior,
			UpdatedInput:       cmd.UpdatedInput,
			UpdatedPermissions: cmd.UpdatedPermissions,
			Message:            cmd.Message,
		})
		if !ok {
			c.sendError(fmt.Sprintf(
				"session %s has no pending request", cmd.SessionID))
		}

	case "send_message", "create_session":
		var cmd sendMessageCommand
		if err := json.Unmarshal(f.Payload, &cmd); err != nil {
			c.sendError(fmt.Sprintf("%s: %v", f.Type, err))
			return
		}
		if err := h.routeMessage(ctx, f.Type == "create_session", cmd); err != nil {
			c.sendError(err.Error())
		}

	default:
		c.sendError(fmt.Sprintf("unknown frame type %q", f.Type))
	}
}

// routeMessage validates a message command and routes it to the
// supervisor. A session id unknown to storage routes through
// session creation even when the client asked for a plain send.
func (h *Hub) routeMessage(
	ctx context.Context, create bool, cmd sendMessageCommand,
) error {
	if cmd.SessionID == "" || cmd.ProjectID == "" {
		return fmt.Errorf("send_message: session_id and project_id required")
	}

	sess, err := h.db.GetSession(ctx, cmd.SessionID)
	if err != nil {
		return fmt.Errorf("send_message: %w", err)
	}

	// Titles never go straight into the transcript: for a new
	// session the file does not exist yet, and for a live one the
	// subprocess may be mid-turn. The post-turn flush drains the
	// pending store.
	if cmd.Title != "" {
		h.rt.Titles.Put(cmd.SessionID, cmd.Title)
	}

	cwd := cmd.Cwd
	if cwd == "" && sess != nil && sess.Cwd != nil {
		cwd = *sess.Cwd
	}

	if create || sess == nil {
		return h.cmd.CreateSession(
			ctx, cmd.SessionID, cmd.ProjectID, cwd, cmd.Text,
			cmd.PermissionMode, cmd.Model, cmd.Attachments,
		)
	}
	return h.cmd.SendToSession(
		ctx, cmd.SessionID, cmd.ProjectID, cwd, cmd.Text,
		cmd.PermissionMode, cmd.Model, cmd.Attachments,
	)
}
