package proc

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const planLookbackItems = 50

// handleControlRequest runs the permission arbitration for one
// request, synchronously on the reader loop: install the pending
// slot, notify, await the user's answer, apply side effects, and
// answer the subprocess.
func (w *Wrapper) handleControlRequest(ev streamEvent) {
	var body controlRequestBody
	if err := json.Unmarshal(ev.Request, &body); err != nil {
		log.Printf("proc %s: bad control request: %v",
			w.cfg.SessionID, err)
		return
	}
	if body.Subtype != "can_use_tool" {
		log.Printf("proc %s: unhandled control request %q",
			w.cfg.SessionID, body.Subtype)
		return
	}

	kind := RequestToolApproval
	if body.ToolName == "AskUserQuestion" {
		kind = RequestAskUserQuestion
	}

	req := &PendingRequest{
		ID:         ev.RequestID,
		Kind:       kind,
		ToolName:   body.ToolName,
		Input:      body.Input,
		ReceivedAt: time.Now(),
		Suggestions: normalizeSuggestions(
			body.Suggestions, body.ToolName, w.cfg.Cwd,
		),
	}

	ch := make(chan *PermissionResult, 1)
	w.mu.Lock()
	w.pending = req
	w.pendingCh = ch
	w.mu.Unlock()
	w.notify()

	res, ok := <-ch
	if !ok || res == nil {
		// Canceled by kill or a fatal error; the subprocess is
		// going away, nothing to answer.
		return
	}

	if body.ToolName == "ExitPlanMode" && res.Behavior == "allow" {
		w.maybeRewritePlan(body.Input, res.UpdatedInput)
	}

	w.mu.Lock()
	w.pending = nil
	w.mu.Unlock()
	w.notify()

	err := w.writeJSON(controlResponse{
		Type: "control_response",
		Response: controlResponseBody{
			Subtype:   "success",
			RequestID: ev.RequestID,
			Response:  res,
		},
	})
	if err != nil {
		w.fail(fmt.Sprintf("answering permission request: %v", err))
	}
}

// maybeRewritePlan overwrites the session's plan file when the
// user edited the plan content while approving ExitPlanMode. The
// slug is found by walking recent items newest-first; a session
// with no plan record skips the rewrite with a log.
func (w *Wrapper) maybeRewritePlan(
	input, updated map[string]any,
) {
	if updated == nil || w.cfg.RecentRaw == nil ||
		w.cfg.PlansDir == "" {
		return
	}
	newPlan, ok := updated["plan"].(string)
	if !ok || newPlan == "" {
		return
	}
	if old, ok := input["plan"].(string); ok && old == newPlan {
		return
	}

	raws, err := w.cfg.RecentRaw(w.cfg.SessionID, planLookbackItems)
	if err != nil {
		log.Printf("proc %s: plan lookup: %v", w.cfg.SessionID, err)
		return
	}
	slug := ""
	for _, raw := range raws {
		if s := gjson.Get(raw, "slug").Str; s != "" {
			slug = s
			break
		}
		if s := gjson.Get(raw, "toolUseResult.plan.slug").Str; s != "" {
			slug = s
			break
		}
	}
	if slug == "" {
		log.Printf("proc %s: no plan record, skipping rewrite",
			w.cfg.SessionID)
		return
	}

	path := filepath.Join(w.cfg.PlansDir, slug+".md")
	if err := os.WriteFile(path, []byte(newPlan), 0o644); err != nil {
		log.Printf("proc %s: writing plan %s: %v",
			w.cfg.SessionID, path, err)
	}
}

// normalizeSuggestions applies the suggestion cleanup rules:
// multi-rule suggestions are split one-per-rule, directory
// suggestions drop the project directory itself, and MCP tools
// with no suggestions get a synthesized server-wide wildcard.
func normalizeSuggestions(
	in []Suggestion, toolName, projectDir string,
) []Suggestion {
	var out []Suggestion
	for _, s := range in {
		if len(s.Directories) > 0 {
			var dirs []string
			for _, d := range s.Directories {
				if projectDir != "" &&
					filepath.Clean(d) == filepath.Clean(projectDir) {
					continue
				}
				dirs = append(dirs, d)
			}
			s.Directories = dirs
			if len(dirs) == 0 && len(s.Rules) == 0 {
				continue
			}
		}
		if len(s.Rules) <= 1 {
			out = append(out, s)
			continue
		}
		for _, r := range s.Rules {
			split := s
			split.Rules = []PermissionRule{r}
			out = append(out, split)
		}
	}

	if len(out) == 0 {
		if server, ok := mcpServer(toolName); ok {
			out = append(out, Suggestion{
				Type:     "addRules",
				Behavior: "allow",
				Rules: []PermissionRule{{
					ToolName: "mcp__" + server,
				}},
			})
		}
	}
	return out
}

// mcpServer extracts the server segment of an mcp__server__tool
// name.
func mcpServer(toolName string) (string, bool) {
	if !strings.HasPrefix(toolName, "mcp__") {
		return "", false
	}
	rest := strings.TrimPrefix(toolName, "mcp__")
	if i := strings.Index(rest, "__"); i > 0 {
		return rest[:i], true
	}
	if rest != "" {
		return rest, true
	}
	return "", false
}
