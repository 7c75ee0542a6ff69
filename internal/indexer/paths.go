package indexer

import (
	"path/filepath"
	"strings"
)

// PathKind classifies a path under the projects root.
type PathKind int

const (
	PathUnknown PathKind = iota
	PathProjectDir
	PathSession
	PathSubagent
)

// Location identifies one transcript file (or project directory)
// under the projects root.
type Location struct {
	Kind PathKind
	Path string

	ProjectID string
	SessionID string

	// Subagent transcripts only.
	ParentSessionID string
	AgentID         string
}

// Classify maps an absolute path to its location in the
// transcript layout:
//
//	<root>/<project>/<session>.jsonl
//	<root>/<project>/<session>/subagents/agent-<id>.jsonl
//
// Legacy agent-*.jsonl files directly under a project directory
// are ignored. The subagent's session id is the file stem, so
// both the spawn side (input agentId) and the child side derive
// the same identifier.
func Classify(root, path string) (Location, bool) {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return Location{}, false
	}
	sep := string(filepath.Separator)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+sep) {
		return Location{}, false
	}

	parts := strings.Split(rel, sep)
	switch len(parts) {
	case 1:
		// A direct child of the root is a project directory,
		// dots and all. Dotfiles and stray .jsonl files at this
		// level are not part of the layout.
		if strings.HasPrefix(parts[0], ".") ||
			strings.HasSuffix(parts[0], ".jsonl") {
			return Location{}, false
		}
		return Location{
			Kind:      PathProjectDir,
			Path:      path,
			ProjectID: parts[0],
		}, true

	case 2:
		stem, ok := jsonlStem(parts[1])
		if !ok || strings.HasPrefix(stem, "agent-") {
			return Location{}, false
		}
		return Location{
			Kind:      PathSession,
			Path:      path,
			ProjectID: parts[0],
			SessionID: stem,
		}, true

	case 4:
		if parts[2] != "subagents" {
			return Location{}, false
		}
		stem, ok := jsonlStem(parts[3])
		if !ok || !strings.HasPrefix(stem, "agent-") {
			return Location{}, false
		}
		return Location{
			Kind:            PathSubagent,
			Path:            path,
			ProjectID:       parts[0],
			SessionID:       stem,
			ParentSessionID: parts[1],
			AgentID:         strings.TrimPrefix(stem, "agent-"),
		}, true
	}
	return Location{}, false
}

// SubagentSessionID maps a spawn-side agent id to the session id
// the child's transcript file will use.
func SubagentSessionID(agentID string) string {
	return "agent-" + agentID
}

func jsonlStem(name string) (string, bool) {
	if !strings.HasSuffix(name, ".jsonl") {
		return "", false
	}
	return strings.TrimSuffix(name, ".jsonl"), true
}
