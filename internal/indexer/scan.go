package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/twidi/twicc/internal/core"
)

// SyncAll performs the startup full scan: every transcript file
// under the projects root, reporting progress as it goes. Files
// that fail to sync are logged and skipped; the next watcher
// event retries them.
func (ix *Indexer) SyncAll(
	ctx context.Context, progress *core.StartupProgress,
) error {
	locs, err := ix.discover()
	if err != nil {
		return err
	}
	if progress != nil {
		progress.Begin(len(locs))
	}

	for _, loc := range locs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := ix.SyncSession(ctx, loc); err != nil {
			log.Printf("indexer: scan %s: %v", loc.Path, err)
		}
		if progress != nil {
			progress.Step()
		}
	}
	log.Printf("indexer: initial scan done, %d file(s)", len(locs))
	return nil
}

// discover lists every transcript file in the layout, parents
// before their subagents.
func (ix *Indexer) discover() ([]Location, error) {
	entries, err := os.ReadDir(ix.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", ix.root, err)
	}

	var locs []Location
	for _, proj := range entries {
		if !proj.IsDir() {
			continue
		}
		projDir := filepath.Join(ix.root, proj.Name())
		files, err := os.ReadDir(projDir)
		if err != nil {
			continue
		}
		// Session files first: directory order interleaves a
		// session's subagent dir with its .jsonl, and syncing the
		// parent first keeps aggregates single-pass.
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			path := filepath.Join(projDir, f.Name())
			if loc, ok := Classify(ix.root, path); ok {
				locs = append(locs, loc)
			}
		}
		for _, f := range files {
			if !f.IsDir() {
				continue
			}
			path := filepath.Join(projDir, f.Name())
			subDir := filepath.Join(path, "subagents")
			subs, err := os.ReadDir(subDir)
			if err != nil {
				continue
			}
			for _, sf := range subs {
				subPath := filepath.Join(subDir, sf.Name())
				if loc, ok := Classify(ix.root, subPath); ok {
					locs = append(locs, loc)
				}
			}
		}
	}
	return locs, nil
}

// AppendTitle appends a custom-title record to a session's
// transcript file. The next sync picks it up like any other
// appended line.
func (ix *Indexer) AppendTitle(
	projectID, sessionID, title string,
) error {
	line, err := json.Marshal(struct {
		Type        string `json:"type"`
		CustomTitle string `json:"customTitle"`
		SessionID   string `json:"sessionId"`
	}{
		Type:        "custom-title",
		CustomTitle: title,
		SessionID:   sessionID,
	})
	if err != nil {
		return err
	}

	path := filepath.Join(ix.root, projectID, sessionID+".jsonl")
	f, err := os.OpenFile(
		path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644,
	)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending title to %s: %w", path, err)
	}
	return nil
}

// findRepoRoot walks upward from dir for a .git marker.
func findRepoRoot(dir string) string {
	dir = filepath.Clean(dir)
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func readAll(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading transcript: %w", err)
	}
	return data, nil
}
