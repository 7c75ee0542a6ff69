package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/twidi/twicc/internal/timeutil"
)

// Session kinds.
const (
	SessionPrimary  = "primary"
	SessionSubagent = "subagent"
)

const selectSessionCols = `id, project_id, kind, parent_session_id,
	byte_offset, last_line, file_mtime, compute_version, title,
	user_message_count, context_tokens, self_cost, subagents_cost,
	total_cost, model, cwd, repo_root, git_branch, stale,
	compute_complete, created_at, updated_at`

// Session represents a row in the sessions table. Mutated only by
// the incremental indexer.
type Session struct {
	ID               string  `json:"id"`
	ProjectID        string  `json:"project_id"`
	Kind             string  `json:"kind"`
	ParentSessionID  *string `json:"parent_session_id,omitempty"`
	ByteOffset       int64   `json:"byte_offset"`
	LastLine         int64   `json:"last_line"`
	FileMtime        int64   `json:"-"`
	ComputeVersion   int     `json:"compute_version"`
	Title            *string `json:"title,omitempty"`
	UserMessageCount int     `json:"user_message_count"`
	ContextTokens    int64   `json:"context_tokens"`
	SelfCost         float64 `json:"self_cost"`
	SubagentsCost    float64 `json:"subagents_cost"`
	TotalCost        float64 `json:"total_cost"`
	Model            *string `json:"model,omitempty"`
	Cwd              *string `json:"cwd,omitempty"`
	RepoRoot         *string `json:"repo_root,omitempty"`
	GitBranch        *string `json:"git_branch,omitempty"`
	Stale            bool    `json:"stale"`
	ComputeComplete  bool    `json:"compute_complete"`
	CreatedAt        *string `json:"created_at,omitempty"`
	UpdatedAt        *string `json:"updated_at,omitempty"`
}

// UpsertSession writes a full session row. The caller (the
// indexer) owns the session while writing, so a plain REPLACE-style
// upsert is safe for every column except the cost aggregates,
// which concurrent sibling indexers may bump through
// PropagateSubagentCost; those are written as-is here because the
// owning indexer recomputes them in the same cycle.
func (db *DB) UpsertSession(s Session) error {
	now := timeutil.Format(time.Now())
	_, err := db.exec(`
		INSERT INTO sessions (id, project_id, kind,
			parent_session_id, byte_offset, last_line, file_mtime,
			compute_version, title, user_message_count,
			context_tokens, self_cost, subagents_cost, total_cost,
			model, cwd, repo_root, git_branch, stale,
			compute_complete, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			kind = excluded.kind,
			parent_session_id = excluded.parent_session_id,
			byte_offset = excluded.byte_offset,
			last_line = excluded.last_line,
			file_mtime = excluded.file_mtime,
			compute_version = excluded.compute_version,
			title = excluded.title,
			user_message_count = excluded.user_message_count,
			context_tokens = excluded.context_tokens,
			self_cost = excluded.self_cost,
			subagents_cost = excluded.subagents_cost,
			total_cost = excluded.total_cost,
			model = excluded.model,
			cwd = excluded.cwd,
			repo_root = excluded.repo_root,
			git_branch = excluded.git_branch,
			stale = excluded.stale,
			compute_complete = excluded.compute_complete,
			updated_at = excluded.updated_at`,
		s.ID, s.ProjectID, s.Kind, s.ParentSessionID,
		s.ByteOffset, s.LastLine, s.FileMtime, s.ComputeVersion,
		s.Title, s.UserMessageCount, s.ContextTokens, s.SelfCost,
		s.SubagentsCost, s.TotalCost, s.Model, s.Cwd, s.RepoRoot,
		s.GitBranch, boolInt(s.Stale), boolInt(s.ComputeComplete),
		now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting session %s: %w", s.ID, err)
	}
	return nil
}

// GetSession returns a session by id, or nil when absent.
func (db *DB) GetSession(
	ctx context.Context, id string,
) (*Session, error) {
	row := db.reader.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM sessions WHERE id = ?`,
		selectSessionCols), id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying session %s: %w", id, err)
	}
	return s, nil
}

// SessionExists reports whether a session row is present.
func (db *DB) SessionExists(
	ctx context.Context, id string,
) (bool, error) {
	var one int
	err := db.reader.QueryRowContext(ctx,
		"SELECT 1 FROM sessions WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking session %s: %w", id, err)
	}
	return true, nil
}

// ListSessionsByProject returns the project's sessions ordered by
// id.
func (db *DB) ListSessionsByProject(
	ctx context.Context, projectID string,
) ([]Session, error) {
	rows, err := db.reader.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM sessions
		WHERE project_id = ?
		ORDER BY id`, selectSessionCols), projectID)
	if err != nil {
		return nil, fmt.Errorf(
			"querying sessions for %s: %w", projectID, err,
		)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ChildSessions returns the subagent sessions of a parent.
func (db *DB) ChildSessions(
	ctx context.Context, parentID string,
) ([]Session, error) {
	rows, err := db.reader.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM sessions
		WHERE parent_session_id = ?
		ORDER BY id`, selectSessionCols), parentID)
	if err != nil {
		return nil, fmt.Errorf(
			"querying children of %s: %w", parentID, err,
		)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// SetSessionStale sets or clears a session's stale flag.
func (db *DB) SetSessionStale(id string, stale bool) error {
	_, err := db.exec(`
		UPDATE sessions SET stale = ?, updated_at = ?
		WHERE id = ?`,
		boolInt(stale), timeutil.Format(time.Now()), id)
	if err != nil {
		return fmt.Errorf("marking session %s stale: %w", id, err)
	}
	return nil
}

// SetSessionTitle updates the session title.
func (db *DB) SetSessionTitle(id, title string) error {
	_, err := db.exec(`
		UPDATE sessions SET title = ?, updated_at = ?
		WHERE id = ?`,
		title, timeutil.Format(time.Now()), id)
	if err != nil {
		return fmt.Errorf("setting title for %s: %w", id, err)
	}
	return nil
}

// DeleteSession removes a session row and its items and links.
func (db *DB) DeleteSession(id string) error {
	return db.Update(func(tx *sql.Tx) error {
		for _, q := range []string{
			"DELETE FROM session_items WHERE session_id = ?",
			"DELETE FROM tool_result_links WHERE session_id = ?",
			"DELETE FROM agent_links WHERE session_id = ?",
			"DELETE FROM sessions WHERE id = ?",
		} {
			if _, err := tx.Exec(q, id); err != nil {
				return fmt.Errorf("deleting session %s: %w", id, err)
			}
		}
		return nil
	})
}

// PropagateSubagentCost recomputes the parent's subagents_cost
// from its children and refreshes total_cost in one atomic
// statement, so concurrent sibling indexers converge.
func (db *DB) PropagateSubagentCost(parentID string) error {
	_, err := db.exec(`
		UPDATE sessions SET
			subagents_cost = COALESCE((
				SELECT SUM(c.total_cost) FROM sessions c
				WHERE c.parent_session_id = sessions.id), 0),
			total_cost = self_cost + COALESCE((
				SELECT SUM(c.total_cost) FROM sessions c
				WHERE c.parent_session_id = sessions.id), 0),
			updated_at = ?
		WHERE id = ?`,
		timeutil.Format(time.Now()), parentID)
	if err != nil {
		return fmt.Errorf(
			"propagating subagent cost to %s: %w", parentID, err,
		)
	}
	return nil
}

func scanSession(r rowScanner) (*Session, error) {
	var s Session
	var stale, complete int
	if err := r.Scan(
		&s.ID, &s.ProjectID, &s.Kind, &s.ParentSessionID,
		&s.ByteOffset, &s.LastLine, &s.FileMtime,
		&s.ComputeVersion, &s.Title, &s.UserMessageCount,
		&s.ContextTokens, &s.SelfCost, &s.SubagentsCost,
		&s.TotalCost, &s.Model, &s.Cwd, &s.RepoRoot, &s.GitBranch,
		&stale, &complete, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.Stale = stale != 0
	s.ComputeComplete = complete != 0
	return &s, nil
}

func scanSessions(rows *sql.Rows) ([]Session, error) {
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}
