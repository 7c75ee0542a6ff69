package db

import (
	"context"
	"database/sql"
	"fmt"
)

// ToolResultLink maps a tool-use line and id to the line carrying
// one of its results. Many result lines may reference the same
// tool use. ResultLine 0 is the declaration row written when the
// tool use itself is indexed; it lets a later batch resolve the
// tool-use line for results that arrive after a restart.
type ToolResultLink struct {
	SessionID   string `json:"session_id"`
	ToolUseLine int64  `json:"tool_use_line"`
	ToolUseID   string `json:"tool_use_id"`
	ResultLine  int64  `json:"result_line"`
}

// AgentLink maps a spawn tool-use id in a parent session to the
// spawned child's session id.
type AgentLink struct {
	SessionID      string `json:"session_id"`
	ToolUseID      string `json:"tool_use_id"`
	AgentSessionID string `json:"agent_session_id"`
}

// UpsertToolResultLink idempotently inserts a result link.
func (db *DB) UpsertToolResultLink(l ToolResultLink) error {
	_, err := db.exec(`
		INSERT OR IGNORE INTO tool_result_links
			(session_id, tool_use_line, tool_use_id, result_line)
		VALUES (?, ?, ?, ?)`,
		l.SessionID, l.ToolUseLine, l.ToolUseID, l.ResultLine)
	if err != nil {
		return fmt.Errorf(
			"upserting result link %s/%s: %w",
			l.SessionID, l.ToolUseID, err,
		)
	}
	return nil
}

// ToolUseLine resolves the line that declared a tool use, or 0
// when the declaration has not been indexed.
func (db *DB) ToolUseLine(
	ctx context.Context, sessionID, toolUseID string,
) (int64, error) {
	var line int64
	err := db.reader.QueryRowContext(ctx, `
		SELECT tool_use_line FROM tool_result_links
		WHERE session_id = ? AND tool_use_id = ?
		LIMIT 1`, sessionID, toolUseID).Scan(&line)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf(
			"resolving tool use %s/%s: %w",
			sessionID, toolUseID, err,
		)
	}
	return line, nil
}

// ToolResultLinks returns the result lines recorded for a tool
// use, ordered by result line. Declaration rows are excluded.
func (db *DB) ToolResultLinks(
	ctx context.Context, sessionID, toolUseID string,
) ([]ToolResultLink, error) {
	rows, err := db.reader.QueryContext(ctx, `
		SELECT session_id, tool_use_line, tool_use_id, result_line
		FROM tool_result_links
		WHERE session_id = ? AND tool_use_id = ?
		  AND result_line > 0
		ORDER BY result_line`, sessionID, toolUseID)
	if err != nil {
		return nil, fmt.Errorf(
			"querying result links %s/%s: %w",
			sessionID, toolUseID, err,
		)
	}
	defer rows.Close()

	var out []ToolResultLink
	for rows.Next() {
		var l ToolResultLink
		if err := rows.Scan(
			&l.SessionID, &l.ToolUseLine, &l.ToolUseID,
			&l.ResultLine,
		); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// UpsertAgentLink idempotently inserts an agent link. Either side
// (parent spawn or child first record) may populate it first.
func (db *DB) UpsertAgentLink(l AgentLink) error {
	_, err := db.exec(`
		INSERT OR IGNORE INTO agent_links
			(session_id, tool_use_id, agent_session_id)
		VALUES (?, ?, ?)`,
		l.SessionID, l.ToolUseID, l.AgentSessionID)
	if err != nil {
		return fmt.Errorf(
			"upserting agent link %s/%s: %w",
			l.SessionID, l.ToolUseID, err,
		)
	}
	return nil
}

// AgentLinkForToolUse returns the agent link for a tool-use id, or
// nil when absent.
func (db *DB) AgentLinkForToolUse(
	ctx context.Context, sessionID, toolUseID string,
) (*AgentLink, error) {
	row := db.reader.QueryRowContext(ctx, `
		SELECT session_id, tool_use_id, agent_session_id
		FROM agent_links
		WHERE session_id = ? AND tool_use_id = ?`,
		sessionID, toolUseID)

	var l AgentLink
	err := row.Scan(&l.SessionID, &l.ToolUseID, &l.AgentSessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf(
			"querying agent link %s/%s: %w",
			sessionID, toolUseID, err,
		)
	}
	return &l, nil
}

// AgentLinksForSession returns all agent links of a parent session.
func (db *DB) AgentLinksForSession(
	ctx context.Context, sessionID string,
) ([]AgentLink, error) {
	rows, err := db.reader.QueryContext(ctx, `
		SELECT session_id, tool_use_id, agent_session_id
		FROM agent_links
		WHERE session_id = ?
		ORDER BY tool_use_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf(
			"querying agent links for %s: %w", sessionID, err,
		)
	}
	defer rows.Close()

	var out []AgentLink
	for rows.Next() {
		var l AgentLink
		if err := rows.Scan(
			&l.SessionID, &l.ToolUseID, &l.AgentSessionID,
		); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
