package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const (
	selectItemCols = `session_id, line_num, raw, kind,
		display_level, group_head, group_tail, message_id, cost,
		input_tokens, output_tokens, cache_read_tokens,
		cache_create_5m_tokens, cache_create_1h_tokens,
		timestamp, repo_root, git_branch`

	// selectItemMetaCols omits the verbatim record bytes.
	selectItemMetaCols = `session_id, line_num, kind,
		display_level, group_head, group_tail, message_id, cost,
		input_tokens, output_tokens, cache_read_tokens,
		cache_create_5m_tokens, cache_create_1h_tokens,
		timestamp, repo_root, git_branch`
)

// Item represents a row in the session_items table: one transcript
// line plus its derived fields. Immutable after write except for
// the second-pass group/cost update.
type Item struct {
	SessionID    string   `json:"session_id"`
	LineNum      int64    `json:"line_num"`
	Raw          string   `json:"raw,omitempty"`
	Kind         string   `json:"kind"`
	DisplayLevel string   `json:"display_level"`
	GroupHead    *int64   `json:"group_head,omitempty"`
	GroupTail    *int64   `json:"group_tail,omitempty"`
	MessageID    *string  `json:"message_id,omitempty"`
	Cost         *float64 `json:"cost,omitempty"`
	InputTokens  *int64   `json:"input_tokens,omitempty"`
	OutputTokens *int64   `json:"output_tokens,omitempty"`
	CacheRead    *int64   `json:"cache_read_tokens,omitempty"`
	CacheCreate5m *int64  `json:"cache_create_5m_tokens,omitempty"`
	CacheCreate1h *int64  `json:"cache_create_1h_tokens,omitempty"`
	Timestamp    *string  `json:"timestamp,omitempty"`
	RepoRoot     *string  `json:"repo_root,omitempty"`
	GitBranch    *string  `json:"git_branch,omitempty"`
}

// LineRange selects item lines. From and To are inclusive;
// To == 0 means open-ended ("From and everything after");
// From == To selects a single line.
type LineRange struct {
	From int64
	To   int64
}

// AppendItems bulk-inserts items in one transaction. Duplicate
// (session, line) pairs are silently ignored so replaying a file
// is idempotent. Returns the number of rows actually inserted.
func (db *DB) AppendItems(items []Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	inserted := 0
	err := db.Update(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT OR IGNORE INTO session_items
				(session_id, line_num, raw, kind, display_level,
				group_head, group_tail, message_id, cost,
				input_tokens, output_tokens, cache_read_tokens,
				cache_create_5m_tokens, cache_create_1h_tokens,
				timestamp, repo_root, git_branch)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing item insert: %w", err)
		}
		defer stmt.Close()

		for _, it := range items {
			res, err := stmt.Exec(
				it.SessionID, it.LineNum, it.Raw, it.Kind,
				it.DisplayLevel, it.GroupHead, it.GroupTail,
				it.MessageID, it.Cost, it.InputTokens,
				it.OutputTokens, it.CacheRead, it.CacheCreate5m,
				it.CacheCreate1h, it.Timestamp, it.RepoRoot,
				it.GitBranch,
			)
			if err != nil {
				return fmt.Errorf(
					"inserting item %s/%d: %w",
					it.SessionID, it.LineNum, err,
				)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	return inserted, err
}

// SetItemDerived performs the second-pass update of group
// boundaries and cost on an existing item.
func (db *DB) SetItemDerived(
	sessionID string, line int64,
	groupHead, groupTail *int64, cost *float64,
) error {
	_, err := db.exec(`
		UPDATE session_items
		SET group_head = ?, group_tail = ?,
			cost = COALESCE(?, cost)
		WHERE session_id = ? AND line_num = ?`,
		groupHead, groupTail, cost, sessionID, line)
	if err != nil {
		return fmt.Errorf(
			"updating derived fields %s/%d: %w",
			sessionID, line, err,
		)
	}
	return nil
}

// GetItems returns items for the union of ranges, ordered by line.
func (db *DB) GetItems(
	ctx context.Context, sessionID string, ranges []LineRange,
) ([]Item, error) {
	return db.queryItems(ctx, sessionID, ranges, false)
}

// GetItemsMeta is GetItems without the verbatim record bytes.
func (db *DB) GetItemsMeta(
	ctx context.Context, sessionID string, ranges []LineRange,
) ([]Item, error) {
	return db.queryItems(ctx, sessionID, ranges, true)
}

func (db *DB) queryItems(
	ctx context.Context, sessionID string,
	ranges []LineRange, metaOnly bool,
) ([]Item, error) {
	cols := selectItemCols
	if metaOnly {
		cols = selectItemMetaCols
	}

	where, args := rangeClause(ranges)
	query := fmt.Sprintf(`
		SELECT %s FROM session_items
		WHERE session_id = ?%s
		ORDER BY line_num`, cols, where)

	rows, err := db.reader.QueryContext(
		ctx, query, append([]any{sessionID}, args...)...,
	)
	if err != nil {
		return nil, fmt.Errorf(
			"querying items for %s: %w", sessionID, err,
		)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows, metaOnly)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// GetItemsBefore returns up to limit item metadata rows with
// line_num < before, in descending line order. This is the "walk
// backward until anchor found" primitive used by the grouping
// second pass to bridge runs across batches.
func (db *DB) GetItemsBefore(
	ctx context.Context, sessionID string,
	before int64, limit int,
) ([]Item, error) {
	rows, err := db.reader.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM session_items
		WHERE session_id = ? AND line_num < ?
		ORDER BY line_num DESC
		LIMIT ?`, selectItemMetaCols),
		sessionID, before, limit)
	if err != nil {
		return nil, fmt.Errorf(
			"querying items before %s/%d: %w",
			sessionID, before, err,
		)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows, true)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// GetRecentItemsRaw returns up to limit raw records newest-first.
// Used by the plan-rewrite lookup.
func (db *DB) GetRecentItemsRaw(
	ctx context.Context, sessionID string, limit int,
) ([]string, error) {
	rows, err := db.reader.QueryContext(ctx, `
		SELECT raw FROM session_items
		WHERE session_id = ?
		ORDER BY line_num DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf(
			"querying recent items for %s: %w", sessionID, err,
		)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, rows.Err()
}

// CountItemsByKind returns the number of items of a given kind.
func (db *DB) CountItemsByKind(
	ctx context.Context, sessionID, kind string,
) (int, error) {
	var n int
	err := db.reader.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM session_items
		WHERE session_id = ? AND kind = ?`,
		sessionID, kind).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf(
			"counting %s items for %s: %w", kind, sessionID, err,
		)
	}
	return n, nil
}

// SeenMessageIDs returns the distinct non-null message ids already
// persisted for the session. Drives cost dedup across batches.
func (db *DB) SeenMessageIDs(
	ctx context.Context, sessionID string,
) (map[string]bool, error) {
	rows, err := db.reader.QueryContext(ctx, `
		SELECT DISTINCT message_id FROM session_items
		WHERE session_id = ? AND message_id IS NOT NULL`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf(
			"querying message ids for %s: %w", sessionID, err,
		)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		seen[id] = true
	}
	return seen, rows.Err()
}

// rangeClause builds an OR'd line_num predicate for the ranges.
// An empty slice selects all lines.
func rangeClause(ranges []LineRange) (string, []any) {
	if len(ranges) == 0 {
		return "", nil
	}
	var parts []string
	var args []any
	for _, r := range ranges {
		switch {
		case r.To == 0:
			parts = append(parts, "line_num >= ?")
			args = append(args, r.From)
		case r.From == r.To:
			parts = append(parts, "line_num = ?")
			args = append(args, r.From)
		default:
			parts = append(parts, "(line_num >= ? AND line_num <= ?)")
			args = append(args, r.From, r.To)
		}
	}
	return " AND (" + strings.Join(parts, " OR ") + ")", args
}

func scanItem(rows *sql.Rows, metaOnly bool) (Item, error) {
	var it Item
	var err error
	if metaOnly {
		err = rows.Scan(
			&it.SessionID, &it.LineNum, &it.Kind,
			&it.DisplayLevel, &it.GroupHead, &it.GroupTail,
			&it.MessageID, &it.Cost, &it.InputTokens,
			&it.OutputTokens, &it.CacheRead, &it.CacheCreate5m,
			&it.CacheCreate1h, &it.Timestamp, &it.RepoRoot,
			&it.GitBranch,
		)
	} else {
		err = rows.Scan(
			&it.SessionID, &it.LineNum, &it.Raw, &it.Kind,
			&it.DisplayLevel, &it.GroupHead, &it.GroupTail,
			&it.MessageID, &it.Cost, &it.InputTokens,
			&it.OutputTokens, &it.CacheRead, &it.CacheCreate5m,
			&it.CacheCreate1h, &it.Timestamp, &it.RepoRoot,
			&it.GitBranch,
		)
	}
	if err != nil {
		return Item{}, fmt.Errorf("scanning item: %w", err)
	}
	return it, nil
}
