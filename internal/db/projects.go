package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/twidi/twicc/internal/timeutil"
)

const selectProjectCols = `id, dir, repo_root, session_count,
	total_cost, stale, created_at, updated_at`

// Project represents a row in the projects table.
type Project struct {
	ID           string  `json:"id"`
	Dir          *string `json:"dir,omitempty"`
	RepoRoot     *string `json:"repo_root,omitempty"`
	SessionCount int     `json:"session_count"`
	TotalCost    float64 `json:"total_cost"`
	Stale        bool    `json:"stale"`
	CreatedAt    *string `json:"created_at,omitempty"`
	UpdatedAt    *string `json:"updated_at,omitempty"`
}

// UpsertProject inserts a project row or clears its stale flag on
// conflict. Dir and RepoRoot are only filled when not yet set, so
// the first observed working directory wins.
func (db *DB) UpsertProject(p Project) error {
	now := timeutil.Format(time.Now())
	_, err := db.exec(`
		INSERT INTO projects (id, dir, repo_root, stale,
			created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			dir = COALESCE(projects.dir, excluded.dir),
			repo_root = COALESCE(projects.repo_root, excluded.repo_root),
			stale = 0,
			updated_at = excluded.updated_at`,
		p.ID, p.Dir, p.RepoRoot, now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting project %s: %w", p.ID, err)
	}
	return nil
}

// GetProject returns a project by id, or nil when absent.
func (db *DB) GetProject(
	ctx context.Context, id string,
) (*Project, error) {
	row := db.reader.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM projects WHERE id = ?`,
		selectProjectCols), id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying project %s: %w", id, err)
	}
	return p, nil
}

// ListProjects returns all projects ordered by id.
func (db *DB) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := db.reader.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM projects ORDER BY id`,
		selectProjectCols))
	if err != nil {
		return nil, fmt.Errorf("querying projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// SetProjectStale sets or clears a project's stale flag.
func (db *DB) SetProjectStale(id string, stale bool) error {
	_, err := db.exec(`
		UPDATE projects SET stale = ?, updated_at = ?
		WHERE id = ?`,
		boolInt(stale), timeutil.Format(time.Now()), id)
	if err != nil {
		return fmt.Errorf("marking project %s stale: %w", id, err)
	}
	return nil
}

// RecountProject recomputes the project's aggregate session count
// and cost from its primary sessions in a single statement.
// Subagent sessions are excluded from the count; their costs are
// already folded into the parents' total_cost.
func (db *DB) RecountProject(id string) error {
	_, err := db.exec(`
		UPDATE projects SET
			session_count = (
				SELECT COUNT(*) FROM sessions s
				WHERE s.project_id = projects.id
				  AND s.kind = 'primary'),
			total_cost = COALESCE((
				SELECT SUM(s.total_cost) FROM sessions s
				WHERE s.project_id = projects.id
				  AND s.kind = 'primary'), 0),
			updated_at = ?
		WHERE id = ?`,
		timeutil.Format(time.Now()), id)
	if err != nil {
		return fmt.Errorf("recounting project %s: %w", id, err)
	}
	return nil
}

// DeleteProjectIfEmpty removes a project that has no sessions
// left. Returns true when a row was deleted.
func (db *DB) DeleteProjectIfEmpty(id string) (bool, error) {
	res, err := db.exec(`
		DELETE FROM projects
		WHERE id = ?
		  AND NOT EXISTS (
			SELECT 1 FROM sessions WHERE project_id = ?)`,
		id, id)
	if err != nil {
		return false, fmt.Errorf("deleting project %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(r rowScanner) (*Project, error) {
	var p Project
	var stale int
	if err := r.Scan(
		&p.ID, &p.Dir, &p.RepoRoot, &p.SessionCount,
		&p.TotalCost, &stale, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Stale = stale != 0
	return &p, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
