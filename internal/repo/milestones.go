package repo

import (
	"context"
	"database/sql"

	"github.com/modelodev/scrumbringer/internal/domain"
)

const milestoneColumns = `id,project_id,name,state,position,created_by,created_at,activated_at,completed_at`

func scanMilestone(scan func(...any) error) (domain.Milestone, error) {
	var m domain.Milestone
	var activatedAt, completedAt sql.NullString
	err := scan(&m.ID, &m.ProjectID, &m.Name, &m.State, &m.Position, &m.CreatedBy, &m.CreatedAt, &activatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if activatedAt.Valid {
		m.ActivatedAt = &activatedAt.String
	}
	if completedAt.Valid {
		m.CompletedAt = &completedAt.String
	}
	return m, nil
}

func (r Repo) InsertMilestone(ctx context.Context, m domain.Milestone) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO milestones(`+milestoneColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ProjectID, m.Name, m.State, m.Position, m.CreatedBy, m.CreatedAt,
		nullableStringPtr(m.ActivatedAt), nullableStringPtr(m.CompletedAt))
	return err
}

func (r Repo) GetMilestone(ctx context.Context, id string) (domain.Milestone, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id=?`, id)
	return scanMilestone(row.Scan)
}

func (r Repo) GetMilestoneTx(ctx context.Context, tx *sql.Tx, id string) (domain.Milestone, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id=?`, id)
	return scanMilestone(row.Scan)
}

func (r Repo) ListMilestones(ctx context.Context, projectID string) ([]domain.Milestone, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE project_id=? ORDER BY position ASC, created_at ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// ActiveMilestone returns the project's active milestone inside tx, or
// ErrNotFound when none is active.
func (r Repo) ActiveMilestone(ctx context.Context, tx *sql.Tx, projectID string) (domain.Milestone, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE project_id=? AND state='active'`, projectID)
	return scanMilestone(row.Scan)
}

// MarkMilestoneActive performs the guarded state write. The WHERE clause
// only matches a ready milestone, and the milestones_single_active unique
// index rejects a second active row per project, so a lost activation race
// surfaces either as ErrStaleWrite or as a unique violation.
func (r Repo) MarkMilestoneActive(ctx context.Context, tx *sql.Tx, id, activatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE milestones SET state='active', activated_at=? WHERE id=? AND state='ready'`, activatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleWrite
	}
	return nil
}

// MarkMilestoneCompleted closes out an active milestone.
func (r Repo) MarkMilestoneCompleted(ctx context.Context, tx *sql.Tx, id, completedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE milestones SET state='completed', completed_at=? WHERE id=? AND state='active'`, completedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleWrite
	}
	return nil
}
