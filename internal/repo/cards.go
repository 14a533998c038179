package repo

import (
	"context"
	"database/sql"

	"github.com/modelodev/scrumbringer/internal/domain"
)

const cardColumns = `c.id, c.project_id, c.milestone_id, c.title, c.created_at,
(SELECT count(*) FROM tasks t WHERE t.card_id=c.id) AS task_count,
(SELECT count(*) FROM tasks t WHERE t.card_id=c.id AND t.status='claimed') AS claimed_count,
(SELECT count(*) FROM tasks t WHERE t.card_id=c.id AND t.status='completed') AS completed_count`

func scanCard(scan func(...any) error) (domain.Card, error) {
	var c domain.Card
	var milestoneID sql.NullString
	err := scan(&c.ID, &c.ProjectID, &milestoneID, &c.Title, &c.CreatedAt,
		&c.TaskCount, &c.ClaimedCount, &c.CompletedCount)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if milestoneID.Valid {
		c.MilestoneID = &milestoneID.String
	}
	return c, nil
}

func (r Repo) InsertCard(ctx context.Context, c domain.Card) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO cards(id,project_id,milestone_id,title,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.ProjectID, nullableStringPtr(c.MilestoneID), c.Title, c.CreatedAt)
	return err
}

func (r Repo) GetCard(ctx context.Context, id string) (domain.Card, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards c WHERE c.id=?`, id)
	return scanCard(row.Scan)
}

func (r Repo) ListCards(ctx context.Context, projectID string) ([]domain.Card, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+cardColumns+` FROM cards c WHERE c.project_id=? ORDER BY c.created_at DESC, c.id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Card
	for rows.Next() {
		c, err := scanCard(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// SetCardMilestone reassigns a card between milestones. The pool is not a
// legal target here: pool cards leave the pool only through activation.
func (r Repo) SetCardMilestone(ctx context.Context, cardID, milestoneID string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE cards SET milestone_id=? WHERE id=?`, milestoneID, cardID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPoolCards returns the project's unscheduled cards, inside the
// activation transaction so the subsequent release sees the same set.
func (r Repo) ListPoolCards(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Card, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+cardColumns+` FROM cards c WHERE c.project_id=? AND c.milestone_id IS NULL ORDER BY c.created_at ASC, c.id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Card
	for rows.Next() {
		c, err := scanCard(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ReleasePoolCards moves every pool card of the project into the milestone
// and returns how many were moved.
func (r Repo) ReleasePoolCards(ctx context.Context, tx *sql.Tx, projectID, milestoneID string) (int, error) {
	res, err := tx.ExecContext(ctx, `UPDATE cards SET milestone_id=? WHERE project_id=? AND milestone_id IS NULL`, milestoneID, projectID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
