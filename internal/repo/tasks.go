package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/modelodev/scrumbringer/internal/domain"
)

const taskColumns = `id,project_id,card_id,type_id,title,description,priority,status,claimed_by,claimed_at,completed_at,created_by,created_at,version`

func scanTask(scan func(...any) error) (domain.Task, error) {
	var t domain.Task
	var cardID, typeID, description, claimedBy, claimedAt, completedAt sql.NullString
	err := scan(&t.ID, &t.ProjectID, &cardID, &typeID, &t.Title, &description, &t.Priority,
		&t.Status, &claimedBy, &claimedAt, &completedAt, &t.CreatedBy, &t.CreatedAt, &t.Version)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if cardID.Valid {
		t.CardID = &cardID.String
	}
	if typeID.Valid {
		t.TypeID = &typeID.String
	}
	if description.Valid {
		t.Description = description.String
	}
	if claimedBy.Valid {
		t.ClaimedBy = &claimedBy.String
	}
	if claimedAt.Valid {
		t.ClaimedAt = &claimedAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, nullableStringPtr(t.CardID), nullableStringPtr(t.TypeID), t.Title, nullable(t.Description),
		t.Priority, t.Status, nullableStringPtr(t.ClaimedBy), nullableStringPtr(t.ClaimedAt),
		nullableStringPtr(t.CompletedAt), t.CreatedBy, t.CreatedAt, t.Version)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

// TaskMutation is the set of columns a version-guarded update may touch.
// Pointer fields distinguish "leave alone" from "set to NULL" (SetNull*).
type TaskMutation struct {
	Status           string
	ClaimedBy        *string
	SetNullClaimedBy bool
	ClaimedAt        *string
	SetNullClaimedAt bool
	CompletedAt      *string
}

// UpdateTaskVersioned applies the mutation iff the stored version still
// equals expected, bumping version by one in the same statement. The guard
// and the write are a single conditional UPDATE: there is no read-then-write
// window. Zero matched rows surface as ErrStaleWrite for classification.
func (r Repo) UpdateTaskVersioned(ctx context.Context, tx *sql.Tx, id string, expected int64, m TaskMutation) error {
	fields := []string{"version=version+1"}
	var args []any
	if m.Status != "" {
		fields = append(fields, "status=?")
		args = append(args, m.Status)
	}
	if m.ClaimedBy != nil {
		fields = append(fields, "claimed_by=?")
		args = append(args, *m.ClaimedBy)
	} else if m.SetNullClaimedBy {
		fields = append(fields, "claimed_by=NULL")
	}
	if m.ClaimedAt != nil {
		fields = append(fields, "claimed_at=?")
		args = append(args, *m.ClaimedAt)
	} else if m.SetNullClaimedAt {
		fields = append(fields, "claimed_at=NULL")
	}
	if m.CompletedAt != nil {
		fields = append(fields, "completed_at=?")
		args = append(args, *m.CompletedAt)
	}
	args = append(args, id, expected)
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(fields, ", ")+` WHERE id=? AND version=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleWrite
	}
	return nil
}

type TaskFilters struct {
	ProjectID string
	CardID    string
	Status    string
	ClaimedBy string
	Limit     int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.CardID != "" {
		clauses = append(clauses, "card_id=?")
		args = append(args, f.CardID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ClaimedBy != "" {
		clauses = append(clauses, "claimed_by=?")
		args = append(args, f.ClaimedBy)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListPoolTasks returns the tasks attached to pool cards of a project,
// i.e. the tasks a milestone activation would release.
func (r Repo) ListPoolTasks(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Task, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE card_id IN (SELECT id FROM cards WHERE project_id=? AND milestone_id IS NULL)
ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
