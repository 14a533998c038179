package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/modelodev/scrumbringer/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStaleWrite is reported when a version-guarded update matched zero
// rows. It is deliberately ambiguous (missing row, stale version, or a
// concurrent writer); callers classify it with a follow-up read.
var ErrStaleWrite = errors.New("stale write")

// IsUniqueViolation reports whether err is a SQLite unique-constraint
// failure, e.g. the single-active-milestone index losing a race.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r Repo) InsertOrg(ctx context.Context, o domain.Org) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO orgs(id,name,created_at) VALUES (?,?,?)`,
		o.ID, o.Name, o.CreatedAt)
	return err
}

func (r Repo) GetOrg(ctx context.Context, id string) (domain.Org, error) {
	var o domain.Org
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM orgs WHERE id=?`, id).
		Scan(&o.ID, &o.Name, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,org_id,name,status,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.OrgID, p.Name, p.Status, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,name,status,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.OrgID, &p.Name, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,name,status,created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Name, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	items, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(items) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(items) > 1 {
		return domain.Project{}, errors.New("multiple projects exist; specify --project")
	}
	return items[0], nil
}

func (r Repo) InsertTaskType(ctx context.Context, tt domain.TaskType) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO task_types(id,project_id,name) VALUES (?,?,?)`,
		tt.ID, tt.ProjectID, tt.Name)
	return err
}

func (r Repo) GetTaskType(ctx context.Context, id string) (domain.TaskType, error) {
	var tt domain.TaskType
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,name FROM task_types WHERE id=?`, id).
		Scan(&tt.ID, &tt.ProjectID, &tt.Name)
	if err == sql.ErrNoRows {
		return tt, ErrNotFound
	}
	return tt, err
}

func (r Repo) ListTaskTypes(ctx context.Context, projectID string) ([]domain.TaskType, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name FROM task_types WHERE project_id=? ORDER BY name`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskType
	for rows.Next() {
		var tt domain.TaskType
		if err := rows.Scan(&tt.ID, &tt.ProjectID, &tt.Name); err != nil {
			return nil, err
		}
		res = append(res, tt)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
