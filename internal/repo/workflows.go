package repo

import (
	"context"
	"database/sql"

	"github.com/modelodev/scrumbringer/internal/domain"
)

func scanWorkflow(scan func(...any) error) (domain.Workflow, error) {
	var w domain.Workflow
	var projectID sql.NullString
	var active int
	err := scan(&w.ID, &w.OrgID, &projectID, &w.Name, &active, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if projectID.Valid {
		w.ProjectID = &projectID.String
	}
	w.Active = active != 0
	return w, nil
}

func (r Repo) InsertWorkflow(ctx context.Context, w domain.Workflow) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO workflows(id,org_id,project_id,name,active,created_at) VALUES (?,?,?,?,?,?)`,
		w.ID, w.OrgID, nullableStringPtr(w.ProjectID), w.Name, boolInt(w.Active), w.CreatedAt)
	return err
}

func (r Repo) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,org_id,project_id,name,active,created_at FROM workflows WHERE id=?`, id)
	return scanWorkflow(row.Scan)
}

func (r Repo) ListWorkflows(ctx context.Context, orgID string) ([]domain.Workflow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,project_id,name,active,created_at FROM workflows WHERE org_id=? ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) SetWorkflowActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE workflows SET active=? WHERE id=?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const ruleColumns = `id,workflow_id,name,goal,resource_type,task_type_id,to_state,requires_user,active,created_at`

func scanRule(scan func(...any) error) (domain.Rule, error) {
	var rl domain.Rule
	var goal, taskTypeID sql.NullString
	var requiresUser, active int
	err := scan(&rl.ID, &rl.WorkflowID, &rl.Name, &goal, &rl.ResourceType, &taskTypeID, &rl.ToState, &requiresUser, &active, &rl.CreatedAt)
	if err == sql.ErrNoRows {
		return rl, ErrNotFound
	}
	if err != nil {
		return rl, err
	}
	if goal.Valid {
		rl.Goal = goal.String
	}
	if taskTypeID.Valid {
		rl.TaskTypeID = &taskTypeID.String
	}
	rl.RequiresUser = requiresUser != 0
	rl.Active = active != 0
	return rl, nil
}

func (r Repo) InsertRule(ctx context.Context, rl domain.Rule) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO rules(`+ruleColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rl.ID, rl.WorkflowID, rl.Name, nullable(rl.Goal), rl.ResourceType, nullableStringPtr(rl.TaskTypeID),
		rl.ToState, boolInt(rl.RequiresUser), boolInt(rl.Active), rl.CreatedAt)
	return err
}

func (r Repo) GetRule(ctx context.Context, id string) (domain.Rule, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id=?`, id)
	return scanRule(row.Scan)
}

func (r Repo) SetRuleActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE rules SET active=? WHERE id=?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListRules(ctx context.Context, workflowID string) ([]domain.Rule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE workflow_id=? ORDER BY created_at ASC, id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Rule
	for rows.Next() {
		rl, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rl)
	}
	return res, rows.Err()
}

// MatchRules loads the rules whose owning workflow is active, whose own
// active flag is set, whose org/project scope covers the event's project,
// and whose target matches the event. Evaluation order is rule id
// ascending so firings are stable across processes.
func (r Repo) MatchRules(ctx context.Context, tx *sql.Tx, projectID, resourceType, toState string, taskTypeID *string) ([]domain.Rule, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT r.id,r.workflow_id,r.name,r.goal,r.resource_type,r.task_type_id,r.to_state,r.requires_user,r.active,r.created_at
FROM rules r
JOIN workflows w ON w.id=r.workflow_id
JOIN projects p ON p.id=?
WHERE w.active=1 AND r.active=1
  AND w.org_id=p.org_id
  AND (w.project_id IS NULL OR w.project_id=p.id)
  AND r.resource_type=?
  AND r.to_state=?
  AND (r.task_type_id IS NULL OR r.task_type_id=?)
ORDER BY r.id ASC`,
		projectID, resourceType, toState, nullableStringPtr(taskTypeID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Rule
	for rows.Next() {
		rl, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rl)
	}
	return res, rows.Err()
}

// RuleStillLive re-checks the rule and its workflow inside tx, catching a
// disable that raced in between match and apply.
func (r Repo) RuleStillLive(ctx context.Context, tx *sql.Tx, ruleID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `
SELECT 1 FROM rules r JOIN workflows w ON w.id=r.workflow_id
WHERE r.id=? AND r.active=1 AND w.active=1 LIMIT 1`, ruleID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) InsertTaskTemplate(ctx context.Context, t domain.TaskTemplate) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO task_templates(id,project_id,name,type_id,priority,description,created_at) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Name, nullableStringPtr(t.TypeID), t.Priority, nullable(t.Description), t.CreatedAt)
	return err
}

func (r Repo) GetTaskTemplate(ctx context.Context, id string) (domain.TaskTemplate, error) {
	var t domain.TaskTemplate
	var typeID, description sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,name,type_id,priority,description,created_at FROM task_templates WHERE id=?`, id).
		Scan(&t.ID, &t.ProjectID, &t.Name, &typeID, &t.Priority, &description, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if typeID.Valid {
		t.TypeID = &typeID.String
	}
	if description.Valid {
		t.Description = description.String
	}
	return t, nil
}

func (r Repo) CountRuleTemplates(ctx context.Context, ruleID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM rule_templates WHERE rule_id=?`, ruleID).Scan(&n)
	return n, err
}

func (r Repo) AttachTemplate(ctx context.Context, rt domain.RuleTemplate) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO rule_templates(rule_id,template_id,execution_order) VALUES (?,?,?)`,
		rt.RuleID, rt.TemplateID, rt.ExecutionOrder)
	return err
}

// RuleTemplates returns a rule's templates in application order: ascending
// execution_order, insertion order breaking ties.
func (r Repo) RuleTemplates(ctx context.Context, tx *sql.Tx, ruleID string) ([]domain.TaskTemplate, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT t.id,t.project_id,t.name,t.type_id,t.priority,t.description,t.created_at
FROM rule_templates rt
JOIN task_templates t ON t.id=rt.template_id
WHERE rt.rule_id=?
ORDER BY rt.execution_order ASC, rt.rowid ASC`, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskTemplate
	for rows.Next() {
		var t domain.TaskTemplate
		var typeID, description sql.NullString
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Name, &typeID, &t.Priority, &description, &t.CreatedAt); err != nil {
			return nil, err
		}
		if typeID.Valid {
			t.TypeID = &typeID.String
		}
		if description.Valid {
			t.Description = description.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// HasAppliedExecution reports whether the rule already fired for the
// origin event. Backing query for the idempotent suppression check.
func (r Repo) HasAppliedExecution(ctx context.Context, tx *sql.Tx, ruleID, originType, originID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM rule_executions WHERE rule_id=? AND origin_type=? AND origin_id=? AND outcome='applied' LIMIT 1`,
		ruleID, originType, originID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
