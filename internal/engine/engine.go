package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/modelodev/scrumbringer/internal/config"
	"github.com/modelodev/scrumbringer/internal/domain"
	"github.com/modelodev/scrumbringer/internal/executions"
	"github.com/modelodev/scrumbringer/internal/repo"
)

// Recorder persists rule-execution rows. It is an interface so tests can
// pin down the behavior when recording itself fails.
type Recorder interface {
	Append(ctx context.Context, tx *sql.Tx, rec executions.Record) (domain.RuleExecution, error)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Recorder Recorder
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Recorder: executions.Writer{DB: db},
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) cfg() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

// InitOrg creates an organization.
func (e Engine) InitOrg(ctx context.Context, name string) (domain.Org, error) {
	if name == "" {
		return domain.Org{}, errf(KindValidation, "org name is required")
	}
	o := domain.Org{ID: uuid.New().String(), Name: name, CreatedAt: e.nowString()}
	if err := e.Repo.InsertOrg(ctx, o); err != nil {
		return domain.Org{}, storage("insert org", err)
	}
	return o, nil
}

// InitProject creates a project under an org.
func (e Engine) InitProject(ctx context.Context, orgID, name string) (domain.Project, error) {
	if name == "" {
		return domain.Project{}, errf(KindValidation, "project name is required")
	}
	if _, err := e.Repo.GetOrg(ctx, orgID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Project{}, errf(KindNotFound, "org %s not found", orgID)
		}
		return domain.Project{}, storage("get org", err)
	}
	p := domain.Project{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		Name:      name,
		Status:    "active",
		CreatedAt: e.nowString(),
	}
	if err := e.Repo.InsertProject(ctx, p); err != nil {
		return domain.Project{}, storage("insert project", err)
	}
	return p, nil
}

// CreateTaskType registers a task type for a project.
func (e Engine) CreateTaskType(ctx context.Context, projectID, name string) (domain.TaskType, error) {
	if name == "" {
		return domain.TaskType{}, errf(KindValidation, "task type name is required")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.TaskType{}, errf(KindNotFound, "project %s not found", projectID)
		}
		return domain.TaskType{}, storage("get project", err)
	}
	tt := domain.TaskType{ID: uuid.New().String(), ProjectID: projectID, Name: name}
	if err := e.Repo.InsertTaskType(ctx, tt); err != nil {
		return domain.TaskType{}, storage("insert task type", err)
	}
	return tt, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ProjectID   string
	CardID      string
	TypeID      string
	Title       string
	Description string
	Priority    int
	CreatedBy   string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errf(KindValidation, "title is required")
	}
	if opts.ProjectID == "" {
		return domain.Task{}, errf(KindValidation, "project is required")
	}
	if opts.Priority == 0 {
		opts.Priority = e.cfg().Tasks.DefaultPriority
	}
	if opts.Priority < 1 || opts.Priority > 5 {
		return domain.Task{}, errf(KindValidation, "priority must be between 1 and 5")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, errf(KindNotFound, "project %s not found", opts.ProjectID)
		}
		return domain.Task{}, storage("get project", err)
	}
	if opts.TypeID != "" {
		tt, err := e.Repo.GetTaskType(ctx, opts.TypeID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Task{}, errf(KindValidation, "task type %s not found", opts.TypeID)
			}
			return domain.Task{}, storage("get task type", err)
		}
		if tt.ProjectID != opts.ProjectID {
			return domain.Task{}, errf(KindValidation, "task type %s not in project %s", opts.TypeID, opts.ProjectID)
		}
	}
	if opts.CardID != "" {
		c, err := e.Repo.GetCard(ctx, opts.CardID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Task{}, errf(KindValidation, "card %s not found", opts.CardID)
			}
			return domain.Task{}, storage("get card", err)
		}
		if c.ProjectID != opts.ProjectID {
			return domain.Task{}, errf(KindValidation, "card %s not in project %s", opts.CardID, opts.ProjectID)
		}
	}
	t := domain.Task{
		ID:          uuid.New().String(),
		ProjectID:   opts.ProjectID,
		CardID:      optionalString(opts.CardID),
		TypeID:      optionalString(opts.TypeID),
		Title:       opts.Title,
		Description: opts.Description,
		Priority:    opts.Priority,
		Status:      domain.TaskAvailable,
		CreatedBy:   opts.CreatedBy,
		CreatedAt:   e.nowString(),
		Version:     1,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, storage("begin tx", err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, storage("insert task", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, storage("commit", err)
	}
	return t, nil
}

// CreateCard creates a card, parked in the pool unless a milestone is given.
func (e Engine) CreateCard(ctx context.Context, projectID, milestoneID, title string) (domain.Card, error) {
	if title == "" {
		return domain.Card{}, errf(KindValidation, "title is required")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Card{}, errf(KindNotFound, "project %s not found", projectID)
		}
		return domain.Card{}, storage("get project", err)
	}
	if milestoneID != "" {
		m, err := e.Repo.GetMilestone(ctx, milestoneID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Card{}, errf(KindValidation, "milestone %s not found", milestoneID)
			}
			return domain.Card{}, storage("get milestone", err)
		}
		if m.ProjectID != projectID {
			return domain.Card{}, errf(KindValidation, "milestone %s not in project %s", milestoneID, projectID)
		}
	}
	c := domain.Card{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		MilestoneID: optionalString(milestoneID),
		Title:       title,
		CreatedAt:   e.nowString(),
	}
	if err := e.Repo.InsertCard(ctx, c); err != nil {
		return domain.Card{}, storage("insert card", err)
	}
	return c, nil
}

// MoveCard reassigns a scheduled card to another milestone. Pool cards only
// leave the pool through milestone activation, and a scheduled card never
// returns to the pool through this path.
func (e Engine) MoveCard(ctx context.Context, cardID, milestoneID string) (domain.Card, error) {
	if milestoneID == "" {
		return domain.Card{}, errf(KindValidation, "cards cannot be moved back to the pool")
	}
	c, err := e.Repo.GetCard(ctx, cardID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Card{}, errf(KindNotFound, "card %s not found", cardID)
		}
		return domain.Card{}, storage("get card", err)
	}
	if c.MilestoneID == nil {
		return domain.Card{}, errf(KindInvalidTransition, "card %s is in the pool; pool cards are released by milestone activation", cardID)
	}
	m, err := e.Repo.GetMilestone(ctx, milestoneID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Card{}, errf(KindValidation, "milestone %s not found", milestoneID)
		}
		return domain.Card{}, storage("get milestone", err)
	}
	if m.ProjectID != c.ProjectID {
		return domain.Card{}, errf(KindValidation, "milestone %s not in project %s", milestoneID, c.ProjectID)
	}
	if err := e.Repo.SetCardMilestone(ctx, cardID, milestoneID); err != nil {
		return domain.Card{}, storage("move card", err)
	}
	c.MilestoneID = &milestoneID
	return c, nil
}

// CreateMilestone creates a milestone in Ready state.
func (e Engine) CreateMilestone(ctx context.Context, projectID, name, createdBy string, position int) (domain.Milestone, error) {
	if name == "" {
		return domain.Milestone{}, errf(KindValidation, "milestone name is required")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Milestone{}, errf(KindNotFound, "project %s not found", projectID)
		}
		return domain.Milestone{}, storage("get project", err)
	}
	m := domain.Milestone{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Name:      name,
		State:     domain.MilestoneReady,
		Position:  position,
		CreatedBy: createdBy,
		CreatedAt: e.nowString(),
	}
	if err := e.Repo.InsertMilestone(ctx, m); err != nil {
		return domain.Milestone{}, storage("insert milestone", err)
	}
	return m, nil
}

// CreateWorkflow creates a rule container scoped to an org or a project.
func (e Engine) CreateWorkflow(ctx context.Context, orgID, projectID, name string, active bool) (domain.Workflow, error) {
	if name == "" {
		return domain.Workflow{}, errf(KindValidation, "workflow name is required")
	}
	if _, err := e.Repo.GetOrg(ctx, orgID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Workflow{}, errf(KindNotFound, "org %s not found", orgID)
		}
		return domain.Workflow{}, storage("get org", err)
	}
	if projectID != "" {
		p, err := e.Repo.GetProject(ctx, projectID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Workflow{}, errf(KindValidation, "project %s not found", projectID)
			}
			return domain.Workflow{}, storage("get project", err)
		}
		if p.OrgID != orgID {
			return domain.Workflow{}, errf(KindValidation, "project %s not in org %s", projectID, orgID)
		}
	}
	w := domain.Workflow{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		ProjectID: optionalString(projectID),
		Name:      name,
		Active:    active,
		CreatedAt: e.nowString(),
	}
	if err := e.Repo.InsertWorkflow(ctx, w); err != nil {
		return domain.Workflow{}, storage("insert workflow", err)
	}
	return w, nil
}

func (e Engine) SetWorkflowActive(ctx context.Context, id string, active bool) error {
	if err := e.Repo.SetWorkflowActive(ctx, id, active); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return errf(KindNotFound, "workflow %s not found", id)
		}
		return storage("set workflow active", err)
	}
	return nil
}

// RuleCreateOptions are parameters for creating a rule inside a workflow.
type RuleCreateOptions struct {
	WorkflowID   string
	Name         string
	Goal         string
	ResourceType string
	TaskTypeID   string
	ToState      string
	RequiresUser bool
	Active       bool
}

func (e Engine) CreateRule(ctx context.Context, opts RuleCreateOptions) (domain.Rule, error) {
	if opts.Name == "" {
		return domain.Rule{}, errf(KindValidation, "rule name is required")
	}
	if opts.ResourceType != domain.ResourceTask && opts.ResourceType != domain.ResourceCard {
		return domain.Rule{}, errf(KindValidation, "resource_type must be task or card")
	}
	if opts.ToState == "" {
		return domain.Rule{}, errf(KindValidation, "to_state is required")
	}
	if opts.TaskTypeID != "" && opts.ResourceType != domain.ResourceTask {
		return domain.Rule{}, errf(KindValidation, "task_type filter only applies to task rules")
	}
	if _, err := e.Repo.GetWorkflow(ctx, opts.WorkflowID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Rule{}, errf(KindNotFound, "workflow %s not found", opts.WorkflowID)
		}
		return domain.Rule{}, storage("get workflow", err)
	}
	if opts.TaskTypeID != "" {
		if _, err := e.Repo.GetTaskType(ctx, opts.TaskTypeID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Rule{}, errf(KindValidation, "task type %s not found", opts.TaskTypeID)
			}
			return domain.Rule{}, storage("get task type", err)
		}
	}
	rl := domain.Rule{
		ID:           uuid.New().String(),
		WorkflowID:   opts.WorkflowID,
		Name:         opts.Name,
		Goal:         opts.Goal,
		ResourceType: opts.ResourceType,
		TaskTypeID:   optionalString(opts.TaskTypeID),
		ToState:      opts.ToState,
		RequiresUser: opts.RequiresUser,
		Active:       opts.Active,
		CreatedAt:    e.nowString(),
	}
	if err := e.Repo.InsertRule(ctx, rl); err != nil {
		return domain.Rule{}, storage("insert rule", err)
	}
	return rl, nil
}

func (e Engine) SetRuleActive(ctx context.Context, id string, active bool) error {
	if err := e.Repo.SetRuleActive(ctx, id, active); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return errf(KindNotFound, "rule %s not found", id)
		}
		return storage("set rule active", err)
	}
	return nil
}

// CreateTaskTemplate registers a blueprint for rule-materialized tasks.
func (e Engine) CreateTaskTemplate(ctx context.Context, projectID, name, typeID, description string, priority int) (domain.TaskTemplate, error) {
	if name == "" {
		return domain.TaskTemplate{}, errf(KindValidation, "template name is required")
	}
	if priority == 0 {
		priority = e.cfg().Tasks.DefaultPriority
	}
	if priority < 1 || priority > 5 {
		return domain.TaskTemplate{}, errf(KindValidation, "priority must be between 1 and 5")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.TaskTemplate{}, errf(KindNotFound, "project %s not found", projectID)
		}
		return domain.TaskTemplate{}, storage("get project", err)
	}
	if typeID != "" {
		tt, err := e.Repo.GetTaskType(ctx, typeID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.TaskTemplate{}, errf(KindValidation, "task type %s not found", typeID)
			}
			return domain.TaskTemplate{}, storage("get task type", err)
		}
		if tt.ProjectID != projectID {
			return domain.TaskTemplate{}, errf(KindValidation, "task type %s not in project %s", typeID, projectID)
		}
	}
	t := domain.TaskTemplate{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		Name:        name,
		TypeID:      optionalString(typeID),
		Priority:    priority,
		Description: description,
		CreatedAt:   e.nowString(),
	}
	if err := e.Repo.InsertTaskTemplate(ctx, t); err != nil {
		return domain.TaskTemplate{}, storage("insert task template", err)
	}
	return t, nil
}

// AttachTemplate binds a template to a rule at the given execution order.
func (e Engine) AttachTemplate(ctx context.Context, ruleID, templateID string, executionOrder int) error {
	rl, err := e.Repo.GetRule(ctx, ruleID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return errf(KindNotFound, "rule %s not found", ruleID)
		}
		return storage("get rule", err)
	}
	if _, err := e.Repo.GetTaskTemplate(ctx, templateID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return errf(KindValidation, "template %s not found", templateID)
		}
		return storage("get template", err)
	}
	attached, err := e.Repo.CountRuleTemplates(ctx, rl.ID)
	if err != nil {
		return storage("count rule templates", err)
	}
	if max := e.cfg().Workflow.MaxTemplatesPerRule; attached >= max {
		return errf(KindValidation, "rule %s already has %d templates (limit %d)", ruleID, attached, max)
	}
	if err := e.Repo.AttachTemplate(ctx, domain.RuleTemplate{RuleID: ruleID, TemplateID: templateID, ExecutionOrder: executionOrder}); err != nil {
		return storage("attach template", err)
	}
	return nil
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
