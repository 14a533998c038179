package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelodev/scrumbringer/internal/config"
	"github.com/modelodev/scrumbringer/internal/domain"
	"github.com/modelodev/scrumbringer/internal/engine"
	"github.com/modelodev/scrumbringer/internal/executions"
	"github.com/modelodev/scrumbringer/internal/repo"
)

type ruleFixture struct {
	testEnv
	Rule     domain.Rule
	Template domain.TaskTemplate
}

// newRuleFixture wires an active workflow with one rule and one attached
// template. The rule fires when a task reaches toState.
func newRuleFixture(t *testing.T, toState string, requiresUser bool) ruleFixture {
	t.Helper()
	env := newTestEnv(t)
	return attachRule(t, env, domain.ResourceTask, toState, requiresUser)
}

func attachRule(t *testing.T, env testEnv, resourceType, toState string, requiresUser bool) ruleFixture {
	t.Helper()
	wf, err := env.Engine.CreateWorkflow(env.Ctx, env.OrgID, "", "automation", true)
	require.NoError(t, err)
	rl, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		WorkflowID:   wf.ID,
		Name:         "spawn-followup",
		ResourceType: resourceType,
		ToState:      toState,
		RequiresUser: requiresUser,
		Active:       true,
	})
	require.NoError(t, err)
	tpl, err := env.Engine.CreateTaskTemplate(env.Ctx, env.ProjectID, "followup", "", "review the work", 2)
	require.NoError(t, err)
	require.NoError(t, env.Engine.AttachTemplate(env.Ctx, rl.ID, tpl.ID, 1))
	return ruleFixture{testEnv: env, Rule: rl, Template: tpl}
}

func (f ruleFixture) executions(t *testing.T) []domain.RuleExecution {
	t.Helper()
	w := executions.Writer{DB: f.Engine.DB}
	items, err := w.List(f.Ctx, f.Rule.ID, 0)
	require.NoError(t, err)
	return items
}

func TestRuleFiresOnClaim(t *testing.T) {
	f := newRuleFixture(t, domain.TaskClaimed, false)
	task := f.mustCreateTask(t, "trigger")

	_, err := f.Engine.ClaimTask(f.Ctx, task.ID, alice, 1)
	require.NoError(t, err)

	execs := f.executions(t)
	require.Len(t, execs, 1)
	assert.Equal(t, domain.OutcomeApplied, execs[0].Outcome)
	assert.Equal(t, domain.ResourceTask, execs[0].OriginType)
	assert.Equal(t, task.ID, execs[0].OriginID)
	require.NotNil(t, execs[0].UserID)
	assert.Equal(t, alice.ID, *execs[0].UserID)

	spawned, err := f.Engine.Repo.ListTasks(f.Ctx, repo.TaskFilters{
		ProjectID: f.ProjectID,
		Status:    domain.TaskAvailable,
	})
	require.NoError(t, err)
	require.Len(t, spawned, 1)
	assert.Equal(t, f.Template.Name, spawned[0].Title)
	assert.Equal(t, f.Template.Priority, spawned[0].Priority)
	assert.Equal(t, "workflow:"+f.Rule.Name, spawned[0].CreatedBy)
	assert.EqualValues(t, 1, spawned[0].Version)
}

func TestRuleIdempotentPerOrigin(t *testing.T) {
	f := newRuleFixture(t, domain.TaskClaimed, false)
	task := f.mustCreateTask(t, "re-trigger")

	_, err := f.Engine.ClaimTask(f.Ctx, task.ID, alice, 1)
	require.NoError(t, err)
	_, err = f.Engine.ReleaseTask(f.Ctx, task.ID, alice, 2)
	require.NoError(t, err)
	_, err = f.Engine.ClaimTask(f.Ctx, task.ID, alice, 3)
	require.NoError(t, err)

	execs := f.executions(t)
	require.Len(t, execs, 2)
	var applied, suppressed int
	for _, x := range execs {
		switch x.Outcome {
		case domain.OutcomeApplied:
			applied++
		case domain.OutcomeSuppressed:
			suppressed++
			require.NotNil(t, x.SuppressionReason)
			assert.Equal(t, domain.SuppressedIdempotent, *x.SuppressionReason)
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, suppressed)

	// still exactly one materialized task; the origin task is claimed so
	// only the spawned one shows as available
	spawned, err := f.Engine.Repo.ListTasks(f.Ctx, repo.TaskFilters{ProjectID: f.ProjectID, Status: domain.TaskAvailable})
	require.NoError(t, err)
	require.Len(t, spawned, 1)
	assert.Equal(t, f.Template.Name, spawned[0].Title)
}

func TestUserGatedRuleSuppressedOnCascade(t *testing.T) {
	env := newTestEnv(t)
	f := attachRule(t, env, domain.ResourceCard, "released", true)

	card, err := f.Engine.CreateCard(f.Ctx, f.ProjectID, "", "parked")
	require.NoError(t, err)
	m, err := f.Engine.CreateMilestone(f.Ctx, f.ProjectID, "sprint", "tester", 1)
	require.NoError(t, err)

	snap, err := f.Engine.ActivateMilestone(f.Ctx, m.ID, f.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.CardsReleased)

	execs := f.executions(t)
	require.Len(t, execs, 1)
	assert.Equal(t, domain.OutcomeSuppressed, execs[0].Outcome)
	require.NotNil(t, execs[0].SuppressionReason)
	assert.Equal(t, domain.SuppressedNotUserTriggered, *execs[0].SuppressionReason)
	assert.Nil(t, execs[0].UserID)
	assert.Equal(t, card.ID, execs[0].OriginID)

	// suppressed means nothing was materialized
	spawned, err := f.Engine.Repo.ListTasks(f.Ctx, repo.TaskFilters{ProjectID: f.ProjectID})
	require.NoError(t, err)
	assert.Empty(t, spawned)
}

func TestCascadeFiresUnGatedCardRule(t *testing.T) {
	env := newTestEnv(t)
	f := attachRule(t, env, domain.ResourceCard, "released", false)

	card, err := f.Engine.CreateCard(f.Ctx, f.ProjectID, "", "parked")
	require.NoError(t, err)
	m, err := f.Engine.CreateMilestone(f.Ctx, f.ProjectID, "sprint", "tester", 1)
	require.NoError(t, err)
	_, err = f.Engine.ActivateMilestone(f.Ctx, m.ID, f.ProjectID)
	require.NoError(t, err)

	execs := f.executions(t)
	require.Len(t, execs, 1)
	assert.Equal(t, domain.OutcomeApplied, execs[0].Outcome)

	// the materialized task lands on the card that was released
	spawned, err := f.Engine.Repo.ListTasks(f.Ctx, repo.TaskFilters{ProjectID: f.ProjectID, CardID: card.ID})
	require.NoError(t, err)
	require.Len(t, spawned, 1)
	assert.Equal(t, f.Template.Name, spawned[0].Title)
}

func TestRuleTaskTypeFilter(t *testing.T) {
	env := newTestEnv(t)
	ttBug, err := env.Engine.CreateTaskType(env.Ctx, env.ProjectID, "bug")
	require.NoError(t, err)
	ttDocs, err := env.Engine.CreateTaskType(env.Ctx, env.ProjectID, "docs")
	require.NoError(t, err)

	wf, err := env.Engine.CreateWorkflow(env.Ctx, env.OrgID, "", "bug-automation", true)
	require.NoError(t, err)
	rl, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		WorkflowID:   wf.ID,
		Name:         "bug-followup",
		ResourceType: domain.ResourceTask,
		TaskTypeID:   ttBug.ID,
		ToState:      domain.TaskCompleted,
		Active:       true,
	})
	require.NoError(t, err)
	tpl, err := env.Engine.CreateTaskTemplate(env.Ctx, env.ProjectID, "verify-fix", "", "", 1)
	require.NoError(t, err)
	require.NoError(t, env.Engine.AttachTemplate(env.Ctx, rl.ID, tpl.ID, 1))

	docsTask, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.ProjectID, TypeID: ttDocs.ID, Title: "write docs", CreatedBy: "tester",
	})
	require.NoError(t, err)
	bugTask, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.ProjectID, TypeID: ttBug.ID, Title: "fix bug", CreatedBy: "tester",
	})
	require.NoError(t, err)

	for _, task := range []domain.Task{docsTask, bugTask} {
		_, err = env.Engine.ClaimTask(env.Ctx, task.ID, alice, 1)
		require.NoError(t, err)
		_, err = env.Engine.CompleteTask(env.Ctx, task.ID, alice, 2)
		require.NoError(t, err)
	}

	w := executions.Writer{DB: env.Engine.DB}
	execs, err := w.List(env.Ctx, rl.ID, 0)
	require.NoError(t, err)
	// the docs task never matches; only the bug completion is evaluated
	require.Len(t, execs, 1)
	assert.Equal(t, domain.OutcomeApplied, execs[0].Outcome)
	assert.Equal(t, bugTask.ID, execs[0].OriginID)
}

func TestTemplateLimitPerRule(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default()
	cfg.Workflow.MaxTemplatesPerRule = 1
	env.Engine.Config = cfg

	wf, err := env.Engine.CreateWorkflow(env.Ctx, env.OrgID, "", "limited", true)
	require.NoError(t, err)
	rl, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		WorkflowID:   wf.ID,
		Name:         "limited-rule",
		ResourceType: domain.ResourceTask,
		ToState:      domain.TaskClaimed,
		Active:       true,
	})
	require.NoError(t, err)
	t1, err := env.Engine.CreateTaskTemplate(env.Ctx, env.ProjectID, "one", "", "", 1)
	require.NoError(t, err)
	t2, err := env.Engine.CreateTaskTemplate(env.Ctx, env.ProjectID, "two", "", "", 1)
	require.NoError(t, err)

	require.NoError(t, env.Engine.AttachTemplate(env.Ctx, rl.ID, t1.ID, 1))
	err = env.Engine.AttachTemplate(env.Ctx, rl.ID, t2.ID, 2)
	assert.Equal(t, engine.KindValidation, engine.KindOf(err))
}

// failingRecorder fails Append for a chosen outcome and delegates the rest.
type failingRecorder struct {
	inner       engine.Recorder
	failOutcome string
}

func (f failingRecorder) Append(ctx context.Context, tx *sql.Tx, rec executions.Record) (domain.RuleExecution, error) {
	if rec.Outcome == f.failOutcome {
		return domain.RuleExecution{}, errors.New("recorder unavailable")
	}
	return f.inner.Append(ctx, tx, rec)
}

func TestSuppressedRecordFailureDoesNotBlockTransition(t *testing.T) {
	env := newTestEnv(t)
	f := attachRule(t, env, domain.ResourceCard, "released", true)
	f.Engine.Recorder = failingRecorder{
		inner:       executions.Writer{DB: f.Engine.DB},
		failOutcome: domain.OutcomeSuppressed,
	}

	_, err := f.Engine.CreateCard(f.Ctx, f.ProjectID, "", "parked")
	require.NoError(t, err)
	m, err := f.Engine.CreateMilestone(f.Ctx, f.ProjectID, "sprint", "tester", 1)
	require.NoError(t, err)

	// the suppressed row cannot be written but the activation still commits
	snap, err := f.Engine.ActivateMilestone(f.Ctx, m.ID, f.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.CardsReleased)

	stored, err := f.Engine.Repo.GetMilestone(f.Ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MilestoneActive, stored.State)
	assert.Empty(t, f.executions(t))
}

func TestAppliedRecordFailureRollsBackTransition(t *testing.T) {
	f := newRuleFixture(t, domain.TaskClaimed, false)
	f.Engine.Recorder = failingRecorder{
		inner:       executions.Writer{DB: f.Engine.DB},
		failOutcome: domain.OutcomeApplied,
	}
	task := f.mustCreateTask(t, "doomed")

	_, err := f.Engine.ClaimTask(f.Ctx, task.ID, alice, 1)
	require.Error(t, err)
	assert.Equal(t, engine.KindStorage, engine.KindOf(err))

	// the applied row is the idempotency evidence; without it the whole
	// transition rolls back
	stored, err := f.Engine.Repo.GetTask(f.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAvailable, stored.Status)
	assert.EqualValues(t, 1, stored.Version)
	spawned, err := f.Engine.Repo.ListTasks(f.Ctx, repo.TaskFilters{ProjectID: f.ProjectID})
	require.NoError(t, err)
	require.Len(t, spawned, 1) // only the origin task
	assert.Equal(t, task.ID, spawned[0].ID)
}
