package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/modelodev/scrumbringer/internal/config"
	"github.com/modelodev/scrumbringer/internal/db"
	"github.com/modelodev/scrumbringer/internal/domain"
	"github.com/modelodev/scrumbringer/internal/engine"
	"github.com/modelodev/scrumbringer/internal/migrate"
)

type testEnv struct {
	Engine    engine.Engine
	Ctx       context.Context
	OrgID     string
	ProjectID string
}

var (
	alice = domain.Actor{ID: "alice", Email: "alice@example.com"}
	bob   = domain.Actor{ID: "bob", Email: "bob@example.com"}
)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	org, err := eng.InitOrg(ctx, "Test Org")
	if err != nil {
		t.Fatalf("init org: %v", err)
	}
	p, err := eng.InitProject(ctx, org.ID, "test-project")
	if err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, OrgID: org.ID, ProjectID: p.ID}
}

func (env testEnv) mustCreateTask(t *testing.T, title string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.ProjectID,
		Title:     title,
		CreatedBy: "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestClaimReleaseCompleteLifecycle(t *testing.T) {
	env := newTestEnv(t)
	task := env.mustCreateTask(t, "do work")
	if task.Version != 1 || task.Status != domain.TaskAvailable {
		t.Fatalf("unexpected initial task: %+v", task)
	}

	claimed, err := env.Engine.ClaimTask(env.Ctx, task.ID, alice, 1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != domain.TaskClaimed || claimed.Version != 2 {
		t.Fatalf("after claim: status=%s version=%d", claimed.Status, claimed.Version)
	}
	if claimed.ClaimedBy == nil || *claimed.ClaimedBy != alice.ID || claimed.ClaimedAt == nil {
		t.Fatalf("claim fields not set: %+v", claimed)
	}

	released, err := env.Engine.ReleaseTask(env.Ctx, task.ID, alice, 2)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != domain.TaskAvailable || released.Version != 3 {
		t.Fatalf("after release: status=%s version=%d", released.Status, released.Version)
	}
	if released.ClaimedBy != nil || released.ClaimedAt != nil {
		t.Fatalf("release did not clear claim fields: %+v", released)
	}

	if _, err := env.Engine.ClaimTask(env.Ctx, task.ID, bob, 3); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	done, err := env.Engine.CompleteTask(env.Ctx, task.ID, bob, 4)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.TaskCompleted || done.Version != 5 {
		t.Fatalf("after complete: status=%s version=%d", done.Status, done.Version)
	}
	if done.ClaimedBy != nil || done.ClaimedAt != nil {
		t.Fatalf("complete did not clear claim fields: %+v", done)
	}
	if done.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}

	// persisted state matches the returned value
	stored, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != domain.TaskCompleted || stored.Version != 5 {
		t.Fatalf("stored task diverged: status=%s version=%d", stored.Status, stored.Version)
	}
}

func TestClaimGuards(t *testing.T) {
	env := newTestEnv(t)
	task := env.mustCreateTask(t, "guarded")

	if _, err := env.Engine.ClaimTask(env.Ctx, "missing", alice, 1); engine.KindOf(err) != engine.KindNotFound {
		t.Fatalf("missing task: want NotFound, got %v", err)
	}

	if _, err := env.Engine.ClaimTask(env.Ctx, task.ID, alice, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.ClaimTask(env.Ctx, task.ID, bob, 2); engine.KindOf(err) != engine.KindAlreadyClaimed {
		t.Fatalf("claim of claimed task: want AlreadyClaimed, got %v", err)
	}

	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, alice, 2); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := env.Engine.ClaimTask(env.Ctx, task.ID, bob, 3); engine.KindOf(err) != engine.KindInvalidTransition {
		t.Fatalf("claim of completed task: want InvalidTransition, got %v", err)
	}
}

func TestOwnershipGuards(t *testing.T) {
	env := newTestEnv(t)
	task := env.mustCreateTask(t, "owned")

	if _, err := env.Engine.ReleaseTask(env.Ctx, task.ID, alice, 1); engine.KindOf(err) != engine.KindInvalidTransition {
		t.Fatalf("release of available task: want InvalidTransition, got %v", err)
	}

	if _, err := env.Engine.ClaimTask(env.Ctx, task.ID, alice, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.ReleaseTask(env.Ctx, task.ID, bob, 2); engine.KindOf(err) != engine.KindNotAuthorized {
		t.Fatalf("release by non-claimant: want NotAuthorized, got %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, bob, 2); engine.KindOf(err) != engine.KindNotAuthorized {
		t.Fatalf("complete by non-claimant: want NotAuthorized, got %v", err)
	}
}

func TestStaleVersionIsVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	task := env.mustCreateTask(t, "stale")

	// bump the version without changing claimability
	if _, err := env.Engine.ClaimTask(env.Ctx, task.ID, alice, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.ReleaseTask(env.Ctx, task.ID, alice, 2); err != nil {
		t.Fatalf("release: %v", err)
	}

	// the task is available again but version 1 is two writes old
	_, err := env.Engine.ClaimTask(env.Ctx, task.ID, bob, 1)
	if engine.KindOf(err) != engine.KindVersionConflict {
		t.Fatalf("stale claim: want VersionConflict, got %v", err)
	}

	// refetch and retry succeeds
	fresh, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := env.Engine.ClaimTask(env.Ctx, task.ID, bob, fresh.Version); err != nil {
		t.Fatalf("retry after refetch: %v", err)
	}
}

func TestStaleVersionByOwnerOnRelease(t *testing.T) {
	env := newTestEnv(t)
	task := env.mustCreateTask(t, "own-stale")
	if _, err := env.Engine.ClaimTask(env.Ctx, task.ID, alice, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// alice passes the pre-claim version; the operation is legal for her,
	// only the token is stale
	_, err := env.Engine.ReleaseTask(env.Ctx, task.ID, alice, 1)
	if engine.KindOf(err) != engine.KindVersionConflict {
		t.Fatalf("want VersionConflict, got %v", err)
	}
}

func TestMilestoneSingleActive(t *testing.T) {
	env := newTestEnv(t)
	m1, err := env.Engine.CreateMilestone(env.Ctx, env.ProjectID, "m1", "tester", 1)
	if err != nil {
		t.Fatalf("create m1: %v", err)
	}
	m2, err := env.Engine.CreateMilestone(env.Ctx, env.ProjectID, "m2", "tester", 2)
	if err != nil {
		t.Fatalf("create m2: %v", err)
	}

	if _, err := env.Engine.ActivateMilestone(env.Ctx, m1.ID, env.ProjectID); err != nil {
		t.Fatalf("activate m1: %v", err)
	}
	if _, err := env.Engine.ActivateMilestone(env.Ctx, m1.ID, env.ProjectID); engine.KindOf(err) != engine.KindAlreadyActive {
		t.Fatalf("re-activate m1: want AlreadyActive, got %v", err)
	}
	if _, err := env.Engine.ActivateMilestone(env.Ctx, m2.ID, env.ProjectID); engine.KindOf(err) != engine.KindAlreadyActive {
		t.Fatalf("activate m2 while m1 active: want AlreadyActive, got %v", err)
	}

	if _, err := env.Engine.CompleteMilestone(env.Ctx, m1.ID, env.ProjectID); err != nil {
		t.Fatalf("complete m1: %v", err)
	}
	if _, err := env.Engine.ActivateMilestone(env.Ctx, m1.ID, env.ProjectID); engine.KindOf(err) != engine.KindInvalidTransition {
		t.Fatalf("activate completed m1: want InvalidTransition, got %v", err)
	}
	if _, err := env.Engine.ActivateMilestone(env.Ctx, m2.ID, env.ProjectID); err != nil {
		t.Fatalf("activate m2 after m1 completed: %v", err)
	}
}

func TestConcurrentActivationSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	m1, err := env.Engine.CreateMilestone(env.Ctx, env.ProjectID, "m1", "tester", 1)
	if err != nil {
		t.Fatalf("create m1: %v", err)
	}
	m2, err := env.Engine.CreateMilestone(env.Ctx, env.ProjectID, "m2", "tester", 2)
	if err != nil {
		t.Fatalf("create m2: %v", err)
	}

	start := make(chan struct{})
	results := make([]error, 2)
	var wg sync.WaitGroup
	for i, id := range []string{m1.ID, m2.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			<-start
			_, results[i] = env.Engine.ActivateMilestone(env.Ctx, id, env.ProjectID)
		}(i, id)
	}
	close(start)
	wg.Wait()

	var wins, losses int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case engine.KindOf(err) == engine.KindAlreadyActive:
			losses++
		default:
			t.Fatalf("unexpected activation error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("expected one winner and one AlreadyActive, got %d/%d", wins, losses)
	}

	milestones, err := env.Engine.Repo.ListMilestones(env.Ctx, env.ProjectID)
	if err != nil {
		t.Fatalf("list milestones: %v", err)
	}
	var active int
	for _, m := range milestones {
		if m.State == domain.MilestoneActive {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one active milestone, got %d", active)
	}
}

func TestMilestoneNotFoundAcrossProjects(t *testing.T) {
	env := newTestEnv(t)
	other, err := env.Engine.InitProject(env.Ctx, env.OrgID, "other-project")
	if err != nil {
		t.Fatalf("init other project: %v", err)
	}
	m, err := env.Engine.CreateMilestone(env.Ctx, env.ProjectID, "m", "tester", 1)
	if err != nil {
		t.Fatalf("create milestone: %v", err)
	}
	if _, err := env.Engine.ActivateMilestone(env.Ctx, m.ID, other.ID); engine.KindOf(err) != engine.KindNotFound {
		t.Fatalf("cross-project activate: want NotFound, got %v", err)
	}
}

func TestActivationReleasesPool(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMilestone(env.Ctx, env.ProjectID, "sprint-1", "tester", 1)
	if err != nil {
		t.Fatalf("create milestone: %v", err)
	}
	c1, err := env.Engine.CreateCard(env.Ctx, env.ProjectID, "", "card one")
	if err != nil {
		t.Fatalf("create card: %v", err)
	}
	c2, err := env.Engine.CreateCard(env.Ctx, env.ProjectID, "", "card two")
	if err != nil {
		t.Fatalf("create card: %v", err)
	}
	for _, cardID := range []string{c1.ID, c2.ID} {
		if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
			ProjectID: env.ProjectID,
			CardID:    cardID,
			Title:     "pool task for " + cardID,
			CreatedBy: "tester",
		}); err != nil {
			t.Fatalf("create pool task: %v", err)
		}
	}

	snap, err := env.Engine.ActivateMilestone(env.Ctx, m.ID, env.ProjectID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if snap.CardsReleased != 2 || snap.TasksReleased != 2 {
		t.Fatalf("expected 2 cards / 2 tasks released, got %d / %d", snap.CardsReleased, snap.TasksReleased)
	}
	if snap.Milestone.State != domain.MilestoneActive || snap.Milestone.ActivatedAt == nil {
		t.Fatalf("milestone not active in snapshot: %+v", snap.Milestone)
	}

	cards, err := env.Engine.Repo.ListCards(env.Ctx, env.ProjectID)
	if err != nil {
		t.Fatalf("list cards: %v", err)
	}
	for _, c := range cards {
		if c.MilestoneID == nil || *c.MilestoneID != m.ID {
			t.Fatalf("card %s not assigned to milestone: %+v", c.ID, c)
		}
		if c.State() == domain.CardPool {
			t.Fatalf("card %s still reads as pool", c.ID)
		}
	}
}

func TestMoveCardRules(t *testing.T) {
	env := newTestEnv(t)
	m1, _ := env.Engine.CreateMilestone(env.Ctx, env.ProjectID, "m1", "tester", 1)
	m2, _ := env.Engine.CreateMilestone(env.Ctx, env.ProjectID, "m2", "tester", 2)

	pooled, err := env.Engine.CreateCard(env.Ctx, env.ProjectID, "", "pooled")
	if err != nil {
		t.Fatalf("create pooled card: %v", err)
	}
	if _, err := env.Engine.MoveCard(env.Ctx, pooled.ID, m1.ID); engine.KindOf(err) != engine.KindInvalidTransition {
		t.Fatalf("move pool card: want InvalidTransition, got %v", err)
	}

	scheduled, err := env.Engine.CreateCard(env.Ctx, env.ProjectID, m1.ID, "scheduled")
	if err != nil {
		t.Fatalf("create scheduled card: %v", err)
	}
	if _, err := env.Engine.MoveCard(env.Ctx, scheduled.ID, ""); engine.KindOf(err) != engine.KindValidation {
		t.Fatalf("move to pool: want Validation, got %v", err)
	}
	moved, err := env.Engine.MoveCard(env.Ctx, scheduled.ID, m2.ID)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.MilestoneID == nil || *moved.MilestoneID != m2.ID {
		t.Fatalf("card not moved: %+v", moved)
	}
}

func TestCardDerivedState(t *testing.T) {
	env := newTestEnv(t)
	m, _ := env.Engine.CreateMilestone(env.Ctx, env.ProjectID, "m", "tester", 1)
	card, err := env.Engine.CreateCard(env.Ctx, env.ProjectID, m.ID, "derive")
	if err != nil {
		t.Fatalf("create card: %v", err)
	}

	state := func() string {
		c, err := env.Engine.Repo.GetCard(env.Ctx, card.ID)
		if err != nil {
			t.Fatalf("get card: %v", err)
		}
		return c.State()
	}

	if got := state(); got != domain.CardOpen {
		t.Fatalf("empty scheduled card: want open, got %s", got)
	}
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.ProjectID,
		CardID:    card.ID,
		Title:     "t",
		CreatedBy: "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if got := state(); got != domain.CardOpen {
		t.Fatalf("with available task: want open, got %s", got)
	}
	if _, err := env.Engine.ClaimTask(env.Ctx, task.ID, alice, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got := state(); got != domain.CardActive {
		t.Fatalf("with claimed task: want active, got %s", got)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, alice, 2); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got := state(); got != domain.CardDone {
		t.Fatalf("all tasks completed: want done, got %s", got)
	}
}

func TestTaskPriorityValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.ProjectID,
		Title:     "too high",
		Priority:  6,
		CreatedBy: "tester",
	}); engine.KindOf(err) != engine.KindValidation {
		t.Fatalf("priority 6: want Validation, got %v", err)
	}
	task := env.mustCreateTask(t, "defaulted")
	if task.Priority != config.Default().Tasks.DefaultPriority {
		t.Fatalf("expected default priority, got %d", task.Priority)
	}
}
