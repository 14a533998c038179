package engine

import (
	"context"
	"database/sql"
	"errors"

	"github.com/modelodev/scrumbringer/internal/domain"
	"github.com/modelodev/scrumbringer/internal/repo"
)

// Lifecycle operations, used for conflict classification: a failed
// conditional write means something different for a claim than for a
// release or complete by the task's owner.
type lifecycleOp string

const (
	opClaim    lifecycleOp = "claim"
	opRelease  lifecycleOp = "release"
	opComplete lifecycleOp = "complete"
)

// ClaimTask moves an available task to claimed on behalf of actor. The
// guard is validated semantically first, then enforced by the versioned
// conditional write; a failed write is classified, never surfaced raw.
// The claim and any rule firings it triggers commit as one unit.
func (e Engine) ClaimTask(ctx context.Context, taskID string, actor domain.Actor, expectedVersion int64) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, storage("begin tx", err)
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, errf(KindNotFound, "task %s not found", taskID)
		}
		return domain.Task{}, storage("get task", err)
	}
	switch t.Status {
	case domain.TaskCompleted:
		return domain.Task{}, errf(KindInvalidTransition, "task %s is completed", taskID)
	case domain.TaskClaimed:
		// Claiming is only legal from available; the supplied version is
		// irrelevant once someone holds the task.
		return domain.Task{}, errf(KindAlreadyClaimed, "task %s is already claimed", taskID)
	}

	now := e.nowString()
	err = e.Repo.UpdateTaskVersioned(ctx, tx, taskID, expectedVersion, repo.TaskMutation{
		Status:    domain.TaskClaimed,
		ClaimedBy: &actor.ID,
		ClaimedAt: &now,
	})
	if err != nil {
		if errors.Is(err, repo.ErrStaleWrite) {
			return domain.Task{}, e.classifyConflict(ctx, tx, taskID, actor, opClaim)
		}
		return domain.Task{}, storage("claim task", err)
	}

	ev := domain.TransitionEvent{
		ResourceType: domain.ResourceTask,
		ResourceID:   t.ID,
		ProjectID:    t.ProjectID,
		CardID:       t.CardID,
		TaskTypeID:   t.TypeID,
		ToState:      domain.TaskClaimed,
		TriggeredBy:  &actor,
	}
	if _, err := e.onTransition(ctx, tx, ev); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, storage("commit", err)
	}

	t.Status = domain.TaskClaimed
	t.ClaimedBy = &actor.ID
	t.ClaimedAt = &now
	t.Version = expectedVersion + 1
	return t, nil
}

// ReleaseTask returns a claimed task to the pool of available work. Only
// the claimant may release.
func (e Engine) ReleaseTask(ctx context.Context, taskID string, actor domain.Actor, expectedVersion int64) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, storage("begin tx", err)
	}
	defer tx.Rollback()

	t, err := e.ownershipGuard(ctx, tx, taskID, actor, opRelease)
	if err != nil {
		return domain.Task{}, err
	}

	err = e.Repo.UpdateTaskVersioned(ctx, tx, taskID, expectedVersion, repo.TaskMutation{
		Status:           domain.TaskAvailable,
		SetNullClaimedBy: true,
		SetNullClaimedAt: true,
	})
	if err != nil {
		if errors.Is(err, repo.ErrStaleWrite) {
			return domain.Task{}, e.classifyConflict(ctx, tx, taskID, actor, opRelease)
		}
		return domain.Task{}, storage("release task", err)
	}

	ev := domain.TransitionEvent{
		ResourceType: domain.ResourceTask,
		ResourceID:   t.ID,
		ProjectID:    t.ProjectID,
		CardID:       t.CardID,
		TaskTypeID:   t.TypeID,
		ToState:      domain.TaskAvailable,
		TriggeredBy:  &actor,
	}
	if _, err := e.onTransition(ctx, tx, ev); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, storage("commit", err)
	}

	t.Status = domain.TaskAvailable
	t.ClaimedBy = nil
	t.ClaimedAt = nil
	t.Version = expectedVersion + 1
	return t, nil
}

// CompleteTask finishes a claimed task. Completed is terminal.
func (e Engine) CompleteTask(ctx context.Context, taskID string, actor domain.Actor, expectedVersion int64) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, storage("begin tx", err)
	}
	defer tx.Rollback()

	t, err := e.ownershipGuard(ctx, tx, taskID, actor, opComplete)
	if err != nil {
		return domain.Task{}, err
	}

	now := e.nowString()
	err = e.Repo.UpdateTaskVersioned(ctx, tx, taskID, expectedVersion, repo.TaskMutation{
		Status:           domain.TaskCompleted,
		CompletedAt:      &now,
		SetNullClaimedBy: true,
		SetNullClaimedAt: true,
	})
	if err != nil {
		if errors.Is(err, repo.ErrStaleWrite) {
			return domain.Task{}, e.classifyConflict(ctx, tx, taskID, actor, opComplete)
		}
		return domain.Task{}, storage("complete task", err)
	}

	ev := domain.TransitionEvent{
		ResourceType: domain.ResourceTask,
		ResourceID:   t.ID,
		ProjectID:    t.ProjectID,
		CardID:       t.CardID,
		TaskTypeID:   t.TypeID,
		ToState:      domain.TaskCompleted,
		TriggeredBy:  &actor,
	}
	if _, err := e.onTransition(ctx, tx, ev); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, storage("commit", err)
	}

	t.Status = domain.TaskCompleted
	t.ClaimedBy = nil
	t.ClaimedAt = nil
	t.CompletedAt = &now
	t.Version = expectedVersion + 1
	return t, nil
}

// ownershipGuard validates release/complete preconditions: the task exists,
// is claimed, and is claimed by the requesting actor.
func (e Engine) ownershipGuard(ctx context.Context, tx *sql.Tx, taskID string, actor domain.Actor, op lifecycleOp) (domain.Task, error) {
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, errf(KindNotFound, "task %s not found", taskID)
		}
		return domain.Task{}, storage("get task", err)
	}
	if t.Status != domain.TaskClaimed {
		return domain.Task{}, errf(KindInvalidTransition, "cannot %s task %s in status %s", op, taskID, t.Status)
	}
	if t.ClaimedBy == nil || *t.ClaimedBy != actor.ID {
		return domain.Task{}, errf(KindNotAuthorized, "task %s is claimed by another user", taskID)
	}
	return t, nil
}

// classifyConflict diagnoses a failed conditional write by re-reading the
// row. The write itself cannot distinguish a missing row from a stale
// version from a concurrent state change, so the diagnosis is a separate,
// lock-free second phase. Checks apply in order: terminal state, foreign
// claim, then stale-but-retryable version.
func (e Engine) classifyConflict(ctx context.Context, tx *sql.Tx, taskID string, actor domain.Actor, op lifecycleOp) error {
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return errf(KindNotFound, "task %s not found", taskID)
		}
		return storage("classify conflict", err)
	}
	if t.Status == domain.TaskCompleted {
		return errf(KindInvalidTransition, "task %s is completed", taskID)
	}
	if t.Status == domain.TaskClaimed && (t.ClaimedBy == nil || *t.ClaimedBy != actor.ID) {
		if op == opClaim {
			return errf(KindAlreadyClaimed, "task %s is already claimed", taskID)
		}
		return errf(KindNotAuthorized, "task %s is claimed by another user", taskID)
	}
	// The operation is still legal for this actor; only the version was
	// stale. Safe to retry after a refetch.
	return errf(KindVersionConflict, "task %s changed (version is now %d); refetch and retry", taskID, t.Version)
}
