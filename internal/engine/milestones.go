package engine

import (
	"context"
	"errors"

	"github.com/modelodev/scrumbringer/internal/domain"
	"github.com/modelodev/scrumbringer/internal/repo"
)

// ActivateMilestone promotes a ready milestone to active and releases the
// project's pool into it. At most one milestone per project may be active;
// the guard is checked semantically first and backstopped by the partial
// unique index, so a lost race still surfaces as AlreadyActive rather
// than a raw constraint error.
//
// Releasing the pool fires the rule pipeline for each released card and
// task with no triggering user, which is what lets user-gated rules record
// their suppression instead of silently skipping the cascade.
func (e Engine) ActivateMilestone(ctx context.Context, milestoneID, projectID string) (domain.ActivationSnapshot, error) {
	var snap domain.ActivationSnapshot

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return snap, storage("begin tx", err)
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMilestoneTx(ctx, tx, milestoneID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return snap, errf(KindNotFound, "milestone %s not found", milestoneID)
		}
		return snap, storage("get milestone", err)
	}
	if m.ProjectID != projectID {
		return snap, errf(KindNotFound, "milestone %s not found in project %s", milestoneID, projectID)
	}
	switch m.State {
	case domain.MilestoneActive:
		return snap, errf(KindAlreadyActive, "milestone %s is already active", milestoneID)
	case domain.MilestoneCompleted:
		return snap, errf(KindInvalidTransition, "milestone %s is completed", milestoneID)
	}

	if sibling, err := e.Repo.ActiveMilestone(ctx, tx, projectID); err == nil {
		return snap, errf(KindAlreadyActive, "project %s already has active milestone %s", projectID, sibling.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return snap, storage("check active milestone", err)
	}

	now := e.nowString()
	if err := e.Repo.MarkMilestoneActive(ctx, tx, milestoneID, now); err != nil {
		switch {
		case errors.Is(err, repo.ErrStaleWrite):
			return snap, errf(KindAlreadyActive, "milestone %s is no longer ready", milestoneID)
		case repo.IsUniqueViolation(err):
			return snap, errf(KindAlreadyActive, "project %s already has an active milestone", projectID)
		}
		return snap, storage("activate milestone", err)
	}

	// Snapshot the pool before reassigning it; the release wipes the
	// membership we need to emit transitions for.
	poolTasks, err := e.Repo.ListPoolTasks(ctx, tx, projectID)
	if err != nil {
		return snap, storage("list pool tasks", err)
	}
	poolCards, err := e.Repo.ListPoolCards(ctx, tx, projectID)
	if err != nil {
		return snap, storage("list pool cards", err)
	}
	released, err := e.Repo.ReleasePoolCards(ctx, tx, projectID, milestoneID)
	if err != nil {
		return snap, storage("release pool cards", err)
	}

	for _, c := range poolCards {
		cardID := c.ID
		ev := domain.TransitionEvent{
			ResourceType: domain.ResourceCard,
			ResourceID:   c.ID,
			ProjectID:    projectID,
			CardID:       &cardID,
			ToState:      "released",
		}
		if _, err := e.onTransition(ctx, tx, ev); err != nil {
			return snap, err
		}
	}
	for _, t := range poolTasks {
		ev := domain.TransitionEvent{
			ResourceType: domain.ResourceTask,
			ResourceID:   t.ID,
			ProjectID:    projectID,
			CardID:       t.CardID,
			TaskTypeID:   t.TypeID,
			ToState:      "released",
		}
		if _, err := e.onTransition(ctx, tx, ev); err != nil {
			return snap, err
		}
	}

	if err := tx.Commit(); err != nil {
		return snap, storage("commit", err)
	}

	m.State = domain.MilestoneActive
	m.ActivatedAt = &now
	snap.Milestone = m
	snap.CardsReleased = released
	snap.TasksReleased = len(poolTasks)
	return snap, nil
}

// CompleteMilestone closes out an active milestone. Completed is terminal
// and frees the project's single-active slot for the next activation.
func (e Engine) CompleteMilestone(ctx context.Context, milestoneID, projectID string) (domain.Milestone, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, storage("begin tx", err)
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMilestoneTx(ctx, tx, milestoneID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Milestone{}, errf(KindNotFound, "milestone %s not found", milestoneID)
		}
		return domain.Milestone{}, storage("get milestone", err)
	}
	if m.ProjectID != projectID {
		return domain.Milestone{}, errf(KindNotFound, "milestone %s not found in project %s", milestoneID, projectID)
	}
	if m.State != domain.MilestoneActive {
		return domain.Milestone{}, errf(KindInvalidTransition, "cannot complete milestone %s in state %s", milestoneID, m.State)
	}

	now := e.nowString()
	if err := e.Repo.MarkMilestoneCompleted(ctx, tx, milestoneID, now); err != nil {
		if errors.Is(err, repo.ErrStaleWrite) {
			return domain.Milestone{}, errf(KindInvalidTransition, "milestone %s is no longer active", milestoneID)
		}
		return domain.Milestone{}, storage("complete milestone", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, storage("commit", err)
	}

	m.State = domain.MilestoneCompleted
	m.CompletedAt = &now
	return m, nil
}
