package engine

import (
	"context"
	"database/sql"
	"log"

	"github.com/google/uuid"

	"github.com/modelodev/scrumbringer/internal/domain"
	"github.com/modelodev/scrumbringer/internal/executions"
)

// onTransition evaluates workflow rules against a state transition and
// materializes tasks for the rules that apply. It runs inside the caller's
// transaction so rule effects commit or roll back with the transition that
// caused them.
//
// Every matched rule gets exactly one execution row, applied or
// suppressed. Suppression reasons are checked in a fixed order (inactive,
// not_user_triggered, not_matching, idempotent) so the recorded reason is
// stable when several would hold at once. A failure to write an applied
// row aborts the transaction, since the idempotency guard reads those
// rows; a failure to write a suppressed row is logged and skipped.
func (e Engine) onTransition(ctx context.Context, tx *sql.Tx, ev domain.TransitionEvent) ([]domain.RuleExecution, error) {
	rules, err := e.Repo.MatchRules(ctx, tx, ev.ProjectID, ev.ResourceType, ev.ToState, ev.TaskTypeID)
	if err != nil {
		return nil, storage("match rules", err)
	}

	var out []domain.RuleExecution
	for _, rl := range rules {
		reason, err := e.suppressionReason(ctx, tx, rl, ev)
		if err != nil {
			return nil, err
		}

		if reason != "" {
			rec, err := e.Recorder.Append(ctx, tx, executions.Record{
				RuleID:            rl.ID,
				OriginType:        ev.ResourceType,
				OriginID:          ev.ResourceID,
				Outcome:           domain.OutcomeSuppressed,
				SuppressionReason: reason,
				User:              ev.TriggeredBy,
			})
			if err != nil {
				log.Printf("rule %s: record suppressed execution: %v", rl.ID, err)
				continue
			}
			out = append(out, rec)
			continue
		}

		if err := e.applyRule(ctx, tx, rl, ev); err != nil {
			return nil, err
		}
		rec, err := e.Recorder.Append(ctx, tx, executions.Record{
			RuleID:     rl.ID,
			OriginType: ev.ResourceType,
			OriginID:   ev.ResourceID,
			Outcome:    domain.OutcomeApplied,
			User:       ev.TriggeredBy,
		})
		if err != nil {
			return nil, storage("record applied execution", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// suppressionReason returns the first suppression reason that holds for
// rl against ev, or "" when the rule should apply.
func (e Engine) suppressionReason(ctx context.Context, tx *sql.Tx, rl domain.Rule, ev domain.TransitionEvent) (string, error) {
	// The match query already filters on active flags, but the rule or
	// its workflow can be deactivated between match and evaluation when
	// callers batch events. Re-check so the row records why.
	live, err := e.Repo.RuleStillLive(ctx, tx, rl.ID)
	if err != nil {
		return "", storage("check rule active", err)
	}
	if !live {
		return domain.SuppressedInactive, nil
	}

	if rl.RequiresUser && ev.TriggeredBy == nil {
		return domain.SuppressedNotUserTriggered, nil
	}

	if rl.ResourceType != ev.ResourceType || rl.ToState != ev.ToState {
		return domain.SuppressedNotMatching, nil
	}
	if rl.TaskTypeID != nil && (ev.TaskTypeID == nil || *ev.TaskTypeID != *rl.TaskTypeID) {
		return domain.SuppressedNotMatching, nil
	}

	applied, err := e.Repo.HasAppliedExecution(ctx, tx, rl.ID, ev.ResourceType, ev.ResourceID)
	if err != nil {
		return "", storage("check applied execution", err)
	}
	if applied {
		return domain.SuppressedIdempotent, nil
	}
	return "", nil
}

// applyRule materializes one available task per template attached to rl,
// in template execution order.
func (e Engine) applyRule(ctx context.Context, tx *sql.Tx, rl domain.Rule, ev domain.TransitionEvent) error {
	templates, err := e.Repo.RuleTemplates(ctx, tx, rl.ID)
	if err != nil {
		return storage("load rule templates", err)
	}
	now := e.nowString()
	for _, tpl := range templates {
		t := domain.Task{
			ID:          uuid.New().String(),
			ProjectID:   ev.ProjectID,
			CardID:      ev.CardID,
			TypeID:      tpl.TypeID,
			Title:       tpl.Name,
			Description: tpl.Description,
			Priority:    tpl.Priority,
			Status:      domain.TaskAvailable,
			CreatedBy:   "workflow:" + rl.Name,
			CreatedAt:   now,
			Version:     1,
		}
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return storage("materialize task", err)
		}
	}
	return nil
}
