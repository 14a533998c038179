package executions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/modelodev/scrumbringer/internal/domain"
)

// Writer appends rule-execution records. Rows are the audit trail the
// idempotency check and the reporting counters are computed from; they are
// never updated after insert.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Record describes one rule evaluation against one origin event.
type Record struct {
	RuleID            string
	OriginType        string
	OriginID          string
	Outcome           string
	SuppressionReason string
	User              *domain.Actor
}

// Append writes one execution row inside tx and returns it.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) (domain.RuleExecution, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	exec := domain.RuleExecution{
		ID:         uuid.New().String(),
		RuleID:     rec.RuleID,
		OriginType: rec.OriginType,
		OriginID:   rec.OriginID,
		Outcome:    rec.Outcome,
		CreatedAt:  w.Now().UTC().Format(time.RFC3339),
	}
	if rec.SuppressionReason != "" {
		exec.SuppressionReason = &rec.SuppressionReason
	}
	if rec.User != nil {
		exec.UserID = &rec.User.ID
		if rec.User.Email != "" {
			exec.UserEmail = &rec.User.Email
		}
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO rule_executions(id,rule_id,origin_type,origin_id,outcome,suppression_reason,user_id,user_email,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		exec.ID, exec.RuleID, exec.OriginType, exec.OriginID, exec.Outcome,
		nullableStr(exec.SuppressionReason), nullableStr(exec.UserID), nullableStr(exec.UserEmail), exec.CreatedAt)
	if err != nil {
		return domain.RuleExecution{}, fmt.Errorf("insert rule execution: %w", err)
	}
	return exec, nil
}

// Stats aggregates execution outcomes over a half-open [since, until) time
// window; zero bounds mean unbounded.
type Stats struct {
	Evaluated  int            `json:"evaluated"`
	Applied    int            `json:"applied"`
	Suppressed int            `json:"suppressed"`
	Reasons    map[string]int `json:"reasons,omitempty"`
}

func (w Writer) Stats(ctx context.Context, since, until time.Time) (Stats, error) {
	clauses := "1=1"
	var args []any
	if !since.IsZero() {
		clauses += " AND created_at >= ?"
		args = append(args, since.UTC().Format(time.RFC3339))
	}
	if !until.IsZero() {
		clauses += " AND created_at < ?"
		args = append(args, until.UTC().Format(time.RFC3339))
	}
	rows, err := w.DB.QueryContext(ctx, `SELECT outcome, COALESCE(suppression_reason,''), count(*) FROM rule_executions WHERE `+clauses+` GROUP BY outcome, suppression_reason`, args...)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	s := Stats{Reasons: map[string]int{}}
	for rows.Next() {
		var outcome, reason string
		var count int
		if err := rows.Scan(&outcome, &reason, &count); err != nil {
			return Stats{}, err
		}
		s.Evaluated += count
		switch outcome {
		case domain.OutcomeApplied:
			s.Applied += count
		case domain.OutcomeSuppressed:
			s.Suppressed += count
			if reason != "" {
				s.Reasons[reason] += count
			}
		}
	}
	return s, rows.Err()
}

// List returns recent executions for a rule, newest first.
func (w Writer) List(ctx context.Context, ruleID string, limit int) ([]domain.RuleExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,rule_id,origin_type,origin_id,outcome,suppression_reason,user_id,user_email,created_at FROM rule_executions`
	var args []any
	if ruleID != "" {
		query += ` WHERE rule_id=?`
		args = append(args, ruleID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RuleExecution
	for rows.Next() {
		var e domain.RuleExecution
		var reason, userID, userEmail sql.NullString
		if err := rows.Scan(&e.ID, &e.RuleID, &e.OriginType, &e.OriginID, &e.Outcome, &reason, &userID, &userEmail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if reason.Valid {
			e.SuppressionReason = &reason.String
		}
		if userID.Valid {
			e.UserID = &userID.String
		}
		if userEmail.Valid {
			e.UserEmail = &userEmail.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
