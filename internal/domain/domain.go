package domain

type Org struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TaskType struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

// Task statuses. Claim/release/complete are the only transitions;
// claimed_by is set iff status is claimed, completed_at iff completed.
const (
	TaskAvailable = "available"
	TaskClaimed   = "claimed"
	TaskCompleted = "completed"
)

type Task struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	CardID      *string `json:"card_id,omitempty"`
	TypeID      *string `json:"type_id,omitempty"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Priority    int     `json:"priority"`
	Status      string  `json:"status" enum:"available,claimed,completed"`
	ClaimedBy   *string `json:"claimed_by,omitempty"`
	ClaimedAt   *string `json:"claimed_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	// Version is the optimistic-concurrency token; it advances by exactly
	// one on every successful mutating transition.
	Version int64 `json:"version"`
}

// Card states are derived, never stored: pool while unscheduled, then
// open/active/done from the contained-task counters.
const (
	CardPool   = "pool"
	CardOpen   = "open"
	CardActive = "active"
	CardDone   = "done"
)

type Card struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"project_id"`
	MilestoneID    *string `json:"milestone_id,omitempty"`
	Title          string  `json:"title"`
	TaskCount      int     `json:"task_count"`
	ClaimedCount   int     `json:"claimed_count"`
	CompletedCount int     `json:"completed_count"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

// State derives the card's display state from its milestone assignment and
// task counters.
func (c Card) State() string {
	switch {
	case c.MilestoneID == nil:
		return CardPool
	case c.TaskCount > 0 && c.CompletedCount == c.TaskCount:
		return CardDone
	case c.ClaimedCount > 0:
		return CardActive
	default:
		return CardOpen
	}
}

const (
	MilestoneReady     = "ready"
	MilestoneActive    = "active"
	MilestoneCompleted = "completed"
)

type Milestone struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Name        string  `json:"name"`
	State       string  `json:"state" enum:"ready,active,completed"`
	Position    int     `json:"position"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ActivatedAt *string `json:"activated_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// ActivationSnapshot reports the result of a milestone activation: the
// activated milestone plus how much parked pool content it released.
type ActivationSnapshot struct {
	Milestone     Milestone `json:"milestone"`
	CardsReleased int       `json:"cards_released"`
	TasksReleased int       `json:"tasks_released"`
}

type Workflow struct {
	ID        string  `json:"id"`
	OrgID     string  `json:"org_id"`
	ProjectID *string `json:"project_id,omitempty"`
	Name      string  `json:"name"`
	Active    bool    `json:"active"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

const (
	ResourceTask = "task"
	ResourceCard = "card"
)

type Rule struct {
	ID           string  `json:"id"`
	WorkflowID   string  `json:"workflow_id"`
	Name         string  `json:"name"`
	Goal         string  `json:"goal,omitempty"`
	ResourceType string  `json:"resource_type" enum:"task,card"`
	TaskTypeID   *string `json:"task_type_id,omitempty"`
	ToState      string  `json:"to_state"`
	RequiresUser bool    `json:"requires_user"`
	Active       bool    `json:"active"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type TaskTemplate struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Name        string  `json:"name"`
	TypeID      *string `json:"type_id,omitempty"`
	Priority    int     `json:"priority"`
	Description string  `json:"description,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type RuleTemplate struct {
	RuleID         string `json:"rule_id"`
	TemplateID     string `json:"template_id"`
	ExecutionOrder int    `json:"execution_order"`
}

// Rule execution outcomes and suppression reasons. One row is written per
// (rule, origin event) evaluation; rows are append-only.
const (
	OutcomeApplied    = "applied"
	OutcomeSuppressed = "suppressed"

	SuppressedInactive         = "inactive"
	SuppressedNotUserTriggered = "not_user_triggered"
	SuppressedNotMatching      = "not_matching"
	SuppressedIdempotent       = "idempotent"
)

type RuleExecution struct {
	ID                string  `json:"id"`
	RuleID            string  `json:"rule_id"`
	OriginType        string  `json:"origin_type"`
	OriginID          string  `json:"origin_id"`
	Outcome           string  `json:"outcome" enum:"applied,suppressed"`
	SuppressionReason *string `json:"suppression_reason,omitempty" enum:"idempotent,not_user_triggered,not_matching,inactive"`
	UserID            *string `json:"user_id,omitempty"`
	UserEmail         *string `json:"user_email,omitempty"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
}

// TransitionEvent describes a lifecycle transition the rule engine reacts
// to. TriggeredBy is nil when the transition was itself a cascade rather
// than a direct user action.
type TransitionEvent struct {
	ResourceType string
	ResourceID   string
	ProjectID    string
	CardID       *string
	TaskTypeID   *string
	ToState      string
	TriggeredBy  *Actor
}

// Actor identifies the user behind a user-triggered transition.
type Actor struct {
	ID    string
	Email string
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
