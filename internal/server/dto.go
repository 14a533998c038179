package server

import (
	"github.com/modelodev/scrumbringer/internal/domain"
)

// Request payloads

type CreateOrgRequest struct {
	Name string `json:"name"`
}

type CreateProjectRequest struct {
	OrgID string `json:"org_id"`
	Name  string `json:"name"`
}

type CreateTaskTypeRequest struct {
	Name string `json:"name"`
}

type CreateTaskRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	CardID      *string `json:"card_id,omitempty"`
	TypeID      *string `json:"type_id,omitempty"`
	Priority    *int    `json:"priority,omitempty" minimum:"1" maximum:"5"`
}

// TransitionRequest carries the optimistic-concurrency token for
// claim/release/complete. The server rejects a stale token with a
// conflict diagnosis rather than applying the transition blindly.
type TransitionRequest struct {
	ExpectedVersion int64 `json:"expected_version" minimum:"1"`
}

type CreateCardRequest struct {
	Title       string  `json:"title"`
	MilestoneID *string `json:"milestone_id,omitempty"`
}

type MoveCardRequest struct {
	MilestoneID string `json:"milestone_id"`
}

type CreateMilestoneRequest struct {
	Name     string `json:"name"`
	Position int    `json:"position,omitempty"`
}

type CreateWorkflowRequest struct {
	OrgID     string  `json:"org_id"`
	ProjectID *string `json:"project_id,omitempty"`
	Name      string  `json:"name"`
	Active    bool    `json:"active"`
}

type CreateRuleRequest struct {
	Name         string  `json:"name"`
	Goal         string  `json:"goal,omitempty"`
	ResourceType string  `json:"resource_type" enum:"task,card"`
	TaskTypeID   *string `json:"task_type_id,omitempty"`
	ToState      string  `json:"to_state"`
	RequiresUser bool    `json:"requires_user"`
	Active       bool    `json:"active"`
}

type SetActiveRequest struct {
	Active bool `json:"active"`
}

type CreateTemplateRequest struct {
	Name        string  `json:"name"`
	TypeID      *string `json:"type_id,omitempty"`
	Priority    *int    `json:"priority,omitempty" minimum:"1" maximum:"5"`
	Description *string `json:"description,omitempty"`
}

type AttachTemplateRequest struct {
	TemplateID     string `json:"template_id"`
	ExecutionOrder int    `json:"execution_order,omitempty"`
}

// Response payloads

type CardResponse struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"project_id"`
	MilestoneID    *string `json:"milestone_id,omitempty"`
	Title          string  `json:"title"`
	State          string  `json:"state" enum:"pool,open,active,done"`
	TaskCount      int     `json:"task_count"`
	ClaimedCount   int     `json:"claimed_count"`
	CompletedCount int     `json:"completed_count"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

func cardResponse(c domain.Card) CardResponse {
	return CardResponse{
		ID:             c.ID,
		ProjectID:      c.ProjectID,
		MilestoneID:    c.MilestoneID,
		Title:          c.Title,
		State:          c.State(),
		TaskCount:      c.TaskCount,
		ClaimedCount:   c.ClaimedCount,
		CompletedCount: c.CompletedCount,
		CreatedAt:      c.CreatedAt,
	}
}

func mapCards(items []domain.Card) []CardResponse {
	res := make([]CardResponse, 0, len(items))
	for _, c := range items {
		res = append(res, cardResponse(c))
	}
	return res
}

func stringOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func intOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
