package server

import (
	"scrumbringer/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	OrgID       int64   `json:"org_id"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

type CreateTaskRequest struct {
	TypeID      int64   `json:"type_id"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Priority    *int    `json:"priority,omitempty" minimum:"1" maximum:"5"`
	CardID      *int64  `json:"card_id,omitempty"`
}

// TaskTransitionRequest carries the version the caller last observed. The
// transition is rejected with a conflict when the row has moved on.
type TaskTransitionRequest struct {
	Version int `json:"version" minimum:"1"`
}

type CreateWorkflowRequest struct {
	Name string `json:"name"`
}

type CreateRuleRequest struct {
	WorkflowID   int64   `json:"workflow_id"`
	SourceTypeID *int64  `json:"source_type_id,omitempty"`
	TriggerEvent string  `json:"trigger_event"`
	Active       *bool   `json:"active,omitempty"`
	TemplateIDs  []int64 `json:"template_ids,omitempty"`
}

type SetRuleActiveRequest struct {
	Active bool `json:"active"`
}

type CreateTemplateRequest struct {
	TitleTemplate string `json:"title_template"`
	TypeID        int64  `json:"type_id"`
}

type CreateTaskTypeRequest struct {
	Name string `json:"name"`
}

type CreateCardRequest struct {
	Title string `json:"title"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	Username string `json:"username"`
	OrgID    int64  `json:"org_id"`
}

// Response payloads

type ProjectResponse struct {
	ID          int64  `json:"id"`
	OrgID       int64  `json:"org_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type TaskResponse struct {
	ID          int64   `json:"id"`
	ProjectID   int64   `json:"project_id"`
	TypeID      int64   `json:"type_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Priority    int     `json:"priority" minimum:"1" maximum:"5"`
	Status      string  `json:"status" enum:"available,claimed,ongoing,completed"`
	Version     int     `json:"version"`
	AssignedTo  *int64  `json:"assigned_to,omitempty"`
	CardID      *int64  `json:"card_id,omitempty"`
	CreatedBy   int64   `json:"created_by"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type WorkflowResponse struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type RuleResponse struct {
	ID           int64  `json:"id"`
	WorkflowID   int64  `json:"workflow_id"`
	SourceTypeID *int64 `json:"source_type_id,omitempty"`
	TriggerEvent string `json:"trigger_event"`
	Active       bool   `json:"active"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type TemplateResponse struct {
	ID            int64  `json:"id"`
	TitleTemplate string `json:"title_template"`
	TypeID        int64  `json:"type_id"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type TaskTypeResponse struct {
	ID        int64  `json:"id"`
	OrgID     int64  `json:"org_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type CardResponse struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	TaskID    int64  `json:"task_id"`
	ActorID   int64  `json:"actor_id"`
	Kind      string `json:"kind"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type WorkSessionResponse struct {
	ID          string  `json:"id"`
	UserID      int64   `json:"user_id"`
	TaskID      int64   `json:"task_id"`
	OpenedAt    string  `json:"opened_at" format:"date-time"`
	ClosedAt    *string `json:"closed_at,omitempty" format:"date-time"`
	CloseReason *string `json:"close_reason,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type MeResponse struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username,omitempty"`
	Source   string `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		OrgID:       p.OrgID,
		Name:        p.Name,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		ProjectID:   t.ProjectID,
		TypeID:      t.TypeID,
		Title:       t.Title,
		Description: t.Description,
		Priority:    t.Priority,
		Status:      string(t.Status),
		Version:     t.Version,
		AssignedTo:  t.AssignedTo,
		CardID:      t.CardID,
		CreatedBy:   t.CreatedBy,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		CompletedAt: t.CompletedAt,
	}
}

func workflowResponse(w domain.Workflow) WorkflowResponse {
	return WorkflowResponse{ID: w.ID, ProjectID: w.ProjectID, Name: w.Name, CreatedAt: w.CreatedAt}
}

func ruleResponse(r domain.Rule) RuleResponse {
	return RuleResponse{
		ID:           r.ID,
		WorkflowID:   r.WorkflowID,
		SourceTypeID: r.SourceTypeID,
		TriggerEvent: r.TriggerEvent,
		Active:       r.Active,
		CreatedAt:    r.CreatedAt,
	}
}

func templateResponse(t domain.RuleTemplate) TemplateResponse {
	return TemplateResponse{ID: t.ID, TitleTemplate: t.TitleTemplate, TypeID: t.TypeID, CreatedAt: t.CreatedAt}
}

func taskTypeResponse(t domain.TaskType) TaskTypeResponse {
	return TaskTypeResponse{ID: t.ID, OrgID: t.OrgID, Name: t.Name, CreatedAt: t.CreatedAt}
}

func cardResponse(c domain.Card) CardResponse {
	return CardResponse{ID: c.ID, ProjectID: c.ProjectID, Title: c.Title, CreatedAt: c.CreatedAt}
}

func eventResponse(e domain.TaskEvent) EventResponse {
	return EventResponse{
		ID:        e.ID,
		ProjectID: e.ProjectID,
		TaskID:    e.TaskID,
		ActorID:   e.ActorID,
		Kind:      e.Kind,
		CreatedAt: e.CreatedAt,
	}
}

func sessionResponse(s domain.WorkSession) WorkSessionResponse {
	return WorkSessionResponse{
		ID:          s.ID,
		UserID:      s.UserID,
		TaskID:      s.TaskID,
		OpenedAt:    s.OpenedAt,
		ClosedAt:    s.ClosedAt,
		CloseReason: s.CloseReason,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}
