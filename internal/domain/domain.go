package domain

// Status is the task lifecycle state. Claimed tasks carry a sub-state:
// StatusClaimed is a task somebody picked up, StatusOngoing is a claimed
// task being actively worked. Completed is terminal.
type Status string

const (
	StatusAvailable Status = "available"
	StatusClaimed   Status = "claimed"
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
)

// Claimed reports whether the task is held by a user (either sub-state).
func (s Status) Claimed() bool {
	return s == StatusClaimed || s == StatusOngoing
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted
}

func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusClaimed, StatusOngoing, StatusCompleted:
		return true
	}
	return false
}

// Columns returns the persisted (status, is_ongoing) pair. The ongoing
// sub-state is stored as a flag next to a plain "claimed" status so the
// enum stays closed at the API boundary.
func (s Status) Columns() (string, bool) {
	if s == StatusOngoing {
		return string(StatusClaimed), true
	}
	return string(s), false
}

// StatusFromColumns rebuilds the enum from the persisted pair.
func StatusFromColumns(status string, ongoing bool) Status {
	if Status(status) == StatusClaimed && ongoing {
		return StatusOngoing
	}
	return Status(status)
}

type Org struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type User struct {
	ID        int64  `json:"id"`
	OrgID     int64  `json:"org_id"`
	Username  string `json:"username"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID          int64  `json:"id"`
	OrgID       int64  `json:"org_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type TaskType struct {
	ID        int64  `json:"id"`
	OrgID     int64  `json:"org_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Card is an opaque grouping entity. Tasks may belong to one; derived tasks
// inherit the source task's card verbatim.
type Card struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Task struct {
	ID          int64   `json:"id"`
	ProjectID   int64   `json:"project_id"`
	TypeID      int64   `json:"type_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Priority    int     `json:"priority" minimum:"1" maximum:"5"`
	Status      Status  `json:"status" enum:"available,claimed,ongoing,completed"`
	Version     int     `json:"version"`
	AssignedTo  *int64  `json:"assigned_to,omitempty"`
	CardID      *int64  `json:"card_id,omitempty"`
	CreatedBy   int64   `json:"created_by"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// Workflow is a named container of rules scoped to one project.
type Workflow struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Rule fires derived-task creation when a task of the matching type reaches
// the trigger event. A nil SourceTypeID matches any type.
type Rule struct {
	ID           int64  `json:"id"`
	WorkflowID   int64  `json:"workflow_id"`
	SourceTypeID *int64 `json:"source_type_id,omitempty"`
	TriggerEvent string `json:"trigger_event"`
	Active       bool   `json:"active"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type RuleTemplate struct {
	ID            int64  `json:"id"`
	TitleTemplate string `json:"title_template"`
	TypeID        int64  `json:"type_id"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

// RuleExecution is the idempotency receipt: at most one row per
// (rule, source task) pair.
type RuleExecution struct {
	RuleID       int64  `json:"rule_id"`
	SourceTaskID int64  `json:"source_task_id"`
	ExecutedAt   string `json:"executed_at" format:"date-time"`
}

// TaskEvent is an append-only lifecycle audit record.
type TaskEvent struct {
	ID        int64  `json:"id"`
	OrgID     int64  `json:"org_id"`
	ProjectID int64  `json:"project_id"`
	TaskID    int64  `json:"task_id"`
	ActorID   int64  `json:"actor_id"`
	Kind      string `json:"kind"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// WorkSession is a timed interval during which a user actively works a
// claimed task. At most one open session per (user, task).
type WorkSession struct {
	ID          string  `json:"id"`
	UserID      int64   `json:"user_id"`
	TaskID      int64   `json:"task_id"`
	OpenedAt    string  `json:"opened_at" format:"date-time"`
	ClosedAt    *string `json:"closed_at,omitempty" format:"date-time"`
	CloseReason *string `json:"close_reason,omitempty"`
}

// Session close reasons.
const (
	CloseReasonReleased  = "released"
	CloseReasonCompleted = "completed"
)

type APIKey struct {
	ID        string `json:"id"`
	UserID    int64  `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
