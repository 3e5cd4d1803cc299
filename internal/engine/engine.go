package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"scrumbringer/internal/config"
	"scrumbringer/internal/domain"
	"scrumbringer/internal/events"
	"scrumbringer/internal/repo"
	"scrumbringer/internal/rules"
	"scrumbringer/internal/sessions"
)

// CapabilityResolver maps a capability to the task type ids it covers, for
// list filtering. Capabilities are maintained outside this core; the engine
// only consumes the mapping.
type CapabilityResolver interface {
	TaskTypeIDs(ctx context.Context, capabilityID int64) ([]int64, error)
}

// Engine is the task lifecycle state machine. Each operation runs inside
// one database transaction; the version column is the sole concurrency
// control, compared at write time.
type Engine struct {
	DB           *sql.DB
	Repo         repo.Repo
	Events       events.Writer
	Sessions     sessions.Tracker
	Rules        rules.Executor
	Config       *config.Config
	Capabilities CapabilityResolver
	Now          func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	w := events.Writer{DB: db}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   w,
		Sessions: sessions.Tracker{DB: db},
		Rules:    rules.Executor{Repo: r, Events: w, Matcher: rules.Matcher{Repo: r}},
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitOrg creates an organization with a first project.
func (e Engine) InitOrg(ctx context.Context, orgName, projectName string) (domain.Org, domain.Project, error) {
	now := e.now().UTC().Format(time.RFC3339)
	orgID, err := e.Repo.InsertOrg(ctx, orgName, now)
	if err != nil {
		return domain.Org{}, domain.Project{}, fmt.Errorf("insert org: %w", err)
	}
	projectID, err := e.Repo.InsertProject(ctx, domain.Project{OrgID: orgID, Name: projectName, CreatedAt: now})
	if err != nil {
		return domain.Org{}, domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	org := domain.Org{ID: orgID, Name: orgName, CreatedAt: now}
	p := domain.Project{ID: projectID, OrgID: orgID, Name: projectName, CreatedAt: now}
	return org, p, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ProjectID   int64
	TypeID      int64
	Title       string
	Description string
	Priority    int
	CardID      *int64
	CreatedBy   int64
}

// CreateTask inserts a new Available task at version 1 and appends its
// "created" event in the same transaction. Derived tasks never inherit a
// card implicitly here; the caller supplies CardID explicitly, including
// when the Rule Executor derives it from a source task.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.Priority == 0 {
		opts.Priority = 3
	}
	if opts.Priority < 1 || opts.Priority > 5 {
		return domain.Task{}, fmt.Errorf("priority must be between 1 and 5")
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, InvalidReferenceError{Field: "project_id"}
		}
		return domain.Task{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ProjectID:   opts.ProjectID,
		TypeID:      opts.TypeID,
		Title:       opts.Title,
		Description: opts.Description,
		Priority:    opts.Priority,
		Status:      domain.StatusAvailable,
		Version:     1,
		CardID:      opts.CardID,
		CreatedBy:   opts.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertTaskTx(ctx, tx, t)
	if err != nil {
		if repo.IsForeignKeyViolation(err) {
			return domain.Task{}, InvalidReferenceError{Field: referenceField(opts)}
		}
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	t.ID = id
	if err := e.Events.Append(ctx, tx, p.OrgID, t.ProjectID, t.ID, opts.CreatedBy, events.KindCreated); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// referenceField guesses which foreign key failed; SQLite reports only that
// some FK constraint did.
func referenceField(opts TaskCreateOptions) string {
	if opts.CardID != nil {
		return "type_id or card_id"
	}
	return "type_id"
}

// ClaimTask moves an Available task to Claimed for the user, guarded by the
// presented version.
func (e Engine) ClaimTask(ctx context.Context, taskID, userID int64, version int) (domain.Task, error) {
	return e.transition(ctx, taskID, userID, version, "claim",
		func(t domain.Task) error {
			if t.Status != domain.StatusAvailable {
				return InvalidTransitionError{Op: "claim", Status: t.Status}
			}
			return nil
		},
		func(t domain.Task, now string) repo.TaskStateUpdate {
			return repo.TaskStateUpdate{
				ID:         t.ID,
				Version:    version,
				Status:     domain.StatusClaimed,
				AssignedTo: &userID,
				UpdatedAt:  now,
			}
		},
		events.KindClaimed, nil)
}

// StartWork moves a claimed task into the actively-worked sub-state and
// opens the user's work session. Opening is part of the transition, not
// best-effort: a failure aborts the whole operation.
func (e Engine) StartWork(ctx context.Context, taskID, userID int64, version int) (domain.Task, error) {
	return e.transition(ctx, taskID, userID, version, "start",
		func(t domain.Task) error {
			if t.Status != domain.StatusClaimed || t.AssignedTo == nil || *t.AssignedTo != userID {
				return InvalidTransitionError{Op: "start", Status: t.Status}
			}
			return nil
		},
		func(t domain.Task, now string) repo.TaskStateUpdate {
			return repo.TaskStateUpdate{
				ID:         t.ID,
				Version:    version,
				Status:     domain.StatusOngoing,
				AssignedTo: &userID,
				UpdatedAt:  now,
			}
		},
		events.KindStarted,
		func(ctx context.Context, tx *sql.Tx, orgID int64, t domain.Task) error {
			_, err := e.Sessions.OpenTx(ctx, tx, userID, taskID)
			if err != nil {
				return fmt.Errorf("open work session: %w", err)
			}
			return nil
		})
}

// ReleaseTask returns a claimed task to Available and closes the claimant's
// open work session (best-effort) with reason "released".
func (e Engine) ReleaseTask(ctx context.Context, taskID, userID int64, version int) (domain.Task, error) {
	return e.transition(ctx, taskID, userID, version, "release",
		func(t domain.Task) error {
			if !t.Status.Claimed() || t.AssignedTo == nil || *t.AssignedTo != userID {
				return InvalidTransitionError{Op: "release", Status: t.Status}
			}
			return nil
		},
		func(t domain.Task, now string) repo.TaskStateUpdate {
			return repo.TaskStateUpdate{
				ID:        t.ID,
				Version:   version,
				Status:    domain.StatusAvailable,
				UpdatedAt: now,
			}
		},
		events.KindReleased,
		func(ctx context.Context, tx *sql.Tx, orgID int64, t domain.Task) error {
			e.closeSessionBestEffort(ctx, tx, userID, taskID, domain.CloseReasonReleased)
			return nil
		})
}

// CompleteTask moves a claimed task to the terminal Completed state, fires
// the rule executor for the "completed" trigger inside the same transaction
// and closes the open work session (best-effort) with reason "completed".
// Any automation failure rolls back the entire completion.
func (e Engine) CompleteTask(ctx context.Context, taskID, userID int64, version int) (domain.Task, error) {
	return e.transition(ctx, taskID, userID, version, "complete",
		func(t domain.Task) error {
			if !t.Status.Claimed() || t.AssignedTo == nil || *t.AssignedTo != userID {
				return InvalidTransitionError{Op: "complete", Status: t.Status}
			}
			return nil
		},
		func(t domain.Task, now string) repo.TaskStateUpdate {
			return repo.TaskStateUpdate{
				ID:          t.ID,
				Version:     version,
				Status:      domain.StatusCompleted,
				AssignedTo:  &userID,
				UpdatedAt:   now,
				CompletedAt: &now,
			}
		},
		events.KindCompleted,
		func(ctx context.Context, tx *sql.Tx, orgID int64, t domain.Task) error {
			source := t
			source.Status = domain.StatusCompleted
			if _, err := e.Rules.Execute(ctx, tx, orgID, source, userID); err != nil {
				if repo.IsForeignKeyViolation(err) {
					return InvalidReferenceError{Field: "template type_id"}
				}
				return err
			}
			e.closeSessionBestEffort(ctx, tx, userID, taskID, domain.CloseReasonCompleted)
			return nil
		})
}

// transition is the shared shape of one accepted state change: read and
// validate inside the transaction, compare-and-set the row, append the
// audit event, run the operation's side effects, commit.
func (e Engine) transition(
	ctx context.Context,
	taskID, userID int64,
	version int,
	op string,
	check func(domain.Task) error,
	update func(domain.Task, string) repo.TaskStateUpdate,
	eventKind string,
	after func(context.Context, *sql.Tx, int64, domain.Task) error,
) (domain.Task, error) {
	p, t, err := e.taskWithProject(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := check(t); err != nil {
		return domain.Task{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	u := update(t, now)
	if err := e.Repo.UpdateTaskStateTx(ctx, tx, u); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, ErrNotFoundOrConflict
		}
		return domain.Task{}, fmt.Errorf("%s task: %w", op, err)
	}
	if err := e.Events.Append(ctx, tx, p.OrgID, t.ProjectID, t.ID, userID, eventKind); err != nil {
		return domain.Task{}, err
	}
	if after != nil {
		if err := after(ctx, tx, p.OrgID, t); err != nil {
			return domain.Task{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, taskID)
}

func (e Engine) taskWithProject(ctx context.Context, taskID int64) (domain.Project, domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Project{}, domain.Task{}, ErrNotFoundOrConflict
		}
		return domain.Project{}, domain.Task{}, err
	}
	p, err := e.Repo.GetProject(ctx, t.ProjectID)
	if err != nil {
		return domain.Project{}, domain.Task{}, err
	}
	return p, t, nil
}

// closeSessionBestEffort closes the pair's open session and discards any
// failure so release/complete succeed on their own merits. Failures are
// logged; silent loss would mask stuck timers.
func (e Engine) closeSessionBestEffort(ctx context.Context, tx *sql.Tx, userID, taskID int64, reason string) {
	if _, err := e.Sessions.CloseTx(ctx, tx, userID, taskID, reason); err != nil {
		log.Printf("close work session user=%d task=%d reason=%s: %v", userID, taskID, reason, err)
	}
}

// ListFilters are the task list filters exposed to callers.
type ListFilters struct {
	Status       domain.Status
	TypeID       int64
	CapabilityID int64
	AssignedTo   int64
	TextQuery    string
	Blocked      bool
	Limit        int
	CursorID     int64
}

// ListTasks returns tasks in the project matching the filters. The
// capability filter is resolved through the injected CapabilityResolver.
func (e Engine) ListTasks(ctx context.Context, projectID int64, f ListFilters) ([]domain.Task, error) {
	filters := repo.TaskFilters{
		ProjectID:  projectID,
		Status:     f.Status,
		TypeID:     f.TypeID,
		AssignedTo: f.AssignedTo,
		TextQuery:  strings.TrimSpace(f.TextQuery),
		Blocked:    f.Blocked,
		Limit:      f.Limit,
		CursorID:   f.CursorID,
	}
	if f.CapabilityID != 0 {
		if e.Capabilities == nil {
			return nil, InvalidReferenceError{Field: "capability_id"}
		}
		typeIDs, err := e.Capabilities.TaskTypeIDs(ctx, f.CapabilityID)
		if err != nil {
			return nil, err
		}
		if len(typeIDs) == 0 {
			return []domain.Task{}, nil
		}
		filters.TypeIDs = typeIDs
	}
	return e.Repo.ListTasks(ctx, filters)
}
