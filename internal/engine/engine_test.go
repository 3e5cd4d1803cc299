package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"scrumbringer/internal/config"
	"scrumbringer/internal/db"
	"scrumbringer/internal/domain"
	"scrumbringer/internal/engine"
	"scrumbringer/internal/migrate"
	"scrumbringer/internal/rules"
)

type testEnv struct {
	Engine  engine.Engine
	Ctx     context.Context
	Org     domain.Org
	Project domain.Project
	Alice   int64
	Bob     int64
	BugType int64
	RevType int64
}

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
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	org, p, err := eng.InitOrg(ctx, "Test Org", "test")
	if err != nil {
		t.Fatalf("init org: %v", err)
	}
	now := "2024-01-01T00:00:00Z"
	alice, err := eng.Repo.EnsureUser(ctx, org.ID, "alice", now)
	if err != nil {
		t.Fatalf("ensure alice: %v", err)
	}
	bob, err := eng.Repo.EnsureUser(ctx, org.ID, "bob", now)
	if err != nil {
		t.Fatalf("ensure bob: %v", err)
	}
	bug, err := eng.Repo.InsertTaskType(ctx, domain.TaskType{OrgID: org.ID, Name: "bug", CreatedAt: now})
	if err != nil {
		t.Fatalf("insert bug type: %v", err)
	}
	rev, err := eng.Repo.InsertTaskType(ctx, domain.TaskType{OrgID: org.ID, Name: "review", CreatedAt: now})
	if err != nil {
		t.Fatalf("insert review type: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Org: org, Project: p, Alice: alice, Bob: bob, BugType: bug, RevType: rev}
}

func (env testEnv) createTask(t *testing.T, title string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.Project.ID,
		TypeID:    env.BugType,
		Title:     title,
		CreatedBy: env.Alice,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

// addRule wires workflow -> rule -> template for the completed trigger.
func (env testEnv) addRule(t *testing.T, sourceType *int64, active bool, templates ...string) int64 {
	t.Helper()
	now := "2024-01-01T00:00:00Z"
	wfID, err := env.Engine.Repo.InsertWorkflow(env.Ctx, domain.Workflow{ProjectID: env.Project.ID, Name: "wf", CreatedAt: now})
	if err != nil {
		t.Fatalf("insert workflow: %v", err)
	}
	ruleID, err := env.Engine.Repo.InsertRule(env.Ctx, domain.Rule{
		WorkflowID:   wfID,
		SourceTypeID: sourceType,
		TriggerEvent: rules.TriggerCompleted,
		Active:       active,
		CreatedAt:    now,
	})
	if err != nil {
		t.Fatalf("insert rule: %v", err)
	}
	for _, title := range templates {
		tplID, err := env.Engine.Repo.InsertTemplate(env.Ctx, domain.RuleTemplate{TitleTemplate: title, TypeID: env.RevType, CreatedAt: now})
		if err != nil {
			t.Fatalf("insert template: %v", err)
		}
		if err := env.Engine.Repo.AttachTemplate(env.Ctx, ruleID, tplID); err != nil {
			t.Fatalf("attach template: %v", err)
		}
	}
	return ruleID
}

func TestClaimStartCompleteFlow(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "Fix crash")
	if task.Status != domain.StatusAvailable || task.Version != 1 {
		t.Fatalf("new task: status=%s version=%d", task.Status, task.Version)
	}
	if task.Priority != 3 {
		t.Fatalf("default priority: got %d", task.Priority)
	}

	task, err := env.Engine.ClaimTask(env.Ctx, task.ID, env.Alice, 1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task.Status != domain.StatusClaimed || task.Version != 2 {
		t.Fatalf("after claim: status=%s version=%d", task.Status, task.Version)
	}
	if task.AssignedTo == nil || *task.AssignedTo != env.Alice {
		t.Fatalf("after claim: assigned_to=%v", task.AssignedTo)
	}

	task, err = env.Engine.StartWork(env.Ctx, task.ID, env.Alice, 2)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if task.Status != domain.StatusOngoing || task.Version != 3 {
		t.Fatalf("after start: status=%s version=%d", task.Status, task.Version)
	}

	task, err = env.Engine.CompleteTask(env.Ctx, task.ID, env.Alice, 3)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if task.Status != domain.StatusCompleted || task.Version != 4 {
		t.Fatalf("after complete: status=%s version=%d", task.Status, task.Version)
	}
	if task.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}

	events, err := env.Engine.Repo.ListTaskEvents(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	kinds := make([]string, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	want := []string{"created", "claimed", "started", "completed"}
	if len(kinds) != len(want) {
		t.Fatalf("events: got %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events: got %v, want %v", kinds, want)
		}
	}
}

func TestStaleVersionRejected(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "Race me")
	if _, err := env.Engine.ClaimTask(env.Ctx, task.ID, env.Alice, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Release with the pre-claim version: the state check passes but the
	// compare-and-set must lose.
	_, err := env.Engine.ReleaseTask(env.Ctx, task.ID, env.Alice, 1)
	if !errors.Is(err, engine.ErrNotFoundOrConflict) {
		t.Fatalf("stale release: got %v, want ErrNotFoundOrConflict", err)
	}
	// Current version still works.
	if _, err := env.Engine.ReleaseTask(env.Ctx, task.ID, env.Alice, 2); err != nil {
		t.Fatalf("fresh release: %v", err)
	}
}

func TestMissingTaskIndistinguishableFromConflict(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ClaimTask(env.Ctx, 9999, env.Alice, 1)
	if !errors.Is(err, engine.ErrNotFoundOrConflict) {
		t.Fatalf("claim missing: got %v, want ErrNotFoundOrConflict", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "Guarded")

	// Start without claiming.
	var te engine.InvalidTransitionError
	_, err := env.Engine.StartWork(env.Ctx, task.ID, env.Alice, 1)
	if !errors.As(err, &te) || te.Op != "start" {
		t.Fatalf("start unclaimed: got %v", err)
	}

	// Claim an already claimed task.
	if _, err := env.Engine.ClaimTask(env.Ctx, task.ID, env.Alice, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, err = env.Engine.ClaimTask(env.Ctx, task.ID, env.Bob, 2)
	if !errors.As(err, &te) || te.Op != "claim" {
		t.Fatalf("claim claimed: got %v", err)
	}

	// Complete by someone other than the claimant.
	_, err = env.Engine.CompleteTask(env.Ctx, task.ID, env.Bob, 2)
	if !errors.As(err, &te) || te.Op != "complete" {
		t.Fatalf("complete by non-claimant: got %v", err)
	}

	// Complete twice.
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, env.Alice, 2); err != nil {
		t.Fatalf("complete: %v", err)
	}
	_, err = env.Engine.CompleteTask(env.Ctx, task.ID, env.Alice, 3)
	if !errors.As(err, &te) {
		t.Fatalf("complete completed: got %v", err)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: env.Project.ID, TypeID: env.BugType, CreatedBy: env.Alice})
	if err == nil {
		t.Fatalf("expected error for empty title")
	}
	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: env.Project.ID, TypeID: env.BugType, Title: "p9", Priority: 9, CreatedBy: env.Alice})
	if err == nil {
		t.Fatalf("expected error for out-of-range priority")
	}
	var re engine.InvalidReferenceError
	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: env.Project.ID, TypeID: 777, Title: "bad type", CreatedBy: env.Alice})
	if !errors.As(err, &re) {
		t.Fatalf("bad type: got %v, want InvalidReferenceError", err)
	}
	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: 777, TypeID: env.BugType, Title: "bad project", CreatedBy: env.Alice})
	if !errors.As(err, &re) || re.Field != "project_id" {
		t.Fatalf("bad project: got %v", err)
	}
}

func TestRuleFanout(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, &env.BugType, true, "Review: {{father}}", "Verify fix for {{father}}")

	task := env.createTask(t, "Fix crash")
	if _, err := env.Engine.ClaimTask(env.Ctx, task.ID, env.Alice, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, env.Alice, 2); err != nil {
		t.Fatalf("complete: %v", err)
	}

	derived, err := env.Engine.ListTasks(env.Ctx, env.Project.ID, engine.ListFilters{Status: domain.StatusAvailable})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(derived) != 2 {
		t.Fatalf("derived tasks: got %d, want 2", len(derived))
	}
	for _, d := range derived {
		if d.TypeID != env.RevType {
			t.Fatalf("derived type: got %d, want %d", d.TypeID, env.RevType)
		}
		if d.Version != 1 || d.Status != domain.StatusAvailable {
			t.Fatalf("derived state: status=%s version=%d", d.Status, d.Version)
		}
		if !strings.Contains(d.Title, "[Task #") || !strings.Contains(d.Title, "Fix crash") {
			t.Fatalf("derived title: %q", d.Title)
		}
		if d.Priority != task.Priority {
			t.Fatalf("derived priority: got %d, want %d", d.Priority, task.Priority)
		}
		if d.CardID != nil {
			t.Fatalf("derived card: got %v, want nil", d.CardID)
		}
		if d.CreatedBy != env.Alice {
			t.Fatalf("derived creator: got %d, want %d", d.CreatedBy, env.Alice)
		}
	}

	executions, err := env.Engine.Repo.ListRuleExecutions(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(executions) != 1 {
		t.Fatalf("executions: got %d, want 1", len(executions))
	}
}

func TestRuleFiresOncePerTask(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, nil, true, "Follow up on {{father}}")
	task := env.createTask(t, "Source")
	if _, err := env.Engine.ClaimTask(env.Ctx, task.ID, env.Alice, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, env.Alice, 2); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Re-running the executor against the same source must be a no-op.
	source, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	created, err := env.Engine.Rules.Execute(env.Ctx, tx, env.Org.ID, source, env.Alice)
	if err != nil {
		t.Fatalf("re-execute: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(created) != 0 {
		t.Fatalf("re-execute created %d tasks, want 0", len(created))
	}
	derived, err := env.Engine.ListTasks(env.Ctx, env.Project.ID, engine.ListFilters{Status: domain.StatusAvailable})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(derived) != 1 {
		t.Fatalf("derived tasks: got %d, want 1", len(derived))
	}
}

func TestAutomationFailureRollsBackCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, nil, true, "Follow up on {{father}}")
	task := env.createTask(t, "Doomed")
	if _, err := env.Engine.ClaimTask(env.Ctx, task.ID, env.Alice, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Point the template at a type that does not exist. Foreign keys have
	// to be off for this connection so the corruption itself sticks.
	conn, err := env.Engine.DB.Conn(env.Ctx)
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	if _, err := conn.ExecContext(env.Ctx, `PRAGMA foreign_keys=OFF`); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if _, err := conn.ExecContext(env.Ctx, `UPDATE rule_templates SET type_id=9999`); err != nil {
		t.Fatalf("corrupt template: %v", err)
	}
	if _, err := conn.ExecContext(env.Ctx, `PRAGMA foreign_keys=ON`); err != nil {
		t.Fatalf("pragma restore: %v", err)
	}
	conn.Close()

	var re engine.InvalidReferenceError
	_, err = env.Engine.CompleteTask(env.Ctx, task.ID, env.Alice, 2)
	if !errors.As(err, &re) {
		t.Fatalf("complete with broken template: got %v, want InvalidReferenceError", err)
	}

	// The whole completion rolled back: status and version untouched, no
	// completion event, no receipt, no derived tasks.
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusClaimed || got.Version != 2 || got.CompletedAt != nil {
		t.Fatalf("after rollback: status=%s version=%d completed_at=%v", got.Status, got.Version, got.CompletedAt)
	}
	events, err := env.Engine.Repo.ListTaskEvents(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	for _, evt := range events {
		if evt.Kind == "completed" {
			t.Fatalf("completion event survived the rollback")
		}
	}
	executions, err := env.Engine.Repo.ListRuleExecutions(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(executions) != 0 {
		t.Fatalf("executions: got %d, want 0", len(executions))
	}
	derived, err := env.Engine.ListTasks(env.Ctx, env.Project.ID, engine.ListFilters{Status: domain.StatusAvailable})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(derived) != 0 {
		t.Fatalf("derived tasks: got %d, want 0", len(derived))
	}
}

func TestInactiveRuleNeverFires(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, nil, false, "Should not exist")
	task := env.createTask(t, "Quiet")
	if _, err := env.Engine.ClaimTask(env.Ctx, task.ID, env.Alice, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, env.Alice, 2); err != nil {
		t.Fatalf("complete: %v", err)
	}
	derived, err := env.Engine.ListTasks(env.Ctx, env.Project.ID, engine.ListFilters{Status: domain.StatusAvailable})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(derived) != 0 {
		t.Fatalf("derived tasks: got %d, want 0", len(derived))
	}
	executions, err := env.Engine.Repo.ListRuleExecutions(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(executions) != 0 {
		t.Fatalf("executions: got %d, want 0", len(executions))
	}
}

func TestRuleTypeFilter(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, &env.RevType, true, "Only for reviews")
	task := env.createTask(t, "A bug")
	if _, err := env.Engine.ClaimTask(env.Ctx, task.ID, env.Alice, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, env.Alice, 2); err != nil {
		t.Fatalf("complete: %v", err)
	}
	derived, err := env.Engine.ListTasks(env.Ctx, env.Project.ID, engine.ListFilters{Status: domain.StatusAvailable})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(derived) != 0 {
		t.Fatalf("type-filtered rule fired for wrong type: %d tasks", len(derived))
	}
}

func TestRulesScopedToProject(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, nil, true, "Scoped follow-up")

	otherID, err := env.Engine.Repo.InsertProject(env.Ctx, domain.Project{OrgID: env.Org.ID, Name: "other", CreatedAt: "2024-01-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("insert project: %v", err)
	}
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: otherID,
		TypeID:    env.BugType,
		Title:     "Elsewhere",
		CreatedBy: env.Alice,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.ClaimTask(env.Ctx, task.ID, env.Alice, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, env.Alice, 2); err != nil {
		t.Fatalf("complete: %v", err)
	}
	derived, err := env.Engine.ListTasks(env.Ctx, otherID, engine.ListFilters{Status: domain.StatusAvailable})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(derived) != 0 {
		t.Fatalf("rule from another project fired: %d tasks", len(derived))
	}
}

func TestDerivedTaskInheritsCard(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, nil, true, "Card follow-up")
	cardID, err := env.Engine.Repo.InsertCard(env.Ctx, domain.Card{ProjectID: env.Project.ID, Title: "Epic", CreatedAt: "2024-01-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("insert card: %v", err)
	}
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.Project.ID,
		TypeID:    env.BugType,
		Title:     "Carded",
		CardID:    &cardID,
		CreatedBy: env.Alice,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.ClaimTask(env.Ctx, task.ID, env.Alice, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, env.Alice, 2); err != nil {
		t.Fatalf("complete: %v", err)
	}
	derived, err := env.Engine.ListTasks(env.Ctx, env.Project.ID, engine.ListFilters{Status: domain.StatusAvailable})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(derived) != 1 {
		t.Fatalf("derived tasks: got %d, want 1", len(derived))
	}
	if derived[0].CardID == nil || *derived[0].CardID != cardID {
		t.Fatalf("derived card: got %v, want %d", derived[0].CardID, cardID)
	}
}

func TestWorkSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "Tracked")
	if _, err := env.Engine.ClaimTask(env.Ctx, task.ID, env.Alice, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.StartWork(env.Ctx, task.ID, env.Alice, 2); err != nil {
		t.Fatalf("start: %v", err)
	}
	sessions, err := env.Engine.Sessions.ListForUser(env.Ctx, env.Alice)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ClosedAt != nil {
		t.Fatalf("open session: got %+v", sessions)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, env.Alice, 3); err != nil {
		t.Fatalf("complete: %v", err)
	}
	sessions, err = env.Engine.Sessions.ListForUser(env.Ctx, env.Alice)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ClosedAt == nil {
		t.Fatalf("closed session: got %+v", sessions)
	}
	if sessions[0].CloseReason == nil || *sessions[0].CloseReason != domain.CloseReasonCompleted {
		t.Fatalf("close reason: got %v", sessions[0].CloseReason)
	}
}

func TestReleaseClosesSession(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "Abandoned")
	if _, err := env.Engine.ClaimTask(env.Ctx, task.ID, env.Alice, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.StartWork(env.Ctx, task.ID, env.Alice, 2); err != nil {
		t.Fatalf("start: %v", err)
	}
	released, err := env.Engine.ReleaseTask(env.Ctx, task.ID, env.Alice, 3)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != domain.StatusAvailable || released.AssignedTo != nil {
		t.Fatalf("after release: status=%s assigned=%v", released.Status, released.AssignedTo)
	}
	sessions, err := env.Engine.Sessions.ListForUser(env.Ctx, env.Alice)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].CloseReason == nil || *sessions[0].CloseReason != domain.CloseReasonReleased {
		t.Fatalf("close reason: got %+v", sessions)
	}
	// The task can be claimed again by someone else.
	if _, err := env.Engine.ClaimTask(env.Ctx, task.ID, env.Bob, released.Version); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
}

func TestListFilters(t *testing.T) {
	env := newTestEnv(t)
	idle := env.createTask(t, "Idle claimed")
	active := env.createTask(t, "Active claimed")
	env.createTask(t, "Free")

	if _, err := env.Engine.ClaimTask(env.Ctx, idle.ID, env.Alice, 1); err != nil {
		t.Fatalf("claim idle: %v", err)
	}
	if _, err := env.Engine.ClaimTask(env.Ctx, active.ID, env.Bob, 1); err != nil {
		t.Fatalf("claim active: %v", err)
	}
	if _, err := env.Engine.StartWork(env.Ctx, active.ID, env.Bob, 2); err != nil {
		t.Fatalf("start active: %v", err)
	}

	blocked, err := env.Engine.ListTasks(env.Ctx, env.Project.ID, engine.ListFilters{Blocked: true})
	if err != nil {
		t.Fatalf("list blocked: %v", err)
	}
	if len(blocked) != 1 || blocked[0].ID != idle.ID {
		t.Fatalf("blocked filter: got %+v", blocked)
	}

	ongoing, err := env.Engine.ListTasks(env.Ctx, env.Project.ID, engine.ListFilters{Status: domain.StatusOngoing})
	if err != nil {
		t.Fatalf("list ongoing: %v", err)
	}
	if len(ongoing) != 1 || ongoing[0].ID != active.ID {
		t.Fatalf("ongoing filter: got %+v", ongoing)
	}

	mine, err := env.Engine.ListTasks(env.Ctx, env.Project.ID, engine.ListFilters{AssignedTo: env.Alice})
	if err != nil {
		t.Fatalf("list mine: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != idle.ID {
		t.Fatalf("assignee filter: got %+v", mine)
	}

	found, err := env.Engine.ListTasks(env.Ctx, env.Project.ID, engine.ListFilters{TextQuery: "Free"})
	if err != nil {
		t.Fatalf("list text: %v", err)
	}
	if len(found) != 1 || found[0].Title != "Free" {
		t.Fatalf("text filter: got %+v", found)
	}
}

type staticResolver struct {
	typeIDs []int64
}

func (s staticResolver) TaskTypeIDs(ctx context.Context, capabilityID int64) ([]int64, error) {
	return s.typeIDs, nil
}

func TestCapabilityFilter(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "A bug")

	// No resolver wired: the capability filter cannot be honored.
	var re engine.InvalidReferenceError
	_, err := env.Engine.ListTasks(env.Ctx, env.Project.ID, engine.ListFilters{CapabilityID: 1})
	if !errors.As(err, &re) || re.Field != "capability_id" {
		t.Fatalf("no resolver: got %v", err)
	}

	env.Engine.Capabilities = staticResolver{typeIDs: []int64{env.BugType}}
	tasks, err := env.Engine.ListTasks(env.Ctx, env.Project.ID, engine.ListFilters{CapabilityID: 1})
	if err != nil {
		t.Fatalf("with resolver: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("capability filter: got %d tasks, want 1", len(tasks))
	}

	env.Engine.Capabilities = staticResolver{}
	tasks, err = env.Engine.ListTasks(env.Ctx, env.Project.ID, engine.ListFilters{CapabilityID: 1})
	if err != nil {
		t.Fatalf("empty capability: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("empty capability: got %d tasks, want 0", len(tasks))
	}
}
