package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"scrumbringer/internal/config"
	"scrumbringer/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// IsForeignKeyViolation reports whether err is a SQLite foreign key failure.
// The modernc driver only exposes the constraint message textually.
func IsForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

// --- orgs / users ---

func (r Repo) InsertOrg(ctx context.Context, name, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO orgs(name,created_at) VALUES (?,?)`, name, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetOrg(ctx context.Context, id int64) (domain.Org, error) {
	var o domain.Org
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM orgs WHERE id=?`, id).
		Scan(&o.ID, &o.Name, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) InsertUser(ctx context.Context, orgID int64, username, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO users(org_id,username,created_at) VALUES (?,?,?)`, orgID, username, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetUser(ctx context.Context, id int64) (domain.User, error) {
	var u domain.User
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,username,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.OrgID, &u.Username, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	var u domain.User
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,username,created_at FROM users WHERE username=?`, username).
		Scan(&u.ID, &u.OrgID, &u.Username, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

// EnsureUser returns the id for username, creating the user if missing.
func (r Repo) EnsureUser(ctx context.Context, orgID int64, username, now string) (int64, error) {
	u, err := r.GetUserByUsername(ctx, username)
	if err == nil {
		return u.ID, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	return r.InsertUser(ctx, orgID, username, now)
}

// --- projects ---

func (r Repo) InsertProject(ctx context.Context, p domain.Project) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO projects(org_id,name,description,created_at) VALUES (?,?,?,?)`,
		p.OrgID, p.Name, nullable(p.Description), p.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,name,COALESCE(description,'') AS description,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.OrgID, &p.Name, &p.Description, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context, orgID int64) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,name,COALESCE(description,'') AS description,created_at FROM projects WHERE org_id=? ORDER BY id ASC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,name,COALESCE(description,'') AS description,created_at FROM projects`)
	if err != nil {
		return domain.Project{}, err
	}
	defer rows.Close()
	var projects []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return domain.Project{}, err
		}
		projects = append(projects, p)
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID int64, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID int64) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

// --- task types / cards ---

func (r Repo) InsertTaskType(ctx context.Context, t domain.TaskType) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO task_types(org_id,name,created_at) VALUES (?,?,?)`,
		t.OrgID, t.Name, t.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetTaskType(ctx context.Context, id int64) (domain.TaskType, error) {
	var t domain.TaskType
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,name,created_at FROM task_types WHERE id=?`, id).
		Scan(&t.ID, &t.OrgID, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTaskTypes(ctx context.Context, orgID int64) ([]domain.TaskType, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,name,created_at FROM task_types WHERE org_id=? ORDER BY id ASC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskType
	for rows.Next() {
		var t domain.TaskType
		if err := rows.Scan(&t.ID, &t.OrgID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertCard(ctx context.Context, c domain.Card) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO cards(project_id,title,created_at) VALUES (?,?,?)`,
		c.ProjectID, c.Title, c.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetCard(ctx context.Context, id int64) (domain.Card, error) {
	var c domain.Card
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,title,created_at FROM cards WHERE id=?`, id).
		Scan(&c.ID, &c.ProjectID, &c.Title, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListCards(ctx context.Context, projectID int64) ([]domain.Card, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,title,created_at FROM cards WHERE project_id=? ORDER BY id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Card
	for rows.Next() {
		var c domain.Card
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Title, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// --- tasks ---

const taskColumns = `id,project_id,type_id,title,COALESCE(description,'') AS description,priority,status,is_ongoing,version,assigned_to,card_id,created_by,created_at,updated_at,completed_at`

type taskRow interface {
	Scan(dest ...any) error
}

func scanTask(row taskRow) (domain.Task, error) {
	var t domain.Task
	var status string
	var ongoing bool
	var assignedTo, cardID sql.NullInt64
	var completedAt sql.NullString
	err := row.Scan(&t.ID, &t.ProjectID, &t.TypeID, &t.Title, &t.Description, &t.Priority,
		&status, &ongoing, &t.Version, &assignedTo, &cardID, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Status = domain.StatusFromColumns(status, ongoing)
	if assignedTo.Valid {
		t.AssignedTo = &assignedTo.Int64
	}
	if cardID.Valid {
		t.CardID = &cardID.Int64
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

// InsertTaskTx inserts a task at version 1 and returns its id.
func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) (int64, error) {
	status, ongoing := t.Status.Columns()
	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(project_id,type_id,title,description,priority,status,is_ongoing,version,assigned_to,card_id,created_by,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ProjectID, t.TypeID, t.Title, nullable(t.Description), t.Priority, status, ongoing, t.Version,
		nullableInt64Ptr(t.AssignedTo), nullableInt64Ptr(t.CardID), t.CreatedBy, t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// TaskStateUpdate is the compare-and-set payload for one accepted transition.
// Version is the version the caller believes is current; the row only
// changes when it still matches, and the stored version increments by one.
type TaskStateUpdate struct {
	ID          int64
	Version     int
	Status      domain.Status
	AssignedTo  *int64
	UpdatedAt   string
	CompletedAt *string
}

// UpdateTaskStateTx applies the CAS. Zero rows affected means the task is
// missing or the presented version is stale; both return ErrNotFound.
func (r Repo) UpdateTaskStateTx(ctx context.Context, tx *sql.Tx, u TaskStateUpdate) error {
	status, ongoing := u.Status.Columns()
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, is_ongoing=?, assigned_to=?, version=version+1, updated_at=?, completed_at=? WHERE id=? AND version=?`,
		status, ongoing, nullableInt64Ptr(u.AssignedTo), u.UpdatedAt, nullableStringPtr(u.CompletedAt), u.ID, u.Version)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type TaskFilters struct {
	ProjectID  int64
	Status     domain.Status
	TypeID     int64
	TypeIDs    []int64
	AssignedTo int64
	TextQuery  string
	Blocked    bool
	Limit      int
	CursorID   int64
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.Status != "" {
		status, ongoing := f.Status.Columns()
		clauses = append(clauses, "status=?")
		args = append(args, status)
		if f.Status.Claimed() {
			clauses = append(clauses, "is_ongoing=?")
			args = append(args, ongoing)
		}
	}
	if f.TypeID != 0 {
		clauses = append(clauses, "type_id=?")
		args = append(args, f.TypeID)
	}
	if len(f.TypeIDs) > 0 {
		ph := make([]string, len(f.TypeIDs))
		for i, id := range f.TypeIDs {
			ph[i] = "?"
			args = append(args, id)
		}
		clauses = append(clauses, "type_id IN ("+strings.Join(ph, ",")+")")
	}
	if f.AssignedTo != 0 {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if f.TextQuery != "" {
		clauses = append(clauses, "(title LIKE ? OR COALESCE(description,'') LIKE ?)")
		pattern := "%" + f.TextQuery + "%"
		args = append(args, pattern, pattern)
	}
	if f.Blocked {
		// Claimed but idle: picked up without an active work session.
		clauses = append(clauses, "status='claimed' AND is_ongoing=0")
	}
	if f.CursorID > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.CursorID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- task events (reads; writes live in internal/events) ---

func (r Repo) ListTaskEvents(ctx context.Context, taskID int64) ([]domain.TaskEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,project_id,task_id,actor_id,kind,created_at FROM task_events WHERE task_id=? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// EventsAfter returns events with ids greater than the cursor in ascending
// order, for the webhook dispatcher and log tailing.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor, projectID int64) ([]domain.TaskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID > 0 {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := `SELECT id,org_id,project_id,task_id,actor_id,kind,created_at FROM task_events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// LatestEventID returns the most recent event id for a project, or across
// all projects when projectID is zero.
func (r Repo) LatestEventID(ctx context.Context, projectID int64) (int64, error) {
	var id int64
	if projectID == 0 {
		err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM task_events`).Scan(&id)
		return id, err
	}
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM task_events WHERE project_id=?`, projectID).Scan(&id)
	return id, err
}

func collectEvents(rows *sql.Rows) ([]domain.TaskEvent, error) {
	var res []domain.TaskEvent
	for rows.Next() {
		var e domain.TaskEvent
		if err := rows.Scan(&e.ID, &e.OrgID, &e.ProjectID, &e.TaskID, &e.ActorID, &e.Kind, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
