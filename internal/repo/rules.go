package repo

import (
	"context"
	"database/sql"

	"scrumbringer/internal/domain"
)

// --- workflows ---

func (r Repo) InsertWorkflow(ctx context.Context, w domain.Workflow) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO workflows(project_id,name,created_at) VALUES (?,?,?)`,
		w.ProjectID, w.Name, w.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetWorkflow(ctx context.Context, id int64) (domain.Workflow, error) {
	var w domain.Workflow
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,name,created_at FROM workflows WHERE id=?`, id).
		Scan(&w.ID, &w.ProjectID, &w.Name, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) ListWorkflows(ctx context.Context, projectID int64) ([]domain.Workflow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name,created_at FROM workflows WHERE project_id=? ORDER BY id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		var w domain.Workflow
		if err := rows.Scan(&w.ID, &w.ProjectID, &w.Name, &w.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// --- rules ---

func (r Repo) InsertRule(ctx context.Context, rl domain.Rule) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO rules(workflow_id,source_type_id,trigger_event,active,created_at) VALUES (?,?,?,?,?)`,
		rl.WorkflowID, nullableInt64Ptr(rl.SourceTypeID), rl.TriggerEvent, rl.Active, rl.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanRule(row taskRow) (domain.Rule, error) {
	var rl domain.Rule
	var sourceType sql.NullInt64
	err := row.Scan(&rl.ID, &rl.WorkflowID, &sourceType, &rl.TriggerEvent, &rl.Active, &rl.CreatedAt)
	if err == sql.ErrNoRows {
		return rl, ErrNotFound
	}
	if err != nil {
		return rl, err
	}
	if sourceType.Valid {
		rl.SourceTypeID = &sourceType.Int64
	}
	return rl, nil
}

func (r Repo) GetRule(ctx context.Context, id int64) (domain.Rule, error) {
	return scanRule(r.DB.QueryRowContext(ctx, `SELECT id,workflow_id,source_type_id,trigger_event,active,created_at FROM rules WHERE id=?`, id))
}

func (r Repo) ListRules(ctx context.Context, workflowID int64) ([]domain.Rule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,workflow_id,source_type_id,trigger_event,active,created_at FROM rules WHERE workflow_id=? ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Rule
	for rows.Next() {
		rl, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rl)
	}
	return res, rows.Err()
}

func (r Repo) SetRuleActive(ctx context.Context, id int64, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE rules SET active=? WHERE id=?`, active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MatchRulesTx returns the active rules in the project's workflows matching
// the trigger event whose source type filter is unset or equal to typeID.
// Ordered by rule id for deterministic execution.
func (r Repo) MatchRulesTx(ctx context.Context, tx *sql.Tx, projectID, typeID int64, triggerEvent string) ([]domain.Rule, error) {
	rows, err := tx.QueryContext(ctx, `SELECT r.id,r.workflow_id,r.source_type_id,r.trigger_event,r.active,r.created_at
FROM rules r
JOIN workflows w ON w.id = r.workflow_id
WHERE w.project_id=? AND r.active=1 AND r.trigger_event=? AND (r.source_type_id IS NULL OR r.source_type_id=?)
ORDER BY r.id ASC`, projectID, triggerEvent, typeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Rule
	for rows.Next() {
		rl, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rl)
	}
	return res, rows.Err()
}

// --- templates ---

func (r Repo) InsertTemplate(ctx context.Context, t domain.RuleTemplate) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO rule_templates(title_template,type_id,created_at) VALUES (?,?,?)`,
		t.TitleTemplate, t.TypeID, t.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetTemplate(ctx context.Context, id int64) (domain.RuleTemplate, error) {
	var t domain.RuleTemplate
	err := r.DB.QueryRowContext(ctx, `SELECT id,title_template,type_id,created_at FROM rule_templates WHERE id=?`, id).
		Scan(&t.ID, &t.TitleTemplate, &t.TypeID, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// AttachTemplate links a template to a rule; re-attaching is a no-op.
func (r Repo) AttachTemplate(ctx context.Context, ruleID, templateID int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO rule_template_rules(rule_id,template_id) VALUES (?,?)`, ruleID, templateID)
	return err
}

func (r Repo) TemplatesForRuleTx(ctx context.Context, tx *sql.Tx, ruleID int64) ([]domain.RuleTemplate, error) {
	rows, err := tx.QueryContext(ctx, `SELECT t.id,t.title_template,t.type_id,t.created_at
FROM rule_templates t
JOIN rule_template_rules rt ON rt.template_id = t.id
WHERE rt.rule_id=?
ORDER BY t.id ASC`, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RuleTemplate
	for rows.Next() {
		var t domain.RuleTemplate
		if err := rows.Scan(&t.ID, &t.TitleTemplate, &t.TypeID, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- executions ---

// InsertRuleExecutionTx records the idempotency receipt for one rule firing.
// Returns false when a receipt for the pair already exists.
func (r Repo) InsertRuleExecutionTx(ctx context.Context, tx *sql.Tx, ruleID, sourceTaskID int64, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO rule_executions(rule_id,source_task_id,executed_at) VALUES (?,?,?)`,
		ruleID, sourceTaskID, now)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r Repo) ListRuleExecutions(ctx context.Context, sourceTaskID int64) ([]domain.RuleExecution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT rule_id,source_task_id,executed_at FROM rule_executions WHERE source_task_id=? ORDER BY rule_id ASC`, sourceTaskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RuleExecution
	for rows.Next() {
		var e domain.RuleExecution
		if err := rows.Scan(&e.RuleID, &e.SourceTaskID, &e.ExecutedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
