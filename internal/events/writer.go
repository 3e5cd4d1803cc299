package events

import (
	"context"
	"database/sql"
	"time"
)

// Lifecycle event kinds recorded per task.
const (
	KindCreated   = "created"
	KindClaimed   = "claimed"
	KindStarted   = "started"
	KindReleased  = "released"
	KindCompleted = "completed"
)

// Writer appends immutable task lifecycle records. Rows are only ever
// written inside the caller's transaction and never updated or deleted.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, orgID, projectID, taskID, actorID int64, kind string) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO task_events(org_id,project_id,task_id,actor_id,kind,created_at) VALUES (?,?,?,?,?,?)`,
		orgID, projectID, taskID, actorID, kind, ts)
	return err
}
