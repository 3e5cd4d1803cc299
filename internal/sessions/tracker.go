package sessions

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"scrumbringer/internal/domain"
)

// Tracker opens a work session when a task enters the actively-worked
// sub-state and closes it when that sub-state ends. The partial unique
// index on (user_id, task_id) keeps at most one session open per pair.
type Tracker struct {
	DB  *sql.DB
	Now func() time.Time
}

func (t Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// OpenTx opens a session for the user/task pair. Opening while a session is
// already open violates the unique index and surfaces as an error; callers
// transition through the state machine, which makes that unreachable.
func (t Tracker) OpenTx(ctx context.Context, tx *sql.Tx, userID, taskID int64) (domain.WorkSession, error) {
	s := domain.WorkSession{
		ID:       uuid.New().String(),
		UserID:   userID,
		TaskID:   taskID,
		OpenedAt: t.now().UTC().Format(time.RFC3339),
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO work_sessions(id,user_id,task_id,opened_at) VALUES (?,?,?,?)`,
		s.ID, s.UserID, s.TaskID, s.OpenedAt)
	if err != nil {
		return domain.WorkSession{}, err
	}
	return s, nil
}

// CloseTx closes the open session for the pair with the given reason.
// Returns true when a session was actually closed; closing an already-closed
// or nonexistent session is a no-op, not an error.
func (t Tracker) CloseTx(ctx context.Context, tx *sql.Tx, userID, taskID int64, reason string) (bool, error) {
	closedAt := t.now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE work_sessions SET closed_at=?, close_reason=? WHERE user_id=? AND task_id=? AND closed_at IS NULL`,
		closedAt, reason, userID, taskID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Open reports the open session for the pair, if any.
func (t Tracker) Open(ctx context.Context, userID, taskID int64) (domain.WorkSession, bool, error) {
	var s domain.WorkSession
	err := t.DB.QueryRowContext(ctx, `SELECT id,user_id,task_id,opened_at FROM work_sessions WHERE user_id=? AND task_id=? AND closed_at IS NULL`,
		userID, taskID).Scan(&s.ID, &s.UserID, &s.TaskID, &s.OpenedAt)
	if err == sql.ErrNoRows {
		return domain.WorkSession{}, false, nil
	}
	if err != nil {
		return domain.WorkSession{}, false, err
	}
	return s, true, nil
}

// ListForUser returns the user's sessions, newest first.
func (t Tracker) ListForUser(ctx context.Context, userID int64) ([]domain.WorkSession, error) {
	rows, err := t.DB.QueryContext(ctx, `SELECT id,user_id,task_id,opened_at,closed_at,close_reason FROM work_sessions WHERE user_id=? ORDER BY opened_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkSession
	for rows.Next() {
		var s domain.WorkSession
		var closedAt, reason sql.NullString
		if err := rows.Scan(&s.ID, &s.UserID, &s.TaskID, &s.OpenedAt, &closedAt, &reason); err != nil {
			return nil, err
		}
		if closedAt.Valid {
			s.ClosedAt = &closedAt.String
		}
		if reason.Valid {
			s.CloseReason = &reason.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
