package rules

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"scrumbringer/internal/domain"
	"scrumbringer/internal/events"
	"scrumbringer/internal/repo"
)

// TriggerCompleted is the only trigger event fired by the lifecycle engine
// today; the matcher accepts any event string.
const TriggerCompleted = "completed"

// Executor derives new tasks from templates when a rule fires. It runs only
// inside the lifecycle engine's transition transaction: every receipt,
// derived task and created event commits or rolls back with the transition
// that triggered it.
type Executor struct {
	Repo    repo.Repo
	Events  events.Writer
	Matcher Matcher
	Now     func() time.Time
}

func (e Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Execute matches rules for the source task's completion and creates the
// derived tasks. Each rule fires at most once per source task: the receipt
// insert is the idempotency guard, and a rule whose receipt already exists
// is skipped entirely. Returns the ids of the tasks created.
func (e Executor) Execute(ctx context.Context, tx *sql.Tx, orgID int64, source domain.Task, actorID int64) ([]int64, error) {
	matches, err := e.Matcher.MatchTx(ctx, tx, source.ProjectID, source.TypeID, TriggerCompleted)
	if err != nil {
		return nil, fmt.Errorf("match rules: %w", err)
	}
	now := e.now().UTC().Format(time.RFC3339)
	var created []int64
	for _, m := range matches {
		fired, err := e.Repo.InsertRuleExecutionTx(ctx, tx, m.Rule.ID, source.ID, now)
		if err != nil {
			return nil, fmt.Errorf("record execution rule %d: %w", m.Rule.ID, err)
		}
		if !fired {
			continue
		}
		for _, tpl := range m.Templates {
			t := domain.Task{
				ProjectID: source.ProjectID,
				TypeID:    tpl.TypeID,
				Title:     Render(tpl.TitleTemplate, source),
				Priority:  source.Priority,
				Status:    domain.StatusAvailable,
				Version:   1,
				CardID:    source.CardID,
				CreatedBy: actorID,
				CreatedAt: now,
				UpdatedAt: now,
			}
			id, err := e.Repo.InsertTaskTx(ctx, tx, t)
			if err != nil {
				return nil, fmt.Errorf("derive task from template %d: %w", tpl.ID, err)
			}
			if err := e.Events.Append(ctx, tx, orgID, t.ProjectID, id, actorID, events.KindCreated); err != nil {
				return nil, err
			}
			created = append(created, id)
		}
	}
	return created, nil
}
