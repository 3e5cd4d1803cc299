package rules

import (
	"context"
	"database/sql"

	"scrumbringer/internal/domain"
	"scrumbringer/internal/repo"
)

// Match pairs a rule with the templates attached to it.
type Match struct {
	Rule      domain.Rule
	Templates []domain.RuleTemplate
}

// Matcher resolves which active rules apply to a trigger event on a task of
// a given type, scoped to the project's workflows only.
type Matcher struct {
	Repo repo.Repo
}

// MatchTx returns the applicable rules with their templates, ordered by
// ascending rule id. Rules from other projects' workflows never match, even
// when type ids coincide.
func (m Matcher) MatchTx(ctx context.Context, tx *sql.Tx, projectID, sourceTypeID int64, triggerEvent string) ([]Match, error) {
	matched, err := m.Repo.MatchRulesTx(ctx, tx, projectID, sourceTypeID, triggerEvent)
	if err != nil {
		return nil, err
	}
	res := make([]Match, 0, len(matched))
	for _, rl := range matched {
		templates, err := m.Repo.TemplatesForRuleTx(ctx, tx, rl.ID)
		if err != nil {
			return nil, err
		}
		res = append(res, Match{Rule: rl, Templates: templates})
	}
	return res, nil
}
