package profilesvc

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fleetops/migrationd/internal/store"
)

// DefaultRuleSet returns the built-in rule set loaded when
// config.ProfileConfig.RuleSetPath is empty. Out of the box: recent
// logins and an active session mark a profile Active; old, unused profiles
// fall through to Inactive; everything else is Unknown pending more signal.
func DefaultRuleSet() *RuleSet {
	return &RuleSet{
		Name:    "built-in",
		Version: "1",
		Rules: []Rule{
			{
				Name:       "active-session-or-recent-login",
				Priority:   100,
				Combinator: CombOr,
				Target:     store.ClassificationActive,
				Reason:     "active session or login within 14 days",
				Conditions: []Condition{
					{Property: "metrics.hasActiveSession", Operator: OpEq, Value: true},
					{Property: "daysSinceLogin", Operator: OpLe, Value: 14.0},
				},
			},
			{
				Name:       "stale-profile",
				Priority:   50,
				Combinator: CombAnd,
				Target:     store.ClassificationInactive,
				Reason:     "no login or activity within 90 days",
				Conditions: []Condition{
					{Property: "daysSinceLogin", Operator: OpGt, Value: 90.0},
					{Property: "daysSinceActivity", Operator: OpGt, Value: 90.0},
				},
			},
		},
		DefaultClassification: store.ClassificationUnknown,
	}
}

// LoadRuleSetFile reads and validates a RuleSet from a JSON file at path.
func LoadRuleSetFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule set file %s: %w", path, err)
	}

	var rs RuleSet
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parsing rule set file %s: %w", path, err)
	}

	if err := ValidateRuleSet(&rs); err != nil {
		return nil, fmt.Errorf("validating rule set file %s: %w", path, err)
	}

	return &rs, nil
}
