package profilesvc

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fleetops/migrationd/internal/capability"
	"github.com/fleetops/migrationd/internal/coreerr"
	"github.com/fleetops/migrationd/internal/store"
)

// Operator enumerates the comparison operators a Condition may use.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpGt         Operator = "gt"
	OpGe         Operator = "ge"
	OpLt         Operator = "lt"
	OpLe         Operator = "le"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startsWith"
	OpEndsWith   Operator = "endsWith"
	OpIsNull     Operator = "isNull"
	OpIsNotNull  Operator = "isNotNull"
)

// Combinator enumerates how a Rule combines its Conditions.
type Combinator string

const (
	CombAnd      Combinator = "AND"
	CombOr       Combinator = "OR"
	CombNot      Combinator = "NOT"
	CombWeighted Combinator = "Weighted"
)

// Condition compares one dotted property path against a literal value.
type Condition struct {
	Property string   `json:"property"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
	Weight   float64  `json:"weight,omitempty"`
}

// Rule is one entry of a RuleSet: an ordered set of Conditions combined by
// Combinator, a target Classification, and matching flags.
type Rule struct {
	Name              string                  `json:"name"`
	Priority          int                     `json:"priority"`
	Combinator        Combinator              `json:"combinator"`
	Conditions        []Condition             `json:"conditions"`
	Target            store.Classification    `json:"target"`
	Reason            string                  `json:"reason,omitempty"`
	ContinueOnMatch   bool                    `json:"continueOnMatch,omitempty"`
	WeightedThreshold float64                 `json:"weightedThreshold,omitempty"`
}

// RuleSet is an ordered (by descending priority) collection of Rules plus a
// fallback classification used when nothing matches.
type RuleSet struct {
	Name                string `json:"name"`
	Version             string `json:"version"`
	Rules               []Rule `json:"rules"`
	DefaultClassification store.Classification `json:"defaultClassification"`
}

// subject bundles everything a property extractor may consult.
type subject struct {
	profile *store.UserProfile
	metrics capability.ActivitySnapshot
	now     time.Time
}

// extractor resolves one dotted property path to a comparable value.
type extractor func(s subject) (any, bool)

// propertyTable is the fixed, enumerated set of dotted paths the rule
// engine understands. Unknown paths fail rule-set validation, never
// evaluation.
var propertyTable = map[string]extractor{
	"profile.profileType":      func(s subject) (any, bool) { return string(s.profile.ProfileType), true },
	"profile.profileSizeBytes": func(s subject) (any, bool) { return float64(s.profile.ProfileSizeBytes), true },
	"profile.profilePath":      func(s subject) (any, bool) { return s.profile.ProfilePath, true },
	"profile.isActive":         func(s subject) (any, bool) { return s.profile.IsActive, true },
	"metrics.activeProcessCount": func(s subject) (any, bool) { return float64(s.metrics.ActiveProcessCount), true },
	"metrics.isLoaded":           func(s subject) (any, bool) { return s.metrics.IsLoaded, true },
	"metrics.hasActiveSession":   func(s subject) (any, bool) { return s.metrics.HasActiveSession, true },
	"metrics.isAccessible":       func(s subject) (any, bool) { return s.metrics.IsAccessible, true },
	"metrics.errorCount":         func(s subject) (any, bool) { return float64(len(s.metrics.Errors)), true },
	"daysSinceLogin":    func(s subject) (any, bool) { return daysSince(s.now, s.metrics.LastLogin), true },
	"daysSinceActivity": func(s subject) (any, bool) { return daysSince(s.now, s.metrics.LastActivity), true },
	"profileSizeMB":     func(s subject) (any, bool) { return float64(s.profile.ProfileSizeBytes) / (1024 * 1024), true },
}

// daysSince returns the number of whole days between t and a zero
// time.Time (never logged in) or now and t otherwise.
func daysSince(now, t time.Time) float64 {
	if t.IsZero() {
		return 365 * 10 // never observed: treat as long-dormant
	}

	return now.Sub(t).Hours() / 24
}

// ValidateRuleSet rejects a rule set referencing an unknown property path.
// Validation happens at load time, not mid-evaluation.
func ValidateRuleSet(rs *RuleSet) error {
	if !store.ValidClassification(rs.DefaultClassification) {
		return coreerr.New(coreerr.KindPolicy, "INVALID_DEFAULT_CLASSIFICATION",
			"rule set "+rs.Name+" has unknown default classification "+string(rs.DefaultClassification))
	}

	for _, r := range rs.Rules {
		if !store.ValidClassification(r.Target) {
			return coreerr.New(coreerr.KindPolicy, "INVALID_RULE_TARGET",
				"rule "+r.Name+" targets unknown classification "+string(r.Target))
		}

		for _, c := range r.Conditions {
			if _, ok := propertyTable[c.Property]; !ok {
				return coreerr.New(coreerr.KindPolicy, "UNKNOWN_PROPERTY",
					fmt.Sprintf("rule %s references unknown property %q", r.Name, c.Property))
			}
		}

		if r.Combinator == CombWeighted && r.WeightedThreshold <= 0 {
			return coreerr.New(coreerr.KindPolicy, "INVALID_WEIGHTED_THRESHOLD",
				"rule "+r.Name+" uses Weighted combinator with non-positive threshold")
		}
	}

	return nil
}

// evalResult is what evaluating one Rule produces.
type evalResult struct {
	matched bool
	score   float64 // weighted_score / total_weight, only meaningful for Weighted
}

func evalCondition(s subject, c Condition) bool {
	actual, ok := propertyTable[c.Property](s)

	switch c.Operator {
	case OpIsNull:
		return !ok || actual == nil
	case OpIsNotNull:
		return ok && actual != nil
	}

	if !ok {
		return false
	}

	return compare(actual, c.Operator, c.Value)
}

func compare(actual any, op Operator, want any) bool {
	switch a := actual.(type) {
	case string:
		w, _ := want.(string)
		return compareString(a, op, w)
	case bool:
		w, _ := want.(bool)
		if op == OpEq {
			return a == w
		}
		if op == OpNe {
			return a != w
		}
		return false
	case float64:
		w := asFloat(want)
		return compareFloat(a, op, w)
	default:
		return false
	}
}

func compareString(a string, op Operator, w string) bool {
	switch op {
	case OpEq:
		return a == w
	case OpNe:
		return a != w
	case OpContains:
		return strings.Contains(a, w)
	case OpStartsWith:
		return strings.HasPrefix(a, w)
	case OpEndsWith:
		return strings.HasSuffix(a, w)
	default:
		return false
	}
}

func compareFloat(a float64, op Operator, w float64) bool {
	switch op {
	case OpEq:
		return a == w
	case OpNe:
		return a != w
	case OpGt:
		return a > w
	case OpGe:
		return a >= w
	case OpLt:
		return a < w
	case OpLe:
		return a <= w
	default:
		return false
	}
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func evalRule(s subject, r Rule) evalResult {
	switch r.Combinator {
	case CombAnd:
		for _, c := range r.Conditions {
			if !evalCondition(s, c) {
				return evalResult{matched: false}
			}
		}

		return evalResult{matched: len(r.Conditions) > 0}
	case CombOr:
		for _, c := range r.Conditions {
			if evalCondition(s, c) {
				return evalResult{matched: true}
			}
		}

		return evalResult{matched: false}
	case CombNot:
		for _, c := range r.Conditions {
			if evalCondition(s, c) {
				return evalResult{matched: false}
			}
		}

		return evalResult{matched: true}
	case CombWeighted:
		var total, scored float64

		for _, c := range r.Conditions {
			w := c.Weight
			if w == 0 {
				w = 1
			}

			total += w

			if evalCondition(s, c) {
				scored += w
			}
		}

		if total == 0 {
			return evalResult{matched: false}
		}

		ratio := scored / total

		return evalResult{matched: ratio >= r.WeightedThreshold, score: ratio}
	default:
		return evalResult{matched: false}
	}
}

// Evaluate walks rs.Rules in descending-priority order (the caller sorts
// once at load time — see sortedRules) and returns the target
// classification, reason, and confidence of the first rule that matches
// without ContinueOnMatch set. If nothing matches, rs.DefaultClassification
// is returned with a fixed low confidence.
func Evaluate(rs *RuleSet, profile *store.UserProfile, metrics capability.ActivitySnapshot, now time.Time) (store.Classification, string, float64) {
	s := subject{profile: profile, metrics: metrics, now: now}

	for _, r := range rs.sortedRules() {
		res := evalRule(s, r)
		if !res.matched {
			continue
		}

		if r.ContinueOnMatch {
			continue
		}

		conf := 0.9
		if r.Combinator == CombWeighted {
			conf = res.score
		}

		reason := r.Reason
		if reason == "" {
			reason = "matched rule " + r.Name
		}

		return r.Target, reason, conf
	}

	return rs.DefaultClassification, "no rule matched, using default", 0.5
}

// sortedRules returns rs.Rules ordered by descending Priority, computed
// fresh each call so a loaded rule set is never mutated in place.
func (rs *RuleSet) sortedRules() []Rule {
	out := make([]Rule, len(rs.Rules))
	copy(out, rs.Rules)

	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })

	return out
}
