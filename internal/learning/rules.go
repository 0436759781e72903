package learning

import (
	"fmt"
	"strings"
	"time"

	celgo "github.com/google/cel-go/cel"

	"warden/pkg/bus"
)

// patternStat tracks one recurring event sequence reported by the flow
// analyzer. Effectiveness grows with repeated detections and is the trigger
// for rule synthesis.
type patternStat struct {
	sequence    []string
	occurrences int
	lastSeen    time.Time
	ruleID      string
}

func (p *patternStat) effectiveness() float64 {
	eff := float64(p.occurrences) / 100.0
	if eff > 1 {
		return 1
	}
	return eff
}

func patternKey(sequence []string) string {
	return strings.Join(sequence, " -> ")
}

// Rule is a synthesized optimization rule. It lives on the bus as a
// conditional subscriber: the subscription narrows delivery to the
// sequence's leading topic, the compiled condition decides per event, and
// the action fires on a match.
type Rule struct {
	ID           string
	Pattern      string
	Sequence     []string
	Expression   string
	Confidence   float64
	CreatedAt    time.Time
	AppliedCount int64

	program celgo.Program
	sub     bus.Subscription
}

// RuleView is the read-only projection served by the operational API.
type RuleView struct {
	ID           string   `json:"id"`
	Pattern      string   `json:"pattern"`
	Sequence     []string `json:"sequence"`
	Expression   string   `json:"expression"`
	Confidence   float64  `json:"confidence"`
	AppliedCount int64    `json:"applied_count"`
	CreatedAt    string   `json:"created_at"`
}

func (r *Rule) view() RuleView {
	return RuleView{
		ID:           r.ID,
		Pattern:      r.Pattern,
		Sequence:     r.Sequence,
		Expression:   r.Expression,
		Confidence:   r.Confidence,
		AppliedCount: r.AppliedCount,
		CreatedAt:    r.CreatedAt.Format(time.RFC3339),
	}
}

// ruleExpression builds the CEL condition for a detected sequence: the rule
// triggers on the sequence's first topic from any source but its own.
func ruleExpression(sequence []string) string {
	return fmt.Sprintf(`event_type == %q && source != %q`, sequence[0], Component)
}
