package domain

import "time"

// Plan entry actions.
const (
	ActionCreate  = "CREATE"
	ActionUpdate  = "UPDATE"
	ActionSkip    = "SKIP"
	ActionDisable = "DISABLE"
)

// Deployment strategies.
const (
	StrategySafe  = "safe"
	StrategyForce = "force"
)

// Rule matching modes for the diff.
const (
	MatchByRuleID = "rule_id"
	MatchByName   = "name"
)

// Plan represents a point-in-time deployment diff of a pack against a
// tenant's live rule set. It becomes stale if the live set changes before
// apply, detected via BaselineRevision.
type Plan struct {
	ID               string          `json:"plan_id" db:"id"`
	PackID           string          `json:"pack_id" db:"pack_id"`
	TenantID         string          `json:"tenant_id" db:"tenant_id"`
	Strategy         string          `json:"strategy" db:"strategy"` // "safe", "force"
	MatchBy          string          `json:"match_by" db:"match_by"` // "rule_id", "name"
	TagPrefix        string          `json:"tag_prefix,omitempty" db:"tag_prefix"`
	BaselineRevision int64           `json:"baseline_revision" db:"baseline_revision"`
	Entries          []PlanEntry     `json:"entries" db:"-"`
	Summary          DeploySummary   `json:"summary" db:"-"`
	BlastRadius      float64         `json:"blast_radius" db:"blast_radius"`
	Guardrails       GuardrailStatus `json:"guardrails" db:"-"`
	Warnings         []string        `json:"warnings,omitempty" db:"-"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// PlanEntry is one proposed action in a plan. FromSHA is the live body
// digest the entry was planned against and is re-validated at write time.
type PlanEntry struct {
	Action   string `json:"action"`
	RuleID   string `json:"rule_id"`
	Name     string `json:"name"`
	Kind     string `json:"kind,omitempty"`
	Severity string `json:"severity,omitempty"`
	FromSHA  string `json:"from_sha,omitempty"`
	ToSHA    string `json:"to_sha,omitempty"`
	Reason   string `json:"reason"`
}

// Mutates reports whether the entry writes to the live set.
func (e *PlanEntry) Mutates() bool {
	return e.Action != ActionSkip
}

// DeploySummary counts plan entries by action. The four counts always sum
// to the number of entries.
type DeploySummary struct {
	Create  int `json:"create"`
	Update  int `json:"update"`
	Disable int `json:"disable"`
	Skip    int `json:"skip"`
}

// Total returns the summed entry count.
func (s DeploySummary) Total() int {
	return s.Create + s.Update + s.Disable + s.Skip
}

// PlanRequest is the request body for planning a deployment.
type PlanRequest struct {
	Strategy  string `json:"strategy,omitempty"`
	MatchBy   string `json:"match_by,omitempty"`
	TagPrefix string `json:"tag_prefix,omitempty"`
}
