package domain

import "time"

// Deployment statuses. PLANNED is the only non-terminal status; ROLLED_BACK
// is reached from APPLIED via an explicit rollback, which is itself recorded
// as a new deployment referencing the original.
const (
	DeployStatusPlanned    = "PLANNED"
	DeployStatusApplied    = "APPLIED"
	DeployStatusFailed     = "FAILED"
	DeployStatusCanceled   = "CANCELED"
	DeployStatusRolledBack = "ROLLED_BACK"
)

// Deployment represents one apply (or rollback) of a plan against a tenant's
// live rule set, together with everything needed to audit or undo it.
type Deployment struct {
	ID               string          `json:"deploy_id" db:"id"`
	PlanID           string          `json:"plan_id" db:"plan_id"`
	PackID           string          `json:"pack_id" db:"pack_id"`
	TenantID         string          `json:"tenant_id" db:"tenant_id"`
	Status           string          `json:"status" db:"status"`
	Actor            string          `json:"actor,omitempty" db:"actor"`
	DryRun           bool            `json:"dry_run" db:"dry_run"`
	Force            bool            `json:"force" db:"force"`
	ForceReason      string          `json:"force_reason,omitempty" db:"force_reason"`
	IdempotencyKey   string          `json:"idempotency_key" db:"idempotency_key"`
	Summary          DeploySummary   `json:"summary" db:"-"`
	BlastRadius      float64         `json:"blast_radius" db:"blast_radius"`
	Guardrails       GuardrailStatus `json:"guardrails" db:"-"`
	Canary           *CanaryStatus   `json:"canary,omitempty" db:"-"`
	BeforeImages     []BeforeImage   `json:"-" db:"-"`
	BaselineRevision int64           `json:"baseline_revision" db:"baseline_revision"`
	Errors           []string        `json:"errors,omitempty" db:"-"`
	RolledBackFrom   string          `json:"rolled_back_from,omitempty" db:"rolled_back_from"`
	RolledBackTo     int64           `json:"rolled_back_to,omitempty" db:"rolled_back_to"`
	StartedAt        time.Time       `json:"started_at" db:"started_at"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
}

// Terminal reports whether the deployment can no longer change state.
// APPLIED with a live canary is not terminal yet.
func (d *Deployment) Terminal() bool {
	switch d.Status {
	case DeployStatusFailed, DeployStatusCanceled, DeployStatusRolledBack:
		return true
	case DeployStatusApplied:
		return d.Canary == nil || d.Canary.Terminal()
	default:
		return false
	}
}

// BeforeImage is the pre-mutation snapshot of one live rule touched by a
// deployment. Existed=false marks a CREATE target that was absent; its
// inverse is a hard delete.
type BeforeImage struct {
	RuleID  string    `json:"rule_id"`
	Existed bool      `json:"existed"`
	Rule    *LiveRule `json:"rule,omitempty"`
}

// ApplyRequest is the request body for applying a plan.
type ApplyRequest struct {
	PlanID         string        `json:"plan_id"`
	Actor          string        `json:"actor"`
	IdempotencyKey string        `json:"idempotency_key"`
	DryRun         bool          `json:"dry_run,omitempty"`
	Force          bool          `json:"force,omitempty"`
	ForceReason    string        `json:"force_reason,omitempty"`
	Canary         *CanaryConfig `json:"canary,omitempty"`
}

// ApplyResponse wraps the deployment returned by apply. Replayed is set
// when the idempotency key matched a prior deployment of the same plan.
type ApplyResponse struct {
	Deployment *Deployment `json:"deployment"`
	Replayed   bool        `json:"replayed"`
}
