package domain

import "time"

// Artifact kinds.
const (
	ArtifactKindPlan     = "plan"
	ArtifactKindApply    = "apply"
	ArtifactKindRollback = "rollback"
	ArtifactKindCanary   = "canary"
)

// DeploymentArtifact is one append-only audit record attached to a
// deployment. Content is a kind-specific JSON snapshot. Artifacts are never
// updated; only the retention pruner removes them.
type DeploymentArtifact struct {
	ID        string    `json:"artifact_id" db:"id"`
	DeployID  string    `json:"deploy_id" db:"deploy_id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	Kind      string    `json:"kind" db:"kind"` // "plan", "apply", "rollback", "canary"
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// CanaryTransition is the content payload of a canary artifact.
type CanaryTransition struct {
	Event        string    `json:"event"`
	FromState    string    `json:"from_state"`
	ToState      string    `json:"to_state"`
	StageIndex   int       `json:"stage_index"`
	StagePercent int       `json:"stage_percent"`
	At           time.Time `json:"at"`
}
