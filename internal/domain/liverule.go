package domain

import "time"

// LiveRule represents a deployed rule in a tenant's live set. A DISABLE
// never deletes a row; it clears Enabled and stamps DeployedBy.
type LiveRule struct {
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	RuleID     string    `json:"rule_id" db:"rule_id"`
	Name       string    `json:"name" db:"name"`
	Kind       string    `json:"kind" db:"kind"`
	Severity   string    `json:"severity" db:"severity"`
	Tags       []string  `json:"tags" db:"-"`
	Body       string    `json:"body" db:"body"`
	SHA256     string    `json:"sha256" db:"sha256"`
	Enabled    bool      `json:"enabled" db:"enabled"`
	DeployedBy string    `json:"deployed_by" db:"deployed_by"` // deploy_id of the last mutation
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// HasTagPrefix reports whether any of the rule's tags carries the prefix.
// An empty prefix never matches.
func (r *LiveRule) HasTagPrefix(prefix string) bool {
	if prefix == "" {
		return false
	}
	for _, t := range r.Tags {
		if len(t) >= len(prefix) && t[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// LiveRuleSet is a tenant's live rules together with the revision counter
// they were read at.
type LiveRuleSet struct {
	TenantID string      `json:"tenant_id"`
	Revision int64       `json:"revision"`
	Rules    []*LiveRule `json:"rules"`
}
