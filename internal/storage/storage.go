package storage

import (
	"context"
	"time"

	"github.com/haywardsec/rulegate/internal/domain"
)

// Storage defines the interface for the storage layer.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Close closes the storage connection.
	Close() error

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Rule Packs
	CreateRulePack(ctx context.Context, pack *domain.RulePack) error
	GetRulePack(ctx context.Context, tenantID, id string) (*domain.RulePack, error)
	GetRulePackBySHA(ctx context.Context, tenantID, sha256 string) (*domain.RulePack, error)
	ListRulePacks(ctx context.Context, tenantID string) ([]*domain.RulePack, error)
	CreateRulePackItem(ctx context.Context, item *domain.RulePackItem) error
	ListRulePackItems(ctx context.Context, packID string) ([]*domain.RulePackItem, error)

	// Live Rules
	GetLiveRule(ctx context.Context, tenantID, ruleID string) (*domain.LiveRule, error)
	ListLiveRules(ctx context.Context, tenantID string) ([]*domain.LiveRule, error)
	UpsertLiveRule(ctx context.Context, rule *domain.LiveRule) error
	DeleteLiveRule(ctx context.Context, tenantID, ruleID string) error
	GetTenantRevision(ctx context.Context, tenantID string) (int64, error)
	IncrementTenantRevision(ctx context.Context, tenantID string) (int64, error)

	// Plans
	CreatePlan(ctx context.Context, plan *domain.Plan) error
	GetPlan(ctx context.Context, tenantID, id string) (*domain.Plan, error)

	// Deployments
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeployment(ctx context.Context, tenantID, id string) (*domain.Deployment, error)
	GetDeploymentByIdempotencyKey(ctx context.Context, tenantID, key string) (*domain.Deployment, error)
	ListDeployments(ctx context.Context, tenantID string) ([]*domain.Deployment, error)

	// Deployment Artifacts
	CreateArtifact(ctx context.Context, artifact *domain.DeploymentArtifact) error
	ListArtifacts(ctx context.Context, tenantID, deployID string) ([]*domain.DeploymentArtifact, error)
	PruneArtifacts(ctx context.Context, cutoff time.Time) (int, error)

	// Deployment Locks
	AcquireLock(ctx context.Context, tenantID, holder string, expiresAt time.Time) error
	ReleaseLock(ctx context.Context, tenantID, holder string) error
	GetLockHolder(ctx context.Context, tenantID string) (string, time.Time, error)

	// Transaction support
	BeginTx(ctx context.Context) (Transaction, error)
}

// Transaction represents a database transaction.
type Transaction interface {
	Storage
	Commit() error
	Rollback() error
}
