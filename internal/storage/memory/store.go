package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/haywardsec/rulegate/internal/domain"
	"github.com/haywardsec/rulegate/internal/storage"
)

// Store is an in-memory implementation of the storage interface for testing.
type Store struct {
	mu sync.RWMutex

	packs       map[string]*domain.RulePack       // key: id
	packItems   map[string][]*domain.RulePackItem // key: packID
	liveRules   map[string]*domain.LiveRule       // key: tenantID:ruleID
	revisions   map[string]int64                  // key: tenantID
	plans       map[string]*domain.Plan           // key: id
	deployments map[string]*domain.Deployment     // key: id
	artifacts   []*domain.DeploymentArtifact
	locks       map[string]*lockRow // key: tenantID
}

type lockRow struct {
	holder    string
	expiresAt time.Time
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		packs:       make(map[string]*domain.RulePack),
		packItems:   make(map[string][]*domain.RulePackItem),
		liveRules:   make(map[string]*domain.LiveRule),
		revisions:   make(map[string]int64),
		plans:       make(map[string]*domain.Plan),
		deployments: make(map[string]*domain.Deployment),
		locks:       make(map[string]*lockRow),
	}
}

func ruleKey(tenantID, ruleID string) string {
	return tenantID + ":" + ruleID
}

func (s *Store) Close() error { return nil }

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) BeginTx(ctx context.Context) (storage.Transaction, error) {
	return &Tx{store: s}, nil
}

// ============================================
// Rule Packs
// ============================================

func (s *Store) CreateRulePack(ctx context.Context, pack *domain.RulePack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.packs[pack.ID]; exists {
		return domain.ErrAlreadyExists
	}
	for _, existing := range s.packs {
		if existing.TenantID == pack.TenantID && existing.SHA256 == pack.SHA256 {
			return domain.ErrAlreadyExists
		}
	}
	s.packs[pack.ID] = pack
	return nil
}

func (s *Store) GetRulePack(ctx context.Context, tenantID, id string) (*domain.RulePack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pack, exists := s.packs[id]
	if !exists || pack.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	return pack, nil
}

func (s *Store) GetRulePackBySHA(ctx context.Context, tenantID, sha256 string) (*domain.RulePack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, pack := range s.packs {
		if pack.TenantID == tenantID && pack.SHA256 == sha256 {
			return pack, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) ListRulePacks(ctx context.Context, tenantID string) ([]*domain.RulePack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var packs []*domain.RulePack
	for _, pack := range s.packs {
		if pack.TenantID == tenantID {
			packs = append(packs, pack)
		}
	}
	sort.Slice(packs, func(i, j int) bool {
		return packs[i].CreatedAt.After(packs[j].CreatedAt)
	})
	return packs, nil
}

func (s *Store) CreateRulePackItem(ctx context.Context, item *domain.RulePackItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.packItems[item.PackID] {
		if existing.RuleID == item.RuleID {
			return domain.ErrAlreadyExists
		}
	}
	s.packItems[item.PackID] = append(s.packItems[item.PackID], item)
	return nil
}

func (s *Store) ListRulePackItems(ctx context.Context, packID string) ([]*domain.RulePackItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]*domain.RulePackItem, len(s.packItems[packID]))
	copy(items, s.packItems[packID])
	sort.Slice(items, func(i, j int) bool {
		return items[i].RuleID < items[j].RuleID
	})
	return items, nil
}

// ============================================
// Live Rules
// ============================================

func (s *Store) GetLiveRule(ctx context.Context, tenantID, ruleID string) (*domain.LiveRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, exists := s.liveRules[ruleKey(tenantID, ruleID)]
	if !exists {
		return nil, domain.ErrNotFound
	}
	return rule, nil
}

func (s *Store) ListLiveRules(ctx context.Context, tenantID string) ([]*domain.LiveRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rules []*domain.LiveRule
	for _, rule := range s.liveRules {
		if rule.TenantID == tenantID {
			rules = append(rules, rule)
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].RuleID < rules[j].RuleID
	})
	return rules, nil
}

func (s *Store) UpsertLiveRule(ctx context.Context, rule *domain.LiveRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liveRules[ruleKey(rule.TenantID, rule.RuleID)] = rule
	return nil
}

func (s *Store) DeleteLiveRule(ctx context.Context, tenantID, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ruleKey(tenantID, ruleID)
	if _, exists := s.liveRules[key]; !exists {
		return domain.ErrNotFound
	}
	delete(s.liveRules, key)
	return nil
}

func (s *Store) GetTenantRevision(ctx context.Context, tenantID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revisions[tenantID], nil
}

func (s *Store) IncrementTenantRevision(ctx context.Context, tenantID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revisions[tenantID]++
	return s.revisions[tenantID], nil
}

// ============================================
// Plans
// ============================================

func (s *Store) CreatePlan(ctx context.Context, plan *domain.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.plans[plan.ID]; exists {
		return domain.ErrAlreadyExists
	}
	s.plans[plan.ID] = plan
	return nil
}

func (s *Store) GetPlan(ctx context.Context, tenantID, id string) (*domain.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, exists := s.plans[id]
	if !exists || plan.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	return plan, nil
}

// ============================================
// Deployments
// ============================================

func (s *Store) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deployments[d.ID]; exists {
		return domain.ErrAlreadyExists
	}
	for _, existing := range s.deployments {
		if existing.TenantID == d.TenantID && existing.IdempotencyKey == d.IdempotencyKey {
			return domain.ErrAlreadyExists
		}
	}
	s.deployments[d.ID] = d
	return nil
}

func (s *Store) UpdateDeployment(ctx context.Context, d *domain.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, exists := s.deployments[d.ID]
	if !exists || existing.TenantID != d.TenantID {
		return domain.ErrNotFound
	}
	s.deployments[d.ID] = d
	return nil
}

func (s *Store) GetDeployment(ctx context.Context, tenantID, id string) (*domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, exists := s.deployments[id]
	if !exists || d.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	return d, nil
}

func (s *Store) GetDeploymentByIdempotencyKey(ctx context.Context, tenantID, key string) (*domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.deployments {
		if d.TenantID == tenantID && d.IdempotencyKey == key {
			return d, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) ListDeployments(ctx context.Context, tenantID string) ([]*domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var deployments []*domain.Deployment
	for _, d := range s.deployments {
		if d.TenantID == tenantID {
			deployments = append(deployments, d)
		}
	}
	sort.Slice(deployments, func(i, j int) bool {
		return deployments[i].StartedAt.After(deployments[j].StartedAt)
	})
	return deployments, nil
}

// ============================================
// Deployment Artifacts
// ============================================

func (s *Store) CreateArtifact(ctx context.Context, artifact *domain.DeploymentArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts = append(s.artifacts, artifact)
	return nil
}

func (s *Store) ListArtifacts(ctx context.Context, tenantID, deployID string) ([]*domain.DeploymentArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var artifacts []*domain.DeploymentArtifact
	for _, a := range s.artifacts {
		if a.TenantID == tenantID && a.DeployID == deployID {
			artifacts = append(artifacts, a)
		}
	}
	return artifacts, nil
}

func (s *Store) PruneArtifacts(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*domain.DeploymentArtifact
	pruned := 0
	for _, a := range s.artifacts {
		d := s.deployments[a.DeployID]
		if a.CreatedAt.Before(cutoff) && d != nil && d.FinishedAt != nil {
			pruned++
			continue
		}
		kept = append(kept, a)
	}
	s.artifacts = kept
	return pruned, nil
}

// ============================================
// Deployment Locks
// ============================================

func (s *Store) AcquireLock(ctx context.Context, tenantID, holder string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, exists := s.locks[tenantID]
	if exists && existing.holder != holder && existing.expiresAt.After(time.Now()) {
		return domain.ErrLockConflict
	}
	s.locks[tenantID] = &lockRow{holder: holder, expiresAt: expiresAt}
	return nil
}

func (s *Store) ReleaseLock(ctx context.Context, tenantID, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, exists := s.locks[tenantID]
	if exists && existing.holder == holder {
		delete(s.locks, tenantID)
	}
	return nil
}

func (s *Store) GetLockHolder(ctx context.Context, tenantID string) (string, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	existing, exists := s.locks[tenantID]
	if !exists {
		return "", time.Time{}, domain.ErrNotFound
	}
	return existing.holder, existing.expiresAt, nil
}

// Tx is a no-op transaction for in-memory store.
type Tx struct {
	store *Store
}

func (t *Tx) Commit() error   { return nil }
func (t *Tx) Rollback() error { return nil }
func (t *Tx) Close() error    { return nil }

func (t *Tx) Ping(ctx context.Context) error { return nil }

func (t *Tx) BeginTx(ctx context.Context) (storage.Transaction, error) {
	return nil, domain.ErrInvalidInput
}

// Forward all Tx methods to the underlying store
func (t *Tx) CreateRulePack(ctx context.Context, pack *domain.RulePack) error {
	return t.store.CreateRulePack(ctx, pack)
}
func (t *Tx) GetRulePack(ctx context.Context, tenantID, id string) (*domain.RulePack, error) {
	return t.store.GetRulePack(ctx, tenantID, id)
}
func (t *Tx) GetRulePackBySHA(ctx context.Context, tenantID, sha256 string) (*domain.RulePack, error) {
	return t.store.GetRulePackBySHA(ctx, tenantID, sha256)
}
func (t *Tx) ListRulePacks(ctx context.Context, tenantID string) ([]*domain.RulePack, error) {
	return t.store.ListRulePacks(ctx, tenantID)
}
func (t *Tx) CreateRulePackItem(ctx context.Context, item *domain.RulePackItem) error {
	return t.store.CreateRulePackItem(ctx, item)
}
func (t *Tx) ListRulePackItems(ctx context.Context, packID string) ([]*domain.RulePackItem, error) {
	return t.store.ListRulePackItems(ctx, packID)
}
func (t *Tx) GetLiveRule(ctx context.Context, tenantID, ruleID string) (*domain.LiveRule, error) {
	return t.store.GetLiveRule(ctx, tenantID, ruleID)
}
func (t *Tx) ListLiveRules(ctx context.Context, tenantID string) ([]*domain.LiveRule, error) {
	return t.store.ListLiveRules(ctx, tenantID)
}
func (t *Tx) UpsertLiveRule(ctx context.Context, rule *domain.LiveRule) error {
	return t.store.UpsertLiveRule(ctx, rule)
}
func (t *Tx) DeleteLiveRule(ctx context.Context, tenantID, ruleID string) error {
	return t.store.DeleteLiveRule(ctx, tenantID, ruleID)
}
func (t *Tx) GetTenantRevision(ctx context.Context, tenantID string) (int64, error) {
	return t.store.GetTenantRevision(ctx, tenantID)
}
func (t *Tx) IncrementTenantRevision(ctx context.Context, tenantID string) (int64, error) {
	return t.store.IncrementTenantRevision(ctx, tenantID)
}
func (t *Tx) CreatePlan(ctx context.Context, plan *domain.Plan) error {
	return t.store.CreatePlan(ctx, plan)
}
func (t *Tx) GetPlan(ctx context.Context, tenantID, id string) (*domain.Plan, error) {
	return t.store.GetPlan(ctx, tenantID, id)
}
func (t *Tx) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	return t.store.CreateDeployment(ctx, d)
}
func (t *Tx) UpdateDeployment(ctx context.Context, d *domain.Deployment) error {
	return t.store.UpdateDeployment(ctx, d)
}
func (t *Tx) GetDeployment(ctx context.Context, tenantID, id string) (*domain.Deployment, error) {
	return t.store.GetDeployment(ctx, tenantID, id)
}
func (t *Tx) GetDeploymentByIdempotencyKey(ctx context.Context, tenantID, key string) (*domain.Deployment, error) {
	return t.store.GetDeploymentByIdempotencyKey(ctx, tenantID, key)
}
func (t *Tx) ListDeployments(ctx context.Context, tenantID string) ([]*domain.Deployment, error) {
	return t.store.ListDeployments(ctx, tenantID)
}
func (t *Tx) CreateArtifact(ctx context.Context, artifact *domain.DeploymentArtifact) error {
	return t.store.CreateArtifact(ctx, artifact)
}
func (t *Tx) ListArtifacts(ctx context.Context, tenantID, deployID string) ([]*domain.DeploymentArtifact, error) {
	return t.store.ListArtifacts(ctx, tenantID, deployID)
}
func (t *Tx) PruneArtifacts(ctx context.Context, cutoff time.Time) (int, error) {
	return t.store.PruneArtifacts(ctx, cutoff)
}
func (t *Tx) AcquireLock(ctx context.Context, tenantID, holder string, expiresAt time.Time) error {
	return t.store.AcquireLock(ctx, tenantID, holder, expiresAt)
}
func (t *Tx) ReleaseLock(ctx context.Context, tenantID, holder string) error {
	return t.store.ReleaseLock(ctx, tenantID, holder)
}
func (t *Tx) GetLockHolder(ctx context.Context, tenantID string) (string, time.Time, error) {
	return t.store.GetLockHolder(ctx, tenantID)
}
