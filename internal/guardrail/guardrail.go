// Package guardrail evaluates the pre-apply safety checks for a deployment
// plan. Evaluation reads current state and has no side effects, so the
// executor can re-run it at apply time and on every canary advance.
package guardrail

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/haywardsec/rulegate/internal/domain"
	"github.com/haywardsec/rulegate/internal/runtime"
	"github.com/haywardsec/rulegate/internal/storage"
	"github.com/ryanuber/go-glob"
)

// RiskPolicy decides whether disabling a live rule is coverage-critical.
// The alert rate is alerts-per-hour from the runtime, zero when unknown.
type RiskPolicy func(rule domain.LiveRule, alertsPerHour float64) bool

// DefaultRiskPolicy flags rules above the alert-rate threshold and rules
// whose id or name matches a protected glob pattern.
func DefaultRiskPolicy(threshold float64, protected []string) RiskPolicy {
	return func(rule domain.LiveRule, alertsPerHour float64) bool {
		if alertsPerHour >= threshold {
			return true
		}
		for _, pattern := range protected {
			if glob.Glob(pattern, rule.RuleID) || glob.Glob(pattern, rule.Name) {
				return true
			}
		}
		return false
	}
}

// Evaluator computes a GuardrailStatus for a plan against current state.
type Evaluator struct {
	store    storage.Storage
	runtime  runtime.Client
	quota    int
	maxBlast float64
	policy   RiskPolicy
}

// New creates an Evaluator.
func New(store storage.Storage, rt runtime.Client, quota int, maxBlast float64, policy RiskPolicy) *Evaluator {
	return &Evaluator{
		store:    store,
		runtime:  rt,
		quota:    quota,
		maxBlast: maxBlast,
		policy:   policy,
	}
}

// Evaluate runs every guardrail for the plan under the given apply request.
// Each false boolean contributes one blocked reason. Errors are returned
// only for storage failures; an unreachable runtime flips health_ok
// instead of failing the evaluation.
func (e *Evaluator) Evaluate(ctx context.Context, plan *domain.Plan, req domain.ApplyRequest) (domain.GuardrailStatus, error) {
	status := domain.AllClearStatus()

	live, err := e.store.ListLiveRules(ctx, plan.TenantID)
	if err != nil {
		return status, fmt.Errorf("loading live rules: %w", err)
	}
	liveByID := make(map[string]*domain.LiveRule, len(live))
	enabled := 0
	for _, r := range live {
		liveByID[r.RuleID] = r
		if r.Enabled {
			enabled++
		}
	}

	e.checkCompilation(ctx, plan, &status)
	e.checkQuotaAndBlast(plan, live, liveByID, enabled, &status)
	e.checkHotDisable(ctx, plan, liveByID, &status)
	e.checkHealth(ctx, &status)
	if err := e.checkLock(ctx, plan.TenantID, req.IdempotencyKey, &status); err != nil {
		return status, err
	}
	if err := e.checkIdempotency(ctx, plan, req.IdempotencyKey, &status); err != nil {
		return status, err
	}
	return status, nil
}

func (e *Evaluator) checkCompilation(ctx context.Context, plan *domain.Plan, status *domain.GuardrailStatus) {
	items, err := e.store.ListRulePackItems(ctx, plan.PackID)
	if err != nil {
		status.CompilationClean = false
		status.BlockedReasons = append(status.BlockedReasons,
			fmt.Sprintf("cannot verify compilation: %v", err))
		return
	}

	compileOK := make(map[string]bool, len(items))
	byName := make(map[string]bool, len(items))
	for _, item := range items {
		compileOK[item.RuleID] = item.Compile.OK
		byName[item.Name] = item.Compile.OK
	}

	var bad []string
	for _, entry := range plan.Entries {
		if entry.Action != domain.ActionCreate && entry.Action != domain.ActionUpdate {
			continue
		}
		ok, found := compileOK[entry.RuleID]
		if !found {
			ok, found = byName[entry.Name]
		}
		if found && !ok {
			bad = append(bad, entry.RuleID)
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		status.CompilationClean = false
		status.BlockedReasons = append(status.BlockedReasons,
			fmt.Sprintf("compilation failed for rules: %s", strings.Join(bad, ", ")))
	}
}

func (e *Evaluator) checkQuotaAndBlast(plan *domain.Plan, live []*domain.LiveRule, liveByID map[string]*domain.LiveRule, enabled int, status *domain.GuardrailStatus) {
	projected := enabled
	mutating := 0
	for _, entry := range plan.Entries {
		switch entry.Action {
		case domain.ActionCreate:
			projected++
			mutating++
		case domain.ActionUpdate:
			if r := liveByID[entry.RuleID]; r != nil && !r.Enabled {
				projected++
			}
			mutating++
		case domain.ActionDisable:
			projected--
			mutating++
		}
	}

	if e.quota > 0 && projected > e.quota {
		status.QuotaOK = false
		status.BlockedReasons = append(status.BlockedReasons,
			fmt.Sprintf("projected enabled rule count %d exceeds quota %d", projected, e.quota))
	}

	denominator := len(live)
	if denominator == 0 {
		denominator = 1
	}
	radius := float64(mutating) / float64(denominator)
	if radius > e.maxBlast {
		status.BlastRadiusOK = false
		status.BlockedReasons = append(status.BlockedReasons,
			fmt.Sprintf("blast radius %.2f exceeds maximum %.2f", radius, e.maxBlast))
	}
}

func (e *Evaluator) checkHotDisable(ctx context.Context, plan *domain.Plan, liveByID map[string]*domain.LiveRule, status *domain.GuardrailStatus) {
	var rates map[string]float64
	if e.runtime != nil {
		rates, _ = e.runtime.AlertRates(ctx, plan.TenantID)
	}

	var risky []string
	for _, entry := range plan.Entries {
		if entry.Action != domain.ActionDisable {
			continue
		}
		r := liveByID[entry.RuleID]
		if r == nil {
			continue
		}
		if e.policy(*r, rates[entry.RuleID]) {
			risky = append(risky, fmt.Sprintf("%s (%.1f alerts/hr)", entry.RuleID, rates[entry.RuleID]))
		}
	}
	if len(risky) > 0 {
		sort.Strings(risky)
		status.HotDisableSafe = false
		status.BlockedReasons = append(status.BlockedReasons,
			fmt.Sprintf("disable targets coverage-critical rules: %s", strings.Join(risky, ", ")))
	}
}

func (e *Evaluator) checkHealth(ctx context.Context, status *domain.GuardrailStatus) {
	if e.runtime == nil {
		return
	}
	if err := e.runtime.Health(ctx); err != nil {
		status.HealthOK = false
		status.BlockedReasons = append(status.BlockedReasons,
			fmt.Sprintf("runtime health probe failed: %v", err))
	}
}

func (e *Evaluator) checkLock(ctx context.Context, tenantID, holder string, status *domain.GuardrailStatus) error {
	current, expires, err := e.store.GetLockHolder(ctx, tenantID)
	if err != nil {
		if err == domain.ErrNotFound {
			return nil
		}
		return fmt.Errorf("reading lock holder: %w", err)
	}
	if current != holder && expires.After(time.Now()) {
		status.LockOK = false
		status.BlockedReasons = append(status.BlockedReasons,
			"deployment lock held by another holder")
	}
	return nil
}

func (e *Evaluator) checkIdempotency(ctx context.Context, plan *domain.Plan, key string, status *domain.GuardrailStatus) error {
	prior, err := e.store.GetDeploymentByIdempotencyKey(ctx, plan.TenantID, key)
	if err != nil {
		if err == domain.ErrNotFound {
			return nil
		}
		return fmt.Errorf("reading prior deployment: %w", err)
	}
	if prior.PlanID != plan.ID {
		status.IdempotencyOK = false
		status.BlockedReasons = append(status.BlockedReasons,
			fmt.Sprintf("idempotency key already used by deployment %s for a different plan", prior.ID))
	}
	return nil
}
