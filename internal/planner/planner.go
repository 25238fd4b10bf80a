// Package planner computes deployment plans: the diff between an uploaded
// rule pack and a tenant's live rule set.
package planner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haywardsec/rulegate/internal/domain"
	"github.com/haywardsec/rulegate/internal/runtime"
	"github.com/haywardsec/rulegate/internal/storage"
)

// Planner builds and persists plans. Planning never takes the deployment
// lock and never mutates live rules; races with a concurrent apply are
// caught by the apply-time guardrail re-evaluation and the baseline
// revision check.
type Planner struct {
	store          storage.Storage
	runtime        runtime.Client
	hotDisableRate float64
	maxBlastRadius float64
}

// New creates a Planner.
func New(store storage.Storage, rt runtime.Client, hotDisableRate, maxBlastRadius float64) *Planner {
	return &Planner{
		store:          store,
		runtime:        rt,
		hotDisableRate: hotDisableRate,
		maxBlastRadius: maxBlastRadius,
	}
}

// Plan diffs the pack against the tenant's live rules and persists the
// resulting plan so apply can reference it by id.
func (p *Planner) Plan(ctx context.Context, tenantID string, pack *domain.RulePack, req domain.PlanRequest) (*domain.Plan, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = domain.StrategySafe
	}
	if strategy != domain.StrategySafe && strategy != domain.StrategyForce {
		return nil, domain.NewValidationError("strategy", fmt.Sprintf("must be %q or %q", domain.StrategySafe, domain.StrategyForce))
	}

	matchBy := req.MatchBy
	if matchBy == "" {
		matchBy = domain.MatchByRuleID
	}
	if matchBy != domain.MatchByRuleID && matchBy != domain.MatchByName {
		return nil, domain.NewValidationError("match_by", fmt.Sprintf("must be %q or %q", domain.MatchByRuleID, domain.MatchByName))
	}

	items, err := p.store.ListRulePackItems(ctx, pack.ID)
	if err != nil {
		return nil, fmt.Errorf("loading pack items: %w", err)
	}
	live, err := p.store.ListLiveRules(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("loading live rules: %w", err)
	}
	revision, err := p.store.GetTenantRevision(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("loading tenant revision: %w", err)
	}

	diff := p.diff(items, live, strategy, matchBy, req.TagPrefix)

	warnings := p.collectWarnings(ctx, tenantID, diff, live, req.TagPrefix)

	summary := summarize(diff)
	mutating := summary.Create + summary.Update + summary.Disable
	liveCount := len(live)
	if liveCount == 0 {
		liveCount = 1
	}
	blastRadius := float64(mutating) / float64(liveCount)

	guardrails := domain.AllClearStatus()
	guardrails.CompilationClean, guardrails.BlockedReasons = compilationStatus(diff, items)
	if blastRadius > p.maxBlastRadius {
		guardrails.BlastRadiusOK = false
		guardrails.BlockedReasons = append(guardrails.BlockedReasons,
			fmt.Sprintf("blast radius %.2f exceeds maximum %.2f", blastRadius, p.maxBlastRadius))
	}

	plan := &domain.Plan{
		ID:               uuid.NewString(),
		PackID:           pack.ID,
		TenantID:         tenantID,
		Strategy:         strategy,
		MatchBy:          matchBy,
		TagPrefix:        req.TagPrefix,
		BaselineRevision: revision,
		Entries:          diff,
		Summary:          summary,
		BlastRadius:      blastRadius,
		Guardrails:       guardrails,
		Warnings:         warnings,
		CreatedAt:        time.Now().UTC(),
	}

	if err := p.store.CreatePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("persisting plan: %w", err)
	}
	return plan, nil
}

// diff walks pack items against the live set, then sweeps unmatched live
// rules for DISABLE candidates. Entries come out grouped CREATE, UPDATE,
// SKIP, DISABLE, each group sorted by rule id, so identical inputs always
// produce identical plans.
func (p *Planner) diff(items []*domain.RulePackItem, live []*domain.LiveRule, strategy, matchBy, tagPrefix string) []domain.PlanEntry {
	byRuleID := make(map[string]*domain.LiveRule, len(live))
	byName := make(map[string]*domain.LiveRule, len(live))
	for _, r := range live {
		byRuleID[r.RuleID] = r
		if _, dup := byName[r.Name]; !dup {
			byName[r.Name] = r
		}
	}

	consumed := make(map[string]bool, len(live))
	var creates, updates, skips, disables []domain.PlanEntry

	sortedItems := make([]*domain.RulePackItem, len(items))
	copy(sortedItems, items)
	sort.Slice(sortedItems, func(i, j int) bool { return sortedItems[i].RuleID < sortedItems[j].RuleID })

	for _, item := range sortedItems {
		target := p.match(item, matchBy, byRuleID, byName, consumed)
		if target == nil {
			creates = append(creates, domain.PlanEntry{
				Action:   domain.ActionCreate,
				RuleID:   item.RuleID,
				Name:     item.Name,
				Kind:     item.Kind,
				Severity: item.Severity,
				ToSHA:    item.SHA256,
				Reason:   "no live counterpart",
			})
			continue
		}
		consumed[target.RuleID] = true

		if reason := changeReason(item, target); reason != "" {
			updates = append(updates, domain.PlanEntry{
				Action:   domain.ActionUpdate,
				RuleID:   target.RuleID,
				Name:     item.Name,
				Kind:     item.Kind,
				Severity: item.Severity,
				FromSHA:  target.SHA256,
				ToSHA:    item.SHA256,
				Reason:   reason,
			})
		} else {
			skips = append(skips, domain.PlanEntry{
				Action:   domain.ActionSkip,
				RuleID:   target.RuleID,
				Name:     item.Name,
				Kind:     item.Kind,
				Severity: item.Severity,
				FromSHA:  target.SHA256,
				ToSHA:    item.SHA256,
				Reason:   "identical to live rule",
			})
		}
	}

	// Sweep live rules the pack no longer carries.
	sortedLive := make([]*domain.LiveRule, len(live))
	copy(sortedLive, live)
	sort.Slice(sortedLive, func(i, j int) bool { return sortedLive[i].RuleID < sortedLive[j].RuleID })

	for _, r := range sortedLive {
		if consumed[r.RuleID] {
			continue
		}
		if !r.Enabled {
			skips = append(skips, domain.PlanEntry{
				Action:  domain.ActionSkip,
				RuleID:  r.RuleID,
				Name:    r.Name,
				FromSHA: r.SHA256,
				Reason:  "not in pack, already disabled",
			})
			continue
		}

		hasPrefix := r.HasTagPrefix(tagPrefix)
		switch {
		case hasPrefix:
			disables = append(disables, domain.PlanEntry{
				Action:   domain.ActionDisable,
				RuleID:   r.RuleID,
				Name:     r.Name,
				Kind:     r.Kind,
				Severity: r.Severity,
				FromSHA:  r.SHA256,
				Reason:   fmt.Sprintf("not in pack and carries tag prefix %q", tagPrefix),
			})
		case strategy == domain.StrategyForce:
			disables = append(disables, domain.PlanEntry{
				Action:   domain.ActionDisable,
				RuleID:   r.RuleID,
				Name:     r.Name,
				Kind:     r.Kind,
				Severity: r.Severity,
				FromSHA:  r.SHA256,
				Reason:   "not in pack; forced disable outside tag prefix",
			})
		default:
			skips = append(skips, domain.PlanEntry{
				Action:  domain.ActionSkip,
				RuleID:  r.RuleID,
				Name:    r.Name,
				FromSHA: r.SHA256,
				Reason:  "not in pack, outside tag prefix",
			})
		}
	}

	entries := make([]domain.PlanEntry, 0, len(creates)+len(updates)+len(skips)+len(disables))
	entries = append(entries, creates...)
	entries = append(entries, updates...)
	entries = append(entries, skips...)
	entries = append(entries, disables...)
	return entries
}

// match resolves the live counterpart of a pack item. In name mode an
// unmatched item still binds to a live rule with the same rule id, so a
// rename never collides with the live primary key.
func (p *Planner) match(item *domain.RulePackItem, matchBy string, byRuleID, byName map[string]*domain.LiveRule, consumed map[string]bool) *domain.LiveRule {
	if matchBy == domain.MatchByName {
		if r, ok := byName[item.Name]; ok && !consumed[r.RuleID] {
			return r
		}
	}
	if r, ok := byRuleID[item.RuleID]; ok && !consumed[r.RuleID] {
		return r
	}
	return nil
}

// changeReason reports what differs between a pack item and its live
// counterpart, or "" when they are identical and enabled.
func changeReason(item *domain.RulePackItem, live *domain.LiveRule) string {
	var reasons []string
	if item.SHA256 != live.SHA256 {
		reasons = append(reasons, "body changed")
	}
	if item.Severity != live.Severity {
		reasons = append(reasons, fmt.Sprintf("severity %s -> %s", live.Severity, item.Severity))
	}
	if item.Name != live.Name {
		reasons = append(reasons, fmt.Sprintf("renamed %q -> %q", live.Name, item.Name))
	}
	if !equalTags(item.Tags, live.Tags) {
		reasons = append(reasons, "tags changed")
	}
	if !live.Enabled {
		reasons = append(reasons, "re-enabling disabled rule")
	}
	return strings.Join(reasons, ", ")
}

func equalTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func summarize(entries []domain.PlanEntry) domain.DeploySummary {
	var s domain.DeploySummary
	for _, e := range entries {
		switch e.Action {
		case domain.ActionCreate:
			s.Create++
		case domain.ActionUpdate:
			s.Update++
		case domain.ActionDisable:
			s.Disable++
		case domain.ActionSkip:
			s.Skip++
		}
	}
	return s
}

func compilationStatus(entries []domain.PlanEntry, items []*domain.RulePackItem) (bool, []string) {
	itemsByRule := make(map[string]*domain.RulePackItem, len(items))
	for _, item := range items {
		itemsByRule[item.RuleID] = item
	}

	var bad []string
	for _, e := range entries {
		if e.Action != domain.ActionCreate && e.Action != domain.ActionUpdate {
			continue
		}
		// UPDATE entries key the live rule id; look up by the pack side.
		item := itemsByRule[e.RuleID]
		if item == nil {
			for _, candidate := range items {
				if candidate.Name == e.Name {
					item = candidate
					break
				}
			}
		}
		if item != nil && !item.Compile.OK {
			bad = append(bad, item.RuleID)
		}
	}
	if len(bad) == 0 {
		return true, nil
	}
	sort.Strings(bad)
	return false, []string{fmt.Sprintf("compilation failed for rules: %s", strings.Join(bad, ", "))}
}

// collectWarnings gathers the non-blocking advisories: severity downgrades,
// disables of rules with recent alert volume, and forced disables outside
// the tag prefix. Alert rates are best-effort; an unreachable runtime just
// drops the volume warnings.
func (p *Planner) collectWarnings(ctx context.Context, tenantID string, entries []domain.PlanEntry, live []*domain.LiveRule, tagPrefix string) []string {
	liveByID := make(map[string]*domain.LiveRule, len(live))
	for _, r := range live {
		liveByID[r.RuleID] = r
	}

	var rates map[string]float64
	if p.runtime != nil {
		rates, _ = p.runtime.AlertRates(ctx, tenantID)
	}

	var warnings []string
	for _, e := range entries {
		switch e.Action {
		case domain.ActionUpdate:
			r := liveByID[e.RuleID]
			if r != nil && domain.SeverityRank[e.Severity] < domain.SeverityRank[r.Severity] {
				warnings = append(warnings, fmt.Sprintf("severity downgrade for rule %s: %s -> %s", e.RuleID, r.Severity, e.Severity))
			}
		case domain.ActionDisable:
			if rate, ok := rates[e.RuleID]; ok && rate >= p.hotDisableRate {
				warnings = append(warnings, fmt.Sprintf("disabling rule %s with recent alert volume (%.1f/hr)", e.RuleID, rate))
			}
			if r := liveByID[e.RuleID]; r != nil && !r.HasTagPrefix(tagPrefix) {
				warnings = append(warnings, fmt.Sprintf("force-disabling rule %s outside the tag prefix", e.RuleID))
			}
		}
	}
	return warnings
}
