package planner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haywardsec/rulegate/internal/domain"
	"github.com/haywardsec/rulegate/internal/runtime"
	"github.com/haywardsec/rulegate/internal/storage/memory"
)

const testTenant = "tenant-a"

func newTestPlanner(store *memory.Store, rt runtime.Client) *Planner {
	return New(store, rt, 10.0, 1.0)
}

func seedLiveRule(t *testing.T, store *memory.Store, ruleID, name, sha string, enabled bool, tags ...string) {
	t.Helper()
	err := store.UpsertLiveRule(context.Background(), &domain.LiveRule{
		TenantID:  testTenant,
		RuleID:    ruleID,
		Name:      name,
		Kind:      domain.RuleKindNative,
		Severity:  "medium",
		Tags:      tags,
		Body:      "body-" + sha,
		SHA256:    sha,
		Enabled:   enabled,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Failed to seed live rule %s: %v", ruleID, err)
	}
}

func seedPack(t *testing.T, store *memory.Store, items []*domain.RulePackItem) *domain.RulePack {
	t.Helper()
	pack := &domain.RulePack{
		ID:        "pack-1",
		TenantID:  testTenant,
		Name:      "endpoint-rules",
		Version:   "1.2.0",
		SHA256:    "pack-sha",
		ItemCount: len(items),
		Source:    domain.PackSourceAPI,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateRulePack(context.Background(), pack); err != nil {
		t.Fatalf("Failed to create pack: %v", err)
	}
	for i, item := range items {
		item.ID = "item-" + item.RuleID
		item.PackID = pack.ID
		if item.Kind == "" {
			item.Kind = domain.RuleKindNative
		}
		if item.Severity == "" {
			item.Severity = "medium"
		}
		if item.Body == "" {
			item.Body = "body-" + item.SHA256
		}
		if err := store.CreateRulePackItem(context.Background(), item); err != nil {
			t.Fatalf("Failed to create pack item %d: %v", i, err)
		}
	}
	return pack
}

func okItem(ruleID, name, sha string) *domain.RulePackItem {
	return &domain.RulePackItem{
		RuleID:  ruleID,
		Name:    name,
		SHA256:  sha,
		Compile: domain.CompileResult{OK: true},
	}
}

func entryByRuleID(entries []domain.PlanEntry, ruleID string) *domain.PlanEntry {
	for i := range entries {
		if entries[i].RuleID == ruleID {
			return &entries[i]
		}
	}
	return nil
}

func TestPlanSummaryTotals(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	// Three live rules the pack updates, four identical, one stale beta rule.
	seedLiveRule(t, store, "r-001", "Rule 001", "sha-old-1", true)
	seedLiveRule(t, store, "r-002", "Rule 002", "sha-old-2", true)
	seedLiveRule(t, store, "r-003", "Rule 003", "sha-old-3", true)
	seedLiveRule(t, store, "r-004", "Rule 004", "sha-same-4", true)
	seedLiveRule(t, store, "r-005", "Rule 005", "sha-same-5", true)
	seedLiveRule(t, store, "r-006", "Rule 006", "sha-same-6", true)
	seedLiveRule(t, store, "r-007", "Rule 007", "sha-same-7", true)
	seedLiveRule(t, store, "r-900", "Beta Shadow", "sha-beta", true, "beta_shadow")

	if _, err := store.IncrementTenantRevision(ctx, testTenant); err != nil {
		t.Fatalf("Failed to bump revision: %v", err)
	}
	if _, err := store.IncrementTenantRevision(ctx, testTenant); err != nil {
		t.Fatalf("Failed to bump revision: %v", err)
	}

	pack := seedPack(t, store, []*domain.RulePackItem{
		okItem("r-001", "Rule 001", "sha-new-1"),
		okItem("r-002", "Rule 002", "sha-new-2"),
		okItem("r-003", "Rule 003", "sha-new-3"),
		okItem("r-004", "Rule 004", "sha-same-4"),
		okItem("r-005", "Rule 005", "sha-same-5"),
		okItem("r-006", "Rule 006", "sha-same-6"),
		okItem("r-007", "Rule 007", "sha-same-7"),
		okItem("r-100", "Rule 100", "sha-new-100"),
		okItem("r-101", "Rule 101", "sha-new-101"),
	})

	p := newTestPlanner(store, nil)
	plan, err := p.Plan(ctx, testTenant, pack, domain.PlanRequest{
		Strategy:  domain.StrategySafe,
		TagPrefix: "beta_",
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	want := domain.DeploySummary{Create: 2, Update: 3, Disable: 1, Skip: 4}
	if plan.Summary != want {
		t.Errorf("Expected summary %+v, got %+v", want, plan.Summary)
	}
	if plan.Summary.Total() != len(plan.Entries) {
		t.Errorf("Expected summary total %d to equal entry count %d", plan.Summary.Total(), len(plan.Entries))
	}
	if len(plan.Entries) != 10 {
		t.Errorf("Expected 10 entries, got %d", len(plan.Entries))
	}

	// 6 mutating entries against 8 live rules.
	if plan.BlastRadius != 6.0/8.0 {
		t.Errorf("Expected blast radius 0.75, got %v", plan.BlastRadius)
	}
	if plan.BaselineRevision != 2 {
		t.Errorf("Expected baseline revision 2, got %d", plan.BaselineRevision)
	}
	if !plan.Guardrails.CompilationClean {
		t.Error("Expected compilation_clean to pass")
	}

	disable := entryByRuleID(plan.Entries, "r-900")
	if disable == nil || disable.Action != domain.ActionDisable {
		t.Errorf("Expected r-900 to be disabled, got %+v", disable)
	}
}

func TestPlanEntryOrdering(t *testing.T) {
	store := memory.New()

	seedLiveRule(t, store, "r-b", "Rule B", "sha-old-b", true)
	seedLiveRule(t, store, "r-a", "Rule A", "sha-same-a", true)
	seedLiveRule(t, store, "r-z", "Rule Z", "sha-z", true, "beta_z")
	seedLiveRule(t, store, "r-y", "Rule Y", "sha-y", true, "beta_y")

	pack := seedPack(t, store, []*domain.RulePackItem{
		okItem("r-n2", "New 2", "sha-n2"),
		okItem("r-n1", "New 1", "sha-n1"),
		okItem("r-b", "Rule B", "sha-new-b"),
		okItem("r-a", "Rule A", "sha-same-a"),
	})

	p := newTestPlanner(store, nil)
	plan, err := p.Plan(context.Background(), testTenant, pack, domain.PlanRequest{TagPrefix: "beta_"})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	var got []string
	for _, e := range plan.Entries {
		got = append(got, e.Action+":"+e.RuleID)
	}
	want := []string{
		"CREATE:r-n1", "CREATE:r-n2",
		"UPDATE:r-b",
		"SKIP:r-a",
		"DISABLE:r-y", "DISABLE:r-z",
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d entries, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected entry %d to be %s, got %s", i, want[i], got[i])
		}
	}
}

func TestPlanDeterministic(t *testing.T) {
	store := memory.New()

	seedLiveRule(t, store, "r-1", "Rule 1", "sha-old", true)
	seedLiveRule(t, store, "r-2", "Rule 2", "sha-2", true, "beta_x")

	pack := seedPack(t, store, []*domain.RulePackItem{
		okItem("r-1", "Rule 1", "sha-new"),
		okItem("r-3", "Rule 3", "sha-3"),
	})

	p := newTestPlanner(store, nil)
	first, err := p.Plan(context.Background(), testTenant, pack, domain.PlanRequest{TagPrefix: "beta_"})
	if err != nil {
		t.Fatalf("First plan failed: %v", err)
	}
	second, err := p.Plan(context.Background(), testTenant, pack, domain.PlanRequest{TagPrefix: "beta_"})
	if err != nil {
		t.Fatalf("Second plan failed: %v", err)
	}

	if len(first.Entries) != len(second.Entries) {
		t.Fatalf("Expected identical entry counts, got %d and %d", len(first.Entries), len(second.Entries))
	}
	for i := range first.Entries {
		if first.Entries[i] != second.Entries[i] {
			t.Errorf("Expected entry %d to match: %+v vs %+v", i, first.Entries[i], second.Entries[i])
		}
	}
}

func TestPlanSafeStrategyWithoutPrefix(t *testing.T) {
	store := memory.New()

	seedLiveRule(t, store, "r-stale", "Stale Rule", "sha-stale", true, "beta_old")

	pack := seedPack(t, store, []*domain.RulePackItem{
		okItem("r-new", "New Rule", "sha-new"),
	})

	p := newTestPlanner(store, nil)
	plan, err := p.Plan(context.Background(), testTenant, pack, domain.PlanRequest{Strategy: domain.StrategySafe})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if plan.Summary.Disable != 0 {
		t.Errorf("Expected no disables without a tag prefix, got %d", plan.Summary.Disable)
	}
	stale := entryByRuleID(plan.Entries, "r-stale")
	if stale == nil || stale.Action != domain.ActionSkip {
		t.Errorf("Expected r-stale to be skipped, got %+v", stale)
	}
}

func TestPlanForceStrategy(t *testing.T) {
	store := memory.New()

	seedLiveRule(t, store, "r-beta", "Beta Rule", "sha-beta", true, "beta_x")
	seedLiveRule(t, store, "r-prod", "Prod Rule", "sha-prod", true, "prod")

	pack := seedPack(t, store, []*domain.RulePackItem{
		okItem("r-new", "New Rule", "sha-new"),
	})

	p := newTestPlanner(store, nil)
	plan, err := p.Plan(context.Background(), testTenant, pack, domain.PlanRequest{
		Strategy:  domain.StrategyForce,
		TagPrefix: "beta_",
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if plan.Summary.Disable != 2 {
		t.Errorf("Expected force to disable both stale rules, got %d", plan.Summary.Disable)
	}

	prod := entryByRuleID(plan.Entries, "r-prod")
	if prod == nil || !strings.Contains(prod.Reason, "forced") {
		t.Errorf("Expected forced disable reason for r-prod, got %+v", prod)
	}
	beta := entryByRuleID(plan.Entries, "r-beta")
	if beta == nil || !strings.Contains(beta.Reason, "beta_") {
		t.Errorf("Expected tag prefix reason for r-beta, got %+v", beta)
	}

	var forceWarned bool
	for _, w := range plan.Warnings {
		if strings.Contains(w, "r-prod") && strings.Contains(w, "outside the tag prefix") {
			forceWarned = true
		}
	}
	if !forceWarned {
		t.Errorf("Expected a force-disable warning for r-prod, got %v", plan.Warnings)
	}
}

func TestPlanMatchByName(t *testing.T) {
	store := memory.New()

	seedLiveRule(t, store, "uuid-1", "Suspicious Login", "sha-old", true)

	pack := seedPack(t, store, []*domain.RulePackItem{
		okItem("uuid-9", "Suspicious Login", "sha-new"),
	})

	p := newTestPlanner(store, nil)
	plan, err := p.Plan(context.Background(), testTenant, pack, domain.PlanRequest{MatchBy: domain.MatchByName})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if plan.Summary.Update != 1 || plan.Summary.Create != 0 {
		t.Fatalf("Expected one update and no creates, got %+v", plan.Summary)
	}
	e := plan.Entries[0]
	if e.RuleID != "uuid-1" {
		t.Errorf("Expected entry to target live rule uuid-1, got %s", e.RuleID)
	}
	if e.FromSHA != "sha-old" || e.ToSHA != "sha-new" {
		t.Errorf("Expected sha transition sha-old -> sha-new, got %s -> %s", e.FromSHA, e.ToSHA)
	}
}

func TestPlanMatchByNameFallsBackToRuleID(t *testing.T) {
	store := memory.New()

	seedLiveRule(t, store, "uuid-1", "Old Name", "sha-same", true)

	pack := seedPack(t, store, []*domain.RulePackItem{
		okItem("uuid-1", "Renamed Rule", "sha-same"),
	})

	p := newTestPlanner(store, nil)
	plan, err := p.Plan(context.Background(), testTenant, pack, domain.PlanRequest{MatchBy: domain.MatchByName})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if plan.Summary.Create != 0 {
		t.Fatalf("Expected rename to bind by rule id, got %+v", plan.Summary)
	}
	e := plan.Entries[0]
	if e.Action != domain.ActionUpdate || !strings.Contains(e.Reason, "renamed") {
		t.Errorf("Expected rename update, got %+v", e)
	}
}

func TestPlanReEnablesIdenticalDisabledRule(t *testing.T) {
	store := memory.New()

	seedLiveRule(t, store, "r-1", "Rule 1", "sha-same", false)

	pack := seedPack(t, store, []*domain.RulePackItem{
		okItem("r-1", "Rule 1", "sha-same"),
	})

	p := newTestPlanner(store, nil)
	plan, err := p.Plan(context.Background(), testTenant, pack, domain.PlanRequest{})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	e := plan.Entries[0]
	if e.Action != domain.ActionUpdate {
		t.Errorf("Expected UPDATE for identical disabled rule, got %s", e.Action)
	}
	if !strings.Contains(e.Reason, "re-enabling") {
		t.Errorf("Expected re-enable reason, got %q", e.Reason)
	}
}

func TestPlanSkipsAlreadyDisabledStaleRule(t *testing.T) {
	store := memory.New()

	seedLiveRule(t, store, "r-gone", "Gone Rule", "sha-gone", false, "beta_gone")

	pack := seedPack(t, store, []*domain.RulePackItem{
		okItem("r-new", "New Rule", "sha-new"),
	})

	p := newTestPlanner(store, nil)
	plan, err := p.Plan(context.Background(), testTenant, pack, domain.PlanRequest{
		Strategy:  domain.StrategyForce,
		TagPrefix: "beta_",
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	e := entryByRuleID(plan.Entries, "r-gone")
	if e == nil || e.Action != domain.ActionSkip {
		t.Errorf("Expected already-disabled rule to be skipped, got %+v", e)
	}
	if plan.Summary.Disable != 0 {
		t.Errorf("Expected no disables, got %d", plan.Summary.Disable)
	}
}

func TestPlanBlastRadiusEmptyLiveSet(t *testing.T) {
	store := memory.New()

	pack := seedPack(t, store, []*domain.RulePackItem{
		okItem("r-1", "Rule 1", "sha-1"),
		okItem("r-2", "Rule 2", "sha-2"),
	})

	p := New(store, nil, 10.0, 0.5)
	plan, err := p.Plan(context.Background(), testTenant, pack, domain.PlanRequest{})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	// Denominator clamps to 1 on an empty live set.
	if plan.BlastRadius != 2.0 {
		t.Errorf("Expected blast radius 2.0, got %v", plan.BlastRadius)
	}
	if plan.Guardrails.BlastRadiusOK {
		t.Error("Expected blast_radius_ok to fail above the maximum")
	}

	var found bool
	for _, r := range plan.Guardrails.BlockedReasons {
		if strings.Contains(r, "blast radius") {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected a blast radius blocked reason, got %v", plan.Guardrails.BlockedReasons)
	}
}

func TestPlanCompileFailureBlocks(t *testing.T) {
	store := memory.New()

	broken := okItem("r-bad", "Broken Rule", "sha-bad")
	broken.Compile = domain.CompileResult{OK: false, Errors: []string{"invalid regex"}}

	pack := seedPack(t, store, []*domain.RulePackItem{
		broken,
		okItem("r-good", "Good Rule", "sha-good"),
	})

	p := newTestPlanner(store, nil)
	plan, err := p.Plan(context.Background(), testTenant, pack, domain.PlanRequest{})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if plan.Guardrails.CompilationClean {
		t.Error("Expected compilation_clean to fail")
	}
	var found bool
	for _, r := range plan.Guardrails.BlockedReasons {
		if strings.Contains(r, "r-bad") {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected blocked reason naming r-bad, got %v", plan.Guardrails.BlockedReasons)
	}
}

func TestPlanSeverityDowngradeWarning(t *testing.T) {
	store := memory.New()

	rule := &domain.LiveRule{
		TenantID: testTenant,
		RuleID:   "r-1",
		Name:     "Rule 1",
		Kind:     domain.RuleKindNative,
		Severity: "high",
		Body:     "body",
		SHA256:   "sha-old",
		Enabled:  true,
	}
	if err := store.UpsertLiveRule(context.Background(), rule); err != nil {
		t.Fatalf("Failed to seed live rule: %v", err)
	}

	item := okItem("r-1", "Rule 1", "sha-new")
	item.Severity = "low"
	pack := seedPack(t, store, []*domain.RulePackItem{item})

	p := newTestPlanner(store, nil)
	plan, err := p.Plan(context.Background(), testTenant, pack, domain.PlanRequest{})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	var found bool
	for _, w := range plan.Warnings {
		if strings.Contains(w, "severity downgrade") && strings.Contains(w, "high -> low") {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected severity downgrade warning, got %v", plan.Warnings)
	}
}

func TestPlanHotDisableWarning(t *testing.T) {
	store := memory.New()
	rt := runtime.NewStatic()
	rt.SetRate(testTenant, "r-hot", 12.0)

	seedLiveRule(t, store, "r-hot", "Hot Rule", "sha-hot", true, "beta_hot")
	seedLiveRule(t, store, "r-cold", "Cold Rule", "sha-cold", true, "beta_cold")

	pack := seedPack(t, store, []*domain.RulePackItem{
		okItem("r-new", "New Rule", "sha-new"),
	})

	p := newTestPlanner(store, rt)
	plan, err := p.Plan(context.Background(), testTenant, pack, domain.PlanRequest{TagPrefix: "beta_"})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	var hot, cold bool
	for _, w := range plan.Warnings {
		if strings.Contains(w, "r-hot") && strings.Contains(w, "alert volume") {
			hot = true
		}
		if strings.Contains(w, "r-cold") {
			cold = true
		}
	}
	if !hot {
		t.Errorf("Expected alert volume warning for r-hot, got %v", plan.Warnings)
	}
	if cold {
		t.Errorf("Expected no warning for r-cold, got %v", plan.Warnings)
	}
}

func TestPlanValidation(t *testing.T) {
	store := memory.New()
	pack := seedPack(t, store, []*domain.RulePackItem{
		okItem("r-1", "Rule 1", "sha-1"),
	})
	p := newTestPlanner(store, nil)

	tests := []struct {
		name string
		req  domain.PlanRequest
	}{
		{"bad strategy", domain.PlanRequest{Strategy: "yolo"}},
		{"bad match_by", domain.PlanRequest{MatchBy: "fingerprint"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Plan(context.Background(), testTenant, pack, tt.req)
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestPlanPersisted(t *testing.T) {
	store := memory.New()
	pack := seedPack(t, store, []*domain.RulePackItem{
		okItem("r-1", "Rule 1", "sha-1"),
	})

	p := newTestPlanner(store, nil)
	plan, err := p.Plan(context.Background(), testTenant, pack, domain.PlanRequest{})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	stored, err := store.GetPlan(context.Background(), testTenant, plan.ID)
	if err != nil {
		t.Fatalf("Failed to load stored plan: %v", err)
	}
	if stored.Summary != plan.Summary {
		t.Errorf("Expected stored summary %+v, got %+v", plan.Summary, stored.Summary)
	}
	if stored.Strategy != domain.StrategySafe || stored.MatchBy != domain.MatchByRuleID {
		t.Errorf("Expected defaults safe/rule_id, got %s/%s", stored.Strategy, stored.MatchBy)
	}
}
