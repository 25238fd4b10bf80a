package deploy

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haywardsec/rulegate/internal/domain"
	"github.com/haywardsec/rulegate/internal/guardrail"
	"github.com/haywardsec/rulegate/internal/lock"
	"github.com/haywardsec/rulegate/internal/planner"
	"github.com/haywardsec/rulegate/internal/runtime"
	"github.com/haywardsec/rulegate/internal/storage/memory"
	"github.com/sirupsen/logrus"
)

const testTenant = "tenant-a"

type testEnv struct {
	store *memory.Store
	rt    *runtime.Static
	exec  *Executor
	plnr  *planner.Planner
}

type envOptions struct {
	quota    int
	maxBlast float64
	lockWait time.Duration
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, envOptions{maxBlast: 100.0, lockWait: 100 * time.Millisecond})
}

func newTestEnvWith(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	store := memory.New()
	rt := runtime.NewStatic()
	log := logrus.New()
	log.SetOutput(io.Discard)
	evaluator := guardrail.New(store, rt, opts.quota, opts.maxBlast, guardrail.DefaultRiskPolicy(10.0, nil))
	locker := lock.NewStoreLocker(store, opts.lockWait)
	return &testEnv{
		store: store,
		rt:    rt,
		exec:  NewExecutor(store, locker, evaluator, nil, log, time.Minute),
		plnr:  planner.New(store, rt, 10.0, opts.maxBlast),
	}
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

func seedPack(t *testing.T, store *memory.Store, packID string, items []*domain.RulePackItem) *domain.RulePack {
	t.Helper()
	pack := &domain.RulePack{
		ID:        packID,
		TenantID:  testTenant,
		Name:      "endpoint-rules",
		Version:   "1.2.0",
		SHA256:    "sha-" + packID,
		ItemCount: len(items),
		Source:    domain.PackSourceAPI,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateRulePack(context.Background(), pack); err != nil {
		t.Fatalf("Failed to create pack: %v", err)
	}
	for i, item := range items {
		item.ID = packID + "-item-" + item.RuleID
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

func makePlan(t *testing.T, env *testEnv, pack *domain.RulePack, req domain.PlanRequest) *domain.Plan {
	t.Helper()
	plan, err := env.plnr.Plan(context.Background(), testTenant, pack, req)
	if err != nil {
		t.Fatalf("Failed to build plan: %v", err)
	}
	return plan
}

func tenantRevision(t *testing.T, store *memory.Store) int64 {
	t.Helper()
	rev, err := store.GetTenantRevision(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("Failed to read tenant revision: %v", err)
	}
	return rev
}

// ruleContent holds the fields a rollback restores byte-for-byte.
// DeployedBy and UpdatedAt are bookkeeping and change on every write.
type ruleContent struct {
	Name     string
	Kind     string
	Severity string
	Body     string
	SHA      string
	Enabled  bool
	Tags     string
}

func liveContents(t *testing.T, store *memory.Store) map[string]ruleContent {
	t.Helper()
	rules, err := store.ListLiveRules(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("Failed to list live rules: %v", err)
	}
	out := make(map[string]ruleContent, len(rules))
	for _, r := range rules {
		out[r.RuleID] = ruleContent{
			Name:     r.Name,
			Kind:     r.Kind,
			Severity: r.Severity,
			Body:     r.Body,
			SHA:      r.SHA256,
			Enabled:  r.Enabled,
			Tags:     strings.Join(r.Tags, ","),
		}
	}
	return out
}

func assertSameContents(t *testing.T, want, got map[string]ruleContent) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("Expected %d live rules, got %d", len(want), len(got))
	}
	for id, w := range want {
		g, ok := got[id]
		if !ok {
			t.Errorf("Expected rule %s to be live", id)
			continue
		}
		if g != w {
			t.Errorf("Rule %s content mismatch: expected %+v, got %+v", id, w, g)
		}
	}
}

func assertLockFree(t *testing.T, store *memory.Store) {
	t.Helper()
	if holder, _, err := store.GetLockHolder(context.Background(), testTenant); err != domain.ErrNotFound {
		t.Errorf("Expected lock to be released, held by %q (err %v)", holder, err)
	}
}

func TestApplyCreatesUpdatesDisables(t *testing.T) {
	env := newTestEnv(t)
	seedLiveRule(t, env.store, "m-update", "Suspicious service install", "sha-1", true, "soc_managed")
	seedLiveRule(t, env.store, "d-stale", "Retired beacon rule", "sha-9", true, "soc_managed")
	pack := seedPack(t, env.store, "pack-1", []*domain.RulePackItem{
		okItem("m-update", "Suspicious service install", "sha-2"),
		okItem("c-new", "New lateral movement rule", "sha-3"),
	})
	plan := makePlan(t, env, pack, domain.PlanRequest{TagPrefix: "soc_"})

	resp, err := env.exec.Apply(context.Background(), testTenant, domain.ApplyRequest{
		PlanID:         plan.ID,
		Actor:          "analyst",
		IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if resp.Replayed {
		t.Error("Expected a fresh deployment, got a replay")
	}
	d := resp.Deployment
	if d.Status != domain.DeployStatusApplied {
		t.Errorf("Expected status %s, got %s", domain.DeployStatusApplied, d.Status)
	}
	if d.Actor != "analyst" {
		t.Errorf("Expected actor analyst, got %q", d.Actor)
	}
	if d.FinishedAt == nil {
		t.Error("Expected finished_at to be set")
	}
	if d.Summary != (domain.DeploySummary{Create: 1, Update: 1, Disable: 1}) {
		t.Errorf("Unexpected summary %+v", d.Summary)
	}
	if len(d.BeforeImages) != 3 {
		t.Errorf("Expected 3 before-images, got %d", len(d.BeforeImages))
	}

	created, err := env.store.GetLiveRule(context.Background(), testTenant, "c-new")
	if err != nil {
		t.Fatalf("Expected c-new to be live: %v", err)
	}
	if !created.Enabled || created.SHA256 != "sha-3" || created.DeployedBy != d.ID {
		t.Errorf("Unexpected created rule %+v", created)
	}
	updated, _ := env.store.GetLiveRule(context.Background(), testTenant, "m-update")
	if updated.SHA256 != "sha-2" || !updated.Enabled {
		t.Errorf("Expected m-update at sha-2 enabled, got %+v", updated)
	}
	disabled, _ := env.store.GetLiveRule(context.Background(), testTenant, "d-stale")
	if disabled.Enabled {
		t.Error("Expected d-stale to be disabled")
	}
	if disabled.SHA256 != "sha-9" || disabled.DeployedBy != d.ID {
		t.Errorf("Expected d-stale body preserved and stamped, got %+v", disabled)
	}

	if rev := tenantRevision(t, env.store); rev != plan.BaselineRevision+1 {
		t.Errorf("Expected revision %d, got %d", plan.BaselineRevision+1, rev)
	}
	assertLockFree(t, env.store)

	artifacts, err := env.store.ListArtifacts(context.Background(), testTenant, d.ID)
	if err != nil {
		t.Fatalf("Failed to list artifacts: %v", err)
	}
	kinds := make(map[string]int)
	for _, a := range artifacts {
		kinds[a.Kind]++
	}
	if kinds[domain.ArtifactKindPlan] != 1 || kinds[domain.ArtifactKindApply] != 1 {
		t.Errorf("Expected one plan and one apply artifact, got %v", kinds)
	}
}

func TestApplyDryRunDoesNotMutate(t *testing.T) {
	env := newTestEnv(t)
	seedLiveRule(t, env.store, "m-update", "Suspicious service install", "sha-1", true)
	pack := seedPack(t, env.store, "pack-1", []*domain.RulePackItem{
		okItem("m-update", "Suspicious service install", "sha-2"),
		okItem("c-new", "New lateral movement rule", "sha-3"),
	})
	plan := makePlan(t, env, pack, domain.PlanRequest{})
	before := liveContents(t, env.store)

	resp, err := env.exec.Apply(context.Background(), testTenant, domain.ApplyRequest{
		PlanID:         plan.ID,
		Actor:          "analyst",
		IdempotencyKey: "key-dry",
		DryRun:         true,
	})
	if err != nil {
		t.Fatalf("Dry run failed: %v", err)
	}
	d := resp.Deployment
	if !d.DryRun {
		t.Error("Expected dry_run to be set on the deployment")
	}
	if d.Status != domain.DeployStatusPlanned {
		t.Errorf("Expected status %s, got %s", domain.DeployStatusPlanned, d.Status)
	}
	if d.FinishedAt == nil {
		t.Error("Expected finished_at to be set")
	}

	assertSameContents(t, before, liveContents(t, env.store))
	if rev := tenantRevision(t, env.store); rev != 0 {
		t.Errorf("Expected revision 0 after dry run, got %d", rev)
	}
	assertLockFree(t, env.store)

	// The key is spent: a repeat of the same plan replays the dry run.
	again, err := env.exec.Apply(context.Background(), testTenant, domain.ApplyRequest{
		PlanID:         plan.ID,
		Actor:          "analyst",
		IdempotencyKey: "key-dry",
	})
	if err != nil {
		t.Fatalf("Replay after dry run failed: %v", err)
	}
	if !again.Replayed || again.Deployment.ID != d.ID {
		t.Errorf("Expected replay of dry run %s, got %+v", d.ID, again)
	}
}

func TestApplyReplaysIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	pack := seedPack(t, env.store, "pack-1", []*domain.RulePackItem{
		okItem("c-new", "New lateral movement rule", "sha-3"),
	})
	plan := makePlan(t, env, pack, domain.PlanRequest{})
	req := domain.ApplyRequest{PlanID: plan.ID, Actor: "analyst", IdempotencyKey: "key-1"}

	first, err := env.exec.Apply(context.Background(), testTenant, req)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	second, err := env.exec.Apply(context.Background(), testTenant, req)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if !second.Replayed {
		t.Error("Expected second apply to be a replay")
	}
	if second.Deployment.ID != first.Deployment.ID {
		t.Errorf("Expected deployment %s, got %s", first.Deployment.ID, second.Deployment.ID)
	}

	deployments, _ := env.store.ListDeployments(context.Background(), testTenant)
	if len(deployments) != 1 {
		t.Errorf("Expected 1 deployment row, got %d", len(deployments))
	}
	if rev := tenantRevision(t, env.store); rev != 1 {
		t.Errorf("Expected revision 1, got %d", rev)
	}
}

func TestApplyRejectsReusedKeyForDifferentPlan(t *testing.T) {
	env := newTestEnv(t)
	packA := seedPack(t, env.store, "pack-a", []*domain.RulePackItem{
		okItem("c-new", "New lateral movement rule", "sha-3"),
	})
	planA := makePlan(t, env, packA, domain.PlanRequest{})
	if _, err := env.exec.Apply(context.Background(), testTenant, domain.ApplyRequest{
		PlanID:         planA.ID,
		Actor:          "analyst",
		IdempotencyKey: "key-1",
	}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	packB := seedPack(t, env.store, "pack-b", []*domain.RulePackItem{
		okItem("c-other", "Other rule", "sha-4"),
	})
	planB := makePlan(t, env, packB, domain.PlanRequest{})
	_, err := env.exec.Apply(context.Background(), testTenant, domain.ApplyRequest{
		PlanID:         planB.ID,
		Actor:          "analyst",
		IdempotencyKey: "key-1",
	})
	var blocked *domain.GuardrailBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("Expected GuardrailBlockedError, got %v", err)
	}
	if blocked.Status.IdempotencyOK {
		t.Error("Expected idempotency guardrail to fail")
	}

	deployments, _ := env.store.ListDeployments(context.Background(), testTenant)
	if len(deployments) != 1 {
		t.Errorf("Expected no new deployment row, got %d rows", len(deployments))
	}
}

func TestApplyStalePlan(t *testing.T) {
	env := newTestEnv(t)
	seedLiveRule(t, env.store, "m-update", "Suspicious service install", "sha-1", true)
	pack := seedPack(t, env.store, "pack-1", []*domain.RulePackItem{
		okItem("m-update", "Suspicious service install", "sha-2"),
	})
	plan := makePlan(t, env, pack, domain.PlanRequest{})

	// Another deployment lands after planning.
	if _, err := env.store.IncrementTenantRevision(context.Background(), testTenant); err != nil {
		t.Fatalf("Failed to bump revision: %v", err)
	}

	_, err := env.exec.Apply(context.Background(), testTenant, domain.ApplyRequest{
		PlanID:         plan.ID,
		Actor:          "analyst",
		IdempotencyKey: "key-1",
	})
	if !errors.Is(err, domain.ErrStalePlan) {
		t.Fatalf("Expected ErrStalePlan, got %v", err)
	}

	d, err := env.store.GetDeploymentByIdempotencyKey(context.Background(), testTenant, "key-1")
	if err != nil {
		t.Fatalf("Expected a failed deployment row: %v", err)
	}
	if d.Status != domain.DeployStatusFailed {
		t.Errorf("Expected status %s, got %s", domain.DeployStatusFailed, d.Status)
	}
	if len(d.Errors) == 0 || !strings.Contains(d.Errors[0], "baseline revision") {
		t.Errorf("Expected a baseline revision error, got %v", d.Errors)
	}

	rule, _ := env.store.GetLiveRule(context.Background(), testTenant, "m-update")
	if rule.SHA256 != "sha-1" {
		t.Errorf("Expected live rule untouched at sha-1, got %s", rule.SHA256)
	}
	assertLockFree(t, env.store)
}

func TestApplyBlastRadiusRefusalThenForce(t *testing.T) {
	env := newTestEnvWith(t, envOptions{maxBlast: 0.5, lockWait: 100 * time.Millisecond})
	for _, id := range []string{"r-1", "r-2", "r-3", "r-4"} {
		seedLiveRule(t, env.store, id, "Rule "+id, "sha-"+id, true)
	}
	pack := seedPack(t, env.store, "pack-1", []*domain.RulePackItem{
		okItem("r-1", "Rule r-1", "sha-new-1"),
		okItem("r-2", "Rule r-2", "sha-new-2"),
		okItem("r-3", "Rule r-3", "sha-new-3"),
		okItem("r-4", "Rule r-4", "sha-r-4"),
	})
	plan := makePlan(t, env, pack, domain.PlanRequest{})

	_, err := env.exec.Apply(context.Background(), testTenant, domain.ApplyRequest{
		PlanID:         plan.ID,
		Actor:          "analyst",
		IdempotencyKey: "key-1",
	})
	var blocked *domain.GuardrailBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("Expected GuardrailBlockedError, got %v", err)
	}
	if blocked.Status.BlastRadiusOK {
		t.Error("Expected blast radius guardrail to fail")
	}
	if rule, _ := env.store.GetLiveRule(context.Background(), testTenant, "r-1"); rule.SHA256 != "sha-r-1" {
		t.Errorf("Expected r-1 untouched, got %s", rule.SHA256)
	}

	resp, err := env.exec.Apply(context.Background(), testTenant, domain.ApplyRequest{
		PlanID:         plan.ID,
		Actor:          "analyst",
		IdempotencyKey: "key-2",
		Force:          true,
		ForceReason:    "emergency coverage push approved by on-call",
	})
	if err != nil {
		t.Fatalf("Forced apply failed: %v", err)
	}
	if resp.Deployment.Status != domain.DeployStatusApplied {
		t.Errorf("Expected status %s, got %s", domain.DeployStatusApplied, resp.Deployment.Status)
	}
	if rule, _ := env.store.GetLiveRule(context.Background(), testTenant, "r-1"); rule.SHA256 != "sha-new-1" {
		t.Errorf("Expected r-1 at sha-new-1 after force, got %s", rule.SHA256)
	}
}

func TestApplyPartialFailureReverts(t *testing.T) {
	env := newTestEnv(t)
	seedLiveRule(t, env.store, "m-update", "Suspicious service install", "sha-1", true)
	pack := seedPack(t, env.store, "pack-1", []*domain.RulePackItem{
		okItem("a-create", "Brand new rule", "sha-n"),
		okItem("m-update", "Suspicious service install", "sha-2"),
	})
	plan := makePlan(t, env, pack, domain.PlanRequest{})

	// The live body drifts between planning and apply, tripping the
	// from_sha precondition on the update entry.
	seedLiveRule(t, env.store, "m-update", "Suspicious service install", "sha-drift", true)

	_, err := env.exec.Apply(context.Background(), testTenant, domain.ApplyRequest{
		PlanID:         plan.ID,
		Actor:          "analyst",
		IdempotencyKey: "key-1",
	})
	var perr *domain.PartialApplyError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected PartialApplyError, got %v", err)
	}
	if perr.RuleID != "m-update" {
		t.Errorf("Expected failing rule m-update, got %q", perr.RuleID)
	}
	if perr.RevertErrors != nil {
		t.Errorf("Expected clean revert, got %v", perr.RevertErrors)
	}

	// The create that went through first was reverted.
	if _, err := env.store.GetLiveRule(context.Background(), testTenant, "a-create"); err != domain.ErrNotFound {
		t.Errorf("Expected a-create to be reverted, got err %v", err)
	}
	if rule, _ := env.store.GetLiveRule(context.Background(), testTenant, "m-update"); rule.SHA256 != "sha-drift" {
		t.Errorf("Expected m-update untouched at sha-drift, got %s", rule.SHA256)
	}
	if rev := tenantRevision(t, env.store); rev != 0 {
		t.Errorf("Expected revision unchanged, got %d", rev)
	}

	d, err := env.store.GetDeploymentByIdempotencyKey(context.Background(), testTenant, "key-1")
	if err != nil {
		t.Fatalf("Expected a failed deployment row: %v", err)
	}
	if d.Status != domain.DeployStatusFailed {
		t.Errorf("Expected status %s, got %s", domain.DeployStatusFailed, d.Status)
	}
	assertLockFree(t, env.store)
}

func TestApplyValidation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		req  domain.ApplyRequest
	}{
		{"missing plan_id", domain.ApplyRequest{Actor: "a", IdempotencyKey: "k"}},
		{"missing actor", domain.ApplyRequest{PlanID: "p", IdempotencyKey: "k"}},
		{"missing idempotency_key", domain.ApplyRequest{PlanID: "p", Actor: "a"}},
		{"blank idempotency_key", domain.ApplyRequest{PlanID: "p", Actor: "a", IdempotencyKey: "   "}},
		{"force without reason", domain.ApplyRequest{PlanID: "p", Actor: "a", IdempotencyKey: "k", Force: true}},
		{"canary not ending at 100", domain.ApplyRequest{
			PlanID: "p", Actor: "a", IdempotencyKey: "k",
			Canary: &domain.CanaryConfig{Stages: []int{10, 50}, IntervalSec: 60},
		}},
		{"canary interval too small", domain.ApplyRequest{
			PlanID: "p", Actor: "a", IdempotencyKey: "k",
			Canary: &domain.CanaryConfig{Stages: []int{10, 100}, IntervalSec: 10},
		}},
		{"canary stages not increasing", domain.ApplyRequest{
			PlanID: "p", Actor: "a", IdempotencyKey: "k",
			Canary: &domain.CanaryConfig{Stages: []int{50, 10, 100}, IntervalSec: 60},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.exec.Apply(context.Background(), testTenant, tt.req)
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("Expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestApplyPlanNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.exec.Apply(context.Background(), testTenant, domain.ApplyRequest{
		PlanID:         "missing",
		Actor:          "analyst",
		IdempotencyKey: "key-1",
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestApplyWhileLockHeld(t *testing.T) {
	env := newTestEnv(t)
	pack := seedPack(t, env.store, "pack-1", []*domain.RulePackItem{
		okItem("c-new", "New lateral movement rule", "sha-3"),
	})
	plan := makePlan(t, env, pack, domain.PlanRequest{})

	// A canary deployment keeps the tenant lock for its whole rollout.
	if _, err := env.exec.Apply(context.Background(), testTenant, domain.ApplyRequest{
		PlanID:         plan.ID,
		Actor:          "analyst",
		IdempotencyKey: "key-canary",
		Canary:         &domain.CanaryConfig{Stages: []int{10, 100}, IntervalSec: 60},
	}); err != nil {
		t.Fatalf("Canary apply failed: %v", err)
	}

	pack2 := seedPack(t, env.store, "pack-2", []*domain.RulePackItem{
		okItem("c-other", "Other rule", "sha-4"),
	})
	plan2 := makePlan(t, env, pack2, domain.PlanRequest{})
	_, err := env.exec.Apply(context.Background(), testTenant, domain.ApplyRequest{
		PlanID:         plan2.ID,
		Actor:          "analyst",
		IdempotencyKey: "key-2",
	})
	if !errors.Is(err, domain.ErrLockConflict) {
		t.Errorf("Expected ErrLockConflict, got %v", err)
	}
}

func TestConcurrentApplySameKey(t *testing.T) {
	env := newTestEnvWith(t, envOptions{maxBlast: 100.0, lockWait: 2 * time.Second})
	pack := seedPack(t, env.store, "pack-1", []*domain.RulePackItem{
		okItem("c-new", "New lateral movement rule", "sha-3"),
	})
	plan := makePlan(t, env, pack, domain.PlanRequest{})
	req := domain.ApplyRequest{PlanID: plan.ID, Actor: "analyst", IdempotencyKey: "key-1"}

	var wg sync.WaitGroup
	responses := make([]*domain.ApplyResponse, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], errs[i] = env.exec.Apply(context.Background(), testTenant, req)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Apply %d failed: %v", i, err)
		}
	}
	if responses[0].Deployment.ID != responses[1].Deployment.ID {
		t.Errorf("Expected both applies to converge on one deployment, got %s and %s",
			responses[0].Deployment.ID, responses[1].Deployment.ID)
	}
	if responses[0].Replayed == responses[1].Replayed {
		t.Errorf("Expected exactly one replay, got %v and %v", responses[0].Replayed, responses[1].Replayed)
	}

	deployments, _ := env.store.ListDeployments(context.Background(), testTenant)
	if len(deployments) != 1 {
		t.Errorf("Expected 1 deployment row, got %d", len(deployments))
	}
	if rev := tenantRevision(t, env.store); rev != 1 {
		t.Errorf("Expected revision 1, got %d", rev)
	}
}

func TestApplyThenRollbackRestoresBytes(t *testing.T) {
	env := newTestEnv(t)
	seedLiveRule(t, env.store, "m-update", "Suspicious service install", "sha-1", true, "soc_managed")
	seedLiveRule(t, env.store, "d-stale", "Retired beacon rule", "sha-9", true, "soc_managed")
	seedLiveRule(t, env.store, "u-untouched", "Unrelated rule", "sha-5", true)
	pack := seedPack(t, env.store, "pack-1", []*domain.RulePackItem{
		okItem("m-update", "Suspicious service install", "sha-2"),
		okItem("c-new", "New lateral movement rule", "sha-3"),
		okItem("u-untouched", "Unrelated rule", "sha-5"),
	})
	plan := makePlan(t, env, pack, domain.PlanRequest{TagPrefix: "soc_"})
	before := liveContents(t, env.store)

	applied, err := env.exec.Apply(context.Background(), testTenant, domain.ApplyRequest{
		PlanID:         plan.ID,
		Actor:          "analyst",
		IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	resp, err := env.exec.Rollback(context.Background(), testTenant, applied.Deployment.ID, "bad detection push")
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	rb := resp.Deployment
	if rb.Status != domain.DeployStatusRolledBack {
		t.Errorf("Expected status %s, got %s", domain.DeployStatusRolledBack, rb.Status)
	}
	if rb.RolledBackFrom != applied.Deployment.ID {
		t.Errorf("Expected rolled_back_from %s, got %s", applied.Deployment.ID, rb.RolledBackFrom)
	}
	if rb.RolledBackTo != applied.Deployment.BaselineRevision {
		t.Errorf("Expected rolled_back_to %d, got %d", applied.Deployment.BaselineRevision, rb.RolledBackTo)
	}
	if rb.IdempotencyKey != "rollback:"+applied.Deployment.ID {
		t.Errorf("Unexpected rollback idempotency key %q", rb.IdempotencyKey)
	}
	if rb.Summary != (domain.DeploySummary{Update: 2, Disable: 1}) {
		t.Errorf("Unexpected rollback summary %+v", rb.Summary)
	}

	orig, err := env.store.GetDeployment(context.Background(), testTenant, applied.Deployment.ID)
	if err != nil {
		t.Fatalf("Failed to fetch original deployment: %v", err)
	}
	if orig.Status != domain.DeployStatusRolledBack {
		t.Errorf("Expected original flipped to %s, got %s", domain.DeployStatusRolledBack, orig.Status)
	}

	assertSameContents(t, before, liveContents(t, env.store))
	if rev := tenantRevision(t, env.store); rev != 2 {
		t.Errorf("Expected revision 2 after apply and rollback, got %d", rev)
	}
	assertLockFree(t, env.store)

	artifacts, _ := env.store.ListArtifacts(context.Background(), testTenant, rb.ID)
	found := false
	for _, a := range artifacts {
		if a.Kind == domain.ArtifactKindRollback {
			found = true
			if !strings.Contains(a.Content, "bad detection push") {
				t.Errorf("Expected rollback artifact to carry the reason, got %s", a.Content)
			}
		}
	}
	if !found {
		t.Error("Expected a rollback artifact")
	}
}

func TestRollbackOfRolledBackIsStale(t *testing.T) {
	env := newTestEnv(t)
	pack := seedPack(t, env.store, "pack-1", []*domain.RulePackItem{
		okItem("c-new", "New lateral movement rule", "sha-3"),
	})
	plan := makePlan(t, env, pack, domain.PlanRequest{})
	applied, err := env.exec.Apply(context.Background(), testTenant, domain.ApplyRequest{
		PlanID:         plan.ID,
		Actor:          "analyst",
		IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if _, err := env.exec.Rollback(context.Background(), testTenant, applied.Deployment.ID, ""); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	_, err = env.exec.Rollback(context.Background(), testTenant, applied.Deployment.ID, "")
	if !errors.Is(err, domain.ErrStaleTarget) {
		t.Errorf("Expected ErrStaleTarget, got %v", err)
	}
}

func TestRollbackTargetsMustBeApplied(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.exec.Rollback(context.Background(), testTenant, "missing", ""); !errors.Is(err, domain.ErrStaleTarget) {
		t.Errorf("Expected ErrStaleTarget for unknown deployment, got %v", err)
	}

	// A failed deployment has nothing to undo.
	pack := seedPack(t, env.store, "pack-1", []*domain.RulePackItem{
		okItem("c-new", "New lateral movement rule", "sha-3"),
	})
	plan := makePlan(t, env, pack, domain.PlanRequest{})
	if _, err := env.store.IncrementTenantRevision(context.Background(), testTenant); err != nil {
		t.Fatalf("Failed to bump revision: %v", err)
	}
	if _, err := env.exec.Apply(context.Background(), testTenant, domain.ApplyRequest{
		PlanID:         plan.ID,
		Actor:          "analyst",
		IdempotencyKey: "key-1",
	}); !errors.Is(err, domain.ErrStalePlan) {
		t.Fatalf("Expected ErrStalePlan, got %v", err)
	}
	failed, err := env.store.GetDeploymentByIdempotencyKey(context.Background(), testTenant, "key-1")
	if err != nil {
		t.Fatalf("Expected a failed deployment row: %v", err)
	}
	if _, err := env.exec.Rollback(context.Background(), testTenant, failed.ID, ""); !errors.Is(err, domain.ErrStaleTarget) {
		t.Errorf("Expected ErrStaleTarget for failed deployment, got %v", err)
	}
}

func TestRollbackWithLiveCanaryIsStale(t *testing.T) {
	env := newTestEnv(t)
	pack := seedPack(t, env.store, "pack-1", []*domain.RulePackItem{
		okItem("c-new", "New lateral movement rule", "sha-3"),
	})
	plan := makePlan(t, env, pack, domain.PlanRequest{})
	applied, err := env.exec.Apply(context.Background(), testTenant, domain.ApplyRequest{
		PlanID:         plan.ID,
		Actor:          "analyst",
		IdempotencyKey: "key-1",
		Canary:         &domain.CanaryConfig{Stages: []int{10, 100}, IntervalSec: 60},
	})
	if err != nil {
		t.Fatalf("Canary apply failed: %v", err)
	}

	_, err = env.exec.Rollback(context.Background(), testTenant, applied.Deployment.ID, "")
	if !errors.Is(err, domain.ErrStaleTarget) {
		t.Errorf("Expected ErrStaleTarget while canary is live, got %v", err)
	}
}

func TestRollbackBlockedThenResumed(t *testing.T) {
	env := newTestEnv(t)
	seedLiveRule(t, env.store, "m-update", "Suspicious service install", "sha-1", true)
	pack := seedPack(t, env.store, "pack-1", []*domain.RulePackItem{
		okItem("m-update", "Suspicious service install", "sha-2"),
	})
	plan := makePlan(t, env, pack, domain.PlanRequest{})
	applied, err := env.exec.Apply(context.Background(), testTenant, domain.ApplyRequest{
		PlanID:         plan.ID,
		Actor:          "analyst",
		IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	env.rt.SetHealthErr(errors.New("ingest pipeline lagging"))
	_, err = env.exec.Rollback(context.Background(), testTenant, applied.Deployment.ID, "")
	var blocked *domain.GuardrailBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("Expected GuardrailBlockedError, got %v", err)
	}
	if blocked.Status.HealthOK {
		t.Error("Expected health guardrail to fail")
	}
	failedRow, err := env.store.GetDeploymentByIdempotencyKey(context.Background(), testTenant, "rollback:"+applied.Deployment.ID)
	if err != nil {
		t.Fatalf("Expected a failed rollback row: %v", err)
	}
	if failedRow.Status != domain.DeployStatusFailed {
		t.Errorf("Expected status %s, got %s", domain.DeployStatusFailed, failedRow.Status)
	}
	if rule, _ := env.store.GetLiveRule(context.Background(), testTenant, "m-update"); rule.SHA256 != "sha-2" {
		t.Errorf("Expected live rule untouched at sha-2, got %s", rule.SHA256)
	}

	// The derived key is fixed, so the retry resumes the same row.
	env.rt.SetHealthErr(nil)
	resp, err := env.exec.Rollback(context.Background(), testTenant, applied.Deployment.ID, "")
	if err != nil {
		t.Fatalf("Retried rollback failed: %v", err)
	}
	if resp.Deployment.ID != failedRow.ID {
		t.Errorf("Expected retry to resume row %s, got %s", failedRow.ID, resp.Deployment.ID)
	}
	if resp.Deployment.Status != domain.DeployStatusRolledBack {
		t.Errorf("Expected status %s, got %s", domain.DeployStatusRolledBack, resp.Deployment.Status)
	}
	if rule, _ := env.store.GetLiveRule(context.Background(), testTenant, "m-update"); rule.SHA256 != "sha-1" {
		t.Errorf("Expected live rule restored to sha-1, got %s", rule.SHA256)
	}
}
