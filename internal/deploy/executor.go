// Package deploy executes deployment plans against a tenant's live rule
// set, including staged canary rollouts and before-image rollbacks.
package deploy

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haywardsec/rulegate/internal/domain"
	"github.com/haywardsec/rulegate/internal/guardrail"
	"github.com/haywardsec/rulegate/internal/lock"
	"github.com/haywardsec/rulegate/internal/metrics"
	"github.com/haywardsec/rulegate/internal/storage"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Executor applies plans and drives canary and rollback transitions.
// All mutations for a tenant are serialized behind the deployment lock.
type Executor struct {
	store     storage.Storage
	locker    lock.Locker
	evaluator *guardrail.Evaluator
	metrics   *metrics.Metrics
	log       *logrus.Logger
	lockTTL   time.Duration
}

// NewExecutor creates an Executor.
func NewExecutor(store storage.Storage, locker lock.Locker, evaluator *guardrail.Evaluator, m *metrics.Metrics, log *logrus.Logger, lockTTL time.Duration) *Executor {
	return &Executor{
		store:     store,
		locker:    locker,
		evaluator: evaluator,
		metrics:   m,
		log:       log,
		lockTTL:   lockTTL,
	}
}

// Apply executes a plan under the tenant deployment lock.
//
// The request is idempotent on (tenant, idempotency_key, plan_id): a repeat
// returns the original deployment with Replayed set, whatever its status.
func (e *Executor) Apply(ctx context.Context, tenantID string, req domain.ApplyRequest) (*domain.ApplyResponse, error) {
	if err := validateApplyRequest(req); err != nil {
		return nil, err
	}

	plan, err := e.store.GetPlan(ctx, tenantID, req.PlanID)
	if err != nil {
		return nil, err
	}

	// Idempotency replay, before any side effect.
	if resp, err := e.replayOf(ctx, tenantID, plan, req.IdempotencyKey); resp != nil || err != nil {
		return resp, err
	}

	lease, err := e.locker.Acquire(ctx, tenantID, req.IdempotencyKey, e.lockTTL)
	if err != nil {
		return nil, err
	}

	// A concurrent apply of the same key may have finished while this one
	// waited for the lock.
	if resp, err := e.replayOf(ctx, tenantID, plan, req.IdempotencyKey); resp != nil || err != nil {
		lease.Release(ctx)
		return resp, err
	}

	started := time.Now().UTC()
	d := &domain.Deployment{
		ID:               uuid.New().String(),
		PlanID:           plan.ID,
		PackID:           plan.PackID,
		TenantID:         tenantID,
		Status:           domain.DeployStatusPlanned,
		Actor:            req.Actor,
		DryRun:           req.DryRun,
		Force:            req.Force,
		ForceReason:      req.ForceReason,
		IdempotencyKey:   req.IdempotencyKey,
		Summary:          plan.Summary,
		BlastRadius:      plan.BlastRadius,
		Guardrails:       domain.AllClearStatus(),
		BaselineRevision: plan.BaselineRevision,
		StartedAt:        started,
	}

	// The plan must still describe current state.
	revision, err := e.store.GetTenantRevision(ctx, tenantID)
	if err != nil {
		lease.Release(ctx)
		return nil, err
	}
	if revision != plan.BaselineRevision {
		reason := fmt.Sprintf("plan baseline revision %d does not match current revision %d", plan.BaselineRevision, revision)
		e.finalizeFailed(ctx, d, lease, []string{reason})
		return nil, fmt.Errorf("%s: %w", reason, domain.ErrStalePlan)
	}

	status, err := e.evaluator.Evaluate(ctx, plan, req)
	if err != nil {
		lease.Release(ctx)
		return nil, err
	}
	d.Guardrails = status

	if !status.Clear(req.Force) {
		e.log.WithFields(logrus.Fields{
			"tenant":  tenantID,
			"plan":    plan.ID,
			"blocked": status.Failing(),
		}).Warn("Guardrails blocked deployment")
		e.metrics.RecordGuardrailBlocks(status.Failing())
		e.finalizeFailed(ctx, d, lease, status.BlockedReasons)
		return nil, &domain.GuardrailBlockedError{Status: status}
	}

	if req.DryRun {
		now := time.Now().UTC()
		d.FinishedAt = &now
		prior, err := e.createDeployment(ctx, d, lease, plan)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return &domain.ApplyResponse{Deployment: prior, Replayed: true}, nil
		}
		e.writeArtifact(ctx, d, domain.ArtifactKindApply, applyArtifact{
			Deployment: d,
			Entries:    plan.Entries,
			DryRun:     true,
		})
		lease.Release(ctx)
		return &domain.ApplyResponse{Deployment: d}, nil
	}

	mutating := mutatingEntries(plan.Entries)
	stage := mutating
	if req.Canary != nil {
		stage = partitionDelta(mutating, 0, req.Canary.Stages[0])
	}

	// Snapshot every rule the full plan touches before the first write.
	images, err := e.captureBeforeImages(ctx, tenantID, mutating)
	if err != nil {
		lease.Release(ctx)
		return nil, err
	}
	d.BeforeImages = images

	prior, err := e.createDeployment(ctx, d, lease, plan)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return &domain.ApplyResponse{Deployment: prior, Replayed: true}, nil
	}

	items, err := e.loadItemIndex(ctx, plan.PackID)
	if err != nil {
		e.finalizeFailedUpdate(ctx, d, lease, []string{err.Error()})
		return nil, err
	}

	applied, applyErr := e.applyEntries(ctx, d, stage, items)
	if applyErr != nil {
		revertErr := e.revertImages(ctx, d, images, applied)
		perr := &domain.PartialApplyError{
			RuleID:       failedRuleID(applyErr),
			Cause:        applyErr,
			RevertErrors: revertErr,
		}
		reasons := []string{perr.Error()}
		e.log.WithFields(logrus.Fields{
			"tenant": tenantID,
			"deploy": d.ID,
		}).WithError(applyErr).Error("Apply failed, entries reverted")
		e.finalizeFailedUpdate(ctx, d, lease, reasons)
		return nil, perr
	}

	if err := e.commitBatch(ctx, d, applied); err != nil {
		e.finalizeFailedUpdate(ctx, d, lease, []string{err.Error()})
		return nil, err
	}

	now := time.Now().UTC()
	d.Status = domain.DeployStatusApplied
	if req.Canary != nil {
		d.Canary = &domain.CanaryStatus{
			State:          domain.CanaryStateRunning,
			Stages:         req.Canary.Stages,
			IntervalSec:    req.Canary.IntervalSec,
			StageIndex:     0,
			StagePercent:   req.Canary.Stages[0],
			Applied:        [][]string{applied},
			StartedAt:      now,
			StageStartedAt: now,
		}
	} else {
		d.FinishedAt = &now
	}
	if err := e.store.UpdateDeployment(ctx, d); err != nil {
		lease.Release(ctx)
		return nil, fmt.Errorf("recording deployment: %w", err)
	}

	e.writeArtifact(ctx, d, domain.ArtifactKindPlan, plan)
	e.writeArtifact(ctx, d, domain.ArtifactKindApply, applyArtifact{
		Deployment: d,
		Entries:    plan.Entries,
		Applied:    applied,
	})
	if d.Canary != nil {
		e.writeCanaryArtifact(ctx, d, "start", "", domain.CanaryStateRunning)
		e.metrics.RecordCanaryTransition("start")
		if err := lease.Renew(ctx); err != nil {
			e.log.WithError(err).Warn("Failed to renew canary lease")
		}
	} else {
		lease.Release(ctx)
	}

	e.metrics.RecordDeployment(tenantID, d.Status)
	e.metrics.ObserveApplyDuration(time.Since(started))
	e.recordLiveRuleGauge(ctx, tenantID)

	e.log.WithFields(logrus.Fields{
		"tenant":  tenantID,
		"deploy":  d.ID,
		"plan":    plan.ID,
		"applied": len(applied),
		"canary":  d.Canary != nil,
	}).Info("Deployment applied")

	return &domain.ApplyResponse{Deployment: d}, nil
}

// replayOf resolves an idempotency key against prior deployments: the
// original response for a repeat of the same plan, a blocked error when the
// key was spent on a different plan, nothing when the key is fresh.
func (e *Executor) replayOf(ctx context.Context, tenantID string, plan *domain.Plan, key string) (*domain.ApplyResponse, error) {
	prior, err := e.store.GetDeploymentByIdempotencyKey(ctx, tenantID, key)
	if err != nil {
		if err == domain.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	if prior.PlanID == plan.ID {
		return &domain.ApplyResponse{Deployment: prior, Replayed: true}, nil
	}
	status := domain.AllClearStatus()
	status.IdempotencyOK = false
	status.BlockedReasons = []string{
		fmt.Sprintf("idempotency key already used by deployment %s for a different plan", prior.ID),
	}
	e.metrics.RecordGuardrailBlocks(status.Failing())
	return nil, &domain.GuardrailBlockedError{Status: status}
}

func validateApplyRequest(req domain.ApplyRequest) error {
	if req.PlanID == "" {
		return domain.NewValidationError("plan_id", "plan_id is required")
	}
	if req.Actor == "" {
		return domain.NewValidationError("actor", "actor is required")
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return domain.NewValidationError("idempotency_key", "idempotency_key is required")
	}
	if req.Force && strings.TrimSpace(req.ForceReason) == "" {
		return domain.NewValidationError("force_reason", "force requires a non-empty force_reason")
	}
	if req.Canary != nil {
		if err := req.Canary.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// createDeployment persists the row. A concurrent duplicate of the same
// idempotency key for the same plan is returned as a replay; for a
// different plan it surfaces as an error.
func (e *Executor) createDeployment(ctx context.Context, d *domain.Deployment, lease *lock.Lease, plan *domain.Plan) (*domain.Deployment, error) {
	err := e.store.CreateDeployment(ctx, d)
	if err == nil {
		return nil, nil
	}
	lease.Release(ctx)
	if err == domain.ErrAlreadyExists {
		if prior, ferr := e.store.GetDeploymentByIdempotencyKey(ctx, d.TenantID, d.IdempotencyKey); ferr == nil && prior.PlanID == plan.ID {
			return prior, nil
		}
	}
	return nil, fmt.Errorf("recording deployment: %w", err)
}

// finalizeFailed persists a FAILED deployment for a pre-apply rejection.
func (e *Executor) finalizeFailed(ctx context.Context, d *domain.Deployment, lease *lock.Lease, reasons []string) {
	now := time.Now().UTC()
	d.Status = domain.DeployStatusFailed
	d.Errors = reasons
	d.FinishedAt = &now
	if err := e.store.CreateDeployment(ctx, d); err != nil {
		e.log.WithError(err).Warn("Failed to record failed deployment")
	} else {
		e.writeArtifact(ctx, d, domain.ArtifactKindApply, applyArtifact{Deployment: d})
	}
	e.metrics.RecordDeployment(d.TenantID, domain.DeployStatusFailed)
	lease.Release(ctx)
}

// finalizeFailedUpdate marks an already-persisted deployment FAILED.
func (e *Executor) finalizeFailedUpdate(ctx context.Context, d *domain.Deployment, lease *lock.Lease, reasons []string) {
	now := time.Now().UTC()
	d.Status = domain.DeployStatusFailed
	d.Errors = append(d.Errors, reasons...)
	d.FinishedAt = &now
	if err := e.store.UpdateDeployment(ctx, d); err != nil {
		e.log.WithError(err).Warn("Failed to record failed deployment")
	} else {
		e.writeArtifact(ctx, d, domain.ArtifactKindApply, applyArtifact{Deployment: d})
	}
	e.metrics.RecordDeployment(d.TenantID, domain.DeployStatusFailed)
	lease.Release(ctx)
}

func mutatingEntries(entries []domain.PlanEntry) []domain.PlanEntry {
	var out []domain.PlanEntry
	for _, entry := range entries {
		if entry.Mutates() {
			out = append(out, entry)
		}
	}
	return out
}

// captureBeforeImages snapshots the current state of every rule the entries
// touch. Absent rules get an Existed=false marker so their inverse is a
// delete.
func (e *Executor) captureBeforeImages(ctx context.Context, tenantID string, entries []domain.PlanEntry) ([]domain.BeforeImage, error) {
	images := make([]domain.BeforeImage, 0, len(entries))
	for _, entry := range entries {
		rule, err := e.store.GetLiveRule(ctx, tenantID, entry.RuleID)
		if err == domain.ErrNotFound {
			images = append(images, domain.BeforeImage{RuleID: entry.RuleID, Existed: false})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("capturing before-image of %s: %w", entry.RuleID, err)
		}
		images = append(images, domain.BeforeImage{RuleID: entry.RuleID, Existed: true, Rule: cloneRule(rule)})
	}
	return images, nil
}

func cloneRule(r *domain.LiveRule) *domain.LiveRule {
	clone := *r
	clone.Tags = append([]string(nil), r.Tags...)
	return &clone
}

// itemIndex resolves plan entries to the pack items carrying rule bodies.
type itemIndex struct {
	byRuleID map[string]*domain.RulePackItem
	byName   map[string]*domain.RulePackItem
}

func (ix itemIndex) lookup(entry domain.PlanEntry) *domain.RulePackItem {
	if item, ok := ix.byRuleID[entry.RuleID]; ok {
		return item
	}
	return ix.byName[entry.Name]
}

func (e *Executor) loadItemIndex(ctx context.Context, packID string) (itemIndex, error) {
	items, err := e.store.ListRulePackItems(ctx, packID)
	if err != nil {
		return itemIndex{}, fmt.Errorf("loading pack items: %w", err)
	}
	ix := itemIndex{
		byRuleID: make(map[string]*domain.RulePackItem, len(items)),
		byName:   make(map[string]*domain.RulePackItem, len(items)),
	}
	for _, item := range items {
		ix.byRuleID[item.RuleID] = item
		if _, dup := ix.byName[item.Name]; !dup {
			ix.byName[item.Name] = item
		}
	}
	return ix, nil
}

// applyEntries writes the entries in order, all CREATE and UPDATE before
// any DISABLE, each in its own transaction. Returns the rule ids applied so
// far; on error the caller reverts them.
func (e *Executor) applyEntries(ctx context.Context, d *domain.Deployment, entries []domain.PlanEntry, items itemIndex) ([]string, error) {
	var applied []string

	ordered := make([]domain.PlanEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Action != domain.ActionDisable {
			ordered = append(ordered, entry)
		}
	}
	for _, entry := range entries {
		if entry.Action == domain.ActionDisable {
			ordered = append(ordered, entry)
		}
	}

	for _, entry := range ordered {
		if err := e.applyEntry(ctx, d, entry, items); err != nil {
			return applied, err
		}
		applied = append(applied, entry.RuleID)
	}
	return applied, nil
}

func (e *Executor) applyEntry(ctx context.Context, d *domain.Deployment, entry domain.PlanEntry, items itemIndex) error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("rule %s: starting transaction: %w", entry.RuleID, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	switch entry.Action {
	case domain.ActionCreate:
		if _, err := tx.GetLiveRule(ctx, d.TenantID, entry.RuleID); err == nil {
			return fmt.Errorf("rule %s: already live, plan is stale", entry.RuleID)
		} else if err != domain.ErrNotFound {
			return fmt.Errorf("rule %s: %w", entry.RuleID, err)
		}
		item := items.lookup(entry)
		if item == nil {
			return fmt.Errorf("rule %s: pack item not found", entry.RuleID)
		}
		if err := tx.UpsertLiveRule(ctx, ruleFromItem(d, entry.RuleID, item, now)); err != nil {
			return fmt.Errorf("rule %s: %w", entry.RuleID, err)
		}

	case domain.ActionUpdate:
		live, err := tx.GetLiveRule(ctx, d.TenantID, entry.RuleID)
		if err != nil {
			return fmt.Errorf("rule %s: %w", entry.RuleID, err)
		}
		if entry.FromSHA != "" && live.SHA256 != entry.FromSHA {
			return fmt.Errorf("rule %s: live sha %s does not match planned %s", entry.RuleID, live.SHA256, entry.FromSHA)
		}
		item := items.lookup(entry)
		if item == nil {
			return fmt.Errorf("rule %s: pack item not found", entry.RuleID)
		}
		if err := tx.UpsertLiveRule(ctx, ruleFromItem(d, entry.RuleID, item, now)); err != nil {
			return fmt.Errorf("rule %s: %w", entry.RuleID, err)
		}

	case domain.ActionDisable:
		live, err := tx.GetLiveRule(ctx, d.TenantID, entry.RuleID)
		if err != nil {
			return fmt.Errorf("rule %s: %w", entry.RuleID, err)
		}
		if entry.FromSHA != "" && live.SHA256 != entry.FromSHA {
			return fmt.Errorf("rule %s: live sha %s does not match planned %s", entry.RuleID, live.SHA256, entry.FromSHA)
		}
		disabled := cloneRule(live)
		disabled.Enabled = false
		disabled.DeployedBy = d.ID
		disabled.UpdatedAt = now
		if err := tx.UpsertLiveRule(ctx, disabled); err != nil {
			return fmt.Errorf("rule %s: %w", entry.RuleID, err)
		}

	default:
		return fmt.Errorf("rule %s: unexpected action %q", entry.RuleID, entry.Action)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rule %s: committing: %w", entry.RuleID, err)
	}
	return nil
}

func ruleFromItem(d *domain.Deployment, ruleID string, item *domain.RulePackItem, now time.Time) *domain.LiveRule {
	return &domain.LiveRule{
		TenantID:   d.TenantID,
		RuleID:     ruleID,
		Name:       item.Name,
		Kind:       item.Kind,
		Severity:   item.Severity,
		Tags:       append([]string(nil), item.Tags...),
		Body:       item.Body,
		SHA256:     item.SHA256,
		Enabled:    true,
		DeployedBy: d.ID,
		UpdatedAt:  now,
	}
}

// revertImages restores the applied rule ids from their before-images in
// reverse order. Errors are accumulated, not short-circuited; the revert
// restores as much as it can.
func (e *Executor) revertImages(ctx context.Context, d *domain.Deployment, images []domain.BeforeImage, applied []string) error {
	byRule := make(map[string]domain.BeforeImage, len(images))
	for _, img := range images {
		byRule[img.RuleID] = img
	}

	var errs error
	for i := len(applied) - 1; i >= 0; i-- {
		img, ok := byRule[applied[i]]
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("no before-image for rule %s", applied[i]))
			continue
		}
		if err := e.restoreImage(ctx, d.TenantID, img); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (e *Executor) restoreImage(ctx context.Context, tenantID string, img domain.BeforeImage) error {
	if !img.Existed {
		if err := e.store.DeleteLiveRule(ctx, tenantID, img.RuleID); err != nil && err != domain.ErrNotFound {
			return fmt.Errorf("deleting rule %s: %w", img.RuleID, err)
		}
		return nil
	}
	if err := e.store.UpsertLiveRule(ctx, cloneRule(img.Rule)); err != nil {
		return fmt.Errorf("restoring rule %s: %w", img.RuleID, err)
	}
	return nil
}

// commitBatch bumps the tenant revision for a batch that wrote anything.
func (e *Executor) commitBatch(ctx context.Context, d *domain.Deployment, applied []string) error {
	if len(applied) == 0 {
		return nil
	}
	if _, err := e.store.IncrementTenantRevision(ctx, d.TenantID); err != nil {
		return fmt.Errorf("incrementing tenant revision: %w", err)
	}
	return nil
}

func failedRuleID(err error) string {
	msg := err.Error()
	if strings.HasPrefix(msg, "rule ") {
		if idx := strings.Index(msg, ":"); idx > len("rule ") {
			return msg[len("rule "):idx]
		}
	}
	return ""
}

// applyArtifact is the content payload of an apply artifact.
type applyArtifact struct {
	Deployment *domain.Deployment `json:"deployment"`
	Entries    []domain.PlanEntry `json:"entries,omitempty"`
	Applied    []string           `json:"applied,omitempty"`
	DryRun     bool               `json:"dry_run,omitempty"`
}

func (e *Executor) writeArtifact(ctx context.Context, d *domain.Deployment, kind string, payload any) {
	content, err := json.Marshal(payload)
	if err != nil {
		e.log.WithError(err).Warn("Failed to marshal artifact")
		return
	}
	artifact := &domain.DeploymentArtifact{
		ID:        uuid.New().String(),
		DeployID:  d.ID,
		TenantID:  d.TenantID,
		Kind:      kind,
		Content:   string(content),
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateArtifact(ctx, artifact); err != nil {
		e.log.WithError(err).Warn("Failed to record artifact")
	}
}

func (e *Executor) recordLiveRuleGauge(ctx context.Context, tenantID string) {
	if e.metrics == nil {
		return
	}
	rules, err := e.store.ListLiveRules(ctx, tenantID)
	if err != nil {
		return
	}
	e.metrics.SetLiveRules(tenantID, len(rules))
}

// bucketOf maps a rule id to its stable canary bucket.
func bucketOf(ruleID string) int {
	h := fnv.New32a()
	h.Write([]byte(ruleID))
	return int(h.Sum32() % 100)
}

// partitionDelta selects the entries whose bucket falls in [prev, next).
// The full set is the delta from 0 to 100.
func partitionDelta(entries []domain.PlanEntry, prev, next int) []domain.PlanEntry {
	var out []domain.PlanEntry
	for _, entry := range entries {
		b := bucketOf(entry.RuleID)
		if b >= prev && b < next {
			out = append(out, entry)
		}
	}
	return out
}
