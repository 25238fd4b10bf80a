package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/haywardsec/rulegate/internal/domain"
	"github.com/sirupsen/logrus"
)

// Rollback undoes an APPLIED deployment by restoring the before-images it
// captured, as a new deployment with a derived idempotency key. The
// restore is unconditional: later edits to the same rules are overwritten,
// before-images win. A force flag on the original carries over, so a
// forced deployment's rollback clears the same blast-radius bar.
func (e *Executor) Rollback(ctx context.Context, tenantID, deployID, reason string) (*domain.ApplyResponse, error) {
	orig, err := e.store.GetDeployment(ctx, tenantID, deployID)
	if err != nil {
		if err == domain.ErrNotFound {
			return nil, fmt.Errorf("deployment %s not found: %w", deployID, domain.ErrStaleTarget)
		}
		return nil, err
	}
	if orig.Status != domain.DeployStatusApplied {
		return nil, fmt.Errorf("deployment %s has status %s, only APPLIED deployments can be rolled back: %w",
			orig.ID, orig.Status, domain.ErrStaleTarget)
	}
	if orig.Canary != nil && !orig.Canary.Terminal() {
		return nil, fmt.Errorf("deployment %s has a live canary, cancel it instead: %w", orig.ID, domain.ErrStaleTarget)
	}

	key := "rollback:" + orig.ID

	// A prior successful rollback replays; a failed or interrupted one is
	// resumed on its existing row, since the derived key is fixed.
	rb, resume, err := e.rollbackRow(ctx, orig, key)
	if err != nil {
		return nil, err
	}
	if rb != nil && rb.Status == domain.DeployStatusRolledBack {
		return &domain.ApplyResponse{Deployment: rb, Replayed: true}, nil
	}

	lease, err := e.locker.Acquire(ctx, tenantID, key, e.lockTTL)
	if err != nil {
		return nil, err
	}

	images := orig.BeforeImages
	synth := inversePlan(orig, images)
	status, err := e.evaluator.Evaluate(ctx, synth, domain.ApplyRequest{
		IdempotencyKey: key,
		Force:          orig.Force,
		ForceReason:    orig.ForceReason,
	})
	if err != nil {
		lease.Release(ctx)
		return nil, err
	}
	rb.Guardrails = status
	if !status.Clear(orig.Force) {
		e.metrics.RecordGuardrailBlocks(status.Failing())
		e.persistRollback(ctx, rb, resume, domain.DeployStatusFailed, status.BlockedReasons)
		lease.Release(ctx)
		return nil, &domain.GuardrailBlockedError{Status: status}
	}

	// Snapshot current state so the rollback itself is revertible.
	ownImages, err := e.captureImagesForRules(ctx, tenantID, imageRuleIDs(images))
	if err != nil {
		lease.Release(ctx)
		return nil, err
	}
	rb.BeforeImages = ownImages
	if err := e.persistRollback(ctx, rb, resume, domain.DeployStatusPlanned, nil); err != nil {
		lease.Release(ctx)
		return nil, err
	}

	applied, restored, deleted, applyErr := e.applyInverse(ctx, rb, images)
	if applyErr != nil {
		revertErr := e.revertImages(ctx, rb, ownImages, applied)
		perr := &domain.PartialApplyError{
			RuleID:       failedRuleID(applyErr),
			Cause:        applyErr,
			RevertErrors: revertErr,
		}
		e.log.WithFields(logrus.Fields{
			"tenant": tenantID,
			"deploy": rb.ID,
		}).WithError(applyErr).Error("Rollback failed, entries reverted")
		e.persistRollback(ctx, rb, true, domain.DeployStatusFailed, []string{perr.Error()})
		e.metrics.RecordDeployment(tenantID, domain.DeployStatusFailed)
		lease.Release(ctx)
		return nil, perr
	}
	if len(applied) > 0 {
		if _, err := e.store.IncrementTenantRevision(ctx, tenantID); err != nil {
			e.persistRollback(ctx, rb, true, domain.DeployStatusFailed, []string{err.Error()})
			lease.Release(ctx)
			return nil, fmt.Errorf("incrementing tenant revision: %w", err)
		}
	}

	now := time.Now().UTC()
	rb.Status = domain.DeployStatusRolledBack
	rb.Summary = domain.DeploySummary{Update: restored, Disable: deleted}
	rb.RolledBackFrom = orig.ID
	rb.RolledBackTo = orig.BaselineRevision
	rb.FinishedAt = &now
	if err := e.store.UpdateDeployment(ctx, rb); err != nil {
		lease.Release(ctx)
		return nil, fmt.Errorf("recording rollback: %w", err)
	}

	orig.Status = domain.DeployStatusRolledBack
	if err := e.store.UpdateDeployment(ctx, orig); err != nil {
		e.log.WithError(err).Warn("Failed to flip original deployment status")
	}

	e.writeArtifact(ctx, rb, domain.ArtifactKindRollback, rollbackArtifact{
		RolledBack: orig.ID,
		Reason:     reason,
		Restored:   restored,
		Deleted:    deleted,
		RuleIDs:    applied,
	})
	e.metrics.RecordDeployment(tenantID, domain.DeployStatusRolledBack)
	e.recordLiveRuleGauge(ctx, tenantID)
	lease.Release(ctx)

	e.log.WithFields(logrus.Fields{
		"tenant":   tenantID,
		"deploy":   rb.ID,
		"original": orig.ID,
		"restored": restored,
		"deleted":  deleted,
	}).Info("Deployment rolled back")

	return &domain.ApplyResponse{Deployment: rb}, nil
}

// rollbackRow returns the deployment row for this rollback: the existing
// one when the derived key was used before, a fresh one otherwise.
func (e *Executor) rollbackRow(ctx context.Context, orig *domain.Deployment, key string) (*domain.Deployment, bool, error) {
	existing, err := e.store.GetDeploymentByIdempotencyKey(ctx, orig.TenantID, key)
	if err == nil {
		if existing.Status == domain.DeployStatusRolledBack {
			return existing, true, nil
		}
		existing.Errors = nil
		existing.FinishedAt = nil
		existing.StartedAt = time.Now().UTC()
		return existing, true, nil
	}
	if err != domain.ErrNotFound {
		return nil, false, err
	}

	return &domain.Deployment{
		ID:               uuid.New().String(),
		PlanID:           orig.PlanID,
		PackID:           orig.PackID,
		TenantID:         orig.TenantID,
		Status:           domain.DeployStatusPlanned,
		Force:            orig.Force,
		ForceReason:      orig.ForceReason,
		IdempotencyKey:   key,
		Guardrails:       domain.AllClearStatus(),
		BaselineRevision: orig.BaselineRevision,
		StartedAt:        time.Now().UTC(),
	}, false, nil
}

// persistRollback creates or updates the rollback row with the given
// terminal or intermediate status.
func (e *Executor) persistRollback(ctx context.Context, rb *domain.Deployment, resume bool, status string, reasons []string) error {
	rb.Status = status
	if len(reasons) > 0 {
		now := time.Now().UTC()
		rb.Errors = append(rb.Errors, reasons...)
		rb.FinishedAt = &now
	}
	var err error
	if resume {
		err = e.store.UpdateDeployment(ctx, rb)
	} else {
		err = e.store.CreateDeployment(ctx, rb)
	}
	if err != nil {
		e.log.WithError(err).Warn("Failed to persist rollback deployment")
		return fmt.Errorf("recording rollback deployment: %w", err)
	}
	return nil
}

// inversePlan builds the synthetic plan the guardrail evaluator sees for a
// rollback: one UPDATE per before-image. Restores never expand exposure,
// so the disable-specific checks do not apply.
func inversePlan(orig *domain.Deployment, images []domain.BeforeImage) *domain.Plan {
	entries := make([]domain.PlanEntry, 0, len(images))
	for _, img := range images {
		entries = append(entries, domain.PlanEntry{
			Action: domain.ActionUpdate,
			RuleID: img.RuleID,
			Reason: "restore before-image",
		})
	}
	return &domain.Plan{
		ID:       orig.PlanID,
		PackID:   orig.PackID,
		TenantID: orig.TenantID,
		Strategy: domain.StrategySafe,
		MatchBy:  domain.MatchByRuleID,
		Entries:  entries,
	}
}

// applyInverse restores before-images in order, each in its own
// transaction, without sha preconditions.
func (e *Executor) applyInverse(ctx context.Context, rb *domain.Deployment, images []domain.BeforeImage) (applied []string, restored, deleted int, err error) {
	now := time.Now().UTC()
	for _, img := range images {
		tx, txErr := e.store.BeginTx(ctx)
		if txErr != nil {
			return applied, restored, deleted, fmt.Errorf("rule %s: starting transaction: %w", img.RuleID, txErr)
		}

		if img.Existed {
			rule := cloneRule(img.Rule)
			rule.DeployedBy = rb.ID
			rule.UpdatedAt = now
			if upErr := tx.UpsertLiveRule(ctx, rule); upErr != nil {
				tx.Rollback()
				return applied, restored, deleted, fmt.Errorf("rule %s: %w", img.RuleID, upErr)
			}
			restored++
		} else {
			if delErr := tx.DeleteLiveRule(ctx, rb.TenantID, img.RuleID); delErr != nil && delErr != domain.ErrNotFound {
				tx.Rollback()
				return applied, restored, deleted, fmt.Errorf("rule %s: %w", img.RuleID, delErr)
			}
			deleted++
		}

		if cErr := tx.Commit(); cErr != nil {
			return applied, restored, deleted, fmt.Errorf("rule %s: committing: %w", img.RuleID, cErr)
		}
		applied = append(applied, img.RuleID)
	}
	return applied, restored, deleted, nil
}

// captureImagesForRules snapshots the current state of the given rules.
func (e *Executor) captureImagesForRules(ctx context.Context, tenantID string, ruleIDs []string) ([]domain.BeforeImage, error) {
	images := make([]domain.BeforeImage, 0, len(ruleIDs))
	for _, ruleID := range ruleIDs {
		rule, err := e.store.GetLiveRule(ctx, tenantID, ruleID)
		if err == domain.ErrNotFound {
			images = append(images, domain.BeforeImage{RuleID: ruleID, Existed: false})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("capturing before-image of %s: %w", ruleID, err)
		}
		images = append(images, domain.BeforeImage{RuleID: ruleID, Existed: true, Rule: cloneRule(rule)})
	}
	return images, nil
}

func imageRuleIDs(images []domain.BeforeImage) []string {
	out := make([]string, 0, len(images))
	for _, img := range images {
		out = append(out, img.RuleID)
	}
	return out
}

// rollbackArtifact is the content payload of a rollback artifact.
type rollbackArtifact struct {
	RolledBack string   `json:"rolled_back_deploy_id"`
	Reason     string   `json:"reason,omitempty"`
	Restored   int      `json:"restored"`
	Deleted    int      `json:"deleted"`
	RuleIDs    []string `json:"rule_ids"`
}
