package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/haywardsec/rulegate/internal/domain"
	"github.com/haywardsec/rulegate/internal/lock"
	"github.com/sirupsen/logrus"
)

// AdvanceCanary moves a staged rollout to its next stage, or completes it
// when the final stage has been observed. The minimum dwell applies to
// every advance, including the completing one. A non-applicable advance
// (canary already terminal) returns the deployment unchanged.
func (e *Executor) AdvanceCanary(ctx context.Context, tenantID, deployID string) (*domain.Deployment, error) {
	d, err := e.loadCanaryTarget(ctx, tenantID, deployID)
	if err != nil {
		return nil, err
	}
	if d.Canary.Terminal() {
		return d, nil
	}

	now := time.Now().UTC()
	if !d.Canary.DwellSatisfied(now) {
		elapsed := int(now.Sub(d.Canary.StageStartedAt).Seconds())
		return nil, fmt.Errorf("minimum dwell not satisfied: %ds of %ds elapsed: %w",
			elapsed, d.Canary.IntervalSec, domain.ErrPreconditionFailed)
	}

	lease, err := e.locker.Acquire(ctx, tenantID, d.IdempotencyKey, e.lockTTL)
	if err != nil {
		return nil, err
	}

	plan, err := e.store.GetPlan(ctx, tenantID, d.PlanID)
	if err != nil {
		lease.Release(ctx)
		return nil, err
	}

	fromState := d.Canary.State
	mutating := mutatingEntries(plan.Entries)

	// Re-check the guardrails against the remaining delta before exposing
	// more of the tenant to the pack.
	remaining := *plan
	remaining.Entries = partitionDelta(mutating, d.Canary.StagePercent, 100)
	status, err := e.evaluator.Evaluate(ctx, &remaining, domain.ApplyRequest{
		IdempotencyKey: d.IdempotencyKey,
		Force:          d.Force,
		ForceReason:    d.ForceReason,
	})
	if err != nil {
		lease.Release(ctx)
		return nil, err
	}
	if !status.Clear(d.Force) {
		e.log.WithFields(logrus.Fields{
			"tenant":  tenantID,
			"deploy":  d.ID,
			"blocked": status.Failing(),
		}).Warn("Canary advance blocked, rolling back applied stages")
		e.metrics.RecordGuardrailBlocks(status.Failing())
		e.failCanary(ctx, d, lease, fromState, status.BlockedReasons)
		return nil, &domain.GuardrailBlockedError{Status: status}
	}

	if d.Canary.StagePercent == domain.CanaryFinalPercent {
		d.Canary.State = domain.CanaryStateCompleted
		d.Canary.PausedAt = nil
		d.Canary.FinishedAt = &now
		d.FinishedAt = &now
		if err := e.store.UpdateDeployment(ctx, d); err != nil {
			lease.Release(ctx)
			return nil, fmt.Errorf("recording canary completion: %w", err)
		}
		e.writeCanaryArtifact(ctx, d, "advance", fromState, domain.CanaryStateCompleted)
		e.metrics.RecordCanaryTransition("complete")
		lease.Release(ctx)
		e.log.WithFields(logrus.Fields{"tenant": tenantID, "deploy": d.ID}).Info("Canary completed")
		return d, nil
	}

	next := d.Canary.Stages[d.Canary.StageIndex+1]
	delta := partitionDelta(mutating, d.Canary.StagePercent, next)

	items, err := e.loadItemIndex(ctx, plan.PackID)
	if err != nil {
		lease.Release(ctx)
		return nil, err
	}

	applied, applyErr := e.applyEntries(ctx, d, delta, items)
	if applyErr != nil {
		touched := append(appliedRuleIDs(d.Canary), applied...)
		revertErr := e.revertImages(ctx, d, d.BeforeImages, touched)
		perr := &domain.PartialApplyError{
			RuleID:       failedRuleID(applyErr),
			Cause:        applyErr,
			RevertErrors: revertErr,
		}
		if len(touched) > 0 {
			e.bumpRevision(ctx, tenantID)
		}
		d.Canary.Applied = nil
		e.failCanary(ctx, d, lease, fromState, []string{perr.Error()})
		return nil, perr
	}
	if len(applied) > 0 {
		if _, err := e.store.IncrementTenantRevision(ctx, tenantID); err != nil {
			lease.Release(ctx)
			return nil, fmt.Errorf("incrementing tenant revision: %w", err)
		}
	}

	d.Canary.State = domain.CanaryStateRunning
	d.Canary.StageIndex++
	d.Canary.StagePercent = next
	d.Canary.StageStartedAt = now
	d.Canary.PausedAt = nil
	d.Canary.Applied = append(d.Canary.Applied, applied)
	if err := e.store.UpdateDeployment(ctx, d); err != nil {
		lease.Release(ctx)
		return nil, fmt.Errorf("recording canary advance: %w", err)
	}

	e.writeCanaryArtifact(ctx, d, "advance", fromState, domain.CanaryStateRunning)
	e.metrics.RecordCanaryTransition("advance")
	e.recordLiveRuleGauge(ctx, tenantID)
	if err := lease.Renew(ctx); err != nil {
		e.log.WithError(err).Warn("Failed to renew canary lease")
	}

	e.log.WithFields(logrus.Fields{
		"tenant":  tenantID,
		"deploy":  d.ID,
		"stage":   d.Canary.StageIndex,
		"percent": d.Canary.StagePercent,
		"applied": len(applied),
	}).Info("Canary advanced")
	return d, nil
}

// PauseCanary pauses a running rollout. The dwell clock keeps accruing
// from the stage start, so a pause never shortens the observation window.
func (e *Executor) PauseCanary(ctx context.Context, tenantID, deployID string) (*domain.Deployment, error) {
	d, err := e.loadCanaryTarget(ctx, tenantID, deployID)
	if err != nil {
		return nil, err
	}
	if d.Canary.State != domain.CanaryStateRunning {
		return d, nil
	}

	lease, err := e.locker.Acquire(ctx, tenantID, d.IdempotencyKey, e.lockTTL)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	d.Canary.State = domain.CanaryStatePaused
	d.Canary.PausedAt = &now
	if err := e.store.UpdateDeployment(ctx, d); err != nil {
		lease.Release(ctx)
		return nil, fmt.Errorf("recording canary pause: %w", err)
	}

	e.writeCanaryArtifact(ctx, d, "pause", domain.CanaryStateRunning, domain.CanaryStatePaused)
	e.metrics.RecordCanaryTransition("pause")
	if err := lease.Renew(ctx); err != nil {
		e.log.WithError(err).Warn("Failed to renew canary lease")
	}
	return d, nil
}

// CancelCanary aborts a rollout and restores the tenant to its
// pre-deployment state from before-images.
func (e *Executor) CancelCanary(ctx context.Context, tenantID, deployID string) (*domain.Deployment, error) {
	d, err := e.loadCanaryTarget(ctx, tenantID, deployID)
	if err != nil {
		return nil, err
	}
	if d.Canary.Terminal() {
		return d, nil
	}

	lease, err := e.locker.Acquire(ctx, tenantID, d.IdempotencyKey, e.lockTTL)
	if err != nil {
		return nil, err
	}

	fromState := d.Canary.State
	applied := appliedRuleIDs(d.Canary)
	if revertErr := e.revertImages(ctx, d, d.BeforeImages, applied); revertErr != nil {
		e.log.WithError(revertErr).Error("Canary cancel revert reported errors")
		d.Errors = append(d.Errors, revertErr.Error())
	}
	if len(applied) > 0 {
		e.bumpRevision(ctx, tenantID)
	}

	now := time.Now().UTC()
	d.Canary.State = domain.CanaryStateCancelled
	d.Canary.PausedAt = nil
	d.Canary.FinishedAt = &now
	d.Status = domain.DeployStatusCanceled
	d.FinishedAt = &now
	if err := e.store.UpdateDeployment(ctx, d); err != nil {
		lease.Release(ctx)
		return nil, fmt.Errorf("recording canary cancel: %w", err)
	}

	e.writeCanaryArtifact(ctx, d, "cancel", fromState, domain.CanaryStateCancelled)
	e.metrics.RecordCanaryTransition("cancel")
	e.metrics.RecordDeployment(tenantID, domain.DeployStatusCanceled)
	e.recordLiveRuleGauge(ctx, tenantID)
	lease.Release(ctx)

	e.log.WithFields(logrus.Fields{
		"tenant":   tenantID,
		"deploy":   d.ID,
		"reverted": len(applied),
	}).Info("Canary cancelled")
	return d, nil
}

// loadCanaryTarget fetches the deployment for a canary control action.
// Missing deployments and deployments without a canary are stale targets.
func (e *Executor) loadCanaryTarget(ctx context.Context, tenantID, deployID string) (*domain.Deployment, error) {
	d, err := e.store.GetDeployment(ctx, tenantID, deployID)
	if err != nil {
		if err == domain.ErrNotFound {
			return nil, fmt.Errorf("deployment %s not found: %w", deployID, domain.ErrStaleTarget)
		}
		return nil, err
	}
	if d.Canary == nil {
		return nil, fmt.Errorf("deployment %s has no canary: %w", deployID, domain.ErrStaleTarget)
	}
	return d, nil
}

// failCanary reverts every applied stage and records the terminal failure.
func (e *Executor) failCanary(ctx context.Context, d *domain.Deployment, lease *lock.Lease, fromState string, reasons []string) {
	applied := appliedRuleIDs(d.Canary)
	if revertErr := e.revertImages(ctx, d, d.BeforeImages, applied); revertErr != nil {
		reasons = append(reasons, fmt.Sprintf("revert errors: %v", revertErr))
	}
	if len(applied) > 0 {
		e.bumpRevision(ctx, d.TenantID)
	}

	now := time.Now().UTC()
	d.Canary.State = domain.CanaryStateFailed
	d.Canary.PausedAt = nil
	d.Canary.FinishedAt = &now
	d.Status = domain.DeployStatusFailed
	d.Errors = append(d.Errors, reasons...)
	d.FinishedAt = &now
	if err := e.store.UpdateDeployment(ctx, d); err != nil {
		e.log.WithError(err).Warn("Failed to record canary failure")
	}

	e.writeCanaryArtifact(ctx, d, "advance", fromState, domain.CanaryStateFailed)
	e.metrics.RecordCanaryTransition("fail")
	e.metrics.RecordDeployment(d.TenantID, domain.DeployStatusFailed)
	e.recordLiveRuleGauge(ctx, d.TenantID)
	lease.Release(ctx)
}

func (e *Executor) bumpRevision(ctx context.Context, tenantID string) {
	if _, err := e.store.IncrementTenantRevision(ctx, tenantID); err != nil {
		e.log.WithError(err).Warn("Failed to increment tenant revision")
	}
}

func (e *Executor) writeCanaryArtifact(ctx context.Context, d *domain.Deployment, event, fromState, toState string) {
	e.writeArtifact(ctx, d, domain.ArtifactKindCanary, domain.CanaryTransition{
		Event:        event,
		FromState:    fromState,
		ToState:      toState,
		StageIndex:   d.Canary.StageIndex,
		StagePercent: d.Canary.StagePercent,
		At:           time.Now().UTC(),
	})
}

// appliedRuleIDs flattens the per-stage applied lists in stage order.
func appliedRuleIDs(c *domain.CanaryStatus) []string {
	var out []string
	for _, stage := range c.Applied {
		out = append(out, stage...)
	}
	return out
}
