// Package retention prunes deployment artifacts past their keep window on
// a cron schedule. Artifacts of deployments that have not finished, such
// as a live canary, are never removed.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/haywardsec/rulegate/internal/storage"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Pruner deletes artifacts older than the retention window. Days <= 0
// disables scheduling entirely.
type Pruner struct {
	store    storage.Storage
	days     int
	schedule string
	log      *logrus.Logger
	cron     *cron.Cron
	running  bool
}

// New creates a Pruner. The schedule uses standard five-field cron syntax.
func New(store storage.Storage, days int, schedule string, log *logrus.Logger) *Pruner {
	return &Pruner{
		store:    store,
		days:     days,
		schedule: schedule,
		log:      log,
		cron:     cron.New(),
	}
}

// Start schedules pruning. With retention disabled it logs and returns
// without starting anything.
func (p *Pruner) Start() error {
	if p.days <= 0 {
		p.log.Info("Artifact retention disabled")
		return nil
	}
	if _, err := cron.ParseStandard(p.schedule); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", p.schedule, err)
	}

	if _, err := p.cron.AddFunc(p.schedule, func() {
		pruned, err := p.RunOnce(context.Background())
		if err != nil {
			p.log.WithError(err).Error("Scheduled artifact prune failed")
			return
		}
		if pruned > 0 {
			p.log.WithField("pruned", pruned).Info("Artifacts pruned")
		}
	}); err != nil {
		return fmt.Errorf("scheduling artifact prune: %w", err)
	}

	p.cron.Start()
	p.running = true
	p.log.WithFields(logrus.Fields{
		"schedule": p.schedule,
		"days":     p.days,
	}).Info("Artifact retention started")
	return nil
}

// RunOnce prunes everything older than the window right now.
func (p *Pruner) RunOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -p.days)
	return p.store.PruneArtifacts(ctx, cutoff)
}

// Stop halts the schedule and waits for a running prune to finish.
func (p *Pruner) Stop() {
	if !p.running {
		return
	}
	<-p.cron.Stop().Done()
	p.running = false
}
