package domain

import "time"

// Canary states.
const (
	CanaryStateRunning   = "running"
	CanaryStatePaused    = "paused"
	CanaryStateFailed    = "failed"
	CanaryStateCompleted = "completed"
	CanaryStateCancelled = "cancelled"
)

// Bounds for canary configuration.
const (
	CanaryMinIntervalSec = 30
	CanaryFinalPercent   = 100
)

// CanaryConfig requests a staged rollout. Stages must be strictly
// increasing percentages ending at 100; IntervalSec is the minimum dwell
// between advances, never a schedule.
type CanaryConfig struct {
	Stages      []int `json:"stages"`
	IntervalSec int   `json:"interval_sec"`
}

// Validate checks stage bounds and ordering.
func (c *CanaryConfig) Validate() error {
	if len(c.Stages) == 0 {
		return NewValidationError("canary.stages", "at least one stage is required")
	}
	prev := 0
	for i, s := range c.Stages {
		if s < 1 || s > CanaryFinalPercent {
			return NewValidationError("canary.stages", "stage percentages must be in 1..100")
		}
		if s <= prev {
			return NewValidationError("canary.stages", "stage percentages must be strictly increasing")
		}
		if i == len(c.Stages)-1 && s != CanaryFinalPercent {
			return NewValidationError("canary.stages", "final stage must be 100")
		}
		prev = s
	}
	if c.IntervalSec < CanaryMinIntervalSec {
		return NewValidationError("canary.interval_sec", "interval_sec must be at least 30")
	}
	return nil
}

// CanaryStatus tracks a staged rollout in progress. Applied records the
// rule ids written per stage so cancel and failure can revert exactly what
// went out.
type CanaryStatus struct {
	State          string     `json:"state"`
	Stages         []int      `json:"stages"`
	IntervalSec    int        `json:"interval_sec"`
	StageIndex     int        `json:"stage_index"`
	StagePercent   int        `json:"stage_percent"`
	Applied        [][]string `json:"applied,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	StageStartedAt time.Time  `json:"stage_started_at"`
	PausedAt       *time.Time `json:"paused_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the canary has finished.
func (c *CanaryStatus) Terminal() bool {
	switch c.State {
	case CanaryStateFailed, CanaryStateCompleted, CanaryStateCancelled:
		return true
	}
	return false
}

// CanaryControlResponse reports the canary state after a control action.
type CanaryControlResponse struct {
	DeployID     string `json:"deploy_id"`
	CanaryState  string `json:"canary_state"`
	CurrentStage int    `json:"current_stage"`
	Message      string `json:"message"`
}

// DwellSatisfied reports whether the minimum dwell has elapsed since the
// current stage started. Pausing does not reset the dwell clock.
func (c *CanaryStatus) DwellSatisfied(now time.Time) bool {
	return now.Sub(c.StageStartedAt) >= time.Duration(c.IntervalSec)*time.Second
}
