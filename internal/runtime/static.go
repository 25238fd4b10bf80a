package runtime

import (
	"context"
	"sync"
)

// Static is an in-process implementation backed by fixed data. It serves
// deployments when no runtime URL is configured, and tests.
type Static struct {
	mu        sync.RWMutex
	healthErr error
	rates     map[string]map[string]float64
}

// Ensure Static implements Client.
var _ Client = (*Static)(nil)

// NewStatic creates a static runtime client that is healthy and reports no
// alert volume.
func NewStatic() *Static {
	return &Static{rates: make(map[string]map[string]float64)}
}

// Health returns the configured health error, nil by default.
func (s *Static) Health(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthErr
}

// AlertRates returns the configured rates for the tenant.
func (s *Static) AlertRates(ctx context.Context, tenantID string) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rates := make(map[string]float64, len(s.rates[tenantID]))
	for ruleID, rate := range s.rates[tenantID] {
		rates[ruleID] = rate
	}
	return rates, nil
}

// SetHealthErr makes subsequent Health calls return err.
func (s *Static) SetHealthErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthErr = err
}

// SetRate records an alert rate for a tenant's rule.
func (s *Static) SetRate(tenantID, ruleID string, perHour float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rates[tenantID] == nil {
		s.rates[tenantID] = make(map[string]float64)
	}
	s.rates[tenantID][ruleID] = perHour
}
