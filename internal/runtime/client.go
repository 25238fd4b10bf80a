// Package runtime talks to the detection runtime that executes live rules:
// health probes before risky deployments and per-rule alert rates for the
// hot-disable guardrail.
package runtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client defines the interface for querying the detection runtime.
type Client interface {
	// Health reports whether the runtime ingest/alerting pipeline is up.
	Health(ctx context.Context) error
	// AlertRates returns alerts-per-hour for the tenant's rules, keyed by
	// rule id. Rules with no recent alerts may be absent from the map.
	AlertRates(ctx context.Context, tenantID string) (map[string]float64, error)
}

// HTTPClient queries a runtime over its admin HTTP API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// Ensure HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a runtime client for the given base URL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Health probes the runtime health endpoint.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("building health request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("runtime health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runtime health check: status %d", resp.StatusCode)
	}
	return nil
}

// AlertRates fetches recent alerts-per-hour per rule for a tenant.
func (c *HTTPClient) AlertRates(ctx context.Context, tenantID string) (map[string]float64, error) {
	url := fmt.Sprintf("%s/tenants/%s/alert-rates", c.baseURL, tenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building alert-rates request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching alert rates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching alert rates: status %d", resp.StatusCode)
	}

	var body struct {
		Rates map[string]float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding alert rates: %w", err)
	}
	return body.Rates, nil
}
