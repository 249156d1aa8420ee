package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const healthCheckTimeout = 5 * time.Second

// httpCheck probes a backend by issuing a GET that consumes no tokens.
type httpCheck struct {
	url    string
	apiKey string
	client *http.Client
}

// newModelsCheck probes the OpenAI-compatible GET /models listing.
func newModelsCheck(baseURL, apiKey string) *httpCheck {
	return &httpCheck{
		url:    strings.TrimRight(baseURL, "/") + "/models",
		apiKey: apiKey,
		client: &http.Client{Timeout: healthCheckTimeout},
	}
}

// newOllamaCheck probes Ollama's GET /api/tags.
func newOllamaCheck(host string) *httpCheck {
	return &httpCheck{
		url:    strings.TrimRight(host, "/") + "/api/tags",
		client: &http.Client{Timeout: healthCheckTimeout},
	}
}

// HealthCheck returns nil when the endpoint answers with a 2xx status.
func (c *httpCheck) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("provider: build health request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider: health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("provider: health check: %s returned %d", c.url, resp.StatusCode)
	}
	return nil
}
