// Package notify carries report dispatches to per-customer downstream
// systems (SIEM, ticketing, message brokers). The transport is a black
// box that may be unavailable; delivery guarantees live in the retry
// coordinator, not here.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// Transport is a synchronous send primitive returning a status code.
type Transport interface {
	Send(ctx context.Context, customer string, payload map[string]any) (int, error)
	Health(ctx context.Context, customer string) error
	Customers() []string
}

// HTTPTransport posts report payloads to per-customer endpoints.
type HTTPTransport struct {
	endpoints map[string]string
	client    *http.Client
}

// NewHTTPTransport builds the transport from a customer→URL map.
func NewHTTPTransport(endpoints map[string]string) *HTTPTransport {
	return &HTTPTransport{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Send posts the payload to the customer's endpoint.
func (t *HTTPTransport) Send(ctx context.Context, customer string, payload map[string]any) (int, error) {
	url, ok := t.endpoints[customer]
	if !ok {
		return 0, fmt.Errorf("no notification endpoint configured for customer %q", customer)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send report: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// Health probes the customer's endpoint with a HEAD request.
func (t *HTTPTransport) Health(ctx context.Context, customer string) error {
	url, ok := t.endpoints[customer]
	if !ok {
		return fmt.Errorf("no notification endpoint configured for customer %q", customer)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %q: %w", customer, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe %q: status %d", customer, resp.StatusCode)
	}
	return nil
}

// Customers lists every customer with a configured endpoint.
func (t *HTTPTransport) Customers() []string {
	out := make([]string, 0, len(t.endpoints))
	for c := range t.endpoints {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
