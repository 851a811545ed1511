package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"shipment-batch-engine/internal/config"
	"shipment-batch-engine/internal/failure"
	"shipment-batch-engine/internal/mapping"
)

const maxResponseBytes = 1 << 20

// HTTPClient talks to a carrier over a small JSON API:
//
//	POST {base}/v1/quotes     {"request": {...}} -> Quote
//	POST {base}/v1/shipments  {"request": {...}} -> Shipment, Idempotency-Key header
//
// Error responses carry {"code": "...", "message": "..."}.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient builds a client from config. Per-call deadlines come from the caller's
// context; the http.Client timeout is only a backstop.
func NewHTTPClient(cfg config.Config) *HTTPClient {
	timeout := cfg.CarrierTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.CarrierBaseURL, "/"),
		apiKey:  cfg.CarrierAPIKey,
		httpClient: &http.Client{
			Timeout: timeout + time.Second,
		},
	}
}

type carrierRequest struct {
	Request mapping.Request `json:"request"`
}

type carrierError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *HTTPClient) Quote(ctx context.Context, req mapping.Request) (Quote, error) {
	var q Quote
	if err := c.post(ctx, "/v1/quotes", req, "", &q); err != nil {
		return Quote{}, err
	}
	return q, nil
}

func (c *HTTPClient) Execute(ctx context.Context, req mapping.Request, idempotencyKey string) (Shipment, error) {
	var s Shipment
	if err := c.post(ctx, "/v1/shipments", req, idempotencyKey, &s); err != nil {
		return Shipment{}, err
	}
	if s.TrackingID == "" {
		return Shipment{}, failure.New(failure.CarrierPermanent, "MISSING_TRACKING_ID", "carrier accepted the shipment without a tracking id")
	}
	return s, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, req mapping.Request, idempotencyKey string, out any) error {
	body, err := json.Marshal(carrierRequest{Request: req})
	if err != nil {
		return failure.Wrap(failure.Data, "", fmt.Errorf("encode request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return failure.Wrap(failure.CarrierPermanent, "", fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// timeouts are classified by the caller, which knows whether the call mutates
		return fmt.Errorf("carrier %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return failure.Wrap(failure.CarrierTransient, "", fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return failure.Wrap(failure.CarrierPermanent, "BAD_RESPONSE", fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// statusError maps an HTTP error status to the failure taxonomy: 5xx and 429 are transient,
// 400 and 422 mean the carrier rejected the payload, anything else is permanent.
func statusError(status int, body []byte) error {
	var ce carrierError
	_ = json.Unmarshal(body, &ce)
	msg := ce.Message
	if msg == "" {
		msg = fmt.Sprintf("carrier returned status %d", status)
	}

	switch {
	case status >= http.StatusInternalServerError, status == http.StatusTooManyRequests:
		return failure.New(failure.CarrierTransient, ce.Code, msg)
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return failure.New(failure.Validation, ce.Code, msg)
	default:
		return failure.New(failure.CarrierPermanent, ce.Code, msg)
	}
}
