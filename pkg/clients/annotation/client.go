// Package annotation provides the HTTP client for the external annotation
// service, the only collaborator the engine talks to over the network.
package annotation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/openintel/flowd/pkg/protocol"
)

const defaultTimeout = 120 * time.Second

// Client implements protocol.Annotator against the annotation service's
// HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the request timeout. Annotation runs are synchronous
// and can take a while on large batches, hence the generous default.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

func NewClient(baseURL, apiKey string, logger *slog.Logger, opts ...Option) *Client {
	client := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger.With("module", "annotation_client"),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

type annotateRequest struct {
	SchemaIDs     []string       `json:"schema_ids"`
	AssetIDs      []int64        `json:"asset_ids"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

type valuesResponse struct {
	Values map[int64]map[string]any `json:"values"`
}

// AnnotateAssets runs the given schemas over the assets and returns the
// created run with per-asset results.
func (c *Client) AnnotateAssets(ctx context.Context, schemaIDs []string, assetIDs []int64, configuration map[string]any) (*protocol.AnnotationRun, error) {
	body := annotateRequest{
		SchemaIDs:     schemaIDs,
		AssetIDs:      assetIDs,
		Configuration: configuration,
	}

	var run protocol.AnnotationRun

	err := c.do(ctx, http.MethodPost, "/v1/annotation-runs", body, &run)
	if err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "Annotation run created",
		"run_id", run.RunID, "status", run.Status, "asset_count", len(assetIDs))

	return &run, nil
}

// AnnotationValues returns the annotation field values produced by a run
// for the given assets, keyed by asset id.
func (c *Client) AnnotationValues(ctx context.Context, runID string, assetIDs []int64) (map[int64]map[string]any, error) {
	body := struct {
		AssetIDs []int64 `json:"asset_ids"`
	}{AssetIDs: assetIDs}

	var resp valuesResponse

	err := c.do(ctx, http.MethodPost, "/v1/annotation-runs/"+runID+"/values", body, &resp)
	if err != nil {
		return nil, err
	}

	return resp.Values, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("annotation service request failed: %w", err)
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Error("failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return fmt.Errorf("annotation service returned %d: %s", resp.StatusCode, string(detail))
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
