// Package client talks to a remote ImageBind model server over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	runctx "github.com/ricesearch/zeroshot-eval/internal/pkg/context"
)

// Client is an HTTP client for the model server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter // nil = unlimited
}

// Config configures the client.
type Config struct {
	// BaseURL is the base URL of the model server.
	BaseURL string

	// Timeout is the per-request timeout.
	Timeout time.Duration

	// RequestsPerSecond caps the request rate. Zero means no limit.
	RequestsPerSecond float64

	// MaxIdleConns controls the maximum number of idle (keep-alive) connections.
	MaxIdleConns int

	// IdleConnTimeout is how long an idle connection stays open.
	IdleConnTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:         "http://localhost:8090",
		Timeout:         60 * time.Second,
		MaxIdleConns:    16,
		IdleConnTimeout: 90 * time.Second,
	}
}

// New creates a new model server client.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = def.MaxIdleConns
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = def.IdleConnTimeout
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}

	c := &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

// BaseURL returns the server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Device  string `json:"device,omitempty"`
}

// SensorInput is one stacked sensor batch, row-major.
type SensorInput struct {
	Shape []int64   `json:"shape"`
	Data  []float32 `json:"data"`
}

// EmbedRequest asks the server to embed sensor batches and/or texts.
type EmbedRequest struct {
	Sensors map[string]SensorInput `json:"sensors,omitempty"`
	Text    []string               `json:"text,omitempty"`
}

// EmbedResponse holds one embedding row per input item, keyed by modality.
type EmbedResponse struct {
	Embeddings map[string][][]float32 `json:"embeddings"`
}

// DeviceRequest binds the model to a device.
type DeviceRequest struct {
	Device string `json:"device"`
}

// DeviceResponse reports the device actually in use.
type DeviceResponse struct {
	Device string `json:"device"`
}

// APIError represents an API error response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Health checks if the server is healthy.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/healthz", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadAdapters sends a safetensors-encoded adapter set for one trunk.
func (c *Client) UploadAdapters(ctx context.Context, modality string, body []byte) error {
	return c.postBinary(ctx, "/v1/adapters/"+modality, body)
}

// UploadModule sends a safetensors-encoded head or postprocessor.
func (c *Client) UploadModule(ctx context.Context, kind, modality string, body []byte) error {
	return c.postBinary(ctx, fmt.Sprintf("/v1/modules/%s/%s", kind, modality), body)
}

// SetEval switches the remote model to inference mode.
func (c *Client) SetEval(ctx context.Context) error {
	return c.post(ctx, "/v1/eval", nil, nil)
}

// BindDevice moves the remote model to device and returns the device in use.
func (c *Client) BindDevice(ctx context.Context, device string) (string, error) {
	var resp DeviceResponse
	if err := c.post(ctx, "/v1/device", DeviceRequest{Device: device}, &resp); err != nil {
		return "", err
	}
	return resp.Device, nil
}

// Embed runs the remote model.
func (c *Client) Embed(ctx context.Context, req EmbedRequest) (*EmbedResponse, error) {
	var resp EmbedResponse
	if err := c.post(ctx, "/v1/embed", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// get performs a GET request.
func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	return c.do(req, result)
}

// post performs a JSON POST request.
func (c *Client) post(ctx context.Context, path string, body, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return c.do(req, result)
}

// postBinary performs a POST with an octet-stream body.
func (c *Client) postBinary(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	return c.do(req, nil)
}

// do executes a request. The run ID in the request context, if any, is
// forwarded so the server can correlate its logs.
func (c *Client) do(req *http.Request, result interface{}) error {
	if runID := runctx.GetRunID(req.Context()); runID != "" {
		req.Header.Set(runctx.RunIDHeader, runID)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = string(body)
		}
		return &apiErr
	}

	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}
