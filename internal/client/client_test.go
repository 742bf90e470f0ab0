package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	runctx "github.com/ricesearch/zeroshot-eval/internal/pkg/context"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.BaseURL != "http://localhost:8090" {
		t.Errorf("BaseURL = %q, want %q", cfg.BaseURL, "http://localhost:8090")
	}
	if cfg.Timeout != 60*time.Second {
		t.Errorf("Timeout = %v, want %v", cfg.Timeout, 60*time.Second)
	}
}

func TestClientNew(t *testing.T) {
	t.Run("default config", func(t *testing.T) {
		c := New(Config{})
		if c.baseURL != "http://localhost:8090" {
			t.Errorf("baseURL = %q", c.baseURL)
		}
		if c.limiter != nil {
			t.Error("limiter set without a rate")
		}
	})

	t.Run("rate limited", func(t *testing.T) {
		c := New(Config{BaseURL: "http://custom:9000", RequestsPerSecond: 0.5})
		if c.limiter == nil {
			t.Fatal("limiter = nil")
		}
		if c.limiter.Burst() != 1 {
			t.Errorf("Burst() = %d, want 1", c.limiter.Burst())
		}
	})
}

func TestClientHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/healthz")
		}
		if r.Method != http.MethodGet {
			t.Errorf("method = %q, want %q", r.Method, http.MethodGet)
		}
		if err := json.NewEncoder(w).Encode(HealthResponse{Status: "ok", Device: "cuda"}); err != nil {
			t.Errorf("failed to encode response: %v", err)
		}
	}))
	defer server.Close()

	resp, err := New(Config{BaseURL: server.URL}).Health(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "ok" || resp.Device != "cuda" {
		t.Errorf("Health() = %+v", resp)
	}
}

func TestClientEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embed" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req EmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if got := req.Sensors["imu"].Shape; len(got) != 2 || got[0] != 2 {
			t.Errorf("imu shape = %v", got)
		}
		if len(req.Text) != 1 {
			t.Errorf("text = %v", req.Text)
		}

		_ = json.NewEncoder(w).Encode(EmbedResponse{Embeddings: map[string][][]float32{
			"imu":  {{1, 0}, {0, 1}},
			"text": {{0.5, 0.5}},
		}})
	}))
	defer server.Close()

	resp, err := New(Config{BaseURL: server.URL}).Embed(context.Background(), EmbedRequest{
		Sensors: map[string]SensorInput{"imu": {Shape: []int64{2, 3}, Data: make([]float32, 6)}},
		Text:    []string{"a human is biking."},
	})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(resp.Embeddings["imu"]) != 2 || len(resp.Embeddings["text"]) != 1 {
		t.Errorf("Embeddings = %v", resp.Embeddings)
	}
}

func TestClientUploadAdapters(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/adapters/text" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/octet-stream" {
			t.Errorf("Content-Type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if !bytes.Equal(body, payload) {
			t.Errorf("body = %v", body)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	if err := New(Config{BaseURL: server.URL}).UploadAdapters(context.Background(), "text", payload); err != nil {
		t.Fatalf("UploadAdapters() error = %v", err)
	}
}

func TestClientBindDevice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req DeviceRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Device != "auto" {
			t.Errorf("device = %q", req.Device)
		}
		_ = json.NewEncoder(w).Encode(DeviceResponse{Device: "cpu"})
	}))
	defer server.Close()

	got, err := New(Config{BaseURL: server.URL}).BindDevice(context.Background(), "auto")
	if err != nil {
		t.Fatalf("BindDevice() error = %v", err)
	}
	if got != "cpu" {
		t.Errorf("BindDevice() = %q, want cpu", got)
	}
}

func TestClientAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(APIError{Code: "NOT_FOUND", Message: "no such trunk"})
	}))
	defer server.Close()

	err := New(Config{BaseURL: server.URL}).SetEval(context.Background())
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.Code != "NOT_FOUND" || apiErr.Status != http.StatusNotFound {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestClientPlainTextError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := New(Config{BaseURL: server.URL}).SetEval(context.Background())
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.Status != http.StatusServiceUnavailable {
		t.Errorf("Status = %d", apiErr.Status)
	}
}

func TestClientConnectionError(t *testing.T) {
	c := New(Config{
		BaseURL: "http://localhost:99999", // Invalid port
		Timeout: 1 * time.Second,
	})

	if _, err := c.Health(context.Background()); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestAPIErrorString(t *testing.T) {
	err := &APIError{Code: "TEST_ERROR", Message: "test message"}
	if err.Error() != "TEST_ERROR: test message" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestClientForwardsRunID(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(runctx.RunIDHeader)
		_ = json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
	}))
	defer server.Close()

	ctx := runctx.WithRunID(context.Background(), "run-42")
	if _, err := New(Config{BaseURL: server.URL}).Health(ctx); err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if got != "run-42" {
		t.Errorf("%s = %q, want run-42", runctx.RunIDHeader, got)
	}
}
