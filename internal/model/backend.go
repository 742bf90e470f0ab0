package model

import (
	"fmt"

	"github.com/ricesearch/zeroshot-eval/internal/client"
	"github.com/ricesearch/zeroshot-eval/internal/config"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
)

// NewBackend creates the backend selected by cfg.Backend.
func NewBackend(cfg config.MLConfig) (Backend, error) {
	switch cfg.Backend {
	case "onnx", "":
		return NewONNXBackend(ONNXConfig{
			ModelsDir:   cfg.ModelsDir,
			LibraryPath: cfg.LibraryPath,
			CUDADevice:  cfg.CUDADevice,
		}), nil
	case "http":
		c := client.New(client.Config{
			BaseURL:           cfg.URL,
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RateLimit,
		})
		return NewHTTPBackend(c), nil
	default:
		return nil, errors.ConfigError(fmt.Sprintf("unknown ML backend %q", cfg.Backend))
	}
}
