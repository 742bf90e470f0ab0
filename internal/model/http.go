package model

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/ricesearch/zeroshot-eval/internal/checkpoint"
	"github.com/ricesearch/zeroshot-eval/internal/client"
	"github.com/ricesearch/zeroshot-eval/internal/lora"
	"github.com/ricesearch/zeroshot-eval/internal/modality"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/safetensors"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/security"
	"github.com/ricesearch/zeroshot-eval/internal/tensor"
)

// HTTPBackend drives a remote model server. Weights are shipped as
// safetensors bodies.
type HTTPBackend struct {
	client *client.Client
}

var _ Backend = (*HTTPBackend)(nil)

// NewHTTPBackend wraps c.
func NewHTTPBackend(c *client.Client) *HTTPBackend {
	return &HTTPBackend{client: c}
}

// ApplyAdapters uploads one adapter file per trunk.
func (b *HTTPBackend) ApplyAdapters(ctx context.Context, set *lora.Set) error {
	if set == nil {
		return errors.ValidationError("nil adapter set")
	}
	for _, m := range set.Modalities() {
		var adapters []*lora.Adapter
		for _, layer := range set.Layers(m) {
			adapters = append(adapters, set.Get(m, layer)...)
		}
		body, err := encode(lora.Tensors(adapters))
		if err != nil {
			return err
		}
		if err := b.client.UploadAdapters(ctx, string(m), body); err != nil {
			return remoteError(fmt.Sprintf("uploading %s adapters", m), err)
		}
	}
	return nil
}

// LoadModule implements Backend.
func (b *HTTPBackend) LoadModule(ctx context.Context, kind string, m modality.Type, w *checkpoint.Weights) error {
	if w == nil {
		return errors.ValidationError("nil weights")
	}
	body, err := encode(w.Tensors)
	if err != nil {
		return err
	}
	if err := b.client.UploadModule(ctx, kind, string(m), body); err != nil {
		return remoteError(fmt.Sprintf("uploading %s for %s", kind, m), err)
	}
	return nil
}

// SetEval implements Backend.
func (b *HTTPBackend) SetEval(ctx context.Context) error {
	if err := b.client.SetEval(ctx); err != nil {
		return remoteError("switching to inference mode", err)
	}
	return nil
}

// To implements Backend.
func (b *HTTPBackend) To(ctx context.Context, device string) (string, error) {
	got, err := b.client.BindDevice(ctx, device)
	if err != nil {
		return "", remoteError("binding device", err)
	}
	return got, nil
}

// Embed implements Embedder.
func (b *HTTPBackend) Embed(ctx context.Context, in Inputs) (Embeddings, error) {
	req := client.EmbedRequest{Text: in.Text}
	if len(in.Sensors) > 0 {
		req.Sensors = make(map[string]client.SensorInput, len(in.Sensors))
		for m, t := range in.Sensors {
			if t.DataType() != tensor.Float32 {
				return nil, errors.ValidationError(fmt.Sprintf("%s batch is %s, want float32", m, t.DataType()))
			}
			req.Sensors[string(m)] = client.SensorInput{Shape: t.Shape(), Data: t.Float32Data()}
		}
	}

	resp, err := b.client.Embed(ctx, req)
	if err != nil {
		return nil, remoteError("embedding", err)
	}

	out := make(Embeddings, len(resp.Embeddings))
	names := make([]string, 0, len(resp.Embeddings))
	for name := range resp.Embeddings {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m, err := modality.Parse(name)
		if err != nil {
			return nil, errors.New(errors.CodeMLError, fmt.Sprintf("server returned unknown modality %q", name))
		}
		dense, err := denseRows(resp.Embeddings[name])
		if err != nil {
			return nil, errors.MLError(fmt.Sprintf("decoding %s embeddings", name), err)
		}
		out[m] = dense
	}
	return out, nil
}

// Close implements Backend.
func (b *HTTPBackend) Close() error {
	return nil
}

// Health reports whether the server answers.
func (b *HTTPBackend) Health(ctx context.Context) (*client.HealthResponse, error) {
	h, err := b.client.Health(ctx)
	if err != nil {
		return nil, remoteError("health check", err)
	}
	return h, nil
}

func encode(tensors map[string]*tensor.Tensor) ([]byte, error) {
	var buf bytes.Buffer
	if err := safetensors.Write(&buf, tensors, nil); err != nil {
		return nil, errors.InternalError("encoding weights", err)
	}
	return buf.Bytes(), nil
}

func denseRows(rows [][]float32) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("empty embedding matrix")
	}
	d := len(rows[0])
	data := make([]float64, 0, len(rows)*d)
	for i, r := range rows {
		if len(r) != d {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(r), d)
		}
		for _, v := range r {
			data = append(data, float64(v))
		}
	}
	return mat.NewDense(len(rows), d, data), nil
}

// remoteError maps server failures onto application errors.
func remoteError(op string, err error) error {
	var apiErr *client.APIError
	if stderrors.As(err, &apiErr) {
		// Server messages end up in logs verbatim.
		err = &client.APIError{Status: apiErr.Status, Code: apiErr.Code, Message: security.SanitizeForLog(apiErr.Message)}
		switch {
		case apiErr.Status == http.StatusNotFound:
			return errors.Wrap(errors.CodeNotFound, op, err)
		case apiErr.Status == http.StatusServiceUnavailable:
			return errors.Wrap(errors.CodeUnavailable, op, err)
		case apiErr.Status == http.StatusBadRequest || apiErr.Status == http.StatusUnprocessableEntity:
			return errors.Wrap(errors.CodeValidation, op, err)
		}
		return errors.MLError(op, err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.TimeoutError(op)
	}
	return errors.Wrap(errors.CodeUnavailable, op, err)
}
