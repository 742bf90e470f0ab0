// Package checkpoint loads previously trained adapter, head and
// postprocessor weights.
package checkpoint

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/ricesearch/zeroshot-eval/internal/modality"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/hash"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/safetensors"
	"github.com/ricesearch/zeroshot-eval/internal/tensor"
)

// Module names persisted next to the adapters.
const (
	ModuleHeads          = "heads"
	ModulePostprocessors = "postprocessors"
)

// Weights is one loaded checkpoint file.
type Weights struct {
	Source      string
	Fingerprint string
	Tensors     map[string]*tensor.Tensor
	Metadata    map[string]string
}

// Loader loads persisted weights. Implementations return a NOT_FOUND
// AppError when the requested checkpoint does not exist.
type Loader interface {
	LoadAdapters(ctx context.Context, m modality.Type) (*Weights, error)
	LoadModule(ctx context.Context, module string, m modality.Type) (*Weights, error)
}

// AdapterFileName returns the file holding the adapters of one trunk.
func AdapterFileName(m modality.Type, postfix string) string {
	return fmt.Sprintf("imagebind-lora-%s%s.safetensors", m, postfix)
}

// ModuleFileName returns the file holding one module of one modality.
func ModuleFileName(module string, m modality.Type, postfix string) string {
	return fmt.Sprintf("imagebind-%s-%s%s.safetensors", module, m, postfix)
}

// FileStore reads safetensors checkpoints from a directory.
type FileStore struct {
	dir       string
	moduleDir string
	postfix   string
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithModuleDir loads heads and postprocessors from a different directory.
func WithModuleDir(dir string) FileStoreOption {
	return func(s *FileStore) {
		if dir != "" {
			s.moduleDir = dir
		}
	}
}

// NewFileStore creates a store rooted at dir. postfix is appended to every
// file stem, e.g. "_last".
func NewFileStore(dir, postfix string, opts ...FileStoreOption) *FileStore {
	s := &FileStore{dir: dir, moduleDir: dir, postfix: postfix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadAdapters implements Loader.
func (s *FileStore) LoadAdapters(ctx context.Context, m modality.Type) (*Weights, error) {
	return s.load(ctx, filepath.Join(s.dir, AdapterFileName(m, s.postfix)))
}

// LoadModule implements Loader.
func (s *FileStore) LoadModule(ctx context.Context, module string, m modality.Type) (*Weights, error) {
	return s.load(ctx, filepath.Join(s.moduleDir, ModuleFileName(module, m, s.postfix)))
}

func (s *FileStore) load(ctx context.Context, path string) (*Weights, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, errors.NotFoundError("checkpoint").WithDetail("path", path)
		}
		return nil, errors.CheckpointError("reading checkpoint", err).WithDetail("path", path)
	}

	tensors, meta, err := safetensors.Read(bytes.NewReader(data))
	if err != nil {
		return nil, errors.CheckpointError("decoding checkpoint", err).WithDetail("path", path)
	}

	return &Weights{
		Source:      path,
		Fingerprint: hash.SHA256(data),
		Tensors:     tensors,
		Metadata:    meta,
	}, nil
}

// Save writes tensors to path as safetensors, creating parent directories.
func Save(path string, tensors map[string]*tensor.Tensor, metadata map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := safetensors.Write(&buf, tensors, metadata); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// MemoryStore is an in-memory Loader.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Weights
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Weights)}
}

// PutAdapters registers adapter tensors for m.
func (s *MemoryStore) PutAdapters(m modality.Type, tensors map[string]*tensor.Tensor) {
	s.put(AdapterFileName(m, ""), tensors)
}

// PutModule registers module tensors for m.
func (s *MemoryStore) PutModule(module string, m modality.Type, tensors map[string]*tensor.Tensor) {
	s.put(ModuleFileName(module, m, ""), tensors)
}

func (s *MemoryStore) put(key string, tensors map[string]*tensor.Tensor) {
	var buf bytes.Buffer
	fingerprint := ""
	if err := safetensors.Write(&buf, tensors, nil); err == nil {
		fingerprint = hash.SHA256(buf.Bytes())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &Weights{Source: "memory://" + key, Fingerprint: fingerprint, Tensors: tensors}
}

// LoadAdapters implements Loader.
func (s *MemoryStore) LoadAdapters(ctx context.Context, m modality.Type) (*Weights, error) {
	return s.get(ctx, AdapterFileName(m, ""))
}

// LoadModule implements Loader.
func (s *MemoryStore) LoadModule(ctx context.Context, module string, m modality.Type) (*Weights, error) {
	return s.get(ctx, ModuleFileName(module, m, ""))
}

func (s *MemoryStore) get(ctx context.Context, key string) (*Weights, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.entries[key]
	if !ok {
		return nil, errors.NotFoundError("checkpoint").WithDetail("path", "memory://"+key)
	}
	return w, nil
}
