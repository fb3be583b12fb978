package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/llava-go/llava/envconfig"
	"github.com/llava-go/llava/format"
	"github.com/llava-go/llava/ml"
	"github.com/llava-go/llava/model"
)

var errModelNotFound = errors.New("model not found")

// loader opens the model called name.
type loader func(ctx context.Context, name string) (model.Model, error)

// modelCache keeps every model loaded once for the life of the server.
type modelCache struct {
	load loader

	mu     sync.Mutex
	models map[string]*modelRef
}

type modelRef struct {
	once  sync.Once
	model model.Model
	err   error
}

func newModelCache(load loader) *modelCache {
	return &modelCache{load: load, models: make(map[string]*modelRef)}
}

// get returns the loaded model called name, loading it on first use.
// Concurrent callers for the same name wait for a single load.
func (c *modelCache) get(ctx context.Context, name string) (model.Model, error) {
	c.mu.Lock()
	ref, ok := c.models[name]
	if !ok {
		ref = &modelRef{}
		c.models[name] = ref
	}
	c.mu.Unlock()

	ref.once.Do(func() {
		ref.model, ref.err = c.load(ctx, name)
		if ref.err != nil {
			c.mu.Lock()
			delete(c.models, name)
			c.mu.Unlock()
		}
	})

	return ref.model, ref.err
}

func (c *modelCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, ref := range c.models {
		if ref.model != nil {
			ref.model.Backend().Close()
		}
		delete(c.models, name)
	}
}

// modelPath resolves name to a directory under the models path.
func modelPath(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid model name %q", name)
	}

	p := filepath.Join(envconfig.Models(), name)
	if _, err := os.Stat(filepath.Join(p, "config.json")); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", errModelNotFound, name)
		}
		return "", err
	}

	return p, nil
}

// loadFromDisk is the loader used by the server.
func loadFromDisk(ctx context.Context, name string) (model.Model, error) {
	p, err := modelPath(name)
	if err != nil {
		return nil, err
	}

	t := time.Now()
	m, err := model.New(p, ml.BackendParams{NumThreads: int(envconfig.NumThreads())})
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var last int
	if err := m.Backend().Load(ctx, func(progress float32) {
		mu.Lock()
		defer mu.Unlock()
		if pct := int(progress * 100); pct >= last+10 {
			last = pct
			slog.Debug("loading model", "name", name, "progress", pct)
		}
	}); err != nil {
		m.Backend().Close()
		return nil, err
	}

	slog.Info("loaded model", "name", name, "size", format.HumanBytes(m.Backend().Size()), "duration", time.Since(t))
	return m, nil
}
