package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Durable is a JSON-file-backed cache tier. Reads and writes are served
// from memory; Save persists the full map atomically.
type Durable[V any] struct {
	path string

	mu      sync.RWMutex
	entries map[string]V
	dirty   bool

	saveMu sync.Mutex
}

// NewDurable creates a durable tier backed by path. Call Load to populate it.
func NewDurable[V any](path string) *Durable[V] {
	return &Durable[V]{path: path, entries: make(map[string]V)}
}

// Path returns the backing file.
func (d *Durable[V]) Path() string { return d.path }

// Load reads the backing file. A missing or corrupt file leaves the tier
// empty and is logged, never returned.
func (d *Durable[V]) Load() int {
	raw, err := os.ReadFile(d.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			zap.L().Warn("cache: read durable cache", zap.String("path", d.path), zap.Error(err))
		}
		return 0
	}

	loaded := make(map[string]V)
	if err := json.Unmarshal(raw, &loaded); err != nil {
		zap.L().Warn("cache: decode durable cache", zap.String("path", d.path), zap.Error(err))
		return 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range loaded {
		if _, ok := d.entries[k]; !ok {
			d.entries[k] = v
		}
	}
	return len(loaded)
}

func (d *Durable[V]) Get(_ context.Context, key string) (V, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.entries[key]
	return v, ok
}

func (d *Durable[V]) Set(_ context.Context, key string, v V) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[key] = v
	d.dirty = true
}

// Len returns the number of entries held.
func (d *Durable[V]) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Save writes the cache to a temp file in the same directory and renames
// it over the backing file. Concurrent Saves are serialized.
func (d *Durable[V]) Save() (err error) {
	d.saveMu.Lock()
	defer d.saveMu.Unlock()

	d.mu.Lock()
	if !d.dirty {
		d.mu.Unlock()
		return nil
	}
	raw, err := json.Marshal(d.entries)
	d.dirty = false
	d.mu.Unlock()
	defer func() {
		if err != nil {
			d.mu.Lock()
			d.dirty = true
			d.mu.Unlock()
		}
	}()
	if err != nil {
		return eris.Wrap(err, "cache: encode durable cache")
	}

	dir := filepath.Dir(d.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "cache: create dir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(d.path)+".*.tmp")
	if err != nil {
		return eris.Wrap(err, "cache: create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "cache: write temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "cache: close temp file")
	}
	if err := os.Rename(tmpName, d.path); err != nil {
		return eris.Wrapf(err, "cache: rename to %s", d.path)
	}
	return nil
}
