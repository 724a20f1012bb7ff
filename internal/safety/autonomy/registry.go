package autonomy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ConfigSource resolves the autonomy config of a tenant.
type ConfigSource interface {
	ConfigFor(tenantID string) (*Config, bool)
}

// Registry holds the active PolicySet. Readers never observe a partially
// loaded set: a reload is validated in full and then swapped in.
type Registry struct {
	path     string
	current  atomic.Pointer[PolicySet]
	logger   *zap.Logger
	onReload func(*PolicySet)
}

// NewRegistry wraps an already validated set.
func NewRegistry(set *PolicySet, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{logger: logger}
	r.current.Store(set)
	return r
}

// LoadRegistry reads the policy file at path. An invalid file is fatal here.
func LoadRegistry(path string, logger *zap.Logger) (*Registry, error) {
	set, err := LoadPolicyFile(path)
	if err != nil {
		return nil, err
	}
	r := NewRegistry(set, logger)
	r.path = path
	return r, nil
}

// OnReload registers a callback run after each successful reload.
func (r *Registry) OnReload(fn func(*PolicySet)) { r.onReload = fn }

// Current returns the active set.
func (r *Registry) Current() *PolicySet { return r.current.Load() }

// ConfigFor implements ConfigSource.
func (r *Registry) ConfigFor(tenantID string) (*Config, bool) {
	return r.current.Load().ConfigFor(tenantID)
}

// Reload re-reads the policy file. On error the previous set stays active.
func (r *Registry) Reload() error {
	if r.path == "" {
		return fmt.Errorf("registry has no policy file")
	}
	set, err := LoadPolicyFile(r.path)
	if err != nil {
		r.logger.Error("Rejected autonomy policy reload", zap.String("path", r.path), zap.Error(err))
		return err
	}
	r.current.Store(set)
	r.logger.Info("Autonomy policy reloaded",
		zap.String("path", r.path),
		zap.Int("tenants", len(set.Tenants)),
		zap.Bool("has_default", set.Default != nil))
	if r.onReload != nil {
		r.onReload(set)
	}
	return nil
}

// Watch reloads the policy whenever its file changes, until ctx is done.
// The directory is watched so editors that replace the file are seen too.
func (r *Registry) Watch(ctx context.Context) error {
	if r.path == "" {
		return fmt.Errorf("registry has no policy file")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(r.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", target, err)
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			_ = r.Reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("Autonomy policy watcher error", zap.Error(err))
		case <-ctx.Done():
			return nil
		}
	}
}
