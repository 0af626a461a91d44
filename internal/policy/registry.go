package policy

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/yuv2819-cmyk/AgentGuard/internal/metrics"
)

// Registry serves policies by id, reloading from a directory when files change.
type Registry struct {
	mu       sync.RWMutex
	dir      string
	loader   *Loader
	watcher  *FileWatcher
	policies map[string]Policy
}

// NewRegistry loads every policy under dir and watches it for changes.
func NewRegistry(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create policy directory: %w", err)
	}

	r := &Registry{
		dir:      dir,
		loader:   NewLoader(),
		policies: make(map[string]Policy),
	}

	if err := r.Reload(); err != nil {
		return nil, fmt.Errorf("initial load: %w", err)
	}

	watcher, err := NewFileWatcher(dir, r.handlePolicyChange)
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	r.watcher = watcher

	return r, nil
}

// NewStaticRegistry builds a registry that never touches disk.
func NewStaticRegistry(policies ...Policy) *Registry {
	r := &Registry{policies: make(map[string]Policy, len(policies))}
	for _, p := range policies {
		r.policies[p.ID] = p
	}
	return r
}

// Get returns the policy with the given id.
func (r *Registry) Get(id string) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.policies[id]
	return p, ok
}

// Len returns the number of loaded policies.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.policies)
}

// Reload replaces the loaded set atomically. On failure the previous set is kept.
func (r *Registry) Reload() error {
	if r.loader == nil {
		return nil
	}

	policies, err := r.loader.LoadFromDir(r.dir)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.policies = policies
	r.mu.Unlock()
	metrics.SetPolicyCount(len(policies))

	log.Info().Int("count", len(policies)).Str("dir", r.dir).Msg("policies loaded")
	return nil
}

// Close stops the file watcher.
func (r *Registry) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

func (r *Registry) handlePolicyChange(path string) {
	log.Info().Str("path", path).Msg("policy change detected")

	if err := r.Reload(); err != nil {
		log.Error().Err(err).Msg("failed to reload policies")
	}
}
