package policy

import (
	"context"
	"sync"

	"hwselftest/pkg/model"
)

// Source is anything that can fetch a filter policy.
type Source interface {
	FilterConfig(ctx context.Context) (model.FilterConfig, error)
}

// CachedSource remembers the last policy fetched from a remote source and
// serves it while the remote is unreachable. Until one fetch has succeeded,
// remote errors are returned unchanged.
type CachedSource struct {
	remote Source

	mu   sync.Mutex
	last *model.FilterConfig
}

func NewCachedSource(remote Source) *CachedSource {
	return &CachedSource{remote: remote}
}

// Refresh fetches the remote policy and caches it on success.
func (c *CachedSource) Refresh(ctx context.Context) (model.FilterConfig, error) {
	cfg, err := c.remote.FilterConfig(ctx)
	if err != nil {
		return cfg, err
	}
	c.mu.Lock()
	c.last = &cfg
	c.mu.Unlock()
	return cfg, nil
}

// Cached returns the last fetched policy.
func (c *CachedSource) Cached() (model.FilterConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return model.FilterConfig{}, false
	}
	return *c.last, true
}

func (c *CachedSource) FilterConfig(ctx context.Context) (model.FilterConfig, error) {
	cfg, err := c.Refresh(ctx)
	if err == nil {
		return cfg, nil
	}
	if last, ok := c.Cached(); ok {
		return last, nil
	}
	return cfg, err
}
