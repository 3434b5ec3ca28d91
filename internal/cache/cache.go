// Package cache short-circuits crawls for URLs that already have a stored
// document, and records every fresh result.
package cache

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/identity"
	"github.com/JakeFAU/pagesnap/internal/renderer"
)

// ErrNotFound is returned by a Store when no entry exists for a key.
var ErrNotFound = errors.New("cache entry not found")

// Store persists documents keyed by content identity.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, html string) error
	// Delete removes key. Removing a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Gate applies the read/write policy on top of a Store. Reads are gated by
// enabled; writes always happen.
type Gate struct {
	store   Store
	enabled bool
	logger  *zap.Logger
}

// NewGate wraps store.
func NewGate(store Store, enabled bool, logger *zap.Logger) (*Gate, error) {
	if store == nil {
		return nil, errors.New("cache store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{store: store, enabled: enabled, logger: logger}, nil
}

// Enabled reports whether Lookup consults the store.
func (g *Gate) Enabled() bool { return g.enabled }

// Lookup returns the stored document for rawURL. Read failures count as a miss.
func (g *Gate) Lookup(ctx context.Context, rawURL string) (string, bool) {
	if !g.enabled {
		return "", false
	}
	key := identity.Key(rawURL)
	html, err := g.store.Get(ctx, key)
	switch {
	case err == nil:
		return renderer.Sanitize(html), true
	case errors.Is(err, ErrNotFound):
		return "", false
	default:
		g.logger.Warn("cache read failed", zap.String("url", rawURL), zap.String("key", key), zap.Error(err))
		return "", false
	}
}

// Remember stores html for rawURL regardless of whether reads are enabled.
func (g *Gate) Remember(ctx context.Context, rawURL, html string) error {
	if err := g.store.Put(ctx, identity.Key(rawURL), html); err != nil {
		return fmt.Errorf("cache write %s: %w", rawURL, err)
	}
	return nil
}

// Invalidate drops the entry for rawURL.
func (g *Gate) Invalidate(ctx context.Context, rawURL string) error {
	if err := g.store.Delete(ctx, identity.Key(rawURL)); err != nil {
		return fmt.Errorf("cache invalidate %s: %w", rawURL, err)
	}
	return nil
}
