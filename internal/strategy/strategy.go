// Package strategy defines the contract shared by every way pagesnap can turn
// a URL into HTML and a screenshot.
package strategy

import (
	"context"

	"github.com/JakeFAU/pagesnap/internal/hooks"
)

// Strategy names used in configuration and metrics.
const (
	Local  = "local"
	Remote = "remote"
)

// CrawlOptions tunes a single crawl.
type CrawlOptions struct {
	// BypassHeadless forces the visible-browser fallback.
	BypassHeadless bool `json:"bypass_headless"`
}

// Strategy crawls one page per call. Implementations are not safe for
// concurrent use; callers own a strategy exclusively.
type Strategy interface {
	// Name identifies the strategy in logs and metrics.
	Name() string
	// Crawl returns the sanitized HTML for rawURL.
	Crawl(ctx context.Context, rawURL string, opts CrawlOptions) (string, error)
	// Screenshot returns a base64 JPEG. It never fails; on error the image
	// describes the failure.
	Screenshot(ctx context.Context) string
	// UpdateUserAgent changes the identity presented to sites.
	UpdateUserAgent(ctx context.Context, ua string) error
	// SetHook registers fn at name; unknown names are configuration errors.
	SetHook(name hooks.Name, fn hooks.Hook) error
	// Quit releases resources. It is idempotent.
	Quit() error
}
