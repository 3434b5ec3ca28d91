// Package renderer wraps a controllable browser session: navigation, script
// execution, DOM reads, raster capture, header and cookie injection, and the
// session lifecycle.
package renderer

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrSessionClosed is returned by every Session operation after Close.
var ErrSessionClosed = errors.New("renderer session closed")

// DefaultUserAgent is the identity used when none is configured.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// Session is the capability surface the crawl pipeline needs from a browser.
type Session interface {
	// Navigate loads rawURL and blocks until the browser reports the navigation.
	Navigate(ctx context.Context, rawURL string) error
	// Evaluate runs script and decodes its value into res (which may be nil).
	Evaluate(ctx context.Context, script string, res any) error
	// DOM returns the current serialized document.
	DOM(ctx context.Context) (string, error)
	// SetWindowSize resizes the viewport.
	SetWindowSize(ctx context.Context, width, height int) error
	// CaptureRaster returns a PNG sized to the full page content.
	CaptureRaster(ctx context.Context) ([]byte, error)
	// SetExtraHeaders injects request headers at the network layer.
	SetExtraHeaders(ctx context.Context, headers map[string]string) error
	// UserAgent reports the identity string the session presents.
	UserAgent() string
	// Close releases the session. Calling it more than once is a no-op.
	Close() error
}

// Cookie is an initial cookie installed when a session is created.
type Cookie struct {
	Name   string `mapstructure:"name"`
	Value  string `mapstructure:"value"`
	Domain string `mapstructure:"domain"`
	Path   string `mapstructure:"path"`
	URL    string `mapstructure:"url"`
}

// Options configures a session at creation time.
type Options struct {
	Headless          bool
	WindowWidth       int
	WindowHeight      int
	UserAgent         string
	Headers           map[string]string
	Cookies           []Cookie
	Flags             map[string]any
	NavigationTimeout time.Duration
	// HideAutomation installs the anti-automation-detection countermeasures.
	HideAutomation bool
}

// DefaultOptions mirrors the stock desktop configuration.
func DefaultOptions() Options {
	return Options{
		Headless:          true,
		WindowWidth:       1920,
		WindowHeight:      1080,
		UserAgent:         DefaultUserAgent,
		NavigationTimeout: 30 * time.Second,
		HideAutomation:    true,
	}
}

// Validate rejects malformed options.
func (o Options) Validate() error {
	if o.WindowWidth <= 0 || o.WindowHeight <= 0 {
		return fmt.Errorf("window size must be positive, got %dx%d", o.WindowWidth, o.WindowHeight)
	}
	if o.NavigationTimeout < 0 {
		return fmt.Errorf("navigation timeout must be >= 0")
	}
	for _, c := range o.Cookies {
		if c.Name == "" {
			return fmt.Errorf("cookie name is required")
		}
		if c.Domain == "" && c.URL == "" {
			return fmt.Errorf("cookie %q needs a domain or url", c.Name)
		}
	}
	return nil
}

// WithUserAgent returns a copy of o with the identity replaced.
func (o Options) WithUserAgent(ua string) Options {
	o.UserAgent = ua
	return o
}

// Clone deep-copies the map and slice fields.
func (o Options) Clone() Options {
	cp := o
	if o.Headers != nil {
		cp.Headers = make(map[string]string, len(o.Headers))
		for k, v := range o.Headers {
			cp.Headers[k] = v
		}
	}
	if o.Flags != nil {
		cp.Flags = make(map[string]any, len(o.Flags))
		for k, v := range o.Flags {
			cp.Flags[k] = v
		}
	}
	cp.Cookies = append([]Cookie(nil), o.Cookies...)
	return cp
}

// Factory creates a live session bound to opts.
type Factory func(ctx context.Context, opts Options) (Session, error)
