// Package escalation re-renders a page in a visible browser when headless
// rendering comes back empty or the caller asks to skip headless mode.
package escalation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/crawlerr"
	"github.com/JakeFAU/pagesnap/internal/renderer"
)

// EmptyDocument is what a headless browser serializes when a site served it
// nothing. Matching is literal.
const EmptyDocument = "<html><head></head><body></body></html>"

// ShouldEscalate decides whether the headless result must be replaced.
func ShouldEscalate(html string, bypassHeadless bool) bool {
	return bypassHeadless || html == EmptyDocument
}

// Config sizes the throwaway visible window.
type Config struct {
	WindowWidth  int `mapstructure:"window_width"`
	WindowHeight int `mapstructure:"window_height"`
}

// DefaultConfig keeps the visible window as small as Chrome allows.
func DefaultConfig() Config {
	return Config{WindowWidth: 5, WindowHeight: 5}
}

// Fallback renders one URL in a fresh non-headless session.
type Fallback struct {
	factory renderer.Factory
	base    renderer.Options
	cfg     Config
	logger  *zap.Logger
}

// New builds a Fallback that derives its session options from base.
func New(factory renderer.Factory, base renderer.Options, cfg Config, logger *zap.Logger) (*Fallback, error) {
	if factory == nil {
		return nil, crawlerr.Configf("escalation: session factory is required")
	}
	if cfg.WindowWidth <= 0 || cfg.WindowHeight <= 0 {
		return nil, crawlerr.Configf("escalation: invalid window size %dx%d", cfg.WindowWidth, cfg.WindowHeight)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fallback{factory: factory, base: base.Clone(), cfg: cfg, logger: logger}, nil
}

// SessionOptions returns the options the fallback session is created with.
func (f *Fallback) SessionOptions() renderer.Options {
	opts := f.base.Clone()
	opts.Headless = false
	opts.WindowWidth = f.cfg.WindowWidth
	opts.WindowHeight = f.cfg.WindowHeight
	return opts
}

// Render opens a visible session, reads rawURL's document and destroys the
// session before returning. Failures are reported as ErrFallbackExhausted.
func (f *Fallback) Render(ctx context.Context, rawURL string) (html string, err error) {
	f.logger.Info("escalating to visible browser", zap.String("url", rawURL))

	session, err := f.factory(ctx, f.SessionOptions())
	if err != nil {
		return "", f.fail(rawURL, fmt.Errorf("create session: %w", err))
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			f.logger.Warn("close fallback session", zap.String("url", rawURL), zap.Error(cerr))
		}
	}()

	if err := session.Navigate(ctx, rawURL); err != nil {
		return "", f.fail(rawURL, err)
	}
	dom, err := session.DOM(ctx)
	if err != nil {
		return "", f.fail(rawURL, err)
	}
	return renderer.Sanitize(dom), nil
}

func (f *Fallback) fail(rawURL string, err error) error {
	return crawlerr.New("fallback", rawURL, crawlerr.ErrFallbackExhausted, err)
}
