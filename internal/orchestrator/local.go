// Package orchestrator implements the local crawl strategy: a browser session
// driven through cache check, navigation, readiness, optional visible-browser
// fallback, custom scripts and cache write.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // decoder for raw captures
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/cache"
	"github.com/JakeFAU/pagesnap/internal/crawlerr"
	"github.com/JakeFAU/pagesnap/internal/diagimage"
	"github.com/JakeFAU/pagesnap/internal/escalation"
	"github.com/JakeFAU/pagesnap/internal/hooks"
	"github.com/JakeFAU/pagesnap/internal/metrics"
	"github.com/JakeFAU/pagesnap/internal/readiness"
	"github.com/JakeFAU/pagesnap/internal/renderer"
	"github.com/JakeFAU/pagesnap/internal/strategy"
)

const screenshotQuality = 85

// Config assembles everything a LocalRenderer needs besides its collaborators.
type Config struct {
	Renderer  renderer.Options
	Readiness readiness.Config
	Fallback  escalation.Config
	// Scripts run in order after readiness, each followed by a ready-state wait.
	Scripts []string
	// ScriptTimeout bounds the ready-state wait after each script.
	ScriptTimeout time.Duration
}

// DefaultConfig returns the stock local strategy configuration.
func DefaultConfig() Config {
	return Config{
		Renderer:      renderer.DefaultOptions(),
		Readiness:     readiness.DefaultConfig(),
		Fallback:      escalation.DefaultConfig(),
		ScriptTimeout: 10 * time.Second,
	}
}

// Option customizes a LocalRenderer at construction.
type Option func(*options)

type options struct {
	observer  Observer
	hooks     map[hooks.Name]hooks.Hook
	readiness []readiness.Option
}

// WithObserver reports every state transition to fn.
func WithObserver(fn Observer) Option {
	return func(o *options) { o.observer = fn }
}

// WithHook registers fn before the first session is created, so
// on_driver_created can see it.
func WithHook(name hooks.Name, fn hooks.Hook) Option {
	return func(o *options) {
		if o.hooks == nil {
			o.hooks = make(map[hooks.Name]hooks.Hook)
		}
		o.hooks[name] = fn
	}
}

// WithReadinessOptions passes opts through to the readiness detector.
func WithReadinessOptions(opts ...readiness.Option) Option {
	return func(o *options) { o.readiness = append(o.readiness, opts...) }
}

// LocalRenderer is the browser-backed Strategy.
type LocalRenderer struct {
	mu            sync.Mutex
	handle        *renderer.Handle
	hooks         *hooks.Registry
	detector      *readiness.Detector
	fallback      *escalation.Fallback
	gate          *cache.Gate
	scripts       []string
	scriptTimeout time.Duration
	observer      Observer
	logger        *zap.Logger
}

var _ strategy.Strategy = (*LocalRenderer)(nil)

// New creates the first browser session through factory. gate may be nil to
// run without a cache.
func New(ctx context.Context, factory renderer.Factory, cfg Config, gate *cache.Gate, logger *zap.Logger, opts ...Option) (*LocalRenderer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	registry := hooks.NewRegistry()
	for name, fn := range o.hooks {
		if err := registry.Set(name, fn); err != nil {
			return nil, err
		}
	}
	detector, err := readiness.New(cfg.Readiness, logger, o.readiness...)
	if err != nil {
		return nil, err
	}
	fallback, err := escalation.New(factory, cfg.Renderer, cfg.Fallback, logger)
	if err != nil {
		return nil, err
	}
	scriptTimeout := cfg.ScriptTimeout
	if scriptTimeout <= 0 {
		scriptTimeout = DefaultConfig().ScriptTimeout
	}

	handle, err := renderer.NewHandle(ctx, factory, cfg.Renderer, logger)
	if err != nil {
		return nil, err
	}
	r := &LocalRenderer{
		handle:        handle,
		hooks:         registry,
		detector:      detector,
		fallback:      fallback,
		gate:          gate,
		scripts:       append([]string(nil), cfg.Scripts...),
		scriptTimeout: scriptTimeout,
		observer:      o.observer,
		logger:        logger,
	}
	if _, err := r.dispatch(ctx, hooks.Event{Name: hooks.OnDriverCreated}); err != nil {
		_ = handle.Close()
		return nil, crawlerr.New("create", "", crawlerr.ErrHook, err)
	}
	return r, nil
}

// Name implements strategy.Strategy.
func (r *LocalRenderer) Name() string { return strategy.Local }

// SetHook implements strategy.Strategy.
func (r *LocalRenderer) SetHook(name hooks.Name, fn hooks.Hook) error {
	return r.hooks.Set(name, fn)
}

// Session exposes the current browser session.
func (r *LocalRenderer) Session() renderer.Session {
	return r.handle.Session()
}

// Crawl implements strategy.Strategy.
func (r *LocalRenderer) Crawl(ctx context.Context, rawURL string, opts strategy.CrawlOptions) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	log := r.logger.With(zap.String("url", rawURL))
	r.enter(rawURL, StateIdle)

	r.enter(rawURL, StateCacheCheck)
	if r.gate != nil {
		if html, ok := r.gate.Lookup(ctx, rawURL); ok {
			r.enter(rawURL, StateDone)
			log.Debug("served from cache")
			metrics.ObserveCrawl(rawURL, strategy.Local, metrics.OutcomeCacheHit, time.Since(start))
			return html, nil
		}
	}

	log.Info("crawling")
	html, outcome, err := r.render(ctx, rawURL, opts)
	if err != nil {
		r.enter(rawURL, StateFailed)
		log.Warn("crawl failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		metrics.ObserveCrawl(rawURL, strategy.Local, metrics.OutcomeFailed, time.Since(start))
		return "", err
	}

	r.enter(rawURL, StateCacheWrite)
	if r.gate != nil {
		if err := r.gate.Remember(ctx, rawURL, html); err != nil {
			log.Warn("cache write skipped", zap.Error(err))
			metrics.ObserveCacheWriteFailure()
		}
	}

	r.enter(rawURL, StateDone)
	log.Info("crawled", zap.String("outcome", outcome), zap.Duration("duration", time.Since(start)))
	metrics.ObserveCrawl(rawURL, strategy.Local, outcome, time.Since(start))
	return html, nil
}

func (r *LocalRenderer) render(ctx context.Context, rawURL string, opts strategy.CrawlOptions) (string, string, error) {
	if _, err := r.dispatch(ctx, hooks.Event{Name: hooks.BeforeGetURL, URL: rawURL}); err != nil {
		return "", "", failure(rawURL, err)
	}

	r.enter(rawURL, StateNavigating)
	session := r.handle.Session()
	if session == nil {
		return "", "", failure(rawURL, renderer.ErrSessionClosed)
	}
	if err := session.Navigate(ctx, rawURL); err != nil {
		return "", "", failure(rawURL, err)
	}

	r.enter(rawURL, StateAwaitingReady)
	if err := r.detector.WaitDocumentReady(ctx, session); err != nil {
		return "", "", failure(rawURL, err)
	}
	if err := r.detector.WaitElement(ctx, session); err != nil {
		return "", "", failure(rawURL, err)
	}
	if err := r.detector.ScrollToBottom(ctx, session); err != nil {
		return "", "", failure(rawURL, err)
	}
	if _, err := r.dispatch(ctx, hooks.Event{Name: hooks.AfterGetURL, URL: rawURL}); err != nil {
		return "", "", failure(rawURL, err)
	}
	// after_get_url may have swapped the session.
	session = r.handle.Session()
	dom, err := r.detector.Stabilize(ctx, session)
	if err != nil {
		return "", "", failure(rawURL, err)
	}
	html := renderer.Sanitize(dom)

	outcome := metrics.OutcomeRendered
	escalated := escalation.ShouldEscalate(html, opts.BypassHeadless)
	if escalated {
		r.enter(rawURL, StateFallback)
		reason := "empty_document"
		if opts.BypassHeadless {
			reason = "bypass_headless"
		}
		metrics.ObserveFallback(reason)
		html, err = r.fallback.Render(ctx, rawURL)
		if err != nil {
			return "", "", failure(rawURL, err)
		}
		outcome = metrics.OutcomeFallback
	}

	if len(r.scripts) > 0 {
		r.enter(rawURL, StatePostScriptExecution)
		if err := r.runScripts(ctx, session); err != nil {
			return "", "", failure(rawURL, err)
		}
		if !escalated {
			dom, err := session.DOM(ctx)
			if err != nil {
				return "", "", failure(rawURL, err)
			}
			html = renderer.Sanitize(dom)
		}
	}

	ev, err := r.dispatch(ctx, hooks.Event{Name: hooks.BeforeReturnHTML, URL: rawURL, HTML: html})
	if err != nil {
		return "", "", failure(rawURL, err)
	}
	return renderer.Sanitize(ev.HTML), outcome, nil
}

func (r *LocalRenderer) runScripts(ctx context.Context, session renderer.Session) error {
	for i, script := range r.scripts {
		if err := session.Evaluate(ctx, script, nil); err != nil {
			return fmt.Errorf("%w: custom script %d: %w", crawlerr.ErrNavigation, i, err)
		}
		if err := r.detector.WaitDocumentReadyWithin(ctx, session, r.scriptTimeout); err != nil {
			return fmt.Errorf("custom script %d: %w", i, err)
		}
	}
	return nil
}

// dispatch runs the hook for ev.Name against the current session and adopts
// any replacement it returns.
func (r *LocalRenderer) dispatch(ctx context.Context, ev hooks.Event) (hooks.Event, error) {
	ev.Session = r.handle.Session()
	ev.UserAgent = r.handle.Options().UserAgent
	out, err := r.hooks.Dispatch(ctx, ev)
	if err != nil {
		return ev, err
	}
	if out.Replaced {
		r.logger.Debug("hook replaced session", zap.String("hook", string(ev.Name)))
		r.handle.Adopt(out.Session)
	}
	return out, nil
}

func (r *LocalRenderer) enter(rawURL string, state State) {
	r.logger.Debug("crawl state", zap.String("url", rawURL), zap.String("state", string(state)))
	if r.observer != nil {
		r.observer(rawURL, state)
	}
}

// failure attaches the URL and a taxonomy kind to err unless it already has
// them.
func failure(rawURL string, err error) error {
	var ce *crawlerr.Error
	if errors.As(err, &ce) {
		return err
	}
	kind := crawlerr.KindOf(err)
	if kind == nil {
		kind = crawlerr.ErrNavigation
	}
	return crawlerr.New("crawl", rawURL, kind, err)
}

// Screenshot implements strategy.Strategy.
func (r *LocalRenderer) Screenshot(ctx context.Context) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.capture(ctx)
	if err != nil {
		r.logger.Warn("screenshot degraded", zap.Error(err))
		metrics.ObserveScreenshot(strategy.Local, metrics.ScreenshotDegraded)
		return diagimage.Base64(err.Error())
	}
	r.logger.Debug("screenshot taken", zap.Int("bytes", len(data)))
	metrics.ObserveScreenshot(strategy.Local, metrics.ScreenshotCaptured)
	return base64.StdEncoding.EncodeToString(data)
}

func (r *LocalRenderer) capture(ctx context.Context) ([]byte, error) {
	session := r.handle.Session()
	if session == nil {
		return nil, renderer.ErrSessionClosed
	}
	var width, height int64
	if err := session.Evaluate(ctx, renderer.ScriptScrollWidth, &width); err != nil {
		return nil, fmt.Errorf("read page width: %w", err)
	}
	if err := session.Evaluate(ctx, renderer.ScriptScrollHeight, &height); err != nil {
		return nil, fmt.Errorf("read page height: %w", err)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("page has no content area (%dx%d)", width, height)
	}
	if err := session.SetWindowSize(ctx, int(width), int(height)); err != nil {
		return nil, fmt.Errorf("resize window: %w", err)
	}
	raw, err := session.CaptureRaster(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode capture: %w", err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: screenshotQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// UpdateUserAgent implements strategy.Strategy. The current session is
// destroyed and replaced by one presenting ua.
func (r *LocalRenderer) UpdateUserAgent(ctx context.Context, ua string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.handle.Rotate(ctx, ua); err != nil {
		return fmt.Errorf("rotate user agent: %w", err)
	}
	r.logger.Info("user agent updated", zap.String("user_agent", ua))
	if _, err := r.dispatch(ctx, hooks.Event{Name: hooks.OnUserAgentUpdated}); err != nil {
		return err
	}
	return nil
}

// SetCustomHeaders sends headers with every request from now on, including
// from sessions created by a later user-agent change.
func (r *LocalRenderer) SetCustomHeaders(ctx context.Context, headers map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle.SetHeaders(ctx, headers)
}

// Invalidate drops any cached document for rawURL.
func (r *LocalRenderer) Invalidate(ctx context.Context, rawURL string) error {
	if r.gate == nil {
		return nil
	}
	return r.gate.Invalidate(ctx, rawURL)
}

// Quit implements strategy.Strategy.
func (r *LocalRenderer) Quit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle.Close()
}
