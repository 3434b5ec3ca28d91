package renderer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Chromedp is a Session backed by one Chrome process driven over CDP.
type Chromedp struct {
	opts          Options
	logger        *zap.Logger
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// ChromedpFactory returns a Factory that launches a Chrome process per session.
func ChromedpFactory(logger *zap.Logger) Factory {
	return func(ctx context.Context, opts Options) (Session, error) {
		return NewChromedp(ctx, opts, logger)
	}
}

// NewChromedp launches Chrome with opts and prepares its first tab.
func NewChromedp(ctx context.Context, opts Options, logger *zap.Logger) (*Chromedp, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// The browser outlives the caller's context; it is torn down by Close.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(opts)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// The first Run allocates the browser and its tab, which live as long as
	// the context that Run receives, so it must be browserCtx itself.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()
	select {
	case err := <-started:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("start browser: %w", err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", ctx.Err())
	}

	s := &Chromedp{
		opts:          opts.Clone(),
		logger:        logger,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}
	if err := s.run(ctx, s.setupActions()...); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	return s, nil
}

func allocatorOptions(opts Options) []chromedp.ExecAllocatorOption {
	out := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	out = append(out,
		chromedp.Flag("headless", opts.Headless),
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("log-level", "3"),
		chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight),
	)
	if opts.UserAgent != "" {
		out = append(out, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.HideAutomation {
		out = append(out,
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
			chromedp.Flag("enable-automation", false),
		)
	}
	for name, value := range opts.Flags {
		out = append(out, chromedp.Flag(name, value))
	}
	return out
}

func (s *Chromedp) setupActions() []chromedp.Action {
	actions := []chromedp.Action{network.Enable()}
	if s.opts.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(s.opts.UserAgent))
	}
	if s.opts.HideAutomation {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(hideWebdriverScript).Do(ctx); err != nil {
				return fmt.Errorf("install automation mask: %w", err)
			}
			return nil
		}))
	}
	if len(s.opts.Headers) > 0 {
		actions = append(actions, network.SetExtraHTTPHeaders(toNetworkHeaders(s.opts.Headers)))
	}
	if len(s.opts.Cookies) > 0 {
		actions = append(actions, network.SetCookies(toCookieParams(s.opts.Cookies)))
	}
	return actions
}

// run executes actions on the session's tab, bounded by ctx.
func (s *Chromedp) run(ctx context.Context, actions ...chromedp.Action) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	runCtx, cancel := context.WithCancel(s.browserCtx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

// Navigate loads rawURL, bounded by the configured navigation timeout.
func (s *Chromedp) Navigate(ctx context.Context, rawURL string) error {
	if s.opts.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.NavigationTimeout)
		defer cancel()
	}
	if err := s.run(ctx, chromedp.Navigate(rawURL)); err != nil {
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	return nil
}

// Evaluate runs script in the page.
func (s *Chromedp) Evaluate(ctx context.Context, script string, res any) error {
	return s.run(ctx, chromedp.Evaluate(script, res))
}

// DOM returns the outer HTML of the document element.
func (s *Chromedp) DOM(ctx context.Context) (string, error) {
	var html string
	err := s.run(ctx, chromedp.Evaluate(
		`document.documentElement ? document.documentElement.outerHTML : ""`, &html))
	if err != nil {
		return "", fmt.Errorf("read dom: %w", err)
	}
	return html, nil
}

// SetWindowSize overrides the device metrics so layout uses width x height.
func (s *Chromedp) SetWindowSize(ctx context.Context, width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid window size %dx%d", width, height)
	}
	return s.run(ctx, emulation.SetDeviceMetricsOverride(int64(width), int64(height), 1, false))
}

// CaptureRaster captures the full page as PNG.
func (s *Chromedp) CaptureRaster(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	if len(buf) == 0 {
		return nil, errors.New("capture screenshot: empty image")
	}
	return buf, nil
}

// SetExtraHeaders sends headers with every subsequent request.
func (s *Chromedp) SetExtraHeaders(ctx context.Context, headers map[string]string) error {
	return s.run(ctx, network.Enable(), network.SetExtraHTTPHeaders(toNetworkHeaders(headers)))
}

// UserAgent reports the configured identity.
func (s *Chromedp) UserAgent() string {
	return s.opts.UserAgent
}

// Close shuts the browser down.
func (s *Chromedp) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := chromedp.Cancel(s.browserCtx)
	s.browserCancel()
	s.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("chromedp cancel", zap.Error(err))
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

func toNetworkHeaders(h map[string]string) network.Headers {
	headers := network.Headers{}
	for key, value := range h {
		headers[key] = value
	}
	return headers
}

func toCookieParams(cookies []Cookie) []*network.CookieParam {
	out := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		path := c.Path
		if path == "" {
			path = "/"
		}
		out = append(out, &network.CookieParam{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   path,
			URL:    c.URL,
		})
	}
	return out
}
