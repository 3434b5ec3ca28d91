// Package remote implements the strategy that forwards crawls to an external
// crawling service over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/pagesnap/internal/cache"
	"github.com/JakeFAU/pagesnap/internal/crawlerr"
	"github.com/JakeFAU/pagesnap/internal/diagimage"
	"github.com/JakeFAU/pagesnap/internal/hooks"
	"github.com/JakeFAU/pagesnap/internal/metrics"
	"github.com/JakeFAU/pagesnap/internal/renderer"
	"github.com/JakeFAU/pagesnap/internal/strategy"
)

// ErrScreenshotUnsupported is rendered into the image Screenshot returns.
const ErrScreenshotUnsupported = "screenshot not supported by remote strategy"

const maxResponseBytes = 32 << 20

// Config controls the delegate's endpoint and pacing.
type Config struct {
	Endpoint          string        `mapstructure:"endpoint"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// DefaultConfig points at a local pagesnap server.
func DefaultConfig() Config {
	return Config{
		Endpoint:          "http://localhost:8080/crawl",
		Timeout:           60 * time.Second,
		RequestsPerSecond: 1,
	}
}

// Delegate is the HTTP-backed Strategy. Hooks run without a session.
type Delegate struct {
	mu       sync.Mutex
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	hooks    *hooks.Registry
	gate     *cache.Gate
	agent    string
	logger   *zap.Logger
}

var _ strategy.Strategy = (*Delegate)(nil)

// New builds a Delegate. client may be nil; gate may be nil to skip caching.
func New(cfg Config, client *http.Client, gate *cache.Gate, logger *zap.Logger) (*Delegate, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, crawlerr.Configf("remote.endpoint is required")
	}
	if !strings.HasPrefix(cfg.Endpoint, "http://") && !strings.HasPrefix(cfg.Endpoint, "https://") {
		return nil, crawlerr.Configf("remote.endpoint must be an http(s) URL: %q", cfg.Endpoint)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultConfig().Timeout
		}
		client = &http.Client{Timeout: timeout}
	}
	limit := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	return &Delegate{
		endpoint: cfg.Endpoint,
		client:   client,
		limiter:  rate.NewLimiter(limit, 1),
		hooks:    hooks.NewRegistry(),
		gate:     gate,
		agent:    renderer.DefaultUserAgent,
		logger:   logger,
	}, nil
}

// Name implements strategy.Strategy.
func (d *Delegate) Name() string { return strategy.Remote }

// SetHook implements strategy.Strategy.
func (d *Delegate) SetHook(name hooks.Name, fn hooks.Hook) error {
	return d.hooks.Set(name, fn)
}

// Crawl implements strategy.Strategy.
func (d *Delegate) Crawl(ctx context.Context, rawURL string, opts strategy.CrawlOptions) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	if d.gate != nil {
		if html, ok := d.gate.Lookup(ctx, rawURL); ok {
			metrics.ObserveCrawl(rawURL, strategy.Remote, metrics.OutcomeCacheHit, time.Since(start))
			return html, nil
		}
	}

	html, err := d.fetch(ctx, rawURL, opts)
	if err != nil {
		metrics.ObserveCrawl(rawURL, strategy.Remote, metrics.OutcomeFailed, time.Since(start))
		return "", err
	}
	if d.gate != nil {
		if err := d.gate.Remember(ctx, rawURL, html); err != nil {
			d.logger.Warn("cache write skipped", zap.String("url", rawURL), zap.Error(err))
			metrics.ObserveCacheWriteFailure()
		}
	}
	metrics.ObserveCrawl(rawURL, strategy.Remote, metrics.OutcomeRendered, time.Since(start))
	return html, nil
}

func (d *Delegate) fetch(ctx context.Context, rawURL string, opts strategy.CrawlOptions) (string, error) {
	fail := func(kind, err error) error { return crawlerr.New("remote crawl", rawURL, kind, err) }

	if _, err := d.hooks.Dispatch(ctx, hooks.Event{Name: hooks.BeforeGetURL, URL: rawURL, UserAgent: d.agent}); err != nil {
		return "", fail(crawlerr.ErrHook, err)
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return "", fail(crawlerr.ErrNavigation, fmt.Errorf("rate limit wait: %w", err))
	}

	body, err := json.Marshal(NewRequest(rawURL, opts.BypassHeadless))
	if err != nil {
		return "", fail(crawlerr.ErrNavigation, fmt.Errorf("encode request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fail(crawlerr.ErrNavigation, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.agent)

	d.logger.Info("crawling via remote service", zap.String("url", rawURL), zap.String("endpoint", d.endpoint))
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fail(crawlerr.ErrNavigation, err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fail(crawlerr.ErrNavigation, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fail(crawlerr.ErrNavigation, fmt.Errorf("remote service returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(payload))))
	}
	// An empty page is a valid result; only an absent html field is not.
	var decoded struct {
		Results []struct {
			HTML  *string `json:"html"`
			Error string  `json:"error"`
		} `json:"results"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", fail(crawlerr.ErrNavigation, fmt.Errorf("decode response: %w", err))
	}
	if len(decoded.Results) == 0 {
		return "", fail(crawlerr.ErrNavigation, fmt.Errorf("response has no results"))
	}
	first := decoded.Results[0]
	if first.Error != "" {
		return "", fail(crawlerr.ErrNavigation, fmt.Errorf("remote crawl failed: %s", first.Error))
	}
	if first.HTML == nil {
		return "", fail(crawlerr.ErrNavigation, fmt.Errorf("response has no html"))
	}

	ev, err := d.hooks.Dispatch(ctx, hooks.Event{
		Name: hooks.BeforeReturnHTML, URL: rawURL, UserAgent: d.agent, HTML: renderer.Sanitize(*first.HTML),
	})
	if err != nil {
		return "", fail(crawlerr.ErrHook, err)
	}
	return renderer.Sanitize(ev.HTML), nil
}

// Screenshot implements strategy.Strategy; the remote service has no
// screenshot endpoint, so the result is always a diagnostic image.
func (d *Delegate) Screenshot(_ context.Context) string {
	metrics.ObserveScreenshot(strategy.Remote, metrics.ScreenshotDegraded)
	return diagimage.Base64(ErrScreenshotUnsupported)
}

// UpdateUserAgent implements strategy.Strategy. The agent is sent as the
// User-Agent of requests to the service.
func (d *Delegate) UpdateUserAgent(ctx context.Context, ua string) error {
	d.mu.Lock()
	d.agent = ua
	d.mu.Unlock()
	if _, err := d.hooks.Dispatch(ctx, hooks.Event{Name: hooks.OnUserAgentUpdated, UserAgent: ua}); err != nil {
		return err
	}
	return nil
}

// Quit implements strategy.Strategy.
func (d *Delegate) Quit() error {
	d.client.CloseIdleConnections()
	return nil
}
