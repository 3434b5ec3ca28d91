// Package readiness decides when a navigated page has produced meaningful
// content: the browser's own ready signal, a baseline element, a scroll to
// trigger lazy content and a short document-length stability poll.
package readiness

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/crawlerr"
	"github.com/JakeFAU/pagesnap/internal/renderer"
)

// Config bounds every wait the detector performs.
type Config struct {
	ReadyStateTimeout time.Duration `mapstructure:"ready_state_timeout"`
	ElementTimeout    time.Duration `mapstructure:"element_timeout"`
	BaselineTag       string        `mapstructure:"baseline_tag"`
	StabilityChecks   int           `mapstructure:"stability_checks"`
	StabilityInterval time.Duration `mapstructure:"stability_interval"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}

// DefaultConfig returns the stock readiness bounds.
func DefaultConfig() Config {
	return Config{
		ReadyStateTimeout: 20 * time.Second,
		ElementTimeout:    10 * time.Second,
		BaselineTag:       "body",
		StabilityChecks:   6,
		StabilityInterval: 10 * time.Millisecond,
		PollInterval:      100 * time.Millisecond,
	}
}

// Validate rejects bounds the detector cannot honor.
func (c Config) Validate() error {
	switch {
	case c.ReadyStateTimeout <= 0:
		return crawlerr.Configf("readiness: ready_state_timeout must be positive")
	case c.ElementTimeout <= 0:
		return crawlerr.Configf("readiness: element_timeout must be positive")
	case c.BaselineTag == "":
		return crawlerr.Configf("readiness: baseline_tag is required")
	case c.StabilityChecks < 0:
		return crawlerr.Configf("readiness: stability_checks must be >= 0")
	case c.StabilityInterval < 0:
		return crawlerr.Configf("readiness: stability_interval must be >= 0")
	case c.PollInterval <= 0:
		return crawlerr.Configf("readiness: poll_interval must be positive")
	}
	return nil
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Detector runs the readiness checks against a session.
type Detector struct {
	cfg    Config
	logger *zap.Logger
	sleep  SleepFunc
	now    func() time.Time
}

// Option customizes a Detector.
type Option func(*Detector)

// WithSleep overrides how the detector waits between checks.
func WithSleep(fn SleepFunc) Option {
	return func(d *Detector) {
		if fn != nil {
			d.sleep = fn
		}
	}
}

// WithClock overrides the time source used for wait deadlines.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

// New validates cfg and builds a Detector.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Detector{cfg: cfg, logger: logger, sleep: sleepCtx, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Config returns the detector's bounds.
func (d *Detector) Config() Config { return d.cfg }

// WaitDocumentReady blocks until document.readyState is "complete" or the
// ready-state timeout expires.
func (d *Detector) WaitDocumentReady(ctx context.Context, s renderer.Session) error {
	return d.waitDocumentReady(ctx, s, d.cfg.ReadyStateTimeout)
}

// WaitDocumentReadyWithin is WaitDocumentReady with an explicit bound.
func (d *Detector) WaitDocumentReadyWithin(ctx context.Context, s renderer.Session, timeout time.Duration) error {
	return d.waitDocumentReady(ctx, s, timeout)
}

func (d *Detector) waitDocumentReady(ctx context.Context, s renderer.Session, timeout time.Duration) error {
	return d.poll(ctx, timeout, "document ready", func(ctx context.Context) (bool, error) {
		var state string
		if err := s.Evaluate(ctx, renderer.ScriptReadyState, &state); err != nil {
			return false, fmt.Errorf("%w: ready state query: %w", crawlerr.ErrNavigation, err)
		}
		return state == "complete", nil
	})
}

// WaitElement blocks until at least one baseline element is present.
func (d *Detector) WaitElement(ctx context.Context, s renderer.Session) error {
	script := renderer.ScriptHasElement(d.cfg.BaselineTag)
	return d.poll(ctx, d.cfg.ElementTimeout, "<"+d.cfg.BaselineTag+"> present", func(ctx context.Context) (bool, error) {
		var present bool
		if err := s.Evaluate(ctx, script, &present); err != nil {
			return false, fmt.Errorf("%w: element query: %w", crawlerr.ErrNavigation, err)
		}
		return present, nil
	})
}

// ScrollToBottom nudges lazy loaders by scrolling to the end of the body.
func (d *Detector) ScrollToBottom(ctx context.Context, s renderer.Session) error {
	if err := s.Evaluate(ctx, renderer.ScriptScrollToBottom, nil); err != nil {
		return fmt.Errorf("%w: scroll to bottom: %w", crawlerr.ErrNavigation, err)
	}
	return nil
}

// Stabilize samples the document length up to StabilityChecks times and stops
// at the first change. It returns a fresh DOM read taken after the poll.
func (d *Detector) Stabilize(ctx context.Context, s renderer.Session) (string, error) {
	initial, err := s.DOM(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", crawlerr.ErrNavigation, err)
	}
	baseline := len(initial)
	for i := 0; i < d.cfg.StabilityChecks; i++ {
		if err := d.sleep(ctx, d.cfg.StabilityInterval); err != nil {
			return "", fmt.Errorf("%w: stability poll: %w", crawlerr.ErrNavigation, err)
		}
		current, err := s.DOM(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: %w", crawlerr.ErrNavigation, err)
		}
		if len(current) != baseline {
			d.logger.Debug("document length changed", zap.Int("check", i+1),
				zap.Int("from", baseline), zap.Int("to", len(current)))
			break
		}
	}
	html, err := s.DOM(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", crawlerr.ErrNavigation, err)
	}
	return html, nil
}

// poll runs check until it reports true or timeout elapses. The timeout also
// bounds each check, so a hung page cannot hold the wait open.
func (d *Detector) poll(ctx context.Context, timeout time.Duration, what string, check func(context.Context) (bool, error)) error {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	expired := func() error {
		return fmt.Errorf("%w: %s not reached within %s", crawlerr.ErrRenderTimeout, what, timeout)
	}
	deadline := d.now().Add(timeout)
	for {
		ok, err := check(pollCtx)
		if err != nil {
			if pollCtx.Err() != nil && ctx.Err() == nil {
				return expired()
			}
			return err
		}
		if ok {
			return nil
		}
		if !d.now().Before(deadline) {
			return expired()
		}
		if err := d.sleep(pollCtx, d.cfg.PollInterval); err != nil {
			if ctx.Err() == nil {
				return expired()
			}
			return fmt.Errorf("%w: waiting for %s: %w", crawlerr.ErrRenderTimeout, what, err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
