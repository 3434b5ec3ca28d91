package renderer

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/crawlerr"
)

// Handle owns at most one live Session and recreates it when the identity
// changes. A session swapped in through Adopt becomes the handle's session;
// whoever supplied the replacement owns the session it replaced.
type Handle struct {
	mu      sync.Mutex
	factory Factory
	opts    Options
	current Session
	logger  *zap.Logger
}

// NewHandle validates opts and creates the first session.
func NewHandle(ctx context.Context, factory Factory, opts Options, logger *zap.Logger) (*Handle, error) {
	if factory == nil {
		return nil, crawlerr.Configf("renderer factory is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", crawlerr.ErrConfiguration, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handle{
		factory: factory,
		opts:    opts.Clone(),
		logger:  logger,
	}
	session, err := h.create(ctx)
	if err != nil {
		return nil, err
	}
	h.current = session
	return h, nil
}

func (h *Handle) create(ctx context.Context) (Session, error) {
	session, err := h.factory(ctx, h.opts.Clone())
	if err != nil {
		return nil, fmt.Errorf("%w: create session: %w", crawlerr.ErrNavigation, err)
	}
	h.logger.Debug("renderer session created",
		zap.Bool("headless", h.opts.Headless),
		zap.String("user_agent", h.opts.UserAgent))
	return session, nil
}

// Session returns the current session, or nil after Close.
func (h *Handle) Session() Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Options returns a copy of the configuration new sessions are built from.
func (h *Handle) Options() Options {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opts.Clone()
}

// Adopt makes s the current session. A nil s is ignored.
func (h *Handle) Adopt(s Session) {
	if s == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = s
}

// Rotate destroys the current session and creates a new one presenting ua.
func (h *Handle) Rotate(ctx context.Context, ua string) (Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current != nil {
		if err := h.current.Close(); err != nil {
			h.logger.Warn("close session before rotation", zap.Error(err))
		}
		h.current = nil
	}
	h.opts = h.opts.WithUserAgent(ua)
	session, err := h.create(ctx)
	if err != nil {
		return nil, err
	}
	h.current = session
	return session, nil
}

// SetHeaders applies headers to the live session and keeps them for any
// session created later.
func (h *Handle) SetHeaders(ctx context.Context, headers map[string]string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.opts.Headers == nil {
		h.opts.Headers = make(map[string]string, len(headers))
	}
	for k, v := range headers {
		h.opts.Headers[k] = v
	}
	if h.current == nil {
		return ErrSessionClosed
	}
	if err := h.current.SetExtraHeaders(ctx, headers); err != nil {
		return fmt.Errorf("set extra headers: %w", err)
	}
	return nil
}

// Close destroys the current session. It is safe to call repeatedly.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return nil
	}
	err := h.current.Close()
	h.current = nil
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}
