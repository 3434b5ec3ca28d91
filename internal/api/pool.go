package api

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/metrics"
	"github.com/JakeFAU/pagesnap/internal/strategy"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("strategy pool closed")

// Builder creates a fresh strategy instance for the pool.
type Builder func(ctx context.Context) (strategy.Strategy, error)

// Pool hands out at most size strategy instances, each held exclusively by
// one caller. Instances are built lazily and reused after Release.
type Pool struct {
	build   Builder
	limiter chan struct{}
	idle    chan strategy.Strategy
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewPool builds an empty pool.
func NewPool(size int, build Builder, logger *zap.Logger) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be > 0")
	}
	if build == nil {
		return nil, fmt.Errorf("pool builder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		build:   build,
		limiter: make(chan struct{}, size),
		idle:    make(chan strategy.Strategy, size),
		logger:  logger,
	}, nil
}

// Acquire returns an idle instance, building one if capacity allows, or
// blocks until one is released or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (strategy.Strategy, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	select {
	case s := <-p.idle:
		metrics.IncSessionsInUse()
		return s, nil
	default:
	}
	select {
	case s := <-p.idle:
		metrics.IncSessionsInUse()
		return s, nil
	case p.limiter <- struct{}{}:
		s, err := p.build(ctx)
		if err != nil {
			<-p.limiter
			return nil, fmt.Errorf("build strategy: %w", err)
		}
		metrics.IncSessionsInUse()
		return s, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire strategy: %w", ctx.Err())
	}
}

// Release returns s to the pool. A pool that has been closed quits s instead.
func (p *Pool) Release(s strategy.Strategy) {
	metrics.DecSessionsInUse()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.quit(s)
		<-p.limiter
		return
	}
	p.idle <- s
}

// Discard quits s and frees its slot so the next Acquire builds a new one.
func (p *Pool) Discard(s strategy.Strategy) {
	metrics.DecSessionsInUse()
	p.quit(s)
	<-p.limiter
}

// Ready reports whether the pool still accepts work.
func (p *Pool) Ready() bool {
	return !p.isClosed()
}

// Close quits every idle instance. Instances still held are quit on Release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	for {
		select {
		case s := <-p.idle:
			p.quit(s)
			<-p.limiter
		default:
			return
		}
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) quit(s strategy.Strategy) {
	if err := s.Quit(); err != nil {
		p.logger.Warn("strategy quit failed", zap.String("strategy", s.Name()), zap.Error(err))
	}
}
