package orchestrator

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagesnap/internal/cache"
	"github.com/JakeFAU/pagesnap/internal/cache/memory"
	"github.com/JakeFAU/pagesnap/internal/crawlerr"
	"github.com/JakeFAU/pagesnap/internal/diagimage"
	"github.com/JakeFAU/pagesnap/internal/escalation"
	"github.com/JakeFAU/pagesnap/internal/hooks"
	"github.com/JakeFAU/pagesnap/internal/identity"
	"github.com/JakeFAU/pagesnap/internal/readiness"
	"github.com/JakeFAU/pagesnap/internal/renderer"
	"github.com/JakeFAU/pagesnap/internal/strategy"
)

const (
	target  = "https://example.com/"
	content = "<html><head></head><body><h1>Hello</h1></body></html>"
	visible = "<html><head></head><body><h1>Visible</h1></body></html>"
)

func pngRaster(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		img.Set(x, x, color.White)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// newFactory serves headless pages from headless and visible-browser pages
// from fallback.
func newFactory(t *testing.T, headless, fallback map[string]string) *renderer.MockFactory {
	t.Helper()
	raster := pngRaster(t)
	return &renderer.MockFactory{Build: func(opts renderer.Options) (*renderer.MockSession, error) {
		pages := headless
		if !opts.Headless {
			pages = fallback
		}
		s := renderer.NewMockSession(pages)
		s.Raster = raster
		return s, nil
	}}
}

func newGate(t *testing.T, store cache.Store, enabled bool) *cache.Gate {
	t.Helper()
	gate, err := cache.NewGate(store, enabled, nil)
	require.NoError(t, err)
	return gate
}

func newLocal(t *testing.T, factory *renderer.MockFactory, gate *cache.Gate, cfg Config, opts ...Option) *LocalRenderer {
	t.Helper()
	r, err := New(context.Background(), factory.Create, cfg, gate, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Quit() })
	return r
}

func headlessSession(t *testing.T, factory *renderer.MockFactory) *renderer.MockSession {
	t.Helper()
	sessions := factory.Sessions()
	require.NotEmpty(t, sessions)
	return sessions[0]
}

type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) observe(_ string, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) seen() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func TestCrawlIsIdempotentWithCache(t *testing.T) {
	t.Parallel()

	factory := newFactory(t, map[string]string{target: content}, nil)
	r := newLocal(t, factory, newGate(t, memory.New(), true), DefaultConfig())
	session := headlessSession(t, factory)
	ctx := context.Background()

	first, err := r.Crawl(ctx, target, strategy.CrawlOptions{})
	require.NoError(t, err)
	assert.Equal(t, content, first)
	interactions := session.Interactions()
	require.NotZero(t, interactions)

	second, err := r.Crawl(ctx, target, strategy.CrawlOptions{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, interactions, session.Interactions())
	assert.Equal(t, []string{target}, session.Navigations())
}

func TestCacheHitSkipsHooks(t *testing.T) {
	t.Parallel()

	store := memory.New()
	require.NoError(t, store.Put(context.Background(), identity.Key(target), "<p>cached</p>"))
	factory := newFactory(t, map[string]string{target: content}, nil)
	r := newLocal(t, factory, newGate(t, store, true), DefaultConfig())

	var calls int
	for _, name := range hooks.Names() {
		require.NoError(t, r.SetHook(name, func(context.Context, hooks.Event) (hooks.Result, error) {
			calls++
			return hooks.Keep(), nil
		}))
	}

	html, err := r.Crawl(context.Background(), target, strategy.CrawlOptions{})
	require.NoError(t, err)
	assert.Equal(t, "<p>cached</p>", html)
	assert.Zero(t, calls)
	assert.Empty(t, headlessSession(t, factory).Navigations())
}

func TestCacheDisabledStillWrites(t *testing.T) {
	t.Parallel()

	store := memory.New()
	require.NoError(t, store.Put(context.Background(), identity.Key(target), "<p>stale</p>"))
	factory := newFactory(t, map[string]string{target: content}, nil)
	r := newLocal(t, factory, newGate(t, store, false), DefaultConfig())

	html, err := r.Crawl(context.Background(), target, strategy.CrawlOptions{})
	require.NoError(t, err)
	assert.Equal(t, content, html)

	stored, err := store.Get(context.Background(), identity.Key(target))
	require.NoError(t, err)
	assert.Equal(t, content, stored)
}

func TestCacheWriteFailureDoesNotFailCrawl(t *testing.T) {
	t.Parallel()

	store := new(cache.MockStore)
	store.On("Get", mock.Anything, identity.Key(target)).Return("", cache.ErrNotFound)
	store.On("Put", mock.Anything, identity.Key(target), content).Return(errors.New("read-only file system"))
	factory := newFactory(t, map[string]string{target: content}, nil)
	r := newLocal(t, factory, newGate(t, store, true), DefaultConfig())

	html, err := r.Crawl(context.Background(), target, strategy.CrawlOptions{})
	require.NoError(t, err)
	assert.Equal(t, content, html)
	store.AssertExpectations(t)
}

func TestBeforeReturnHTMLHookRewritesResult(t *testing.T) {
	t.Parallel()

	factory := newFactory(t, map[string]string{target: content}, nil)
	r := newLocal(t, factory, nil, DefaultConfig())
	ctx := context.Background()

	html, err := r.Crawl(ctx, target, strategy.CrawlOptions{})
	require.NoError(t, err)
	assert.Equal(t, content, html)

	require.NoError(t, r.SetHook(hooks.BeforeReturnHTML, func(_ context.Context, ev hooks.Event) (hooks.Result, error) {
		return hooks.RewriteHTML(strings.ToUpper(ev.HTML)), nil
	}))
	html, err = r.Crawl(ctx, target, strategy.CrawlOptions{})
	require.NoError(t, err)
	assert.Equal(t, strings.ToUpper(content), html)
}

func TestSetHookRejectsUnknownName(t *testing.T) {
	t.Parallel()

	r := newLocal(t, newFactory(t, nil, nil), nil, DefaultConfig())
	err := r.SetHook("not_a_hook", func(context.Context, hooks.Event) (hooks.Result, error) {
		return hooks.Keep(), nil
	})
	require.ErrorIs(t, err, crawlerr.ErrConfiguration)

	_, err = New(context.Background(), newFactory(t, nil, nil).Create, DefaultConfig(), nil, nil,
		WithHook("not_a_hook", nil))
	require.ErrorIs(t, err, crawlerr.ErrConfiguration)
}

func TestEmptyDocumentEscalates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		fallback string
		want     string
	}{
		{name: "visible browser has content", fallback: visible, want: visible},
		{name: "visible browser empty too", fallback: escalation.EmptyDocument, want: escalation.EmptyDocument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			factory := newFactory(t,
				map[string]string{target: escalation.EmptyDocument},
				map[string]string{target: tt.fallback})
			rec := &recorder{}
			r := newLocal(t, factory, nil, DefaultConfig(), WithObserver(rec.observe))

			html, err := r.Crawl(context.Background(), target, strategy.CrawlOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, html)
			assert.Contains(t, rec.seen(), StateFallback)

			sessions := factory.Sessions()
			require.Len(t, sessions, 2)
			assert.True(t, sessions[1].Closed(), "fallback session must be destroyed")
			assert.False(t, sessions[0].Closed())
			assert.Same(t, sessions[0], r.Session())
		})
	}
}

func TestBypassHeadlessForcesFallback(t *testing.T) {
	t.Parallel()

	factory := newFactory(t, map[string]string{target: content}, map[string]string{target: visible})
	r := newLocal(t, factory, nil, DefaultConfig())

	html, err := r.Crawl(context.Background(), target, strategy.CrawlOptions{BypassHeadless: true})
	require.NoError(t, err)
	assert.Equal(t, visible, html)

	opts := factory.Options()
	require.Len(t, opts, 2)
	assert.False(t, opts[1].Headless)
	assert.Equal(t, 5, opts[1].WindowWidth)
}

func TestFallbackFailureIsExhausted(t *testing.T) {
	t.Parallel()

	factory := &renderer.MockFactory{Build: func(opts renderer.Options) (*renderer.MockSession, error) {
		if !opts.Headless {
			return nil, errors.New("no display available")
		}
		return renderer.NewMockSession(map[string]string{target: escalation.EmptyDocument}), nil
	}}
	r := newLocal(t, factory, nil, DefaultConfig())

	_, err := r.Crawl(context.Background(), target, strategy.CrawlOptions{})
	require.ErrorIs(t, err, crawlerr.ErrFallbackExhausted)
	assert.Contains(t, err.Error(), target)
}

func TestNavigationFailure(t *testing.T) {
	t.Parallel()

	navErr := errors.New("net::ERR_CONNECTION_REFUSED")
	factory := &renderer.MockFactory{Build: func(renderer.Options) (*renderer.MockSession, error) {
		s := renderer.NewMockSession(nil)
		s.NavigateErr = navErr
		return s, nil
	}}
	store := new(cache.MockStore)
	store.On("Get", mock.Anything, mock.Anything).Return("", cache.ErrNotFound)
	rec := &recorder{}
	r := newLocal(t, factory, newGate(t, store, true), DefaultConfig(), WithObserver(rec.observe))

	_, err := r.Crawl(context.Background(), target, strategy.CrawlOptions{})
	require.ErrorIs(t, err, crawlerr.ErrNavigation)
	require.ErrorIs(t, err, navErr)

	var ce *crawlerr.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, target, ce.URL)

	assert.Equal(t, []State{StateIdle, StateCacheCheck, StateNavigating, StateFailed}, rec.seen())
	store.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything)
}

func TestReadyStateTimeout(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		now = time.Unix(0, 0)
	)
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	sleep := func(_ context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
		return nil
	}
	factory := &renderer.MockFactory{Build: func(renderer.Options) (*renderer.MockSession, error) {
		s := renderer.NewMockSession(map[string]string{target: content})
		s.ReadyStates = []string{"loading"}
		return s, nil
	}}
	rec := &recorder{}
	r := newLocal(t, factory, nil, DefaultConfig(),
		WithObserver(rec.observe),
		WithReadinessOptions(readiness.WithClock(clock), readiness.WithSleep(sleep)))

	_, err := r.Crawl(context.Background(), target, strategy.CrawlOptions{})
	require.ErrorIs(t, err, crawlerr.ErrRenderTimeout)
	assert.Equal(t, StateFailed, rec.seen()[len(rec.seen())-1])
}

func TestStateSequence(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Scripts = []string{"document.title = 'x'"}
	factory := newFactory(t, map[string]string{target: content}, nil)
	rec := &recorder{}
	r := newLocal(t, factory, newGate(t, memory.New(), true), cfg, WithObserver(rec.observe))

	_, err := r.Crawl(context.Background(), target, strategy.CrawlOptions{})
	require.NoError(t, err)
	assert.Equal(t, []State{
		StateIdle, StateCacheCheck, StateNavigating, StateAwaitingReady,
		StatePostScriptExecution, StateCacheWrite, StateDone,
	}, rec.seen())
}

func TestCustomScriptsRunInOrderAndResultIsReread(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Scripts = []string{"loadMore()", "expand()"}
	factory := &renderer.MockFactory{Build: func(renderer.Options) (*renderer.MockSession, error) {
		s := renderer.NewMockSession(map[string]string{target: content})
		s.ScriptEffects = map[string]string{"expand()": "<html><body>expanded</body></html>"}
		return s, nil
	}}
	r := newLocal(t, factory, nil, cfg)

	html, err := r.Crawl(context.Background(), target, strategy.CrawlOptions{})
	require.NoError(t, err)
	assert.Equal(t, "<html><body>expanded</body></html>", html)

	scripts := headlessSession(t, factory).Scripts()
	loadAt, expandAt := indexOf(scripts, "loadMore()"), indexOf(scripts, "expand()")
	require.GreaterOrEqual(t, loadAt, 0)
	require.Greater(t, expandAt, loadAt)
	// each script is followed by a ready-state query
	assert.Equal(t, renderer.ScriptReadyState, scripts[loadAt+1])
	assert.Equal(t, renderer.ScriptReadyState, scripts[expandAt+1])
}

func TestCustomScriptFailure(t *testing.T) {
	t.Parallel()

	syntaxErr := errors.New("SyntaxError: unexpected end of input")
	cfg := DefaultConfig()
	cfg.Scripts = []string{"broken("}
	factory := &renderer.MockFactory{Build: func(renderer.Options) (*renderer.MockSession, error) {
		s := renderer.NewMockSession(map[string]string{target: content})
		s.ScriptErrors = map[string]error{"broken(": syntaxErr}
		return s, nil
	}}
	rec := &recorder{}
	r := newLocal(t, factory, nil, cfg, WithObserver(rec.observe))

	_, err := r.Crawl(context.Background(), target, strategy.CrawlOptions{})
	require.ErrorIs(t, err, crawlerr.ErrNavigation)
	require.ErrorIs(t, err, syntaxErr)
	seen := rec.seen()
	assert.Equal(t, []State{StatePostScriptExecution, StateFailed}, seen[len(seen)-2:])
}

func TestHookReplacesSession(t *testing.T) {
	t.Parallel()

	factory := newFactory(t, map[string]string{target: "<p>original</p>"}, nil)
	r := newLocal(t, factory, nil, DefaultConfig())
	original := headlessSession(t, factory)
	replacement := renderer.NewMockSession(map[string]string{target: "<p>instrumented</p>"})

	require.NoError(t, r.SetHook(hooks.BeforeGetURL, func(_ context.Context, ev hooks.Event) (hooks.Result, error) {
		assert.Equal(t, target, ev.URL)
		return hooks.Replace(replacement), nil
	}))

	html, err := r.Crawl(context.Background(), target, strategy.CrawlOptions{})
	require.NoError(t, err)
	assert.Equal(t, "<p>instrumented</p>", html)
	assert.Empty(t, original.Navigations())
	assert.Equal(t, []string{target}, replacement.Navigations())
	assert.Same(t, replacement, r.Session())
}

// taggedSession is a session value whose dynamic type cannot be compared.
type taggedSession struct {
	*renderer.MockSession
	tags map[string]string
}

func TestHookReplacementWithUncomparableSession(t *testing.T) {
	t.Parallel()

	factory := newFactory(t, map[string]string{target: "<p>original</p>"}, nil)
	r := newLocal(t, factory, nil, DefaultConfig())
	replacement := taggedSession{
		MockSession: renderer.NewMockSession(map[string]string{target: "<p>tagged</p>"}),
		tags:        map[string]string{"profile": "login"},
	}

	require.NoError(t, r.SetHook(hooks.BeforeGetURL, func(context.Context, hooks.Event) (hooks.Result, error) {
		return hooks.Replace(replacement), nil
	}))
	var kept renderer.Session
	require.NoError(t, r.SetHook(hooks.AfterGetURL, func(_ context.Context, ev hooks.Event) (hooks.Result, error) {
		kept = ev.Session
		return hooks.Keep(), nil
	}))

	var html string
	var err error
	require.NotPanics(t, func() {
		html, err = r.Crawl(context.Background(), target, strategy.CrawlOptions{})
	})
	require.NoError(t, err)
	assert.Equal(t, "<p>tagged</p>", html)
	assert.Equal(t, []string{target}, replacement.Navigations())
	require.IsType(t, taggedSession{}, kept)
	require.IsType(t, taggedSession{}, r.Session())
}

func TestHookErrorFailsCrawl(t *testing.T) {
	t.Parallel()

	r := newLocal(t, newFactory(t, map[string]string{target: content}, nil), nil, DefaultConfig())
	require.NoError(t, r.SetHook(hooks.AfterGetURL, func(context.Context, hooks.Event) (hooks.Result, error) {
		return hooks.Keep(), errors.New("captcha detected")
	}))

	_, err := r.Crawl(context.Background(), target, strategy.CrawlOptions{})
	require.ErrorIs(t, err, crawlerr.ErrHook)
	assert.Contains(t, err.Error(), "captcha detected")
}

func TestOnDriverCreatedRunsAtConstruction(t *testing.T) {
	t.Parallel()

	var seen renderer.Session
	factory := newFactory(t, nil, nil)
	r := newLocal(t, factory, nil, DefaultConfig(), WithHook(hooks.OnDriverCreated,
		func(_ context.Context, ev hooks.Event) (hooks.Result, error) {
			seen = ev.Session
			return hooks.Keep(), nil
		}))
	assert.Same(t, headlessSession(t, factory), seen)
	assert.Same(t, seen, r.Session())
}

func TestUpdateUserAgentRotatesSession(t *testing.T) {
	t.Parallel()

	factory := newFactory(t, map[string]string{target: content}, nil)
	r := newLocal(t, factory, nil, DefaultConfig())
	old := headlessSession(t, factory)
	ctx := context.Background()

	var hookUA string
	require.NoError(t, r.SetHook(hooks.OnUserAgentUpdated, func(_ context.Context, ev hooks.Event) (hooks.Result, error) {
		hookUA = ev.Session.UserAgent()
		return hooks.Keep(), nil
	}))

	require.NoError(t, r.UpdateUserAgent(ctx, "pagesnap-test/1.0"))
	assert.Equal(t, "pagesnap-test/1.0", hookUA)
	assert.True(t, old.Closed())
	require.ErrorIs(t, old.Navigate(ctx, target), renderer.ErrSessionClosed)

	_, err := r.Crawl(ctx, target, strategy.CrawlOptions{})
	require.NoError(t, err)
	sessions := factory.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, "pagesnap-test/1.0", sessions[1].UserAgent())
	assert.Equal(t, []string{target}, sessions[1].Navigations())
}

func TestCustomHeadersSurviveRotation(t *testing.T) {
	t.Parallel()

	factory := newFactory(t, nil, nil)
	r := newLocal(t, factory, nil, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, r.SetCustomHeaders(ctx, map[string]string{"Accept-Language": "de-DE"}))
	assert.Equal(t, "de-DE", headlessSession(t, factory).Headers()["Accept-Language"])

	require.NoError(t, r.UpdateUserAgent(ctx, "ua-2"))
	opts := factory.Options()
	require.Len(t, opts, 2)
	assert.Equal(t, "de-DE", opts[1].Headers["Accept-Language"])
}

func TestScreenshotCapturesFullPage(t *testing.T) {
	t.Parallel()

	factory := newFactory(t, map[string]string{target: content}, nil)
	r := newLocal(t, factory, nil, DefaultConfig())
	session := headlessSession(t, factory)
	session.ScrollWidth, session.ScrollHeight = 1440, 3200

	encoded := r.Screenshot(context.Background())
	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Width)

	w, h := session.WindowSize()
	assert.Equal(t, 1440, w)
	assert.Equal(t, 3200, h)
}

func TestScreenshotDegradesToDiagnosticImage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		prepare func(*LocalRenderer, *renderer.MockSession)
		want    string
	}{
		{
			name: "capture failure",
			prepare: func(_ *LocalRenderer, s *renderer.MockSession) {
				s.CaptureErr = errors.New("simulated unreachable session")
			},
			want: "simulated unreachable session",
		},
		{
			name: "undecodable raster",
			prepare: func(_ *LocalRenderer, s *renderer.MockSession) {
				s.Raster = []byte("garbage")
			},
			want: "decode capture",
		},
		{
			name: "after quit",
			prepare: func(r *LocalRenderer, _ *renderer.MockSession) {
				_ = r.Quit()
			},
			want: renderer.ErrSessionClosed.Error(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			factory := newFactory(t, nil, nil)
			r := newLocal(t, factory, nil, DefaultConfig())
			tt.prepare(r, headlessSession(t, factory))

			encoded := r.Screenshot(context.Background())
			raw, err := base64.StdEncoding.DecodeString(encoded)
			require.NoError(t, err)
			img, err := jpeg.Decode(bytes.NewReader(raw))
			require.NoError(t, err)
			assert.Equal(t, diagimage.Width, img.Bounds().Dx())

			msg, err := diagimage.Comment(raw)
			require.NoError(t, err)
			assert.Contains(t, msg, tt.want)
		})
	}
}

func TestQuitIsIdempotentAndFinal(t *testing.T) {
	t.Parallel()

	factory := newFactory(t, map[string]string{target: content}, nil)
	r := newLocal(t, factory, nil, DefaultConfig())

	require.NoError(t, r.Quit())
	require.NoError(t, r.Quit())
	assert.True(t, headlessSession(t, factory).Closed())

	_, err := r.Crawl(context.Background(), target, strategy.CrawlOptions{})
	require.ErrorIs(t, err, renderer.ErrSessionClosed)
}

func TestInvalidateForcesFreshCrawl(t *testing.T) {
	t.Parallel()

	factory := newFactory(t, map[string]string{target: content}, nil)
	r := newLocal(t, factory, newGate(t, memory.New(), true), DefaultConfig())
	ctx := context.Background()

	_, err := r.Crawl(ctx, target, strategy.CrawlOptions{})
	require.NoError(t, err)
	require.NoError(t, r.Invalidate(ctx, target))
	_, err = r.Crawl(ctx, target, strategy.CrawlOptions{})
	require.NoError(t, err)

	assert.Len(t, headlessSession(t, factory).Navigations(), 2)
}

func indexOf(items []string, want string) int {
	for i, item := range items {
		if item == want {
			return i
		}
	}
	return -1
}
