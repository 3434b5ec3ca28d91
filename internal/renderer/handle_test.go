package renderer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/crawlerr"
)

func TestNewHandleRejectsBadOptions(t *testing.T) {
	t.Parallel()

	factory := &MockFactory{}
	opts := DefaultOptions()
	opts.WindowWidth = 0

	_, err := NewHandle(context.Background(), factory.Create, opts, zap.NewNop())
	require.ErrorIs(t, err, crawlerr.ErrConfiguration)
	require.Empty(t, factory.Sessions())

	_, err = NewHandle(context.Background(), nil, DefaultOptions(), nil)
	require.ErrorIs(t, err, crawlerr.ErrConfiguration)
}

func TestNewHandleWrapsFactoryFailure(t *testing.T) {
	t.Parallel()

	errNoChrome := errors.New("chrome not found")
	factory := &MockFactory{Build: func(Options) (*MockSession, error) {
		return nil, errNoChrome
	}}
	_, err := NewHandle(context.Background(), factory.Create, DefaultOptions(), nil)
	require.ErrorIs(t, err, crawlerr.ErrNavigation)
	require.ErrorIs(t, err, errNoChrome)
}

func TestHandleRotateReplacesSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	factory := &MockFactory{}
	h, err := NewHandle(ctx, factory.Create, DefaultOptions(), nil)
	require.NoError(t, err)
	first := h.Session()

	second, err := h.Rotate(ctx, "agent/2.0")
	require.NoError(t, err)
	require.Equal(t, "agent/2.0", second.UserAgent())
	require.Equal(t, "agent/2.0", h.Options().UserAgent)
	require.NotSame(t, first, second)

	// The rotated-out session must refuse further work.
	require.ErrorIs(t, first.Navigate(ctx, "https://example.com"), ErrSessionClosed)
	require.Len(t, factory.Sessions(), 2)
	require.True(t, factory.Sessions()[0].Closed())
}

func TestHandleHeadersSurviveRotation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	factory := &MockFactory{}
	h, err := NewHandle(ctx, factory.Create, DefaultOptions(), nil)
	require.NoError(t, err)

	require.NoError(t, h.SetHeaders(ctx, map[string]string{"X-Token": "abc"}))
	require.Equal(t, "abc", factory.Sessions()[0].Headers()["X-Token"])

	_, err = h.Rotate(ctx, "agent/3.0")
	require.NoError(t, err)
	require.Equal(t, "abc", factory.Options()[1].Headers["X-Token"])
}

func TestHandleCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	h, err := NewHandle(context.Background(), (&MockFactory{}).Create, DefaultOptions(), nil)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	require.Nil(t, h.Session())
	require.ErrorIs(t, h.SetHeaders(context.Background(), map[string]string{"a": "b"}), ErrSessionClosed)
}

func TestHandleAdopt(t *testing.T) {
	t.Parallel()

	h, err := NewHandle(context.Background(), (&MockFactory{}).Create, DefaultOptions(), nil)
	require.NoError(t, err)
	original := h.Session()

	h.Adopt(nil)
	require.Same(t, original, h.Session())

	replacement := NewMockSession(nil)
	h.Adopt(replacement)
	require.Same(t, replacement, h.Session())
}

func TestOptionsValidateCookies(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.Cookies = []Cookie{{Name: "sid", Value: "1"}}
	require.Error(t, opts.Validate())

	opts.Cookies[0].Domain = "example.com"
	require.NoError(t, opts.Validate())
}

func TestOptionsCloneIsDeep(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.Headers = map[string]string{"A": "1"}
	opts.Flags = map[string]any{"lang": "en"}
	cp := opts.Clone()
	cp.Headers["A"] = "2"
	cp.Flags["lang"] = "de"
	require.Equal(t, "1", opts.Headers["A"])
	require.Equal(t, "en", opts.Flags["lang"])
}
