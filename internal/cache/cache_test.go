package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagesnap/internal/identity"
)

const page = "https://example.com/a"

func TestNewGateRequiresStore(t *testing.T) {
	t.Parallel()

	_, err := NewGate(nil, true, nil)
	require.Error(t, err)
}

func TestLookupHit(t *testing.T) {
	t.Parallel()

	store := new(MockStore)
	store.On("Get", mock.Anything, identity.Key(page)).Return("<p>a\xffb</p>", nil)
	gate, err := NewGate(store, true, nil)
	require.NoError(t, err)

	html, ok := gate.Lookup(context.Background(), page)
	require.True(t, ok)
	assert.Equal(t, "<p>ab</p>", html)
	store.AssertExpectations(t)
}

func TestLookupMissAndFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{name: "not found", err: ErrNotFound},
		{name: "backend failure", err: errors.New("permission denied")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := new(MockStore)
			store.On("Get", mock.Anything, identity.Key(page)).Return("", tt.err)
			gate, err := NewGate(store, true, nil)
			require.NoError(t, err)

			_, ok := gate.Lookup(context.Background(), page)
			assert.False(t, ok)
			store.AssertExpectations(t)
		})
	}
}

func TestLookupDisabledNeverReads(t *testing.T) {
	t.Parallel()

	store := new(MockStore)
	gate, err := NewGate(store, false, nil)
	require.NoError(t, err)

	_, ok := gate.Lookup(context.Background(), page)
	assert.False(t, ok)
	store.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestRememberWritesEvenWhenDisabled(t *testing.T) {
	t.Parallel()

	store := new(MockStore)
	store.On("Put", mock.Anything, identity.Key(page), "<p>x</p>").Return(nil).Once()
	gate, err := NewGate(store, false, nil)
	require.NoError(t, err)

	require.NoError(t, gate.Remember(context.Background(), page, "<p>x</p>"))
	store.AssertExpectations(t)
}

func TestRememberAndInvalidateWrapErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk full")
	store := new(MockStore)
	store.On("Put", mock.Anything, mock.Anything, mock.Anything).Return(boom)
	store.On("Delete", mock.Anything, identity.Key(page)).Return(boom)
	gate, err := NewGate(store, true, nil)
	require.NoError(t, err)

	require.ErrorIs(t, gate.Remember(context.Background(), page, "x"), boom)
	require.ErrorIs(t, gate.Invalidate(context.Background(), page), boom)
}
