package cache

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockStore is a testify mock implementation of Store.
type MockStore struct {
	mock.Mock
}

// Get is the mock implementation of Store.Get.
func (m *MockStore) Get(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1) //nolint:wrapcheck
}

// Put is the mock implementation of Store.Put.
func (m *MockStore) Put(ctx context.Context, key, html string) error {
	args := m.Called(ctx, key, html)
	return args.Error(0) //nolint:wrapcheck
}

// Delete is the mock implementation of Store.Delete.
func (m *MockStore) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0) //nolint:wrapcheck
}
