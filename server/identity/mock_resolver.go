package identity

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockResolver implements the Resolver interface for testing
type MockResolver struct {
	mock.Mock
}

// Resolve implements Resolver
func (m *MockResolver) Resolve(ctx context.Context, address string) (*User, error) {
	args := m.Called(ctx, address)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*User), args.Error(1)
}
