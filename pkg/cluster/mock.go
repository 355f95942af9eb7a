package cluster

import "context"

type MockNamespaces struct {
	EnsureFunc func(ctx context.Context, name string) error
}

var _ Namespaces = &MockNamespaces{}

func (m *MockNamespaces) Ensure(ctx context.Context, name string) error {
	if m.EnsureFunc == nil {
		return nil
	}
	return m.EnsureFunc(ctx, name)
}
