package release

import "context"

type Mock struct {
	UpgradeFunc func(ctx context.Context, u Upgrade) error
}

var _ Manager = &Mock{}

func (m *Mock) Upgrade(ctx context.Context, u Upgrade) error {
	return m.UpgradeFunc(ctx, u)
}
