package archive

import "context"

type Mock struct {
	FetchFunc func(ctx context.Context, url string) (*Snapshot, error)
}

var _ Fetcher = &Mock{}

func (m *Mock) Fetch(ctx context.Context, url string) (*Snapshot, error) {
	return m.FetchFunc(ctx, url)
}

// NewSnapshot wraps an existing directory as a snapshot; closing it
// removes dir.
func NewSnapshot(root, dir string) *Snapshot {
	return &Snapshot{Root: root, dir: dir}
}
