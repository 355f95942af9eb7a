package source

import "context"

type Mock struct {
	LatestCommitFunc func(ctx context.Context, branch string) (string, error)
	ArchiveURLFunc   func(ctx context.Context, commit string) (string, error)
}

var _ ChangeSource = &Mock{}

func (m *Mock) LatestCommit(ctx context.Context, branch string) (string, error) {
	return m.LatestCommitFunc(ctx, branch)
}

func (m *Mock) ArchiveURL(ctx context.Context, commit string) (string, error) {
	return m.ArchiveURLFunc(ctx, commit)
}
