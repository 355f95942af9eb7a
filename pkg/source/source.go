package source

import (
	"context"
	"fmt"
)

// ChangeSource reports the tip of a branch, and where a snapshot of
// any given revision can be downloaded from.
type ChangeSource interface {
	LatestCommit(ctx context.Context, branch string) (string, error)
	ArchiveURL(ctx context.Context, commit string) (string, error)
}

// Error is returned when the source's API gives an unexpected
// response.
type Error struct {
	Repo       string
	Branch     string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetching commit for %s@%s: %d: %s", e.Repo, e.Branch, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetching commit for %s@%s: %s", e.Repo, e.Branch, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
