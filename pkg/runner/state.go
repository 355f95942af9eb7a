package runner

import (
	"context"

	"github.com/go-kit/kit/log"

	"github.com/fluxcd/cirunner/pkg/state"
)

// lastKnownState keeps track of what this instance last recorded in
// the store, so it can notice if something else is writing to it.
type lastKnownState struct {
	logger log.Logger
	store  state.Store

	revision          string
	warnedAboutChange bool
}

func (s *lastKnownState) update(ctx context.Context, newState state.RunnerState) error {
	// Anything other than this instance changing the recorded commit
	// means the store is shared, which is not safe.
	if persisted := s.store.Load(ctx); persisted.LastCommit != s.revision && !s.warnedAboutChange {
		s.logger.Log("warning",
			"detected external change in recorded state; the state should not be shared by runners",
			"state", s.store.String(), "expected", s.revision, "found", persisted.LastCommit)
		s.warnedAboutChange = true
	}

	if err := s.store.Save(ctx, newState); err != nil {
		return err
	}
	s.logger.Log("state", s.store.String(), "old", s.revision, "new", newState.LastCommit)
	s.revision = newState.LastCommit
	return nil
}
