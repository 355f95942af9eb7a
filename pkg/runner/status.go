package runner

import (
	"errors"
	"sync"
	"time"

	runnererr "github.com/fluxcd/cirunner/pkg/errors"
)

// Status is a snapshot of what the runner is doing, for reporting.
type Status struct {
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	// LastDeployed is the commit most recently deployed (or loaded
	// from the state store at startup).
	LastDeployed string `json:"lastDeployed,omitempty"`
	// LastSeen is the tip of the branch at the last poll.
	LastSeen string     `json:"lastSeen,omitempty"`
	LastPoll *time.Time `json:"lastPoll,omitempty"`
	// InProgress is the commit being built and deployed, if any, and
	// Attempt which attempt at it this is.
	InProgress string           `json:"inProgress,omitempty"`
	Attempt    int              `json:"attempt,omitempty"`
	LastError  *runnererr.Error `json:"lastError,omitempty"`
}

type statusTracker struct {
	mu     sync.RWMutex
	status Status
}

func (t *statusTracker) get() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *statusTracker) update(f func(*Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f(&t.status)
}

func (t *statusTracker) polled(now time.Time, seen string, err error) {
	t.update(func(s *Status) {
		s.LastPoll = &now
		if seen != "" {
			s.LastSeen = seen
		}
		s.LastError = asError(err)
	})
}

// asError gives a reportable form of err.
func asError(err error) *runnererr.Error {
	if err == nil {
		return nil
	}
	var e *runnererr.Error
	if errors.As(err, &e) {
		return &runnererr.Error{Type: e.Type, Kind: e.Kind, Help: e.Help, Err: errors.New(err.Error())}
	}
	return &runnererr.Error{Type: runnererr.TypeTransient, Err: err}
}
