package build

import (
	"context"
	"strings"
	"time"
)

// Outcome is where a build job has got to.
type Outcome string

const (
	Pending   Outcome = "pending"
	Succeeded Outcome = "succeeded"
	Failed    Outcome = "failed"
	TimedOut  Outcome = "timed_out"
)

const (
	jobNamePrefix = "kaniko-"
	shortSHALen   = 7
)

// JobName derives the name of the build job for a commit, so that
// every attempt at the same commit uses the same name. Distinct
// commits sharing a short prefix will also share a name.
func JobName(commit string) string {
	short := strings.ToLower(commit)
	if len(short) > shortSHALen {
		short = short[:shortSHALen]
	}
	return jobNamePrefix + short
}

// Request is what to build.
type Request struct {
	Name   string
	Commit string
}

// JobHandle identifies a build job once created.
type JobHandle struct {
	Namespace string
	Name      string
}

func (h JobHandle) IsZero() bool {
	return h.Name == ""
}

func (h JobHandle) String() string {
	return h.Namespace + "/" + h.Name
}

// Executor runs isolated, one-shot build-and-push jobs.
type Executor interface {
	// CreateJob starts a build. If a job by the same name already
	// exists, the returned handle refers to it, along with an error,
	// so the caller can remove it.
	CreateJob(ctx context.Context, req Request) (JobHandle, error)
	// AwaitJob waits for the job to finish, checking every interval,
	// for at most timeout. Running out of time gives TimedOut rather
	// than an error.
	AwaitJob(ctx context.Context, h JobHandle, timeout, interval time.Duration) (Outcome, error)
	// DeleteJob removes the job and anything it created. Removing a
	// job that's not there is not an error.
	DeleteJob(ctx context.Context, h JobHandle) error
}
