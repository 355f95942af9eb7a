package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/fluxcd/cirunner/pkg/archive"
	"github.com/fluxcd/cirunner/pkg/build"
	runnererr "github.com/fluxcd/cirunner/pkg/errors"
	runnermetrics "github.com/fluxcd/cirunner/pkg/metrics"
	"github.com/fluxcd/cirunner/pkg/release"
)

// Stages an attempt can finish at, for metrics.
const (
	stageCreate = "create"
	stageAwait  = "await"
	stageFetch  = "fetch"
	stageLocate = "locate"
	stageDeploy = "deploy"
)

// buildAndDeploy makes up to MaxRetries attempts at building and
// deploying commit. A nil return means the commit is deployed. Fatal
// errors (e.g., shutdown) end it straight away; anything else is
// retried after a pause.
func (r *Runner) buildAndDeploy(ctx context.Context, commit, archiveURL string) error {
	defer r.status.update(func(s *Status) {
		s.InProgress = ""
		s.Attempt = 0
	})

	var err error
	for attempt := 1; attempt <= r.settings.MaxRetries; attempt++ {
		r.status.update(func(s *Status) {
			s.InProgress = commit
			s.Attempt = attempt
		})
		logger := log.With(r.logger, "commit", commit, "attempt", attempt)

		started := time.Now()
		var stage string
		stage, err = r.attempt(ctx, logger, commit, archiveURL)
		attemptDuration.With(
			runnermetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(started).Seconds())
		attemptsTotal.With(
			runnermetrics.LabelOutcome, outcomeLabel(err),
			runnermetrics.LabelStage, stage,
		).Add(1)

		if err == nil {
			logger.Log("event", "deployed", "release", r.settings.Release, "namespace", r.settings.DeployNamespace)
			return nil
		}
		if runnererr.IsFatal(err) {
			return err
		}
		logger.Log("warning", "attempt failed", "max", r.settings.MaxRetries, "stage", stage, "err", err)

		if attempt < r.settings.MaxRetries {
			if sleepErr := r.Sleep(ctx, r.settings.RetryBackoff()); sleepErr != nil {
				return runnererr.Fatal(runnererr.KindBuild, sleepErr)
			}
		}
	}
	return errors.Wrapf(err, "giving up on %s after %d attempts", commit, r.settings.MaxRetries)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case runnererr.IsFatal(err):
		return "aborted"
	default:
		return "failure"
	}
}

// attempt runs one build and deploy, returning the stage it got to.
// Whatever happens, the build job is deleted and the downloaded
// archive removed before it returns.
func (r *Runner) attempt(ctx context.Context, logger log.Logger, commit, archiveURL string) (string, error) {
	job, err := r.deps.Builder.CreateJob(ctx, build.Request{Name: build.JobName(commit), Commit: commit})
	if !job.IsZero() {
		defer r.cleanupJob(logger, job)
	}
	if err != nil {
		return stageCreate, err
	}

	outcome, err := r.deps.Builder.AwaitJob(ctx, job, r.settings.JobTimeout, r.settings.JobPollInterval)
	if err != nil {
		return stageAwait, err
	}
	if outcome != build.Succeeded {
		return stageAwait, runnererr.Transient(runnererr.KindBuild, errors.Errorf("build job %s %s", job, outcome))
	}

	snapshot, err := r.deps.Fetcher.Fetch(ctx, archiveURL)
	if err != nil {
		return stageFetch, err
	}
	defer closeSnapshot(logger, snapshot)

	// A chart path missing from the archive won't appear by trying
	// again, but it's still treated like any other failed attempt.
	chartDir := filepath.Join(snapshot.Root, r.settings.ChartPath)
	if _, err := os.Stat(chartDir); err != nil {
		return stageLocate, runnererr.Transient(runnererr.KindDeploy,
			errors.Errorf("chart path %s does not exist in archive for %s", r.settings.ChartPath, commit))
	}

	err = r.deps.Releaser.Upgrade(ctx, release.Upgrade{
		Release:   r.settings.Release,
		ChartPath: chartDir,
		Namespace: r.settings.DeployNamespace,
		Image:     r.settings.Image,
		Tag:       commit,
	})
	return stageDeploy, err
}

// cleanupJob deletes the build job. It has a context of its own, so
// it's done even when the attempt was abandoned; failures are only
// logged.
func (r *Runner) cleanupJob(logger log.Logger, job build.JobHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), r.CleanupTimeout)
	defer cancel()
	if err := r.deps.Builder.DeleteJob(ctx, job); err != nil {
		logger.Log("warning", "failed to delete build job", "job", job, "err", err)
	}
}

func closeSnapshot(logger log.Logger, snapshot *archive.Snapshot) {
	if err := snapshot.Close(); err != nil {
		logger.Log("warning", "failed to remove downloaded archive", "root", snapshot.Root, "err", err)
	}
}
