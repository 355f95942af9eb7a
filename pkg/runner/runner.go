package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/fluxcd/cirunner/pkg/archive"
	"github.com/fluxcd/cirunner/pkg/build"
	"github.com/fluxcd/cirunner/pkg/cluster"
	"github.com/fluxcd/cirunner/pkg/config"
	runnererr "github.com/fluxcd/cirunner/pkg/errors"
	runnermetrics "github.com/fluxcd/cirunner/pkg/metrics"
	"github.com/fluxcd/cirunner/pkg/release"
	"github.com/fluxcd/cirunner/pkg/source"
	"github.com/fluxcd/cirunner/pkg/state"
)

// How long to allow for deleting a build job once an attempt is over.
// This is given its own deadline, so that an attempt interrupted by
// shutdown still cleans up after itself.
const defaultCleanupTimeout = 3 * time.Minute

// Deps are the collaborators a Runner delegates to.
type Deps struct {
	Source     source.ChangeSource
	Builder    build.Executor
	Fetcher    archive.Fetcher
	Releaser   release.Manager
	Namespaces cluster.Namespaces
	Store      state.Store
}

// Runner watches a branch, and builds and deploys each new commit
// that appears at its tip. It does one thing at a time: there is
// never more than one build or deploy in flight.
type Runner struct {
	settings *config.Settings
	deps     Deps
	logger   log.Logger

	// Sleep waits between attempts; it returns early with an error
	// if ctx is done.
	Sleep          func(ctx context.Context, d time.Duration) error
	CleanupTimeout time.Duration

	state   state.RunnerState
	ratchet *lastKnownState
	status  statusTracker

	initOnce sync.Once
	pollSoon chan struct{}
}

func New(settings *config.Settings, deps Deps, logger log.Logger) *Runner {
	r := &Runner{
		settings:       settings,
		deps:           deps,
		logger:         logger,
		Sleep:          sleep,
		CleanupTimeout: defaultCleanupTimeout,
		ratchet:        &lastKnownState{logger: logger, store: deps.Store},
		pollSoon:       make(chan struct{}, 1),
	}
	r.status.update(func(s *Status) {
		s.Repo = settings.Repo.String()
		s.Branch = settings.Branch
	})
	return r
}

// Init makes sure the namespaces to be used exist, and loads the
// recorded state. Problems with namespaces are logged rather than
// returned, since the build or deploy will report them more
// specifically if they matter.
func (r *Runner) Init(ctx context.Context) {
	r.initOnce.Do(func() {
		for _, ns := range []string{r.settings.BuildNamespace, r.settings.DeployNamespace} {
			if err := r.deps.Namespaces.Ensure(ctx, ns); err != nil {
				r.logger.Log("warning", "could not ensure namespace exists", "namespace", ns, "err", err)
			}
		}
		r.state = r.deps.Store.Load(ctx)
		r.ratchet.revision = r.state.LastCommit
		r.logger.Log("info", "loaded state", "state", r.deps.Store.String(), "last_commit", r.state.LastCommit)
		r.status.update(func(s *Status) { s.LastDeployed = r.state.LastCommit })
	})
}

// Loop polls every PollInterval until stop is closed. Whatever
// happens in an individual poll is logged, and does not end the
// loop.
func (r *Runner) Loop(stop chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	r.Init(ctx)
	for {
		if err := r.Iterate(ctx); err != nil {
			r.logger.Log("err", err)
		}
		if !r.waitForPoll(ctx) {
			r.logger.Log("stopping", "true")
			return
		}
	}
}

// waitForPoll waits out the poll interval, or until a poll is asked
// for. It returns false if ctx is done first.
func (r *Runner) waitForPoll(ctx context.Context) bool {
	t := time.NewTimer(r.settings.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-r.pollSoon:
	case <-t.C:
	}
	return true
}

// AskForPoll makes the loop poll straight away, rather than waiting
// out the interval; or if there's a request waiting, lets that
// happen.
func (r *Runner) AskForPoll() {
	select {
	case r.pollSoon <- struct{}{}:
	default:
	}
}

// Status returns a snapshot of what the runner is doing.
func (r *Runner) Status() Status {
	return r.status.get()
}

// Iterate is a single poll cycle: check the branch, and if there's a
// commit that's not been deployed, build and deploy it. A panic in
// the cycle is returned as an error, so it ends only this cycle.
func (r *Runner) Iterate(ctx context.Context) (err error) {
	r.Init(ctx)
	started := time.Now()
	var latest string
	defer func() {
		pollDuration.With(
			runnermetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(started).Seconds())
		r.status.polled(started.UTC(), latest, err)
	}()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Log("err", fmt.Sprintf("panic: %v", p), "stack", string(debug.Stack()))
			err = errors.Errorf("poll cycle panicked: %v", p)
		}
	}()

	latest, err = r.deps.Source.LatestCommit(ctx, r.settings.Branch)
	if err != nil {
		return errors.Wrap(err, "checking for new commits")
	}
	if latest == r.state.LastCommit {
		r.logger.Log("info", "no new commits", "branch", r.settings.Branch, "commit", latest)
		return nil
	}

	archiveURL, err := r.deps.Source.ArchiveURL(ctx, latest)
	if err != nil {
		return errors.Wrapf(err, "locating archive for %s", latest)
	}
	r.logger.Log("event", "new commit", "branch", r.settings.Branch, "commit", latest)

	err = r.buildAndDeploy(ctx, latest, archiveURL)
	deploysTotal.With(runnermetrics.LabelSuccess, fmt.Sprint(err == nil)).Add(1)
	if err != nil {
		return err
	}
	return r.record(ctx, latest)
}

// record notes commit as deployed, in memory and in the store. If
// saving fails, the in-memory value still moves on, so the commit is
// not deployed again by this process; the failure is returned to be
// logged.
func (r *Runner) record(ctx context.Context, commit string) error {
	r.state.LastCommit = commit
	r.status.update(func(s *Status) { s.LastDeployed = commit })
	if err := r.ratchet.update(ctx, r.state); err != nil {
		return runnererr.Transient(runnererr.KindState, errors.Wrapf(err, "recording deploy of %s", commit))
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
