package runner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-vfs/vfst"

	"github.com/fluxcd/cirunner/pkg/archive"
	"github.com/fluxcd/cirunner/pkg/build"
	"github.com/fluxcd/cirunner/pkg/cluster"
	"github.com/fluxcd/cirunner/pkg/config"
	runnererr "github.com/fluxcd/cirunner/pkg/errors"
	"github.com/fluxcd/cirunner/pkg/git"
	"github.com/fluxcd/cirunner/pkg/release"
	"github.com/fluxcd/cirunner/pkg/source"
	"github.com/fluxcd/cirunner/pkg/state"
)

const (
	statePath = "/data/runner-state.json"
	commit    = "abc1234def5678abc1234def5678abc1234def56"
	chartPath = "charts/app"
)

func testSettings() *config.Settings {
	return &config.Settings{
		Repo:            git.Repository{Host: "github.com", Owner: "fluxcd", Name: "app"},
		Branch:          "main",
		Image:           "registry.example.com/team/app",
		ChartPath:       chartPath,
		Release:         "app",
		BuildNamespace:  "cicd",
		DeployNamespace: "apps",
		PollInterval:    5 * time.Second,
		MaxRetries:      3,
		JobTimeout:      time.Minute,
		JobPollInterval: time.Second,
	}
}

// countingStore records how often the state is saved.
type countingStore struct {
	state.Store
	mu      sync.Mutex
	saves   int
	saveErr error
}

func (s *countingStore) Save(ctx context.Context, st state.RunnerState) error {
	s.mu.Lock()
	s.saves++
	s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.Store.Save(ctx, st)
}

func (s *countingStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// harness is a runner with every collaborator faked, keeping count of
// what was asked of them.
type harness struct {
	t        *testing.T
	settings *config.Settings
	runner   *Runner
	fs       *vfst.TestFS
	store    *countingStore
	logs     *bytes.Buffer

	mu       sync.Mutex
	latest   string
	created  []string
	awaited  []build.JobHandle
	deleted  []build.JobHandle
	fetched  []string
	snapDirs []string
	upgrades []release.Upgrade
	sleeps   []time.Duration
	ensured  []string

	// what the fakes do, per attempt (counting from 0)
	createErr  func(n int) (build.JobHandle, error)
	outcome    func(n int) (build.Outcome, error)
	deleteErr  error
	withChart  bool
	upgradeErr func(n int) error
	sourceErr  error
}

func newHarness(t *testing.T, files map[string]interface{}) *harness {
	fs, cleanup, err := vfst.NewTestFS(files)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	h := &harness{
		t:         t,
		settings:  testSettings(),
		fs:        fs,
		logs:      &bytes.Buffer{},
		latest:    commit,
		withChart: true,
	}
	logger := log.NewLogfmtLogger(log.NewSyncWriter(h.logs))
	h.store = &countingStore{Store: state.NewFileStore(fs, statePath, logger)}
	h.runner = New(h.settings, Deps{
		Source:     h.source(),
		Builder:    h.builder(),
		Fetcher:    h.fetcher(),
		Releaser:   h.releaser(),
		Namespaces: h.namespaces(),
		Store:      h.store,
	}, logger)
	h.runner.Sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	return h
}

func (h *harness) source() *source.Mock {
	return &source.Mock{
		LatestCommitFunc: func(ctx context.Context, branch string) (string, error) {
			assert.Equal(h.t, "main", branch)
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.latest, h.sourceErr
		},
		ArchiveURLFunc: func(ctx context.Context, c string) (string, error) {
			return "https://github.com/fluxcd/app/archive/" + c + ".tar.gz", nil
		},
	}
}

func (h *harness) builder() *build.Mock {
	return &build.Mock{
		CreateJobFunc: func(ctx context.Context, req build.Request) (build.JobHandle, error) {
			h.mu.Lock()
			n := len(h.created)
			h.created = append(h.created, req.Name)
			h.mu.Unlock()
			assert.Equal(h.t, build.JobName(req.Commit), req.Name)
			if h.createErr != nil {
				return h.createErr(n)
			}
			return build.JobHandle{Namespace: "cicd", Name: req.Name}, nil
		},
		AwaitJobFunc: func(ctx context.Context, job build.JobHandle, timeout, interval time.Duration) (build.Outcome, error) {
			h.mu.Lock()
			n := len(h.awaited)
			h.awaited = append(h.awaited, job)
			h.mu.Unlock()
			assert.Equal(h.t, time.Minute, timeout)
			assert.Equal(h.t, time.Second, interval)
			if h.outcome != nil {
				return h.outcome(n)
			}
			return build.Succeeded, nil
		},
		DeleteJobFunc: func(ctx context.Context, job build.JobHandle) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.deleted = append(h.deleted, job)
			return h.deleteErr
		},
	}
}

func (h *harness) fetcher() *archive.Mock {
	return &archive.Mock{
		FetchFunc: func(ctx context.Context, url string) (*archive.Snapshot, error) {
			dir, err := os.MkdirTemp("", "runner-test-")
			require.NoError(h.t, err)
			root := filepath.Join(dir, "app-abc1234")
			require.NoError(h.t, os.MkdirAll(root, 0755))
			if h.withChart {
				require.NoError(h.t, os.MkdirAll(filepath.Join(root, chartPath), 0755))
			}
			h.mu.Lock()
			defer h.mu.Unlock()
			h.fetched = append(h.fetched, url)
			h.snapDirs = append(h.snapDirs, dir)
			return archive.NewSnapshot(root, dir), nil
		},
	}
}

func (h *harness) releaser() *release.Mock {
	return &release.Mock{
		UpgradeFunc: func(ctx context.Context, u release.Upgrade) error {
			h.mu.Lock()
			n := len(h.upgrades)
			h.upgrades = append(h.upgrades, u)
			h.mu.Unlock()
			// the chart is there to be deployed
			_, err := os.Stat(u.ChartPath)
			assert.NoError(h.t, err)
			if h.upgradeErr != nil {
				return h.upgradeErr(n)
			}
			return nil
		},
	}
}

func (h *harness) namespaces() *cluster.MockNamespaces {
	return &cluster.MockNamespaces{
		EnsureFunc: func(ctx context.Context, name string) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.ensured = append(h.ensured, name)
			return nil
		},
	}
}

// assertCleanedUp checks that every job created was deleted exactly
// once, and every snapshot removed.
func (h *harness) assertCleanedUp() {
	h.mu.Lock()
	defer h.mu.Unlock()
	var deleted []string
	for _, d := range h.deleted {
		deleted = append(deleted, d.Name)
	}
	assert.Equal(h.t, h.created, deleted)
	for _, dir := range h.snapDirs {
		_, err := os.Stat(dir)
		assert.True(h.t, os.IsNotExist(err), "snapshot %s should have been removed", dir)
	}
}

func (h *harness) assertState(contents string) {
	vfst.RunTests(h.t, h.fs, "",
		vfst.TestPath(statePath, vfst.TestContentsString(contents)),
	)
}

func TestNewCommitIsBuiltAndDeployed(t *testing.T) {
	h := newHarness(t, map[string]interface{}{})

	require.NoError(t, h.runner.Iterate(context.Background()))

	h.assertState(`{"last_commit":"` + commit + `"}`)
	assert.Equal(t, []string{"kaniko-abc1234"}, h.created)
	h.assertCleanedUp()
	assert.Equal(t, []string{"https://github.com/fluxcd/app/archive/" + commit + ".tar.gz"}, h.fetched)
	require.Len(t, h.upgrades, 1)
	u := h.upgrades[0]
	assert.Equal(t, "app", u.Release)
	assert.Equal(t, "apps", u.Namespace)
	assert.Equal(t, "registry.example.com/team/app", u.Image)
	assert.Equal(t, commit, u.Tag)
	assert.True(t, strings.HasSuffix(u.ChartPath, filepath.Join("app-abc1234", chartPath)), u.ChartPath)
	assert.Empty(t, h.sleeps)
	assert.Equal(t, 1, h.store.Saves())
}

func TestSameCommitDoesNothing(t *testing.T) {
	h := newHarness(t, map[string]interface{}{
		statePath: `{"last_commit":"` + commit + `"}`,
	})

	require.NoError(t, h.runner.Iterate(context.Background()))

	assert.Empty(t, h.created)
	assert.Empty(t, h.upgrades)
	assert.Empty(t, h.fetched)
	assert.Equal(t, 0, h.store.Saves())
}

func TestSecondPollOfSameCommitDoesNothing(t *testing.T) {
	h := newHarness(t, map[string]interface{}{})
	ctx := context.Background()

	require.NoError(t, h.runner.Iterate(ctx))
	require.NoError(t, h.runner.Iterate(ctx))

	assert.Len(t, h.created, 1)
	assert.Len(t, h.upgrades, 1)
	assert.Equal(t, 1, h.store.Saves())
}

func TestBuildFailsEveryAttempt(t *testing.T) {
	h := newHarness(t, map[string]interface{}{
		statePath: `{"last_commit":"0000000"}`,
	})
	h.outcome = func(int) (build.Outcome, error) { return build.Failed, nil }

	err := h.runner.Iterate(context.Background())
	assert.Error(t, err)
	assert.False(t, runnererr.IsFatal(err))

	assert.Len(t, h.created, 3)
	assert.Len(t, h.awaited, 3)
	h.assertCleanedUp()
	assert.Empty(t, h.fetched)
	assert.Empty(t, h.upgrades)
	// pauses between attempts, but not after the last
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, h.sleeps)
	h.assertState(`{"last_commit":"0000000"}`)
	assert.Equal(t, 0, h.store.Saves())

	// the next poll starts over from the first attempt
	require.Error(t, h.runner.Iterate(context.Background()))
	assert.Len(t, h.created, 6)
	h.assertCleanedUp()
}

func TestBackoffIsCapped(t *testing.T) {
	h := newHarness(t, map[string]interface{}{})
	h.settings.PollInterval = 5 * time.Minute
	h.settings.MaxRetries = 2
	h.outcome = func(int) (build.Outcome, error) { return build.TimedOut, nil }

	assert.Error(t, h.runner.Iterate(context.Background()))
	assert.Equal(t, []time.Duration{30 * time.Second}, h.sleeps)
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	h := newHarness(t, map[string]interface{}{})
	h.outcome = func(n int) (build.Outcome, error) {
		if n == 0 {
			return build.TimedOut, nil
		}
		return build.Succeeded, nil
	}

	require.NoError(t, h.runner.Iterate(context.Background()))
	assert.Len(t, h.created, 2)
	assert.Len(t, h.upgrades, 1)
	h.assertCleanedUp()
	h.assertState(`{"last_commit":"` + commit + `"}`)
}

func TestMissingChartPath(t *testing.T) {
	h := newHarness(t, map[string]interface{}{})
	h.withChart = false

	err := h.runner.Iterate(context.Background())
	assert.Error(t, err)
	assert.Equal(t, runnererr.KindDeploy, runnererr.KindOf(err))

	assert.Len(t, h.created, 3)
	assert.Len(t, h.fetched, 3)
	assert.Empty(t, h.upgrades)
	h.assertCleanedUp()
	vfst.RunTests(t, h.fs, "", vfst.TestPath(statePath, vfst.TestDoesNotExist))
}

func TestCorruptStateIsTreatedAsEmpty(t *testing.T) {
	h := newHarness(t, map[string]interface{}{
		statePath: "{not json",
	})

	require.NoError(t, h.runner.Iterate(context.Background()))
	assert.Len(t, h.upgrades, 1)
	h.assertState(`{"last_commit":"` + commit + `"}`)
}

func TestUpgradeFailureIsRetried(t *testing.T) {
	h := newHarness(t, map[string]interface{}{})
	h.upgradeErr = func(n int) error {
		if n < 2 {
			return runnererr.Transient(runnererr.KindDeploy, errors.New("UPGRADE FAILED"))
		}
		return nil
	}

	require.NoError(t, h.runner.Iterate(context.Background()))
	assert.Len(t, h.created, 3)
	assert.Len(t, h.upgrades, 3)
	h.assertCleanedUp()
	h.assertState(`{"last_commit":"` + commit + `"}`)
}

func TestStaleJobIsCleanedUp(t *testing.T) {
	h := newHarness(t, map[string]interface{}{})
	h.createErr = func(n int) (build.JobHandle, error) {
		job := build.JobHandle{Namespace: "cicd", Name: "kaniko-abc1234"}
		if n == 0 {
			return job, runnererr.Transient(runnererr.KindBuild, errors.New("already exists"))
		}
		return job, nil
	}

	require.NoError(t, h.runner.Iterate(context.Background()))
	assert.Len(t, h.created, 2)
	assert.Len(t, h.awaited, 1)
	h.assertCleanedUp()
}

func TestFailedCreateWithoutJobIsNotDeleted(t *testing.T) {
	h := newHarness(t, map[string]interface{}{})
	h.settings.MaxRetries = 1
	h.createErr = func(int) (build.JobHandle, error) {
		return build.JobHandle{}, runnererr.Transient(runnererr.KindBuild, errors.New("forbidden"))
	}

	assert.Error(t, h.runner.Iterate(context.Background()))
	assert.Len(t, h.created, 1)
	assert.Empty(t, h.deleted)
}

func TestDeleteFailureDoesNotAffectOutcome(t *testing.T) {
	h := newHarness(t, map[string]interface{}{})
	h.deleteErr = errors.New("connection refused")

	require.NoError(t, h.runner.Iterate(context.Background()))
	assert.Len(t, h.deleted, 1)
	h.assertState(`{"last_commit":"` + commit + `"}`)
	assert.Contains(t, h.logs.String(), "failed to delete build job")
}

func TestFatalErrorStopsRetrying(t *testing.T) {
	h := newHarness(t, map[string]interface{}{})
	h.outcome = func(int) (build.Outcome, error) {
		return build.Pending, runnererr.Fatal(runnererr.KindBuild, context.Canceled)
	}

	err := h.runner.Iterate(context.Background())
	assert.True(t, runnererr.IsFatal(err))
	assert.Len(t, h.created, 1)
	assert.Empty(t, h.sleeps)
	// still cleaned up
	h.assertCleanedUp()
}

func TestShutdownDuringBackoff(t *testing.T) {
	h := newHarness(t, map[string]interface{}{})
	h.outcome = func(int) (build.Outcome, error) { return build.Failed, nil }
	ctx, cancel := context.WithCancel(context.Background())
	h.runner.Sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	err := h.runner.Iterate(ctx)
	assert.True(t, runnererr.IsFatal(err))
	assert.Len(t, h.created, 1)
	h.assertCleanedUp()
}

func TestSourceErrorSkipsCycle(t *testing.T) {
	h := newHarness(t, map[string]interface{}{})
	h.sourceErr = runnererr.Transient(runnererr.KindSource, &source.Error{Repo: "fluxcd/app", Branch: "main", StatusCode: 502, Err: errors.New("bad gateway")})

	err := h.runner.Iterate(context.Background())
	assert.True(t, runnererr.IsTransient(err))
	var srcErr *source.Error
	assert.True(t, errors.As(err, &srcErr))
	assert.Empty(t, h.created)

	status := h.runner.Status()
	require.NotNil(t, status.LastError)
	assert.Equal(t, runnererr.KindSource, status.LastError.Kind)
}

func TestSaveFailureStillMovesOn(t *testing.T) {
	h := newHarness(t, map[string]interface{}{})
	h.store.saveErr = errors.New("read-only file system")
	ctx := context.Background()

	err := h.runner.Iterate(ctx)
	assert.Equal(t, runnererr.KindState, runnererr.KindOf(err))

	// not deployed again by this process
	require.NoError(t, h.runner.Iterate(ctx))
	assert.Len(t, h.upgrades, 1)
}

func TestExternalStateChangeIsReportedOnce(t *testing.T) {
	h := newHarness(t, map[string]interface{}{})
	ctx := context.Background()
	require.NoError(t, h.runner.Iterate(ctx))

	// someone else writes to the state
	other := state.NewFileStore(h.fs, statePath, log.NewNopLogger())
	require.NoError(t, other.Save(ctx, state.RunnerState{LastCommit: "fedcba9"}))

	for _, c := range []string{"1111111", "2222222"} {
		h.mu.Lock()
		h.latest = c
		h.mu.Unlock()
		require.NoError(t, h.runner.Iterate(ctx))
	}
	assert.Equal(t, 1, bytes.Count(h.logs.Bytes(), []byte("detected external change")))
	h.assertState(`{"last_commit":"2222222"}`)
}

func TestInitEnsuresNamespacesOnce(t *testing.T) {
	h := newHarness(t, map[string]interface{}{})
	ctx := context.Background()
	h.runner.Init(ctx)
	require.NoError(t, h.runner.Iterate(ctx))
	assert.Equal(t, []string{"cicd", "apps"}, h.ensured)
}

func TestInitToleratesNamespaceErrors(t *testing.T) {
	h := newHarness(t, map[string]interface{}{})
	h.runner.deps.Namespaces = &cluster.MockNamespaces{
		EnsureFunc: func(context.Context, string) error {
			return runnererr.Transient(runnererr.KindNamespace, errors.New("boom"))
		},
	}
	require.NoError(t, h.runner.Iterate(context.Background()))
	assert.Len(t, h.upgrades, 1)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, map[string]interface{}{
		statePath: `{"last_commit":"0000000"}`,
	})
	var during Status
	h.runner.deps.Releaser = &release.Mock{
		UpgradeFunc: func(context.Context, release.Upgrade) error {
			during = h.runner.Status()
			return nil
		},
	}

	require.NoError(t, h.runner.Iterate(context.Background()))
	assert.Equal(t, commit, during.InProgress)
	assert.Equal(t, 1, during.Attempt)
	assert.Equal(t, "0000000", during.LastDeployed)

	after := h.runner.Status()
	assert.Equal(t, "github.com/fluxcd/app", after.Repo)
	assert.Equal(t, "main", after.Branch)
	assert.Equal(t, commit, after.LastDeployed)
	assert.Equal(t, commit, after.LastSeen)
	assert.Empty(t, after.InProgress)
	assert.Zero(t, after.Attempt)
	assert.NotNil(t, after.LastPoll)
	assert.Nil(t, after.LastError)
}

func TestLoopStops(t *testing.T) {
	h := newHarness(t, map[string]interface{}{})
	h.settings.PollInterval = time.Hour

	polled := make(chan struct{}, 10)
	h.runner.deps.Source = &source.Mock{
		LatestCommitFunc: func(context.Context, string) (string, error) {
			polled <- struct{}{}
			return commit, nil
		},
		ArchiveURLFunc: func(_ context.Context, c string) (string, error) {
			return "https://github.com/fluxcd/app/archive/" + c + ".tar.gz", nil
		},
	}

	stop := make(chan struct{})
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go h.runner.Loop(stop, wg)

	waitFor := func() {
		select {
		case <-polled:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for poll")
		}
	}
	waitFor()
	// asking for a poll cuts the interval short
	h.runner.AskForPoll()
	waitFor()

	close(stop)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Len(t, h.upgrades, 1)
}

func TestPanicInPollIsRecovered(t *testing.T) {
	h := newHarness(t, map[string]interface{}{})
	h.settings.PollInterval = time.Hour

	var calls int
	polled := make(chan struct{}, 10)
	h.runner.deps.Source = &source.Mock{
		LatestCommitFunc: func(context.Context, string) (string, error) {
			h.mu.Lock()
			calls++
			first := calls == 1
			h.mu.Unlock()
			defer func() { polled <- struct{}{} }()
			if first {
				var commits map[string]string
				commits["main"] = commit
			}
			return commit, nil
		},
		ArchiveURLFunc: func(_ context.Context, c string) (string, error) {
			return "https://github.com/fluxcd/app/archive/" + c + ".tar.gz", nil
		},
	}

	stop := make(chan struct{})
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go h.runner.Loop(stop, wg)

	waitFor := func() {
		select {
		case <-polled:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for poll")
		}
	}
	waitFor()
	h.runner.AskForPoll()
	waitFor()

	assert.Eventually(t, func() bool { return h.store.Saves() == 1 }, 5*time.Second, 10*time.Millisecond)
	close(stop)
	wg.Wait()

	h.mu.Lock()
	assert.Len(t, h.upgrades, 1)
	h.mu.Unlock()
	assert.Contains(t, h.logs.String(), "assignment to entry in nil map")
	assert.Contains(t, h.logs.String(), "stack=")
}

func TestIteratePanicReportedAsError(t *testing.T) {
	h := newHarness(t, map[string]interface{}{})
	h.runner.deps.Source = &source.Mock{
		LatestCommitFunc: func(context.Context, string) (string, error) {
			panic("boom")
		},
	}
	var err error
	require.NotPanics(t, func() { err = h.runner.Iterate(context.Background()) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Empty(t, h.created)
	st := h.runner.Status()
	require.NotNil(t, st.LastError)
	assert.Contains(t, st.LastError.Error(), "boom")
}
