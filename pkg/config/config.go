// config is the package containing configuration for cirunnerd. Raw
// values (from flags, environment and an optional file) are decoded
// into Config, which is then validated into the immutable Settings
// the runner consumes.
package config

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"

	runnererr "github.com/fluxcd/cirunner/pkg/errors"
	"github.com/fluxcd/cirunner/pkg/git"
)

const (
	ConfigType = "yaml"

	StateModeFile   = "file"
	StateModeSecret = "secret"

	DefaultKanikoImage  = "gcr.io/kaniko-project/executor:latest"
	DefaultGitHubAPIURL = "https://api.github.com/"
	DefaultGitHubURL    = "https://github.com"

	MinPollInterval = 5 * time.Second
	MinMaxRetries   = 1

	// Attempts against the same commit are never spaced further
	// apart than this.
	MaxRetryBackoff = 30 * time.Second
)

type Config struct {
	LogFormat string `mapstructure:"logFormat"`
	Listen    string `mapstructure:"listen"`

	Repo            string `mapstructure:"repo"`
	Branch          string `mapstructure:"branch"`
	Image           string `mapstructure:"image"`
	ChartPath       string `mapstructure:"chartPath"`
	Release         string `mapstructure:"release"`
	BuildNamespace  string `mapstructure:"buildNamespace"`
	DeployNamespace string `mapstructure:"deployNamespace"`

	// Interval is kept as a string so that a bare integer can mean
	// seconds, as well as accepting a duration like "5m".
	Interval   string `mapstructure:"interval"`
	MaxRetries int    `mapstructure:"maxRetries"`

	GitToken       string `mapstructure:"gitToken"`
	RegistrySecret string `mapstructure:"registrySecret"`

	StatePath   string `mapstructure:"statePath"`
	StateMode   string `mapstructure:"stateMode"`
	StateSecret string `mapstructure:"stateSecret"`

	VerifyTLS bool   `mapstructure:"verifyTls"`
	CABundle  string `mapstructure:"caBundle"`

	JobTimeout      time.Duration `mapstructure:"jobTimeout"`
	JobPollInterval time.Duration `mapstructure:"jobPollInterval"`
	KanikoImage     string        `mapstructure:"kanikoImage"`
	ServiceAccount  string        `mapstructure:"serviceAccount"`
	Dockerfile      string        `mapstructure:"dockerfile"`

	HelmBinary  string        `mapstructure:"helmBinary"`
	HelmTimeout time.Duration `mapstructure:"helmTimeout"`

	GitHubAPIURL string  `mapstructure:"githubApiUrl"`
	GitHubURL    string  `mapstructure:"githubUrl"`
	GitHubRPS    float64 `mapstructure:"githubRps"`
	GitHubBurst  int     `mapstructure:"githubBurst"`

	Kubeconfig string `mapstructure:"kubeconfig"`
	Master     string `mapstructure:"master"`
}

// Settings is the validated, read-only configuration of a runner.
type Settings struct {
	Repo            git.Repository
	Branch          string
	Image           string
	ChartPath       string
	Release         string
	BuildNamespace  string
	DeployNamespace string

	PollInterval time.Duration
	MaxRetries   int

	GitToken       string
	RegistrySecret string

	StatePath   string
	StateMode   string
	StateSecret string

	TLS TLS

	JobTimeout      time.Duration
	JobPollInterval time.Duration
	KanikoImage     string
	ServiceAccount  string
	Dockerfile      string

	HelmBinary  string
	HelmTimeout time.Duration

	GitHubAPIURL string
	GitHubURL    string
	GitHubRPS    float64
	GitHubBurst  int
}

// RetryBackoff is how long to wait between failed attempts at the
// same commit.
func (s *Settings) RetryBackoff() time.Duration {
	if s.PollInterval < MaxRetryBackoff {
		return s.PollInterval
	}
	return MaxRetryBackoff
}

// Settings validates the raw configuration. Required values that are
// missing or malformed give a config error; the poll interval and
// retry count are clamped to their minimums.
func (c Config) Settings() (*Settings, error) {
	for _, req := range []struct{ name, value string }{
		{"repo", c.Repo},
		{"image", c.Image},
		{"chart-path", c.ChartPath},
		{"release", c.Release},
	} {
		if strings.TrimSpace(req.value) == "" {
			return nil, runnererr.Configf("missing required setting: %s", req.name)
		}
	}

	repo, err := git.ParseRepository(c.Repo)
	if err != nil {
		return nil, runnererr.ConfigError(err)
	}
	if _, err := name.NewRepository(c.Image); err != nil {
		return nil, runnererr.Configf("image %q is not a valid repository reference: %s", c.Image, err)
	}

	interval, err := ParseInterval(c.Interval)
	if err != nil {
		return nil, runnererr.ConfigError(err)
	}
	if interval < MinPollInterval {
		interval = MinPollInterval
	}
	retries := c.MaxRetries
	if retries < MinMaxRetries {
		retries = MinMaxRetries
	}

	switch c.StateMode {
	case StateModeFile:
		if c.StatePath == "" {
			return nil, runnererr.Configf("state-path must be given when state-mode is %q", StateModeFile)
		}
	case StateModeSecret:
		if c.StateSecret == "" {
			return nil, runnererr.Configf("state-secret must be given when state-mode is %q", StateModeSecret)
		}
	default:
		return nil, runnererr.Configf("state-mode must be one of {%s,%s}, got %q", StateModeFile, StateModeSecret, c.StateMode)
	}

	if c.JobTimeout <= 0 || c.JobPollInterval <= 0 {
		return nil, runnererr.Configf("job-timeout and job-poll-interval must be positive")
	}
	if c.GitHubRPS <= 0 || c.GitHubBurst < 1 {
		return nil, runnererr.Configf("github-rps must be positive and github-burst at least 1")
	}

	return &Settings{
		Repo:            repo,
		Branch:          orDefault(c.Branch, "main"),
		Image:           c.Image,
		ChartPath:       c.ChartPath,
		Release:         c.Release,
		BuildNamespace:  orDefault(c.BuildNamespace, "cicd"),
		DeployNamespace: orDefault(c.DeployNamespace, "default"),
		PollInterval:    interval,
		MaxRetries:      retries,
		GitToken:        c.GitToken,
		RegistrySecret:  c.RegistrySecret,
		StatePath:       c.StatePath,
		StateMode:       c.StateMode,
		StateSecret:     c.StateSecret,
		TLS:             TLS{Verify: c.VerifyTLS, CABundle: c.CABundle},
		JobTimeout:      c.JobTimeout,
		JobPollInterval: c.JobPollInterval,
		KanikoImage:     orDefault(c.KanikoImage, DefaultKanikoImage),
		ServiceAccount:  c.ServiceAccount,
		Dockerfile:      orDefault(c.Dockerfile, "Dockerfile"),
		HelmBinary:      orDefault(c.HelmBinary, "helm"),
		HelmTimeout:     c.HelmTimeout,
		GitHubAPIURL:    orDefault(c.GitHubAPIURL, DefaultGitHubAPIURL),
		GitHubURL:       strings.TrimSuffix(orDefault(c.GitHubURL, DefaultGitHubURL), "/"),
		GitHubRPS:       c.GitHubRPS,
		GitHubBurst:     c.GitHubBurst,
	}, nil
}

// ParseInterval accepts either a whole number of seconds or a Go
// duration string.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, runnererr.Configf("interval must be given")
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		if secs > math.MaxInt64/int64(time.Second) {
			return 0, runnererr.Configf("interval of %d seconds is too long", secs)
		}
		return time.Duration(secs) * time.Second, nil
	} else if numErr, ok := err.(*strconv.NumError); ok && numErr.Err == strconv.ErrRange {
		return 0, runnererr.Configf("interval of %s seconds is too long", s)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, runnererr.Configf("interval must be an integer number of seconds or a duration, got %q", s)
	}
	return d, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
