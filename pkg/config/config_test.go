package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	runnererr "github.com/fluxcd/cirunner/pkg/errors"
	"github.com/fluxcd/cirunner/pkg/git"
)

func validConfig() Config {
	return Config{
		Repo:            "fluxcd/app",
		Image:           "registry.example.com/team/app",
		ChartPath:       "charts/app",
		Release:         "app",
		Interval:        "300",
		MaxRetries:      3,
		StatePath:       "/data/runner-state.json",
		StateMode:       StateModeFile,
		StateSecret:     "cirunner-state",
		VerifyTLS:       true,
		JobTimeout:      30 * time.Minute,
		JobPollInterval: 10 * time.Second,
		GitHubRPS:       1,
		GitHubBurst:     5,
	}
}

func TestSettings(t *testing.T) {
	s, err := validConfig().Settings()
	require.NoError(t, err)
	assert.Equal(t, git.Repository{Host: "github.com", Owner: "fluxcd", Name: "app"}, s.Repo)
	assert.Equal(t, "main", s.Branch)
	assert.Equal(t, "cicd", s.BuildNamespace)
	assert.Equal(t, "default", s.DeployNamespace)
	assert.Equal(t, 5*time.Minute, s.PollInterval)
	assert.Equal(t, 3, s.MaxRetries)
	assert.Equal(t, DefaultKanikoImage, s.KanikoImage)
	assert.Equal(t, "Dockerfile", s.Dockerfile)
	assert.Equal(t, "helm", s.HelmBinary)
	assert.Equal(t, DefaultGitHubAPIURL, s.GitHubAPIURL)
	assert.Equal(t, DefaultGitHubURL, s.GitHubURL)
	assert.True(t, s.TLS.Verify)
}

func TestSettingsRequired(t *testing.T) {
	for _, blank := range []func(*Config){
		func(c *Config) { c.Repo = "" },
		func(c *Config) { c.Image = " " },
		func(c *Config) { c.ChartPath = "" },
		func(c *Config) { c.Release = "" },
	} {
		c := validConfig()
		blank(&c)
		_, err := c.Settings()
		assert.True(t, runnererr.IsConfig(err), "%v", err)
	}
}

func TestSettingsInvalid(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"repo":        func(c *Config) { c.Repo = "not-a-repo" },
		"image":       func(c *Config) { c.Image = "Bad Image!" },
		"interval":    func(c *Config) { c.Interval = "often" },
		"state mode":  func(c *Config) { c.StateMode = "memory" },
		"state path":  func(c *Config) { c.StatePath = "" },
		"job timeout": func(c *Config) { c.JobTimeout = 0 },
		"github rps":  func(c *Config) { c.GitHubRPS = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			mutate(&c)
			_, err := c.Settings()
			assert.True(t, runnererr.IsConfig(err), "%v", err)
		})
	}
}

func TestSettingsSecretModeNeedsNoPath(t *testing.T) {
	c := validConfig()
	c.StateMode = StateModeSecret
	c.StatePath = ""
	_, err := c.Settings()
	assert.NoError(t, err)
}

func TestSettingsClamps(t *testing.T) {
	c := validConfig()
	c.Interval = "1"
	c.MaxRetries = -2
	s, err := c.Settings()
	require.NoError(t, err)
	assert.Equal(t, MinPollInterval, s.PollInterval)
	assert.Equal(t, MinMaxRetries, s.MaxRetries)
}

func TestParseInterval(t *testing.T) {
	for in, want := range map[string]time.Duration{
		"300":   300 * time.Second,
		" 60 ":  time.Minute,
		"5m":    5 * time.Minute,
		"1h30m": 90 * time.Minute,
	} {
		got, err := ParseInterval(in)
		if assert.NoError(t, err, in) {
			assert.Equal(t, want, got, in)
		}
	}
	for _, in := range []string{"", "soon", "5 minutes", "9223372037", "99999999999", "99999999999999999999"} {
		_, err := ParseInterval(in)
		assert.Error(t, err, in)
	}
}

func TestParseIntervalLongest(t *testing.T) {
	got, err := ParseInterval("9223372036")
	require.NoError(t, err)
	assert.True(t, got > 0)

	_, err = ParseInterval("9223372037")
	assert.True(t, runnererr.IsConfig(err), "%v", err)
}

func TestRetryBackoff(t *testing.T) {
	s := &Settings{PollInterval: 10 * time.Second}
	assert.Equal(t, 10*time.Second, s.RetryBackoff())
	s.PollInterval = 5 * time.Minute
	assert.Equal(t, MaxRetryBackoff, s.RetryBackoff())
}
