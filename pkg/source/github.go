package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/google/go-github/v28/github"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/fluxcd/cirunner/pkg/config"
	runnererr "github.com/fluxcd/cirunner/pkg/errors"
	"github.com/fluxcd/cirunner/pkg/git"
)

const requestTimeout = 30 * time.Second

type GitHubOptions struct {
	// Token, if given, is used as an OAuth2 bearer token.
	Token string
	// APIURL is the base of the REST API; empty means api.github.com.
	APIURL string
	// WebURL is the base from which archives are downloaded.
	WebURL string
	TLS    config.TLS
	RPS    float64
	Burst  int
}

// GitHub is a ChangeSource backed by the GitHub REST API.
type GitHub struct {
	client  *github.Client
	repo    git.Repository
	webURL  string
	limiter *RateLimiter
	logger  log.Logger
}

func NewGitHub(repo git.Repository, opts GitHubOptions, logger log.Logger) (*GitHub, error) {
	transport, err := opts.TLS.Transport()
	if err != nil {
		return nil, errors.Wrap(err, "configuring TLS for GitHub")
	}
	if !opts.TLS.Verify {
		logger.Log("warning", "TLS verification is disabled for GitHub HTTP requests")
	}

	limiter := &RateLimiter{RPS: opts.RPS, Burst: opts.Burst, Logger: logger}
	rt := limiter.RoundTripper(transport)
	if opts.Token != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token}),
			Base:   rt,
		}
	}

	client := github.NewClient(&http.Client{Transport: rt, Timeout: requestTimeout})
	if opts.APIURL != "" {
		base := opts.APIURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing GitHub API URL %q", opts.APIURL)
		}
		client.BaseURL = u
	}

	webURL := strings.TrimSuffix(opts.WebURL, "/")
	if webURL == "" {
		webURL = "https://" + repo.Host
	}

	return &GitHub{
		client:  client,
		repo:    repo,
		webURL:  webURL,
		limiter: limiter,
		logger:  logger,
	}, nil
}

// LatestCommit returns the SHA of the commit at the tip of branch.
func (g *GitHub) LatestCommit(ctx context.Context, branch string) (string, error) {
	sha, resp, err := g.client.Repositories.GetCommitSHA1(ctx, g.repo.Owner, g.repo.Name, branch, "")
	if err != nil {
		if ctx.Err() != nil {
			return "", runnererr.Fatal(runnererr.KindSource, ctx.Err())
		}
		srcErr := &Error{Repo: g.repo.FullName(), Branch: branch, Err: err}
		if resp != nil {
			srcErr.StatusCode = resp.StatusCode
		}
		return "", runnererr.Transient(runnererr.KindSource, srcErr)
	}
	sha = strings.TrimSpace(sha)
	if sha == "" {
		return "", runnererr.Transient(runnererr.KindSource, &Error{
			Repo:       g.repo.FullName(),
			Branch:     branch,
			StatusCode: resp.StatusCode,
			Err:        errors.New("response did not include a commit SHA"),
		})
	}
	g.logger.Log("debug", "latest commit", "repo", g.repo.FullName(), "branch", branch, "commit", sha)
	return sha, nil
}

// ArchiveURL returns the tarball URL for the repository at commit.
func (g *GitHub) ArchiveURL(ctx context.Context, commit string) (string, error) {
	if commit == "" {
		return "", runnererr.Transient(runnererr.KindSource, errors.New("no commit given for archive URL"))
	}
	return fmt.Sprintf("%s/%s/archive/%s.tar.gz", g.webURL, g.repo.FullName(), commit), nil
}
