package archive

import (
	"context"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	getter "github.com/hashicorp/go-getter"
	"github.com/pkg/errors"

	"github.com/fluxcd/cirunner/pkg/config"
	runnererr "github.com/fluxcd/cirunner/pkg/errors"
)

const (
	tempPrefix      = "repo-"
	downloadTimeout = 60 * time.Second
)

// Fetcher downloads and unpacks a source snapshot.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Snapshot, error)
}

// Snapshot is an unpacked archive on local disk. Root is its single
// top-level directory. Close removes everything; it's safe to call it
// more than once.
type Snapshot struct {
	Root string

	dir  string
	once sync.Once
	err  error
}

func (s *Snapshot) Close() error {
	s.once.Do(func() {
		s.err = os.RemoveAll(s.dir)
	})
	return s.err
}

type Options struct {
	TLS config.TLS
	// Token, if given, is sent as an authorization header, for
	// private repositories.
	Token string
	// TempDir is where snapshots are unpacked; empty means the
	// system default.
	TempDir string
}

// Getter fetches archives over HTTP(S) with go-getter, which takes
// care of working out the archive format and unpacking it.
type Getter struct {
	client  *http.Client
	header  http.Header
	tempDir string
	logger  log.Logger
}

var _ Fetcher = &Getter{}

func NewGetter(opts Options, logger log.Logger) (*Getter, error) {
	client, err := opts.TLS.HTTPClient(downloadTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "configuring TLS for archive downloads")
	}
	if !opts.TLS.Verify {
		logger.Log("warning", "TLS verification is disabled for archive downloads")
	}
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "token "+opts.Token)
	}
	return &Getter{client: client, header: header, tempDir: opts.TempDir, logger: logger}, nil
}

func (g *Getter) Fetch(ctx context.Context, url string) (*Snapshot, error) {
	dir, err := ioutil.TempDir(g.tempDir, tempPrefix)
	if err != nil {
		return nil, runnererr.Transient(runnererr.KindFetch, errors.Wrap(err, "creating temporary directory"))
	}
	snap := &Snapshot{dir: dir}

	root, err := g.fetch(ctx, url, dir)
	if err != nil {
		if rmErr := snap.Close(); rmErr != nil {
			g.logger.Log("warning", "removing temporary directory", "dir", dir, "err", rmErr)
		}
		if ctx.Err() != nil {
			return nil, runnererr.Fatal(runnererr.KindFetch, ctx.Err())
		}
		return nil, runnererr.Transient(runnererr.KindFetch, err)
	}
	snap.Root = root
	return snap, nil
}

func (g *Getter) fetch(ctx context.Context, url, dir string) (string, error) {
	httpGetter := &getter.HttpGetter{
		Client:                g.client,
		Header:                g.header,
		XTerraformGetDisabled: true,
	}
	dst := filepath.Join(dir, "src")
	client := &getter.Client{
		Ctx:  ctx,
		Src:  url,
		Dst:  dst,
		Pwd:  dir,
		Mode: getter.ClientModeDir,
		Getters: map[string]getter.Getter{
			"http":  httpGetter,
			"https": httpGetter,
		},
		DisableSymlinks: true,
	}
	if err := client.Get(); err != nil {
		return "", errors.Wrapf(err, "downloading %s", url)
	}

	entries, err := ioutil.ReadDir(dst)
	if err != nil {
		return "", errors.Wrap(err, "reading unpacked archive")
	}
	switch {
	case len(entries) == 0:
		return "", errors.Errorf("archive %s did not contain any files", url)
	case len(entries) > 1:
		return "", errors.Errorf("archive %s has %d top-level entries, expected a single directory", url, len(entries))
	case !entries[0].IsDir():
		return "", errors.Errorf("archive %s does not have a top-level directory", url)
	}
	root := filepath.Join(dst, entries[0].Name())
	g.logger.Log("info", "archive unpacked", "url", url, "root", root)
	return root, nil
}
