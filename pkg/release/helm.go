package release

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	runnererr "github.com/fluxcd/cirunner/pkg/errors"
)

type HelmOptions struct {
	// Binary is the helm executable; a bare name is looked up in
	// $PATH.
	Binary string
	// Timeout is passed to helm as --timeout, if positive.
	Timeout time.Duration
}

// Helm is a Manager that drives the helm command line client.
type Helm struct {
	opts   HelmOptions
	logger log.Logger
}

var _ Manager = &Helm{}

func NewHelm(opts HelmOptions, logger log.Logger) *Helm {
	if opts.Binary == "" {
		opts.Binary = "helm"
	}
	return &Helm{opts: opts, logger: logger}
}

func (h *Helm) args(u Upgrade) []string {
	args := []string{
		"upgrade", "--install", u.Release, u.ChartPath,
		"--namespace", u.Namespace,
		"--create-namespace",
		"--atomic",
	}
	if h.opts.Timeout > 0 {
		args = append(args, "--timeout", h.opts.Timeout.String())
	}
	return append(args,
		"--set", "image.repository="+u.Image,
		"--set", "image.tag="+u.Tag,
	)
}

func (h *Helm) Upgrade(ctx context.Context, u Upgrade) error {
	args := h.args(u)
	h.logger.Log("info", "upgrading release", "release", u.Release, "namespace", u.Namespace, "tag", u.Tag)

	out, err := h.exec(ctx, args)
	if err != nil {
		h.logger.Log("err", err)
		if ctx.Err() == context.Canceled {
			return runnererr.Fatal(runnererr.KindDeploy, errors.Wrap(ctx.Err(), "helm upgrade interrupted"))
		}
		return runnererr.Transient(runnererr.KindDeploy, err)
	}
	h.logger.Log("debug", "helm output", "output", out)
	return nil
}

func (h *Helm) exec(ctx context.Context, args []string) (string, error) {
	c := exec.CommandContext(ctx, h.opts.Binary, args...)
	stdOutAndStdErr := &threadSafeBuffer{}
	c.Stdout = stdOutAndStdErr
	c.Stderr = stdOutAndStdErr

	err := c.Run()
	if ctx.Err() == context.DeadlineExceeded {
		err = errors.Wrap(ctx.Err(), "running helm")
	}
	if err != nil {
		return "", &HelmError{Args: args, Output: stdOutAndStdErr.String(), Err: err}
	}
	return strings.TrimSpace(stdOutAndStdErr.String()), nil
}

type threadSafeBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *threadSafeBuffer) Write(p []byte) (n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *threadSafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
