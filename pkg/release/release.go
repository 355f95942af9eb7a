package release

import (
	"context"
	"strings"
)

// Upgrade describes installing or upgrading a release so that it
// runs a particular image.
type Upgrade struct {
	Release   string
	ChartPath string
	Namespace string
	Image     string
	Tag       string
}

// Manager installs or upgrades releases.
type Manager interface {
	Upgrade(ctx context.Context, u Upgrade) error
}

// HelmError is returned when helm exits unsuccessfully. Output is
// everything it wrote to stdout and stderr.
type HelmError struct {
	Args   []string
	Output string
	Err    error
}

func (e *HelmError) Error() string {
	msg := "helm " + strings.Join(e.Args, " ") + ": " + e.Err.Error()
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ", output:\n" + out
	}
	return msg
}

func (e *HelmError) Unwrap() error {
	return e.Err
}
