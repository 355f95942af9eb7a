package cluster

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"k8s.io/client-go/rest"
)

func TestEnsureCAFallsBack(t *testing.T) {
	dir := t.TempDir()
	ca := filepath.Join(dir, "ca.crt")
	assert.NoError(t, os.WriteFile(ca, []byte("not really a cert"), 0600))

	cfg := &rest.Config{}
	cfg.CAFile = filepath.Join(dir, "missing.crt")
	ensureCA(cfg, []string{filepath.Join(dir, "also-missing.crt"), ca}, log.NewNopLogger())
	assert.Equal(t, ca, cfg.CAFile)
}

func TestEnsureCAKeepsReadableFile(t *testing.T) {
	dir := t.TempDir()
	ca := filepath.Join(dir, "ca.crt")
	assert.NoError(t, os.WriteFile(ca, []byte("x"), 0600))

	cfg := &rest.Config{}
	cfg.CAFile = ca
	ensureCA(cfg, []string{"/nonexistent"}, log.NewNopLogger())
	assert.Equal(t, ca, cfg.CAFile)
}

func TestEnsureCANothingFound(t *testing.T) {
	cfg := &rest.Config{}
	ensureCA(cfg, []string{"/nonexistent/ca.crt"}, log.NewNopLogger())
	assert.Empty(t, cfg.CAFile)
}

func TestRESTConfigFromKubeconfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config")
	assert.NoError(t, os.WriteFile(path, []byte(`apiVersion: v1
kind: Config
clusters:
- name: test
  cluster:
    server: https://k8s.example.com:6443
contexts:
- name: test
  context:
    cluster: test
    user: test
current-context: test
users:
- name: test
  user:
    token: abc
`), 0600))

	cfg, err := RESTConfig(path, "", log.NewNopLogger())
	assert.NoError(t, err)
	assert.Equal(t, "https://k8s.example.com:6443", cfg.Host)
}
