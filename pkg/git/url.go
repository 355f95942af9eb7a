package git

import (
	"fmt"
	"strings"

	"github.com/whilp/git-urls"
)

const defaultHost = "github.com"

// Repository identifies a hosted git repository by owner and name.
type Repository struct {
	Host  string
	Owner string
	Name  string
}

// ParseRepository accepts either the short `owner/name` form, or any
// URL form git understands (https, ssh, scp-like), e.g.,
// git@github.com:fluxcd/flux.git. Any credentials in the URL are
// discarded.
func ParseRepository(s string) (Repository, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Repository{}, fmt.Errorf("empty repository")
	}

	host, path := defaultHost, s
	if strings.Contains(s, "://") || strings.Contains(s, "@") {
		u, err := giturls.Parse(s)
		if err != nil {
			return Repository{}, fmt.Errorf("unparseable repository URL %q: %s", s, err)
		}
		host, path = u.Hostname(), u.Path
	}

	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Repository{}, fmt.Errorf("repository %q is not of the form owner/name", s)
	}
	if host == "" {
		return Repository{}, fmt.Errorf("repository URL %q has no host", s)
	}
	return Repository{Host: host, Owner: parts[0], Name: parts[1]}, nil
}

// FullName is `owner/name`.
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// String never includes credentials, so is safe to log.
func (r Repository) String() string {
	return r.Host + "/" + r.FullName()
}

// ContextURL is the git build context for a particular revision, as
// understood by kaniko.
func (r Repository) ContextURL(revision string) string {
	return fmt.Sprintf("git://%s/%s.git#%s", r.Host, r.FullName(), revision)
}
