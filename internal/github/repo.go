package github

import (
	"fmt"
	"net/url"
	"strings"

	"branchguard/internal/errclass"
)

// Repository is a resolved owner/name pair. Host is set only when the raw
// identifier carried one.
type Repository struct {
	Host  string
	Owner string
	Name  string
}

// FullName returns owner/name.
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// ParseRepository accepts the repository forms found in target lists:
//
//	name                              (owner from defaultOwner)
//	owner/name
//	https://host/owner/name(.git)
//	git@host:owner/name(.git)
//	ssh://git@host/owner/name(.git)
func ParseRepository(raw, defaultOwner string) (Repository, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Repository{}, errclass.ErrInvalidInput.WithMessage("empty repository identifier")
	}

	var host, path string
	switch {
	case strings.HasPrefix(s, "https://"), strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "ssh://"):
		u, err := url.Parse(s)
		if err != nil {
			return Repository{}, errclass.ErrInvalidInput.WithMessagef("invalid repository URL %q: %v", s, err)
		}
		host = u.Hostname()
		path = u.Path
	case strings.HasPrefix(s, "git@"):
		rest := strings.TrimPrefix(s, "git@")
		i := strings.Index(rest, ":")
		if i <= 0 {
			return Repository{}, errclass.ErrInvalidInput.WithMessagef("invalid scp-style repository %q", s)
		}
		host = rest[:i]
		path = rest[i+1:]
	default:
		path = s
	}

	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	parts := strings.Split(path, "/")
	switch len(parts) {
	case 1:
		if host != "" {
			return Repository{}, errclass.ErrInvalidInput.WithMessagef("repository %q is missing an owner", s)
		}
		owner := strings.TrimSpace(defaultOwner)
		if owner == "" {
			return Repository{}, errclass.ErrInvalidInput.WithMessagef("repository %q has no owner (use owner/name or --owner)", s)
		}
		parts = []string{owner, parts[0]}
	case 2:
	default:
		return Repository{}, errclass.ErrInvalidInput.WithMessagef("repository %q must be owner/name", s)
	}

	r := Repository{Host: strings.ToLower(host), Owner: parts[0], Name: parts[1]}
	if !validSegment(r.Owner) || !validSegment(r.Name) {
		return Repository{}, errclass.ErrInvalidInput.WithMessagef("repository %q contains an invalid owner or name", s)
	}
	return r, nil
}

func validSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

// Resolver maps raw repository identifiers onto one GitHub host.
type Resolver struct {
	// Owner applies to bare repository names.
	Owner string
	// GitURL is the base URL for git transport, e.g. https://github.com.
	GitURL string
}

// NewResolver returns a Resolver for gitURL (https://github.com when empty).
func NewResolver(owner, gitURL string) *Resolver {
	gitURL = strings.TrimRight(strings.TrimSpace(gitURL), "/")
	if gitURL == "" {
		gitURL = "https://" + DefaultHost
	}
	return &Resolver{Owner: strings.TrimSpace(owner), GitURL: gitURL}
}

// Host returns the host name of GitURL.
func (r *Resolver) Host() string {
	u, err := url.Parse(r.GitURL)
	if err != nil || u.Hostname() == "" {
		return DefaultHost
	}
	return strings.ToLower(u.Hostname())
}

// Resolve parses raw and rejects identifiers that name a different host, so a
// target can never act on a server other than the configured one.
func (r *Resolver) Resolve(raw string) (Repository, error) {
	repo, err := ParseRepository(raw, r.Owner)
	if err != nil {
		return Repository{}, err
	}
	if repo.Host != "" && repo.Host != r.Host() {
		return Repository{}, errclass.ErrInvalidInput.WithMessagef("repository %q is on host %s, expected %s", raw, repo.Host, r.Host())
	}
	repo.Host = r.Host()
	return repo, nil
}

// Locate returns the canonical key (owner/name) and the https clone URL for raw.
func (r *Resolver) Locate(raw string) (key, cloneURL string, err error) {
	repo, err := r.Resolve(raw)
	if err != nil {
		return "", "", err
	}
	return repo.FullName(), fmt.Sprintf("%s/%s.git", r.GitURL, repo.FullName()), nil
}
