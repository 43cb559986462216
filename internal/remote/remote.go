// Package remote is the run-scoped adapter over the GitHub REST API used by
// pre-flight and execution: default-branch lookup, ref existence and ref
// deletion. Nothing here retries; the budget may only delay a request.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"branchguard/internal/errclass"
	gh "branchguard/internal/github"
)

// UnavailableError reports a remote answer that is neither a clear yes nor a
// clear no. It matches errclass.ErrRemoteUnavailable.
type UnavailableError struct {
	Op         string
	Repository string
	Branch     string
	Status     int
	Err        error
}

func (e *UnavailableError) Error() string {
	subject := e.Repository
	if e.Branch != "" {
		subject += ":" + e.Branch
	}
	return fmt.Sprintf("%s: %s %s: %s", errclass.ErrRemoteUnavailable.Code, e.Op, subject, gh.DescribeError(e.Err, false))
}

func (e *UnavailableError) Unwrap() []error {
	return []error{errclass.ErrRemoteUnavailable, e.Err}
}

type Client struct {
	client   *gh.Client
	resolver *gh.Resolver
	budget   *Budget

	// default branches are stable for the run; refs are not cached.
	defaults sync.Map
	group    singleflight.Group
}

func New(client *gh.Client, resolver *gh.Resolver, budget *Budget) *Client {
	if budget == nil {
		budget = NewBudget()
	}
	return &Client{client: client, resolver: resolver, budget: budget}
}

func (c *Client) Budget() *Budget {
	return c.budget
}

func (c *Client) resolve(repository string) (gh.Repository, error) {
	if c == nil || c.client == nil || c.client.Client == nil {
		return gh.Repository{}, fmt.Errorf("remote: nil GitHub client (use remote.New)")
	}
	if c.resolver == nil {
		return gh.Repository{}, fmt.Errorf("remote: nil repository resolver (use remote.New)")
	}
	return c.resolver.Resolve(repository)
}

// DefaultBranch returns the repository's default branch. Results are cached
// for the life of the Client and concurrent lookups share one request. Any
// failure, including a 404 on the repository, is an UnavailableError: without
// the default branch protection cannot be decided.
func (c *Client) DefaultBranch(ctx context.Context, repository string) (string, error) {
	repo, err := c.resolve(repository)
	if err != nil {
		return "", err
	}
	key := strings.ToLower(repo.FullName())

	if v, ok := c.defaults.Load(key); ok {
		return v.(string), nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if err := c.budget.Acquire(ctx); err != nil {
			return nil, err
		}
		r, resp, err := c.client.Client.Repositories.Get(ctx, repo.Owner, repo.Name)
		if resp != nil {
			c.budget.UpdateFromResponse(resp.Response)
		}
		if err != nil {
			return nil, &UnavailableError{Op: "get default branch", Repository: repository, Status: gh.StatusCode(err), Err: err}
		}
		branch := r.GetDefaultBranch()
		if branch == "" {
			return nil, &UnavailableError{Op: "get default branch", Repository: repository, Status: resp.StatusCode, Err: errors.New("repository has no default branch")}
		}
		c.defaults.Store(key, branch)
		return branch, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// RefExists reports whether refs/heads/<branch> exists. 404 is a definitive
// "missing"; any other failure is an UnavailableError.
func (c *Client) RefExists(ctx context.Context, repository, branch string) (bool, error) {
	repo, err := c.resolve(repository)
	if err != nil {
		return false, err
	}
	if err := c.budget.Acquire(ctx); err != nil {
		return false, err
	}

	_, resp, err := c.client.Client.Git.GetRef(ctx, repo.Owner, repo.Name, "heads/"+branch)
	if resp != nil {
		c.budget.UpdateFromResponse(resp.Response)
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, &UnavailableError{Op: "get ref", Repository: repository, Branch: branch, Status: gh.StatusCode(err), Err: err}
	}
	return true, nil
}

// DeleteRef deletes refs/heads/<branch> and returns the HTTP status observed.
// Only 204 is success; every other outcome comes back with a non-nil error and
// a status of 0 when no response was received.
func (c *Client) DeleteRef(ctx context.Context, repository, branch string) (int, error) {
	repo, err := c.resolve(repository)
	if err != nil {
		return 0, err
	}
	if err := c.budget.Acquire(ctx); err != nil {
		return 0, err
	}

	resp, err := c.client.Client.Git.DeleteRef(ctx, repo.Owner, repo.Name, "heads/"+branch)
	status := 0
	if resp != nil {
		c.budget.UpdateFromResponse(resp.Response)
		status = resp.StatusCode
	}
	if err != nil {
		return status, err
	}
	if status != http.StatusNoContent {
		return status, fmt.Errorf("delete ref %s:%s: unexpected status %d", repository, branch, status)
	}
	return status, nil
}
