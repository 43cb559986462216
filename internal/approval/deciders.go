package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-github/v81/github"

	gh "branchguard/internal/github"
)

// StaticDecider approves on behalf of an identity collected upstream, e.g. by
// the scheduler that launched the run.
type StaticDecider struct {
	Identity string
	SubMode  SubMode
}

func (s StaticDecider) Decide(_ context.Context, _ Request) (Decision, error) {
	return Decision{Approver: s.Identity, Approved: true, SubMode: s.SubMode}, nil
}

// TokenDecider approves as the GitHub user owning a separate approver token.
type TokenDecider struct {
	Client  *github.Client
	SubMode SubMode
}

func (d TokenDecider) Decide(ctx context.Context, _ Request) (Decision, error) {
	if d.Client == nil {
		return Decision{}, errors.New("token approval: no approver client")
	}
	u, _, err := d.Client.Users.Get(ctx, "")
	if err != nil {
		return Decision{}, fmt.Errorf("token approval: resolve approver: %s", gh.DescribeError(err, false))
	}
	login := strings.TrimSpace(u.GetLogin())
	if login == "" {
		return Decision{}, errors.New("token approval: approver token has no login")
	}
	return Decision{Approver: login, Approved: true, SubMode: d.SubMode}, nil
}
