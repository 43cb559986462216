package preflight

import (
	"context"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"branchguard/internal/target"
)

type Reason string

const (
	ReasonExactName     Reason = "EXACT_NAME"
	ReasonPrefixMatch   Reason = "PREFIX_MATCH"
	ReasonDefaultBranch Reason = "DEFAULT_BRANCH"
	ReasonNone          Reason = "NONE"
)

type ProtectionVerdict struct {
	Protected bool
	Reason    Reason
}

// DefaultBranchSource looks up a repository's default branch.
type DefaultBranchSource interface {
	DefaultBranch(ctx context.Context, repository string) (string, error)
}

// foldName is the comparison key of a branch name: NFC-normalized and
// Unicode case-folded, so visually identical spellings of a protected name
// still match. It is never sent to the remote.
func foldName(s string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
}

// Classifier applies the protection rules. The name and prefix sets are fixed
// at construction and compared case-folded.
type Classifier struct {
	remote   DefaultBranchSource
	names    map[string]struct{}
	prefixes []string
}

func NewClassifier(remote DefaultBranchSource, names, prefixes []string) *Classifier {
	c := &Classifier{remote: remote, names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		if n = foldName(n); n != "" {
			c.names[n] = struct{}{}
		}
	}
	for _, p := range prefixes {
		if p = foldName(p); p != "" {
			c.prefixes = append(c.prefixes, p)
		}
	}
	return c
}

// Verdict classifies one branch against a known default branch.
func (c *Classifier) Verdict(branch, defaultBranch string) ProtectionVerdict {
	if defaultBranch != "" && branch == defaultBranch {
		return ProtectionVerdict{Protected: true, Reason: ReasonDefaultBranch}
	}
	key := foldName(branch)
	if _, ok := c.names[key]; ok {
		return ProtectionVerdict{Protected: true, Reason: ReasonExactName}
	}
	for _, p := range c.prefixes {
		if strings.HasPrefix(key, p) {
			return ProtectionVerdict{Protected: true, Reason: ReasonPrefixMatch}
		}
	}
	return ProtectionVerdict{Protected: false, Reason: ReasonNone}
}

// Classify looks up the default branch of every distinct repository, then
// classifies every target. A target of a repository whose lookup failed gets
// a verdict only when the static rules already protect it; the lookup errors
// are returned joined and callers must treat any error as fatal.
func (c *Classifier) Classify(ctx context.Context, targets []target.Target) (map[target.Target]ProtectionVerdict, error) {
	repos := target.Repositories(targets)
	defaults := newLockedMap[string, string](len(repos))

	err := forEach(len(repos), func(i int) error {
		branch, err := c.remote.DefaultBranch(ctx, repos[i])
		if err != nil {
			return err
		}
		defaults.set(repos[i], branch)
		return nil
	})

	out := make(map[target.Target]ProtectionVerdict, len(targets))
	for _, t := range targets {
		def, known := defaults.m[t.Repository]
		v := c.Verdict(t.Branch, def)
		if !known && !v.Protected {
			// Undecided: it may still be the default branch.
			continue
		}
		out[t] = v
	}
	return out, err
}
