package target

import (
	"fmt"
	"strings"

	"branchguard/internal/errclass"
)

// Target identifies one branch on one repository. Two targets are the same
// operation when Repository and Branch are equal.
type Target struct {
	Repository string `json:"repo"`
	Branch     string `json:"branch"`
}

func (t Target) String() string {
	return t.Repository + ":" + t.Branch
}

// Parse turns free text of repository:branch (or repository|branch) pairs,
// one per line, into an ordered list of unique targets.
//
// The split happens at the last separator so repository identifiers such as
// git@github.com:acme/app keep their own colons. Blank lines and lines
// starting with '#' are ignored. Duplicates collapse onto their first
// occurrence.
func Parse(raw string) ([]Target, error) {
	var (
		out     []Target
		seen    = make(map[Target]struct{})
		invalid []string
	)

	for i, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.ReplaceAll(line, "|", ":")

		idx := strings.LastIndex(line, ":")
		if idx < 0 {
			invalid = append(invalid, fmt.Sprintf("line %d: missing ':' separator in %q", i+1, line))
			continue
		}
		t := Target{
			Repository: strings.TrimSpace(line[:idx]),
			Branch:     strings.TrimSpace(line[idx+1:]),
		}
		if t.Repository == "" || t.Branch == "" {
			invalid = append(invalid, fmt.Sprintf("line %d: empty repository or branch in %q", i+1, line))
			continue
		}

		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}

	if len(invalid) > 0 {
		return nil, errclass.ErrInvalidInput.WithMessage(strings.Join(invalid, "; "))
	}
	if len(out) == 0 {
		return nil, errclass.ErrInvalidInput.WithMessage("no repository:branch targets provided")
	}
	return out, nil
}

// Repositories returns the distinct repositories of targets in first-seen order.
func Repositories(targets []Target) []string {
	seen := make(map[string]struct{}, len(targets))
	var out []string
	for _, t := range targets {
		if _, ok := seen[t.Repository]; ok {
			continue
		}
		seen[t.Repository] = struct{}{}
		out = append(out, t.Repository)
	}
	return out
}

// Join renders targets as a comma-separated repo:branch list.
func Join(targets []Target) string {
	parts := make([]string, 0, len(targets))
	for _, t := range targets {
		parts = append(parts, t.String())
	}
	return strings.Join(parts, ", ")
}
