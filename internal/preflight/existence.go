package preflight

import (
	"context"

	"branchguard/internal/target"
)

type ExistenceVerdict struct {
	Exists bool
}

// RefSource answers point-in-time existence queries for refs/heads/<branch>.
type RefSource interface {
	RefExists(ctx context.Context, repository, branch string) (bool, error)
}

type Validator struct {
	remote RefSource
}

func NewValidator(remote RefSource) *Validator {
	return &Validator{remote: remote}
}

// Check queries every target. A target whose query failed has no verdict; the
// failures are returned joined and are never retried.
func (v *Validator) Check(ctx context.Context, targets []target.Target) (map[target.Target]ExistenceVerdict, error) {
	verdicts := newLockedMap[target.Target, ExistenceVerdict](len(targets))
	err := forEach(len(targets), func(i int) error {
		t := targets[i]
		ok, err := v.remote.RefExists(ctx, t.Repository, t.Branch)
		if err != nil {
			return err
		}
		verdicts.set(t, ExistenceVerdict{Exists: ok})
		return nil
	})
	return verdicts.m, err
}
