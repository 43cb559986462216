// Package preflight decides, before anything is mutated, whether each target
// is protected and whether it exists. Both passes always run over every
// target so a single report carries all violations.
package preflight

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"branchguard/internal/target"
)

// lookupLimit keeps remote lookups one at a time; a run has a single
// logical thread of control.
const lookupLimit = 1

type Options struct {
	Classifier *Classifier
	Validator  *Validator

	// CheckProtection and CheckExistence select the passes to run.
	CheckProtection bool
	CheckExistence  bool
}

// Report holds every verdict computed for a run.
type Report struct {
	Targets    []target.Target
	Protection map[target.Target]ProtectionVerdict
	Existence  map[target.Target]ExistenceVerdict

	checkProtection bool
	checkExistence  bool
}

// Status is the VALIDATE audit status of t: PROTECTED_<REASON>, UNVERIFIED,
// MISSING or VALID. Protection wins over absence. A target lacking the
// verdict of a requested pass is UNVERIFIED, never VALID.
func (r *Report) Status(t target.Target) string {
	pv, decided := r.Protection[t]
	if decided && pv.Protected {
		return "PROTECTED_" + string(pv.Reason)
	}
	if r.checkProtection && !decided {
		return "UNVERIFIED"
	}
	ev, checked := r.Existence[t]
	if checked && !ev.Exists {
		return "MISSING"
	}
	if r.checkExistence && !checked {
		return "UNVERIFIED"
	}
	return "VALID"
}

// Eligible reports whether t may be mutated: it exists (when checked) and is
// not protected (when checked).
func (r *Report) Eligible(t target.Target) bool {
	return r.Status(t) == "VALID"
}

// Run executes the selected passes to completion. Lookup failures take
// precedence and are returned joined, with the report still describing every
// target (undecided ones as UNVERIFIED); otherwise violations are returned as
// errors.Join(*ProtectedBranchError, *MissingBranchError).
func Run(ctx context.Context, targets []target.Target, opts Options) (*Report, error) {
	report := &Report{
		Targets:    targets,
		Protection: map[target.Target]ProtectionVerdict{},
		Existence:  map[target.Target]ExistenceVerdict{},

		checkProtection: opts.CheckProtection,
		checkExistence:  opts.CheckExistence,
	}

	var remoteErrs []error
	if opts.CheckProtection {
		if opts.Classifier == nil {
			return nil, errors.New("preflight: protection check requested without a classifier")
		}
		verdicts, err := opts.Classifier.Classify(ctx, targets)
		report.Protection = verdicts
		if err != nil {
			remoteErrs = append(remoteErrs, err)
		}
	}
	if opts.CheckExistence {
		if opts.Validator == nil {
			return nil, errors.New("preflight: existence check requested without a validator")
		}
		verdicts, err := opts.Validator.Check(ctx, targets)
		report.Existence = verdicts
		if err != nil {
			remoteErrs = append(remoteErrs, err)
		}
	}
	if len(remoteErrs) > 0 {
		return report, errors.Join(remoteErrs...)
	}

	var protected []Violation
	var missing []target.Target
	for _, t := range targets {
		if v, ok := report.Protection[t]; ok && v.Protected {
			protected = append(protected, Violation{Target: t, Reason: v.Reason})
		}
		if v, ok := report.Existence[t]; ok && !v.Exists {
			missing = append(missing, t)
		}
	}

	var errs []error
	if len(protected) > 0 {
		errs = append(errs, &ProtectedBranchError{Violations: protected})
	}
	if len(missing) > 0 {
		errs = append(errs, &MissingBranchError{Targets: missing})
	}
	return report, errors.Join(errs...)
}

// LookupFailed reports whether err from Run stems from failed lookups rather
// than from violations.
func LookupFailed(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProtectedBranchError
	var me *MissingBranchError
	return !errors.As(err, &pe) && !errors.As(err, &me)
}

// forEach runs fn over n items, at most lookupLimit at a time, and returns
// every error in item order.
func forEach(n int, fn func(i int) error) error {
	errs := make([]error, n)
	var g errgroup.Group
	g.SetLimit(lookupLimit)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			errs[i] = fn(i)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// lockedMap is a mutex-guarded map filled by concurrent lookups.
type lockedMap[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]V
}

func newLockedMap[K comparable, V any](size int) *lockedMap[K, V] {
	return &lockedMap[K, V]{m: make(map[K]V, size)}
}

func (l *lockedMap[K, V]) set(k K, v V) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.m[k] = v
}
