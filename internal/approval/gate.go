// Package approval blocks a mutating run until an identity from the approver
// allow-list grants it. Every failure path maps to
// errclass.ErrApprovalDenied and leaves the remote untouched.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"branchguard/internal/config"
	"branchguard/internal/errclass"
	"branchguard/internal/target"
)

type SubMode string

const (
	SubModeBackupAndDelete SubMode = "backup-and-delete"
	SubModeDirectDelete    SubMode = "direct-delete"
	SubModeRestore         SubMode = "restore"
)

// Request is what the approver is asked to decide on.
type Request struct {
	RunID   string
	Mode    config.Mode
	Targets []target.Target
	// SubModes are the selectable sub-modes; the first is the default.
	SubModes []SubMode
}

// Decision is a decider's raw answer, before the allow-list is applied.
type Decision struct {
	Approver string
	Approved bool
	SubMode  SubMode
}

// Decider collects one decision. Implementations may block; the Gate bounds
// the wait with the request context.
type Decider interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// Record is the immutable proof of approval handed to the engine.
type Record struct {
	Approver  string
	Mode      config.Mode
	SubMode   SubMode
	Timestamp time.Time
	Targets   []target.Target
}

type Gate struct {
	approvers map[string]string
	decider   Decider
	now       func() time.Time
}

// NewGate builds a gate for the given allow-list. Identities compare
// case-insensitively.
func NewGate(approvers []string, decider Decider) *Gate {
	g := &Gate{approvers: make(map[string]string, len(approvers)), decider: decider, now: time.Now}
	for _, a := range approvers {
		a = strings.TrimPrefix(strings.TrimSpace(a), "@")
		if a == "" {
			continue
		}
		if _, ok := g.approvers[identityKey(a)]; !ok {
			g.approvers[identityKey(a)] = a
		}
	}
	return g
}

func identityKey(s string) string {
	return cases.Fold().String(s)
}

type decideResult struct {
	decision Decision
	err      error
}

// Request blocks until the decider answers or ctx is done. It is never cached:
// each call asks again.
func (g *Gate) Request(ctx context.Context, req Request) (Record, error) {
	if !req.Mode.Mutating() {
		return Record{}, fmt.Errorf("approval: mode %s does not require approval", req.Mode)
	}
	if len(req.SubModes) == 0 {
		return Record{}, errors.New("approval: no selectable sub-mode")
	}
	if len(g.approvers) == 0 {
		return Record{}, errclass.ErrApprovalDenied.WithMessage("no approvers configured")
	}
	if g.decider == nil {
		return Record{}, errclass.ErrApprovalDenied.WithMessage("no approval method configured")
	}

	ch := make(chan decideResult, 1)
	go func() {
		d, err := g.decider.Decide(ctx, req)
		ch <- decideResult{decision: d, err: err}
	}()

	var res decideResult
	select {
	case <-ctx.Done():
		return Record{}, fmt.Errorf("%w: approval wait ended: %w", errclass.ErrApprovalDenied, ctx.Err())
	case res = <-ch:
	}

	if res.err != nil {
		return Record{}, fmt.Errorf("%w: %w", errclass.ErrApprovalDenied, res.err)
	}
	d := res.decision
	identity := strings.TrimPrefix(strings.TrimSpace(d.Approver), "@")
	if identity == "" {
		return Record{}, errclass.ErrApprovalDenied.WithMessage("no approver identity supplied")
	}
	canonical, ok := g.approvers[identityKey(identity)]
	if !ok {
		return Record{}, errclass.ErrApprovalDenied.WithMessagef("%s is not in the approver set", identity)
	}
	if !d.Approved {
		return Record{}, errclass.ErrApprovalDenied.WithMessagef("rejected by %s", canonical)
	}

	sub := d.SubMode
	if sub == "" {
		sub = req.SubModes[0]
	}
	if !containsSubMode(req.SubModes, sub) {
		return Record{}, errclass.ErrApprovalDenied.WithMessagef("sub-mode %s is not allowed for %s (allowed: %s)", sub, req.Mode, joinSubModes(req.SubModes))
	}

	return Record{
		Approver:  canonical,
		Mode:      req.Mode,
		SubMode:   sub,
		Timestamp: g.now().UTC(),
		Targets:   append([]target.Target(nil), req.Targets...),
	}, nil
}

func containsSubMode(list []SubMode, s SubMode) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func joinSubModes(list []SubMode) string {
	parts := make([]string, 0, len(list))
	for _, s := range list {
		parts = append(parts, string(s))
	}
	return strings.Join(parts, ", ")
}
