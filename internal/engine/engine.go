// Package engine runs one governed operation over a target list: pre-flight,
// approval, backup and strictly sequential execution, recording every
// attempted action in the audit report.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"branchguard/internal/approval"
	"branchguard/internal/config"
	"branchguard/internal/errclass"
	"branchguard/internal/mirror"
	"branchguard/internal/output"
	"branchguard/internal/preflight"
	"branchguard/internal/target"
)

// Remote is the read and delete surface of the hosting service.
type Remote interface {
	DefaultBranch(ctx context.Context, repository string) (string, error)
	RefExists(ctx context.Context, repository, branch string) (bool, error)
	DeleteRef(ctx context.Context, repository, branch string) (int, error)
}

// Backups keeps per-repository mirrors and restores branches from them.
type Backups interface {
	EnsureBackup(ctx context.Context, repository string) (mirror.Handle, error)
	Restore(ctx context.Context, repository, branch string) (mirror.Handle, error)
}

// Approver blocks until a run is approved or refused.
type Approver interface {
	Request(ctx context.Context, req approval.Request) (approval.Record, error)
}

type Engine struct {
	remote   Remote
	backups  Backups
	approver Approver
	audit    *output.AuditSink

	logger   *slog.Logger
	stdout   io.Writer
	now      func() time.Time
	newRunID func() string
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithStdout redirects the console and emit sinks.
func WithStdout(w io.Writer) Option {
	return func(e *Engine) {
		if w != nil {
			e.stdout = w
		}
	}
}

// WithAuditSink hands the engine an audit report opened by the caller. The
// next Run takes ownership and closes it.
func WithAuditSink(s *output.AuditSink) Option {
	return func(e *Engine) {
		if s != nil {
			e.audit = s
		}
	}
}

// NewEngine wires the collaborators of a run. approver may be nil for runs
// that never mutate.
func NewEngine(remote Remote, backups Backups, approver Approver, opts ...Option) *Engine {
	e := &Engine{
		remote:   remote,
		backups:  backups,
		approver: approver,
		logger:   slog.New(slog.DiscardHandler),
		stdout:   os.Stdout,
		now:      time.Now,
		newRunID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) setupOutputManager(cfg *config.Config) (*output.Manager, error) {
	outMgr := output.NewManager(e.logger)

	// The audit report comes first so its header exists before anything can fail.
	audit := e.audit
	e.audit = nil
	if audit == nil {
		var err error
		if audit, err = output.NewAuditSink(cfg.Output.Report); err != nil {
			return nil, err
		}
	}
	if err := outMgr.AddRequired(audit); err != nil {
		_ = audit.Close()
		return nil, err
	}

	if !cfg.Output.NoConsole {
		if err := outMgr.AddSink(output.NewConsoleSink(e.stdout, cfg.Output.ConsoleFormat)); err != nil {
			_ = outMgr.Close()
			return nil, err
		}
	}

	for _, emit := range cfg.Output.Emit {
		es, err := output.NewEmitSink(e.stdout, emit)
		if err != nil {
			_ = outMgr.Close()
			return nil, err
		}
		if err := outMgr.AddSink(es); err != nil {
			_ = outMgr.Close()
			return nil, err
		}
	}

	if cfg.Output.Summary != "" {
		ss, err := output.NewSummarySink(cfg.Output.Summary)
		if err != nil {
			_ = outMgr.Close()
			return nil, err
		}
		if err := outMgr.AddSink(ss); err != nil {
			_ = outMgr.Close()
			return nil, err
		}
	}

	return outMgr, nil
}

// Run performs one run over the raw target list and returns the process exit
// code.
func (e *Engine) Run(ctx context.Context, cfg *config.Config, rawTargets string) int {
	runID := e.newRunID()
	logger := e.logger.With("run_id", runID)

	outMgr, err := e.setupOutputManager(cfg)
	if err != nil {
		logger.Error("failed to create output sinks", "error", err)
		return ExitFatal
	}

	r := &run{Engine: e, cfg: cfg, id: runID, out: outMgr, logger: logger}
	err = r.execute(ctx, rawTargets)
	code := ExitCode(err)
	if err != nil {
		logger.Error("run failed", "mode", cfg.Targeting.Mode, "exit_code", code, "error", err)
	} else {
		logger.Info("run finished", "mode", cfg.Targeting.Mode)
	}

	if werr := outMgr.Write(output.FinishedEvent(runID, code, err)); werr != nil {
		logger.Error("failed to record run outcome", "error", werr)
		if code == ExitOK {
			code = ExitFatal
		}
	}
	if cerr := outMgr.Close(); cerr != nil {
		logger.Warn("failed to close output sinks", "error", cerr)
	}
	return code
}

// run is the state of a single invocation.
type run struct {
	*Engine
	cfg    *config.Config
	id     string
	out    *output.Manager
	logger *slog.Logger

	approval *approval.Record
}

func (r *run) execute(ctx context.Context, rawTargets string) error {
	mode := r.cfg.Targeting.Mode
	targets, err := target.Parse(rawTargets)
	r.emit(output.Event{Type: output.EventRunStarted, RunID: r.id, Mode: string(mode), Targets: len(targets)})
	if err != nil {
		return err
	}
	r.logger.Info("run started", "mode", mode, "targets", len(targets))

	switch mode {
	case config.ModeValidate:
		return r.validate(ctx, targets)
	case config.ModeBackup:
		return r.backupOnly(ctx, targets)
	case config.ModeDelete:
		return r.delete(ctx, targets)
	case config.ModeBackout:
		return r.backout(ctx, targets)
	default:
		return errclass.ErrInvalidInput.WithMessagef("unsupported mode %q", mode)
	}
}

func (r *run) validate(ctx context.Context, targets []target.Target) error {
	report, err := r.preflight(ctx, targets, true, true)
	if report == nil {
		return err
	}
	for _, t := range targets {
		if werr := r.record(t, output.ActionValidate, report.Status(t), 0, ""); werr != nil {
			return werr
		}
	}
	return err
}

func (r *run) backupOnly(ctx context.Context, targets []target.Target) error {
	report, err := r.preflight(ctx, targets, false, true)
	if err != nil {
		return r.recordViolations(targets, report, err)
	}
	_, err = r.backupRepositories(ctx, targets)
	return err
}

func (r *run) delete(ctx context.Context, targets []target.Target) error {
	report, err := r.preflight(ctx, targets, true, true)
	if err != nil {
		return r.recordViolations(targets, report, err)
	}

	subModes := []approval.SubMode{approval.SubModeBackupAndDelete}
	if !r.cfg.Policy.RequireBackup {
		subModes = append(subModes, approval.SubModeDirectDelete)
	}
	if err := r.requestApproval(ctx, targets, subModes); err != nil {
		return err
	}

	var handles map[string]mirror.Handle
	if r.approval.SubMode == approval.SubModeBackupAndDelete {
		handles, err = r.backupRepositories(ctx, targets)
		if err != nil {
			return err
		}
	}

	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return halt("delete", err)
		}
		if err := r.deleteOne(ctx, t, handles[t.Repository].LocalPath); err != nil {
			return halt("delete", err)
		}
	}
	return nil
}

func (r *run) deleteOne(ctx context.Context, t target.Target, backupPath string) error {
	s := newStep(t)
	if err := s.advance(StateExecuting); err != nil {
		return err
	}

	code, err := r.remote.DeleteRef(ctx, t.Repository, t.Branch)
	status := deleteOutcome(code)
	next := StateSucceeded
	if err != nil || status != output.StatusDeleted {
		next = StateFailed
	}
	if aerr := s.advance(next); aerr != nil {
		return aerr
	}
	if werr := r.record(t, output.ActionDelete, status, code, backupPath); werr != nil {
		return werr
	}
	r.logger.Info("delete", "target", t.String(), "status", status, "code", code, "state", s.state)

	if s.state == StateFailed {
		return &RemoteRejectionError{Target: t, Code: code, Outcome: status, Err: err}
	}
	return nil
}

// backout restores each target from its mirror. Targets are not checked for
// protection or existence: the branch is expected to be gone, and a restore
// cannot destroy anything.
func (r *run) backout(ctx context.Context, targets []target.Target) error {
	r.emit(output.Event{Type: output.EventPreflightFinished, RunID: r.id, Targets: len(targets)})

	if err := r.requestApproval(ctx, targets, []approval.SubMode{approval.SubModeRestore}); err != nil {
		return err
	}

	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return halt("restore", err)
		}
		if err := r.restoreOne(ctx, t); err != nil {
			return halt("restore", err)
		}
	}
	return nil
}

func (r *run) restoreOne(ctx context.Context, t target.Target) error {
	s := newStep(t)
	if err := s.advance(StateExecuting); err != nil {
		return err
	}

	h, err := r.backups.Restore(ctx, t.Repository, t.Branch)
	status := output.StatusRestored
	var pushErr *mirror.PushError
	switch {
	case err == nil:
	case errors.Is(err, errclass.ErrBackupMissing):
		status = output.StatusBackupMissing
	case errors.As(err, &pushErr):
		status = output.StatusPushRejected
		err = &RemoteRejectionError{Target: t, Outcome: status, Err: err}
	default:
		status = output.StatusRestoreFailed
	}

	next := StateSucceeded
	if err != nil {
		next = StateFailed
	}
	if aerr := s.advance(next); aerr != nil {
		return aerr
	}
	if werr := r.record(t, output.ActionBackout, status, 0, h.LocalPath); werr != nil {
		return werr
	}
	r.logger.Info("restore", "target", t.String(), "status", status, "state", s.state)
	return err
}

// preflight runs the selected passes. A nil report means the passes could not
// run at all; after failed lookups the report marks undecided targets
// UNVERIFIED.
func (r *run) preflight(ctx context.Context, targets []target.Target, protection, existence bool) (*preflight.Report, error) {
	opts := preflight.Options{CheckProtection: protection, CheckExistence: existence}
	if protection {
		opts.Classifier = preflight.NewClassifier(r.remote, r.cfg.Policy.ProtectedNames, r.cfg.Policy.ProtectedPrefixes)
	}
	if existence {
		opts.Validator = preflight.NewValidator(r.remote)
	}

	report, err := preflight.Run(ctx, targets, opts)
	if report == nil {
		return nil, err
	}
	if preflight.LookupFailed(err) {
		r.logger.Error("pre-flight lookups failed", "targets", len(targets), "error", err)
		return report, err
	}

	violations := 0
	for _, t := range targets {
		if !report.Eligible(t) {
			violations++
		}
	}
	r.emit(output.Event{Type: output.EventPreflightFinished, RunID: r.id, Targets: len(targets), Violations: violations})
	r.logger.Info("pre-flight finished", "targets", len(targets), "violations", violations)
	return report, err
}

// recordViolations writes one VALIDATE row per ineligible target and returns
// err unchanged. Failed lookups write nothing: no verdict was reached.
func (r *run) recordViolations(targets []target.Target, report *preflight.Report, err error) error {
	if report == nil || preflight.LookupFailed(err) {
		return err
	}
	for _, t := range targets {
		if report.Eligible(t) {
			continue
		}
		if werr := r.record(t, output.ActionValidate, report.Status(t), 0, ""); werr != nil {
			return errors.Join(err, werr)
		}
	}
	return err
}

func (r *run) requestApproval(ctx context.Context, targets []target.Target, subModes []approval.SubMode) error {
	if r.approver == nil {
		return errclass.ErrApprovalDenied.WithMessage("no approval method configured")
	}
	r.logger.Info("waiting for approval", "targets", len(targets))
	rec, err := r.approver.Request(ctx, approval.Request{
		RunID:    r.id,
		Mode:     r.cfg.Targeting.Mode,
		Targets:  targets,
		SubModes: subModes,
	})
	if err != nil {
		return err
	}
	r.approval = &rec
	r.emit(output.Event{Type: output.EventApprovalGranted, RunID: r.id, Approver: rec.Approver, SubMode: string(rec.SubMode)})
	r.logger.Info("approval granted", "approver", rec.Approver, "sub_mode", rec.SubMode)
	return nil
}

// backupRepositories brings the mirror of every target repository up to date,
// once per repository, and records one BACKUP row per target.
func (r *run) backupRepositories(ctx context.Context, targets []target.Target) (map[string]mirror.Handle, error) {
	handles := map[string]mirror.Handle{}
	for _, repo := range target.Repositories(targets) {
		if err := ctx.Err(); err != nil {
			return handles, halt("backup", err)
		}

		h, err := r.backups.EnsureBackup(ctx, repo)
		status := output.StatusBackedUp
		if err != nil {
			status = output.StatusBackupFailed
		}
		for _, t := range targets {
			if t.Repository != repo {
				continue
			}
			if werr := r.record(t, output.ActionBackup, status, 0, h.LocalPath); werr != nil {
				return handles, halt("backup", werr)
			}
		}
		if err != nil {
			return handles, halt("backup", err)
		}
		r.logger.Info("backup verified", "repository", repo, "path", h.LocalPath)
		handles[repo] = h
	}
	return handles, nil
}

func (r *run) record(t target.Target, action, status string, code int, backupPath string) error {
	rec := output.AuditRecord{
		Timestamp:        r.now().UTC(),
		RunID:            r.id,
		Repository:       t.Repository,
		Branch:           t.Branch,
		Action:           action,
		Status:           status,
		RemoteStatusCode: code,
		BackupPath:       backupPath,
	}
	if r.approval != nil {
		rec.Approver = r.approval.Approver
	}
	if err := r.out.Write(rec); err != nil {
		return fmt.Errorf("audit %s %s: %w", action, t, err)
	}
	return nil
}

func (r *run) emit(ev output.Event) {
	if err := r.out.Write(ev); err != nil {
		r.logger.Warn("failed to write event", "type", ev.Type, "error", err)
	}
}
