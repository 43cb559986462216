package engine

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchguard/internal/approval"
	"branchguard/internal/config"
	"branchguard/internal/errclass"
	"branchguard/internal/mirror"
	"branchguard/internal/output"
	"branchguard/internal/target"
)

// journal records every collaborator call in order. Pre-flight lookups run
// concurrently.
type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, fmt.Sprintf(format, args...))
}

func (j *journal) index(prefix string) int {
	for i, c := range j.calls {
		if strings.HasPrefix(c, prefix) {
			return i
		}
	}
	return -1
}

func (j *journal) count(prefix string) int {
	n := 0
	for _, c := range j.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type fakeRemote struct {
	j           *journal
	defaults    map[string]string
	refs        map[string]bool
	deleteCodes map[string]int
	unavailable bool
	defaultErr  error
	refErr      error
}

func (f *fakeRemote) DefaultBranch(_ context.Context, repo string) (string, error) {
	f.j.add("default %s", repo)
	if f.unavailable {
		return "", fmt.Errorf("%w: connection refused", errclass.ErrRemoteUnavailable)
	}
	if f.defaultErr != nil {
		return "", f.defaultErr
	}
	if d, ok := f.defaults[repo]; ok {
		return d, nil
	}
	return "main", nil
}

func (f *fakeRemote) RefExists(_ context.Context, repo, branch string) (bool, error) {
	f.j.add("exists %s:%s", repo, branch)
	if f.unavailable {
		return false, fmt.Errorf("%w: connection refused", errclass.ErrRemoteUnavailable)
	}
	if f.refErr != nil {
		return false, f.refErr
	}
	return f.refs[repo+":"+branch], nil
}

func (f *fakeRemote) DeleteRef(_ context.Context, repo, branch string) (int, error) {
	f.j.add("delete %s:%s", repo, branch)
	code, ok := f.deleteCodes[repo+":"+branch]
	if !ok {
		code = 204
	}
	if code != 204 {
		return code, fmt.Errorf("HTTP %d", code)
	}
	return code, nil
}

type fakeBackups struct {
	j         *journal
	root      string
	ensureErr map[string]error
	restore   map[string]error
}

func (f *fakeBackups) EnsureBackup(_ context.Context, repo string) (mirror.Handle, error) {
	f.j.add("backup %s", repo)
	if err := f.ensureErr[repo]; err != nil {
		return mirror.Handle{}, err
	}
	return mirror.Handle{Repository: repo, LocalPath: filepath.Join(f.root, repo+".git")}, nil
}

func (f *fakeBackups) Restore(_ context.Context, repo, branch string) (mirror.Handle, error) {
	f.j.add("restore %s:%s", repo, branch)
	if err, ok := f.restore[repo+":"+branch]; ok && err != nil {
		if errors.Is(err, errclass.ErrBackupMissing) {
			return mirror.Handle{}, err
		}
		return mirror.Handle{Repository: repo, LocalPath: filepath.Join(f.root, repo+".git")}, err
	}
	return mirror.Handle{Repository: repo, LocalPath: filepath.Join(f.root, repo+".git")}, nil
}

type fakeApprover struct {
	j       *journal
	subMode approval.SubMode
	err     error
	got     approval.Request
}

func (f *fakeApprover) Request(_ context.Context, req approval.Request) (approval.Record, error) {
	f.j.add("approve %s", req.Mode)
	f.got = req
	if f.err != nil {
		return approval.Record{}, f.err
	}
	sub := f.subMode
	if sub == "" {
		sub = req.SubModes[0]
	}
	return approval.Record{Approver: "alice", Mode: req.Mode, SubMode: sub, Targets: req.Targets}, nil
}

type harness struct {
	j        *journal
	remote   *fakeRemote
	backups  *fakeBackups
	approver *fakeApprover
	cfg      *config.Config
	stdout   bytes.Buffer
}

func newHarness(t *testing.T, mode config.Mode) *harness {
	t.Helper()
	j := &journal{}
	dir := t.TempDir()
	cfg := config.New()
	cfg.Targeting.Mode = mode
	cfg.Output.Report = filepath.Join(dir, "audit.csv")
	cfg.Output.NoConsole = true
	return &harness{
		j:        j,
		remote:   &fakeRemote{j: j, refs: map[string]bool{}},
		backups:  &fakeBackups{j: j, root: filepath.Join(dir, "mirrors")},
		approver: &fakeApprover{j: j},
		cfg:      cfg,
	}
}

func (h *harness) run(t *testing.T, raw string) int {
	t.Helper()
	eng := NewEngine(h.remote, h.backups, h.approver, WithStdout(&h.stdout))
	eng.newRunID = func() string { return "run-1" }
	return eng.Run(context.Background(), h.cfg, raw)
}

// rows returns the audit data rows as Action,Status pairs.
func (h *harness) rows(t *testing.T) [][]string {
	t.Helper()
	f, err := os.Open(h.cfg.Output.Report)
	require.NoError(t, err)
	defer f.Close()
	all, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, all)
	require.Equal(t, output.AuditHeader, all[0])
	return all[1:]
}

func actionStatus(rows [][]string) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r[3]+":"+r[4]+" "+r[5]+","+r[6])
	}
	return out
}

func TestRun_CleanDelete(t *testing.T) {
	h := newHarness(t, config.ModeDelete)
	h.remote.refs["myapp:feature/x"] = true

	code := h.run(t, "myapp:feature/x\n")
	assert.Equal(t, ExitOK, code)

	rows := h.rows(t)
	assert.Equal(t, []string{
		"myapp:feature/x BACKUP,BACKED_UP",
		"myapp:feature/x DELETE,DELETED",
	}, actionStatus(rows))
	assert.Equal(t, "alice", rows[1][2])
	assert.Equal(t, "204", rows[1][7])
	assert.Equal(t, filepath.Join(h.backups.root, "myapp.git"), rows[1][8])
	assert.Equal(t, "run-1", rows[1][1])

	approve := h.j.index("approve")
	assert.Less(t, approve, h.j.index("backup"), "backup must follow approval")
	assert.Less(t, h.j.index("backup"), h.j.index("delete"), "backup must precede delete")
	assert.Equal(t, []approval.SubMode{approval.SubModeBackupAndDelete}, h.approver.got.SubModes)
}

func TestRun_DirectDeleteSkipsBackup(t *testing.T) {
	h := newHarness(t, config.ModeDelete)
	h.cfg.Policy.RequireBackup = false
	h.approver.subMode = approval.SubModeDirectDelete
	h.remote.refs["acme/app:feature/x"] = true

	code := h.run(t, "acme/app:feature/x")
	assert.Equal(t, ExitOK, code)
	assert.Equal(t, []string{"acme/app:feature/x DELETE,DELETED"}, actionStatus(h.rows(t)))
	assert.Equal(t, 0, h.j.count("backup"))
	assert.Equal(t, []approval.SubMode{approval.SubModeBackupAndDelete, approval.SubModeDirectDelete}, h.approver.got.SubModes)
}

func TestRun_BackupOncePerRepository(t *testing.T) {
	h := newHarness(t, config.ModeDelete)
	h.remote.refs["acme/app:a"] = true
	h.remote.refs["acme/app:b"] = true
	h.remote.refs["acme/lib:c"] = true

	code := h.run(t, "acme/app:a\nacme/lib:c\nacme/app:b\n")
	assert.Equal(t, ExitOK, code)
	assert.Equal(t, 1, h.j.count("backup acme/app"))
	assert.Equal(t, 1, h.j.count("backup acme/lib"))
	// Every backup happens before the first delete.
	first := h.j.index("delete")
	for i, c := range h.j.calls {
		if strings.HasPrefix(c, "backup") {
			assert.Less(t, i, first)
		}
	}
	assert.Equal(t, []string{
		"acme/app:a BACKUP,BACKED_UP",
		"acme/app:b BACKUP,BACKED_UP",
		"acme/lib:c BACKUP,BACKED_UP",
		"acme/app:a DELETE,DELETED",
		"acme/lib:c DELETE,DELETED",
		"acme/app:b DELETE,DELETED",
	}, actionStatus(h.rows(t)))
}

func TestRun_ProtectedBlock(t *testing.T) {
	h := newHarness(t, config.ModeDelete)
	h.remote.refs["myapp:main"] = true
	h.remote.refs["myapp:Release/1.0"] = true
	h.remote.refs["myapp:feature/x"] = true

	code := h.run(t, "myapp:main\nmyapp:Release/1.0\nmyapp:feature/x")
	assert.Equal(t, ExitViolations, code)
	assert.Equal(t, []string{
		"myapp:main VALIDATE,PROTECTED_DEFAULT_BRANCH",
		"myapp:Release/1.0 VALIDATE,PROTECTED_PREFIX_MATCH",
	}, actionStatus(h.rows(t)))
	assert.Equal(t, -1, h.j.index("approve"), "protection is not overridable by approval")
	assert.Equal(t, 0, h.j.count("delete"))
	assert.Equal(t, 0, h.j.count("backup"))
}

func TestRun_MissingBranch(t *testing.T) {
	h := newHarness(t, config.ModeDelete)

	code := h.run(t, "myapp:feature/ghost")
	assert.Equal(t, ExitViolations, code)
	assert.Equal(t, []string{"myapp:feature/ghost VALIDATE,MISSING"}, actionStatus(h.rows(t)))
	assert.Equal(t, -1, h.j.index("approve"))
}

func TestRun_ProtectedAndMissingReportedTogether(t *testing.T) {
	h := newHarness(t, config.ModeValidate)
	h.remote.refs["acme/app:feature/x"] = true

	code := h.run(t, "acme/app:staging\nacme/app:feature/ghost\nacme/app:feature/x")
	assert.Equal(t, ExitViolations, code)
	assert.Equal(t, []string{
		"acme/app:staging VALIDATE,PROTECTED_EXACT_NAME",
		"acme/app:feature/ghost VALIDATE,MISSING",
		"acme/app:feature/x VALIDATE,VALID",
	}, actionStatus(h.rows(t)))
}

func TestRun_ValidateClean(t *testing.T) {
	h := newHarness(t, config.ModeValidate)
	h.remote.refs["acme/app:feature/x"] = true

	assert.Equal(t, ExitOK, h.run(t, "acme/app:feature/x"))
	assert.Equal(t, []string{"acme/app:feature/x VALIDATE,VALID"}, actionStatus(h.rows(t)))
	assert.Equal(t, -1, h.j.index("approve"))
}

func TestRun_RemoteUnavailableIsFatal(t *testing.T) {
	h := newHarness(t, config.ModeDelete)
	h.remote.unavailable = true

	code := h.run(t, "acme/app:feature/x")
	assert.Equal(t, ExitFatal, code)
	assert.Empty(t, h.rows(t))
	assert.Equal(t, -1, h.j.index("approve"))
}

func TestRun_ValidateLookupFailureIsUnverified(t *testing.T) {
	h := newHarness(t, config.ModeValidate)
	h.remote.defaultErr = errclass.ErrInvalidInput.WithMessage(`repository "myapp" needs an owner`)
	h.remote.refErr = context.DeadlineExceeded

	code := h.run(t, "myapp:feature/x")
	assert.Equal(t, ExitFatal, code)
	assert.Equal(t, []string{"myapp:feature/x VALIDATE,UNVERIFIED"}, actionStatus(h.rows(t)))
}

func TestRun_ValidateRemoteUnavailableIsUnverified(t *testing.T) {
	h := newHarness(t, config.ModeValidate)
	h.remote.unavailable = true

	code := h.run(t, "acme/app:feature/x\nacme/app:main")
	assert.Equal(t, ExitFatal, code)
	assert.Equal(t, []string{
		"acme/app:feature/x VALIDATE,UNVERIFIED",
		"acme/app:main VALIDATE,PROTECTED_EXACT_NAME",
	}, actionStatus(h.rows(t)))
}

func TestRun_DeleteLookupFailureMutatesNothing(t *testing.T) {
	h := newHarness(t, config.ModeDelete)
	h.remote.refs["acme/app:feature/x"] = true
	h.remote.refErr = context.DeadlineExceeded

	code := h.run(t, "acme/app:feature/x")
	assert.Equal(t, ExitFatal, code)
	assert.Empty(t, h.rows(t))
	assert.Equal(t, -1, h.j.index("approve"))
	assert.Equal(t, 0, h.j.count("delete"))
}

func TestRun_UsesCallerAuditSink(t *testing.T) {
	h := newHarness(t, config.ModeValidate)
	h.remote.refs["acme/app:feature/x"] = true

	audit, err := output.NewAuditSink(h.cfg.Output.Report)
	require.NoError(t, err)

	eng := NewEngine(h.remote, h.backups, nil, WithAuditSink(audit))
	eng.newRunID = func() string { return "run-1" }
	assert.Equal(t, ExitOK, eng.Run(context.Background(), h.cfg, "acme/app:feature/x"))

	assert.Equal(t, []string{"acme/app:feature/x VALIDATE,VALID"}, actionStatus(h.rows(t)))
	assert.Error(t, audit.Write(output.AuditRecord{}), "the run closes the sink it was handed")
}

func TestRun_InvalidInputStillWritesHeader(t *testing.T) {
	h := newHarness(t, config.ModeDelete)

	code := h.run(t, "\n   \n")
	assert.Equal(t, ExitFatal, code)
	assert.Empty(t, h.rows(t))
	assert.Empty(t, h.j.calls, "no remote call on invalid input")
}

func TestRun_ApprovalDeniedMutatesNothing(t *testing.T) {
	h := newHarness(t, config.ModeDelete)
	h.remote.refs["acme/app:feature/x"] = true
	h.approver.err = errclass.ErrApprovalDenied.WithMessage("rejected by alice")

	code := h.run(t, "acme/app:feature/x")
	assert.Equal(t, ExitFatal, code)
	assert.Empty(t, h.rows(t))
	assert.Equal(t, 0, h.j.count("backup"))
	assert.Equal(t, 0, h.j.count("delete"))
}

func TestRun_NoApproverConfigured(t *testing.T) {
	h := newHarness(t, config.ModeBackout)
	eng := NewEngine(h.remote, h.backups, nil)
	code := eng.Run(context.Background(), h.cfg, "acme/app:feature/x")
	assert.Equal(t, ExitFatal, code)
	assert.Equal(t, 0, h.j.count("restore"))
}

func TestRun_HaltsOnFirstDeleteFailure(t *testing.T) {
	tests := []struct {
		code   int
		status string
	}{
		{404, output.StatusNotFound},
		{403, output.StatusPermissionDenied},
		{422, output.StatusRejectedByRemote},
		{500, output.StatusUnexpectedRemote},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			h := newHarness(t, config.ModeDelete)
			h.cfg.Policy.RequireBackup = false
			h.approver.subMode = approval.SubModeDirectDelete
			for _, b := range []string{"a", "b", "c"} {
				h.remote.refs["acme/app:"+b] = true
			}
			h.remote.deleteCodes = map[string]int{"acme/app:b": tt.code}

			code := h.run(t, "acme/app:a\nacme/app:b\nacme/app:c")
			assert.Equal(t, ExitHalted, code)

			rows := h.rows(t)
			assert.Equal(t, []string{
				"acme/app:a DELETE,DELETED",
				"acme/app:b DELETE," + tt.status,
			}, actionStatus(rows))
			assert.Equal(t, fmt.Sprint(tt.code), rows[1][7])
			assert.Equal(t, 0, h.j.count("delete acme/app:c"), "no target after the failure is attempted")
		})
	}
}

func TestRun_BackupFailureBlocksDelete(t *testing.T) {
	h := newHarness(t, config.ModeDelete)
	h.remote.refs["acme/app:x"] = true
	h.remote.refs["acme/lib:y"] = true
	h.backups.ensureErr = map[string]error{"acme/lib": errclass.ErrBackupVerification.WithMessage("mirror is empty")}

	code := h.run(t, "acme/app:x\nacme/lib:y")
	assert.Equal(t, ExitHalted, code)
	assert.Equal(t, []string{
		"acme/app:x BACKUP,BACKED_UP",
		"acme/lib:y BACKUP,BACKUP_FAILED",
	}, actionStatus(h.rows(t)))
	assert.Equal(t, 0, h.j.count("delete"))
}

func TestRun_Restore(t *testing.T) {
	h := newHarness(t, config.ModeBackout)

	code := h.run(t, "myapp:feature/x")
	assert.Equal(t, ExitOK, code)
	rows := h.rows(t)
	assert.Equal(t, []string{"myapp:feature/x BACKOUT,RESTORED"}, actionStatus(rows))
	assert.Equal(t, "alice", rows[0][2])
	assert.Equal(t, []approval.SubMode{approval.SubModeRestore}, h.approver.got.SubModes)
	assert.Equal(t, 0, h.j.count("exists"), "backout does not check existence")
}

func TestRun_BackupMissingOnRestore(t *testing.T) {
	h := newHarness(t, config.ModeBackout)
	h.backups.restore = map[string]error{"myapp:feature/x": errclass.ErrBackupMissing.WithMessage("no mirror for myapp")}

	code := h.run(t, "myapp:feature/x\nmyapp:feature/y")
	assert.Equal(t, ExitHalted, code)
	rows := h.rows(t)
	assert.Equal(t, []string{"myapp:feature/x BACKOUT,BACKUP_MISSING"}, actionStatus(rows))
	assert.Empty(t, rows[0][8])
	assert.Equal(t, 0, h.j.count("restore myapp:feature/y"))
}

func TestRun_PushRejectedOnRestore(t *testing.T) {
	h := newHarness(t, config.ModeBackout)
	h.backups.restore = map[string]error{"acme/app:x": &mirror.PushError{Repository: "acme/app", Branch: "x", Err: errors.New("non-fast-forward")}}

	eng := NewEngine(h.remote, h.backups, h.approver)
	r := &run{Engine: eng, cfg: h.cfg, id: "run-1", logger: eng.logger}
	out, err := eng.setupOutputManager(h.cfg)
	require.NoError(t, err)
	r.out = out
	err = r.execute(context.Background(), "acme/app:x")
	require.NoError(t, out.Close())

	var rejection *RemoteRejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, output.StatusPushRejected, rejection.Outcome)
	assert.ErrorIs(t, err, errclass.ErrRemoteRejection)
	assert.Equal(t, ExitHalted, ExitCode(err))
	assert.Equal(t, []string{"acme/app:x BACKOUT,PUSH_REJECTED"}, actionStatus(h.rows(t)))
}

func TestRun_BackupMode(t *testing.T) {
	h := newHarness(t, config.ModeBackup)
	h.remote.refs["acme/app:x"] = true
	h.remote.refs["acme/app:main"] = true

	code := h.run(t, "acme/app:x\nacme/app:main")
	assert.Equal(t, ExitOK, code)
	assert.Equal(t, []string{
		"acme/app:x BACKUP,BACKED_UP",
		"acme/app:main BACKUP,BACKED_UP",
	}, actionStatus(h.rows(t)))
	assert.Equal(t, -1, h.j.index("approve"), "backup is not mutating")
	assert.Equal(t, 0, h.j.count("default"), "backup does not classify protection")
}

func TestRun_AppendsAcrossRuns(t *testing.T) {
	h := newHarness(t, config.ModeValidate)
	h.remote.refs["acme/app:x"] = true

	assert.Equal(t, ExitOK, h.run(t, "acme/app:x"))
	assert.Equal(t, ExitOK, h.run(t, "acme/app:x"))
	assert.Len(t, h.rows(t), 2)
}

func TestRun_Console(t *testing.T) {
	h := newHarness(t, config.ModeValidate)
	h.cfg.Output.NoConsole = false
	h.cfg.Output.ConsoleFormat = "ndjson"
	h.remote.refs["acme/app:x"] = true

	assert.Equal(t, ExitOK, h.run(t, "acme/app:x"))

	lines := strings.Split(strings.TrimSpace(h.stdout.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], `"type":"run.started"`)
	assert.Contains(t, lines[1], `"type":"preflight.finished"`)
	assert.Contains(t, lines[2], `"status":"VALID"`)
	assert.Contains(t, lines[3], `"type":"run.finished"`)
}

func TestRun_NoConsole(t *testing.T) {
	h := newHarness(t, config.ModeValidate)
	h.remote.refs["acme/app:x"] = true

	assert.Equal(t, ExitOK, h.run(t, "acme/app:x"))
	assert.Empty(t, h.stdout.String())
}

func TestRun_Summary(t *testing.T) {
	h := newHarness(t, config.ModeDelete)
	h.cfg.Output.Summary = filepath.Join(t.TempDir(), "summary.md")
	h.remote.refs["acme/app:x"] = true

	assert.Equal(t, ExitOK, h.run(t, "acme/app:x"))
	raw, err := os.ReadFile(h.cfg.Output.Summary)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Approved by: alice (backup-and-delete)")
	assert.Contains(t, string(raw), "Outcome: success")
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"protected", errclass.ErrProtectedBranch, ExitViolations},
		{"missing", fmt.Errorf("x: %w", errclass.ErrMissingBranch), ExitViolations},
		{"unavailable beats violations", errors.Join(errclass.ErrMissingBranch, errclass.ErrRemoteUnavailable), ExitFatal},
		{"approval", errclass.ErrApprovalDenied, ExitFatal},
		{"invalid", errclass.ErrInvalidInput, ExitFatal},
		{"halted transport error", halt("delete", errclass.ErrRemoteUnavailable), ExitHalted},
		{"backup verification", errclass.ErrBackupVerification, ExitHalted},
		{"unclassified", errors.New("boom"), ExitFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestStepTransitions(t *testing.T) {
	s := newStep(target.Target{Repository: "acme/app", Branch: "x"})
	require.Error(t, s.advance(StateSucceeded), "PENDING cannot finish directly")
	require.NoError(t, s.advance(StateExecuting))
	require.Error(t, s.advance(StatePending))
	require.NoError(t, s.advance(StateFailed))
	require.Error(t, s.advance(StateExecuting), "terminal states are final")
	assert.Equal(t, "FAILED", s.state.String())
}
