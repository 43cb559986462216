// Package mirror keeps one bare mirror per repository on local storage. A
// mirror is the safety net taken before deleting and the source used to
// restore. Mirrors are never deleted by this package.
package mirror

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"branchguard/internal/errclass"
	"branchguard/internal/fslock"
	"branchguard/internal/gitcmd"
)

// retainedPrefix holds heads that disappeared upstream since the previous
// sync. The fetch refspecs only cover heads and tags, so prune never touches it.
const retainedPrefix = "refs/branchguard/retained/heads/"

// Locator maps a raw repository identifier to its canonical owner/name key and
// clone URL.
type Locator interface {
	Locate(repository string) (key, cloneURL string, err error)
}

// Handle describes a verified mirror.
type Handle struct {
	Repository   string    `json:"repository"`
	LocalPath    string    `json:"local_path"`
	LastSyncedAt time.Time `json:"last_synced_at"`
	// Retained maps branches gone upstream to the commit the mirror kept.
	Retained map[string]string `json:"retained,omitempty"`
}

// PushError is a restore push the remote refused or that failed in transit.
type PushError struct {
	Repository string
	Branch     string
	Err        error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("push %s:%s: %v", e.Repository, e.Branch, e.Err)
}

func (e *PushError) Unwrap() error {
	return e.Err
}

type Manager struct {
	root    string
	git     gitcmd.Runner
	locator Locator
	logger  *slog.Logger
	now     func() time.Time
}

func NewManager(root string, git gitcmd.Runner, locator Locator, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{root: root, git: git, locator: locator, logger: logger, now: time.Now}
}

func (m *Manager) Root() string {
	return m.root
}

// PathFor returns the mirror directory for an owner/name key.
func (m *Manager) PathFor(key string) string {
	return filepath.Join(m.root, dirName(key))
}

func (m *Manager) lock(ctx context.Context, key string) (*fslock.Lock, error) {
	path := strings.TrimSuffix(m.PathFor(key), ".git") + ".lock"
	l, err := fslock.Acquire(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("lock mirror %s: %w", key, err)
	}
	return l, nil
}

// EnsureBackup clones the repository as a bare mirror, or brings an existing
// mirror up to date with prune. Heads pruned by the update are retained under
// refs/branchguard/retained/heads/. The result is verified before returning;
// any failure is errclass.ErrBackupVerification.
func (m *Manager) EnsureBackup(ctx context.Context, repository string) (Handle, error) {
	key, url, err := m.locator.Locate(repository)
	if err != nil {
		return Handle{}, err
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return Handle{}, errclass.ErrBackupVerification.WithMessagef("create mirror root: %v", err)
	}

	l, err := m.lock(ctx, key)
	if err != nil {
		return Handle{}, err
	}
	defer func() {
		if err := l.Release(); err != nil {
			m.logger.Warn("release mirror lock", "repository", key, "error", err)
		}
	}()

	dir := m.PathFor(key)
	meta, err := readMetadata(dir)
	if err != nil {
		// Retained refs stay under retainedPrefix, so Restore still finds them.
		if !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("unreadable mirror metadata, starting fresh", "repository", key, "path", dir, "error", err)
		}
		meta = &metadata{}
	}

	if isMirror(dir) {
		m.logger.Info("updating mirror", "repository", key, "path", dir)
		if err := m.update(ctx, dir, url, meta); err != nil {
			return Handle{}, errclass.ErrBackupVerification.WithMessagef("update mirror %s: %v", key, err)
		}
	} else {
		m.logger.Info("cloning mirror", "repository", key, "path", dir)
		if err := m.clone(ctx, dir, url); err != nil {
			return Handle{}, errclass.ErrBackupVerification.WithMessagef("clone mirror %s: %v", key, err)
		}
	}

	if err := verify(dir); err != nil {
		return Handle{}, errclass.ErrBackupVerification.WithMessagef("mirror %s: %v", key, err)
	}

	meta.Repository = key
	meta.URL = url
	meta.LastSyncedAt = m.now().UTC()
	if err := writeMetadata(dir, meta); err != nil {
		return Handle{}, errclass.ErrBackupVerification.WithMessagef("mirror %s: %v", key, err)
	}
	return handleFrom(dir, meta), nil
}

func (m *Manager) clone(ctx context.Context, dir, url string) error {
	// A directory without a usable mirror is leftover from an interrupted clone.
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if _, err := m.git.Run(ctx, m.root, "clone", "--mirror", "--", url, dir); err != nil {
		_ = os.RemoveAll(dir)
		return err
	}
	return m.configure(ctx, dir)
}

// configure pins the fetch refspecs to heads and tags and disables automatic
// gc so objects of pruned heads stay restorable.
func (m *Manager) configure(ctx context.Context, dir string) error {
	steps := [][]string{
		{"config", "gc.auto", "0"},
		{"config", "--replace-all", "remote.origin.fetch", "+refs/heads/*:refs/heads/*"},
		{"config", "--add", "remote.origin.fetch", "+refs/tags/*:refs/tags/*"},
	}
	for _, args := range steps {
		if _, err := m.git.Run(ctx, dir, args...); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) update(ctx context.Context, dir, url string, meta *metadata) error {
	if _, err := m.git.Run(ctx, dir, "remote", "set-url", "origin", url); err != nil {
		return err
	}
	if _, err := m.git.Run(ctx, dir, "config", "gc.auto", "0"); err != nil {
		return err
	}

	before, err := m.heads(ctx, dir)
	if err != nil {
		return err
	}
	if _, err := m.git.Run(ctx, dir, "remote", "update", "--prune"); err != nil {
		return err
	}
	after, err := m.heads(ctx, dir)
	if err != nil {
		return err
	}

	if meta.Retained == nil {
		meta.Retained = map[string]string{}
	}
	for branch, sha := range before {
		if _, ok := after[branch]; ok {
			continue
		}
		if _, err := m.git.Run(ctx, dir, "update-ref", retainedPrefix+branch, sha); err != nil {
			return err
		}
		meta.Retained[branch] = sha
		m.logger.Info("retained pruned branch", "path", dir, "branch", branch, "sha", sha)
	}
	for branch := range meta.Retained {
		if _, ok := after[branch]; ok {
			delete(meta.Retained, branch)
		}
	}
	return nil
}

// heads returns branch name to commit for refs/heads/*.
func (m *Manager) heads(ctx context.Context, dir string) (map[string]string, error) {
	out, err := m.git.Run(ctx, dir, "for-each-ref", "--format=%(objectname) %(refname)", "refs/heads/")
	if err != nil {
		return nil, err
	}
	heads := map[string]string{}
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		sha, ref, ok := strings.Cut(strings.TrimSpace(sc.Text()), " ")
		if !ok {
			continue
		}
		heads[strings.TrimPrefix(ref, "refs/heads/")] = sha
	}
	return heads, sc.Err()
}

// Open returns the handle of an existing, verified mirror. A missing mirror
// or one without a recorded sync is errclass.ErrBackupMissing.
func (m *Manager) Open(repository string) (Handle, error) {
	key, _, err := m.locator.Locate(repository)
	if err != nil {
		return Handle{}, err
	}
	return m.open(key)
}

func (m *Manager) open(key string) (Handle, error) {
	dir := m.PathFor(key)
	if !isMirror(dir) {
		return Handle{}, errclass.ErrBackupMissing.WithMessagef("no mirror for %s at %s", key, dir)
	}
	if err := verify(dir); err != nil {
		return Handle{}, errclass.ErrBackupMissing.WithMessagef("mirror %s: %v", key, err)
	}
	meta, err := readMetadata(dir)
	if err != nil {
		return Handle{}, errclass.ErrBackupMissing.WithMessagef("mirror %s has no verified sync: %v", key, err)
	}
	return handleFrom(dir, meta), nil
}

// Restore pushes branch from the mirror back to the remote without force. It
// prefers the mirrored head and falls back to the retained copy.
func (m *Manager) Restore(ctx context.Context, repository, branch string) (Handle, error) {
	key, url, err := m.locator.Locate(repository)
	if err != nil {
		return Handle{}, err
	}
	if branch == "" || strings.HasPrefix(branch, "-") {
		return Handle{}, errclass.ErrInvalidInput.WithMessagef("invalid branch name %q", branch)
	}

	l, err := m.lock(ctx, key)
	if err != nil {
		return Handle{}, err
	}
	defer func() {
		if err := l.Release(); err != nil {
			m.logger.Warn("release mirror lock", "repository", key, "error", err)
		}
	}()

	h, err := m.open(key)
	if err != nil {
		return Handle{}, err
	}

	source := ""
	candidates := []string{"refs/heads/" + branch, retainedPrefix + branch}
	if sha := h.Retained[branch]; sha != "" {
		candidates = append(candidates, sha)
	}
	for _, c := range candidates {
		if _, err := m.git.Run(ctx, h.LocalPath, "rev-parse", "--verify", "--quiet", c+"^{commit}"); err == nil {
			source = c
			break
		} else if ctx.Err() != nil {
			return h, ctx.Err()
		}
	}
	if source == "" {
		return h, errclass.ErrBackupMissing.WithMessagef("branch %s is not in the mirror of %s", branch, key)
	}

	m.logger.Info("restoring branch", "repository", key, "branch", branch, "source", source)
	if _, err := m.git.Run(ctx, h.LocalPath, "push", url, source+":refs/heads/"+branch); err != nil {
		return h, &PushError{Repository: key, Branch: branch, Err: err}
	}
	return h, nil
}

// List returns every mirror under the root that has sync metadata, ordered by
// repository.
func (m *Manager) List() ([]Handle, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list mirrors: %w", err)
	}
	var out []Handle
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), ".git") {
			continue
		}
		dir := filepath.Join(m.root, e.Name())
		meta, err := readMetadata(dir)
		if err != nil {
			m.logger.Debug("skipping mirror without metadata", "path", dir, "error", err)
			continue
		}
		out = append(out, handleFrom(dir, meta))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Repository < out[j].Repository })
	return out, nil
}

func handleFrom(dir string, meta *metadata) Handle {
	h := Handle{Repository: meta.Repository, LocalPath: dir, LastSyncedAt: meta.LastSyncedAt}
	if len(meta.Retained) > 0 {
		h.Retained = make(map[string]string, len(meta.Retained))
		for k, v := range meta.Retained {
			h.Retained[k] = v
		}
	}
	return h
}

// isMirror reports whether dir looks like a bare repository.
func isMirror(dir string) bool {
	for _, name := range []string{"HEAD", "objects", "refs"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

// verify checks the post-condition of a backup: the directory exists and is
// not empty.
func verify(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("mirror directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read mirror directory: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("%s is empty", dir)
	}
	return nil
}
