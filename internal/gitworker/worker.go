// Package gitworker performs the local git operations (clone, rebase,
// dependency-manifest updates) the orchestrator needs to run a merge
// cascade, serialized per repository so interleaved checkouts never
// corrupt a working tree.
package gitworker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/paritybot/cascade/internal/logfields"
)

const botIdentityName = "parity-processbot"
const botIdentityEmail = "parity-processbot@users.noreply.github.com"

// ErrConflict is returned when a push is rejected as non-fast-forward
// after one automatic re-fetch-and-retry.
var ErrConflict = errors.New("git: push rejected, conflict with upstream")

// Worker runs git commands against a cache of local clones rooted at dir.
// Operations for a given (owner, repo) never run concurrently.
type Worker struct {
	root   string
	logger *zap.Logger

	mu       sync.Mutex
	repoLock map[string]*sync.Mutex
}

// New returns a worker that keeps clones under root.
func New(root string) *Worker {
	return &Worker{
		root:     root,
		logger:   zap.L().Named("git_worker"),
		repoLock: map[string]*sync.Mutex{},
	}
}

func (w *Worker) lockFor(owner, repo string) *sync.Mutex {
	key := owner + "/" + repo

	w.mu.Lock()
	defer w.mu.Unlock()

	l, ok := w.repoLock[key]
	if !ok {
		l = &sync.Mutex{}
		w.repoLock[key] = l
	}

	return l
}

func (w *Worker) cloneDir(owner, repo string) string {
	return filepath.Join(w.root, owner, repo)
}

func (w *Worker) remoteURL(owner, repo, token string) string {
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", token, owner, repo)
}

// EnsureClone makes sure a local clone of owner/repo exists under the
// worker's root, cloning it if necessary. It is idempotent.
func (w *Worker) EnsureClone(ctx context.Context, owner, repo, token string) error {
	lock := w.lockFor(owner, repo)
	lock.Lock()
	defer lock.Unlock()

	return w.ensureCloneLocked(ctx, owner, repo, token)
}

func (w *Worker) ensureCloneLocked(ctx context.Context, owner, repo, token string) error {
	dir := w.cloneDir(owner, repo)

	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("creating clone parent dir failed: %w", err)
	}

	_, err := w.run(ctx, "", "git", "clone", w.remoteURL(owner, repo, token), dir)
	if err != nil {
		return fmt.Errorf("cloning %s/%s failed: %w", owner, repo, err)
	}

	return nil
}

// Rebase fetches origin, checks out headRef, rebases it onto baseRef's
// fresh tip, and pushes the rebased branch with --force-with-lease.
func (w *Worker) Rebase(ctx context.Context, owner, repo, baseRef, headRef, token string) (newHeadSHA string, err error) {
	lock := w.lockFor(owner, repo)
	lock.Lock()
	defer lock.Unlock()

	if err := w.ensureCloneLocked(ctx, owner, repo, token); err != nil {
		return "", err
	}

	dir := w.cloneDir(owner, repo)
	remote := w.remoteURL(owner, repo, token)

	if _, err := w.run(ctx, dir, "git", "fetch", remote, headRef); err != nil {
		return "", fmt.Errorf("fetching failed: %w", err)
	}

	if _, err := w.run(ctx, dir, "git", "checkout", "-B", headRef, "FETCH_HEAD"); err != nil {
		return "", fmt.Errorf("checking out %q failed: %w", headRef, err)
	}

	if _, err := w.run(ctx, dir, "git", "fetch", remote, baseRef); err != nil {
		return "", fmt.Errorf("fetching base branch failed: %w", err)
	}

	if _, err := w.run(ctx, dir, "git", "rebase", "FETCH_HEAD"); err != nil {
		return "", fmt.Errorf("rebase failed: %w", err)
	}

	if err := w.pushWithRetry(ctx, dir, remote, headRef); err != nil {
		return "", err
	}

	out, err := w.run(ctx, dir, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("reading rebased head sha failed: %w", err)
	}

	return strings.TrimSpace(out), nil
}

// DependencyUpdate pins Dependency to Reference in the repository's
// Cargo.toml manifest.
type DependencyUpdate struct {
	Dependency string
	Reference  string
}

// UpdateDependencies rewrites the PR's manifest so each of updates points
// at the matching dependency's freshly merged reference, commits the
// change as the bot identity, and pushes.
func (w *Worker) UpdateDependencies(ctx context.Context, owner, repo, headRef, token string, updates []DependencyUpdate) (newHeadSHA string, err error) {
	lock := w.lockFor(owner, repo)
	lock.Lock()
	defer lock.Unlock()

	if err := w.ensureCloneLocked(ctx, owner, repo, token); err != nil {
		return "", err
	}

	dir := w.cloneDir(owner, repo)
	remote := w.remoteURL(owner, repo, token)

	if _, err := w.run(ctx, dir, "git", "fetch", remote, headRef); err != nil {
		return "", fmt.Errorf("fetching failed: %w", err)
	}

	if _, err := w.run(ctx, dir, "git", "checkout", "-B", headRef, "FETCH_HEAD"); err != nil {
		return "", fmt.Errorf("checking out %q failed: %w", headRef, err)
	}

	manifestPath := filepath.Join(dir, "Cargo.toml")
	if err := rewriteManifestReferences(manifestPath, updates); err != nil {
		return "", fmt.Errorf("updating manifest failed: %w", err)
	}

	dirty, err := w.run(ctx, dir, "git", "status", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("checking manifest for changes failed: %w", err)
	}

	// Every update may be branch-pinned (no rev= entry to rewrite), in
	// which case rewriteManifestReferences leaves the file byte-for-byte
	// unchanged and there is nothing to commit.
	if strings.TrimSpace(dirty) == "" {
		out, err := w.run(ctx, dir, "git", "rev-parse", "HEAD")
		if err != nil {
			return "", fmt.Errorf("reading head sha failed: %w", err)
		}
		return strings.TrimSpace(out), nil
	}

	names := make([]string, len(updates))
	for i, u := range updates {
		names[i] = u.Dependency
	}

	if _, err := w.run(ctx, dir, "git", "commit", "-a", "-m", fmt.Sprintf("Update %s refs", strings.Join(names, ", "))); err != nil {
		return "", fmt.Errorf("committing manifest update failed: %w", err)
	}

	if err := w.pushWithRetry(ctx, dir, remote, headRef); err != nil {
		return "", err
	}

	out, err := w.run(ctx, dir, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("reading updated head sha failed: %w", err)
	}

	return strings.TrimSpace(out), nil
}

func (w *Worker) pushWithRetry(ctx context.Context, dir, remote, ref string) error {
	_, err := w.run(ctx, dir, "git", "push", "--force-with-lease", remote, ref)
	if err == nil {
		return nil
	}

	if !isNonFastForward(err) {
		return fmt.Errorf("push failed: %w", err)
	}

	if _, ferr := w.run(ctx, dir, "git", "fetch", remote, ref); ferr != nil {
		return fmt.Errorf("re-fetch before retrying push failed: %w", ferr)
	}

	if _, err := w.run(ctx, dir, "git", "push", "--force-with-lease", remote, ref); err != nil {
		return ErrConflict
	}

	return nil
}

func isNonFastForward(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "non-fast-forward") || strings.Contains(msg, "stale info") || strings.Contains(msg, "rejected")
}

// run executes a git command, logging it with any access token redacted,
// and returns its trimmed stdout.
func (w *Worker) run(ctx context.Context, dir string, name string, args ...string) (string, error) {
	w.logger.Debug(
		"running command",
		logfields.Event("git_command_run"),
		zap.String("command", redact(name+" "+strings.Join(args, " "))),
		zap.String("dir", redact(dir)),
	)

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME="+botIdentityName,
		"GIT_AUTHOR_EMAIL="+botIdentityEmail,
		"GIT_COMMITTER_NAME="+botIdentityName,
		"GIT_COMMITTER_EMAIL="+botIdentityEmail,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %s", redact(err.Error()), redact(strings.TrimSpace(stderr.String())))
	}

	return stdout.String(), nil
}

// redact strips any x-access-token credential embedded in a URL so it
// never reaches logs or wrapped errors.
func redact(s string) string {
	const marker = "x-access-token:"
	idx := strings.Index(s, marker)
	if idx == -1 {
		return s
	}

	end := strings.Index(s[idx:], "@")
	if end == -1 {
		return s
	}

	return s[:idx] + "x-access-token:${SECRET}" + s[idx+end:]
}
