// Package git is the engine's boundary to git plumbing: resolving
// worktree paths for (workdir, org, repo, branch) triples, plus
// creation and guarded removal.
package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	ErrWorktreeNotFound = errors.New("worktree not found")
	ErrWorktreeExists   = errors.New("worktree already exists")
	ErrProtectedBranch  = errors.New("refusing to remove the main branch worktree")
)

var unsafePathRe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// pathComponent flattens a triple component into a single directory
// name.
func pathComponent(s string) string {
	out := unsafePathRe.ReplaceAllString(s, "-")
	out = strings.Trim(out, "-")
	if out == "" {
		return "default"
	}
	return out
}

type Manager struct {
	logger *slog.Logger
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

// WorktreePath resolves the worktree directory for a triple under the
// managed workdir. The directory must exist.
func (m *Manager) WorktreePath(workdir, org, repo, branch string) (string, error) {
	if workdir == "" || org == "" || repo == "" || branch == "" {
		return "", fmt.Errorf("workdir, org, repo and branch are required")
	}
	path := filepath.Join(workdir, pathComponent(org), pathComponent(repo), pathComponent(branch))
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrWorktreeNotFound, path)
	}
	return path, nil
}

// CreateWorktree adds a git worktree for branch under the managed
// layout. With a non-empty baseRef a new branch is created off baseRef
// (git fails if the branch already exists); otherwise the existing
// branch is checked out.
func (m *Manager) CreateWorktree(ctx context.Context, workdir, org, repo, branch, baseRef string) (string, error) {
	repoPath := filepath.Join(workdir, pathComponent(org), pathComponent(repo), "repo.git")
	target := filepath.Join(workdir, pathComponent(org), pathComponent(repo), pathComponent(branch))

	if _, err := os.Stat(target); err == nil {
		return "", fmt.Errorf("%w: %s", ErrWorktreeExists, target)
	}

	args := []string{"worktree", "add", target, branch}
	if baseRef != "" {
		args = []string{"worktree", "add", "-b", branch, target, baseRef}
	}
	if out, err := m.git(ctx, repoPath, args...); err != nil {
		return "", fmt.Errorf("git worktree add: %w: %s", err, out)
	}
	m.logger.Info("worktree created", "org", org, "repo", repo, "branch", branch, "path", target)
	return target, nil
}

// RemoveWorktree tears a worktree down. Removing "main" is refused.
func (m *Manager) RemoveWorktree(ctx context.Context, workdir, org, repo, branch string) error {
	if branch == "main" {
		return ErrProtectedBranch
	}
	target, err := m.WorktreePath(workdir, org, repo, branch)
	if err != nil {
		return err
	}
	repoPath := filepath.Join(workdir, pathComponent(org), pathComponent(repo), "repo.git")
	if out, err := m.git(ctx, repoPath, "worktree", "remove", "--force", target); err != nil {
		return fmt.Errorf("git worktree remove: %w: %s", err, out)
	}
	m.logger.Info("worktree removed", "org", org, "repo", repo, "branch", branch)
	return nil
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
