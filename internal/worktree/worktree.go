// Package worktree implements the Worktree Manager (spec.md C7): isolated
// version-control workspaces for tasks of complexity "major", built on
// internal/gitutil.
package worktree

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/headless-pm/pmcore/internal/gitutil"
)

// Manager provisions worktrees under Base for one repository at RepoDir.
type Manager struct {
	RepoDir string
	Base    string // directory holding ./.worktrees/task-<id>-style checkouts
}

// New returns a Manager rooted at repoDir, materializing worktrees under
// base (spec.md §4.7: "./.worktrees/task-<id>" when base is repoDir/.worktrees).
func New(repoDir, base string) *Manager {
	return &Manager{RepoDir: repoDir, Base: base}
}

// BranchName returns the conventional branch name for taskID (spec.md §4.7).
func BranchName(taskID string) string {
	return "task-" + taskID
}

// CreateBranchForTask idempotently ensures the task branch exists at base,
// returning its name (spec.md §4.7 step 1, §12).
func (m *Manager) CreateBranchForTask(taskID, baseSHA string) (string, error) {
	branch := BranchName(taskID)
	if err := gitutil.CreateBranchAt(m.RepoDir, branch, baseSHA); err != nil {
		return "", fmt.Errorf("worktree: create branch %s: %w", branch, err)
	}
	return branch, nil
}

// worktreePath returns the conventional path for a task's worktree.
func (m *Manager) worktreePath(taskID string) string {
	return filepath.Join(m.Base, BranchName(taskID))
}

// CreateForTask materializes a worktree bound to branch at the conventional
// path for taskID. If the path already exists, it is cleaned up first, then
// recreated (spec.md §4.7 step 2).
func (m *Manager) CreateForTask(taskID, branch string) (string, error) {
	path := m.worktreePath(taskID)
	if _, err := os.Stat(path); err == nil {
		if err := m.cleanup(taskID, path); err != nil {
			return "", fmt.Errorf("worktree: cleanup existing path before recreate: %w", err)
		}
	}
	if err := os.MkdirAll(m.Base, 0o755); err != nil {
		return "", fmt.Errorf("worktree: ensure base dir: %w", err)
	}
	if err := gitutil.AddWorktree(m.RepoDir, path, branch); err != nil {
		return "", fmt.Errorf("worktree: add worktree: %w", err)
	}
	return path, nil
}

// Cleanup removes the worktree for taskID (spec.md §4.7 step 3: graceful,
// falling back to forced removal — gitutil.RemoveWorktree already does
// both).
func (m *Manager) Cleanup(taskID string) error {
	return m.cleanup(taskID, m.worktreePath(taskID))
}

func (m *Manager) cleanup(taskID, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := gitutil.RemoveWorktree(m.RepoDir, path); err != nil {
		return fmt.Errorf("worktree: remove %s: %w", taskID, err)
	}
	return nil
}

// IsClean reports whether path has no uncommitted changes (spec.md §4.7 step 4).
func (m *Manager) IsClean(path string) (bool, error) {
	return gitutil.IsClean(path)
}

// List returns the repository's current worktrees (spec.md §12, grounded
// on the original's GitWorktree.list_worktrees).
func (m *Manager) List() ([]gitutil.WorktreeEntry, error) {
	return gitutil.ListWorktrees(m.RepoDir)
}
