package worktree

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

const branchPrefix = "agentcorp/"

// Binding is the in-memory association between a task and its isolated
// working copy. Bindings are not persisted; Rebuild recovers them from
// git worktree metadata after a restart.
type Binding struct {
	TaskID      string
	Path        string
	Branch      string
	ProjectPath string
	BaseBranch  string
}

// Manager creates, merges, and discards per-task git worktrees. One
// worktree per task, branch and path both derived from the task id.
type Manager struct {
	root string

	mu       sync.Mutex
	bindings map[string]*Binding
}

func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree root: %w", err)
	}
	return &Manager{
		root:     root,
		bindings: make(map[string]*Binding),
	}, nil
}

func BranchName(taskID string) string {
	return branchPrefix + taskID
}

func (m *Manager) Path(taskID string) string {
	return filepath.Join(m.root, taskID)
}

func (m *Manager) Get(taskID string) (*Binding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[taskID]
	return b, ok
}

func (m *Manager) List() []*Binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Binding, 0, len(m.bindings))
	for _, b := range m.bindings {
		out = append(out, b)
	}
	return out
}

// Create adds a worktree and branch for the task, reusing both when the
// worktree directory already exists from an earlier run.
func (m *Manager) Create(ctx context.Context, taskID, projectPath string) (*Binding, error) {
	m.mu.Lock()
	if b, ok := m.bindings[taskID]; ok {
		m.mu.Unlock()
		return b, nil
	}
	m.mu.Unlock()

	base, err := currentBranch(ctx, projectPath)
	if err != nil {
		return nil, err
	}

	path := m.Path(taskID)
	branch := BranchName(taskID)
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, path)
		cmd.Dir = projectPath
		if output, err := cmd.CombinedOutput(); err != nil {
			// The branch may survive a removed worktree; retry attached.
			retry := exec.CommandContext(ctx, "git", "worktree", "add", path, branch)
			retry.Dir = projectPath
			if retryOutput, retryErr := retry.CombinedOutput(); retryErr != nil {
				return nil, fmt.Errorf("failed to create worktree: %w (output: %s, retry output: %s)",
					err, string(output), string(retryOutput))
			}
		}
	}

	b := &Binding{
		TaskID:      taskID,
		Path:        path,
		Branch:      branch,
		ProjectPath: projectPath,
		BaseBranch:  base,
	}
	m.mu.Lock()
	m.bindings[taskID] = b
	m.mu.Unlock()
	return b, nil
}

// Merge commits any leftover changes in the worktree, merges its branch
// into the base branch, and removes the worktree on success.
func (m *Manager) Merge(ctx context.Context, taskID string) error {
	b, ok := m.Get(taskID)
	if !ok {
		return fmt.Errorf("no worktree bound to task %s", taskID)
	}

	if err := m.CommitAll(ctx, taskID, "work in progress"); err != nil {
		return err
	}

	checkout := exec.CommandContext(ctx, "git", "checkout", b.BaseBranch)
	checkout.Dir = b.ProjectPath
	if output, err := checkout.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to checkout base branch: %w (output: %s)", err, string(output))
	}

	merge := exec.CommandContext(ctx, "git", "merge", "--no-ff", b.Branch)
	merge.Dir = b.ProjectPath
	if output, err := merge.CombinedOutput(); err != nil {
		abort := exec.CommandContext(ctx, "git", "merge", "--abort")
		abort.Dir = b.ProjectPath
		_ = abort.Run()
		return fmt.Errorf("failed to merge %s: %w (output: %s)", b.Branch, err, string(output))
	}

	return m.Discard(ctx, taskID)
}

// Discard removes the task's worktree and branch, dropping any
// unmerged changes.
func (m *Manager) Discard(ctx context.Context, taskID string) error {
	b, ok := m.Get(taskID)
	if !ok {
		return nil
	}

	var errs []string
	remove := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", b.Path)
	remove.Dir = b.ProjectPath
	if output, err := remove.CombinedOutput(); err != nil {
		if _, statErr := os.Stat(b.Path); !os.IsNotExist(statErr) {
			errs = append(errs, fmt.Sprintf("worktree remove failed: %v (output: %s)", err, string(output)))
		}
	}

	branch := exec.CommandContext(ctx, "git", "branch", "-D", b.Branch)
	branch.Dir = b.ProjectPath
	if output, err := branch.CombinedOutput(); err != nil {
		if !strings.Contains(string(output), "not found") {
			errs = append(errs, fmt.Sprintf("branch delete failed: %v (output: %s)", err, string(output)))
		}
	}

	m.mu.Lock()
	delete(m.bindings, taskID)
	m.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("discard errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// CommitAll stages and commits any uncommitted changes in the task's
// worktree. A clean tree is not an error.
func (m *Manager) CommitAll(ctx context.Context, taskID, message string) error {
	b, ok := m.Get(taskID)
	if !ok {
		return fmt.Errorf("no worktree bound to task %s", taskID)
	}

	status := exec.CommandContext(ctx, "git", "status", "--porcelain")
	status.Dir = b.Path
	output, err := status.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to check worktree status: %w (output: %s)", err, string(output))
	}
	if len(strings.TrimSpace(string(output))) == 0 {
		return nil
	}

	add := exec.CommandContext(ctx, "git", "add", "-A")
	add.Dir = b.Path
	if addOutput, err := add.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to stage changes: %w (output: %s)", err, string(addOutput))
	}

	commit := exec.CommandContext(ctx, "git", "commit", "-m", message)
	commit.Dir = b.Path
	if commitOutput, err := commit.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to commit changes: %w (output: %s)", err, string(commitOutput))
	}
	return nil
}

// Diff reports the task branch's changes relative to the base branch,
// including uncommitted edits in the worktree.
func (m *Manager) Diff(ctx context.Context, taskID string) (string, error) {
	b, ok := m.Get(taskID)
	if !ok {
		return "", fmt.Errorf("no worktree bound to task %s", taskID)
	}

	cmd := exec.CommandContext(ctx, "git", "diff", b.BaseBranch)
	cmd.Dir = b.Path
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("failed to diff worktree: %w (output: %s)", err, string(output))
	}
	return string(output), nil
}

// Rebuild re-registers bindings for task worktrees that survived a
// restart, reading them back from git worktree metadata.
func (m *Manager) Rebuild(ctx context.Context, projectPath string) ([]*Binding, error) {
	cmd := exec.CommandContext(ctx, "git", "worktree", "list", "--porcelain")
	cmd.Dir = projectPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w (output: %s)", err, string(output))
	}

	base, err := currentBranch(ctx, projectPath)
	if err != nil {
		return nil, err
	}

	var recovered []*Binding
	var path, branch string
	flush := func() {
		if path == "" || !strings.HasPrefix(branch, branchPrefix) {
			return
		}
		b := &Binding{
			TaskID:      strings.TrimPrefix(branch, branchPrefix),
			Path:        path,
			Branch:      branch,
			ProjectPath: projectPath,
			BaseBranch:  base,
		}
		m.mu.Lock()
		if _, ok := m.bindings[b.TaskID]; !ok {
			m.bindings[b.TaskID] = b
			recovered = append(recovered, b)
		}
		m.mu.Unlock()
	}

	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
			path, branch = "", ""
		case strings.HasPrefix(line, "worktree "):
			path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()

	return recovered, nil
}

func currentBranch(ctx context.Context, repoPath string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = repoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("failed to resolve current branch: %w (output: %s)", err, string(output))
	}
	return strings.TrimSpace(string(output)), nil
}
