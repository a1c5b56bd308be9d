package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func gitOrSkip(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run(t, dir, "git", "init", "-b", "main")
	run(t, dir, "git", "config", "user.email", "dev@example.com")
	run(t, dir, "git", "config", "user.name", "dev")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644); err != nil {
		t.Fatal(err)
	}
	run(t, dir, "git", "add", "-A")
	run(t, dir, "git", "commit", "-m", "initial")
	return dir
}

func run(t *testing.T, dir string, name string, args ...string) string {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("%s %v: %v (output: %s)", name, args, err, output)
	}
	return string(output)
}

func TestBranchName(t *testing.T) {
	if got := BranchName("01ABC"); got != "agentcorp/01ABC" {
		t.Errorf("BranchName = %q", got)
	}
}

func TestCreateMergeLifecycle(t *testing.T) {
	gitOrSkip(t)
	ctx := context.Background()
	repo := initRepo(t)

	m, err := NewManager(filepath.Join(t.TempDir(), "worktrees"))
	if err != nil {
		t.Fatal(err)
	}

	b, err := m.Create(ctx, "task1", repo)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b.Branch != "agentcorp/task1" {
		t.Errorf("branch = %q", b.Branch)
	}
	if b.BaseBranch != "main" {
		t.Errorf("base branch = %q", b.BaseBranch)
	}

	// Create is idempotent.
	again, err := m.Create(ctx, "task1", repo)
	if err != nil {
		t.Fatalf("Create again: %v", err)
	}
	if again != b {
		t.Error("second Create returned a different binding")
	}

	if err := os.WriteFile(filepath.Join(b.Path, "feature.txt"), []byte("done\n"), 0644); err != nil {
		t.Fatal(err)
	}

	diff, err := m.Diff(ctx, "task1")
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if diff != "" {
		t.Errorf("untracked-only diff = %q", diff)
	}

	if err := m.Merge(ctx, "task1"); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo, "feature.txt")); err != nil {
		t.Errorf("merged file missing from base branch: %v", err)
	}
	if _, ok := m.Get("task1"); ok {
		t.Error("binding survived merge")
	}
	if out := run(t, repo, "git", "branch", "--list", "agentcorp/task1"); strings.TrimSpace(out) != "" {
		t.Errorf("task branch survived merge: %q", out)
	}
}

func TestDiscardDropsChanges(t *testing.T) {
	gitOrSkip(t)
	ctx := context.Background()
	repo := initRepo(t)

	m, err := NewManager(filepath.Join(t.TempDir(), "worktrees"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Create(ctx, "task2", repo)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(b.Path, "scratch.txt"), []byte("junk\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := m.Discard(ctx, "task2"); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if _, err := os.Stat(b.Path); !os.IsNotExist(err) {
		t.Error("worktree directory survived discard")
	}
	if _, err := os.Stat(filepath.Join(repo, "scratch.txt")); !os.IsNotExist(err) {
		t.Error("discarded change reached base branch")
	}

	// Discarding an unbound task is a no-op.
	if err := m.Discard(ctx, "task2"); err != nil {
		t.Errorf("second Discard: %v", err)
	}
}

func TestRebuildRecoversBindings(t *testing.T) {
	gitOrSkip(t)
	ctx := context.Background()
	repo := initRepo(t)
	root := filepath.Join(t.TempDir(), "worktrees")

	m, err := NewManager(root)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(ctx, "task3", repo); err != nil {
		t.Fatal(err)
	}

	// A fresh manager simulates a restarted server.
	fresh, err := NewManager(root)
	if err != nil {
		t.Fatal(err)
	}
	recovered, err := fresh.Rebuild(ctx, repo)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if len(recovered) != 1 {
		t.Fatalf("recovered %d bindings, want 1", len(recovered))
	}
	if recovered[0].TaskID != "task3" {
		t.Errorf("recovered task id = %q", recovered[0].TaskID)
	}
	if recovered[0].Branch != "agentcorp/task3" {
		t.Errorf("recovered branch = %q", recovered[0].Branch)
	}
}
