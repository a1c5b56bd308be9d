package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"mvdan.cc/sh/v3/syntax"
)

// Spec describes one supervised CLI run inside a task worktree.
type Spec struct {
	Command      string
	Prompt       string
	SystemPrompt string
	Dir          string
	MaxTurns     int
	Log          io.Writer
}

// Process is a running CLI child in its own process group. Output is
// streamed to the task log as it arrives, and the time of the last
// output is tracked for idle detection.
type Process struct {
	cmd       *exec.Cmd
	formatter *StreamFormatter
	done      chan struct{}
	startedAt time.Time

	lastOutput atomic.Int64

	mu       sync.Mutex
	waited   bool
	exitCode int
	waitErr  error
}

// Start spawns the CLI with process group isolation so the whole
// subprocess tree can be signalled together.
func Start(ctx context.Context, spec *Spec) (*Process, error) {
	command := spec.Command
	if command == "" {
		command = "claude"
	}

	args := []string{
		"-p", spec.Prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if spec.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", spec.SystemPrompt)
	}
	if spec.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", spec.MaxTurns))
	}
	args = append(args, "--permission-mode", "acceptEdits")

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), "CLAUDE_CODE_ENTRYPOINT=agentcorp")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	p := &Process{
		cmd:       cmd,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	p.touch()
	p.formatter = NewStreamFormatter(spec.Log, p.touch)
	cmd.Stdout = p.formatter
	cmd.Stderr = p.formatter

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}

	slog.Info("provider: spawned CLI",
		"command", quoteCommand(command, args),
		"pid", cmd.Process.Pid,
		"dir", spec.Dir,
	)

	go func() {
		err := cmd.Wait()
		p.formatter.Flush()
		p.mu.Lock()
		p.waited = true
		p.waitErr = err
		p.exitCode = exitCodeOf(err)
		p.mu.Unlock()
		close(p.done)
	}()

	return p, nil
}

func (p *Process) touch() {
	p.lastOutput.Store(time.Now().UnixNano())
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *Process) StartedAt() time.Time {
	return p.startedAt
}

// LastOutput reports when the child last produced output.
func (p *Process) LastOutput() time.Time {
	return time.Unix(0, p.lastOutput.Load())
}

// Done is closed when the child has exited and its output is flushed.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode is valid once Done is closed. A child killed by signal
// reports -1.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *Process) WaitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Stop asks the process group to terminate and escalates to SIGKILL
// after the grace period.
func (p *Process) Stop(grace time.Duration) {
	if err := p.signalGroup(syscall.SIGTERM); err != nil {
		p.Kill()
		return
	}
	select {
	case <-p.done:
	case <-time.After(grace):
		p.Kill()
	}
}

// Kill sends SIGKILL to the whole process group.
func (p *Process) Kill() {
	if err := p.signalGroup(syscall.SIGKILL); err != nil &&
		!errors.Is(err, syscall.ESRCH) {
		slog.Warn("provider: failed to kill process group", "pid", p.cmd.Process.Pid, "error", err)
	}
}

func (p *Process) signalGroup(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return errors.New("process not started")
	}
	// Negative pid targets the whole process group.
	return syscall.Kill(-p.cmd.Process.Pid, sig)
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func quoteCommand(command string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, arg := range append([]string{command}, args...) {
		quoted, err := syntax.Quote(arg, syntax.LangBash)
		if err != nil {
			quoted = fmt.Sprintf("%q", arg)
		}
		parts = append(parts, quoted)
	}
	return strings.Join(parts, " ")
}
