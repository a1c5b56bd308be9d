package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/agentcorp/internal/agent"
	"github.com/kazz187/agentcorp/internal/broadcast"
	"github.com/kazz187/agentcorp/internal/config"
	"github.com/kazz187/agentcorp/internal/eventbus"
	"github.com/kazz187/agentcorp/internal/provider"
	"github.com/kazz187/agentcorp/internal/review"
	"github.com/kazz187/agentcorp/internal/task"
	"github.com/kazz187/agentcorp/internal/tasklog"
	"github.com/kazz187/agentcorp/internal/worktree"
	"github.com/kazz187/agentcorp/pkg/cerr"
	"github.com/kazz187/agentcorp/pkg/storage"
)

// CompletionCallback is invoked once when a task's execution finishes.
// The orchestrator registers one per cross-department queue step so the
// queue can advance.
type CompletionCallback func(ctx context.Context, taskID string, success bool)

type handle struct {
	taskID  string
	agentID string
	proc    *provider.Process
	logFile *os.File
	cancel  context.CancelFunc
	stopped bool
}

// Supervisor owns every running CLI child. One process per task, each
// in its own worktree and process group, with idle and hard timeouts.
type Supervisor struct {
	env       *config.SupervisorEnv
	worktrees *worktree.Manager
	state     *task.StateMachine
	tasks     task.Repository
	agents    agent.Repository
	logs      tasklog.Repository
	reviews   review.Repository
	archive   storage.Storage
	bc        broadcast.Broadcaster

	mu        sync.Mutex
	handles   map[string]*handle
	callbacks map[string]CompletionCallback
	wg        sync.WaitGroup
	shutdown  bool
}

func New(
	env *config.SupervisorEnv,
	worktrees *worktree.Manager,
	state *task.StateMachine,
	tasks task.Repository,
	agents agent.Repository,
	logs tasklog.Repository,
	reviews review.Repository,
	archive storage.Storage,
	bc broadcast.Broadcaster,
) *Supervisor {
	return &Supervisor{
		env:       env,
		worktrees: worktrees,
		state:     state,
		tasks:     tasks,
		agents:    agents,
		logs:      logs,
		reviews:   reviews,
		archive:   archive,
		bc:        bc,
		handles:   make(map[string]*handle),
		callbacks: make(map[string]CompletionCallback),
	}
}

// RegisterCallback arranges for fn to run when the task's execution
// finishes, replacing any previous registration for the task.
func (s *Supervisor) RegisterCallback(taskID string, fn CompletionCallback) {
	s.mu.Lock()
	s.callbacks[taskID] = fn
	s.mu.Unlock()
}

func (s *Supervisor) takeCallback(taskID string) CompletionCallback {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn := s.callbacks[taskID]
	delete(s.callbacks, taskID)
	return fn
}

// HasCallback reports whether a completion callback is still registered
// for the task. The watchdog uses it to detect callbacks lost to a
// restart.
func (s *Supervisor) HasCallback(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.callbacks[taskID]
	return ok
}

// Running reports whether a live child exists for the task.
func (s *Supervisor) Running(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[taskID]
	return ok
}

func (s *Supervisor) LogPath(taskID string) string {
	return filepath.Join(s.env.TaskLogDir, taskID+".log")
}

// Start spawns the CLI for a task inside its worktree. The task must
// already be in_progress with an assigned agent.
func (s *Supervisor) Start(ctx context.Context, t *task.Task, agentID, prompt string) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return cerr.NewError(cerr.Unavailable, "supervisor is shutting down", nil)
	}
	if _, ok := s.handles[t.ID]; ok {
		s.mu.Unlock()
		return cerr.NewError(cerr.AlreadyExists, fmt.Sprintf("task %s is already executing", t.ID), nil)
	}
	s.mu.Unlock()

	binding, err := s.worktrees.Create(ctx, t.ID, t.ProjectPath)
	if err != nil {
		return cerr.NewError(cerr.Internal, "failed to prepare worktree", err)
	}

	if err := os.MkdirAll(s.env.TaskLogDir, 0755); err != nil {
		return cerr.NewError(cerr.Internal, "failed to create task log dir", err)
	}
	logFile, err := os.OpenFile(s.LogPath(t.ID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return cerr.NewError(cerr.Internal, "failed to open task log", err)
	}

	s.appendLog(ctx, t.ID, tasklog.KindRun, tasklog.OutcomeStarted, fmt.Sprintf("agent %s started execution", agentID))

	procCtx, cancel := context.WithCancel(context.Background())
	proc, err := provider.Start(procCtx, &provider.Spec{
		Command: s.env.CLICommand,
		Prompt:  prompt,
		Dir:     binding.Path,
		Log:     logFile,
	})
	if err != nil {
		cancel()
		logFile.Close()
		s.appendLog(ctx, t.ID, tasklog.KindRun, tasklog.OutcomeFailed, fmt.Sprintf("failed to spawn CLI: %v", err))
		return cerr.NewError(cerr.Internal, "failed to spawn CLI", err)
	}

	h := &handle{
		taskID:  t.ID,
		agentID: agentID,
		proc:    proc,
		logFile: logFile,
		cancel:  cancel,
	}
	s.mu.Lock()
	s.handles[t.ID] = h
	s.wg.Add(1)
	s.mu.Unlock()

	go s.monitor(h)
	return nil
}

func (s *Supervisor) monitor(h *handle) {
	defer s.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.proc.Done():
			s.onExit(h)
			return
		case <-ticker.C:
			now := time.Now()
			if s.env.HardTimeout > 0 && now.Sub(h.proc.StartedAt()) > s.env.HardTimeout {
				s.appendLog(context.Background(), h.taskID, tasklog.KindNotice, "",
					fmt.Sprintf("hard timeout after %s, killing process group", s.env.HardTimeout))
				h.proc.Kill()
				continue
			}
			if s.env.IdleTimeout > 0 && now.Sub(h.proc.LastOutput()) > s.env.IdleTimeout {
				s.appendLog(context.Background(), h.taskID, tasklog.KindNotice, "",
					fmt.Sprintf("no output for %s, killing process group", s.env.IdleTimeout))
				h.proc.Kill()
			}
		}
	}
}

func (s *Supervisor) onExit(h *handle) {
	ctx := context.Background()
	h.logFile.Close()
	h.cancel()

	s.mu.Lock()
	delete(s.handles, h.taskID)
	stopped := h.stopped
	shutdown := s.shutdown
	s.mu.Unlock()

	if stopped || shutdown {
		// Stop and Shutdown handle state transitions themselves.
		return
	}

	success := h.proc.ExitCode() == 0
	if success {
		s.appendLog(ctx, h.taskID, tasklog.KindRun, tasklog.OutcomeSucceeded,
			"execution finished with exit code 0")
	} else {
		s.appendLog(ctx, h.taskID, tasklog.KindRun, tasklog.OutcomeFailed,
			fmt.Sprintf("execution finished with exit code %d", h.proc.ExitCode()))
	}

	if err := s.Complete(ctx, h.taskID, success); err != nil {
		slog.Error("supervisor: completion handling failed", "task_id", h.taskID, "error", err)
	}
}

// Complete drives the post-execution state changes for a task. It is
// idempotent with respect to already-applied transitions, so the
// watchdog replays it for orphaned tasks after a restart.
func (s *Supervisor) Complete(ctx context.Context, taskID string, success bool) error {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}

	linked, err := s.tasks.ListSubtasksByDelegatedTask(ctx, taskID)
	if err != nil {
		return err
	}

	if len(linked) > 0 {
		err = s.completeDelegated(ctx, t, linked, success)
	} else {
		err = s.completeNormal(ctx, t, success)
	}
	if err != nil {
		return err
	}

	if fn := s.takeCallback(taskID); fn != nil {
		fn(ctx, taskID, success)
	}
	return nil
}

// completeDelegated finalizes a task that executed one or more subtasks
// on behalf of another department's task.
func (s *Supervisor) completeDelegated(ctx context.Context, t *task.Task, linked []*task.Subtask, success bool) error {
	if success {
		if !t.Status.IsTerminal() {
			if _, err := s.state.Transition(ctx, t.ID, task.StatusDone); err != nil {
				return err
			}
		}
		s.tryMerge(ctx, t.ID)
	} else if !t.Status.IsTerminal() {
		if _, err := s.state.Transition(ctx, t.ID, task.StatusInbox); err != nil {
			return err
		}
	}

	for _, st := range linked {
		if success {
			if err := s.state.SyncSubtaskFromDelegatedTask(ctx, st.ID); err != nil {
				return err
			}
		} else {
			if err := s.state.MarkSubtaskBlocked(ctx, st.ID,
				fmt.Sprintf("delegated execution %s failed", t.ID)); err != nil {
				return err
			}
		}
	}

	s.freeAgent(ctx, t)
	s.bc.Broadcast(ctx, eventbus.EventTaskCompleted, t.ID, map[string]string{
		"title":   t.Title,
		"outcome": outcomeLabel(success),
	})
	if success {
		s.archiveTranscript(ctx, t.ID)
	}
	return nil
}

// completeNormal drives a task's own completion: review on success with
// an automatic merge attempt, demotion to inbox on failure.
func (s *Supervisor) completeNormal(ctx context.Context, t *task.Task, success bool) error {
	if success {
		fresh := t.Status == task.StatusInProgress
		if fresh {
			if _, err := s.state.Transition(ctx, t.ID, task.StatusReview); err != nil {
				return err
			}
		}
		s.openReviewRound(ctx, t.ID, fresh)
		if s.tryMerge(ctx, t.ID) {
			if _, err := s.state.Transition(ctx, t.ID, task.StatusDone); err != nil {
				return err
			}
			s.archiveTranscript(ctx, t.ID)
		}
	} else if !t.Status.IsTerminal() {
		if _, err := s.state.Transition(ctx, t.ID, task.StatusInbox); err != nil {
			return err
		}
	}

	s.freeAgent(ctx, t)
	s.bc.Broadcast(ctx, eventbus.EventTaskCompleted, t.ID, map[string]string{
		"title":   t.Title,
		"outcome": outcomeLabel(success),
	})
	return nil
}

// openReviewRound records a review round for a task entering review.
// Replays after a restart write a duplicate row for the same round; the
// watchdog prunes those down to the most recent.
func (s *Supervisor) openReviewRound(ctx context.Context, taskID string, fresh bool) {
	if s.reviews == nil {
		return
	}
	existing, err := s.reviews.ListByTask(ctx, taskID)
	if err != nil {
		slog.Warn("supervisor: failed to list review rounds", "task_id", taskID, "error", err)
		return
	}
	round := 0
	for _, r := range existing {
		if r.Round > round {
			round = r.Round
		}
	}
	if fresh || round == 0 {
		round++
	}
	err = s.reviews.Create(ctx, &review.Review{
		ID:        ulid.Make().String(),
		TaskID:    taskID,
		Round:     round,
		Status:    review.StatusInProgress,
		CreatedAt: time.Now(),
	})
	if err != nil {
		slog.Warn("supervisor: failed to record review round", "task_id", taskID, "error", err)
	}
}

// tryMerge attempts the automatic merge into the base branch. A failed
// merge keeps the worktree so it can be inspected and merged manually.
func (s *Supervisor) tryMerge(ctx context.Context, taskID string) bool {
	if _, ok := s.worktrees.Get(taskID); !ok {
		return true
	}
	if err := s.worktrees.Merge(ctx, taskID); err != nil {
		slog.Warn("supervisor: automatic merge failed", "task_id", taskID, "error", err)
		s.appendLog(ctx, taskID, tasklog.KindNotice, "", fmt.Sprintf("automatic merge failed: %v", err))
		return false
	}
	s.appendLog(ctx, taskID, tasklog.KindNotice, "", "worktree merged into base branch")
	return true
}

// FinalizeMerged completes a reviewed task after its worktree was
// merged manually through the API.
func (s *Supervisor) FinalizeMerged(ctx context.Context, taskID string) error {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusReview {
		return nil
	}
	if _, err := s.state.Transition(ctx, taskID, task.StatusDone); err != nil {
		return err
	}
	s.appendLog(ctx, taskID, tasklog.KindNotice, "", "worktree merged manually")
	s.freeAgent(ctx, t)
	s.archiveTranscript(ctx, taskID)
	s.bc.Broadcast(ctx, eventbus.EventTaskCompleted, taskID, map[string]string{
		"title":   t.Title,
		"outcome": outcomeLabel(true),
	})
	return nil
}

// Stop kills a task's execution on request, cancels the task, and
// discards its worktree.
func (s *Supervisor) Stop(ctx context.Context, taskID string) error {
	s.mu.Lock()
	h, ok := s.handles[taskID]
	if ok {
		h.stopped = true
	}
	s.mu.Unlock()

	if ok {
		h.proc.Stop(s.env.StopGrace)
		<-h.proc.Done()
		s.appendLog(ctx, taskID, tasklog.KindRun, tasklog.OutcomeFailed, "execution stopped by request")
	}
	s.takeCallback(taskID)

	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if !t.Status.IsTerminal() {
		if _, err := s.state.Transition(ctx, taskID, task.StatusCancelled); err != nil {
			return err
		}
	}
	if err := s.worktrees.Discard(ctx, taskID); err != nil {
		slog.Warn("supervisor: failed to discard worktree on stop", "task_id", taskID, "error", err)
	}
	s.freeAgent(ctx, t)
	return nil
}

// Shutdown kills every tracked process group, rolls the worktrees back
// without merging, cancels the tasks, and frees their agents.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.shutdown = true
	var hs []*handle
	for _, h := range s.handles {
		h.stopped = true
		hs = append(hs, h)
	}
	s.mu.Unlock()

	for _, h := range hs {
		h.proc.Kill()
	}
	s.wg.Wait()

	for _, h := range hs {
		s.appendLog(ctx, h.taskID, tasklog.KindRun, tasklog.OutcomeFailed, "execution killed by server shutdown")
		if t, err := s.tasks.Get(ctx, h.taskID); err == nil {
			if !t.Status.IsTerminal() {
				if _, err := s.state.Transition(ctx, h.taskID, task.StatusCancelled); err != nil {
					slog.Error("supervisor: failed to cancel task on shutdown", "task_id", h.taskID, "error", err)
				}
			}
			s.freeAgent(ctx, t)
		}
		if err := s.worktrees.Discard(ctx, h.taskID); err != nil {
			slog.Warn("supervisor: failed to roll back worktree on shutdown", "task_id", h.taskID, "error", err)
		}
	}
}

func (s *Supervisor) freeAgent(ctx context.Context, t *task.Task) {
	if t.AssignedAgentID == "" {
		return
	}
	if err := s.agents.Free(ctx, t.AssignedAgentID); err != nil {
		slog.Warn("supervisor: failed to free agent", "agent_id", t.AssignedAgentID, "error", err)
	}
}

// archiveTranscript copies the task's execution log into durable
// storage once the task finishes.
func (s *Supervisor) archiveTranscript(ctx context.Context, taskID string) {
	if s.archive == nil {
		return
	}
	data, err := os.ReadFile(s.LogPath(taskID))
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("supervisor: failed to read transcript", "task_id", taskID, "error", err)
		}
		return
	}
	if err := s.archive.Write(ctx, "transcripts/"+taskID+".log", data); err != nil {
		slog.Warn("supervisor: failed to archive transcript", "task_id", taskID, "error", err)
	}
}

// TranscriptTail returns the last maxLines lines of the task's
// execution log, falling back to the archived copy for finished tasks.
func (s *Supervisor) TranscriptTail(ctx context.Context, taskID string, maxLines int) ([]string, error) {
	data, err := os.ReadFile(s.LogPath(taskID))
	if os.IsNotExist(err) {
		if s.archive == nil {
			return nil, nil
		}
		data, err = s.archive.Read(ctx, "transcripts/"+taskID+".log")
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
	}
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "failed to read transcript", err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return lines, nil
}

func (s *Supervisor) appendLog(ctx context.Context, taskID, kind, outcome, detail string) {
	entry := &tasklog.Entry{
		ID:        ulid.Make().String(),
		TaskID:    taskID,
		Kind:      kind,
		Outcome:   outcome,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	if err := s.logs.Append(ctx, entry); err != nil {
		slog.Error("supervisor: failed to append task log", "task_id", taskID, "error", err)
	}
}

func outcomeLabel(success bool) string {
	if success {
		return "succeeded"
	}
	return "failed"
}
