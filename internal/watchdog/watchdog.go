// Package watchdog reconciles in-memory dispatch state against the
// store. It assumes the host process can die at any moment: everything
// it repairs is recomputed from persisted rows, and every sweep is
// idempotent so overlapping or repeated runs converge on the same
// state.
package watchdog

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/agentcorp/internal/agent"
	"github.com/kazz187/agentcorp/internal/broadcast"
	"github.com/kazz187/agentcorp/internal/config"
	"github.com/kazz187/agentcorp/internal/eventbus"
	"github.com/kazz187/agentcorp/internal/review"
	"github.com/kazz187/agentcorp/internal/task"
	"github.com/kazz187/agentcorp/internal/tasklog"
)

// Supervisor is the execution surface the watchdog inspects and
// replays completions through.
type Supervisor interface {
	Running(taskID string) bool
	HasCallback(taskID string) bool
	Complete(ctx context.Context, taskID string, success bool) error
	LogPath(taskID string) string
}

// QueueResumer restarts a parent task's cooperation queue from
// persisted state.
type QueueResumer interface {
	ResumeQueue(ctx context.Context, parentID string) error
}

type Watchdog struct {
	env     *config.WatchdogEnv
	tasks   task.Repository
	agents  agent.Repository
	logs    tasklog.Repository
	reviews review.Repository
	state   *task.StateMachine
	sup     Supervisor
	resumer QueueResumer
	bc      broadcast.Broadcaster
	now     func() time.Time
}

func New(
	env *config.WatchdogEnv,
	tasks task.Repository,
	agents agent.Repository,
	logs tasklog.Repository,
	reviews review.Repository,
	state *task.StateMachine,
	sup Supervisor,
	resumer QueueResumer,
	bc broadcast.Broadcaster,
) *Watchdog {
	return &Watchdog{
		env:     env,
		tasks:   tasks,
		agents:  agents,
		logs:    logs,
		reviews: reviews,
		state:   state,
		sup:     sup,
		resumer: resumer,
		bc:      bc,
		now:     time.Now,
	}
}

// WithClock overrides the time source.
func (w *Watchdog) WithClock(now func() time.Time) *Watchdog {
	w.now = now
	return w
}

// Run sweeps once after the startup delay, then on every interval tick
// until the context ends.
func (w *Watchdog) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(w.env.StartupDelay):
	}
	w.Sweep(ctx)

	ticker := time.NewTicker(w.env.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs every reconciliation pass once.
func (w *Watchdog) Sweep(ctx context.Context) {
	if err := w.sweepOrphans(ctx); err != nil {
		slog.Error("watchdog: orphan sweep failed", "error", err)
	}
	if err := w.reconcileSubtasks(ctx); err != nil {
		slog.Error("watchdog: subtask reconciliation failed", "error", err)
	}
	if err := w.resumeLostQueues(ctx); err != nil {
		slog.Error("watchdog: queue resumption failed", "error", err)
	}
	if err := w.pruneReviews(ctx); err != nil {
		slog.Error("watchdog: review pruning failed", "error", err)
	}
}

// sweepOrphans recovers in_progress tasks whose supervised process is
// gone. The last run row decides the outcome: recorded success replays
// the success path, a run attempt without success evidence replays the
// failure path, and anything else is too ambiguous to guess, so the
// task is demoted to inbox instead.
func (w *Watchdog) sweepOrphans(ctx context.Context) error {
	candidates, err := w.tasks.ListOrphanCandidates(ctx)
	if err != nil {
		return err
	}
	now := w.now()
	for _, t := range candidates {
		if w.sup.Running(t.ID) {
			continue
		}
		if now.Sub(t.UpdatedAt) < w.env.OrphanGrace {
			continue
		}
		active, err := w.hasRecentActivity(ctx, t, now)
		if err != nil {
			slog.Warn("watchdog: skipping orphan candidate", "task_id", t.ID, "error", err)
			continue
		}
		if active {
			continue
		}
		w.recoverOrphan(ctx, t)
	}
	return nil
}

// hasRecentActivity checks both the task log rows and the transcript
// file's modification time against the activity window.
func (w *Watchdog) hasRecentActivity(ctx context.Context, t *task.Task, now time.Time) (bool, error) {
	last, err := w.logs.LastActivity(ctx, t.ID)
	if err != nil {
		return false, err
	}
	if !last.IsZero() && now.Sub(last) < w.env.ActivityWindow {
		return true, nil
	}
	if info, err := os.Stat(w.sup.LogPath(t.ID)); err == nil {
		if now.Sub(info.ModTime()) < w.env.ActivityWindow {
			return true, nil
		}
	}
	return false, nil
}

func (w *Watchdog) recoverOrphan(ctx context.Context, t *task.Task) {
	run, err := w.logs.LastRun(ctx, t.ID)
	if err != nil {
		slog.Warn("watchdog: failed to read last run", "task_id", t.ID, "error", err)
		return
	}

	switch {
	case run != nil && run.Outcome == tasklog.OutcomeSucceeded:
		slog.Info("watchdog: replaying orphan success", "task_id", t.ID)
		if err := w.sup.Complete(ctx, t.ID, true); err != nil {
			slog.Error("watchdog: success replay failed", "task_id", t.ID, "error", err)
		}
	case run != nil:
		slog.Info("watchdog: replaying orphan failure", "task_id", t.ID, "last_outcome", run.Outcome)
		if err := w.sup.Complete(ctx, t.ID, false); err != nil {
			slog.Error("watchdog: failure replay failed", "task_id", t.ID, "error", err)
		}
	default:
		w.demote(ctx, t)
	}
}

// demote sends an orphan back to inbox when its outcome cannot be
// determined from the run record.
func (w *Watchdog) demote(ctx context.Context, t *task.Task) {
	agentID := t.AssignedAgentID
	if _, err := w.state.Transition(ctx, t.ID, task.StatusInbox); err != nil {
		slog.Error("watchdog: failed to demote orphan", "task_id", t.ID, "error", err)
		return
	}
	if err := w.tasks.SetDispatchInflight(ctx, t.ID, false); err != nil {
		slog.Warn("watchdog: failed to clear dispatch marker", "task_id", t.ID, "error", err)
	}
	if agentID != "" {
		if err := w.agents.Free(ctx, agentID); err != nil {
			slog.Warn("watchdog: failed to free agent", "agent_id", agentID, "error", err)
		}
	}
	w.appendNotice(ctx, t.ID, "recovered orphaned execution: outcome unknown, returned to inbox")
	w.bc.Broadcast(ctx, eventbus.EventWatchdogRecovered, t.ID, map[string]string{
		"title":  t.Title,
		"action": "demoted",
	})
	slog.Info("watchdog: demoted orphan to inbox", "task_id", t.ID)
}

// reconcileSubtasks repairs subtask linkage for children whose parent
// queue lost its in-memory state: linked subtasks are re-synced from
// the child's current status, and unlinked children are re-attached to
// the first open subtask targeting their department.
func (w *Watchdog) reconcileSubtasks(ctx context.Context) error {
	parents, err := w.tasks.ListByStatus(ctx, task.StatusCollaborating)
	if err != nil {
		return err
	}
	for _, parent := range parents {
		children, err := w.tasks.ListChildren(ctx, parent.ID)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := w.reconcileChild(ctx, parent, child); err != nil {
				slog.Warn("watchdog: failed to reconcile child task",
					"task_id", parent.ID, "child_id", child.ID, "error", err)
			}
		}
	}
	return nil
}

func (w *Watchdog) reconcileChild(ctx context.Context, parent, child *task.Task) error {
	linked, err := w.tasks.ListSubtasksByDelegatedTask(ctx, child.ID)
	if err != nil {
		return err
	}
	if len(linked) > 0 {
		for _, st := range linked {
			if err := w.state.SyncSubtaskFromDelegatedTask(ctx, st.ID); err != nil {
				return err
			}
		}
		return nil
	}

	// Linkage lost entirely: re-attach by target department.
	subtasks, err := w.tasks.ListSubtasks(ctx, parent.ID)
	if err != nil {
		return err
	}
	for _, st := range subtasks {
		if st.TargetDepartmentID != child.DepartmentID || st.DelegatedTaskID != "" {
			continue
		}
		if st.Status == task.SubtaskDone {
			continue
		}
		if err := w.state.LinkSubtaskToDelegatedTask(ctx, st.ID, child.ID); err != nil {
			return err
		}
		return w.state.SyncSubtaskFromDelegatedTask(ctx, st.ID)
	}
	return nil
}

// resumeLostQueues restarts cooperation queues whose advancing callback
// died with the previous process: a finished child with no registered
// callback and no still-active sibling means nobody will ever move the
// parent forward.
func (w *Watchdog) resumeLostQueues(ctx context.Context) error {
	parents, err := w.tasks.ListByStatus(ctx, task.StatusCollaborating)
	if err != nil {
		return err
	}
	for _, parent := range parents {
		children, err := w.tasks.ListChildren(ctx, parent.ID)
		if err != nil {
			return err
		}
		stalled := false
		active := false
		for _, child := range children {
			if !child.Status.IsTerminal() {
				if w.sup.Running(child.ID) || w.sup.HasCallback(child.ID) {
					active = true
					break
				}
			}
			if child.Status.IsTerminal() && w.sup.HasCallback(child.ID) {
				active = true
				break
			}
			if child.Status.IsTerminal() && !w.sup.HasCallback(child.ID) {
				stalled = true
			}
		}
		if active || !stalled {
			continue
		}
		slog.Info("watchdog: resuming lost cooperation queue", "task_id", parent.ID)
		if err := w.resumer.ResumeQueue(ctx, parent.ID); err != nil {
			slog.Error("watchdog: queue resume failed", "task_id", parent.ID, "error", err)
		}
	}
	return nil
}

// pruneReviews collapses duplicate review rounds left behind by
// restarts, keeping the most recent record per (task, round).
func (w *Watchdog) pruneReviews(ctx context.Context) error {
	for _, status := range []task.Status{task.StatusReview, task.StatusInProgress} {
		tasks, err := w.tasks.ListByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if err := w.pruneTaskReviews(ctx, t.ID); err != nil {
				slog.Warn("watchdog: review pruning failed", "task_id", t.ID, "error", err)
			}
		}
	}
	return nil
}

func (w *Watchdog) pruneTaskReviews(ctx context.Context, taskID string) error {
	rounds, err := w.reviews.ListByTask(ctx, taskID)
	if err != nil {
		return err
	}
	newest := make(map[int]*review.Review)
	for _, r := range rounds {
		cur, ok := newest[r.Round]
		if !ok || r.CreatedAt.After(cur.CreatedAt) {
			newest[r.Round] = r
		}
	}
	for _, r := range rounds {
		if newest[r.Round].ID == r.ID {
			continue
		}
		if err := w.reviews.Delete(ctx, r.ID); err != nil {
			return err
		}
		slog.Info("watchdog: pruned duplicate review", "task_id", taskID, "round", r.Round, "review_id", r.ID)
	}
	return nil
}

func (w *Watchdog) appendNotice(ctx context.Context, taskID, detail string) {
	entry := &tasklog.Entry{
		ID:        ulid.Make().String(),
		TaskID:    taskID,
		Kind:      tasklog.KindNotice,
		Detail:    detail,
		CreatedAt: w.now(),
	}
	if err := w.logs.Append(ctx, entry); err != nil {
		slog.Warn("watchdog: failed to append notice", "task_id", taskID, "error", err)
	}
}
