package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/agentcorp/internal/department"
	"github.com/kazz187/agentcorp/internal/message"
	"github.com/kazz187/agentcorp/internal/scheduler"
	"github.com/kazz187/agentcorp/internal/task"
	"github.com/kazz187/agentcorp/internal/tasklog"
)

// queueStep is one department's turn in the sequential cooperation
// queue. SubtaskIDs is empty on the mention-only fallback path.
type queueStep struct {
	departmentID string
	title        string
	subtaskIDs   []string
}

// startQueue begins the sequential cross-department queue for a parent
// task. The dispatch-in-flight marker makes overlapping triggers (an
// API call plus a watchdog sweep) collapse into one queue run.
func (o *Orchestrator) startQueue(ctx context.Context, parentID string, fallbackDepts []string, done func(ctx context.Context)) error {
	parent, err := o.tasks.Get(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.Status.IsTerminal() {
		return nil
	}
	if parent.DispatchInflight {
		return nil
	}
	if err := o.tasks.SetDispatchInflight(ctx, parentID, true); err != nil {
		return err
	}

	steps, err := o.buildSteps(ctx, parent, fallbackDepts)
	if err != nil {
		o.clearInflight(ctx, parentID)
		return err
	}
	o.runStep(ctx, parentID, steps, 0, done)
	return nil
}

// buildSteps prefers batching existing cross-department subtasks; raw
// department mentions fall back to one single-task step per department.
func (o *Orchestrator) buildSteps(ctx context.Context, parent *task.Task, fallbackDepts []string) ([]queueStep, error) {
	batches, err := o.batchSubtasks(ctx, parent)
	if err != nil {
		return nil, err
	}
	if len(batches) > 0 {
		return batches, nil
	}

	var steps []queueStep
	for _, name := range fallbackDepts {
		dept, err := o.depts.GetByName(ctx, name)
		if err != nil {
			continue
		}
		if dept.ID == parent.DepartmentID {
			continue
		}
		if done, err := o.departmentSatisfied(ctx, parent.ID, dept.ID); err != nil {
			return nil, err
		} else if done {
			continue
		}
		steps = append(steps, queueStep{
			departmentID: dept.ID,
			title:        fmt.Sprintf("[coop] %s", parent.Title),
		})
	}
	return steps, nil
}

// batchSubtasks groups the parent's open cross-department subtasks by
// target department and orders the batches by department priority,
// then sort order, then the batch's earliest subtask.
func (o *Orchestrator) batchSubtasks(ctx context.Context, parent *task.Task) ([]queueStep, error) {
	subtasks, err := o.tasks.ListSubtasks(ctx, parent.ID)
	if err != nil {
		return nil, err
	}

	type batch struct {
		departmentID string
		subtaskIDs   []string
		earliest     time.Time
	}
	byDept := make(map[string]*batch)
	var order []string
	for _, st := range subtasks {
		if st.TargetDepartmentID == "" || st.TargetDepartmentID == parent.DepartmentID {
			continue
		}
		open, err := o.subtaskOpen(ctx, st)
		if err != nil {
			return nil, err
		}
		if !open {
			continue
		}
		b, ok := byDept[st.TargetDepartmentID]
		if !ok {
			b = &batch{departmentID: st.TargetDepartmentID, earliest: st.CreatedAt}
			byDept[st.TargetDepartmentID] = b
			order = append(order, st.TargetDepartmentID)
		}
		b.subtaskIDs = append(b.subtaskIDs, st.ID)
		if st.CreatedAt.Before(b.earliest) {
			b.earliest = st.CreatedAt
		}
	}
	if len(byDept) == 0 {
		return nil, nil
	}

	depts, err := o.depts.List(ctx)
	if err != nil {
		return nil, err
	}
	prio := make(map[string]*department.Department, len(depts))
	for _, d := range depts {
		prio[d.ID] = d
	}

	sort.SliceStable(order, func(i, j int) bool {
		a, b := byDept[order[i]], byDept[order[j]]
		da, db := prio[a.departmentID], prio[b.departmentID]
		if da != nil && db != nil {
			if da.Priority != db.Priority {
				return da.Priority > db.Priority
			}
			if da.SortOrder != db.SortOrder {
				return da.SortOrder < db.SortOrder
			}
		}
		return a.earliest.Before(b.earliest)
	})

	steps := make([]queueStep, 0, len(order))
	for _, id := range order {
		b := byDept[id]
		steps = append(steps, queueStep{
			departmentID: b.departmentID,
			title:        fmt.Sprintf("[coop] %s", parent.Title),
			subtaskIDs:   b.subtaskIDs,
		})
	}
	return steps, nil
}

// subtaskOpen reports whether a subtask still needs dispatch: not done,
// and not currently executed by a live delegated task.
func (o *Orchestrator) subtaskOpen(ctx context.Context, st *task.Subtask) (bool, error) {
	if st.Status == task.SubtaskDone {
		return false, nil
	}
	if st.Status == task.SubtaskBlocked {
		return true, nil
	}
	if st.DelegatedTaskID == "" {
		return true, nil
	}
	child, err := o.tasks.Get(ctx, st.DelegatedTaskID)
	if err != nil {
		return true, nil
	}
	return child.Status.IsTerminal() && child.Status != task.StatusDone, nil
}

// departmentSatisfied reports whether the parent already has a done
// child task in the department.
func (o *Orchestrator) departmentSatisfied(ctx context.Context, parentID, departmentID string) (bool, error) {
	children, err := o.tasks.ListChildren(ctx, parentID)
	if err != nil {
		return false, err
	}
	for _, c := range children {
		if c.DepartmentID == departmentID && c.Status == task.StatusDone {
			return true, nil
		}
	}
	return false, nil
}

// runStep dispatches one department and arranges for the completion
// callback to advance to the next. The callback is the only mechanism
// that moves the queue forward.
func (o *Orchestrator) runStep(ctx context.Context, parentID string, steps []queueStep, idx int, done func(ctx context.Context)) {
	parent, err := o.tasks.Get(ctx, parentID)
	if err != nil {
		slog.Error("orchestrator: queue step failed to load parent", "task_id", parentID, "error", err)
		return
	}
	if parent.Status.IsTerminal() {
		o.clearInflight(ctx, parentID)
		return
	}

	if idx >= len(steps) {
		o.clearInflight(ctx, parentID)
		if done != nil {
			done(ctx)
		}
		return
	}

	step := steps[idx]
	leader, err := o.agents.LeaderOf(ctx, step.departmentID)
	if err != nil {
		// No leader means the department is skipped, not an error.
		o.appendLog(ctx, parentID, tasklog.KindNotice,
			fmt.Sprintf("skipping department %s: no team leader", step.departmentID))
		o.runStep(ctx, parentID, steps, idx+1, done)
		return
	}

	child, err := o.dispatchStep(ctx, parent, step, leader.ID)
	if err != nil {
		slog.Error("orchestrator: cooperation dispatch failed",
			"task_id", parentID, "department_id", step.departmentID, "error", err)
		o.appendLog(ctx, parentID, tasklog.KindNotice,
			fmt.Sprintf("cooperation dispatch to %s failed: %v", step.departmentID, err))
		o.runStep(ctx, parentID, steps, idx+1, done)
		return
	}

	o.exec.RegisterCallback(child.ID, func(cbCtx context.Context, childID string, success bool) {
		delay := scheduler.Jitter(o.schedEnv.CoopDelayMin, o.schedEnv.CoopDelayMax)
		o.sched.After(fmt.Sprintf("task:%s:coop:%d", parentID, idx+1), delay, func(ctx context.Context) {
			o.runStep(ctx, parentID, steps, idx+1, done)
		})
	})
}

// dispatchStep creates and starts the child task executing one queue
// step, linking every batched subtask to it.
func (o *Orchestrator) dispatchStep(ctx context.Context, parent *task.Task, step queueStep, leaderID string) (*task.Task, error) {
	o.sendCooperationRequest(ctx, parent, step.departmentID, leaderID)

	child, err := o.state.CreateTask(ctx, task.CreateTaskRequest{
		Title:        step.title,
		Description:  parent.Description,
		DepartmentID: step.departmentID,
		Status:       task.StatusPlanned,
		Priority:     parent.Priority,
		ProjectPath:  parent.ProjectPath,
		SourceTaskID: parent.ID,
	})
	if err != nil {
		return nil, err
	}

	var checklist []*task.Subtask
	for _, stID := range step.subtaskIDs {
		st, err := o.tasks.GetSubtask(ctx, stID)
		if err != nil {
			return nil, err
		}
		// A retried subtask may still point at a dead child.
		if st.DelegatedTaskID != "" && st.DelegatedTaskID != child.ID {
			st.DelegatedTaskID = ""
			if err := o.tasks.UpdateSubtask(ctx, st); err != nil {
				return nil, err
			}
		}
		if err := o.state.LinkSubtaskToDelegatedTask(ctx, st.ID, child.ID); err != nil {
			return nil, err
		}
		checklist = append(checklist, st)
	}

	assignee, err := o.pickAssignee(ctx, step.departmentID)
	if err != nil {
		return nil, err
	}
	if err := o.startExecution(ctx, child, assignee, buildTaskPrompt(child, checklist)); err != nil {
		// A spawn failure completes the step as failed: block the
		// checklist and let the queue move on.
		for _, st := range checklist {
			if berr := o.state.MarkSubtaskBlocked(ctx, st.ID,
				fmt.Sprintf("delegated execution %s failed", child.ID)); berr != nil {
				slog.Warn("orchestrator: failed to block subtask", "subtask_id", st.ID, "error", berr)
			}
		}
		return nil, err
	}
	return child, nil
}

func (o *Orchestrator) sendCooperationRequest(ctx context.Context, parent *task.Task, departmentID, leaderID string) {
	m := &message.Message{
		ID:           ulid.Make().String(),
		SenderType:   "department",
		SenderID:     parent.DepartmentID,
		ReceiverType: "agent",
		ReceiverID:   leaderID,
		Content:      fmt.Sprintf("Cooperation request for task %q: your department's part is ready to start.", parent.Title),
		MessageType:  message.TypeTaskAssign,
		TaskID:       parent.ID,
		CreatedAt:    time.Now(),
	}
	if err := o.messages.Create(ctx, m); err != nil {
		slog.Warn("orchestrator: failed to record cooperation request",
			"task_id", parent.ID, "department_id", departmentID, "error", err)
	}
}

// ResumeQueue reconstructs queue position from persisted state after a
// restart: satisfied departments are skipped and the queue continues
// from the first unsatisfied one. With nothing left it falls through
// to internal delegation.
func (o *Orchestrator) ResumeQueue(ctx context.Context, parentID string) error {
	parent, err := o.tasks.Get(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.Status != task.StatusCollaborating {
		return nil
	}
	// The persisted marker belongs to the lost process; reclaim it.
	if parent.DispatchInflight {
		if err := o.tasks.SetDispatchInflight(ctx, parentID, false); err != nil {
			return err
		}
	}
	return o.startQueue(ctx, parentID, nil, func(ctx context.Context) {
		o.scheduleDelegation(parentID)
	})
}

// hasCrossDepartmentWork reports whether any subtask targets another
// department.
func (o *Orchestrator) hasCrossDepartmentWork(ctx context.Context, taskID, ownDepartmentID string) (bool, error) {
	subtasks, err := o.tasks.ListSubtasks(ctx, taskID)
	if err != nil {
		return false, err
	}
	for _, st := range subtasks {
		if st.TargetDepartmentID != "" && st.TargetDepartmentID != ownDepartmentID {
			return true, nil
		}
	}
	return false, nil
}

func (o *Orchestrator) clearInflight(ctx context.Context, parentID string) {
	if err := o.tasks.SetDispatchInflight(ctx, parentID, false); err != nil {
		slog.Error("orchestrator: failed to clear dispatch marker", "task_id", parentID, "error", err)
	}
}
