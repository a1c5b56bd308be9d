package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/agentcorp/internal/agent"
	"github.com/kazz187/agentcorp/internal/broadcast"
	"github.com/kazz187/agentcorp/internal/config"
	"github.com/kazz187/agentcorp/internal/department"
	"github.com/kazz187/agentcorp/internal/eventbus"
	"github.com/kazz187/agentcorp/internal/message"
	"github.com/kazz187/agentcorp/internal/planner"
	"github.com/kazz187/agentcorp/internal/scheduler"
	"github.com/kazz187/agentcorp/internal/supervisor"
	"github.com/kazz187/agentcorp/internal/task"
	"github.com/kazz187/agentcorp/internal/tasklog"
)

// Executor is the supervisor surface the orchestrator depends on.
type Executor interface {
	Start(ctx context.Context, t *task.Task, agentID, prompt string) error
	RegisterCallback(taskID string, fn supervisor.CompletionCallback)
	Running(taskID string) bool
	HasCallback(taskID string) bool
	Stop(ctx context.Context, taskID string) error
}

// Inbound is an accepted message plus the request-scoped context the
// gateway resolved for it.
type Inbound struct {
	Message      *message.Message
	ProjectPath  string
	SkipPlanning bool
}

// Orchestrator converts accepted messages into scheduled delegation
// steps: acknowledgment, task creation, planning, internal dispatch,
// and the sequential cross-department cooperation queue.
type Orchestrator struct {
	companyEnv *config.CompanyEnv
	schedEnv   *config.SchedulerEnv
	sched      *scheduler.Scheduler
	state      *task.StateMachine
	tasks      task.Repository
	agents     agent.Repository
	depts      department.Repository
	messages   message.Repository
	logs       tasklog.Repository
	exec       Executor
	plan       planner.Planner
	bc         broadcast.Broadcaster

	mu            sync.Mutex
	mentionGuard  map[string]map[string]bool
	mentionRouted map[string]bool
	lastProject   string
}

func New(
	companyEnv *config.CompanyEnv,
	schedEnv *config.SchedulerEnv,
	sched *scheduler.Scheduler,
	state *task.StateMachine,
	tasks task.Repository,
	agents agent.Repository,
	depts department.Repository,
	messages message.Repository,
	logs tasklog.Repository,
	exec Executor,
	plan planner.Planner,
	bc broadcast.Broadcaster,
) *Orchestrator {
	return &Orchestrator{
		companyEnv:    companyEnv,
		schedEnv:      schedEnv,
		sched:         sched,
		state:         state,
		tasks:         tasks,
		agents:        agents,
		depts:         depts,
		messages:      messages,
		logs:          logs,
		exec:          exec,
		plan:          plan,
		bc:            bc,
		mentionGuard:  make(map[string]map[string]bool),
		mentionRouted: make(map[string]bool),
	}
}

// HandleAsync queues the message for orchestration and returns. The
// HTTP response does not wait for delegation to run.
func (o *Orchestrator) HandleAsync(in *Inbound) {
	o.sched.After("msg:"+in.Message.ID, 0, func(ctx context.Context) {
		if err := o.Handle(ctx, in); err != nil {
			slog.Error("orchestrator: message handling failed",
				"message_id", in.Message.ID, "type", in.Message.MessageType, "error", err)
		}
	})
}

func (o *Orchestrator) Handle(ctx context.Context, in *Inbound) error {
	switch in.Message.MessageType {
	case message.TypeDirective:
		return o.handleDirective(ctx, in)
	case message.TypeReport:
		return o.handleReportRequest(ctx, in)
	case message.TypeChat, message.TypeAnnouncement:
		return o.handleMentions(ctx, in)
	default:
		return nil
	}
}

// handleDirective runs the full delegation pipeline for a directive.
func (o *Orchestrator) handleDirective(ctx context.Context, in *Inbound) error {
	m := in.Message

	deptName := department.Planning
	if m.ReceiverType == "department" && m.ReceiverID != "" {
		deptName = m.ReceiverID
	}
	dept, err := o.depts.GetByName(ctx, deptName)
	if err != nil {
		dept, err = o.depts.GetByName(ctx, department.Planning)
		if err != nil {
			return err
		}
	}
	leader, err := o.agents.LeaderOf(ctx, dept.ID)
	if err != nil {
		return err
	}

	o.scheduleAck(leader, m)

	t, err := o.state.CreateTask(ctx, task.CreateTaskRequest{
		Title:        titleFrom(m.Content),
		Description:  m.Content,
		DepartmentID: dept.ID,
		Status:       task.StatusPlanned,
		Priority:     dept.Priority,
		ProjectPath:  in.ProjectPath,
	})
	if err != nil {
		return err
	}
	o.rememberProject(in.ProjectPath)
	o.appendLog(ctx, t.ID, tasklog.KindSystem, fmt.Sprintf("task created from directive %s", m.ID))
	o.bc.Broadcast(ctx, eventbus.EventTaskCreated, t.ID, map[string]string{
		"title":      t.Title,
		"department": dept.Name,
	})

	if !in.SkipPlanning && !o.companyEnv.SkipPlanning && o.plan != nil {
		o.runPlanningGate(ctx, t, m.Content)
	}

	mentioned := o.guardedMentions(ctx, m, dept.Name)

	if dept.Name == department.Planning {
		hasCross, err := o.hasCrossDepartmentWork(ctx, t.ID, dept.ID)
		if err != nil {
			return err
		}
		if hasCross || len(mentioned) > 0 {
			if _, err := o.state.Transition(ctx, t.ID, task.StatusCollaborating); err != nil {
				return err
			}
			return o.startQueue(ctx, t.ID, mentioned, func(ctx context.Context) {
				o.scheduleDelegation(t.ID)
			})
		}
		o.scheduleDelegation(t.ID)
		return nil
	}

	o.scheduleDelegation(t.ID)
	if len(mentioned) > 0 {
		return o.startQueue(ctx, t.ID, mentioned, nil)
	}
	return nil
}

// runPlanningGate seeds the plan's items as subtasks before any
// dispatch happens. A failed planning step is logged, not fatal.
func (o *Orchestrator) runPlanningGate(ctx context.Context, t *task.Task, directive string) {
	depts, err := o.depts.List(ctx)
	if err != nil {
		o.appendLog(ctx, t.ID, tasklog.KindNotice, fmt.Sprintf("planning skipped: %v", err))
		return
	}
	names := make([]string, 0, len(depts))
	byName := make(map[string]*department.Department, len(depts))
	for _, d := range depts {
		names = append(names, d.Name)
		byName[d.Name] = d
	}

	items, err := o.plan.Plan(ctx, directive, names, o.projectOrDefault(t.ProjectPath))
	if err != nil {
		o.appendLog(ctx, t.ID, tasklog.KindNotice, fmt.Sprintf("planning failed, continuing without subtasks: %v", err))
		return
	}
	for _, item := range items {
		target := ""
		if d, ok := byName[item.Department]; ok && d.ID != t.DepartmentID {
			target = d.ID
		}
		if _, err := o.state.CreateSubtask(ctx, t.ID, item.Title, item.Description, target); err != nil {
			o.appendLog(ctx, t.ID, tasklog.KindNotice, fmt.Sprintf("failed to persist plan item %q: %v", item.Title, err))
		}
	}
	o.appendLog(ctx, t.ID, tasklog.KindSystem, fmt.Sprintf("planning produced %d subtasks", len(items)))
}

// scheduleDelegation queues the internal dispatch step with the
// configured jitter.
func (o *Orchestrator) scheduleDelegation(taskID string) {
	delay := scheduler.Jitter(o.schedEnv.DispatchDelayMin, o.schedEnv.DispatchDelayMax)
	o.sched.After("task:"+taskID+":dispatch", delay, func(ctx context.Context) {
		if err := o.DelegateInternally(ctx, taskID); err != nil {
			slog.Error("orchestrator: internal delegation failed", "task_id", taskID, "error", err)
		}
	})
}

// DelegateInternally assigns the task inside its own department and
// starts execution. It re-reads status first so a cancellation that
// happened while the event was queued turns it into a no-op.
func (o *Orchestrator) DelegateInternally(ctx context.Context, taskID string) error {
	t, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() || t.Status == task.StatusInProgress {
		return nil
	}
	if o.exec.Running(taskID) {
		return nil
	}

	assignee, err := o.pickAssignee(ctx, t.DepartmentID)
	if err != nil {
		return err
	}
	if err := o.startExecution(ctx, t, assignee, buildTaskPrompt(t, nil)); err != nil {
		return err
	}
	return nil
}

// pickAssignee prefers a subordinate and falls back to the leader
// self-executing.
func (o *Orchestrator) pickAssignee(ctx context.Context, departmentID string) (*agent.Agent, error) {
	members, err := o.agents.ListByDepartment(ctx, departmentID)
	if err != nil {
		return nil, err
	}
	if sub := agent.PickSubordinate(members); sub != nil {
		return sub, nil
	}
	return o.agents.LeaderOf(ctx, departmentID)
}

// startExecution performs the assign/transition/spawn sequence shared
// by internal delegation, cooperation steps, and report tasks.
func (o *Orchestrator) startExecution(ctx context.Context, t *task.Task, assignee *agent.Agent, prompt string) error {
	if _, err := o.state.Assign(ctx, t.ID, assignee.ID); err != nil {
		return err
	}
	if err := o.agents.SetWorking(ctx, assignee.ID, t.ID); err != nil {
		return err
	}
	updated, err := o.state.Transition(ctx, t.ID, task.StatusInProgress)
	if err != nil {
		return err
	}
	updated.ProjectPath = o.projectOrDefault(updated.ProjectPath)

	o.bc.Broadcast(ctx, eventbus.EventAgentAssigned, t.ID, map[string]string{
		"agent": assignee.Name,
		"title": t.Title,
	})

	if err := o.exec.Start(ctx, updated, assignee.ID, prompt); err != nil {
		// Spawn failure is a failed run, not a crash.
		o.appendRun(ctx, t.ID, tasklog.OutcomeFailed, fmt.Sprintf("failed to start execution: %v", err))
		if _, terr := o.state.Transition(ctx, t.ID, task.StatusInbox); terr != nil {
			return terr
		}
		if ferr := o.agents.Free(ctx, assignee.ID); ferr != nil {
			slog.Warn("orchestrator: failed to free agent after spawn failure", "agent_id", assignee.ID, "error", ferr)
		}
		return err
	}
	return nil
}

// scheduleAck queues the team leader's jittered acknowledgment reply.
func (o *Orchestrator) scheduleAck(leader *agent.Agent, m *message.Message) {
	delay := scheduler.Jitter(o.schedEnv.AckDelayMin, o.schedEnv.AckDelayMax)
	o.sched.After("msg:"+m.ID+":ack", delay, func(ctx context.Context) {
		ack := &message.Message{
			ID:           ulid.Make().String(),
			SenderType:   "agent",
			SenderID:     leader.ID,
			ReceiverType: m.SenderType,
			ReceiverID:   m.SenderID,
			Content:      fmt.Sprintf("%s here, on it. I'll get the team moving.", leader.Name),
			MessageType:  message.TypeChat,
			TaskID:       m.TaskID,
			CreatedAt:    time.Now(),
		}
		if err := o.messages.Create(ctx, ack); err != nil {
			slog.Error("orchestrator: failed to create ack message", "message_id", m.ID, "error", err)
			return
		}
		o.bc.Broadcast(ctx, eventbus.EventNotification, ack.ID, map[string]string{
			"title": "Acknowledged",
			"body":  ack.Content,
		})
	})
}

// StopTask cancels a task's pending scheduled steps and its execution.
func (o *Orchestrator) StopTask(ctx context.Context, taskID string) error {
	o.sched.CancelPrefix("task:" + taskID)
	return o.exec.Stop(ctx, taskID)
}

// ResolveProject picks the working directory for a directive: explicit
// binding, then a path mentioned in the text, then the most recently
// used project, then the default root.
func (o *Orchestrator) ResolveProject(explicit, content string) string {
	if explicit != "" {
		return explicit
	}
	if p := DetectProjectPath(content); p != "" {
		return p
	}
	o.mu.Lock()
	last := o.lastProject
	o.mu.Unlock()
	if last != "" {
		return last
	}
	return o.companyEnv.DefaultProjectRoot
}

func (o *Orchestrator) rememberProject(path string) {
	if path == "" {
		return
	}
	o.mu.Lock()
	o.lastProject = path
	o.mu.Unlock()
}

func (o *Orchestrator) projectOrDefault(path string) string {
	if path != "" {
		return path
	}
	return o.companyEnv.DefaultProjectRoot
}

func (o *Orchestrator) appendRun(ctx context.Context, taskID, outcome, detail string) {
	entry := &tasklog.Entry{
		ID:        ulid.Make().String(),
		TaskID:    taskID,
		Kind:      tasklog.KindRun,
		Outcome:   outcome,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	if err := o.logs.Append(ctx, entry); err != nil {
		slog.Error("orchestrator: failed to append task log", "task_id", taskID, "error", err)
	}
}

func (o *Orchestrator) appendLog(ctx context.Context, taskID, kind, detail string) {
	entry := &tasklog.Entry{
		ID:        ulid.Make().String(),
		TaskID:    taskID,
		Kind:      kind,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	if err := o.logs.Append(ctx, entry); err != nil {
		slog.Error("orchestrator: failed to append task log", "task_id", taskID, "error", err)
	}
}

func titleFrom(content string) string {
	line := strings.TrimSpace(content)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	if len(line) > 80 {
		line = line[:80]
	}
	if line == "" {
		line = "untitled directive"
	}
	return line
}
