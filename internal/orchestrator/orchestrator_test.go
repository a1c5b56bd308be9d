package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/agentcorp/internal/agent"
	agentimpl "github.com/kazz187/agentcorp/internal/agent/repositoryimpl"
	"github.com/kazz187/agentcorp/internal/broadcast"
	"github.com/kazz187/agentcorp/internal/config"
	"github.com/kazz187/agentcorp/internal/department"
	deptimpl "github.com/kazz187/agentcorp/internal/department/repositoryimpl"
	"github.com/kazz187/agentcorp/internal/message"
	msgimpl "github.com/kazz187/agentcorp/internal/message/repositoryimpl"
	"github.com/kazz187/agentcorp/internal/planner"
	"github.com/kazz187/agentcorp/internal/scheduler"
	"github.com/kazz187/agentcorp/internal/store"
	"github.com/kazz187/agentcorp/internal/supervisor"
	"github.com/kazz187/agentcorp/internal/task"
	taskimpl "github.com/kazz187/agentcorp/internal/task/repositoryimpl"
	tasklogimpl "github.com/kazz187/agentcorp/internal/tasklog/repositoryimpl"
)

type startCall struct {
	taskID       string
	departmentID string
	agentID      string
	prompt       string
}

// fakeExec stands in for the supervisor: it records starts and lets the
// test fire completion callbacks by hand.
type fakeExec struct {
	mu        sync.Mutex
	started   []startCall
	live      map[string]bool
	callbacks map[string]supervisor.CompletionCallback
	failDepts map[string]bool
}

func newFakeExec() *fakeExec {
	return &fakeExec{
		live:      make(map[string]bool),
		callbacks: make(map[string]supervisor.CompletionCallback),
		failDepts: make(map[string]bool),
	}
}

func (f *fakeExec) Start(ctx context.Context, t *task.Task, agentID, prompt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDepts[t.DepartmentID] {
		return fmt.Errorf("spawn refused for department %s", t.DepartmentID)
	}
	f.started = append(f.started, startCall{
		taskID:       t.ID,
		departmentID: t.DepartmentID,
		agentID:      agentID,
		prompt:       prompt,
	})
	f.live[t.ID] = true
	return nil
}

func (f *fakeExec) RegisterCallback(taskID string, fn supervisor.CompletionCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks[taskID] = fn
}

func (f *fakeExec) Running(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[taskID]
}

func (f *fakeExec) HasCallback(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callbacks[taskID] != nil
}

func (f *fakeExec) Stop(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, taskID)
	return nil
}

func (f *fakeExec) complete(ctx context.Context, taskID string, success bool) {
	f.mu.Lock()
	delete(f.live, taskID)
	cb := f.callbacks[taskID]
	delete(f.callbacks, taskID)
	f.mu.Unlock()
	if cb != nil {
		cb(ctx, taskID, success)
	}
}

func (f *fakeExec) calls() []startCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]startCall, len(f.started))
	copy(out, f.started)
	return out
}

func (f *fakeExec) callsFor(departmentID string) []startCall {
	var out []startCall
	for _, c := range f.calls() {
		if c.departmentID == departmentID {
			out = append(out, c)
		}
	}
	return out
}

type fakePlanner struct {
	items []planner.Item
	err   error
}

func (p *fakePlanner) Plan(ctx context.Context, directive string, departments []string, projectPath string) ([]planner.Item, error) {
	return p.items, p.err
}

type fixture struct {
	orch   *Orchestrator
	exec   *fakeExec
	sched  *scheduler.Scheduler
	state  *task.StateMachine
	tasks  task.Repository
	agents agent.Repository
	depts  department.Repository
	msgs   message.Repository

	deptIDs map[string]string
}

func newFixture(t *testing.T, plan planner.Planner) *fixture {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	tasks := taskimpl.NewSQLiteRepository(s)
	agents := agentimpl.NewSQLiteRepository(s)
	depts := deptimpl.NewSQLiteRepository(s)
	msgs := msgimpl.NewSQLiteRepository(s)
	logs := tasklogimpl.NewSQLiteRepository(s)
	state := task.NewStateMachine(tasks)

	sched := scheduler.New()
	t.Cleanup(sched.Shutdown)

	exec := newFakeExec()
	companyEnv := &config.CompanyEnv{DefaultProjectRoot: dir}
	// Zero jitter keeps every scheduled step immediate.
	schedEnv := &config.SchedulerEnv{}

	f := &fixture{
		orch:    New(companyEnv, schedEnv, sched, state, tasks, agents, depts, msgs, logs, exec, plan, broadcast.Nop{}),
		exec:    exec,
		sched:   sched,
		state:   state,
		tasks:   tasks,
		agents:  agents,
		depts:   depts,
		msgs:    msgs,
		deptIDs: make(map[string]string),
	}

	f.seedDepartment(t, department.Planning, 100)
	f.seedDepartment(t, "development", 80)
	f.seedDepartment(t, "qa", 60)
	return f
}

func (f *fixture) seedDepartment(t *testing.T, name string, priority int) {
	t.Helper()
	ctx := context.Background()
	d := &department.Department{
		ID:       ulid.Make().String(),
		Name:     name,
		Priority: priority,
	}
	require.NoError(t, f.depts.Create(ctx, d))
	f.deptIDs[name] = d.ID

	require.NoError(t, f.agents.Create(ctx, &agent.Agent{
		ID:           ulid.Make().String(),
		Name:         name + "-lead",
		Role:         agent.RoleTeamLeader,
		DepartmentID: d.ID,
		Status:       agent.StatusIdle,
		Provider:     "claude",
	}))
	require.NoError(t, f.agents.Create(ctx, &agent.Agent{
		ID:           ulid.Make().String(),
		Name:         name + "-senior",
		Role:         agent.RoleSenior,
		DepartmentID: d.ID,
		Status:       agent.StatusIdle,
		Provider:     "claude",
	}))
}

func (f *fixture) directive(content, dept string) *Inbound {
	m := &message.Message{
		ID:          ulid.Make().String(),
		SenderType:  "human",
		SenderID:    "ceo",
		Content:     content,
		MessageType: message.TypeDirective,
		CreatedAt:   time.Now(),
	}
	if dept != "" {
		m.ReceiverType = "department"
		m.ReceiverID = dept
	}
	return &Inbound{Message: m}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond, msg)
}

func TestDirectiveDelegatesInternally(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.orch.Handle(ctx, f.directive("fix login bug", "development")))

	waitFor(t, func() bool { return len(f.exec.calls()) == 1 }, "execution should start")
	call := f.exec.calls()[0]
	assert.Equal(t, f.deptIDs["development"], call.departmentID)

	got, err := f.tasks.Get(ctx, call.taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, got.Status)
	assert.NotEmpty(t, got.AssignedAgentID)

	assignee, err := f.agents.Get(ctx, call.agentID)
	require.NoError(t, err)
	assert.Equal(t, agent.RoleSenior, assignee.Role)
	assert.Contains(t, call.prompt, "fix login bug")
}

func TestQueueBatchesPerDepartmentAndRunsSequentially(t *testing.T) {
	f := newFixture(t, &fakePlanner{items: []planner.Item{
		{Title: "implement API", Department: "development"},
		{Title: "implement UI", Department: "development"},
		{Title: "add endpoint tests", Department: "development"},
		{Title: "regression pass", Department: "qa"},
	}})
	ctx := context.Background()

	require.NoError(t, f.orch.Handle(ctx, f.directive("ship the feature", "")))

	// Three development subtasks produce one batched child task.
	waitFor(t, func() bool { return len(f.exec.callsFor(f.deptIDs["development"])) == 1 },
		"development batch should start")
	assert.Empty(t, f.exec.callsFor(f.deptIDs["qa"]), "qa must wait for development")

	dev := f.exec.callsFor(f.deptIDs["development"])[0]
	assert.Contains(t, dev.prompt, "implement API")
	assert.Contains(t, dev.prompt, "implement UI")
	assert.Contains(t, dev.prompt, "add endpoint tests")

	child, err := f.tasks.Get(ctx, dev.taskID)
	require.NoError(t, err)
	assert.NotEmpty(t, child.SourceTaskID)

	parent, err := f.tasks.Get(ctx, child.SourceTaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCollaborating, parent.Status)

	f.exec.complete(ctx, dev.taskID, true)

	waitFor(t, func() bool { return len(f.exec.callsFor(f.deptIDs["qa"])) == 1 },
		"qa should start after development completes")
	assert.Len(t, f.exec.callsFor(f.deptIDs["development"]), 1,
		"development must not be dispatched again")

	qa := f.exec.callsFor(f.deptIDs["qa"])[0]
	f.exec.complete(ctx, qa.taskID, true)

	// After the queue drains the parent is delegated internally.
	waitFor(t, func() bool {
		got, err := f.tasks.Get(ctx, parent.ID)
		return err == nil && got.Status == task.StatusInProgress
	}, "parent should start its own execution after the queue")

	got, err := f.tasks.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.False(t, got.DispatchInflight)
}

func TestQueueSpawnFailureBlocksChecklistAndAdvances(t *testing.T) {
	f := newFixture(t, &fakePlanner{items: []planner.Item{
		{Title: "implement API", Department: "development"},
		{Title: "regression pass", Department: "qa"},
	}})
	ctx := context.Background()
	f.exec.failDepts[f.deptIDs["development"]] = true

	require.NoError(t, f.orch.Handle(ctx, f.directive("ship the feature", "")))

	// The failed development step is skipped and qa still runs.
	waitFor(t, func() bool { return len(f.exec.callsFor(f.deptIDs["qa"])) == 1 },
		"qa should run despite the development spawn failure")

	qa, err := f.tasks.Get(ctx, f.exec.callsFor(f.deptIDs["qa"])[0].taskID)
	require.NoError(t, err)

	subtasks, err := f.tasks.ListSubtasks(ctx, qa.SourceTaskID)
	require.NoError(t, err)
	var blocked int
	for _, st := range subtasks {
		if st.Status == task.SubtaskBlocked {
			blocked++
		}
	}
	assert.Equal(t, 1, blocked, "the failed department's subtask is blocked")
}

func TestResumeQueueSkipsSatisfiedDepartments(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	parent, err := f.state.CreateTask(ctx, task.CreateTaskRequest{
		Title:        "ship the feature",
		DepartmentID: f.deptIDs[department.Planning],
		Status:       task.StatusPlanned,
	})
	require.NoError(t, err)
	_, err = f.state.Transition(ctx, parent.ID, task.StatusCollaborating)
	require.NoError(t, err)

	stDev, err := f.state.CreateSubtask(ctx, parent.ID, "implement API", "", f.deptIDs["development"])
	require.NoError(t, err)
	_, err = f.state.CreateSubtask(ctx, parent.ID, "regression pass", "", f.deptIDs["qa"])
	require.NoError(t, err)

	// Development already finished before the restart.
	devChild, err := f.state.CreateTask(ctx, task.CreateTaskRequest{
		Title:        "[coop] ship the feature",
		DepartmentID: f.deptIDs["development"],
		Status:       task.StatusPlanned,
		SourceTaskID: parent.ID,
	})
	require.NoError(t, err)
	require.NoError(t, f.state.LinkSubtaskToDelegatedTask(ctx, stDev.ID, devChild.ID))
	_, err = f.state.Transition(ctx, devChild.ID, task.StatusInProgress)
	require.NoError(t, err)
	_, err = f.state.Transition(ctx, devChild.ID, task.StatusDone)
	require.NoError(t, err)
	require.NoError(t, f.state.SyncSubtaskFromDelegatedTask(ctx, stDev.ID))

	// A marker left behind by the lost process must not wedge the queue.
	require.NoError(t, f.tasks.SetDispatchInflight(ctx, parent.ID, true))

	require.NoError(t, f.orch.ResumeQueue(ctx, parent.ID))

	waitFor(t, func() bool { return len(f.exec.callsFor(f.deptIDs["qa"])) == 1 },
		"the unsatisfied qa step should resume")
	assert.Empty(t, f.exec.callsFor(f.deptIDs["development"]),
		"the satisfied development step must not rerun")
}

func TestMentionsExtendTaskQueueOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	parent, err := f.state.CreateTask(ctx, task.CreateTaskRequest{
		Title:        "ship the feature",
		DepartmentID: f.deptIDs[department.Planning],
		Status:       task.StatusPlanned,
	})
	require.NoError(t, err)
	_, err = f.state.Transition(ctx, parent.ID, task.StatusCollaborating)
	require.NoError(t, err)

	m := &message.Message{
		ID:          ulid.Make().String(),
		SenderType:  "human",
		SenderID:    "ceo",
		Content:     "@qa please take a look",
		MessageType: message.TypeChat,
		TaskID:      parent.ID,
		CreatedAt:   time.Now(),
	}
	in := &Inbound{Message: m}

	require.NoError(t, f.orch.Handle(ctx, in))
	waitFor(t, func() bool { return len(f.exec.callsFor(f.deptIDs["qa"])) == 1 },
		"the mentioned department should be dispatched")

	// Replaying the same message must not dispatch again.
	require.NoError(t, f.orch.Handle(ctx, in))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.exec.callsFor(f.deptIDs["qa"]), 1)
}

func TestReportRequestStartsDirectly(t *testing.T) {
	f := newFixture(t, &fakePlanner{err: fmt.Errorf("planner must not run")})
	ctx := context.Background()

	m := &message.Message{
		ID:          ulid.Make().String(),
		SenderType:  "human",
		SenderID:    "ceo",
		Content:     "weekly progress report",
		MessageType: message.TypeReport,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, f.orch.Handle(ctx, &Inbound{Message: m}))

	waitFor(t, func() bool { return len(f.exec.calls()) == 1 }, "report execution should start")
	call := f.exec.calls()[0]

	got, err := f.tasks.Get(ctx, call.taskID)
	require.NoError(t, err)
	assert.Equal(t, "report", got.TaskType)
	assert.Equal(t, task.StatusInProgress, got.Status)
	assert.Contains(t, call.prompt, filepath.Join("reports", got.ID+".md"))

	subtasks, err := f.tasks.ListSubtasks(ctx, got.ID)
	require.NoError(t, err)
	assert.Empty(t, subtasks, "report tasks skip the planning gate")
}

func TestParseMentions(t *testing.T) {
	depts := []*department.Department{
		{Name: "development", DisplayName: "Development"},
		{Name: "qa", DisplayName: "QA"},
		{Name: "design", DisplayName: "Design"},
	}

	got := ParseMentions("@qa then @development please", depts)
	assert.Equal(t, []string{"qa", "development"}, got)

	got = ParseMentions("the design team should review", depts)
	assert.Equal(t, []string{"design"}, got)

	got = ParseMentions("nothing relevant here", depts)
	assert.Empty(t, got)

	// Substrings do not count as mentions.
	got = ParseMentions("redesigned the qardless flow", depts)
	assert.Empty(t, got)
}
