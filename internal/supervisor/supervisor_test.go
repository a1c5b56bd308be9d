package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/agentcorp/internal/agent"
	agentimpl "github.com/kazz187/agentcorp/internal/agent/repositoryimpl"
	"github.com/kazz187/agentcorp/internal/broadcast"
	"github.com/kazz187/agentcorp/internal/config"
	"github.com/kazz187/agentcorp/internal/review"
	reviewimpl "github.com/kazz187/agentcorp/internal/review/repositoryimpl"
	"github.com/kazz187/agentcorp/internal/store"
	"github.com/kazz187/agentcorp/internal/task"
	taskimpl "github.com/kazz187/agentcorp/internal/task/repositoryimpl"
	tasklogimpl "github.com/kazz187/agentcorp/internal/tasklog/repositoryimpl"
	"github.com/kazz187/agentcorp/internal/worktree"
)

type fixture struct {
	sup     *Supervisor
	state   *task.StateMachine
	tasks   task.Repository
	agents  agent.Repository
	reviews review.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	tasks := taskimpl.NewSQLiteRepository(s)
	agents := agentimpl.NewSQLiteRepository(s)
	logs := tasklogimpl.NewSQLiteRepository(s)
	reviews := reviewimpl.NewSQLiteRepository(s)
	state := task.NewStateMachine(tasks)

	wt, err := worktree.NewManager(filepath.Join(dir, "worktrees"))
	require.NoError(t, err)

	env := &config.SupervisorEnv{
		TaskLogDir:  filepath.Join(dir, "logs"),
		IdleTimeout: time.Minute,
		HardTimeout: time.Hour,
		StopGrace:   time.Second,
	}
	sup := New(env, wt, state, tasks, agents, logs, reviews, nil, broadcast.Nop{})
	return &fixture{sup: sup, state: state, tasks: tasks, agents: agents, reviews: reviews}
}

func (f *fixture) createTask(t *testing.T, status task.Status) *task.Task {
	t.Helper()
	created, err := f.state.CreateTask(context.Background(), task.CreateTaskRequest{
		Title:        "build feature",
		DepartmentID: "development",
		Status:       task.StatusPlanned,
	})
	require.NoError(t, err)
	for _, step := range pathTo(status) {
		_, err = f.state.Transition(context.Background(), created.ID, step)
		require.NoError(t, err)
	}
	got, err := f.tasks.Get(context.Background(), created.ID)
	require.NoError(t, err)
	return got
}

func pathTo(status task.Status) []task.Status {
	switch status {
	case task.StatusPlanned:
		return nil
	case task.StatusInProgress:
		return []task.Status{task.StatusInProgress}
	case task.StatusReview:
		return []task.Status{task.StatusInProgress, task.StatusReview}
	default:
		return []task.Status{status}
	}
}

func TestCompleteNormalSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.createTask(t, task.StatusInProgress)

	require.NoError(t, f.sup.Complete(ctx, tk.ID, true))

	got, err := f.tasks.Get(ctx, tk.ID)
	require.NoError(t, err)
	// No worktree bound, so the merge is a no-op and the task lands done.
	assert.Equal(t, task.StatusDone, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestCompleteNormalFailureDemotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.createTask(t, task.StatusInProgress)

	require.NoError(t, f.sup.Complete(ctx, tk.ID, false))

	got, err := f.tasks.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInbox, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Empty(t, got.AssignedAgentID)
}

func TestCompleteDelegatedSuccessFinalizesBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parent := f.createTask(t, task.StatusInProgress)
	st1, err := f.state.CreateSubtask(ctx, parent.ID, "design schema", "", "development")
	require.NoError(t, err)
	st2, err := f.state.CreateSubtask(ctx, parent.ID, "write migration", "", "development")
	require.NoError(t, err)

	child := f.createTask(t, task.StatusInProgress)
	require.NoError(t, f.state.LinkSubtaskToDelegatedTask(ctx, st1.ID, child.ID))
	require.NoError(t, f.state.LinkSubtaskToDelegatedTask(ctx, st2.ID, child.ID))

	require.NoError(t, f.sup.Complete(ctx, child.ID, true))

	gotChild, err := f.tasks.Get(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, gotChild.Status)

	for _, id := range []string{st1.ID, st2.ID} {
		st, err := f.tasks.GetSubtask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, task.SubtaskDone, st.Status)
		assert.NotNil(t, st.CompletedAt)
	}
}

func TestCompleteDelegatedFailureBlocksBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parent := f.createTask(t, task.StatusInProgress)
	st1, err := f.state.CreateSubtask(ctx, parent.ID, "design schema", "", "development")
	require.NoError(t, err)

	child := f.createTask(t, task.StatusInProgress)
	require.NoError(t, f.state.LinkSubtaskToDelegatedTask(ctx, st1.ID, child.ID))

	require.NoError(t, f.sup.Complete(ctx, child.ID, false))

	gotChild, err := f.tasks.Get(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInbox, gotChild.Status)

	st, err := f.tasks.GetSubtask(ctx, st1.ID)
	require.NoError(t, err)
	assert.Equal(t, task.SubtaskBlocked, st.Status)
	assert.Contains(t, st.BlockedReason, child.ID)
}

func TestCompleteInvokesCallbackOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.createTask(t, task.StatusInProgress)

	var calls int
	var gotSuccess bool
	f.sup.RegisterCallback(tk.ID, func(ctx context.Context, taskID string, success bool) {
		calls++
		gotSuccess = success
	})
	assert.True(t, f.sup.HasCallback(tk.ID))

	require.NoError(t, f.sup.Complete(ctx, tk.ID, true))
	assert.Equal(t, 1, calls)
	assert.True(t, gotSuccess)
	assert.False(t, f.sup.HasCallback(tk.ID))

	// A replay does not fire the callback again.
	require.NoError(t, f.sup.Complete(ctx, tk.ID, true))
	assert.Equal(t, 1, calls)
}

func TestCompleteRecordsReviewRounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.createTask(t, task.StatusInProgress)

	require.NoError(t, f.sup.Complete(ctx, tk.ID, true))
	rounds, err := f.reviews.ListByTask(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	assert.Equal(t, 1, rounds[0].Round)
	assert.Equal(t, review.StatusInProgress, rounds[0].Status)

	// A replayed completion repeats the round instead of opening a new one.
	require.NoError(t, f.sup.Complete(ctx, tk.ID, true))
	rounds, err = f.reviews.ListByTask(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, rounds, 2)
	assert.Equal(t, 1, rounds[1].Round)
}

func TestCompleteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.createTask(t, task.StatusInProgress)

	require.NoError(t, f.sup.Complete(ctx, tk.ID, true))
	require.NoError(t, f.sup.Complete(ctx, tk.ID, true))

	got, err := f.tasks.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, got.Status)
}
