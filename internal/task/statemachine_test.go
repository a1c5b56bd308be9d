package task_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/agentcorp/internal/store"
	"github.com/kazz187/agentcorp/internal/task"
	taskimpl "github.com/kazz187/agentcorp/internal/task/repositoryimpl"
	"github.com/kazz187/agentcorp/pkg/cerr"
)

func newStateMachine(t *testing.T) (*task.StateMachine, task.Repository) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	repo := taskimpl.NewSQLiteRepository(s)
	return task.NewStateMachine(repo), repo
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to task.Status }{
		{task.StatusInbox, task.StatusPlanned},
		{task.StatusPlanned, task.StatusCollaborating},
		{task.StatusPlanned, task.StatusInProgress},
		{task.StatusCollaborating, task.StatusInProgress},
		{task.StatusInProgress, task.StatusReview},
		{task.StatusInProgress, task.StatusDone},
		{task.StatusInProgress, task.StatusInbox},
		{task.StatusReview, task.StatusDone},
		{task.StatusReview, task.StatusInProgress},
		{task.StatusPlanned, task.StatusCancelled},
		{task.StatusDone, task.StatusDone},
	}
	for _, tc := range allowed {
		assert.True(t, task.CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	forbidden := []struct{ from, to task.Status }{
		{task.StatusInbox, task.StatusInProgress},
		{task.StatusInbox, task.StatusDone},
		{task.StatusPlanned, task.StatusReview},
		{task.StatusPlanned, task.StatusDone},
		{task.StatusReview, task.StatusInbox},
		{task.StatusDone, task.StatusInProgress},
		{task.StatusCancelled, task.StatusInbox},
	}
	for _, tc := range forbidden {
		assert.False(t, task.CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTransitionTimestamps(t *testing.T) {
	ctx := context.Background()
	sm, _ := newStateMachine(t)

	created, err := sm.CreateTask(ctx, task.CreateTaskRequest{Title: "ship it", DepartmentID: "dev"})
	require.NoError(t, err)
	assert.Equal(t, task.StatusPlanned, created.Status)
	assert.Equal(t, "feature", created.TaskType)
	assert.Nil(t, created.StartedAt)

	got, err := sm.Transition(ctx, created.ID, task.StatusInProgress)
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	firstStart := *got.StartedAt

	// Demotion clears execution evidence.
	got, err = sm.Transition(ctx, created.ID, task.StatusInbox)
	require.NoError(t, err)
	assert.Nil(t, got.StartedAt)
	assert.Empty(t, got.AssignedAgentID)

	_, err = sm.Transition(ctx, created.ID, task.StatusPlanned)
	require.NoError(t, err)
	got, err = sm.Transition(ctx, created.ID, task.StatusInProgress)
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	assert.False(t, got.StartedAt.Before(firstStart))

	got, err = sm.Transition(ctx, created.ID, task.StatusDone)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
}

func TestTransitionRejectsForbiddenMove(t *testing.T) {
	ctx := context.Background()
	sm, _ := newStateMachine(t)

	created, err := sm.CreateTask(ctx, task.CreateTaskRequest{Title: "skip ahead", DepartmentID: "dev"})
	require.NoError(t, err)

	_, err = sm.Transition(ctx, created.ID, task.StatusDone)
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))

	got, err := sm.Transition(ctx, created.ID, task.StatusPlanned)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPlanned, got.Status)
}

func TestLinkSubtaskRejectsSecondDelegation(t *testing.T) {
	ctx := context.Background()
	sm, _ := newStateMachine(t)

	parent, err := sm.CreateTask(ctx, task.CreateTaskRequest{Title: "parent", DepartmentID: "planning"})
	require.NoError(t, err)
	st, err := sm.CreateSubtask(ctx, parent.ID, "implement", "", "dev")
	require.NoError(t, err)
	childA, err := sm.CreateTask(ctx, task.CreateTaskRequest{Title: "child a", DepartmentID: "dev", SourceTaskID: parent.ID})
	require.NoError(t, err)
	childB, err := sm.CreateTask(ctx, task.CreateTaskRequest{Title: "child b", DepartmentID: "dev", SourceTaskID: parent.ID})
	require.NoError(t, err)

	require.NoError(t, sm.LinkSubtaskToDelegatedTask(ctx, st.ID, childA.ID))
	// Linking to the same task again is a no-op.
	require.NoError(t, sm.LinkSubtaskToDelegatedTask(ctx, st.ID, childA.ID))

	err = sm.LinkSubtaskToDelegatedTask(ctx, st.ID, childB.ID)
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
}

func TestSyncSubtaskMirrorsDelegatedTask(t *testing.T) {
	ctx := context.Background()
	sm, repo := newStateMachine(t)

	parent, err := sm.CreateTask(ctx, task.CreateTaskRequest{Title: "parent", DepartmentID: "planning"})
	require.NoError(t, err)
	st, err := sm.CreateSubtask(ctx, parent.ID, "review copy", "", "qa")
	require.NoError(t, err)
	child, err := sm.CreateTask(ctx, task.CreateTaskRequest{Title: "child", DepartmentID: "qa", SourceTaskID: parent.ID})
	require.NoError(t, err)
	require.NoError(t, sm.LinkSubtaskToDelegatedTask(ctx, st.ID, child.ID))

	got, err := repo.GetSubtask(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, task.SubtaskInProgress, got.Status)

	// Review counts as done for gating purposes.
	_, err = sm.Transition(ctx, child.ID, task.StatusInProgress)
	require.NoError(t, err)
	_, err = sm.Transition(ctx, child.ID, task.StatusReview)
	require.NoError(t, err)
	require.NoError(t, sm.SyncSubtaskFromDelegatedTask(ctx, st.ID))

	got, err = repo.GetSubtask(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, task.SubtaskDone, got.Status)
	require.NotNil(t, got.CompletedAt)
	firstCompleted := *got.CompletedAt

	// Redundant syncs keep the original completion time.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, sm.SyncSubtaskFromDelegatedTask(ctx, st.ID))
	got, err = repo.GetSubtask(ctx, st.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(firstCompleted))

	done, err := sm.AllSubtasksComplete(ctx, parent.ID)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestSyncSubtaskBlocksOnCancelledChild(t *testing.T) {
	ctx := context.Background()
	sm, repo := newStateMachine(t)

	parent, err := sm.CreateTask(ctx, task.CreateTaskRequest{Title: "parent", DepartmentID: "planning"})
	require.NoError(t, err)
	st, err := sm.CreateSubtask(ctx, parent.ID, "migrate schema", "", "dev")
	require.NoError(t, err)
	child, err := sm.CreateTask(ctx, task.CreateTaskRequest{Title: "child", DepartmentID: "dev", SourceTaskID: parent.ID})
	require.NoError(t, err)
	require.NoError(t, sm.LinkSubtaskToDelegatedTask(ctx, st.ID, child.ID))

	_, err = sm.Transition(ctx, child.ID, task.StatusCancelled)
	require.NoError(t, err)
	require.NoError(t, sm.SyncSubtaskFromDelegatedTask(ctx, st.ID))

	got, err := repo.GetSubtask(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, task.SubtaskBlocked, got.Status)
	assert.Contains(t, got.BlockedReason, child.ID)

	done, err := sm.AllSubtasksComplete(ctx, parent.ID)
	require.NoError(t, err)
	assert.False(t, done)
}
