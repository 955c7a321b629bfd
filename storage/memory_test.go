package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreTasks(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	t.Run("create assigns id and timestamps", func(t *testing.T) {
		task := &Task{
			Title:      "deliver to table 5",
			Type:       TaskDelivery,
			TargetKind: "TABLE",
			TargetRef:  "5",
			Status:     TaskReady,
		}
		err := store.CreateTask(ctx, task)
		require.NoError(t, err)
		assert.NotEmpty(t, task.ID)
		assert.False(t, task.CreatedAt.IsZero())
		assert.Equal(t, task.CreatedAt, task.UpdatedAt)
	})

	t.Run("get returns a copy", func(t *testing.T) {
		task := &Task{Title: "clean table 3", Type: TaskCleanup, Status: TaskReady}
		require.NoError(t, store.CreateTask(ctx, task))

		got, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, "clean table 3", got.Title)

		got.Title = "mutated"
		again, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, "clean table 3", again.Title)
	})

	t.Run("get missing returns ErrNotFound", func(t *testing.T) {
		_, err := store.GetTask(ctx, "no-such-task")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update refreshes updated_at", func(t *testing.T) {
		task := &Task{Title: "charge", Type: TaskCharging, Status: TaskReady}
		require.NoError(t, store.CreateTask(ctx, task))

		created := task.UpdatedAt
		time.Sleep(time.Millisecond)
		task.Status = TaskInProgress
		require.NoError(t, store.UpdateTask(ctx, task))
		assert.True(t, task.UpdatedAt.After(created))
	})

	t.Run("update missing returns ErrNotFound", func(t *testing.T) {
		err := store.UpdateTask(ctx, &Task{ID: "ghost"})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list filters by status and type", func(t *testing.T) {
		fresh := NewMemStore()
		require.NoError(t, fresh.CreateTask(ctx, &Task{Title: "a", Type: TaskDelivery, Status: TaskReady}))
		require.NoError(t, fresh.CreateTask(ctx, &Task{Title: "b", Type: TaskDelivery, Status: TaskPending}))
		require.NoError(t, fresh.CreateTask(ctx, &Task{Title: "c", Type: TaskCleanup, Status: TaskReady}))

		all, err := fresh.ListTasks(ctx, TaskFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		ready, err := fresh.ListTasks(ctx, TaskFilter{Status: TaskReady})
		require.NoError(t, err)
		assert.Len(t, ready, 2)

		readyDelivery, err := fresh.ListTasks(ctx, TaskFilter{Status: TaskReady, Type: TaskDelivery})
		require.NoError(t, err)
		require.Len(t, readyDelivery, 1)
		assert.Equal(t, "a", readyDelivery[0].Title)
	})
}

func TestMemStoreRunLock(t *testing.T) {
	ctx := context.Background()

	newRun := func(robotID string) (*WorkflowRun, []*WorkflowStep) {
		run := &WorkflowRun{TaskID: "task-1", RobotID: robotID, Status: RunRunning, TotalSteps: 2}
		steps := []*WorkflowStep{
			{Type: StepNavigate, Code: "GO_TABLE", AreaID: "area-1"},
			{Type: StepManualConfirm, Code: "CONFIRM_PICKUP"},
		}
		return run, steps
	}

	t.Run("second run on same robot is rejected", func(t *testing.T) {
		store := NewMemStore()
		run1, steps1 := newRun("robot-1")
		require.NoError(t, store.CreateRun(ctx, run1, steps1))

		run2, steps2 := newRun("robot-1")
		err := store.CreateRun(ctx, run2, steps2)
		assert.ErrorIs(t, err, ErrRobotBusy)
	})

	t.Run("different robots run concurrently", func(t *testing.T) {
		store := NewMemStore()
		run1, steps1 := newRun("robot-1")
		require.NoError(t, store.CreateRun(ctx, run1, steps1))

		run2, steps2 := newRun("robot-2")
		assert.NoError(t, store.CreateRun(ctx, run2, steps2))
	})

	t.Run("terminal update releases the lock", func(t *testing.T) {
		store := NewMemStore()
		run, steps := newRun("robot-1")
		require.NoError(t, store.CreateRun(ctx, run, steps))

		run.Status = RunDone
		require.NoError(t, store.UpdateRun(ctx, run))

		next, nextSteps := newRun("robot-1")
		assert.NoError(t, store.CreateRun(ctx, next, nextSteps))
	})

	t.Run("delete releases the lock and removes steps", func(t *testing.T) {
		store := NewMemStore()
		run, steps := newRun("robot-1")
		require.NoError(t, store.CreateRun(ctx, run, steps))

		require.NoError(t, store.DeleteRun(ctx, run.ID))

		_, err := store.GetRun(ctx, run.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.StepsForRun(ctx, run.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		next, nextSteps := newRun("robot-1")
		assert.NoError(t, store.CreateRun(ctx, next, nextSteps))
	})
}

func TestMemStoreSteps(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	run := &WorkflowRun{TaskID: "task-1", RobotID: "robot-1", Status: RunRunning, TotalSteps: 3}
	steps := []*WorkflowStep{
		{Type: StepNavigate, Code: "GO_KITCHEN"},
		{Type: StepManualConfirm, Code: "CONFIRM_LOAD"},
		{Type: StepNavigate, Code: "GO_TABLE"},
	}
	require.NoError(t, store.CreateRun(ctx, run, steps))

	t.Run("steps come back ordered with indexes assigned", func(t *testing.T) {
		got, err := store.StepsForRun(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i, step := range got {
			assert.Equal(t, i, step.StepIndex)
			assert.Equal(t, run.ID, step.RunID)
			assert.NotEmpty(t, step.ID)
		}
		assert.Equal(t, "GO_KITCHEN", got[0].Code)
		assert.Equal(t, "GO_TABLE", got[2].Code)
	})

	t.Run("update step records a decision", func(t *testing.T) {
		got, err := store.StepsForRun(ctx, run.ID)
		require.NoError(t, err)

		confirm := got[1]
		now := time.Now().UTC()
		confirm.Decision = "CONFIRM"
		confirm.CompletedAt = &now
		require.NoError(t, store.UpdateStep(ctx, confirm))

		again, err := store.StepsForRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, "CONFIRM", again[1].Decision)
		require.NotNil(t, again[1].CompletedAt)
	})

	t.Run("update unknown step returns ErrNotFound", func(t *testing.T) {
		err := store.UpdateStep(ctx, &WorkflowStep{ID: "ghost", RunID: run.ID})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemStoreMappings(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	t.Run("upsert normalizes kind and ref", func(t *testing.T) {
		m := &PoiMapping{Kind: " table ", Ref: " 5 ", PoiID: "poi-123", AreaID: "area-1"}
		require.NoError(t, store.UpsertMapping(ctx, m))
		assert.Equal(t, "TABLE", m.Kind)
		assert.Equal(t, "5", m.Ref)

		got, err := store.GetMapping(ctx, "TABLE", "5")
		require.NoError(t, err)
		assert.Equal(t, "poi-123", got.PoiID)
	})

	t.Run("lookup is case insensitive on kind only", func(t *testing.T) {
		got, err := store.GetMapping(ctx, "table", "5")
		require.NoError(t, err)
		assert.Equal(t, "poi-123", got.PoiID)

		_, err = store.GetMapping(ctx, "TABLE", "Five")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("upsert replaces an existing mapping", func(t *testing.T) {
		require.NoError(t, store.UpsertMapping(ctx, &PoiMapping{Kind: "TABLE", Ref: "5", PoiID: "poi-456"}))
		got, err := store.GetMapping(ctx, "TABLE", "5")
		require.NoError(t, err)
		assert.Equal(t, "poi-456", got.PoiID)
	})

	t.Run("delete removes the mapping", func(t *testing.T) {
		require.NoError(t, store.DeleteMapping(ctx, "TABLE", "5"))
		_, err := store.GetMapping(ctx, "TABLE", "5")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, store.DeleteMapping(ctx, "TABLE", "5"), ErrNotFound)
	})

	t.Run("list returns all mappings sorted", func(t *testing.T) {
		require.NoError(t, store.UpsertMapping(ctx, &PoiMapping{Kind: "TABLE", Ref: "2", PoiID: "p2"}))
		require.NoError(t, store.UpsertMapping(ctx, &PoiMapping{Kind: "KITCHEN", Ref: "main", PoiID: "pk"}))
		require.NoError(t, store.UpsertMapping(ctx, &PoiMapping{Kind: "TABLE", Ref: "1", PoiID: "p1"}))

		all, err := store.ListMappings(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "KITCHEN", all[0].Kind)
		assert.Equal(t, "1", all[1].Ref)
		assert.Equal(t, "2", all[2].Ref)
	})
}

func TestMappingKey(t *testing.T) {
	t.Run("same pair yields same key", func(t *testing.T) {
		assert.Equal(t, mappingKey("TABLE", "5"), mappingKey("table", " 5 "))
	})

	t.Run("refs with separators stay distinct", func(t *testing.T) {
		assert.NotEqual(t, mappingKey("TABLE", "a.b"), mappingKey("TABLE.A", "b"))
	})
}
