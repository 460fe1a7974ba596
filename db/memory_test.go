package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bpmn.evalgo.org/common"
)

func TestMemoryStoreInstanceRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	inst := &ProcessInstance{
		ID:             "0e4b1c52-8b7a-4a2e-9d3f-1c2b3a4d5e6f",
		ProcessID:      "order",
		CurrentElement: "reviewTask",
		Status:         StatusSuspendedAtUserTask,
		Variables:      map[string]string{"amount": "1200", "approved": "false"},
		PendingJoins:   map[string]int{"join1": 1},
	}
	require.NoError(t, store.SaveInstance(ctx, inst))

	// mutations after save must not leak into the store
	inst.Variables["amount"] = "9999"
	inst.PendingJoins["join1"] = 5

	loaded, err := store.LoadInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "order", loaded.ProcessID)
	assert.Equal(t, "reviewTask", loaded.CurrentElement)
	assert.Equal(t, StatusSuspendedAtUserTask, loaded.Status)
	assert.Equal(t, "1200", loaded.Variables["amount"])
	assert.Equal(t, 1, loaded.PendingJoins["join1"])
	assert.False(t, loaded.CreatedAt.IsZero())
}

func TestMemoryStoreLoadUnknownInstance(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.LoadInstance(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}

func TestMemoryStoreDefinitionVersions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	v1, err := store.DeployDefinition(ctx, "order", "<v1/>")
	require.NoError(t, err)
	v2, err := store.DeployDefinition(ctx, "order", "<v2/>")
	require.NoError(t, err)
	assert.Equal(t, 1, v1)
	assert.Equal(t, 2, v2)

	xml, err := store.LoadDefinition(ctx, "order")
	require.NoError(t, err)
	assert.Equal(t, "<v2/>", xml)

	_, err = store.LoadDefinition(ctx, "unknown")
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}

func TestMemoryStoreUserTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	inst := &ProcessInstance{
		ID:        "11111111-2222-3333-4444-555555555555",
		ProcessID: "order",
		Status:    StatusRunning,
		Variables: map[string]string{"amount": "10"},
	}
	require.NoError(t, store.SaveInstance(ctx, inst))

	err := store.SaveUserTask(ctx, inst.ID, "review", "review-form", map[string]string{"amount": "10"})
	require.NoError(t, err)

	// a second PENDING row for the same task is a conflict
	err = store.SaveUserTask(ctx, inst.ID, "review", "review-form", nil)
	assert.Equal(t, common.KindConflict, common.KindOf(err))

	pending, err := store.PendingUserTasks(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "review", pending[0].TaskID)
	assert.Equal(t, "review-form", pending[0].FormKey)

	// the snapshot lands under the task-scoped key
	loaded, err := store.LoadInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "10", loaded.Variables[TaskVariableKey("review", "amount")])

	require.NoError(t, store.CompleteUserTask(ctx, inst.ID, "review"))
	pending, err = store.PendingUserTasks(ctx, inst.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// completing twice reports not found
	err = store.CompleteUserTask(ctx, inst.ID, "review")
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}

func TestMemoryStoreCompleteInstance(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	inst := &ProcessInstance{ID: "a", ProcessID: "p", Status: StatusRunning}
	require.NoError(t, store.SaveInstance(ctx, inst))

	require.NoError(t, store.CompleteInstance(ctx, "a", StatusCompleted))
	loaded, err := store.LoadInstance(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, loaded.Status)
	require.NotNil(t, loaded.CompletedAt)

	err = store.CompleteInstance(ctx, "missing", StatusTerminated)
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}

func TestMemoryStoreActiveInstances(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for _, spec := range []struct {
		id     string
		status InstanceStatus
	}{
		{"one", StatusRunning},
		{"two", StatusCompleted},
		{"three", StatusSuspendedAtUserTask},
		{"four", StatusFailed},
		{"five", StatusSuspendedAdmin},
	} {
		require.NoError(t, store.SaveInstance(ctx, &ProcessInstance{
			ID: spec.id, ProcessID: "p", Status: spec.status,
		}))
	}

	ids, err := store.ActiveInstances(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"one", "three", "five"}, ids)
}

func TestMemoryStoreForms(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	form := &Form{ID: "review-form", ProcessID: "order", Schema: `{"type":"object"}`}
	require.NoError(t, store.SaveForm(ctx, form))

	loaded, err := store.FormByID(ctx, "review-form")
	require.NoError(t, err)
	assert.Equal(t, "order", loaded.ProcessID)

	_, err = store.FormByID(ctx, "missing")
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}

func TestMemoryStoreErrorsAndSignals(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.SaveError(ctx, "inst", "delegate failed"))
	require.NoError(t, store.SaveSignal(ctx, "inst", "payment-received", `{"ok":true}`))

	recs := store.Errors("inst")
	require.Len(t, recs, 1)
	assert.Equal(t, "delegate failed", recs[0].Message)
}
