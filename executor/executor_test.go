package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bpmn.evalgo.org/bpmn"
	"bpmn.evalgo.org/common"
	"bpmn.evalgo.org/db"
)

const defsOpen = `<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL"
	xmlns:camunda="http://camunda.org/schema/1.0/bpmn">`

const linearXML = defsOpen + `
  <bpmn:process id="linear">
    <bpmn:startEvent id="start"/>
    <bpmn:serviceTask id="calc" camunda:class="calc"/>
    <bpmn:endEvent id="end"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="calc"/>
    <bpmn:sequenceFlow id="f2" sourceRef="calc" targetRef="end"/>
  </bpmn:process>
</bpmn:definitions>`

const userTaskXML = defsOpen + `
  <bpmn:process id="review-flow">
    <bpmn:startEvent id="start"/>
    <bpmn:userTask id="review" camunda:formKey="review-form"/>
    <bpmn:serviceTask id="archive" camunda:class="archive"/>
    <bpmn:endEvent id="end"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="review"/>
    <bpmn:sequenceFlow id="f2" sourceRef="review" targetRef="archive"/>
    <bpmn:sequenceFlow id="f3" sourceRef="archive" targetRef="end"/>
  </bpmn:process>
</bpmn:definitions>`

const gatewayXML = defsOpen + `
  <bpmn:process id="branching">
    <bpmn:startEvent id="start"/>
    <bpmn:exclusiveGateway id="check" default="flowLow"/>
    <bpmn:serviceTask id="escalate" camunda:class="escalate"/>
    <bpmn:serviceTask id="autoApprove" camunda:class="autoApprove"/>
    <bpmn:endEvent id="end"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="check"/>
    <bpmn:sequenceFlow id="flowHigh" sourceRef="check" targetRef="escalate">
      <bpmn:conditionExpression>priority == high</bpmn:conditionExpression>
    </bpmn:sequenceFlow>
    <bpmn:sequenceFlow id="flowLow" sourceRef="check" targetRef="autoApprove"/>
    <bpmn:sequenceFlow id="f2" sourceRef="escalate" targetRef="end"/>
    <bpmn:sequenceFlow id="f3" sourceRef="autoApprove" targetRef="end"/>
  </bpmn:process>
</bpmn:definitions>`

const noDefaultGatewayXML = defsOpen + `
  <bpmn:process id="strict-branching">
    <bpmn:startEvent id="start"/>
    <bpmn:exclusiveGateway id="check"/>
    <bpmn:endEvent id="end"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="check"/>
    <bpmn:sequenceFlow id="flowHigh" sourceRef="check" targetRef="end">
      <bpmn:conditionExpression>priority == high</bpmn:conditionExpression>
    </bpmn:sequenceFlow>
  </bpmn:process>
</bpmn:definitions>`

const parallelServiceXML = defsOpen + `
  <bpmn:process id="parallel-auto">
    <bpmn:startEvent id="start"/>
    <bpmn:parallelGateway id="fork"/>
    <bpmn:serviceTask id="svcA" camunda:class="svcA"/>
    <bpmn:serviceTask id="svcB" camunda:class="svcB"/>
    <bpmn:parallelGateway id="join"/>
    <bpmn:endEvent id="end"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="fork"/>
    <bpmn:sequenceFlow id="fa" sourceRef="fork" targetRef="svcA"/>
    <bpmn:sequenceFlow id="fb" sourceRef="fork" targetRef="svcB"/>
    <bpmn:sequenceFlow id="ja" sourceRef="svcA" targetRef="join"/>
    <bpmn:sequenceFlow id="jb" sourceRef="svcB" targetRef="join"/>
    <bpmn:sequenceFlow id="f2" sourceRef="join" targetRef="end"/>
  </bpmn:process>
</bpmn:definitions>`

const parallelTasksXML = defsOpen + `
  <bpmn:process id="parallel-review">
    <bpmn:startEvent id="start"/>
    <bpmn:parallelGateway id="fork"/>
    <bpmn:userTask id="taskA" camunda:formKey="form-a"/>
    <bpmn:userTask id="taskB" camunda:formKey="form-b"/>
    <bpmn:parallelGateway id="join"/>
    <bpmn:serviceTask id="finish" camunda:class="finish"/>
    <bpmn:endEvent id="end"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="fork"/>
    <bpmn:sequenceFlow id="fa" sourceRef="fork" targetRef="taskA"/>
    <bpmn:sequenceFlow id="fb" sourceRef="fork" targetRef="taskB"/>
    <bpmn:sequenceFlow id="ja" sourceRef="taskA" targetRef="join"/>
    <bpmn:sequenceFlow id="jb" sourceRef="taskB" targetRef="join"/>
    <bpmn:sequenceFlow id="f2" sourceRef="join" targetRef="finish"/>
    <bpmn:sequenceFlow id="f3" sourceRef="finish" targetRef="end"/>
  </bpmn:process>
</bpmn:definitions>`

const forkedStartXML = defsOpen + `
  <bpmn:process id="forked-start">
    <bpmn:startEvent id="start"/>
    <bpmn:endEvent id="endA"/>
    <bpmn:endEvent id="endB"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="endA"/>
    <bpmn:sequenceFlow id="f2" sourceRef="start" targetRef="endB"/>
  </bpmn:process>
</bpmn:definitions>`

const doubleBindingXML = defsOpen + `
  <bpmn:process id="double-binding">
    <bpmn:startEvent id="start"/>
    <bpmn:serviceTask id="calc" camunda:class="calc" camunda:topic="calc-topic"/>
    <bpmn:endEvent id="end"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="calc"/>
    <bpmn:sequenceFlow id="f2" sourceRef="calc" targetRef="end"/>
  </bpmn:process>
</bpmn:definitions>`

const strandedBranchXML = defsOpen + `
  <bpmn:process id="stranded-branch">
    <bpmn:startEvent id="start"/>
    <bpmn:parallelGateway id="fork"/>
    <bpmn:userTask id="taskA" camunda:formKey="form-a"/>
    <bpmn:parallelGateway id="join"/>
    <bpmn:serviceTask id="svcB" camunda:class="svcB"/>
    <bpmn:endEvent id="endA"/>
    <bpmn:endEvent id="endB"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="fork"/>
    <bpmn:sequenceFlow id="fa" sourceRef="fork" targetRef="taskA"/>
    <bpmn:sequenceFlow id="fb" sourceRef="fork" targetRef="svcB"/>
    <bpmn:sequenceFlow id="ja" sourceRef="taskA" targetRef="join"/>
    <bpmn:sequenceFlow id="jb" sourceRef="svcB" targetRef="endB"/>
    <bpmn:sequenceFlow id="f2" sourceRef="join" targetRef="endA"/>
  </bpmn:process>
</bpmn:definitions>`

func mustParse(t *testing.T, xml string) *bpmn.Process {
	t.Helper()
	p, err := bpmn.Parse([]byte(xml))
	require.NoError(t, err)
	return p
}

func newTestExecutor(t *testing.T) (*Executor, *db.MemoryStore, *Registry) {
	t.Helper()
	store := db.NewMemoryStore()
	registry := NewRegistry(5 * time.Second)
	return New(store, registry, nil), store, registry
}

func TestLinearServiceFlowCompletes(t *testing.T) {
	exec, store, registry := newTestExecutor(t)
	registry.Register("calc", func(_ context.Context, vars map[string]string) (map[string]interface{}, error) {
		return map[string]interface{}{"total": vars["amount"] + "0"}, nil
	})

	proc := mustParse(t, linearXML)
	inst, err := exec.Start(context.Background(), proc, "inst-linear", map[string]string{"amount": "12"})
	require.NoError(t, err)

	assert.Equal(t, db.StatusCompleted, inst.Status)
	assert.Equal(t, "120", inst.Variables["total"])
	assert.Equal(t, "12", inst.Variables["amount"])
	require.NotNil(t, inst.CompletedAt)

	loaded, err := store.LoadInstance(context.Background(), "inst-linear")
	require.NoError(t, err)
	assert.Equal(t, db.StatusCompleted, loaded.Status)
	assert.Equal(t, "120", loaded.Variables["total"])
}

func TestUserTaskSuspendsAndResumes(t *testing.T) {
	exec, store, registry := newTestExecutor(t)
	registry.Register("archive", func(_ context.Context, vars map[string]string) (map[string]interface{}, error) {
		return map[string]interface{}{"archived": "true"}, nil
	})

	ctx := context.Background()
	proc := mustParse(t, userTaskXML)
	inst, err := exec.Start(ctx, proc, "inst-review", map[string]string{"amount": "900"})
	require.NoError(t, err)

	assert.Equal(t, db.StatusSuspendedAtUserTask, inst.Status)
	assert.Equal(t, "review", inst.CurrentElement)

	pending, err := store.PendingUserTasks(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "review", pending[0].TaskID)
	assert.Equal(t, "review-form", pending[0].FormKey)

	// the values at suspension time are snapshotted under task-scoped keys
	loaded, err := store.LoadInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "900", loaded.Variables[db.TaskVariableKey("review", "amount")])

	err = exec.CompleteTask(ctx, proc, inst, "review", map[string]string{"approved": "true"})
	require.NoError(t, err)

	assert.Equal(t, db.StatusCompleted, inst.Status)
	assert.Equal(t, "true", inst.Variables["approved"])
	assert.Equal(t, "true", inst.Variables["archived"])

	pending, err = store.PendingUserTasks(ctx, inst.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCompleteTaskSurvivesRehydration(t *testing.T) {
	exec, store, registry := newTestExecutor(t)
	registry.Register("archive", func(_ context.Context, vars map[string]string) (map[string]interface{}, error) {
		return nil, nil
	})

	ctx := context.Background()
	proc := mustParse(t, userTaskXML)
	_, err := exec.Start(ctx, proc, "inst-rehydrate", nil)
	require.NoError(t, err)

	// simulate a restart: a fresh instance loaded from the store
	loaded, err := store.LoadInstance(ctx, "inst-rehydrate")
	require.NoError(t, err)
	assert.Equal(t, db.StatusSuspendedAtUserTask, loaded.Status)

	require.NoError(t, exec.CompleteTask(ctx, proc, loaded, "review", nil))
	assert.Equal(t, db.StatusCompleted, loaded.Status)
}

func TestExclusiveGatewayRouting(t *testing.T) {
	tests := []struct {
		name     string
		priority string
		ran      string
	}{
		{name: "condition matches", priority: "high", ran: "escalate"},
		{name: "default taken", priority: "low", ran: "autoApprove"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, _, registry := newTestExecutor(t)
			var ran string
			for _, name := range []string{"escalate", "autoApprove"} {
				name := name
				registry.Register(name, func(_ context.Context, vars map[string]string) (map[string]interface{}, error) {
					ran = name
					return nil, nil
				})
			}

			proc := mustParse(t, gatewayXML)
			inst, err := exec.Start(context.Background(), proc, "inst-"+tt.priority,
				map[string]string{"priority": tt.priority})
			require.NoError(t, err)

			assert.Equal(t, db.StatusCompleted, inst.Status)
			assert.Equal(t, tt.ran, ran)
		})
	}
}

func TestExclusiveGatewayNoMatchFails(t *testing.T) {
	exec, store, _ := newTestExecutor(t)

	proc := mustParse(t, noDefaultGatewayXML)
	inst, err := exec.Start(context.Background(), proc, "inst-stuck",
		map[string]string{"priority": "low"})
	require.Error(t, err)
	assert.Equal(t, common.KindMalformedProcess, common.KindOf(err))
	assert.Equal(t, db.StatusFailed, inst.Status)
	assert.Contains(t, inst.Variables[LastErrorVariable], "MALFORMED_PROCESS")

	recs := store.Errors(inst.ID)
	require.Len(t, recs, 1)
}

func TestParallelServiceBranchesCompleteInOneAdvance(t *testing.T) {
	exec, _, registry := newTestExecutor(t)
	registry.Register("svcA", func(_ context.Context, vars map[string]string) (map[string]interface{}, error) {
		return map[string]interface{}{"a": "done", "who": "A"}, nil
	})
	registry.Register("svcB", func(_ context.Context, vars map[string]string) (map[string]interface{}, error) {
		return map[string]interface{}{"b": "done", "who": "B"}, nil
	})

	proc := mustParse(t, parallelServiceXML)
	inst, err := exec.Start(context.Background(), proc, "inst-parallel", nil)
	require.NoError(t, err)

	assert.Equal(t, db.StatusCompleted, inst.Status)
	assert.Equal(t, "done", inst.Variables["a"])
	assert.Equal(t, "done", inst.Variables["b"])
	// conflicting keys resolve in fork outgoing order, later branch wins
	assert.Equal(t, "B", inst.Variables["who"])
	assert.Empty(t, inst.PendingJoins)
}

func TestParallelUserTasksJoinAcrossCompletions(t *testing.T) {
	orders := [][]string{
		{"taskA", "taskB"},
		{"taskB", "taskA"},
	}

	for _, order := range orders {
		t.Run(order[0]+" first", func(t *testing.T) {
			exec, store, registry := newTestExecutor(t)
			finished := 0
			registry.Register("finish", func(_ context.Context, vars map[string]string) (map[string]interface{}, error) {
				finished++
				return nil, nil
			})

			ctx := context.Background()
			proc := mustParse(t, parallelTasksXML)
			inst, err := exec.Start(ctx, proc, "inst-join", nil)
			require.NoError(t, err)

			assert.Equal(t, db.StatusSuspendedAtUserTask, inst.Status)
			pending, err := store.PendingUserTasks(ctx, inst.ID)
			require.NoError(t, err)
			require.Len(t, pending, 2)

			err = exec.CompleteTask(ctx, proc, inst, order[0],
				map[string]string{order[0]: "done"})
			require.NoError(t, err)
			assert.Equal(t, db.StatusSuspendedAtUserTask, inst.Status)
			assert.Equal(t, 1, inst.PendingJoins["join"])
			assert.Zero(t, finished)

			err = exec.CompleteTask(ctx, proc, inst, order[1],
				map[string]string{order[1]: "done"})
			require.NoError(t, err)
			assert.Equal(t, db.StatusCompleted, inst.Status)
			assert.Equal(t, 1, finished)
			assert.Empty(t, inst.PendingJoins)
			assert.Equal(t, "done", inst.Variables["taskA"])
			assert.Equal(t, "done", inst.Variables["taskB"])
		})
	}
}

func TestParallelJoinStateSurvivesRehydration(t *testing.T) {
	exec, store, registry := newTestExecutor(t)
	registry.Register("finish", func(_ context.Context, vars map[string]string) (map[string]interface{}, error) {
		return nil, nil
	})

	ctx := context.Background()
	proc := mustParse(t, parallelTasksXML)
	inst, err := exec.Start(ctx, proc, "inst-join-rehydrate", nil)
	require.NoError(t, err)

	require.NoError(t, exec.CompleteTask(ctx, proc, inst, "taskA", nil))

	// restart between the two completions
	loaded, err := store.LoadInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.PendingJoins["join"])

	require.NoError(t, exec.CompleteTask(ctx, proc, loaded, "taskB", nil))
	assert.Equal(t, db.StatusCompleted, loaded.Status)
}

func TestDelegateFailureFailsInstance(t *testing.T) {
	exec, store, registry := newTestExecutor(t)
	registry.Register("calc", func(_ context.Context, vars map[string]string) (map[string]interface{}, error) {
		return nil, errors.New("pricing backend unavailable")
	})

	proc := mustParse(t, linearXML)
	inst, err := exec.Start(context.Background(), proc, "inst-fail", nil)
	require.Error(t, err)
	assert.Equal(t, common.KindDelegateFailure, common.KindOf(err))
	assert.Equal(t, db.StatusFailed, inst.Status)
	assert.Contains(t, inst.Variables[LastErrorVariable], "pricing backend unavailable")

	recs := store.Errors(inst.ID)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Message, "pricing backend unavailable")
}

func TestUnregisteredDelegateFailsInstance(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	proc := mustParse(t, linearXML)
	inst, err := exec.Start(context.Background(), proc, "inst-nodelegate", nil)
	require.Error(t, err)
	assert.Equal(t, common.KindDelegateFailure, common.KindOf(err))
	assert.Equal(t, db.StatusFailed, inst.Status)
}

func TestParallelBranchFailureFailsInstance(t *testing.T) {
	exec, _, registry := newTestExecutor(t)
	registry.Register("svcA", func(ctx context.Context, vars map[string]string) (map[string]interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	registry.Register("svcB", func(_ context.Context, vars map[string]string) (map[string]interface{}, error) {
		return nil, errors.New("branch exploded")
	})

	proc := mustParse(t, parallelServiceXML)
	inst, err := exec.Start(context.Background(), proc, "inst-branch-fail", nil)
	require.Error(t, err)
	assert.Equal(t, common.KindDelegateFailure, common.KindOf(err))
	assert.Equal(t, db.StatusFailed, inst.Status)
}

func TestStartEventWithTwoOutgoingFails(t *testing.T) {
	exec, store, _ := newTestExecutor(t)

	proc := mustParse(t, forkedStartXML)
	inst, err := exec.Start(context.Background(), proc, "inst-forked-start", nil)
	require.Error(t, err)
	assert.Equal(t, common.KindMalformedProcess, common.KindOf(err))
	assert.Equal(t, db.StatusFailed, inst.Status)

	loaded, err := store.LoadInstance(context.Background(), "inst-forked-start")
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, loaded.Status)
	assert.Contains(t, loaded.Variables[LastErrorVariable], "outgoing sequence flows")
}

func TestServiceTaskWithTwoBindingsFails(t *testing.T) {
	exec, _, registry := newTestExecutor(t)
	invoked := false
	registry.Register("calc", func(_ context.Context, vars map[string]string) (map[string]interface{}, error) {
		invoked = true
		return nil, nil
	})

	proc := mustParse(t, doubleBindingXML)
	inst, err := exec.Start(context.Background(), proc, "inst-double-binding", nil)
	require.Error(t, err)
	assert.Equal(t, common.KindMalformedProcess, common.KindOf(err))
	assert.Equal(t, db.StatusFailed, inst.Status)
	assert.False(t, invoked)
}

func TestForkBranchEndsWhileSiblingWaits(t *testing.T) {
	exec, store, registry := newTestExecutor(t)
	registry.Register("svcB", func(_ context.Context, vars map[string]string) (map[string]interface{}, error) {
		return nil, nil
	})

	proc := mustParse(t, strandedBranchXML)
	inst, err := exec.Start(context.Background(), proc, "inst-stranded", nil)
	require.Error(t, err)
	assert.Equal(t, common.KindMalformedProcess, common.KindOf(err))
	assert.Equal(t, db.StatusFailed, inst.Status)
	assert.Empty(t, inst.PendingJoins)

	loaded, err := store.LoadInstance(context.Background(), "inst-stranded")
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, loaded.Status)
}
