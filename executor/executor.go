package executor

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"bpmn.evalgo.org/bpmn"
	"bpmn.evalgo.org/common"
	"bpmn.evalgo.org/db"
)

// LastErrorVariable holds the message of the failure that moved an instance
// to FAILED, kept as an ordinary variable so it survives rehydration.
const LastErrorVariable = "last_error"

// Executor advances process instances through their element graph. It is
// stateless: all execution state lives in the instance and the store, so one
// executor serves any number of instances concurrently.
type Executor struct {
	store     db.Store
	registry  *Registry
	evaluator Evaluator
}

// New builds an executor. A nil evaluator falls back to the built-in
// comparison language.
func New(store db.Store, registry *Registry, evaluator Evaluator) *Executor {
	if evaluator == nil {
		evaluator = ComparisonEvaluator{}
	}
	return &Executor{store: store, registry: registry, evaluator: evaluator}
}

// Start creates an instance at the start event and advances it until it
// suspends or terminates. The instance is persisted before the first step so
// a crash mid-advance never loses it.
func (e *Executor) Start(ctx context.Context, proc *bpmn.Process, instanceID string, variables map[string]string) (*db.ProcessInstance, error) {
	inst := &db.ProcessInstance{
		ID:             instanceID,
		ProcessID:      proc.ID(),
		CurrentElement: proc.StartEventID(),
		Status:         db.StatusRunning,
		Variables:      copyVariables(variables),
		PendingJoins:   map[string]int{},
	}
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return nil, err
	}

	common.Logger.WithFields(logrus.Fields{
		"instance_id": inst.ID,
		"process_id":  inst.ProcessID,
	}).Info("process instance started")

	if err := e.Advance(ctx, proc, inst); err != nil {
		return inst, err
	}
	return inst, nil
}

// CompleteTask closes a pending user task, merges the submitted variables,
// and advances the instance from the task's outgoing flow.
func (e *Executor) CompleteTask(ctx context.Context, proc *bpmn.Process, inst *db.ProcessInstance, taskID string, submitted map[string]string) error {
	el, ok := proc.Element(taskID)
	if !ok || el.Type != bpmn.ElementUserTask {
		return common.NewError(common.KindNotFound, "user task %s not found in process %s", taskID, proc.ID())
	}
	if err := e.store.CompleteUserTask(ctx, inst.ID, taskID); err != nil {
		return err
	}

	for k, v := range submitted {
		inst.Variables[k] = v
	}

	flow, err := singleOutgoing(proc, taskID)
	if err != nil {
		return e.fail(ctx, inst, err)
	}
	inst.CurrentElement = flow.TargetRef
	inst.Status = db.StatusRunning

	common.Logger.WithFields(logrus.Fields{
		"instance_id": inst.ID,
		"element_id":  taskID,
	}).Info("user task completed")

	return e.Advance(ctx, proc, inst)
}

// Advance runs the instance from its current element until it suspends at a
// user task, waits at a parallel join, or reaches a terminal state. Every
// suspension and terminal transition is persisted before Advance returns.
func (e *Executor) Advance(ctx context.Context, proc *bpmn.Process, inst *db.ProcessInstance) error {
	if inst.PendingJoins == nil {
		inst.PendingJoins = map[string]int{}
	}

	for {
		el, ok := proc.Element(inst.CurrentElement)
		if !ok {
			return e.fail(ctx, inst, common.NewError(common.KindMalformedProcess,
				"current element %q not found in process %s", inst.CurrentElement, proc.ID()))
		}

		switch el.Type {
		case bpmn.ElementStartEvent:
			flow, err := singleOutgoing(proc, el.ID)
			if err != nil {
				return e.fail(ctx, inst, err)
			}
			inst.CurrentElement = flow.TargetRef

		case bpmn.ElementServiceTask:
			if err := e.runServiceTask(ctx, inst, el); err != nil {
				return e.fail(ctx, inst, err)
			}
			flow, err := singleOutgoing(proc, el.ID)
			if err != nil {
				return e.fail(ctx, inst, err)
			}
			inst.CurrentElement = flow.TargetRef

		case bpmn.ElementUserTask:
			return e.suspendAtTask(ctx, inst, el, inst.Variables)

		case bpmn.ElementExclusiveGateway:
			flow, err := e.selectFlow(proc, el, inst.Variables)
			if err != nil {
				return e.fail(ctx, inst, err)
			}
			inst.CurrentElement = flow.TargetRef

		case bpmn.ElementParallelGateway:
			next, done, err := e.runParallelGateway(ctx, proc, inst, el)
			if err != nil {
				return e.fail(ctx, inst, err)
			}
			if done {
				return nil
			}
			inst.CurrentElement = next

		case bpmn.ElementEndEvent:
			return e.complete(ctx, inst)

		default:
			return e.fail(ctx, inst, common.NewError(common.KindMalformedProcess,
				"element %s has unexecutable type %q", el.ID, el.Type))
		}
	}
}

// runParallelGateway handles both directions of a parallel gateway on the
// single-threaded path. It returns the next element to advance to, or
// done=true when the gateway suspended or terminated the instance.
func (e *Executor) runParallelGateway(ctx context.Context, proc *bpmn.Process, inst *db.ProcessInstance, el bpmn.Element) (string, bool, error) {
	incoming := proc.IncomingFlows(el.ID)
	outgoing := proc.OutgoingFlows(el.ID)

	if len(incoming) > 1 {
		// join: count this arrival against the persisted counter
		remaining, tracked := inst.PendingJoins[el.ID]
		if !tracked {
			remaining = len(incoming)
		}
		remaining--
		if remaining > 0 {
			inst.PendingJoins[el.ID] = remaining
			inst.Status = db.StatusSuspendedAtUserTask
			if err := e.store.SaveInstance(ctx, inst); err != nil {
				return "", false, err
			}
			common.Logger.WithFields(logrus.Fields{
				"instance_id": inst.ID,
				"element_id":  el.ID,
				"remaining":   remaining,
			}).Info("parallel join waiting for branches")
			return "", true, nil
		}
		delete(inst.PendingJoins, el.ID)
	}

	if len(outgoing) > 1 {
		out, err := e.forkBranches(ctx, proc, inst, el.ID)
		if err != nil {
			return "", false, err
		}
		inst.Variables = out.vars

		if out.suspended {
			if out.ended {
				// the ended branch can never arrive at its join, so the
				// waiting siblings would park the instance forever
				return "", false, common.NewError(common.KindMalformedProcess,
					"a branch of %s ended while sibling branches wait", el.ID)
			}
			for joinID, arrived := range out.arrivals {
				need := len(proc.IncomingFlows(joinID)) - arrived
				if need > 0 {
					inst.PendingJoins[joinID] = need
				}
			}
			inst.CurrentElement = el.ID
			inst.Status = db.StatusSuspendedAtUserTask
			if err := e.store.SaveInstance(ctx, inst); err != nil {
				return "", false, err
			}
			return "", true, nil
		}
		if len(out.arrivals) > 0 {
			return "", false, common.NewError(common.KindMalformedProcess,
				"parallel join cannot complete: a branch of %s never arrives", el.ID)
		}
		if out.ended {
			if err := e.complete(ctx, inst); err != nil {
				return "", false, err
			}
			return "", true, nil
		}
		return "", false, common.NewError(common.KindMalformedProcess,
			"parallel fork %s produced no continuation", el.ID)
	}

	flow, err := singleOutgoing(proc, el.ID)
	if err != nil {
		return "", false, err
	}
	return flow.TargetRef, false, nil
}

// branchOutcome is the result of running one parallel branch (or a whole
// fork) to its boundary.
type branchOutcome struct {
	vars      map[string]string
	arrivals  map[string]int // join gateway id -> branches that reached it
	suspended bool           // at least one user task was reached
	ended     bool           // at least one branch reached an end event
}

// forkBranches runs every outgoing branch of a fork gateway concurrently and
// waits for all of them. Each branch gets its own copy of the variables;
// merged results follow the outgoing document order, so later branches win
// on conflicting keys. Joins that gather all their arrivals in-flight are
// continued inline.
func (e *Executor) forkBranches(ctx context.Context, proc *bpmn.Process, inst *db.ProcessInstance, gatewayID string) (branchOutcome, error) {
	flows := proc.OutgoingFlows(gatewayID)
	results := make([]branchOutcome, len(flows))

	g, gctx := errgroup.WithContext(ctx)
	for i, flow := range flows {
		i, flow := i, flow
		branchVars := copyVariables(inst.Variables)
		g.Go(func() error {
			out, err := e.runBranch(gctx, proc, inst, branchVars, flow.TargetRef)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return branchOutcome{}, err
	}

	out := branchOutcome{
		vars:     copyVariables(inst.Variables),
		arrivals: map[string]int{},
	}
	for _, r := range results {
		mergeOutcome(&out, r)
	}

	// release every join whose branches all arrived within this advance
	for {
		joinID := completeJoin(proc, out.arrivals)
		if joinID == "" {
			break
		}
		delete(out.arrivals, joinID)
		flow, err := singleOutgoing(proc, joinID)
		if err != nil {
			return branchOutcome{}, err
		}
		cont, err := e.runBranch(ctx, proc, inst, out.vars, flow.TargetRef)
		if err != nil {
			return branchOutcome{}, err
		}
		mergeOutcome(&out, cont)
	}
	return out, nil
}

// runBranch advances one parallel branch until it reaches a join gateway, a
// user task, or an end event. It never touches the shared instance state;
// user tasks are persisted through the store, which is safe for concurrent
// use.
func (e *Executor) runBranch(ctx context.Context, proc *bpmn.Process, inst *db.ProcessInstance, vars map[string]string, elementID string) (branchOutcome, error) {
	out := branchOutcome{arrivals: map[string]int{}}
	for {
		el, ok := proc.Element(elementID)
		if !ok {
			return out, common.NewError(common.KindMalformedProcess,
				"branch element %q not found in process %s", elementID, proc.ID())
		}

		switch el.Type {
		case bpmn.ElementServiceTask:
			merged, err := e.invokeDelegate(ctx, inst, el, vars)
			if err != nil {
				return out, err
			}
			vars = merged
			flow, err := singleOutgoing(proc, el.ID)
			if err != nil {
				return out, err
			}
			elementID = flow.TargetRef

		case bpmn.ElementUserTask:
			if err := e.saveTask(ctx, inst, el, vars); err != nil {
				return out, err
			}
			out.vars = vars
			out.suspended = true
			return out, nil

		case bpmn.ElementExclusiveGateway:
			flow, err := e.selectFlow(proc, el, vars)
			if err != nil {
				return out, err
			}
			elementID = flow.TargetRef

		case bpmn.ElementParallelGateway:
			if len(proc.IncomingFlows(el.ID)) > 1 {
				out.vars = vars
				out.arrivals[el.ID]++
				return out, nil
			}
			if len(proc.OutgoingFlows(el.ID)) > 1 {
				// nested fork inside a branch
				nested, err := e.forkWithin(ctx, proc, inst, vars, el.ID)
				if err != nil {
					return out, err
				}
				mergeOutcome(&out, nested)
				return out, nil
			}
			flow, err := singleOutgoing(proc, el.ID)
			if err != nil {
				return out, err
			}
			elementID = flow.TargetRef

		case bpmn.ElementEndEvent:
			out.vars = vars
			out.ended = true
			return out, nil

		default:
			return out, common.NewError(common.KindMalformedProcess,
				"element %s has unexecutable type %q in a parallel branch", el.ID, el.Type)
		}
	}
}

// forkWithin runs a nested fork starting from the branch's variable set.
func (e *Executor) forkWithin(ctx context.Context, proc *bpmn.Process, inst *db.ProcessInstance, vars map[string]string, gatewayID string) (branchOutcome, error) {
	forked := *inst
	forked.Variables = vars
	return e.forkBranches(ctx, proc, &forked, gatewayID)
}

func mergeOutcome(dst *branchOutcome, src branchOutcome) {
	if dst.vars == nil {
		dst.vars = map[string]string{}
	}
	for k, v := range src.vars {
		dst.vars[k] = v
	}
	for joinID, n := range src.arrivals {
		dst.arrivals[joinID] += n
	}
	dst.suspended = dst.suspended || src.suspended
	dst.ended = dst.ended || src.ended
}

// completeJoin returns a join whose arrivals match its incoming flow count.
func completeJoin(proc *bpmn.Process, arrivals map[string]int) string {
	for joinID, n := range arrivals {
		if n >= len(proc.IncomingFlows(joinID)) {
			return joinID
		}
	}
	return ""
}

func (e *Executor) runServiceTask(ctx context.Context, inst *db.ProcessInstance, el bpmn.Element) error {
	merged, err := e.invokeDelegate(ctx, inst, el, inst.Variables)
	if err != nil {
		return err
	}
	inst.Variables = merged
	return nil
}

func (e *Executor) invokeDelegate(ctx context.Context, inst *db.ProcessInstance, el bpmn.Element, vars map[string]string) (map[string]string, error) {
	name, err := DelegateName(el)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, common.NewError(common.KindMalformedProcess,
			"service task %s has no delegate binding", el.ID)
	}

	common.Logger.WithFields(logrus.Fields{
		"instance_id": inst.ID,
		"element_id":  el.ID,
		"delegate":    name,
	}).Debug("invoking delegate")

	result, err := e.registry.Invoke(ctx, name, vars)
	if err != nil {
		return nil, err
	}
	merged := copyVariables(vars)
	for k, v := range result {
		merged[k] = v
	}
	return merged, nil
}

// suspendAtTask persists the wait point and the suspension in that order, so
// a rehydrated instance always finds its pending task.
func (e *Executor) suspendAtTask(ctx context.Context, inst *db.ProcessInstance, el bpmn.Element, vars map[string]string) error {
	if err := e.saveTask(ctx, inst, el, vars); err != nil {
		return err
	}
	inst.CurrentElement = el.ID
	inst.Status = db.StatusSuspendedAtUserTask
	return e.store.SaveInstance(ctx, inst)
}

func (e *Executor) saveTask(ctx context.Context, inst *db.ProcessInstance, el bpmn.Element, vars map[string]string) error {
	snapshot := make(map[string]string, len(vars))
	for k, v := range vars {
		if strings.HasPrefix(k, "task_") {
			continue
		}
		snapshot[k] = v
	}
	if err := e.store.SaveUserTask(ctx, inst.ID, el.ID, el.FormKey, snapshot); err != nil {
		return err
	}
	// keep the snapshot in the live variable set so the next full save
	// carries it through the variable replacement
	for k, v := range snapshot {
		vars[db.TaskVariableKey(el.ID, k)] = v
	}
	common.Logger.WithFields(logrus.Fields{
		"instance_id": inst.ID,
		"element_id":  el.ID,
		"form_key":    el.FormKey,
	}).Info("user task reached")
	return nil
}

// selectFlow picks the first outgoing flow of an exclusive gateway whose
// condition holds, in document order. The declared default flow is skipped
// during evaluation and taken only when nothing else matches.
func (e *Executor) selectFlow(proc *bpmn.Process, el bpmn.Element, vars map[string]string) (bpmn.SequenceFlow, error) {
	for _, flow := range proc.OutgoingFlows(el.ID) {
		if flow.ID == el.DefaultFlow {
			continue
		}
		if flow.ConditionExpression == "" {
			return flow, nil
		}
		ok, err := e.evaluator.Evaluate(flow.ConditionExpression, vars)
		if err != nil {
			return bpmn.SequenceFlow{}, err
		}
		if ok {
			return flow, nil
		}
	}
	if def, ok := proc.DefaultFlowOf(el.ID); ok {
		return def, nil
	}
	return bpmn.SequenceFlow{}, common.NewError(common.KindMalformedProcess,
		"no outgoing flow of gateway %s is satisfied", el.ID)
}

func (e *Executor) complete(ctx context.Context, inst *db.ProcessInstance) error {
	completed := time.Now().UTC()
	inst.Status = db.StatusCompleted
	inst.CompletedAt = &completed
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return err
	}
	common.Logger.WithFields(logrus.Fields{
		"instance_id": inst.ID,
		"process_id":  inst.ProcessID,
	}).Info("process instance completed")
	return nil
}

// fail records the cause, stamps it into the last_error variable, and moves
// the instance to FAILED. The original error is returned so callers see why
// the advance stopped.
func (e *Executor) fail(ctx context.Context, inst *db.ProcessInstance, cause error) error {
	if ctx.Err() != nil {
		// the advance was cancelled from outside; leave the persisted state
		// untouched so the canceller can stamp its own terminal status
		common.Logger.WithFields(logrus.Fields{
			"instance_id": inst.ID,
			"element_id":  inst.CurrentElement,
		}).WithError(cause).Warn("advance abandoned")
		return cause
	}

	if err := e.store.SaveError(ctx, inst.ID, cause.Error()); err != nil {
		common.Logger.WithError(err).WithField("instance_id", inst.ID).
			Error("could not persist error record")
	}

	if inst.Variables == nil {
		inst.Variables = map[string]string{}
	}
	inst.Variables[LastErrorVariable] = cause.Error()
	completed := time.Now().UTC()
	inst.Status = db.StatusFailed
	inst.CompletedAt = &completed
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		common.Logger.WithError(err).WithField("instance_id", inst.ID).
			Error("could not persist failed instance")
	}

	common.Logger.WithFields(logrus.Fields{
		"instance_id": inst.ID,
		"element_id":  inst.CurrentElement,
	}).WithError(cause).Error("process instance failed")
	return cause
}

func singleOutgoing(proc *bpmn.Process, elementID string) (bpmn.SequenceFlow, error) {
	flows := proc.OutgoingFlows(elementID)
	if len(flows) == 0 {
		return bpmn.SequenceFlow{}, common.NewError(common.KindMalformedProcess,
			"element %s has no outgoing sequence flow", elementID)
	}
	if len(flows) > 1 {
		return bpmn.SequenceFlow{}, common.NewError(common.KindMalformedProcess,
			"element %s has %d outgoing sequence flows, expected one", elementID, len(flows))
	}
	return flows[0], nil
}
