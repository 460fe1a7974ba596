// Package engine is the public facade of the workflow engine. It owns
// definition caching, per-instance locking, and input validation, and
// delegates execution itself to the executor.
package engine

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bpmn.evalgo.org/bpmn"
	"bpmn.evalgo.org/common"
	"bpmn.evalgo.org/db"
	"bpmn.evalgo.org/executor"
)

// Engine coordinates process definitions, instances, and user tasks on top
// of a Store. All methods are safe for concurrent use; operations on the
// same instance are serialized through a per-instance lock.
type Engine struct {
	store db.Store
	exec  *executor.Executor

	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	cancels   map[string]context.CancelFunc
	processes map[string]*bpmn.Process
}

// ProcessState is the JSON snapshot of one instance returned to callers.
type ProcessState struct {
	InstanceID     string            `json:"instance_id"`
	ProcessID      string            `json:"process_id"`
	Status         db.InstanceStatus `json:"status"`
	CurrentElement string            `json:"current_element"`
	Variables      map[string]string `json:"variables"`
	PendingJoins   map[string]int    `json:"pending_joins,omitempty"`
	PendingTasks   []TaskState       `json:"pending_tasks"`
	CreatedAt      time.Time         `json:"created_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// TaskState describes one open user task of an instance.
type TaskState struct {
	TaskID    string    `json:"task_id"`
	FormKey   string    `json:"form_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// New builds an engine around a store and a delegate registry.
func New(store db.Store, registry *executor.Registry) *Engine {
	return &Engine{
		store:     store,
		exec:      executor.New(store, registry, nil),
		locks:     map[string]*sync.Mutex{},
		cancels:   map[string]context.CancelFunc{},
		processes: map[string]*bpmn.Process{},
	}
}

func (e *Engine) instanceLock(instanceID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[instanceID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[instanceID] = lock
	}
	return lock
}

// advanceContext registers a cancel handle for the instance so Terminate can
// interrupt a running advance. The returned finish func must run when the
// advance ends.
func (e *Engine) advanceContext(ctx context.Context, instanceID string) (context.Context, func()) {
	cctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[instanceID] = cancel
	e.mu.Unlock()
	return cctx, func() {
		e.mu.Lock()
		delete(e.cancels, instanceID)
		e.mu.Unlock()
		cancel()
	}
}

func (e *Engine) cancelAdvance(instanceID string) {
	e.mu.Lock()
	cancel := e.cancels[instanceID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// forgetInstance drops the bookkeeping of an instance that reached a terminal
// status. Later callers get a fresh lock, which is safe because every
// operation re-checks the persisted status under it.
func (e *Engine) forgetInstance(instanceID string) {
	e.mu.Lock()
	delete(e.locks, instanceID)
	delete(e.cancels, instanceID)
	e.mu.Unlock()
}

// DeployProcess validates the XML, stores it as the next version of its
// process id, and caches the parsed graph.
func (e *Engine) DeployProcess(ctx context.Context, bpmnXML string) (string, int, error) {
	proc, err := bpmn.Parse([]byte(bpmnXML))
	if err != nil {
		return "", 0, err
	}
	version, err := e.store.DeployDefinition(ctx, proc.ID(), bpmnXML)
	if err != nil {
		return "", 0, err
	}

	e.mu.Lock()
	e.processes[proc.ID()] = proc
	e.mu.Unlock()

	common.Logger.WithFields(logrus.Fields{
		"process_id": proc.ID(),
		"version":    version,
	}).Info("process definition deployed")
	return proc.ID(), version, nil
}

// StartProcess parses the XML, deploys it, and starts one instance. The
// instance id is returned even when execution fails so the failure can be
// inspected afterwards.
func (e *Engine) StartProcess(ctx context.Context, bpmnXML string, variables map[string]string) (string, error) {
	processID, _, err := e.DeployProcess(ctx, bpmnXML)
	if err != nil {
		return "", err
	}
	return e.StartProcessByID(ctx, processID, variables)
}

// StartProcessFromFile reads a definition from disk, deploys it, and starts
// one instance.
func (e *Engine) StartProcessFromFile(ctx context.Context, path string, variables map[string]string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", common.WrapError(common.KindValidation, err, "read %s", path)
	}
	return e.StartProcess(ctx, string(data), variables)
}

// StartProcessByID starts an instance of the latest deployed version of the
// process.
func (e *Engine) StartProcessByID(ctx context.Context, processID string, variables map[string]string) (string, error) {
	proc, err := e.definition(ctx, processID)
	if err != nil {
		return "", err
	}

	instanceID := uuid.New().String()
	lock := e.instanceLock(instanceID)
	lock.Lock()
	defer lock.Unlock()

	cctx, finish := e.advanceContext(ctx, instanceID)
	defer finish()

	inst, err := e.exec.Start(cctx, proc, instanceID, variables)
	if inst != nil && !inst.Status.Active() {
		e.forgetInstance(instanceID)
	}
	if err != nil {
		return instanceID, err
	}
	return instanceID, nil
}

// CompleteTask closes an open user task and resumes the instance. The
// submitted variables are merged into the instance before it advances.
func (e *Engine) CompleteTask(ctx context.Context, instanceID, taskID string, variables map[string]string) error {
	if err := validateInstanceID(instanceID); err != nil {
		return err
	}
	lock := e.instanceLock(instanceID)
	lock.Lock()
	defer lock.Unlock()

	inst, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != db.StatusSuspendedAtUserTask {
		return common.NewError(common.KindConflict,
			"instance %s is %s, not waiting at a user task", instanceID, inst.Status)
	}

	proc, err := e.definition(ctx, inst.ProcessID)
	if err != nil {
		return err
	}

	cctx, finish := e.advanceContext(ctx, instanceID)
	defer finish()

	err = e.exec.CompleteTask(cctx, proc, inst, taskID, variables)
	if !inst.Status.Active() {
		e.forgetInstance(instanceID)
	}
	return err
}

// GetProcessState returns a snapshot of the instance including its open
// tasks.
func (e *Engine) GetProcessState(ctx context.Context, instanceID string) (*ProcessState, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return nil, err
	}
	inst, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	pending, err := e.store.PendingUserTasks(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	state := &ProcessState{
		InstanceID:     inst.ID,
		ProcessID:      inst.ProcessID,
		Status:         inst.Status,
		CurrentElement: inst.CurrentElement,
		Variables:      inst.Variables,
		PendingJoins:   inst.PendingJoins,
		PendingTasks:   []TaskState{},
		CreatedAt:      inst.CreatedAt,
		CompletedAt:    inst.CompletedAt,
	}
	for _, task := range pending {
		state.PendingTasks = append(state.PendingTasks, TaskState{
			TaskID:    task.TaskID,
			FormKey:   task.FormKey,
			CreatedAt: task.CreatedAt,
		})
	}
	return state, nil
}

// PendingTasks lists the open user tasks of an instance.
func (e *Engine) PendingTasks(ctx context.Context, instanceID string) ([]db.UserTask, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return nil, err
	}
	if _, err := e.store.LoadInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.PendingUserTasks(ctx, instanceID)
}

// SignalEvent records an external signal for an active instance.
func (e *Engine) SignalEvent(ctx context.Context, instanceID, eventID, payload string) error {
	if err := validateInstanceID(instanceID); err != nil {
		return err
	}
	lock := e.instanceLock(instanceID)
	lock.Lock()
	defer lock.Unlock()

	inst, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if !inst.Status.Active() {
		return common.NewError(common.KindConflict,
			"instance %s is %s and cannot receive signals", instanceID, inst.Status)
	}
	if err := e.store.SaveSignal(ctx, instanceID, eventID, payload); err != nil {
		return err
	}
	common.Logger.WithFields(logrus.Fields{
		"instance_id": instanceID,
		"event_id":    eventID,
	}).Info("signal received")
	return nil
}

// SuspendInstance pauses an active instance for administrative intervention.
func (e *Engine) SuspendInstance(ctx context.Context, instanceID string) error {
	if err := validateInstanceID(instanceID); err != nil {
		return err
	}
	lock := e.instanceLock(instanceID)
	lock.Lock()
	defer lock.Unlock()

	inst, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if !inst.Status.Active() {
		return common.NewError(common.KindConflict,
			"instance %s is %s and cannot be suspended", instanceID, inst.Status)
	}
	if inst.Status == db.StatusSuspendedAdmin {
		return nil
	}
	return e.store.UpdateStatus(ctx, instanceID, db.StatusSuspendedAdmin)
}

// ResumeInstance lifts an administrative suspension. The instance returns to
// its user tasks when any are open, otherwise execution continues from the
// current element.
func (e *Engine) ResumeInstance(ctx context.Context, instanceID string) error {
	if err := validateInstanceID(instanceID); err != nil {
		return err
	}
	lock := e.instanceLock(instanceID)
	lock.Lock()
	defer lock.Unlock()

	inst, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != db.StatusSuspendedAdmin {
		return common.NewError(common.KindConflict,
			"instance %s is %s, not suspended by an administrator", instanceID, inst.Status)
	}

	pending, err := e.store.PendingUserTasks(ctx, instanceID)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return e.store.UpdateStatus(ctx, instanceID, db.StatusSuspendedAtUserTask)
	}

	proc, err := e.definition(ctx, inst.ProcessID)
	if err != nil {
		return err
	}
	inst.Status = db.StatusRunning
	if err := e.store.UpdateStatus(ctx, instanceID, db.StatusRunning); err != nil {
		return err
	}

	cctx, finish := e.advanceContext(ctx, instanceID)
	defer finish()

	err = e.exec.Advance(cctx, proc, inst)
	if !inst.Status.Active() {
		e.forgetInstance(instanceID)
	}
	return err
}

// TerminateInstance cancels an active instance. A running advance is
// cancelled through its context, so in-flight branches and delegates abandon
// at their next checkpoint before the terminal status is recorded.
// Terminating an already terminated instance is a no-op; other terminal
// states conflict.
func (e *Engine) TerminateInstance(ctx context.Context, instanceID string) error {
	if err := validateInstanceID(instanceID); err != nil {
		return err
	}
	e.cancelAdvance(instanceID)
	lock := e.instanceLock(instanceID)
	lock.Lock()
	defer lock.Unlock()

	inst, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status == db.StatusTerminated {
		return nil
	}
	if !inst.Status.Active() {
		return common.NewError(common.KindConflict,
			"instance %s is already %s", instanceID, inst.Status)
	}

	if err := e.store.CompleteInstance(ctx, instanceID, db.StatusTerminated); err != nil {
		return err
	}
	e.forgetInstance(instanceID)
	common.Logger.WithField("instance_id", instanceID).Info("process instance terminated")
	return nil
}

// GetForm returns a stored form definition.
func (e *Engine) GetForm(ctx context.Context, formID string) (*db.Form, error) {
	if formID == "" {
		return nil, common.NewError(common.KindValidation, "form id must not be empty")
	}
	return e.store.FormByID(ctx, formID)
}

// SaveForm stores a form definition for later lookup by user task form keys.
func (e *Engine) SaveForm(ctx context.Context, form *db.Form) error {
	if form == nil || form.ID == "" {
		return common.NewError(common.KindValidation, "form id must not be empty")
	}
	return e.store.SaveForm(ctx, form)
}

// IsProcessActive reports whether an instance can still make progress.
func (e *Engine) IsProcessActive(ctx context.Context, instanceID string) (bool, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return false, err
	}
	inst, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}
	return inst.Status.Active(), nil
}

// ActiveInstances lists the ids of instances that can still make progress.
func (e *Engine) ActiveInstances(ctx context.Context) ([]string, error) {
	return e.store.ActiveInstances(ctx)
}

// definition returns the parsed graph for a process id, loading and caching
// the latest stored version on a miss.
func (e *Engine) definition(ctx context.Context, processID string) (*bpmn.Process, error) {
	e.mu.Lock()
	proc, ok := e.processes[processID]
	e.mu.Unlock()
	if ok {
		return proc, nil
	}

	xml, err := e.store.LoadDefinition(ctx, processID)
	if err != nil {
		return nil, err
	}
	proc, err = bpmn.Parse([]byte(xml))
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.processes[processID] = proc
	e.mu.Unlock()
	return proc, nil
}

func validateInstanceID(instanceID string) error {
	if _, err := uuid.Parse(instanceID); err != nil {
		return common.WrapError(common.KindValidation, err,
			"invalid instance id %q", instanceID)
	}
	return nil
}
