package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"bpmn.evalgo.org/common"
)

// MemoryStore is an in-process Store for tests and embedded deployments. It
// mirrors the PostgreSQL semantics, including the one-PENDING-row-per-task
// constraint and the task-scoped variable snapshots.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string][]string // process id -> XML per version, index 0 is v1
	instances   map[string]*ProcessInstance
	tasks       []UserTask
	nextTaskID  int64
	errors      []ErrorRecord
	signals     []signalRecord
	forms       map[string]Form
}

type signalRecord struct {
	InstanceID string
	EventID    string
	Payload    string
	CreatedAt  time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: map[string][]string{},
		instances:   map[string]*ProcessInstance{},
		forms:       map[string]Form{},
		nextTaskID:  1,
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() {}

// DeployDefinition appends the XML as the next version.
func (s *MemoryStore) DeployDefinition(_ context.Context, processID, bpmnXML string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[processID] = append(s.definitions[processID], bpmnXML)
	return len(s.definitions[processID]), nil
}

// LoadDefinition returns the latest version.
func (s *MemoryStore) LoadDefinition(_ context.Context, processID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.definitions[processID]
	if len(versions) == 0 {
		return "", common.NewError(common.KindNotFound, "process definition %s not found", processID)
	}
	return versions[len(versions)-1], nil
}

// SaveInstance stores a deep copy of the instance.
func (s *MemoryStore) SaveInstance(_ context.Context, inst *ProcessInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := copyInstance(inst)
	if existing, ok := s.instances[inst.ID]; ok {
		saved.CreatedAt = existing.CreatedAt
	} else if saved.CreatedAt.IsZero() {
		saved.CreatedAt = time.Now().UTC()
	}
	s.instances[inst.ID] = saved
	return nil
}

// LoadInstance returns a deep copy of the stored instance.
func (s *MemoryStore) LoadInstance(_ context.Context, id string) (*ProcessInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, common.NewError(common.KindNotFound, "process instance %s not found", id)
	}
	return copyInstance(inst), nil
}

// UpdateStatus changes the status of an existing instance.
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status InstanceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return common.NewError(common.KindNotFound, "process instance %s not found", id)
	}
	inst.Status = status
	return nil
}

// CompleteInstance sets a terminal status and the completion timestamp.
func (s *MemoryStore) CompleteInstance(_ context.Context, id string, status InstanceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return common.NewError(common.KindNotFound, "process instance %s not found", id)
	}
	inst.Status = status
	completed := time.Now().UTC()
	inst.CompletedAt = &completed
	return nil
}

// ActiveInstances lists non-terminal instance ids, oldest first.
func (s *MemoryStore) ActiveInstances(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*ProcessInstance
	for _, inst := range s.instances {
		if inst.Status.Active() {
			active = append(active, inst)
		}
	}
	// oldest first, matching the SQL ordering
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	ids := make([]string, 0, len(active))
	for _, inst := range active {
		ids = append(ids, inst.ID)
	}
	return ids, nil
}

// SaveUserTask records the wait point and the task-scoped variable snapshot.
func (s *MemoryStore) SaveUserTask(_ context.Context, instanceID, taskID, formKey string, variables map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if t.InstanceID == instanceID && t.TaskID == taskID && t.Status == TaskPending {
			return common.NewError(common.KindConflict,
				"task %s of instance %s is already pending", taskID, instanceID)
		}
	}
	s.tasks = append(s.tasks, UserTask{
		ID:         s.nextTaskID,
		InstanceID: instanceID,
		TaskID:     taskID,
		FormKey:    formKey,
		Status:     TaskPending,
		CreatedAt:  time.Now().UTC(),
	})
	s.nextTaskID++

	if inst, ok := s.instances[instanceID]; ok {
		if inst.Variables == nil {
			inst.Variables = map[string]string{}
		}
		for key, value := range variables {
			inst.Variables[TaskVariableKey(taskID, key)] = value
		}
	}
	return nil
}

// CompleteUserTask closes the PENDING row for the task.
func (s *MemoryStore) CompleteUserTask(_ context.Context, instanceID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tasks {
		t := &s.tasks[i]
		if t.InstanceID == instanceID && t.TaskID == taskID && t.Status == TaskPending {
			t.Status = TaskCompleted
			completed := time.Now().UTC()
			t.CompletedAt = &completed
			return nil
		}
	}
	return common.NewError(common.KindNotFound,
		"no pending task %s for instance %s", taskID, instanceID)
}

// PendingUserTasks lists open wait points of the instance, oldest first.
func (s *MemoryStore) PendingUserTasks(_ context.Context, instanceID string) ([]UserTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pending []UserTask
	for _, t := range s.tasks {
		if t.InstanceID == instanceID && t.Status == TaskPending {
			pending = append(pending, t)
		}
	}
	return pending, nil
}

// SaveError appends an error record.
func (s *MemoryStore) SaveError(_ context.Context, instanceID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, ErrorRecord{
		InstanceID: instanceID,
		Message:    message,
		CreatedAt:  time.Now().UTC(),
	})
	return nil
}

// Errors returns the recorded errors of the instance, for tests and
// diagnostics.
func (s *MemoryStore) Errors(instanceID string) []ErrorRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ErrorRecord
	for _, rec := range s.errors {
		if rec.InstanceID == instanceID {
			out = append(out, rec)
		}
	}
	return out
}

// SaveSignal records a received signal event.
func (s *MemoryStore) SaveSignal(_ context.Context, instanceID, eventID, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, signalRecord{
		InstanceID: instanceID,
		EventID:    eventID,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	})
	return nil
}

// SaveForm stores or replaces a form definition.
func (s *MemoryStore) SaveForm(_ context.Context, form *Form) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forms[form.ID] = *form
	return nil
}

// FormByID returns a stored form definition.
func (s *MemoryStore) FormByID(_ context.Context, id string) (*Form, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	form, ok := s.forms[id]
	if !ok {
		return nil, common.NewError(common.KindNotFound, "form %s not found", id)
	}
	return &form, nil
}

func copyInstance(inst *ProcessInstance) *ProcessInstance {
	out := *inst
	out.Variables = make(map[string]string, len(inst.Variables))
	for k, v := range inst.Variables {
		out.Variables[k] = v
	}
	out.PendingJoins = make(map[string]int, len(inst.PendingJoins))
	for k, v := range inst.PendingJoins {
		out.PendingJoins[k] = v
	}
	if inst.CompletedAt != nil {
		completed := *inst.CompletedAt
		out.CompletedAt = &completed
	}
	return &out
}

var _ Store = (*MemoryStore)(nil)
