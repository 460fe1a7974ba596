// Package db persists process instances, variables, user tasks, signals,
// forms, and versioned definitions. Two implementations share one contract:
// a PostgreSQL store backed by pgx for production and an in-memory store for
// tests and embedded use.
package db

import (
	"context"
	"time"
)

// InstanceStatus is the lifecycle status of a process instance.
type InstanceStatus string

const (
	StatusRunning             InstanceStatus = "RUNNING"
	StatusSuspendedAtUserTask InstanceStatus = "SUSPENDED_AT_USER_TASK"
	StatusSuspendedAdmin      InstanceStatus = "SUSPENDED_ADMIN"
	StatusCompleted           InstanceStatus = "COMPLETED"
	StatusTerminated          InstanceStatus = "TERMINATED"
	StatusFailed              InstanceStatus = "FAILED"
)

// Active reports whether an instance in this status can still make progress.
func (s InstanceStatus) Active() bool {
	switch s {
	case StatusRunning, StatusSuspendedAtUserTask, StatusSuspendedAdmin:
		return true
	}
	return false
}

// User task row statuses.
const (
	TaskPending   = "PENDING"
	TaskCompleted = "COMPLETED"
)

// ProcessInstance is the persisted execution state of one process run. It is
// the unit of rehydration: loading it back is enough to resume execution
// after a restart.
type ProcessInstance struct {
	ID             string
	ProcessID      string
	CurrentElement string
	Status         InstanceStatus
	Variables      map[string]string

	// PendingJoins maps a parallel join gateway id to the number of
	// incoming branches that have not arrived yet. Empty outside of
	// suspended parallel regions.
	PendingJoins map[string]int

	CreatedAt   time.Time
	CompletedAt *time.Time
}

// UserTask is a persisted wait point of an instance. At most one PENDING row
// exists per (instance, task).
type UserTask struct {
	ID          int64      `json:"id"`
	InstanceID  string     `json:"instance_id"`
	TaskID      string     `json:"task_id"`
	FormKey     string     `json:"form_key,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Form is a stored form definition referenced by user tasks through their
// form key.
type Form struct {
	ID          string `json:"id"`
	ProcessID   string `json:"process_id,omitempty"`
	Description string `json:"description,omitempty"`
	Schema      string `json:"schema,omitempty"`
	UISchema    string `json:"ui_schema,omitempty"`
}

// ErrorRecord is one persisted engine error, kept alongside the instance for
// diagnosis after the fact.
type ErrorRecord struct {
	InstanceID string
	Message    string
	CreatedAt  time.Time
}

// TaskVariableKey prefixes a variable key with its task id. User task
// snapshots are stored under these keys so the values present when the task
// was reached survive later writes to the plain key.
func TaskVariableKey(taskID, key string) string {
	return "task_" + taskID + "_" + key
}

// Store is the durability contract of the engine. Implementations must make
// SaveInstance atomic: the instance row and its full variable set commit or
// roll back together.
type Store interface {
	// DeployDefinition stores BPMN XML under the process id and returns the
	// assigned version. Versions start at 1 and increase monotonically.
	DeployDefinition(ctx context.Context, processID, bpmnXML string) (int, error)

	// LoadDefinition returns the highest-version XML for the process id.
	LoadDefinition(ctx context.Context, processID string) (string, error)

	// SaveInstance upserts the instance row and replaces its variables in a
	// single transaction.
	SaveInstance(ctx context.Context, inst *ProcessInstance) error

	// LoadInstance rehydrates an instance with its variables.
	LoadInstance(ctx context.Context, id string) (*ProcessInstance, error)

	// UpdateStatus changes the status of an existing instance.
	UpdateStatus(ctx context.Context, id string, status InstanceStatus) error

	// CompleteInstance sets a terminal status and stamps the completion time.
	CompleteInstance(ctx context.Context, id string, status InstanceStatus) error

	// ActiveInstances lists ids of instances that can still make progress,
	// oldest first.
	ActiveInstances(ctx context.Context) ([]string, error)

	// SaveUserTask records a PENDING wait point and snapshots the given
	// variables under task-scoped keys.
	SaveUserTask(ctx context.Context, instanceID, taskID, formKey string, variables map[string]string) error

	// CompleteUserTask marks the PENDING row for the task as COMPLETED.
	CompleteUserTask(ctx context.Context, instanceID, taskID string) error

	// PendingUserTasks lists the open wait points of an instance, oldest
	// first.
	PendingUserTasks(ctx context.Context, instanceID string) ([]UserTask, error)

	// SaveError appends an error record for the instance.
	SaveError(ctx context.Context, instanceID, message string) error

	// SaveSignal records a received signal event with its payload.
	SaveSignal(ctx context.Context, instanceID, eventID, payload string) error

	// SaveForm stores or replaces a form definition.
	SaveForm(ctx context.Context, form *Form) error

	// FormByID returns a stored form definition.
	FormByID(ctx context.Context, id string) (*Form, error)

	// Close releases the underlying resources.
	Close()
}
