package db

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bpmn.evalgo.org/common"
)

// PostgresStore is the production Store backed by a pgx connection pool.
// All statements run with explicit contexts; multi-statement writes run in
// transactions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS process_definitions (
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		bpmn_xml TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS process_instances (
		id VARCHAR(36) PRIMARY KEY,
		process_id TEXT NOT NULL,
		current_element TEXT NOT NULL,
		status TEXT NOT NULL,
		pending_joins JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS process_variables (
		id BIGSERIAL PRIMARY KEY,
		instance_id VARCHAR(36) NOT NULL REFERENCES process_instances(id) ON DELETE CASCADE,
		var_key TEXT NOT NULL,
		var_value TEXT NOT NULL,
		UNIQUE (instance_id, var_key)
	)`,
	`CREATE TABLE IF NOT EXISTS user_tasks (
		id BIGSERIAL PRIMARY KEY,
		instance_id VARCHAR(36) NOT NULL REFERENCES process_instances(id) ON DELETE CASCADE,
		task_id TEXT NOT NULL,
		form_key TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'PENDING',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS user_tasks_pending_uniq
		ON user_tasks (instance_id, task_id) WHERE status = 'PENDING'`,
	`CREATE TABLE IF NOT EXISTS process_errors (
		id BIGSERIAL PRIMARY KEY,
		instance_id VARCHAR(36) NOT NULL,
		message TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS process_signals (
		id BIGSERIAL PRIMARY KEY,
		instance_id VARCHAR(36) NOT NULL,
		event_id TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS process_forms (
		id TEXT PRIMARY KEY,
		process_id TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		form_schema TEXT NOT NULL DEFAULT '',
		ui_schema TEXT NOT NULL DEFAULT ''
	)`,
}

// NewPostgresStore connects a pool, verifies the connection, and creates the
// schema if it does not exist yet.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, common.WrapError(common.KindStore, err, "create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, common.WrapError(common.KindStore, err, "ping database")
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return common.WrapError(common.KindStore, err, "create schema")
		}
	}
	return nil
}

// DeployDefinition stores the XML under the next version of the process id.
func (s *PostgresStore) DeployDefinition(ctx context.Context, processID, bpmnXML string) (int, error) {
	var version int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO process_definitions (id, version, bpmn_xml)
		 SELECT $1, COALESCE(MAX(version), 0) + 1, $2
		   FROM process_definitions WHERE id = $1
		 RETURNING version`,
		processID, bpmnXML).Scan(&version)
	if err != nil {
		return 0, common.WrapError(common.KindStore, err, "deploy definition %s", processID)
	}
	return version, nil
}

// LoadDefinition returns the highest-version XML for the process id.
func (s *PostgresStore) LoadDefinition(ctx context.Context, processID string) (string, error) {
	var xml string
	err := s.pool.QueryRow(ctx,
		`SELECT bpmn_xml FROM process_definitions
		 WHERE id = $1 ORDER BY version DESC LIMIT 1`,
		processID).Scan(&xml)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", common.NewError(common.KindNotFound, "process definition %s not found", processID)
	}
	if err != nil {
		return "", common.WrapError(common.KindStore, err, "load definition %s", processID)
	}
	return xml, nil
}

// SaveInstance upserts the row and replaces the variable set atomically.
func (s *PostgresStore) SaveInstance(ctx context.Context, inst *ProcessInstance) error {
	joins, err := json.Marshal(pendingOrEmpty(inst.PendingJoins))
	if err != nil {
		return common.WrapError(common.KindStore, err, "encode pending joins for %s", inst.ID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return common.WrapError(common.KindStore, err, "begin save of instance %s", inst.ID)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO process_instances (id, process_id, current_element, status, pending_joins, completed_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		 ON CONFLICT (id) DO UPDATE SET
			current_element = EXCLUDED.current_element,
			status = EXCLUDED.status,
			pending_joins = EXCLUDED.pending_joins,
			completed_at = EXCLUDED.completed_at`,
		inst.ID, inst.ProcessID, inst.CurrentElement, string(inst.Status), string(joins), inst.CompletedAt)
	if err != nil {
		return common.WrapError(common.KindStore, err, "upsert instance %s", inst.ID)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM process_variables WHERE instance_id = $1`, inst.ID); err != nil {
		return common.WrapError(common.KindStore, err, "clear variables of %s", inst.ID)
	}
	for key, value := range inst.Variables {
		if _, err := tx.Exec(ctx,
			`INSERT INTO process_variables (instance_id, var_key, var_value) VALUES ($1, $2, $3)`,
			inst.ID, key, value); err != nil {
			return common.WrapError(common.KindStore, err, "insert variable %s of %s", key, inst.ID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return common.WrapError(common.KindStore, err, "commit save of instance %s", inst.ID)
	}
	return nil
}

// LoadInstance rehydrates the row and its variables.
func (s *PostgresStore) LoadInstance(ctx context.Context, id string) (*ProcessInstance, error) {
	inst := &ProcessInstance{ID: id}
	var status string
	var joins []byte
	err := s.pool.QueryRow(ctx,
		`SELECT process_id, current_element, status, pending_joins, created_at, completed_at
		 FROM process_instances WHERE id = $1`, id).
		Scan(&inst.ProcessID, &inst.CurrentElement, &status, &joins, &inst.CreatedAt, &inst.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.NewError(common.KindNotFound, "process instance %s not found", id)
	}
	if err != nil {
		return nil, common.WrapError(common.KindStore, err, "load instance %s", id)
	}
	inst.Status = InstanceStatus(status)

	inst.PendingJoins = map[string]int{}
	if len(joins) > 0 {
		if err := json.Unmarshal(joins, &inst.PendingJoins); err != nil {
			return nil, common.WrapError(common.KindStore, err, "decode pending joins of %s", id)
		}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT var_key, var_value FROM process_variables WHERE instance_id = $1`, id)
	if err != nil {
		return nil, common.WrapError(common.KindStore, err, "load variables of %s", id)
	}
	defer rows.Close()

	inst.Variables = map[string]string{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, common.WrapError(common.KindStore, err, "scan variable of %s", id)
		}
		inst.Variables[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, common.WrapError(common.KindStore, err, "iterate variables of %s", id)
	}
	return inst, nil
}

// UpdateStatus changes the status of an existing instance.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status InstanceStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE process_instances SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return common.WrapError(common.KindStore, err, "update status of %s", id)
	}
	if tag.RowsAffected() == 0 {
		return common.NewError(common.KindNotFound, "process instance %s not found", id)
	}
	return nil
}

// CompleteInstance sets a terminal status and the completion timestamp.
func (s *PostgresStore) CompleteInstance(ctx context.Context, id string, status InstanceStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE process_instances SET status = $2, completed_at = NOW() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return common.WrapError(common.KindStore, err, "complete instance %s", id)
	}
	if tag.RowsAffected() == 0 {
		return common.NewError(common.KindNotFound, "process instance %s not found", id)
	}
	return nil
}

// ActiveInstances lists non-terminal instance ids, oldest first.
func (s *PostgresStore) ActiveInstances(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM process_instances
		 WHERE status IN ($1, $2, $3) ORDER BY created_at`,
		string(StatusRunning), string(StatusSuspendedAtUserTask), string(StatusSuspendedAdmin))
	if err != nil {
		return nil, common.WrapError(common.KindStore, err, "list active instances")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, common.WrapError(common.KindStore, err, "scan instance id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, common.WrapError(common.KindStore, err, "iterate active instances")
	}
	return ids, nil
}

// SaveUserTask records the wait point and snapshots the variables under
// task-scoped keys in one transaction.
func (s *PostgresStore) SaveUserTask(ctx context.Context, instanceID, taskID, formKey string, variables map[string]string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return common.WrapError(common.KindStore, err, "begin save of task %s", taskID)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO user_tasks (instance_id, task_id, form_key, status) VALUES ($1, $2, $3, $4)`,
		instanceID, taskID, formKey, TaskPending)
	if err != nil {
		return common.WrapError(common.KindStore, err, "insert task %s of %s", taskID, instanceID)
	}

	for key, value := range variables {
		if _, err := tx.Exec(ctx,
			`INSERT INTO process_variables (instance_id, var_key, var_value) VALUES ($1, $2, $3)
			 ON CONFLICT (instance_id, var_key) DO UPDATE SET var_value = EXCLUDED.var_value`,
			instanceID, TaskVariableKey(taskID, key), value); err != nil {
			return common.WrapError(common.KindStore, err, "snapshot variable %s of task %s", key, taskID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return common.WrapError(common.KindStore, err, "commit save of task %s", taskID)
	}
	return nil
}

// CompleteUserTask closes the PENDING row for the task.
func (s *PostgresStore) CompleteUserTask(ctx context.Context, instanceID, taskID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE user_tasks SET status = $3, completed_at = NOW()
		 WHERE instance_id = $1 AND task_id = $2 AND status = $4`,
		instanceID, taskID, TaskCompleted, TaskPending)
	if err != nil {
		return common.WrapError(common.KindStore, err, "complete task %s of %s", taskID, instanceID)
	}
	if tag.RowsAffected() == 0 {
		return common.NewError(common.KindNotFound,
			"no pending task %s for instance %s", taskID, instanceID)
	}
	return nil
}

// PendingUserTasks lists open wait points of the instance, oldest first.
func (s *PostgresStore) PendingUserTasks(ctx context.Context, instanceID string) ([]UserTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, instance_id, task_id, form_key, status, created_at, completed_at
		 FROM user_tasks WHERE instance_id = $1 AND status = $2 ORDER BY created_at, id`,
		instanceID, TaskPending)
	if err != nil {
		return nil, common.WrapError(common.KindStore, err, "list pending tasks of %s", instanceID)
	}
	defer rows.Close()

	var tasks []UserTask
	for rows.Next() {
		var t UserTask
		if err := rows.Scan(&t.ID, &t.InstanceID, &t.TaskID, &t.FormKey, &t.Status, &t.CreatedAt, &t.CompletedAt); err != nil {
			return nil, common.WrapError(common.KindStore, err, "scan task of %s", instanceID)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, common.WrapError(common.KindStore, err, "iterate tasks of %s", instanceID)
	}
	return tasks, nil
}

// SaveError appends an error record for the instance.
func (s *PostgresStore) SaveError(ctx context.Context, instanceID, message string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO process_errors (instance_id, message) VALUES ($1, $2)`,
		instanceID, message)
	if err != nil {
		return common.WrapError(common.KindStore, err, "save error of %s", instanceID)
	}
	return nil
}

// SaveSignal records a received signal event.
func (s *PostgresStore) SaveSignal(ctx context.Context, instanceID, eventID, payload string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO process_signals (instance_id, event_id, payload) VALUES ($1, $2, $3)`,
		instanceID, eventID, payload)
	if err != nil {
		return common.WrapError(common.KindStore, err, "save signal %s of %s", eventID, instanceID)
	}
	return nil
}

// SaveForm stores or replaces a form definition.
func (s *PostgresStore) SaveForm(ctx context.Context, form *Form) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO process_forms (id, process_id, description, form_schema, ui_schema)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
			process_id = EXCLUDED.process_id,
			description = EXCLUDED.description,
			form_schema = EXCLUDED.form_schema,
			ui_schema = EXCLUDED.ui_schema`,
		form.ID, form.ProcessID, form.Description, form.Schema, form.UISchema)
	if err != nil {
		return common.WrapError(common.KindStore, err, "save form %s", form.ID)
	}
	return nil
}

// FormByID returns a stored form definition.
func (s *PostgresStore) FormByID(ctx context.Context, id string) (*Form, error) {
	form := &Form{ID: id}
	err := s.pool.QueryRow(ctx,
		`SELECT process_id, description, form_schema, ui_schema FROM process_forms WHERE id = $1`, id).
		Scan(&form.ProcessID, &form.Description, &form.Schema, &form.UISchema)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.NewError(common.KindNotFound, "form %s not found", id)
	}
	if err != nil {
		return nil, common.WrapError(common.KindStore, err, "load form %s", id)
	}
	return form, nil
}

func pendingOrEmpty(joins map[string]int) map[string]int {
	if joins == nil {
		return map[string]int{}
	}
	return joins
}

var _ Store = (*PostgresStore)(nil)
