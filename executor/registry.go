// Package executor runs process instances: it advances execution through the
// element graph until the instance suspends at a user task or reaches a
// terminal state, dispatching service tasks to registered delegates and
// forking parallel branches onto goroutines.
package executor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"bpmn.evalgo.org/bpmn"
	"bpmn.evalgo.org/common"
)

// DefaultDelegateTimeout bounds a single delegate invocation.
const DefaultDelegateTimeout = 30 * time.Second

// Delegate is application code bound to a service task. It receives a copy
// of the instance variables and returns a JSON-style object whose top-level
// keys merge back into the variables; non-string values are re-encoded as
// their JSON text. It must respect ctx cancellation.
type Delegate func(ctx context.Context, variables map[string]string) (map[string]interface{}, error)

// Registry maps delegate names to implementations. A service task selects
// its delegate through its class, expression, or topic attribute, checked in
// that order.
type Registry struct {
	mu        sync.RWMutex
	delegates map[string]Delegate
	timeout   time.Duration
}

// NewRegistry creates a registry with the given per-invocation timeout.
// A zero timeout falls back to DefaultDelegateTimeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultDelegateTimeout
	}
	return &Registry{
		delegates: make(map[string]Delegate),
		timeout:   timeout,
	}
}

// Register binds a delegate under a name. Re-registering a name replaces the
// previous delegate.
func (r *Registry) Register(name string, d Delegate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delegates[name] = d
}

// DelegateName resolves the binding attribute of a service task. A task must
// bind through exactly one of class, expression, or topic; several at once is
// a malformed definition.
func DelegateName(el bpmn.Element) (string, error) {
	name := ""
	for _, binding := range []string{el.ClassName, el.Expression, el.Topic} {
		if binding == "" {
			continue
		}
		if name != "" {
			return "", common.NewError(common.KindMalformedProcess,
				"service task %s binds more than one delegate attribute", el.ID)
		}
		name = binding
	}
	return name, nil
}

// Invoke runs the named delegate with a bounded context. The delegate runs
// on its own goroutine so a stuck implementation cannot block the engine
// past the timeout.
func (r *Registry) Invoke(ctx context.Context, name string, variables map[string]string) (map[string]string, error) {
	r.mu.RLock()
	d, ok := r.delegates[name]
	r.mu.RUnlock()
	if !ok {
		return nil, common.NewError(common.KindDelegateFailure, "no delegate registered for %q", name)
	}

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type result struct {
		values map[string]interface{}
		err    error
	}
	done := make(chan result, 1)
	go func() {
		out, err := d(cctx, copyVariables(variables))
		done <- result{values: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, common.WrapError(common.KindDelegateFailure, res.err, "delegate %q failed", name)
		}
		vars, err := NormalizeValues(res.values)
		if err != nil {
			return nil, common.WrapError(common.KindDelegateFailure, err, "delegate %q returned unencodable result", name)
		}
		return vars, nil
	case <-cctx.Done():
		return nil, common.WrapError(common.KindDelegateFailure, cctx.Err(), "delegate %q timed out", name)
	}
}

// NormalizeValues renders a JSON-style object into string variables: string
// values pass through, everything else becomes its JSON text.
func NormalizeValues(values map[string]interface{}) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[k] = string(encoded)
	}
	return out, nil
}

func copyVariables(vars map[string]string) map[string]string {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}
