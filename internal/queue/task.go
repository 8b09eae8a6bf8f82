package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ============================================================================
// Task - smallest schedulable unit
// ============================================================================
//
// Lifecycle:
//   unanchored (no expiration)
//      ↓ SetExpiration(t0)        expiration = t0 + Timeout
//   armed
//      ↓ now >= expiration
//   due
//      ↓ Execute
//   executed → finished (moved to Item.completed)
//            → not finished (action called Rearm, task goes back to Item.tasks)
//
// ============================================================================

// Action performs a task's side effect. It reports done=false only after it
// has moved the task's expiration forward with Rearm.
type Action func(ctx context.Context, run Run) (done bool, err error)

// Run is what an Action sees while executing.
type Run struct {
	*Env
	Item *Item
	Task *Task
}

// Task wraps a named action with an absolute expiration time.
type Task struct {
	Name        string
	Description string
	Timeout     time.Duration
	Params      Params

	expiration time.Time
	anchored   bool
	action     Action
}

// NewTask returns an unanchored task.
func NewTask(name, description string, timeout time.Duration, params Params, action Action) *Task {
	if params == nil {
		params = Params{}
	}
	return &Task{
		Name:        name,
		Description: description,
		Timeout:     timeout,
		Params:      params,
		action:      action,
	}
}

// SetExpiration anchors the task relative to t0.
func (t *Task) SetExpiration(t0 time.Time) {
	t.expiration = t0.Add(t.Timeout)
	t.anchored = true
}

// Rearm sets an absolute expiration. Repeating actions call it before
// reporting that they are not finished.
func (t *Task) Rearm(at time.Time) {
	t.expiration = at
	t.anchored = true
}

// Anchored reports whether an expiration has been set.
func (t *Task) Anchored() bool { return t.anchored }

// Expiration returns the absolute expiration, or ErrNotAnchored.
func (t *Task) Expiration() (time.Time, error) {
	if !t.anchored {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNotAnchored, t.Name)
	}
	return t.expiration, nil
}

// HasExpired reports whether the task is due at now.
func (t *Task) HasExpired(now time.Time) (bool, error) {
	exp, err := t.Expiration()
	if err != nil {
		return false, err
	}
	return !now.Before(exp), nil
}

// Execute runs the bound action. A task without an action is a no-op that
// finishes immediately.
func (t *Task) Execute(ctx context.Context, run Run) (bool, error) {
	if t.action == nil {
		return true, nil
	}
	run.Task = t
	return t.action(ctx, run)
}

func (t *Task) String() string {
	if !t.anchored {
		return fmt.Sprintf("Task{%s : %s, expiration=unset}", t.Name, t.Description)
	}
	return fmt.Sprintf("Task{%s : %s, expiration=%s}", t.Name, t.Description, t.expiration.Format(time.RFC3339Nano))
}

// ============================================================================
// Kind - one registered task variant
// ============================================================================

// Kind describes a task variant: its parameter contract and its action.
type Kind struct {
	Name        string
	Description string
	Required    []string
	Forbidden   []string
	Action      Action
}

// Check validates params against the Required/Forbidden sets.
func (k Kind) Check(params Params) error {
	for _, key := range k.Required {
		if !params.Has(key) {
			return fmt.Errorf("%w: %s requires %q", ErrMissingParam, k.Name, key)
		}
	}
	for _, key := range k.Forbidden {
		if params.Has(key) {
			return fmt.Errorf("%w: %s forbids %q", ErrForbiddenParam, k.Name, key)
		}
	}
	return nil
}

// New builds a validated, unanchored task of this kind.
func (k Kind) New(timeout time.Duration, params Params) (*Task, error) {
	if params == nil {
		params = Params{}
	}
	if err := k.Check(params); err != nil {
		return nil, err
	}
	return NewTask(k.Name, k.Description, timeout, params, k.Action), nil
}

// Builder rebuilds tasks by name, e.g. when restoring a snapshot.
type Builder interface {
	BuildTask(name string, timeout time.Duration, params Params) (*Task, error)
}

// Catalog maps task names to kinds.
type Catalog map[string]Kind

// Add registers kinds, replacing any kind with the same name.
func (c Catalog) Add(kinds ...Kind) Catalog {
	for _, k := range kinds {
		c[k.Name] = k
	}
	return c
}

// Names returns the registered names, sorted.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildTask implements Builder.
func (c Catalog) BuildTask(name string, timeout time.Duration, params Params) (*Task, error) {
	k, ok := c[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return k.New(timeout, params)
}

// Builders chains several builders; the first one that knows the name wins.
type Builders []Builder

// BuildTask implements Builder.
func (bs Builders) BuildTask(name string, timeout time.Duration, params Params) (*Task, error) {
	for _, b := range bs {
		if b == nil {
			continue
		}
		t, err := b.BuildTask(name, timeout, params)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ErrUnknownTask) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
}
