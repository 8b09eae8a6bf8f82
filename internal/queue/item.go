package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Item is an ordered bundle of tasks representing one logical multi-step
// process. Its expiration mirrors the nearest remaining task; an item with no
// tasks left has the zero time as expiration, which sorts before every real
// time and is therefore always due.
type Item struct {
	ID          string
	Name        string
	Description string
	GraceID     string // correlation key; empty for process-wide items
	T0          time.Time

	tasks      []*Task
	completed  []*Task
	expiration time.Time
	complete   bool
}

// NewItem anchors the given tasks to t0 and sorts them. An item created
// without tasks is complete immediately.
func NewItem(name, description string, t0 time.Time, graceID string, tasks ...*Task) *Item {
	it := &Item{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		GraceID:     graceID,
		T0:          t0,
	}
	it.Add(tasks...)
	it.complete = len(it.tasks) == 0
	return it
}

// Expiration returns the expiration of the nearest remaining task.
func (it *Item) Expiration() time.Time { return it.expiration }

// Complete reports whether the item has no work left (or was forced complete).
func (it *Item) Complete() bool { return it.complete }

// HasGraceID reports whether the item belongs to a per-key queue.
func (it *Item) HasGraceID() bool { return it.GraceID != "" }

// Due reports whether the nearest task is due at now.
func (it *Item) Due(now time.Time) bool { return !now.Before(it.expiration) }

// Tasks returns a copy of the remaining tasks, nearest first.
func (it *Item) Tasks() []*Task { return append([]*Task(nil), it.tasks...) }

// CompletedTasks returns a copy of the tasks that finished.
func (it *Item) CompletedTasks() []*Task { return append([]*Task(nil), it.completed...) }

// markComplete flips the flag and reports whether it changed. Queue counters
// are the caller's business; see SortedQueue.MarkComplete.
func (it *Item) markComplete() bool {
	if it.complete {
		return false
	}
	it.complete = true
	return true
}

// Add anchors every unanchored task to T0, appends and re-sorts. Tasks that
// already carry an expiration (re-armed or restored) keep it.
func (it *Item) Add(tasks ...*Task) {
	for _, t := range tasks {
		if t == nil {
			continue
		}
		if !t.anchored {
			t.SetExpiration(it.T0)
		}
		it.tasks = append(it.tasks, t)
	}
	it.sortTasks()
}

// Remove extracts the first task named name.
func (it *Item) Remove(name string) (*Task, error) {
	for i, t := range it.tasks {
		if t.Name != name {
			continue
		}
		it.tasks = append(it.tasks[:i], it.tasks[i+1:]...)
		it.sortTasks()
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s in %s", ErrTaskNotFound, name, it.Name)
}

// SetExpiration re-anchors every remaining task to t0.
func (it *Item) SetExpiration(t0 time.Time) {
	for _, t := range it.tasks {
		t.SetExpiration(t0)
	}
	it.sortTasks()
}

func (it *Item) sortTasks() {
	sort.SliceStable(it.tasks, func(i, j int) bool {
		return it.tasks[i].expiration.Before(it.tasks[j].expiration)
	})
	if len(it.tasks) > 0 {
		it.expiration = it.tasks[0].expiration
	} else {
		it.expiration = time.Time{}
	}
}

// Execute drains due tasks from the front. It stops at the first task that
// is not yet due and never runs one early. On an action error the failing
// task is retired and the error returned; the caller decides the item's fate.
func (it *Item) Execute(ctx context.Context, env *Env) error {
	defer func() { it.complete = len(it.tasks) == 0 }()

	for len(it.tasks) > 0 {
		now := env.Now()
		t := it.tasks[0]
		it.expiration = t.expiration
		if now.Before(t.expiration) {
			break
		}

		it.tasks = it.tasks[1:]
		env.Log.Debug().Str("item", it.Name).Str("task", t.Name).Msg("executing task")

		done, err := t.Execute(ctx, Run{Env: env, Item: it, Task: t})
		if err != nil {
			it.completed = append(it.completed, t)
			it.sortTasks()
			return fmt.Errorf("task %s: %w", t.Name, err)
		}

		// An action that did not push its expiration past now is finished
		// no matter what it reported.
		if done || !env.Now().Before(t.expiration) {
			it.completed = append(it.completed, t)
			it.sortTasks()
			continue
		}
		it.Add(t)
	}
	return nil
}

func (it *Item) String() string {
	parts := make([]string, 0, len(it.tasks))
	for _, t := range it.tasks {
		parts = append(parts, t.String())
	}
	exp := "-inf"
	if !it.expiration.IsZero() {
		exp = it.expiration.Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("QueueItem{%s : %s, graceid=%s, expiration=%s, complete=%t, tasks=[%s]}",
		it.Name, it.Description, it.GraceID, exp, it.complete, strings.Join(parts, "|"))
}
