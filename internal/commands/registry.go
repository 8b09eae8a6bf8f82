// ============================================================================
// Command Registry - 控制命令註冊表
// ============================================================================
//
// Package: internal/commands
// 文件: registry.go
// 功能: 以命令名稱為鍵，維護三個並行映射
//
// 三個角色 (同一組鍵):
//   1. commands - 線上格式構造器 (wire form, uid="command")
//   2. items    - QueueItem 構造器
//   3. tasks    - Task 變體 (required/forbidden 參數 + action)
//
// Register 一次填入三個映射；Validate 在啟動時確認三者鍵集合一致，
// 不一致視為配置錯誤，進程不得開始循環。
//
// Dispatch 流程:
//   alert → FromAlert (查 commands[name]，驗證參數)
//         → Items (查 items[name]，建立 Task)
//         → Index.Insert (全域隊列 + graceid 隊列)
//
// 所有驗證在插入前完成，被拒絕的命令不會觸碰現有狀態。
//
// ============================================================================

package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/alertqueue/internal/queue"
	"github.com/ChuLiYu/alertqueue/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrUnknownCommand is returned for a name missing from the registry.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrRegistryMismatch means the three role mappings disagree on their keys.
	ErrRegistryMismatch = errors.New("inconsistent command registry")
	// ErrNotCommand is returned when an alert's uid is not "command".
	ErrNotCommand = errors.New("alert is not a command")
	// ErrMalformed covers a command whose alert_type or object has the wrong shape.
	ErrMalformed = errors.New("malformed command")
)

// Command is the wire representation of a control message.
type Command struct {
	Name   string
	Params queue.Params
}

// Message returns the {uid, alert_type, object} wire shape.
func (c Command) Message() types.CommandMessage {
	return types.CommandMessage{
		UID:       types.CommandUID,
		AlertType: c.Name,
		Object:    map[string]any(c.Params.Clone()),
	}
}

// GraceID returns the graceid parameter, if any.
func (c Command) GraceID() string {
	gid, _ := c.Params.String("graceid")
	return gid
}

// CommandFunc builds a validated wire command from parameters.
type CommandFunc func(params queue.Params) (Command, error)

// ItemFunc builds the queue items a command expands to.
type ItemFunc func(cmd Command, t0 time.Time) ([]*queue.Item, error)

// Definition is one command: its task contract plus an optional custom item
// constructor. Register derives the wire and item roles from it.
type Definition struct {
	Name        string
	Description string
	Required    []string
	Forbidden   []string
	Action      queue.Action
	Items       ItemFunc // nil means one item holding one task
}

// Registry holds the three role mappings. Build it once at startup, call
// Validate, and treat it as read-only afterwards.
type Registry struct {
	commands map[string]CommandFunc
	items    map[string]ItemFunc
	tasks    queue.Catalog
}

// NewRegistry returns a registry holding defs.
func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{
		commands: make(map[string]CommandFunc),
		items:    make(map[string]ItemFunc),
		tasks:    make(queue.Catalog),
	}
	for _, d := range defs {
		r.Register(d)
	}
	return r
}

// Default returns a validated registry with every built-in command.
func Default() (*Registry, error) {
	r := NewRegistry(Builtins()...)
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Register fills all three mappings for d, replacing an earlier definition
// with the same name.
func (r *Registry) Register(d Definition) {
	name := d.Name
	r.tasks.Add(queue.Kind{
		Name:        name,
		Description: d.Description,
		Required:    d.Required,
		Forbidden:   d.Forbidden,
		Action:      d.Action,
	})
	r.commands[name] = func(params queue.Params) (Command, error) {
		if params == nil {
			params = queue.Params{}
		}
		kind, ok := r.tasks[name]
		if !ok {
			return Command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
		}
		if err := kind.Check(params); err != nil {
			return Command{}, fmt.Errorf("command %s: %w", name, err)
		}
		for _, key := range []string{"sleep", "interval"} {
			if _, _, err := params.Seconds(key); err != nil {
				return Command{}, fmt.Errorf("command %s: %w", name, err)
			}
		}
		return Command{Name: name, Params: params.Clone()}, nil
	}
	if d.Items != nil {
		r.items[name] = d.Items
	} else {
		r.items[name] = r.singleItem(name)
	}
}

// singleItem builds one item with one task. The optional sleep parameter
// delays the task from t0; without it the task runs as soon as possible.
func (r *Registry) singleItem(name string) ItemFunc {
	return func(cmd Command, t0 time.Time) ([]*queue.Item, error) {
		sleep, hasSleep, err := cmd.Params.Seconds("sleep")
		if err != nil {
			return nil, err
		}
		task, err := r.tasks.BuildTask(name, sleep, cmd.Params.Clone())
		if err != nil {
			return nil, err
		}
		if !hasSleep {
			task.Rearm(time.Time{})
		}
		kind := r.tasks[name]
		return []*queue.Item{queue.NewItem(name, kind.Description, t0, cmd.GraceID(), task)}, nil
	}
}

// Validate checks that the three mappings hold the same key set.
func (r *Registry) Validate() error {
	want := sortedKeys(r.commands)
	items := sortedKeys(r.items)
	tasks := r.tasks.Names()
	if !equal(want, items) || !equal(want, tasks) {
		return fmt.Errorf("%w: commands=%v items=%v tasks=%v", ErrRegistryMismatch, want, items, tasks)
	}
	return nil
}

// BuildTask implements queue.Builder so snapshots holding command items can
// be restored.
func (r *Registry) BuildTask(name string, timeout time.Duration, params queue.Params) (*queue.Task, error) {
	return r.tasks.BuildTask(name, timeout, params)
}

// ============================================================================
// Queries
// ============================================================================

// KnownCommands returns the registered command names, sorted.
func (r *Registry) KnownCommands() []string { return sortedKeys(r.commands) }

// Description returns the command's description.
func (r *Registry) Description(name string) (string, error) {
	kind, ok := r.tasks[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return kind.Description, nil
}

// RequiredParams returns the parameters the command must carry.
func (r *Registry) RequiredParams(name string) ([]string, error) {
	kind, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return append([]string(nil), kind.Required...), nil
}

// ForbiddenParams returns the parameters the command must not carry.
func (r *Registry) ForbiddenParams(name string) ([]string, error) {
	kind, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return append([]string(nil), kind.Forbidden...), nil
}

// ============================================================================
// Construction, wire codec, dispatch
// ============================================================================

// New builds a validated command.
func (r *Registry) New(name string, params queue.Params) (Command, error) {
	build, ok := r.commands[name]
	if !ok {
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return build(params)
}

// Encode validates cmd and returns its JSON wire form.
func (r *Registry) Encode(cmd Command) ([]byte, error) {
	checked, err := r.New(cmd.Name, cmd.Params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(checked.Message())
}

// Decode parses a JSON payload into a validated command.
func (r *Registry) Decode(data []byte) (Command, error) {
	var alert types.Alert
	if err := json.Unmarshal(data, &alert); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return r.FromAlert(alert)
}

// FromAlert interprets a decoded alert as a command.
func (r *Registry) FromAlert(alert types.Alert) (Command, error) {
	if alert.UID() != types.CommandUID {
		return Command{}, fmt.Errorf("%w: uid=%q", ErrNotCommand, alert.UID())
	}
	name := alert.AlertType()
	if name == "" {
		return Command{}, fmt.Errorf("%w: missing alert_type", ErrMalformed)
	}
	obj, ok := alert.Object()
	if !ok {
		return Command{}, fmt.Errorf("%w: object of %s is not a mapping", ErrMalformed, name)
	}
	return r.New(name, queue.Params(obj))
}

// Items generates the queue items for cmd anchored at t0.
func (r *Registry) Items(cmd Command, t0 time.Time) ([]*queue.Item, error) {
	build, ok := r.items[cmd.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Name)
	}
	return build(cmd, t0)
}

// Dispatch validates alert as a command, builds its items and inserts them
// into idx. Nothing is inserted unless every step before insertion succeeds.
func (r *Registry) Dispatch(idx *queue.Index, alert types.Alert, t0 time.Time) (int, error) {
	cmd, err := r.FromAlert(alert)
	if err != nil {
		return 0, err
	}
	items, err := r.Items(cmd, t0)
	if err != nil {
		return 0, err
	}
	for _, it := range items {
		if it == nil {
			return 0, fmt.Errorf("command %s: %w", cmd.Name, queue.ErrNotItem)
		}
	}
	for _, it := range items {
		if err := idx.Insert(it); err != nil {
			return 0, err
		}
	}
	return len(items), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
