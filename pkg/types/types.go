// Package types defines the wire and snapshot data model shared by the
// scheduler, its command registry and its collaborators.
package types

import (
	"time"
)

// CommandUID is the discriminator value that marks an alert as a control
// command instead of a domain alert.
const CommandUID = "command"

// Alert is a decoded inbound message. Only the discriminator field "uid" is
// mandatory; everything else is interpreted by the parse callback.
type Alert map[string]any

// UID returns the discriminator ("uid") field, or "" when absent or not a string.
func (a Alert) UID() string {
	s, _ := a["uid"].(string)
	return s
}

// AlertType returns the "alert_type" field, which names the command for
// command alerts.
func (a Alert) AlertType() string {
	s, _ := a["alert_type"].(string)
	return s
}

// Object returns the "object" field as a mapping. A missing object is an
// empty mapping; ok is false only when the field exists with another shape.
func (a Alert) Object() (map[string]any, bool) {
	raw, exists := a["object"]
	if !exists || raw == nil {
		return map[string]any{}, true
	}
	obj, ok := raw.(map[string]any)
	return obj, ok
}

// CommandMessage is the fixed wire shape of a control command.
type CommandMessage struct {
	UID       string         `json:"uid"`        // always CommandUID
	AlertType string         `json:"alert_type"` // command name
	Object    map[string]any `json:"object"`     // command parameters
}

// TaskRecord is the persisted form of a single task.
type TaskRecord struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Timeout     time.Duration  `json:"timeout"`
	Expiration  *time.Time     `json:"expiration,omitempty"` // nil while unanchored
	Params      map[string]any `json:"params,omitempty"`
}

// ItemRecord is the persisted form of a queue item.
type ItemRecord struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	GraceID        string       `json:"graceid,omitempty"`
	T0             time.Time    `json:"t0"`
	Complete       bool         `json:"complete"`
	Tasks          []TaskRecord `json:"tasks"`
	CompletedTasks []TaskRecord `json:"completed_tasks,omitempty"`
}

// SnapshotSchemaVersion 目前的快照格式版本，Dump 與各 Store 共用
const SnapshotSchemaVersion = 1

// SnapshotData holds the two values a checkpoint carries, in order: the
// global queue and the per-graceid mapping.
type SnapshotData struct {
	SchemaVer int                     `json:"schema_ver"`
	TakenAt   time.Time               `json:"taken_at"`
	Queue     []ItemRecord            `json:"queue"`
	ByGraceID map[string][]ItemRecord `json:"queue_by_graceid"`
}
