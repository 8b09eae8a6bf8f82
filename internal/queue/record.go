package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/alertqueue/pkg/types"
)

// Record returns the persisted form of t.
func (t *Task) Record() types.TaskRecord {
	rec := types.TaskRecord{
		Name:        t.Name,
		Description: t.Description,
		Timeout:     t.Timeout,
		Params:      map[string]any(t.Params.Clone()),
	}
	if t.anchored {
		exp := t.expiration
		rec.Expiration = &exp
	}
	return rec
}

// Record returns the persisted form of it.
func (it *Item) Record() types.ItemRecord {
	rec := types.ItemRecord{
		ID:          it.ID,
		Name:        it.Name,
		Description: it.Description,
		GraceID:     it.GraceID,
		T0:          it.T0,
		Complete:    it.complete,
		Tasks:       make([]types.TaskRecord, 0, len(it.tasks)),
	}
	for _, t := range it.tasks {
		rec.Tasks = append(rec.Tasks, t.Record())
	}
	for _, t := range it.completed {
		rec.CompletedTasks = append(rec.CompletedTasks, t.Record())
	}
	return rec
}

// Dump captures the global queue and then the per-key mapping.
func (x *Index) Dump(now time.Time) types.SnapshotData {
	data := types.SnapshotData{
		SchemaVer: types.SnapshotSchemaVersion,
		TakenAt:   now,
		Queue:     make([]types.ItemRecord, 0, x.Queue.Len()),
		ByGraceID: make(map[string][]types.ItemRecord, len(x.ByGraceID)),
	}
	for _, it := range x.Queue.items {
		data.Queue = append(data.Queue, it.Record())
	}
	for gid, q := range x.ByGraceID {
		recs := make([]types.ItemRecord, 0, q.Len())
		for _, it := range q.items {
			recs = append(recs, it.Record())
		}
		data.ByGraceID[gid] = recs
	}
	return data
}

// RestoreItem rebuilds an item from its record.
func RestoreItem(rec types.ItemRecord, b Builder) (*Item, error) {
	it := &Item{
		ID:          rec.ID,
		Name:        rec.Name,
		Description: rec.Description,
		GraceID:     rec.GraceID,
		T0:          rec.T0,
	}
	if it.ID == "" {
		it.ID = uuid.NewString()
	}

	build := func(tr types.TaskRecord) (*Task, error) {
		t, err := b.BuildTask(tr.Name, tr.Timeout, Params(tr.Params))
		if err != nil {
			return nil, fmt.Errorf("restore item %s: %w", rec.ID, err)
		}
		t.Description = tr.Description
		if tr.Expiration != nil {
			t.Rearm(*tr.Expiration)
		}
		return t, nil
	}

	for _, tr := range rec.Tasks {
		t, err := build(tr)
		if err != nil {
			return nil, err
		}
		it.Add(t)
	}
	for _, tr := range rec.CompletedTasks {
		t, err := build(tr)
		if err != nil {
			return nil, err
		}
		it.completed = append(it.completed, t)
	}
	it.sortTasks()
	it.complete = rec.Complete || len(it.tasks) == 0
	return it, nil
}

// Merge adds the items of data to the index: a union, never a replace.
// Records sharing an ID become one item in both indices, and IDs already
// present in the index are skipped. It returns the number of items added
// to the global queue.
func (x *Index) Merge(data types.SnapshotData, b Builder) (int, error) {
	known := make(map[string]*Item, x.Queue.Len())
	for _, it := range x.Queue.items {
		known[it.ID] = it
	}
	for _, q := range x.ByGraceID {
		for _, it := range q.items {
			known[it.ID] = it
		}
	}

	added := 0
	resolve := func(rec types.ItemRecord) (*Item, error) {
		if rec.ID != "" {
			if it, ok := known[rec.ID]; ok {
				return it, nil
			}
		}
		it, err := RestoreItem(rec, b)
		if err != nil {
			return nil, err
		}
		known[it.ID] = it
		if err := x.Queue.Insert(it); err != nil {
			return nil, err
		}
		added++
		return it, nil
	}

	for _, rec := range data.Queue {
		if _, err := resolve(rec); err != nil {
			return added, err
		}
	}
	for gid, recs := range data.ByGraceID {
		for _, rec := range recs {
			it, err := resolve(rec)
			if err != nil {
				return added, err
			}
			q, ok := x.ByGraceID[gid]
			if !ok {
				q = NewSortedQueue()
				x.ByGraceID[gid] = q
			}
			if q.IndexOf(it) < 0 {
				if err := q.Insert(it); err != nil {
					return added, err
				}
			}
		}
	}
	return added, nil
}
