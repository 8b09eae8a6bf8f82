package queue

import (
	"fmt"
	"sort"
)

// ============================================================================
// Index - global queue plus per-graceid mirror
// ============================================================================
//
// The global queue is authoritative. Every item that carries a graceid and
// is not yet complete must also sit in ByGraceID[graceid]; completing or
// re-sorting such an item is mirrored in the same step. A per-key queue that
// empties is pruned from the map. Items without a graceid live only in the
// global queue.
//
// Only the scheduler loop mutates an Index; there is no locking.
//
// ============================================================================

// Index bundles the global queue and the per-graceid mapping.
type Index struct {
	Queue     *SortedQueue
	ByGraceID map[string]*SortedQueue
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		Queue:     NewSortedQueue(),
		ByGraceID: make(map[string]*SortedQueue),
	}
}

// Len returns the length of the global queue.
func (x *Index) Len() int { return x.Queue.Len() }

// GraceIDs returns the keys of the per-key mapping, sorted.
func (x *Index) GraceIDs() []string {
	keys := make([]string, 0, len(x.ByGraceID))
	for k := range x.ByGraceID {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Insert adds item to the global queue and, when it has a graceid, to that
// key's queue, creating it if needed.
func (x *Index) Insert(item *Item) error {
	if err := x.Queue.Insert(item); err != nil {
		return err
	}
	if !item.HasGraceID() {
		return nil
	}
	q, ok := x.ByGraceID[item.GraceID]
	if !ok {
		q = NewSortedQueue()
		x.ByGraceID[item.GraceID] = q
	}
	return q.Insert(item)
}

// Retire removes a popped, complete item from its per-key queue and prunes
// the key when it empties. The item is expected at the front of that queue.
func (x *Index) Retire(item *Item) error {
	if !item.HasGraceID() {
		return nil
	}
	q, ok := x.ByGraceID[item.GraceID]
	if !ok {
		return fmt.Errorf("%w: no queue for graceid %s", ErrNotIndexed, item.GraceID)
	}
	if err := q.Remove(item); err != nil {
		return fmt.Errorf("graceid %s: %w", item.GraceID, err)
	}
	if q.Len() == 0 {
		delete(x.ByGraceID, item.GraceID)
		return nil
	}
	// item turned complete while only this queue held it
	q.SetComplete()
	return nil
}

// Reinsert puts a popped, still pending item back into the global queue and
// re-sorts it inside its per-key queue, since its expiration moved.
func (x *Index) Reinsert(item *Item) error {
	if err := x.Queue.Insert(item); err != nil {
		return err
	}
	if !item.HasGraceID() {
		return nil
	}
	q, ok := x.ByGraceID[item.GraceID]
	if !ok {
		return fmt.Errorf("%w: no queue for graceid %s", ErrNotIndexed, item.GraceID)
	}
	if err := q.Remove(item); err != nil {
		return fmt.Errorf("graceid %s: %w", item.GraceID, err)
	}
	return q.Insert(item)
}

// Prune drops empty per-key queues and returns how many were dropped.
func (x *Index) Prune() int {
	n := 0
	for k, q := range x.ByGraceID {
		if q.Len() == 0 {
			delete(x.ByGraceID, k)
			n++
		}
	}
	return n
}

// Clear empties the global queue and every per-key queue.
func (x *Index) Clear() {
	x.Queue.Clear()
	for k := range x.ByGraceID {
		delete(x.ByGraceID, k)
	}
}

// MarkGraceIDComplete takes every item except keep out of graceid's queue
// and marks it complete, bumping the global complete counter. The per-key
// queue itself is left for the loop to drain and prune.
func (x *Index) MarkGraceIDComplete(graceID string, keep *Item) (int, error) {
	q, ok := x.ByGraceID[graceID]
	if !ok {
		return 0, fmt.Errorf("%w: no queue for graceid %s", ErrNotIndexed, graceID)
	}
	n := 0
	for i := q.Len() - 1; i >= 0; i-- {
		if q.At(i) == keep {
			continue
		}
		item, err := q.Pop(i)
		if err != nil {
			return n, err
		}
		if x.Queue.MarkComplete(item) {
			n++
		}
	}
	return n, nil
}

// Check verifies the dual-index invariant: pending graceid items of the
// global queue and the per-key queues hold exactly the same items, and no
// per-key queue is empty.
func (x *Index) Check() error {
	inGlobal := make(map[*Item]bool, x.Queue.Len())
	for _, it := range x.Queue.items {
		inGlobal[it] = true
		if it.complete || !it.HasGraceID() {
			continue
		}
		q, ok := x.ByGraceID[it.GraceID]
		if !ok || q.IndexOf(it) < 0 {
			return fmt.Errorf("%w: item %s (%s) missing from graceid %s", ErrInconsistent, it.ID, it.Name, it.GraceID)
		}
	}
	for gid, q := range x.ByGraceID {
		if q.Len() == 0 {
			return fmt.Errorf("%w: empty queue kept for graceid %s", ErrInconsistent, gid)
		}
		for _, it := range q.items {
			if it.GraceID != gid {
				return fmt.Errorf("%w: item %s filed under %s has graceid %s", ErrInconsistent, it.ID, gid, it.GraceID)
			}
			if !inGlobal[it] {
				return fmt.Errorf("%w: item %s under graceid %s missing from global queue", ErrInconsistent, it.ID, gid)
			}
		}
	}
	return nil
}
