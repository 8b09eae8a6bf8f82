package queue

import (
	"fmt"
	"sort"
	"strings"
)

// ============================================================================
// SortedQueue
// ============================================================================
//
// Items are kept ascending by expiration; equal expirations keep insertion
// order. completeCount is maintained on every Insert/Pop so the loop never
// has to scan to decide whether a Clean pass is worth it.
//
// Insertion is a linear scan from the front. Expirations move by small,
// local amounts and Clean bounds the length, so the scan stays short.
//
// ============================================================================

// SortedQueue is an expiration-ordered sequence of items. The zero value is
// ready to use. It is not safe for concurrent use.
type SortedQueue struct {
	items    []*Item
	complete int
}

// NewSortedQueue returns an empty queue.
func NewSortedQueue() *SortedQueue {
	return &SortedQueue{items: make([]*Item, 0)}
}

// Len returns the number of items.
func (q *SortedQueue) Len() int { return len(q.items) }

// At returns the item at index i. It panics on a bad index like a slice.
func (q *SortedQueue) At(i int) *Item { return q.items[i] }

// Front returns the earliest-expiring item, or nil.
func (q *SortedQueue) Front() *Item {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Items returns a copy of the contents in order.
func (q *SortedQueue) Items() []*Item { return append([]*Item(nil), q.items...) }

// CompleteCount returns the number of contained items marked complete.
func (q *SortedQueue) CompleteCount() int { return q.complete }

// Insert places item before the first element whose expiration is strictly
// later, else appends.
func (q *SortedQueue) Insert(item *Item) error {
	if item == nil {
		return ErrNotItem
	}
	idx := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].expiration.After(item.expiration)
	})
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = item
	if item.complete {
		q.complete++
	}
	return nil
}

// Pop removes and returns the item at index (0 when omitted).
func (q *SortedQueue) Pop(index ...int) (*Item, error) {
	i := 0
	if len(index) > 0 {
		i = index[0]
	}
	if i < 0 || i >= len(q.items) {
		return nil, fmt.Errorf("%w: pop %d from queue of length %d", ErrOutOfRange, i, len(q.items))
	}
	item := q.items[i]
	copy(q.items[i:], q.items[i+1:])
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
	if item.complete {
		q.complete--
	}
	return item, nil
}

// IndexOf returns the position of item (by identity), or -1.
func (q *SortedQueue) IndexOf(item *Item) int {
	for i, cur := range q.items {
		if cur == item {
			return i
		}
	}
	return -1
}

// Remove pops item wherever it sits.
func (q *SortedQueue) Remove(item *Item) error {
	i := q.IndexOf(item)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotIndexed, item.ID)
	}
	_, err := q.Pop(i)
	return err
}

// MarkComplete forces item complete and keeps the counter in step when the
// item is contained here. It reports whether the item changed state.
func (q *SortedQueue) MarkComplete(item *Item) bool {
	if !item.markComplete() {
		return false
	}
	if q.IndexOf(item) >= 0 {
		q.complete++
	}
	return true
}

// Clean removes every complete item in one pass and returns how many went.
func (q *SortedQueue) Clean() int {
	removed := 0
	for i := len(q.items) - 1; i >= 0; i-- {
		if !q.items[i].complete {
			continue
		}
		copy(q.items[i:], q.items[i+1:])
		q.items[len(q.items)-1] = nil
		q.items = q.items[:len(q.items)-1]
		removed++
	}
	q.complete = 0
	return removed
}

// Resort re-sorts by expiration after out-of-band mutation.
func (q *SortedQueue) Resort() {
	sort.SliceStable(q.items, func(i, j int) bool {
		return q.items[i].expiration.Before(q.items[j].expiration)
	})
}

// SetComplete recomputes the complete counter with a full scan.
func (q *SortedQueue) SetComplete() int {
	n := 0
	for _, it := range q.items {
		if it.complete {
			n++
		}
	}
	q.complete = n
	return n
}

// Clear drops every item.
func (q *SortedQueue) Clear() {
	for i := range q.items {
		q.items[i] = nil
	}
	q.items = q.items[:0]
	q.complete = 0
}

func (q *SortedQueue) String() string {
	parts := make([]string, 0, len(q.items))
	for _, it := range q.items {
		parts = append(parts, it.String())
	}
	return "SortedQueue{queue=[" + strings.Join(parts, ", ") + "]}"
}
