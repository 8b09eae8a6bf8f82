package queue

import "errors"

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrNotItem is returned when something other than a queue item is inserted.
	ErrNotItem = errors.New("queue: sorted queue must contain only queue items")
	// ErrOutOfRange is returned by Pop on an empty queue or an invalid index.
	ErrOutOfRange = errors.New("queue: index out of range")
	// ErrTaskNotFound is returned by Item.Remove when no task has the name.
	ErrTaskNotFound = errors.New("queue: task not found")
	// ErrNotAnchored is returned when a task's expiration is read before it was set.
	ErrNotAnchored = errors.New("queue: task expiration not set")
	// ErrNotIndexed is returned when an item is missing from an index it must be in.
	ErrNotIndexed = errors.New("queue: item not present in index")
	// ErrUnknownTask is returned when a task kind is not registered.
	ErrUnknownTask = errors.New("queue: unknown task")
	// ErrMissingParam is returned when a required task parameter is absent.
	ErrMissingParam = errors.New("queue: missing required parameter")
	// ErrForbiddenParam is returned when a forbidden task parameter is present.
	ErrForbiddenParam = errors.New("queue: forbidden parameter present")
	// ErrBadParam is returned when a parameter has an unusable value.
	ErrBadParam = errors.New("queue: bad parameter value")
	// ErrInconsistent is returned by Index.Check when the two indices disagree.
	ErrInconsistent = errors.New("queue: indices are inconsistent")

	// ErrFatal marks an action failure that must stop the scheduler after
	// the usual per-item isolation has run.
	ErrFatal = errors.New("fatal")
)
