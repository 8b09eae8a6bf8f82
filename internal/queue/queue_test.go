package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/alertqueue/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var epoch = time.Unix(100, 0)

// fakeClock is a settable clock for Env.Clock.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestEnv(clock *fakeClock) *Env {
	return &Env{
		Index: NewIndex(),
		Log:   zerolog.Nop(),
		Clock: clock.Now,
	}
}

func secs(n float64) time.Duration { return time.Duration(n * float64(time.Second)) }

// noopTask builds an action-less task.
func noopTask(name string, timeout time.Duration) *Task {
	return NewTask(name, "test task", timeout, nil, nil)
}

func newTestItem(graceID string, timeouts ...float64) *Item {
	tasks := make([]*Task, 0, len(timeouts))
	for _, s := range timeouts {
		tasks = append(tasks, noopTask("noop", secs(s)))
	}
	return NewItem("testItem", "test item", epoch, graceID, tasks...)
}

func assertSorted(t *testing.T, q *SortedQueue) {
	t.Helper()
	for i := 1; i < q.Len(); i++ {
		assert.False(t, q.At(i).Expiration().Before(q.At(i-1).Expiration()),
			"queue out of order at %d: %s before %s", i, q.At(i-1).Expiration(), q.At(i).Expiration())
	}
}

// ============================================================================
// Task & Item
// ============================================================================

func TestItemSortsTasksOnAnchor(t *testing.T) {
	item := newTestItem("", 5, 1, 10)

	var got []time.Time
	for _, task := range item.Tasks() {
		exp, err := task.Expiration()
		require.NoError(t, err)
		got = append(got, exp)
	}

	assert.Equal(t, []time.Time{epoch.Add(secs(1)), epoch.Add(secs(5)), epoch.Add(secs(10))}, got)
	assert.Equal(t, epoch.Add(secs(1)), item.Expiration())
	assert.False(t, item.Complete())
}

func TestItemWithoutTasksIsComplete(t *testing.T) {
	item := NewItem("empty", "nothing to do", epoch, "")

	assert.True(t, item.Complete())
	assert.True(t, item.Expiration().IsZero())
	assert.True(t, item.Due(time.Unix(0, 0)))
}

func TestTaskExpirationBeforeAnchor(t *testing.T) {
	task := noopTask("noop", time.Second)

	_, err := task.Expiration()
	assert.ErrorIs(t, err, ErrNotAnchored)

	_, err = task.HasExpired(epoch)
	assert.ErrorIs(t, err, ErrNotAnchored)

	task.SetExpiration(epoch)
	due, err := task.HasExpired(epoch.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, due)
}

func TestItemRemove(t *testing.T) {
	item := NewItem("item", "", epoch, "",
		noopTask("a", secs(1)), noopTask("b", secs(2)), noopTask("b", secs(3)))

	task, err := item.Remove("b")
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(secs(2)), task.expiration)
	assert.Len(t, item.Tasks(), 2)

	task, err = item.Remove("a")
	require.NoError(t, err)
	assert.Equal(t, "a", task.Name)
	assert.Equal(t, epoch.Add(secs(3)), item.Expiration())

	_, err = item.Remove("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestItemSetExpiration(t *testing.T) {
	item := newTestItem("", 3, 1)
	item.SetExpiration(epoch.Add(time.Minute))
	assert.Equal(t, epoch.Add(time.Minute+secs(1)), item.Expiration())
}

func TestItemExecuteDrainsOnlyDueTasks(t *testing.T) {
	clock := &fakeClock{now: epoch}
	env := newTestEnv(clock)

	var ran []string
	mk := func(name string, timeout float64) *Task {
		return NewTask(name, "", secs(timeout), nil, func(ctx context.Context, run Run) (bool, error) {
			ran = append(ran, run.Task.Name)
			return true, nil
		})
	}
	item := NewItem("item", "", epoch, "", mk("first", 1), mk("second", 2), mk("third", 10))

	clock.Advance(secs(5))
	require.NoError(t, item.Execute(context.Background(), env))

	assert.Equal(t, []string{"first", "second"}, ran)
	assert.Len(t, item.CompletedTasks(), 2)
	assert.False(t, item.Complete())
	assert.Equal(t, epoch.Add(secs(10)), item.Expiration())

	clock.Advance(secs(5))
	require.NoError(t, item.Execute(context.Background(), env))
	assert.True(t, item.Complete())
	assert.True(t, item.Expiration().IsZero())
}

func TestItemExecuteRearmedTaskStays(t *testing.T) {
	clock := &fakeClock{now: epoch}
	env := newTestEnv(clock)

	runs := 0
	repeat := NewTask("repeat", "", 0, nil, func(ctx context.Context, run Run) (bool, error) {
		runs++
		run.Task.Rearm(run.Now().Add(time.Minute))
		return false, nil
	})
	item := NewItem("item", "", epoch, "", repeat)

	require.NoError(t, item.Execute(context.Background(), env))
	assert.Equal(t, 1, runs)
	assert.False(t, item.Complete())
	assert.Equal(t, epoch.Add(time.Minute), item.Expiration())
}

func TestItemExecuteNotFinishedWithoutRearmCountsAsDone(t *testing.T) {
	clock := &fakeClock{now: epoch}
	env := newTestEnv(clock)

	runs := 0
	lazy := NewTask("lazy", "", 0, nil, func(ctx context.Context, run Run) (bool, error) {
		runs++
		return false, nil
	})
	item := NewItem("item", "", epoch, "", lazy)

	require.NoError(t, item.Execute(context.Background(), env))
	assert.Equal(t, 1, runs)
	assert.True(t, item.Complete())
}

func TestItemExecuteError(t *testing.T) {
	clock := &fakeClock{now: epoch.Add(time.Hour)}
	env := newTestEnv(clock)

	boom := errors.New("boom")
	item := NewItem("item", "", epoch, "",
		NewTask("bad", "", 0, nil, func(ctx context.Context, run Run) (bool, error) { return false, boom }),
		noopTask("later", time.Minute))

	err := item.Execute(context.Background(), env)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, item.CompletedTasks(), 1)
	assert.Len(t, item.Tasks(), 1)
}

// ============================================================================
// SortedQueue
// ============================================================================

func TestSortedQueueInsertOrderAndTies(t *testing.T) {
	q := NewSortedQueue()
	a := newTestItem("", 5)
	b := newTestItem("", 1)
	c := newTestItem("", 5)
	d := newTestItem("", 10)

	for _, it := range []*Item{a, b, c, d} {
		require.NoError(t, q.Insert(it))
	}

	assert.Equal(t, []*Item{b, a, c, d}, q.Items())
	assert.ErrorIs(t, q.Insert(nil), ErrNotItem)
}

func TestSortedQueuePop(t *testing.T) {
	q := NewSortedQueue()
	_, err := q.Pop()
	assert.ErrorIs(t, err, ErrOutOfRange)

	first := newTestItem("", 1)
	second := newTestItem("", 2)
	require.NoError(t, q.Insert(second))
	require.NoError(t, q.Insert(first))

	_, err = q.Pop(5)
	assert.ErrorIs(t, err, ErrOutOfRange)

	got, err := q.Pop(1)
	require.NoError(t, err)
	assert.Same(t, second, got)

	got, err = q.Pop()
	require.NoError(t, err)
	assert.Same(t, first, got)
	assert.Equal(t, 0, q.Len())
}

func TestSortedQueueOrderingUnderRandomMutation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	q := NewSortedQueue()

	for step := 0; step < 500; step++ {
		if q.Len() > 0 && rng.Intn(3) == 0 {
			_, err := q.Pop(rng.Intn(q.Len()))
			require.NoError(t, err)
		} else {
			require.NoError(t, q.Insert(newTestItem("", float64(rng.Intn(50)))))
		}
		assertSorted(t, q)
	}
}

func TestSortedQueueCompleteCount(t *testing.T) {
	q := NewSortedQueue()
	done := NewItem("done", "", epoch, "")
	pending := newTestItem("", 1)

	require.NoError(t, q.Insert(done))
	require.NoError(t, q.Insert(pending))
	assert.Equal(t, 1, q.CompleteCount())

	assert.True(t, q.MarkComplete(pending))
	assert.False(t, q.MarkComplete(pending))
	assert.Equal(t, 2, q.CompleteCount())
	assert.Equal(t, q.CompleteCount(), q.SetComplete())

	_, err := q.Pop()
	require.NoError(t, err)
	assert.Equal(t, 1, q.CompleteCount())
	assert.Equal(t, q.CompleteCount(), q.SetComplete())
}

func TestSortedQueueCleanIsIdempotent(t *testing.T) {
	q := NewSortedQueue()
	for i := 0; i < 6; i++ {
		it := newTestItem("", float64(i))
		require.NoError(t, q.Insert(it))
		if i%2 == 0 {
			q.MarkComplete(it)
		}
	}

	assert.Equal(t, 3, q.Clean())
	after := q.Items()
	assert.Equal(t, 0, q.CompleteCount())

	assert.Equal(t, 0, q.Clean())
	assert.Equal(t, after, q.Items())
	for _, it := range q.Items() {
		assert.False(t, it.Complete())
	}
}

func TestSortedQueueResort(t *testing.T) {
	q := NewSortedQueue()
	a := newTestItem("", 1)
	b := newTestItem("", 2)
	require.NoError(t, q.Insert(a))
	require.NoError(t, q.Insert(b))

	a.SetExpiration(epoch.Add(time.Hour))
	q.Resort()
	assert.Equal(t, []*Item{b, a}, q.Items())
}

// ============================================================================
// Index
// ============================================================================

func TestIndexInsertMirrorsGraceID(t *testing.T) {
	x := NewIndex()
	g1 := newTestItem("G1", 1)
	g1b := newTestItem("G1", 2)
	global := newTestItem("", 3)

	for _, it := range []*Item{g1, g1b, global} {
		require.NoError(t, x.Insert(it))
	}

	assert.Equal(t, 3, x.Len())
	assert.Equal(t, []string{"G1"}, x.GraceIDs())
	assert.Equal(t, []*Item{g1, g1b}, x.ByGraceID["G1"].Items())
	require.NoError(t, x.Check())
}

func TestIndexRetireAndReinsert(t *testing.T) {
	x := NewIndex()
	a := newTestItem("G1", 1)
	b := newTestItem("G1", 2)
	require.NoError(t, x.Insert(a))
	require.NoError(t, x.Insert(b))

	popped, err := x.Queue.Pop()
	require.NoError(t, err)
	require.Same(t, a, popped)

	a.SetExpiration(epoch.Add(time.Minute))
	require.NoError(t, x.Reinsert(a))
	assert.Equal(t, []*Item{b, a}, x.ByGraceID["G1"].Items())
	require.NoError(t, x.Check())

	for x.Len() > 0 {
		it, err := x.Queue.Pop()
		require.NoError(t, err)
		require.NoError(t, x.Retire(it))
	}
	assert.Empty(t, x.ByGraceID)
	require.NoError(t, x.Check())
}

func TestIndexRetireKeepsPerKeyCounter(t *testing.T) {
	x := NewIndex()
	a := newTestItem("G1", 1)
	b := newTestItem("G1", 2)
	require.NoError(t, x.Insert(a))
	require.NoError(t, x.Insert(b))

	popped, err := x.Queue.Pop()
	require.NoError(t, err)
	x.Queue.MarkComplete(popped)
	require.NoError(t, x.Retire(popped))

	q := x.ByGraceID["G1"]
	require.NotNil(t, q)
	assert.Equal(t, []*Item{b}, q.Items())
	assert.Equal(t, 0, q.CompleteCount())
	assert.Equal(t, 0, x.Queue.CompleteCount())
}

func TestIndexMarkGraceIDComplete(t *testing.T) {
	x := NewIndex()
	cmd := NewItem("clearGraceID", "", epoch, "G1", noopTask("clearGraceID", 0))
	a := newTestItem("G1", 5)
	b := newTestItem("G1", 6)
	other := newTestItem("G2", 7)
	for _, it := range []*Item{cmd, a, b, other} {
		require.NoError(t, x.Insert(it))
	}

	n, err := x.MarkGraceIDComplete("G1", cmd)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, a.Complete())
	assert.True(t, b.Complete())
	assert.False(t, cmd.Complete())
	assert.Equal(t, []*Item{cmd}, x.ByGraceID["G1"].Items())
	assert.Equal(t, 2, x.Queue.CompleteCount())
	assert.Equal(t, x.Queue.CompleteCount(), x.Queue.SetComplete())
	require.NoError(t, x.Check())

	_, err = x.MarkGraceIDComplete("missing", nil)
	assert.ErrorIs(t, err, ErrNotIndexed)
}

func TestIndexCheckDetectsDrift(t *testing.T) {
	x := NewIndex()
	a := newTestItem("G1", 1)
	require.NoError(t, x.Insert(a))

	_, err := x.ByGraceID["G1"].Pop()
	require.NoError(t, err)
	assert.ErrorIs(t, x.Check(), ErrInconsistent)

	x.Prune()
	assert.ErrorIs(t, x.Check(), ErrInconsistent)
}

func TestIndexClearAndPrune(t *testing.T) {
	x := NewIndex()
	require.NoError(t, x.Insert(newTestItem("G1", 1)))
	x.ByGraceID["empty"] = NewSortedQueue()

	assert.Equal(t, 1, x.Prune())
	x.Clear()
	assert.Equal(t, 0, x.Len())
	assert.Empty(t, x.ByGraceID)
}

// ============================================================================
// Snapshot dump / merge
// ============================================================================

func testCatalog() Catalog {
	return Catalog{}.Add(Kind{Name: "noop", Description: "test task"})
}

func TestDumpMergeRoundTrip(t *testing.T) {
	src := NewIndex()
	items := []*Item{newTestItem("G1", 1, 4), newTestItem("G1", 2), newTestItem("", 3), newTestItem("G2", 0.5)}
	for _, it := range items {
		require.NoError(t, src.Insert(it))
	}

	data := src.Dump(epoch)
	assert.Equal(t, types.SnapshotSchemaVersion, data.SchemaVer)
	assert.Len(t, data.Queue, 4)
	assert.Len(t, data.ByGraceID["G1"], 2)

	dst := NewIndex()
	added, err := dst.Merge(data, testCatalog())
	require.NoError(t, err)
	assert.Equal(t, 4, added)
	require.NoError(t, dst.Check())

	for i, it := range dst.Queue.Items() {
		assert.Equal(t, src.Queue.At(i).ID, it.ID)
		assert.Equal(t, src.Queue.At(i).Expiration(), it.Expiration())
		assert.Len(t, it.Tasks(), len(src.Queue.At(i).Tasks()))
	}
	// The per-key entry is the very same item as the global one.
	assert.Same(t, dst.Queue.At(1), dst.ByGraceID["G1"].At(0))

	// Merging again adds nothing.
	added, err = dst.Merge(data, testCatalog())
	require.NoError(t, err)
	assert.Equal(t, 0, added)
	assert.Equal(t, 4, dst.Len())
	assert.Equal(t, 2, dst.ByGraceID["G1"].Len())
}

func TestMergeIsUnion(t *testing.T) {
	src := NewIndex()
	require.NoError(t, src.Insert(newTestItem("G1", 1)))
	data := src.Dump(epoch)

	dst := NewIndex()
	existing := newTestItem("G1", 2)
	require.NoError(t, dst.Insert(existing))

	added, err := dst.Merge(data, testCatalog())
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 2, dst.Len())
	assert.Equal(t, 2, dst.ByGraceID["G1"].Len())
	require.NoError(t, dst.Check())
}

func TestMergeUnknownTask(t *testing.T) {
	src := NewIndex()
	require.NoError(t, src.Insert(NewItem("x", "", epoch, "", noopTask("mystery", 0))))

	_, err := NewIndex().Merge(src.Dump(epoch), testCatalog())
	assert.ErrorIs(t, err, ErrUnknownTask)
}

// ============================================================================
// Kinds & params
// ============================================================================

func TestKindCheck(t *testing.T) {
	kind := Kind{Name: "k", Required: []string{"filename"}, Forbidden: []string{"graceid"}}

	tests := []struct {
		name    string
		params  Params
		wantErr error
	}{
		{name: "valid", params: Params{"filename": "x"}},
		{name: "missing", params: Params{}, wantErr: ErrMissingParam},
		{name: "forbidden", params: Params{"filename": "x", "graceid": "G1"}, wantErr: ErrForbiddenParam},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := kind.New(0, tt.params)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParamsSeconds(t *testing.T) {
	p := Params{"f": 1.5, "i": 2, "s": "3", "d": "1m", "bad": "soon", "x": true}

	d, ok, err := p.Seconds("f")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, d)

	d, _, err = p.Seconds("i")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	d, _, err = p.Seconds("s")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)

	d, _, err = p.Seconds("d")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	_, ok, err = p.Seconds("missing")
	assert.NoError(t, err)
	assert.False(t, ok)

	_, _, err = p.Seconds("bad")
	assert.ErrorIs(t, err, ErrBadParam)
	_, _, err = p.Seconds("x")
	assert.ErrorIs(t, err, ErrBadParam)
}

func TestParamsSecondsRejectsUnusableNumbers(t *testing.T) {
	for _, v := range []any{"NaN", "Inf", "-Inf", 1e300, -1e300, math.Inf(1), math.NaN(), "1e19"} {
		t.Run(fmt.Sprint(v), func(t *testing.T) {
			d, ok, err := Params{"sleep": v}.Seconds("sleep")
			assert.ErrorIs(t, err, ErrBadParam)
			assert.True(t, ok)
			assert.Zero(t, d)
		})
	}

	// 接近上限但仍可表示
	d, _, err := Params{"sleep": 9e9}.Seconds("sleep")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(9e9)*time.Second, d)
}

func TestParamsStrings(t *testing.T) {
	p := Params{"a": "x@y.org  z@y.org", "b": []any{"one", "", "two"}}
	assert.Equal(t, []string{"x@y.org", "z@y.org"}, p.Strings("a"))
	assert.Equal(t, []string{"one", "two"}, p.Strings("b"))
	assert.Nil(t, p.Strings("c"))
}
