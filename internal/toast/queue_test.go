package toast

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/aquaportal/internal/model"
)

func entry(id string) model.ToastEntry {
	return model.ToastEntry{ID: id, Title: "Order " + id, Message: "Shipped", Kind: model.KindSuccess}
}

func TestEnqueue_Dedup(t *testing.T) {
	q := NewQueue(time.Minute)
	t.Cleanup(q.Close)

	assert.True(t, q.Enqueue(entry("1")))
	assert.False(t, q.Enqueue(entry("1")))

	assert.Len(t, q.Entries(), 1)
}

func TestEnqueue_DedupSurvivesDismiss(t *testing.T) {
	q := NewQueue(time.Minute)
	t.Cleanup(q.Close)

	require.True(t, q.Enqueue(entry("1")))
	q.Dismiss("1")
	require.Empty(t, q.Entries())

	assert.False(t, q.Enqueue(entry("1")))
	assert.True(t, q.Seen("1"))
}

func TestEnqueue_RejectsRead(t *testing.T) {
	q := NewQueue(time.Minute)
	t.Cleanup(q.Close)

	e := entry("1")
	e.Read = true
	assert.False(t, q.Enqueue(e))
	assert.False(t, q.Seen("1"), "a read entry does not consume the id")

	assert.True(t, q.Enqueue(entry("1")))
}

func TestEntriesExpire(t *testing.T) {
	q := NewQueue(20 * time.Millisecond)
	t.Cleanup(q.Close)

	require.True(t, q.Enqueue(entry("1")))
	require.Len(t, q.Entries(), 1)

	assert.Eventually(t, func() bool {
		return len(q.Entries()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDismissOnlyAffectsOneEntry(t *testing.T) {
	q := NewQueue(50 * time.Millisecond)
	t.Cleanup(q.Close)

	require.True(t, q.Enqueue(entry("1")))
	require.True(t, q.Enqueue(entry("2")))

	q.Dismiss("1")
	entries := q.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "2", entries[0].ID)

	// The sibling still expires on its own timer.
	assert.Eventually(t, func() bool {
		return len(q.Entries()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDismissUnknownIsNoOp(t *testing.T) {
	q := NewQueue(time.Minute)
	t.Cleanup(q.Close)
	require.True(t, q.Enqueue(entry("1")))

	q.Dismiss("missing")

	assert.Len(t, q.Entries(), 1)
}

func TestConfirm_NotDeduplicated(t *testing.T) {
	q := NewQueue(time.Minute)
	t.Cleanup(q.Close)

	a := q.Confirm("Marked as read", model.KindSuccess)
	b := q.Confirm("Marked as read", model.KindSuccess)

	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, ActionPrefix))

	entries := q.Entries()
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Synthetic)
	assert.False(t, q.Seen(a))
}

func TestConfirm_Expires(t *testing.T) {
	q := NewQueue(20 * time.Millisecond)
	t.Cleanup(q.Close)

	q.Confirm("Deleted", model.KindInfo)

	assert.Eventually(t, func() bool {
		return len(q.Entries()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestClose(t *testing.T) {
	q := NewQueue(time.Minute)
	require.True(t, q.Enqueue(entry("1")))
	q.Confirm("Saved", model.KindSuccess)

	q.Close()

	assert.Empty(t, q.Entries())
	assert.False(t, q.Enqueue(entry("2")))
	assert.Empty(t, q.Confirm("late", model.KindInfo))
	q.Close()
}

func TestOnChange(t *testing.T) {
	q := NewQueue(time.Minute)
	t.Cleanup(q.Close)

	var (
		mu    sync.Mutex
		sizes []int
	)
	q.OnChange(func(entries []model.ToastEntry) {
		mu.Lock()
		sizes = append(sizes, len(entries))
		mu.Unlock()
	})

	q.Enqueue(entry("1"))
	q.Enqueue(entry("2"))
	q.Enqueue(entry("2"))
	q.Dismiss("1")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 1}, sizes)
}
