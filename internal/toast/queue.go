package toast

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/aquaportal/internal/model"
)

// DefaultTTL is how long a toast stays visible unless dismissed.
const DefaultTTL = 5 * time.Second

// ActionPrefix marks the ids of synthetic action-confirmation toasts.
const ActionPrefix = "action-"

// Queue holds the toasts currently visible. Each entry expires on its
// own timer; dismissing one never touches another.
//
// Notification toasts are deduplicated for the lifetime of the queue:
// an id that has been shown once is never shown again, even after it
// expires or is dismissed.
type Queue struct {
	ttl time.Duration

	mu        sync.Mutex
	entries   []model.ToastEntry
	timers    map[string]*time.Timer
	processed map[string]struct{}
	onChange  func([]model.ToastEntry)
	closed    bool

	now func() time.Time
}

// NewQueue returns a queue whose entries expire after ttl. A non-positive
// ttl uses DefaultTTL.
func NewQueue(ttl time.Duration) *Queue {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Queue{
		ttl:       ttl,
		timers:    map[string]*time.Timer{},
		processed: map[string]struct{}{},
		now:       time.Now,
	}
}

// OnChange installs fn to be called with the visible entries after every
// change. fn runs without the queue's lock held.
func (q *Queue) OnChange(fn func([]model.ToastEntry)) {
	q.mu.Lock()
	q.onChange = fn
	q.mu.Unlock()
}

// Enqueue shows entry if it is unread and its id has not been shown
// before. It reports whether the entry was accepted.
func (q *Queue) Enqueue(entry model.ToastEntry) bool {
	q.mu.Lock()
	if q.closed || entry.Read || entry.ID == "" {
		q.mu.Unlock()
		return false
	}
	if _, seen := q.processed[entry.ID]; seen {
		q.mu.Unlock()
		return false
	}
	q.processed[entry.ID] = struct{}{}

	entry.Synthetic = false
	q.pushLocked(entry)
	q.notifyUnlock()
	return true
}

// Confirm shows an action confirmation such as "Marked as read". These
// are never deduplicated. It returns the synthetic id, or "" once the
// queue is closed.
func (q *Queue) Confirm(message string, kind model.Kind) string {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ""
	}

	entry := model.ToastEntry{
		ID:        ActionPrefix + uuid.NewString(),
		Message:   message,
		Kind:      kind,
		Synthetic: true,
	}
	q.pushLocked(entry)
	q.notifyUnlock()
	return entry.ID
}

// Dismiss removes id and cancels its timer. Other entries are unaffected.
func (q *Queue) Dismiss(id string) {
	q.remove(id, true)
}

// Entries returns the visible entries, oldest first.
func (q *Queue) Entries() []model.ToastEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.ToastEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Seen reports whether id has ever been accepted by Enqueue.
func (q *Queue) Seen(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.processed[id]
	return ok
}

// Close stops every pending timer and empties the queue. Later calls to
// Enqueue and Confirm are ignored.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.entries = nil
	q.notifyUnlock()
}

func (q *Queue) pushLocked(entry model.ToastEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = q.now()
	}
	q.entries = append(q.entries, entry)

	id := entry.ID
	q.timers[id] = time.AfterFunc(q.ttl, func() {
		q.remove(id, false)
	})
}

func (q *Queue) remove(id string, stopTimer bool) {
	q.mu.Lock()
	if t, ok := q.timers[id]; ok {
		if stopTimer {
			t.Stop()
		}
		delete(q.timers, id)
	}

	idx := -1
	for i, e := range q.entries {
		if e.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return
	}
	q.entries = append(q.entries[:idx:idx], q.entries[idx+1:]...)
	q.notifyUnlock()
}

// notifyUnlock releases the lock and reports the new entries.
func (q *Queue) notifyUnlock() {
	fn := q.onChange
	var snapshot []model.ToastEntry
	if fn != nil {
		snapshot = make([]model.ToastEntry, len(q.entries))
		copy(snapshot, q.entries)
	}
	q.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
}
