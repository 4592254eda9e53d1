package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/aquaportal/internal/gateway"
	"github.com/nhle/aquaportal/internal/model"
	"github.com/nhle/aquaportal/internal/testutil"
)

type fakeGateway struct {
	mu sync.Mutex

	list      []model.Notification
	listErr   error
	unread    int
	unreadErr error
	markErr   error
	deleteErr map[string]error

	// listHook runs inside List before it returns, letting a test
	// interleave another operation with an in-flight load.
	listHook func()

	marked  []string
	deleted []string
	lists   int
}

func (f *fakeGateway) List(ctx context.Context) ([]model.Notification, error) {
	f.mu.Lock()
	f.lists++
	list, err, hook := f.list, f.listErr, f.listHook
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return []model.Notification{}, err
	}
	return list, nil
}

func (f *fakeGateway) UnreadCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread, f.unreadErr
}

func (f *fakeGateway) MarkRead(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, id)
	return f.markErr
}

func (f *fakeGateway) MarkAllRead(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, "*")
	return f.markErr
}

func (f *fakeGateway) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteErr[id]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, id)
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestStore(t *testing.T, gw *fakeGateway) (*Store, *recorder) {
	t.Helper()
	s := New(gw, Options{})
	s.now = func() time.Time { return testNow }
	rec := &recorder{}
	t.Cleanup(s.Subscribe(rec.record))
	return s, rec
}

func TestStore_LoadThenMarkRead(t *testing.T) {
	gw := &fakeGateway{list: []model.Notification{unread("1"), unread("2"), read("3")}}
	s, _ := newTestStore(t, gw)
	ctx := context.Background()

	require.NoError(t, s.Load(ctx))
	assert.Equal(t, 2, s.UnreadCount())
	assert.Len(t, s.Snapshot(), 3)

	require.NoError(t, s.MarkRead(ctx, "2"))
	assert.Equal(t, 1, s.UnreadCount())
	assert.Len(t, s.Snapshot(), 3)
	assert.Equal(t, []string{"2"}, gw.marked)
}

func TestStore_MarkReadIsOptimistic(t *testing.T) {
	gw := &fakeGateway{
		list:    []model.Notification{unread("1")},
		markErr: &gateway.NetworkError{Method: "POST", Path: "/notifications/1/mark-read", Err: errors.New("connection refused")},
	}
	s, rec := newTestStore(t, gw)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))

	err := s.MarkRead(ctx, "1")

	require.Error(t, err)
	assert.True(t, gateway.IsNetworkError(err))
	assert.Equal(t, 0, s.UnreadCount(), "local change is not rolled back")

	failed := rec.ofType(EventSyncFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, OpMarkRead, failed[0].Op)
	assert.Equal(t, "1", failed[0].ID)
}

func TestStore_MarkAllRead(t *testing.T) {
	gw := &fakeGateway{list: []model.Notification{unread("1"), unread("2")}}
	s, rec := newTestStore(t, gw)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))

	require.NoError(t, s.MarkAllRead(ctx))

	assert.Equal(t, 0, s.UnreadCount())
	synced := rec.ofType(EventSynced)
	require.Len(t, synced, 1)
	assert.Equal(t, OpMarkAllRead, synced[0].Op)
}

func TestStore_DeleteConfirmed(t *testing.T) {
	gw := &fakeGateway{list: []model.Notification{unread("1"), unread("2"), read("3")}}
	s, _ := newTestStore(t, gw)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))

	require.NoError(t, s.Delete(ctx, "1"))

	assert.Len(t, s.Snapshot(), 2)
	assert.Equal(t, 1, s.UnreadCount())
	_, ok := s.Get("1")
	assert.False(t, ok)
}

func TestStore_DeleteRefusedKeepsEntry(t *testing.T) {
	gw := &fakeGateway{
		list: []model.Notification{unread("1"), unread("2"), read("3")},
		deleteErr: map[string]error{
			"1": &gateway.RemoteError{Method: "DELETE", Path: "/notifications/1", StatusCode: 500, Message: "boom"},
		},
	}
	s, rec := newTestStore(t, gw)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))

	err := s.Delete(ctx, "1")

	require.Error(t, err)
	assert.True(t, gateway.IsRemoteError(err))
	assert.Len(t, s.Snapshot(), 3)
	assert.Equal(t, 2, s.UnreadCount())
	assert.Empty(t, rec.ofType(EventDeleted))
	assert.Len(t, rec.ofType(EventSyncFailed), 1)
}

func TestStore_ClearAllKeepsRefused(t *testing.T) {
	gw := &fakeGateway{
		list:      []model.Notification{unread("1"), unread("2"), read("3")},
		deleteErr: map[string]error{"2": &gateway.RemoteError{StatusCode: 403, Message: "forbidden"}},
	}
	s, _ := newTestStore(t, gw)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))

	err := s.ClearAll(ctx)

	require.Error(t, err)
	assert.Equal(t, []string{"2"}, ids(s.Snapshot()))
	assert.Equal(t, 1, s.UnreadCount())
	assert.ElementsMatch(t, []string{"1", "3"}, gw.deleted)
}

func TestStore_ClearAll(t *testing.T) {
	gw := &fakeGateway{list: []model.Notification{unread("1"), read("2")}}
	s, rec := newTestStore(t, gw)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))

	require.NoError(t, s.ClearAll(ctx))

	assert.Empty(t, s.Snapshot())
	assert.Equal(t, 0, s.UnreadCount())
	cleared := rec.ofType(EventCleared)
	require.Len(t, cleared, 1)
	assert.Equal(t, 2, cleared[0].Count)
}

func TestStore_MalformedLoadKeepsState(t *testing.T) {
	gw := &fakeGateway{list: []model.Notification{unread("1")}}
	s, rec := newTestStore(t, gw)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))

	gw.mu.Lock()
	gw.listErr = gateway.ErrMalformedPayload
	gw.mu.Unlock()

	err := s.Load(ctx)

	require.Error(t, err)
	assert.True(t, gateway.IsMalformed(err))
	assert.Equal(t, []string{"1"}, ids(s.Snapshot()))
	assert.Len(t, rec.ofType(EventSyncFailed), 1)
}

func TestStore_SessionExpiredEvent(t *testing.T) {
	gw := &fakeGateway{listErr: &gateway.SessionExpiredError{Message: "Unauthenticated."}}
	s, rec := newTestStore(t, gw)

	err := s.Load(context.Background())

	require.Error(t, err)
	assert.True(t, gateway.IsSessionExpired(err))
	assert.Len(t, rec.ofType(EventSessionExpired), 1)
	assert.Empty(t, rec.ofType(EventSyncFailed))
}

func TestStore_LoadSupersedesInFlightIngest(t *testing.T) {
	gw := &fakeGateway{list: []model.Notification{read("1"), read("2")}}
	s, _ := newTestStore(t, gw)
	ctx := context.Background()

	// A push for id 2 lands while the full load is in flight.
	gw.listHook = func() {
		s.Ingest(ctx, map[string]any{"id": "2", "message": "pushed", "read": false})
		s.Ingest(ctx, map[string]any{"id": "9", "read": false})
	}

	require.NoError(t, s.Load(ctx))

	list := s.Snapshot()
	assert.Equal(t, []string{"1", "2"}, ids(list))
	assert.True(t, list[1].Read)
	assert.Equal(t, "m2", list[1].Message)
	assert.Equal(t, 0, s.UnreadCount())
}

func TestStore_IngestAfterLoadMerges(t *testing.T) {
	gw := &fakeGateway{list: []model.Notification{read("1")}}
	s, rec := newTestStore(t, gw)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))

	s.Ingest(ctx, map[string]any{"id": "1", "message": "edited"})
	s.Ingest(ctx, map[string]any{"id": "2", "message": "new", "read": false})

	assert.Equal(t, []string{"2", "1"}, ids(s.Snapshot()))
	ingested := rec.ofType(EventIngested)
	require.Len(t, ingested, 2)
	assert.False(t, ingested[0].New)
	assert.True(t, ingested[1].New)
	assert.Equal(t, "new", ingested[1].Notification.Message)
}

func TestStore_RefreshUnreadCountReloadsOnDivergence(t *testing.T) {
	gw := &fakeGateway{list: []model.Notification{unread("1")}, unread: 1}
	s, _ := newTestStore(t, gw)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))

	n, err := s.RefreshUnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, gw.lists)

	gw.mu.Lock()
	gw.list = []model.Notification{unread("1"), unread("4")}
	gw.unread = 2
	gw.mu.Unlock()

	n, err = s.RefreshUnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, gw.lists)
}

func TestStore_ConcurrentMutationsKeepInvariant(t *testing.T) {
	gw := &fakeGateway{list: []model.Notification{unread("1"), unread("2"), unread("3")}}
	s, _ := newTestStore(t, gw)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(3)
		go func(i int) {
			defer wg.Done()
			s.Ingest(ctx, map[string]any{"id": i, "read": i%2 == 0})
		}(i)
		go func() {
			defer wg.Done()
			_ = s.MarkRead(ctx, "2")
		}()
		go func() {
			defer wg.Done()
			_ = s.Load(ctx)
		}()
	}
	wg.Wait()

	count := 0
	for _, n := range s.Snapshot() {
		if !n.Read {
			count++
		}
	}
	assert.Equal(t, count, s.UnreadCount())
	assert.LessOrEqual(t, len(s.Snapshot()), DefaultMaxRetained)
}

func TestStore_SubscriberMayReadDuringConcurrentWrites(t *testing.T) {
	s := New(&fakeGateway{}, Options{MaxRetained: 50})
	ctx := context.Background()

	var mu sync.Mutex
	var last []int
	t.Cleanup(s.Subscribe(func(ev Event) {
		if ev.Type != EventUnreadChanged {
			return
		}
		n := s.UnreadCount()
		mu.Lock()
		last = append(last, n)
		mu.Unlock()
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 500; i++ {
					s.Ingest(ctx, map[string]any{"id": fmt.Sprintf("%d-%d", w, i), "read": false})
				}
			}(w)
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("writers did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, last)
	assert.Equal(t, 50, s.UnreadCount())
}

func TestStore_EventsFollowTransitionOrder(t *testing.T) {
	s := New(&fakeGateway{}, Options{})
	ctx := context.Background()

	var unread []int
	t.Cleanup(s.Subscribe(func(ev Event) {
		if ev.Type == EventUnreadChanged {
			unread = append(unread, ev.Unread)
		}
		// A mutation from inside a subscriber is delivered after it.
		if ev.Type == EventIngested && ev.Notification != nil && ev.Notification.ID == "1" {
			s.Ingest(ctx, map[string]any{"id": "2", "read": false})
		}
	}))

	s.Ingest(ctx, map[string]any{"id": "1", "read": false})

	assert.Equal(t, []int{1, 2}, unread)
}

func TestStore_CacheRoundTrip(t *testing.T) {
	db := testutil.NewTestStore(t)
	gw := &fakeGateway{list: []model.Notification{unread("1"), read("2")}}
	ctx := context.Background()

	s := New(gw, Options{Cache: db})
	require.NoError(t, s.Load(ctx))
	require.NoError(t, s.MarkRead(ctx, "1"))

	restored := New(gw, Options{Cache: db})
	require.NoError(t, restored.Restore(ctx))

	assert.Equal(t, []string{"1", "2"}, ids(restored.Snapshot()))
	assert.Equal(t, 0, restored.UnreadCount())
}

func TestStore_Unsubscribe(t *testing.T) {
	gw := &fakeGateway{}
	s := New(gw, Options{})
	rec := &recorder{}
	unsubscribe := s.Subscribe(rec.record)

	s.Ingest(context.Background(), map[string]any{"id": "1"})
	unsubscribe()
	s.Ingest(context.Background(), map[string]any{"id": "2"})

	assert.Len(t, rec.ofType(EventIngested), 1)
}
