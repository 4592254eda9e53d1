package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wb-go/wbf/zlog"

	"github.com/nhle/aquaportal/internal/gateway"
	"github.com/nhle/aquaportal/internal/model"
	"github.com/nhle/aquaportal/internal/store"
)

// Gateway is the subset of the portal API the store reconciles against.
type Gateway interface {
	List(ctx context.Context) ([]model.Notification, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	Delete(ctx context.Context, id string) error
}

// Options configures a Store.
type Options struct {
	MaxRetained int
	// Cache, when set, receives a snapshot after every change and seeds
	// the list on Restore.
	Cache store.NotificationCache
}

// Store owns the canonical notification list. Every mutation goes
// through one of its methods and is serialized by mu; gateway calls are
// made outside the lock.
//
// Read-state changes are optimistic: applied locally first and never
// rolled back. Deletions are pessimistic: applied only after the
// gateway confirms.
type Store struct {
	gw    Gateway
	cache store.NotificationCache

	mu    sync.Mutex
	state State
	// pending holds events not yet delivered. At most one goroutine
	// drains it at a time, so subscribers see transition order. Both
	// fields are guarded by mu.
	pending    []Event
	delivering bool

	subsMu  sync.RWMutex
	subs    map[int]func(Event)
	nextSub int

	persistMu sync.Mutex

	now func() time.Time
}

// New creates an empty store backed by gw.
func New(gw Gateway, opts Options) *Store {
	return &Store{
		gw:    gw,
		cache: opts.Cache,
		state: NewState(opts.MaxRetained),
		subs:  map[int]func(Event){},
		now:   time.Now,
	}
}

// Subscribe registers fn for every event the store emits and returns a
// function that removes it. Events arrive in transition order, on the
// goroutine that happens to be draining the queue. fn may read the store;
// a mutation made from fn is delivered after fn returns.
func (s *Store) Subscribe(fn func(Event)) func() {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

// apply runs a transition under the lock and publishes its events in
// order. It reports whether the state changed.
func (s *Store) apply(transition func(State) (State, []Event)) bool {
	s.mu.Lock()
	next, events := transition(s.state)
	s.state = next
	s.enqueueLocked(events)
	s.drain()

	return len(events) > 0
}

func (s *Store) emit(events ...Event) {
	s.mu.Lock()
	s.enqueueLocked(events)
	s.drain()
}

// enqueueLocked queues events behind those already pending.
func (s *Store) enqueueLocked(events []Event) {
	s.pending = append(s.pending, events...)
}

// drain is entered with mu held and returns with it released. The
// goroutine that finds nobody delivering keeps delivering until the
// queue is empty; any other goroutine leaves its events to it. mu is
// never held while subscribers run.
func (s *Store) drain() {
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	for len(s.pending) > 0 {
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		s.deliver(batch)

		s.mu.Lock()
	}
	s.delivering = false
	s.mu.Unlock()
}

func (s *Store) deliver(events []Event) {
	if len(events) == 0 {
		return
	}
	s.subsMu.RLock()
	subs := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subsMu.RUnlock()

	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// Snapshot returns a copy of the current list.
func (s *Store) Snapshot() []model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Items()
}

// UnreadCount returns the number of unread entries in the current list.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.UnreadCount()
}

// Get returns the entry with id, if present.
func (s *Store) Get(id string) (model.Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Find(id)
}

// LoadFromServer replaces the list with an authoritative copy.
func (s *Store) LoadFromServer(ctx context.Context, list []model.Notification) {
	s.apply(func(st State) (State, []Event) {
		return LoadFromServer(st, list)
	})
	s.persist(ctx)
}

// Load fetches the full list and replaces local state with it. On any
// failure, including a malformed response, local state is left alone.
func (s *Store) Load(ctx context.Context) error {
	list, err := s.gw.List(ctx)
	if err != nil {
		s.failed(OpLoad, "", err)
		return fmt.Errorf("loading notifications: %w", err)
	}
	s.LoadFromServer(ctx, list)
	return nil
}

// Restore seeds the list from the local cache, if one is configured. An
// empty cache leaves the store unloaded.
func (s *Store) Restore(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	list, err := s.cache.GetNotifications(ctx)
	if err != nil {
		return fmt.Errorf("restoring notifications: %w", err)
	}
	if len(list) == 0 {
		return nil
	}
	s.apply(func(st State) (State, []Event) {
		return LoadFromServer(st, list)
	})
	return nil
}

// Ingest merges a pushed payload into the list.
func (s *Store) Ingest(ctx context.Context, raw map[string]any) {
	now := s.now()
	s.apply(func(st State) (State, []Event) {
		return Ingest(st, raw, now)
	})
	s.persist(ctx)
}

// MarkRead marks id read locally, then tells the server. A server
// failure is reported as EventSyncFailed and returned; the local change
// stands until the next full load.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	now := s.now()
	s.apply(func(st State) (State, []Event) {
		return MarkRead(st, id, now)
	})
	s.persist(ctx)

	if err := s.gw.MarkRead(ctx, id); err != nil {
		s.failed(OpMarkRead, id, err)
		return fmt.Errorf("marking %s read: %w", id, err)
	}
	s.emit(Event{Type: EventSynced, Op: OpMarkRead, ID: id})
	return nil
}

// MarkAllRead marks every entry read locally, then tells the server.
func (s *Store) MarkAllRead(ctx context.Context) error {
	now := s.now()
	s.apply(func(st State) (State, []Event) {
		return MarkAllRead(st, now)
	})
	s.persist(ctx)

	if err := s.gw.MarkAllRead(ctx); err != nil {
		s.failed(OpMarkAllRead, "", err)
		return fmt.Errorf("marking all read: %w", err)
	}
	s.emit(Event{Type: EventSynced, Op: OpMarkAllRead})
	return nil
}

// Delete removes id on the server and, only once that succeeds, locally.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.gw.Delete(ctx, id); err != nil {
		s.failed(OpDelete, id, err)
		return fmt.Errorf("deleting %s: %w", id, err)
	}

	s.apply(func(st State) (State, []Event) {
		return Remove(st, id)
	})
	s.persist(ctx)
	s.emit(Event{Type: EventSynced, Op: OpDelete, ID: id})
	return nil
}

// ClearAll deletes every entry currently listed. Only entries the server
// confirmed are removed locally; the first failure is returned.
func (s *Store) ClearAll(ctx context.Context) error {
	var (
		confirmed []string
		firstErr  error
	)
	for _, n := range s.Snapshot() {
		if err := s.gw.Delete(ctx, n.ID); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("clearing %s: %w", n.ID, err)
			}
			if gateway.IsSessionExpired(err) {
				break
			}
			continue
		}
		confirmed = append(confirmed, n.ID)
	}

	if s.apply(func(st State) (State, []Event) {
		return RemoveAll(st, confirmed)
	}) {
		s.persist(ctx)
	}

	if firstErr != nil {
		s.failed(OpClearAll, "", firstErr)
		return firstErr
	}
	s.emit(Event{Type: EventSynced, Op: OpClearAll, Count: len(confirmed)})
	return nil
}

// RefreshUnreadCount asks the server for its counter and reloads the
// full list when it disagrees with the local one.
func (s *Store) RefreshUnreadCount(ctx context.Context) (int, error) {
	remote, err := s.gw.UnreadCount(ctx)
	if err != nil {
		if gateway.IsSessionExpired(err) {
			s.failed(OpLoad, "", err)
		}
		return s.UnreadCount(), fmt.Errorf("refreshing unread count: %w", err)
	}

	if remote != s.UnreadCount() {
		if err := s.Load(ctx); err != nil {
			return s.UnreadCount(), err
		}
	}
	return s.UnreadCount(), nil
}

func (s *Store) failed(op Op, id string, err error) {
	if gateway.IsSessionExpired(err) {
		s.emit(Event{Type: EventSessionExpired, Op: op, ID: id, Err: err})
		return
	}
	zlog.Logger.Warn().Err(err).Str("op", string(op)).Str("id", id).Msg("notification sync failed")
	s.emit(Event{Type: EventSyncFailed, Op: op, ID: id, Err: err})
}

func (s *Store) persist(ctx context.Context) {
	if s.cache == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if err := s.cache.ReplaceNotifications(ctx, s.Snapshot()); err != nil {
		zlog.Logger.Warn().Err(err).Msg("caching notifications failed")
	}
}
