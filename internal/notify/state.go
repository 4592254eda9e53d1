package notify

import (
	"time"

	"github.com/nhle/aquaportal/internal/model"
)

// DefaultMaxRetained caps the in-memory list.
const DefaultMaxRetained = 50

// State is an immutable snapshot of the notification list. Transition
// functions never modify their input; they return a new State.
type State struct {
	items       []model.Notification
	processed   map[string]struct{}
	maxRetained int
	loaded      bool
}

// NewState returns an empty state retaining at most maxRetained entries.
func NewState(maxRetained int) State {
	if maxRetained <= 0 {
		maxRetained = DefaultMaxRetained
	}
	return State{
		processed:   map[string]struct{}{},
		maxRetained: maxRetained,
	}
}

// Items returns a deep copy of the list, most recent first.
func (s State) Items() []model.Notification {
	out := make([]model.Notification, len(s.items))
	for i, n := range s.items {
		out[i] = n.Clone()
	}
	return out
}

// Len returns the number of entries in the list.
func (s State) Len() int { return len(s.items) }

// UnreadCount is recomputed from the list on every call.
func (s State) UnreadCount() int {
	count := 0
	for _, n := range s.items {
		if !n.Read {
			count++
		}
	}
	return count
}

// Find returns the entry with id, if present.
func (s State) Find(id string) (model.Notification, bool) {
	if i := s.indexOf(id); i >= 0 {
		return s.items[i].Clone(), true
	}
	return model.Notification{}, false
}

// Processed reports whether id has been seen since the last full load.
func (s State) Processed(id string) bool {
	_, ok := s.processed[id]
	return ok
}

func (s State) indexOf(id string) int {
	for i, n := range s.items {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// with returns a copy of s with items replaced. The processed set is
// shared until a transition needs to grow it.
func (s State) with(items []model.Notification) State {
	return State{
		items:       items,
		processed:   s.processed,
		maxRetained: s.maxRetained,
		loaded:      s.loaded,
	}
}

func (s State) copyItems() []model.Notification {
	out := make([]model.Notification, len(s.items))
	copy(out, s.items)
	return out
}

func (s State) markProcessed(id string) State {
	if s.Processed(id) {
		return s
	}
	processed := make(map[string]struct{}, len(s.processed)+1)
	for k := range s.processed {
		processed[k] = struct{}{}
	}
	processed[id] = struct{}{}
	s.processed = processed
	return s
}

func (s State) capped(items []model.Notification) []model.Notification {
	if len(items) > s.maxRetained {
		return items[:s.maxRetained]
	}
	return items
}

// LoadFromServer replaces the list wholesale. Duplicate ids keep their
// first occurrence. The processed set becomes exactly the incoming ids.
// After the first load, entries whose id was not processed before are
// reported in EventLoaded.Added.
func LoadFromServer(s State, list []model.Notification) (State, []Event) {
	items := make([]model.Notification, 0, len(list))
	processed := make(map[string]struct{}, len(list))
	for _, n := range list {
		if _, dup := processed[n.ID]; dup {
			continue
		}
		processed[n.ID] = struct{}{}
		items = append(items, n.Clone())
	}

	next := State{
		items:       s.capped(items),
		processed:   processed,
		maxRetained: s.maxRetained,
		loaded:      true,
	}

	loadedEv := Event{Type: EventLoaded, Count: next.Len()}
	if s.loaded {
		for _, n := range next.items {
			if !s.Processed(n.ID) {
				loadedEv.Added = append(loadedEv.Added, n.Clone())
			}
		}
	}
	return next, []Event{loadedEv, unreadEvent(s, next)}
}

// Ingest applies a single pushed payload. A known id is merged in place;
// anything else is normalized and prepended.
func Ingest(s State, raw map[string]any, now time.Time) (State, []Event) {
	incoming := model.NotificationFromMap(raw, now)

	if i := s.indexOf(incoming.ID); i >= 0 {
		items := s.copyItems()
		items[i] = s.items[i].Merge(raw, now)
		next := s.with(items)
		merged := items[i].Clone()
		return next, []Event{
			{Type: EventIngested, ID: merged.ID, Notification: &merged},
			unreadEvent(s, next),
		}
	}

	isNew := !s.Processed(incoming.ID)
	items := make([]model.Notification, 0, len(s.items)+1)
	items = append(items, incoming)
	items = append(items, s.items...)

	next := s.with(s.capped(items)).markProcessed(incoming.ID)
	ingested := incoming.Clone()
	return next, []Event{
		{Type: EventIngested, ID: ingested.ID, Notification: &ingested, New: isNew},
		unreadEvent(s, next),
	}
}

// MarkRead flips a single entry to read. Unknown or already-read ids are
// a no-op.
func MarkRead(s State, id string, now time.Time) (State, []Event) {
	i := s.indexOf(id)
	if i < 0 || s.items[i].Read {
		return s, nil
	}

	items := s.copyItems()
	items[i] = markRead(items[i], now)
	next := s.with(items)
	return next, []Event{
		{Type: EventRead, ID: id},
		unreadEvent(s, next),
	}
}

// MarkAllRead flips every entry to read.
func MarkAllRead(s State, now time.Time) (State, []Event) {
	if s.UnreadCount() == 0 {
		return s, nil
	}

	items := s.copyItems()
	for i := range items {
		if !items[i].Read {
			items[i] = markRead(items[i], now)
		}
	}
	next := s.with(items)
	return next, []Event{
		{Type: EventAllRead},
		unreadEvent(s, next),
	}
}

// Remove drops a single entry. Unknown ids are a no-op.
func Remove(s State, id string) (State, []Event) {
	i := s.indexOf(id)
	if i < 0 {
		return s, nil
	}

	items := make([]model.Notification, 0, len(s.items)-1)
	items = append(items, s.items[:i]...)
	items = append(items, s.items[i+1:]...)
	next := s.with(items)
	return next, []Event{
		{Type: EventDeleted, ID: id},
		unreadEvent(s, next),
	}
}

// RemoveAll drops every listed id in one step. Processed ids are kept so
// a late push for a removed entry is not announced again.
func RemoveAll(s State, ids []string) (State, []Event) {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	items := make([]model.Notification, 0, len(s.items))
	for _, n := range s.items {
		if _, ok := drop[n.ID]; !ok {
			items = append(items, n)
		}
	}
	removed := len(s.items) - len(items)
	if removed == 0 {
		return s, nil
	}

	next := s.with(items)
	return next, []Event{
		{Type: EventCleared, Count: removed},
		unreadEvent(s, next),
	}
}

func markRead(n model.Notification, now time.Time) model.Notification {
	n.Read = true
	if n.ReadAt == nil {
		t := now
		n.ReadAt = &t
	}
	return n
}

func unreadEvent(prev, next State) Event {
	return Event{
		Type:       EventUnreadChanged,
		Unread:     next.UnreadCount(),
		PrevUnread: prev.UnreadCount(),
	}
}
