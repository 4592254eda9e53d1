package notify

import "github.com/nhle/aquaportal/internal/model"

// EventType identifies what a transition or sync did.
type EventType int

const (
	EventLoaded EventType = iota
	EventIngested
	EventRead
	EventAllRead
	EventDeleted
	EventCleared
	EventUnreadChanged
	EventSynced
	EventSyncFailed
	EventSessionExpired
)

var eventNames = map[EventType]string{
	EventLoaded:         "loaded",
	EventIngested:       "ingested",
	EventRead:           "read",
	EventAllRead:        "all_read",
	EventDeleted:        "deleted",
	EventCleared:        "cleared",
	EventUnreadChanged:  "unread_changed",
	EventSynced:         "synced",
	EventSyncFailed:     "sync_failed",
	EventSessionExpired: "session_expired",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "unknown"
}

// Op names the store operation an EventSynced or EventSyncFailed refers to.
type Op string

const (
	OpLoad        Op = "load"
	OpMarkRead    Op = "mark_read"
	OpMarkAllRead Op = "mark_all_read"
	OpDelete      Op = "delete"
	OpClearAll    Op = "clear_all"
)

// Event is a domain event produced by the store. Only the fields relevant
// to Type are set.
type Event struct {
	Type EventType
	Op   Op
	ID   string

	// Notification is the entry as stored after EventIngested.
	Notification *model.Notification
	// New is set on EventIngested when the id was not seen since the last
	// full load.
	New bool
	// Added lists entries a full load brought in that were not known
	// before it. It is empty for the first load.
	Added []model.Notification

	Count      int
	Unread     int
	PrevUnread int

	Err error
}
