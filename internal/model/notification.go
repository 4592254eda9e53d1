package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a notification for display purposes.
type Kind string

const (
	KindInfo    Kind = "info"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
	KindSuccess Kind = "success"
)

// ParseKind maps a raw kind string onto a known Kind, falling back to
// KindInfo for anything unrecognized.
func ParseKind(s string) Kind {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindWarning:
		return KindWarning
	case KindError:
		return KindError
	case KindSuccess:
		return KindSuccess
	default:
		return KindInfo
	}
}

// Default field values applied when a payload omits them.
const (
	DefaultTitle   = "Notification"
	DefaultMessage = ""
)

// Notification is a single entry of the customer's notification feed,
// delivered either by a full list load or by a push message.
type Notification struct {
	// ID is stable across re-ingestion of the same notification.
	ID string `json:"id"`

	// Title is the short heading shown in lists and toasts.
	Title string `json:"title"`

	// Message is the notification body text.
	Message string `json:"message"`

	// Kind drives the display style (info, warning, error, success).
	Kind Kind `json:"type"`

	// Read indicates whether the customer has seen this notification.
	Read bool `json:"read"`

	// CreatedAt is when the backend generated the notification.
	CreatedAt time.Time `json:"created_at"`

	// ReadAt is stamped when the notification is marked read.
	ReadAt *time.Time `json:"read_at,omitempty"`

	// Link is an optional deep-link target inside the portal
	// (e.g. "/orders/42").
	Link string `json:"link,omitempty"`

	// Data holds the opaque payload attached by the sender
	// (sender, related order id, ...).
	Data map[string]any `json:"data,omitempty"`
}

// Clone returns a copy that shares no mutable state with n.
func (n Notification) Clone() Notification {
	c := n
	if n.ReadAt != nil {
		t := *n.ReadAt
		c.ReadAt = &t
	}
	c.Data = cloneData(n.Data)
	return c
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	c := make(map[string]any, len(data))
	for k, v := range data {
		c[k] = cloneValue(v)
	}
	return c
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneData(val)
	case []any:
		c := make([]any, len(val))
		for i, item := range val {
			c[i] = cloneValue(item)
		}
		return c
	default:
		return v
	}
}

// contentNamespace scopes ids derived from notification content.
var contentNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("aquaportal:notification"))

// ContentID derives an id from what a payload says rather than its read
// state, so an entry the server sends without an id keeps the same id
// on every load.
func ContentID(raw map[string]any) string {
	parts := []string{
		stringField(raw, titleKeys...),
		stringField(raw, messageKeys...),
		string(ParseKind(stringField(raw, kindKeys...))),
		stringField(raw, linkKeys...),
	}
	if t, ok := timeField(raw, createdAtKeys...); ok {
		parts = append(parts, t.UTC().Format(time.RFC3339Nano))
	}
	return uuid.NewSHA1(contentNamespace, []byte(strings.Join(parts, "\x1f"))).String()
}

// NotificationFromMap builds a Notification from a loosely typed payload.
// Missing or malformed fields fall back to safe defaults instead of
// failing: a missing id is derived from the content, kind defaults to info and
// read defaults to true unless the payload explicitly says otherwise.
func NotificationFromMap(raw map[string]any, now time.Time) Notification {
	n := Notification{
		ID:        stringField(raw, idKeys...),
		Title:     stringField(raw, titleKeys...),
		Message:   stringField(raw, messageKeys...),
		Kind:      ParseKind(stringField(raw, kindKeys...)),
		Read:      true,
		Link:      stringField(raw, linkKeys...),
		CreatedAt: now,
	}

	if n.ID == "" {
		n.ID = ContentID(raw)
	}
	if n.Title == "" {
		n.Title = DefaultTitle
	}

	if read, ok := boolField(raw, readKeys...); ok {
		n.Read = read
	}
	if t, ok := timeField(raw, createdAtKeys...); ok {
		n.CreatedAt = t
	}
	if t, ok := timeField(raw, readAtKeys...); ok {
		n.ReadAt = &t
	}

	if data, ok := raw["data"].(map[string]any); ok && len(data) > 0 {
		n.Data = cloneData(data)
	}

	return n
}

// Merge applies a re-delivered payload for the same id on top of n.
// Fields the payload does not carry keep their current values; in
// particular the read flag only changes when the payload states it.
func (n Notification) Merge(raw map[string]any, now time.Time) Notification {
	merged := n.Clone()

	if s := stringField(raw, titleKeys...); s != "" {
		merged.Title = s
	}
	if hasAny(raw, messageKeys...) {
		merged.Message = stringField(raw, messageKeys...)
	}
	if hasAny(raw, kindKeys...) {
		merged.Kind = ParseKind(stringField(raw, kindKeys...))
	}
	if hasAny(raw, linkKeys...) {
		merged.Link = stringField(raw, linkKeys...)
	}
	if t, ok := timeField(raw, createdAtKeys...); ok {
		merged.CreatedAt = t
	}
	if data, ok := raw["data"].(map[string]any); ok && len(data) > 0 {
		merged.Data = cloneData(data)
	}

	if read, ok := boolField(raw, readKeys...); ok {
		merged.Read = read
		switch {
		case !read:
			merged.ReadAt = nil
		case merged.ReadAt == nil:
			t := now
			merged.ReadAt = &t
		}
	}
	if t, ok := timeField(raw, readAtKeys...); ok && merged.Read {
		merged.ReadAt = &t
	}

	return merged
}

var (
	idKeys        = []string{"id", "notification_id", "notificationId"}
	titleKeys     = []string{"title"}
	messageKeys   = []string{"message", "body"}
	kindKeys      = []string{"type", "kind"}
	linkKeys      = []string{"link", "url", "action_url", "actionUrl"}
	readKeys      = []string{"read", "is_read", "isRead"}
	createdAtKeys = []string{"created_at", "createdAt"}
	readAtKeys    = []string{"read_at", "readAt"}
)

func hasAny(raw map[string]any, keys ...string) bool {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return true
		}
	}
	return false
}

func stringField(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case string:
			if val != "" {
				return val
			}
		case float64:
			return strconv.FormatFloat(val, 'f', -1, 64)
		case int:
			return strconv.Itoa(val)
		case int64:
			return strconv.FormatInt(val, 10)
		case fmt.Stringer:
			return val.String()
		}
	}
	return ""
}

func boolField(raw map[string]any, keys ...string) (bool, bool) {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case bool:
			return val, true
		case float64:
			return val != 0, true
		case int:
			return val != 0, true
		case string:
			if b, err := strconv.ParseBool(val); err == nil {
				return b, true
			}
		}
	}
	return false, false
}

func timeField(raw map[string]any, keys ...string) (time.Time, bool) {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case string:
			for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
				if t, err := time.Parse(layout, val); err == nil {
					return t, true
				}
			}
		case time.Time:
			return val, true
		case float64:
			return time.UnixMilli(int64(val)), true
		}
	}
	return time.Time{}, false
}
