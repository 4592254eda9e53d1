package model

import "time"

// ToastEntry is a short-lived notice shown on top of the inbox.
type ToastEntry struct {
	// ID mirrors the notification id for inbound alerts, or carries a
	// synthetic "action-" id for action confirmations.
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Message   string    `json:"message"`
	Kind      Kind      `json:"kind"`
	Read      bool      `json:"read"`
	Synthetic bool      `json:"synthetic"`
	CreatedAt time.Time `json:"created_at"`
}

// ToastFromNotification builds the toast announcing n.
func ToastFromNotification(n Notification) ToastEntry {
	return ToastEntry{
		ID:      n.ID,
		Title:   n.Title,
		Message: n.Message,
		Kind:    n.Kind,
		Read:    n.Read,
	}
}
