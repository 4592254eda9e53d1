package session

import (
	"errors"

	"github.com/nhle/aquaportal/internal/gateway"
	"github.com/nhle/aquaportal/internal/model"
	"github.com/nhle/aquaportal/internal/notify"
	"github.com/nhle/aquaportal/internal/toast"
)

var syncedMessages = map[notify.Op]string{
	notify.OpMarkRead:    "Marked as read",
	notify.OpMarkAllRead: "All notifications marked as read",
	notify.OpDelete:      "Notification deleted",
	notify.OpClearAll:    "All notifications cleared",
}

var failedMessages = map[notify.Op]string{
	notify.OpLoad:        "Could not load notifications",
	notify.OpMarkRead:    "Could not mark notification as read",
	notify.OpMarkAllRead: "Could not mark notifications as read",
	notify.OpDelete:      "Could not delete notification",
	notify.OpClearAll:    "Could not clear notifications",
}

// presenter turns store events into toasts.
type presenter struct {
	toasts  *toast.Queue
	expired func()
}

func newPresenter(toasts *toast.Queue, expired func()) *presenter {
	return &presenter{toasts: toasts, expired: expired}
}

func (p *presenter) handle(ev notify.Event) {
	switch ev.Type {
	case notify.EventIngested:
		if ev.New && ev.Notification != nil {
			p.toasts.Enqueue(model.ToastFromNotification(*ev.Notification))
		}
	case notify.EventLoaded:
		for _, n := range ev.Added {
			p.toasts.Enqueue(model.ToastFromNotification(n))
		}
	case notify.EventSynced:
		if msg, ok := syncedMessages[ev.Op]; ok {
			p.toasts.Confirm(msg, model.KindSuccess)
		}
	case notify.EventSyncFailed:
		// Background loads fail quietly; the poller reports them.
		if ev.Op == notify.OpLoad {
			return
		}
		p.toasts.Confirm(failureMessage(ev), model.KindError)
	case notify.EventSessionExpired:
		if p.expired != nil {
			p.expired()
		}
	}
}

func failureMessage(ev notify.Event) string {
	var remote *gateway.RemoteError
	if errors.As(ev.Err, &remote) && remote.Message != "" {
		return remote.Message
	}
	if msg, ok := failedMessages[ev.Op]; ok {
		return msg
	}
	return "Something went wrong"
}
