package push

import "context"

// WorkerState is the lifecycle phase of a background message worker.
type WorkerState int

const (
	WorkerInstalling WorkerState = iota
	WorkerWaiting
	WorkerActive
	WorkerRedundant
)

func (s WorkerState) String() string {
	switch s {
	case WorkerInstalling:
		return "installing"
	case WorkerWaiting:
		return "waiting"
	case WorkerActive:
		return "active"
	case WorkerRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// Worker receives messages while the inbox is not in the foreground.
type Worker interface {
	State() WorkerState
	// StateChanges returns a channel receiving every transition made
	// after the call. It is closed when the worker becomes redundant.
	StateChanges() <-chan WorkerState
}

// Alert is the user-visible part of a push message.
type Alert struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon,omitempty"`
}

// Message is one inbound push delivery.
type Message struct {
	Data         map[string]any `json:"data"`
	Notification *Alert         `json:"notification,omitempty"`
}

// Provider is the push transport. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Supported reports whether the transport can be used at all.
	Supported() bool
	RegisterWorker(ctx context.Context) (Worker, error)
	// Subscribe issues a new token for worker using the project
	// credential.
	Subscribe(ctx context.Context, credential string, worker Worker) (string, error)
	Unsubscribe(ctx context.Context, token string) error
	Messages() <-chan Message
}

// Resumer is implemented by providers that can reattach a previously
// issued token instead of issuing a new one.
type Resumer interface {
	Resume(ctx context.Context, token string, worker Worker) error
}

// Alerter shows a platform-level alert for a push message that arrives
// while the inbox is in the background.
type Alerter interface {
	Alert(a Alert) error
}
