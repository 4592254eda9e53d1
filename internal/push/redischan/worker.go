package redischan

import (
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/nhle/aquaportal/internal/push"
)

// worker tracks the lifecycle of the pub/sub connection. Messages
// received on the connection go to feed, which is closed once the
// connection is gone.
type worker struct {
	mu        sync.Mutex
	state     push.WorkerState
	listeners []chan push.WorkerState
	ps        *redis.PubSub

	feed       chan push.Message
	feedClosed bool
}

func newWorker() *worker {
	return &worker{
		state: push.WorkerInstalling,
		feed:  make(chan push.Message, messageBuffer),
	}
}

// shutdown retires the worker and closes its feed.
func (w *worker) shutdown() {
	w.retire()

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.feedClosed {
		w.feedClosed = true
		close(w.feed)
	}
}

// send queues m without blocking. It reports false when the feed is
// full or already closed.
func (w *worker) send(m push.Message) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.feedClosed {
		return false
	}
	select {
	case w.feed <- m:
		return true
	default:
		return false
	}
}

func (w *worker) State() push.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// StateChanges returns a channel receiving every later transition. It is
// closed once the worker is redundant.
func (w *worker) StateChanges() <-chan push.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Room for every remaining transition, so set never blocks.
	ch := make(chan push.WorkerState, 4)
	if w.state == push.WorkerRedundant {
		close(ch)
		return ch
	}
	w.listeners = append(w.listeners, ch)
	return ch
}

func (w *worker) set(state push.WorkerState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == push.WorkerRedundant || w.state == state {
		return
	}
	w.state = state
	for _, ch := range w.listeners {
		ch <- state
	}
}

// retire marks the worker redundant and closes all listeners.
func (w *worker) retire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == push.WorkerRedundant {
		return
	}
	w.state = push.WorkerRedundant
	for _, ch := range w.listeners {
		ch <- push.WorkerRedundant
		close(ch)
	}
	w.listeners = nil
}

func (w *worker) attach(ps *redis.PubSub) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ps = ps
}

func (w *worker) pubsub() *redis.PubSub {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ps
}
