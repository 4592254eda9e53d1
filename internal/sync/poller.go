package sync

import (
	"context"
	gosync "sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/wb-go/wbf/zlog"

	"github.com/nhle/aquaportal/internal/gateway"
)

// SyncState represents the current state of the polling fallback.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
	SyncStopped
)

func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncRunning:
		return "syncing"
	case SyncError:
		return "error"
	default:
		return "stopped"
	}
}

// SyncStatus holds the poller's last outcome.
type SyncStatus struct {
	State    SyncState
	LastSync time.Time
	Error    error
}

// SyncResultMsg is a tea.Msg sent when a poll completes.
type SyncResultMsg struct {
	Error          error
	SessionExpired *SessionExpiredMsg
}

// SessionExpiredMsg is a tea.Msg sent when a poll finds the session gone.
type SessionExpiredMsg struct {
	Message string
}

// DefaultInterval is used when no positive interval is configured.
const DefaultInterval = 60 * time.Second

// fetchTimeout is the maximum time allowed for a single poll.
const fetchTimeout = 30 * time.Second

// Loader performs one full reconciling load.
type Loader interface {
	Load(ctx context.Context) error
}

// Poller periodically reloads notifications while push is unavailable.
// It can be started and stopped any number of times.
type Poller struct {
	loader   Loader
	interval time.Duration

	status    SyncStatus
	resultCh  chan SyncResultMsg
	triggerCh chan struct{}
	stopCh    chan struct{}
	done      chan struct{}
	mu        gosync.Mutex
	running   bool
}

// New creates a poller calling loader every interval.
func New(loader Loader, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		loader:    loader,
		interval:  interval,
		status:    SyncStatus{State: SyncStopped},
		resultCh:  make(chan SyncResultMsg, 16),
		triggerCh: make(chan struct{}, 1),
	}
}

// Start launches the polling goroutine. It is a no-op when already
// running.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	p.status.State = SyncIdle

	go p.loop(p.stopCh, p.done)
}

// Stop halts the polling goroutine, cancelling an in-flight poll, and
// waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	done := p.done
	p.running = false
	p.mu.Unlock()

	<-done

	p.mu.Lock()
	p.status.State = SyncStopped
	p.mu.Unlock()
}

// Running reports whether the poller is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Refresh requests an immediate poll. A request made while stopped is
// served right after the next Start.
func (p *Poller) Refresh() {
	select {
	case p.triggerCh <- struct{}{}:
	default:
		// A poll is already pending.
	}
}

// Status returns the current sync status.
func (p *Poller) Status() SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Poller) loop(stopCh, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.poll(stopCh)
		case <-p.triggerCh:
			p.poll(stopCh)
		}
	}
}

// poll performs a single load and reports the outcome on the result
// channel.
func (p *Poller) poll(stopCh chan struct{}) {
	p.setStatus(SyncRunning, nil)

	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	// Stop cancels an in-flight poll.
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := p.loader.Load(ctx); err != nil {
		p.setStatus(SyncError, err)

		if gateway.IsSessionExpired(err) {
			p.sendResult(SyncResultMsg{
				Error:          err,
				SessionExpired: &SessionExpiredMsg{Message: "Your session has expired. Please sign in again."},
			})
			return
		}

		zlog.Logger.Warn().Err(err).Msg("notification poll failed")
		p.sendResult(SyncResultMsg{Error: err})
		return
	}

	p.setStatus(SyncIdle, nil)
	p.sendResult(SyncResultMsg{})
}

func (p *Poller) setStatus(state SyncState, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status.State = state
	p.status.Error = err
	if state == SyncIdle && err == nil {
		p.status.LastSync = time.Now()
	}
}

// sendResult sends a SyncResultMsg on the result channel without blocking.
func (p *Poller) sendResult(msg SyncResultMsg) {
	select {
	case p.resultCh <- msg:
	default:
		// Drop if channel is full to avoid blocking the poller
	}
}

// Results exposes poll outcomes to callers outside Bubble Tea.
func (p *Poller) Results() <-chan SyncResultMsg {
	return p.resultCh
}

// WaitForNextResult returns a tea.Cmd that waits for the next poll
// result. Call it again after handling a SyncResultMsg to keep
// listening.
func (p *Poller) WaitForNextResult() tea.Cmd {
	return func() tea.Msg {
		result, ok := <-p.resultCh
		if !ok {
			return nil
		}
		return result
	}
}
