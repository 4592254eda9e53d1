package session

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/nhle/aquaportal/internal/gateway"
	"github.com/nhle/aquaportal/internal/model"
	"github.com/nhle/aquaportal/internal/notify"
	"github.com/nhle/aquaportal/internal/push"
	"github.com/nhle/aquaportal/internal/store"
	"github.com/nhle/aquaportal/internal/sync"
	"github.com/nhle/aquaportal/internal/toast"
)

// ErrActive is returned by Init when the session is already running.
var ErrActive = errors.New("session already active")

// DefaultFreshnessCheck is used when Config.FreshnessCheck is unset.
const DefaultFreshnessCheck = time.Hour

// Gateway is the portal API as used by one session.
type Gateway interface {
	notify.Gateway
	push.DeviceGateway
}

// CredentialVault holds the bearer credential for the signed-in customer.
type CredentialVault interface {
	SetBearerToken(token string) error
	ClearBearerToken() error
}

// Config tunes a session.
type Config struct {
	PushEnabled   bool
	Credential    string
	Device        model.DeviceDescriptor
	Freshness     time.Duration
	WorkerTimeout time.Duration
	TokenRetry    retry.Strategy
	// FreshnessCheck is how often a live session re-checks token age.
	FreshnessCheck time.Duration

	MaxRetained  int
	ToastTTL     time.Duration
	PollInterval time.Duration
}

// ConfigFromApp derives a session configuration from the app config.
func ConfigFromApp(cfg model.AppConfig) Config {
	return Config{
		PushEnabled:   cfg.Push.Enabled,
		Credential:    cfg.Push.VAPIDKey,
		Device:        cfg.Push.Device,
		Freshness:     cfg.Push.Freshness(),
		WorkerTimeout: cfg.Push.WorkerTimeout(),
		MaxRetained:   cfg.Notifications.MaxRetained,
		ToastTTL:      cfg.Notifications.ToastTTL(),
		PollInterval:  cfg.Notifications.PollInterval(),
	}
}

// Deps are the collaborators a session is built from. Provider, Prompter,
// Alerter and Vault may be nil.
type Deps struct {
	Gateway  Gateway
	State    store.Store
	Vault    CredentialVault
	Provider push.Provider
	Prompter push.Prompter
	Alerter  push.Alerter
}

// Session ties the notification engine to one signed-in customer. It is
// created once and cycles through Init and Teardown as the customer signs
// in and out.
type Session struct {
	cfg  Config
	deps Deps

	permission *push.PermissionNegotiator
	registry   *push.Registry
	channel    *push.ChannelManager

	mu            gosync.Mutex
	active        bool
	notifications *notify.Store
	toasts        *toast.Queue
	poller        *sync.Poller
	unsubscribe   func()
	cancel        context.CancelFunc
	wg            gosync.WaitGroup
	expired       chan struct{}
	expireOnce    *gosync.Once

	foreground atomic.Bool
}

// New builds an inactive session.
func New(cfg Config, deps Deps) *Session {
	if cfg.FreshnessCheck <= 0 {
		cfg.FreshnessCheck = DefaultFreshnessCheck
	}
	permission := push.NewPermissionNegotiator(deps.Prompter, deps.State)
	registry := push.NewRegistry(deps.Gateway, deps.State)
	s := &Session{
		cfg:        cfg,
		deps:       deps,
		permission: permission,
		registry:   registry,
		channel: push.NewChannelManager(deps.Provider, deps.State, registry, push.ChannelConfig{
			Credential:    cfg.Credential,
			Device:        cfg.Device,
			Freshness:     cfg.Freshness,
			WorkerTimeout: cfg.WorkerTimeout,
			Retry:         cfg.TokenRetry,
			Permission:    permission,
		}),
	}
	s.foreground.Store(true)
	return s
}

// Init signs the customer in: it stores authToken, loads notifications
// and brings up push, falling back to polling when push is unavailable.
// Only an expired session is returned as an error, after which the
// caller should Teardown; every other failure degrades a feature and is
// logged.
func (s *Session) Init(ctx context.Context, authToken string) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return ErrActive
	}

	if authToken != "" && s.deps.Vault != nil {
		if err := s.deps.Vault.SetBearerToken(authToken); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("storing bearer token: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.notifications = notify.New(s.deps.Gateway, notify.Options{
		MaxRetained: s.cfg.MaxRetained,
		Cache:       s.deps.State,
	})
	s.toasts = toast.NewQueue(s.cfg.ToastTTL)
	s.poller = sync.New(s.notifications, s.cfg.PollInterval)
	s.expired = make(chan struct{})
	s.expireOnce = &gosync.Once{}
	s.unsubscribe = s.notifications.Subscribe(newPresenter(s.toasts, s.markExpired).handle)
	s.active = true
	notifications := s.notifications
	s.mu.Unlock()

	if err := notifications.Restore(ctx); err != nil {
		zlog.Logger.Warn().Err(err).Msg("restoring cached notifications failed")
	}

	if err := notifications.Load(ctx); err != nil && gateway.IsSessionExpired(err) {
		return err
	}

	s.startPush(ctx, runCtx)
	return nil
}

// startPush brings up the push channel when permitted, otherwise starts
// the polling fallback.
func (s *Session) startPush(ctx, runCtx context.Context) {
	if s.cfg.PushEnabled {
		s.permission.RequestPermission(ctx)
		if _, err := s.channel.Initialize(ctx); err != nil {
			if errors.Is(err, push.ErrPermissionDenied) {
				zlog.Logger.Info().Msg("notifications not permitted, polling instead")
			} else {
				zlog.Logger.Warn().Err(err).Bool("retryable", push.IsRetryable(err)).Msg("push channel unavailable, polling instead")
			}
		}
	}

	msgs := s.channel.Messages()
	if msgs == nil {
		s.poller.Start()
		return
	}

	s.poller.Stop()
	s.wg.Add(2)
	go s.receive(runCtx, msgs)
	go s.keepFresh(runCtx)
}

// keepFresh replaces the push token once it ages past the freshness
// window, for as long as the session runs.
func (s *Session) keepFresh(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FreshnessCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.channel.EnsureFresh(ctx); err != nil {
				zlog.Logger.Warn().Err(err).Msg("refreshing push token failed")
			}
		}
	}
}

// receive feeds push messages into the store until the session ends. A
// closed feed switches to polling.
func (s *Session) receive(ctx context.Context, msgs <-chan push.Message) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				zlog.Logger.Warn().Msg("push feed closed, polling instead")
				s.Poller().Start()
				return
			}
			s.handleMessage(ctx, msg)
		}
	}
}

func (s *Session) handleMessage(ctx context.Context, msg push.Message) {
	raw := make(map[string]any, len(msg.Data)+2)
	for k, v := range msg.Data {
		raw[k] = v
	}
	if alert := msg.Notification; alert != nil {
		if _, ok := raw["title"]; !ok && alert.Title != "" {
			raw["title"] = alert.Title
		}
		if _, ok := raw["message"]; !ok && alert.Body != "" {
			if _, ok := raw["body"]; !ok {
				raw["message"] = alert.Body
			}
		}
	}

	if ns := s.Notifications(); ns != nil {
		ns.Ingest(ctx, raw)
	}

	if msg.Notification != nil && !s.foreground.Load() &&
		s.permission.State() == model.PermissionGranted && s.deps.Alerter != nil {
		if err := s.deps.Alerter.Alert(*msg.Notification); err != nil {
			zlog.Logger.Warn().Err(err).Msg("showing platform alert failed")
		}
	}
}

// Teardown signs the customer out: it stops background work, revokes the
// push token, unregisters the device, and forgets the cached list and
// bearer credential. It is safe to call on an inactive session.
func (s *Session) Teardown(ctx context.Context) error {
	if !s.stop() {
		return nil
	}

	// Revoke first: Unregister clears the persisted token the revoke
	// falls back to when this process never brought push up.
	s.channel.Revoke(ctx)

	var errs []error
	if err := s.registry.Unregister(ctx); err != nil {
		errs = append(errs, err)
		if err := s.channel.Teardown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.deps.State != nil {
		if err := s.deps.State.ReplaceNotifications(ctx, nil); err != nil {
			errs = append(errs, fmt.Errorf("clearing notification cache: %w", err))
		}
	}
	if s.deps.Vault != nil {
		if err := s.deps.Vault.ClearBearerToken(); err != nil {
			errs = append(errs, fmt.Errorf("clearing bearer token: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close stops background work but keeps the device registered and the
// credential stored, so the next Init resumes where this one left off.
func (s *Session) Close() {
	s.stop()
}

// stop ends the active session's background work. It reports whether a
// session was active.
func (s *Session) stop() bool {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return false
	}
	s.active = false
	cancel, poller, toasts, unsubscribe := s.cancel, s.poller, s.toasts, s.unsubscribe
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	poller.Stop()
	unsubscribe()
	toasts.Close()
	return true
}

// SetForeground records whether the inbox is visible. Platform alerts are
// only raised while it is not.
func (s *Session) SetForeground(visible bool) {
	s.foreground.Store(visible)
}

// Active reports whether the session is signed in.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Notifications returns the current store, or nil before Init.
func (s *Session) Notifications() *notify.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifications
}

// Toasts returns the current toast queue, or nil before Init.
func (s *Session) Toasts() *toast.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toasts
}

// Poller returns the polling fallback, or nil before Init.
func (s *Session) Poller() *sync.Poller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poller
}

// PushAvailable reports whether push messages are being received.
func (s *Session) PushAvailable() bool {
	return s.channel.Available()
}

// Permission returns the current notification permission.
func (s *Session) Permission() model.PermissionState {
	return s.permission.State()
}

// Registration returns the last device registration, or nil.
func (s *Session) Registration(ctx context.Context) *model.DeviceRegistration {
	return s.registry.Current(ctx)
}

// Expired is closed when the backend reports the session as expired.
func (s *Session) Expired() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired
}

func (s *Session) markExpired() {
	s.mu.Lock()
	once, ch := s.expireOnce, s.expired
	s.mu.Unlock()
	if once == nil {
		return
	}
	once.Do(func() { close(ch) })
}
