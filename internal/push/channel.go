package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/nhle/aquaportal/internal/model"
	"github.com/nhle/aquaportal/internal/store"
)

// DefaultWorkerTimeout bounds the wait for a worker to become active.
const DefaultWorkerTimeout = 10 * time.Second

// DefaultTokenRetry is used when ChannelConfig.Retry has no attempts.
var DefaultTokenRetry = retry.Strategy{Attempts: 3, Delay: 500 * time.Millisecond}

// Registrar hands a fresh token to the backend.
type Registrar interface {
	Register(ctx context.Context, sub model.PushSubscription) (*model.DeviceRegistration, error)
}

// ChannelConfig configures a ChannelManager.
type ChannelConfig struct {
	// Credential is the project key tokens are issued against.
	Credential    string
	Device        model.DeviceDescriptor
	Freshness     time.Duration
	WorkerTimeout time.Duration
	Retry         retry.Strategy
	// Permission, when set, gates every operation that issues or
	// refreshes a token on a granted answer.
	Permission PermissionSource
}

// PermissionSource reports the customer's current permission answer.
type PermissionSource interface {
	State() model.PermissionState
}

// ChannelManager brings the push channel up and down. Every failure
// leaves push unavailable and is returned as a classified error; none
// of them is fatal to the rest of the client.
type ChannelManager struct {
	provider Provider
	state    store.PushState
	registry Registrar
	cfg      ChannelConfig

	mu        sync.Mutex
	worker    Worker
	sub       *model.PushSubscription
	available bool

	now func() time.Time
}

// NewChannelManager creates a manager. provider may be nil on platforms
// without push.
func NewChannelManager(provider Provider, state store.PushState, registry Registrar, cfg ChannelConfig) *ChannelManager {
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = DefaultWorkerTimeout
	}
	if cfg.Freshness <= 0 {
		cfg.Freshness = model.DefaultTokenFreshness
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = DefaultTokenRetry
	}
	return &ChannelManager{
		provider: provider,
		state:    state,
		registry: registry,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (m *ChannelManager) supported() bool {
	return m.provider != nil && m.provider.Supported()
}

func (m *ChannelManager) permitted() bool {
	return m.cfg.Permission == nil || m.cfg.Permission.State() == model.PermissionGranted
}

// Initialize activates the worker, obtains a token and registers it.
// A fresh persisted token is reattached when the provider supports it;
// a stale one is replaced. On an unsupported platform it returns nil,
// nil and push stays off. Without permission it returns
// ErrPermissionDenied.
func (m *ChannelManager) Initialize(ctx context.Context) (*model.PushSubscription, error) {
	if !m.supported() {
		zlog.Logger.Info().Msg("push messaging not supported, continuing without push")
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.permitted() {
		m.available = false
		return nil, ErrPermissionDenied
	}

	worker, err := m.activeWorkerLocked(ctx)
	if err != nil {
		return nil, m.failLocked(err)
	}

	persisted, err := m.state.GetSubscription(ctx)
	if err != nil {
		zlog.Logger.Warn().Err(err).Msg("reading persisted subscription failed")
		persisted = nil
	}

	if persisted != nil && !persisted.IsStale(m.now(), m.cfg.Freshness) {
		if resumer, ok := m.provider.(Resumer); ok {
			if err := resumer.Resume(ctx, persisted.Token, worker); err == nil {
				resumed := *persisted
				resumed.Device = m.cfg.Device
				return m.registerLocked(ctx, resumed)
			}
			zlog.Logger.Warn().Err(err).Str("token", persisted.TokenHint()).Msg("resuming push token failed")
		}
	}

	return m.subscribeLocked(ctx, worker, persisted)
}

// Refresh unconditionally activates the worker, issues a new token and
// registers it. The previous token, if any, is revoked afterwards. It
// does nothing without permission.
func (m *ChannelManager) Refresh(ctx context.Context) (*model.PushSubscription, error) {
	if !m.supported() || !m.permitted() {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	worker, err := m.activeWorkerLocked(ctx)
	if err != nil {
		return nil, m.failLocked(err)
	}

	previous := m.sub
	if previous == nil {
		previous, _ = m.state.GetSubscription(ctx)
	}
	return m.subscribeLocked(ctx, worker, previous)
}

// EnsureFresh refreshes the token when it is older than the freshness
// window and otherwise returns the current subscription. It does
// nothing without permission.
func (m *ChannelManager) EnsureFresh(ctx context.Context) (*model.PushSubscription, error) {
	if !m.supported() || !m.permitted() {
		return nil, nil
	}

	m.mu.Lock()
	sub := m.sub
	m.mu.Unlock()

	if sub == nil {
		persisted, err := m.state.GetSubscription(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading subscription: %w", err)
		}
		if persisted == nil {
			return nil, nil
		}
		sub = persisted
	}

	if !sub.IsStale(m.now(), m.cfg.Freshness) {
		c := *sub
		return &c, nil
	}

	zlog.Logger.Info().Str("token", sub.TokenHint()).Msg("push token is stale, refreshing")
	return m.Refresh(ctx)
}

// Revoke revokes the current token with the provider, falling back to
// the persisted one, and marks push unavailable. Persisted state is left
// for the registry to unregister and clear. A failed revoke is logged.
func (m *ChannelManager) Revoke(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revokeLocked(ctx)
}

// Teardown revokes the token with the provider and clears the persisted
// subscription. A failed revoke is logged; local cleanup still happens.
func (m *ChannelManager) Teardown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.revokeLocked(ctx)

	if m.state == nil {
		return nil
	}
	if err := m.state.ClearPushState(ctx); err != nil {
		return fmt.Errorf("clearing push state: %w", err)
	}
	return nil
}

func (m *ChannelManager) revokeLocked(ctx context.Context) {
	sub := m.sub
	if sub == nil && m.state != nil {
		sub, _ = m.state.GetSubscription(ctx)
	}

	if sub != nil && m.provider != nil {
		if err := m.provider.Unsubscribe(ctx, sub.Token); err != nil {
			zlog.Logger.Warn().Err(err).Str("token", sub.TokenHint()).Msg("revoking push token failed")
		}
	}

	m.sub = nil
	m.worker = nil
	m.available = false
}

// Available reports whether push messages are being received. A worker
// that went redundant since activation makes push unavailable.
func (m *ChannelManager) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available && (m.worker == nil || m.worker.State() == WorkerActive)
}

// Subscription returns the active subscription, or nil.
func (m *ChannelManager) Subscription() *model.PushSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub == nil {
		return nil
	}
	c := *m.sub
	return &c
}

// Messages returns the inbound message feed, or nil while push is
// unavailable.
func (m *ChannelManager) Messages() <-chan Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return nil
	}
	return m.provider.Messages()
}

func (m *ChannelManager) subscribeLocked(ctx context.Context, worker Worker, previous *model.PushSubscription) (*model.PushSubscription, error) {
	var token string
	err := retry.Do(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, err := m.provider.Subscribe(ctx, m.cfg.Credential, worker)
		if err != nil {
			return err
		}
		if t == "" {
			return errors.New("provider returned an empty token")
		}
		token = t
		return nil
	}, m.cfg.Retry)
	if err != nil {
		return nil, m.failLocked(fmt.Errorf("%w: %w", ErrTokenAcquisitionFailed, err))
	}

	sub := model.PushSubscription{
		Token:    token,
		IssuedAt: m.now(),
		Device:   m.cfg.Device,
		Status:   model.RegistrationNone,
	}
	if err := m.state.SaveSubscription(ctx, sub); err != nil {
		return nil, m.failLocked(fmt.Errorf("saving subscription: %w", err))
	}

	if previous != nil && previous.Token != "" && previous.Token != token {
		if err := m.provider.Unsubscribe(ctx, previous.Token); err != nil {
			zlog.Logger.Warn().Err(err).Str("token", previous.TokenHint()).Msg("revoking previous push token failed")
		}
	}

	return m.registerLocked(ctx, sub)
}

func (m *ChannelManager) registerLocked(ctx context.Context, sub model.PushSubscription) (*model.PushSubscription, error) {
	if m.registry != nil {
		reg, err := m.registry.Register(ctx, sub)
		if err != nil {
			zlog.Logger.Warn().Err(err).Str("token", sub.TokenHint()).Msg("device registration failed")
		} else {
			sub.Status = reg.Status
		}
	}

	m.sub = &sub
	m.available = true
	c := sub
	return &c, nil
}

// activeWorkerLocked returns an active worker, reusing the current one
// when it is still active.
func (m *ChannelManager) activeWorkerLocked(ctx context.Context) (Worker, error) {
	if m.worker != nil && m.worker.State() == WorkerActive {
		return m.worker, nil
	}

	worker, err := m.provider.RegisterWorker(ctx)
	if err != nil {
		return nil, fmt.Errorf("registering push worker: %w", err)
	}
	if err := waitActive(ctx, worker, m.cfg.WorkerTimeout); err != nil {
		return nil, err
	}

	m.worker = worker
	return worker, nil
}

func (m *ChannelManager) failLocked(err error) error {
	m.available = false
	zlog.Logger.Warn().Err(err).Msg("push unavailable")
	return err
}

// waitActive blocks until worker reports WorkerActive, listening to its
// lifecycle changes rather than polling.
func waitActive(ctx context.Context, worker Worker, timeout time.Duration) error {
	changes := worker.StateChanges()
	if worker.State() == WorkerActive {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case state, ok := <-changes:
			if !ok {
				return fmt.Errorf("%w: worker went away", ErrWorkerLifecycleTimeout)
			}
			switch state {
			case WorkerActive:
				return nil
			case WorkerRedundant:
				return fmt.Errorf("%w: worker became redundant", ErrWorkerLifecycleTimeout)
			}
		case <-timer.C:
			return fmt.Errorf("%w after %s", ErrWorkerLifecycleTimeout, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
