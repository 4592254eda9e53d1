package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/aquaportal/internal/gateway"
	"github.com/nhle/aquaportal/internal/model"
	"github.com/nhle/aquaportal/internal/notify"
	"github.com/nhle/aquaportal/internal/push"
	"github.com/nhle/aquaportal/internal/testutil"
	"github.com/nhle/aquaportal/internal/toast"
)

type fakePortal struct {
	mu           sync.Mutex
	list         []model.Notification
	listErr      error
	markReadErr  error
	registerErr  error
	registered   []gateway.RegisterDeviceRequest
	unregistered []gateway.UnregisterDeviceRequest
}

func (p *fakePortal) List(ctx context.Context) ([]model.Notification, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	return append([]model.Notification(nil), p.list...), nil
}

func (p *fakePortal) UnreadCount(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, item := range p.list {
		if !item.Read {
			n++
		}
	}
	return n, nil
}

func (p *fakePortal) MarkRead(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.markReadErr
}

func (p *fakePortal) MarkAllRead(ctx context.Context) error { return nil }

func (p *fakePortal) Delete(ctx context.Context, id string) error { return nil }

func (p *fakePortal) RegisterDevice(ctx context.Context, req gateway.RegisterDeviceRequest) (*gateway.RegisterDeviceResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registered = append(p.registered, req)
	if p.registerErr != nil {
		return nil, p.registerErr
	}
	return &gateway.RegisterDeviceResponse{DeviceID: "dev-1", Raw: `{"status":"success"}`}, nil
}

func (p *fakePortal) UnregisterDevice(ctx context.Context, req gateway.UnregisterDeviceRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unregistered = append(p.unregistered, req)
	return nil
}

type activeWorker struct{}

func (activeWorker) State() push.WorkerState               { return push.WorkerActive }
func (activeWorker) StateChanges() <-chan push.WorkerState { return make(chan push.WorkerState) }

type instantProvider struct {
	mu           sync.Mutex
	messages     chan push.Message
	subscribes   int
	unsubscribed []string
}

func newInstantProvider() *instantProvider {
	return &instantProvider{messages: make(chan push.Message, 8)}
}

func (p *instantProvider) Supported() bool { return true }

func (p *instantProvider) RegisterWorker(ctx context.Context) (push.Worker, error) {
	return activeWorker{}, nil
}

func (p *instantProvider) Subscribe(ctx context.Context, credential string, worker push.Worker) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribes++
	return "tok-123456789", nil
}

func (p *instantProvider) subscribeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribes
}

func (p *instantProvider) Unsubscribe(ctx context.Context, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsubscribed = append(p.unsubscribed, token)
	return nil
}

func (p *instantProvider) Messages() <-chan push.Message { return p.messages }

type answerPrompter struct{ grant bool }

func (p answerPrompter) Supported() bool                        { return true }
func (p answerPrompter) Prompt(ctx context.Context) (bool, error) { return p.grant, nil }

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []push.Alert
}

func (a *recordingAlerter) Alert(alert push.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return nil
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

type memVault struct {
	mu    sync.Mutex
	token string
}

func (v *memVault) SetBearerToken(token string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.token = token
	return nil
}

func (v *memVault) ClearBearerToken() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.token = ""
	return nil
}

func (v *memVault) get() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.token
}

type fixture struct {
	portal   *fakePortal
	provider *instantProvider
	alerter  *recordingAlerter
	vault    *memVault
	deps     Deps
	cfg      Config
}

func newFixture(t *testing.T, pushEnabled, grant bool) *fixture {
	t.Helper()
	f := &fixture{
		portal: &fakePortal{list: []model.Notification{
			{ID: "1", Title: "Order placed", Message: "Your order is confirmed", Kind: model.KindInfo},
			{ID: "2", Title: "Invoice", Message: "Invoice paid", Kind: model.KindSuccess, Read: true},
		}},
		provider: newInstantProvider(),
		alerter:  &recordingAlerter{},
		vault:    &memVault{},
	}
	f.deps = Deps{
		Gateway:  f.portal,
		State:    testutil.NewTestStore(t),
		Vault:    f.vault,
		Provider: f.provider,
		Prompter: answerPrompter{grant: grant},
		Alerter:  f.alerter,
	}
	f.cfg = Config{
		PushEnabled:   pushEnabled,
		Credential:    "project-key",
		Device:        model.DeviceDescriptor{Type: "terminal", Name: "test-host", AppVersion: "1.0.0"},
		WorkerTimeout: time.Second,
		ToastTTL:      time.Minute,
		PollInterval:  time.Hour,
	}
	return f
}

func (f *fixture) start(t *testing.T) *Session {
	t.Helper()
	s := New(f.cfg, f.deps)
	require.NoError(t, s.Init(context.Background(), "bearer-abc"))
	t.Cleanup(func() { _ = s.Teardown(context.Background()) })
	return s
}

func TestSession_InitWithoutPushPolls(t *testing.T) {
	f := newFixture(t, false, true)
	s := f.start(t)

	assert.True(t, s.Active())
	assert.Equal(t, "bearer-abc", f.vault.get())
	assert.Equal(t, 1, s.Notifications().UnreadCount())
	assert.Len(t, s.Notifications().Snapshot(), 2)
	assert.False(t, s.PushAvailable())
	assert.True(t, s.Poller().Running())
	assert.Empty(t, s.Toasts().Entries(), "the first load does not toast")
}

func TestSession_PermissionDeniedPolls(t *testing.T) {
	f := newFixture(t, true, false)
	s := f.start(t)

	assert.Equal(t, model.PermissionDenied, s.Permission())
	assert.False(t, s.PushAvailable())
	assert.True(t, s.Poller().Running())
}

func TestSession_PushDeliversIntoStoreAndToasts(t *testing.T) {
	f := newFixture(t, true, true)
	s := f.start(t)

	require.True(t, s.PushAvailable())
	assert.False(t, s.Poller().Running())

	reg := s.Registration(context.Background())
	require.NotNil(t, reg)
	assert.Equal(t, model.RegistrationRemoteConfirmed, reg.Status)

	f.provider.messages <- push.Message{
		Data:         map[string]any{"id": "3", "read": false},
		Notification: &push.Alert{Title: "Delivery", Body: "Arriving tomorrow"},
	}

	require.Eventually(t, func() bool {
		_, ok := s.Notifications().Get("3")
		return ok
	}, time.Second, 5*time.Millisecond)

	n, _ := s.Notifications().Get("3")
	assert.Equal(t, "Delivery", n.Title)
	assert.Equal(t, "Arriving tomorrow", n.Message)
	assert.Equal(t, 2, s.Notifications().UnreadCount())
	assert.Eventually(t, func() bool { return s.Toasts().Seen("3") }, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.alerter.count(), "no platform alert while in the foreground")
}

func TestSession_BackgroundMessageRaisesAlert(t *testing.T) {
	f := newFixture(t, true, true)
	s := f.start(t)
	s.SetForeground(false)

	f.provider.messages <- push.Message{
		Data:         map[string]any{"id": "4", "read": false},
		Notification: &push.Alert{Title: "Water quality", Body: "Report ready"},
	}

	assert.Eventually(t, func() bool { return f.alerter.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSession_StaleTokenRefreshedWhileRunning(t *testing.T) {
	f := newFixture(t, true, true)
	f.cfg.Freshness = time.Millisecond
	f.cfg.FreshnessCheck = 5 * time.Millisecond
	s := f.start(t)

	require.True(t, s.PushAvailable())
	assert.Eventually(t, func() bool { return f.provider.subscribeCount() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestSession_DeniedPermissionNeverTouchesProvider(t *testing.T) {
	f := newFixture(t, true, false)
	f.cfg.FreshnessCheck = 5 * time.Millisecond
	s := f.start(t)

	assert.False(t, s.PushAvailable())
	assert.Zero(t, f.provider.subscribeCount())
}

func TestSession_ClosedFeedFallsBackToPolling(t *testing.T) {
	f := newFixture(t, true, true)
	s := f.start(t)
	require.False(t, s.Poller().Running())

	close(f.provider.messages)

	assert.Eventually(t, func() bool { return s.Poller().Running() }, time.Second, 5*time.Millisecond)
}

func TestSession_RegistrationFailureStaysLocal(t *testing.T) {
	f := newFixture(t, true, true)
	f.portal.registerErr = &gateway.RemoteError{StatusCode: 500, Message: "boom"}
	s := f.start(t)

	assert.True(t, s.PushAvailable())
	reg := s.Registration(context.Background())
	require.NotNil(t, reg)
	assert.Equal(t, model.RegistrationLocalOnly, reg.Status)
}

func TestSession_ExpiredOnLoadFailsInit(t *testing.T) {
	f := newFixture(t, false, false)
	f.portal.listErr = &gateway.SessionExpiredError{Message: "Unauthenticated."}

	s := New(f.cfg, f.deps)
	t.Cleanup(func() { _ = s.Teardown(context.Background()) })

	err := s.Init(context.Background(), "bearer-abc")
	require.Error(t, err)
	assert.True(t, gateway.IsSessionExpired(err))

	select {
	case <-s.Expired():
	case <-time.After(time.Second):
		t.Fatal("expiry not signalled")
	}
}

func TestSession_TeardownAfterExpiredInitRevokesPersistedToken(t *testing.T) {
	f := newFixture(t, true, true)
	f.portal.listErr = &gateway.SessionExpiredError{Message: "Unauthenticated."}
	ctx := context.Background()
	require.NoError(t, f.deps.State.SaveSubscription(ctx, model.PushSubscription{
		Token:    "tok-persisted",
		IssuedAt: time.Now(),
		Device:   f.cfg.Device,
		Status:   model.RegistrationRemoteConfirmed,
	}))

	s := New(f.cfg, f.deps)
	require.Error(t, s.Init(ctx, "bearer-abc"))
	require.NoError(t, s.Teardown(ctx))

	assert.Equal(t, []string{"tok-persisted"}, f.provider.unsubscribed)
	require.Len(t, f.portal.unregistered, 1)
	assert.Equal(t, "tok-persisted", f.portal.unregistered[0].Token)
	sub, err := f.deps.State.GetSubscription(ctx)
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestSession_LoadFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, false, false)
	f.portal.listErr = &gateway.NetworkError{Method: "GET", Path: "/notifications", Err: errors.New("refused")}

	s := f.start(t)

	assert.True(t, s.Active())
	assert.Empty(t, s.Notifications().Snapshot())
}

func TestSession_DoubleInit(t *testing.T) {
	f := newFixture(t, false, false)
	s := f.start(t)

	assert.ErrorIs(t, s.Init(context.Background(), "other"), ErrActive)
}

func TestSession_TeardownClearsEverything(t *testing.T) {
	f := newFixture(t, true, true)
	s := New(f.cfg, f.deps)
	ctx := context.Background()
	require.NoError(t, s.Init(ctx, "bearer-abc"))
	require.True(t, s.PushAvailable())

	require.NoError(t, s.Teardown(ctx))

	assert.False(t, s.Active())
	assert.False(t, s.PushAvailable())
	assert.Empty(t, f.vault.get())
	assert.Equal(t, []string{"tok-123456789"}, f.provider.unsubscribed)
	require.Len(t, f.portal.unregistered, 1)
	assert.Equal(t, "tok-123456789", f.portal.unregistered[0].Token)

	sub, err := f.deps.State.GetSubscription(ctx)
	require.NoError(t, err)
	assert.Nil(t, sub)
	cached, err := f.deps.State.GetNotifications(ctx)
	require.NoError(t, err)
	assert.Empty(t, cached)
	assert.Equal(t, model.PermissionGranted, s.Permission(), "permission outlives the session")

	require.NoError(t, s.Teardown(ctx), "teardown is idempotent")
}

func TestSession_ReinitAfterTeardown(t *testing.T) {
	f := newFixture(t, false, false)
	s := New(f.cfg, f.deps)
	ctx := context.Background()

	require.NoError(t, s.Init(ctx, "first"))
	first := s.Notifications()
	require.NoError(t, s.Teardown(ctx))

	require.NoError(t, s.Init(ctx, "second"))
	t.Cleanup(func() { _ = s.Teardown(ctx) })

	assert.NotSame(t, first, s.Notifications())
	assert.Equal(t, "second", f.vault.get())
}

func TestPresenter(t *testing.T) {
	q := toast.NewQueue(time.Minute)
	t.Cleanup(q.Close)
	expired := 0
	p := newPresenter(q, func() { expired++ })

	n := model.Notification{ID: "9", Title: "Leak alert", Message: "Check meter"}
	p.handle(notify.Event{Type: notify.EventIngested, New: true, Notification: &n})
	p.handle(notify.Event{Type: notify.EventIngested, New: false, Notification: &n})
	p.handle(notify.Event{Type: notify.EventLoaded, Added: []model.Notification{{ID: "10"}, {ID: "11", Read: true}}})
	p.handle(notify.Event{Type: notify.EventSynced, Op: notify.OpMarkRead, ID: "9"})
	p.handle(notify.Event{Type: notify.EventSyncFailed, Op: notify.OpDelete, Err: &gateway.RemoteError{Message: "Not allowed"}})
	p.handle(notify.Event{Type: notify.EventSyncFailed, Op: notify.OpLoad, Err: errors.New("offline")})
	p.handle(notify.Event{Type: notify.EventSessionExpired})

	entries := q.Entries()
	messages := make([]string, 0, len(entries))
	for _, e := range entries {
		messages = append(messages, e.Message)
	}

	assert.True(t, q.Seen("9"))
	assert.True(t, q.Seen("10"))
	assert.False(t, q.Seen("11"))
	assert.Contains(t, messages, "Marked as read")
	assert.Contains(t, messages, "Not allowed")
	assert.NotContains(t, messages, "Could not load notifications")
	assert.Len(t, entries, 4)
	assert.Equal(t, 1, expired)
}

func TestSession_CloseKeepsRegistration(t *testing.T) {
	f := newFixture(t, true, true)
	s := New(f.cfg, f.deps)
	ctx := context.Background()
	require.NoError(t, s.Init(ctx, "bearer-abc"))

	s.Close()

	assert.False(t, s.Active())
	assert.Equal(t, "bearer-abc", f.vault.get())
	assert.Empty(t, f.portal.unregistered)
	sub, err := f.deps.State.GetSubscription(ctx)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "tok-123456789", sub.Token)
}

func TestSession_CachedListThenLoadToastsOnlyNewEntries(t *testing.T) {
	f := newFixture(t, false, false)
	f.deps.State = testutil.NewTestStore(t, model.Notification{ID: "1", Title: "Order placed", Kind: model.KindInfo})
	f.portal.list = append(f.portal.list, model.Notification{ID: "5", Title: "Driver assigned", Kind: model.KindInfo})

	s := f.start(t)

	assert.Len(t, s.Notifications().Snapshot(), 3)
	assert.False(t, s.Toasts().Seen("1"), "already known from the cache")
	assert.False(t, s.Toasts().Seen("2"), "read entries never toast")
	assert.True(t, s.Toasts().Seen("5"))
}
