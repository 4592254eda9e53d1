package push

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/nhle/aquaportal/internal/gateway"
	"github.com/nhle/aquaportal/internal/model"
	"github.com/nhle/aquaportal/internal/store"
)

// DeviceGateway is the part of the portal API that records devices.
type DeviceGateway interface {
	RegisterDevice(ctx context.Context, req gateway.RegisterDeviceRequest) (*gateway.RegisterDeviceResponse, error)
	UnregisterDevice(ctx context.Context, req gateway.UnregisterDeviceRequest) error
}

// Registry records push tokens in the backend's device table.
//
// Backend trouble never fails a registration: the token is usable
// locally whether or not the server confirmed it, so any remote failure
// results in a local-only registration.
type Registry struct {
	gw       DeviceGateway
	state    store.PushState
	validate *validator.Validate

	mu      sync.Mutex
	current *model.DeviceRegistration

	now func() time.Time
}

// NewRegistry creates a registry persisting into state.
func NewRegistry(gw DeviceGateway, state store.PushState) *Registry {
	return &Registry{
		gw:       gw,
		state:    state,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Register records sub with the backend under a fresh session id.
func (r *Registry) Register(ctx context.Context, sub model.PushSubscription) (*model.DeviceRegistration, error) {
	req := gateway.RegisterDeviceRequest{
		Token:      sub.Token,
		DeviceType: sub.Device.Type,
		DeviceName: sub.Device.Name,
		AppVersion: sub.Device.AppVersion,
		SessionID:  uuid.NewString(),
	}
	if err := r.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid device registration: %w", err)
	}

	reg := model.DeviceRegistration{
		SessionID: req.SessionID,
		Status:    model.RegistrationLocalOnly,
	}

	resp, err := r.gw.RegisterDevice(ctx, req)
	if err != nil {
		zlog.Logger.Warn().
			Err(fmt.Errorf("%w: %w", ErrRemoteRegistrationFailed, err)).
			Str("token", sub.TokenHint()).
			Msg("device kept as local-only registration")
	} else {
		reg.Status = model.RegistrationRemoteConfirmed
		reg.DeviceID = resp.DeviceID
		reg.Response = resp.Raw
	}
	reg.RegisteredAt = r.now()

	sub.Status = reg.Status
	if err := r.state.SaveSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("saving subscription: %w", err)
	}
	if err := r.state.SaveRegistration(ctx, reg); err != nil {
		return nil, fmt.Errorf("saving registration: %w", err)
	}

	r.mu.Lock()
	r.current = &reg
	r.mu.Unlock()

	return &reg, nil
}

// Unregister asks the backend to forget the device and clears the local
// push state whatever the backend answers.
func (r *Registry) Unregister(ctx context.Context) error {
	sub, err := r.state.GetSubscription(ctx)
	if err != nil {
		zlog.Logger.Warn().Err(err).Msg("reading subscription for unregister failed")
	}
	reg, err := r.state.GetRegistration(ctx)
	if err != nil {
		zlog.Logger.Warn().Err(err).Msg("reading registration for unregister failed")
	}

	if sub != nil {
		req := gateway.UnregisterDeviceRequest{Token: sub.Token}
		if reg != nil {
			req.SessionID = reg.SessionID
		}
		if err := r.gw.UnregisterDevice(ctx, req); err != nil {
			zlog.Logger.Warn().Err(err).Str("token", sub.TokenHint()).Msg("unregister device failed")
		}
	}

	r.mu.Lock()
	r.current = nil
	r.mu.Unlock()

	if err := r.state.ClearPushState(ctx); err != nil {
		return fmt.Errorf("clearing push state: %w", err)
	}
	return nil
}

// Current returns the last registration made by this registry, falling
// back to the persisted one.
func (r *Registry) Current(ctx context.Context) *model.DeviceRegistration {
	r.mu.Lock()
	current := r.current
	r.mu.Unlock()
	if current != nil {
		c := *current
		return &c
	}

	reg, err := r.state.GetRegistration(ctx)
	if err != nil {
		zlog.Logger.Warn().Err(err).Msg("reading registration failed")
		return nil
	}
	return reg
}
