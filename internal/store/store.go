package store

import (
	"context"

	"github.com/nhle/aquaportal/internal/model"
)

// Keys of the push_state table.
const (
	KeySubscriptionToken    = "subscription_token"
	KeyTokenIssuedAt        = "token_issued_at"
	KeyDeviceRegistered     = "device_registered"
	KeySessionID            = "session_id"
	KeyRegistrationResponse = "registration_response"
	KeyRegistrationStatus   = "registration_status"
	KeyDeviceID             = "device_id"
	KeyRegisteredAt         = "registered_at"
	KeyDeviceType           = "device_type"
	KeyDeviceName           = "device_name"
	KeyAppVersion           = "app_version"
	KeyPermissionState      = "permission_state"
)

// PushState persists the push subscription and device registration.
// Nothing outside the push package reads these keys directly.
type PushState interface {
	GetSubscription(ctx context.Context) (*model.PushSubscription, error)
	SaveSubscription(ctx context.Context, sub model.PushSubscription) error
	GetRegistration(ctx context.Context) (*model.DeviceRegistration, error)
	SaveRegistration(ctx context.Context, reg model.DeviceRegistration) error
	ClearPushState(ctx context.Context) error
}

// PermissionStore remembers the customer's answer to the notification
// permission prompt. It survives ClearPushState.
type PermissionStore interface {
	GetPermission(ctx context.Context) (model.PermissionState, error)
	SavePermission(ctx context.Context, state model.PermissionState) error
}

// NotificationCache keeps the last server snapshot so the inbox has
// something to show before the first load completes.
type NotificationCache interface {
	ReplaceNotifications(ctx context.Context, list []model.Notification) error
	GetNotifications(ctx context.Context) ([]model.Notification, error)
}

// Store is the full local persistence interface.
type Store interface {
	PushState
	PermissionStore
	NotificationCache
	Close() error
}
