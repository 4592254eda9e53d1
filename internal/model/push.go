package model

import "time"

// PermissionState is the notification permission as reported by the
// platform.
type PermissionState string

const (
	PermissionDefault PermissionState = "default"
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
)

// RegistrationStatus records how far a push token made it towards the
// backend's device table.
type RegistrationStatus string

const (
	RegistrationNone            RegistrationStatus = "none"
	RegistrationLocalOnly       RegistrationStatus = "local-only"
	RegistrationRemoteConfirmed RegistrationStatus = "remote-confirmed"
)

// DefaultTokenFreshness is how long a subscription token is trusted
// before it has to be refreshed.
const DefaultTokenFreshness = 7 * 24 * time.Hour

// DeviceDescriptor identifies the client installation to the backend.
type DeviceDescriptor struct {
	Type       string `json:"device_type" mapstructure:"device_type" yaml:"device_type"`
	Name       string `json:"device_name" mapstructure:"device_name" yaml:"device_name"`
	AppVersion string `json:"app_version" mapstructure:"app_version" yaml:"app_version"`
}

// PushSubscription is the locally held push token and where it stands.
type PushSubscription struct {
	Token    string             `json:"-"`
	IssuedAt time.Time          `json:"issued_at"`
	Device   DeviceDescriptor   `json:"device"`
	Status   RegistrationStatus `json:"status"`
}

// IsStale reports whether the token is older than the freshness window.
func (s PushSubscription) IsStale(now time.Time, freshness time.Duration) bool {
	if freshness <= 0 {
		freshness = DefaultTokenFreshness
	}
	return s.IssuedAt.IsZero() || now.Sub(s.IssuedAt) > freshness
}

// TokenHint returns the last four characters of the token for logging.
func (s PushSubscription) TokenHint() string {
	if len(s.Token) <= 4 {
		return s.Token
	}
	return "…" + s.Token[len(s.Token)-4:]
}

// DeviceRegistration is the outcome of one registration attempt.
type DeviceRegistration struct {
	// SessionID is generated per attempt and never reused.
	SessionID string `json:"session_id"`

	// Status is remote-confirmed or local-only.
	Status RegistrationStatus `json:"status"`

	// DeviceID is the backend device row id, when one was returned.
	DeviceID string `json:"device_id,omitempty"`

	// Response is the raw body of the last registration response.
	Response string `json:"response,omitempty"`

	// RegisteredAt is when the attempt finished.
	RegisteredAt time.Time `json:"registered_at"`
}
