package gateway

import "encoding/json"

// envelope is the standard portal response wrapper.
type envelope struct {
	Status  string          `json:"status"`
	Code    any             `json:"code"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

// RegisterDeviceRequest is the body of POST /notifications/register-device.
type RegisterDeviceRequest struct {
	Token      string `json:"token" validate:"required"`
	DeviceType string `json:"device_type" validate:"required"`
	DeviceName string `json:"device_name" validate:"required"`
	AppVersion string `json:"app_version" validate:"required"`
	SessionID  string `json:"session_id" validate:"required,uuid4"`
}

// RegisterDeviceResponse is the parsed answer to a registration call.
type RegisterDeviceResponse struct {
	DeviceID string
	Message  string

	// Raw is the untouched response body, persisted for diagnostics.
	Raw string
}

// UnregisterDeviceRequest is the body of POST /notifications/unregister-device.
type UnregisterDeviceRequest struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
}

type unreadCountData struct {
	Count       *int `json:"count"`
	UnreadCount *int `json:"unread_count"`
}
