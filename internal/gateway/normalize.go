package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nhle/aquaportal/internal/model"
)

// listKeys are the object keys under which the portal has been seen to
// nest a notification array.
var listKeys = []string{"data", "notifications", "items"}

// NormalizeList converts any of the notification list shapes the portal
// produces into a canonical slice:
//
//	[ {...}, ... ]
//	{"data": [ ... ]}
//	{"data": {"notifications": [ ... ]}}
//	{"data": {"data": [ ... ]}}          (paginated)
//	{"notifications": [ ... ]}
//
// Anything else, including arrays containing non-objects, yields an
// empty slice and ErrMalformedPayload. Partial results are never
// returned.
func NormalizeList(body []byte, now time.Time) ([]model.Notification, error) {
	var root any
	if err := json.Unmarshal(body, &root); err != nil {
		return []model.Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	items, ok := findList(root, 0)
	if !ok {
		return []model.Notification{}, fmt.Errorf("%w: no notification list in response", ErrMalformedPayload)
	}

	out := make([]model.Notification, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return []model.Notification{}, fmt.Errorf("%w: element %d is %T, not an object", ErrMalformedPayload, i, item)
		}
		out = append(out, model.NotificationFromMap(obj, now))
	}

	return out, nil
}

// findList walks at most two levels of wrapper objects looking for the
// notification array.
func findList(v any, depth int) ([]any, bool) {
	switch val := v.(type) {
	case []any:
		return val, true
	case map[string]any:
		if depth >= 2 {
			return nil, false
		}
		for _, key := range listKeys {
			inner, ok := val[key]
			if !ok || inner == nil {
				continue
			}
			if list, ok := findList(inner, depth+1); ok {
				return list, true
			}
		}
	}
	return nil, false
}

// parseUnreadCount accepts {"data":{"count":n}}, {"data":n},
// {"count":n} and {"unread_count":n}.
func parseUnreadCount(body []byte) (int, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if len(env.Data) > 0 {
		var n int
		if err := json.Unmarshal(env.Data, &n); err == nil {
			return n, nil
		}
		var data unreadCountData
		if err := json.Unmarshal(env.Data, &data); err == nil {
			if data.Count != nil {
				return *data.Count, nil
			}
			if data.UnreadCount != nil {
				return *data.UnreadCount, nil
			}
		}
	}

	var top unreadCountData
	if err := json.Unmarshal(body, &top); err == nil {
		if top.Count != nil {
			return *top.Count, nil
		}
		if top.UnreadCount != nil {
			return *top.UnreadCount, nil
		}
	}

	return 0, fmt.Errorf("%w: no unread count in response", ErrMalformedPayload)
}

// parseRegisterDevice extracts the device id from a registration
// response. A body that is not a JSON object is malformed; a missing
// device id is tolerated.
func parseRegisterDevice(body []byte) (*RegisterDeviceResponse, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	resp := &RegisterDeviceResponse{
		Message: env.Message,
		Raw:     string(body),
	}

	if len(env.Data) > 0 {
		var data map[string]any
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: data is not an object", ErrMalformedPayload)
		}
		resp.DeviceID = idString(data["device_id"])
		if resp.DeviceID == "" {
			resp.DeviceID = idString(data["id"])
		}
	}

	return resp, nil
}

func idString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return ""
	}
}
