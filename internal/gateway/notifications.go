package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/wb-go/wbf/zlog"

	"github.com/nhle/aquaportal/internal/model"
)

// List fetches the customer's notifications. A response that cannot be
// normalized yields an empty list together with ErrMalformedPayload.
func (c *Client) List(ctx context.Context) ([]model.Notification, error) {
	body, err := c.get(ctx, "/notifications")
	if err != nil {
		return nil, err
	}

	list, err := NormalizeList(body, c.now())
	if err != nil {
		zlog.Logger.Warn().Err(err).Msg("notification list did not normalize")
		return list, err
	}
	return list, nil
}

// UnreadCount fetches the server-side unread counter.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	body, err := c.get(ctx, "/notifications/unread-count")
	if err != nil {
		return 0, err
	}
	return parseUnreadCount(body)
}

// MarkRead marks a single notification read on the server.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	_, err := c.post(ctx, "/notifications/"+url.PathEscape(id)+"/mark-read", nil)
	return err
}

// MarkAllRead marks every notification read on the server.
func (c *Client) MarkAllRead(ctx context.Context) error {
	_, err := c.post(ctx, "/notifications/mark-all-read", nil)
	return err
}

// Delete removes a notification on the server.
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.delete(ctx, "/notifications/"+url.PathEscape(id))
	return err
}

// RegisterDevice records a push token in the backend's device table.
func (c *Client) RegisterDevice(
	ctx context.Context,
	req RegisterDeviceRequest,
) (*RegisterDeviceResponse, error) {
	body, err := c.post(ctx, "/notifications/register-device", req)
	if err != nil {
		return nil, err
	}

	resp, err := parseRegisterDevice(body)
	if err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	return resp, nil
}

// UnregisterDevice removes a push token from the backend's device table.
func (c *Client) UnregisterDevice(ctx context.Context, req UnregisterDeviceRequest) error {
	_, err := c.post(ctx, "/notifications/unregister-device", req)
	return err
}

// IsMalformed reports whether err stems from an unparseable response.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedPayload)
}
