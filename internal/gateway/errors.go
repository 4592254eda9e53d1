package gateway

import (
	"errors"
	"fmt"
)

// ErrMalformedPayload is returned when a response body cannot be
// normalized into the shape an operation expects.
var ErrMalformedPayload = errors.New("malformed payload")

// SessionExpiredError indicates that the portal rejected the bearer
// credential. The stored credential has already been cleared when this
// error is returned.
type SessionExpiredError struct {
	Message string
}

func (e *SessionExpiredError) Error() string {
	if e.Message == "" {
		return "session expired"
	}
	return "session expired: " + e.Message
}

// RemoteError is any other non-success answer from the portal.
type RemoteError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("portal error (%d) on %s %s: %s",
		e.StatusCode, e.Method, e.Path, e.Message)
}

// NetworkError wraps transport failures (DNS, refused connection,
// timeout) that never produced an HTTP response.
type NetworkError struct {
	Method string
	Path   string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error on %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsSessionExpired reports whether err (or any error in its chain) is a
// SessionExpiredError.
func IsSessionExpired(err error) bool {
	var target *SessionExpiredError
	return errors.As(err, &target)
}

// IsNetworkError reports whether err is a transport failure.
func IsNetworkError(err error) bool {
	var target *NetworkError
	return errors.As(err, &target)
}

// IsRemoteError reports whether err is a non-success portal response.
func IsRemoteError(err error) bool {
	var target *RemoteError
	return errors.As(err, &target)
}
