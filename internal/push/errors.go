package push

import "errors"

var (
	// ErrPermissionDenied means the customer refused notifications. Push
	// stays disabled and is not retried.
	ErrPermissionDenied = errors.New("notification permission denied")

	// ErrUnsupportedPlatform means no push provider is available.
	ErrUnsupportedPlatform = errors.New("push messaging not supported")

	// ErrWorkerLifecycleTimeout means the background worker did not reach
	// the active phase in time. Retryable.
	ErrWorkerLifecycleTimeout = errors.New("push worker did not become active")

	// ErrTokenAcquisitionFailed means the provider did not hand out a
	// subscription token. Retryable via Refresh.
	ErrTokenAcquisitionFailed = errors.New("push token acquisition failed")

	// ErrRemoteRegistrationFailed means the backend did not confirm the
	// device. The registration still stands locally.
	ErrRemoteRegistrationFailed = errors.New("remote device registration failed")
)

// IsRetryable reports whether a later Refresh may succeed where err
// failed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrWorkerLifecycleTimeout) || errors.Is(err, ErrTokenAcquisitionFailed)
}
