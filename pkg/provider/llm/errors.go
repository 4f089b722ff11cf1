package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors forming the provider failure taxonomy. Adapters wrap their
// backend failures in exactly one of these via [WrapUnavailable],
// [WrapRejected], [WrapTimeout], or [Classify]; callers test with errors.Is
// and surface the failure unchanged — no automatic retry at this layer.
var (
	// ErrUnavailable marks network and authentication failures: the backend
	// could not be reached or refused the credentials.
	ErrUnavailable = errors.New("provider unavailable")

	// ErrRejected marks semantic rejections (4xx-class): the backend was
	// reached but refused the request content.
	ErrRejected = errors.New("provider rejected request")

	// ErrTimeout marks requests that exceeded their deadline.
	ErrTimeout = errors.New("provider timeout")

	// ErrNotFound is returned by [Registry.Get] for unknown provider ids.
	ErrNotFound = errors.New("provider not found")
)

// WrapUnavailable wraps err as an [ErrUnavailable] failure of the named
// provider. A nil err returns nil.
func WrapUnavailable(provider string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", provider, ErrUnavailable, err)
}

// WrapRejected wraps err as an [ErrRejected] failure of the named provider.
func WrapRejected(provider string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", provider, ErrRejected, err)
}

// WrapTimeout wraps err as an [ErrTimeout] failure of the named provider.
func WrapTimeout(provider string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", provider, ErrTimeout, err)
}

// Classify maps a raw backend error into the provider failure taxonomy using
// generic signals: context deadlines and net timeouts become [ErrTimeout],
// everything else becomes [ErrUnavailable]. Adapters with richer error
// information (HTTP status codes) should classify themselves and only fall
// back to Classify for opaque failures. Errors already carrying a taxonomy
// sentinel pass through unchanged.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRejected) || errors.Is(err, ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapTimeout(provider, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return WrapTimeout(provider, err)
	}
	return WrapUnavailable(provider, err)
}
