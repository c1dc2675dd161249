package backend

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure into the uniform taxonomy surfaced by every
// adapter regardless of the native stack underneath.
type Kind string

const (
	// KindAdapterUnavailable: no radio, radio powered off, or permission denied.
	KindAdapterUnavailable Kind = "adapter_unavailable"
	// KindDeviceUnreachable: connect timeout or device out of range.
	KindDeviceUnreachable Kind = "device_unreachable"
	// KindConnectionLost: the link dropped mid-operation.
	KindConnectionLost Kind = "connection_lost"
	// KindOperationTimeout: a single GATT operation missed its deadline.
	KindOperationTimeout Kind = "operation_timeout"
	// KindUnsupported: the characteristic does not offer the operation.
	KindUnsupported Kind = "unsupported"
	// KindProtocolError: malformed or unexpected response from the peripheral.
	KindProtocolError Kind = "protocol_error"
	// KindCancelled: the caller cancelled the operation.
	KindCancelled Kind = "cancelled"
)

// Error is a classified BLE failure.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is allows errors.Is to compare Error values by Kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel values for each taxonomy kind. Compare with errors.Is.
var (
	ErrAdapterUnavailable = &Error{Kind: KindAdapterUnavailable}
	ErrDeviceUnreachable  = &Error{Kind: KindDeviceUnreachable}
	ErrConnectionLost     = &Error{Kind: KindConnectionLost}
	ErrOperationTimeout   = &Error{Kind: KindOperationTimeout}
	ErrUnsupported        = &Error{Kind: KindUnsupported}
	ErrProtocolError      = &Error{Kind: KindProtocolError}
	ErrCancelled          = &Error{Kind: KindCancelled}
)

// Errorf builds a classified error with a formatted message. The result
// matches the kind's sentinel under errors.Is.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind while preserving it in the chain.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", &Error{Kind: kind}, err)
}

// KindOf extracts the taxonomy kind from an error chain. Returns "" when the
// error carries no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// FromContext maps a context termination to the taxonomy: a deadline becomes
// OperationTimeout, a cancellation becomes Cancelled.
func FromContext(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindOperationTimeout, err)
	case errors.Is(err, context.Canceled):
		return Wrap(KindCancelled, err)
	default:
		return err
	}
}
