package broker

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrNotAMember         = errors.New("not a member of channel")
	ErrInvalidPayload     = errors.New("invalid payload")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrSessionClosed      = fmt.Errorf("%w: session closed", ErrUnauthenticated)
)

// Wire codes carried in the "code" field of error frames.
const (
	CodeUnauthenticated    = "unauthenticated"
	CodeNotAMember         = "not_a_member"
	CodeInvalidPayload     = "invalid_payload"
	CodeStorageUnavailable = "storage_unavailable"
	CodeSlowConsumer       = "slow_consumer"
	CodeIdleTimeout        = "idle_timeout"
	CodeInternal           = "internal"
)

// Code maps a broker error to its wire code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrNotAMember):
		return CodeNotAMember
	case errors.Is(err, ErrInvalidPayload):
		return CodeInvalidPayload
	case errors.Is(err, ErrStorageUnavailable):
		return CodeStorageUnavailable
	default:
		return CodeInternal
	}
}
