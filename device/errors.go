package device

import "errors"

var (
	// ErrInProgress signals that a cipher operation will complete out of
	// line; the completion function receives the result.
	ErrInProgress = errors.New("operation in progress")

	// crypto failures
	ErrKeyExpired    = errors.New("key slot removed while operation in flight")
	ErrCipherFailure = errors.New("packet failed authentication")

	// lookup failures
	ErrNoActivePeer      = errors.New("no active peer")
	ErrNoMatchingBinding = errors.New("source does not match any peer binding")
	ErrNoContextForKey   = errors.New("no crypto context for key id")

	// ErrPacketTooBig reports a plaintext that cannot fit in one message.
	ErrPacketTooBig = errors.New("packet exceeds maximum content size")

	ErrDeviceClosed = errors.New("device is closed")
)
