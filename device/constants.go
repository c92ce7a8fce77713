package device

import "time"

/* Protocol constants */
const (
	// at most two keys are valid at once: the primary slot and the
	// secondary slot kept alive across a rekey transition
	KeySlotPrimary   = 0
	KeySlotSecondary = 1
	maxKeyID         = 7 // key id travels in 3 bits of the op word

	// DefaultReplayExpiry is how long accepted-identifier history below
	// the high-water mark stays relevant on the receive window.
	DefaultReplayExpiry = 30 * time.Second

	DefaultKeepaliveInterval = 10 * time.Second
)

/* Implementation constants */
const (
	// maximum size of a transport message, header and tag included
	MaxMessageSize = 1 << 16
	// maximum size of transport message content
	MaxContentSize = MaxMessageSize - MessageHeaderSize - MessageTagSize

	PreallocatedBufsPerPool = 4096

	// workers driving the asynchronous cipher queue
	DefaultCipherWorkers = 4
)

// keepaliveMessage is the well-known ping payload exchanged inside the
// tunnel. Recognized after decrypt and never delivered to the local stack.
var keepaliveMessage = [16]byte{
	0x2a, 0x18, 0x7b, 0xf3, 0x64, 0x1e, 0xb4, 0xcb,
	0x07, 0xed, 0x2d, 0x0a, 0x98, 0x1f, 0xc7, 0x48,
}
