// Package conn implements the transport layer underneath the tunnel data
// plane: opening the UDP sockets, receiving encapsulated packets together
// with their source endpoint, and sending encapsulated packets out on the
// address-family-specific path recorded in the destination endpoint.
package conn

import (
	"errors"
	"net/netip"
)

const (
	// Exceeding these values results in EMSGSIZE. They account for layer 3
	// and layer 4 headers. IPv6 does not need to account for itself as the
	// payload length field is self excluding.
	// 20 is IPv4 header size, 8 is UDP header size.
	maxIPv4PayloadLen = 1<<16 - 1 - 20 - 8
	maxIPv6PayloadLen = 1<<16 - 1 - 8

	// BatchSize is the number of packets a ReceiveFunc hands over per call.
	BatchSize = 128
)

var (
	ErrBindAlreadyOpen = errors.New("bind is already open")
	ErrBindNotOpen     = errors.New("bind is not open")
	// ErrUnsupportedFamily is returned by Send when no socket exists for
	// the destination's address family.
	ErrUnsupportedFamily = errors.New("no socket for destination address family")
	// ErrUnreachable is returned by Send when the network stack reports no
	// route to the destination. The packet is dropped; the pipeline
	// continues.
	ErrUnreachable = errors.New("destination unreachable")
	// ErrMessageTooLong is returned by Send when the payload exceeds what
	// the destination's address family can carry in one datagram.
	ErrMessageTooLong = errors.New("payload exceeds datagram size limit")
)

// ReceiveFunc reads one or more inbound transport packets. It blocks until
// at least one packet arrives, fills bufs/sizes/eps, and returns the count.
// len(bufs), len(sizes) and len(eps) must all be at least BatchSize.
type ReceiveFunc func(bufs [][]byte, sizes []int, eps []Endpoint) (n int, err error)

// Bind is the transport termination the data plane sends through and
// receives from. Implementations must be safe for concurrent use.
type Bind interface {
	// Open binds to port (0 picks one) and returns one ReceiveFunc per
	// listening socket together with the port actually bound.
	Open(port uint16) (fns []ReceiveFunc, actualPort uint16, err error)

	Close() error

	// SetMark sets the packet mark on all sockets, where supported.
	SetMark(mark uint32) error

	// Send transmits buf to ep, dispatching on ep's address family.
	// Failures are per-packet: the caller drops and moves on.
	Send(buf []byte, ep Endpoint) error

	// ParseEndpoint converts "host:port" into an Endpoint for this bind.
	ParseEndpoint(s string) (Endpoint, error)

	// BatchSize returns the per-call packet count ReceiveFuncs work in.
	// Must not change over the lifetime of the bind.
	BatchSize() int
}

// Endpoint is a peer's transport binding as seen by one packet: the remote
// destination plus, where the platform supports it, the sticky local
// source the peer last reached us on.
type Endpoint interface {
	// ClearSrc clears the recorded source, forcing the stack to pick one.
	ClearSrc()
	SrcToString() string
	DstToString() string
	DstToBytes() []byte
	DstIP() netip.Addr
	SrcIP() netip.Addr
}
