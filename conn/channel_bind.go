package conn

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
)

// ChannelBind is an in-memory Bind carrying packets over Go channels.
// NewChannelBinds returns a cross-wired pair, so two devices in one
// process can exchange traffic without sockets. Used by tests and
// loopback runs.
type ChannelBind struct {
	mu          sync.Mutex
	rx, tx      chan []byte
	closeSignal chan struct{}
	source      ChannelEndpoint
	target      ChannelEndpoint
}

// ChannelEndpoint stands in for a transport address; the value is a
// fake port identifying one side of the pair.
type ChannelEndpoint uint16

var (
	_ Bind     = (*ChannelBind)(nil)
	_ Endpoint = ChannelEndpoint(0)
)

// NewChannelBinds creates two binds wired to each other.
func NewChannelBinds() [2]Bind {
	a := make(chan []byte, 8192)
	b := make(chan []byte, 8192)
	return [2]Bind{
		&ChannelBind{rx: a, tx: b, source: 1, target: 2},
		&ChannelBind{rx: b, tx: a, source: 2, target: 1},
	}
}

func (ChannelEndpoint) ClearSrc() {}

func (e ChannelEndpoint) SrcToString() string { return "" }

func (e ChannelEndpoint) DstToString() string {
	return "127.0.0.1:" + strconv.Itoa(int(e))
}

func (e ChannelEndpoint) DstToBytes() []byte { return []byte{byte(e), byte(e >> 8)} }

func (e ChannelEndpoint) DstIP() netip.Addr { return netip.AddrFrom4([4]byte{127, 0, 0, 1}) }

func (e ChannelEndpoint) SrcIP() netip.Addr { return netip.Addr{} }

func (c *ChannelBind) Open(port uint16) ([]ReceiveFunc, uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeSignal != nil {
		return nil, 0, ErrBindAlreadyOpen
	}
	c.closeSignal = make(chan struct{})
	fn := func(bufs [][]byte, sizes []int, eps []Endpoint) (int, error) {
		select {
		case <-c.closeSignal:
			return 0, net.ErrClosed
		case rx := <-c.rx:
			sizes[0] = copy(bufs[0], rx)
			eps[0] = c.target
			return 1, nil
		}
	}
	return []ReceiveFunc{fn}, uint16(c.source), nil
}

func (c *ChannelBind) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeSignal != nil {
		close(c.closeSignal)
		c.closeSignal = nil
	}
	return nil
}

func (c *ChannelBind) SetMark(mark uint32) error { return nil }

func (c *ChannelBind) BatchSize() int { return 1 }

func (c *ChannelBind) ParseEndpoint(s string) (Endpoint, error) {
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		return nil, err
	}
	return ChannelEndpoint(addr.Port()), nil
}

func (c *ChannelBind) Send(buf []byte, ep Endpoint) error {
	ce, ok := ep.(ChannelEndpoint)
	if !ok {
		return ErrUnsupportedFamily
	}
	if ce != c.target {
		return fmt.Errorf("%w: %s", ErrUnreachable, ce.DstToString())
	}
	c.mu.Lock()
	closeSignal := c.closeSignal
	c.mu.Unlock()
	if closeSignal == nil {
		return ErrBindNotOpen
	}
	// the caller reuses buf once Send returns
	data := make([]byte, len(buf))
	copy(data, buf)
	select {
	case <-closeSignal:
		return ErrBindNotOpen
	case c.tx <- data:
		return nil
	}
}
