package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

var (
	// Verifies at compile time that *NetBind implements the Bind interface.
	_ Bind = (*NetBind)(nil)
	_ Endpoint = &NetEndpoint{}
	// If compilation fails here these are no longer the same underlying type.
	_ ipv6.Message = ipv4.Message{}
)

// NetBind terminates the tunnel transport on a pair of UDP sockets, one
// per address family, bound to the same port. Send dispatches each packet
// to the socket matching the destination endpoint's family.
type NetBind struct {
	mu     sync.Mutex // protects all fields except msgsPool
	ipv4   *net.UDPConn
	ipv6   *net.UDPConn
	ipv4PC *ipv4.PacketConn
	ipv6PC *ipv6.PacketConn

	msgsPool sync.Pool
}

func NewNetBind() *NetBind {
	return &NetBind{
		msgsPool: sync.Pool{
			New: func() any {
				// ipv6.Message and ipv4.Message are interchangeable as they
				// are both aliases for x/net/internal/socket.Message.
				msgs := make([]ipv6.Message, BatchSize)
				for i := range msgs {
					msgs[i].Buffers = make(net.Buffers, 1)
					msgs[i].OOB = make([]byte, 0, stickyControlSize)
				}
				return &msgs
			},
		},
	}
}

// NetEndpoint records a peer's remote address and, when the platform
// delivered one, the PKTINFO of the local address the peer reached us on.
type NetEndpoint struct {
	// AddrPort is the endpoint destination.
	netip.AddrPort
	// src is the sticky source address and interface index, as a PKTINFO
	// control message. See unix.Inet4Pktinfo / unix.Inet6Pktinfo.
	src []byte
}

func (*NetBind) ParseEndpoint(s string) (Endpoint, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return nil, err
	}
	return &NetEndpoint{AddrPort: ap}, nil
}

func (e *NetEndpoint) ClearSrc() {
	if e.src != nil {
		// Truncate src, no need to reallocate.
		e.src = e.src[:0]
	}
}

func (e *NetEndpoint) DstToString() string {
	return e.AddrPort.String()
}

func (e *NetEndpoint) DstToBytes() []byte {
	b, _ := e.AddrPort.MarshalBinary()
	return b
}

func (e *NetEndpoint) DstIP() netip.Addr {
	return e.AddrPort.Addr()
}

func listenNet(network string, port int) (*net.UDPConn, int, error) {
	conn, err := listenConfig().ListenPacket(context.Background(), network, ":"+strconv.Itoa(port))
	if err != nil {
		return nil, 0, err
	}
	// retrieve port
	localAddr := conn.LocalAddr()
	udpAddr, err := net.ResolveUDPAddr(localAddr.Network(), localAddr.String())
	if err != nil {
		return nil, 0, err
	}
	return conn.(*net.UDPConn), udpAddr.Port, nil
}

func (b *NetBind) Open(uport uint16) ([]ReceiveFunc, uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	var tries int
	if b.ipv4 != nil || b.ipv6 != nil {
		return nil, 0, ErrBindAlreadyOpen
	}
	// Attempt to open ipv4 and ipv6 listeners on the same port.
	// If uport is 0, we can retry on failure.
	for {
		port := int(uport)
		var v4conn, v6conn *net.UDPConn
		v4conn, port, err = listenNet("udp4", port)
		// EAFNOSUPPORT: address family not supported by protocol
		if err != nil && !errors.Is(err, syscall.EAFNOSUPPORT) {
			return nil, 0, err
		}
		// Listen on the same port as we're using for ipv4.
		v6conn, port, err = listenNet("udp6", port)
		// EADDRINUSE: address already in use
		if uport == 0 && errors.Is(err, syscall.EADDRINUSE) && tries < 100 {
			v4conn.Close()
			tries++
			continue
		}
		if err != nil && !errors.Is(err, syscall.EAFNOSUPPORT) {
			v4conn.Close()
			return nil, 0, err
		}
		var fns []ReceiveFunc
		if v4conn != nil {
			pc := ipv4.NewPacketConn(v4conn)
			b.ipv4PC = pc
			b.ipv4 = v4conn
			fns = append(fns, b.makeReceive(pc))
		}
		if v6conn != nil {
			pc := ipv6.NewPacketConn(v6conn)
			b.ipv6PC = pc
			b.ipv6 = v6conn
			fns = append(fns, b.makeReceive(pc))
		}
		if len(fns) == 0 {
			return nil, 0, syscall.EAFNOSUPPORT
		}
		return fns, uint16(port), nil
	}
}

func (b *NetBind) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err1, err2 error
	if b.ipv4 != nil {
		err1 = b.ipv4.Close()
		b.ipv4 = nil
		b.ipv4PC = nil
	}
	if b.ipv6 != nil {
		err2 = b.ipv6.Close()
		b.ipv6 = nil
		b.ipv6PC = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (b *NetBind) BatchSize() int {
	return BatchSize
}

var fwmarkIoctl int = 36 // unix.SO_MARK

func (b *NetBind) SetMark(mark uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, conn := range []*net.UDPConn{b.ipv4, b.ipv6} {
		if conn == nil {
			continue
		}
		fd, err := conn.SyscallConn()
		if err != nil {
			return err
		}
		var operr error
		err = fd.Control(func(fd uintptr) {
			operr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, fwmarkIoctl, int(mark))
		})
		if err == nil {
			err = operr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Send transmits one encapsulated packet to ep. The socket is selected by
// ep's address family; errors are classified so the pipeline can account
// the drop without inspecting errno values.
func (b *NetBind) Send(buf []byte, ep Endpoint) error {
	nep, ok := ep.(*NetEndpoint)
	if !ok {
		return ErrUnsupportedFamily
	}
	dst := nep.AddrPort
	if dst.Addr().Is4In6() {
		dst = netip.AddrPortFrom(dst.Addr().Unmap(), dst.Port())
	}

	b.mu.Lock()
	var conn *net.UDPConn
	var maxLen int
	if dst.Addr().Is4() {
		conn = b.ipv4
		maxLen = maxIPv4PayloadLen
	} else {
		conn = b.ipv6
		maxLen = maxIPv6PayloadLen
	}
	b.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedFamily, dst.Addr())
	}
	if len(buf) > maxLen {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLong, len(buf))
	}

	_, _, err := conn.WriteMsgUDPAddrPort(buf, nep.src, dst)
	return classifySendError(err)
}

func classifySendError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ENETUNREACH), errors.Is(err, unix.EHOSTUNREACH):
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	case errors.Is(err, unix.EMSGSIZE):
		return fmt.Errorf("%w: %v", ErrMessageTooLong, err)
	case errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %v", ErrBindNotOpen, err)
	default:
		return err
	}
}

type batchReader interface {
	ReadBatch([]ipv6.Message, int) (int, error)
}

func (b *NetBind) getMessages() *[]ipv6.Message {
	return b.msgsPool.Get().(*[]ipv6.Message)
}

func (b *NetBind) putMessages(msgs *[]ipv6.Message) {
	for i := range *msgs {
		(*msgs)[i].OOB = (*msgs)[i].OOB[:0]
		(*msgs)[i] = ipv6.Message{Buffers: (*msgs)[i].Buffers, OOB: (*msgs)[i].OOB}
	}
	b.msgsPool.Put(msgs)
}

func (b *NetBind) makeReceive(br batchReader) ReceiveFunc {
	return func(bufs [][]byte, sizes []int, eps []Endpoint) (n int, err error) {
		msgs := b.getMessages()
		defer b.putMessages(msgs)
		for i := range bufs {
			(*msgs)[i].Buffers[0] = bufs[i]
			(*msgs)[i].OOB = (*msgs)[i].OOB[:cap((*msgs)[i].OOB)]
		}
		numMsgs, err := br.ReadBatch(*msgs, 0)
		if err != nil {
			return 0, err
		}
		for i := 0; i < numMsgs; i++ {
			msg := &(*msgs)[i]
			sizes[i] = msg.N
			if sizes[i] == 0 {
				continue
			}
			addrPort := msg.Addr.(*net.UDPAddr).AddrPort()
			ep := &NetEndpoint{AddrPort: addrPort}
			getSrcFromControl(msg.OOB[:msg.NN], ep)
			eps[i] = ep
		}
		return numMsgs, nil
	}
}
