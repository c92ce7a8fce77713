package conn

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// socket buffer size for both directions; the data plane absorbs bursts
// here rather than in its own queues
const socketBufferSize = 7 << 20

// listenConfig enables reception of PKTINFO control messages so that
// replies can be pinned to the local address the peer last used, and
// keeps the v6 socket v6-only so the v4 socket owns the v4 traffic.
func listenConfig() *net.ListenConfig {
	return &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var operr error
			err := c.Control(func(fd uintptr) {
				switch network {
				case "udp4":
					operr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_PKTINFO, 1)
				case "udp6":
					operr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1)
					if operr == nil {
						operr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
					}
				}
				if operr == nil {
					operr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, socketBufferSize)
				}
				if operr == nil {
					operr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, socketBufferSize)
				}
			})
			if err == nil {
				err = operr
			}
			return err
		},
	}
}
