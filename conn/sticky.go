// Sticky sockets: preserve and reuse source address information (local IP
// and interface index) across sends, so a multi-homed host keeps answering
// a peer from the address the peer is actually talking to.

package conn

import (
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"
)

// stickyControlSize is the buffer size needed to hold either family's
// PKTINFO control message.
var stickyControlSize = unix.CmsgSpace(unix.SizeofInet6Pktinfo)

func (e *NetEndpoint) SrcIP() netip.Addr {
	switch len(e.src) {
	case unix.CmsgSpace(unix.SizeofInet4Pktinfo):
		info := (*unix.Inet4Pktinfo)(unsafe.Pointer(&e.src[unix.CmsgLen(0)]))
		return netip.AddrFrom4(info.Spec_dst)
	case unix.CmsgSpace(unix.SizeofInet6Pktinfo):
		info := (*unix.Inet6Pktinfo)(unsafe.Pointer(&e.src[unix.CmsgLen(0)]))
		return netip.AddrFrom16(info.Addr)
	}
	return netip.Addr{}
}

func (e *NetEndpoint) SrcIfidx() int32 {
	switch len(e.src) {
	case unix.CmsgSpace(unix.SizeofInet4Pktinfo):
		info := (*unix.Inet4Pktinfo)(unsafe.Pointer(&e.src[unix.CmsgLen(0)]))
		return info.Ifindex
	case unix.CmsgSpace(unix.SizeofInet6Pktinfo):
		info := (*unix.Inet6Pktinfo)(unsafe.Pointer(&e.src[unix.CmsgLen(0)]))
		return int32(info.Ifindex)
	}
	return 0
}

func (e *NetEndpoint) SrcToString() string {
	return e.SrcIP().String()
}

// getSrcFromControl parses control for a PKTINFO message and, if one is
// found, records it on ep as the sticky source.
func getSrcFromControl(control []byte, ep *NetEndpoint) {
	ep.ClearSrc()
	var (
		hdr       unix.Cmsghdr
		data      []byte
		remaining = control
		err       error
	)
	for len(remaining) > unix.SizeofCmsghdr {
		hdr, data, remaining, err = unix.ParseOneSocketControlMessage(remaining)
		if err != nil {
			return
		}
		var space int
		switch {
		case hdr.Level == unix.IPPROTO_IP && hdr.Type == unix.IP_PKTINFO:
			space = unix.CmsgSpace(unix.SizeofInet4Pktinfo)
		case hdr.Level == unix.IPPROTO_IPV6 && hdr.Type == unix.IPV6_PKTINFO:
			space = unix.CmsgSpace(unix.SizeofInet6Pktinfo)
		default:
			continue
		}
		if ep.src == nil || cap(ep.src) < space {
			ep.src = make([]byte, 0, stickyControlSize)
		}
		ep.src = ep.src[:space]
		hdrBuf := unsafe.Slice((*byte)(unsafe.Pointer(&hdr)), unix.SizeofCmsghdr)
		copy(ep.src, hdrBuf)
		copy(ep.src[unix.CmsgLen(0):], data)
		return
	}
}
