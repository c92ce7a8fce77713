package device

import (
	"time"

	"github.com/sirupsen/logrus"
)

/* Outbound flow
 *
 * 1. TUN read (or direct SendPacket / keepalive generator)
 * 2. Active peer + primary context selection
 * 3. Identifier stamping + encrypt (may complete out of line)
 * 4. Transport send on the binding's address family
 *
 * SendPacket reports dispatch failures synchronously; once the cipher
 * has the packet the call is fire-and-forget and failures only show up
 * on the drop counters.
 */

// RoutineReadFromTUN feeds locally originated packets into the transmit
// pipeline.
func (d *Device) RoutineReadFromTUN() {
	defer d.wg.Done()
	d.log.Debug("routine: read from tun started")
	defer d.log.Debug("routine: read from tun stopped")

	buf := make([]byte, MaxContentSize)
	for {
		n, err := d.tun.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		if serr := d.SendPacket(buf[:n]); serr != nil {
			d.log.WithFields(logrus.Fields{
				"error": serr,
			}).Debug("outbound packet dropped")
		}
	}
}

// SendPacket encrypts and transmits one plaintext packet to the active
// peer. The plaintext slice is only read during the call.
func (d *Device) SendPacket(plaintext []byte) error {
	if len(plaintext) > MaxContentSize {
		d.counters.Malformed.Add(1)
		return ErrPacketTooBig
	}
	peer := d.ActivePeer()
	if peer == nil {
		d.counters.Lookup.Add(1)
		return ErrNoActivePeer
	}
	return d.sendToPeer(peer, plaintext)
}

// SendKeepalive encrypts and transmits the keepalive message to the
// active peer through the normal transmit path.
func (d *Device) SendKeepalive() error {
	return d.SendPacket(keepaliveMessage[:])
}

// sendToPeer consumes the caller's peer reference: it is either handed to
// the in-flight packet or released on the failure paths.
func (d *Device) sendToPeer(peer *Peer, plaintext []byte) error {
	endpoint := peer.Endpoint()
	if endpoint == nil {
		d.counters.Lookup.Add(1)
		peer.Put()
		return ErrNoMatchingBinding
	}

	cc := peer.primaryContext()
	if cc == nil {
		d.counters.Lookup.Add(1)
		peer.Put()
		return ErrNoContextForKey
	}

	// plaintext goes in after headroom for the transport header, so the
	// cipher can construct the full message in place
	pkt := d.getPacket()
	n := copy(pkt.buf[MessageHeaderSize:], plaintext)
	pkt.packet = pkt.buf[MessageHeaderSize : MessageHeaderSize+n]
	pkt.peer = peer
	pkt.cc = cc
	pkt.endpoint = endpoint

	if err := d.cipher.Encrypt(pkt, d.postEncrypt); isTerminal(err) {
		d.postEncrypt(pkt, err)
	}
	return nil
}

// postEncrypt hands a completed encrypt to the transport and releases
// the operation's references. Runs either inline from sendToPeer or from
// the cipher's completion context.
func (d *Device) postEncrypt(pkt *Packet, err error) {
	peer, cc := pkt.peer, pkt.cc

	if err == nil {
		err = d.bind.Send(pkt.packet, pkt.endpoint)
		if err == nil {
			peer.markSend(len(pkt.packet))
		}
	}
	if err != nil {
		d.countDrop(err)
		d.log.WithFields(logrus.Fields{
			"peer":  peer.id,
			"error": err,
		}).Debug("outbound packet dropped")
	}

	d.putPacket(pkt)
	cc.put()
	peer.Put()
}

// routineKeepalive transmits a keepalive whenever the peer has been
// silent on the send side for a full interval.
func (d *Device) routineKeepalive() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.closed:
			return
		case <-ticker.C:
			peer := d.ActivePeer()
			if peer == nil {
				continue
			}
			idle := time.Since(peer.LastSend())
			peer.Put()
			if idle < d.keepaliveInterval {
				continue
			}
			if err := d.SendKeepalive(); err != nil {
				d.log.WithFields(logrus.Fields{
					"error": err,
				}).Debug("keepalive not sent")
			}
		}
	}
}
