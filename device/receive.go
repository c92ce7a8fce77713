package device

import (
	"github.com/sirupsen/logrus"

	"github.com/tunl-dev/tunl/conn"
)

/* Inbound flow
 *
 * 1. Transport receive (per socket)
 * 2. Peer lookup by source binding
 * 3. Crypto context selection by key id
 * 4. Replay validation + decrypt (may complete out of line)
 * 5. Local delivery
 *
 * Non-data opcodes and packets from unknown sources take the slow path
 * to the control handler instead; the data plane never interprets them.
 */

// RoutineReceiveIncoming drains one transport socket into the pipeline.
func (d *Device) RoutineReceiveIncoming(fn conn.ReceiveFunc) {
	defer d.wg.Done()
	d.log.Debug("routine: receive incoming started")
	defer d.log.Debug("routine: receive incoming stopped")

	batch := d.bind.BatchSize()
	if batch < 1 {
		batch = 1
	}
	bufs := make([][]byte, batch)
	for i := range bufs {
		bufs[i] = make([]byte, MaxMessageSize)
	}
	sizes := make([]int, batch)
	eps := make([]conn.Endpoint, batch)

	for {
		n, err := fn(bufs, sizes, eps)
		if err != nil {
			// bind closed or fatal socket error; the pipeline stops, the
			// device keeps whatever other sockets it has
			return
		}
		for i := 0; i < n; i++ {
			if sizes[i] == 0 {
				continue
			}
			d.HandleInbound(eps[i], bufs[i][:sizes[i]])
		}
	}
}

// HandleInbound runs the receive state machine for one transport packet.
// The packet's terminal state is exactly one of: delivered to the tun
// sink, forwarded to the control handler, or dropped with a classified
// counted error. The payload slice is only read during the call.
func (d *Device) HandleInbound(src conn.Endpoint, payload []byte) {
	opcode, ok := opcodeFrom(payload)
	if !ok {
		d.counters.Malformed.Add(1)
		return
	}

	peer := d.LookupBySource(src)

	// only data packets from the known peer are handled here; everything
	// else goes to the control plane together with its source binding
	if peer == nil || opcode != OpcodeData {
		if peer != nil {
			peer.Put()
		}
		d.forwardToControl(src, payload)
		return
	}

	h, ok := parseHeader(payload)
	if !ok || len(payload) > MaxMessageSize {
		d.counters.Malformed.Add(1)
		peer.Put()
		return
	}

	cc := peer.context(h.keyID)
	if cc == nil {
		d.counters.Lookup.Add(1)
		d.log.WithFields(logrus.Fields{
			"peer":   peer.id,
			"key_id": h.keyID,
		}).Debug("inbound packet dropped: no context for key id")
		peer.Put()
		return
	}

	// the packet now carries the operation's references on peer and
	// context; postDecrypt releases them on every path
	pkt := d.getPacket()
	n := copy(pkt.buf[:], payload)
	pkt.packet = pkt.buf[:n]
	pkt.id = h.id
	pkt.epoch = h.epoch
	pkt.keyID = h.keyID
	pkt.peer = peer
	pkt.cc = cc
	pkt.endpoint = src

	if err := d.cipher.Decrypt(pkt, d.postDecrypt); isTerminal(err) {
		d.postDecrypt(pkt, err)
	}
}

// postDecrypt routes a completed decrypt to its terminal state and
// releases the operation's references. Runs either inline from
// HandleInbound or from the cipher's completion context.
func (d *Device) postDecrypt(pkt *Packet, err error) {
	peer, cc := pkt.peer, pkt.cc

	switch {
	case err != nil:
		d.countDrop(err)
		d.log.WithFields(logrus.Fields{
			"peer":  peer.id,
			"id":    pkt.id,
			"error": err,
		}).Debug("inbound packet dropped")
	case isKeepalive(pkt.packet):
		peer.markReceive(len(pkt.packet))
		d.log.WithFields(logrus.Fields{
			"peer": peer.id,
		}).Debug("keepalive received")
	default:
		peer.markReceive(len(pkt.packet))
		if _, werr := d.tun.Write(pkt.packet); werr != nil {
			d.counters.Transport.Add(1)
			d.log.WithFields(logrus.Fields{
				"peer":  peer.id,
				"error": werr,
			}).Debug("inbound packet dropped: sink write failed")
		}
	}

	d.putPacket(pkt)
	cc.put()
	peer.Put()
}

func (d *Device) forwardToControl(src conn.Endpoint, payload []byte) {
	if d.control == nil {
		d.counters.Lookup.Add(1)
		d.log.WithFields(logrus.Fields{
			"source": src.DstToString(),
			"len":    len(payload),
		}).Debug("non-data packet dropped: no control handler")
		return
	}
	// the receive loop reuses payload's buffer; the handler gets its own
	data := make([]byte, len(payload))
	copy(data, payload)
	d.control(src, data)
}
