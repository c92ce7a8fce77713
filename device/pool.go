package device

import (
	"sync"

	"github.com/tunl-dev/tunl/conn"
)

// Packet is the in-flight record of one packet moving through the
// pipeline. While a cipher operation is pending it also carries the
// counted references on the peer and crypto context that keep both alive;
// the completion path releases them and returns the packet to its pool on
// every exit, success or failure.
type Packet struct {
	// buf holds the packet data; packet is always a slice of buf
	buf    *[MaxMessageSize]byte
	packet []byte

	id    uint32
	epoch uint32
	keyID uint8

	// counted references held for the operation's duration
	peer *Peer
	cc   *CryptoContext

	endpoint conn.Endpoint
}

// zeroOutPointers zeroes out packet fields that contain pointers.
// This makes the garbage collector's life easier and avoids accidentally
// keeping other objects around unnecessarily. It also reduces the
// possible collateral damage from use-after-free bugs.
func (p *Packet) zeroOutPointers() {
	p.buf = nil
	p.packet = nil
	p.peer = nil
	p.cc = nil
	p.endpoint = nil
}

type WaitPool struct {
	pool sync.Pool
	cond sync.Cond
	mu   sync.Mutex
	// how many items are taken from the pool
	count uint32
	// max number of items allowed to be taken from the pool
	max uint32
}

func NewWaitPool(max uint32, new func() any) *WaitPool {
	p := &WaitPool{pool: sync.Pool{New: new}, max: max}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

func (p *WaitPool) Get() any {
	if p.max != 0 {
		p.mu.Lock()
		for p.count >= p.max {
			p.cond.Wait()
		}
		p.count++
		p.mu.Unlock()
	}
	return p.pool.Get()
}

func (p *WaitPool) Put(val any) {
	p.pool.Put(val)
	if p.max == 0 {
		return
	}
	p.mu.Lock()
	p.count--
	p.cond.Signal()
	p.mu.Unlock()
}

type pools struct {
	packets *WaitPool
	msgBufs *WaitPool
}

func (d *Device) populatePools() {
	d.pools.packets = NewWaitPool(PreallocatedBufsPerPool, func() any {
		return new(Packet)
	})
	d.pools.msgBufs = NewWaitPool(PreallocatedBufsPerPool, func() any {
		return new([MaxMessageSize]byte)
	})
}

func (d *Device) getPacket() *Packet {
	pkt := d.pools.packets.Get().(*Packet)
	pkt.buf = d.getMsgBuf()
	return pkt
}

func (d *Device) putPacket(pkt *Packet) {
	if pkt.buf != nil {
		d.putMsgBuf(pkt.buf)
	}
	pkt.zeroOutPointers()
	d.pools.packets.Put(pkt)
}

func (d *Device) getMsgBuf() *[MaxMessageSize]byte {
	return d.pools.msgBufs.Get().(*[MaxMessageSize]byte)
}

func (d *Device) putMsgBuf(buf *[MaxMessageSize]byte) {
	d.pools.msgBufs.Put(buf)
}
