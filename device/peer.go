package device

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	"github.com/sirupsen/logrus"

	"github.com/tunl-dev/tunl/conn"
)

// Peer is one remote tunnel endpoint: its transport binding, its key
// slots, and its traffic accounting. The device's directory owns the
// peer; packet processing holds transient counted references, so teardown
// is deferred until the last in-flight operation releases its hold.
type Peer struct {
	id     uint32
	device *Device

	// refs starts at 1 for directory ownership; hold/put bracket every
	// other use. The peer is torn down when refs reaches zero.
	refs atomic.Int64

	// endpoint is replaced atomically on binding changes; readers load it
	// once per packet and keep that snapshot for the packet's lifetime
	endpoint atomic.Pointer[binding]

	slots struct {
		sync.RWMutex
		primary   *CryptoContext
		secondary *CryptoContext
	}

	// keepalive timestamps, nanoseconds since epoch
	lastSend    atomic.Int64
	lastReceive atomic.Int64

	stats Stats
}

// binding wraps the endpoint so the whole value can sit behind an
// atomic.Pointer.
type binding struct {
	endpoint conn.Endpoint
}

// Stats counts authenticated traffic through a peer.
type Stats struct {
	RxPackets atomic.Uint64
	RxBytes   atomic.Uint64
	TxPackets atomic.Uint64
	TxBytes   atomic.Uint64
}

func newPeer(device *Device, id uint32, endpoint conn.Endpoint) *Peer {
	p := &Peer{id: id, device: device}
	p.refs.Store(1)
	if endpoint != nil {
		p.endpoint.Store(&binding{endpoint: endpoint})
	}
	return p
}

func (p *Peer) ID() uint32 { return p.id }

// hold acquires a reference. It fails once teardown has begun, so a
// racing lookup cannot resurrect a dying peer.
func (p *Peer) hold() bool {
	for {
		n := p.refs.Load()
		if n <= 0 {
			return false
		}
		if p.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Put releases a reference; the final release tears the peer down.
func (p *Peer) Put() {
	if p.refs.Add(-1) > 0 {
		return
	}
	p.teardown()
}

func (p *Peer) teardown() {
	p.slots.Lock()
	primary, secondary := p.slots.primary, p.slots.secondary
	p.slots.primary, p.slots.secondary = nil, nil
	p.slots.Unlock()
	if primary != nil {
		primary.expire()
		primary.put()
	}
	if secondary != nil {
		secondary.expire()
		secondary.put()
	}
	p.device.log.WithFields(logrus.Fields{
		"peer": p.id,
	}).Debug("peer torn down")
}

// Endpoint returns the current transport binding snapshot, or nil when
// none is recorded.
func (p *Peer) Endpoint() conn.Endpoint {
	b := p.endpoint.Load()
	if b == nil {
		return nil
	}
	return b.endpoint
}

// SetEndpoint replaces the transport binding. In-flight packets keep the
// snapshot they loaded; subsequent lookups observe the new one.
func (p *Peer) SetEndpoint(endpoint conn.Endpoint) {
	p.endpoint.Store(&binding{endpoint: endpoint})
}

// matchesSource reports whether src equals the peer's recorded binding.
func (p *Peer) matchesSource(src conn.Endpoint) bool {
	b := p.endpoint.Load()
	if b == nil || src == nil {
		return false
	}
	return endpointEqual(b.endpoint, src)
}

func endpointEqual(a, b conn.Endpoint) bool {
	ab, bb := a.DstToBytes(), b.DstToBytes()
	if len(ab) != len(bb) {
		return false
	}
	for i := range ab {
		if ab[i] != bb[i] {
			return false
		}
	}
	return true
}

// InstallKey installs fresh key material into a slot, replacing whatever
// context occupied it. The replaced context is expired: operations still
// in flight on it fail with ErrKeyExpired and it is freed once the last
// of them completes.
func (p *Peer) InstallKey(slot int, keyID uint8, sendKey, receiveKey []byte) error {
	if slot != KeySlotPrimary && slot != KeySlotSecondary {
		return oops.With("slot", slot).Errorf("invalid key slot")
	}
	if keyID > maxKeyID {
		return oops.With("key_id", keyID).Errorf("key id out of range")
	}
	cc, err := newCryptoContext(p, keyID, sendKey, receiveKey)
	if err != nil {
		return err
	}

	p.slots.Lock()
	var old *CryptoContext
	if slot == KeySlotPrimary {
		old, p.slots.primary = p.slots.primary, cc
	} else {
		old, p.slots.secondary = p.slots.secondary, cc
	}
	p.slots.Unlock()

	if old != nil {
		old.expire()
		old.put()
	}
	p.device.log.WithFields(logrus.Fields{
		"peer":   p.id,
		"slot":   slot,
		"key_id": keyID,
	}).Info("key installed")
	return nil
}

// RemoveKey clears a slot. In-flight operations on the removed context
// fail with ErrKeyExpired; destruction waits for them to complete.
func (p *Peer) RemoveKey(slot int) {
	p.slots.Lock()
	var old *CryptoContext
	switch slot {
	case KeySlotPrimary:
		old, p.slots.primary = p.slots.primary, nil
	case KeySlotSecondary:
		old, p.slots.secondary = p.slots.secondary, nil
	}
	p.slots.Unlock()
	if old != nil {
		old.expire()
		old.put()
	}
}

// PromoteSecondary moves the secondary context into the primary slot,
// completing a rekey transition.
func (p *Peer) PromoteSecondary() {
	p.slots.Lock()
	old := p.slots.primary
	p.slots.primary = p.slots.secondary
	p.slots.secondary = nil
	p.slots.Unlock()
	if old != nil {
		old.expire()
		old.put()
	}
}

// context returns a held reference to the context whose key id matches,
// or nil. The caller must put the reference.
func (p *Peer) context(keyID uint8) *CryptoContext {
	p.slots.RLock()
	defer p.slots.RUnlock()
	for _, cc := range []*CryptoContext{p.slots.primary, p.slots.secondary} {
		if cc != nil && cc.keyID == keyID && cc.hold() {
			return cc
		}
	}
	return nil
}

// primaryContext returns a held reference to the primary slot, or nil.
func (p *Peer) primaryContext() *CryptoContext {
	p.slots.RLock()
	defer p.slots.RUnlock()
	if cc := p.slots.primary; cc != nil && cc.hold() {
		return cc
	}
	return nil
}

func (p *Peer) markReceive(bytes int) {
	p.lastReceive.Store(time.Now().UnixNano())
	p.stats.RxPackets.Add(1)
	p.stats.RxBytes.Add(uint64(bytes))
}

func (p *Peer) markSend(bytes int) {
	p.lastSend.Store(time.Now().UnixNano())
	p.stats.TxPackets.Add(1)
	p.stats.TxBytes.Add(uint64(bytes))
}

// LastReceive reports when the last authenticated packet arrived from
// this peer.
func (p *Peer) LastReceive() time.Time {
	return time.Unix(0, p.lastReceive.Load())
}

// LastSend reports when the last packet was transmitted to this peer.
func (p *Peer) LastSend() time.Time {
	return time.Unix(0, p.lastSend.Load())
}

// TrafficStats returns a snapshot of the peer's traffic counters.
func (p *Peer) TrafficStats() (rxPackets, rxBytes, txPackets, txBytes uint64) {
	return p.stats.RxPackets.Load(), p.stats.RxBytes.Load(),
		p.stats.TxPackets.Load(), p.stats.TxBytes.Load()
}
