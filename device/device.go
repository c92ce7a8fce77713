package device

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	"github.com/sirupsen/logrus"

	"github.com/tunl-dev/tunl/conn"
	"github.com/tunl-dev/tunl/pktid"
	"github.com/tunl-dev/tunl/tun"
)

// ControlHandler receives packets the data plane does not process:
// control-plane messages and packets from sources that match no peer
// binding. The slice is the handler's to keep.
type ControlHandler func(src conn.Endpoint, packet []byte)

// Device is the data plane of one tunnel instance: it owns the peer
// directory, runs the receive and transmit pipelines, and routes every
// packet to exactly one terminal state: delivered locally, sent to
// transport, or dropped with a classified, counted error.
type Device struct {
	log     *logrus.Logger
	bind    conn.Bind
	tun     tun.Device
	cipher  Cipher
	control ControlHandler

	replayExpiry      time.Duration
	keepaliveInterval time.Duration

	// the directory holds at most one active peer; the pointer swap is
	// the binding-change/teardown edge, in-flight packets keep whatever
	// snapshot they already hold
	peer atomic.Pointer[Peer]

	port struct {
		sync.Mutex
		value uint16
		open  bool
	}

	pools    pools
	counters DropCounters

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// DropCounters accounts dropped packets per error class. No error here
// escalates beyond the packet; these counters and the log are the only
// trace.
type DropCounters struct {
	Replay    atomic.Uint64
	Crypto    atomic.Uint64
	Lookup    atomic.Uint64
	Transport atomic.Uint64
	Malformed atomic.Uint64
}

type Option func(*Device)

// WithCipher replaces the synchronous AEAD cipher, e.g. with a
// QueuedCipher completing operations out of line.
func WithCipher(c Cipher) Option {
	return func(d *Device) { d.cipher = c }
}

// WithControlHandler installs the slow-path sink for non-data packets.
func WithControlHandler(h ControlHandler) Option {
	return func(d *Device) { d.control = h }
}

// WithReplayExpiry overrides the replay window's backtrack expiry for
// contexts created after the option is applied.
func WithReplayExpiry(expiry time.Duration) Option {
	return func(d *Device) { d.replayExpiry = expiry }
}

// WithKeepaliveInterval enables periodic keepalive transmission to the
// active peer. Zero disables it.
func WithKeepaliveInterval(interval time.Duration) Option {
	return func(d *Device) { d.keepaliveInterval = interval }
}

func NewDevice(tdev tun.Device, bind conn.Bind, log *logrus.Logger, opts ...Option) *Device {
	d := &Device{
		log:          log,
		bind:         bind,
		tun:          tdev,
		cipher:       AEADCipher{},
		replayExpiry: DefaultReplayExpiry,
		closed:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.populatePools()
	return d
}

// Open binds the transport and starts the pipelines. Returns the port
// actually bound.
func (d *Device) Open(port uint16) (uint16, error) {
	d.port.Lock()
	defer d.port.Unlock()
	if d.port.open {
		return 0, oops.Wrap(conn.ErrBindAlreadyOpen)
	}
	fns, actual, err := d.bind.Open(port)
	if err != nil {
		return 0, oops.Wrapf(err, "open transport")
	}
	d.port.value = actual
	d.port.open = true

	for _, fn := range fns {
		d.wg.Add(1)
		go d.RoutineReceiveIncoming(fn)
	}
	d.wg.Add(1)
	go d.RoutineReadFromTUN()
	if d.keepaliveInterval > 0 {
		d.wg.Add(1)
		go d.routineKeepalive()
	}

	d.log.WithFields(logrus.Fields{
		"port": actual,
	}).Info("device up")
	return actual, nil
}

// Close stops the pipelines and tears down the active peer. In-flight
// cipher operations are not cancelled; peer teardown waits for their
// completions to release the last references.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.closed)
		err = d.bind.Close()
		d.tun.Close()
		d.RemovePeer()
		d.wg.Wait()
		d.log.Info("device down")
	})
	return err
}

// SetPeer installs the active peer, replacing and tearing down any
// previous one. The single-peer directory serves all outbound traffic
// and validates all inbound sources against this peer.
func (d *Device) SetPeer(id uint32, endpoint conn.Endpoint) *Peer {
	peer := newPeer(d, id, endpoint)
	old := d.peer.Swap(peer)
	if old != nil {
		old.Put()
	}
	d.log.WithFields(logrus.Fields{
		"peer": id,
	}).Info("active peer set")
	return peer
}

// RemovePeer clears the directory. The peer is destroyed once the last
// in-flight reference is released.
func (d *Device) RemovePeer() {
	old := d.peer.Swap(nil)
	if old != nil {
		old.Put()
	}
}

// ActivePeer returns a held reference to the active peer, or nil. The
// caller must release it with Put.
func (d *Device) ActivePeer() *Peer {
	p := d.peer.Load()
	if p == nil || !p.hold() {
		return nil
	}
	return p
}

// LookupBySource returns a held reference to the peer whose recorded
// binding equals src, or nil. With a single-peer directory this is an
// equality check; the signature is the extension point for table-based
// dispatch.
func (d *Device) LookupBySource(src conn.Endpoint) *Peer {
	p := d.peer.Load()
	if p == nil || !p.matchesSource(src) || !p.hold() {
		return nil
	}
	return p
}

// DropStats returns a snapshot of the per-class drop counters.
func (d *Device) DropStats() (replay, crypto, lookup, transport, malformed uint64) {
	return d.counters.Replay.Load(),
		d.counters.Crypto.Load(),
		d.counters.Lookup.Load(),
		d.counters.Transport.Load(),
		d.counters.Malformed.Load()
}

func (d *Device) countDrop(err error) {
	switch {
	case errors.Is(err, pktid.ErrReplay),
		errors.Is(err, pktid.ErrIDZero),
		errors.Is(err, pktid.ErrTimeBacktrack),
		errors.Is(err, pktid.ErrIDBacktrack),
		errors.Is(err, pktid.ErrExpired):
		d.counters.Replay.Add(1)
	case errors.Is(err, ErrKeyExpired), errors.Is(err, ErrCipherFailure):
		d.counters.Crypto.Add(1)
	case errors.Is(err, ErrNoActivePeer),
		errors.Is(err, ErrNoMatchingBinding),
		errors.Is(err, ErrNoContextForKey):
		d.counters.Lookup.Add(1)
	case errors.Is(err, conn.ErrUnsupportedFamily),
		errors.Is(err, conn.ErrUnreachable),
		errors.Is(err, conn.ErrMessageTooLong),
		errors.Is(err, conn.ErrBindNotOpen):
		d.counters.Transport.Add(1)
	default:
		d.counters.Malformed.Add(1)
	}
}
