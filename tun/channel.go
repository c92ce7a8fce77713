package tun

import (
	"os"
	"sync"
)

// ChannelDevice is an in-memory Device backed by channels. Outbound
// traffic is injected with InjectOutbound and handed to the data plane
// through Read; decrypted packets written by the data plane are consumed
// from Inbound. Used by tests and loopback runs.
type ChannelDevice struct {
	Inbound chan []byte

	outbound  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	mtu       int
	name      string
}

var _ Device = (*ChannelDevice)(nil)

func NewChannelDevice(name string, mtu int) *ChannelDevice {
	return &ChannelDevice{
		Inbound:  make(chan []byte, 1024),
		outbound: make(chan []byte, 1024),
		closed:   make(chan struct{}),
		mtu:      mtu,
		name:     name,
	}
}

// InjectOutbound queues one plaintext packet for the data plane to pick
// up via Read.
func (d *ChannelDevice) InjectOutbound(packet []byte) error {
	select {
	case <-d.closed:
		return os.ErrClosed
	case d.outbound <- packet:
		return nil
	}
}

func (d *ChannelDevice) Read(buf []byte) (int, error) {
	select {
	case <-d.closed:
		return 0, os.ErrClosed
	case packet := <-d.outbound:
		return copy(buf, packet), nil
	}
}

func (d *ChannelDevice) Write(buf []byte) (int, error) {
	packet := make([]byte, len(buf))
	copy(packet, buf)
	select {
	case <-d.closed:
		return 0, os.ErrClosed
	case d.Inbound <- packet:
		return len(buf), nil
	}
}

func (d *ChannelDevice) MTU() (int, error) { return d.mtu, nil }

func (d *ChannelDevice) Name() (string, error) { return d.name, nil }

func (d *ChannelDevice) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}
