package conn

import (
	"errors"
	"net"
	"net/netip"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNetBindParseEndpoint(t *testing.T) {
	b := NewNetBind()

	ep, err := b.ParseEndpoint("192.0.2.1:51820")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1:51820", ep.DstToString())
	assert.Equal(t, netip.MustParseAddr("192.0.2.1"), ep.DstIP())

	ep, err = b.ParseEndpoint("[2001:db8::1]:51820")
	require.NoError(t, err)
	assert.Equal(t, "[2001:db8::1]:51820", ep.DstToString())

	_, err = b.ParseEndpoint("not-an-endpoint")
	assert.Error(t, err)
	_, err = b.ParseEndpoint("192.0.2.1")
	assert.Error(t, err, "missing port")
}

func TestNetEndpointDstToBytes(t *testing.T) {
	b := NewNetBind()
	ep1, err := b.ParseEndpoint("192.0.2.1:1000")
	require.NoError(t, err)
	ep2, err := b.ParseEndpoint("192.0.2.1:1000")
	require.NoError(t, err)
	ep3, err := b.ParseEndpoint("192.0.2.1:1001")
	require.NoError(t, err)

	assert.Equal(t, ep1.DstToBytes(), ep2.DstToBytes())
	assert.NotEqual(t, ep1.DstToBytes(), ep3.DstToBytes())
}

func TestClassifySendError(t *testing.T) {
	assert.NoError(t, classifySendError(nil))
	assert.ErrorIs(t, classifySendError(unix.ENETUNREACH), ErrUnreachable)
	assert.ErrorIs(t, classifySendError(unix.EHOSTUNREACH), ErrUnreachable)
	assert.ErrorIs(t, classifySendError(unix.EMSGSIZE), ErrMessageTooLong)
	assert.ErrorIs(t, classifySendError(net.ErrClosed), ErrBindNotOpen)

	// unknown errors pass through unchanged
	boom := errors.New("boom")
	assert.ErrorIs(t, classifySendError(boom), boom)
}

func TestNetBindRoundTrip(t *testing.T) {
	b1 := NewNetBind()
	fns, port, err := b1.Open(0)
	require.NoError(t, err)
	require.NotZero(t, port)
	defer b1.Close()

	b2 := NewNetBind()
	_, _, err = b2.Open(0)
	require.NoError(t, err)
	defer b2.Close()

	_, _, err = b1.Open(0)
	assert.ErrorIs(t, err, ErrBindAlreadyOpen)

	dst, err := b2.ParseEndpoint("127.0.0.1:" + strconv.Itoa(int(port)))
	require.NoError(t, err)
	payload := []byte("datagram")
	require.NoError(t, b2.Send(payload, dst))

	got := make(chan []byte, 1)
	for _, fn := range fns {
		go func(fn ReceiveFunc) {
			bufs := make([][]byte, BatchSize)
			for i := range bufs {
				bufs[i] = make([]byte, 2048)
			}
			sizes := make([]int, BatchSize)
			eps := make([]Endpoint, BatchSize)
			n, err := fn(bufs, sizes, eps)
			if err != nil || n == 0 {
				return
			}
			got <- append([]byte(nil), bufs[0][:sizes[0]]...)
		}(fn)
	}

	select {
	case data := <-got:
		assert.Equal(t, payload, data)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestChannelBindPair(t *testing.T) {
	binds := NewChannelBinds()

	fnsA, portA, err := binds[0].Open(0)
	require.NoError(t, err)
	require.Len(t, fnsA, 1)
	fnsB, portB, err := binds[1].Open(0)
	require.NoError(t, err)
	require.Len(t, fnsB, 1)
	assert.NotEqual(t, portA, portB)

	_, _, err = binds[0].Open(0)
	assert.ErrorIs(t, err, ErrBindAlreadyOpen)

	// A sends to B's endpoint; B's receive reports A as the source
	require.NoError(t, binds[0].Send([]byte("hello"), ChannelEndpoint(2)))

	bufs := [][]byte{make([]byte, 2048)}
	sizes := make([]int, 1)
	eps := make([]Endpoint, 1)
	n, err := fnsB[0](bufs, sizes, eps)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, []byte("hello"), bufs[0][:sizes[0]])
	assert.Equal(t, ChannelEndpoint(1), eps[0])

	// sending anywhere but the wired far side fails
	assert.ErrorIs(t, binds[0].Send([]byte("x"), ChannelEndpoint(3)), ErrUnreachable)

	require.NoError(t, binds[0].Close())
	assert.ErrorIs(t, binds[0].Send([]byte("x"), ChannelEndpoint(2)), ErrBindNotOpen)
	_, err = fnsA[0](bufs, sizes, eps)
	assert.ErrorIs(t, err, net.ErrClosed)
}
