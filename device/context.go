package device

import (
	"crypto/cipher"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/tunl-dev/tunl/pktid"
)

/* Due to limitations in Go and /x/crypto there is currently
 * no way to ensure that key material is securely erased in memory.
 */

// CryptoContext pairs one peer with one key slot: the AEADs for both
// directions, the outbound identifier sequence, and the inbound replay
// window. In-flight cipher operations hold counted references, so a
// context removed mid-flight stays valid until its last operation
// completes, and operations started after removal fail with
// ErrKeyExpired.
type CryptoContext struct {
	keyID uint8
	// epoch stamps outbound packets; taken at key installation so a
	// rekey restarts the identifier space under a fresh epoch
	epoch   uint32
	send    cipher.AEAD
	receive cipher.AEAD
	xmit    pktid.Xmit
	replay  pktid.Recv
	peer    *Peer

	refs    atomic.Int64
	expired atomic.Bool
}

func newCryptoContext(peer *Peer, keyID uint8, sendKey, receiveKey []byte) (*CryptoContext, error) {
	send, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, oops.Wrapf(err, "send key")
	}
	receive, err := chacha20poly1305.New(receiveKey)
	if err != nil {
		return nil, oops.Wrapf(err, "receive key")
	}
	cc := &CryptoContext{
		keyID:   keyID,
		epoch:   uint32(time.Now().Unix()),
		send:    send,
		receive: receive,
		peer:    peer,
	}
	cc.replay.Expiry = peer.device.replayExpiry
	cc.refs.Store(1)
	return cc, nil
}

func (cc *CryptoContext) KeyID() uint8 { return cc.keyID }

func (cc *CryptoContext) hold() bool {
	for {
		n := cc.refs.Load()
		if n <= 0 {
			return false
		}
		if cc.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (cc *CryptoContext) put() {
	if cc.refs.Add(-1) > 0 {
		return
	}
	// last holder gone; drop the AEADs so key material is collectable
	cc.send = nil
	cc.receive = nil
}

// expire marks the context unusable for new operations. Called when the
// key slot is replaced or removed.
func (cc *CryptoContext) expire() {
	cc.expired.Store(true)
}
