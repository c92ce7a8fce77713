package device

import (
	"errors"
	"fmt"
)

// Completion receives the terminal result of a cipher operation that
// completed out of line. It runs exactly once per asynchronous operation,
// possibly on a different goroutine than the one that started it.
type Completion func(pkt *Packet, err error)

// Cipher drives the encrypt/decrypt transform for the pipeline. An
// implementation may finish inline, returning the terminal error (nil on
// success), or out of line, returning ErrInProgress and later invoking
// done with the result. Callers treat both paths identically except for
// where control returns: the post-completion logic runs wherever the
// terminal result appears, and never twice.
//
// The packet arrives holding references on its crypto context and peer;
// the cipher must not release them. Releasing is the completion path's
// job.
type Cipher interface {
	// Encrypt stamps a fresh identifier and epoch into pkt, seals
	// pkt.packet in place, and leaves pkt.packet framed as a full
	// transport message.
	Encrypt(pkt *Packet, done Completion) error
	// Decrypt validates pkt's identifier against the context's replay
	// window and, if accepted, opens the payload in place, leaving
	// pkt.packet holding only the plaintext.
	Decrypt(pkt *Packet, done Completion) error
}

// AEADCipher is the synchronous Cipher: operations always complete inline
// and the Completion argument is never invoked.
type AEADCipher struct{}

var _ Cipher = AEADCipher{}

func (AEADCipher) Encrypt(pkt *Packet, done Completion) error {
	cc := pkt.cc
	if cc.expired.Load() {
		return ErrKeyExpired
	}

	id, err := cc.xmit.Next()
	if err != nil {
		// identifier space exhausted; the key must be replaced
		return fmt.Errorf("%w: %v", ErrKeyExpired, err)
	}
	pkt.id = id
	pkt.epoch = cc.epoch
	pkt.keyID = cc.keyID

	// plaintext sits in buf after the headroom reserved for the header;
	// seal in place so header, ciphertext and tag form one message
	putHeader(pkt.buf[:MessageHeaderSize], header{
		opcode: OpcodeData,
		keyID:  cc.keyID,
		peerID: pkt.peer.id,
		id:     id,
		epoch:  cc.epoch,
	})
	nonce := nonceFrom(id, cc.epoch)
	plaintext := pkt.packet
	sealed := cc.send.Seal(plaintext[:0], nonce[:], plaintext, pkt.buf[:MessageHeaderSize])
	pkt.packet = pkt.buf[:MessageHeaderSize+len(sealed)]
	return nil
}

func (AEADCipher) Decrypt(pkt *Packet, done Completion) error {
	cc := pkt.cc
	if cc.expired.Load() {
		return ErrKeyExpired
	}

	// replay validation precedes the transform: a rejected identifier
	// never pays for the cipher
	if err := cc.replay.Validate(pkt.id, pkt.epoch); err != nil {
		return err
	}

	wire := pkt.packet
	if len(wire) < MessageHeaderSize+MessageTagSize {
		return ErrCipherFailure
	}
	nonce := nonceFrom(pkt.id, pkt.epoch)
	ciphertext := wire[MessageHeaderSize:]
	plaintext, err := cc.receive.Open(ciphertext[:0], nonce[:], ciphertext, wire[:MessageHeaderSize])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCipherFailure, err)
	}
	pkt.packet = plaintext
	return nil
}

// isTerminal reports whether err is a final cipher outcome rather than
// the in-progress marker.
func isTerminal(err error) bool {
	return !errors.Is(err, ErrInProgress)
}
