package device

import (
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"
)

/* Fixed-layout transport header preceding every data packet:
 *
 *   offset 0: op word, big endian
 *             bits 31..27 opcode
 *             bits 26..24 key id
 *             bits 23..0  peer id
 *   offset 4: packet identifier, big endian
 *   offset 8: packet epoch, big endian
 *
 * The whole header is authenticated as AEAD additional data. The cipher
 * nonce is derived from (epoch, identifier), so identifier uniqueness per
 * (key, epoch) is also nonce uniqueness.
 */

const (
	MessageHeaderSize = 12
	MessageTagSize    = 16

	// offsets into the header
	opWordOffset = 0
	pktIDOffset  = 4
	epochOffset  = 8
)

// Data-class opcode. Anything else is a control-plane message and is
// forwarded, not processed, by the data plane.
const OpcodeData uint8 = 9

type header struct {
	opcode uint8
	keyID  uint8
	peerID uint32
	id     uint32
	epoch  uint32
}

func parseHeader(packet []byte) (h header, ok bool) {
	if len(packet) < MessageHeaderSize {
		return h, false
	}
	op := binary.BigEndian.Uint32(packet[opWordOffset:])
	h.opcode = uint8(op >> 27)
	h.keyID = uint8(op>>24) & 0x07
	h.peerID = op & 0x00ffffff
	h.id = binary.BigEndian.Uint32(packet[pktIDOffset:])
	h.epoch = binary.BigEndian.Uint32(packet[epochOffset:])
	return h, true
}

func putHeader(packet []byte, h header) {
	op := uint32(h.opcode)<<27 | uint32(h.keyID&0x07)<<24 | h.peerID&0x00ffffff
	binary.BigEndian.PutUint32(packet[opWordOffset:], op)
	binary.BigEndian.PutUint32(packet[pktIDOffset:], h.id)
	binary.BigEndian.PutUint32(packet[epochOffset:], h.epoch)
}

// opcodeFrom peeks the opcode without requiring a full header.
func opcodeFrom(packet []byte) (uint8, bool) {
	if len(packet) < 4 {
		return 0, false
	}
	return uint8(binary.BigEndian.Uint32(packet) >> 27), true
}

func nonceFrom(id, epoch uint32) (nonce [chacha20poly1305.NonceSize]byte) {
	binary.BigEndian.PutUint32(nonce[4:], epoch)
	binary.BigEndian.PutUint32(nonce[8:], id)
	return nonce
}

func isKeepalive(packet []byte) bool {
	if len(packet) != len(keepaliveMessage) {
		return false
	}
	for i := range keepaliveMessage {
		if packet[i] != keepaliveMessage[i] {
			return false
		}
	}
	return true
}
