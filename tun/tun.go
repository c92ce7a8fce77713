// Package tun defines the boundary to the local packet device: the sink
// that receives decrypted packets and the source of plaintext packets to
// be tunnelled. Creating and configuring a real kernel device is the
// platform layer's job; the data plane only reads and writes packets.
package tun

// Device is a tunnel network device carrying plaintext packets without
// any additional headers.
type Device interface {
	// Read blocks until one packet is available and copies it into buf.
	Read(buf []byte) (int, error)
	// Write delivers one decrypted packet to the local stack.
	Write(buf []byte) (int, error)
	// MTU returns the device MTU.
	MTU() (int, error)
	// Name returns the current name of the device.
	Name() (string, error)
	// Close stops the device; pending Reads return an error.
	Close() error
}
