// Package pktid implements per-key packet identifier sequencing for the
// transmit path and a sliding-window anti-replay validator for the
// receive path.
//
// Identifiers are 32-bit, strictly increasing per key, and paired with a
// 32-bit epoch value taken from the packet header. Identifier 0 is
// reserved and never valid on receive. Rekeying creates fresh Xmit/Recv
// state, so the identifier space restarts per key.
package pktid

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// used for division by 64
	blockBitLog = 6
	// Number of bits in a block. Must be power of 2.
	blockBits = 1 << blockBitLog // 1 << 6 == 64
	// Number of blocks in the window bitmap.
	windowBlocks = 4
	// WindowSize is the number of identifiers the receive window tracks.
	// Backtrack tolerance is WindowSize - 1. Must be power of 2.
	WindowSize = windowBlocks * blockBits // 4 * 64 == 256
	bitMask    = blockBits - 1            // 64 - 1 == 63 == 0b0011_1111
	posMask    = WindowSize - 1           // ring position modulo mask
)

// DefaultExpiry is how long a backtracked identifier at or below the
// high-water mark stays rejectable before the floor is raised to the
// high-water mark. Bounds floor drift for long-idle keys.
const DefaultExpiry = 30 * time.Second

var (
	ErrWrap          = errors.New("pktid: transmit identifier space exhausted")
	ErrIDZero        = errors.New("pktid: identifier is zero")
	ErrTimeBacktrack = errors.New("pktid: epoch moved backward")
	ErrIDBacktrack   = errors.New("pktid: identifier older than tracked window")
	ErrExpired       = errors.New("pktid: identifier below expiry floor")
	ErrReplay        = errors.New("pktid: identifier already seen")
)

// Xmit issues unique identifiers for outbound packets. The zero value is
// ready for use; the first call to Next returns 1. Safe for concurrent
// use, lock-free.
type Xmit struct {
	seq atomic.Uint64
}

// Next returns a fresh identifier. Fails with ErrWrap once the 32-bit
// identifier space is exhausted; the key must be replaced at that point.
func (x *Xmit) Next() (uint32, error) {
	seq := x.seq.Add(1)
	if seq > math.MaxUint32 {
		return 0, ErrWrap
	}
	return uint32(seq), nil
}

// Recv validates inbound identifiers against a sliding window of the
// most recent WindowSize identifiers. The zero value is an empty window
// ready for use. Safe for concurrent use; each validation runs under an
// internal mutex.
//
// Bit i of the window (for i in [0, WindowSize)) is set iff identifier
// id - i has been accepted within the current epoch and has not fallen
// below the floor.
type Recv struct {
	mu sync.Mutex
	// highest identifier accepted so far
	id uint32
	// epoch the window is tracking; packets from older epochs are rejected,
	// packets from newer epochs reset the window
	epoch uint32
	// ring position of the bit for id
	base uint32
	// how many identifiers below id are currently tracked
	extent uint32
	// identifiers at or below the floor are rejected even if untracked
	idFloor      uint32
	maxBacktrack uint32
	// when the floor is next raised to id
	expire  time.Time
	history [windowBlocks]uint64

	// Expiry overrides DefaultExpiry when nonzero.
	Expiry time.Duration

	// test hook
	now func() time.Time
}

func (r *Recv) bit(pos uint32) bool {
	return r.history[pos>>blockBitLog]&(1<<(pos&bitMask)) != 0
}

func (r *Recv) setBit(pos uint32) {
	r.history[pos>>blockBitLog] |= 1 << (pos & bitMask)
}

func (r *Recv) clearBit(pos uint32) {
	r.history[pos>>blockBitLog] &^= 1 << (pos & bitMask)
}

// Validate checks whether (id, epoch) should be accepted and records it
// if so. Accepted exactly once per identifier; duplicates, identifiers
// older than the window, and epoch regressions are rejected with a
// classified error.
func (r *Recv) Validate(id, epoch uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	nowfn := r.now
	if nowfn == nil {
		nowfn = time.Now
	}
	now := nowfn()

	// age out backtrack tolerance at or below the high-water mark
	if !now.Before(r.expire) {
		r.idFloor = r.id
	}

	if id == 0 {
		return ErrIDZero
	}

	if epoch != r.epoch {
		if epoch < r.epoch {
			return ErrTimeBacktrack
		}
		// epoch moved forward: restart the window
		r.base = 0
		r.extent = 0
		r.id = 0
		r.idFloor = 0
		r.epoch = epoch
		r.history = [windowBlocks]uint64{}
	}

	switch {
	case id == r.id+1:
		// well-formed sequence, incremented by one
		r.base = (r.base + WindowSize - 1) & posMask
		r.setBit(r.base)
		if r.extent < WindowSize {
			r.extent++
		}
		r.id = id
	case id > r.id:
		// identifier jumped forward by more than one
		delta := id - r.id
		if delta < WindowSize {
			r.base = (r.base + WindowSize - delta) & posMask
			r.setBit(r.base)
			r.extent += delta
			if r.extent > WindowSize {
				r.extent = WindowSize
			}
			// identifiers strictly between the old and new high-water
			// mark have not been seen
			for i := uint32(1); i < delta; i++ {
				r.clearBit((r.base + i) & posMask)
			}
		} else {
			// the whole window is stale
			r.base = 0
			r.extent = WindowSize
			r.history = [windowBlocks]uint64{}
			r.history[0] = 1
		}
		r.id = id
	default:
		// identifier backtrack
		delta := r.id - id
		if delta > r.maxBacktrack {
			r.maxBacktrack = delta
		}
		if delta >= r.extent {
			return ErrIDBacktrack
		}
		if id <= r.idFloor {
			return ErrExpired
		}
		pos := (r.base + delta) & posMask
		if r.bit(pos) {
			return ErrReplay
		}
		r.setBit(pos)
	}

	expiry := r.Expiry
	if expiry == 0 {
		expiry = DefaultExpiry
	}
	r.expire = now.Add(expiry)
	return nil
}

// MaxBacktrack reports the largest identifier backtrack observed so far,
// whether or not the packet was accepted.
func (r *Recv) MaxBacktrack() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxBacktrack
}
