package pktid

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXmitSequence(t *testing.T) {
	var x Xmit
	for want := uint32(1); want <= 1000; want++ {
		id, err := x.Next()
		require.NoError(t, err)
		require.Equal(t, want, id)
	}
}

func TestXmitWrap(t *testing.T) {
	var x Xmit
	x.seq.Store(math.MaxUint32 - 1)

	id, err := x.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(math.MaxUint32), id)

	_, err = x.Next()
	assert.ErrorIs(t, err, ErrWrap)

	// stays exhausted
	_, err = x.Next()
	assert.ErrorIs(t, err, ErrWrap)
}

func TestValidateInOrder(t *testing.T) {
	var r Recv
	for id := uint32(1); id <= 1000; id++ {
		require.NoError(t, r.Validate(id, 1))
	}
}

func TestValidateZeroID(t *testing.T) {
	var r Recv
	assert.ErrorIs(t, r.Validate(0, 1), ErrIDZero)
	// reserved even on a window that has seen traffic
	require.NoError(t, r.Validate(1, 1))
	assert.ErrorIs(t, r.Validate(0, 1), ErrIDZero)
}

func TestValidateReplay(t *testing.T) {
	var r Recv
	for id := uint32(1); id <= 5; id++ {
		require.NoError(t, r.Validate(id, 1))
	}
	for id := uint32(1); id <= 5; id++ {
		assert.ErrorIs(t, r.Validate(id, 1), ErrReplay, "id %d", id)
		assert.ErrorIs(t, r.Validate(id, 1), ErrReplay, "id %d again", id)
	}
}

func TestValidateBacktrackAcceptedOnce(t *testing.T) {
	var r Recv
	for id := uint32(1); id <= 10; id++ {
		if id == 5 {
			continue
		}
		require.NoError(t, r.Validate(id, 1))
	}
	require.NoError(t, r.Validate(5, 1))
	assert.ErrorIs(t, r.Validate(5, 1), ErrReplay)
}

func TestValidateForwardJumpWithinWindow(t *testing.T) {
	var r Recv
	for id := uint32(1); id <= 3; id++ {
		require.NoError(t, r.Validate(id, 1))
	}
	require.NoError(t, r.Validate(10, 1))
	// the skipped identifiers are still claimable, once each
	for id := uint32(4); id <= 9; id++ {
		require.NoError(t, r.Validate(id, 1), "id %d", id)
	}
	for id := uint32(4); id <= 10; id++ {
		assert.ErrorIs(t, r.Validate(id, 1), ErrReplay, "id %d", id)
	}
}

func TestValidateJumpBeyondWindow(t *testing.T) {
	var r Recv
	require.NoError(t, r.Validate(300, 1))

	// oldest trackable identifier after the jump, claimable exactly once
	require.NoError(t, r.Validate(300-WindowSize+1, 1))
	assert.ErrorIs(t, r.Validate(300-WindowSize+1, 1), ErrReplay)
	// one past the window is gone for good
	assert.ErrorIs(t, r.Validate(300-WindowSize, 1), ErrIDBacktrack)

	assert.Equal(t, uint32(WindowSize), r.MaxBacktrack())
}

func TestValidateEpochForwardResetsWindow(t *testing.T) {
	var r Recv
	for id := uint32(1); id <= 5; id++ {
		require.NoError(t, r.Validate(id, 1))
	}
	// fresh epoch restarts the identifier space
	require.NoError(t, r.Validate(1, 2))
	require.NoError(t, r.Validate(2, 2))
	// the old epoch is rejected outright, even for unseen identifiers
	assert.ErrorIs(t, r.Validate(100, 1), ErrTimeBacktrack)
}

func TestValidateExpiryRaisesFloor(t *testing.T) {
	base := time.Unix(1000, 0)
	now := base
	var r Recv
	r.Expiry = 10 * time.Second
	r.now = func() time.Time { return now }

	require.NoError(t, r.Validate(100, 1))

	// idle past the expiry window
	now = base.Add(11 * time.Second)
	require.NoError(t, r.Validate(101, 1))

	// everything at or below the pre-idle high-water mark is gone
	assert.ErrorIs(t, r.Validate(99, 1), ErrExpired)
	assert.ErrorIs(t, r.Validate(100, 1), ErrExpired)

	// acceptance keeps refreshing the deadline
	now = now.Add(9 * time.Second)
	require.NoError(t, r.Validate(102, 1))
	now = now.Add(9 * time.Second)
	require.NoError(t, r.Validate(103, 1))
}

func TestValidateMaxBacktrackRecordedOnReject(t *testing.T) {
	var r Recv
	require.NoError(t, r.Validate(1, 1))
	require.NoError(t, r.Validate(1000, 1))
	assert.ErrorIs(t, r.Validate(400, 1), ErrIDBacktrack)
	assert.Equal(t, uint32(600), r.MaxBacktrack())
}

// TestValidateConcurrent feeds a stream of unique identifiers, shuffled
// within blocks much smaller than the window, through several goroutines
// sharing one validator. Every identifier must be accepted exactly once.
func TestValidateConcurrent(t *testing.T) {
	const (
		count   = 8192
		block   = 64
		workers = 8
	)

	ids := make([]uint32, count)
	for i := range ids {
		ids[i] = uint32(i + 1)
	}
	rng := rand.New(rand.NewSource(42))
	for start := 0; start < count; start += block {
		rng.Shuffle(block, func(i, j int) {
			ids[start+i], ids[start+j] = ids[start+j], ids[start+i]
		})
	}

	feed := make(chan uint32)
	var r Recv
	var accepted atomic.Uint64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range feed {
				if err := r.Validate(id, 1); err == nil {
					accepted.Add(1)
				} else {
					t.Errorf("id %d rejected: %v", id, err)
				}
			}
		}()
	}
	for _, id := range ids {
		feed <- id
	}
	close(feed)
	wg.Wait()

	assert.Equal(t, uint64(count), accepted.Load())
}
