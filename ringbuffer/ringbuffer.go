package ringbuffer

import (
	"sync"

	"github.com/alwitt/livemix/common"
	"github.com/alwitt/livemix/frame"
)

// RingBuffer retains the last N frames for one camera and serves concurrent
// readers without ever blocking the single appender. It is exclusively owned
// by its Camera — the Registry destroys it when the camera is removed.
type RingBuffer interface {
	/*
		Append add a frame to the buffer, evicting the oldest frame if full.
		Never blocks.

			@param f frame.Frame - frame to append
	*/
	Append(f frame.Frame)

	/*
		Latest return the most recently appended frame

			@returns the latest frame, or ok=false if the buffer is empty
	*/
	Latest() (frame.Frame, bool)

	/*
		Snapshot return the last k <= N frames in append order

			@param k int - number of frames to return
			@returns up to k frames, oldest first
	*/
	Snapshot(k int) []frame.Frame

	/*
		Fill returns the number of frames currently held, for the
		ring_buffer_fill gauge.
	*/
	Fill() int

	// Capacity returns N, the buffer's fixed capacity.
	Capacity() int
}

// ringBufferImpl implements RingBuffer as a fixed-size slice with a head
// index and count, protected by a RWMutex. This mirrors the mutex-protected
// map-of-slices shape used elsewhere in this codebase for concurrent
// caches, but with FIFO eviction instead of TTL eviction.
type ringBufferImpl struct {
	lock     sync.RWMutex
	slots    []frame.Frame
	capacity int
	head     int // index of the oldest held frame
	count    int // number of frames currently held
}

/*
NewRingBuffer define a new fixed-capacity ring buffer

	@param capacity int - fixed capacity N
	@returns new RingBuffer
*/
func NewRingBuffer(capacity int) (RingBuffer, error) {
	if capacity <= 0 {
		return nil, common.NewError(common.ErrValidation, "ring buffer capacity must be > 0", nil)
	}
	return &ringBufferImpl{
		slots:    make([]frame.Frame, capacity),
		capacity: capacity,
	}, nil
}

func (b *ringBufferImpl) Append(f frame.Frame) {
	b.lock.Lock()
	defer b.lock.Unlock()

	writeAt := (b.head + b.count) % b.capacity
	if b.count == b.capacity {
		// full: overwriting the oldest slot advances head
		b.head = (b.head + 1) % b.capacity
	} else {
		b.count++
	}
	b.slots[writeAt] = f
}

func (b *ringBufferImpl) Latest() (frame.Frame, bool) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	if b.count == 0 {
		return frame.Frame{}, false
	}
	idx := (b.head + b.count - 1) % b.capacity
	return b.slots[idx], true
}

func (b *ringBufferImpl) Snapshot(k int) []frame.Frame {
	b.lock.RLock()
	defer b.lock.RUnlock()

	if k > b.count {
		k = b.count
	}
	if k <= 0 {
		return nil
	}

	result := make([]frame.Frame, k)
	start := b.head + (b.count - k)
	for i := 0; i < k; i++ {
		result[i] = b.slots[(start+i)%b.capacity]
	}
	return result
}

func (b *ringBufferImpl) Fill() int {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.count
}

func (b *ringBufferImpl) Capacity() int {
	return b.capacity
}
