package ringbuffer_test

import (
	"testing"

	"github.com/alwitt/livemix/frame"
	"github.com/alwitt/livemix/ringbuffer"
	"github.com/stretchr/testify/assert"
)

func TestRingBufferBasicSanity(t *testing.T) {
	assert := assert.New(t)

	// Case 0: invalid capacity rejected
	{
		_, err := ringbuffer.NewRingBuffer(0)
		assert.NotNil(err)
	}

	uut, err := ringbuffer.NewRingBuffer(5)
	assert.Nil(err)
	assert.Equal(5, uut.Capacity())

	// Case 1: empty buffer
	{
		_, ok := uut.Latest()
		assert.False(ok)
		assert.Equal(0, uut.Fill())
		assert.Empty(uut.Snapshot(3))
	}

	// Case 2: append within capacity
	for seq := uint64(0); seq < 3; seq++ {
		uut.Append(frame.Frame{Seq: seq})
	}
	{
		latest, ok := uut.Latest()
		assert.True(ok)
		assert.Equal(uint64(2), latest.Seq)
		assert.Equal(3, uut.Fill())

		snap := uut.Snapshot(3)
		assert.Len(snap, 3)
		assert.Equal(uint64(0), snap[0].Seq)
		assert.Equal(uint64(2), snap[2].Seq)
	}

	// Case 3: append past capacity evicts oldest (buffer_size=5, push 7 frames)
	for seq := uint64(3); seq < 7; seq++ {
		uut.Append(frame.Frame{Seq: seq})
	}
	{
		assert.Equal(5, uut.Fill())
		snap := uut.Snapshot(5)
		assert.Len(snap, 5)
		expected := []uint64{2, 3, 4, 5, 6}
		for i, f := range snap {
			assert.Equal(expected[i], f.Seq)
		}
		latest, ok := uut.Latest()
		assert.True(ok)
		assert.Equal(uint64(6), latest.Seq)
	}

	// Case 4: after k > N appends, oldest held frame has seq = k - N
	{
		snap := uut.Snapshot(5)
		assert.Equal(uint64(7-5), snap[0].Seq)
	}

	// Case 5: snapshot(k) with k > fill returns only what is held
	{
		snap := uut.Snapshot(100)
		assert.Len(snap, 5)
	}
}
