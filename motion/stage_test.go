package motion_test

import (
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/livemix/frame"
	"github.com/alwitt/livemix/motion"
	"github.com/stretchr/testify/assert"
)

func solidFrame(w, h int, v uint8, seq uint64) frame.Frame {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.Gray{Y: v})
		}
	}
	return frame.Frame{Image: img, Seq: seq, Timestamp: frame.Now()}
}

// halfChangedFrame flips the bottom half of the image to a very different
// gray value so the differing-pixel fraction is ~50%, comfortably above the
// 0.5% default area_min.
func halfChangedFrame(w, h int, seq uint64) frame.Frame {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(10)
			if y >= h/2 {
				v = 250
			}
			img.Set(x, y, color.Gray{Y: v})
		}
	}
	return frame.Frame{Image: img, Seq: seq, Timestamp: frame.Now()}
}

func TestMotionStageCooldownAndFirstFrame(t *testing.T) {
	assert := assert.New(t)

	var lock sync.Mutex
	var motionEvents []int
	var drops int

	uut, err := motion.NewDetector(8,
		func(cameraID string, area int, ts float64) {
			lock.Lock()
			defer lock.Unlock()
			motionEvents = append(motionEvents, area)
		},
		func(cameraID string) {
			lock.Lock()
			defer lock.Unlock()
			drops++
		},
	)
	assert.Nil(err)

	uut.Register("cam1", motion.DefaultThreshold, motion.DefaultAreaMinFraction, motion.DefaultCooldown)
	defer uut.Stop("cam1")

	// Case 0: the very first frame only seeds the reference, no emission
	uut.Submit("cam1", solidFrame(20, 20, 10, 0))
	time.Sleep(50 * time.Millisecond)
	lock.Lock()
	assert.Len(motionEvents, 0)
	lock.Unlock()

	// Case 1: an identical second frame produces no motion
	uut.Submit("cam1", solidFrame(20, 20, 10, 1))
	time.Sleep(50 * time.Millisecond)
	lock.Lock()
	assert.Len(motionEvents, 0)
	lock.Unlock()

	// Case 2: a frame differing by more than area_min emits exactly one event
	uut.Submit("cam1", halfChangedFrame(20, 20, 2))
	time.Sleep(50 * time.Millisecond)
	lock.Lock()
	assert.Len(motionEvents, 1)
	assert.Greater(motionEvents[0], 0)
	lock.Unlock()

	// Case 3: a second motion frame within the cooldown window is suppressed
	uut.Submit("cam1", solidFrame(20, 20, 10, 3))
	uut.Submit("cam1", halfChangedFrame(20, 20, 4))
	time.Sleep(50 * time.Millisecond)
	lock.Lock()
	assert.Len(motionEvents, 1)
	lock.Unlock()
}

func TestMotionStageDimensionChangeResets(t *testing.T) {
	assert := assert.New(t)

	var lock sync.Mutex
	var motionEvents int

	uut, err := motion.NewDetector(8, func(cameraID string, area int, ts float64) {
		lock.Lock()
		defer lock.Unlock()
		motionEvents++
	}, nil)
	assert.Nil(err)

	uut.Register("cam1", motion.DefaultThreshold, motion.DefaultAreaMinFraction, motion.DefaultCooldown)
	defer uut.Stop("cam1")

	uut.Submit("cam1", solidFrame(20, 20, 10, 0))
	time.Sleep(20 * time.Millisecond)

	// dimensions change after a reconnect: reset reference, no emission
	uut.Submit("cam1", halfChangedFrame(40, 40, 1))
	time.Sleep(20 * time.Millisecond)

	lock.Lock()
	assert.Equal(0, motionEvents)
	lock.Unlock()
}

func TestMotionStagePerCameraCooldownOverride(t *testing.T) {
	assert := assert.New(t)

	var lock sync.Mutex
	var motionEvents []int

	uut, err := motion.NewDetector(8,
		func(cameraID string, area int, ts float64) {
			lock.Lock()
			defer lock.Unlock()
			motionEvents = append(motionEvents, area)
		},
		nil,
	)
	assert.Nil(err)

	// a cooldown far shorter than the package default, so a second motion
	// frame fired shortly after the first is still accepted
	uut.Register("cam1", motion.DefaultThreshold, motion.DefaultAreaMinFraction, 10*time.Millisecond)
	defer uut.Stop("cam1")

	uut.Submit("cam1", solidFrame(20, 20, 10, 0))
	time.Sleep(20 * time.Millisecond)

	uut.Submit("cam1", halfChangedFrame(20, 20, 1))
	time.Sleep(20 * time.Millisecond)
	lock.Lock()
	assert.Len(motionEvents, 1)
	lock.Unlock()

	time.Sleep(20 * time.Millisecond)

	uut.Submit("cam1", solidFrame(20, 20, 10, 2))
	uut.Submit("cam1", halfChangedFrame(20, 20, 3))
	time.Sleep(20 * time.Millisecond)
	lock.Lock()
	assert.Len(motionEvents, 2)
	lock.Unlock()
}
