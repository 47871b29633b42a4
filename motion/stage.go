package motion

import (
	"image"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livemix/common"
	"github.com/alwitt/livemix/frame"
	"github.com/alwitt/livemix/internal/boundedqueue"
	"github.com/apex/log"
)

// DefaultThreshold is the per-channel 0-255 grayscale difference threshold T.
const DefaultThreshold = 25

// DefaultAreaMinFraction is the default minimum fraction of frame pixels
// that must differ before motion is reported.
const DefaultAreaMinFraction = 0.005

// DefaultCooldown is the fallback minimum time between two motion.detected
// emissions for a camera that registers without an explicit cooldown.
const DefaultCooldown = 2 * time.Second

// Detector evaluates successive frames of each registered camera for
// inter-frame motion, per the grayscale-diff algorithm in this component's
// design.
type Detector interface {
	/*
		Submit hand a frame to the motion stage input queue. Non-blocking: if
		the camera's queue is full, the oldest pending frame is dropped — the
		Ring Buffer and Event Bus still see every frame regardless.

			@param cameraID string - camera the frame belongs to
			@param f frame.Frame - frame to evaluate
	*/
	Submit(cameraID string, f frame.Frame)

	/*
		Register create per-camera motion state. Must be called once before
		Submit for that camera.

			@param cameraID string - camera to register
			@param threshold int - per-channel grayscale diff threshold T
			@param areaMinFraction float64 - minimum differing-pixel fraction
			@param cooldown time.Duration - minimum spacing between motion.detected
				emissions for this camera
	*/
	Register(cameraID string, threshold int, areaMinFraction float64, cooldown time.Duration)

	// Stop releases a camera's motion-stage state and worker goroutine. Call
	// when the camera is deregistered.
	Stop(cameraID string)
}

// onMotion is invoked once per emitted motion.detected event.
type onMotionFunc func(cameraID string, area int, ts float64)

// onDrop is invoked once per frame dropped from a full input queue.
type onDropFunc func(cameraID string)

type cameraState struct {
	queue     *boundedqueue.Queue[frame.Frame]
	done      chan struct{}
	lock      sync.Mutex
	prevGray  *image.Gray
	lastEmit  time.Time
	threshold int
	cooldown  time.Duration
}

// stageImpl implements Detector as one worker goroutine per camera, each
// draining its own bounded drop-oldest queue so a slow motion pass on one
// camera never backs up another.
type stageImpl struct {
	goutils.Component
	lock      sync.Mutex
	cameras   map[string]*cameraState
	queueSize int
	onMotion  onMotionFunc
	onDrop    onDropFunc
}

/*
NewDetector define a new motion detection stage

	@param queueSize int - per-camera input queue capacity
	@param onMotion onMotionFunc - callback for each motion.detected event
	@param onDrop onDropFunc - callback for each frame dropped from a full queue
	@returns new Detector
*/
func NewDetector(queueSize int, onMotion onMotionFunc, onDrop onDropFunc) (Detector, error) {
	if queueSize <= 0 {
		return nil, common.NewError(common.ErrValidation, "motion queue size must be > 0", nil)
	}
	return &stageImpl{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "motion", "component": "stage"},
		},
		cameras:   make(map[string]*cameraState),
		queueSize: queueSize,
		onMotion:  onMotion,
		onDrop:    onDrop,
	}, nil
}

func (s *stageImpl) Register(
	cameraID string, threshold int, areaMinFraction float64, cooldown time.Duration,
) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}

	cs := &cameraState{
		queue:     boundedqueue.New[frame.Frame](s.queueSize),
		done:      make(chan struct{}),
		threshold: threshold,
		cooldown:  cooldown,
	}
	s.cameras[cameraID] = cs
	go s.run(cameraID, cs, areaMinFraction)
}

func (s *stageImpl) Submit(cameraID string, f frame.Frame) {
	s.lock.Lock()
	cs, ok := s.cameras[cameraID]
	s.lock.Unlock()
	if !ok {
		return
	}
	if _, dropped := cs.queue.Push(f); dropped {
		if s.onDrop != nil {
			s.onDrop(cameraID)
		}
	}
}

func (s *stageImpl) Stop(cameraID string) {
	s.lock.Lock()
	cs, ok := s.cameras[cameraID]
	if ok {
		delete(s.cameras, cameraID)
	}
	s.lock.Unlock()
	if ok {
		close(cs.done)
	}
}

func (s *stageImpl) run(cameraID string, cs *cameraState, areaMinFraction float64) {
	for {
		select {
		case <-cs.done:
			return
		case <-cs.queue.Wait():
			for {
				f, ok := cs.queue.Pop()
				if !ok {
					break
				}
				s.evaluate(cameraID, cs, f, areaMinFraction)
			}
		}
	}
}

func (s *stageImpl) evaluate(cameraID string, cs *cameraState, f frame.Frame, areaMinFraction float64) {
	cs.lock.Lock()
	defer cs.lock.Unlock()

	gray := toGray(f.Image)
	bounds := gray.Bounds()
	pixelCount := bounds.Dx() * bounds.Dy()
	if pixelCount == 0 {
		return
	}
	areaMin := int(areaMinFraction * float64(pixelCount))

	if cs.prevGray == nil || !bounds.Eq(cs.prevGray.Bounds()) {
		// first frame, or dimensions changed after a reconnect: reset only
		cs.prevGray = gray
		return
	}

	area := diffCount(cs.prevGray, gray, cs.threshold)
	cs.prevGray = gray

	if area < areaMin {
		return
	}
	if time.Since(cs.lastEmit) < cs.cooldown {
		return
	}
	cs.lastEmit = time.Now()
	if s.onMotion != nil {
		s.onMotion(cameraID, area, f.Timestamp)
	}
}

func toGray(img image.Image) *image.Gray {
	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray.Set(x, y, img.At(x, y))
		}
	}
	return gray
}

func diffCount(prev, cur *image.Gray, threshold int) int {
	bounds := cur.Bounds()
	count := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			d := int(cur.GrayAt(x, y).Y) - int(prev.GrayAt(x, y).Y)
			if d < 0 {
				d = -d
			}
			if d >= threshold {
				count++
			}
		}
	}
	return count
}
