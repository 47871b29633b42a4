package rtsp

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livemix/common"
	"github.com/alwitt/livemix/frame"
	"github.com/apex/log"
)

const (
	backoffBase    = 1 * time.Second
	backoffFactor  = 2
	backoffCap     = 30 * time.Second
	maxDecodeFails = 10
	stopGrace      = 2 * time.Second
)

// Callbacks are the Registry-provided hooks a Worker drives as it moves
// through its state machine and ingests frames. All are invoked from the
// worker's own goroutine; implementations must not block.
type Callbacks struct {
	OnStateChange  func(state common.CameraState)
	OnFrame        func(f frame.Frame)
	OnDisconnected func(reason string)
	OnReconnect    func()
	OnDecodeError  func()
}

// Worker owns the session lifecycle for one RTSP camera: connect, read,
// decode, reconnect on failure, and honor an explicit stop within a bounded
// grace period.
type Worker interface {
	// Start begins the connect/read/reconnect loop in a background goroutine.
	Start()

	/*
		Stop requests the worker terminate. Blocks until the worker
		acknowledges, up to a bounded grace period.

			@param ctxt context.Context - execution context bounding the wait
	*/
	Stop(ctxt context.Context)

	// State returns the worker's current lifecycle state.
	State() common.CameraState
}

type workerImpl struct {
	goutils.Component
	sourceURL    string
	dial         sessionFactory
	callbacks    Callbacks
	state        atomic.Value // common.CameraState
	lastSeq      uint64
	seqStarted   bool
	failures     atomic.Int32
	decodeFails  int
	done         chan struct{}
	stoppedAck   chan struct{}
	wg           sync.WaitGroup
	session      Session
	sessionLock  sync.Mutex
}

/*
NewWorker define a new RTSP ingest worker for one camera

	@param sourceURL string - RTSP source URL
	@param dial sessionFactory - session constructor, injectable for tests
	@param callbacks Callbacks - lifecycle/frame hooks
	@returns new Worker
*/
func NewWorker(sourceURL string, dial sessionFactory, callbacks Callbacks) Worker {
	w := &workerImpl{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "rtsp", "component": "worker"},
		},
		sourceURL:  sourceURL,
		dial:       dial,
		callbacks:  callbacks,
		done:       make(chan struct{}),
		stoppedAck: make(chan struct{}),
	}
	w.state.Store(common.StateRegistering)
	return w
}

func (w *workerImpl) State() common.CameraState {
	return w.state.Load().(common.CameraState)
}

func (w *workerImpl) setState(s common.CameraState) {
	w.state.Store(s)
	if w.callbacks.OnStateChange != nil {
		w.callbacks.OnStateChange(s)
	}
}

func (w *workerImpl) Start() {
	w.wg.Add(1)
	go w.run()
}

func (w *workerImpl) Stop(ctxt context.Context) {
	close(w.done)

	w.sessionLock.Lock()
	if w.session != nil {
		_ = w.session.Close()
	}
	w.sessionLock.Unlock()

	waitCtxt, cancel := context.WithTimeout(ctxt, stopGrace)
	defer cancel()

	select {
	case <-w.stoppedAck:
	case <-waitCtxt.Done():
		log.WithFields(w.LogTags).Warn("RTSP worker did not acknowledge stop within grace period")
	}
}

func (w *workerImpl) run() {
	defer w.wg.Done()
	defer close(w.stoppedAck)
	defer w.setState(common.StateStopped)

	delay := backoffBase
	for {
		select {
		case <-w.done:
			return
		default:
		}

		w.setState(common.StateConnecting)
		session, err := w.dial(w.sourceURL)
		if err != nil {
			w.failures.Add(1)
			log.WithError(err).WithFields(w.LogTags).Warn("RTSP connect failed")
			select {
			case <-w.done:
				return
			default:
			}
			w.setState(common.StateDisconnected)
			if w.callbacks.OnDisconnected != nil {
				w.callbacks.OnDisconnected(err.Error())
			}
			if w.callbacks.OnReconnect != nil {
				w.callbacks.OnReconnect()
			}
			if w.sleepWithBackoff(&delay) {
				return
			}
			continue
		}

		w.sessionLock.Lock()
		w.session = session
		w.sessionLock.Unlock()

		w.failures.Store(0)
		delay = backoffBase
		w.decodeFails = 0
		w.setState(common.StateConnected)

		reason := w.readLoop(session)

		_ = session.Close()
		w.sessionLock.Lock()
		w.session = nil
		w.sessionLock.Unlock()

		select {
		case <-w.done:
			return
		default:
		}

		w.setState(common.StateDisconnected)
		if w.callbacks.OnDisconnected != nil {
			w.callbacks.OnDisconnected(reason)
		}
		if w.callbacks.OnReconnect != nil {
			w.callbacks.OnReconnect()
		}
		if w.sleepWithBackoff(&delay) {
			return
		}
	}
}

// readLoop consumes frames until a read/decode failure or explicit stop.
// Returns the disconnect reason.
func (w *workerImpl) readLoop(session Session) string {
	for {
		select {
		case <-w.done:
			return "stopped"
		default:
		}

		payload, ts, err := session.ReadFrame()
		if err != nil {
			return err.Error()
		}

		seq := w.lastSeq + 1
		if !w.seqStarted {
			seq = 0
		}
		decoded, decErr := frame.Decode(payload, ts, frame.SourceRTSP, seq)
		if decErr != nil {
			w.decodeFails++
			if w.callbacks.OnDecodeError != nil {
				w.callbacks.OnDecodeError()
			}
			log.WithError(decErr).WithFields(w.LogTags).Debug("dropped undecodable RTSP packet")
			if w.decodeFails >= maxDecodeFails {
				return "too many consecutive decode failures"
			}
			continue
		}
		w.decodeFails = 0
		w.lastSeq = decoded.Seq
		w.seqStarted = true
		if w.callbacks.OnFrame != nil {
			w.callbacks.OnFrame(decoded)
		}
	}
}

// sleepWithBackoff waits the current backoff delay (with full jitter) or
// until stopped, advancing delay for the next iteration. Returns true if
// the worker was stopped during the wait.
func (w *workerImpl) sleepWithBackoff(delay *time.Duration) bool {
	jittered := time.Duration(rand.Int63n(int64(*delay) + 1))
	timer := time.NewTimer(jittered)
	defer timer.Stop()

	select {
	case <-w.done:
		return true
	case <-timer.C:
	}

	*delay *= backoffFactor
	if *delay > backoffCap {
		*delay = backoffCap
	}
	return false
}
