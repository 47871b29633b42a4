package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livemix/common"
	"github.com/alwitt/livemix/db"
	"github.com/alwitt/livemix/eventbus"
	"github.com/alwitt/livemix/frame"
	"github.com/alwitt/livemix/metrics"
	"github.com/alwitt/livemix/motion"
	"github.com/alwitt/livemix/ringbuffer"
	"github.com/alwitt/livemix/rtsp"
	"github.com/alwitt/livemix/webhook"
	"github.com/apex/log"
)

// Defaults carries the environment-configured fallbacks applied to a
// CameraSpec's optional fields (§9 open question, resolved).
type Defaults struct {
	BufferSize            int
	MotionThreshold       int
	MotionAreaMin         float64
	MotionCooldownSeconds float64
}

// cameraEntry bundles a Camera's runtime state with the resources
// exclusively owned by it.
type cameraEntry struct {
	camera *common.Camera
	buffer ringbuffer.RingBuffer
	worker rtsp.Worker // nil for http_push cameras
	seq    atomic.Uint64
}

// Registry is the sole owner of every Camera record and its worker handle.
// All mutating operations (register/deregister) serialize through a single
// mutex so concurrent register/deregister of the same id is well defined;
// reads of separate cameras proceed concurrently against their own entries.
type Registry struct {
	goutils.Component
	lock     sync.Mutex
	cameras  map[string]*cameraEntry
	defaults Defaults

	persist  db.PersistenceManager
	events   eventbus.Publisher
	detector motion.Detector
	metrics  *metrics.Registry
	notifier webhook.Notifier
}

/*
NewRegistry define a new Camera Registry

	@param persist db.PersistenceManager - durable camera registration store
	@param events eventbus.Publisher - event bus adapter
	@param detector motion.Detector - motion detection stage
	@param metricsRegistry *metrics.Registry - metrics registry
	@param defaults Defaults - fallback registration options
	@returns new Registry
*/
func NewRegistry(
	persist db.PersistenceManager,
	events eventbus.Publisher,
	detector motion.Detector,
	metricsRegistry *metrics.Registry,
	defaults Defaults,
) *Registry {
	return &Registry{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "registry", "component": "camera-registry"},
		},
		cameras:  make(map[string]*cameraEntry),
		defaults: defaults,
		persist:  persist,
		events:   events,
		detector: detector,
		metrics:  metricsRegistry,
	}
}

/*
Register create a new Camera and (for RTSP) start its worker. Returns
promptly without waiting for `connected`.

	@param ctxt context.Context - execution context
	@param spec common.CameraSpec - registration request
	@returns the id on success, or a *common.IngestError (conflict, validation_error)
*/
func (r *Registry) Register(ctxt context.Context, spec common.CameraSpec) (string, error) {
	r.lock.Lock()

	if _, exists := r.cameras[spec.ID]; exists {
		r.lock.Unlock()
		return "", common.NewError(common.ErrConflict, "camera id already registered", nil)
	}
	if spec.SourceType == common.SourceTypeRTSP && (spec.SourceURL == nil || *spec.SourceURL == "") {
		r.lock.Unlock()
		return "", common.NewError(common.ErrValidation, "rtsp cameras require a source_url", nil)
	}

	bufferSize := r.defaults.BufferSize
	if spec.BufferSize != nil {
		bufferSize = *spec.BufferSize
	}
	threshold := r.defaults.MotionThreshold
	if spec.MotionThreshold != nil {
		threshold = *spec.MotionThreshold
	}
	areaMin := r.defaults.MotionAreaMin
	if spec.MotionAreaMin != nil {
		areaMin = *spec.MotionAreaMin
	}
	cooldown := r.defaults.MotionCooldownSeconds
	if spec.MotionCooldownSeconds != nil {
		cooldown = *spec.MotionCooldownSeconds
	}

	buffer, err := ringbuffer.NewRingBuffer(bufferSize)
	if err != nil {
		r.lock.Unlock()
		return "", err
	}

	initialState := common.StateRegistering
	if spec.SourceType == common.SourceTypePush {
		// an http_push camera is implicitly connected from creation (§3 invariant b)
		initialState = common.StateConnected
	}

	camera := &common.Camera{
		ID:                    spec.ID,
		SourceType:            spec.SourceType,
		SourceURL:             spec.SourceURL,
		BufferSize:            bufferSize,
		MotionThreshold:       threshold,
		MotionAreaMin:         areaMin,
		MotionCooldownSeconds: cooldown,
		State:                 initialState,
		CreatedAt:             time.Now(),
	}

	entry := &cameraEntry{camera: camera, buffer: buffer}
	r.detector.Register(spec.ID, threshold, areaMin, time.Duration(cooldown*float64(time.Second)))

	if spec.SourceType == common.SourceTypeRTSP {
		entry.worker = rtsp.NewWorker(*spec.SourceURL, rtsp.DialRTSP, r.workerCallbacks(spec.ID, entry))
		entry.worker.Start()
	}

	r.cameras[spec.ID] = entry

	if err := r.persist.UpsertCamera(ctxt, toRecord(camera)); err != nil {
		log.WithError(err).WithFields(r.LogTags).WithField("camera-id", spec.ID).
			Error("Failed to persist camera registration")
	}

	r.lock.Unlock()

	// published after releasing r.lock, so the event-bus hand-off never runs
	// under the coordinator lock other cameras' registration and ingest paths
	// need.
	r.publish(common.Event{
		Type: eventTypeFor(initialState), CameraID: spec.ID, Timestamp: frame.Now(),
	})

	return spec.ID, nil
}

// GetLatestFrame returns the most recent frame held for a camera.
func (r *Registry) GetLatestFrame(cameraID string) (frame.Frame, error) {
	r.lock.Lock()
	entry, ok := r.cameras[cameraID]
	r.lock.Unlock()
	if !ok {
		return frame.Frame{}, common.NewError(common.ErrNotFound, "camera not found", nil)
	}
	f, ok := entry.buffer.Latest()
	if !ok {
		return frame.Frame{}, common.NewError(common.ErrNoFrameYet, "camera has not produced a frame yet", nil)
	}
	return f, nil
}

// List returns a Summary for every registered camera.
func (r *Registry) List() []common.Summary {
	r.lock.Lock()
	defer r.lock.Unlock()

	result := make([]common.Summary, 0, len(r.cameras))
	for _, entry := range r.cameras {
		result = append(result, common.Summary{
			ID:          entry.camera.ID,
			SourceType:  entry.camera.SourceType,
			State:       entry.camera.State,
			LastFrameAt: entry.camera.LastFrameAt,
			Fill:        entry.buffer.Fill(),
		})
	}
	return result
}

/*
Update applies a mutable-field patch to an existing camera. A source_url
change is stored and persisted, but a running RTSP worker keeps the URL it
was started with until the camera is registered again (e.g. on restart).

	@param ctxt context.Context - execution context
	@param cameraID string - camera to update
	@param patch common.CameraUpdate - fields to change
*/
func (r *Registry) Update(ctxt context.Context, cameraID string, patch common.CameraUpdate) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	entry, ok := r.cameras[cameraID]
	if !ok {
		return common.NewError(common.ErrNotFound, "camera not found", nil)
	}
	if patch.SourceURL != nil {
		if entry.camera.SourceType == common.SourceTypePush {
			return common.NewError(
				common.ErrWrongSourceType, "http_push cameras do not have a source_url to update", nil,
			)
		}
		entry.camera.SourceURL = patch.SourceURL
	}
	if patch.Description != nil {
		entry.camera.Description = patch.Description
	}
	return r.persist.UpdateCamera(ctxt, cameraID, patch.SourceURL, patch.Description)
}

/*
Deregister stops a camera's worker and motion state and removes its record.
Events for the camera still queued on the event bus are not waited for.
Transitioning to `stopped` is terminal: the camera is gone from the
Registry afterward.

	@param ctxt context.Context - execution context
	@param cameraID string - camera to remove
*/
func (r *Registry) Deregister(ctxt context.Context, cameraID string) error {
	r.lock.Lock()
	entry, ok := r.cameras[cameraID]
	if ok {
		delete(r.cameras, cameraID)
	}
	r.lock.Unlock()

	if !ok {
		return common.NewError(common.ErrNotFound, "camera not found", nil)
	}

	if entry.worker != nil {
		entry.worker.Stop(ctxt)
	}
	r.detector.Stop(cameraID)

	if err := r.persist.DeleteCamera(ctxt, cameraID); err != nil {
		log.WithError(err).WithFields(r.LogTags).WithField("camera-id", cameraID).
			Error("Failed to remove persisted camera record")
	}

	return nil
}

// SetNotifier attaches the optional outbound webhook notifier. Called once
// during startup, before any camera is registered; unset, camera.connected
// and camera.disconnected notifications are simply not sent.
func (r *Registry) SetNotifier(notifier webhook.Notifier) {
	r.notifier = notifier
}

// SetDefaults replaces the fallback registration options applied to a
// CameraSpec's unset fields. Safe to call while cameras are registered:
// it only changes what a future Register call falls back to, never an
// already-registered camera's effective settings. Wired to the config
// file watcher for live reload without a process restart.
func (r *Registry) SetDefaults(defaults Defaults) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.defaults = defaults
}

// SourceTypeOf implements pushsink.CameraLookup.
func (r *Registry) SourceTypeOf(cameraID string) (common.SourceType, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.cameras[cameraID]
	if !ok {
		return "", false
	}
	return entry.camera.SourceType, true
}

// NextSeq implements pushsink.CameraLookup.
func (r *Registry) NextSeq(cameraID string) uint64 {
	r.lock.Lock()
	entry, ok := r.cameras[cameraID]
	r.lock.Unlock()
	if !ok {
		return 0
	}
	return entry.seq.Add(1) - 1
}

// Dispatch implements pushsink.Dispatcher: append to the ring buffer, hand
// off to the motion stage, and publish frame.ingested.
func (r *Registry) Dispatch(cameraID string, f frame.Frame) {
	r.lock.Lock()
	entry, ok := r.cameras[cameraID]
	r.lock.Unlock()
	if !ok {
		return
	}
	r.ingest(cameraID, entry, f)
}

func (r *Registry) ingest(cameraID string, entry *cameraEntry, f frame.Frame) {
	entry.buffer.Append(f)
	now := time.Now()
	entry.camera.LastFrameAt = &now

	r.detector.Submit(cameraID, f)

	seq := f.Seq
	r.publish(common.Event{
		Type: common.EventFrameIngested, CameraID: cameraID, Timestamp: f.Timestamp,
		Source: string(f.Source), Seq: &seq,
	})

	if r.metrics != nil {
		r.metrics.FramesIngestedTotal.WithLabelValues(cameraID, string(f.Source)).Inc()
		r.metrics.RingBufferFill.WithLabelValues(cameraID).Set(float64(entry.buffer.Fill()))
		captureTime := time.Unix(0, int64(f.Timestamp*float64(time.Second)))
		r.metrics.FrameIngestLatencySec.Observe(time.Since(captureTime).Seconds())
	}
}

func (r *Registry) workerCallbacks(cameraID string, entry *cameraEntry) rtsp.Callbacks {
	return rtsp.Callbacks{
		OnStateChange: func(state common.CameraState) {
			r.lock.Lock()
			entry.camera.State = state
			r.lock.Unlock()
			if r.metrics != nil {
				r.metrics.CameraState.WithLabelValues(cameraID).Set(metrics.StateValue(string(state)))
			}
			if state == common.StateConnected {
				r.publish(common.Event{Type: common.EventCameraConnected, CameraID: cameraID, Timestamp: frame.Now()})
			}
		},
		OnFrame: func(f frame.Frame) {
			r.ingest(cameraID, entry, f)
		},
		OnDisconnected: func(reason string) {
			r.publish(common.Event{
				Type: common.EventCameraDisconnected, CameraID: cameraID, Timestamp: frame.Now(), Reason: reason,
			})
		},
		OnReconnect: func() {
			if r.metrics != nil {
				r.metrics.RTSPReconnectsTotal.WithLabelValues(cameraID).Inc()
			}
		},
		OnDecodeError: func() {
			if r.metrics != nil {
				r.metrics.DecodeErrorsTotal.WithLabelValues(cameraID).Inc()
			}
		},
	}
}

// HandleMotion is the motion.Detector's onMotion callback: publish
// motion.detected and count it. Exported so main's wiring can close over a
// not-yet-constructed Registry when building the Detector (the two have a
// natural circular dependency resolved by a two-phase construction).
func (r *Registry) HandleMotion(cameraID string, area int, ts float64) {
	a := area
	r.publish(common.Event{Type: common.EventMotionDetected, CameraID: cameraID, Timestamp: ts, Area: &a})
	if r.metrics != nil {
		r.metrics.MotionEventsTotal.WithLabelValues(cameraID).Inc()
	}
}

// HandleMotionDrop is the motion.Detector's onDrop callback.
func (r *Registry) HandleMotionDrop(cameraID string) {
	if r.metrics != nil {
		r.metrics.EventsDroppedTotal.WithLabelValues(cameraID, "motion_input").Inc()
	}
}

// publish hands evt to the event bus and, for camera lifecycle events, the
// outbound webhook notifier. events_published_total is counted only once the
// bus confirms the event reached delivery without being dropped — see
// eventbus.redisPublisherImpl.deliver — so a drop is never double-counted
// here as both "published" and "dropped". The webhook notifier runs on its
// own goroutine, so its HTTP call never blocks the caller.
func (r *Registry) publish(evt common.Event) {
	r.events.Publish(evt)
	if r.notifier != nil && (evt.Type == common.EventCameraConnected || evt.Type == common.EventCameraDisconnected) {
		go r.notifier.Notify(evt)
	}
}

func eventTypeFor(state common.CameraState) common.EventType {
	if state == common.StateConnected {
		return common.EventCameraConnected
	}
	return common.EventCameraDisconnected
}

func toRecord(c *common.Camera) common.CameraRecord {
	return common.CameraRecord{
		ID:                    c.ID,
		SourceType:            string(c.SourceType),
		SourceURL:             c.SourceURL,
		Description:           c.Description,
		BufferSize:            c.BufferSize,
		MotionThreshold:       c.MotionThreshold,
		MotionAreaMin:         c.MotionAreaMin,
		MotionCooldownSeconds: c.MotionCooldownSeconds,
		CreatedAt:             c.CreatedAt,
	}
}
