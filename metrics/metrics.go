package metrics

import (
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	nameFramesIngestedTotal   = "frames_ingested_total"
	nameDecodeErrorsTotal     = "decode_errors_total"
	nameMotionEventsTotal     = "motion_events_total"
	nameEventsPublishedTotal  = "events_published_total"
	nameEventsDroppedTotal    = "events_dropped_total"
	nameRTSPReconnectsTotal   = "rtsp_reconnects_total"
	nameCameraState           = "camera_state"
	nameRingBufferFill        = "ring_buffer_fill"
	nameFrameIngestLatencySec = "frame_ingest_latency_seconds"
)

// Registry exposes every counter, gauge, and histogram observed across the
// ingestion pipeline, registered directly against the default Prometheus
// registry the same way this lineage holds a raw `*prometheus.CounterVec`
// field on a component rather than going through an intermediary collector.
type Registry struct {
	FramesIngestedTotal   *prometheus.CounterVec
	DecodeErrorsTotal     *prometheus.CounterVec
	MotionEventsTotal     *prometheus.CounterVec
	EventsPublishedTotal  *prometheus.CounterVec
	EventsDroppedTotal    *prometheus.CounterVec
	RTSPReconnectsTotal   *prometheus.CounterVec
	CameraState           *prometheus.GaugeVec
	RingBufferFill        *prometheus.GaugeVec
	FrameIngestLatencySec prometheus.Histogram
}

/*
NewRegistry register every ingestion-pipeline metric against Prometheus's
default registry.

	@returns new Registry
*/
func NewRegistry() (*Registry, error) {
	logTags := log.Fields{"module": "metrics", "component": "registry"}

	framesIngested := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: nameFramesIngestedTotal, Help: "Frames ingested per camera and source",
	}, []string{"camera_id", "source"})
	if err := prometheus.Register(framesIngested); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install frames_ingested_total")
		return nil, err
	}

	decodeErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: nameDecodeErrorsTotal, Help: "Frame decode failures per camera",
	}, []string{"camera_id"})
	if err := prometheus.Register(decodeErrors); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install decode_errors_total")
		return nil, err
	}

	motionEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: nameMotionEventsTotal, Help: "Motion detections per camera",
	}, []string{"camera_id"})
	if err := prometheus.Register(motionEvents); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install motion_events_total")
		return nil, err
	}

	eventsPublished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: nameEventsPublishedTotal, Help: "Events published per camera and type",
	}, []string{"camera_id", "type"})
	if err := prometheus.Register(eventsPublished); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install events_published_total")
		return nil, err
	}

	eventsDropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: nameEventsDroppedTotal, Help: "Events dropped per camera and type",
	}, []string{"camera_id", "type"})
	if err := prometheus.Register(eventsDropped); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install events_dropped_total")
		return nil, err
	}

	reconnects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: nameRTSPReconnectsTotal, Help: "RTSP reconnect attempts per camera",
	}, []string{"camera_id"})
	if err := prometheus.Register(reconnects); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install rtsp_reconnects_total")
		return nil, err
	}

	cameraState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: nameCameraState, Help: "Current lifecycle state, encoded as an integer, per camera",
	}, []string{"camera_id"})
	if err := prometheus.Register(cameraState); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install camera_state")
		return nil, err
	}

	ringBufferFill := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: nameRingBufferFill, Help: "Ring buffer occupancy per camera",
	}, []string{"camera_id"})
	if err := prometheus.Register(ringBufferFill); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install ring_buffer_fill")
		return nil, err
	}

	latencyHist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    nameFrameIngestLatencySec,
		Help:    "Seconds from capture timestamp to ring buffer append",
		Buckets: prometheus.DefBuckets,
	})
	if err := prometheus.Register(latencyHist); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install frame_ingest_latency_seconds")
		return nil, err
	}

	return &Registry{
		FramesIngestedTotal:   framesIngested,
		DecodeErrorsTotal:     decodeErrors,
		MotionEventsTotal:     motionEvents,
		EventsPublishedTotal:  eventsPublished,
		EventsDroppedTotal:    eventsDropped,
		RTSPReconnectsTotal:   reconnects,
		CameraState:           cameraState,
		RingBufferFill:        ringBufferFill,
		FrameIngestLatencySec: latencyHist,
	}, nil
}

// StateValue encodes a camera lifecycle state as the integer the
// camera_state gauge reports, in the order the state machine proceeds.
func StateValue(state string) float64 {
	switch state {
	case "registering":
		return 0
	case "connecting":
		return 1
	case "connected":
		return 2
	case "disconnected":
		return 3
	case "stopped":
		return 4
	default:
		return -1
	}
}
