package pushsink

import (
	"github.com/alwitt/livemix/common"
	"github.com/alwitt/livemix/frame"
)

// CameraLookup resolves a camera id to its source type and next sequence
// number, without exposing the full Registry surface to the sink.
type CameraLookup interface {
	// SourceTypeOf returns the camera's source type, or ok=false if unknown.
	SourceTypeOf(cameraID string) (common.SourceType, bool)

	// NextSeq returns the sequence number to assign to the next frame pushed
	// for this camera, and records that it has been assigned.
	NextSeq(cameraID string) uint64
}

// Dispatcher is notified once a pushed frame has been successfully decoded
// and sequenced, and is responsible for ring-buffer append, motion-stage
// hand-off, and event-bus publish.
type Dispatcher interface {
	Dispatch(cameraID string, f frame.Frame)
}

// Sink accepts externally supplied encoded frames for http_push cameras.
type Sink interface {
	/*
		Push validate, decode, and dispatch one externally supplied frame.

			@param cameraID string - target camera id
			@param encoded []byte - encoded (JPEG/PNG) frame bytes
			@param timestamp *float64 - optional source timestamp; server_now()
				is used when nil
			@returns the decoded frame's assigned sequence number, or an
				*common.IngestError with Kind one of not_found, wrong_source_type,
				bad_frame
	*/
	Push(cameraID string, encoded []byte, timestamp *float64) (uint64, error)
}

type sinkImpl struct {
	lookup     CameraLookup
	dispatcher Dispatcher
}

/*
NewSink define a new HTTP push ingest sink

	@param lookup CameraLookup - camera existence/source-type/seq resolver
	@param dispatcher Dispatcher - ring buffer/motion/event-bus fan-out
	@returns new Sink
*/
func NewSink(lookup CameraLookup, dispatcher Dispatcher) Sink {
	return &sinkImpl{lookup: lookup, dispatcher: dispatcher}
}

func (s *sinkImpl) Push(cameraID string, encoded []byte, timestamp *float64) (uint64, error) {
	sourceType, ok := s.lookup.SourceTypeOf(cameraID)
	if !ok {
		return 0, common.NewError(common.ErrNotFound, "camera not found", nil)
	}
	if sourceType != common.SourceTypePush {
		return 0, common.NewError(
			common.ErrWrongSourceType, "camera is not configured for http_push", nil,
		)
	}

	ts := frame.Now()
	if timestamp != nil {
		ts = *timestamp
	}

	decoded, err := frame.Decode(encoded, ts, frame.SourcePush, 0)
	if err != nil {
		return 0, common.NewError(common.ErrBadFrame, "failed to decode pushed frame", err)
	}

	seq := s.lookup.NextSeq(cameraID)
	decoded.Seq = seq

	s.dispatcher.Dispatch(cameraID, decoded)
	return seq, nil
}
