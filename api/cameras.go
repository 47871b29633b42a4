package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livemix/cache"
	"github.com/alwitt/livemix/common"
	"github.com/alwitt/livemix/db"
	"github.com/alwitt/livemix/frame"
	"github.com/alwitt/livemix/pushsink"
	"github.com/alwitt/livemix/registry"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// mjpegPollInterval is how often the live preview stream polls the Ring
// Buffer for a fresher frame.
const mjpegPollInterval = 200 * time.Millisecond

// ErrorResponse is the `{error, message}` envelope every control-plane
// failure is reported through.
type ErrorResponse struct {
	// Error the IngestError kind, e.g. "not_found"
	Error string `json:"error"`
	// Message human readable detail
	Message string `json:"message"`
}

// CameraHandler REST API interface to the Camera Registry
type CameraHandler struct {
	goutils.RestAPIHandler
	validate *validator.Validate

	registry *registry.Registry
	pushSink pushsink.Sink
	cache    cache.FrameCache // optional, nil disables it

	metricsHandler http.Handler
	persist        db.PersistenceManager
}

/*
NewCameraHandler define a new camera control-plane REST API handler

	@param reg *registry.Registry - camera registry
	@param sink pushsink.Sink - HTTP push ingest sink
	@param frameCache cache.FrameCache - optional second-tier frame cache, nil disables it
	@param persist db.PersistenceManager - readiness probe
	@param logConfig common.HTTPRequestLogging - handler log settings
	@returns new CameraHandler
*/
func NewCameraHandler(
	reg *registry.Registry,
	sink pushsink.Sink,
	frameCache cache.FrameCache,
	persist db.PersistenceManager,
	logConfig common.HTTPRequestLogging,
) (CameraHandler, error) {
	return CameraHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: log.Fields{"module": "api", "component": "camera-handler"},
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &logConfig.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range logConfig.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
			LogLevel: logConfig.LogLevel,
		},
		validate:       validator.New(),
		registry:       reg,
		pushSink:       sink,
		cache:          frameCache,
		metricsHandler: promhttp.Handler(),
		persist:        persist,
	}, nil
}

// writeError renders the `{error, message}` envelope for an IngestError,
// defaulting to 500/internal_error for anything else.
func (h CameraHandler) writeError(w http.ResponseWriter, logTags log.Fields, err error) {
	status := http.StatusInternalServerError
	kind := string(common.KindOf(err))
	if kind == "" {
		kind = "internal_error"
	} else {
		status = kindToStatus(common.KindOf(err))
	}
	log.WithError(err).WithFields(logTags).Error("Request failed")
	if wrErr := h.WriteRESTResponse(
		w, status, ErrorResponse{Error: kind, Message: err.Error()}, nil,
	); wrErr != nil {
		log.WithError(wrErr).WithFields(logTags).Error("Failed to form response")
	}
}

func kindToStatus(kind common.ErrorKind) int {
	switch kind {
	case common.ErrValidation, common.ErrBadFrame:
		return http.StatusBadRequest
	case common.ErrConflict, common.ErrWrongSourceType, common.ErrNoFrameYet:
		return http.StatusConflict
	case common.ErrNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ====================================================================================
// Camera CRUD

// RegisterCameraResponse response to a successful camera registration
type RegisterCameraResponse struct {
	ID string `json:"id"`
}

// RegisterCamera registers a new camera with the system.
func (h CameraHandler) RegisterCamera(w http.ResponseWriter, r *http.Request) {
	logTags := h.GetLogTagsForContext(r.Context())

	if r.Body == nil {
		h.writeError(w, logTags, common.NewError(common.ErrValidation, "request body is required", nil))
		return
	}
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Request body close error")
		}
	}()

	var spec common.CameraSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		h.writeError(w, logTags, common.NewError(common.ErrValidation, "malformed request body", err))
		return
	}
	if err := h.validate.Struct(&spec); err != nil {
		h.writeError(w, logTags, common.NewError(common.ErrValidation, "invalid camera spec", err))
		return
	}

	id, err := h.registry.Register(r.Context(), spec)
	if err != nil {
		h.writeError(w, logTags, err)
		return
	}

	if err := h.WriteRESTResponse(w, http.StatusCreated, RegisterCameraResponse{ID: id}, nil); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to form response")
	}
}

// RegisterCameraHandler Wrapper around RegisterCamera
func (h CameraHandler) RegisterCameraHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { h.RegisterCamera(w, r) }
}

// ------------------------------------------------------------------------------------

// ListCamerasResponse response containing every registered camera's summary
type ListCamerasResponse struct {
	Cameras []common.Summary `json:"cameras"`
}

// ListCameras returns every registered camera's summary view.
func (h CameraHandler) ListCameras(w http.ResponseWriter, r *http.Request) {
	logTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, ListCamerasResponse{Cameras: h.registry.List()}, nil,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to form response")
	}
}

// ListCamerasHandler Wrapper around ListCameras
func (h CameraHandler) ListCamerasHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { h.ListCameras(w, r) }
}

// ------------------------------------------------------------------------------------

// UpdateCameraResponse response to a successful camera update
type UpdateCameraResponse struct {
	ID string `json:"id"`
}

// UpdateCamera patches an existing camera's source_url/description.
func (h CameraHandler) UpdateCamera(w http.ResponseWriter, r *http.Request) {
	logTags := h.GetLogTagsForContext(r.Context())

	cameraID, ok := mux.Vars(r)["id"]
	if !ok {
		h.writeError(w, logTags, common.NewError(common.ErrValidation, "camera id missing from request URL", nil))
		return
	}

	var patch common.CameraUpdate
	if r.Body != nil {
		defer func() {
			if err := r.Body.Close(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Request body close error")
			}
		}()
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			h.writeError(w, logTags, common.NewError(common.ErrValidation, "malformed request body", err))
			return
		}
	}
	if err := h.validate.Struct(&patch); err != nil {
		h.writeError(w, logTags, common.NewError(common.ErrValidation, "invalid camera patch", err))
		return
	}

	if err := h.registry.Update(r.Context(), cameraID, patch); err != nil {
		h.writeError(w, logTags, err)
		return
	}

	if err := h.WriteRESTResponse(w, http.StatusOK, UpdateCameraResponse{ID: cameraID}, nil); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to form response")
	}
}

// UpdateCameraHandler Wrapper around UpdateCamera
func (h CameraHandler) UpdateCameraHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { h.UpdateCamera(w, r) }
}

// ------------------------------------------------------------------------------------

// DeleteCamera deregisters a camera, stopping its worker and releasing its
// motion-stage state.
func (h CameraHandler) DeleteCamera(w http.ResponseWriter, r *http.Request) {
	logTags := h.GetLogTagsForContext(r.Context())

	cameraID, ok := mux.Vars(r)["id"]
	if !ok {
		h.writeError(w, logTags, common.NewError(common.ErrValidation, "camera id missing from request URL", nil))
		return
	}

	if err := h.registry.Deregister(r.Context(), cameraID); err != nil {
		h.writeError(w, logTags, err)
		return
	}

	if h.cache != nil {
		if err := h.cache.Purge(r.Context(), cameraID); err != nil {
			log.WithError(err).WithFields(logTags).WithField("camera-id", cameraID).
				Warn("Failed to purge cached frame on deregister")
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteCameraHandler Wrapper around DeleteCamera
func (h CameraHandler) DeleteCameraHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { h.DeleteCamera(w, r) }
}

// ====================================================================================
// Frame access

// GetLatestFrame serves the most recent frame held for a camera as JPEG.
func (h CameraHandler) GetLatestFrame(w http.ResponseWriter, r *http.Request) {
	logTags := h.GetLogTagsForContext(r.Context())

	cameraID, ok := mux.Vars(r)["id"]
	if !ok {
		h.writeError(w, logTags, common.NewError(common.ErrValidation, "camera id missing from request URL", nil))
		return
	}

	f, err := h.registry.GetLatestFrame(cameraID)
	if err != nil {
		// the ring buffer is only ever empty (not missing) for a camera that
		// exists but has not produced a frame yet; that is exactly the gap a
		// second-tier cache exists to cover (e.g. a frame cached by another
		// instance, or from just before this process restarted).
		if common.KindOf(err) == common.ErrNoFrameYet && h.cache != nil {
			if cached, ok, cacheErr := h.cache.GetLatest(r.Context(), cameraID); cacheErr == nil && ok {
				w.Header().Set("Content-Type", "image/jpeg")
				w.WriteHeader(http.StatusOK)
				if _, werr := w.Write(cached); werr != nil {
					log.WithError(werr).WithFields(logTags).WithField("camera-id", cameraID).
						Debug("Failed to write cached frame bytes to response")
				}
				return
			}
		}
		h.writeError(w, logTags, err)
		return
	}

	jpegBytes, err := frame.EncodeJPEG(f)
	if err != nil {
		h.writeError(w, logTags, common.NewError(common.ErrBadFrame, "failed to encode frame as JPEG", err))
		return
	}

	if h.cache != nil {
		if err := h.cache.PutLatest(r.Context(), cameraID, jpegBytes); err != nil {
			log.WithError(err).WithFields(logTags).WithField("camera-id", cameraID).
				Warn("Failed to refresh cached frame")
		}
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(jpegBytes); err != nil {
		log.WithError(err).WithFields(logTags).WithField("camera-id", cameraID).
			Debug("Failed to write frame bytes to response")
	}
}

// GetLatestFrameHandler Wrapper around GetLatestFrame
func (h CameraHandler) GetLatestFrameHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { h.GetLatestFrame(w, r) }
}

// ------------------------------------------------------------------------------------

// StreamLive serves a `multipart/x-mixed-replace` MJPEG preview built off
// repeated Ring Buffer `latest()` polling. Not HLS/DASH repackaging — a
// direct, repackaging-free re-emission of already-decoded frames.
func (h CameraHandler) StreamLive(w http.ResponseWriter, r *http.Request) {
	logTags := h.GetLogTagsForContext(r.Context())

	cameraID, ok := mux.Vars(r)["id"]
	if !ok {
		h.writeError(w, logTags, common.NewError(common.ErrValidation, "camera id missing from request URL", nil))
		return
	}

	// Confirm the camera exists before committing to a streaming response.
	if _, err := h.registry.GetLatestFrame(cameraID); err != nil && common.KindOf(err) == common.ErrNotFound {
		h.writeError(w, logTags, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, logTags, common.NewError(
			common.ErrValidation, "response writer does not support streaming", nil,
		))
		return
	}

	const boundary = "livemixframe"
	w.Header().Set("Content-Type", fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", boundary))
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(mjpegPollInterval)
	defer ticker.Stop()

	var lastSeq uint64
	haveFrame := false

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			f, err := h.registry.GetLatestFrame(cameraID)
			if err != nil {
				if common.KindOf(err) == common.ErrNotFound {
					return
				}
				continue
			}
			if haveFrame && f.Seq == lastSeq {
				continue
			}
			jpegBytes, err := frame.EncodeJPEG(f)
			if err != nil {
				continue
			}
			lastSeq, haveFrame = f.Seq, true

			if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(jpegBytes)); err != nil {
				return
			}
			if _, err := w.Write(jpegBytes); err != nil {
				return
			}
			if _, err := io.WriteString(w, "\r\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// StreamLiveHandler Wrapper around StreamLive
func (h CameraHandler) StreamLiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { h.StreamLive(w, r) }
}

// ====================================================================================
// Push ingest

// PushFrameResponse response to a successfully accepted pushed frame
type PushFrameResponse struct {
	Seq uint64 `json:"seq"`
}

// maxPushedFrameBytes bounds the in-memory multipart parse buffer for the
// push ingest endpoint.
const maxPushedFrameBytes = 16 << 20

// PushFrame accepts one externally supplied encoded frame for an http_push camera.
func (h CameraHandler) PushFrame(w http.ResponseWriter, r *http.Request) {
	logTags := h.GetLogTagsForContext(r.Context())

	cameraID, ok := mux.Vars(r)["id"]
	if !ok {
		h.writeError(w, logTags, common.NewError(common.ErrValidation, "camera id missing from request URL", nil))
		return
	}

	if err := r.ParseMultipartForm(maxPushedFrameBytes); err != nil {
		h.writeError(w, logTags, common.NewError(common.ErrBadFrame, "failed to parse multipart form", err))
		return
	}

	file, _, err := r.FormFile("frame_file")
	if err != nil {
		h.writeError(w, logTags, common.NewError(common.ErrBadFrame, "frame_file field missing", err))
		return
	}
	defer func() {
		if err := file.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Uploaded file close error")
		}
	}()

	encoded, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, logTags, common.NewError(common.ErrBadFrame, "failed to read frame_file", err))
		return
	}

	var timestamp *float64
	if raw := r.FormValue("timestamp"); raw != "" {
		ts, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			h.writeError(w, logTags, common.NewError(common.ErrValidation, "timestamp is not a valid float", err))
			return
		}
		timestamp = &ts
	}

	seq, err := h.pushSink.Push(cameraID, encoded, timestamp)
	if err != nil {
		h.writeError(w, logTags, err)
		return
	}

	if err := h.WriteRESTResponse(w, http.StatusAccepted, PushFrameResponse{Seq: seq}, nil); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to form response")
	}
}

// PushFrameHandler Wrapper around PushFrame
func (h CameraHandler) PushFrameHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { h.PushFrame(w, r) }
}

// ====================================================================================
// Utilities

// MetricsHandler exposes the Prometheus text exposition format.
func (h CameraHandler) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { h.metricsHandler.ServeHTTP(w, r) }
}

// Alive indicates the REST API module is live.
func (h CameraHandler) Alive(w http.ResponseWriter, r *http.Request) {
	logTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h CameraHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { h.Alive(w, r) }
}

// Ready indicates the REST API module is ready to serve, gated on the
// persistence layer being reachable.
func (h CameraHandler) Ready(w http.ResponseWriter, r *http.Request) {
	logTags := h.GetLogTagsForContext(r.Context())
	if err := h.persist.Ready(r.Context()); err != nil {
		if wrErr := h.WriteRESTResponse(
			w, http.StatusInternalServerError,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, "not ready", err.Error()), nil,
		); wrErr != nil {
			log.WithError(wrErr).WithFields(logTags).Error("Failed to form response")
		}
		return
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to form response")
	}
}

// ReadyHandler Wrapper around Ready
func (h CameraHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { h.Ready(w, r) }
}
