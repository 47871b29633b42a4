package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/livemix/api"
	"github.com/alwitt/livemix/cache"
	"github.com/alwitt/livemix/common"
	"github.com/alwitt/livemix/db"
	"github.com/alwitt/livemix/frame"
	"github.com/alwitt/livemix/pushsink"
	"github.com/alwitt/livemix/registry"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm/logger"
)

type fakePublisher struct {
	lock   sync.Mutex
	events []common.Event
}

func (p *fakePublisher) Publish(evt common.Event) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.events = append(p.events, evt)
}
func (p *fakePublisher) Drops() uint64        { return 0 }
func (p *fakePublisher) Stop(context.Context) {}

type fakeDetector struct {
	lock       sync.Mutex
	registered map[string]bool
}

func newFakeDetector() *fakeDetector { return &fakeDetector{registered: map[string]bool{}} }

func (d *fakeDetector) Submit(cameraID string, f frame.Frame) {}
func (d *fakeDetector) Register(cameraID string, threshold int, areaMinFraction float64, cooldown time.Duration) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.registered[cameraID] = true
}
func (d *fakeDetector) Stop(cameraID string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	delete(d.registered, cameraID)
}

func newTestHandler(t *testing.T) (api.CameraHandler, *registry.Registry, db.PersistenceManager) {
	testDB := fmt.Sprintf("/tmp/ut-api-%s.db", uuid.NewString())
	persist, err := db.NewManager(db.GetSqliteDialector(testDB), logger.Silent)
	assert.Nil(t, err)

	reg := registry.NewRegistry(persist, &fakePublisher{}, newFakeDetector(), nil, registry.Defaults{
		BufferSize: 10, MotionThreshold: 25, MotionAreaMin: 0.005, MotionCooldownSeconds: 2.0,
	})
	sink := pushsink.NewSink(reg, reg)

	handler, err := api.NewCameraHandler(reg, sink, nil, persist, common.HTTPRequestLogging{
		RequestIDHeader: "X-Request-ID", DoNotLogHeaders: []string{},
	})
	assert.Nil(t, err)

	return handler, reg, persist
}

func jpegBytes(t *testing.T) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 10), G: uint8(y * 10), B: 0, A: 255})
		}
	}
	var buf bytes.Buffer
	assert.Nil(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestCameraHandlerRegisterAndList(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	handler, _, _ := newTestHandler(t)
	router := mux.NewRouter()
	router.HandleFunc("/api/cameras", handler.LoggingMiddleware(handler.RegisterCameraHandler())).
		Methods(http.MethodPost)
	router.HandleFunc("/api/cameras", handler.LoggingMiddleware(handler.ListCamerasHandler())).
		Methods(http.MethodGet)

	// Case 0: register a push camera
	spec := common.CameraSpec{ID: "cam-1", SourceType: common.SourceTypePush}
	body, err := json.Marshal(&spec)
	assert.Nil(err)

	req := httptest.NewRequest(http.MethodPost, "/api/cameras", bytes.NewReader(body))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	assert.Equal(http.StatusCreated, recorder.Code)

	// Case 1: duplicate registration conflicts
	recorder = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/cameras", bytes.NewReader(body))
	router.ServeHTTP(recorder, req)
	assert.Equal(http.StatusConflict, recorder.Code)
	var errResp api.ErrorResponse
	assert.Nil(json.Unmarshal(recorder.Body.Bytes(), &errResp))
	assert.Equal(string(common.ErrConflict), errResp.Error)

	// Case 2: rtsp camera missing source_url is a validation error
	recorder = httptest.NewRecorder()
	badSpec := common.CameraSpec{ID: "cam-2", SourceType: common.SourceTypeRTSP}
	badBody, err := json.Marshal(&badSpec)
	assert.Nil(err)
	req = httptest.NewRequest(http.MethodPost, "/api/cameras", bytes.NewReader(badBody))
	router.ServeHTTP(recorder, req)
	assert.Equal(http.StatusBadRequest, recorder.Code)

	// Case 3: list reflects the one successful registration
	recorder = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/cameras", nil)
	router.ServeHTTP(recorder, req)
	assert.Equal(http.StatusOK, recorder.Code)
	var listResp api.ListCamerasResponse
	assert.Nil(json.Unmarshal(recorder.Body.Bytes(), &listResp))
	assert.Len(listResp.Cameras, 1)
	assert.Equal("cam-1", listResp.Cameras[0].ID)
}

func TestCameraHandlerUpdateAndDelete(t *testing.T) {
	assert := assert.New(t)

	handler, reg, _ := newTestHandler(t)
	_, err := reg.Register(context.Background(), common.CameraSpec{
		ID: "cam-1", SourceType: common.SourceTypePush,
	})
	assert.Nil(err)

	router := mux.NewRouter()
	router.HandleFunc("/api/cameras/{id}", handler.LoggingMiddleware(handler.UpdateCameraHandler())).
		Methods(http.MethodPatch)
	router.HandleFunc("/api/cameras/{id}", handler.LoggingMiddleware(handler.DeleteCameraHandler())).
		Methods(http.MethodDelete)

	// Case 0: patching source_url on an http_push camera is rejected
	patch := common.CameraUpdate{SourceURL: func() *string { s := "rtsp://x"; return &s }()}
	body, err := json.Marshal(&patch)
	assert.Nil(err)
	req := httptest.NewRequest(http.MethodPatch, "/api/cameras/cam-1", bytes.NewReader(body))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	assert.Equal(http.StatusConflict, recorder.Code)

	// Case 1: patching description succeeds
	desc := "hallway camera"
	patch = common.CameraUpdate{Description: &desc}
	body, err = json.Marshal(&patch)
	assert.Nil(err)
	req = httptest.NewRequest(http.MethodPatch, "/api/cameras/cam-1", bytes.NewReader(body))
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	assert.Equal(http.StatusOK, recorder.Code)

	// Case 2: unknown camera is not_found
	req = httptest.NewRequest(http.MethodDelete, "/api/cameras/missing", nil)
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	assert.Equal(http.StatusNotFound, recorder.Code)

	// Case 3: delete the real camera
	req = httptest.NewRequest(http.MethodDelete, "/api/cameras/cam-1", nil)
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	assert.Equal(http.StatusNoContent, recorder.Code)
}

func TestCameraHandlerPushFrameAndLatest(t *testing.T) {
	assert := assert.New(t)

	handler, reg, _ := newTestHandler(t)
	_, err := reg.Register(context.Background(), common.CameraSpec{
		ID: "cam-1", SourceType: common.SourceTypePush,
	})
	assert.Nil(err)

	router := mux.NewRouter()
	router.HandleFunc(
		"/api/ingest/push/{id}", handler.LoggingMiddleware(handler.PushFrameHandler()),
	).Methods(http.MethodPost)
	router.HandleFunc(
		"/api/cameras/{id}/frame/latest", handler.LoggingMiddleware(handler.GetLatestFrameHandler()),
	).Methods(http.MethodGet)

	// Case 0: no frame pushed yet
	req := httptest.NewRequest(http.MethodGet, "/api/cameras/cam-1/frame/latest", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	assert.Equal(http.StatusConflict, recorder.Code)

	// Case 1: push a frame for the camera
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("frame_file", "frame.jpg")
	assert.Nil(err)
	_, err = part.Write(jpegBytes(t))
	assert.Nil(err)
	assert.Nil(writer.Close())

	req = httptest.NewRequest(http.MethodPost, "/api/ingest/push/cam-1", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	assert.Equal(http.StatusAccepted, recorder.Code)
	var pushResp api.PushFrameResponse
	assert.Nil(json.Unmarshal(recorder.Body.Bytes(), &pushResp))
	assert.Equal(uint64(0), pushResp.Seq)

	// Case 2: frame/latest now serves the pushed frame as JPEG
	req = httptest.NewRequest(http.MethodGet, "/api/cameras/cam-1/frame/latest", nil)
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	assert.Equal(http.StatusOK, recorder.Code)
	assert.Equal("image/jpeg", recorder.Header().Get("Content-Type"))
	assert.True(recorder.Body.Len() > 0)

	// Case 3: pushing into a camera that does not exist is not_found
	buf.Reset()
	writer = multipart.NewWriter(&buf)
	part, err = writer.CreateFormFile("frame_file", "frame.jpg")
	assert.Nil(err)
	_, err = part.Write(jpegBytes(t))
	assert.Nil(err)
	assert.Nil(writer.Close())

	req = httptest.NewRequest(http.MethodPost, "/api/ingest/push/missing", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	assert.Equal(http.StatusNotFound, recorder.Code)
}

func TestCameraHandlerLatestFrameFallsBackToCache(t *testing.T) {
	assert := assert.New(t)

	testDB := fmt.Sprintf("/tmp/ut-api-%s.db", uuid.NewString())
	persist, err := db.NewManager(db.GetSqliteDialector(testDB), logger.Silent)
	assert.Nil(err)

	reg := registry.NewRegistry(persist, &fakePublisher{}, newFakeDetector(), nil, registry.Defaults{
		BufferSize: 10, MotionThreshold: 25, MotionAreaMin: 0.005, MotionCooldownSeconds: 2.0,
	})
	sink := pushsink.NewSink(reg, reg)

	frameCache, err := cache.NewInProcessFrameCache()
	assert.Nil(err)

	handler, err := api.NewCameraHandler(reg, sink, frameCache, persist, common.HTTPRequestLogging{
		RequestIDHeader: "X-Request-ID", DoNotLogHeaders: []string{},
	})
	assert.Nil(err)

	_, err = reg.Register(context.Background(), common.CameraSpec{ID: "cam-1", SourceType: common.SourceTypePush})
	assert.Nil(err)

	router := mux.NewRouter()
	router.HandleFunc(
		"/api/cameras/{id}/frame/latest", handler.LoggingMiddleware(handler.GetLatestFrameHandler()),
	).Methods(http.MethodGet)

	// Case 0: the ring buffer is empty and the cache has nothing either
	req := httptest.NewRequest(http.MethodGet, "/api/cameras/cam-1/frame/latest", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	assert.Equal(http.StatusConflict, recorder.Code)

	// Case 1: a cached frame (e.g. left by another instance) serves even
	// though this process's ring buffer never received a frame for the camera
	cached := jpegBytes(t)
	assert.Nil(frameCache.PutLatest(context.Background(), "cam-1", cached))

	req = httptest.NewRequest(http.MethodGet, "/api/cameras/cam-1/frame/latest", nil)
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	assert.Equal(http.StatusOK, recorder.Code)
	assert.Equal("image/jpeg", recorder.Header().Get("Content-Type"))
	assert.Equal(cached, recorder.Body.Bytes())
}

func TestCameraHandlerAliveAndReady(t *testing.T) {
	assert := assert.New(t)

	handler, _, _ := newTestHandler(t)
	router := mux.NewRouter()
	router.HandleFunc("/alive", handler.AliveHandler()).Methods(http.MethodGet)
	router.HandleFunc("/ready", handler.ReadyHandler()).Methods(http.MethodGet)

	req := httptest.NewRequest(http.MethodGet, "/alive", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	assert.Equal(http.StatusOK, recorder.Code)

	req = httptest.NewRequest(http.MethodGet, "/ready", nil)
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	assert.Equal(http.StatusOK, recorder.Code)
}
