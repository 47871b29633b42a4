package registry_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/livemix/common"
	"github.com/alwitt/livemix/db"
	"github.com/alwitt/livemix/frame"
	"github.com/alwitt/livemix/registry"
	"github.com/google/uuid"
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
func (p *fakePublisher) Drops() uint64         { return 0 }
func (p *fakePublisher) Stop(context.Context) {}

type fakeDetector struct {
	lock      sync.Mutex
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

func newTestRegistry(t *testing.T) (*registry.Registry, *fakePublisher, *fakeDetector) {
	testDB := fmt.Sprintf("/tmp/ut-registry-%s.db", uuid.NewString())
	persist, err := db.NewManager(db.GetSqliteDialector(testDB), logger.Info)
	assert.Nil(t, err)

	pub := &fakePublisher{}
	det := newFakeDetector()

	reg := registry.NewRegistry(persist, pub, det, nil, registry.Defaults{
		BufferSize: 10, MotionThreshold: 25, MotionAreaMin: 0.005, MotionCooldownSeconds: 2.0,
	})
	return reg, pub, det
}

func TestRegistryRegisterDeregisterRoundTrip(t *testing.T) {
	assert := assert.New(t)
	reg, _, det := newTestRegistry(t)

	utCtxt := context.Background()
	cameraID := uuid.NewString()

	// Case 0: register an http_push camera; it starts connected
	_, err := reg.Register(utCtxt, common.CameraSpec{
		ID: cameraID, SourceType: common.SourceTypePush,
	})
	assert.Nil(err)

	summaries := reg.List()
	assert.Len(summaries, 1)
	assert.Equal(cameraID, summaries[0].ID)
	assert.Equal(common.StateConnected, summaries[0].State)

	// Case 1: re-registering the same id fails with conflict
	_, err = reg.Register(utCtxt, common.CameraSpec{ID: cameraID, SourceType: common.SourceTypePush})
	assert.NotNil(err)
	assert.Equal(common.ErrConflict, common.KindOf(err))

	// Case 2: get_latest_frame before any frame is no_frame_yet
	_, err = reg.GetLatestFrame(cameraID)
	assert.Equal(common.ErrNoFrameYet, common.KindOf(err))

	// Case 3: deregister removes the camera and releases motion-stage state
	assert.Nil(reg.Deregister(utCtxt, cameraID))
	assert.Len(reg.List(), 0)
	det.lock.Lock()
	_, stillRegistered := det.registered[cameraID]
	det.lock.Unlock()
	assert.False(stillRegistered)

	// Case 4: deregistering an unknown camera is not_found
	err = reg.Deregister(utCtxt, cameraID)
	assert.Equal(common.ErrNotFound, common.KindOf(err))
}

func TestRegistryRegisterDeregisterNoLeakAcrossCycles(t *testing.T) {
	assert := assert.New(t)
	reg, _, det := newTestRegistry(t)
	utCtxt := context.Background()

	cameraID := uuid.NewString()
	for i := 0; i < 5; i++ {
		_, err := reg.Register(utCtxt, common.CameraSpec{ID: cameraID, SourceType: common.SourceTypePush})
		assert.Nil(err)
		assert.Len(reg.List(), 1)
		assert.Nil(reg.Deregister(utCtxt, cameraID))
		assert.Len(reg.List(), 0)
	}

	det.lock.Lock()
	assert.Len(det.registered, 0)
	det.lock.Unlock()
}

func TestRegistryRejectsRTSPWithoutSourceURL(t *testing.T) {
	assert := assert.New(t)
	reg, _, _ := newTestRegistry(t)

	_, err := reg.Register(context.Background(), common.CameraSpec{
		ID: uuid.NewString(), SourceType: common.SourceTypeRTSP,
	})
	assert.NotNil(err)
	assert.Equal(common.ErrValidation, common.KindOf(err))
}
