package pushsink_test

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"

	"github.com/alwitt/livemix/common"
	"github.com/alwitt/livemix/frame"
	"github.com/alwitt/livemix/pushsink"
	"github.com/stretchr/testify/assert"
)

type fakeLookup struct {
	lock    sync.Mutex
	sources map[string]common.SourceType
	seqs    map[string]uint64
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{sources: map[string]common.SourceType{}, seqs: map[string]uint64{}}
}

func (f *fakeLookup) SourceTypeOf(cameraID string) (common.SourceType, bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	st, ok := f.sources[cameraID]
	return st, ok
}

func (f *fakeLookup) NextSeq(cameraID string) uint64 {
	f.lock.Lock()
	defer f.lock.Unlock()
	seq := f.seqs[cameraID]
	f.seqs[cameraID] = seq + 1
	return seq
}

type fakeDispatcher struct {
	lock   sync.Mutex
	frames []frame.Frame
}

func (d *fakeDispatcher) Dispatch(cameraID string, f frame.Frame) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.frames = append(d.frames, f)
}

func validJPEG() []byte {
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.Gray{Y: 50})
		}
	}
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, nil)
	return buf.Bytes()
}

func TestPushSinkContract(t *testing.T) {
	assert := assert.New(t)

	lookup := newFakeLookup()
	dispatcher := &fakeDispatcher{}
	uut := pushsink.NewSink(lookup, dispatcher)

	// Case 0: unknown camera
	{
		_, err := uut.Push("unknown", validJPEG(), nil)
		assert.NotNil(err)
		assert.Equal(common.ErrNotFound, common.KindOf(err))
	}

	// Case 1: camera exists but is rtsp, not push
	lookup.sources["cam-rtsp"] = common.SourceTypeRTSP
	{
		_, err := uut.Push("cam-rtsp", validJPEG(), nil)
		assert.NotNil(err)
		assert.Equal(common.ErrWrongSourceType, common.KindOf(err))
	}

	// Case 2: valid push camera, undecodable bytes
	lookup.sources["cam-push"] = common.SourceTypePush
	{
		_, err := uut.Push("cam-push", []byte("not an image"), nil)
		assert.NotNil(err)
		assert.Equal(common.ErrBadFrame, common.KindOf(err))
	}

	// Case 3: two successive pushes produce two frames with increasing seq.
	// Case 2's undecodable push must not have burned a sequence number: the
	// first successful decode still gets seq 0.
	seq0, err := uut.Push("cam-push", validJPEG(), nil)
	assert.Nil(err)
	assert.Equal(uint64(0), seq0)
	seq1, err := uut.Push("cam-push", validJPEG(), nil)
	assert.Nil(err)
	assert.Equal(seq0+1, seq1)

	dispatcher.lock.Lock()
	assert.Len(dispatcher.frames, 2)
	assert.Equal(frame.SourcePush, dispatcher.frames[0].Source)
	dispatcher.lock.Unlock()

	// Case 4: an explicit timestamp is honored
	ts := 123.456
	_, err = uut.Push("cam-push", validJPEG(), &ts)
	assert.Nil(err)
	dispatcher.lock.Lock()
	assert.Equal(ts, dispatcher.frames[2].Timestamp)
	dispatcher.lock.Unlock()
}
