package metrics_test

import (
	"testing"

	"github.com/alwitt/livemix/metrics"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRegistryInstallsEveryMetric(t *testing.T) {
	assert := assert.New(t)

	reg, err := metrics.NewRegistry()
	assert.Nil(err)
	assert.NotNil(reg.FramesIngestedTotal)
	assert.NotNil(reg.DecodeErrorsTotal)
	assert.NotNil(reg.MotionEventsTotal)
	assert.NotNil(reg.EventsPublishedTotal)
	assert.NotNil(reg.EventsDroppedTotal)
	assert.NotNil(reg.RTSPReconnectsTotal)
	assert.NotNil(reg.CameraState)
	assert.NotNil(reg.RingBufferFill)
	assert.NotNil(reg.FrameIngestLatencySec)

	// Case 0: labelled child metrics are independently addressable
	reg.FramesIngestedTotal.WithLabelValues("cam1", "rtsp").Inc()
	reg.CameraState.WithLabelValues("cam1").Set(metrics.StateValue("connected"))
}

func TestStateValueOrdering(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(float64(0), metrics.StateValue("registering"))
	assert.Equal(float64(1), metrics.StateValue("connecting"))
	assert.Equal(float64(2), metrics.StateValue("connected"))
	assert.Equal(float64(3), metrics.StateValue("disconnected"))
	assert.Equal(float64(4), metrics.StateValue("stopped"))
	assert.Equal(float64(-1), metrics.StateValue("unknown"))
}
