package metrics

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/fairrecord/internal/audio"
)

func newTestMetrics(t *testing.T) *CaptureMetrics {
	t.Helper()
	m, err := NewCaptureMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	return m
}

func TestCaptureMetrics_SessionLifecycle(t *testing.T) {
	m := newTestMetrics(t)

	m.SessionStarted("Vocals", audio.DefaultFormat)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, float64(44100), testutil.ToFloat64(m.sessionSampleRate.WithLabelValues("Vocals")))

	m.BlockCaptured("Vocals", 4096, -12.5)
	m.BlockCaptured("Vocals", 4096, -6)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.blocksTotal.WithLabelValues("Vocals")))
	assert.Equal(t, float64(8192), testutil.ToFloat64(m.bytesTotal.WithLabelValues("Vocals")))
	assert.Equal(t, float64(-6), testutil.ToFloat64(m.levelGauge.WithLabelValues("Vocals")))

	m.SessionStopped("Vocals", "/tmp/Vocals.wav", nil)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.recordingsTotal.WithLabelValues("Vocals", "written")))
}

func TestCaptureMetrics_SilenceFloored(t *testing.T) {
	m := newTestMetrics(t)

	m.BlockCaptured("Bass", 512, math.Inf(-1))
	assert.Equal(t, audio.FloorDB, testutil.ToFloat64(m.levelGauge.WithLabelValues("Bass")))

	m.BlockCaptured("Bass", 512, math.NaN())
	assert.Equal(t, audio.FloorDB, testutil.ToFloat64(m.levelGauge.WithLabelValues("Bass")))
}

func TestCaptureMetrics_ErrorTypes(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected string
	}{
		{"stall", fmt.Errorf("%w: no exit", audio.ErrCancellationStall), "cancellation_stall"},
		{"io", fmt.Errorf("%w: disk full", audio.ErrIOFailure), "io_failure"},
		{"line closed", audio.ErrLineClosed, "line_closed"},
		{"width", audio.ErrUnsupportedSampleWidth, "format"},
		{"device", fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, audio.ErrLineUnavailable), "device_unavailable"},
		{"other", errors.New("boom"), "other"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMetrics(t)
			m.CaptureFailed("Drums", tc.err)
			assert.Equal(t, float64(1), testutil.ToFloat64(m.captureErrors.WithLabelValues("Drums", tc.expected)))
		})
	}
}

func TestCaptureMetrics_FailedRecording(t *testing.T) {
	m := newTestMetrics(t)

	m.SessionStarted("Keys", audio.DefaultFormat)
	m.SessionStopped("Keys", "", fmt.Errorf("%w: read-only", audio.ErrIOFailure))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.recordingsTotal.WithLabelValues("Keys", "failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.captureErrors.WithLabelValues("Keys", "io_failure")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.activeSessions))
}

func TestCaptureMetrics_Forget(t *testing.T) {
	m := newTestMetrics(t)

	m.SessionStarted("Gtr", audio.DefaultFormat)
	m.BlockCaptured("Gtr", 256, -20)
	m.SessionStopped("Gtr", "/tmp/Gtr.wav", nil)
	m.CaptureFailed("Gtr", audio.ErrLineClosed)
	assert.Equal(t, 1, testutil.CollectAndCount(m.levelGauge))

	m.Forget("Gtr")
	assert.Equal(t, 0, testutil.CollectAndCount(m.levelGauge))
	assert.Equal(t, 0, testutil.CollectAndCount(m.sessionSampleRate))
	assert.Equal(t, 0, testutil.CollectAndCount(m.blocksTotal))
	assert.Equal(t, 0, testutil.CollectAndCount(m.recordingsTotal))
	assert.Equal(t, 0, testutil.CollectAndCount(m.captureErrors))
}

func TestCaptureMetrics_ForgetKeepsOtherTracks(t *testing.T) {
	m := newTestMetrics(t)

	// two tracks that may share a display name are told apart by id
	m.BlockCaptured("id-1", 256, -20)
	m.BlockCaptured("id-2", 256, -8)

	m.Forget("id-1")
	assert.Equal(t, 1, testutil.CollectAndCount(m.levelGauge))
	assert.Equal(t, float64(-8), testutil.ToFloat64(m.levelGauge.WithLabelValues("id-2")))
}

func TestCaptureMetrics_DoubleRegistrationFails(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := NewCaptureMetrics(registry)
	require.NoError(t, err)

	_, err = NewCaptureMetrics(registry)
	assert.Error(t, err)
}
