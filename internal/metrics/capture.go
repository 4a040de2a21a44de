// Package metrics exposes capture session activity as prometheus metrics
package metrics

import (
	"errors"
	"math"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/audiolibrelab/fairrecord/internal/audio"
)

// CaptureMetrics records session activity. It implements audio.Observer.
// Series are keyed by track id, which unlike the display name is never reused.
type CaptureMetrics struct {
	registry *prometheus.Registry

	blocksTotal       *prometheus.CounterVec
	bytesTotal        *prometheus.CounterVec
	levelGauge        *prometheus.GaugeVec
	recordingsTotal   *prometheus.CounterVec
	captureErrors     *prometheus.CounterVec
	activeSessions    prometheus.Gauge
	sessionSampleRate *prometheus.GaugeVec
}

var _ audio.Observer = (*CaptureMetrics)(nil)

// NewCaptureMetrics creates the collectors and registers them with registry
func NewCaptureMetrics(registry *prometheus.Registry) (*CaptureMetrics, error) {
	m := &CaptureMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *CaptureMetrics) initMetrics() {
	m.blocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fairrecord_capture_blocks_total",
			Help: "Total number of audio blocks captured",
		},
		[]string{"track_id"},
	)

	m.bytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fairrecord_capture_bytes_total",
			Help: "Total number of PCM bytes captured",
		},
		[]string{"track_id"},
	)

	m.levelGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fairrecord_capture_level_db",
			Help: "Level of the most recent block in dBFS, floored at -120",
		},
		[]string{"track_id"},
	)

	m.recordingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fairrecord_recordings_total",
			Help: "Total number of finished recordings",
		},
		[]string{"track_id", "status"}, // status: written, failed
	)

	m.captureErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fairrecord_capture_errors_total",
			Help: "Total number of capture failures",
		},
		[]string{"track_id", "error_type"},
	)

	m.activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fairrecord_active_sessions",
			Help: "Number of sessions currently recording",
		},
	)

	m.sessionSampleRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fairrecord_session_sample_rate_hz",
			Help: "Negotiated sample rate of the current or last recording",
		},
		[]string{"track_id"},
	)
}

// Registry returns the registry the collectors are registered with
func (m *CaptureMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *CaptureMetrics) SessionStarted(track string, format audio.CaptureFormat) {
	m.activeSessions.Inc()
	m.sessionSampleRate.WithLabelValues(track).Set(float64(format.SampleRate))
}

func (m *CaptureMetrics) BlockCaptured(track string, bytes int, db float64) {
	m.blocksTotal.WithLabelValues(track).Inc()
	m.bytesTotal.WithLabelValues(track).Add(float64(bytes))
	if math.IsNaN(db) || db < audio.FloorDB {
		db = audio.FloorDB
	}
	m.levelGauge.WithLabelValues(track).Set(db)
}

func (m *CaptureMetrics) SessionStopped(track, _ string, err error) {
	m.activeSessions.Dec()
	if err != nil {
		m.recordingsTotal.WithLabelValues(track, "failed").Inc()
		m.captureErrors.WithLabelValues(track, errorType(err)).Inc()
		return
	}
	m.recordingsTotal.WithLabelValues(track, "written").Inc()
}

func (m *CaptureMetrics) CaptureFailed(track string, err error) {
	m.captureErrors.WithLabelValues(track, errorType(err)).Inc()
}

// Forget drops every series of a removed track
func (m *CaptureMetrics) Forget(trackID string) {
	m.blocksTotal.DeleteLabelValues(trackID)
	m.bytesTotal.DeleteLabelValues(trackID)
	m.levelGauge.DeleteLabelValues(trackID)
	m.sessionSampleRate.DeleteLabelValues(trackID)

	labels := prometheus.Labels{"track_id": trackID}
	m.recordingsTotal.DeletePartialMatch(labels)
	m.captureErrors.DeletePartialMatch(labels)
}

func errorType(err error) string {
	switch {
	case errors.Is(err, audio.ErrCancellationStall):
		return "cancellation_stall"
	case errors.Is(err, audio.ErrIOFailure):
		return "io_failure"
	case errors.Is(err, audio.ErrLineClosed):
		return "line_closed"
	case errors.Is(err, audio.ErrUnsupportedSampleWidth), errors.Is(err, audio.ErrInvalidFormat):
		return "format"
	case errors.Is(err, audio.ErrDeviceUnavailable), errors.Is(err, audio.ErrLineUnavailable):
		return "device_unavailable"
	default:
		return "other"
	}
}

// Describe implements prometheus.Collector
func (m *CaptureMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.blocksTotal.Describe(ch)
	m.bytesTotal.Describe(ch)
	m.levelGauge.Describe(ch)
	m.recordingsTotal.Describe(ch)
	m.captureErrors.Describe(ch)
	m.activeSessions.Describe(ch)
	m.sessionSampleRate.Describe(ch)
}

// Collect implements prometheus.Collector
func (m *CaptureMetrics) Collect(ch chan<- prometheus.Metric) {
	m.blocksTotal.Collect(ch)
	m.bytesTotal.Collect(ch)
	m.levelGauge.Collect(ch)
	m.recordingsTotal.Collect(ch)
	m.captureErrors.Collect(ch)
	m.activeSessions.Collect(ch)
	m.sessionSampleRate.Collect(ch)
}
