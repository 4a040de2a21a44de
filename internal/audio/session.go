package audio

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultBufferSize is the capture block size in bytes
	DefaultBufferSize = 4096
	// MaxBufferSize caps the capture block size
	MaxBufferSize = 1 << 20
	// DefaultStopTimeout bounds how long Stop waits for the capture goroutine
	DefaultStopTimeout = 5 * time.Second

	defaultLevelBuffer = 64
)

// State is the lifecycle state of a capture session
type State int32

const (
	StateIdle State = iota
	StateRecording
	StateStopping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// RecorderSettings are read when a recording starts; later changes apply to the next recording
type RecorderSettings struct {
	Device         *AudioDevice `json:"device,omitempty"`
	BufferSize     int          `json:"buffer_size"`
	NoiseReduction bool         `json:"noise_reduction"`
	TrackName      string       `json:"track_name"`
}

// DefaultSettings returns settings with the default buffer size and no device
func DefaultSettings() RecorderSettings {
	return RecorderSettings{BufferSize: DefaultBufferSize}
}

// WithDefaults fills a zero buffer size with DefaultBufferSize
func (s RecorderSettings) WithDefaults() RecorderSettings {
	if s.BufferSize == 0 {
		s.BufferSize = DefaultBufferSize
	}
	return s
}

// Validate rejects settings no session could record with
func (s RecorderSettings) Validate() error {
	if s.BufferSize <= 0 || s.BufferSize > MaxBufferSize {
		return fmt.Errorf("buffer size must be in 1..%d, got %d", MaxBufferSize, s.BufferSize)
	}
	return nil
}

// Observer receives capture lifecycle events, typically for metrics. Events carry the
// session label. Methods run on the capture goroutine or the caller of Start/Stop and must not block.
type Observer interface {
	SessionStarted(track string, format CaptureFormat)
	BlockCaptured(track string, bytes int, db float64)
	SessionStopped(track string, path string, err error)
	CaptureFailed(track string, err error)
}

type noopObserver struct{}

func (noopObserver) SessionStarted(string, CaptureFormat) {}
func (noopObserver) BlockCaptured(string, int, float64)   {}
func (noopObserver) SessionStopped(string, string, error) {}
func (noopObserver) CaptureFailed(string, error)          {}

// SessionOptions configure a CaptureSession
type SessionOptions struct {
	// OutputPath is the nominal file a recording is written to
	OutputPath string
	// StopTimeout bounds the join in Stop; zero waits forever
	StopTimeout time.Duration
	Observer    Observer
	// Label identifies the session to the Observer; the track name when empty
	Label string
	// LevelBuffer is the capacity of the level channel
	LevelBuffer int
}

// CaptureSession records one device into a WAVE file per Start/Stop cycle.
// Level samples are delivered on Levels; sends never block the capture goroutine
// and samples are dropped when the consumer falls behind.
type CaptureSession struct {
	registry    *DeviceRegistry
	stopTimeout time.Duration
	observer    Observer
	label       string

	lifecycle sync.Mutex
	state     atomic.Int32
	disposed  bool
	run       *captureRun

	// pathMu guards nominal and last apart from lifecycle, which Stop holds while writing
	pathMu  sync.Mutex
	nominal string
	last    string

	settingsMu sync.RWMutex
	settings   RecorderSettings

	// emitMu orders level and error delivery against state changes
	emitMu sync.Mutex
	levels chan LevelSample
	errs   chan error
}

// captureRun is the state of one recording; an abandoned run keeps its own buffer
type captureRun struct {
	line      CaptureLine
	format    CaptureFormat
	filter    *NoiseFilter
	blockSize int
	track     string
	label     string
	nominal   string

	buf       bytes.Buffer
	blocks    uint64
	cancelled atomic.Bool
	done      chan struct{}
}

// NewCaptureSession creates an idle session. The nominal output path is resolved against existing files immediately.
func NewCaptureSession(registry *DeviceRegistry, settings RecorderSettings, opts SessionOptions) *CaptureSession {
	settings = settings.WithDefaults()
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	if opts.LevelBuffer <= 0 {
		opts.LevelBuffer = defaultLevelBuffer
	}

	s := &CaptureSession{
		registry:    registry,
		stopTimeout: opts.StopTimeout,
		observer:    opts.Observer,
		label:       opts.Label,
		settings:    settings,
		levels:      make(chan LevelSample, opts.LevelBuffer),
		errs:        make(chan error, 1),
	}
	s.nominal = s.resolveNominal(opts.OutputPath)
	return s
}

func (s *CaptureSession) resolveNominal(path string) string {
	if path == "" {
		return ""
	}
	resolved, err := ResolveUniqueName(path)
	if err != nil {
		slog.Warn("Failed to resolve output path", "path", path, "error", err)
		return path
	}
	return resolved
}

// State returns the current lifecycle state
func (s *CaptureSession) State() State {
	return State(s.state.Load())
}

// Levels delivers one sample per captured block while recording. It is closed by Close.
func (s *CaptureSession) Levels() <-chan LevelSample {
	return s.levels
}

// Errors delivers a capture loop failure. It is closed by Close.
func (s *CaptureSession) Errors() <-chan error {
	return s.errs
}

// Settings returns a copy of the current settings
func (s *CaptureSession) Settings() RecorderSettings {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.settings
}

// SetSettings replaces the settings used by the next Start
func (s *CaptureSession) SetSettings(settings RecorderSettings) error {
	settings = settings.WithDefaults()
	if err := settings.Validate(); err != nil {
		return err
	}
	s.settingsMu.Lock()
	s.settings = settings
	s.settingsMu.Unlock()
	return nil
}

// OutputPath returns the nominal output path
func (s *CaptureSession) OutputPath() string {
	s.pathMu.Lock()
	defer s.pathMu.Unlock()
	return s.nominal
}

// SetOutputPath changes the nominal output path for later recordings
func (s *CaptureSession) SetOutputPath(path string) {
	resolved := s.resolveNominal(path)
	s.pathMu.Lock()
	s.nominal = resolved
	s.pathMu.Unlock()
}

// LastRecording returns the path of the most recently written file, if any
func (s *CaptureSession) LastRecording() string {
	s.pathMu.Lock()
	defer s.pathMu.Unlock()
	return s.last
}

// Start opens the device line and launches the capture goroutine. It returns once capture is running.
func (s *CaptureSession) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.disposed {
		return ErrSessionDisposed
	}
	switch s.State() {
	case StateRecording:
		return nil
	case StateClosed:
		s.state.Store(int32(StateIdle))
	}

	settings := s.Settings()
	if settings.Device == nil {
		return fmt.Errorf("%w: no device selected", ErrDeviceUnavailable)
	}

	format, err := s.registry.NegotiateFormat(settings.Device)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	line, err := s.registry.OpenLine(settings.Device, format)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	if err := line.Start(); err != nil {
		line.Close()
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	run := &captureRun{
		line:      line,
		format:    format,
		blockSize: blockSize(settings.BufferSize, format),
		track:     settings.TrackName,
		label:     s.label,
		nominal:   s.OutputPath(),
		done:      make(chan struct{}),
	}
	if settings.NoiseReduction {
		filter, err := NewNoiseFilter(format)
		if err != nil {
			line.Close()
			return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		}
		filter.Reset()
		run.filter = filter
	}

	if run.label == "" {
		run.label = run.track
	}

	s.run = run
	s.state.Store(int32(StateRecording))
	go s.capture(run)

	slog.Info("Recording started", "track", run.track, "device", settings.Device.Name, "format", format, "noise_reduction", settings.NoiseReduction)
	s.observer.SessionStarted(run.label, format)
	return nil
}

// blockSize rounds the configured buffer down to whole frames
func blockSize(bufferSize int, format CaptureFormat) int {
	if bufferSize <= 0 || bufferSize > MaxBufferSize {
		bufferSize = DefaultBufferSize
	}
	n := bufferSize - bufferSize%format.FrameSize
	if n < format.FrameSize {
		n = format.FrameSize
	}
	return n
}

func (s *CaptureSession) capture(run *captureRun) {
	defer close(run.done)

	block := make([]byte, run.blockSize)
	for !run.cancelled.Load() {
		n, readErr := run.line.Read(block)
		if n > 0 {
			if err := s.process(run, block[:n]); err != nil {
				s.fail(run, err)
				return
			}
		}
		if readErr != nil {
			if run.cancelled.Load() {
				return
			}
			s.fail(run, fmt.Errorf("capture read failed: %w", readErr))
			return
		}
	}
}

func (s *CaptureSession) process(run *captureRun, block []byte) error {
	if run.filter != nil {
		run.filter.Apply(block)
	}

	db, err := Level(block, run.format)
	if err != nil {
		return err
	}
	run.blocks++
	s.emit(run, LevelSample{DB: db, Timestamp: time.Now(), Block: run.blocks})

	run.buf.Write(block)
	s.observer.BlockCaptured(run.label, len(block), db)
	return nil
}

func (s *CaptureSession) emit(run *captureRun, sample LevelSample) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if run.cancelled.Load() || s.State() != StateRecording {
		return
	}
	select {
	case s.levels <- sample:
	default:
	}
}

func (s *CaptureSession) fail(run *captureRun, err error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if run.cancelled.Load() {
		return
	}
	slog.Error("Capture aborted", "track", run.track, "error", err)
	s.observer.CaptureFailed(run.label, err)
	select {
	case s.errs <- err:
	default:
	}
}

// Stop ends the recording, waits for the capture goroutine and writes the file.
// It returns the written path. Stopping an idle or closed session does nothing.
//
// If the goroutine does not exit within the stop timeout it is abandoned, nothing is
// written and ErrCancellationStall is returned.
func (s *CaptureSession) Stop() (string, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.stopLocked()
}

func (s *CaptureSession) stopLocked() (string, error) {
	if s.State() != StateRecording {
		return "", nil
	}
	run := s.run

	s.emitMu.Lock()
	s.state.Store(int32(StateStopping))
	run.cancelled.Store(true)
	s.emitMu.Unlock()

	if err := run.line.Stop(); err != nil {
		slog.Debug("Failed to stop capture line", "track", run.track, "error", err)
	}
	if err := run.line.Close(); err != nil {
		slog.Debug("Failed to close capture line", "track", run.track, "error", err)
	}

	if !s.join(run) {
		s.run = nil
		s.state.Store(int32(StateClosed))
		err := fmt.Errorf("%w: no exit after %s, captured audio discarded", ErrCancellationStall, s.stopTimeout)
		slog.Error("Capture goroutine abandoned", "track", run.track, "timeout", s.stopTimeout)
		s.observer.SessionStopped(run.label, "", err)
		return "", err
	}

	path, err := WriteWAV(run.nominal, run.format, run.buf.Bytes())
	s.run = nil
	s.state.Store(int32(StateClosed))

	if err != nil {
		err = fmt.Errorf("%w: %w", ErrIOFailure, err)
		slog.Error("Failed to write recording", "track", run.track, "path", run.nominal, "error", err)
		s.observer.SessionStopped(run.label, "", err)
		return "", err
	}

	s.pathMu.Lock()
	s.last = path
	s.pathMu.Unlock()
	slog.Info("Recording written", "track", run.track, "path", path, "blocks", run.blocks, "bytes", run.buf.Len())
	s.observer.SessionStopped(run.label, path, nil)
	return path, nil
}

func (s *CaptureSession) join(run *captureRun) bool {
	if s.stopTimeout <= 0 {
		<-run.done
		return true
	}
	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()
	select {
	case <-run.done:
		return true
	case <-timer.C:
		return false
	}
}

// Close stops any recording and disposes the session. Level and error channels are closed.
func (s *CaptureSession) Close() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.disposed {
		return nil
	}
	_, err := s.stopLocked()
	if errors.Is(err, ErrCancellationStall) {
		slog.Warn("Disposing session with an abandoned capture goroutine", "error", err)
	}

	s.disposed = true
	s.emitMu.Lock()
	close(s.levels)
	close(s.errs)
	s.emitMu.Unlock()
	s.state.Store(int32(StateClosed))
	return err
}
