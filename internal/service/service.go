package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/fairrecord/internal/audio"
	"github.com/audiolibrelab/fairrecord/internal/config"
	"github.com/audiolibrelab/fairrecord/internal/track"
)

// ErrRecordingActive is returned when an operation needs every track to be idle
var ErrRecordingActive = errors.New("recording in progress")

// Service represents the core FairRecord service interface
type Service interface {
	// Recording operations
	StartRecording() error
	StopRecording() ([]string, error)
	GetRecordingStatus() (RecordingStatus, *RecordingSession)

	// Track and device operations
	Tracks() *track.Manager
	Registry() *audio.DeviceRegistry
	AddTrack(device, name string, noiseReduction bool) (string, error)
	SetPresenter(p track.Presenter)

	// Configuration operations
	LoadProfile(profile string) error
	GetConfig() *config.Config

	// Information operations
	GetLastError() string

	Close() error
}

// RecordingStatus represents the current recording state
type RecordingStatus string

const (
	StatusStandby   RecordingStatus = "STANDBY"
	StatusRecording RecordingStatus = "RECORDING"
	StatusError     RecordingStatus = "ERROR"
)

// RecordingSession describes the recording in progress
type RecordingSession struct {
	StartTime       time.Time `json:"start_time"`
	OutputDirectory string    `json:"output_directory"`
	TrackCount      int       `json:"track_count"`
	TrackNames      []string  `json:"track_names"`
}

// Options wire collaborators into the service
type Options struct {
	// Backend overrides the one named in the configuration
	Backend   audio.Backend
	Observer  audio.Observer
	Presenter track.Presenter
}

// FairRecordService is the main service implementation
type FairRecordService struct {
	configFile string
	opts       Options
	backend    audio.Backend
	registry   *audio.DeviceRegistry

	mu        sync.RWMutex
	cfg       *config.Config
	tracks    *track.Manager
	presenter track.Presenter
	started   time.Time

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

var _ Service = (*FairRecordService)(nil)

// New creates a service and adds one track per configured track
func New(cfg *config.Config, configFile string, opts Options) (*FairRecordService, error) {
	backend := opts.Backend
	if backend == nil {
		var err error
		backend, err = audio.NewBackend(cfg.Audio.Backend)
		if err != nil {
			return nil, err
		}
	}

	s := &FairRecordService{
		configFile: configFile,
		opts:       opts,
		backend:    backend,
		registry:   audio.NewDeviceRegistry(backend),
		presenter:  opts.Presenter,
	}
	if err := s.apply(cfg); err != nil {
		s.closeBackend()
		return nil, err
	}
	return s, nil
}

// apply replaces the track set with the one described by cfg
func (s *FairRecordService) apply(cfg *config.Config) error {
	manager := track.NewManager(s.registry, track.Options{
		OutputDir:   cfg.Output.Directory,
		StopTimeout: cfg.Audio.StopTimeout,
		Observer:    s.opts.Observer,
		Presenter:   s,
	})

	s.mu.Lock()
	s.cfg = cfg
	s.tracks = manager
	s.mu.Unlock()

	for _, t := range cfg.Tracks {
		if _, err := s.addTrack(manager, t.Device, t.Name, t.NoiseReduction, cfg.Audio.BufferSize); err != nil {
			manager.Close()
			return fmt.Errorf("failed to add track %s: %w", t.Name, err)
		}
	}
	slog.Debug("Tracks configured", "profile", cfg.Profile, "count", manager.Count(), "backend", s.registry.BackendName())
	return nil
}

// AddTrack adds a track on the device matching the query, using the configured buffer size
func (s *FairRecordService) AddTrack(device, name string, noiseReduction bool) (string, error) {
	s.mu.RLock()
	manager, bufferSize := s.tracks, s.cfg.Audio.BufferSize
	s.mu.RUnlock()
	return s.addTrack(manager, device, name, noiseReduction, bufferSize)
}

func (s *FairRecordService) addTrack(manager *track.Manager, device, name string, noiseReduction bool, bufferSize int) (string, error) {
	settings := audio.DefaultSettings()
	settings.TrackName = name
	settings.NoiseReduction = noiseReduction
	if bufferSize > 0 {
		settings.BufferSize = bufferSize
	}

	dev, err := s.registry.Find(device)
	if err != nil {
		// The track is kept so it can be pointed at a device later; Start reports DeviceUnavailable
		slog.Warn("Track device not available", "track", name, "device", device, "error", err)
	} else {
		settings.Device = dev
	}
	return manager.AddTrack(settings)
}

// TrackAdded watches the new track's error stream and forwards the notification
func (s *FairRecordService) TrackAdded(info track.TrackInfo) {
	s.mu.RLock()
	manager, presenter := s.tracks, s.presenter
	s.mu.RUnlock()

	if errs, err := manager.Errors(info.ID); err == nil {
		go s.watchErrors(info.Name, errs)
	}
	if presenter != nil {
		presenter.TrackAdded(info)
	}
}

// TrackRemoved forwards the notification
func (s *FairRecordService) TrackRemoved(id string) {
	s.mu.RLock()
	presenter := s.presenter
	s.mu.RUnlock()

	if presenter != nil {
		presenter.TrackRemoved(id)
	}
}

// SetPresenter replaces the collaborator notified of track changes
func (s *FairRecordService) SetPresenter(p track.Presenter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presenter = p
}

func (s *FairRecordService) watchErrors(name string, errs <-chan error) {
	for err := range errs {
		s.setLastError(fmt.Sprintf("Capture failed on %s: %v", name, err))
	}
}

// StartRecording starts every track
func (s *FairRecordService) StartRecording() error {
	s.clearLastError() // Clear any previous errors when starting a new operation
	manager := s.Tracks()
	if manager.Count() == 0 {
		err := errors.New("no tracks configured")
		s.setLastError(err.Error())
		return err
	}

	if err := manager.StartAll(); err != nil {
		slog.Error("Failed to start recording", "error", err)
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		// Tracks that did start are stopped so a partial take is not left running
		if _, stopErr := manager.StopAll(); stopErr != nil {
			slog.Warn("Failed to stop partially started tracks", "error", stopErr)
		}
		return err
	}

	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()
	return nil
}

// StopRecording stops every track and returns the written files
func (s *FairRecordService) StopRecording() ([]string, error) {
	paths, err := s.Tracks().StopAll()
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop recording: %v", err))
	} else {
		s.clearLastError() // Clear error on successful stop
	}
	return paths, err
}

// GetRecordingStatus returns the current recording status and, while recording, the session info
func (s *FairRecordService) GetRecordingStatus() (RecordingStatus, *RecordingSession) {
	s.mu.RLock()
	manager, started, outDir := s.tracks, s.started, s.cfg.Output.Directory
	s.mu.RUnlock()

	var recording []string
	infos := manager.Tracks()
	for _, info := range infos {
		if info.State == audio.StateRecording.String() {
			recording = append(recording, info.Name)
		}
	}

	if len(recording) > 0 {
		return StatusRecording, &RecordingSession{
			StartTime:       started,
			OutputDirectory: outDir,
			TrackCount:      len(infos),
			TrackNames:      recording,
		}
	}
	if s.GetLastError() != "" {
		return StatusError, nil
	}
	return StatusStandby, nil
}

// Tracks returns the current track manager
func (s *FairRecordService) Tracks() *track.Manager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tracks
}

// Registry returns the device registry of the configured backend
func (s *FairRecordService) Registry() *audio.DeviceRegistry {
	return s.registry
}

// LoadProfile loads a new configuration profile and rebuilds the tracks from it
func (s *FairRecordService) LoadProfile(profile string) error {
	if status, _ := s.GetRecordingStatus(); status == StatusRecording {
		return ErrRecordingActive
	}

	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}
	if newCfg.Audio.Backend != s.GetConfig().Audio.Backend {
		slog.Warn("Profile backend differs from the running one, keeping current backend",
			"profile", profile, "requested", newCfg.Audio.Backend, "current", s.registry.BackendName())
	}

	old := s.Tracks()
	if err := old.Close(); err != nil {
		slog.Warn("Failed to close previous tracks", "error", err)
	}
	return s.apply(newCfg)
}

// GetConfig returns the current configuration
func (s *FairRecordService) GetConfig() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// GetLastError returns the last error message
func (s *FairRecordService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

func (s *FairRecordService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err
	slog.Debug("Service error recorded", "error", err)
}

func (s *FairRecordService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

// Close stops and removes every track and releases the backend
func (s *FairRecordService) Close() error {
	err := s.Tracks().Close()
	s.closeBackend()
	return err
}

func (s *FairRecordService) closeBackend() {
	if closer, ok := s.backend.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			slog.Debug("Failed to close audio backend", "error", err)
		}
	}
}
