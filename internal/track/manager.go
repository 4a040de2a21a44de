// Package track owns the set of recording tracks, one capture session each.
package track

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/fairrecord/internal/audio"
)

// ErrUnknownTrack is returned for ids the manager does not hold
var ErrUnknownTrack = errors.New("unknown track")

// TrackInfo is the view of a track handed to presenters and API clients
type TrackInfo struct {
	ID             string `json:"id"`
	Ordinal        int    `json:"ordinal"`
	Name           string `json:"name"`
	Device         string `json:"device"`
	NoiseReduction bool   `json:"noise_reduction"`
	State          string `json:"state"`
	OutputPath     string `json:"output_path"`
	LastRecording  string `json:"last_recording,omitempty"`
}

// Presenter is notified when tracks appear and disappear.
// Calls are made without the manager lock held, from the goroutine that changed the set.
type Presenter interface {
	TrackAdded(info TrackInfo)
	TrackRemoved(id string)
}

// Options configure a Manager
type Options struct {
	OutputDir   string
	StopTimeout time.Duration
	Observer    audio.Observer
	Presenter   Presenter
}

type track struct {
	id      string
	ordinal int
	session *audio.CaptureSession
}

// Manager owns tracks and mediates add and remove against the presenter
type Manager struct {
	registry *audio.DeviceRegistry
	opts     Options

	// ops serializes add and remove so a slow stop does not block readers
	ops sync.Mutex

	mu      sync.RWMutex
	tracks  []*track
	byID    map[string]*track
	ordinal int
}

// NewManager creates an empty manager
func NewManager(registry *audio.DeviceRegistry, opts Options) *Manager {
	return &Manager{
		registry: registry,
		opts:     opts,
		byID:     make(map[string]*track),
	}
}

// SetPresenter replaces the presenter used for later changes
func (m *Manager) SetPresenter(p Presenter) {
	m.ops.Lock()
	defer m.ops.Unlock()
	m.opts.Presenter = p
}

// AddTrack creates a track with a fresh capture session and returns its id.
// An empty track name becomes "Track N", N being the track count after insertion.
func (m *Manager) AddTrack(settings audio.RecorderSettings) (string, error) {
	settings = settings.WithDefaults()
	if err := settings.Validate(); err != nil {
		return "", err
	}

	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.Lock()
	m.ordinal++
	if settings.TrackName == "" {
		settings.TrackName = "Track " + strconv.Itoa(len(m.tracks)+1)
	}
	t := &track{
		id:      uuid.NewString(),
		ordinal: m.ordinal,
	}
	t.session = audio.NewCaptureSession(m.registry, settings, audio.SessionOptions{
		OutputPath:  m.nominalPath(settings, t.ordinal),
		StopTimeout: m.opts.StopTimeout,
		Observer:    m.opts.Observer,
		Label:       t.id,
	})
	m.tracks = append(m.tracks, t)
	m.byID[t.id] = t
	m.mu.Unlock()

	info := describe(t)
	slog.Info("Track added", "track", info.Name, "id", t.id, "device", info.Device)
	if m.opts.Presenter != nil {
		m.opts.Presenter.TrackAdded(info)
	}
	return t.id, nil
}

// nominalPath is <output dir>/<sanitized name>.wav, falling back to the device name
func (m *Manager) nominalPath(settings audio.RecorderSettings, ordinal int) string {
	base := audio.SanitizeFileName(settings.TrackName)
	if base == "" && settings.Device != nil {
		base = audio.SanitizeFileName(settings.Device.Name)
	}
	if base == "" {
		base = "track_" + strconv.Itoa(ordinal)
	}
	return filepath.Join(m.opts.OutputDir, base+".wav")
}

// RemoveTrack stops the track if it is recording, then detaches it.
// The track is removed even when writing its recording fails; that error is returned.
func (m *Manager) RemoveTrack(id string) error {
	m.ops.Lock()
	defer m.ops.Unlock()

	t, err := m.lookup(id)
	if err != nil {
		return err
	}

	stopErr := t.session.Close()
	if stopErr != nil {
		stopErr = fmt.Errorf("failed to stop track %s: %w", id, stopErr)
	}

	m.mu.Lock()
	delete(m.byID, id)
	for i, candidate := range m.tracks {
		if candidate == t {
			m.tracks = append(m.tracks[:i], m.tracks[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	slog.Info("Track removed", "id", id)
	if m.opts.Presenter != nil {
		m.opts.Presenter.TrackRemoved(id)
	}
	return stopErr
}

// Count returns the number of managed tracks
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tracks)
}

// Tracks returns a snapshot of every track in insertion order
func (m *Manager) Tracks() []TrackInfo {
	m.mu.RLock()
	tracks := make([]*track, len(m.tracks))
	copy(tracks, m.tracks)
	m.mu.RUnlock()

	infos := make([]TrackInfo, 0, len(tracks))
	for _, t := range tracks {
		infos = append(infos, describe(t))
	}
	return infos
}

// Track returns the snapshot of one track
func (m *Manager) Track(id string) (TrackInfo, error) {
	t, err := m.lookup(id)
	if err != nil {
		return TrackInfo{}, err
	}
	return describe(t), nil
}

func describe(t *track) TrackInfo {
	settings := t.session.Settings()
	info := TrackInfo{
		ID:             t.id,
		Ordinal:        t.ordinal,
		Name:           settings.TrackName,
		NoiseReduction: settings.NoiseReduction,
		State:          t.session.State().String(),
		OutputPath:     t.session.OutputPath(),
		LastRecording:  t.session.LastRecording(),
	}
	if settings.Device != nil {
		info.Device = settings.Device.Name
	}
	return info
}

func (m *Manager) lookup(id string) (*track, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTrack, id)
	}
	return t, nil
}

// Start begins recording on a track
func (m *Manager) Start(id string) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	return t.session.Start()
}

// Stop ends recording on a track and returns the written file
func (m *Manager) Stop(id string) (string, error) {
	t, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	return t.session.Stop()
}

// Settings returns the recorder settings of a track
func (m *Manager) Settings(id string) (audio.RecorderSettings, error) {
	t, err := m.lookup(id)
	if err != nil {
		return audio.RecorderSettings{}, err
	}
	return t.session.Settings(), nil
}

// SetSettings replaces a track's settings for its next recording. Renaming a track moves its nominal output path.
func (m *Manager) SetSettings(id string, settings audio.RecorderSettings) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}

	previous := t.session.Settings()
	if settings.TrackName == "" {
		settings.TrackName = previous.TrackName
	}
	if err := t.session.SetSettings(settings); err != nil {
		return err
	}
	if settings.TrackName != previous.TrackName {
		t.session.SetOutputPath(m.nominalPath(settings, t.ordinal))
	}
	return nil
}

// Levels returns the level stream of a track. It closes when the track is removed.
func (m *Manager) Levels(id string) (<-chan audio.LevelSample, error) {
	t, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return t.session.Levels(), nil
}

// Errors returns the capture error stream of a track
func (m *Manager) Errors(id string) (<-chan error, error) {
	t, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return t.session.Errors(), nil
}

// StartAll starts every track, stopping at the first failure
func (m *Manager) StartAll() error {
	for _, info := range m.Tracks() {
		if err := m.Start(info.ID); err != nil {
			return fmt.Errorf("failed to start %s: %w", info.Name, err)
		}
	}
	return nil
}

// StopAll stops every recording track and returns the written files
func (m *Manager) StopAll() ([]string, error) {
	var paths []string
	var errs []error
	for _, info := range m.Tracks() {
		path, err := m.Stop(info.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", info.Name, err))
			continue
		}
		if path != "" {
			paths = append(paths, path)
		}
	}
	return paths, errors.Join(errs...)
}

// Close removes every track, stopping recordings first
func (m *Manager) Close() error {
	var errs []error
	for _, info := range m.Tracks() {
		if err := m.RemoveTrack(info.ID); err != nil && !errors.Is(err, ErrUnknownTrack) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
