package audio

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// LineKind is the direction of a device line
type LineKind string

const (
	LineCapture  LineKind = "capture"
	LinePlayback LineKind = "playback"
)

// LineInfo is one line class a device exposes, with the formats it advertises
type LineInfo struct {
	Kind    LineKind        `json:"kind" yaml:"kind"`
	Formats []CaptureFormat `json:"formats" yaml:"formats"`
}

// AudioDevice is an enumerated audio device. Values are not modified after enumeration.
type AudioDevice struct {
	ID      string     `json:"id" yaml:"id"`
	Name    string     `json:"name" yaml:"name"`
	Default bool       `json:"default" yaml:"default"`
	Lines   []LineInfo `json:"lines" yaml:"lines"`
}

// HasCaptureLine reports whether the device exposes any capture line
func (d *AudioDevice) HasCaptureLine() bool {
	for _, l := range d.Lines {
		if l.Kind == LineCapture {
			return true
		}
	}
	return false
}

// CaptureFormats returns every format advertised by the device's capture lines
func (d *AudioDevice) CaptureFormats() []CaptureFormat {
	var formats []CaptureFormat
	for _, l := range d.Lines {
		if l.Kind == LineCapture {
			formats = append(formats, l.Formats...)
		}
	}
	return formats
}

// Supports reports whether any advertised capture format accepts f
func (d *AudioDevice) Supports(f CaptureFormat) bool {
	for _, advertised := range d.CaptureFormats() {
		if advertised.Matches(f) {
			return true
		}
	}
	return false
}

// CaptureLine is an open input stream from a device
type CaptureLine interface {
	Start() error
	// Read blocks until audio is available or the line is closed
	Read(p []byte) (int, error)
	Stop() error
	Close() error
	Format() CaptureFormat
}

// Backend is an audio subsystem able to list devices and open capture lines
type Backend interface {
	Name() string
	Devices() ([]AudioDevice, error)
	Open(device *AudioDevice, format CaptureFormat) (CaptureLine, error)
}

// DeviceRegistry enumerates capture devices and negotiates formats
type DeviceRegistry struct {
	backend Backend

	mu      sync.RWMutex
	devices []AudioDevice
}

// NewDeviceRegistry creates a registry on top of a backend
func NewDeviceRegistry(backend Backend) *DeviceRegistry {
	return &DeviceRegistry{backend: backend}
}

// BackendName returns the name of the underlying backend
func (r *DeviceRegistry) BackendName() string {
	return r.backend.Name()
}

// Enumerate returns every device exposing at least one capture line, in backend order
func (r *DeviceRegistry) Enumerate() ([]AudioDevice, error) {
	all, err := r.backend.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate %s devices: %w", r.backend.Name(), err)
	}

	devices := make([]AudioDevice, 0, len(all))
	for _, d := range all {
		if d.HasCaptureLine() {
			devices = append(devices, d)
		}
	}

	r.mu.Lock()
	r.devices = devices
	r.mu.Unlock()

	slog.Debug("Enumerated capture devices", "backend", r.backend.Name(), "count", len(devices))

	out := make([]AudioDevice, len(devices))
	copy(out, devices)
	return out, nil
}

// Find looks a device up by exact id, exact name, then name substring.
// An empty query or "default" selects the default device, falling back to the first one.
func (r *DeviceRegistry) Find(query string) (*AudioDevice, error) {
	r.mu.RLock()
	devices := r.devices
	r.mu.RUnlock()

	if devices == nil {
		var err error
		if devices, err = r.Enumerate(); err != nil {
			return nil, err
		}
	}

	if query == "" || query == "default" {
		for i := range devices {
			if devices[i].Default {
				d := devices[i]
				return &d, nil
			}
		}
		if len(devices) > 0 {
			d := devices[0]
			return &d, nil
		}
		return nil, fmt.Errorf("%w: no capture devices", ErrDeviceNotFound)
	}

	match := func(pred func(AudioDevice) bool) *AudioDevice {
		for i := range devices {
			if pred(devices[i]) {
				d := devices[i]
				return &d
			}
		}
		return nil
	}

	if d := match(func(d AudioDevice) bool { return d.ID == query }); d != nil {
		return d, nil
	}
	if d := match(func(d AudioDevice) bool { return d.Name == query }); d != nil {
		return d, nil
	}
	lower := strings.ToLower(query)
	if d := match(func(d AudioDevice) bool { return strings.Contains(strings.ToLower(d.Name), lower) }); d != nil {
		return d, nil
	}

	return nil, fmt.Errorf("%w: %q (%d devices available)", ErrDeviceNotFound, query, len(devices))
}

// NegotiateFormat picks the advertised capture format with the highest sample rate,
// then the highest sample size, among fully specified formats. It falls back to
// DefaultFormat when the device is nil or advertises only wildcards.
func (r *DeviceRegistry) NegotiateFormat(device *AudioDevice) (CaptureFormat, error) {
	if device == nil {
		return DefaultFormat, nil
	}
	if !device.HasCaptureLine() {
		return CaptureFormat{}, fmt.Errorf("%w: %s", ErrNoCaptureLine, device.Name)
	}

	var best CaptureFormat
	found := false
	for _, f := range device.CaptureFormats() {
		if !f.FullySpecified() {
			continue
		}
		switch f.SampleSizeBits {
		case 8, 16, 24, 32:
		default:
			continue
		}
		if !found || f.SampleRate > best.SampleRate ||
			(f.SampleRate == best.SampleRate && f.SampleSizeBits > best.SampleSizeBits) {
			best = f
			found = true
		}
	}

	if !found {
		slog.Debug("No fully specified capture format, using default", "device", device.Name, "format", DefaultFormat)
		return DefaultFormat, nil
	}

	negotiated := concretize(best)
	if err := negotiated.Validate(); err != nil {
		return CaptureFormat{}, fmt.Errorf("%w: %s", ErrLineUnsupported, err)
	}

	slog.Debug("Negotiated capture format", "device", device.Name, "format", negotiated)
	return negotiated, nil
}

// concretize fills the wildcard fields of an advertised format
func concretize(f CaptureFormat) CaptureFormat {
	channels := f.Channels
	if channels == NotSpecified {
		channels = DefaultFormat.Channels
	}
	encoding := f.Encoding
	if encoding == "" {
		encoding = EncodingSigned
		if f.SampleSizeBits == 8 {
			encoding = EncodingUnsigned
		}
	}
	order := f.ByteOrder
	if order == "" {
		order = LittleEndian
	}
	return NewCaptureFormat(f.SampleRate, f.SampleSizeBits, channels, encoding, order)
}

// OpenLine opens a capture line on device in the given format
func (r *DeviceRegistry) OpenLine(device *AudioDevice, format CaptureFormat) (CaptureLine, error) {
	if device == nil {
		return nil, ErrDeviceUnavailable
	}
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLineUnsupported, err)
	}
	if !device.HasCaptureLine() {
		return nil, fmt.Errorf("%w: %s", ErrNoCaptureLine, device.Name)
	}
	if !device.Supports(format) {
		return nil, fmt.Errorf("%w: %s cannot capture %s", ErrLineUnsupported, device.Name, format)
	}

	line, err := r.backend.Open(device, format)
	if err != nil {
		return nil, err
	}

	slog.Debug("Opened capture line", "backend", r.backend.Name(), "device", device.Name, "format", format)
	return line, nil
}
