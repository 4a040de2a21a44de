package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/smallnest/ringbuffer"
)

// BackendTypeMalgo names the miniaudio backend
const BackendTypeMalgo = "malgo"

// minRingBytes bounds the capture ring from below for very low rates
const minRingBytes = 64 * 1024

// MalgoBackend captures through miniaudio (ALSA, WASAPI or CoreAudio)
type MalgoBackend struct {
	mu    sync.Mutex
	ctx   *malgo.AllocatedContext
	infos map[string]malgo.DeviceInfo
}

// NewMalgoBackend creates a backend; the miniaudio context is initialized on first use
func NewMalgoBackend() *MalgoBackend {
	return &MalgoBackend{}
}

func (b *MalgoBackend) Name() string {
	return BackendTypeMalgo
}

func platformBackend() malgo.Backend {
	switch runtime.GOOS {
	case "linux":
		return malgo.BackendAlsa
	case "windows":
		return malgo.BackendWasapi
	case "darwin":
		return malgo.BackendCoreaudio
	default:
		return malgo.BackendNull
	}
}

func (b *MalgoBackend) context() (*malgo.AllocatedContext, error) {
	if b.ctx != nil {
		return b.ctx, nil
	}
	ctx, err := malgo.InitContext([]malgo.Backend{platformBackend()}, malgo.ContextConfig{}, func(message string) {
		slog.Debug("miniaudio", "message", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}
	b.ctx = ctx
	return ctx, nil
}

// Devices lists capture devices together with their native data formats
func (b *MalgoBackend) Devices() ([]AudioDevice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ctx, err := b.context()
	if err != nil {
		return nil, err
	}

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to list capture devices: %w", err)
	}

	b.infos = make(map[string]malgo.DeviceInfo, len(infos))
	devices := make([]AudioDevice, 0, len(infos))
	for i := range infos {
		name := infos[i].Name()
		// miniaudio's null backend reports a sink that discards everything
		if strings.Contains(name, "Discard all samples") {
			continue
		}

		id := infos[i].ID.String()
		formats := []CaptureFormat{{}}
		if full, err := ctx.DeviceInfo(malgo.Capture, infos[i].ID, malgo.Shared); err == nil {
			formats = nativeFormats(full.Formats)
		} else {
			slog.Debug("Failed to query device formats", "device", name, "error", err)
		}

		b.infos[id] = infos[i]
		devices = append(devices, AudioDevice{
			ID:      id,
			Name:    name,
			Default: infos[i].IsDefault != 0,
			Lines:   []LineInfo{{Kind: LineCapture, Formats: formats}},
		})
	}

	return devices, nil
}

// nativeFormats maps miniaudio data formats onto capture formats, skipping float formats
func nativeFormats(native []malgo.DataFormat) []CaptureFormat {
	if len(native) == 0 {
		return []CaptureFormat{{}}
	}

	formats := make([]CaptureFormat, 0, len(native))
	for _, df := range native {
		bits, enc, ok := pcmLayout(df.Format)
		if !ok {
			continue
		}
		order := LittleEndian
		if bits == NotSpecified {
			order = ""
		}
		f := NewCaptureFormat(int(df.SampleRate), bits, int(df.Channels), enc, order)
		formats = append(formats, f)
	}
	if len(formats) == 0 {
		return []CaptureFormat{{}}
	}
	return formats
}

func pcmLayout(ft malgo.FormatType) (int, Encoding, bool) {
	switch ft {
	case malgo.FormatUnknown:
		return NotSpecified, "", true
	case malgo.FormatU8:
		return 8, EncodingUnsigned, true
	case malgo.FormatS16:
		return 16, EncodingSigned, true
	case malgo.FormatS24:
		return 24, EncodingSigned, true
	case malgo.FormatS32:
		return 32, EncodingSigned, true
	default:
		return 0, "", false
	}
}

func malgoFormat(f CaptureFormat) (malgo.FormatType, error) {
	if f.SampleSizeBits > 8 && f.BigEndian() {
		return malgo.FormatUnknown, fmt.Errorf("%w: miniaudio delivers native little-endian samples", ErrLineUnsupported)
	}
	switch {
	case f.SampleSizeBits == 8 && !f.Signed():
		return malgo.FormatU8, nil
	case f.SampleSizeBits == 16 && f.Signed():
		return malgo.FormatS16, nil
	case f.SampleSizeBits == 24 && f.Signed():
		return malgo.FormatS24, nil
	case f.SampleSizeBits == 32 && f.Signed():
		return malgo.FormatS32, nil
	}
	return malgo.FormatUnknown, fmt.Errorf("%w: %s", ErrLineUnsupported, f)
}

// Open initializes a capture device. Audio is moved from the miniaudio callback into a ring buffer.
func (b *MalgoBackend) Open(device *AudioDevice, format CaptureFormat) (CaptureLine, error) {
	sampleFormat, err := malgoFormat(format)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ctx, err := b.context()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLineUnavailable, err)
	}
	info, ok := b.infos[device.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, device.Name)
	}

	ringSize := max(format.SampleRate*format.FrameSize, minRingBytes)
	line := &malgoLine{
		format: format,
		ring:   ringbuffer.New(ringSize).SetBlocking(true),
		name:   device.Name,
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = sampleFormat
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.Capture.DeviceID = info.ID.Pointer()
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: line.onData,
		Stop: line.onStop,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLineUnavailable, device.Name, err)
	}
	line.device = dev
	return line, nil
}

// Close releases the miniaudio context
func (b *MalgoBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return nil
	}
	err := b.ctx.Uninit()
	b.ctx.Free()
	b.ctx = nil
	return err
}

type malgoLine struct {
	format CaptureFormat
	name   string
	device *malgo.Device
	ring   *ringbuffer.RingBuffer

	dropped atomic.Uint64
	once    sync.Once
}

func (l *malgoLine) Format() CaptureFormat {
	return l.format
}

func (l *malgoLine) onData(_, input []byte, _ uint32) {
	// never block the audio thread; drop what does not fit
	if l.ring.Free() < len(input) {
		if l.dropped.Add(1) == 1 {
			slog.Warn("Capture ring full, dropping audio", "device", l.name)
		}
		return
	}
	if _, err := l.ring.Write(input); err != nil && !errors.Is(err, ErrLineClosed) {
		slog.Debug("Capture ring write failed", "device", l.name, "error", err)
	}
}

func (l *malgoLine) onStop() {
	slog.Debug("Capture device stopped", "device", l.name)
}

func (l *malgoLine) Start() error {
	if err := l.device.Start(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrLineUnavailable, l.name, err)
	}
	return nil
}

func (l *malgoLine) Read(p []byte) (int, error) {
	return l.ring.Read(p)
}

func (l *malgoLine) Stop() error {
	return l.device.Stop()
}

func (l *malgoLine) Close() error {
	l.once.Do(func() {
		l.ring.CloseWithError(ErrLineClosed)
		l.device.Uninit()
		if n := l.dropped.Load(); n > 0 {
			slog.Warn("Audio dropped during capture", "device", l.name, "callbacks", n)
		}
	})
	return nil
}
