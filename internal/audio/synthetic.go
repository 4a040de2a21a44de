package audio

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// BackendTypeSynthetic names the generator backend
const BackendTypeSynthetic = "synthetic"

// SyntheticBackend generates sine waves instead of reading hardware.
// It is used for dry runs and tests.
type SyntheticBackend struct {
	// DeviceList is what Devices reports; a single wildcard device when empty
	DeviceList []AudioDevice
	// Frequency of the generated tone in Hz, 440 when zero
	Frequency float64
	// Amplitude relative to full scale, 0.5 when zero
	Amplitude float64
	// BlockBytes is the size of each generated block, 4096 when zero
	BlockBytes int
	// Blocks limits how many blocks a line produces before Read blocks until Close; 0 is unlimited
	Blocks int
	// Realtime paces Read to the duration of each block
	Realtime bool

	mu    sync.Mutex
	lines map[string]*SyntheticLine
}

// SyntheticDevice is the device reported by a SyntheticBackend with no explicit list
var SyntheticDevice = AudioDevice{
	ID:      "synthetic:sine",
	Name:    "Synthetic Sine",
	Default: true,
	Lines:   []LineInfo{{Kind: LineCapture, Formats: []CaptureFormat{{}}}},
}

func (b *SyntheticBackend) Name() string {
	return BackendTypeSynthetic
}

func (b *SyntheticBackend) Devices() ([]AudioDevice, error) {
	if len(b.DeviceList) == 0 {
		return []AudioDevice{SyntheticDevice}, nil
	}
	out := make([]AudioDevice, len(b.DeviceList))
	copy(out, b.DeviceList)
	return out, nil
}

// Open creates a generator line. A device may hold only one open line at a time.
func (b *SyntheticBackend) Open(device *AudioDevice, format CaptureFormat) (CaptureLine, error) {
	codec, err := newSampleCodec(format)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lines == nil {
		b.lines = make(map[string]*SyntheticLine)
	}
	if _, busy := b.lines[device.ID]; busy {
		return nil, fmt.Errorf("%w: %s is already in use", ErrLineUnavailable, device.Name)
	}

	freq := b.Frequency
	if freq == 0 {
		freq = 440
	}
	amp := b.Amplitude
	if amp == 0 {
		amp = 0.5
	}
	block := b.BlockBytes
	if block <= 0 {
		block = DefaultBufferSize
	}
	block -= block % format.FrameSize

	line := &SyntheticLine{
		backend:   b,
		deviceID:  device.ID,
		format:    format,
		codec:     codec,
		freq:      freq,
		amp:       amp,
		blockSize: block,
		limit:     b.Blocks,
		realtime:  b.Realtime,
		closed:    make(chan struct{}),
		started:   make(chan struct{}),
	}
	b.lines[device.ID] = line
	return line, nil
}

func (b *SyntheticBackend) release(id string, line *SyntheticLine) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lines[id] == line {
		delete(b.lines, id)
	}
}

// SyntheticLine produces a phase-continuous sine, one block per Read
type SyntheticLine struct {
	backend  *SyntheticBackend
	deviceID string
	format   CaptureFormat
	codec    sampleCodec

	freq, amp float64
	blockSize int
	limit     int
	realtime  bool

	mu       sync.Mutex
	frame    int
	produced int

	startOnce sync.Once
	started   chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

func (l *SyntheticLine) Format() CaptureFormat {
	return l.format
}

func (l *SyntheticLine) Start() error {
	select {
	case <-l.closed:
		return ErrLineClosed
	default:
	}
	l.startOnce.Do(func() { close(l.started) })
	return nil
}

// Stop is a no-op; the generator has no hardware to pause
func (l *SyntheticLine) Stop() error {
	return nil
}

func (l *SyntheticLine) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.backend.release(l.deviceID, l)
	})
	return nil
}

// Produced returns how many blocks the line has generated
func (l *SyntheticLine) Produced() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.produced
}

func (l *SyntheticLine) Read(p []byte) (int, error) {
	select {
	case <-l.started:
	case <-l.closed:
		return 0, ErrLineClosed
	}

	l.mu.Lock()
	exhausted := l.limit > 0 && l.produced >= l.limit
	l.mu.Unlock()
	if exhausted {
		<-l.closed
		return 0, ErrLineClosed
	}

	var pace <-chan time.Time
	if l.realtime {
		frames := l.blockSize / l.format.FrameSize
		pace = time.After(time.Duration(frames) * time.Second / time.Duration(l.format.SampleRate))
	}
	if pace != nil {
		select {
		case <-l.closed:
			return 0, ErrLineClosed
		case <-pace:
		}
	} else {
		select {
		case <-l.closed:
			return 0, ErrLineClosed
		default:
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	n := min(len(p), l.blockSize)
	n -= n % l.format.FrameSize
	width := l.codec.width
	scale := l.codec.fullScale()

	for off := 0; off < n; off += l.format.FrameSize {
		t := float64(l.frame) / float64(l.format.SampleRate)
		v := int(math.Round(l.amp * scale * math.Sin(2*math.Pi*l.freq*t)))
		for ch := 0; ch < l.format.Channels; ch++ {
			l.codec.encode(p[off+ch*width:], v)
		}
		l.frame++
	}
	l.produced++
	return n, nil
}
