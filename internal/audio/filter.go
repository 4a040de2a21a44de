package audio

import (
	"math"
)

// NoiseCutoffHz is the corner frequency of the noise reduction low-pass
const NoiseCutoffHz = 1000.0

// NoiseFilter is a single-pole IIR low-pass applied in place to PCM blocks.
// State is kept per channel and persists across blocks until Reset.
type NoiseFilter struct {
	codec sampleCodec
	alpha float64
	last  []float64
}

// NewNoiseFilter prepares a filter for the given format
func NewNoiseFilter(format CaptureFormat) (*NoiseFilter, error) {
	codec, err := newSampleCodec(format)
	if err != nil {
		return nil, err
	}
	if format.SampleRate <= 0 {
		return nil, ErrInvalidFormat
	}

	channels := format.Channels
	if channels < 1 {
		channels = 1
	}

	rc := 1 / (2 * math.Pi * NoiseCutoffHz)
	dt := 1 / float64(format.SampleRate)

	return &NoiseFilter{
		codec: codec,
		alpha: dt / (rc + dt),
		last:  make([]float64, channels),
	}, nil
}

// Alpha returns the smoothing factor derived from the sample rate
func (f *NoiseFilter) Alpha() float64 {
	return f.alpha
}

// Reset clears the filter history
func (f *NoiseFilter) Reset() {
	for i := range f.last {
		f.last[i] = 0
	}
}

// Apply filters block in place. Trailing bytes that do not form a whole sample are left untouched.
func (f *NoiseFilter) Apply(block []byte) {
	width := f.codec.width
	channels := len(f.last)
	samples := len(block) / width

	for i := 0; i < samples; i++ {
		ch := i % channels
		b := block[i*width:]

		s := float64(f.codec.decode(b))
		filtered := f.alpha*s + (1-f.alpha)*f.last[ch]
		f.last[ch] = filtered

		// truncate toward zero; the history keeps full precision
		f.codec.encode(b, int(math.Trunc(filtered)))
	}
}
