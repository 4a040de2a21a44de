package audio

import (
	"fmt"
)

// NotSpecified marks a format field a device leaves open (any value accepted)
const NotSpecified = 0

// Encoding is the integer encoding of PCM samples
type Encoding string

const (
	EncodingSigned   Encoding = "pcm_signed"
	EncodingUnsigned Encoding = "pcm_unsigned"
)

// ByteOrder is the byte order of multi-byte samples
type ByteOrder string

const (
	LittleEndian ByteOrder = "little"
	BigEndian    ByteOrder = "big"
)

// CaptureFormat describes the PCM layout a capture line produces
type CaptureFormat struct {
	SampleRate     int       `json:"sample_rate" yaml:"sample_rate"`
	SampleSizeBits int       `json:"sample_size_bits" yaml:"sample_size_bits"`
	Channels       int       `json:"channels" yaml:"channels"`
	Encoding       Encoding  `json:"encoding" yaml:"encoding"`
	ByteOrder      ByteOrder `json:"byte_order" yaml:"byte_order"`
	FrameSize      int       `json:"frame_size" yaml:"frame_size"`
}

// DefaultFormat is used when a device advertises nothing fully specified
var DefaultFormat = CaptureFormat{
	SampleRate:     44100,
	SampleSizeBits: 16,
	Channels:       1,
	Encoding:       EncodingSigned,
	ByteOrder:      LittleEndian,
	FrameSize:      2,
}

// NewCaptureFormat builds a format and derives its frame size
func NewCaptureFormat(sampleRate, sampleSizeBits, channels int, encoding Encoding, order ByteOrder) CaptureFormat {
	f := CaptureFormat{
		SampleRate:     sampleRate,
		SampleSizeBits: sampleSizeBits,
		Channels:       channels,
		Encoding:       encoding,
		ByteOrder:      order,
	}
	if sampleSizeBits > 0 && channels > 0 {
		f.FrameSize = channels * sampleSizeBits / 8
	}
	return f
}

// BytesPerSample returns the width of one sample in bytes
func (f CaptureFormat) BytesPerSample() int {
	return f.SampleSizeBits / 8
}

// Signed reports whether samples use two's complement encoding
func (f CaptureFormat) Signed() bool {
	return f.Encoding != EncodingUnsigned
}

// BigEndian reports whether multi-byte samples are stored most significant byte first
func (f CaptureFormat) BigEndian() bool {
	return f.ByteOrder == BigEndian
}

// FullySpecified reports whether rate and sample size are both concrete
func (f CaptureFormat) FullySpecified() bool {
	return f.SampleRate != NotSpecified && f.SampleSizeBits != NotSpecified
}

// Validate checks that every field is set and that the frame size is consistent
func (f CaptureFormat) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate must be > 0, got %d", ErrInvalidFormat, f.SampleRate)
	}
	switch f.SampleSizeBits {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("%w: sample size must be 8, 16, 24 or 32 bits, got %d", ErrInvalidFormat, f.SampleSizeBits)
	}
	if f.Channels < 1 {
		return fmt.Errorf("%w: channel count must be >= 1, got %d", ErrInvalidFormat, f.Channels)
	}
	if f.Encoding != EncodingSigned && f.Encoding != EncodingUnsigned {
		return fmt.Errorf("%w: unknown encoding %q", ErrInvalidFormat, f.Encoding)
	}
	if f.ByteOrder != LittleEndian && f.ByteOrder != BigEndian {
		return fmt.Errorf("%w: unknown byte order %q", ErrInvalidFormat, f.ByteOrder)
	}
	if want := f.Channels * f.SampleSizeBits / 8; f.FrameSize != want {
		return fmt.Errorf("%w: frame size %d does not match %d channel(s) x %d bits", ErrInvalidFormat, f.FrameSize, f.Channels, f.SampleSizeBits)
	}
	return nil
}

// Matches reports whether this format, possibly carrying wildcards, accepts the concrete format
func (f CaptureFormat) Matches(want CaptureFormat) bool {
	if f.SampleRate != NotSpecified && f.SampleRate != want.SampleRate {
		return false
	}
	if f.SampleSizeBits != NotSpecified && f.SampleSizeBits != want.SampleSizeBits {
		return false
	}
	if f.Channels != NotSpecified && f.Channels != want.Channels {
		return false
	}
	if f.Encoding != "" && f.Encoding != want.Encoding {
		return false
	}
	// 8-bit samples have no byte order
	if f.ByteOrder != "" && want.SampleSizeBits > 8 && f.ByteOrder != want.ByteOrder {
		return false
	}
	return true
}

func (f CaptureFormat) String() string {
	rate := "any rate"
	if f.SampleRate != NotSpecified {
		rate = fmt.Sprintf("%d Hz", f.SampleRate)
	}
	bits := "any size"
	if f.SampleSizeBits != NotSpecified {
		bits = fmt.Sprintf("%d-bit", f.SampleSizeBits)
	}
	channels := "any channels"
	if f.Channels != NotSpecified {
		channels = fmt.Sprintf("%d ch", f.Channels)
	}
	return fmt.Sprintf("%s %s, %s, %s, %s-endian", f.Encoding, rate, bits, channels, f.ByteOrder)
}
