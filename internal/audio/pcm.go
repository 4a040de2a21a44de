package audio

import (
	"fmt"
)

// sampleCodec reads and writes centered integer samples for one format
type sampleCodec struct {
	width     int
	signed    bool
	bigEndian bool
	min, max  int
}

func newSampleCodec(f CaptureFormat) (sampleCodec, error) {
	width := f.BytesPerSample()
	if width < 1 || width > 4 {
		return sampleCodec{}, fmt.Errorf("%w: %d bytes", ErrUnsupportedSampleWidth, width)
	}
	bits := uint(width * 8)
	return sampleCodec{
		width:     width,
		signed:    f.Signed(),
		bigEndian: f.BigEndian(),
		min:       -(1 << (bits - 1)),
		max:       (1 << (bits - 1)) - 1,
	}, nil
}

// fullScale is the divisor that maps a centered sample into [-1, 1)
func (c sampleCodec) fullScale() float64 {
	return float64(-c.min)
}

// decode returns the sample at b[0:width] centered on zero
func (c sampleCodec) decode(b []byte) int {
	var u uint32
	if c.bigEndian {
		for i := 0; i < c.width; i++ {
			u = u<<8 | uint32(b[i])
		}
	} else {
		for i := c.width - 1; i >= 0; i-- {
			u = u<<8 | uint32(b[i])
		}
	}

	bits := uint(c.width * 8)
	if !c.signed {
		return int(int64(u) - int64(1)<<(bits-1))
	}
	// sign extend
	shift := 32 - bits
	return int(int32(u<<shift) >> shift)
}

// encode writes a centered sample into b[0:width], clamping to the sample range
func (c sampleCodec) encode(b []byte, v int) {
	if v < c.min {
		v = c.min
	} else if v > c.max {
		v = c.max
	}

	var u uint32
	if c.signed {
		u = uint32(int32(v))
	} else {
		u = uint32(int64(v) - int64(c.min))
	}

	if c.bigEndian {
		for i := c.width - 1; i >= 0; i-- {
			b[i] = byte(u)
			u >>= 8
		}
	} else {
		for i := 0; i < c.width; i++ {
			b[i] = byte(u)
			u >>= 8
		}
	}
}
