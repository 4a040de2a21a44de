package audio

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoiseFilter_Alpha(t *testing.T) {
	f, err := NewNoiseFilter(DefaultFormat)
	require.NoError(t, err)

	rc := 1 / (2 * math.Pi * 1000)
	dt := 1 / 44100.0
	assert.InDelta(t, dt/(rc+dt), f.Alpha(), 1e-12)
}

func TestNoiseFilter_ConvergesToDC(t *testing.T) {
	for _, order := range []ByteOrder{LittleEndian, BigEndian} {
		t.Run(string(order), func(t *testing.T) {
			format := NewCaptureFormat(44100, 16, 1, EncodingSigned, order)
			f, err := NewNoiseFilter(format)
			require.NoError(t, err)

			var bo binary.ByteOrder = binary.LittleEndian
			if order == BigEndian {
				bo = binary.BigEndian
			}

			var block []byte
			for i := 0; i < 4; i++ {
				block = constantBlock16(10000, 1024, bo)
				f.Apply(block)
			}

			// first block ramps up, later blocks sit at the input amplitude,
			// one step short at most since output truncates toward zero
			for i := 0; i < 1024; i++ {
				got := int16(bo.Uint16(block[i*2:]))
				require.InDelta(t, 10000, got, 1, "sample %d", i)
				require.LessOrEqual(t, got, int16(10000), "sample %d", i)
			}
		})
	}
}

func TestNoiseFilter_FirstSampleIsScaledByAlpha(t *testing.T) {
	f, err := NewNoiseFilter(DefaultFormat)
	require.NoError(t, err)

	for _, in := range []int16{20000, -20000} {
		f.Reset()
		block := constantBlock16(in, 1, binary.LittleEndian)
		f.Apply(block)

		got := int16(binary.LittleEndian.Uint16(block))
		assert.Equal(t, int16(math.Trunc(float64(in)*f.Alpha())), got, "input %d", in)
	}
}

func TestNoiseFilter_Reset(t *testing.T) {
	f, err := NewNoiseFilter(DefaultFormat)
	require.NoError(t, err)

	f.Apply(constantBlock16(30000, 2048, binary.LittleEndian))
	f.Reset()

	block := constantBlock16(0, 4, binary.LittleEndian)
	f.Apply(block)
	assert.Equal(t, make([]byte, 8), block, "history should not leak past Reset")
}

func TestNoiseFilter_ChannelsAreIndependent(t *testing.T) {
	format := NewCaptureFormat(44100, 16, 2, EncodingSigned, LittleEndian)
	f, err := NewNoiseFilter(format)
	require.NoError(t, err)

	// left constant, right silent
	block := make([]byte, 4*2048)
	for i := 0; i < 2048; i++ {
		binary.LittleEndian.PutUint16(block[i*4:], uint16(8000))
	}
	f.Apply(block)

	last := block[len(block)-4:]
	assert.InDelta(t, 8000, int16(binary.LittleEndian.Uint16(last)), 1)
	assert.Equal(t, int16(0), int16(binary.LittleEndian.Uint16(last[2:])))
}

func TestNoiseFilter_Unsigned8Bit(t *testing.T) {
	format := NewCaptureFormat(8000, 8, 1, EncodingUnsigned, LittleEndian)
	f, err := NewNoiseFilter(format)
	require.NoError(t, err)

	block := make([]byte, 512)
	for i := range block {
		block[i] = 200
	}
	f.Apply(block)
	assert.InDelta(t, 200, block[len(block)-1], 1)
}
