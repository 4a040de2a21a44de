package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deviceWith(formats ...CaptureFormat) AudioDevice {
	return AudioDevice{
		ID:    "hw:test",
		Name:  "Test Interface",
		Lines: []LineInfo{{Kind: LineCapture, Formats: formats}},
	}
}

func TestNegotiateFormat_WildcardsYieldDefault(t *testing.T) {
	reg := NewDeviceRegistry(&SyntheticBackend{})
	dev := deviceWith(
		CaptureFormat{},
		CaptureFormat{SampleRate: NotSpecified, SampleSizeBits: 16, Channels: 2},
		CaptureFormat{SampleRate: 48000, SampleSizeBits: NotSpecified},
	)

	got, err := reg.NegotiateFormat(&dev)
	require.NoError(t, err)
	assert.Equal(t, DefaultFormat, got)
	assert.Equal(t, CaptureFormat{
		SampleRate:     44100,
		SampleSizeBits: 16,
		Channels:       1,
		Encoding:       EncodingSigned,
		ByteOrder:      LittleEndian,
		FrameSize:      2,
	}, got)
}

func TestNegotiateFormat_NilDevice(t *testing.T) {
	reg := NewDeviceRegistry(&SyntheticBackend{})

	got, err := reg.NegotiateFormat(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultFormat, got)
}

func TestNegotiateFormat_PrefersRateThenSize(t *testing.T) {
	reg := NewDeviceRegistry(&SyntheticBackend{})
	dev := deviceWith(
		NewCaptureFormat(44100, 24, 2, EncodingSigned, LittleEndian),
		NewCaptureFormat(48000, 16, 2, EncodingSigned, LittleEndian),
		NewCaptureFormat(48000, 24, 2, EncodingSigned, LittleEndian),
		NewCaptureFormat(96000, 12, 2, EncodingSigned, LittleEndian),
		CaptureFormat{SampleRate: 192000},
	)

	got, err := reg.NegotiateFormat(&dev)
	require.NoError(t, err)
	assert.Equal(t, NewCaptureFormat(48000, 24, 2, EncodingSigned, LittleEndian), got)
	assert.NoError(t, got.Validate())
}

func TestNegotiateFormat_FillsWildcardChannels(t *testing.T) {
	reg := NewDeviceRegistry(&SyntheticBackend{})
	dev := deviceWith(CaptureFormat{SampleRate: 32000, SampleSizeBits: 8})

	got, err := reg.NegotiateFormat(&dev)
	require.NoError(t, err)
	assert.Equal(t, NewCaptureFormat(32000, 8, 1, EncodingUnsigned, LittleEndian), got)
	assert.Equal(t, 1, got.FrameSize)
}

func TestNegotiateFormat_NoCaptureLine(t *testing.T) {
	reg := NewDeviceRegistry(&SyntheticBackend{})
	dev := AudioDevice{ID: "out", Name: "Speakers", Lines: []LineInfo{{Kind: LinePlayback}}}

	_, err := reg.NegotiateFormat(&dev)
	assert.ErrorIs(t, err, ErrNoCaptureLine)
}

func TestEnumerate_SkipsDevicesWithoutCaptureLine(t *testing.T) {
	backend := &SyntheticBackend{DeviceList: []AudioDevice{
		{ID: "a", Name: "Mic A", Lines: []LineInfo{{Kind: LineCapture, Formats: []CaptureFormat{{}}}}},
		{ID: "b", Name: "Speakers", Lines: []LineInfo{{Kind: LinePlayback}}},
		{ID: "c", Name: "Mic C", Default: true, Lines: []LineInfo{{Kind: LineCapture}}},
	}}
	reg := NewDeviceRegistry(backend)

	devices, err := reg.Enumerate()
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "a", devices[0].ID)
	assert.Equal(t, "c", devices[1].ID)
}

func TestFind(t *testing.T) {
	backend := &SyntheticBackend{DeviceList: []AudioDevice{
		{ID: "hw:1", Name: "USB Audio CODEC", Lines: []LineInfo{{Kind: LineCapture}}},
		{ID: "hw:2", Name: "Built-in Microphone", Default: true, Lines: []LineInfo{{Kind: LineCapture}}},
	}}
	reg := NewDeviceRegistry(backend)

	tests := []struct {
		query string
		want  string
	}{
		{"", "hw:2"},
		{"default", "hw:2"},
		{"hw:1", "hw:1"},
		{"Built-in Microphone", "hw:2"},
		{"usb", "hw:1"},
	}
	for _, tt := range tests {
		d, err := reg.Find(tt.query)
		require.NoError(t, err, "query %q", tt.query)
		assert.Equal(t, tt.want, d.ID, "query %q", tt.query)
	}

	_, err := reg.Find("nothing like this")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestOpenLine_Errors(t *testing.T) {
	reg := NewDeviceRegistry(&SyntheticBackend{})
	dev := deviceWith(NewCaptureFormat(48000, 16, 2, EncodingSigned, LittleEndian))

	_, err := reg.OpenLine(nil, DefaultFormat)
	assert.ErrorIs(t, err, ErrDeviceUnavailable)

	_, err = reg.OpenLine(&dev, DefaultFormat)
	assert.ErrorIs(t, err, ErrLineUnsupported)

	_, err = reg.OpenLine(&dev, CaptureFormat{SampleRate: 48000, SampleSizeBits: 16, Channels: 2})
	assert.ErrorIs(t, err, ErrLineUnsupported)
	assert.ErrorIs(t, err, ErrInvalidFormat)

	noLine := AudioDevice{ID: "x", Name: "Speakers"}
	_, err = reg.OpenLine(&noLine, DefaultFormat)
	assert.ErrorIs(t, err, ErrNoCaptureLine)
}

func TestOpenLine_ExclusivePerDevice(t *testing.T) {
	reg := NewDeviceRegistry(&SyntheticBackend{})
	dev := SyntheticDevice

	first, err := reg.OpenLine(&dev, DefaultFormat)
	require.NoError(t, err)

	_, err = reg.OpenLine(&dev, DefaultFormat)
	assert.ErrorIs(t, err, ErrLineUnavailable)

	require.NoError(t, first.Close())
	second, err := reg.OpenLine(&dev, DefaultFormat)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestCaptureFormat_Validate(t *testing.T) {
	assert.NoError(t, DefaultFormat.Validate())

	bad := DefaultFormat
	bad.FrameSize = 4
	assert.ErrorIs(t, bad.Validate(), ErrInvalidFormat)

	bad = DefaultFormat
	bad.SampleRate = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidFormat)

	bad = DefaultFormat
	bad.SampleSizeBits = 20
	assert.ErrorIs(t, bad.Validate(), ErrInvalidFormat)
}
