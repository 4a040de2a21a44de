package audio

import (
	"math"
	"time"
)

// FloorDB is the level reported to consumers that cannot represent -Inf
const FloorDB = -120.0

// LevelSample is the loudness of one captured block
type LevelSample struct {
	DB        float64
	Timestamp time.Time
	// Block is the ordinal of the block within the current recording, starting at 1
	Block uint64
}

// Clamped returns the level limited to [FloorDB, +Inf)
func (l LevelSample) Clamped() float64 {
	if math.IsNaN(l.DB) || l.DB < FloorDB {
		return FloorDB
	}
	return l.DB
}

// RMS computes the root mean square of a PCM block, normalized to [-1, 1].
// Trailing bytes that do not form a whole sample are ignored.
func RMS(block []byte, format CaptureFormat) (float64, error) {
	codec, err := newSampleCodec(format)
	if err != nil {
		return 0, err
	}

	scale := codec.fullScale()
	samples := len(block) / codec.width
	if samples == 0 {
		return 0, nil
	}

	var sum float64
	for i := 0; i < samples; i++ {
		v := float64(codec.decode(block[i*codec.width:])) / scale
		sum += v * v
	}

	// samples already spans every channel: frames x channels. Dividing by the
	// channel count again would read 10*log10(channels) dB low on multichannel input.
	return math.Sqrt(sum / float64(samples)), nil
}

// Decibels converts an RMS value to dBFS. Silence yields -Inf.
func Decibels(rms float64) float64 {
	return 20 * math.Log10(rms)
}

// Level computes the dBFS level of a PCM block
func Level(block []byte, format CaptureFormat) (float64, error) {
	rms, err := RMS(block, format)
	if err != nil {
		return 0, err
	}
	return Decibels(rms), nil
}

// Zone is the traffic-light band a level falls into
type Zone string

const (
	ZoneGreen  Zone = "green"
	ZoneYellow Zone = "yellow"
	ZoneRed    Zone = "red"
)

// LevelZone maps a dB level onto the meter colour bands
func LevelZone(db float64) Zone {
	switch {
	case db < -15:
		return ZoneGreen
	case db < -3:
		return ZoneYellow
	default:
		return ZoneRed
	}
}

// LevelPercent maps a dB level onto a 0-100 meter width (60 dB of range)
func LevelPercent(db float64) float64 {
	if math.IsNaN(db) {
		return 0
	}
	return math.Max(0, math.Min(100, db+60))
}
