package audio

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavFormatPCM   = 1
	wavChunkFrames = 4096
	maxCreateTries = 32
)

// WriteWAV stores interleaved PCM as a single-chunk WAVE file at a collision-free
// variant of nominal and returns the path actually written.
// Samples are stored the way WAVE requires: 8-bit unsigned, wider widths signed little-endian.
func WriteWAV(nominal string, format CaptureFormat, pcm []byte) (string, error) {
	codec, err := newSampleCodec(format)
	if err != nil {
		return "", err
	}

	if dir := filepath.Dir(nominal); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, path, err := createUnique(nominal)
	if err != nil {
		return "", err
	}

	if err := encodeWAV(f, codec, format, pcm); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to close %s: %w", path, err)
	}

	return path, nil
}

// createUnique resolves a free name and creates it exclusively, retrying if another writer wins the race
func createUnique(nominal string) (*os.File, string, error) {
	for try := 0; try < maxCreateTries; try++ {
		path, err := ResolveUniqueName(nominal)
		if err != nil {
			return nil, "", err
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to create %s: %w", path, err)
		}
		return f, path, nil
	}
	return nil, "", fmt.Errorf("failed to find a free name for %s after %d attempts", nominal, maxCreateTries)
}

func encodeWAV(f *os.File, codec sampleCodec, format CaptureFormat, pcm []byte) error {
	enc := wav.NewEncoder(f, format.SampleRate, format.SampleSizeBits, format.Channels, wavFormatPCM)

	frameSize := codec.width * format.Channels
	frames := len(pcm) / frameSize

	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		SourceBitDepth: format.SampleSizeBits,
	}

	for start := 0; start < frames; start += wavChunkFrames {
		end := min(start+wavChunkFrames, frames)
		chunk := pcm[start*frameSize : end*frameSize]

		samples := len(chunk) / codec.width
		if cap(buf.Data) < samples {
			buf.Data = make([]int, samples)
		}
		buf.Data = buf.Data[:samples]

		for i := 0; i < samples; i++ {
			v := codec.decode(chunk[i*codec.width:])
			if codec.width == 1 {
				v += 128
			}
			buf.Data[i] = v
		}

		if err := enc.Write(buf); err != nil {
			return fmt.Errorf("failed to write samples: %w", err)
		}
	}

	// the encoder emits its header on the first Write, so an empty take still needs one
	if frames == 0 {
		if err := enc.Write(buf); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finalize wav header: %w", err)
	}
	return nil
}
