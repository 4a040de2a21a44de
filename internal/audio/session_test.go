package audio

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newSyntheticSession(t *testing.T, backend *SyntheticBackend, name string) (*CaptureSession, string) {
	t.Helper()
	reg := NewDeviceRegistry(backend)
	dev, err := reg.Find("")
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), name+".wav")
	settings := DefaultSettings()
	settings.Device = dev
	settings.TrackName = name

	s := NewCaptureSession(reg, settings, SessionOptions{OutputPath: out, StopTimeout: 2 * time.Second})
	t.Cleanup(func() { s.Close() })
	return s, out
}

func waitLevels(t *testing.T, s *CaptureSession, n int) []LevelSample {
	t.Helper()
	var got []LevelSample
	timeout := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case l := <-s.Levels():
			got = append(got, l)
		case <-timeout:
			t.Fatalf("received %d of %d level samples", len(got), n)
		}
	}
	return got
}

func TestCaptureSession_EndToEnd(t *testing.T) {
	const blocks = 6
	backend := &SyntheticBackend{Blocks: blocks, BlockBytes: DefaultBufferSize}
	s, nominal := newSyntheticSession(t, backend, "sine")

	require.NoError(t, s.Start())
	assert.Equal(t, StateRecording, s.State())

	levels := waitLevels(t, s, blocks)
	for i, l := range levels {
		assert.Equal(t, uint64(i+1), l.Block, "levels arrive in block order")
		// 0.5 amplitude sine: rms = 0.5/sqrt(2)
		assert.InDelta(t, -9.03, l.DB, 0.3)
	}

	path, err := s.Stop()
	require.NoError(t, err)
	assert.Equal(t, nominal, path)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, path, s.LastRecording())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	dec := wav.NewDecoder(f)
	require.True(t, dec.IsValidFile())
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)

	assert.Equal(t, uint32(DefaultFormat.SampleRate), dec.SampleRate)
	assert.Equal(t, uint16(DefaultFormat.SampleSizeBits), dec.BitDepth)
	assert.Equal(t, uint16(DefaultFormat.Channels), dec.NumChans)
	assert.Equal(t, blocks*DefaultBufferSize/DefaultFormat.FrameSize, len(buf.Data))
}

func TestCaptureSession_StopWhenIdleOrClosed(t *testing.T) {
	s, nominal := newSyntheticSession(t, &SyntheticBackend{Blocks: 1}, "idle")

	path, err := s.Stop()
	assert.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, StateIdle, s.State())
	assert.NoFileExists(t, nominal)

	require.NoError(t, s.Start())
	waitLevels(t, s, 1)
	_, err = s.Stop()
	require.NoError(t, err)

	path, err = s.Stop()
	assert.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, StateClosed, s.State())
}

func TestCaptureSession_StartWhileRecordingIsNoop(t *testing.T) {
	s, _ := newSyntheticSession(t, &SyntheticBackend{Blocks: 2}, "twice")

	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	assert.Equal(t, StateRecording, s.State())

	_, err := s.Stop()
	require.NoError(t, err)
}

func TestCaptureSession_RestartWritesDistinctFiles(t *testing.T) {
	s, nominal := newSyntheticSession(t, &SyntheticBackend{Blocks: 2}, "take")

	var paths []string
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Start())
		waitLevels(t, s, 2)
		path, err := s.Stop()
		require.NoError(t, err)
		paths = append(paths, path)
	}

	dir := filepath.Dir(nominal)
	assert.Equal(t, []string{
		filepath.Join(dir, "take.wav"),
		filepath.Join(dir, "take (1).wav"),
		filepath.Join(dir, "take (2).wav"),
	}, paths)
	for _, p := range paths {
		assert.FileExists(t, p)
	}
}

func TestCaptureSession_ResolvesExistingNameAtConstruction(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "song.wav")
	touch(t, existing)

	reg := NewDeviceRegistry(&SyntheticBackend{})
	s := NewCaptureSession(reg, DefaultSettings(), SessionOptions{OutputPath: existing})
	defer s.Close()

	assert.Equal(t, filepath.Join(dir, "song (1).wav"), s.OutputPath())
}

func TestCaptureSession_NoLevelsAfterStop(t *testing.T) {
	s, _ := newSyntheticSession(t, &SyntheticBackend{Realtime: true}, "drain")

	require.NoError(t, s.Start())
	waitLevels(t, s, 3)
	_, err := s.Stop()
	require.NoError(t, err)

	// drain what was queued before the stop, then nothing more may arrive
	for len(s.Levels()) > 0 {
		<-s.Levels()
	}
	select {
	case l := <-s.Levels():
		t.Fatalf("level sample %d delivered after stop", l.Block)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCaptureSession_NoDevice(t *testing.T) {
	reg := NewDeviceRegistry(&SyntheticBackend{})
	s := NewCaptureSession(reg, DefaultSettings(), SessionOptions{OutputPath: filepath.Join(t.TempDir(), "x.wav")})
	defer s.Close()

	err := s.Start()
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.Equal(t, StateIdle, s.State())
}

func TestCaptureSession_LineBusy(t *testing.T) {
	backend := &SyntheticBackend{Blocks: 1}
	first, _ := newSyntheticSession(t, backend, "first")
	second, _ := newSyntheticSession(t, backend, "second")

	require.NoError(t, first.Start())
	err := second.Start()
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.ErrorIs(t, err, ErrLineUnavailable)
	assert.Equal(t, StateIdle, second.State())

	_, err = first.Stop()
	require.NoError(t, err)
}

func TestCaptureSession_WriteFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	touch(t, blocker)

	reg := NewDeviceRegistry(&SyntheticBackend{Blocks: 1})
	settings := DefaultSettings()
	settings.Device = &SyntheticDevice
	s := NewCaptureSession(reg, settings, SessionOptions{OutputPath: filepath.Join(blocker, "out.wav")})
	defer s.Close()

	require.NoError(t, s.Start())
	waitLevels(t, s, 1)

	_, err := s.Stop()
	assert.ErrorIs(t, err, ErrIOFailure)
	assert.Equal(t, StateClosed, s.State())
}

func TestCaptureSession_NoiseReduction(t *testing.T) {
	backend := &SyntheticBackend{Blocks: 2, Frequency: 15000}
	s, _ := newSyntheticSession(t, backend, "filtered")
	settings := s.Settings()
	settings.NoiseReduction = true
	require.NoError(t, s.SetSettings(settings))

	require.NoError(t, s.Start())
	levels := waitLevels(t, s, 2)
	_, err := s.Stop()
	require.NoError(t, err)

	// a 15 kHz tone lies far above the 1 kHz corner
	assert.Less(t, levels[1].DB, -20.0)
}

func TestCaptureSession_CloseDisposes(t *testing.T) {
	s, _ := newSyntheticSession(t, &SyntheticBackend{Realtime: true}, "dispose")

	require.NoError(t, s.Start())
	waitLevels(t, s, 1)
	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	assert.FileExists(t, s.LastRecording())

	assert.ErrorIs(t, s.Start(), ErrSessionDisposed)
	for range s.Levels() {
	}
	_, open := <-s.Errors()
	assert.False(t, open)
}

// stuckBackend produces lines whose Read ignores Close
type stuckBackend struct {
	release chan struct{}
}

func (b *stuckBackend) Name() string { return "stuck" }

func (b *stuckBackend) Devices() ([]AudioDevice, error) {
	return []AudioDevice{SyntheticDevice}, nil
}

func (b *stuckBackend) Open(*AudioDevice, CaptureFormat) (CaptureLine, error) {
	return &stuckLine{release: b.release}, nil
}

type stuckLine struct {
	release chan struct{}
}

func (l *stuckLine) Start() error          { return nil }
func (l *stuckLine) Stop() error           { return nil }
func (l *stuckLine) Close() error          { return nil }
func (l *stuckLine) Format() CaptureFormat { return DefaultFormat }

func (l *stuckLine) Read(p []byte) (int, error) {
	<-l.release
	return 0, ErrLineClosed
}

func TestCaptureSession_StopTimeout(t *testing.T) {
	backend := &stuckBackend{release: make(chan struct{})}
	defer close(backend.release)

	reg := NewDeviceRegistry(backend)
	settings := DefaultSettings()
	settings.Device = &SyntheticDevice
	nominal := filepath.Join(t.TempDir(), "stuck.wav")
	s := NewCaptureSession(reg, settings, SessionOptions{OutputPath: nominal, StopTimeout: 50 * time.Millisecond})

	require.NoError(t, s.Start())

	start := time.Now()
	_, err := s.Stop()
	assert.ErrorIs(t, err, ErrCancellationStall)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateClosed, s.State())
	assert.NoFileExists(t, nominal)

	require.NoError(t, s.Close())
}

type captureFailLine struct {
	stuckLine
	sent bool
}

func (l *captureFailLine) Read(p []byte) (int, error) {
	if !l.sent {
		l.sent = true
		return 0, os.ErrPermission
	}
	<-l.release
	return 0, ErrLineClosed
}

type failingBackend struct{ stuckBackend }

func (b *failingBackend) Open(*AudioDevice, CaptureFormat) (CaptureLine, error) {
	return &captureFailLine{stuckLine: stuckLine{release: b.release}}, nil
}

func TestCaptureSession_ReadErrorIsReported(t *testing.T) {
	backend := &failingBackend{stuckBackend{release: make(chan struct{})}}
	close(backend.release)

	reg := NewDeviceRegistry(backend)
	settings := DefaultSettings()
	settings.Device = &SyntheticDevice
	s := NewCaptureSession(reg, settings, SessionOptions{OutputPath: filepath.Join(t.TempDir(), "fail.wav")})
	defer s.Close()

	require.NoError(t, s.Start())
	select {
	case err := <-s.Errors():
		assert.ErrorIs(t, err, os.ErrPermission)
	case <-time.After(5 * time.Second):
		t.Fatal("capture error was not reported")
	}

	path, err := s.Stop()
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestCaptureSession_StopBeforeFirstBlock(t *testing.T) {
	// one realtime block of 1 MiB takes seconds to arrive
	backend := &SyntheticBackend{Blocks: 1, Realtime: true, BlockBytes: 1 << 20}
	s, _ := newSyntheticSession(t, backend, "quick")

	require.NoError(t, s.Start())
	path, err := s.Stop()
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	dec := wav.NewDecoder(f)
	require.True(t, dec.IsValidFile())
	assert.Equal(t, uint32(DefaultFormat.SampleRate), dec.SampleRate)
	assert.Equal(t, uint16(DefaultFormat.SampleSizeBits), dec.BitDepth)
}

func TestRecorderSettings_BufferSizeBounds(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{"minimum", 1, false},
		{"default", DefaultBufferSize, false},
		{"maximum", MaxBufferSize, false},
		{"zero", 0, true},
		{"negative", -1, true},
		{"too large", MaxBufferSize + 1, true},
		{"huge", 1 << 62, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RecorderSettings{BufferSize: tt.size}.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCaptureSession_RejectsOversizedBuffer(t *testing.T) {
	s, _ := newSyntheticSession(t, &SyntheticBackend{Blocks: 1}, "huge")

	settings := s.Settings()
	settings.BufferSize = 1 << 62
	assert.Error(t, s.SetSettings(settings))
	assert.Equal(t, DefaultBufferSize, s.Settings().BufferSize)

	// zero falls back to the default
	settings.BufferSize = 0
	require.NoError(t, s.SetSettings(settings))
	assert.Equal(t, DefaultBufferSize, s.Settings().BufferSize)

	require.NoError(t, s.Start())
	waitLevels(t, s, 1)
	_, err := s.Stop()
	require.NoError(t, err)
}

func TestCaptureSession_PathsReadableWhileStopping(t *testing.T) {
	backend := &stuckBackend{release: make(chan struct{})}
	reg := NewDeviceRegistry(backend)
	settings := DefaultSettings()
	settings.Device = &SyntheticDevice
	nominal := filepath.Join(t.TempDir(), "slow.wav")
	s := NewCaptureSession(reg, settings, SessionOptions{OutputPath: nominal})
	defer s.Close()

	require.NoError(t, s.Start())

	stopped := make(chan error, 1)
	go func() {
		_, err := s.Stop()
		stopped <- err
	}()
	require.Eventually(t, func() bool { return s.State() == StateStopping }, 2*time.Second, 5*time.Millisecond)

	read := make(chan string, 1)
	go func() { read <- s.OutputPath() + "|" + s.LastRecording() }()
	select {
	case got := <-read:
		assert.Equal(t, nominal+"|", got)
	case <-time.After(time.Second):
		t.Fatal("OutputPath blocked behind Stop")
	}

	close(backend.release)
	require.NoError(t, <-stopped)
	assert.Equal(t, nominal, s.LastRecording())
}
