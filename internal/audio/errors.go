package audio

import "errors"

var (
	// ErrDeviceUnavailable is returned by Start when no device is selected or the OS denies access
	ErrDeviceUnavailable = errors.New("audio device unavailable")

	// ErrNoCaptureLine is returned when a device exposes no capture line at all
	ErrNoCaptureLine = errors.New("no capture line available")

	// ErrLineUnsupported is returned when a device cannot produce the requested format
	ErrLineUnsupported = errors.New("capture line unsupported")

	// ErrLineUnavailable is returned when the OS cannot grant access to a capture line
	ErrLineUnavailable = errors.New("capture line unavailable")

	// ErrLineClosed is returned by Read after the line has been closed
	ErrLineClosed = errors.New("capture line closed")

	// ErrInvalidFormat is returned when a capture format is not self-consistent
	ErrInvalidFormat = errors.New("invalid capture format")

	// ErrUnsupportedSampleWidth signals a sample width outside 1..4 bytes
	ErrUnsupportedSampleWidth = errors.New("unsupported sample width")

	// ErrIOFailure is returned by Stop when the recording cannot be written
	ErrIOFailure = errors.New("recording write failed")

	// ErrCancellationStall is returned by Stop when the capture goroutine does not exit in time
	ErrCancellationStall = errors.New("capture did not stop in time")

	// ErrDeviceNotFound is returned when no device matches a lookup
	ErrDeviceNotFound = errors.New("audio device not found")

	// ErrSessionDisposed is returned when a session is used after Close
	ErrSessionDisposed = errors.New("capture session disposed")
)
