package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// BackendTypePipeWire names the pw-record backend
const BackendTypePipeWire = "pipewire"

// pwStopTimeout is how long pw-record gets to exit after SIGINT before it is killed
const pwStopTimeout = 5 * time.Second

// PipeWireBackend lists PipeWire nodes with pw-link and captures them with pw-record.
// PipeWire converts formats itself, so every node accepts any format.
type PipeWireBackend struct{}

// NewPipeWireBackend creates a PipeWire backend
func NewPipeWireBackend() *PipeWireBackend {
	return &PipeWireBackend{}
}

func (p *PipeWireBackend) Name() string {
	return BackendTypePipeWire
}

// ListPorts returns every output port in the PipeWire graph
func (p *PipeWireBackend) ListPorts() ([]string, error) {
	cmd := exec.Command("pw-link", "-o")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire ports: %w", err)
	}
	return parsePorts(string(output)), nil
}

func parsePorts(output string) []string {
	var ports []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "Input ports:") && !strings.HasPrefix(line, "Output ports:") {
			ports = append(ports, line)
		}
	}
	return ports
}

// nodesFromPorts groups "node:port" names into one device per node, keeping first-seen order
func nodesFromPorts(ports []string) []AudioDevice {
	var devices []AudioDevice
	index := make(map[string]int)

	for _, port := range ports {
		sep := strings.LastIndex(port, ":")
		if sep <= 0 {
			continue
		}
		node := port[:sep]
		if _, seen := index[node]; seen {
			continue
		}
		index[node] = len(devices)
		devices = append(devices, AudioDevice{
			ID:    node,
			Name:  node,
			Lines: []LineInfo{{Kind: LineCapture, Formats: []CaptureFormat{{}}}},
		})
	}
	return devices
}

func (p *PipeWireBackend) Devices() ([]AudioDevice, error) {
	ports, err := p.ListPorts()
	if err != nil {
		return nil, err
	}
	return nodesFromPorts(ports), nil
}

func pwFormat(f CaptureFormat) (string, error) {
	if f.SampleSizeBits > 8 && f.BigEndian() {
		return "", fmt.Errorf("%w: pw-record writes native little-endian samples", ErrLineUnsupported)
	}
	switch f.SampleSizeBits {
	case 8:
		if f.Signed() {
			return "s8", nil
		}
		return "u8", nil
	case 16, 24, 32:
		if !f.Signed() {
			return "", fmt.Errorf("%w: unsigned %d-bit samples", ErrLineUnsupported, f.SampleSizeBits)
		}
		return "s" + strconv.Itoa(f.SampleSizeBits), nil
	}
	return "", fmt.Errorf("%w: %s", ErrLineUnsupported, f)
}

// recordArgs builds the pw-record invocation that streams raw PCM to stdout
func recordArgs(target string, f CaptureFormat) ([]string, error) {
	sampleFormat, err := pwFormat(f)
	if err != nil {
		return nil, err
	}
	return []string{
		"--raw",
		"--target", target,
		"--rate", strconv.Itoa(f.SampleRate),
		"--channels", strconv.Itoa(f.Channels),
		"--format", sampleFormat,
		"-",
	}, nil
}

func (p *PipeWireBackend) Open(device *AudioDevice, format CaptureFormat) (CaptureLine, error) {
	args, err := recordArgs(device.ID, format)
	if err != nil {
		return nil, err
	}

	return newPipeWireLine(exec.Command("pw-record", args...), format, device.ID)
}

func newPipeWireLine(cmd *exec.Cmd, format CaptureFormat, target string) (*pipeWireLine, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLineUnavailable, err)
	}
	line := &pipeWireLine{
		cmd:    cmd,
		stdout: stdout,
		format: format,
		target: target,
	}
	cmd.Stderr = &line.stderr
	return line, nil
}

type pipeWireLine struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer
	format CaptureFormat
	target string

	mu      sync.Mutex
	started bool
	closed  bool
}

func (l *pipeWireLine) Format() CaptureFormat {
	return l.format
}

func (l *pipeWireLine) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLineClosed
	}
	if l.started {
		return nil
	}
	if err := l.cmd.Start(); err != nil {
		return fmt.Errorf("%w: failed to start pw-record for %s: %w", ErrLineUnavailable, l.target, err)
	}
	l.started = true
	slog.Debug("pw-record started", "target", l.target, "pid", l.cmd.Process.Pid)
	return nil
}

func (l *pipeWireLine) Read(p []byte) (int, error) {
	n, err := l.stdout.Read(p)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
			return n, ErrLineClosed
		}
		return n, fmt.Errorf("pw-record read failed: %w", err)
	}
	return n, nil
}

// Stop asks pw-record to finish
func (l *pipeWireLine) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started || l.closed || l.cmd.Process == nil {
		return nil
	}
	if err := l.cmd.Process.Signal(os.Interrupt); err != nil {
		slog.Debug("Failed to send interrupt to pw-record", "error", err)
	}
	return nil
}

// Close waits for pw-record to exit, killing it if it does not within pwStopTimeout.
// Output still buffered in the pipe is drained and discarded so pw-record is never
// blocked on a full pipe, and Wait only runs once stdout has reached EOF.
func (l *pipeWireLine) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	if !l.started {
		return l.stdout.Close()
	}

	done := make(chan error, 1)
	go func() {
		if _, err := io.Copy(io.Discard, l.stdout); err != nil && !errors.Is(err, os.ErrClosed) {
			slog.Debug("Failed to drain pw-record output", "error", err)
		}
		done <- l.cmd.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) && !exitErr.Exited() {
				slog.Debug("pw-record exited on signal", "state", exitErr.ProcessState.String())
				return nil
			}
			slog.Debug("pw-record stderr", "output", l.stderr.String())
			return fmt.Errorf("pw-record failed: %w", err)
		}
		return nil

	case <-time.After(pwStopTimeout):
		slog.Warn("pw-record did not exit within timeout, force killing", "target", l.target)
		l.cmd.Process.Kill()
		<-done
		return nil
	}
}
