package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/andresmejia3/featurepipe/internal/features"
	"github.com/andresmejia3/featurepipe/internal/types"
	"github.com/andresmejia3/featurepipe/internal/utils" // Using the SafeCommand wrapper
	"github.com/andresmejia3/featurepipe/internal/wire"
)

// Response status bytes written by the detector program.
const (
	StatusOK    byte = 0
	StatusError byte = 1
)

// maxResponse bounds a single reply so a misbehaving child cannot make us allocate gigabytes.
const maxResponse = 64 << 20

var (
	// ErrNoCommand is returned when the detector command line is empty.
	ErrNoCommand = errors.New("worker: empty detector command")
	// ErrDetector wraps a failure the program reported for one frame.
	ErrDetector = errors.New("detector error")
)

// DetectorProcess is one running detector program.
//
// Protocol, both directions: [uint32 big-endian length][body].
// Requests go to the child's stdin and carry a serialized Frame.
// Replies come back on FD 3: [status byte] followed by a serialized keypoint
// list when status is StatusOK, or [uint32 length][message] when it is StatusError.
type DetectorProcess struct {
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

// StartDetector launches argv[0] with the remaining arguments.
func StartDetector(argv []string) (*DetectorProcess, error) {
	if len(argv) == 0 {
		return nil, ErrNoCommand
	}
	proc := utils.NewSafeCommand(argv[0], argv[1:]...)

	// Create a side-channel pipe (FD 3) so the child's stdout stays free for its own logging
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("detector %q failed to start: %w", argv[0], err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &DetectorProcess{Cmd: proc, Stdin: stdin, DataPipe: r}, nil
}

// Communicate sends one request and reads one reply body.
func (d *DetectorProcess) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(d.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := d.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(d.DataPipe, header); err != nil {
		return nil, err // the child died before answering
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("detector reply of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(d.DataPipe, respBody)
	return respBody, err
}

// ProcessFrame runs detection on one frame.
func (d *DetectorProcess) ProcessFrame(f types.Frame) ([]types.Keypoint, error) {
	resp, err := d.Communicate(wire.MarshalFrame(f))
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, errors.New("detector sent an empty reply")
	}

	switch resp[0] {
	case StatusOK:
		kps, err := wire.UnmarshalKeypoints(resp[1:])
		if err != nil {
			return nil, fmt.Errorf("detector reply: %w", err)
		}
		return kps, nil
	case StatusError:
		r := bytes.NewReader(resp[1:])
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("detector error reply: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("detector error reply: %w", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrDetector, msg)
	default:
		return nil, fmt.Errorf("detector sent unknown status %d", resp[0])
	}
}

// Close shuts the child down and waits for it.
func (d *DetectorProcess) Close() {
	d.Stdin.Close()
	d.DataPipe.Close()
	if d.Cmd != nil {
		d.Cmd.Wait()
	}
}

// ProcessDetector is a features.Detector backed by an external program.
// The program is started lazily and restarted on the next frame after it crashes.
type ProcessDetector struct {
	argv  []string
	start func([]string) (*DetectorProcess, error)

	mu   sync.Mutex
	proc *DetectorProcess
}

// NewProcessDetector parses a whitespace-separated command line.
func NewProcessDetector(cmdline string) (*ProcessDetector, error) {
	argv := strings.Fields(cmdline)
	if len(argv) == 0 {
		return nil, ErrNoCommand
	}
	return &ProcessDetector{argv: argv, start: StartDetector}, nil
}

// Detect implements features.Detector.
func (p *ProcessDetector) Detect(m features.Mat) ([]types.Keypoint, error) {
	if m.Empty() {
		return nil, features.ErrEmptyImage
	}
	frame := types.Frame{
		Width:     uint32(m.Cols),
		Height:    uint32(m.Rows),
		Channels:  uint32(m.Channels()),
		PixelType: m.Type,
		Pixels:    m.Data,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.proc == nil {
		proc, err := p.start(p.argv)
		if err != nil {
			return nil, err
		}
		p.proc = proc
	}

	kps, err := p.proc.ProcessFrame(frame)
	if err == nil || errors.Is(err, ErrDetector) {
		return kps, err
	}

	// Anything else leaves the stream in an unknown state.
	p.proc.Close()
	stderr := ""
	if p.proc.Cmd != nil {
		stderr = strings.TrimSpace(p.proc.Cmd.Stderr.String())
	}
	p.proc = nil
	if stderr != "" {
		return nil, fmt.Errorf("detector crashed: %w\n%s", err, stderr)
	}
	return nil, fmt.Errorf("detector crashed: %w", err)
}

// Close stops the running program, if any.
func (p *ProcessDetector) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proc != nil {
		p.proc.Close()
		p.proc = nil
	}
}
