package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils" // Using the SafeCommand wrapper
)

// Mode selects what the Python side computes per face.
type Mode string

const (
	ModeLandmarks Mode = "landmarks"
	ModeEmbedding Mode = "embedding"
)

// Response status bytes.
const (
	statusOK    = 0
	statusError = 1
)

// Upper bounds that keep a corrupt stream from allocating gigabytes.
const (
	maxPayload   = 64 * 1024 * 1024
	maxFaces     = 256
	maxLandmarks = 4096
	// Landmarks are normalized to the frame. Face mesh points of a face at
	// the frame edge may fall slightly outside [0, 1].
	landmarkSlack = 0.5
	maxDim        = 8192
)

// DefaultScript is the worker script path relative to the install directory.
const DefaultScript = "python/worker.py"

var ErrWorkerClosed = errors.New("python worker is closed")

type PythonWorker struct {
	ID       int
	Mode     Mode
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu     sync.Mutex
	closed bool
}

// NewPythonWorker starts the worker script in the given mode. The process is
// killed when ctx is done.
func NewPythonWorker(ctx context.Context, id int, script string, mode Mode) (*PythonWorker, error) {
	if script == "" {
		script = DefaultScript
	}
	// 1. Initialize the SafeCommand we built
	py := utils.NewSafeCommandContext(ctx, "python3", "-u", script, "--mode", string(mode))

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, types.StartupError("start python worker", fmt.Errorf("failed to create pipe: %w", err))
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, types.StartupError("start python worker", fmt.Errorf("failed to create stdin pipe: %w", err))
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, types.StartupError("start python worker", fmt.Errorf("worker %d failed to start: %w", id, err))
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Mode:     mode,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Analyze sends one JPEG frame and decodes the faces found in it.
// A worker-reported error is transient; a broken pipe is fatal.
func (w *PythonWorker) Analyze(ctx context.Context, frame []byte) ([]types.Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := w.Communicate(frame)
	if err != nil {
		if tail := w.Cmd.Tail(2048); tail != "" {
			err = fmt.Errorf("%w\nworker stderr: %s", err, tail)
		}
		return nil, types.RuntimeError(fmt.Sprintf("python worker %d", w.ID), err)
	}
	return DecodeResponse(resp)
}

func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWorkerClosed
	}

	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	// Read Result from the FD 3 pipe, so stray prints on stdout can't corrupt it.
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxPayload {
		return nil, fmt.Errorf("response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// DecodeResponse parses a response payload.
//
//	[status u8]
//	status 0: [numFaces u32] then per face
//	          [box 4*i32] [nLandmarks u32] [nLandmarks*(x f32, y f32)] [dim u32] [dim*f32] [quality f32]
//	status 1: [msgLen u32] [msg]
func DecodeResponse(payload []byte) ([]types.Face, error) {
	r := bytes.NewReader(payload)
	status, err := r.ReadByte()
	if err != nil {
		return nil, types.RuntimeError("decode worker response", fmt.Errorf("empty response"))
	}

	switch status {
	case statusOK:
	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil || int(msgLen) > r.Len() {
			return nil, types.RuntimeError("decode worker response", fmt.Errorf("malformed error message"))
		}
		msg := make([]byte, msgLen)
		io.ReadFull(r, msg)
		return nil, types.Transient(fmt.Errorf("python worker error: %s", msg))
	default:
		return nil, types.RuntimeError("decode worker response", fmt.Errorf("unknown status byte %d", status))
	}

	var numFaces uint32
	if err := binary.Read(r, binary.BigEndian, &numFaces); err != nil {
		return nil, malformed(err)
	}
	if numFaces > maxFaces {
		return nil, malformed(fmt.Errorf("%d faces exceeds limit", numFaces))
	}

	faces := make([]types.Face, 0, numFaces)
	for i := uint32(0); i < numFaces; i++ {
		face, err := decodeFace(r)
		if err != nil {
			return nil, malformed(fmt.Errorf("face %d: %w", i, err))
		}
		faces = append(faces, face)
	}
	return faces, nil
}

func decodeFace(r *bytes.Reader) (types.Face, error) {
	var face types.Face

	var box [4]int32
	if err := binary.Read(r, binary.BigEndian, &box); err != nil {
		return face, err
	}
	for i, v := range box {
		face.Loc[i] = int(v)
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return face, err
	}
	if n > maxLandmarks {
		return face, fmt.Errorf("%d landmarks exceeds limit", n)
	}
	if n > 0 {
		coords := make([]float32, 2*n)
		if err := binary.Read(r, binary.BigEndian, coords); err != nil {
			return face, err
		}
		face.Landmarks = make(types.LandmarkSet, n)
		for i := range face.Landmarks {
			x, y := float64(coords[2*i]), float64(coords[2*i+1])
			if !normalized(x) || !normalized(y) {
				return face, fmt.Errorf("landmark %d (%g, %g) is not in normalized coordinates", i, x, y)
			}
			face.Landmarks[i] = types.Point{X: x, Y: y}
		}
	}

	var dim uint32
	if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
		return face, err
	}
	if dim > maxDim {
		return face, fmt.Errorf("embedding dimension %d exceeds limit", dim)
	}
	if dim > 0 {
		vec := make([]float32, dim)
		if err := binary.Read(r, binary.BigEndian, vec); err != nil {
			return face, err
		}
		face.Vec = make([]float64, dim)
		for i, v := range vec {
			face.Vec[i] = float64(v)
		}
	}

	var quality float32
	if err := binary.Read(r, binary.BigEndian, &quality); err != nil {
		return face, err
	}
	if math.IsNaN(float64(quality)) {
		quality = 0
	}
	face.Quality = float64(quality)
	return face, nil
}

func normalized(v float64) bool {
	return v >= -landmarkSlack && v <= 1+landmarkSlack
}

func malformed(err error) error {
	return types.RuntimeError("decode worker response", err)
}

// Close shuts the worker down. Closing stdin lets the script exit on EOF.
func (w *PythonWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Wait()
	}
	return nil
}
