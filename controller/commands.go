package controller

import (
	"errors"
	"fmt"

	"github.com/tsawler/go-dip/training"
)

var (
	// ErrInvalidTransition marks a command that is not valid in the current
	// state. It always indicates a bug in the caller.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInpaintDisabled is returned by RequestMask when inpainting is off
	ErrInpaintDisabled = errors.New("inpainting is disabled in the current settings")

	// ErrStopped is returned once the event loop has exited
	ErrStopped = errors.New("controller stopped")
)

// State is the run lifecycle state
type State int

const (
	Idle State = iota
	AwaitingMask
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case AwaitingMask:
		return "AwaitingMask"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Command is one of Start, RequestMask, MaskReady, Pause, Reset, SetSettings
// and SetSourceImage
type Command interface {
	fmt.Stringer
	isCommand()
}

// Start begins a run. With inpainting enabled it requests a mask first.
type Start struct{}

// RequestMask asks the drawing surface for a mask
type RequestMask struct{}

// MaskReady hands over the drawing surface once the mask is complete. Its
// pixels are read exactly once.
type MaskReady struct {
	Surface PixelReader
}

// Pause stops the run after the in-flight iteration
type Pause struct{}

// Reset returns to Idle with default settings and an empty history
type Reset struct{}

// SetSettings replaces the algorithm settings
type SetSettings struct {
	Settings training.AlgorithmSettings
}

// SetSourceImage replaces the image to fit. The pixels are copied.
type SetSourceImage struct {
	Pixels []byte
}

func (Start) isCommand()          {}
func (RequestMask) isCommand()    {}
func (MaskReady) isCommand()      {}
func (Pause) isCommand()          {}
func (Reset) isCommand()          {}
func (SetSettings) isCommand()    {}
func (SetSourceImage) isCommand() {}

func (Start) String() string          { return "start" }
func (RequestMask) String() string    { return "requestMask" }
func (MaskReady) String() string      { return "maskReady" }
func (Pause) String() string          { return "pause" }
func (Reset) String() string          { return "reset" }
func (SetSettings) String() string    { return "settingsChanged" }
func (SetSourceImage) String() string { return "sourceImageSet" }

// PixelReader is the drawing surface a mask is captured from
type PixelReader interface {
	ReadPixels() ([]byte, error)
}

// PixelReaderFunc adapts a function to PixelReader
type PixelReaderFunc func() ([]byte, error)

func (f PixelReaderFunc) ReadPixels() ([]byte, error) { return f() }

// Event is one of StateChanged, SnapshotAppended, MaskRequested,
// HistoryCleared and SessionFailed
type Event interface {
	isEvent()
}

// StateChanged reports a state transition
type StateChanged struct {
	From, To State
}

// SnapshotAppended reports a new entry at the end of the history
type SnapshotAppended struct {
	Snapshot Snapshot
}

// MaskRequested asks the drawing surface to start capturing a mask
type MaskRequested struct{}

// HistoryCleared reports that the history and iteration counter were reset
type HistoryCleared struct{}

// SessionFailed reports a session that could not be rebuilt after its
// settings or source image changed while running
type SessionFailed struct {
	Err error
}

func (StateChanged) isEvent()     {}
func (SnapshotAppended) isEvent() {}
func (MaskRequested) isEvent()    {}
func (HistoryCleared) isEvent()   {}
func (SessionFailed) isEvent()    {}

// Snapshot is one published iteration. Image holds the encoded prediction.
type Snapshot struct {
	Iteration int
	Image     []byte
	Loss      float32
}

// TransitionError is returned for a command that is not valid in State
type TransitionError struct {
	State   State
	Command Command
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s in state %s", ErrInvalidTransition, e.Command, e.State)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
