// Package sandbox defines the operational contract over an OS-isolated
// execution environment: acquire a numbered slot, run a command under
// wall/CPU/memory/file-size caps, collect a report, release the slot.
package sandbox

import (
	"context"
	"errors"
)

// ExitKind classifies how a sandboxed run ended.
type ExitKind string

const (
	ExitOK       ExitKind = "ok"
	ExitSignal   ExitKind = "signal"
	ExitTimeout  ExitKind = "timeout"
	ExitMemory   ExitKind = "memory"
	ExitRuntime  ExitKind = "runtime"
	ExitInternal ExitKind = "internal"
)

// Limits caps a single Run invocation. CPUMs defaults to WallMs when zero.
type Limits struct {
	WallMs     int64
	CPUMs      int64
	MemoryKB   int64
	StackKB    int64
	FileSizeKB int64
	Processes  int
}

// Normalized returns a copy with CPUMs defaulted to WallMs when unset.
func (l Limits) Normalized() Limits {
	if l.CPUMs <= 0 {
		l.CPUMs = l.WallMs
	}
	return l
}

// RunRequest describes one command execution inside an acquired Box.
type RunRequest struct {
	Argv   []string
	Env    []string
	Limits Limits

	// Stdin is supplied as bytes. For large inputs callers may instead set
	// StdinPath to a file already staged inside the box root.
	Stdin     []byte
	StdinPath string

	// StdoutCap / StderrCap bound captured output; overflow truncates and
	// sets the corresponding *Truncated flag on the Report, not an error.
	StdoutCap int64
	StderrCap int64
}

// Report is the outcome of one Run call.
type Report struct {
	ExitKind ExitKind
	ExitCode int
	Signal   int

	WallMs   int64
	CPUMs    int64
	PeakMemKB int64

	Stdout          []byte
	Stderr          []byte
	StdoutTruncated bool
	StderrTruncated bool

	// Err carries an internal-kind failure's underlying cause, if any.
	Err error
}

// Box is a handle to one acquired, sealed sandbox slot.
type Box interface {
	// ID is the small integer naming this slot.
	ID() int
	// Root is the filesystem root staged for this box.
	Root() string
	// Stage copies or writes a file into the box root before Run.
	Stage(ctx context.Context, name string, content []byte) error
}

// Driver is the capability set a judge worker holds one implementation of.
// Slots are exclusive: at most one Run per Box at a time, enforced by the
// caller owning the Box never sharing it across goroutines.
type Driver interface {
	// Acquire reserves slot boxID, creating a clean filesystem root.
	Acquire(ctx context.Context, boxID int) (Box, error)
	// Run executes argv inside box under limits.
	Run(ctx context.Context, box Box, req RunRequest) (Report, error)
	// Release deletes the box filesystem and frees the slot.
	Release(ctx context.Context, box Box) error
}

// ErrSlotBusy is returned by Acquire when boxID is already held.
var ErrSlotBusy = errors.New("sandbox: slot busy")

// ErrSlotLost is returned when a box becomes unusable (e.g. cleanup failed
// twice).
var ErrSlotLost = errors.New("sandbox: slot lost, fatal to this worker")
