package sandbox

import (
	"context"
	"fmt"
	"sync"
)

// FakeDriver is a scripted, in-memory Driver for tests. Runs are resolved by
// a caller-supplied Script function rather than by executing anything, so
// worker pool and dispatch tests can exercise every ExitKind deterministically
// without a real toolchain or OS jail.
type FakeDriver struct {
	// Script computes the Report for a Run call. If nil, every Run reports
	// ExitOK with empty output.
	Script func(req RunRequest) (Report, error)

	mu    sync.Mutex
	boxes map[int]bool

	// AcquireErr, when set, is returned by Acquire for the matching boxID.
	AcquireErr map[int]error
}

// NewFakeDriver returns a FakeDriver with an empty slot table.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{boxes: make(map[int]bool)}
}

type fakeBox struct {
	id      int
	staged  map[string][]byte
	mu      sync.Mutex
}

func (b *fakeBox) ID() int      { return b.id }
func (b *fakeBox) Root() string { return fmt.Sprintf("/fake/box/%d", b.id) }

func (b *fakeBox) Stage(ctx context.Context, name string, content []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.staged[name] = content
	return nil
}

// Staged returns a copy of what has been staged into this box, for test
// assertions.
func (b *fakeBox) Staged() map[string][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string][]byte, len(b.staged))
	for k, v := range b.staged {
		out[k] = v
	}
	return out
}

func (d *FakeDriver) Acquire(ctx context.Context, boxID int) (Box, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.AcquireErr[boxID]; ok && err != nil {
		return nil, err
	}
	if d.boxes[boxID] {
		return nil, ErrSlotBusy
	}
	d.boxes[boxID] = true
	return &fakeBox{id: boxID, staged: make(map[string][]byte)}, nil
}

func (d *FakeDriver) Release(ctx context.Context, box Box) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.boxes, box.ID())
	return nil
}

func (d *FakeDriver) Run(ctx context.Context, box Box, req RunRequest) (Report, error) {
	if d.Script == nil {
		return Report{ExitKind: ExitOK}, nil
	}
	return d.Script(req)
}

// ScriptSequence returns a Script that replays reports in order, repeating
// the last one once exhausted. Useful for a test that runs the same box
// across several test cases (compile once, run N times).
func ScriptSequence(reports ...Report) func(RunRequest) (Report, error) {
	var mu sync.Mutex
	i := 0
	return func(req RunRequest) (Report, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(reports) == 0 {
			return Report{ExitKind: ExitOK}, nil
		}
		idx := i
		if idx >= len(reports) {
			idx = len(reports) - 1
		}
		i++
		return reports[idx], nil
	}
}
