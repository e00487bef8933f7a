// Package ingestcontract collects the constraints an external ingester must
// honor before it ever calls the Event API. It is not a component the
// kernel itself runs. time_bucket flooring is contract.Floor; this package
// supplies the other two constraints as library helpers so an ingester
// written in this module's idiom gets them for free rather than having to
// re-derive them.
package ingestcontract

import (
	"pwk.dev/kernel/internal/errs"
)

// FrameBuffer is a single captured frame's owned buffer, live only until
// it is released before the next capture. It is never written to disk
// outside the vault; this type only ever lives in memory.
type FrameBuffer struct {
	data     []byte
	released bool
}

// Bytes returns the frame's contents. It panics if called after Release,
// since a released buffer no longer owns valid frame data. That is a bug
// in the caller, not a runtime condition to recover from.
func (f *FrameBuffer) Bytes() []byte {
	if f.released {
		panic("ingestcontract: FrameBuffer read after Release")
	}
	return f.data
}

// Release zeroes the buffer and marks it consumed. It is idempotent so
// defer Release() is always safe.
func (f *FrameBuffer) Release() {
	if f.released {
		return
	}
	for i := range f.data {
		f.data[i] = 0
	}
	f.data = nil
	f.released = true
}

// FrameSource hands out exactly one live FrameBuffer at a time, enforcing
// the single-owner-before-next-capture rule at the type level rather than
// leaving it to ingester discipline.
type FrameSource struct {
	current *FrameBuffer
}

// Capture takes ownership of frame, wrapping it in a FrameBuffer. It fails
// if the previously captured buffer was never released. The ingester must
// finish with one frame before starting the next.
func (s *FrameSource) Capture(frame []byte) (*FrameBuffer, error) {
	if s.current != nil && !s.current.released {
		return nil, errs.New(errs.ContractViolation, "previous frame buffer was not released before next capture")
	}
	fb := &FrameBuffer{data: frame}
	s.current = fb
	return fb, nil
}
