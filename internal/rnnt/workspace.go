package rnnt

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/logmath"
)

// RequiredIntElements returns the integer scratch element count for one
// invocation: a fill counter per lattice row of every (batch, hypothesis)
// pair, used to verify the sweep overwrote each active row completely.
func RequiredIntElements(o Options) int {
	return o.Pairs() * o.MaxSrcLen
}

// RequiredFloatElements returns the floating-point scratch element count
// for one invocation: per pair, the clamped blank scores staged down the
// first lattice column plus the clamped label scores staged along the
// first lattice row. Both edge chains are serial and are accumulated from
// these staged values before the diagonal sweep starts.
func RequiredFloatElements(o Options) int {
	return o.Pairs() * (o.MaxSrcLen + o.MaxTgtLen)
}

// Workspace is a bump arena over two caller-visible backing slices, one
// integer and one floating point. Regions are carved front to back with
// bounds checks; nothing inside the engine allocates after construction.
//
// The accumulation type C matches the engine's: staged edge scores are
// kept at accumulation precision so the edge chains round identically to
// the interior recurrence.
type Workspace[C logmath.Float] struct {
	opts Options

	ints   []int32
	floats []C

	intOff   int
	floatOff int

	rowFill   []int32 // [pairs * maxSrcLen]
	blankEdge []C     // [pairs * maxSrcLen]
	labelEdge []C     // [pairs * maxTgtLen]
}

// NewWorkspace allocates exact-size backing for opts and carves it.
func NewWorkspace[C logmath.Float](opts Options) *Workspace[C] {
	w, err := WrapWorkspace(opts, make([]int32, RequiredIntElements(opts)), make([]C, RequiredFloatElements(opts)))
	if err != nil {
		// Exact-size backing by construction; a failure here is a bug in
		// the size accounting, not a caller mistake.
		panic(err)
	}
	return w
}

// WrapWorkspace carves a workspace out of caller-supplied backing slices,
// e.g. buffers recycled through a pool. Backing larger than required is
// accepted; the surplus is simply never handed out.
func WrapWorkspace[C logmath.Float](opts Options, ints []int32, floats []C) (*Workspace[C], error) {
	if len(ints) < RequiredIntElements(opts) {
		return nil, fmt.Errorf("int backing holds %d elements, need %d: %w",
			len(ints), RequiredIntElements(opts), ErrWorkspaceShort)
	}
	if len(floats) < RequiredFloatElements(opts) {
		return nil, fmt.Errorf("float backing holds %d elements, need %d: %w",
			len(floats), RequiredFloatElements(opts), ErrWorkspaceShort)
	}
	w := &Workspace[C]{opts: opts, ints: ints, floats: floats}
	if err := w.carve(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Workspace[C]) carve() error {
	var err error
	if w.rowFill, err = w.takeInts(w.opts.Pairs() * w.opts.MaxSrcLen); err != nil {
		return err
	}
	if w.blankEdge, err = w.takeFloats(w.opts.Pairs() * w.opts.MaxSrcLen); err != nil {
		return err
	}
	if w.labelEdge, err = w.takeFloats(w.opts.Pairs() * w.opts.MaxTgtLen); err != nil {
		return err
	}
	return nil
}

func (w *Workspace[C]) takeInts(n int) ([]int32, error) {
	if n < 0 || w.intOff+n > len(w.ints) {
		return nil, fmt.Errorf("int region of %d elements at offset %d, capacity %d: %w",
			n, w.intOff, len(w.ints), ErrWorkspaceOverflow)
	}
	s := w.ints[w.intOff : w.intOff+n : w.intOff+n]
	w.intOff += n
	return s, nil
}

func (w *Workspace[C]) takeFloats(n int) ([]C, error) {
	if n < 0 || w.floatOff+n > len(w.floats) {
		return nil, fmt.Errorf("float region of %d elements at offset %d, capacity %d: %w",
			n, w.floatOff, len(w.floats), ErrWorkspaceOverflow)
	}
	s := w.floats[w.floatOff : w.floatOff+n : w.floatOff+n]
	w.floatOff += n
	return s, nil
}

// RowFill returns the fill counter row for one pair, one counter per
// source frame. Counters must be zero before a sweep; Reset handles that.
func (w *Workspace[C]) RowFill(pair int) []int32 {
	s := w.opts.MaxSrcLen
	return w.rowFill[pair*s : (pair+1)*s : (pair+1)*s]
}

// BlankEdge returns the staged clamped blank scores down column zero of
// one pair, indexed by source frame.
func (w *Workspace[C]) BlankEdge(pair int) []C {
	s := w.opts.MaxSrcLen
	return w.blankEdge[pair*s : (pair+1)*s : (pair+1)*s]
}

// LabelEdge returns the staged clamped label scores along row zero of one
// pair. Entry u holds the score consumed stepping from (0, u-1) to (0, u);
// entry 0 stays zero as the chain seed.
func (w *Workspace[C]) LabelEdge(pair int) []C {
	u := w.opts.MaxTgtLen
	return w.labelEdge[pair*u : (pair+1)*u : (pair+1)*u]
}

// Reset clears the fill counters so the workspace can back another sweep
// over the same dimensions. Staged edges are overwritten before use and
// need no clearing.
func (w *Workspace[C]) Reset() {
	for i := range w.rowFill {
		w.rowFill[i] = 0
	}
}
