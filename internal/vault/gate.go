package vault

import (
	"errors"
	"sync/atomic"
)

// ErrReentrantCall is returned when a privileged entry point is invoked
// while another top-level call is in progress — most importantly when a
// fuse tries to call back into the vault during its own execution.
var ErrReentrantCall = errors.New("vault: reentrant or overlapping call rejected")

// gate is the explicit in-progress flag closing the reentrancy path
// structurally: checked at entry, cleared only on exit, mutually exclusive
// with every other state-mutating entry point. Independent top-level calls
// are expected to be serialized by the surrounding service layer; the gate
// is the engine's own defense against hostile reentry.
type gate struct {
	busy atomic.Bool
}

// enter claims the gate. The returned release func must be deferred.
func (g *gate) enter() (func(), error) {
	if !g.busy.CompareAndSwap(false, true) {
		return nil, ErrReentrantCall
	}
	return func() { g.busy.Store(false) }, nil
}

// inUse reports whether a top-level call currently holds the gate. Reads
// consult this instead of claiming the gate: a fuse reading valuations back
// mid-batch must be rejected, not left waiting on the held engine lock.
func (g *gate) inUse() bool {
	return g.busy.Load()
}
