// Package xlock implements the Exclusive-Lock Coordinator (section
// 4.E): consolidation must hold exclusive access to an array URI while
// it retires fragments, and new readers opening that URI must block
// until the consolidator releases it (writers do not consult the
// coordinator). The per-key map guarded by
// one mutex, with per-entry condition variables for waiters, follows
// the same per-key-state shape as the ancestor's
// internal/carrier.connPool (one map entry per remote node, looked up
// under a short lock and then manipulated independently).
package xlock

import (
	"fmt"
	"sync"

	"github.com/i5heu/gridstore/internal/vfs"
)

// ReaderWaiter lets the Coordinator block until no reader currently
// holds a URI open, without importing the registry package back (that
// package already imports this one to gate its own reader admission).
type ReaderWaiter interface {
	WaitForNoReaders(uri string)
}

type keyState struct {
	mu         sync.Mutex
	cond       *sync.Cond
	held       bool
	lockHandle vfs.LockHandle
}

// Coordinator serializes exclusive access per array URI, both
// in-process (via sync.Cond) and cross-process (via the VFS's
// advisory flock), so a consolidator running in another process is
// also respected.
type Coordinator struct {
	v *vfs.VFS

	mu      sync.Mutex
	byURI   map[string]*keyState
	readers ReaderWaiter
}

// New builds a Coordinator backed by v for the cross-process lock file.
func New(v *vfs.VFS) *Coordinator {
	return &Coordinator{v: v, byURI: make(map[string]*keyState)}
}

// SetReaderWaiter wires the open-array registry's reader count into
// the coordinator: XLock won't proceed past the in-process gate until
// readers.WaitForNoReaders reports the URI has drained (spec section
// 4.E step 2, invariant 3).
func (c *Coordinator) SetReaderWaiter(readers ReaderWaiter) {
	c.mu.Lock()
	c.readers = readers
	c.mu.Unlock()
}

func (c *Coordinator) stateFor(uri string) *keyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.byURI[uri]
	if !ok {
		st = &keyState{}
		st.cond = sync.NewCond(&st.mu)
		c.byURI[uri] = st
	}
	return st
}

// XLock blocks until uri is not exclusively held by anyone else, then
// blocks further until the registry reports no open readers remain for
// uri, then takes the VFS's cross-process advisory flock on the
// array's lock file. Readers that open after the in-process gate is
// taken always observe it via RunIfUnlocked and wait behind it, so the
// reader count can only fall during this wait, never rise.
func (c *Coordinator) XLock(uri string) error {
	st := c.stateFor(uri)

	st.mu.Lock()
	for st.held {
		st.cond.Wait()
	}
	st.held = true
	st.mu.Unlock()

	c.mu.Lock()
	readers := c.readers
	c.mu.Unlock()
	if readers != nil {
		readers.WaitForNoReaders(uri)
	}

	handle, err := c.v.FlockExclusive(lockFileURI(uri))
	if err != nil {
		st.mu.Lock()
		st.held = false
		st.cond.Broadcast()
		st.mu.Unlock()
		return fmt.Errorf("xlock: %s: %w", uri, err)
	}

	st.mu.Lock()
	st.lockHandle = handle
	st.mu.Unlock()
	return nil
}

// XUnlock releases a lock previously taken by XLock and wakes every
// waiter: readers blocked in RunIfUnlocked proceed, and of any waiting
// XLock callers one takes the lock while the rest wait again.
func (c *Coordinator) XUnlock(uri string) error {
	st := c.stateFor(uri)

	st.mu.Lock()
	if !st.held {
		st.mu.Unlock()
		return fmt.Errorf("xlock: %s: not held", uri)
	}
	handle := st.lockHandle
	st.mu.Unlock()

	if err := c.v.Funlock(handle); err != nil {
		return fmt.Errorf("xunlock: %s: %w", uri, err)
	}

	st.mu.Lock()
	st.held = false
	st.lockHandle = nil
	st.cond.Broadcast()
	st.mu.Unlock()
	return nil
}

// TryXLock attempts to take the lock without blocking, returning false
// if it is already held. It does not wait for readers to drain either
// — a caller that wants the blocking, reader-draining behavior must
// use XLock.
func (c *Coordinator) TryXLock(uri string) (bool, error) {
	st := c.stateFor(uri)

	st.mu.Lock()
	if st.held {
		st.mu.Unlock()
		return false, nil
	}
	st.held = true
	st.mu.Unlock()

	handle, err := c.v.FlockExclusive(lockFileURI(uri))
	if err != nil {
		st.mu.Lock()
		st.held = false
		st.cond.Broadcast()
		st.mu.Unlock()
		return false, fmt.Errorf("xlock: trylock %s: %w", uri, err)
	}

	st.mu.Lock()
	st.lockHandle = handle
	st.mu.Unlock()
	return true, nil
}

// RunIfUnlocked runs fn once uri is not exclusively held, with fn
// guaranteed to run before any future XLock call on the same uri can
// set the held flag — the registry uses this to admit a new reader
// atomically with respect to a consolidator's lock acquisition (spec
// section 4.D step 1: a new open must block while a consolidator holds
// the URI, and must not slip in between the consolidator's "unlocked"
// check and its own admission).
func (c *Coordinator) RunIfUnlocked(uri string, fn func()) {
	st := c.stateFor(uri)
	st.mu.Lock()
	defer st.mu.Unlock()
	for st.held {
		st.cond.Wait()
	}
	fn()
}

func lockFileURI(uri string) string { return uri + "/__consolidation.lock" }
