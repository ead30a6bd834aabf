// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"context"
	"sync/atomic"
)

// Callback is invoked exactly once when the operation driven by c is
// resolved. arg is the value given to CreateCompletion. The callback may
// release c.
type Callback func(c *Completion, arg any)

// Resolution state of a completion. The only transitions are pending to
// succeeded and pending to failed.
const (
	statePending int32 = iota
	stateSucceeded
	stateFailed
)

// Completion tracks one asynchronous operation. It is created pending,
// resolved exactly once by the image and released by the caller after the
// resolution.
//
// The return value is never overloaded with the pending state: a pending
// completion reports ErrInProgress, a succeeded one the number of bytes
// transferred (possibly zero) and a failed one a negative errno.
type Completion struct {
	callback Callback
	arg      any

	// Contiguous buffer handed to the backend when the caller passed more
	// than one segment, or zeros for write zeroes. Owned by the completion
	// until it is resolved.
	staging []byte

	// Caller segments the staging buffer is copied out to when a vectored
	// read resolves. Not owned.
	scatter [][]byte

	// Number of bytes the backend is expected to transfer.
	length int

	ret   int64
	state atomic.Int32

	issued   atomic.Bool
	resolved atomic.Bool
	released atomic.Bool

	// Closed on resolution. Waiters block on it instead of polling.
	done chan struct{}
}

// CreateCompletion returns a pending completion carrying arg and cb. A nil
// callback is replaced by a no-op.
func CreateCompletion(arg any, cb Callback) *Completion {
	if cb == nil {
		cb = func(*Completion, any) {}
	}

	return &Completion{
		callback: cb,
		arg:      arg,
		done:     make(chan struct{}),
	}
}

// Release invalidates the completion. Every later call on it returns
// ErrReleased. Releasing a pending completion is allowed: the operation still
// runs to the end and its buffers are dropped, but the callback is skipped.
func (c *Completion) Release() {
	c.released.Store(true)
}

// GetReturnValue returns the number of bytes transferred, a negative errno
// on failure, ErrInProgress while pending and ErrReleased after Release.
func (c *Completion) GetReturnValue() int64 {
	if c.released.Load() {
		return int64(ErrReleased)
	}

	switch c.state.Load() {
	case statePending:
		return int64(ErrInProgress)
	default:
		return c.ret
	}
}

// GetArg returns the argument given to CreateCompletion.
func (c *Completion) GetArg() any {
	return c.arg
}

// IsComplete reports whether the completion is resolved. It never blocks.
func (c *Completion) IsComplete() bool {
	return c.state.Load() != statePending
}

// WaitForComplete blocks until the completion is resolved.
func (c *Completion) WaitForComplete() error {
	if c.released.Load() {
		return ErrReleased
	}

	<-c.done

	return nil
}

// Wait is WaitForComplete bounded by ctx. The operation itself is not
// cancelled when ctx is done.
func (c *Completion) Wait(ctx context.Context) error {
	if c.released.Load() {
		return ErrReleased
	}

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns nil for a succeeded completion and the RbdError otherwise.
func (c *Completion) Err() error {
	if ret := c.GetReturnValue(); ret < 0 {
		return RbdError(ret)
	}

	return nil
}

// Marks the completion as driving an operation. A completion can be issued
// only once.
func (c *Completion) begin() error {
	if c.released.Load() {
		return ErrReleased
	}

	if !c.issued.CompareAndSwap(false, true) {
		return ErrInUse
	}

	return nil
}

// Undo begin when the backend refused the operation so the caller can reuse
// the completion.
func (c *Completion) abort() {
	c.staging = nil
	c.scatter = nil
	c.length = 0
	c.issued.Store(false)
}

// Stores the result and wakes waiters. The result is written before the
// state, so any goroutine observing a resolved state also observes ret.
func (c *Completion) resolve(ret int64) bool {
	if !c.resolved.CompareAndSwap(false, true) {
		return false
	}

	c.ret = ret
	if ret < 0 {
		c.state.Store(stateFailed)
	} else {
		c.state.Store(stateSucceeded)
	}
	close(c.done)

	return true
}

// Converts the resolved completion to the return values of the synchronous
// calls.
func (c *Completion) result() (int, error) {
	ret := c.GetReturnValue()
	if ret < 0 {
		return 0, RbdError(ret)
	}

	return int(ret), nil
}
