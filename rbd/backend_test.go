// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"sync"
	"testing"

	"golang.org/x/sys/unix"
)

// In-memory backend resolving every request on its own goroutine.
type fakeBackend struct {
	mu   sync.Mutex
	data []byte

	// Reported through done.
	ioErr error

	// Returned by Read and Write, the request is not accepted.
	refuse error

	// Subtracted from the transferred byte count.
	short int

	// When set, requests wait for it to be closed before resolving.
	gate chan struct{}

	// Every buffer handed to Read and Write, in order.
	bufs [][]byte

	opened bool
	closed bool
}

func newFakeBackend(size int) *fakeBackend {
	return &fakeBackend{data: make([]byte, size)}
}

func (b *fakeBackend) Open() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.opened = true
	return nil
}

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	return nil
}

func (b *fakeBackend) Stat() (uint64, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, 0, unix.ESHUTDOWN
	}

	return uint64(len(b.data)), ObjectSize, nil
}

func (b *fakeBackend) Read(offset uint64, buf []byte, done func(int, error)) error {
	return b.start(buf, done, func() int {
		return copy(buf, b.data[offset:])
	})
}

func (b *fakeBackend) Write(offset uint64, buf []byte, done func(int, error)) error {
	return b.start(buf, done, func() int {
		return copy(b.data[offset:], buf)
	})
}

func (b *fakeBackend) start(buf []byte, done func(int, error), op func() int) error {
	b.mu.Lock()
	if b.refuse != nil {
		b.mu.Unlock()
		return b.refuse
	}
	b.bufs = append(b.bufs, buf)
	gate, ioErr, short := b.gate, b.ioErr, b.short
	b.mu.Unlock()

	go func() {
		if gate != nil {
			<-gate
		}

		if ioErr != nil {
			done(0, ioErr)
			return
		}

		b.mu.Lock()
		n := op()
		b.mu.Unlock()

		done(n-short, nil)
	}()

	return nil
}

func (b *fakeBackend) requests() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([][]byte(nil), b.bufs...)
}

func openFake(t *testing.T, size int) (*Image, *fakeBackend) {
	t.Helper()

	b := newFakeBackend(size)
	img, err := OpenBackend(t.Name(), b, WithDispatchers(2), WithQueueDepth(4))
	if err != nil {
		t.Fatalf("OpenBackend() error = %v", err)
	}

	t.Cleanup(func() {
		img.Close()
	})

	return img, b
}

// Completion recording its callback invocations.
type recorder struct {
	mu    sync.Mutex
	calls int
	ret   int64
	arg   any
	done  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{}, 1)}
}

func (r *recorder) completion(arg any) *Completion {
	return CreateCompletion(arg, func(c *Completion, arg any) {
		r.mu.Lock()
		r.calls++
		r.ret = c.GetReturnValue()
		r.arg = arg
		r.mu.Unlock()

		r.done <- struct{}{}
	})
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	<-r.done
}

func (r *recorder) result() (calls int, ret int64, arg any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.calls, r.ret, r.arg
}
