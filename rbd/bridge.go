// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Backends resolve requests on their own goroutines. They never touch a
// completion: the done function handed to the backend only posts an event to
// the image queue, and the image dispatchers run the resolution. Callbacks
// therefore never run on backend goroutines.
//
// Posting never blocks. A callback may issue further requests which wait for
// a backend worker, and that worker must be able to hand its own result over
// without waiting for a dispatcher.

type event struct {
	c   *Completion
	n   int
	err error
}

// Resolved requests waiting for a dispatcher together with the number of
// requests handed to the backend and not resolved yet.
type queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	events   []event
	inflight int
	closed   bool
}

func newQueue(capacity int) *queue {
	q := &queue{events: make([]event, 0, capacity)}
	q.cond = sync.NewCond(&q.mu)

	return q
}

// Counts a request about to be handed to the backend.
func (q *queue) add() {
	q.mu.Lock()
	q.inflight++
	q.mu.Unlock()
}

// Uncounts a request the backend refused or which was resolved.
func (q *queue) remove() {
	q.mu.Lock()
	q.inflight--
	if q.inflight == 0 {
		q.cond.Broadcast()
	}
	q.mu.Unlock()
}

func (q *queue) post(e event) {
	q.mu.Lock()
	q.events = append(q.events, e)
	q.cond.Signal()
	q.mu.Unlock()
}

// Must be called with mu held and a non-empty queue.
func (q *queue) pop() event {
	e := q.events[0]
	q.events[0] = event{}
	q.events = q.events[1:]

	return e
}

// Blocks until an event is available. Returns false once the queue is closed
// and empty.
func (q *queue) next() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.events) == 0 && !q.closed {
		q.cond.Wait()
	}

	if len(q.events) == 0 {
		return event{}, false
	}

	return q.pop(), true
}

// Delivers queued events on the calling goroutine, next to the dispatchers,
// until no request is in flight, then closes the queue.
func (q *queue) drain(deliver func(event)) {
	q.mu.Lock()
	for q.inflight > 0 {
		if len(q.events) == 0 {
			q.cond.Wait()
			continue
		}

		e := q.pop()
		q.mu.Unlock()
		deliver(e)
		q.mu.Lock()
	}

	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Returns the function handed to the backend for the request driven by c.
func (img *Image) doneFunc(c *Completion) func(int, error) {
	return func(n int, err error) {
		img.queue.post(event{c: c, n: n, err: err})
	}
}

// Dispatcher loop. Runs until Close drained and closed the queue.
func (img *Image) dispatch() {
	for {
		e, ok := img.queue.next()
		if !ok {
			return
		}

		img.deliver(e)
	}
}

// The request stops counting as in flight before the callback runs, so a
// callback may close the image.
func (img *Image) deliver(e event) {
	run := img.complete(e.c, e.n, e.err)
	img.queue.remove()

	if run {
		e.c.callback(e.c, e.c.arg)
	}
}

// Resolves c with the outcome reported by the backend. Staged data is copied
// out to the caller segments, the staging buffer is dropped and the result is
// published. Reports whether the callback is due; it is not once c was
// released. c must not be touched after the callback since the callback may
// release it.
func (img *Image) complete(c *Completion, n int, err error) bool {
	var ret int64

	switch {
	case err != nil:
		ret = errorCode(err)
		log.Info().Err(err).Str("image", img.name).Msg("Backend request failed.")

	case n != c.length:
		ret = int64(ErrShortIO)
		log.Info().Int("expected", c.length).Int("transferred", n).Str("image", img.name).
			Msg("Backend transferred unexpected number of bytes.")

	default:
		ret = int64(n)
		if c.scatter != nil && scatter(c.staging, c.scatter) != n {
			ret = int64(ErrShortIO)
		}
	}

	c.staging = nil
	c.scatter = nil

	if !c.resolve(ret) {
		log.Error().Str("image", img.name).Msg("Completion resolved twice.")
		return false
	}

	if c.released.Load() {
		log.Trace().Str("image", img.name).Msg("Completion released before resolution, skipping callback.")
		return false
	}

	return true
}

// Resolves c on the calling goroutine with success and zero bytes. Used for
// zero-length requests and flushes, which never reach the backend. A closed
// image refuses them like any other request.
func (img *Image) resolveNow(c *Completion) error {
	if err := img.checkOpen(); err != nil {
		c.abort()
		return err
	}

	if img.complete(c, 0, nil) {
		c.callback(c, c.arg)
	}

	return nil
}
