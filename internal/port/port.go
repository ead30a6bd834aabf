// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package port turns a synchronous Engine into the asynchronous backend port
// used by rbd images. Requests are queued to pools of reader and writer
// goroutines and their outcome is reported through the done function of each
// request, from the worker goroutine.
package port

import (
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrClosed is returned for requests submitted to a port which is not open.
var ErrClosed = errors.New("port: closed")

// Engine is a synchronous byte addressed storage engine.
type Engine interface {
	io.ReaderAt
	io.WriterAt

	// Prepares the engine for requests. Called once before the first
	// request.
	Open() error

	// Persists whatever the engine needs and releases resources. Called
	// once after the last request resolved.
	Close() error

	// Size of the addressable space in bytes.
	Size() int64

	// Granularity of the engine in bytes.
	BlockSize() int64
}

// Port owns the worker goroutines serving one Engine.
type Port struct {
	engine Engine

	// Number of go routines to spawn for handling read and write
	// requests.
	readers int
	writers int

	// Internal channels. stop is closed by Close and makes all workers
	// exit.
	reads  chan request
	writes chan request
	stop   chan struct{}

	// Guards open.
	mu      sync.Mutex
	open    bool
	workers sync.WaitGroup
}

// Request is internal structure for wrapping the communication into channels.
type request struct {
	offset int64
	buf    []byte
	done   func(int, error)
}

// New returns a closed port for engine. Open starts the workers.
func New(engine Engine, readers, writers int) *Port {
	if readers < 1 {
		readers = 1
	}
	if writers < 1 {
		writers = 1
	}

	return &Port{
		engine:  engine,
		readers: readers,
		writers: writers,
	}
}

// Open opens the engine and spawns the workers.
func (p *Port) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.open {
		return nil
	}

	if err := p.engine.Open(); err != nil {
		return err
	}

	p.reads = make(chan request)
	p.writes = make(chan request)
	p.stop = make(chan struct{})

	p.workers.Add(p.readers + p.writers)
	for i := 0; i < p.readers; i++ {
		go p.worker(p.reads, p.stop, p.engine.ReadAt)
	}
	for i := 0; i < p.writers; i++ {
		go p.worker(p.writes, p.stop, p.engine.WriteAt)
	}

	p.open = true

	return nil
}

// Close stops the workers and closes the engine. Requests already taken by a
// worker finish first.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.open {
		return ErrClosed
	}

	close(p.stop)
	p.workers.Wait()
	p.open = false

	return p.engine.Close()
}

// Stat returns the engine size and block size.
func (p *Port) Stat() (size, blockSize uint64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.open {
		return 0, 0, ErrClosed
	}

	return uint64(p.engine.Size()), uint64(p.engine.BlockSize()), nil
}

// Read queues a read of len(buf) bytes at offset.
func (p *Port) Read(offset uint64, buf []byte, done func(int, error)) error {
	c, stop := p.channels(false)
	return submit(c, stop, request{int64(offset), buf, done})
}

// Write queues a write of buf at offset.
func (p *Port) Write(offset uint64, buf []byte, done func(int, error)) error {
	c, stop := p.channels(true)
	return submit(c, stop, request{int64(offset), buf, done})
}

// Returns the request channel for the direction and the stop channel, or
// nils when the port is closed.
func (p *Port) channels(write bool) (chan request, chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.open {
		return nil, nil
	}

	if write {
		return p.writes, p.stop
	}

	return p.reads, p.stop
}

// Hands r to a worker. Blocks while all workers are busy.
func submit(c chan request, stop chan struct{}, r request) error {
	if c == nil {
		return ErrClosed
	}

	select {
	case c <- r:
		return nil
	case <-stop:
		return ErrClosed
	}
}

// Worker loop shared by readers and writers. Every request is answered
// through its done function.
func (p *Port) worker(c chan request, stop chan struct{}, op func([]byte, int64) (int, error)) {
	defer p.workers.Done()

	for {
		select {
		case r := <-c:
			n, err := op(r.buf, r.offset)
			if err != nil {
				log.Debug().Err(err).Int64("offset", r.offset).Int("length", len(r.buf)).Send()
			}
			r.done(n, err)

		case <-stop:
			return
		}
	}
}
