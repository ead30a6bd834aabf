// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package objproxy is a proxy for ObjectUploadDownloaderAt which performs
// prioritization of various requests.
package objproxy

import (
	"errors"
	"sync"
)

// ErrStopped is returned for requests issued after Stop.
var ErrStopped = errors.New("objproxy: stopped")

// Interface for the object backend storage. Anything implementing this
// interface can be used as a storage backend.
type ObjectUploadDownloaderAt interface {
	// Uploads data in buf under the key identifier.
	Upload(key int64, buf []byte) error

	// Downloads data into buf starting from offset in the object
	// identified by key. The length of buf is the length of requested
	// data.
	DownloadAt(key int64, buf []byte, offset int64) error

	// Returns size in bytes of object identified by key. Needed for
	// garbage collection and extent map recovery.
	GetObjectSize(key int64) (int64, error)

	// Deletes object identified by key and all successive objects. Needed
	// for extent map restoration.
	DeleteKeyAndSuccessors(key int64) error
}

// Proxy for the backend storage which prioritizes requests. Requests coming to
// the priority channels are handled first. Like this requests from low
// priority operations like garbage collection do not slow down reads and
// writes of the image.
type ObjectProxy struct {
	Instance ObjectUploadDownloaderAt

	// Number of go routines to spawn for handling upload requests and
	// download requests.
	uploaders   int
	downloaders int

	// Internal channels.
	uploads       chan request
	downloads     chan request
	uploadsPrio   chan request
	downloadsPrio chan request
	stop          chan struct{}

	workers  sync.WaitGroup
	stopOnce sync.Once
}

// Request is internal structure for wrapping the communication into channels.
type request struct {
	key    int64
	data   []byte
	offset int64
	done   chan error
}

// Return new instance of the proxy which can be directly used. It immediately
// spawns go routines for upload and download workers, which run until Stop.
func New(storeInstance ObjectUploadDownloaderAt, uploaders, downloaders int) *ObjectProxy {
	p := &ObjectProxy{
		Instance:      storeInstance,
		uploaders:     max(uploaders, 1),
		downloaders:   max(downloaders, 1),
		uploads:       make(chan request),
		downloads:     make(chan request),
		uploadsPrio:   make(chan request),
		downloadsPrio: make(chan request),
		stop:          make(chan struct{}),
	}

	p.workers.Add(p.uploaders + p.downloaders)

	for i := 0; i < p.uploaders; i++ {
		go p.worker(p.uploadsPrio, p.uploads, p.upload)
	}

	for i := 0; i < p.downloaders; i++ {
		go p.worker(p.downloadsPrio, p.downloads, p.download)
	}

	return p
}

// Stop makes all workers exit once they finish the request in progress.
func (p *ObjectProxy) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	p.workers.Wait()
}

// Proxy function for uploading the object with key. It selects the right
// channel according to prio and waits for reply.
func (p *ObjectProxy) Upload(key int64, body []byte, prio bool) error {
	c := p.uploads
	if prio {
		c = p.uploadsPrio
	}

	return p.call(c, request{key: key, data: body})
}

// Proxy function for downloading the object with key. It selects the right
// channel according to prio and waits for reply.
func (p *ObjectProxy) Download(key int64, chunk []byte, offset int64, prio bool) error {
	c := p.downloads
	if prio {
		c = p.downloadsPrio
	}

	return p.call(c, request{key: key, data: chunk, offset: offset})
}

func (p *ObjectProxy) call(c chan request, r request) error {
	r.done = make(chan error, 1)

	select {
	case c <- r:
	case <-p.stop:
		return ErrStopped
	}

	return <-r.done
}

// Generic prioritization used by both, uploader and downloader workers. The
// second return value is false when the proxy is stopped.
func (p *ObjectProxy) receiveRequest(prio chan request, normal chan request) (request, bool) {
	var r request

	select {
	case r = <-prio:
		return r, true
	default:
	}

	select {
	case r = <-prio:
	case r = <-normal:
	case <-p.stop:
		return r, false
	}

	return r, true
}

func (p *ObjectProxy) worker(prio, normal chan request, serve func(request) error) {
	defer p.workers.Done()

	for {
		r, ok := p.receiveRequest(prio, normal)
		if !ok {
			return
		}
		r.done <- serve(r)
	}
}

func (p *ObjectProxy) upload(r request) error {
	return p.Instance.Upload(r.key, r.data)
}

func (p *ObjectProxy) download(r request) error {
	return p.Instance.DownloadAt(r.key, r.data, r.offset)
}
