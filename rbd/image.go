// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/asch/bs3rbd/internal/backend"
	"github.com/asch/bs3rbd/internal/config"
)

const (
	// Object size reported to consumers as a power of two. Qemu needs a
	// block size of at least 4096.
	Order = 12

	// Object size in bytes.
	ObjectSize = 1 << Order

	// Size reported by GetSize when the backend cannot be queried.
	DefaultFallbackSize = 1 << 30

	defaultDispatchers = 4
	defaultQueueDepth  = 128

	blockNamePrefix = "rbd_data."
)

type opKind int

const (
	opRead opKind = iota
	opWrite
)

// ImageInfo is the metadata reported by Stat. Only Size comes from the
// backend, the object geometry is fixed.
type ImageInfo struct {
	Size            uint64
	ObjSize         uint64
	NumObjs         uint64
	Order           int
	BlockNamePrefix string
}

// Image is one open connection to a backend. All methods are safe for
// concurrent use. Operations on the same range issued concurrently race at
// the backend, the image does not order them.
//
// Callbacks run on the image dispatcher goroutines, or on the goroutine
// running Close. A callback may issue further requests and may close the
// image, but it must not wait for another operation of the same image,
// otherwise it can starve the dispatchers.
type Image struct {
	name    string
	id      uuid.UUID
	backend Backend

	fallbackSize uint64

	// Guards closed. Submissions hold the read lock so Close cannot start
	// draining while a request is being handed to the backend.
	mu     sync.RWMutex
	closed bool

	queue *queue
}

// Option tunes an image opened by OpenBackend.
type Option func(*Image, *openOptions)

type openOptions struct {
	dispatchers int
	queueDepth  int
}

// WithDispatchers sets the number of goroutines running callbacks.
func WithDispatchers(n int) Option {
	return func(_ *Image, o *openOptions) {
		if n > 0 {
			o.dispatchers = n
		}
	}
}

// WithQueueDepth sets the initial capacity of the queue of resolved requests
// waiting for a dispatcher. The queue grows beyond it as needed.
func WithQueueDepth(n int) Option {
	return func(_ *Image, o *openOptions) {
		if n >= 0 {
			o.queueDepth = n
		}
	}
}

// WithFallbackSize sets the size GetSize reports when the backend cannot be
// queried.
func WithFallbackSize(size uint64) Option {
	return func(img *Image, _ *openOptions) {
		if size > 0 {
			img.fallbackSize = size
		}
	}
}

// Open opens the image name with the backend selected by the process
// configuration (config.Cfg, or defaults and environment when it was never
// loaded). The image name is used as the bucket name of the s3 backend.
func Open(ctx context.Context, name string) (*Image, error) {
	cfg := config.Cfg
	if cfg.Backend == "" {
		var err error
		if cfg, err = config.Default(); err != nil {
			return nil, fmt.Errorf("loading configuration: %w", err)
		}
	}

	b, err := backend.New(ctx, cfg, name)
	if err != nil {
		return nil, fmt.Errorf("creating %s backend for %s: %w", cfg.Backend, name, err)
	}

	return OpenBackend(name, b,
		WithDispatchers(cfg.Rbd.Dispatchers),
		WithQueueDepth(cfg.Rbd.QueueDepth),
		WithFallbackSize(uint64(cfg.Rbd.FallbackSize)))
}

// OpenBackend opens b and returns an image using it.
func OpenBackend(name string, b Backend, opts ...Option) (*Image, error) {
	img := &Image{
		name:         name,
		id:           uuid.NewSHA1(uuid.NameSpaceURL, []byte("rbd:"+name)),
		backend:      b,
		fallbackSize: DefaultFallbackSize,
	}

	o := openOptions{dispatchers: defaultDispatchers, queueDepth: defaultQueueDepth}
	for _, opt := range opts {
		opt(img, &o)
	}

	if err := b.Open(); err != nil {
		return nil, err
	}

	img.queue = newQueue(o.queueDepth)
	for i := 0; i < o.dispatchers; i++ {
		go img.dispatch()
	}

	log.Info().Str("image", name).Str("id", img.id.String()).Msg("Image opened.")

	return img, nil
}

// Close waits for all issued requests to resolve, stops the dispatchers and
// closes the backend. Resolved requests still waiting for a dispatcher are
// delivered by Close itself. Callbacks that already started may still be
// running when Close returns. Calls after the first return ErrImageClosed.
func (img *Image) Close() error {
	img.mu.Lock()
	if img.closed {
		img.mu.Unlock()
		return ErrImageClosed
	}
	img.closed = true
	img.mu.Unlock()

	img.queue.drain(img.deliver)

	err := img.backend.Close()
	log.Info().Err(err).Str("image", img.name).Msg("Image closed.")

	return err
}

// Name returns the name the image was opened with.
func (img *Image) Name() string {
	return img.name
}

// Stat returns the image metadata. The size is reported by the backend.
func (img *Image) Stat() (ImageInfo, error) {
	size, _, err := img.backend.Stat()
	if err != nil {
		return ImageInfo{}, RbdError(errorCode(err))
	}

	return ImageInfo{
		Size:            size,
		ObjSize:         ObjectSize,
		NumObjs:         (size + ObjectSize - 1) / ObjectSize,
		Order:           Order,
		BlockNamePrefix: blockNamePrefix + img.id.String()[:8],
	}, nil
}

// GetSize returns the image size in bytes or the fallback size when the
// backend cannot be queried.
func (img *Image) GetSize() uint64 {
	info, err := img.Stat()
	if err != nil {
		return img.fallbackSize
	}

	return info.Size
}

// Read reads len(buf) bytes at offset and returns the number of bytes read.
func (img *Image) Read(offset uint64, buf []byte) (int, error) {
	c := CreateCompletion(nil, nil)
	defer c.Release()

	if err := img.AioRead(offset, buf, c); err != nil {
		return 0, err
	}

	if err := c.WaitForComplete(); err != nil {
		return 0, err
	}

	return c.result()
}

// Write writes buf at offset and returns the number of bytes written.
func (img *Image) Write(offset uint64, buf []byte) (int, error) {
	c := CreateCompletion(nil, nil)
	defer c.Release()

	if err := img.AioWrite(offset, buf, c); err != nil {
		return 0, err
	}

	if err := c.WaitForComplete(); err != nil {
		return 0, err
	}

	return c.result()
}

// AioRead reads len(buf) bytes at offset directly into buf. buf must not be
// touched until c is resolved.
func (img *Image) AioRead(offset uint64, buf []byte, c *Completion) error {
	if err := c.begin(); err != nil {
		return err
	}

	if len(buf) == 0 {
		return img.resolveNow(c)
	}

	c.length = len(buf)

	return img.submit(opRead, offset, buf, c)
}

// AioWrite writes buf at offset. buf must not be touched until c is
// resolved.
func (img *Image) AioWrite(offset uint64, buf []byte, c *Completion) error {
	if err := c.begin(); err != nil {
		return err
	}

	if len(buf) == 0 {
		return img.resolveNow(c)
	}

	c.length = len(buf)

	return img.submit(opWrite, offset, buf, c)
}

// Flush returns immediately. The backends have no write-back cache.
func (img *Image) Flush() error {
	return img.checkOpen()
}

// AioFlush resolves c successfully before returning. The callback runs on
// the calling goroutine.
func (img *Image) AioFlush(c *Completion) error {
	if err := c.begin(); err != nil {
		return err
	}

	return img.resolveNow(c)
}

// InvalidateCache does nothing, there is no cache to drop.
func (img *Image) InvalidateCache() error {
	return img.checkOpen()
}

func (img *Image) checkOpen() error {
	img.mu.RLock()
	defer img.mu.RUnlock()

	if img.closed {
		return ErrImageClosed
	}

	return nil
}

// Hands buf to the backend. On refusal c is reset so the caller may reuse it
// and the refusal is returned.
func (img *Image) submit(op opKind, offset uint64, buf []byte, c *Completion) error {
	img.mu.RLock()
	defer img.mu.RUnlock()

	if img.closed {
		c.abort()
		return ErrImageClosed
	}

	img.queue.add()

	var err error
	switch op {
	case opRead:
		err = img.backend.Read(offset, buf, img.doneFunc(c))
	case opWrite:
		err = img.backend.Write(offset, buf, img.doneFunc(c))
	}

	if err != nil {
		img.queue.remove()
		c.abort()
		return RbdError(errorCode(err))
	}

	return nil
}
