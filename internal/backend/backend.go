// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package backend builds the backend port of an image from the
// configuration. Every backend is a BuseReadWriter behind the block adapter
// and the port worker pools.
package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/asch/buse/lib/go/buse"

	"github.com/asch/bs3rbd/internal/blockdev"
	"github.com/asch/bs3rbd/internal/bs3"
	"github.com/asch/bs3rbd/internal/bs3/objproxy/memstore"
	"github.com/asch/bs3rbd/internal/bs3/objproxy/s3"
	"github.com/asch/bs3rbd/internal/config"
	"github.com/asch/bs3rbd/internal/null"
	"github.com/asch/bs3rbd/internal/port"
)

const (
	S3     = "s3"
	Memory = "memory"
	Null   = "null"
)

// Memory stores live for the whole process so an image closed and opened
// again sees its data, like with s3.
var (
	memoryStores   = make(map[string]*memstore.Store)
	memoryStoresMu sync.Mutex
)

// New returns the port for image name using the backend selected by
// cfg.Backend. For s3 the image name is the bucket name.
func New(ctx context.Context, cfg config.Config, name string) (*port.Port, error) {
	rw, metadataSize, err := newBuseReadWriter(ctx, cfg, name)
	if err != nil {
		return nil, err
	}

	dev := blockdev.New(rw, blockdev.Options{
		Size:         cfg.Size,
		BlockSize:    int64(cfg.BlockSize),
		ChunkSize:    int64(cfg.Write.ChunkSize),
		MetadataSize: int64(metadataSize),
	})

	return port.New(dev, cfg.Rbd.Readers, cfg.Rbd.Writers), nil
}

// NewEngine returns the bs3 engine of image name without the port. Used for
// maintenance like threshold GC.
func NewEngine(ctx context.Context, cfg config.Config, name string) (*bs3.Engine, error) {
	o := bs3.OptionsFromConfig(cfg)

	switch cfg.Backend {
	case S3:
		return bs3.NewWithS3(ctx, o, s3Options(cfg, name))
	case Memory:
		return bs3.New(MemoryStore(name), o), nil
	default:
		return nil, fmt.Errorf("backend %q has no bs3 engine", cfg.Backend)
	}
}

// MemoryStore returns the process wide in-memory object store of image name.
func MemoryStore(name string) *memstore.Store {
	memoryStoresMu.Lock()
	defer memoryStoresMu.Unlock()

	s, ok := memoryStores[name]
	if !ok {
		s = memstore.New()
		memoryStores[name] = s
	}

	return s
}

func newBuseReadWriter(ctx context.Context, cfg config.Config, name string) (buse.BuseReadWriter, int, error) {
	if cfg.Backend == Null {
		return null.New(), cfg.BlockSize, nil
	}

	engine, err := NewEngine(ctx, cfg, name)
	if err != nil {
		return nil, 0, err
	}

	return engine, engine.MetadataSize(), nil
}

func s3Options(cfg config.Config, name string) s3.Options {
	bucket := name
	if bucket == "" {
		bucket = cfg.S3.Bucket
	}

	return s3.Options{
		Remote:    cfg.S3.Remote,
		Region:    cfg.S3.Region,
		Bucket:    bucket,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
	}
}
