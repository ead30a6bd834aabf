// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package bs3

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/asch/bs3rbd/internal/bs3/key"
	"github.com/asch/bs3rbd/internal/bs3/mapproxy"
	"github.com/asch/bs3rbd/internal/bs3/mapproxy/sectormap"
	"github.com/asch/bs3rbd/internal/bs3/objproxy"
	"github.com/asch/bs3rbd/internal/bs3/objproxy/s3"
	"github.com/asch/bs3rbd/internal/config"
)

const (
	// Size of the metadata for one write in the write chunk.
	WriteItemSize = 32

	// Key representing the object where serialized version of map is
	// stored.
	checkpointKey = -1

	// Typical number of extents per object for precise memory allocation
	// for return values. In the worst case reallocation happens.
	typicalExtentsPerObject = 128

	// Sector is a linux constant, which is always 512, no matter how big
	// your sectors or blocks are. Extent records in objects use it.
	SectorUnit = 512
)

// Options of one engine. Sizes are in bytes.
type Options struct {
	// Size of the device.
	Size int64

	// Granularity of the extent map. Either 512 or 4096.
	BlockSize int

	// Size of one object including its metadata section.
	ChunkSize int

	// Number of concurrent object uploads and downloads.
	Uploaders   int
	Downloaders int

	// Extent map traversal step of the threshold GC, in blocks.
	GCStep int64

	// Live data ratio under which threshold GC rewrites an object.
	GCLiveData float64

	// Period of the dead objects GC. Zero disables it.
	GCWait time.Duration

	// Do not restore the map on start and do not store it on stop.
	SkipCheckpoint bool
}

// OptionsFromConfig extracts engine options from the configuration.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Size:           cfg.Size,
		BlockSize:      cfg.BlockSize,
		ChunkSize:      cfg.Write.ChunkSize,
		Uploaders:      cfg.S3.Uploaders,
		Downloaders:    cfg.S3.Downloaders,
		GCStep:         cfg.GC.Step,
		GCLiveData:     cfg.GC.LiveData,
		GCWait:         time.Duration(cfg.GC.Wait) * time.Second,
		SkipCheckpoint: cfg.SkipCheckpoint,
	}
}

// Engine implements the buse.BuseReadWriter interface. Writes arrive as
// chunks of write records followed by their data, and every chunk becomes
// one immutable object in the object store. The extent map tells where the
// newest copy of every block lives. The default map is sectormap, the default
// object store s3.
type Engine struct {
	o Options

	// Proxy struct for the operations on objects like uploads, downloads
	// etc. Proxy structs are used for serialization and prioritization of
	// requests.
	objectStoreProxy *objproxy.ObjectProxy

	// Proxy struct for the operations on extent map like updates, lookups
	// etc.
	extentMapProxy *mapproxy.ExtentMapProxy

	// Next object key.
	keys key.Counter

	// Data private to the garbage collection process.
	gcData struct {
		// Reference counter of objects which are actually downloaded
		// and hence cannot be deleted from the storage backend.
		refcounter map[int64]int64

		// Lock guarding the refcounter.
		reflock sync.Mutex
	}

	// Size of the object portion which contains all writes metadata. After
	// this offset real data are stored. Always a multiple of the block
	// size.
	metadataSize int

	// Closed by BusePostRemove to stop the dead GC loop.
	stop   chan struct{}
	gcDone chan struct{}
}

// Returns engine using s3 as an object store and sectormap as an extent map.
func NewWithS3(ctx context.Context, o Options, s3o s3.Options) (*Engine, error) {
	s3Handler, err := s3.New(ctx, s3o)
	if err != nil {
		return nil, err
	}

	return New(s3Handler, o), nil
}

// Returns engine with provided object store and a sectormap sized for the
// device.
func New(objectStore objproxy.ObjectUploadDownloaderAt, o Options) *Engine {
	if o.BlockSize != 512 {
		o.BlockSize = 4096
	}

	mapSize := o.Size / int64(o.BlockSize)

	return NewWithMap(objectStore, sectormap.New(mapSize), o)
}

// Returns engine with provided object store and extent map.
func NewWithMap(objectStore objproxy.ObjectUploadDownloaderAt, extentMap mapproxy.ExtentMapper, o Options) *Engine {
	metadataSize := o.ChunkSize / o.BlockSize * WriteItemSize
	if rem := metadataSize % o.BlockSize; rem != 0 {
		metadataSize += o.BlockSize - rem
	}

	b := &Engine{
		o:                o,
		objectStoreProxy: objproxy.New(objectStore, o.Uploaders, o.Downloaders),
		extentMapProxy:   mapproxy.New(extentMap),
		metadataSize:     metadataSize,
		stop:             make(chan struct{}),
		gcDone:           make(chan struct{}),
	}

	b.gcData.refcounter = make(map[int64]int64)

	return b
}

// MetadataSize returns the size of the metadata section at the beginning of
// every write chunk.
func (b *Engine) MetadataSize() int {
	return b.metadataSize
}

// BlockSize returns the extent map granularity.
func (b *Engine) BlockSize() int {
	return b.o.BlockSize
}

// Size returns the device size.
func (b *Engine) Size() int64 {
	return b.o.Size
}

// Handle writes. writes is the number of write records in the chunk. The
// first metadataSize bytes of the chunk are the records, the rest are the data
// of all writes in the same order.
//
// The chunk is uploaded under the next key and only then the extent map is
// updated, so readers never see blocks of an object which is not stored yet.
func (b *Engine) BuseWrite(writes int64, chunk []byte) error {
	key := b.keys.Next()

	metadata := chunk[:b.metadataSize]
	extents := make([]mapproxy.Extent, writes)

	var writtenTotalBlocks int64
	for i := range extents {
		extents[i] = b.parseExtent(metadata[:WriteItemSize])
		metadata = metadata[WriteItemSize:]
		writtenTotalBlocks += extents[i].Length
	}

	// Zero out the rest of the space reserved for writes. Recovery stops
	// at the first zero length record.
	clear(metadata)

	dataSize := writtenTotalBlocks * int64(b.o.BlockSize)
	object := chunk[:int64(b.metadataSize)+dataSize]

	if err := b.objectStoreProxy.Upload(key, object, true); err != nil {
		log.Info().Err(err).Int64("key", key).Msg("Object upload failed.")
		return err
	}

	b.extentMapProxy.Update(extents, int64(b.metadataSize/b.o.BlockSize), key)

	return nil
}

// Read extent starting at block sector with length blocks to the buffer
// chunk. The extent map is consulted and all needed pieces are downloaded in
// parallel. Blocks which were never written read as zeros.
func (b *Engine) BuseRead(sector, length int64, chunk []byte) error {
	objectPieces := b.getObjectPiecesRefCounterInc(sector, length)
	defer b.objectPiecesRefCounterDec(objectPieces)

	var g errgroup.Group
	for _, op := range objectPieces {
		size := op.Length * int64(b.o.BlockSize)
		part, buf := op, chunk[:size]

		if op.Key == mapproxy.NotMappedKey {
			clear(buf)
		} else {
			g.Go(func() error {
				offset := part.Sector * int64(b.o.BlockSize)
				return b.objectStoreProxy.Download(part.Key, buf, offset, true)
			})
		}

		chunk = chunk[size:]
	}

	if err := g.Wait(); err != nil {
		log.Info().Err(err).Int64("sector", sector).Int64("length", length).Msg("Object download failed.")
		return err
	}

	return nil
}

// Restores the map stored on the backend and starts the dead objects GC.
// Restore failures are logged, the engine then starts with whatever could be
// restored.
func (b *Engine) BusePreRun() {
	if !b.o.SkipCheckpoint {
		if err := b.restore(); err != nil {
			log.Info().Err(err).Msg("Extent map restore incomplete.")
		}
	}

	go b.gcDead()
}

// Stops the GC and stores the map to the backend so it can be restored during
// the next start.
func (b *Engine) BusePostRemove() {
	close(b.stop)
	<-b.gcDone

	if !b.o.SkipCheckpoint {
		if err := b.checkpoint(); err != nil {
			log.Info().Err(err).Msg("Checkpoint upload failed.")
		}
	}

	b.extentMapProxy.Stop()
	b.objectStoreProxy.Stop()
}

// Returns object pieces for reconstructing logical extent but before that
// safely increments the refcounter for the objects. Objects in refcounter are
// excluded from garbage collection.
func (b *Engine) getObjectPiecesRefCounterInc(sector, length int64) []mapproxy.ObjectPart {
	b.gcData.reflock.Lock()
	defer b.gcData.reflock.Unlock()

	objectPieces := b.extentMapProxy.Lookup(sector, length)

	for _, op := range objectPieces {
		b.gcData.refcounter[op.Key]++
	}

	return objectPieces
}

// Decrements the refcounter for the object pieces.
func (b *Engine) objectPiecesRefCounterDec(objectPieces []mapproxy.ObjectPart) {
	b.gcData.reflock.Lock()
	defer b.gcData.reflock.Unlock()

	for _, op := range objectPieces {
		b.gcData.refcounter[op.Key]--
	}
}

// Restores the map from the checkpoint saved on the backend and updates the
// current object key accordingly. A missing checkpoint is not an error.
func (b *Engine) restoreFromCheckpoint() error {
	mapSize, err := b.objectStoreProxy.Instance.GetObjectSize(checkpointKey)
	if err != nil {
		return nil
	}

	compressedMap := make([]byte, mapSize)
	if err := b.objectStoreProxy.Download(checkpointKey, compressedMap, 0, false); err != nil {
		return fmt.Errorf("downloading checkpoint: %w", err)
	}

	newKey, err := b.extentMapProxy.Restore(compressedMap)
	if err != nil {
		return fmt.Errorf("decoding checkpoint: %w", err)
	}

	b.keys.Replace(newKey)
	log.Info().Int64("key after checkpoint", newKey).Send()

	return nil
}

// Restores the map from individual objects. It replays all the writes from
// metadata part of continuous sequence of objects until a missing object is
// found. This is the point where prefix consistency is broken and we cannot
// recover more.
func (b *Engine) restoreFromObjects() {
	for ; ; b.keys.Next() {
		current := b.keys.Current()

		size, err := b.objectStoreProxy.Instance.GetObjectSize(current)
		if err != nil {
			// Prefix consistency broken.
			break
		}
		if size == 0 {
			// Garbage collected object, prefix consistency kept.
			continue
		}

		header := make([]byte, b.metadataSize)
		if err := b.objectStoreProxy.Instance.DownloadAt(current, header, 0); err != nil {
			break
		}

		// Replay all writes until a record with length 0, which marks
		// the end of the metadata section.
		extents := make([]mapproxy.Extent, 0, typicalExtentsPerObject)
		for len(header) >= WriteItemSize {
			e := b.parseExtent(header[:WriteItemSize])
			if e.Length == 0 {
				break
			}
			extents = append(extents, e)
			header = header[WriteItemSize:]
		}

		b.extentMapProxy.Update(extents, int64(b.metadataSize/b.o.BlockSize), current)
	}

	log.Info().Int64("key after roll forward", b.keys.Current()).Send()
}

// Restores map from saved checkpoint and then continues with restoration from
// individual objects uploaded after the checkpoint. Objects after the first
// gap are deleted. Sequence numbers are reset so new writes win over all
// restored ones.
func (b *Engine) restore() error {
	err := b.restoreFromCheckpoint()
	if err != nil {
		b.keys.Replace(0)
	}

	b.restoreFromObjects()
	b.extentMapProxy.ResetSequence()

	if delErr := b.objectStoreProxy.Instance.DeleteKeyAndSuccessors(b.keys.Current()); delErr != nil && err == nil {
		err = delErr
	}

	return err
}

// Serializes extent map and uploads it to the backend.
func (b *Engine) checkpoint() error {
	dump, err := b.extentMapProxy.Serialize()
	if err != nil {
		return err
	}

	return b.objectStoreProxy.Upload(checkpointKey, dump, false)
}

// Parses write extent information from 32 bytes of raw memory. Sector and
// length are stored in SectorUnit and converted to blocks.
func (b *Engine) parseExtent(buf []byte) mapproxy.Extent {
	perBlock := uint64(b.o.BlockSize / SectorUnit)

	return mapproxy.Extent{
		Sector: int64(binary.LittleEndian.Uint64(buf[:8]) / perBlock),
		Length: int64(binary.LittleEndian.Uint64(buf[8:16]) / perBlock),
		SeqNo:  int64(binary.LittleEndian.Uint64(buf[16:24])),
		Flag:   int64(binary.LittleEndian.Uint64(buf[24:32])),
	}
}

// PutExtent stores one write record in the format read by the engine. sector
// and length are in SectorUnit.
func PutExtent(buf []byte, sector, length, seqNo, flag uint64) {
	binary.LittleEndian.PutUint64(buf[0:], sector)
	binary.LittleEndian.PutUint64(buf[8:], length)
	binary.LittleEndian.PutUint64(buf[16:], seqNo)
	binary.LittleEndian.PutUint64(buf[24:], flag)
}
