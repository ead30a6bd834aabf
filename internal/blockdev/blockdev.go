// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package blockdev presents a BuseReadWriter as a byte addressed device.
// Requests are translated to what the BUSE kernel module would send: reads of
// whole blocks and write chunks made of write records followed by data.
// Requests not aligned to the block size are served by read-modify-write.
package blockdev

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/asch/buse/lib/go/buse"
	"golang.org/x/sys/unix"

	"github.com/asch/bs3rbd/internal/bs3"
)

// Options describes the geometry the BuseReadWriter expects. Sizes are in
// bytes.
type Options struct {
	Size      int64
	BlockSize int64

	// Size of one write chunk including the metadata section.
	ChunkSize int64

	// Size of the metadata section at the beginning of every chunk.
	MetadataSize int64
}

// Device implements port.Engine on top of a BuseReadWriter.
type Device struct {
	rw buse.BuseReadWriter
	o  Options

	// Sequence number of the last write. Writes with higher numbers win.
	seqNo atomic.Uint64

	// Aligned writes hold the read lock, read-modify-write the write lock,
	// so a partial block update never overwrites a concurrent aligned
	// write of the same block with stale data.
	rmw sync.RWMutex
}

func New(rw buse.BuseReadWriter, o Options) *Device {
	if o.BlockSize <= 0 {
		o.BlockSize = 4096
	}
	if o.ChunkSize <= o.MetadataSize {
		o.ChunkSize = o.MetadataSize + o.BlockSize
	}

	return &Device{rw: rw, o: o}
}

func (d *Device) Open() error {
	d.rw.BusePreRun()
	return nil
}

func (d *Device) Close() error {
	d.rw.BusePostRemove()
	return nil
}

func (d *Device) Size() int64 {
	return d.o.Size
}

func (d *Device) BlockSize() int64 {
	return d.o.BlockSize
}

// ReadAt reads len(p) bytes at off.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	if err := d.checkRange(off, len(p)); err != nil {
		return 0, err
	}

	if d.aligned(off, len(p)) {
		if err := d.readBlocks(p, off); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	start, buf := d.cover(off, len(p))
	if err := d.readBlocks(buf, start); err != nil {
		return 0, err
	}

	return copy(p, buf[off-start:]), nil
}

// WriteAt writes p at off.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if err := d.checkRange(off, len(p)); err != nil {
		return 0, err
	}

	if d.aligned(off, len(p)) {
		d.rmw.RLock()
		defer d.rmw.RUnlock()

		if err := d.writeBlocks(p, off); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	d.rmw.Lock()
	defer d.rmw.Unlock()

	start, buf := d.cover(off, len(p))
	if err := d.readBlocks(buf, start); err != nil {
		return 0, err
	}

	copy(buf[off-start:], p)

	if err := d.writeBlocks(buf, start); err != nil {
		return 0, err
	}

	return len(p), nil
}

func (d *Device) checkRange(off int64, length int) error {
	if off < 0 || off+int64(length) > d.o.Size {
		return fmt.Errorf("range %d+%d outside device of %d bytes: %w", off, length, d.o.Size, unix.EINVAL)
	}

	return nil
}

func (d *Device) aligned(off int64, length int) bool {
	return off%d.o.BlockSize == 0 && int64(length)%d.o.BlockSize == 0
}

// Returns the block aligned start and a buffer covering [off, off+length).
func (d *Device) cover(off int64, length int) (int64, []byte) {
	start := off - off%d.o.BlockSize
	end := off + int64(length)
	if rem := end % d.o.BlockSize; rem != 0 {
		end += d.o.BlockSize - rem
	}

	return start, make([]byte, end-start)
}

func (d *Device) readBlocks(p []byte, off int64) error {
	return d.rw.BuseRead(off/d.o.BlockSize, int64(len(p))/d.o.BlockSize, p)
}

// Splits p into chunks which fit into the data section of one write chunk
// and hands them to the BuseReadWriter, one write record per chunk.
func (d *Device) writeBlocks(p []byte, off int64) error {
	capacity := d.o.ChunkSize - d.o.MetadataSize
	capacity -= capacity % d.o.BlockSize

	for len(p) > 0 {
		n := min(int64(len(p)), capacity)

		chunk := make([]byte, d.o.MetadataSize+n)
		bs3.PutExtent(chunk,
			uint64(off/bs3.SectorUnit),
			uint64(n/bs3.SectorUnit),
			d.seqNo.Add(1),
			0)
		copy(chunk[d.o.MetadataSize:], p[:n])

		if err := d.rw.BuseWrite(1, chunk); err != nil {
			return err
		}

		p = p[n:]
		off += n
	}

	return nil
}
