// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package bs3

import (
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/asch/bs3rbd/internal/bs3/mapproxy"
)

const (
	// Typical number of newly created objects during one threshold GC run.
	// Just an optimization of memory allocation, in the worst case
	// reallocation occurs.
	typicalNewObjectsPerGC = 64

	// Typical number of extents per one garbage collected object.
	typicalExtentsPerGCObject = 64
)

// Select objects viable for threshold GC. When an object utilization is under
// the threshold it is selected for GC. The object with the highest key is
// never collected because of oscillation.
func (b *Engine) filterKeysToCollect(utilization map[int64]int64, ratio float64) map[int64]struct{} {
	var maxKey int64
	collect := make(map[int64]struct{})

	for k, v := range utilization {
		used := v * int64(b.o.BlockSize)
		if float64(used)/float64(b.o.ChunkSize) < ratio {
			collect[k] = struct{}{}
		}

		maxKey = max(maxKey, k)
	}

	delete(collect, maxKey)

	return collect
}

// Constructs the list of live extents to be saved from objects subjected to
// the GC.
func (b *Engine) getCompleteWriteList(keys map[int64]struct{}, stepSize int64) []mapproxy.ExtentWithObjectPart {
	completeWriteList := make([]mapproxy.ExtentWithObjectPart, 0, typicalNewObjectsPerGC)

	blocks := b.o.Size / int64(b.o.BlockSize)
	for i := int64(0); i < blocks; i += stepSize {
		completeWriteList = append(completeWriteList, b.extentMapProxy.ExtentsInObjects(i, stepSize, keys)...)
	}

	return completeWriteList
}

// Removes currently downloaded objects from the list of dead objects.
func (b *Engine) filterDownloadingObjects(deadObjects map[int64]struct{}) {
	b.gcData.reflock.Lock()
	defer b.gcData.reflock.Unlock()

	for k, v := range b.gcData.refcounter {
		if v == 0 {
			delete(b.gcData.refcounter, k)
		} else {
			delete(deadObjects, k)
		}
	}
}

// CollectThreshold makes all objects with live data ratio under the threshold
// dead by copying their live data into new objects. The dead objects are
// emptied by the next dead GC run. It returns the number of objects written.
func (b *Engine) CollectThreshold(threshold float64) (int, error) {
	stepSize := max(b.o.GCStep, 1)

	liveObjects := b.extentMapProxy.ObjectsUtilization()
	keysToCollect := b.filterKeysToCollect(liveObjects, threshold)
	completeWriteList := b.getCompleteWriteList(keysToCollect, stepSize)

	objects, extents, err := b.composeObjects(completeWriteList)
	if err != nil {
		return 0, err
	}

	for i := range objects {
		key := b.keys.Next()

		if err := b.objectStoreProxy.Upload(key, objects[i], false); err != nil {
			return i, err
		}

		b.extentMapProxy.Update(extents[i], int64(b.metadataSize/b.o.BlockSize), key)
	}

	return len(objects), nil
}

// CollectDead empties dead objects which are not being downloaded and removes
// them from the map. The objects cannot be deleted on the backend, because
// the key would be missing in the recovery process where we need continuous
// range of keys. It returns the number of emptied objects.
func (b *Engine) CollectDead() int {
	deadObjects := b.extentMapProxy.DeadObjects()
	b.filterDownloadingObjects(deadObjects)

	for k := range deadObjects {
		if err := b.objectStoreProxy.Upload(k, []byte{}, false); err != nil {
			log.Info().Err(err).Int64("key", k).Send()
			delete(deadObjects, k)
		}
	}

	b.extentMapProxy.DeleteDeadObjects(deadObjects)

	return len(deadObjects)
}

// Dead GC loop. Runs every GCWait until BusePostRemove.
func (b *Engine) gcDead() {
	defer close(b.gcDone)

	if b.o.GCWait <= 0 {
		<-b.stop
		return
	}

	ticker := time.NewTicker(b.o.GCWait)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			log.Trace().Msg("Dead GC started.")
			n := b.CollectDead()
			log.Trace().Int("objects", n).Msg("Dead GC finished.")

		case <-b.stop:
			return
		}
	}
}

// Stores the write record of g at metadataFrontier of object.
func (b *Engine) writeHeader(metadataFrontier int, g mapproxy.ExtentWithObjectPart, object []byte) {
	perBlock := uint64(b.o.BlockSize / SectorUnit)

	PutExtent(object[metadataFrontier:],
		uint64(g.ObjectPart.Sector)*perBlock,
		uint64(g.Extent.Length)*perBlock,
		uint64(g.Extent.SeqNo),
		uint64(g.Extent.Flag))
}

// Traverse the list of all extents which are going to be copied into new fresh
// object(s). It downloads necessary parts and constructs new objects for the
// complete list.
func (b *Engine) composeObjects(writeList []mapproxy.ExtentWithObjectPart) ([][]byte, [][]mapproxy.Extent, error) {
	var g errgroup.Group

	blockSize := int64(b.o.BlockSize)
	metadataFrontier := 0
	dataFrontier := int64(b.metadataSize)

	objects := make([][]byte, 0, typicalNewObjectsPerGC)
	extents := make([][]mapproxy.Extent, 0, typicalNewObjectsPerGC)

	object := make([]byte, b.o.ChunkSize)
	currentObjectExtents := make([]mapproxy.Extent, 0, typicalExtentsPerGCObject)

	for _, w := range writeList {
		full := dataFrontier+w.Extent.Length*blockSize > int64(b.o.ChunkSize) ||
			metadataFrontier+WriteItemSize > b.metadataSize

		if full && len(currentObjectExtents) > 0 {
			objects = append(objects, object[:dataFrontier])
			extents = append(extents, currentObjectExtents)

			object = make([]byte, b.o.ChunkSize)
			currentObjectExtents = make([]mapproxy.Extent, 0, typicalExtentsPerGCObject)

			metadataFrontier = 0
			dataFrontier = int64(b.metadataSize)
		}

		b.writeHeader(metadataFrontier, w, object)
		metadataFrontier += WriteItemSize

		data := object[dataFrontier : dataFrontier+w.Extent.Length*blockSize]
		part := w
		g.Go(func() error {
			return b.objectStoreProxy.Download(part.ObjectPart.Key, data, part.Extent.Sector*blockSize, false)
		})

		currentObjectExtents = append(currentObjectExtents, mapproxy.Extent{
			Sector: w.ObjectPart.Sector,
			Length: w.Extent.Length,
			SeqNo:  w.Extent.SeqNo,
			Flag:   w.Extent.Flag,
		})
		dataFrontier += w.Extent.Length * blockSize
	}

	if len(currentObjectExtents) > 0 {
		objects = append(objects, object[:dataFrontier])
		extents = append(extents, currentObjectExtents)
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return objects, extents, nil
}
