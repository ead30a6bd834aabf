// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Mapproxy package is a proxy for structs with ExtentMapper interface. It
// serializes and prioritizes requests coming to the ExtentMapper and also
// improves cache locality since all operations are done by the same go
// routine.
package mapproxy

import (
	"sync"
)

const (
	NotMappedKey = -1
)

// Provides mapping from logical extents presented in the system to the
// potentially multiple extents in the backend storage. Furthermore it has to
// provide operations related to garbage collection and map restoration.
type ExtentMapper interface {
	Update(extents []Extent, startOfDataSectors, key int64)
	Lookup(sector, length int64) []ObjectPart
	FindExtentsWithKeys(sector, length int64, keys map[int64]struct{}) []ExtentWithObjectPart
	DeleteFromDeadObjects(deadObjects map[int64]struct{})
	ObjectsUtilization() map[int64]int64
	DeadObjects() map[int64]struct{}
	ResetSequence()
	DeserializeAndReturnNextKey(buf []byte) (int64, error)
	Serialize() ([]byte, error)
}

// Proxy to the ExtentMapper. Updates and lookups come from reads and writes of
// the image and are served first, everything else waits until there is no
// such request.
type ExtentMapProxy struct {
	instance ExtentMapper

	// Channels for the high priority requests.
	updateChan chan updateRequest
	lookupChan chan lookupRequest

	// Low priority channel. The function is executed by the worker.
	execChan chan execRequest

	stop     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

// Mapping from the logical extent to the extent in the object.
type ExtentWithObjectPart struct {
	Extent     Extent
	ObjectPart ObjectPart
}

// Logical extent representation representing the system view.
type Extent struct {
	// Beginning of the extent.
	Sector int64

	// Length of the extent. Extent is continuous.
	Length int64

	// Sequential number of write which wrote this extent
	SeqNo int64

	// Reserved for future usage.
	Flag int64
}

// Object part is extent in the object.
type ObjectPart struct {
	// First block of the extent.
	Sector int64

	// Length of the extent. Extent is continuous.
	Length int64

	// Object where the extent is located.
	Key int64
}

// Internal request structures just for wrapping the function calls into the
// channel communication.

type updateRequest struct {
	extents            []Extent
	startOfDataSectors int64
	key                int64
	done               chan struct{}
}

type lookupRequest struct {
	sector int64
	length int64
	reply  chan []ObjectPart
}

type execRequest struct {
	fn   func(ExtentMapper)
	done chan struct{}
}

// Returns proxy which can be directly used. It spawns one worker which handles
// all serialized and prioritized requests until Stop.
func New(instance ExtentMapper) *ExtentMapProxy {
	p := &ExtentMapProxy{
		instance:   instance,
		updateChan: make(chan updateRequest),
		lookupChan: make(chan lookupRequest),
		execChan:   make(chan execRequest),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}

	go p.worker()

	return p
}

// Stop terminates the worker. Requests issued afterwards block forever, the
// owner must stop issuing them first.
func (p *ExtentMapProxy) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	<-p.stopped
}

// Updates all extents specified in extents. startOfDataSectors is the first
// block in the object with real data and key is the key of the object.
func (p *ExtentMapProxy) Update(extents []Extent, startOfDataSectors, key int64) {
	done := make(chan struct{})
	p.updateChan <- updateRequest{extents, startOfDataSectors, key, done}
	<-done
}

// Finds all pieces from which the logical extent starting from sector with
// length length can be reconstructed.
func (p *ExtentMapProxy) Lookup(sector, length int64) []ObjectPart {
	reply := make(chan []ObjectPart)
	p.lookupChan <- lookupRequest{sector, length, reply}
	return <-reply
}

// Finds all extents which are stored in any of the objects with keys in keys.
// Sector and length is the range of interest.
func (p *ExtentMapProxy) ExtentsInObjects(sector, length int64, keys map[int64]struct{}) []ExtentWithObjectPart {
	var r []ExtentWithObjectPart
	p.exec(func(m ExtentMapper) {
		r = m.FindExtentsWithKeys(sector, length, keys)
	})

	return r
}

// Returns all dead objects. I.e. objects without any live data.
func (p *ExtentMapProxy) DeadObjects() map[int64]struct{} {
	var r map[int64]struct{}
	p.exec(func(m ExtentMapper) {
		r = m.DeadObjects()
	})

	return r
}

// Returns all objects utilization. I.e. number of live blocks in each
// non-dead object.
func (p *ExtentMapProxy) ObjectsUtilization() map[int64]int64 {
	var r map[int64]int64
	p.exec(func(m ExtentMapper) {
		r = m.ObjectsUtilization()
	})

	return r
}

// Deletes all dead objects from dead objects list.
func (p *ExtentMapProxy) DeleteDeadObjects(deadObjects map[int64]struct{}) {
	p.exec(func(m ExtentMapper) {
		m.DeleteFromDeadObjects(deadObjects)
	})
}

// Resets write sequence numbers of the whole map.
func (p *ExtentMapProxy) ResetSequence() {
	p.exec(func(m ExtentMapper) {
		m.ResetSequence()
	})
}

// Replaces the map with the checkpoint in buf and returns the next free key.
func (p *ExtentMapProxy) Restore(buf []byte) (int64, error) {
	var (
		key int64
		err error
	)
	p.exec(func(m ExtentMapper) {
		key, err = m.DeserializeAndReturnNextKey(buf)
	})

	return key, err
}

// Returns the serialized map.
func (p *ExtentMapProxy) Serialize() ([]byte, error) {
	var (
		buf []byte
		err error
	)
	p.exec(func(m ExtentMapper) {
		buf, err = m.Serialize()
	})

	return buf, err
}

// Runs fn on the worker with low priority.
func (p *ExtentMapProxy) exec(fn func(ExtentMapper)) {
	done := make(chan struct{})
	p.execChan <- execRequest{fn, done}
	<-done
}

// Worker is doing prioritization and serialization of the requests. Updates
// and lookups into the map have highest priority. All other request are low
// priority.
func (p *ExtentMapProxy) worker() {
	defer close(p.stopped)

	for {
		select {
		case u := <-p.updateChan:
			p.update(u)
			continue
		case l := <-p.lookupChan:
			p.lookup(l)
			continue
		default:
		}

		select {
		case u := <-p.updateChan:
			p.update(u)
		case l := <-p.lookupChan:
			p.lookup(l)
		case e := <-p.execChan:
			e.fn(p.instance)
			close(e.done)
		case <-p.stop:
			return
		}
	}
}

func (p *ExtentMapProxy) update(r updateRequest) {
	p.instance.Update(r.extents, r.startOfDataSectors, r.key)
	close(r.done)
}

func (p *ExtentMapProxy) lookup(r lookupRequest) {
	r.reply <- p.instance.Lookup(r.sector, r.length)
}
