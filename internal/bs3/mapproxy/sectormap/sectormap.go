// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Sectormap package provides implementation of ExtentMapper interface. It
// implements mapping with block granularity stored in one flat array. More
// details are in the SectorMap struct description.
package sectormap

import (
	"bytes"
	"encoding/gob"

	"github.com/asch/bs3rbd/internal/bs3/mapproxy"
)

const (
	// How many objects parts is the typical result for one extent lookup.
	// This is just for initial allocation of the returned array. In the
	// worst case reallocation happens.
	typicalObjectPartsPerLookup = 64
)

// Description of one block of the image. It provides information about
// corresponding block in the object and object identification.
type SectorMetadata struct {
	// Block in the object.
	Sector int64

	// Key of the object.
	Key int64

	// Sequential number of the last write to this block.
	SeqNo int64

	// Reserved for future usage.
	Flag int64
}

// Implementation of the ExtentMapper interface. Every block of the image has
// its own SectorMetadata in a continuous array, so lookups are linear scans
// and the memory usage does not depend on how much of the image is written.
// A 1TB image with 4k blocks needs 1TB/4k*32 = 8GB of map.
//
// This structure is serialized by gobs hence it has to be exported and all its
// attributes as well.
type SectorMap struct {
	Sectors         []SectorMetadata
	ObjUtilizations map[int64]int64
	DeadObjs        map[int64]struct{}
}

// Returns new instance of the sector map with length blocks. The map does not
// support concurrent access, use it through mapproxy.
func New(length int64) *SectorMap {
	sectors := make([]SectorMetadata, length)
	for i := range sectors {
		sectors[i].Key = mapproxy.NotMappedKey
	}

	return &SectorMap{
		Sectors:         sectors,
		ObjUtilizations: make(map[int64]int64),
		DeadObjs:        make(map[int64]struct{}),
	}
}

// Updates blocks in the map with new values from extents. startOfDataSectors
// is the first block with data in the object and key is the key of the
// object.
func (m *SectorMap) Update(extents []mapproxy.Extent, startOfDataSectors, key int64) {
	m.ObjUtilizations[key] = 0

	for _, e := range extents {
		m.updateExtent(e, startOfDataSectors, key)
		startOfDataSectors += e.Length
	}

	// GC can add an object which never updates the map because all its
	// write records are old.
	if m.ObjUtilizations[key] == 0 {
		delete(m.ObjUtilizations, key)
		m.DeadObjs[key] = struct{}{}
	}
}

// Moves one block of utilization from the previous owner of s to key.
func (m *SectorMap) updateUtilization(key int64, s *SectorMetadata) {
	// Increment cannot be done at once because GC can introduce object
	// with writes with lower seqNo.
	m.ObjUtilizations[key]++
	if s.Key != mapproxy.NotMappedKey {
		m.ObjUtilizations[s.Key]--
		if m.ObjUtilizations[s.Key] == 0 {
			delete(m.ObjUtilizations, s.Key)
			m.DeadObjs[s.Key] = struct{}{}
		}
	}
}

// Updates an extent. Blocks already written by a newer write are kept, so the
// map stays consistent no matter in which order objects are replayed.
// Blocks beyond the map are ignored.
func (m *SectorMap) updateExtent(e mapproxy.Extent, startOfDataSectors, key int64) {
	targetSector := startOfDataSectors
	end := min(e.Sector+e.Length, int64(len(m.Sectors)))

	for i := e.Sector; i < end; i++ {
		s := &m.Sectors[i]
		if s.SeqNo <= e.SeqNo { // Equality because of GC
			m.updateUtilization(key, s)
			s.Sector = targetSector
			s.Key = key
			s.SeqNo = e.SeqNo
			s.Flag = e.Flag
		}
		targetSector++
	}
}

// Returns longest possible extent in the object starting at startSector with
// maximal length length. This means that the extent has the same key and
// sequential number.
func (m *SectorMap) getExtent(startSector, length int64) mapproxy.Extent {
	s := m.Sectors[startSector]
	e := mapproxy.Extent{
		Sector: s.Sector,
		Length: 1,
		SeqNo:  s.SeqNo,
		Flag:   s.Flag,
	}

	for i := startSector + 1; i < int64(len(m.Sectors)) && i < startSector+length; i++ {
		if m.Sectors[i].Key != m.Sectors[i-1].Key ||
			m.Sectors[i].SeqNo != e.SeqNo ||
			m.Sectors[i-1].Sector != m.Sectors[i].Sector-1 {

			break
		}

		e.Length++
	}

	return e
}

// Returns all ObjectParts from which extent starting at sector with length
// length can be reconstructed. Unmapped runs are reported with NotMappedKey.
func (m *SectorMap) Lookup(sector, length int64) []mapproxy.ObjectPart {
	parts := make([]mapproxy.ObjectPart, 0, typicalObjectPartsPerLookup)
	if length <= 0 {
		return parts
	}

	s := m.Sectors[sector].Sector
	l := int64(1)
	for id := sector + 1; id < sector+length; id++ {
		cur, prev := m.Sectors[id], m.Sectors[id-1]
		unmappedRun := cur.Key == mapproxy.NotMappedKey && prev.Key == mapproxy.NotMappedKey

		// The next block is not from the same extent. Store part into
		// the returned value and begin new extent.
		if !unmappedRun && (cur.Key != prev.Key || cur.Sector != prev.Sector+1) {
			parts = append(parts, mapproxy.ObjectPart{Sector: s, Length: l, Key: prev.Key})
			s = cur.Sector
			l = 1
		} else {
			l++
		}
	}

	parts = append(parts, mapproxy.ObjectPart{
		Sector: s,
		Length: l,
		Key:    m.Sectors[sector+length-1].Key,
	})

	return parts
}

// Returns all extents and objectparts starting from sector with length
// length that are stored in any of keys in keys.
func (m *SectorMap) FindExtentsWithKeys(sector, length int64, keys map[int64]struct{}) []mapproxy.ExtentWithObjectPart {
	ci := make([]mapproxy.ExtentWithObjectPart, 0, typicalObjectPartsPerLookup)

	for i := sector; i < sector+length && i < int64(len(m.Sectors)); {
		key := m.Sectors[i].Key
		extent := m.getExtent(i, sector+length-i)
		if _, ok := keys[key]; ok {
			ci = append(ci, mapproxy.ExtentWithObjectPart{
				Extent:     extent,
				ObjectPart: mapproxy.ObjectPart{Sector: i, Key: key},
			})
		}
		i += extent.Length
	}

	return ci
}

// Returns copy of deadObjects. These are objects with no valid data which can
// be deleted.
func (m *SectorMap) DeadObjects() map[int64]struct{} {
	deadObjects := make(map[int64]struct{}, len(m.DeadObjs))
	for k := range m.DeadObjs {
		deadObjects[k] = struct{}{}
	}

	return deadObjects
}

// Return copy of the structure representing the object utilization.
// Utilization is number of non-dead blocks.
func (m *SectorMap) ObjectsUtilization() map[int64]int64 {
	objectUtilization := make(map[int64]int64, len(m.ObjUtilizations))
	for k, v := range m.ObjUtilizations {
		objectUtilization[k] = v
	}

	return objectUtilization
}

// Sets all sequential numbers to zero. Writes issued after a restart start
// counting from one and must win over everything restored.
func (m *SectorMap) ResetSequence() {
	for i := range m.Sectors {
		m.Sectors[i].SeqNo = 0
	}
}

// Returns serialized version of the map with go gobs.
func (m *SectorMap) Serialize() ([]byte, error) {
	var buf bytes.Buffer

	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Deserializes map from buf which was previously serialized by Serialize()
// and returns the first key not used by the map. Sequential numbers are reset.
// The map keeps its allocated length even when the checkpoint was taken with a
// different image size.
func (m *SectorMap) DeserializeAndReturnNextKey(buf []byte) (int64, error) {
	intendedSize := len(m.Sectors)

	var restored SectorMap
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&restored); err != nil {
		return 0, err
	}

	sectors := make([]SectorMetadata, intendedSize)
	n := copy(sectors, restored.Sectors)
	for i := n; i < intendedSize; i++ {
		sectors[i].Key = mapproxy.NotMappedKey
	}

	m.Sectors = sectors
	m.ObjUtilizations = restored.ObjUtilizations
	m.DeadObjs = restored.DeadObjs
	if m.ObjUtilizations == nil {
		m.ObjUtilizations = make(map[int64]int64)
	}
	if m.DeadObjs == nil {
		m.DeadObjs = make(map[int64]struct{})
	}

	m.ResetSequence()

	maxKey := int64(mapproxy.NotMappedKey)
	for _, s := range m.Sectors {
		maxKey = max(maxKey, s.Key)
	}
	for k := range m.ObjUtilizations {
		maxKey = max(maxKey, k)
	}
	for k := range m.DeadObjs {
		maxKey = max(maxKey, k)
	}

	return maxKey + 1, nil
}

// Deletes objects with keys from deadObjects from dead objects.
func (m *SectorMap) DeleteFromDeadObjects(deadObjects map[int64]struct{}) {
	for k := range deadObjects {
		delete(m.DeadObjs, k)
	}
}
