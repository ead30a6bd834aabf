// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package memstore implements ObjectUploadDownloaderAt in memory. Objects
// live as long as the Store, which makes it suitable for tests and for
// scratch images that do not need to survive the process.
package memstore

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Store keeps objects in a map guarded by a read write lock. Uploaded buffers
// are copied, the caller may reuse them.
type Store struct {
	mutex   sync.RWMutex
	objects map[int64][]byte
}

func New() *Store {
	return &Store{objects: make(map[int64][]byte)}
}

func (s *Store) Upload(key int64, buf []byte) error {
	obj := make([]byte, len(buf))
	copy(obj, buf)

	s.mutex.Lock()
	s.objects[key] = obj
	s.mutex.Unlock()

	return nil
}

func (s *Store) DownloadAt(key int64, buf []byte, offset int64) error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return fmt.Errorf("object %d: %w", key, unix.ENOENT)
	}

	if offset < 0 || offset+int64(len(buf)) > int64(len(obj)) {
		return fmt.Errorf("object %d range %d+%d beyond %d: %w", key, offset, len(buf), len(obj), unix.EINVAL)
	}

	copy(buf, obj[offset:])

	return nil
}

func (s *Store) GetObjectSize(key int64) (int64, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return 0, fmt.Errorf("object %d: %w", key, unix.ENOENT)
	}

	return int64(len(obj)), nil
}

func (s *Store) DeleteKeyAndSuccessors(fromKey int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for k := range s.objects {
		if k >= fromKey {
			delete(s.objects, k)
		}
	}

	return nil
}

// Len returns the number of stored objects, the checkpoint included.
func (s *Store) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.objects)
}
