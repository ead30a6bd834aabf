// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

// Backend is the storage engine port. Buffers are single contiguous regions
// and Read and Write are asynchronous: a nil error means the request was
// accepted and done will be called exactly once, from a goroutine the client
// does not control, with the number of bytes transferred or an error.
//
// The image never calls Read or Write after Close.
type Backend interface {
	Open() error
	Close() error
	Stat() (size, objectSize uint64, err error)
	Read(offset uint64, buf []byte, done func(n int, err error)) error
	Write(offset uint64, buf []byte, done func(n int, err error)) error
}
