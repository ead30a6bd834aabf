// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package rbd is a librbd style client for images stored by a bs3 engine.
// It offers synchronous and asynchronous reads and writes on top of a
// Backend that only accepts single contiguous buffers and resolves requests
// on its own goroutines.
//
// Every asynchronous operation is driven by a Completion. The caller creates
// it, issues exactly one operation with it, waits or gets called back, reads
// the return value and releases it. Vectored operations with more than one
// segment are staged through a buffer owned by the completion. Synchronous
// Read and Write are the asynchronous calls followed by a wait.
//
// Image management beyond open, close and stat is answered locally: create
// and remove always succeed, resize, snapshots and encryption return
// ErrNotSupported, flush resolves immediately and discard writes zeros.
package rbd
