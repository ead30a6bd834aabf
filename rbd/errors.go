// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// RbdError is a negative errno value. It is the only failure channel of the
// package: synchronous calls return it as an error and completions store it
// as their return value.
type RbdError int

func (e RbdError) Error() string {
	return fmt.Sprintf("rbd: ret=%d, %s", int(e), unix.Errno(-e).Error())
}

const (
	// Returned by resize, snapshots and encryption without touching the
	// backend.
	ErrNotSupported = RbdError(-int(unix.EOPNOTSUPP))

	// The image was closed, no more operations are accepted.
	ErrImageClosed = RbdError(-int(unix.ESHUTDOWN))

	// The completion was released and must not be used anymore.
	ErrReleased = RbdError(-int(unix.EBADF))

	// The completion already drives another operation.
	ErrInUse = RbdError(-int(unix.EBUSY))

	// Return value of a completion which is not resolved yet.
	ErrInProgress = RbdError(-int(unix.EINPROGRESS))

	// The backend transferred a different number of bytes than requested.
	ErrShortIO = RbdError(-int(unix.EIO))
)

// Converts an error reported by the backend into a return value. RbdError
// passes unchanged, errno values are negated and anything else becomes EIO.
func errorCode(err error) int64 {
	var rbdErr RbdError
	if errors.As(err, &rbdErr) {
		return int64(rbdErr)
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int64(errno)
	}

	return -int64(unix.EIO)
}
