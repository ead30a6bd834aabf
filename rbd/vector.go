// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

// The backend only understands one contiguous buffer per request. Vectored
// requests with more than one segment are staged in a buffer owned by the
// completion: writes copy the segments in before the request is issued,
// reads copy them out when the request resolves. A single segment is passed
// to the backend as it is.

// AioReadv reads into the segments of iov, in order, starting at offset. The
// segments must stay alive and untouched until c is resolved.
func (img *Image) AioReadv(iov [][]byte, offset uint64, c *Completion) error {
	if len(iov) == 1 {
		return img.AioRead(offset, iov[0], c)
	}

	if err := c.begin(); err != nil {
		return err
	}

	length := iovLength(iov)
	if length == 0 {
		return img.resolveNow(c)
	}

	c.staging = make([]byte, length)
	c.scatter = iov
	c.length = length

	return img.submit(opRead, offset, c.staging, c)
}

// AioWritev writes the segments of iov, in order and without gaps, starting
// at offset. The segments are copied before AioWritev returns unless there
// is only one, which must then stay untouched until c is resolved.
func (img *Image) AioWritev(iov [][]byte, offset uint64, c *Completion) error {
	if len(iov) == 1 {
		return img.AioWrite(offset, iov[0], c)
	}

	if err := c.begin(); err != nil {
		return err
	}

	length := iovLength(iov)
	if length == 0 {
		return img.resolveNow(c)
	}

	c.staging = gather(iov, length)
	c.length = length

	return img.submit(opWrite, offset, c.staging, c)
}

// AioWriteZeroes writes length zero bytes at offset. Flags are accepted for
// compatibility and ignored, the extent is always written.
func (img *Image) AioWriteZeroes(offset, length uint64, c *Completion, zeroFlags, opFlags int) error {
	if err := c.begin(); err != nil {
		return err
	}

	if length == 0 {
		return img.resolveNow(c)
	}

	c.staging = make([]byte, length)
	c.length = int(length)

	return img.submit(opWrite, offset, c.staging, c)
}

// AioDiscard is implemented as AioWriteZeroes. The backend cannot unmap
// blocks, so discarded space stays allocated and reads back as zeros.
func (img *Image) AioDiscard(offset, length uint64, c *Completion) error {
	return img.AioWriteZeroes(offset, length, c, 0, 0)
}

func iovLength(iov [][]byte) int {
	var length int
	for _, seg := range iov {
		length += len(seg)
	}

	return length
}

// Copies all segments into one buffer, segment 0 first.
func gather(iov [][]byte, length int) []byte {
	buf := make([]byte, 0, length)
	for _, seg := range iov {
		buf = append(buf, seg...)
	}

	return buf
}

// Copies buf into the segments in order. Returns the number of bytes copied.
func scatter(buf []byte, iov [][]byte) int {
	var copied int
	for _, seg := range iov {
		n := copy(seg, buf)
		buf = buf[n:]
		copied += n
	}

	return copied
}
