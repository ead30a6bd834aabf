// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package main

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/asch/bs3rbd/rbd"
)

var (
	benchRequests int
	benchSegments int
	benchDepth    int
)

var benchCmd = &cobra.Command{
	Use:   "bench <image>",
	Short: "Measure vectored asynchronous I/O",
	Long: `Write requests made of several segments with aio_writev, read them back
with aio_readv using a different segmentation and verify the content.

The image content in the benchmarked range is overwritten.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		img, err := rbd.Open(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer img.Close()

		b := bench{
			img:      img,
			requests: benchRequests,
			segments: max(benchSegments, 2),
			depth:    max(benchDepth, 1),
		}

		return b.run(cmd.Context())
	},
}

func init() {
	benchCmd.Flags().IntVarP(&benchRequests, "requests", "n", 1024, "number of requests in each phase")
	benchCmd.Flags().IntVarP(&benchSegments, "segments", "s", 4, "segments per write request")
	benchCmd.Flags().IntVarP(&benchDepth, "depth", "d", 32, "requests in flight")
}

type bench struct {
	img      *rbd.Image
	requests int
	segments int
	depth    int
}

// Size of one request. Every request covers segments objects.
func (b *bench) requestSize() uint64 {
	return uint64(b.segments) * rbd.ObjectSize
}

func (b *bench) run(ctx context.Context) error {
	if limit := b.img.GetSize() / b.requestSize(); uint64(b.requests) > limit {
		b.requests = int(limit)
	}

	start := time.Now()
	if err := b.phase(ctx, b.write); err != nil {
		return fmt.Errorf("write phase: %w", err)
	}
	b.report("write", time.Since(start))

	start = time.Now()
	if err := b.phase(ctx, b.read); err != nil {
		return fmt.Errorf("read phase: %w", err)
	}
	b.report("read", time.Since(start))

	return nil
}

func (b *bench) report(phase string, elapsed time.Duration) {
	total := float64(uint64(b.requests)*b.requestSize()) / (1 << 20)

	log.Info().
		Int("requests", b.requests).
		Dur("elapsed", elapsed).
		Float64("MiB/s", total/elapsed.Seconds()).
		Msgf("Benchmark %s phase finished.", phase)
}

// Issues requests 0..requests-1 with op, keeping depth of them in flight, and
// returns the first failure.
func (b *bench) phase(ctx context.Context, op func(i int, results chan<- error) error) error {
	results := make(chan error, b.depth)

	var issued, finished int
	var firstErr error

	for finished < b.requests {
		for issued < b.requests && issued-finished < b.depth && firstErr == nil {
			if err := ctx.Err(); err != nil {
				firstErr = err
				break
			}
			if err := op(issued, results); err != nil {
				firstErr = err
				break
			}
			issued++
		}

		if finished == issued {
			break
		}

		if err := <-results; err != nil && firstErr == nil {
			firstErr = err
		}
		finished++
	}

	return firstErr
}

// Request i is filled with byte i so misplaced data is detected on read.
func (b *bench) pattern(i int) []byte {
	return bytes.Repeat([]byte{byte(i)}, int(b.requestSize()))
}

func (b *bench) write(i int, results chan<- error) error {
	data := b.pattern(i)

	iov := make([][]byte, b.segments)
	for s := range iov {
		iov[s] = data[s*rbd.ObjectSize : (s+1)*rbd.ObjectSize]
	}

	c := rbd.CreateCompletion(nil, func(c *rbd.Completion, _ any) {
		results <- c.Err()
		c.Release()
	})

	if err := b.img.AioWritev(iov, uint64(i)*b.requestSize(), c); err != nil {
		c.Release()
		return err
	}

	return nil
}

// Reads request i back in segments half the size of the written ones.
func (b *bench) read(i int, results chan<- error) error {
	buf := make([]byte, b.requestSize())

	half := rbd.ObjectSize / 2
	iov := make([][]byte, 0, 2*b.segments)
	for off := 0; off < len(buf); off += half {
		iov = append(iov, buf[off:off+half])
	}

	want := b.pattern(i)
	c := rbd.CreateCompletion(i, func(c *rbd.Completion, arg any) {
		err := c.Err()
		if err == nil && !bytes.Equal(buf, want) {
			err = fmt.Errorf("request %d read back different data", arg.(int))
		}
		results <- err
		c.Release()
	})

	if err := b.img.AioReadv(iov, uint64(i)*b.requestSize(), c); err != nil {
		c.Release()
		return err
	}

	return nil
}
