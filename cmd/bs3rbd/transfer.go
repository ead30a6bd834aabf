// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/asch/bs3rbd/internal/config"
	"github.com/asch/bs3rbd/rbd"
)

// Size of one request issued by import and export.
const transferSize = 256 * rbd.ObjectSize

var importCmd = &cobra.Command{
	Use:   "import <file> <image>",
	Short: "Copy a raw file into an image",
	Long: `Copy a raw disk file into the image starting at offset 0. Use - to read
from standard input. Up to rbd.queue_depth writes are in flight.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}

		img, err := rbd.Open(cmd.Context(), args[1])
		if err != nil {
			return err
		}
		defer img.Close()

		n, err := importImage(cmd.Context(), img, in, config.Cfg.Rbd.QueueDepth)
		log.Info().Uint64("bytes", n).Str("image", args[1]).Msg("Import finished.")

		return err
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <image> <file>",
	Short: "Copy an image into a raw file",
	Long:  `Copy the whole image into a raw disk file. Use - to write to standard output.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		img, err := rbd.Open(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer img.Close()

		out := os.Stdout
		if args[1] != "-" {
			f, err := os.Create(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}

		n, err := exportImage(cmd.Context(), img, out)
		log.Info().Uint64("bytes", n).Str("image", args[0]).Msg("Export finished.")

		return err
	},
}

// Writes r into img with at most depth writes in flight. Returns the number
// of bytes read from r. On failure the writes already issued still finish
// before it returns.
func importImage(ctx context.Context, img *rbd.Image, r io.Reader, depth int) (uint64, error) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		offset   uint64
	)

	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	failed := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstErr != nil
	}

	size := img.GetSize()
	slots := make(chan struct{}, max(depth, 1))

	for !failed() {
		if err := ctx.Err(); err != nil {
			fail(err)
			break
		}

		buf := make([]byte, transferSize)
		n, readErr := io.ReadFull(r, buf)

		if n > 0 {
			if offset+uint64(n) > size {
				fail(fmt.Errorf("input larger than image of %d bytes", size))
				break
			}

			slots <- struct{}{}
			wg.Add(1)

			c := rbd.CreateCompletion(offset, func(c *rbd.Completion, arg any) {
				if err := c.Err(); err != nil {
					fail(fmt.Errorf("write at %d: %w", arg.(uint64), err))
				}
				c.Release()
				<-slots
				wg.Done()
			})

			if err := img.AioWrite(offset, buf[:n], c); err != nil {
				c.Release()
				<-slots
				wg.Done()
				fail(err)
				break
			}

			offset += uint64(n)
		}

		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			fail(readErr)
		}
	}

	wg.Wait()

	return offset, firstErr
}

// Reads the whole img into w. Returns the number of bytes written to w.
func exportImage(ctx context.Context, img *rbd.Image, w io.Writer) (uint64, error) {
	size := img.GetSize()
	buf := make([]byte, transferSize)

	var offset uint64
	for offset < size {
		if err := ctx.Err(); err != nil {
			return offset, err
		}

		chunk := buf[:min(uint64(len(buf)), size-offset)]

		n, err := img.Read(offset, chunk)
		if err != nil {
			return offset, fmt.Errorf("read at %d: %w", offset, err)
		}

		if _, err := w.Write(chunk[:n]); err != nil {
			return offset, err
		}

		offset += uint64(n)
	}

	return offset, nil
}
