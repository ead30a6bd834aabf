// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/asch/bs3rbd/internal/backend"
	"github.com/asch/bs3rbd/internal/config"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()

	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("config.Default() error = %v", err)
	}

	cfg.Backend = backend.Memory
	cfg.Size = 16 << 20
	cfg.Write.ChunkSize = 256 << 10
	cfg.GC.Wait = 0
	cfg.SkipCheckpoint = false

	return cfg
}

func openMemory(t *testing.T, cfg config.Config, name string) *Image {
	t.Helper()

	b, err := backend.New(context.Background(), cfg, name)
	if err != nil {
		t.Fatalf("backend.New() error = %v", err)
	}

	img, err := OpenBackend(name, b)
	if err != nil {
		t.Fatalf("OpenBackend() error = %v", err)
	}

	return img
}

func TestMemoryBackend(t *testing.T) {
	cfg := memoryConfig(t)
	img := openMemory(t, cfg, t.Name())
	defer img.Close()

	if got := img.GetSize(); got != uint64(cfg.Size) {
		t.Errorf("GetSize() = %d, want %d", got, cfg.Size)
	}

	// Never written blocks read as zeros.
	got := make([]byte, 8192)
	if _, err := img.Read(1<<20, got); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got, make([]byte, 8192)) {
		t.Error("unwritten range does not read as zeros")
	}

	// Unaligned vectored write larger than one chunk.
	src := make([]byte, 300<<10)
	for i := range src {
		src[i] = byte(i % 251)
	}
	iov := [][]byte{src[:1000], src[1000 : 100<<10], src[100<<10:]}

	c := CreateCompletion(nil, nil)
	if err := img.AioWritev(iov, 777, c); err != nil {
		t.Fatalf("AioWritev() error = %v", err)
	}
	c.WaitForComplete()
	if err := c.Err(); err != nil {
		t.Fatalf("AioWritev() failed: %v", err)
	}
	c.Release()

	dst := make([]byte, len(src))
	if _, err := img.Read(777, dst); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(dst, src) {
		t.Error("read back data differ from written")
	}

	// Bytes around the write are untouched.
	edge := make([]byte, 777)
	if _, err := img.Read(0, edge); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(edge, make([]byte, 777)) {
		t.Error("bytes before the write changed")
	}
}

func TestMemoryBackendOutOfRange(t *testing.T) {
	cfg := memoryConfig(t)
	img := openMemory(t, cfg, t.Name())
	defer img.Close()

	_, err := img.Write(uint64(cfg.Size)-512, make([]byte, 1024))
	if err == nil {
		t.Fatal("Write() beyond the end succeeded")
	}
}

func TestMemoryBackendReopen(t *testing.T) {
	cfg := memoryConfig(t)
	name := t.Name()

	data := bytes.Repeat([]byte("persist"), 1000)

	img := openMemory(t, cfg, name)
	if _, err := img.Write(4096*3+5, data); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := img.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	img = openMemory(t, cfg, name)
	defer img.Close()

	got := make([]byte, len(data))
	if _, err := img.Read(4096*3+5, got); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("data lost after close and open")
	}

	// Writes after the reopen win over restored data.
	if _, err := img.Write(4096*3+5, []byte("new")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	head := make([]byte, 3)
	if _, err := img.Read(4096*3+5, head); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(head) != "new" {
		t.Errorf("Read() = %q, want new", head)
	}
}

func TestOpenUsesConfiguration(t *testing.T) {
	saved := config.Cfg
	t.Cleanup(func() { config.Cfg = saved })

	config.Cfg = memoryConfig(t)

	img, err := Open(context.Background(), t.Name())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer img.Close()

	if img.Name() != t.Name() {
		t.Errorf("Name() = %q, want %q", img.Name(), t.Name())
	}

	info, err := img.Stat()
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Size != uint64(config.Cfg.Size) {
		t.Errorf("Stat().Size = %d, want %d", info.Size, config.Cfg.Size)
	}
}

func TestNullBackend(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Backend = backend.Null

	img := openMemory(t, cfg, t.Name())
	defer img.Close()

	n, err := img.Write(100, make([]byte, 5000))
	if err != nil || n != 5000 {
		t.Errorf("Write() = %d, %v, want 5000, nil", n, err)
	}
}

// Random segment layout with total length at most limit. Roughly every fourth
// segment is empty.
func randomLayout(rng *rand.Rand, limit int) []int {
	lens := make([]int, 1+rng.Intn(8))
	for i := range lens {
		if rng.Intn(4) == 0 {
			continue
		}
		lens[i] = 1 + rng.Intn(limit/len(lens))
	}

	return lens
}

// Segments of the given lengths laid out in one backing array.
func segments(lens []int) [][]byte {
	var total int
	for _, l := range lens {
		total += l
	}

	flat := make([]byte, total)
	iov := make([][]byte, len(lens))
	for i, l := range lens {
		iov[i] = flat[:l:l]
		flat = flat[l:]
	}

	return iov
}

func concat(iov [][]byte) []byte {
	var out []byte
	for _, seg := range iov {
		out = append(out, seg...)
	}

	return out
}

func waitErr(t *testing.T, c *Completion) error {
	t.Helper()

	if err := c.WaitForComplete(); err != nil {
		t.Fatalf("WaitForComplete() error = %v", err)
	}

	return c.Err()
}

func TestVectoredRoundTrip(t *testing.T) {
	cfg := memoryConfig(t)
	img := openMemory(t, cfg, t.Name())
	defer img.Close()

	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 150; i++ {
		lens := randomLayout(rng, 64<<10)
		src := segments(lens)
		for _, seg := range src {
			rng.Read(seg)
		}
		want := concat(src)
		offset := uint64(rng.Int63n(cfg.Size - int64(len(want))))

		t.Run(fmt.Sprintf("%d/%v@%d", i, lens, offset), func(t *testing.T) {
			w := CreateCompletion(nil, nil)
			defer w.Release()

			if err := img.AioWritev(src, offset, w); err != nil {
				t.Fatalf("AioWritev() error = %v", err)
			}
			if err := waitErr(t, w); err != nil {
				t.Fatalf("AioWritev() failed: %v", err)
			}
			if got := w.GetReturnValue(); got != int64(len(want)) {
				t.Fatalf("AioWritev() ret = %d, want %d", got, len(want))
			}

			dst := segments(lens)
			r := CreateCompletion(nil, nil)
			defer r.Release()

			if err := img.AioReadv(dst, offset, r); err != nil {
				t.Fatalf("AioReadv() error = %v", err)
			}
			if err := waitErr(t, r); err != nil {
				t.Fatalf("AioReadv() failed: %v", err)
			}

			for j := range src {
				if !bytes.Equal(dst[j], src[j]) {
					t.Errorf("segment %d of %d bytes differs", j, lens[j])
				}
			}
		})
	}
}

func TestConcurrentWritesInOneBlock(t *testing.T) {
	img := openMemory(t, memoryConfig(t), t.Name())
	defer img.Close()

	const (
		writers = 64
		piece   = 64
		base    = 3 * 4096
	)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		i := i // per-iteration copy; go directive is 1.21
		go func() {
			defer wg.Done()

			buf := bytes.Repeat([]byte{byte(i + 1)}, piece)
			if _, err := img.Write(uint64(base+i*piece), buf); err != nil {
				t.Errorf("Write() of piece %d error = %v", i, err)
			}
		}()
	}
	wg.Wait()

	got := make([]byte, writers*piece)
	if _, err := img.Read(base, got); err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	for i := 0; i < writers; i++ {
		if !bytes.Equal(got[i*piece:(i+1)*piece], bytes.Repeat([]byte{byte(i + 1)}, piece)) {
			t.Errorf("piece %d was lost", i)
		}
	}
}
