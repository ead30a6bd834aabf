// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package objproxy_test

import (
	"bytes"
	"sync"
	"testing"

	"github.com/asch/bs3rbd/internal/bs3/objproxy"
	"github.com/asch/bs3rbd/internal/bs3/objproxy/memstore"
)

func TestProxy(t *testing.T) {
	p := objproxy.New(memstore.New(), 4, 4)
	defer p.Stop()

	var wg sync.WaitGroup
	for i := int64(0); i < 32; i++ {
		wg.Add(1)
		i := i // per-iteration copy; go directive is 1.21
		go func() {
			defer wg.Done()

			if err := p.Upload(i, bytes.Repeat([]byte{byte(i)}, 64), i%2 == 0); err != nil {
				t.Errorf("Upload(%d) error = %v", i, err)
			}
		}()
	}
	wg.Wait()

	for i := int64(0); i < 32; i++ {
		got := make([]byte, 16)
		if err := p.Download(i, got, 48, i%3 == 0); err != nil {
			t.Fatalf("Download(%d) error = %v", i, err)
		}
		if !bytes.Equal(got, bytes.Repeat([]byte{byte(i)}, 16)) {
			t.Errorf("Download(%d) returned wrong content", i)
		}
	}
}

func TestProxyStopped(t *testing.T) {
	p := objproxy.New(memstore.New(), 1, 1)
	p.Stop()
	p.Stop()

	if err := p.Upload(0, []byte{1}, true); err != objproxy.ErrStopped {
		t.Errorf("Upload() after Stop = %v, want %v", err, objproxy.ErrStopped)
	}
	if err := p.Download(0, make([]byte, 1), 0, false); err != objproxy.ErrStopped {
		t.Errorf("Download() after Stop = %v, want %v", err, objproxy.ErrStopped)
	}
}
