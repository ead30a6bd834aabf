// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package mapproxy_test

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/asch/bs3rbd/internal/bs3/mapproxy"
	"github.com/asch/bs3rbd/internal/bs3/mapproxy/sectormap"
)

func TestProxyConcurrentUpdates(t *testing.T) {
	p := mapproxy.New(sectormap.New(64))
	defer p.Stop()

	var wg sync.WaitGroup
	for k := int64(0); k < 8; k++ {
		wg.Add(1)
		k := k // per-iteration copy; go directive is 1.21
		go func() {
			defer wg.Done()
			p.Update([]mapproxy.Extent{{Sector: k * 8, Length: 8, SeqNo: k + 1}}, 1, k)
		}()
	}

	// Low priority requests interleave with the updates.
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.ObjectsUtilization()
		p.DeadObjects()
	}()

	wg.Wait()

	want := map[int64]int64{}
	for k := int64(0); k < 8; k++ {
		want[k] = 8
	}
	if diff := cmp.Diff(want, p.ObjectsUtilization()); diff != "" {
		t.Errorf("ObjectsUtilization() mismatch (-want +got):\n%s", diff)
	}

	got := p.Lookup(8, 8)
	wantParts := []mapproxy.ObjectPart{{Sector: 1, Length: 8, Key: 1}}
	if diff := cmp.Diff(wantParts, got); diff != "" {
		t.Errorf("Lookup() mismatch (-want +got):\n%s", diff)
	}
}

func TestProxyRestore(t *testing.T) {
	src := mapproxy.New(sectormap.New(16))
	src.Update([]mapproxy.Extent{{Sector: 0, Length: 2, SeqNo: 1}}, 1, 4)

	buf, err := src.Serialize()
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	src.Stop()

	dst := mapproxy.New(sectormap.New(16))
	defer dst.Stop()

	next, err := dst.Restore(buf)
	if err != nil || next != 5 {
		t.Fatalf("Restore() = %d, %v, want 5, nil", next, err)
	}

	// Restored blocks have sequence 0, any new write wins.
	dst.Update([]mapproxy.Extent{{Sector: 0, Length: 1, SeqNo: 1}}, 1, 5)

	want := []mapproxy.ObjectPart{
		{Sector: 1, Length: 1, Key: 5},
		{Sector: 2, Length: 1, Key: 4},
	}
	if diff := cmp.Diff(want, dst.Lookup(0, 2)); diff != "" {
		t.Errorf("Lookup() mismatch (-want +got):\n%s", diff)
	}
}

func TestProxyDeadObjects(t *testing.T) {
	p := mapproxy.New(sectormap.New(8))
	defer p.Stop()

	p.Update([]mapproxy.Extent{{Sector: 0, Length: 2, SeqNo: 1}}, 1, 0)
	p.Update([]mapproxy.Extent{{Sector: 0, Length: 2, SeqNo: 2}}, 1, 1)

	dead := p.DeadObjects()
	if _, ok := dead[0]; !ok || len(dead) != 1 {
		t.Fatalf("DeadObjects() = %v, want {0}", dead)
	}

	p.DeleteDeadObjects(dead)
	if got := p.DeadObjects(); len(got) != 0 {
		t.Errorf("DeadObjects() after delete = %v, want none", got)
	}

	ext := p.ExtentsInObjects(0, 8, map[int64]struct{}{1: {}})
	if len(ext) != 1 || ext[0].Extent.Length != 2 {
		t.Errorf("ExtentsInObjects() = %+v, want one extent of 2 blocks", ext)
	}
}
