// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package key

import (
	"sync"
	"testing"
)

func TestCounter(t *testing.T) {
	var c Counter

	if got := c.Current(); got != 0 {
		t.Errorf("Current() = %d, want 0", got)
	}
	if got := c.Next(); got != 0 {
		t.Errorf("Next() = %d, want 0", got)
	}
	if got := c.Current(); got != 1 {
		t.Errorf("Current() = %d, want 1", got)
	}

	c.Replace(40)
	if got := c.Next(); got != 40 {
		t.Errorf("Next() after Replace = %d, want 40", got)
	}
}

func TestCounterUnique(t *testing.T) {
	var (
		c    Counter
		mu   sync.Mutex
		wg   sync.WaitGroup
		seen = make(map[int64]bool)
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				k := c.Next()
				mu.Lock()
				if seen[k] {
					t.Errorf("key %d handed out twice", k)
				}
				seen[k] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if got := c.Current(); got != 800 {
		t.Errorf("Current() = %d, want 800", got)
	}
}
