// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package key provides synchronized access to the object key counter of one
// bs3 engine.
package key

import (
	"sync"
)

// Counter hands out object keys in a continuous sequence. The zero value
// starts at key 0.
type Counter struct {
	mutex sync.Mutex
	key   int64
}

// Returns value of currently unassigned key. It is forbidden to use this key
// for creating a new object without calling Next(). I.e. this key can be used
// for the next object.
func (c *Counter) Current() int64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.key
}

// Returns value of currently unassigned key and increments, hence the counter
// contains unassigned key again.
func (c *Counter) Next() int64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	tmp := c.key
	c.key++

	return tmp
}

// Replaces the value of the next unassigned key.
func (c *Counter) Replace(newKey int64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.key = newKey
}
