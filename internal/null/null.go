// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Null package does nothing but correctly.
package null

// Null implementation of BuseReadWriter. Useful for measuring the overhead of
// the rbd client, the port and the block adapter without any storage behind
// them. Writes are acknowledged and dropped, reads leave the buffer as it is.
type Null struct{}

func New() *Null {
	return &Null{}
}

func (n *Null) BuseWrite(writes int64, chunk []byte) error {
	return nil
}

func (n *Null) BuseRead(sector, length int64, chunk []byte) error {
	return nil
}

func (n *Null) BusePreRun() {
}

func (n *Null) BusePostRemove() {
}
