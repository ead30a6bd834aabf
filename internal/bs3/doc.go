// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// bs3 is a log-structured block storage engine on top of an object store.
// Every write chunk becomes a new object and the extent map keeps the
// mapping between the logical block space and the objects. The map is
// checkpointed to the object store on stop and rebuilt from the checkpoint
// and the objects uploaded after it on start.
//
// bs3 defines two interfaces. One for the extent map and one for the object
// store operations. These two parts can be trivially changed just by
// implementing corresponding interface.
package bs3
