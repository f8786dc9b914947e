// Package lstore implements a single node store.IStore on top of a db.KVDB.
//
// Commands run directly against the database through the ops package and are
// stamped with a store.Clock (the wall clock unless NewLocalStoreWithClock is
// used). Before a read the write index of the database is moved to the
// current time, so keys whose deadline passed are invisible even before the
// garbage collector removes them.
//
// Blocked XREAD and XREADGROUP calls wait on a store.KeyNotifier that is
// notified by XADD, XGROUP DESTROY, XGROUP SETID and key deletion.
//
// The store also implements store.Persister, the server uses it to write the
// shard to a snapshot file at shutdown and to restore it at start.
//
// Usage Example:
//
//	factory := func() db.KVDB { return maple.NewMapleDB(nil) }
//	s := lstore.NewLocalStore(factory)
//
//	created, err := s.HSet("user:1", []db.FieldValue{{Field: "name", Value: []byte("ada")}})
//	id, _, err := s.XAdd("events", store.XAddArgs{ID: stream.AutoID, Fields: fields})
//
// For a shard replicated over several nodes use the dstore package, which
// implements the same interface on top of RAFT.
package lstore
