// Package maple implements the keyspace (db.KVDB) with sharding and a
// background garbage collector for expiring keys.
//
// Key Components:
//
//   - mapleImpl: The central database structure implementing db.KVDB. It manages shards,
//     coordinates garbage collection and keeps a monotonically increasing write index.
//     The write index is a logical clock in milliseconds. The database does not read the
//     wall clock itself: the local store passes the current time, the replicated store the
//     timestamp stamped on each command. That way replicas expire the same keys at the
//     same logical time.
//
//   - Shard: A partition of the keyspace. Each shard contains an xsync.MapOf with the
//     entries, a priority queue of expiry deadlines and an event queue. Keys are hashed
//     with a database-specific seed and the higher bits pick the shard.
//
//   - Entry: A typed object (hash or stream) plus its expiry deadline and the write
//     index of its last change.
//
// Objects are mutable. Update and View run their callback inside xsync's Compute, so
// a callback has exclusive access to the object while it runs and commands on the same
// key are serialized without a store-level lock.
//
// Expiry:
//
//   - An entry whose deadline is <= the current write index is invisible: Update and
//     View pass nil to their callbacks, Has reports false. This holds even if the gc has
//     not collected the entry yet.
//
//   - Update preserves the deadline of an entry it keeps. Writing to an expired key
//     creates a fresh entry without deadline.
//
// Garbage Collection:
//
//   - Every shard runs one gc goroutine that owns the shard's expiry heap, so the heap
//     needs no locks. Writers push events (deadline set, key removed) to the shard's
//     lock-free MPSC queue, the gc applies them to the heap.
//
//   - Every gc interval the goroutine pops all deadlines that passed and removes the
//     entries, after double-checking them under the bucket lock since a key may have
//     been rewritten in the meantime.
//
// Persistence Format:
//  1. Magic number "MAPLEDB\x00"
//  2. Version number (currently 4)
//  3. Database seed
//  4. Write index at the time of the snapshot
//  5. Number of entries
//  6. For each entry: key length, key, object type, expiry deadline, index, data length,
//     object data (MarshalBinary of the object)
//
// Save serializes each object under its bucket lock but does not stop writers, so the
// snapshot is not a consistent cut across keys. The replicated store only saves from the
// state machine, where no writes run concurrently.
package maple
