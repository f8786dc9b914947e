// Package store defines the command surface the server runs against a shard:
// hash commands, stream commands with consumer groups and a few keyspace
// commands, together with the error codes shared by all implementations.
//
// Key Components:
//
//   - IStore Interface: the operations of one shard. Implementations return
//     nil or a *Error, values handed out are copies.
//
//   - Error System: every failure carries a RetCode. On the wire an error is
//     written as "<PREFIX> <message>" (WRONGTYPE, NOGROUP, ...) and ParseError
//     restores the code on the client side, so errors.Is(err, ErrNoSuchGroup)
//     works on both ends of a connection.
//
//   - Clock: the command time in unix milliseconds. It stamps automatic stream
//     ids, the idle times of pending entries and key expiry.
//
//   - KeyNotifier and BlockingRead: blocked XREAD and XREADGROUP calls register
//     for their stream keys and are woken by writes to them.
//
// Implementations:
//
//   - lstore: a single node store, commands run directly against a db.KVDB.
//   - dstore: a shard replicated with RAFT (dragonboat). Writes are proposed
//     to the log, reads go through the state machine.
//
// Both implementations use the ops package for the command semantics, so a
// command behaves the same on either kind of shard.
package store
