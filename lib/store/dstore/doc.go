// Package dstore implements a shard replicated with the Dragonboat RAFT
// consensus library. It provides a strongly consistent implementation of the
// store.IStore interface that can operate across multiple nodes.
//
// Architecture:
//
// The dstore implementation consists of three main components:
//
//   - Store Client: Implements the store.IStore interface. Writes are encoded
//     into commands and proposed to the shard, reads are sent to the local
//     state machine as queries.
//
//   - State Machine: A Dragonboat IConcurrentStateMachine that owns a db.KVDB
//     and runs commands and queries through the ops package, the same code the
//     local store uses.
//
//   - Communication Protocol: Defined in the internal package. Commands are
//     msgpack encoded into the RAFT log, results travel back in the raft result.
//
// Write Operations:
//
//	Hash writes, stream appends, trims, group operations, XREADGROUP (it changes
//	the pending lists) and key deletion or expiry follow this flow:
//
//	1. The command is stamped with the time of the proposing node
//	2. It is proposed to the shard via SyncPropose
//	3. Once committed, every replica applies it (Update in statemachine.go)
//	   with the stamped time, so automatic stream ids, delivery times and
//	   expiry deadlines are the same everywhere
//	4. The RetCode and the encoded result are returned to the caller
//
// Read Operations:
//
//   - Linearizable Reads: By default, reads use SyncRead which ensures that the node
//     processing the read has applied all committed log entries locally before processing
//     the request.
//
//   - Stale Reads: GetDBInfo uses StaleRead, which may return slightly
//     outdated information but with lower latency.
//
//	Reads never change the state machine. A key whose deadline passed is
//	reported with a TTL of 0 until the next write to the shard removes it.
//
// Blocking Reads:
//
//	State machines and stores of the same shard share a store.KeyNotifier
//	inside the process. A blocked XREAD or XREADGROUP registers for its keys
//	and is woken when any local replica applies a write to one of them, then
//	retries the read. A blocked XREADGROUP proposes one command per attempt.
//
// Error Handling and Retries:
//
//   - System Busy: When Dragonboat returns ErrSystemBusy, the operation is retried
//     after a short delay, up to 5 attempts.
//
//   - Timeouts: All operations have a configurable timeout. If consensus cannot be
//     reached within this period, the operation fails with an internal error.
//
//   - Feature Compatibility: Before applying a command, the state machine verifies
//     that the underlying db.KVDB implementation supports the required feature.
//
// Snapshotting and Recovery:
//
//	Snapshots are fuzzy and written with the Save method of the db.KVDB, which
//	includes hashes, streams, consumer groups and pending lists. On recovery
//	the snapshot is loaded and the log entries committed after it are replayed.
//
// Usage:
//
//	nh, err := dragonboat.NewNodeHost(nodeHostConfig)
//	if err != nil { ... }
//
//	dbFactory := func() db.KVDB { return maple.NewMapleDB(nil) }
//
//	err = nh.StartConcurrentReplica(
//	    clusterMembers,
//	    false,
//	    dstore.CreateStateMaschineFactory(dbFactory),
//	    shardConfig)
//	if err != nil { ... }
//
//	s := dstore.NewDistributedStore(nh, shardID, 5*time.Second)
//
// For scenarios where distributed consensus is not required, consider using the simpler
// and faster lstore package, which implements the same interface on a single node.
package dstore
