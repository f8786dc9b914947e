// Package internal provides the structures exchanged between the dstore
// client and its RAFT state machine.
//
// This package is intended for internal use by the dstore implementation and should
// not be imported directly by external code.
//
//   - Command: a write operation. Commands are encoded with msgpack, proposed to
//     the shard and stored in the RAFT log, then applied by every replica. Each
//     command carries the time of the proposing node, so automatic stream ids,
//     delivery times and expiry deadlines are identical on all replicas.
//
//   - Result: the outcome of a command. The RetCode travels in the Value of the
//     raft result, a successful outcome is msgpack encoded into its Data and
//     the message of a failed one is stored there as text.
//
//   - Query: a read operation. Queries are executed by the local state machine
//     and are never serialized.
package internal
