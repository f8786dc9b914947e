// Package ops implements the hash, stream and keyspace commands on top of a
// db.KVDB. The local store calls it directly, the replicated store calls it
// from the raft state machine, so both apply identical semantics.
//
// Every command touches one key inside one Update or View callback of the
// keyspace, which makes it atomic per key. Values leaving the package are
// copies. Commands that depend on time take the command time in unix ms.
package ops
