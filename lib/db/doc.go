// Package db defines the keyspace interface the stores run their commands against.
//
// A keyspace maps string keys to typed objects (hashes and streams). The KVDB
// interface exposes them through two callbacks: Update for atomic
// read-modify-write of one key and View for consistent reads. Objects never
// leave these callbacks, so a single key is always mutated by one writer at a
// time without any global lock.
//
// Note on time:
//   - All write operations take a write-index, a logical timestamp in unix
//     milliseconds. It is the clock expiry deadlines are measured against.
//   - The write-index only increases. Lower values are ignored, which keeps
//     replicas that apply the same commands in the same order deterministic.
//   - Reads do not take an index, they use the last index set through a write
//     or through SetWriteIdx.
//
// Note on garbage collection:
//   - Expired keys are invisible to every read as soon as the write-index
//     passes their deadline, even if they are still held in memory.
//   - Implementations remove them in the background.
//
// The engines/maple package provides the sharded in-memory implementation.
// The testing package provides a conformance suite (RunKVDBTests) and
// benchmarks (RunKVDBBenchmarks) every implementation should pass.
package db
