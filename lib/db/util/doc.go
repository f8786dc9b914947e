// Package util provides the building blocks shared by the keyspace engines
// and the client transport.
//
// The package contains:
//   - functions: seeded FNV hashing, shard selection and power-of-two helpers
//   - mapheap: a generic min-heap with key-based access, used to track expiry deadlines
//   - lockfreempsc: an unbounded lock-free Multi-Producer Single-Consumer queue
//     delivering values on a channel, used for GC events and in-flight request FIFOs
//   - statistics: summary statistics and a size histogram reported by INFO
package util
