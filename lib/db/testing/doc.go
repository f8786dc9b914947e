// Package testing provides standardised tests and benchmarks for
// keyspace implementations that satisfy the db.KVDB interface.
//
// The suite checks the contract every store relies on: atomic Update and
// View callbacks, removal by returning nil, expiry deadlines on the logical
// clock, a monotonic write index and Save/Load round trips for hash and
// stream objects.
//
// Example usage:
//
//	factory := func() db.KVDB {
//		return NewMyDatabase()
//	}
//
//	dbtesting.RunKVDBTests(t, "MyDatabase", factory)
//	dbtesting.RunKVDBBenchmarks(b, "MyDatabase", factory)
package testing
