// Package hashtable implements the hash object of the keyspace: a chained,
// power-of-two bucket table with stateless cursor based iteration (HSCAN).
//
// Cursors are opaque uint64 values. 0 starts and ends a scan. A non-zero
// cursor carries the tag of the table that produced it, cursors of other
// tables are rejected with ErrInvalidCursor.
package hashtable
