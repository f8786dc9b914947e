// Package stream implements the stream object of the keyspace: an append-only
// log of field/value entries addressed by (millisecond, sequence) ids, with
// consumer groups that track delivered but unacknowledged entries.
//
// Entries are kept in nodes of NodeCapacity entries. Range reads binary search
// the nodes, approximate trims drop whole nodes.
//
// Every group keeps its pending entries list (PEL) in a B-tree ordered by id,
// and every consumer keeps an index of its own subset. A pending entry moves
// through these states:
//
//	read (">")        -> pending(consumer, count=1, time=now)
//	read (history)    -> pending(consumer, count+1, time=now)
//	claim             -> pending(newConsumer, count+1, time=now)
//	ack               -> removed
//
// All time arguments are unix milliseconds supplied by the caller, the package
// never reads the wall clock. That keeps replicas applying the same commands
// with the same timestamps identical.
//
// Streams are not safe for concurrent use.
package stream
