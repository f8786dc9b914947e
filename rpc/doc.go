// Package rpc provides the network layer of skv. It carries the hash, stream
// and keyspace commands between clients and the server over a RESP wire
// protocol.
//
// The package is organized into several subpackages:
//
//   - codec: RESP encoding and decoding of commands and replies.
//
//   - common: Configuration structures, the command table and logging shared
//     by client and server.
//
//   - transport: Network communication abstractions with pluggable implementations
//     (TCP, Unix sockets, QUIC) and a pipelined connection on top of them.
//
//   - client: Typed client for all commands. Multi-element replies are returned
//     as lazy iterators.
//
//   - server: Command server that dispatches requests to the store of the
//     selected shard, including blocking reads and an admin metrics endpoint.
package rpc
