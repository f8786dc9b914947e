// Package cmd implements the command-line interface of skv. It provides a
// hierarchical command structure with operations for running the server and
// interacting with it as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts and configures the skv server
//   - hash: Hash commands (hset, hget, hscan, ...)
//   - stream: Stream and consumer group commands (xadd, xreadgroup, xack, ...)
//   - keyspace: Keyspace commands (del, exists, ttl, ...)
//   - perf: Benchmarks a running server
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See skv -help for a list of all commands.
package cmd
