// Package common provides the configuration, logging and command metadata
// shared by the skv client, the command server and the CLI.
//
// Key Components:
//
//   - ServerConfig: configuration of a server node, including the shards it
//     serves, RAFT parameters, listener tuning, the admin endpoint and the
//     snapshot file. Provides utilities for converting to Dragonboat-specific
//     configurations.
//
//   - ClientConfig: configuration for client components, controlling endpoints,
//     connections, pipelining, timeouts and retry behavior.
//
//   - Logger: a zap backed implementation of Dragonboat's logger factory, so
//     dragonboat and skv packages log through the same console encoder.
//
//   - Command table: name, arity and execution flags of every wire command.
//     The server checks arity with it, the client uses the blocking flag.
package common
