// Package unix implements the skv command protocol over Unix domain sockets,
// for clients running on the same machine as the server.
//
// This package extends the base transport layer with Unix socket-specific connectors
// while inheriting all core functionality like pipelining, connection pooling
// and error handling from the base package.
//
// Key Components:
//
//   - clientConnector: Establishes connections using Unix domain sockets
//
//   - serverConnector: Creates Unix socket listeners (removing a stale socket
//     file first) and accepts connections
package unix
