// Package tcp implements the TCP transport of the skv command protocol. It
// provides the base package's connectors for TCP sockets: dialing and
// listening, plus the socket options of the client and server configuration
// (no delay, buffer sizes, keep-alive, linger).
//
// All pipelining, connection pooling and request correlation is inherited
// from the base package.
package tcp
