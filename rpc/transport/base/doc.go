// Package base provides the transport logic shared by all byte stream protocols
// (TCP, Unix sockets, QUIC). Protocol packages only supply a connector that
// dials or listens, everything above a net.Conn lives here.
//
// Key Components:
//
//   - IClientConnector/IServerConnector: Interfaces for protocol-specific operations
//     that allow extending the base transport with different network protocols.
//
//   - Conn: A pipelined client connection. Requests are written in call order
//     and one reader goroutine matches every reply to the oldest open request,
//     so the replies of a connection arrive in FIFO order. A request whose
//     caller gave up (context canceled) keeps its slot until its reply has been
//     read and discarded.
//
//   - clientTransport: Manages multiple connections with round-robin load
//     balancing. A connection selects the shard and learns its client id in a
//     handshake after dialing. A blocked read that is canceled is released
//     with CLIENT UNBLOCK sent over a separate connection.
//
//   - serverTransport: Accepts connections and hands each one to the registered
//     handler in its own goroutine. Close ends the listener and all open
//     connections.
//
// Performance Optimizations:
//
//   - Connection Pooling: Multiple connections per endpoint improve throughput
//     for high-load scenarios. For small requests a single pipelined connection
//     is usually enough.
//
//   - Single Write: A request is encoded into a reused buffer and written with
//     one syscall. Pipelining keeps the connection busy without waiting for
//     replies.
//
// Thread Safety:
//
//	All public methods are thread-safe. Conn serializes writers with a mutex
//	while the reader goroutine owns the read side.
package base
