// Package transport defines the contract between the skv client, the command
// server and the byte stream transports (tcp, unix sockets, quic) they run on.
//
// Key Components:
//
//   - IRPCClientTransport: pipelined client side. Do returns a complete reply,
//     Stream returns the elements of an array reply as they arrive.
//
//   - IRPCServerTransport: accepts connections and passes each one to a
//     ServerConnHandler, which speaks RESP on it.
//
//   - ErrNotSent and ErrConnectionClosed: the only two transport failures a
//     caller has to tell apart. A request that failed with ErrNotSent never
//     reached the server and may be retried, every other failure may have
//     been executed.
package transport
