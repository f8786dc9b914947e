package transport

import (
	"context"
	"errors"
	"net"

	"github.com/ValentinKolb/skv/rpc/codec"
	"github.com/ValentinKolb/skv/rpc/common"
)

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// ErrConnectionClosed is wrapped by every error that ended a connection.
	// Requests that were written before it occurred may or may not have been executed.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrNotSent is wrapped by errors of requests that never reached the wire.
	// Only those requests are safe to retry.
	ErrNotSent = errors.New("request not sent")
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerConnHandler serves one accepted connection. It returns when the
// connection is done, the transport closes it afterwards.
type ServerConnHandler func(conn net.Conn)

// IRPCServerTransport accepts connections and hands each of them to the registered handler
type IRPCServerTransport interface {
	// RegisterHandler registers the handler for accepted connections
	RegisterHandler(handler ServerConnHandler)
	// Listen starts the transport and blocks until it is closed
	Listen(config common.ServerConfig) error
	// Addr returns the listen address once Listen is running (nil before)
	Addr() net.Addr
	// Close stops accepting and closes all open connections
	Close() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// Request is one command sent by a client
type Request struct {
	Args []string
	// Blocking marks commands that may wait server side. If the caller gives up,
	// the transport releases the wait with CLIENT UNBLOCK.
	Blocking bool
}

// ReplyStream yields the elements of an array reply one by one
type ReplyStream interface {
	// Next returns the next element, ok is false after the last one.
	// A null or empty array yields no elements.
	Next(ctx context.Context) (v codec.Value, ok bool, err error)
	// Close abandons the rest of the reply. It is safe to call more than once.
	Close()
}

// IRPCClientTransport is the interface for the RPC client transport
type IRPCClientTransport interface {
	// Connect opens the connections described by config; every connection selects shardID
	Connect(config common.ClientConfig, shardID uint64) error
	// Do sends a request and returns its complete reply. Error replies are
	// returned as values, not as errors.
	Do(ctx context.Context, req Request) (codec.Value, error)
	// Stream sends a request whose reply is read lazily. A reply that is not an
	// array (for example an error reply) is returned as the first element.
	Stream(ctx context.Context, req Request) (ReplyStream, error)
	// Close closes all connections
	Close() error
}
