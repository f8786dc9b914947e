package base

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/skv/rpc/codec"
	"github.com/ValentinKolb/skv/rpc/transport"
)

const (
	// DefaultPipelineDepth is the number of requests in flight per connection if not configured
	DefaultPipelineDepth = 128
	// streamBuffer is the number of elements of a streamed reply decoded ahead of the consumer
	streamBuffer = 16
)

var errClosedByClient = errors.New("closed by client")

// -----------------------------------------------------------
// Exchanges
// -----------------------------------------------------------

type result struct {
	v   codec.Value
	err error
}

// exchange is one request waiting for its reply. Exchanges are answered in
// the order they were queued, which is the order they were written.
type exchange struct {
	streamed bool
	// reply receives the complete reply of an eager exchange, or the array
	// header (or the whole non-array reply) of a streamed exchange
	reply chan result

	// streamed exchanges only
	elems       chan codec.Value // closed after the last element
	err         error            // set before elems is closed if reading failed
	abandon     chan struct{}
	abandonOnce sync.Once
}

func newExchange(streamed bool) *exchange {
	ex := &exchange{streamed: streamed, reply: make(chan result, 1)}
	if streamed {
		ex.elems = make(chan codec.Value, streamBuffer)
		ex.abandon = make(chan struct{})
	}
	return ex
}

// abandonReply tells the reader to drop the remaining elements
func (ex *exchange) abandonReply() {
	ex.abandonOnce.Do(func() { close(ex.abandon) })
}

// fail answers an exchange that was never served
func (ex *exchange) fail(err error) {
	ex.reply <- result{err: err}
	if ex.streamed {
		close(ex.elems)
	}
}

// -----------------------------------------------------------
// Connection
// -----------------------------------------------------------

// UnblockFunc releases the blocked command of the connection with the given
// CLIENT ID. It reports whether a command was released.
type UnblockFunc func(clientID int64) (bool, error)

// ConnOptions configure a Conn
type ConnOptions struct {
	// PipelineDepth bounds the number of queued exchanges (DefaultPipelineDepth if <= 0)
	PipelineDepth int
	// WriteTimeout bounds every write (0 disables it)
	WriteTimeout time.Duration
	// Unblock is used to release blocking commands the caller gave up on (nil disables it)
	Unblock UnblockFunc
}

// Conn is a pipelined RESP connection. Any number of goroutines may send
// requests at the same time, replies are matched to requests in FIFO order.
//
// Writers enqueue and write under one mutex, so the order of the queue is
// the order on the wire. A single reader goroutine answers the queue head.
// Any read or write failure, including a malformed reply, closes the
// connection and fails every outstanding request with an error wrapping
// transport.ErrConnectionClosed.
type Conn struct {
	nc      net.Conn
	r       *codec.Reader
	opts    ConnOptions
	mu      sync.Mutex // serializes enqueue and write
	buf     []byte     // encode buffer, guarded by mu
	pending chan *exchange

	closed    chan struct{}
	closeOnce sync.Once
	cause     error // set before closed is closed

	id int64 // CLIENT ID, set by the handshake before the conn is shared
}

// NewConn starts the reader of nc and returns the connection
func NewConn(nc net.Conn, opts ConnOptions) *Conn {
	if opts.PipelineDepth <= 0 {
		opts.PipelineDepth = DefaultPipelineDepth
	}
	c := &Conn{
		nc:      nc,
		r:       codec.NewReader(nc),
		opts:    opts,
		pending: make(chan *exchange, opts.PipelineDepth),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// ID returns the CLIENT ID the server assigned to the connection (0 if unknown)
func (c *Conn) ID() int64 {
	return c.id
}

// Closed reports whether the connection is unusable
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Err returns the error that closed the connection, nil while it is open
func (c *Conn) Err() error {
	if !c.Closed() {
		return nil
	}
	return c.cause
}

// Close closes the connection. Outstanding requests fail.
func (c *Conn) Close() error {
	c.fail(errClosedByClient)
	return nil
}

// Do sends a request and waits for its reply
func (c *Conn) Do(ctx context.Context, req transport.Request) (codec.Value, error) {
	ex, err := c.send(ctx, req.Args, false)
	if err != nil {
		return codec.Value{}, err
	}
	select {
	case r := <-ex.reply:
		return r.v, r.err
	case <-ctx.Done():
		if req.Blocking {
			c.release(ex)
		}
		return codec.Value{}, ctx.Err()
	}
}

// Stream sends a request whose reply is consumed element by element.
// The returned stream must be drained or closed, the connection can not
// deliver later replies while an unclosed stream has unread elements.
func (c *Conn) Stream(ctx context.Context, req transport.Request) (transport.ReplyStream, error) {
	ex, err := c.send(ctx, req.Args, true)
	if err != nil {
		return nil, err
	}
	return &replyStream{c: c, ex: ex, blocking: req.Blocking}, nil
}

// send queues an exchange and writes the request
func (c *Conn) send(ctx context.Context, args []string, streamed bool) (*exchange, error) {
	ex := newExchange(streamed)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Closed() {
		return nil, fmt.Errorf("%w: %w", transport.ErrNotSent, c.cause)
	}
	select {
	case c.pending <- ex:
	case <-c.closed:
		return nil, fmt.Errorf("%w: %w", transport.ErrNotSent, c.cause)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", transport.ErrNotSent, ctx.Err())
	}

	c.buf = codec.AppendCommand(c.buf[:0], args...)
	if c.opts.WriteTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if _, err := c.nc.Write(c.buf); err != nil {
		// the exchange is queued, the reader fails it together with the others
		return nil, c.fail(fmt.Errorf("write: %w", err))
	}
	if cap(c.buf) > 64<<10 {
		c.buf = nil
	}
	return ex, nil
}

// fail closes the connection. The first cause wins, the returned error wraps it.
func (c *Conn) fail(cause error) error {
	c.closeOnce.Do(func() {
		c.cause = fmt.Errorf("%w: %w", transport.ErrConnectionClosed, cause)
		close(c.closed)
		_ = c.nc.Close()
		if !errors.Is(cause, errClosedByClient) {
			Logger.Warningf("Connection to %s closed: %v", c.nc.RemoteAddr(), cause)
		}
	})
	return c.cause
}

// -----------------------------------------------------------
// Reader
// -----------------------------------------------------------

func (c *Conn) readLoop() {
	defer c.drain()
	for {
		var ex *exchange
		select {
		case ex = <-c.pending:
		case <-c.closed:
			return
		}
		if !c.serve(ex) {
			return
		}
	}
}

// drain fails the exchanges that were queued but will never be served.
// Holding mu guarantees no writer queues another exchange afterwards.
func (c *Conn) drain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		select {
		case ex := <-c.pending:
			ex.fail(c.cause)
		default:
			return
		}
	}
}

// serve reads the reply of ex. It returns false if the connection failed.
func (c *Conn) serve(ex *exchange) bool {
	if !ex.streamed {
		v, err := c.r.ReadValue()
		if err != nil {
			ex.reply <- result{err: c.fail(err)}
			return false
		}
		ex.reply <- result{v: v}
		return true
	}

	h, err := c.r.ReadHeader()
	if err != nil {
		ex.fail(c.fail(err))
		return false
	}
	ex.reply <- result{v: h}
	if h.Kind != codec.KindArray || h.Null {
		close(ex.elems)
		return true
	}

	for i := int64(0); i < h.Int; i++ {
		v, err := c.r.ReadValue()
		if err != nil {
			ex.err = c.fail(err)
			close(ex.elems)
			return false
		}
		// an abandoned reply is still read to the end, the next reply starts after it
		select {
		case ex.elems <- v:
		case <-ex.abandon:
		}
	}
	close(ex.elems)
	return true
}

// release sends CLIENT UNBLOCK until the abandoned exchange is answered.
// The command may still be queued on the server when the first attempt is
// made, so a release that found nothing to unblock is repeated.
func (c *Conn) release(ex *exchange) {
	if c.opts.Unblock == nil || c.id == 0 {
		return
	}
	go func() {
		backoff := 5 * time.Millisecond
		for {
			select {
			case <-ex.reply:
				return
			case <-c.closed:
				return
			default:
			}

			released, err := c.opts.Unblock(c.id)
			if err != nil {
				Logger.Debugf("Failed to unblock client %d: %v", c.id, err)
			}
			if released {
				return
			}

			select {
			case <-ex.reply:
				return
			case <-c.closed:
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, time.Second)
		}
	}()
}

// -----------------------------------------------------------
// Streamed replies
// -----------------------------------------------------------

// replyStream implements transport.ReplyStream. It is used by one goroutine.
type replyStream struct {
	c        *Conn
	ex       *exchange
	blocking bool
	started  bool
	done     bool
	err      error
}

func (s *replyStream) Next(ctx context.Context) (codec.Value, bool, error) {
	if s.done {
		return codec.Value{}, false, s.err
	}

	if !s.started {
		select {
		case r := <-s.ex.reply:
			s.started = true
			if r.err != nil {
				s.done, s.err = true, r.err
				return codec.Value{}, false, r.err
			}
			if r.v.Kind != codec.KindArray {
				s.done = true
				return r.v, true, nil
			}
		case <-ctx.Done():
			s.Close()
			return codec.Value{}, false, ctx.Err()
		}
	}

	select {
	case v, ok := <-s.ex.elems:
		if !ok {
			s.done, s.err = true, s.ex.err
			return codec.Value{}, false, s.err
		}
		return v, true, nil
	case <-ctx.Done():
		s.Close()
		return codec.Value{}, false, ctx.Err()
	}
}

func (s *replyStream) Close() {
	if s.done && s.started {
		return
	}
	s.ex.abandonReply()
	if !s.started && s.blocking {
		s.c.release(s.ex)
	}
	s.started, s.done = true, true
}
