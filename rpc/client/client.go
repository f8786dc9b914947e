package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/ValentinKolb/skv/lib/store"
	"github.com/ValentinKolb/skv/rpc/codec"
	"github.com/ValentinKolb/skv/rpc/common"
	"github.com/ValentinKolb/skv/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/rcrowley/go-metrics"
)

var Logger = logger.GetLogger("client")

// initialBackoff is the wait before the first retry, it doubles with every attempt
const initialBackoff = 50 * time.Millisecond

// Client dispatches typed calls to a shard of an skv server.
// It is safe for concurrent use, calls are pipelined on the connections of the transport.
type Client struct {
	shardID   uint64
	config    common.ClientConfig
	transport transport.IRPCClientTransport

	registry metrics.Registry
	requests metrics.Timer
	failures metrics.Meter
	inFlight metrics.Counter
}

// NewClient connects the transport to the shard and returns a client using it
//
// Usage:
//
//	c, err := client.NewClient(1, config, tcp.NewTCPClientTransport())
//	if err != nil { ... }
//	defer c.Close()
//
//	id, _, err := c.XAdd(ctx, "events", client.XAddOptions{}, "*", db.FieldValue{Field: "type", Value: []byte("login")})
func NewClient(shardID uint64, config common.ClientConfig, t transport.IRPCClientTransport) (*Client, error) {
	if err := t.Connect(config, shardID); err != nil {
		return nil, err
	}

	c := &Client{
		shardID:   shardID,
		config:    config,
		transport: t,
		registry:  metrics.NewRegistry(),
		requests:  metrics.NewTimer(),
		failures:  metrics.NewMeter(),
		inFlight:  metrics.NewCounter(),
	}
	_ = c.registry.Register("requests", c.requests)
	_ = c.registry.Register("errors", c.failures)
	_ = c.registry.Register("in_flight", c.inFlight)
	return c, nil
}

// Close closes the connections of the client
func (c *Client) Close() error {
	c.requests.Stop()
	c.failures.Stop()
	return c.transport.Close()
}

// ShardID returns the shard the client talks to
func (c *Client) ShardID() uint64 {
	return c.shardID
}

// --------------------------------------------------------------------------
// Metrics
// --------------------------------------------------------------------------

// Metrics is a snapshot of the request statistics of a client.
// Latencies cover single-result calls and the time to the first
// element of multi-result calls.
type Metrics struct {
	Requests    int64
	Errors      int64
	InFlight    int64
	Rate1       float64 // requests per second, one minute moving average
	MeanLatency time.Duration
	P50Latency  time.Duration
	P99Latency  time.Duration
	MaxLatency  time.Duration
}

// Metrics returns a snapshot of the request statistics
func (c *Client) Metrics() Metrics {
	t := c.requests.Snapshot()
	p := t.Percentiles([]float64{0.5, 0.99})
	return Metrics{
		Requests:    t.Count(),
		Errors:      c.failures.Count(),
		InFlight:    c.inFlight.Count(),
		Rate1:       t.Rate1(),
		MeanLatency: time.Duration(t.Mean()),
		P50Latency:  time.Duration(p[0]),
		P99Latency:  time.Duration(p[1]),
		MaxLatency:  time.Duration(t.Max()),
	}
}

// Registry returns the metrics registry of the client, for example to export it
func (c *Client) Registry() metrics.Registry {
	return c.registry
}

// --------------------------------------------------------------------------
// Dispatch Helpers
// --------------------------------------------------------------------------

func request(args ...string) transport.Request {
	r := transport.Request{Args: args}
	if spec, ok := common.LookupCommand(args[0]); ok {
		r.Blocking = spec.Has(common.FlagBlocking)
	}
	return r
}

// do sends a request and returns its reply. Error replies become *store.Error.
func (c *Client) do(ctx context.Context, args ...string) (codec.Value, error) {
	return c.doRequest(ctx, request(args...))
}

func (c *Client) doRequest(ctx context.Context, req transport.Request) (codec.Value, error) {
	start := time.Now()
	c.inFlight.Inc(1)
	defer c.inFlight.Dec(1)

	v, err := retry(ctx, c.config.Transport.RetryCount, func() (codec.Value, error) {
		return c.transport.Do(ctx, req)
	})
	c.requests.UpdateSince(start)
	if err == nil && v.IsError() {
		err = replyError(v)
	}
	if err != nil {
		c.failures.Mark(1)
		return codec.Value{}, err
	}
	return v, nil
}

// openStream sends a request whose array reply is read lazily
func (c *Client) openStream(ctx context.Context, args ...string) (transport.ReplyStream, error) {
	req := request(args...)
	start := time.Now()
	c.inFlight.Inc(1)
	defer c.inFlight.Dec(1)

	s, err := retry(ctx, c.config.Transport.RetryCount, func() (transport.ReplyStream, error) {
		return c.transport.Stream(ctx, req)
	})
	c.requests.UpdateSince(start)
	if err != nil {
		c.failures.Mark(1)
		return nil, err
	}
	return s, nil
}

// streamed sends a request and decodes the elements of its reply with decode
func streamed[T any](ctx context.Context, c *Client, decode func(codec.Value) (T, error), args ...string) *Iterator[T] {
	s, err := c.openStream(ctx, args...)
	if err != nil {
		return failed[T](err)
	}
	return fromReply(s, decode)
}

// retry calls fn until it succeeds or fails with an error other than
// transport.ErrNotSent. Requests that reached the wire are never repeated.
func retry[T any](ctx context.Context, retries int, fn func() (T, error)) (T, error) {
	backoff := initialBackoff
	for attempt := 0; ; attempt++ {
		v, err := fn()
		if err == nil || !errors.Is(err, transport.ErrNotSent) || attempt >= retries || ctx.Err() != nil {
			return v, err
		}

		// +-10% jitter
		wait := backoff + time.Duration(rand.Int64N(int64(backoff)/5+1)) - backoff/10
		Logger.Debugf("Request not sent (attempt %d/%d), retrying in %s: %v", attempt+1, retries+1, wait, err)

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return v, err
		}
		backoff *= 2
	}
}

// replyError converts an error reply into a *store.Error
func replyError(v codec.Value) error {
	return store.ParseError(v.Text())
}

// unexpected is returned when a reply does not have the shape of the command's reply
func unexpected(cmd string, v codec.Value) error {
	return fmt.Errorf("%w: unexpected %s reply to %s", codec.ErrProtocol, v.Kind, cmd)
}
