// Package client implements the typed client of the skv server. A Client
// dispatches one method per wire command to a shard and shapes the replies.
//
// Key Components:
//
//   - Client: Created with NewClient for one shard. Every method takes a
//     context, single-result calls return (value, ok, err) or (value, err),
//     where ok == false means the key or field is absent.
//
//   - Iterator: Multi-result calls (HGETALL, HKEYS, HVALS, HMGET, XRANGE,
//     XREVRANGE, XCLAIM, XPENDING with a range, XINFO GROUPS|CONSUMERS, XREAD,
//     XREADGROUP, HScanAll) return an *Iterator. Elements are decoded while the
//     reply arrives. An iterator must be drained or closed: the connection
//     serves later replies only after the rest of an abandoned reply was read.
//
// Error Handling:
//
//	Error replies become *store.Error values, so errors.Is(err, store.ErrNoSuchGroup)
//	works the same as against an embedded store. Malformed stream ids and scan
//	cursors fail before any request is sent. Requests that never reached the
//	wire (transport.ErrNotSent) are retried RetryCount times with jittered
//	exponential backoff starting at 50ms, requests that were written are never
//	repeated.
//
// Blocking Reads:
//
//	XREAD and XREADGROUP with a Block option wait on the server. The client
//	timeout does not apply to them, the context does: cancelling it releases
//	the wait on the server with CLIENT UNBLOCK.
//
// Usage Example:
//
//	config := common.ClientConfig{
//		TimeoutSecond: 5,
//		Transport: common.ClientTransportConfig{
//			Endpoints:  []string{"localhost:8080"},
//			RetryCount: 3,
//		},
//	}
//	c, err := client.NewClient(1, config, tcp.NewTCPClientTransport())
//	if err != nil { ... }
//	defer c.Close()
//
//	_ = c.XGroupCreate(ctx, "jobs", "workers", "$", true)
//	msgs := c.XReadGroup(ctx, "workers", "w1", client.ReadOptions{Count: 10, Block: time.Second},
//		client.StreamOffset{Key: "jobs", ID: ">"})
//	for msg, err := range msgs.All(ctx) {
//		if err != nil { ... }
//		handle(msg)
//		_, _ = c.XAck(ctx, "jobs", "workers", msg.ID.String())
//	}
//
// Metrics:
//
//	Each client records request latencies, errors and requests in flight in a
//	go-metrics registry, see Client.Metrics and Client.Registry.
package client
