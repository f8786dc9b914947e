package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/store"
	"github.com/ValentinKolb/skv/lib/stream"
	"github.com/ValentinKolb/skv/rpc/codec"
	"github.com/ValentinKolb/skv/rpc/common"
	"github.com/ValentinKolb/skv/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Fake Transport
// --------------------------------------------------------------------------

// fakeTransport answers requests with reply, the first failures calls fail with err
type fakeTransport struct {
	mu       sync.Mutex
	calls    [][]string
	blocking []bool
	failures int
	err      error
	reply    func(args []string) codec.Value
}

func (f *fakeTransport) Connect(common.ClientConfig, uint64) error { return nil }
func (f *fakeTransport) Close() error                              { return nil }

func (f *fakeTransport) Do(_ context.Context, req transport.Request) (codec.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.Args)
	f.blocking = append(f.blocking, req.Blocking)
	if f.failures > 0 {
		f.failures--
		return codec.Value{}, f.err
	}
	return f.reply(req.Args), nil
}

func (f *fakeTransport) Stream(ctx context.Context, req transport.Request) (transport.ReplyStream, error) {
	v, err := f.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	s := &sliceStream{}
	switch {
	case v.Kind == codec.KindArray && !v.Null:
		s.elems = v.Elems
	case v.Kind != codec.KindArray:
		s.elems = []codec.Value{v}
	}
	return s, nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type sliceStream struct {
	elems  []codec.Value
	closed bool
}

func (s *sliceStream) Next(context.Context) (codec.Value, bool, error) {
	if s.closed || len(s.elems) == 0 {
		return codec.Value{}, false, nil
	}
	v := s.elems[0]
	s.elems = s.elems[1:]
	return v, true, nil
}

func (s *sliceStream) Close() { s.closed = true }

func newFakeClient(t *testing.T, retries int, reply func(args []string) codec.Value) (*Client, *fakeTransport) {
	t.Helper()
	f := &fakeTransport{reply: reply}
	c, err := NewClient(0, common.ClientConfig{Transport: common.ClientTransportConfig{RetryCount: retries}}, f)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, f
}

func ok(args []string) codec.Value { return codec.Status("OK") }

func bulks(s ...string) codec.Value {
	elems := make([]codec.Value, len(s))
	for i := range s {
		elems[i] = codec.BulkString(s[i])
	}
	return codec.Array(elems...)
}

func entry(id string, fields ...string) codec.Value {
	return codec.Array(codec.BulkString(id), bulks(fields...))
}

// --------------------------------------------------------------------------
// Retry Policy
// --------------------------------------------------------------------------

func TestRetriesUnsentRequests(t *testing.T) {
	c, f := newFakeClient(t, 3, func([]string) codec.Value { return codec.Int(1) })
	f.failures, f.err = 2, fmt.Errorf("%w: dial failed", transport.ErrNotSent)

	n, err := c.HLen(context.Background(), "h")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, f.callCount())
}

func TestRetriesAreBounded(t *testing.T) {
	c, f := newFakeClient(t, 1, ok)
	f.failures, f.err = 5, fmt.Errorf("%w: dial failed", transport.ErrNotSent)

	_, err := c.HLen(context.Background(), "h")
	assert.ErrorIs(t, err, transport.ErrNotSent)
	assert.Equal(t, 2, f.callCount())
	assert.EqualValues(t, 1, c.Metrics().Errors)
}

func TestWrittenRequestsAreNotRetried(t *testing.T) {
	c, f := newFakeClient(t, 3, ok)
	f.failures, f.err = 1, fmt.Errorf("%w: read: EOF", transport.ErrConnectionClosed)

	_, err := c.HSet(context.Background(), "h", db.FieldValue{Field: "f", Value: []byte("v")})
	assert.ErrorIs(t, err, transport.ErrConnectionClosed)
	assert.Equal(t, 1, f.callCount())
}

func TestRetryStopsWithContext(t *testing.T) {
	c, f := newFakeClient(t, 10, ok)
	f.failures, f.err = 100, transport.ErrNotSent

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.HLen(ctx, "h")
	assert.ErrorIs(t, err, transport.ErrNotSent)
	assert.Less(t, time.Since(start), time.Second)
	assert.Less(t, f.callCount(), 5)
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

func TestMisuseFailsWithoutRoundTrip(t *testing.T) {
	c, f := newFakeClient(t, 0, ok)
	ctx := context.Background()
	fv := db.FieldValue{Field: "f", Value: []byte("v")}

	_, _, err := c.XAdd(ctx, "s", XAddOptions{}, "12-x", fv)
	assert.ErrorIs(t, err, store.ErrInvalidID)

	_, err = c.XRange(ctx, "s", "(+", "+", 0).Collect(ctx)
	assert.ErrorIs(t, err, store.ErrInvalidID)

	_, err = c.XAck(ctx, "s", "g", "1-1", "nope")
	assert.ErrorIs(t, err, store.ErrInvalidID)

	_, err = c.XClaim(ctx, "s", "g", "c", 0, stream.ClaimOptions{}, "bad").Collect(ctx)
	assert.ErrorIs(t, err, store.ErrInvalidID)

	_, err = c.XReadGroup(ctx, "g", "c", ReadOptions{}, StreamOffset{Key: "s", ID: "$"}).Collect(ctx)
	assert.ErrorIs(t, err, store.ErrInvalidID)

	err = c.XGroupCreate(ctx, "s", "g", "x", false)
	assert.ErrorIs(t, err, store.ErrInvalidID)

	_, _, err = c.HScan(ctx, "h", 17, ScanOptions{})
	assert.ErrorIs(t, err, store.ErrInvalidCursor)

	_, err = c.HSet(ctx, "h")
	assert.ErrorIs(t, err, store.ErrSyntax)

	assert.Zero(t, f.callCount())
}

func TestErrorRepliesBecomeStoreErrors(t *testing.T) {
	c, _ := newFakeClient(t, 0, func(args []string) codec.Value {
		switch args[0] {
		case "XACK":
			return codec.Err("NOGROUP No such consumer group for key")
		case "HGETALL":
			return codec.Err("WRONGTYPE Operation against a key holding the wrong kind of value")
		}
		return codec.Err("ERR unknown")
	})
	ctx := context.Background()

	_, err := c.XAck(ctx, "s", "g", "1-1")
	assert.ErrorIs(t, err, store.ErrNoSuchGroup)

	_, err = c.HGetAll(ctx, "h").Collect(ctx)
	assert.ErrorIs(t, err, store.ErrWrongType)

	_, err = c.HLen(ctx, "h")
	var se *store.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, store.RetCInvalidOperation, se.Code)
	assert.Equal(t, "unknown", se.Msg)
}

// --------------------------------------------------------------------------
// Reply Shapes
// --------------------------------------------------------------------------

func TestHashReplies(t *testing.T) {
	c, f := newFakeClient(t, 0, func(args []string) codec.Value {
		switch args[0] {
		case "HGET":
			if args[2] == "missing" {
				return codec.NullBulk()
			}
			return codec.BulkString("v")
		case "HGETALL":
			return bulks("a", "1", "b", "2")
		case "HMGET":
			return codec.Array(codec.BulkString("1"), codec.NullBulk())
		case "HINCRBYFLOAT":
			return codec.BulkString("3.5")
		}
		return codec.Int(1)
	})
	ctx := context.Background()

	v, found, err := c.HGet(ctx, "h", "f")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), v)

	_, found, err = c.HGet(ctx, "h", "missing")
	require.NoError(t, err)
	assert.False(t, found)

	all, err := c.HGetAll(ctx, "h").Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, []db.FieldValue{{Field: "a", Value: []byte("1")}, {Field: "b", Value: []byte("2")}}, all)

	vals, err := c.HMGet(ctx, "h", "a", "x").Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, []store.OptionalValue{{Value: []byte("1"), Ok: true}, {}}, vals)

	fl, err := c.HIncrByFloat(ctx, "h", "f", 1.5)
	require.NoError(t, err)
	assert.Equal(t, 3.5, fl)

	set, err := c.HSetNX(ctx, "h", "f", []byte("v"))
	require.NoError(t, err)
	assert.True(t, set)

	assert.Equal(t, []string{"HINCRBYFLOAT", "h", "f", "1.5"}, f.calls[4])
}

func TestHScanAllFollowsCursor(t *testing.T) {
	const tag = uint64(7) << 48
	pages := map[uint64]codec.Value{
		0:       codec.Array(codec.BulkString(strconv.FormatUint(tag|4, 10)), bulks("a", "1")),
		tag | 4: codec.Array(codec.BulkString(strconv.FormatUint(tag|2, 10)), codec.Array()),
		tag | 2: codec.Array(codec.BulkString("0"), bulks("b", "2", "c", "3")),
	}
	c, f := newFakeClient(t, 0, func(args []string) codec.Value {
		cursor, _ := strconv.ParseUint(args[2], 10, 64)
		return pages[cursor]
	})
	ctx := context.Background()

	var fields []string
	for fv, err := range c.HScanAll(ctx, "h", ScanOptions{Match: "*", Count: 2}).All(ctx) {
		require.NoError(t, err)
		fields = append(fields, fv.Field)
	}
	assert.Equal(t, []string{"a", "b", "c"}, fields)
	require.Equal(t, 3, f.callCount())
	assert.Equal(t, []string{"HSCAN", "h", "0", "MATCH", "*", "COUNT", "2"}, f.calls[0])
}

func TestStreamReplies(t *testing.T) {
	c, f := newFakeClient(t, 0, func(args []string) codec.Value {
		switch args[0] {
		case "XADD":
			if args[2] == "NOMKSTREAM" {
				return codec.NullBulk()
			}
			return codec.BulkString("5-0")
		case "XRANGE":
			return codec.Array(entry("1-0", "a", "1"), entry("2-0", "b", "2"))
		case "XREADGROUP":
			return codec.Array(codec.Array(codec.BulkString("s"), codec.Array(
				entry("3-0", "c", "3"),
				codec.Array(codec.BulkString("4-0"), codec.NullArray()),
			)))
		case "XREAD":
			return codec.NullArray()
		case "XPENDING":
			if len(args) == 3 {
				return codec.Array(codec.Int(2), codec.BulkString("3-0"), codec.BulkString("4-0"),
					codec.Array(codec.Array(codec.BulkString("c1"), codec.BulkString("2"))))
			}
			return codec.Array(codec.Array(codec.BulkString("3-0"), codec.BulkString("c1"), codec.Int(10), codec.Int(1)))
		}
		return codec.Int(0)
	})
	ctx := context.Background()
	fv := db.FieldValue{Field: "f", Value: []byte("v")}

	id, added, err := c.XAdd(ctx, "s", XAddOptions{Trim: stream.TrimOptions{Strategy: stream.TrimMaxLen, MaxLen: 10, Approx: true, Limit: 5}}, "*", fv)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, stream.ID{Ms: 5}, id)
	assert.Equal(t, []string{"XADD", "s", "MAXLEN", "~", "10", "LIMIT", "5", "*", "f", "v"}, f.calls[0])

	_, added, err = c.XAdd(ctx, "s", XAddOptions{NoMkStream: true}, "*", fv)
	require.NoError(t, err)
	assert.False(t, added)

	entries, err := c.XRange(ctx, "s", "-", "+", 2).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, stream.ID{Ms: 2}, entries[1].ID)
	assert.Equal(t, []string{"XRANGE", "s", "-", "+", "COUNT", "2"}, f.calls[2])

	msgs, err := c.XReadGroup(ctx, "g", "c1", ReadOptions{Count: 5, Block: time.Second, NoAck: true},
		StreamOffset{Key: "s", ID: ">"}).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "s", msgs[0].Stream)
	assert.Equal(t, []db.FieldValue{{Field: "c", Value: []byte("3")}}, msgs[0].Fields)
	assert.Nil(t, msgs[1].Fields)
	assert.Equal(t, []string{"XREADGROUP", "GROUP", "g", "c1", "COUNT", "5", "BLOCK", "1000", "NOACK", "STREAMS", "s", ">"}, f.calls[3])
	assert.True(t, f.blocking[3])

	msgs, err = c.XRead(ctx, ReadOptions{}, StreamOffset{Key: "s", ID: "$"}).Collect(ctx)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.False(t, f.blocking[4])

	sum, err := c.XPending(ctx, "s", "g")
	require.NoError(t, err)
	assert.Equal(t, stream.PendingSummary{
		Count: 2, Lowest: stream.ID{Ms: 3}, Highest: stream.ID{Ms: 4},
		Consumers: []stream.ConsumerPending{{Name: "c1", Count: 2}},
	}, sum)

	pending, err := c.XPendingRange(ctx, "s", "g", PendingRange{Start: "-", End: "+", Count: 10, MinIdle: 5 * time.Millisecond}).Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, []stream.PendingInfo{{ID: stream.ID{Ms: 3}, Consumer: "c1", Idle: 10, DeliveryCount: 1}}, pending)
	assert.Equal(t, []string{"XPENDING", "s", "g", "IDLE", "5", "-", "+", "10"}, f.calls[6])
}

func TestIteratorCloseAbandonsReply(t *testing.T) {
	c, _ := newFakeClient(t, 0, func([]string) codec.Value { return bulks("a", "b", "c") })
	ctx := context.Background()

	it := c.HKeys(ctx, "h")
	v, found, err := it.Next(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", v)

	it.Close()
	_, found, err = it.Next(ctx)
	assert.NoError(t, err)
	assert.False(t, found)

	// breaking out of a range loop closes the iterator as well
	it = c.HKeys(ctx, "h")
	for range it.All(ctx) {
		break
	}
	_, found, _ = it.Next(ctx)
	assert.False(t, found)
}

func TestMetricsCountRequests(t *testing.T) {
	c, _ := newFakeClient(t, 0, func([]string) codec.Value { return codec.Int(1) })
	for i := 0; i < 10; i++ {
		_, err := c.HLen(context.Background(), "h")
		require.NoError(t, err)
	}
	m := c.Metrics()
	assert.EqualValues(t, 10, m.Requests)
	assert.Zero(t, m.Errors)
	assert.Zero(t, m.InFlight)
}
