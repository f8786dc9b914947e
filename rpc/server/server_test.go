package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/store"
	"github.com/ValentinKolb/skv/lib/stream"
	"github.com/ValentinKolb/skv/rpc/client"
	"github.com/ValentinKolb/skv/rpc/codec"
	"github.com/ValentinKolb/skv/rpc/common"
	"github.com/ValentinKolb/skv/rpc/transport/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func localShards(ids ...uint64) []common.ServerShard {
	shards := make([]common.ServerShard, len(ids))
	for i, id := range ids {
		shards[i] = common.ServerShard{ShardID: id, Type: common.ShardTypeLocal}
	}
	return shards
}

// startServer serves the config on a free local port until the test ends
func startServer(t *testing.T, config common.ServerConfig) *Server {
	t.Helper()
	if config.Transport.Endpoint == "" {
		config.Transport.Endpoint = "127.0.0.1:0"
	}
	if len(config.Shards) == 0 {
		config.Shards = localShards(1)
	}
	config.TimeoutSecond = 5

	s := NewRPCServer(config, tcp.NewTCPServerTransport())
	done := make(chan error, 1)
	go func() { done <- s.Serve() }()
	deadline := time.After(5 * time.Second)
	for s.Addr() == nil {
		select {
		case err := <-done:
			t.Fatalf("server stopped: %v", err)
		case <-deadline:
			t.Fatal("server did not start")
		case <-time.After(5 * time.Millisecond):
		}
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newClient(t *testing.T, s *Server, shardID uint64) *client.Client {
	t.Helper()
	config := common.ClientConfig{
		TimeoutSecond: 5,
		Transport: common.ClientTransportConfig{
			Endpoints:              []string{s.Addr().String()},
			RetryCount:             2,
			ConnectionsPerEndpoint: 1,
			PipelineDepth:          64,
		},
	}
	c, err := client.NewClient(shardID, config, tcp.NewTCPClientTransport())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// rawConn speaks the wire protocol without the client, for replies the client would reject
type rawConn struct {
	nc net.Conn
	r  *codec.Reader
	w  *codec.Writer
}

func dialRaw(t *testing.T, s *Server) *rawConn {
	t.Helper()
	nc, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Close() })
	_ = nc.SetDeadline(time.Now().Add(10 * time.Second))
	return &rawConn{nc: nc, r: codec.NewReader(nc), w: codec.NewWriter(nc)}
}

func (c *rawConn) do(t *testing.T, args ...string) codec.Value {
	t.Helper()
	require.NoError(t, c.w.WriteCommand(args...))
	require.NoError(t, c.w.Flush())
	v, err := c.r.ReadValue()
	require.NoError(t, err)
	return v
}

func fv(pairs ...string) []db.FieldValue {
	out := make([]db.FieldValue, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, db.FieldValue{Field: pairs[i], Value: []byte(pairs[i+1])})
	}
	return out
}

// --------------------------------------------------------------------------
// Hash Commands
// --------------------------------------------------------------------------

func TestHashCommands(t *testing.T) {
	s := startServer(t, common.ServerConfig{})
	c := newClient(t, s, 1)
	ctx := context.Background()

	n, err := c.HSet(ctx, "h", fv("a", "1", "b", "2")...)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	v, ok, err := c.HGet(ctx, "h", "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	_, ok, err = c.HGet(ctx, "h", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	values, err := c.HMGet(ctx, "h", "a", "x", "b").Collect(ctx)
	require.NoError(t, err)
	require.Len(t, values, 3)
	assert.True(t, values[0].Ok)
	assert.False(t, values[1].Ok)
	assert.Equal(t, []byte("2"), values[2].Value)

	i, err := c.HIncrBy(ctx, "h", "a", 41)
	require.NoError(t, err)
	assert.Equal(t, int64(42), i)

	f, err := c.HIncrByFloat(ctx, "h", "f", 1.5)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, f, 1e-9)

	set, err := c.HSetNX(ctx, "h", "a", []byte("x"))
	require.NoError(t, err)
	assert.False(t, set)

	pairs, err := c.HGetAll(ctx, "h").Collect(ctx)
	require.NoError(t, err)
	assert.Len(t, pairs, 3)

	keys, err := c.HKeys(ctx, "h").Collect(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "f"}, keys)

	strlen, err := c.HStrLen(ctx, "h", "a")
	require.NoError(t, err)
	assert.Equal(t, 2, strlen)

	removed, err := c.HDel(ctx, "h", "a", "b", "f", "zz")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	// a hash without fields is gone
	exists, err := c.Exists(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, 0, exists)
}

func TestHScanAllOverTheWire(t *testing.T) {
	s := startServer(t, common.ServerConfig{})
	c := newClient(t, s, 1)
	ctx := context.Background()

	want := make(map[string]bool)
	for i := 0; i < 500; i++ {
		f := "field-" + strconv.Itoa(i)
		want[f] = true
		_, err := c.HSet(ctx, "big", db.FieldValue{Field: f, Value: []byte(strconv.Itoa(i))})
		require.NoError(t, err)
	}

	got := make(map[string]bool)
	for p, err := range c.HScanAll(ctx, "big", client.ScanOptions{Count: 37}).All(ctx) {
		require.NoError(t, err)
		got[p.Field] = true
	}
	assert.Equal(t, want, got)

	matched, err := c.HScanAll(ctx, "big", client.ScanOptions{Match: "field-1?", Count: 50}).Collect(ctx)
	require.NoError(t, err)
	assert.Len(t, matched, 10)
}

// --------------------------------------------------------------------------
// Stream Commands
// --------------------------------------------------------------------------

func TestAppendThenRange(t *testing.T) {
	s := startServer(t, common.ServerConfig{})
	c := newClient(t, s, 1)
	ctx := context.Background()

	var ids []stream.ID
	for i := 0; i < 3; i++ {
		id, ok, err := c.XAdd(ctx, "s", client.XAddOptions{}, "*", fv("n", strconv.Itoa(i))...)
		require.NoError(t, err)
		require.True(t, ok)
		ids = append(ids, id)
	}

	entries, err := c.XRange(ctx, "s", "-", "+", 0).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, ids[i], e.ID)
		assert.Equal(t, fv("n", strconv.Itoa(i)), e.Fields)
	}

	rev, err := c.XRevRange(ctx, "s", "+", "-", 2).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, rev, 2)
	assert.Equal(t, ids[2], rev[0].ID)

	// explicit ids must grow
	_, _, err = c.XAdd(ctx, "s", client.XAddOptions{}, "1-1", fv("x", "y")...)
	assert.ErrorIs(t, err, store.ErrInvalidID)

	_, ok, err := c.XAdd(ctx, "nostream", client.XAddOptions{NoMkStream: true}, "*", fv("x", "y")...)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGroupReadAndPending(t *testing.T) {
	s := startServer(t, common.ServerConfig{})
	c := newClient(t, s, 1)
	ctx := context.Background()

	_, _, err := c.XAdd(ctx, "jobs", client.XAddOptions{}, "*", fv("old", "1")...)
	require.NoError(t, err)
	require.NoError(t, c.XGroupCreate(ctx, "jobs", "g", "$", false))

	// nothing after "$" yet
	msgs, err := c.XReadGroup(ctx, "g", "c1", client.ReadOptions{}, client.StreamOffset{Key: "jobs", ID: ">"}).Collect(ctx)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	id, _, err := c.XAdd(ctx, "jobs", client.XAddOptions{}, "*", fv("new", "1")...)
	require.NoError(t, err)

	msgs, err = c.XReadGroup(ctx, "g", "c1", client.ReadOptions{}, client.StreamOffset{Key: "jobs", ID: ">"}).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "jobs", msgs[0].Stream)
	assert.Equal(t, id, msgs[0].ID)

	sum, err := c.XPending(ctx, "jobs", "g")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Count)
	assert.Equal(t, id, sum.Lowest)
	assert.Equal(t, []stream.ConsumerPending{{Name: "c1", Count: 1}}, sum.Consumers)

	pending, err := c.XPendingRange(ctx, "jobs", "g", client.PendingRange{Start: "-", End: "+", Count: 10}).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c1", pending[0].Consumer)
	assert.Equal(t, uint64(1), pending[0].DeliveryCount)

	claimed, err := c.XClaimJustID(ctx, "jobs", "g", "c2", 0, stream.ClaimOptions{}, id.String()).Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, []stream.ID{id}, claimed)

	acked, err := c.XAck(ctx, "jobs", "g", id.String())
	require.NoError(t, err)
	assert.Equal(t, 1, acked)

	sum, err = c.XPending(ctx, "jobs", "g")
	require.NoError(t, err)
	assert.Zero(t, sum.Count)
	assert.Empty(t, sum.Consumers)

	groups, err := c.XInfoGroups(ctx, "jobs").Collect(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, id, groups[0].LastDeliveredID)

	consumers, err := c.XInfoConsumers(ctx, "jobs", "g").Collect(ctx)
	require.NoError(t, err)
	assert.Len(t, consumers, 2)

	info, err := c.XInfoStream(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, 2, info.Length)
	assert.Equal(t, 1, info.Groups)
	require.NotNil(t, info.LastEntry)
	assert.Equal(t, id, info.LastEntry.ID)
}

func TestTrim(t *testing.T) {
	s := startServer(t, common.ServerConfig{})
	c := newClient(t, s, 1)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, _, err := c.XAdd(ctx, "s", client.XAddOptions{}, fmt.Sprintf("%d-0", i), fv("i", strconv.Itoa(i))...)
		require.NoError(t, err)
	}
	removed, err := c.XTrim(ctx, "s", stream.TrimOptions{Strategy: stream.TrimMaxLen, MaxLen: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	entries, err := c.XRange(ctx, "s", "-", "+", 0).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, stream.MustParseID("4-0"), entries[0].ID)

	// inline trim on append
	_, _, err = c.XAdd(ctx, "s", client.XAddOptions{Trim: stream.TrimOptions{Strategy: stream.TrimMinID, MinID: stream.MustParseID("5-0")}}, "6-0", fv("i", "6")...)
	require.NoError(t, err)
	n, err := c.XLen(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// --------------------------------------------------------------------------
// Blocking Reads
// --------------------------------------------------------------------------

func TestBlockingReadTimesOut(t *testing.T) {
	s := startServer(t, common.ServerConfig{})
	c := newClient(t, s, 1)
	ctx := context.Background()

	start := time.Now()
	msgs, err := c.XRead(ctx, client.ReadOptions{Block: 100 * time.Millisecond}, client.StreamOffset{Key: "s", ID: "$"}).Collect(ctx)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestBlockingReadIsWokenByAppend(t *testing.T) {
	s := startServer(t, common.ServerConfig{})
	reader := newClient(t, s, 1)
	writer := newClient(t, s, 1)
	ctx := context.Background()

	require.NoError(t, reader.XGroupCreate(ctx, "s", "g", "$", true))

	got := make(chan []client.Message, 1)
	go func() {
		msgs, _ := reader.XReadGroup(ctx, "g", "c", client.ReadOptions{Block: client.BlockForever}, client.StreamOffset{Key: "s", ID: ">"}).Collect(ctx)
		got <- msgs
	}()

	require.Eventually(t, func() bool { return s.blockedClients() == 1 }, 5*time.Second, 5*time.Millisecond)
	id, _, err := writer.XAdd(ctx, "s", client.XAddOptions{}, "*", fv("k", "v")...)
	require.NoError(t, err)

	select {
	case msgs := <-got:
		require.Len(t, msgs, 1)
		assert.Equal(t, id, msgs[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked read was not woken")
	}
}

func TestCancelReleasesBlockedRead(t *testing.T) {
	s := startServer(t, common.ServerConfig{})
	c := newClient(t, s, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.XRead(ctx, client.ReadOptions{Block: client.BlockForever}, client.StreamOffset{Key: "s", ID: "$"}).Collect(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return s.blockedClients() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled read did not return")
	}
	assert.Eventually(t, func() bool { return s.blockedClients() == 0 }, 5*time.Second, 5*time.Millisecond)

	// the connection serves later requests
	pong, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "PONG", pong)
}

func TestClientUnblock(t *testing.T) {
	s := startServer(t, common.ServerConfig{})
	blocked, other := dialRaw(t, s), dialRaw(t, s)

	id := blocked.do(t, "CLIENT", "ID")
	require.Equal(t, codec.KindInt, id.Kind)

	require.NoError(t, blocked.w.WriteCommand("XREAD", "BLOCK", "0", "STREAMS", "s", "$"))
	require.NoError(t, blocked.w.Flush())
	require.Eventually(t, func() bool { return s.blockedClients() == 1 }, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, codec.Int(1), other.do(t, "CLIENT", "UNBLOCK", id.Text()))
	v, err := blocked.r.ReadValue()
	require.NoError(t, err)
	assert.True(t, v.Null)

	assert.Equal(t, codec.Int(0), other.do(t, "CLIENT", "UNBLOCK", id.Text()))
}

// --------------------------------------------------------------------------
// Errors and Protocol
// --------------------------------------------------------------------------

func TestErrorsCrossTheWire(t *testing.T) {
	s := startServer(t, common.ServerConfig{})
	c := newClient(t, s, 1)
	ctx := context.Background()

	_, err := c.HSet(ctx, "h", fv("f", "v")...)
	require.NoError(t, err)

	_, err = c.XLen(ctx, "h")
	assert.ErrorIs(t, err, store.ErrWrongType)

	_, err = c.XAck(ctx, "missing", "g", "1-0")
	assert.ErrorIs(t, err, store.ErrNoSuchStream)

	_, _, err = c.XAdd(ctx, "s", client.XAddOptions{}, "*", fv("a", "b")...)
	require.NoError(t, err)
	_, err = c.XPending(ctx, "s", "nogroup")
	assert.ErrorIs(t, err, store.ErrNoSuchGroup)

	require.NoError(t, c.XGroupCreate(ctx, "s", "g", "0", false))
	err = c.XGroupCreate(ctx, "s", "g", "0", false)
	assert.ErrorIs(t, err, store.ErrGroupExists)

	var se *store.Error
	_, err = c.HIncrBy(ctx, "h", "f", 1)
	require.True(t, errors.As(err, &se))
	assert.Equal(t, store.RetCInvalidOperation, se.Code)
}

func TestWireReplies(t *testing.T) {
	s := startServer(t, common.ServerConfig{})
	c := dialRaw(t, s)

	assert.Equal(t, "PONG", c.do(t, "PING").Text())
	assert.Equal(t, "hello", c.do(t, "ping", "hello").Text())

	v := c.do(t, "NOPE")
	require.True(t, v.IsError())
	assert.Contains(t, v.Text(), "unknown command")

	v = c.do(t, "HGET", "only-key")
	require.True(t, v.IsError())
	assert.Contains(t, v.Text(), "wrong number of arguments for 'hget' command")

	v = c.do(t, "HSCAN", "h", "12")
	require.True(t, v.IsError())
	assert.Contains(t, v.Text(), "INVALIDCURSOR")

	v = c.do(t, "XADD", "s", "MAXLEN", "2", "LIMIT", "10", "*", "f", "v")
	require.True(t, v.IsError())
	assert.Contains(t, v.Text(), "LIMIT")

	v = c.do(t, "XREAD", "STREAMS", "a", "b", "$")
	require.True(t, v.IsError())
	assert.Contains(t, v.Text(), "Unbalanced")

	assert.True(t, c.do(t, "XREAD", "STREAMS", "s", "$").Null)
	assert.Equal(t, codec.Status("OK"), c.do(t, "HMSET", "h", "a", "1"))
	assert.Equal(t, codec.Status("hash"), c.do(t, "TYPE", "h"))
	assert.Equal(t, codec.Int(-1), c.do(t, "TTL", "h"))
	assert.Equal(t, codec.Int(-2), c.do(t, "TTL", "missing"))
	assert.Equal(t, codec.Int(1), c.do(t, "EXPIRE", "h", "100"))
	assert.Equal(t, codec.Int(100), c.do(t, "TTL", "h"))

	sum := c.do(t, "XPENDING", "s", "g")
	require.True(t, sum.IsError())
	assert.Contains(t, sum.Text(), "NOSTREAM")
}

func TestProtocolErrorClosesConnection(t *testing.T) {
	s := startServer(t, common.ServerConfig{})
	c := dialRaw(t, s)

	_, err := c.nc.Write([]byte("*1\r\n:5\r\n"))
	require.NoError(t, err)
	v, err := c.r.ReadValue()
	require.NoError(t, err)
	require.True(t, v.IsError())
	assert.Contains(t, v.Text(), "Protocol error")

	_, err = c.r.ReadValue()
	assert.Error(t, err)
}

func TestPipelinedRequestsUnderLoad(t *testing.T) {
	s := startServer(t, common.ServerConfig{})
	c := newClient(t, s, 1)
	ctx := context.Background()

	const workers, perWorker = 8, 100
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			key := "counter-" + strconv.Itoa(w)
			for i := 1; i <= perWorker; i++ {
				n, err := c.HIncrBy(ctx, key, "n", 1)
				if err != nil {
					errs <- err
					return
				}
				if n != int64(i) {
					errs <- fmt.Errorf("%s: got %d, want %d", key, n, i)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

// --------------------------------------------------------------------------
// Shards, Snapshots and Metrics
// --------------------------------------------------------------------------

func TestShardsAreIsolated(t *testing.T) {
	s := startServer(t, common.ServerConfig{Shards: localShards(1, 2)})
	a, b := newClient(t, s, 1), newClient(t, s, 2)
	ctx := context.Background()

	_, err := a.HSet(ctx, "k", fv("f", "v")...)
	require.NoError(t, err)

	n, err := b.Exists(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, n)

	raw := dialRaw(t, s)
	assert.True(t, raw.do(t, "SELECT", "3").IsError())
	assert.Equal(t, codec.Int(1), raw.do(t, "DBSIZE"))
	assert.Equal(t, codec.Status("OK"), raw.do(t, "SELECT", "2"))
	assert.Equal(t, codec.Int(0), raw.do(t, "DBSIZE"))
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	file := filepath.Join(t.TempDir(), "skv.snap")
	config := common.ServerConfig{SnapshotFile: file}
	ctx := context.Background()

	s := startServer(t, config)
	c := newClient(t, s, 1)
	_, err := c.HSet(ctx, "h", fv("f", "v")...)
	require.NoError(t, err)
	id, _, err := c.XAdd(ctx, "s", client.XAddOptions{}, "*", fv("a", "b")...)
	require.NoError(t, err)
	require.NoError(t, c.XGroupCreate(ctx, "s", "g", "0", false))
	require.NoError(t, c.Close())
	require.NoError(t, s.Close())

	_, err = os.Stat(file + ".1")
	require.NoError(t, err)

	s = startServer(t, config)
	c = newClient(t, s, 1)
	v, ok, err := c.HGet(ctx, "h", "f")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	msgs, err := c.XReadGroup(ctx, "g", "c", client.ReadOptions{}, client.StreamOffset{Key: "s", ID: ">"}).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
}

func TestMetricsEndpoint(t *testing.T) {
	s := startServer(t, common.ServerConfig{})
	c := newClient(t, s, 1)
	ctx := context.Background()

	_, err := c.HSet(ctx, "h", fv("f", "v")...)
	require.NoError(t, err)
	_, err = c.XLen(ctx, "h")
	require.Error(t, err)

	var buf bytes.Buffer
	s.writeMetrics(&buf)
	out := buf.String()
	assert.Contains(t, out, `skv_commands_total{cmd="hset"} 1`)
	assert.Contains(t, out, `skv_command_errors_total{cmd="xlen"} 1`)
	assert.Contains(t, out, `skv_command_duration_seconds_bucket{cmd="hset"`)
	assert.Contains(t, out, "skv_connections 1")
	assert.Contains(t, out, "skv_blocked_clients 0")
}
