package base

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/skv/rpc/codec"
	"github.com/ValentinKolb/skv/rpc/common"
	"github.com/ValentinKolb/skv/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// serve answers the requests on nc with handle until the connection ends
func serve(nc net.Conn, handle func(args []string) codec.Value) {
	defer nc.Close()
	r, w := codec.NewReader(nc), codec.NewWriter(nc)
	for {
		raw, err := r.ReadCommand()
		if err != nil {
			return
		}
		args := make([]string, len(raw))
		for i, a := range raw {
			args[i] = string(a)
		}
		if err := w.WriteValue(handle(args)); err != nil {
			return
		}
		if r.Buffered() == 0 {
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

func echo(args []string) codec.Value {
	return codec.BulkString(args[len(args)-1])
}

func pipeConn(t *testing.T, opts ConnOptions, handle func(args []string) codec.Value) *Conn {
	t.Helper()
	client, server := net.Pipe()
	go serve(server, handle)
	c := NewConn(client, opts)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func do(t *testing.T, c *Conn, args ...string) codec.Value {
	t.Helper()
	v, err := c.Do(context.Background(), transport.Request{Args: args})
	require.NoError(t, err)
	return v
}

// --------------------------------------------------------------------------
// Conn
// --------------------------------------------------------------------------

func TestPipelinedRepliesKeepOrder(t *testing.T) {
	c := pipeConn(t, ConnOptions{PipelineDepth: 8}, echo)

	const workers, perWorker = 16, 200
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				want := fmt.Sprintf("%d-%d", w, i)
				v, err := c.Do(context.Background(), transport.Request{Args: []string{"ECHO", want}})
				if err != nil {
					errs <- err
					return
				}
				if v.Text() != want {
					errs <- fmt.Errorf("got %q, want %q", v.Text(), want)
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

func TestMalformedReplyFailsAllOutstanding(t *testing.T) {
	client, server := net.Pipe()
	c := NewConn(client, ConnOptions{})
	defer c.Close()

	// the server reads three requests and answers with garbage
	go func() {
		r := codec.NewReader(server)
		for i := 0; i < 3; i++ {
			if _, err := r.ReadCommand(); err != nil {
				return
			}
		}
		_, _ = server.Write([]byte("?garbage\r\n"))
	}()

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Do(context.Background(), transport.Request{Args: []string{"PING"}})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.Error(t, err)
		assert.ErrorIs(t, err, codec.ErrProtocol)
		assert.ErrorIs(t, err, transport.ErrConnectionClosed)
	}
	assert.True(t, c.Closed())

	_, err := c.Do(context.Background(), transport.Request{Args: []string{"PING"}})
	assert.ErrorIs(t, err, transport.ErrNotSent)
}

func TestAbandonedStreamIsDrained(t *testing.T) {
	c := pipeConn(t, ConnOptions{}, func(args []string) codec.Value {
		if args[0] == "RANGE" {
			elems := make([]codec.Value, 100)
			for i := range elems {
				elems[i] = codec.Int(int64(i))
			}
			return codec.Array(elems...)
		}
		return codec.Status("OK")
	})

	s, err := c.Stream(context.Background(), transport.Request{Args: []string{"RANGE"}})
	require.NoError(t, err)
	v, ok, err := s.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 0, v.Int)
	s.Close()

	assert.Equal(t, "OK", do(t, c, "PING").Text())
}

func TestStreamYieldsAllElements(t *testing.T) {
	c := pipeConn(t, ConnOptions{}, func(args []string) codec.Value {
		switch args[0] {
		case "EMPTY":
			return codec.NullArray()
		case "ERR":
			return codec.Err("ERR boom")
		}
		n, _ := strconv.Atoi(args[1])
		elems := make([]codec.Value, n)
		for i := range elems {
			elems[i] = codec.Int(int64(i))
		}
		return codec.Array(elems...)
	})
	ctx := context.Background()

	s, err := c.Stream(ctx, transport.Request{Args: []string{"RANGE", "50"}})
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		v, ok, err := s.Next(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.EqualValues(t, i, v.Int)
	}
	_, ok, err := s.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	s, err = c.Stream(ctx, transport.Request{Args: []string{"EMPTY"}})
	require.NoError(t, err)
	_, ok, err = s.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	s, err = c.Stream(ctx, transport.Request{Args: []string{"ERR"}})
	require.NoError(t, err)
	v, ok, err := s.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, v.IsError())
	_, ok, _ = s.Next(ctx)
	assert.False(t, ok)
}

func TestCancelledBlockingRequestIsReleased(t *testing.T) {
	unblocked := make(chan struct{})
	var calls atomic.Int32
	client, server := net.Pipe()

	go serve(server, func(args []string) codec.Value {
		if args[0] == "BLOCK" {
			<-unblocked
			return codec.NullArray()
		}
		return codec.Status("OK")
	})

	var once sync.Once
	c := NewConn(client, ConnOptions{Unblock: func(id int64) (bool, error) {
		calls.Add(1)
		if id != 7 {
			return false, errors.New("wrong id")
		}
		once.Do(func() { close(unblocked) })
		return true, nil
	}})
	defer c.Close()
	c.id = 7

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Do(ctx, transport.Request{Args: []string{"BLOCK"}, Blocking: true})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the released command answers first, then the connection serves the next request
	assert.Equal(t, "OK", do(t, c, "PING").Text())
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestCancelledRequestDoesNotShiftReplies(t *testing.T) {
	release := make(chan struct{})
	c := pipeConn(t, ConnOptions{}, func(args []string) codec.Value {
		if args[0] == "SLOW" {
			<-release
		}
		return echo(args)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// whether or not the request was written, its reply must not reach the next caller
	_, err := c.Do(ctx, transport.Request{Args: []string{"SLOW", "a"}})
	require.ErrorIs(t, err, context.Canceled)
	close(release)

	assert.Equal(t, "b", do(t, c, "ECHO", "b").Text())
}

func TestClosedConnRejectsRequests(t *testing.T) {
	c := pipeConn(t, ConnOptions{}, echo)
	require.NoError(t, c.Close())

	_, err := c.Do(context.Background(), transport.Request{Args: []string{"PING"}})
	assert.ErrorIs(t, err, transport.ErrNotSent)
	assert.ErrorIs(t, err, transport.ErrConnectionClosed)
	assert.ErrorIs(t, c.Err(), transport.ErrConnectionClosed)
}

// --------------------------------------------------------------------------
// Client transport over TCP
// --------------------------------------------------------------------------

type tcpConnector struct{}

func (tcpConnector) GetName() string                                       { return "tcp" }
func (tcpConnector) Connect(endpoint string) (net.Conn, error)             { return net.Dial("tcp", endpoint) }
func (tcpConnector) UpgradeConnection(net.Conn, common.ClientConfig) error { return nil }

// fakeServer speaks enough of the handshake for the client transport
type fakeServer struct {
	ln       net.Listener
	nextID   atomic.Int64
	selected sync.Map // client id -> shard
	mu       sync.Mutex
	conns    []net.Conn
}

func startFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{ln: ln}
	t.Cleanup(func() {
		_ = ln.Close()
		s.dropConnections()
	})

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, nc)
			s.mu.Unlock()

			id := s.nextID.Add(1)
			go serve(nc, func(args []string) codec.Value {
				switch args[0] {
				case "SELECT":
					s.selected.Store(id, args[1])
					return codec.Status("OK")
				case "CLIENT":
					if args[1] == "ID" {
						return codec.Int(id)
					}
					return codec.Int(0)
				case "WHOAMI":
					return codec.Int(id)
				}
				return echo(args)
			})
		}
	}()
	return s
}

func (s *fakeServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, nc := range s.conns {
		_ = nc.Close()
	}
	s.conns = nil
}

func newClient(t *testing.T, s *fakeServer, perEndpoint int) transport.IRPCClientTransport {
	t.Helper()
	ct := NewBaseClientTransport(tcpConnector{})
	err := ct.Connect(common.ClientConfig{
		TimeoutSecond: 5,
		Transport: common.ClientTransportConfig{
			Endpoints:              []string{s.ln.Addr().String()},
			ConnectionsPerEndpoint: perEndpoint,
		},
	}, 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ct.Close() })
	return ct
}

func TestClientHandshakeAndRoundRobin(t *testing.T) {
	s := startFakeServer(t)
	ct := newClient(t, s, 2)
	ctx := context.Background()

	seen := map[int64]bool{}
	for i := 0; i < 4; i++ {
		v, err := ct.Do(ctx, transport.Request{Args: []string{"WHOAMI"}})
		require.NoError(t, err)
		seen[v.Int] = true
	}
	assert.Len(t, seen, 2)

	s.selected.Range(func(_, shard any) bool {
		assert.Equal(t, "3", shard)
		return true
	})
}

func TestClientReplacesDeadConnections(t *testing.T) {
	s := startFakeServer(t)
	ct := newClient(t, s, 1)
	ctx := context.Background()

	v, err := ct.Do(ctx, transport.Request{Args: []string{"WHOAMI"}})
	require.NoError(t, err)
	first := v.Int

	s.dropConnections()

	// the first request after the drop may still use the dead connection
	require.Eventually(t, func() bool {
		v, err := ct.Do(ctx, transport.Request{Args: []string{"WHOAMI"}})
		if err != nil {
			assert.ErrorIs(t, err, transport.ErrConnectionClosed)
			return false
		}
		return v.Int != first
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClientConnectFailsWithoutServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ct := NewBaseClientTransport(tcpConnector{})
	err = ct.Connect(common.ClientConfig{Transport: common.ClientTransportConfig{Endpoints: []string{addr}}}, 0)
	assert.Error(t, err)
}

func TestClosedTransportDoesNotSend(t *testing.T) {
	s := startFakeServer(t)
	ct := newClient(t, s, 1)
	require.NoError(t, ct.Close())

	_, err := ct.Do(context.Background(), transport.Request{Args: []string{"PING"}})
	assert.ErrorIs(t, err, transport.ErrNotSent)
}
