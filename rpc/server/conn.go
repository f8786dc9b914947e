package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/skv/lib/store"
	"github.com/ValentinKolb/skv/rpc/codec"
	"github.com/ValentinKolb/skv/rpc/common"
)

// --------------------------------------------------------------------------
// Sessions
// --------------------------------------------------------------------------

// session is the state of one client connection
type session struct {
	id      int64
	shardID uint64
	shard   store.IStore

	mu      sync.Mutex // guards cancel
	cancel  context.CancelFunc
	blocked bool
}

// block registers the cancel function of the blocking command that is about to run
func (c *session) block(cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancel, c.blocked = cancel, true
	c.mu.Unlock()
}

func (c *session) unblockDone() {
	c.mu.Lock()
	c.cancel, c.blocked = nil, false
	c.mu.Unlock()
}

// unblock releases the running blocking command, false if there is none
func (c *session) unblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.blocked {
		return false
	}
	c.cancel()
	c.blocked = false
	return true
}

// --------------------------------------------------------------------------
// Connection Handling
// --------------------------------------------------------------------------

type request struct {
	args []string
	err  error // a protocol error, the connection ends after it was reported
}

// ServeConn serves one client connection until it is closed. Commands are
// decoded by the calling goroutine and run one after another by an executor
// goroutine, so replies are written in request order.
func (s *Server) ServeConn(nc net.Conn) {
	sess := &session{id: s.nextID.Add(1), shardID: s.defaultShard}
	sess.shard, _ = s.shard(s.defaultShard)
	s.sessions.Store(sess.id, sess)
	defer s.sessions.Delete(sess.id)

	Logger.Debugf("client %d connected from %s", sess.id, nc.RemoteAddr())

	ctx, cancel := context.WithCancel(context.Background())
	depth := s.config.Transport.MaxPendingPerConn
	if depth <= 0 {
		depth = defaultMaxPending
	}
	queue := make(chan request, depth)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.execute(ctx, sess, nc, queue)
	}()

	r := codec.NewReader(nc)
	for {
		raw, err := r.ReadCommand()
		if err != nil {
			if errors.Is(err, codec.ErrProtocol) {
				select {
				case queue <- request{err: err}:
				case <-done:
				}
			} else if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				Logger.Debugf("client %d: read failed: %v", sess.id, err)
			}
			break
		}
		if len(raw) == 0 {
			continue
		}
		args := make([]string, len(raw))
		for i, a := range raw {
			args[i] = string(a)
		}
		select {
		case queue <- request{args: args}:
		case <-done:
		}
		if isDone(done) {
			break
		}
	}

	// blocked commands return once the connection is gone
	cancel()
	close(queue)
	<-done
	Logger.Debugf("client %d disconnected", sess.id)
}

func isDone(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// execute runs the queued commands and writes their replies. The writer is
// flushed whenever the queue runs empty, so pipelined replies share writes.
func (s *Server) execute(ctx context.Context, sess *session, nc net.Conn, queue <-chan request) {
	w := codec.NewWriter(nc)
	for req := range queue {
		if req.err != nil {
			_ = w.WriteError("ERR Protocol error: " + req.err.Error())
			_ = w.Flush()
			_ = nc.Close()
			return
		}

		if err := w.WriteValue(s.dispatch(ctx, sess, req.args)); err != nil {
			Logger.Debugf("client %d: write failed: %v", sess.id, err)
			_ = nc.Close()
			return
		}
		if len(queue) == 0 {
			if err := w.Flush(); err != nil {
				Logger.Debugf("client %d: flush failed: %v", sess.id, err)
				_ = nc.Close()
				return
			}
		}
	}
}

// dispatch runs one command and returns its reply
func (s *Server) dispatch(ctx context.Context, sess *session, args []string) codec.Value {
	name := strings.ToUpper(args[0])
	spec, ok := common.LookupCommand(name)
	h, hasHandler := handlers[name]
	if !ok || !hasHandler {
		s.metrics.unknown.Inc()
		return codec.Err("ERR unknown command '" + args[0] + "'")
	}

	start := time.Now()
	var reply codec.Value
	if !spec.CheckArity(len(args)) {
		reply = errReply(wrongArgs(name))
	} else if spec.Has(common.FlagBlocking) {
		cmdCtx, cancel := context.WithCancel(ctx)
		sess.block(cancel)
		reply = h(cmdCtx, s, sess, args)
		sess.unblockDone()
		cancel()
	} else {
		reply = h(ctx, s, sess, args)
	}
	s.metrics.observe(name, start, reply.IsError())
	return reply
}
