package base

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/skv/rpc/codec"
	"github.com/ValentinKolb/skv/rpc/common"
	"github.com/ValentinKolb/skv/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transport/rpc")

// handshakeTimeout bounds connecting, the handshake and unblock side connections
const handshakeTimeout = 5 * time.Second

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to the endpoint
	Connect(endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// connSlot holds one of the connections to an endpoint. A dead connection
// stays in its slot until the next request replaces it.
type connSlot struct {
	endpoint string
	mu       sync.Mutex // serializes dialing
	conn     atomic.Pointer[Conn]
}

// clientTransport implements the core client transport functionality
// independent of the specific transport medium (unix, tcp, etc.)
type clientTransport struct {
	connector IClientConnector
	config    common.ClientConfig
	shardID   uint64
	timeout   time.Duration
	slots     []*connSlot
	next      atomic.Uint64 // round robin counter
	stopping  atomic.Bool
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseClientTransport creates a new base client transport with the specified connector
func NewBaseClientTransport(connector IClientConnector) transport.IRPCClientTransport {
	return &clientTransport{connector: connector}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Connect(config common.ClientConfig, shardID uint64) error {
	if len(config.Transport.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	// Close all existing connections
	t.closeConnections()

	t.config = config
	t.shardID = shardID
	t.timeout = time.Duration(config.TimeoutSecond) * time.Second
	t.stopping.Store(false)

	// Set default value for ConnectionsPerEndpoint
	connectionsPerEP := max(1, config.Transport.ConnectionsPerEndpoint)

	t.slots = make([]*connSlot, 0, len(config.Transport.Endpoints)*connectionsPerEP)
	connected := 0
	for _, endpoint := range config.Transport.Endpoints {
		for i := 0; i < connectionsPerEP; i++ {
			slot := &connSlot{endpoint: endpoint}
			t.slots = append(t.slots, slot)

			// Failed slots are dialed again on first use
			if _, err := t.dial(slot); err != nil {
				Logger.Warningf("Failed to connect to %s (connection %d/%d): %v", endpoint, i+1, connectionsPerEP, err)
				continue
			}
			connected++
		}
	}

	// Check if we have at least one connection
	if connected == 0 {
		return fmt.Errorf("failed to connect to any endpoint")
	}

	Logger.Infof("Connected %d out of %d connections to %d endpoints using %s transport (shard %d)",
		connected, len(t.slots), len(config.Transport.Endpoints), t.connector.GetName(), shardID)
	return nil
}

func (t *clientTransport) Do(ctx context.Context, req transport.Request) (codec.Value, error) {
	conn, err := t.getNextConnection()
	if err != nil {
		return codec.Value{}, err
	}
	if !req.Blocking && t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	return conn.Do(ctx, req)
}

func (t *clientTransport) Stream(ctx context.Context, req transport.Request) (transport.ReplyStream, error) {
	conn, err := t.getNextConnection()
	if err != nil {
		return nil, err
	}
	return conn.Stream(ctx, req)
}

func (t *clientTransport) Close() error {
	t.stopping.Store(true)
	t.closeConnections()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// getNextConnection selects the next connection via Round Robin and replaces it if it died
func (t *clientTransport) getNextConnection() (*Conn, error) {
	if t.stopping.Load() {
		return nil, fmt.Errorf("%w: %w: transport is closed", transport.ErrNotSent, transport.ErrConnectionClosed)
	}
	if len(t.slots) == 0 {
		return nil, fmt.Errorf("%w: no connections configured", transport.ErrNotSent)
	}

	// Simple Round Robin algorithm
	var slot *connSlot
	if len(t.slots) == 1 {
		slot = t.slots[0]
	} else {
		slot = t.slots[t.next.Add(1)%uint64(len(t.slots))]
	}

	if c := slot.conn.Load(); c != nil && !c.Closed() {
		return c, nil
	}
	c, err := t.dial(slot)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrNotSent, err)
	}
	return c, nil
}

// dial opens a connection for the slot unless another goroutine just did
func (t *clientTransport) dial(slot *connSlot) (*Conn, error) {
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if c := slot.conn.Load(); c != nil && !c.Closed() {
		return c, nil
	}
	if t.stopping.Load() {
		return nil, transport.ErrConnectionClosed
	}

	nc, err := t.connect(slot.endpoint)
	if err != nil {
		return nil, err
	}

	endpoint := slot.endpoint
	c := NewConn(nc, ConnOptions{
		PipelineDepth: t.config.Transport.PipelineDepth,
		WriteTimeout:  t.timeout,
		Unblock: func(id int64) (bool, error) {
			return t.unblock(endpoint, id)
		},
	})
	if err := t.handshake(c); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("handshake with %s failed: %w", slot.endpoint, err)
	}

	if old := slot.conn.Swap(c); old != nil {
		_ = old.Close()
	}
	Logger.Debugf("Opened connection %d to %s", c.ID(), slot.endpoint)
	return c, nil
}

// connect dials the endpoint and applies the socket settings
func (t *clientTransport) connect(endpoint string) (net.Conn, error) {
	nc, err := t.connector.Connect(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	if err := t.connector.UpgradeConnection(nc, t.config); err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("failed to upgrade connection to %s: %w", endpoint, err)
	}
	return nc, nil
}

// handshake selects the shard and asks for the id of the connection
func (t *clientTransport) handshake(c *Conn) error {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	v, err := c.Do(ctx, transport.Request{Args: []string{"SELECT", strconv.FormatUint(t.shardID, 10)}})
	if err != nil {
		return err
	}
	if v.IsError() {
		return fmt.Errorf("SELECT %d: %s", t.shardID, v.Str)
	}

	v, err = c.Do(ctx, transport.Request{Args: []string{"CLIENT", "ID"}})
	if err != nil {
		return err
	}
	id, err := v.Integer()
	if err != nil {
		return fmt.Errorf("CLIENT ID: %w", err)
	}
	c.id = id
	return nil
}

// unblock releases the blocked command of a connection over a short lived side connection
func (t *clientTransport) unblock(endpoint string, id int64) (bool, error) {
	nc, err := t.connect(endpoint)
	if err != nil {
		return false, err
	}
	defer nc.Close()

	_ = nc.SetDeadline(time.Now().Add(handshakeTimeout))
	if _, err := nc.Write(codec.AppendCommand(nil, "CLIENT", "UNBLOCK", strconv.FormatInt(id, 10))); err != nil {
		return false, err
	}
	v, err := codec.NewReader(nc).ReadValue()
	if err != nil {
		return false, err
	}
	if v.IsError() {
		return false, fmt.Errorf("CLIENT UNBLOCK: %s", strings.TrimSpace(string(v.Str)))
	}
	return v.Kind == codec.KindInt && v.Int == 1, nil
}

// closeConnections closes all active connections
func (t *clientTransport) closeConnections() {
	for _, slot := range t.slots {
		if c := slot.conn.Swap(nil); c != nil {
			_ = c.Close()
		}
	}
}
