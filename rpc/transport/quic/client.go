package quic

import (
	"net"

	"github.com/ValentinKolb/skv/rpc/common"
	"github.com/ValentinKolb/skv/rpc/transport"
	"github.com/ValentinKolb/skv/rpc/transport/base"
)

// clientConnector implements the IClientConnector interface for QUIC
type clientConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return "quic"
}

func (c *clientConnector) Connect(endpoint string) (net.Conn, error) {
	return dial(endpoint)
}

// UpgradeConnection does nothing, QUIC has no socket options per stream
func (c *clientConnector) UpgradeConnection(net.Conn, common.ClientConfig) error {
	return nil
}

// --------------------------------------------------------------------------
// Client Transport Factory Method
// --------------------------------------------------------------------------

// NewQUICClientTransport creates a new QUIC client transport
func NewQUICClientTransport() transport.IRPCClientTransport {
	return base.NewBaseClientTransport(&clientConnector{})
}
