package quic

import (
	"fmt"
	"net"

	"github.com/ValentinKolb/skv/rpc/common"
	"github.com/ValentinKolb/skv/rpc/transport"
	"github.com/ValentinKolb/skv/rpc/transport/base"
)

// serverConnector implements the IServerConnector interface for QUIC
type serverConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IServerConnector)
// --------------------------------------------------------------------------

func (c *serverConnector) GetName() string {
	return "quic"
}

func (c *serverConnector) Listen(config common.ServerConfig) (net.Listener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	l, err := listen(config.Transport.Endpoint, tlsConf)
	if err != nil {
		return nil, fmt.Errorf("failed to create QUIC listener: %w", err)
	}
	return l, nil
}

func (c *serverConnector) UpgradeConnection(net.Conn, common.ServerConfig) error {
	return nil
}

// --------------------------------------------------------------------------
// Server Transport Factory Method
// --------------------------------------------------------------------------

// NewQUICServerTransport creates a new QUIC server transport
func NewQUICServerTransport() transport.IRPCServerTransport {
	return base.NewBaseServerTransport(&serverConnector{})
}
