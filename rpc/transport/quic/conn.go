package quic

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"
)

const (
	// alpn is the application protocol negotiated in the TLS handshake
	alpn = "skv"
	// keepAlive stops idle pooled connections from hitting the idle timeout
	keepAlive   = 15 * time.Second
	idleTimeout = time.Minute
	dialTimeout = 5 * time.Second
)

var quicConfig = &quicgo.Config{
	MaxIdleTimeout:  idleTimeout,
	KeepAlivePeriod: keepAlive,
}

// --------------------------------------------------------------------------
// Stream connection
// --------------------------------------------------------------------------

// streamConn exposes the single bidirectional stream of a QUIC connection as a net.Conn
type streamConn struct {
	quicgo.Stream
	conn      quicgo.Connection
	closeOnce sync.Once
}

func (c *streamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close closes the stream and the QUIC connection that carries it
func (c *streamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.Stream.CancelRead(0)
		err = c.Stream.Close()
		_ = c.conn.CloseWithError(0, "")
	})
	return err
}

// --------------------------------------------------------------------------
// Listener
// --------------------------------------------------------------------------

// listener accepts QUIC connections and returns the first stream of each as a net.Conn
type listener struct {
	ln     *quicgo.Listener
	ctx    context.Context
	cancel context.CancelFunc
	conns  chan net.Conn
}

func listen(addr string, tlsConf *tls.Config) (*listener, error) {
	ln, err := quicgo.ListenAddr(addr, tlsConf, quicConfig)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &listener{ln: ln, ctx: ctx, cancel: cancel, conns: make(chan net.Conn)}
	go l.acceptLoop()
	return l, nil
}

func (l *listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			return
		}
		// a client opens its stream with the first request, a slow client must not hold up the others
		go func() {
			stream, err := conn.AcceptStream(l.ctx)
			if err != nil {
				_ = conn.CloseWithError(0, "")
				return
			}
			select {
			case l.conns <- &streamConn{Stream: stream, conn: conn}:
			case <-l.ctx.Done():
				_ = conn.CloseWithError(0, "")
			}
		}()
	}
}

func (l *listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.ctx.Done():
		return nil, net.ErrClosed
	}
}

func (l *listener) Close() error {
	l.cancel()
	return l.ln.Close()
}

func (l *listener) Addr() net.Addr {
	return l.ln.Addr()
}

// --------------------------------------------------------------------------
// TLS
// --------------------------------------------------------------------------

// serverTLSConfig returns a TLS config with a freshly generated self-signed Ed25519 certificate
func serverTLSConfig() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: alpn},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// clientTLSConfig accepts any server certificate, the transport encrypts but does not authenticate
func clientTLSConfig() *tls.Config {
	return &tls.Config{
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
	}
}

// dial opens a QUIC connection with one stream
func dial(endpoint string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, err := quicgo.DialAddr(ctx, endpoint, clientTLSConfig(), quicConfig)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return &streamConn{Stream: stream, conn: conn}, nil
}
