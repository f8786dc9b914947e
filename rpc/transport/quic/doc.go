// Package quic runs the skv command protocol over QUIC (quic-go). Every
// pooled client connection is one QUIC connection carrying a single
// bidirectional stream, which the base transport uses like a TCP socket.
//
// The server generates a self-signed Ed25519 certificate at start and clients
// accept any certificate: traffic is encrypted, but peers are not
// authenticated. The ALPN protocol is "skv".
package quic
