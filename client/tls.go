package client

import (
	"crypto/tls"
	"net"
)

type tlsProvider struct {
	base *tls.Config
}

// NewTLSProvider returns a TLSProvider backed by base. A nil base uses the
// crypto/tls defaults. Server name and ALPN protocols are filled in per
// attempt when the base leaves them empty.
func NewTLSProvider(base *tls.Config) TLSProvider {
	return tlsProvider{base: base}
}

var defaultTLSProvider TLSProvider = tlsProvider{}

func (p tlsProvider) Wrap(conn net.Conn, serverName string, protos []string) (net.Conn, error) {
	cfg := p.base
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = protos
	}
	tc := tls.Client(conn, cfg)
	if err := tc.Handshake(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tc, nil
}
