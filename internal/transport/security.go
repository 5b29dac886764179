package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

var (
	ErrInvalidSecurityMode     = errors.New("transport: invalid security mode")
	ErrTLSRequired             = errors.New("transport: tls required")
	ErrMTLSRequired            = errors.New("transport: mtls required")
	ErrTLSCertFileRequired     = errors.New("transport: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("transport: tls key file required")
	ErrTLSCAFileRequired       = errors.New("transport: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("transport: insecure skip verify not allowed")
)

// NormalizeSecurityMode lower-cases mode; empty means development.
func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	m := SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
	if m == "" {
		return SecurityModeDevelopment
	}
	return m
}

// checkMode applies the rules shared by both ends of a connection.
func (c Config) checkMode() error {
	switch NormalizeSecurityMode(c.SecurityMode) {
	case SecurityModeDevelopment:
	case SecurityModeProduction:
		switch {
		case !c.TLS.Enabled:
			return ErrTLSRequired
		case !c.TLS.Mutual:
			return ErrMTLSRequired
		case c.TLS.InsecureSkipVerify:
			return ErrTLSInsecureSkipNotAllow
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.SecurityMode)
	}
	if c.TLS.Mutual && !c.TLS.Enabled {
		return ErrTLSRequired
	}
	return nil
}

// ValidateClient checks the TLS settings needed to dial a gateway.
func (c Config) ValidateClient() error {
	if err := c.checkMode(); err != nil {
		return err
	}
	t := c.TLS
	if t.Enabled && blank(t.CAFile) && !t.InsecureSkipVerify {
		return ErrTLSCAFileRequired
	}
	if t.Mutual {
		return t.requireKeyPair()
	}
	return nil
}

// ValidateServer checks the TLS settings needed to accept sessions.
func (c Config) ValidateServer() error {
	if err := c.checkMode(); err != nil {
		return err
	}
	t := c.TLS
	if t.Enabled {
		if err := t.requireKeyPair(); err != nil {
			return err
		}
	}
	if t.Mutual && blank(t.CAFile) {
		return ErrTLSCAFileRequired
	}
	return nil
}

func (t TLSConfig) requireKeyPair() error {
	if blank(t.CertFile) {
		return ErrTLSCertFileRequired
	}
	if blank(t.KeyFile) {
		return ErrTLSKeyFileRequired
	}
	return nil
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// ClientTLSConfig builds the dial-side TLS config for addr.
func (c Config) ClientTLSConfig(addr string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(c.TLS.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(c.TLS.CAFile); caPath != "" {
		pool, err := loadCAPool(caPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if c.TLS.Mutual {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// ServerTLSConfig builds the listener TLS config; mutual or production mode
// requires verified client certificates.
func (c Config) ServerTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}

	if c.TLS.Mutual || NormalizeSecurityMode(c.SecurityMode) == SecurityModeProduction {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		pool, err := loadCAPool(c.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caPEM); !ok {
		return nil, fmt.Errorf("transport: parse tls ca bundle: %s", path)
	}
	return pool, nil
}

// PeerIdentityFromCert picks CN, then URI, then DNS name.
func PeerIdentityFromCert(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	if v := strings.TrimSpace(cert.Subject.CommonName); v != "" {
		return v
	}
	if len(cert.URIs) > 0 {
		if v := strings.TrimSpace(cert.URIs[0].String()); v != "" {
			return v
		}
	}
	if len(cert.DNSNames) > 0 {
		if v := strings.TrimSpace(cert.DNSNames[0]); v != "" {
			return v
		}
	}
	return ""
}
