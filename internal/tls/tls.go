// Package tls builds TLS settings for the admin API listener and for clients
// of it.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// Config holds the admin TLS material. The same shape serves the listener
// and guardctl.
type Config struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// ClientCAFile turns on mutual TLS for the listener. For clients it is
	// the bundle used to verify the server.
	ClientCAFile string `yaml:"client_ca_file"`
	ServerName   string `yaml:"server_name"`
}

var errHalfKeyPair = errors.New("cert_file and key_file must be set together")

// Enabled reports whether a key pair is configured.
func (c Config) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != ""
}

// Validate checks the file settings without reading them.
func (c Config) Validate() error {
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errHalfKeyPair
	}
	if c.ClientCAFile != "" && !filepath.IsAbs(c.ClientCAFile) {
		return fmt.Errorf("client_ca_file %q is not absolute", c.ClientCAFile)
	}
	return nil
}

// keyPair loads the configured certificate, if any.
func (c Config) keyPair() ([]tls.Certificate, error) {
	if !c.Enabled() {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	pair, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("key pair %s: %w", c.CertFile, err)
	}
	return []tls.Certificate{pair}, nil
}

// pool loads ClientCAFile, or returns nil when it is unset.
func (c Config) pool() (*x509.CertPool, error) {
	if c.ClientCAFile == "" {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	pem, err := os.ReadFile(filepath.Clean(c.ClientCAFile))
	if err != nil {
		return nil, fmt.Errorf("ca bundle: %w", err)
	}
	p := x509.NewCertPool()
	if !p.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("ca bundle %s holds no PEM certificates", c.ClientCAFile)
	}
	return p, nil
}

// BuildServer returns the listener settings. A CA bundle makes client
// certificates mandatory.
func BuildServer(cfg Config) (*tls.Config, error) {
	if !cfg.Enabled() {
		return nil, errors.New("server needs cert_file and key_file")
	}
	certs, err := cfg.keyPair()
	if err != nil {
		return nil, err
	}
	roots, err := cfg.pool()
	if err != nil {
		return nil, err
	}
	out := &tls.Config{MinVersion: tls.VersionTLS12, Certificates: certs}
	if roots != nil {
		out.ClientCAs = roots
		out.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return out, nil
}

// BuildClient returns settings for dialing the admin API. The key pair is
// optional and only needed against a mutual TLS listener.
func BuildClient(cfg Config) (*tls.Config, error) {
	certs, err := cfg.keyPair()
	if err != nil {
		return nil, err
	}
	roots, err := cfg.pool()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		ServerName:   cfg.ServerName,
		Certificates: certs,
		RootCAs:      roots,
	}, nil
}

// Listen wraps ln with TLS when cfg is non-nil.
func Listen(ln net.Listener, cfg *tls.Config) net.Listener {
	if cfg == nil {
		return ln
	}
	return tls.NewListener(ln, cfg)
}
