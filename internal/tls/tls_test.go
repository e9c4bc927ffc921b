package tls

import (
	cryptotls "crypto/tls"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSelfSigned writes a self-signed certificate valid for localhost and
// returns the cert and key paths.
func writeSelfSigned(t *testing.T, dir, name string) (string, string) {
	t.Helper()

	certPEM, keyPEM, err := GenerateSelfSigned(CertOptions{CommonName: name})
	require.NoError(t, err)

	certPath := filepath.Join(dir, name+".crt")
	keyPath := filepath.Join(dir, name+".key")
	require.NoError(t, WriteKeyPair(certPEM, keyPEM, certPath, keyPath))
	return certPath, keyPath
}

func serveOnce(t *testing.T, cfg *cryptotls.Config) string {
	t.Helper()
	raw, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln := Listen(raw, cfg)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.WriteString(conn, "hello")
			}()
		}
	}()
	return raw.Addr().String()
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{CertFile: "a", KeyFile: "b"}.Enabled())
	assert.Error(t, Config{CertFile: "a"}.Validate())
	assert.Error(t, Config{CertFile: "a", KeyFile: "b", ClientCAFile: "relative.pem"}.Validate())
}

func TestServerAndClientHandshake(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSigned(t, dir, "server")

	serverCfg, err := BuildServer(Config{CertFile: certPath, KeyFile: keyPath})
	require.NoError(t, err)
	assert.Equal(t, uint16(cryptotls.VersionTLS12), serverCfg.MinVersion)
	addr := serveOnce(t, serverCfg)

	clientCfg, err := BuildClient(Config{ClientCAFile: certPath, ServerName: "localhost"})
	require.NoError(t, err)

	conn, err := cryptotls.Dial("tcp", addr, clientCfg)
	require.NoError(t, err)
	defer conn.Close()
	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestMutualTLSRequiresClientCertificate(t *testing.T) {
	dir := t.TempDir()
	serverCert, serverKey := writeSelfSigned(t, dir, "server")
	clientCert, clientKey := writeSelfSigned(t, dir, "client")

	serverCfg, err := BuildServer(Config{CertFile: serverCert, KeyFile: serverKey, ClientCAFile: clientCert})
	require.NoError(t, err)
	assert.Equal(t, cryptotls.RequireAndVerifyClientCert, serverCfg.ClientAuth)
	addr := serveOnce(t, serverCfg)

	anonymous, err := BuildClient(Config{ClientCAFile: serverCert, ServerName: "localhost"})
	require.NoError(t, err)
	conn, err := cryptotls.Dial("tcp", addr, anonymous)
	if err == nil {
		// TLS 1.3 reports the missing certificate on first read.
		_, err = io.ReadAll(conn)
		conn.Close()
	}
	assert.Error(t, err)

	authed, err := BuildClient(Config{CertFile: clientCert, KeyFile: clientKey, ClientCAFile: serverCert, ServerName: "localhost"})
	require.NoError(t, err)
	conn, err = cryptotls.Dial("tcp", addr, authed)
	require.NoError(t, err)
	defer conn.Close()
	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestBuildErrors(t *testing.T) {
	dir := t.TempDir()
	certPath, _ := writeSelfSigned(t, dir, "server")

	_, err := BuildServer(Config{CertFile: filepath.Join(dir, "missing.crt"), KeyFile: filepath.Join(dir, "missing.key")})
	assert.Error(t, err)

	_, err = BuildClient(Config{CertFile: certPath})
	assert.Error(t, err)

	_, err = BuildClient(Config{ClientCAFile: "relative/ca.pem"})
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.pem")
	require.NoError(t, os.WriteFile(empty, []byte("not a cert"), 0o600))
	_, err = BuildClient(Config{ClientCAFile: empty})
	assert.Error(t, err)

	assert.Nil(t, Listen(nil, nil))
}

func TestGenerateAndInspect(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	certPEM, keyPEM, err := GenerateSelfSigned(CertOptions{
		CommonName:  "guard.internal",
		DNSNames:    []string{"guard.internal"},
		IPAddresses: []net.IP{net.ParseIP("10.0.0.7")},
		ValidFor:    24 * time.Hour,
		Now:         func() time.Time { return now },
	})
	require.NoError(t, err)

	certPath := filepath.Join(dir, "nested", "admin.crt")
	keyPath := filepath.Join(dir, "nested", "admin.key")
	require.NoError(t, WriteKeyPair(certPEM, keyPEM, certPath, keyPath))

	st, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	info, err := Inspect(certPath)
	require.NoError(t, err)
	assert.Contains(t, info.Subject, "CN=guard.internal")
	assert.True(t, info.SelfSigned)
	assert.True(t, info.IsCA)
	assert.Equal(t, []string{"guard.internal"}, info.DNSNames)
	assert.Equal(t, []string{"10.0.0.7"}, info.IPAddresses)
	assert.Equal(t, now.Add(24*time.Hour), info.NotAfter.UTC())

	_, err = cryptotls.LoadX509KeyPair(certPath, keyPath)
	assert.NoError(t, err)

	_, err = Inspect(keyPath)
	assert.Error(t, err, "a key file is not a certificate")
}
