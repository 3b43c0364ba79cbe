package certs

import (
	"crypto/tls"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndHandshake(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Generate(dir, time.Hour, "member-a.internal"))

	info, err := os.Stat(filepath.Join(dir, ServerKeyFile))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	serverConfig, err := LoadServerTLSConfig(dir)
	require.NoError(t, err)
	clientConfig, err := LoadClientTLSConfig(dir)
	require.NoError(t, err)
	clientConfig.ServerName = "localhost"

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverConfig)
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		_, err = io.Copy(conn, io.LimitReader(conn, 4))
		done <- err
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), clientConfig)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
	require.NoError(t, <-done)
}

func TestServerRejectsClientWithoutCertificate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Generate(dir, time.Hour))
	serverConfig, err := LoadServerTLSConfig(dir)
	require.NoError(t, err)
	clientConfig, err := LoadClientTLSConfig(dir)
	require.NoError(t, err)
	clientConfig.Certificates = nil
	clientConfig.ServerName = "localhost"

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverConfig)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_ = conn.(*tls.Conn).Handshake()
		conn.Close()
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	tlsConn := tls.Client(conn, clientConfig)
	defer tlsConn.Close()
	err = tlsConn.Handshake()
	if err == nil {
		// TLS 1.3 reports the rejected client certificate on the first read.
		_, err = tlsConn.Read(make([]byte, 1))
	}
	require.Error(t, err)
}

func TestLoadRejectsMissingOrBadCA(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadClientTLSConfig(dir)
	require.Error(t, err)

	require.NoError(t, Generate(dir, time.Hour))
	require.NoError(t, os.WriteFile(filepath.Join(dir, CACertFile), []byte("not pem"), 0600))
	_, err = LoadServerTLSConfig(dir)
	require.ErrorIs(t, err, errNoCACerts)
}
