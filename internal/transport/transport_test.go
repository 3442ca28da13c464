package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServer starts a listener that hands each accepted connection to handle.
func startServer(t *testing.T, handle func(net.Conn)) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func newConn(host string, port int) *TCPConnection {
	return NewTCPConnection(host, port, time.Second, time.Second, 200*time.Millisecond)
}

func TestTCPConnection_SendRecv(t *testing.T) {
	host, port := startServer(t, func(c net.Conn) {
		defer c.Close()
		buf := make([]byte, 64)
		n, _ := c.Read(buf)
		c.Write(append([]byte("OK:"), buf[:n]...))
	})

	conn := newConn(host, port)
	ctx := context.Background()
	require.NoError(t, conn.Open(ctx))
	defer conn.Close()

	n, err := conn.Send(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	data, err := conn.Recv(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "OK:hello", string(data))
}

func TestTCPConnection_RecvTimeoutIsNotAnError(t *testing.T) {
	host, port := startServer(t, func(c net.Conn) {
		defer c.Close()
		io.Copy(io.Discard, c)
	})

	conn := newConn(host, port)
	ctx := context.Background()
	require.NoError(t, conn.Open(ctx))
	defer conn.Close()

	start := time.Now()
	data, err := conn.Recv(ctx, 16)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestTCPConnection_RecvAfterPeerClose(t *testing.T) {
	host, port := startServer(t, func(c net.Conn) {
		c.Close()
	})

	conn := newConn(host, port)
	ctx := context.Background()
	require.NoError(t, conn.Open(ctx))
	defer conn.Close()

	data, err := conn.Recv(ctx, 16)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestTCPConnection_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	conn := newConn("127.0.0.1", port)
	err = conn.Open(context.Background())
	assert.ErrorIs(t, err, ErrConnectionRefused)
}

func TestTCPConnection_NotOpen(t *testing.T) {
	conn := newConn("127.0.0.1", 1)
	_, err := conn.Send(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrNotOpen)
	_, err = conn.Recv(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.NoError(t, conn.Close())
}

func TestTCPConnection_Info(t *testing.T) {
	assert.Equal(t, "127.0.0.1:9999", newConn("127.0.0.1", 9999).Info())
	assert.Equal(t, "[::1]:9999", newConn("::1", 9999).Info())
}
