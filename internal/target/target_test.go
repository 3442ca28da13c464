package target

import (
	"context"
	"labfuzz/internal/request"
	"labfuzz/internal/transport"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 64)
				c.Read(buf)
				c.Write([]byte("OK\n"))
			}(conn)
		}
	}()
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func newTarget(port int) *Target {
	conn := transport.NewTCPConnection("127.0.0.1", port, time.Second, time.Second, 500*time.Millisecond)
	return New(conn, zap.NewNop())
}

func TestTarget_RoundTrip(t *testing.T) {
	ln, port := listen(t)
	defer ln.Close()

	tgt := newTarget(port)
	ctx := context.Background()
	require.NoError(t, tgt.Open(ctx))
	n, err := tgt.Send(ctx, []byte("AAAA"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	data, err := tgt.Recv(ctx, 16)
	require.NoError(t, err)
	assert.Equal(t, "OK\n", string(data))
	assert.NoError(t, tgt.Close())
}

func TestProbeMonitor(t *testing.T) {
	ln, port := listen(t)
	tgt := newTarget(port)
	probe := NewProbeMonitor(tgt)
	tgt.AddMonitor(probe)
	require.Len(t, tgt.Monitors(), 1)

	crashed, _ := probe.PostSend(context.Background(), request.TestCase{})
	assert.False(t, crashed)

	ln.Close()
	crashed, reason := probe.PostSend(context.Background(), request.TestCase{})
	assert.True(t, crashed)
	assert.Contains(t, reason, "stopped accepting connections")
}

func TestSanitizerMonitor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	stale := filepath.Join(dir, "asan.1")
	fresh := filepath.Join(dir, "asan.2")
	require.NoError(t, os.WriteFile(fresh, []byte(
		"==1==ERROR: AddressSanitizer: stack-buffer-overflow on address 0x7ff\n"+
			"SUMMARY: AddressSanitizer: stack-buffer-overflow tcp_lab_server.cpp:36 in handle_client\n"), 0644))

	reports := make(chan string, 4)
	mon := NewSanitizerMonitor(ctx, reports, 300*time.Millisecond, zap.NewNop())
	tc := request.TestCase{Index: 3}

	reports <- stale
	require.Eventually(t, func() bool {
		mon.mu.Lock()
		defer mon.mu.Unlock()
		return len(mon.pending) == 1
	}, time.Second, 10*time.Millisecond)

	mon.PreSend(ctx, tc)
	crashed, _ := mon.PostSend(ctx, tc)
	assert.False(t, crashed, "stale reports must be dropped before the send")

	mon.PreSend(ctx, tc)
	reports <- fresh
	crashed, reason := mon.PostSend(ctx, tc)
	assert.True(t, crashed)
	assert.Contains(t, reason, "SUMMARY: AddressSanitizer: stack-buffer-overflow")
}

func TestReadSanitizerReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report")
	require.NoError(t, os.WriteFile(path, []byte("noise\n==9==ERROR: AddressSanitizer: heap-use-after-free\n"), 0644))
	assert.Equal(t, "==9==ERROR: AddressSanitizer: heap-use-after-free", ReadSanitizerReport(path).Summary)

	missing := ReadSanitizerReport(filepath.Join(t.TempDir(), "gone"))
	assert.Empty(t, missing.Summary)
}
