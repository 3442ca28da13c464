package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"
)

var (
	ErrConnectionRefused = errors.New("connection refused")
	ErrConnectionReset   = errors.New("connection reset")
	ErrConnectionAborted = errors.New("connection aborted")
	ErrNotOpen           = errors.New("connection not open")
)

const DefaultRecvSize = 4096

// Connection is the byte pipe between a session and the target-under-test.
type Connection interface {
	Open(ctx context.Context) error
	Close() error
	Send(ctx context.Context, data []byte) (int, error)
	// Recv reads up to max bytes. A read timeout is not an error and yields
	// whatever arrived before it.
	Recv(ctx context.Context, max int) ([]byte, error)
	Info() string
}

type TCPConnection struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	RecvTimeout    time.Duration

	mu   sync.Mutex
	conn net.Conn
}

func NewTCPConnection(host string, port int, connectTimeout, sendTimeout, recvTimeout time.Duration) *TCPConnection {
	return &TCPConnection{
		Host:           host,
		Port:           port,
		ConnectTimeout: connectTimeout,
		SendTimeout:    sendTimeout,
		RecvTimeout:    recvTimeout,
	}
}

func (c *TCPConnection) Info() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *TCPConnection) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	dialer := net.Dialer{Timeout: c.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.Info())
	if err != nil {
		return classify("open", err)
	}
	c.conn = conn
	return nil
}

func (c *TCPConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *TCPConnection) current() (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotOpen
	}
	return c.conn, nil
}

func (c *TCPConnection) Send(ctx context.Context, data []byte) (int, error) {
	conn, err := c.current()
	if err != nil {
		return 0, err
	}
	if err := conn.SetWriteDeadline(deadline(ctx, c.SendTimeout)); err != nil {
		return 0, classify("send", err)
	}
	n, err := conn.Write(data)
	if err != nil {
		return n, classify("send", err)
	}
	return n, nil
}

func (c *TCPConnection) Recv(ctx context.Context, max int) ([]byte, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	if max <= 0 {
		max = DefaultRecvSize
	}
	if err := conn.SetReadDeadline(deadline(ctx, c.RecvTimeout)); err != nil {
		return nil, classify("recv", err)
	}

	buf := make([]byte, max)
	n, err := conn.Read(buf)
	data := buf[:n]
	switch {
	case err == nil:
		return data, nil
	case errors.Is(err, io.EOF):
		return data, nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return data, nil
	case errors.Is(err, syscall.ECONNRESET):
		// the target hung up on us, which is not a transport failure by itself
		return data, nil
	default:
		return data, classify("recv", err)
	}
}

// deadline picks the earlier of the context deadline and now+timeout.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

// classify maps low level socket errors onto the package sentinels while
// keeping the original error in the chain.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%s: %w: %w", op, ErrConnectionRefused, err)
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return fmt.Errorf("%s: %w: %w", op, ErrConnectionReset, err)
	case errors.Is(err, syscall.ECONNABORTED), errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%s: %w: %w", op, ErrConnectionAborted, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
