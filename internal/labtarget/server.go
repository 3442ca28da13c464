package labtarget

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"labfuzz/config"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	ParserBufSize = 16   // the parser's fixed stack buffer
	RecvSize      = 4096 // what the parser actually reads into it
)

var (
	ErrCrashed      = errors.New("lab target aborted after an overflow")
	ErrNotListening = errors.New("lab target is not listening")
)

var (
	replyOK  = []byte("OK\n")
	replyERR = []byte("ERR")
)

// Server emulates the vulnerable TCP lab server: one message per connection,
// read with a size far larger than the buffer it lands in.
type Server struct {
	cfg    config.LabTargetConfig
	logger *zap.Logger

	listener  net.Listener
	overflows atomic.Int64
	crashOnce sync.Once
	crashed   chan struct{}
	reportSeq atomic.Int64
}

func NewServer(cfg config.LabTargetConfig, logger *zap.Logger) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.Named("labtarget"),
		crashed: make(chan struct{}),
	}
}

func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	s.logger.Info("lab target listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("mode", s.cfg.Mode),
		zap.String("protocol", s.cfg.Protocol))
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Overflows counts messages that did not fit the parser buffer.
func (s *Server) Overflows() int {
	return int(s.overflows.Load())
}

// Serve accepts connections until ctx is done (nil) or, in crash mode, the
// first overflow (ErrCrashed).
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return ErrNotListening
	}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.crashed:
		}
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.crashed:
					return ErrCrashed
				default:
				}
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept failed: %w", err)
			}
			g.Go(func() error {
				s.handle(conn)
				return nil
			})
		}
	})

	return g.Wait()
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	logger := s.logger.With(zap.String("client", conn.RemoteAddr().String()))
	if err := conn.SetDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
		logger.Debug("failed to set deadline", zap.Error(err))
	}

	if s.cfg.Protocol == "framed" {
		s.handleFramed(conn, logger)
		return
	}

	buf := make([]byte, RecvSize)
	n, err := conn.Read(buf)
	if n == 0 {
		// liveness probes connect and leave without sending
		logger.Debug("connection closed without data", zap.Error(err))
		return
	}
	msg := buf[:n]
	logger.Debug("message received", zap.Int("size", n))

	if n >= ParserBufSize {
		s.overflow(msg, logger)
		if s.cfg.Mode == "crash" {
			return
		}
	}
	if _, err := conn.Write(replyOK); err != nil {
		logger.Debug("failed to reply", zap.Error(err))
	}
}

// handleFramed serves the bounded LEN(2)+DATA protocol. It never overflows.
func (s *Server) handleFramed(conn net.Conn, logger *zap.Logger) {
	var header [2]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		conn.Write(replyERR)
		return
	}
	// a 16-bit length caps frames at 65535 bytes
	size := int(binary.BigEndian.Uint16(header[:]))
	data := make([]byte, size)
	if _, err := io.ReadFull(conn, data); err != nil {
		logger.Debug("short frame", zap.Int("expected", size), zap.Error(err))
		conn.Write(replyERR)
		return
	}
	conn.Write(replyOK[:2])
}

func (s *Server) overflow(msg []byte, logger *zap.Logger) {
	s.overflows.Add(1)
	report := SanitizerReport(len(msg))
	logger.Warn("stack-buffer-overflow in parser",
		zap.Int("size", len(msg)),
		zap.Int("buffer", ParserBufSize))

	if dir := s.cfg.SanitizerLogDir; dir != "" {
		path := filepath.Join(dir, fmt.Sprintf("asan.%d.%d", os.Getpid(), s.reportSeq.Add(1)))
		if err := os.WriteFile(path, []byte(report), 0644); err != nil {
			logger.Error("failed to write sanitizer report", zap.String("path", path), zap.Error(err))
		}
	}

	if s.cfg.Mode == "crash" {
		s.crashOnce.Do(func() {
			logger.Error("aborting after overflow")
			close(s.crashed)
			// stop accepting before this connection is torn down
			s.listener.Close()
		})
	}
}

// SanitizerReport renders an AddressSanitizer-style report for a write of
// size bytes into the parser buffer.
func SanitizerReport(size int) string {
	return fmt.Sprintf(
		"==%d==ERROR: AddressSanitizer: stack-buffer-overflow on address of buf\n"+
			"WRITE of size %d at buf thread T0\n"+
			"    #0 in handle_client tcp_lab_server\n"+
			"  [32, %d) 'buf' <== Memory access at offset %d overflows this variable\n"+
			"SUMMARY: AddressSanitizer: stack-buffer-overflow in handle_client\n",
		os.Getpid(), size, 32+ParserBufSize, 32+size)
}
