package target

import (
	"context"
	"labfuzz/internal/request"
	"labfuzz/internal/transport"

	"go.uber.org/zap"
)

// Monitor observes the target around each test case. PostSend reports
// whether the test case brought the target down, with a human readable reason.
type Monitor interface {
	Name() string
	PreSend(ctx context.Context, tc request.TestCase)
	PostSend(ctx context.Context, tc request.TestCase) (crashed bool, reason string)
}

// Target is the system under test: one connection plus the monitors that
// watch it.
type Target struct {
	conn     transport.Connection
	monitors []Monitor
	logger   *zap.Logger
}

func New(conn transport.Connection, logger *zap.Logger, monitors ...Monitor) *Target {
	return &Target{
		conn:     conn,
		monitors: monitors,
		logger:   logger.With(zap.String("target", conn.Info())),
	}
}

func (t *Target) Info() string {
	return t.conn.Info()
}

func (t *Target) Monitors() []Monitor {
	return t.monitors
}

func (t *Target) AddMonitor(m Monitor) {
	t.monitors = append(t.monitors, m)
}

func (t *Target) Open(ctx context.Context) error {
	t.logger.Debug("opening target connection")
	if err := t.conn.Open(ctx); err != nil {
		t.logger.Debug("failed to open target connection", zap.Error(err))
		return err
	}
	return nil
}

func (t *Target) Close() error {
	t.logger.Debug("closing target connection")
	return t.conn.Close()
}

func (t *Target) Send(ctx context.Context, data []byte) (int, error) {
	n, err := t.conn.Send(ctx, data)
	if err != nil {
		t.logger.Debug("send failed", zap.Int("sent", n), zap.Int("size", len(data)), zap.Error(err))
		return n, err
	}
	t.logger.Debug("sent payload", zap.Int("size", n))
	return n, nil
}

func (t *Target) Recv(ctx context.Context, max int) ([]byte, error) {
	data, err := t.conn.Recv(ctx, max)
	if err != nil {
		t.logger.Debug("recv failed", zap.Error(err))
		return data, err
	}
	t.logger.Debug("received response", zap.Int("size", len(data)))
	return data, nil
}

// Alive checks whether the target accepts connections.
func (t *Target) Alive(ctx context.Context) bool {
	if err := t.conn.Open(ctx); err != nil {
		return false
	}
	t.conn.Close()
	return true
}
