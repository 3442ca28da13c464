package crash

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"labfuzz/config"
	"labfuzz/internal/request"
	"labfuzz/internal/transport"
	"labfuzz/internal/types"
	"labfuzz/internal/utils"
	"os"
	"path/filepath"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

type fakeMQ struct {
	mu        sync.Mutex
	declared  []string
	published map[string][][]byte
}

func (f *fakeMQ) GetChannel() *amqp.Channel { return nil }

func (f *fakeMQ) DeclareQueue(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared = append(f.declared, name)
	return nil
}

func (f *fakeMQ) Publish(ctx context.Context, queue string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.published == nil {
		f.published = make(map[string][][]byte)
	}
	f.published[queue] = append(f.published[queue], body)
	return nil
}

func newTestConfig(t *testing.T) *config.AppConfig {
	return &config.AppConfig{
		SessionID:     "session-1",
		SessionConfig: config.SessionConfig{CrashDir: t.TempDir()},
	}
}

func crashMsg(index int, payload string) types.CrashMessage {
	return types.CrashMessage{
		SessionID: "session-1",
		Target:    "127.0.0.1:9999",
		TestCase: request.TestCase{
			Index:     index,
			Request:   "tcp_lab",
			Primitive: "payload",
			Payload:   []byte(payload),
		},
		Kind:   types.CrashRefused,
		Reason: "connection refused",
	}
}

func TestCrashManager_StoresDedupesAndPublishes(t *testing.T) {
	cfg := newTestConfig(t)
	lc := fxtest.NewLifecycle(t)
	broker := &fakeMQ{}

	manager, err := NewCrashManager(CrashManagerParams{
		Lc:        lc,
		AppConfig: cfg,
		Logger:    zap.NewNop(),
		RabbitMQ:  broker,
	})
	require.NoError(t, err)
	lc.RequireStart()

	ch := make(chan types.CrashMessage, 4)
	manager.RegisterCrashChan(context.Background(), ch)
	ch <- crashMsg(1, "AAAAAAAAAAAAAAAAAAAAAAAA")
	ch <- crashMsg(2, "AAAAAAAAAAAAAAAAAAAAAAAA")
	ch <- crashMsg(3, "%n%n%n")
	close(ch)

	lc.RequireStop()

	sum := md5.Sum([]byte("AAAAAAAAAAAAAAAAAAAAAAAA"))
	stored := filepath.Join(manager.Folder(), "tcp_lab", hex.EncodeToString(sum[:]))
	data, err := os.ReadFile(stored)
	require.NoError(t, err)
	assert.Equal(t, "AAAAAAAAAAAAAAAAAAAAAAAA", string(data))

	entries, err := os.ReadDir(filepath.Join(manager.Folder(), "tcp_lab"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	assert.Equal(t, []string{CrashQueueName}, broker.declared)
	require.Len(t, broker.published[CrashQueueName], 3)
	var event types.CrashEvent
	require.NoError(t, json.Unmarshal(broker.published[CrashQueueName][0], &event))
	assert.Equal(t, "session-1", event.SessionID)
	assert.Equal(t, 1, event.TestCaseIndex)
	assert.Equal(t, "connection_refused", event.Kind)
	assert.Equal(t, 24, event.PayloadSize)

	assert.True(t, utils.IsTarGz(manager.Folder()+".tar.gz"))
}

func TestCrashManager_NoCrashesNoBundle(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	manager, err := NewCrashManager(CrashManagerParams{
		Lc:        lc,
		AppConfig: newTestConfig(t),
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	lc.RequireStart()

	ch := make(chan types.CrashMessage)
	manager.RegisterCrashChan(context.Background(), ch)
	close(ch)
	lc.RequireStop()

	_, err = os.Stat(manager.Folder() + ".tar.gz")
	assert.True(t, os.IsNotExist(err))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, types.CrashRefused, KindOf(fmt.Errorf("open: %w", transport.ErrConnectionRefused)))
	assert.Equal(t, types.CrashReset, KindOf(fmt.Errorf("send: %w", transport.ErrConnectionReset)))
	assert.Equal(t, types.CrashAborted, KindOf(errors.New("something else")))
}

func TestCrashManager_SamePayloadAcrossRequests(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	broker := &fakeMQ{}
	manager, err := NewCrashManager(CrashManagerParams{
		Lc:        lc,
		AppConfig: newTestConfig(t),
		Logger:    zap.NewNop(),
		RabbitMQ:  broker,
	})
	require.NoError(t, err)
	lc.RequireStart()

	first := crashMsg(1, "AAAA")
	second := crashMsg(2, "AAAA")
	second.TestCase.Request = "tcp_lab_framed"

	ch := make(chan types.CrashMessage, 2)
	manager.RegisterCrashChan(context.Background(), ch)
	ch <- first
	ch <- second
	close(ch)
	lc.RequireStop()

	require.Len(t, broker.published[CrashQueueName], 2)
	for i, req := range []string{"tcp_lab", "tcp_lab_framed"} {
		var event types.CrashEvent
		require.NoError(t, json.Unmarshal(broker.published[CrashQueueName][i], &event))
		assert.Equal(t, req, filepath.Base(filepath.Dir(event.PayloadPath)))

		data, err := os.ReadFile(event.PayloadPath)
		require.NoError(t, err, "payload for %s", req)
		assert.Equal(t, "AAAA", string(data))
	}
}
