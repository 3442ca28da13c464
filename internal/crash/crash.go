package crash

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"labfuzz/config"
	"labfuzz/internal/transport"
	"labfuzz/internal/types"
	"labfuzz/internal/utils"
	"labfuzz/pkg/database"
	"labfuzz/pkg/mq"
	"labfuzz/pkg/telemetry"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const CrashQueueName = "labfuzz_crashes"

type CrashManager struct {
	db       *gorm.DB
	rabbitMQ mq.RabbitMQ
	logger   *zap.Logger

	crashFolder string
	crashChan   chan types.CrashMessage
	wg          sync.WaitGroup
	done        chan struct{}

	mu     sync.Mutex
	stored map[string]struct{} // <request>/<md5> of every payload written so far
}

type CrashManagerParams struct {
	fx.In

	Lc        fx.Lifecycle
	AppConfig *config.AppConfig
	Logger    *zap.Logger
	DB        *gorm.DB    `optional:"true"`
	RabbitMQ  mq.RabbitMQ `optional:"true"`
}

func NewCrashManager(p CrashManagerParams) (*CrashManager, error) {
	crashFolder := filepath.Join(p.AppConfig.SessionConfig.CrashDir, p.AppConfig.SessionID)
	if err := os.MkdirAll(crashFolder, 0755); err != nil {
		// if we can't create the crash folder, there's no point in continuing
		return nil, fmt.Errorf("failed to create crash folder: %w", err)
	}

	c := &CrashManager{
		db:          p.DB,
		rabbitMQ:    p.RabbitMQ,
		logger:      p.Logger.Named("crash"),
		crashFolder: crashFolder,
		crashChan:   make(chan types.CrashMessage, 1024),
		done:        make(chan struct{}),
		stored:      make(map[string]struct{}),
	}

	p.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			c.logger.Debug("starting crash manager")
			if c.rabbitMQ != nil {
				if err := c.rabbitMQ.DeclareQueue(CrashQueueName); err != nil {
					c.logger.Error("failed to declare crash queue, events will not be published", zap.Error(err))
					c.rabbitMQ = nil
				}
			}
			go c.start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			c.logger.Info("stopping crash manager")
			c.wg.Wait() // wait until all crash channels are properly closed
			close(c.crashChan)
			<-c.done // wait until all crashes are processed
			c.bundle()
			return nil
		},
	})

	return c, nil
}

// Folder is where payloads of this session are written.
func (c *CrashManager) Folder() string {
	return c.crashFolder
}

// RegisterCrashChan routes a session's crash channel into the manager. The
// caller owns rCh and must close it when done.
func (c *CrashManager) RegisterCrashChan(ctx context.Context, rCh <-chan types.CrashMessage) {
	c.wg.Add(1)
	povTracer := telemetry.FromContext(ctx).Spawn("crash manager")
	povTracer.Start()
	go func() {
		defer c.wg.Done()
		defer povTracer.End()

		crashCounter := 0
		for crash := range rCh {
			crashCounter++
			c.logger.Debug("new crash message received",
				zap.Int("test_case", crash.TestCase.Index),
				zap.String("kind", string(crash.Kind)))
			c.crashChan <- crash
		}
		c.logger.Debug("crash channel closed")

		povTracer.WithAttributes(telemetry.EmptySpanAttributes().WithExtraAttribute("crashes_found", crashCounter))
	}()
	c.logger.Debug("new crash channel registered")
}

func (c *CrashManager) start() {
	defer close(c.done)
	for crash := range c.crashChan {
		if err := c.processCrash(crash); err != nil {
			c.logger.Error("failed to process crash", zap.Error(err))
		}
	}
}

// processCrash stores a single failing test case
func (c *CrashManager) processCrash(msg types.CrashMessage) error {
	crashStore := filepath.Join(c.crashFolder, msg.TestCase.Request)
	if err := os.MkdirAll(crashStore, 0755); err != nil {
		return fmt.Errorf("failed to create crash store directory: %w", err)
	}

	payloadMd5 := md5.Sum(msg.TestCase.Payload)
	md5Hex := hex.EncodeToString(payloadMd5[:])
	crashPath := filepath.Join(crashStore, md5Hex)

	storeKey := filepath.Join(msg.TestCase.Request, md5Hex)
	c.mu.Lock()
	_, duplicate := c.stored[storeKey]
	c.stored[storeKey] = struct{}{}
	c.mu.Unlock()
	if duplicate {
		c.logger.Debug("payload already stored", zap.String("md5", md5Hex), zap.Int("test_case", msg.TestCase.Index))
	} else if err := os.WriteFile(crashPath, msg.TestCase.Payload, 0644); err != nil {
		return fmt.Errorf("failed to write crash file: %w", err)
	}

	c.logger.Warn("crash recorded",
		zap.Int("test_case", msg.TestCase.Index),
		zap.String("primitive", msg.TestCase.Primitive),
		zap.String("kind", string(msg.Kind)),
		zap.String("reason", msg.Reason),
		zap.String("payload", crashPath))

	if c.db != nil {
		row := database.NewCrash(
			msg.SessionID,
			msg.Target,
			msg.TestCase.Request,
			msg.TestCase.Primitive,
			msg.TestCase.Index,
			database.CrashKindEnum(msg.Kind),
			msg.Reason,
			crashPath,
			md5Hex,
		)
		row.Detail = database.Metric{
			"mutation_index": msg.TestCase.MutationIndex,
			"payload_size":   len(msg.TestCase.Payload),
		}
		// Use the global context for database operations
		if err := database.AddCrashes(context.Background(), c.db, []*database.Crash{row}); err != nil {
			return fmt.Errorf("failed to add crash: %w", err)
		}
	}

	if c.rabbitMQ != nil {
		body, err := json.Marshal(NewCrashEvent(msg, crashPath, md5Hex))
		if err != nil {
			return fmt.Errorf("failed to marshal crash event: %w", err)
		}
		if err := c.rabbitMQ.Publish(context.Background(), CrashQueueName, body); err != nil {
			return fmt.Errorf("failed to publish crash event: %w", err)
		}
	}

	return nil
}

func NewCrashEvent(msg types.CrashMessage, payloadPath, payloadMd5 string) types.CrashEvent {
	return types.CrashEvent{
		SessionID:     msg.SessionID,
		Target:        msg.Target,
		Request:       msg.TestCase.Request,
		Primitive:     msg.TestCase.Primitive,
		TestCaseIndex: msg.TestCase.Index,
		Kind:          string(msg.Kind),
		Reason:        msg.Reason,
		PayloadPath:   payloadPath,
		PayloadMd5:    payloadMd5,
		PayloadSize:   len(msg.TestCase.Payload),
	}
}

// KindOf maps a transport error onto a crash kind.
func KindOf(err error) types.CrashKind {
	switch {
	case errors.Is(err, transport.ErrConnectionRefused):
		return types.CrashRefused
	case errors.Is(err, transport.ErrConnectionReset):
		return types.CrashReset
	default:
		return types.CrashAborted
	}
}

// bundle packs the session's crash folder next to it, if anything was stored.
func (c *CrashManager) bundle() {
	c.mu.Lock()
	count := len(c.stored)
	c.mu.Unlock()
	if count == 0 {
		return
	}
	bundlePath := c.crashFolder + ".tar.gz"
	if err := utils.CompressTarGz(c.crashFolder, bundlePath); err != nil {
		c.logger.Error("failed to bundle crashes", zap.Error(err))
		return
	}
	c.logger.Info("crashes bundled", zap.String("bundle", bundlePath), zap.Int("unique_payloads", count))
}
