package session

import (
	"context"
	"errors"
	"fmt"
	"labfuzz/config"
	"labfuzz/internal/checkpoint"
	"labfuzz/internal/crash"
	"labfuzz/internal/dict"
	"labfuzz/internal/primitive"
	"labfuzz/internal/request"
	"labfuzz/internal/target"
	"labfuzz/internal/transport"
	"labfuzz/pkg/database"
	"labfuzz/pkg/telemetry"
	"labfuzz/pkg/watchdog"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// how long PostSend waits for a sanitizer to flush its report
const sanitizerSettle = 100 * time.Millisecond

const (
	StatusFinished    = "finished"
	StatusInterrupted = "interrupted"
	StatusTargetDown  = "target_down"
	StatusFailed      = "failed"
)

// Runner builds the configured session and runs it once when the app starts.
type Runner struct {
	cfg             *config.AppConfig
	logger          *zap.Logger
	shutdowner      fx.Shutdowner
	tracerFactory   *telemetry.TracerFactory
	crashManager    *crash.CrashManager
	dictGrabber     *dict.DictGrabber
	watchDogFactory *watchdog.WatchDogFactory
	store           checkpoint.Store
	db              *gorm.DB

	done chan struct{}
}

type RunnerParams struct {
	fx.In

	Lc              fx.Lifecycle
	Shutdowner      fx.Shutdowner
	AppConfig       *config.AppConfig
	Logger          *zap.Logger
	TracerFactory   *telemetry.TracerFactory
	CrashManager    *crash.CrashManager
	DictGrabber     *dict.DictGrabber
	WatchDogFactory *watchdog.WatchDogFactory
	Store           checkpoint.Store
	DB              *gorm.DB `optional:"true"`
}

func NewRunner(p RunnerParams) *Runner {
	r := &Runner{
		cfg:             p.AppConfig,
		logger:          p.Logger,
		shutdowner:      p.Shutdowner,
		tracerFactory:   p.TracerFactory,
		crashManager:    p.CrashManager,
		dictGrabber:     p.DictGrabber,
		watchDogFactory: p.WatchDogFactory,
		store:           p.Store,
		db:              p.DB,
		done:            make(chan struct{}),
	}

	runCtx, cancel := context.WithCancel(context.Background())

	p.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go r.start(runCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			<-r.done
			return nil
		},
	})
	return r
}

func (r *Runner) start(ctx context.Context) {
	defer close(r.done)

	exitCode := 0
	summary, err := r.Run(ctx)
	switch {
	case err == nil:
		r.logger.Info("session finished",
			zap.Int("total", summary.Total),
			zap.Int("executed", summary.Executed),
			zap.Int("failures", summary.Failures),
			zap.Duration("elapsed", summary.Elapsed))
	case ctx.Err() != nil:
		// stopped by a signal, fx is already shutting down
		r.logger.Info("session interrupted", zap.Int("executed", summary.Executed))
		return
	default:
		r.logger.Error("session failed", zap.Int("executed", summary.Executed), zap.Error(err))
		exitCode = 1
	}

	if err := r.shutdowner.Shutdown(fx.ExitCode(exitCode)); err != nil {
		r.logger.Error("failed to shut down", zap.Error(err))
	}
}

// Run builds the request, target and monitors from the config and fuzzes once.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	startedAt := time.Now()

	req, err := r.buildRequest(ctx)
	if err != nil {
		return Summary{SessionID: r.cfg.SessionID}, err
	}

	tc := r.cfg.TargetConfig
	conn := transport.NewTCPConnection(tc.Host, tc.Port, tc.ConnectTimeout, tc.SendTimeout, tc.RecvTimeout)
	tgt := target.New(conn, r.logger)
	tgt.AddMonitor(target.NewProbeMonitor(tgt))

	if tc.SanitizerLogDir != "" {
		watchCtx, stopWatch := context.WithCancel(ctx)
		defer stopWatch()
		reports := make(chan string, 64)
		wd, err := r.watchDogFactory.New(watchCtx, reports, isSanitizerReport)
		if err != nil {
			return Summary{SessionID: r.cfg.SessionID}, err
		}
		defer func() {
			stopWatch()
			<-wd.Done()
		}()
		if err := wd.AddDir(tc.SanitizerLogDir); err != nil {
			return Summary{SessionID: r.cfg.SessionID}, err
		}
		tgt.AddMonitor(target.NewSanitizerMonitor(watchCtx, reports, sanitizerSettle, r.logger.Named("sanitizer")))
	}

	opts := []Option{
		WithCheckpointStore(r.store),
		WithTracerFactory(r.tracerFactory),
	}
	if r.crashManager != nil {
		opts = append(opts, WithCrashSink(r.crashManager))
	}
	sess := New(tgt, r.logger, OptionsFromConfig(r.cfg), opts...)
	if err := sess.Connect(req); err != nil {
		return Summary{SessionID: r.cfg.SessionID}, err
	}

	summary, err := sess.Fuzz(ctx)
	r.recordRun(req.Name, startedAt, summary, err)
	return summary, err
}

// buildRequest loads REQUEST_FILE when set, otherwise registers the single
// string request.
func (r *Runner) buildRequest(ctx context.Context) (*request.Request, error) {
	rc := r.cfg.RequestConfig

	var dictionary [][]byte
	if r.dictGrabber != nil {
		entries, err := r.dictGrabber.GrabDict(ctx, rc.Name, rc.DictFiles)
		if err != nil {
			return nil, fmt.Errorf("failed to load dictionaries: %w", err)
		}
		dictionary = entries
	}

	if rc.RequestFile != "" {
		req, err := request.Load(rc.RequestFile, dictionary)
		if err != nil {
			return nil, err
		}
		r.logger.Info("request loaded", zap.String("file", rc.RequestFile), zap.String("request", req.Name))
		return req, nil
	}

	builder, err := request.NewRegistry().Initialize(rc.Name)
	if err != nil {
		return nil, err
	}
	return builder.String(rc.PrimitiveName, rc.Seed(), primitive.WithDictionary(dictionary)).Done()
}

func (r *Runner) recordRun(requestName string, startedAt time.Time, summary Summary, err error) {
	if r.db == nil {
		return
	}
	run := &database.SessionRun{
		SessionID:  summary.SessionID,
		Target:     r.cfg.TargetConfig.Address(),
		Request:    requestName,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
		Total:      summary.Total,
		Executed:   summary.Executed,
		Failures:   summary.Failures,
		Status:     Status(err),
	}
	if err := database.UpsertSessionRun(context.Background(), r.db, run); err != nil {
		r.logger.Error("failed to record session run", zap.Error(err))
	}
}

// Status names the outcome of Fuzz.
func Status(err error) string {
	switch {
	case err == nil:
		return StatusFinished
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StatusInterrupted
	case errors.Is(err, ErrTargetDown):
		return StatusTargetDown
	default:
		return StatusFailed
	}
}

func isSanitizerReport(name string) bool {
	base := filepath.Base(name)
	return !strings.HasPrefix(base, ".") && !strings.HasSuffix(base, ".tmp")
}
