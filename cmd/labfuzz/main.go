package main

import (
	"labfuzz/config"
	"labfuzz/internal/checkpoint"
	"labfuzz/internal/crash"
	"labfuzz/internal/dict"
	"labfuzz/internal/session"
	"labfuzz/pkg/database"
	"labfuzz/pkg/logger"
	"labfuzz/pkg/mq"
	"labfuzz/pkg/telemetry"
	"labfuzz/pkg/watchdog"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.LoadConfig,           // inject config
			database.NewDBConnection,    // inject db connection
			database.NewRedisClient,     // inject redis client
			logger.NewLogger,            // inject logger
			mq.NewRabbitMQ,              // inject rabbitmq service
			telemetry.NewTelemetry,      // inject telemetry
			telemetry.NewTracerFactory,  // inject telemetry tracer factory
			dict.NewDictGrabber,         // inject dict grabber
			crash.NewCrashManager,       // inject crash manager
			checkpoint.NewStore,         // inject checkpoint store
			watchdog.NewWatchDogFactory, // inject watchdog factory
		),
		fx.Invoke(
			session.NewRunner, // run the fuzz session once the app has started
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			zlogger := fxevent.ZapLogger{Logger: log}
			zlogger.UseLogLevel(zap.DebugLevel)
			return &zlogger
		}),
	)
	app.Run()
}
