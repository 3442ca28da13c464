package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// LabTargetConfig configures the bundled lab server.
type LabTargetConfig struct {
	ListenAddr      string
	Mode            string // "report" keeps serving after an overflow, "crash" stops like an aborting sanitizer
	Protocol        string // "raw" one unframed message, "framed" LEN(2, big-endian) + DATA
	ReadTimeout     time.Duration
	SanitizerLogDir string
	LogLevel        string
}

func LoadLabTargetConfig() (*LabTargetConfig, error) {
	logger := zap.NewExample().Named("config")

	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file loaded", zap.Error(err))
	}

	env := &envReader{}
	config := &LabTargetConfig{
		ListenAddr:      stringOr(os.Getenv("LAB_LISTEN_ADDR"), ":9999"),
		Mode:            stringOr(os.Getenv("LAB_MODE"), "report"),
		Protocol:        stringOr(os.Getenv("LAB_PROTOCOL"), "raw"),
		ReadTimeout:     env.duration("LAB_READ_TIMEOUT", 5*time.Second),
		SanitizerLogDir: os.Getenv("SANITIZER_LOG_DIR"),
		LogLevel:        stringOr(os.Getenv("LOG_LEVEL"), "info"),
	}

	if err := env.err(); err != nil {
		return nil, err
	}

	switch config.Mode {
	case "report", "crash":
	default:
		return nil, fmt.Errorf("%w: unknown lab mode %q", ErrInvalidConfig, config.Mode)
	}
	switch config.Protocol {
	case "raw", "framed":
	default:
		return nil, fmt.Errorf("%w: unknown lab protocol %q", ErrInvalidConfig, config.Protocol)
	}
	if config.ReadTimeout <= 0 {
		return nil, fmt.Errorf("%w: lab read timeout must be positive", ErrInvalidConfig)
	}
	return config, nil
}
