package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid config")

type AppConfig struct {
	DatabaseURL string
	RabbitMQURL string
	RedisUrl    string
	LogLevel    string
	ServiceName string
	OtelEnabled bool
	SessionID   string

	// exported parent span (JSON carrier) the session span is started under
	TraceContext string

	TargetConfig  TargetConfig
	RequestConfig RequestConfig
	SessionConfig SessionConfig
}

// TargetConfig describes the endpoint under test and how to talk to it.
type TargetConfig struct {
	Host            string
	Port            int
	ConnectTimeout  time.Duration
	SendTimeout     time.Duration
	RecvTimeout     time.Duration
	SanitizerLogDir string
}

// RequestConfig describes the single fuzzable request. When RequestFile is set
// it overrides the single-string layout.
type RequestConfig struct {
	Name          string
	PrimitiveName string
	SeedChar      string
	SeedLength    int
	RequestFile   string
	DictFiles     []string
}

type SessionConfig struct {
	SleepTime       time.Duration
	MaxTestCases    int
	CrashThreshold  int
	ReceiveResponse bool
	RestartWait     time.Duration
	CrashDir        string
}

// Address returns host:port of the target.
func (t TargetConfig) Address() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// Seed renders the seed value of the fuzzable string.
func (r RequestConfig) Seed() string {
	return strings.Repeat(r.SeedChar, r.SeedLength)
}

func LoadConfig() (*AppConfig, error) {
	// use a temporary logger for now
	logger := zap.NewExample().Named("config")

	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file loaded", zap.Error(err))
	}

	env := &envReader{}
	config := &AppConfig{
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RabbitMQURL:  os.Getenv("RABBITMQ_URL"),
		RedisUrl:     os.Getenv("REDIS_URL"),
		LogLevel:     os.Getenv("LOG_LEVEL"),
		ServiceName:  os.Getenv("SERVICE_NAME"),
		OtelEnabled:  env.boolean("OTEL_ENABLED", false),
		SessionID:    os.Getenv("SESSION_ID"),
		TraceContext: os.Getenv("TRACE_CONTEXT"),
		TargetConfig: TargetConfig{
			Host:            stringOr(os.Getenv("TARGET_HOST"), "127.0.0.1"),
			Port:            env.integer("TARGET_PORT", 9999),
			ConnectTimeout:  env.duration("CONNECT_TIMEOUT", 5*time.Second),
			SendTimeout:     env.duration("SEND_TIMEOUT", 2*time.Second),
			RecvTimeout:     env.duration("RECV_TIMEOUT", 2*time.Second),
			SanitizerLogDir: os.Getenv("SANITIZER_LOG_DIR"),
		},
		RequestConfig: RequestConfig{
			Name:          stringOr(os.Getenv("REQUEST_NAME"), "tcp_lab"),
			PrimitiveName: stringOr(os.Getenv("PRIMITIVE_NAME"), "payload"),
			SeedChar:      stringOr(os.Getenv("SEED_CHAR"), "A"),
			// 24 bytes so early iterations overflow the target's 16-byte buffer
			SeedLength:  env.integer("SEED_LENGTH", 24),
			RequestFile: os.Getenv("REQUEST_FILE"),
			DictFiles:   parseList(os.Getenv("DICT_FILES")),
		},
		SessionConfig: SessionConfig{
			SleepTime:       env.duration("SLEEP_TIME", 0),
			MaxTestCases:    env.integer("MAX_TEST_CASES", 0),
			CrashThreshold:  env.integer("CRASH_THRESHOLD", 3),
			ReceiveResponse: env.boolean("RECEIVE_RESPONSE", true),
			RestartWait:     env.duration("RESTART_WAIT", 5*time.Second),
			CrashDir:        stringOr(os.Getenv("CRASH_DIR"), "./labfuzz-results/crashes"),
		},
	}

	if err := env.err(); err != nil {
		return nil, err
	}

	if config.LogLevel == "" {
		config.LogLevel = "info" // Set default log level
	}
	if config.ServiceName == "" {
		config.ServiceName = "labfuzz" // Default service name
	}
	if config.SessionID == "" {
		config.SessionID = uuid.New().String()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the settings that would otherwise surface as confusing
// runtime failures deep in a session.
func (c *AppConfig) Validate() error {
	if c.TargetConfig.Host == "" {
		return fmt.Errorf("%w: target host is empty", ErrInvalidConfig)
	}
	if c.TargetConfig.Port < 1 || c.TargetConfig.Port > 65535 {
		return fmt.Errorf("%w: target port %d out of range", ErrInvalidConfig, c.TargetConfig.Port)
	}
	if c.RequestConfig.RequestFile == "" {
		if c.RequestConfig.SeedLength < 1 {
			return fmt.Errorf("%w: seed length must be positive, got %d", ErrInvalidConfig, c.RequestConfig.SeedLength)
		}
		if c.RequestConfig.SeedChar == "" {
			return fmt.Errorf("%w: seed char is empty", ErrInvalidConfig)
		}
	}
	if c.SessionConfig.CrashThreshold < 1 {
		return fmt.Errorf("%w: crash threshold must be positive, got %d", ErrInvalidConfig, c.SessionConfig.CrashThreshold)
	}
	if c.SessionConfig.MaxTestCases < 0 {
		return fmt.Errorf("%w: max test cases must not be negative", ErrInvalidConfig)
	}
	for name, d := range map[string]time.Duration{
		"connect timeout": c.TargetConfig.ConnectTimeout,
		"send timeout":    c.TargetConfig.SendTimeout,
		"recv timeout":    c.TargetConfig.RecvTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	if c.SessionConfig.SleepTime < 0 || c.SessionConfig.RestartWait < 0 {
		return fmt.Errorf("%w: negative session delay", ErrInvalidConfig)
	}
	return nil
}

func stringOr(val, defaultVal string) string {
	if val == "" {
		return defaultVal
	}
	return val
}

// envReader parses typed environment variables. An unset variable takes its
// default; a malformed one is recorded and reported by err.
type envReader struct {
	errs []error
}

func (e *envReader) duration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s=%q is not a duration", key, val))
		return defaultVal
	}
	return d
}

func (e *envReader) integer(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s=%q is not an integer", key, val))
		return defaultVal
	}
	return i
}

func (e *envReader) boolean(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s=%q is not a boolean", key, val))
		return defaultVal
	}
	return b
}

func (e *envReader) err() error {
	if len(e.errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(e.errs...))
}

func parseList(val string) []string {
	if val == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
