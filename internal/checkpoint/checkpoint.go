package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const CheckpointRedisKey = "labfuzz:checkpoint:%s" // labfuzz:checkpoint:<session_id>

// checkpoints outlive a crashed fuzzer, not an abandoned one
const checkpointTTL = 7 * 24 * time.Hour

var ErrNoCheckpoint = errors.New("no checkpoint stored")

// State is the resumable progress of one session.
type State struct {
	SessionID string    `msgpack:"session_id"`
	Request   string    `msgpack:"request"`
	NextIndex int       `msgpack:"next_index"` // first test case not yet executed
	Failures  int       `msgpack:"failures"`
	UpdatedAt time.Time `msgpack:"updated_at"`

	// span of the run that wrote the checkpoint, as exported by the tracer
	TraceContext string `msgpack:"trace_context,omitempty"`
}

type Store interface {
	// Load returns ErrNoCheckpoint when the session has never been saved.
	Load(ctx context.Context, sessionID string) (State, error)
	Save(ctx context.Context, state State) error
}

type StoreParams struct {
	fx.In

	Logger      *zap.Logger
	RedisClient *redis.Client `optional:"true"`
}

// NewStore picks the redis store when a client is configured.
func NewStore(p StoreParams) Store {
	if p.RedisClient == nil {
		p.Logger.Debug("checkpoints disabled, every session starts from the first test case")
		return NopStore{}
	}
	return &RedisStore{client: p.RedisClient, logger: p.Logger.Named("checkpoint")}
}

type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger}
}

func (r *RedisStore) Load(ctx context.Context, sessionID string) (State, error) {
	raw, err := r.client.Get(ctx, fmt.Sprintf(CheckpointRedisKey, sessionID)).Bytes()
	if err == redis.Nil {
		return State{}, ErrNoCheckpoint
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return Decode(raw)
}

func (r *RedisStore) Save(ctx context.Context, state State) error {
	raw, err := Encode(state)
	if err != nil {
		return err
	}
	key := fmt.Sprintf(CheckpointRedisKey, state.SessionID)
	if err := r.client.Set(ctx, key, raw, checkpointTTL).Err(); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	r.logger.Debug("checkpoint saved", zap.String("key", key), zap.Int("next_index", state.NextIndex))
	return nil
}

func Encode(state State) ([]byte, error) {
	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).Encode(&state); err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return buf.Bytes(), nil
}

func Decode(raw []byte) (State, error) {
	var state State
	if err := msgpack.NewDecoder(bytes.NewReader(raw)).Decode(&state); err != nil {
		return State{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return state, nil
}

// NopStore never remembers anything.
type NopStore struct{}

func (NopStore) Load(ctx context.Context, sessionID string) (State, error) {
	return State{}, ErrNoCheckpoint
}

func (NopStore) Save(ctx context.Context, state State) error { return nil }

// MemoryStore keeps encoded checkpoints in process.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string][]byte)}
}

func (m *MemoryStore) Load(ctx context.Context, sessionID string) (State, error) {
	m.mu.Lock()
	raw, ok := m.states[sessionID]
	m.mu.Unlock()
	if !ok {
		return State{}, ErrNoCheckpoint
	}
	return Decode(raw)
}

func (m *MemoryStore) Save(ctx context.Context, state State) error {
	raw, err := Encode(state)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.states[state.SessionID] = raw
	m.mu.Unlock()
	return nil
}
