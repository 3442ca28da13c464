package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEncodeDecode(t *testing.T) {
	state := State{
		SessionID: "s1",
		Request:   "tcp_lab",
		NextIndex: 42,
		Failures:  2,
		UpdatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	raw, err := Encode(state)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, state.SessionID, got.SessionID)
	assert.Equal(t, state.Request, got.Request)
	assert.Equal(t, state.NextIndex, got.NextIndex)
	assert.Equal(t, state.Failures, got.Failures)
	assert.True(t, state.UpdatedAt.Equal(got.UpdatedAt))

	_, err = Decode([]byte{0xc1})
	assert.Error(t, err)
}

func TestNewStore_WithoutRedis(t *testing.T) {
	store := NewStore(StoreParams{Logger: zap.NewNop()})
	require.IsType(t, NopStore{}, store)

	ctx := context.Background()
	assert.NoError(t, store.Save(ctx, State{SessionID: "s1", NextIndex: 3}))
	_, err := store.Load(ctx, "s1")
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Load(ctx, "s1")
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	require.NoError(t, store.Save(ctx, State{SessionID: "s1", NextIndex: 10}))
	require.NoError(t, store.Save(ctx, State{SessionID: "s1", NextIndex: 20}))
	got, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 20, got.NextIndex)
}
