package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetric_ValueScan(t *testing.T) {
	m := Metric{"reason": "connection refused", "attempts": float64(3)}
	v, err := m.Value()
	require.NoError(t, err)

	var back Metric
	require.NoError(t, back.Scan(v))
	assert.Equal(t, m, back)

	require.NoError(t, back.Scan(`{"k":"v"}`))
	assert.Equal(t, Metric{"k": "v"}, back)

	require.NoError(t, back.Scan(nil))
	assert.Nil(t, back)

	assert.Error(t, back.Scan(42))

	var nilMetric Metric
	v, err = nilMetric.Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestNewCrash(t *testing.T) {
	c := NewCrash("s1", "127.0.0.1:9999", "tcp_lab", "payload", 5, ConnectionRefused, "refused", "/tmp/x", "abc")
	assert.Equal(t, "s1", c.SessionID)
	assert.Equal(t, ConnectionRefused, c.Kind)
	assert.Equal(t, 5, c.TestCaseIndex)
	assert.False(t, c.CreatedAt.IsZero())
}
