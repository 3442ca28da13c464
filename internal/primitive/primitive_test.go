package primitive

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestString_RenderIsSeed(t *testing.T) {
	s := NewString("payload", strings.Repeat("A", 24))
	assert.Equal(t, "payload", s.Name())
	assert.True(t, s.Fuzzable())
	assert.Equal(t, []byte(strings.Repeat("A", 24)), s.Render())
}

func TestString_MutationsAreDeterministicAndUnique(t *testing.T) {
	a := NewString("payload", "AAAA")
	b := NewString("payload", "AAAA")
	require.Equal(t, a.NumMutations(), b.NumMutations())
	require.Greater(t, a.NumMutations(), 100)

	seen := make(map[string]struct{})
	for i := 0; i < a.NumMutations(); i++ {
		ma, err := a.Mutate(i)
		require.NoError(t, err)
		mb, err := b.Mutate(i)
		require.NoError(t, err)
		assert.Equal(t, ma, mb)

		assert.NotEqual(t, "AAAA", string(ma), "default value must not be a mutant")
		_, dup := seen[string(ma)]
		assert.False(t, dup, "mutant %d duplicated", i)
		seen[string(ma)] = struct{}{}
	}
}

func TestString_EarlyMutantsOverflowSmallBuffers(t *testing.T) {
	s := NewString("payload", strings.Repeat("A", 24))
	// first mutant is empty, the following ones repeat the 24 byte seed
	m, err := s.Mutate(1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(m), 16)
}

func TestString_MaxLenTruncates(t *testing.T) {
	s := NewString("payload", "A", WithMaxLen(64))
	for i := 0; i < s.NumMutations(); i++ {
		m, err := s.Mutate(i)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(m), 64)
	}
}

func TestString_Dictionary(t *testing.T) {
	plain := NewString("payload", "A")
	withDict := NewString("payload", "A", WithDictionary([][]byte{[]byte("MAGIC"), []byte("A")}))
	assert.Equal(t, plain.NumMutations()+1, withDict.NumMutations())

	last, err := withDict.Mutate(withDict.NumMutations() - 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("MAGIC"), last)
}

func TestString_MutateOutOfRange(t *testing.T) {
	s := NewString("payload", "A")
	_, err := s.Mutate(s.NumMutations())
	assert.ErrorIs(t, err, ErrMutationOutOfRange)
	_, err = s.Mutate(-1)
	assert.ErrorIs(t, err, ErrMutationOutOfRange)
}

func TestString_MutantIsCopy(t *testing.T) {
	s := NewString("payload", "A")
	m, err := s.Mutate(1)
	require.NoError(t, err)
	m[0] = 'Z'
	again, err := s.Mutate(1)
	require.NoError(t, err)
	assert.NotEqual(t, m, again)
}

func TestStatic(t *testing.T) {
	s := NewStatic("hdr", []byte("GET "))
	assert.False(t, s.Fuzzable())
	assert.Equal(t, 0, s.NumMutations())
	assert.Equal(t, []byte("GET "), s.Render())
	_, err := s.Mutate(0)
	assert.ErrorIs(t, err, ErrMutationOutOfRange)
}

func TestDelim(t *testing.T) {
	d := NewDelim("sep", " ")
	assert.True(t, d.Fuzzable())
	require.Greater(t, d.NumMutations(), 10)
	for i := 0; i < d.NumMutations(); i++ {
		m, err := d.Mutate(i)
		require.NoError(t, err)
		assert.NotEqual(t, []byte(" "), m)
	}
}

func TestBytes(t *testing.T) {
	b := NewBytes("blob", []byte{0x10, 0x20})
	require.Greater(t, b.NumMutations(), 16)

	first, err := b.Mutate(0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x11, 0x20}, first)

	var sawTruncated bool
	for i := 0; i < b.NumMutations(); i++ {
		m, err := b.Mutate(i)
		require.NoError(t, err)
		if bytes.Equal(m, []byte{0x10}) {
			sawTruncated = true
		}
	}
	assert.True(t, sawTruncated)
}
