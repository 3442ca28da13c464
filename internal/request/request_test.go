package request

import (
	"labfuzz/internal/primitive"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequest_SingleString(t *testing.T) {
	seed := strings.Repeat("A", 24)
	req, err := New("tcp_lab", primitive.NewString("payload", seed))
	require.NoError(t, err)

	assert.Equal(t, []byte(seed), req.Render())
	assert.Equal(t, req.Primitives[0].NumMutations(), req.NumMutations())

	tc, err := req.Mutation(0)
	require.NoError(t, err)
	assert.Equal(t, "tcp_lab", tc.Request)
	assert.Equal(t, "payload", tc.Primitive)
	assert.Equal(t, 0, tc.MutationIndex)
	assert.Empty(t, tc.Payload)
}

func TestRequest_MutatesOnePrimitiveAtATime(t *testing.T) {
	req, err := New("line",
		primitive.NewStatic("verb", []byte("CMD")),
		primitive.NewDelim("sep", " "),
		primitive.NewString("arg", "x"),
	)
	require.NoError(t, err)

	sep := req.Primitives[1]
	arg := req.Primitives[2]
	require.Equal(t, sep.NumMutations()+arg.NumMutations(), req.NumMutations())

	first, err := req.Mutation(0)
	require.NoError(t, err)
	assert.Equal(t, "sep", first.Primitive)
	assert.True(t, strings.HasPrefix(string(first.Payload), "CMD"))
	assert.True(t, strings.HasSuffix(string(first.Payload), "x"))

	crossover, err := req.Mutation(sep.NumMutations())
	require.NoError(t, err)
	assert.Equal(t, "arg", crossover.Primitive)
	assert.Equal(t, 0, crossover.MutationIndex)
	assert.Equal(t, "CMD ", string(crossover.Payload))

	_, err = req.Mutation(req.NumMutations())
	assert.ErrorIs(t, err, ErrTestCaseRange)
	_, err = req.Mutation(-1)
	assert.ErrorIs(t, err, ErrTestCaseRange)
}

func TestNew_Errors(t *testing.T) {
	_, err := New("empty")
	assert.ErrorIs(t, err, ErrEmptyRequest)

	_, err = New("dup", primitive.NewString("a", "1"), primitive.NewStatic("a", nil))
	assert.ErrorIs(t, err, ErrDuplicatePrimitive)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()

	b, err := reg.Initialize("tcp_lab")
	require.NoError(t, err)
	req, err := b.String("payload", strings.Repeat("A", 24)).Done()
	require.NoError(t, err)

	got, err := reg.Get("tcp_lab")
	require.NoError(t, err)
	assert.Same(t, req, got)

	_, err = reg.Initialize("tcp_lab")
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestParse(t *testing.T) {
	def := `
name: greet
primitives:
  - type: static
    name: verb
    value: "HELLO"
  - type: delim
    value: " "
  - type: string
    name: who
    value: world
    max_len: 32
  - type: string
    name: tail
    value: "\r\n"
    fuzzable: false
`
	req, err := Parse([]byte(def), [][]byte{[]byte("DICT")})
	require.NoError(t, err)
	assert.Equal(t, "greet", req.Name)
	require.Len(t, req.Primitives, 4)
	assert.Equal(t, "delim_1", req.Primitives[1].Name())
	assert.False(t, req.Primitives[3].Fuzzable())
	assert.Equal(t, "HELLO world\r\n", string(req.Render()))

	who := req.Primitives[2]
	for i := 0; i < who.NumMutations(); i++ {
		m, err := who.Mutate(i)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(m), 32)
	}
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse([]byte("name: x\nprimitives:\n  - type: float\n"), nil)
	assert.ErrorIs(t, err, ErrUnknownPrimitive)

	_, err = Parse([]byte("primitives: []\n"), nil)
	assert.Error(t, err)

	_, err = Parse([]byte("name: x\nprimitives: []\n"), nil)
	assert.ErrorIs(t, err, ErrEmptyRequest)

	_, err = Parse([]byte(":::"), nil)
	assert.Error(t, err)
}

func TestParse_NonStringOptions(t *testing.T) {
	def := `
name: opts
primitives:
  - type: delim
    name: sep
    value: ":"
    fuzzable: false
  - type: bytes
    name: blob
    value: ab
    fuzzable: false
  - type: string
    name: body
    value: x
`
	req, err := Parse([]byte(def), nil)
	require.NoError(t, err)
	assert.False(t, req.Primitives[0].Fuzzable())
	assert.False(t, req.Primitives[1].Fuzzable())
	assert.Equal(t, req.Primitives[2].NumMutations(), req.NumMutations())
	assert.Equal(t, ":abx", string(req.Render()))

	for _, bad := range []string{
		"name: x\nprimitives:\n  - type: delim\n    value: \":\"\n    max_len: 4\n",
		"name: x\nprimitives:\n  - type: bytes\n    value: ab\n    max_len: 4\n",
		"name: x\nprimitives:\n  - type: static\n    value: ab\n    fuzzable: true\n",
		"name: x\nprimitives:\n  - type: string\n    value: ab\n    max_len: -1\n",
	} {
		_, err := Parse([]byte(bad), nil)
		assert.ErrorIs(t, err, ErrPrimitiveOption, bad)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "req.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: f\nprimitives:\n  - type: bytes\n    value: ab\n"), 0644))

	req, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(req.Render()))

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}
