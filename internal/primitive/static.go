package primitive

import (
	"bytes"
	"fmt"
	"strings"
)

// Static is a constant field that is never mutated.
type Static struct {
	name  string
	value []byte
}

func NewStatic(name string, value []byte) *Static {
	return &Static{name: name, value: bytes.Clone(value)}
}

func (s *Static) Name() string      { return s.name }
func (s *Static) Fuzzable() bool    { return false }
func (s *Static) Render() []byte    { return bytes.Clone(s.value) }
func (s *Static) NumMutations() int { return 0 }

func (s *Static) Mutate(i int) ([]byte, error) {
	return nil, fmt.Errorf("%w: %s is static", ErrMutationOutOfRange, s.name)
}

var alternateDelims = []string{" ", "\t", "\r\n", "\n", "\r", ":", ";", ",", "=", "&", "|", "/", "\\", "\x00", "\xff", "<", ">", "{", "}"}

// Delim is a fuzzable delimiter: it is repeated and swapped for other delimiters.
type Delim struct {
	name    string
	value   []byte
	mutants mutantList
}

func NewDelim(name, value string) *Delim {
	var candidates [][]byte
	candidates = append(candidates, []byte{})
	for _, n := range []int{2, 5, 10, 25, 100, 500, 1000} {
		candidates = append(candidates, []byte(strings.Repeat(value, n)))
	}
	for _, d := range alternateDelims {
		candidates = append(candidates, []byte(d))
		candidates = append(candidates, []byte(strings.Repeat(d, 100)))
	}
	return &Delim{name: name, value: []byte(value), mutants: dedupe([]byte(value), candidates)}
}

func (d *Delim) Name() string      { return d.name }
func (d *Delim) Fuzzable() bool    { return true }
func (d *Delim) Render() []byte    { return bytes.Clone(d.value) }
func (d *Delim) NumMutations() int { return len(d.mutants) }

func (d *Delim) Mutate(i int) ([]byte, error) {
	return d.mutants.at(d.name, i)
}
