package primitive

import "bytes"

var boundaryBytes = []byte{0x00, 0x01, 0x7f, 0x80, 0xfe, 0xff}

// Bytes is a raw blob. Mutants are single-bit flips, boundary-byte
// substitutions, truncations and a few oversized repeats.
type Bytes struct {
	name    string
	value   []byte
	mutants mutantList
}

func NewBytes(name string, value []byte) *Bytes {
	var candidates [][]byte
	for i := range value {
		for bit := 0; bit < 8; bit++ {
			m := bytes.Clone(value)
			m[i] ^= 1 << bit
			candidates = append(candidates, m)
		}
		for _, b := range boundaryBytes {
			m := bytes.Clone(value)
			m[i] = b
			candidates = append(candidates, m)
		}
	}
	for n := len(value) - 1; n >= 0; n-- {
		candidates = append(candidates, bytes.Clone(value[:n]))
	}
	for _, n := range []int{2, 16, 256} {
		candidates = append(candidates, bytes.Repeat(value, n))
	}
	return &Bytes{name: name, value: bytes.Clone(value), mutants: dedupe(value, candidates)}
}

func (b *Bytes) Name() string      { return b.name }
func (b *Bytes) Fuzzable() bool    { return true }
func (b *Bytes) Render() []byte    { return bytes.Clone(b.value) }
func (b *Bytes) NumMutations() int { return len(b.mutants) }

func (b *Bytes) Mutate(i int) ([]byte, error) {
	return b.mutants.at(b.name, i)
}
