package primitive

import (
	"errors"
	"fmt"
)

var ErrMutationOutOfRange = errors.New("mutation index out of range")

// Primitive is a single field of a request. Fuzzable primitives expose a
// finite, deterministic list of mutants; the i-th mutant is always the same.
type Primitive interface {
	Name() string
	Fuzzable() bool
	// Render returns the default (unmutated) value
	Render() []byte
	NumMutations() int
	Mutate(i int) ([]byte, error)
}

// mutantList backs the list-driven primitives.
type mutantList [][]byte

func (m mutantList) at(name string, i int) ([]byte, error) {
	if i < 0 || i >= len(m) {
		return nil, fmt.Errorf("%w: %s has %d mutations, asked for %d", ErrMutationOutOfRange, name, len(m), i)
	}
	out := make([]byte, len(m[i]))
	copy(out, m[i])
	return out, nil
}

// dedupe drops repeated mutants and any mutant equal to the default value,
// keeping first-seen order.
func dedupe(defaultValue []byte, candidates [][]byte) mutantList {
	seen := map[string]struct{}{string(defaultValue): {}}
	out := make(mutantList, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := seen[string(c)]; ok {
			continue
		}
		seen[string(c)] = struct{}{}
		out = append(out, c)
	}
	return out
}
