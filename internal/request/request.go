package request

import (
	"bytes"
	"errors"
	"fmt"
	"labfuzz/internal/primitive"
)

var (
	ErrEmptyRequest       = errors.New("request has no primitives")
	ErrDuplicatePrimitive = errors.New("duplicate primitive name")
	ErrTestCaseRange      = errors.New("test case index out of range")
)

// Request is an ordered list of primitives rendered back to back into one
// message.
type Request struct {
	Name       string
	Primitives []primitive.Primitive
}

// TestCase is one mutated rendering of a request. Exactly one primitive is
// mutated; all others render their default value.
type TestCase struct {
	Index         int    // position in the request's mutation space
	Request       string // request name
	Primitive     string // mutated primitive
	MutationIndex int    // index within the primitive's mutation list
	Payload       []byte
}

func New(name string, primitives ...primitive.Primitive) (*Request, error) {
	if len(primitives) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyRequest, name)
	}
	seen := make(map[string]struct{}, len(primitives))
	for _, p := range primitives {
		if _, ok := seen[p.Name()]; ok {
			return nil, fmt.Errorf("%w: %s in %s", ErrDuplicatePrimitive, p.Name(), name)
		}
		seen[p.Name()] = struct{}{}
	}
	return &Request{Name: name, Primitives: primitives}, nil
}

// Render concatenates every primitive's default value.
func (r *Request) Render() []byte {
	var buf bytes.Buffer
	for _, p := range r.Primitives {
		buf.Write(p.Render())
	}
	return buf.Bytes()
}

func (r *Request) NumMutations() int {
	total := 0
	for _, p := range r.Primitives {
		if p.Fuzzable() {
			total += p.NumMutations()
		}
	}
	return total
}

// Mutation returns the i-th test case. Primitives are walked in order, so all
// mutants of the first fuzzable primitive come before the second's.
func (r *Request) Mutation(i int) (TestCase, error) {
	if i < 0 {
		return TestCase{}, fmt.Errorf("%w: %d", ErrTestCaseRange, i)
	}
	offset := i
	for target, p := range r.Primitives {
		if !p.Fuzzable() {
			continue
		}
		if offset >= p.NumMutations() {
			offset -= p.NumMutations()
			continue
		}
		mutant, err := p.Mutate(offset)
		if err != nil {
			return TestCase{}, err
		}
		var buf bytes.Buffer
		for idx, other := range r.Primitives {
			if idx == target {
				buf.Write(mutant)
			} else {
				buf.Write(other.Render())
			}
		}
		return TestCase{
			Index:         i,
			Request:       r.Name,
			Primitive:     p.Name(),
			MutationIndex: offset,
			Payload:       buf.Bytes(),
		}, nil
	}
	return TestCase{}, fmt.Errorf("%w: %d of %d", ErrTestCaseRange, i, r.NumMutations())
}
