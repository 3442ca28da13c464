package request

import (
	"errors"
	"fmt"
	"labfuzz/internal/primitive"
	"sync"
)

var (
	ErrAlreadyRegistered = errors.New("request already registered")
	ErrNotRegistered     = errors.New("request not registered")
)

// Registry keeps named requests so a session can look them up by name.
type Registry struct {
	mu       sync.Mutex
	requests map[string]*Request
}

func NewRegistry() *Registry {
	return &Registry{requests: make(map[string]*Request)}
}

// Builder collects primitives for a request being initialized.
type Builder struct {
	registry   *Registry
	name       string
	primitives []primitive.Primitive
}

// Initialize starts a new named request.
func (r *Registry) Initialize(name string) (*Builder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.requests[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	return &Builder{registry: r, name: name}, nil
}

func (b *Builder) String(name, value string, opts ...primitive.StringOption) *Builder {
	b.primitives = append(b.primitives, primitive.NewString(name, value, opts...))
	return b
}

func (b *Builder) Static(name string, value []byte) *Builder {
	b.primitives = append(b.primitives, primitive.NewStatic(name, value))
	return b
}

func (b *Builder) Delim(name, value string) *Builder {
	b.primitives = append(b.primitives, primitive.NewDelim(name, value))
	return b
}

func (b *Builder) Bytes(name string, value []byte) *Builder {
	b.primitives = append(b.primitives, primitive.NewBytes(name, value))
	return b
}

func (b *Builder) Primitive(p primitive.Primitive) *Builder {
	b.primitives = append(b.primitives, p)
	return b
}

// Done validates the request and stores it in the registry.
func (b *Builder) Done() (*Request, error) {
	req, err := New(b.name, b.primitives...)
	if err != nil {
		return nil, err
	}
	if err := b.registry.Add(req); err != nil {
		return nil, err
	}
	return req, nil
}

func (r *Registry) Add(req *Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.requests[req.Name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, req.Name)
	}
	r.requests[req.Name] = req
	return nil
}

func (r *Registry) Get(name string) (*Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return req, nil
}
