package request

import (
	"errors"
	"fmt"
	"labfuzz/internal/primitive"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownPrimitive = errors.New("unknown primitive type")
	ErrPrimitiveOption  = errors.New("option not supported by primitive")
)

type RequestYaml struct {
	Name       string          `yaml:"name"`
	Primitives []PrimitiveYaml `yaml:"primitives"`
}

type PrimitiveYaml struct {
	Type   string `yaml:"type"`
	Name   string `yaml:"name"`
	Value  string `yaml:"value"`
	MaxLen int    `yaml:"max_len"`
	// false turns a string, delim or bytes field into a static
	Fuzzable *bool `yaml:"fuzzable"`
}

// Load reads a request definition file. Dictionary entries, if any, are
// attached to every string primitive.
func Load(path string, dictionary [][]byte) (*Request, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read request file: %w", err)
	}
	return Parse(content, dictionary)
}

func Parse(content []byte, dictionary [][]byte) (*Request, error) {
	var def RequestYaml
	if err := yaml.Unmarshal(content, &def); err != nil {
		return nil, fmt.Errorf("failed to parse request file: %w", err)
	}
	if def.Name == "" {
		return nil, errors.New("request name is required")
	}

	prims := make([]primitive.Primitive, 0, len(def.Primitives))
	for idx, p := range def.Primitives {
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("%s_%d", p.Type, idx)
		}
		prim, err := p.build(name, dictionary)
		if err != nil {
			return nil, err
		}
		prims = append(prims, prim)
	}
	return New(def.Name, prims...)
}

func (p PrimitiveYaml) build(name string, dictionary [][]byte) (primitive.Primitive, error) {
	switch p.Type {
	case "string", "static", "delim", "bytes":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPrimitive, p.Type)
	}
	if p.MaxLen != 0 && p.Type != "string" {
		return nil, fmt.Errorf("%w: max_len on %s %q", ErrPrimitiveOption, p.Type, name)
	}
	if p.Type == "static" {
		if p.Fuzzable != nil && *p.Fuzzable {
			return nil, fmt.Errorf("%w: static %q cannot be fuzzable", ErrPrimitiveOption, name)
		}
		return primitive.NewStatic(name, []byte(p.Value)), nil
	}
	if p.Fuzzable != nil && !*p.Fuzzable {
		return primitive.NewStatic(name, []byte(p.Value)), nil
	}

	switch p.Type {
	case "delim":
		return primitive.NewDelim(name, p.Value), nil
	case "bytes":
		return primitive.NewBytes(name, []byte(p.Value)), nil
	}
	if p.MaxLen < 0 {
		return nil, fmt.Errorf("%w: negative max_len on %q", ErrPrimitiveOption, name)
	}
	return primitive.NewString(name, p.Value,
		primitive.WithMaxLen(p.MaxLen),
		primitive.WithDictionary(dictionary)), nil
}
