package primitive

import (
	"bytes"
	"strings"
)

// boundary lengths for long-string mutants, clustered around common buffer sizes
var longStringLengths = []int{128, 255, 256, 257, 511, 512, 513, 1023, 1024, 2048, 4096, 4097, 32767, 32768, 65535}

var longStringChars = []string{"A", "B", "1", "<", ">", "'", "\"", "/", "\\", "?", "=", "a=", "&", ".", ",", "(", ")", "]", "[", "%", "*", "-", "+", "{", "}", "\x14", "\x00", "\xfe", "\xff"}

var fuzzStrings = []string{
	"/.:/" + strings.Repeat("A", 5000) + "\x00\x00",
	"/.../" + strings.Repeat("B", 5000) + "\x00\x00",
	strings.Repeat("/.../", 5000),
	strings.Repeat("/../", 5000),
	strings.Repeat("/../", 1000) + "etc/passwd",
	strings.Repeat("..:", 5000),
	strings.Repeat("\\\\*", 5000),
	"!@#$%%^#$%#$@#$%$$@#$%^^**(()",
	"%01%02%03%04%0a%0d%0aADSF",
	"%01%02%03@%04%0a%0d%0aADSF",
	"\x01\x02\x03\x04",
	"%00",
	"\r\n",
	"\r\n\r\n",
	"|touch /tmp/LABFUZZ",
	";touch /tmp/LABFUZZ;",
	"|notepad",
	";notepad;",
	"\nnotepad\n",
	"|reboot",
	";reboot;",
	"\nreboot\n",
	"<>",
	"&&",
	"||",
	"' OR '1'='1",
	"\"; DROP TABLE x; --",
	"\xfe\xff",
	"\xff\xfe",
}

var formatTokens = []string{"%n", "%s", "%x", "%d", "%p", "%.1024d", "%.2048d"}

// String is a fuzzable string field.
type String struct {
	name         string
	defaultValue []byte
	maxLen       int
	mutants      mutantList
}

type StringOption func(*stringOptions)

type stringOptions struct {
	maxLen     int
	dictionary [][]byte
}

// WithMaxLen truncates every mutant to n bytes. Zero means unlimited.
func WithMaxLen(n int) StringOption {
	return func(o *stringOptions) { o.maxLen = n }
}

// WithDictionary appends extra mutants, e.g. merged dictionary files.
func WithDictionary(entries [][]byte) StringOption {
	return func(o *stringOptions) { o.dictionary = append(o.dictionary, entries...) }
}

func NewString(name, defaultValue string, opts ...StringOption) *String {
	var o stringOptions
	for _, opt := range opts {
		opt(&o)
	}
	s := &String{
		name:         name,
		defaultValue: []byte(defaultValue),
		maxLen:       o.maxLen,
	}
	s.mutants = dedupe(s.defaultValue, s.candidates(o.dictionary))
	return s
}

func (s *String) Name() string      { return s.name }
func (s *String) Fuzzable() bool    { return true }
func (s *String) Render() []byte    { return bytes.Clone(s.defaultValue) }
func (s *String) NumMutations() int { return len(s.mutants) }

func (s *String) Mutate(i int) ([]byte, error) {
	return s.mutants.at(s.name, i)
}

func (s *String) candidates(dictionary [][]byte) [][]byte {
	def := string(s.defaultValue)
	var out []string

	out = append(out, "")
	for _, n := range []int{2, 10, 100} {
		out = append(out, strings.Repeat(def, n))
	}
	out = append(out, def+"\x00", def+"\r\n", def+"\xfe")

	for _, c := range longStringChars {
		for _, n := range longStringLengths {
			out = append(out, strings.Repeat(c, n))
		}
	}
	for _, tok := range formatTokens {
		for _, n := range []int{1, 10, 100, 500} {
			out = append(out, strings.Repeat(tok, n))
		}
	}
	out = append(out, fuzzStrings...)

	all := make([][]byte, 0, len(out)+len(dictionary))
	for _, v := range out {
		all = append(all, s.truncate([]byte(v)))
	}
	for _, v := range dictionary {
		all = append(all, s.truncate(bytes.Clone(v)))
	}
	return all
}

func (s *String) truncate(v []byte) []byte {
	if s.maxLen > 0 && len(v) > s.maxLen {
		return v[:s.maxLen]
	}
	return v
}
