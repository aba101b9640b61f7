// Package cmdline converts structured parameter sets into single
// shell-safe command-line strings for invoking external executables.
//
// Keys of length one become single-dash flags, longer keys double-dash
// flags. String values are shell-quoted verbatim; every other value is
// rendered to compact JSON and then shell-quoted, so structured values
// survive the shell without an extra layer of quoting on plain strings.
package cmdline

import (
	"encoding/json"
	"fmt"
	"strings"

	shellquote "github.com/kballard/go-shellquote"
	shellwords "github.com/mattn/go-shellwords"

	sdkerrors "github.com/wehubfusion/Sisyphus/pkg/errors"
)

// Kind tags the shape of a parameter value.
type Kind int

const (
	// KindNone is an absent value; the flag is emitted bare.
	KindNone Kind = iota
	// KindString is a plain string, quoted verbatim.
	KindString
	// KindScalar is a non-string scalar (number, bool), JSON-rendered.
	KindScalar
	// KindSequence is an ordered list of values.
	KindSequence
	// KindMapping is a key-value mapping, JSON-rendered as one token.
	KindMapping
)

// Mode selects how a sequence-valued key is emitted.
type Mode int

const (
	// Once emits the flag a single time followed by all elements.
	Once Mode = iota
	// Repeat emits the flag once per element of the sequence.
	Repeat
)

// Value is a tagged parameter value.
type Value struct {
	kind     Kind
	str      string
	scalar   interface{}
	elements []Value
	mapping  map[string]interface{}
}

// None returns the absent value.
func None() Value { return Value{kind: KindNone} }

// String returns a plain string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Scalar returns a non-string scalar value.
func Scalar(v interface{}) Value { return Value{kind: KindScalar, scalar: v} }

// Sequence returns an ordered list value.
func Sequence(elements ...Value) Value { return Value{kind: KindSequence, elements: elements} }

// Strings returns a sequence of plain string values.
func Strings(ss ...string) Value {
	elements := make([]Value, len(ss))
	for i, s := range ss {
		elements[i] = String(s)
	}
	return Sequence(elements...)
}

// Mapping returns a key-value mapping value.
func Mapping(m map[string]interface{}) Value { return Value{kind: KindMapping, mapping: m} }

// Kind returns the value's tag.
func (v Value) Kind() Kind { return v.kind }

// param is one key with its value and emission mode.
type param struct {
	key   string
	value Value
	mode  Mode
}

// Params is an ordered parameter set. Keys are emitted in insertion order.
type Params struct {
	params []param
	index  map[string]int
}

// NewParams creates an empty parameter set.
func NewParams() *Params {
	return &Params{index: make(map[string]int)}
}

// Set adds or replaces a key with the given value, emitted once.
func (p *Params) Set(key string, value Value) *Params {
	return p.set(key, value, Once)
}

// SetRepeat adds or replaces a key whose sequence value is emitted as one
// flag instance per element.
func (p *Params) SetRepeat(key string, value Value) *Params {
	return p.set(key, value, Repeat)
}

func (p *Params) set(key string, value Value, mode Mode) *Params {
	if i, ok := p.index[key]; ok {
		p.params[i] = param{key: key, value: value, mode: mode}
		return p
	}
	p.index[key] = len(p.params)
	p.params = append(p.params, param{key: key, value: value, mode: mode})
	return p
}

// Has reports whether the key is present.
func (p *Params) Has(key string) bool {
	_, ok := p.index[key]
	return ok
}

// Require returns an error naming the first missing key. Missing required
// keys are a caller contract violation, not a runtime input condition.
func (p *Params) Require(keys ...string) error {
	for _, key := range keys {
		if !p.Has(key) {
			return sdkerrors.NewError("MISSING_PARAMETER",
				fmt.Sprintf("parameter %q is required", key), sdkerrors.ErrMissingParameter)
		}
	}
	return nil
}

// Encode renders the parameter set as a single shell-executable argument
// string, preserving insertion order.
func (p *Params) Encode() (string, error) {
	var b strings.Builder
	for _, prm := range p.params {
		switch prm.mode {
		case Repeat:
			if prm.value.kind != KindSequence {
				return "", sdkerrors.NewError("BAD_REPEAT",
					fmt.Sprintf("repeated key %q must hold a sequence", prm.key), sdkerrors.ErrInvalidArgument)
			}
			for _, elem := range prm.value.elements {
				encoded, err := encodeValue(elem)
				if err != nil {
					return "", err
				}
				writeFlag(&b, prm.key, encoded)
			}
		default:
			encoded, err := encodeValue(prm.value)
			if err != nil {
				return "", err
			}
			writeFlag(&b, prm.key, encoded)
		}
	}
	return strings.TrimPrefix(b.String(), " "), nil
}

func writeFlag(b *strings.Builder, key, encoded string) {
	b.WriteByte(' ')
	b.WriteString(dash(key))
	b.WriteString(key)
	if encoded != "" {
		b.WriteByte(' ')
		b.WriteString(encoded)
	}
}

func dash(key string) string {
	if len(key) == 1 {
		return "-"
	}
	return "--"
}

// encodeValue renders one value for the command line.
func encodeValue(v Value) (string, error) {
	switch v.kind {
	case KindNone:
		return "", nil
	case KindString:
		return shellquote.Join(v.str), nil
	case KindMapping:
		return jsonToken(v.mapping)
	case KindSequence:
		// A non-repeated sequence becomes the flag followed by all
		// elements space-joined.
		tokens := make([]string, 0, len(v.elements))
		for _, elem := range v.elements {
			encoded, err := encodeValue(elem)
			if err != nil {
				return "", err
			}
			tokens = append(tokens, encoded)
		}
		return strings.Join(tokens, " "), nil
	default:
		return jsonToken(v.scalar)
	}
}

// jsonToken renders a non-string value as compact JSON and shell-quotes it.
// Simple scalars come through essentially unchanged, while composites are
// properly encoded.
func jsonToken(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", sdkerrors.NewError("ENCODE_FAILED", "cannot JSON-encode parameter value", err)
	}
	return shellquote.Join(string(raw)), nil
}

// Parse splits an encoded command line back into flag/value groups using
// shell tokenization rules. Each flag maps to the raw tokens that followed
// it, in order; a bare flag maps to an empty slice. Non-repeated scalar
// values round-trip through Encode and Parse unchanged.
func Parse(line string) (map[string][]string, error) {
	tokens, err := shellwords.Parse(line)
	if err != nil {
		return nil, sdkerrors.NewError("PARSE_FAILED", "cannot tokenize command line", err)
	}
	out := make(map[string][]string)
	current := ""
	for _, tok := range tokens {
		if strings.HasPrefix(tok, "-") && tok != "-" && tok != "--" {
			current = strings.TrimLeft(tok, "-")
			if _, ok := out[current]; !ok {
				out[current] = []string{}
			}
			continue
		}
		if current == "" {
			return nil, sdkerrors.NewError("PARSE_FAILED",
				fmt.Sprintf("value %q precedes any flag", tok), sdkerrors.ErrInvalidArgument)
		}
		out[current] = append(out[current], tok)
	}
	return out, nil
}
