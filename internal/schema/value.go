package schema

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/invopop/jsonschema"
	"golang.org/x/crypto/nacl/secretbox"
)

// Value converts a scalar type to and from its text form.
//
// Implement it to declare fields of custom scalar types with [Attr] and
// [NullableAttr].
type Value[V any] interface {
	Format(v V) (string, error)
	Parse(s string) (V, error)
	Equal(a, b V) bool
	Clone(v V) V
	Schema() *jsonschema.Schema
}

// Values of the built-in scalar kinds, for [Attr] and [InlineList].
var (
	BoolValue   Value[bool]    = boolValue{}
	IntValue    Value[int]     = intValue{}
	Int64Value  Value[int64]   = int64Value{}
	FloatValue  Value[float64] = floatValue{}
	StringValue Value[string]  = stringValue{}
	PathValue   Value[string]  = pathValue{}
)

type simple[V comparable] struct{}

func (simple[V]) Equal(a, b V) bool { return a == b }

func (simple[V]) Clone(v V) V { return v }

type boolValue struct{ simple[bool] }

func (boolValue) Format(v bool) (string, error) { return strconv.FormatBool(v), nil }

func (boolValue) Parse(s string) (bool, error) { return strconv.ParseBool(s) }

func (boolValue) Schema() *jsonschema.Schema { return &jsonschema.Schema{Type: "boolean"} }

type intValue struct{ simple[int] }

func (intValue) Format(v int) (string, error) { return strconv.Itoa(v), nil }

func (intValue) Parse(s string) (int, error) { return strconv.Atoi(s) }

func (intValue) Schema() *jsonschema.Schema { return &jsonschema.Schema{Type: "integer"} }

type int64Value struct{ simple[int64] }

func (int64Value) Format(v int64) (string, error) { return strconv.FormatInt(v, 10), nil }

func (int64Value) Parse(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) }

func (int64Value) Schema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "integer", Format: "int64"}
}

type floatValue struct{}

func (floatValue) Format(v float64) (string, error) {
	return strconv.FormatFloat(v, 'g', -1, 64), nil
}

func (floatValue) Parse(s string) (float64, error) { return strconv.ParseFloat(s, 64) }

// Equal treats NaN as equal to itself so that round trips compare equal.
func (floatValue) Equal(a, b float64) bool {
	return a == b || (math.IsNaN(a) && math.IsNaN(b))
}

func (floatValue) Clone(v float64) float64 { return v }

func (floatValue) Schema() *jsonschema.Schema { return &jsonschema.Schema{Type: "number"} }

type stringValue struct{ simple[string] }

func (stringValue) Format(v string) (string, error) { return v, nil }

func (stringValue) Parse(s string) (string, error) { return s, nil }

func (stringValue) Schema() *jsonschema.Schema { return &jsonschema.Schema{Type: "string"} }

type pathValue struct{ stringValue }

func (pathValue) Schema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Format: "path"}
}

// relativePath rewrites p relative to base when p is an absolute path inside
// base. Other paths are returned unchanged. Stored paths always use forward
// slashes.
func relativePath(p, base string) (string, error) {
	if p == "" || !filepath.IsAbs(p) {
		return p, nil
	}
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return p, nil
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p, nil
	}
	return filepath.ToSlash(rel), nil
}

// EnumValue stores integer codes by name.
type EnumValue struct {
	names map[int]string
	codes map[string]int
}

// NewEnumValue returns a Value mapping codes to names. Names must be unique.
func NewEnumValue(names map[int]string) *EnumValue {
	e := &EnumValue{names: names, codes: make(map[string]int, len(names))}
	for c, n := range names {
		if _, ok := e.codes[n]; ok {
			panic(fmt.Sprintf("schema: duplicate enum name %q", n))
		}
		e.codes[n] = c
	}
	return e
}

func (e *EnumValue) Format(v int) (string, error) {
	if n, ok := e.names[v]; ok {
		return n, nil
	}
	return "", fmt.Errorf("unknown enum code %d", v)
}

// Parse accepts a name, or a known numeric code.
func (e *EnumValue) Parse(s string) (int, error) {
	if c, ok := e.codes[s]; ok {
		return c, nil
	}
	if c, err := strconv.Atoi(s); err == nil {
		if _, ok := e.names[c]; ok {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown enum value %q", s)
}

func (e *EnumValue) Equal(a, b int) bool { return a == b }

func (e *EnumValue) Clone(v int) int { return v }

func (e *EnumValue) Schema() *jsonschema.Schema {
	names := make([]string, 0, len(e.codes))
	for n := range e.codes {
		names = append(names, n)
	}
	slices.Sort(names)
	js := &jsonschema.Schema{Type: "string"}
	for _, n := range names {
		js.Enum = append(js.Enum, n)
	}
	return js
}

// passwordKey is built into the binary: passwords are obfuscated against
// casual viewing, not encrypted.
var passwordKey = [32]byte{
	0x6c, 0x61, 0x62, 0x64, 0x62, 0x2d, 0x70, 0x61, 0x73, 0x73, 0x77, 0x6f, 0x72, 0x64, 0x2d, 0x6b,
	0x65, 0x79, 0x91, 0x3e, 0x0a, 0xd7, 0x5b, 0x28, 0xc4, 0x13, 0x6f, 0xe2, 0x47, 0x88, 0x1d, 0x5a,
}

const passwordPrefix = "obf:"

type passwordValue struct{ simple[string] }

// Format seals v with a nonce derived from the plaintext, so storing the same
// password twice yields the same bytes.
func (passwordValue) Format(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	var nonce [24]byte
	sum := sha256.Sum256([]byte(v))
	copy(nonce[:], sum[:])
	out := secretbox.Seal(nonce[:], []byte(v), &nonce, &passwordKey)
	return passwordPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Parse accepts obfuscated values and, for files written by hand, plain text.
func (passwordValue) Parse(s string) (string, error) {
	enc, ok := strings.CutPrefix(s, passwordPrefix)
	if !ok {
		return s, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("invalid password encoding: %w", err)
	}
	if len(raw) < 24 {
		return "", errors.New("invalid password: too short")
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	out, ok := secretbox.Open(nil, raw[24:], &nonce, &passwordKey)
	if !ok {
		return "", errors.New("invalid password: authentication failed")
	}
	return string(out), nil
}

func (passwordValue) Schema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Format: "password", WriteOnly: true}
}
