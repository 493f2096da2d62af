package schema

import (
	"fmt"

	"github.com/invopop/jsonschema"

	dberrors "github.com/maruel/labdb/internal/errors"
	"github.com/maruel/labdb/internal/tree"
)

// slot reads and writes one scalar under a name in a node.
type slot[V any] interface {
	get(n *tree.Node, name string) (v V, ok bool, err error)
	put(n *tree.Node, name string, v V) error
	equal(a, b V) bool
	clone(v V) V
	schema() *jsonschema.Schema
}

// attrSlot stores a Value as an attribute.
type attrSlot[V any] struct{ v Value[V] }

func (a attrSlot[V]) get(n *tree.Node, name string) (V, bool, error) {
	var zero V
	s, ok := n.Attr(name)
	if !ok {
		return zero, false, nil
	}
	v, err := a.v.Parse(s)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

func (a attrSlot[V]) put(n *tree.Node, name string, v V) error {
	s, err := a.v.Format(v)
	if err != nil {
		return err
	}
	n.SetAttr(name, s)
	return nil
}

func (a attrSlot[V]) equal(x, y V) bool { return a.v.Equal(x, y) }

func (a attrSlot[V]) clone(v V) V { return a.v.Clone(v) }

func (a attrSlot[V]) schema() *jsonschema.Schema { return a.v.Schema() }

// Scalar is a non-nullable leaf field. A missing value loads as the default.
type Scalar[S, V any] struct {
	base[S]
	acc    func(*S) *V
	slot   slot[V]
	def    V
	hasDef bool
	rel    func(v V, base string) (V, error)
}

func newScalar[S, V any](name string, acc func(*S) *V, sl slot[V]) *Scalar[S, V] {
	return &Scalar[S, V]{base: base[S]{name: name}, acc: acc, slot: sl}
}

// Since marks the field as introduced at version v.
func (f *Scalar[S, V]) Since(v int) *Scalar[S, V] {
	f.since = v
	return f
}

// Default sets the value used by Init, LoadDefault and for trees that lack
// the field.
func (f *Scalar[S, V]) Default(v V) *Scalar[S, V] {
	f.def = v
	f.hasDef = true
	return f
}

// Legacy sets the loader used for trees older than the field.
func (f *Scalar[S, V]) Legacy(fn LegacyLoader[S]) *Scalar[S, V] {
	f.legacy = fn
	return f
}

func (f *Scalar[S, V]) HasDefault() bool { return f.hasDef || f.legacy != nil }

// checkDefault verifies that the value set by Init can be stored.
func (f *Scalar[S, V]) checkDefault() error {
	if err := f.slot.put(tree.New("default"), f.name, f.def); err != nil {
		return fmt.Errorf("initial value cannot be stored: %w", err)
	}
	return nil
}

func (f *Scalar[S, V]) Init(s *S) { *f.acc(s) = f.slot.clone(f.def) }

func (f *Scalar[S, V]) LoadDefault(s *S) { f.Init(s) }

func (f *Scalar[S, V]) MakeRelative(s *S, base string) error {
	if f.rel == nil {
		return nil
	}
	v, err := f.rel(*f.acc(s), base)
	if err != nil {
		return err
	}
	*f.acc(s) = v
	return nil
}

func (f *Scalar[S, V]) Copy(dst, src *S) { *f.acc(dst) = f.slot.clone(*f.acc(src)) }

func (f *Scalar[S, V]) Equal(a, b *S) bool { return f.slot.equal(*f.acc(a), *f.acc(b)) }

func (f *Scalar[S, V]) Merge(dst, base, src *S) error {
	if !f.slot.equal(*f.acc(src), *f.acc(base)) {
		*f.acc(dst) = f.slot.clone(*f.acc(src))
	}
	return nil
}

func (f *Scalar[S, V]) Load(n *tree.Node, s *S, version int) error {
	v, ok, err := f.slot.get(n, f.name)
	if err != nil {
		return dberrors.Validation("invalid field %q", f.name).Wrap(err)
	}
	if !ok {
		f.LoadDefault(s)
		return nil
	}
	*f.acc(s) = v
	return nil
}

func (f *Scalar[S, V]) Store(n *tree.Node, s *S, e Emit) error {
	if err := f.slot.put(n, f.name, *f.acc(s)); err != nil {
		return dberrors.Validation("cannot store field %q", f.name).Wrap(err)
	}
	return nil
}

func (f *Scalar[S, V]) Schema() *jsonschema.Schema {
	return f.describe(f.slot.schema())
}

// Nullable is a leaf field that may be absent. Absent values are not stored.
type Nullable[S, V any] struct {
	base[S]
	acc  func(*S) **V
	slot slot[V]
	rel  func(v V, base string) (V, error)
}

func newNullable[S, V any](name string, acc func(*S) **V, sl slot[V]) *Nullable[S, V] {
	return &Nullable[S, V]{base: base[S]{name: name}, acc: acc, slot: sl}
}

// Since marks the field as introduced at version v.
func (f *Nullable[S, V]) Since(v int) *Nullable[S, V] {
	f.since = v
	return f
}

// Legacy sets the loader used for trees older than the field.
func (f *Nullable[S, V]) Legacy(fn LegacyLoader[S]) *Nullable[S, V] {
	f.legacy = fn
	return f
}

func (f *Nullable[S, V]) HasDefault() bool { return true }

func (f *Nullable[S, V]) Init(s *S) { *f.acc(s) = nil }

func (f *Nullable[S, V]) LoadDefault(s *S) { *f.acc(s) = nil }

func (f *Nullable[S, V]) MakeRelative(s *S, base string) error {
	p := *f.acc(s)
	if f.rel == nil || p == nil {
		return nil
	}
	v, err := f.rel(*p, base)
	if err != nil {
		return err
	}
	*f.acc(s) = &v
	return nil
}

func (f *Nullable[S, V]) cloneOf(p *V) *V {
	if p == nil {
		return nil
	}
	v := f.slot.clone(*p)
	return &v
}

func (f *Nullable[S, V]) equalOf(a, b *V) bool {
	if a == nil || b == nil {
		return a == b
	}
	return f.slot.equal(*a, *b)
}

func (f *Nullable[S, V]) Copy(dst, src *S) { *f.acc(dst) = f.cloneOf(*f.acc(src)) }

func (f *Nullable[S, V]) Equal(a, b *S) bool { return f.equalOf(*f.acc(a), *f.acc(b)) }

func (f *Nullable[S, V]) Merge(dst, base, src *S) error {
	if !f.equalOf(*f.acc(src), *f.acc(base)) {
		*f.acc(dst) = f.cloneOf(*f.acc(src))
	}
	return nil
}

func (f *Nullable[S, V]) Load(n *tree.Node, s *S, version int) error {
	v, ok, err := f.slot.get(n, f.name)
	if err != nil {
		return dberrors.Validation("invalid field %q", f.name).Wrap(err)
	}
	if !ok {
		*f.acc(s) = nil
		return nil
	}
	*f.acc(s) = &v
	return nil
}

func (f *Nullable[S, V]) Store(n *tree.Node, s *S, e Emit) error {
	p := *f.acc(s)
	if p == nil {
		return nil
	}
	if err := f.slot.put(n, f.name, *p); err != nil {
		return dberrors.Validation("cannot store field %q", f.name).Wrap(err)
	}
	return nil
}

func (f *Nullable[S, V]) Schema() *jsonschema.Schema {
	return f.describe(f.slot.schema())
}

// Attr declares a field of a custom scalar type stored as an attribute.
func Attr[S, V any](name string, acc func(*S) *V, v Value[V]) *Scalar[S, V] {
	return newScalar(name, acc, slot[V](attrSlot[V]{v}))
}

// NullableAttr is the nullable variant of [Attr].
func NullableAttr[S, V any](name string, acc func(*S) **V, v Value[V]) *Nullable[S, V] {
	return newNullable(name, acc, slot[V](attrSlot[V]{v}))
}

// Bool declares a boolean field.
func Bool[S any](name string, acc func(*S) *bool) *Scalar[S, bool] {
	return Attr(name, acc, BoolValue)
}

// NullableBool declares a nullable boolean field.
func NullableBool[S any](name string, acc func(*S) **bool) *Nullable[S, bool] {
	return NullableAttr(name, acc, BoolValue)
}

// Int declares an integer field.
func Int[S any](name string, acc func(*S) *int) *Scalar[S, int] {
	return Attr(name, acc, IntValue)
}

// NullableInt declares a nullable integer field.
func NullableInt[S any](name string, acc func(*S) **int) *Nullable[S, int] {
	return NullableAttr(name, acc, IntValue)
}

// Int64 declares a 64 bit integer field.
func Int64[S any](name string, acc func(*S) *int64) *Scalar[S, int64] {
	return Attr(name, acc, Int64Value)
}

// NullableInt64 declares a nullable 64 bit integer field.
func NullableInt64[S any](name string, acc func(*S) **int64) *Nullable[S, int64] {
	return NullableAttr(name, acc, Int64Value)
}

// Float declares a floating point field.
func Float[S any](name string, acc func(*S) *float64) *Scalar[S, float64] {
	return Attr(name, acc, FloatValue)
}

// NullableFloat declares a nullable floating point field.
func NullableFloat[S any](name string, acc func(*S) **float64) *Nullable[S, float64] {
	return NullableAttr(name, acc, FloatValue)
}

// String declares a string field.
func String[S any](name string, acc func(*S) *string) *Scalar[S, string] {
	return Attr(name, acc, StringValue)
}

// NullableString declares a nullable string field.
func NullableString[S any](name string, acc func(*S) **string) *Nullable[S, string] {
	return NullableAttr(name, acc, StringValue)
}

// Path declares a file path field. MakeRelative rewrites absolute paths
// inside the base directory to relative ones.
func Path[S any](name string, acc func(*S) *string) *Scalar[S, string] {
	f := Attr(name, acc, PathValue)
	f.rel = relativePath
	return f
}

// NullablePath declares a nullable file path field.
func NullablePath[S any](name string, acc func(*S) **string) *Nullable[S, string] {
	f := NullableAttr(name, acc, PathValue)
	f.rel = relativePath
	return f
}

// Enum declares an integer code field stored by name. Without a Default, 0
// must be one of the codes.
func Enum[S any](name string, acc func(*S) *int, values *EnumValue) *Scalar[S, int] {
	return Attr(name, acc, Value[int](values))
}

// NullableEnum declares a nullable integer code field stored by name.
func NullableEnum[S any](name string, acc func(*S) **int, values *EnumValue) *Nullable[S, int] {
	return NullableAttr(name, acc, Value[int](values))
}

// Password declares an obfuscated string field.
func Password[S any](name string, acc func(*S) *string) *Scalar[S, string] {
	return Attr(name, acc, Value[string](passwordValue{}))
}

// NullablePassword declares a nullable obfuscated string field.
func NullablePassword[S any](name string, acc func(*S) **string) *Nullable[S, string] {
	return NullableAttr(name, acc, Value[string](passwordValue{}))
}
