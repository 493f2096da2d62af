package schema

import (
	"fmt"
	"slices"

	"github.com/invopop/jsonschema"

	dberrors "github.com/maruel/labdb/internal/errors"
	"github.com/maruel/labdb/internal/merge"
	"github.com/maruel/labdb/internal/tree"
)

// Composite is a nested record stored as a child element.
type Composite[S, N any] struct {
	base[S]
	acc func(*S) *N
	def *Definition[N]
}

// Nested declares a nested record field.
func Nested[S, N any](name string, acc func(*S) *N, def *Definition[N]) *Composite[S, N] {
	return &Composite[S, N]{base: base[S]{name: name}, acc: acc, def: def}
}

// Since marks the field as introduced at version v.
func (f *Composite[S, N]) Since(v int) *Composite[S, N] {
	f.since = v
	return f
}

// Legacy sets the loader used for trees older than the field.
func (f *Composite[S, N]) Legacy(fn LegacyLoader[S]) *Composite[S, N] {
	f.legacy = fn
	return f
}

func (f *Composite[S, N]) HasDefault() bool { return true }

func (f *Composite[S, N]) Init(s *S) { f.def.Init(f.acc(s)) }

func (f *Composite[S, N]) LoadDefault(s *S) { f.def.LoadDefault(f.acc(s)) }

func (f *Composite[S, N]) MakeRelative(s *S, base string) error {
	return f.def.MakeRelative(f.acc(s), base)
}

func (f *Composite[S, N]) Copy(dst, src *S) { f.def.Copy(f.acc(dst), f.acc(src)) }

func (f *Composite[S, N]) Equal(a, b *S) bool { return f.def.Equal(f.acc(a), f.acc(b)) }

func (f *Composite[S, N]) Merge(dst, base, src *S) error {
	return f.def.Merge(f.acc(dst), f.acc(base), f.acc(src))
}

func (f *Composite[S, N]) Load(n *tree.Node, s *S, version int) error {
	el := n.Element(f.name)
	if el == nil {
		f.LoadDefault(s)
		return nil
	}
	return f.def.load(el, f.acc(s), version)
}

func (f *Composite[S, N]) Store(n *tree.Node, s *S, e Emit) error {
	return f.def.store(n.CreateElement(f.name), f.acc(s), e)
}

func (f *Composite[S, N]) Schema() *jsonschema.Schema {
	return f.describe(f.def.objectSchema())
}

func (f *Composite[S, N]) validate(s *S) error { return f.def.Validate(f.acc(s)) }

// NullableComposite is a nested record that may be absent.
type NullableComposite[S, N any] struct {
	base[S]
	acc func(*S) **N
	def *Definition[N]
}

// NullableNested declares a nullable nested record field.
func NullableNested[S, N any](name string, acc func(*S) **N, def *Definition[N]) *NullableComposite[S, N] {
	return &NullableComposite[S, N]{base: base[S]{name: name}, acc: acc, def: def}
}

// Since marks the field as introduced at version v.
func (f *NullableComposite[S, N]) Since(v int) *NullableComposite[S, N] {
	f.since = v
	return f
}

// Legacy sets the loader used for trees older than the field.
func (f *NullableComposite[S, N]) Legacy(fn LegacyLoader[S]) *NullableComposite[S, N] {
	f.legacy = fn
	return f
}

func (f *NullableComposite[S, N]) HasDefault() bool { return true }

func (f *NullableComposite[S, N]) Init(s *S) { *f.acc(s) = nil }

func (f *NullableComposite[S, N]) LoadDefault(s *S) { *f.acc(s) = nil }

func (f *NullableComposite[S, N]) MakeRelative(s *S, base string) error {
	if p := *f.acc(s); p != nil {
		return f.def.MakeRelative(p, base)
	}
	return nil
}

func (f *NullableComposite[S, N]) Copy(dst, src *S) { *f.acc(dst) = f.def.Clone(*f.acc(src)) }

func (f *NullableComposite[S, N]) Equal(a, b *S) bool {
	return f.def.Equal(*f.acc(a), *f.acc(b))
}

func (f *NullableComposite[S, N]) Merge(dst, base, src *S) error {
	m, err := merge.Optional(f.def, *f.acc(dst), *f.acc(base), *f.acc(src))
	if err != nil {
		return err
	}
	*f.acc(dst) = m
	return nil
}

func (f *NullableComposite[S, N]) Load(n *tree.Node, s *S, version int) error {
	el := n.Element(f.name)
	if el == nil {
		*f.acc(s) = nil
		return nil
	}
	p := f.def.New()
	if err := f.def.load(el, p, version); err != nil {
		return err
	}
	*f.acc(s) = p
	return nil
}

func (f *NullableComposite[S, N]) Store(n *tree.Node, s *S, e Emit) error {
	p := *f.acc(s)
	if p == nil {
		return nil
	}
	return f.def.store(n.CreateElement(f.name), p, e)
}

func (f *NullableComposite[S, N]) Schema() *jsonschema.Schema {
	return f.describe(f.def.objectSchema())
}

func (f *NullableComposite[S, N]) validate(s *S) error {
	if p := *f.acc(s); p != nil {
		return f.def.Validate(p)
	}
	return nil
}

// ListOf is a list of nested records stored as one child element per record
// inside an element named after the field.
type ListOf[S, N any] struct {
	base[S]
	acc      func(*S) *[]*N
	def      *Definition[N]
	policy   merge.Policy[*N]
	optional bool
}

// List declares a list of nested records merged with policy.
func List[S, N any](name string, acc func(*S) *[]*N, def *Definition[N], policy merge.Policy[*N]) *ListOf[S, N] {
	return &ListOf[S, N]{base: base[S]{name: name}, acc: acc, def: def, policy: policy}
}

// Since marks the field as introduced at version v.
func (f *ListOf[S, N]) Since(v int) *ListOf[S, N] {
	f.since = v
	return f
}

// Legacy sets the loader used for trees older than the field.
func (f *ListOf[S, N]) Legacy(fn LegacyLoader[S]) *ListOf[S, N] {
	f.legacy = fn
	return f
}

// Optional distinguishes an absent list (nil) from an empty one. Absent
// lists are not stored and merge with the null-pattern.
func (f *ListOf[S, N]) Optional() *ListOf[S, N] {
	f.optional = true
	return f
}

func (f *ListOf[S, N]) HasDefault() bool { return true }

func (f *ListOf[S, N]) empty() []*N {
	if f.optional {
		return nil
	}
	return []*N{}
}

func (f *ListOf[S, N]) Init(s *S) { *f.acc(s) = f.empty() }

func (f *ListOf[S, N]) LoadDefault(s *S) { *f.acc(s) = f.empty() }

func (f *ListOf[S, N]) MakeRelative(s *S, base string) error {
	for i, p := range *f.acc(s) {
		if err := f.def.MakeRelative(p, base); err != nil {
			return fmt.Errorf("%s[%d]: %w", f.name, i, err)
		}
	}
	return nil
}

func (f *ListOf[S, N]) cloneOf(l []*N) []*N {
	if l == nil {
		return f.empty()
	}
	out := make([]*N, len(l))
	for i, p := range l {
		out[i] = f.def.Clone(p)
	}
	return out
}

func (f *ListOf[S, N]) equalOf(a, b []*N) bool {
	if f.optional && (a == nil) != (b == nil) {
		return false
	}
	return slices.EqualFunc(a, b, f.def.Equal)
}

func (f *ListOf[S, N]) Copy(dst, src *S) { *f.acc(dst) = f.cloneOf(*f.acc(src)) }

func (f *ListOf[S, N]) Equal(a, b *S) bool { return f.equalOf(*f.acc(a), *f.acc(b)) }

func (f *ListOf[S, N]) Merge(dst, base, src *S) error {
	d, b, s := *f.acc(dst), *f.acc(base), *f.acc(src)
	if f.optional && (d == nil || b == nil || s == nil) {
		if !f.equalOf(s, b) {
			*f.acc(dst) = f.cloneOf(s)
		}
		return nil
	}
	out, err := f.policy.Merge(f.def, d, b, s)
	if err != nil {
		return fmt.Errorf("%s (%s merge): %w", f.name, f.policy.Name(), err)
	}
	if out == nil {
		out = []*N{}
	}
	*f.acc(dst) = out
	return nil
}

func (f *ListOf[S, N]) Load(n *tree.Node, s *S, version int) error {
	el := n.Element(f.name)
	if el == nil {
		*f.acc(s) = f.empty()
		return nil
	}
	items := el.Elements(f.def.name)
	out := make([]*N, 0, len(items))
	for i, item := range items {
		p := f.def.New()
		if err := f.def.load(item, p, version); err != nil {
			return fmt.Errorf("%s[%d]: %w", f.name, i, err)
		}
		out = append(out, p)
	}
	*f.acc(s) = out
	return nil
}

func (f *ListOf[S, N]) Store(n *tree.Node, s *S, e Emit) error {
	l := *f.acc(s)
	if f.optional && l == nil {
		return nil
	}
	el := n.CreateElement(f.name)
	for i, p := range l {
		if p == nil {
			return dberrors.Validation("%s[%d]: nil element", f.name, i)
		}
		if err := f.def.store(el.CreateElement(f.def.name), p, e); err != nil {
			return fmt.Errorf("%s[%d]: %w", f.name, i, err)
		}
	}
	return nil
}

func (f *ListOf[S, N]) Schema() *jsonschema.Schema {
	js := &jsonschema.Schema{Type: "array", Items: f.def.objectSchema()}
	if js.Extras == nil {
		js.Extras = map[string]any{}
	}
	js.Extras["x-merge"] = f.policy.Name()
	return f.describe(js)
}

func (f *ListOf[S, N]) validate(s *S) error {
	for i, p := range *f.acc(s) {
		if err := f.def.Validate(p); err != nil {
			return fmt.Errorf("%s[%d]: %w", f.name, i, err)
		}
	}
	return nil
}

// Inline is a list of scalars stored in a single attribute.
type Inline[S, V any] struct {
	base[S]
	acc func(*S) *[]V
	v   Value[V]
}

// InlineList declares a list of scalars stored in one attribute.
func InlineList[S, V any](name string, acc func(*S) *[]V, v Value[V]) *Inline[S, V] {
	return &Inline[S, V]{base: base[S]{name: name}, acc: acc, v: v}
}

// Since marks the field as introduced at version v.
func (f *Inline[S, V]) Since(v int) *Inline[S, V] {
	f.since = v
	return f
}

// Legacy sets the loader used for trees older than the field.
func (f *Inline[S, V]) Legacy(fn LegacyLoader[S]) *Inline[S, V] {
	f.legacy = fn
	return f
}

func (f *Inline[S, V]) HasDefault() bool { return true }

func (f *Inline[S, V]) Init(s *S) { *f.acc(s) = nil }

func (f *Inline[S, V]) LoadDefault(s *S) { *f.acc(s) = nil }

func (f *Inline[S, V]) MakeRelative(*S, string) error { return nil }

func (f *Inline[S, V]) cloneOf(l []V) []V {
	if l == nil {
		return nil
	}
	out := make([]V, len(l))
	for i, v := range l {
		out[i] = f.v.Clone(v)
	}
	return out
}

func (f *Inline[S, V]) Copy(dst, src *S) { *f.acc(dst) = f.cloneOf(*f.acc(src)) }

func (f *Inline[S, V]) Equal(a, b *S) bool {
	return slices.EqualFunc(*f.acc(a), *f.acc(b), f.v.Equal)
}

func (f *Inline[S, V]) Merge(dst, base, src *S) error {
	if !f.Equal(src, base) {
		*f.acc(dst) = f.cloneOf(*f.acc(src))
	}
	return nil
}

func (f *Inline[S, V]) Load(n *tree.Node, s *S, version int) error {
	items, ok := n.InlineList(f.name)
	if !ok {
		*f.acc(s) = nil
		return nil
	}
	out := make([]V, 0, len(items))
	for _, item := range items {
		v, err := f.v.Parse(item)
		if err != nil {
			return dberrors.Validation("invalid field %q", f.name).Wrap(err)
		}
		out = append(out, v)
	}
	*f.acc(s) = out
	return nil
}

func (f *Inline[S, V]) Store(n *tree.Node, s *S, e Emit) error {
	l := *f.acc(s)
	items := make([]string, 0, len(l))
	for _, v := range l {
		item, err := f.v.Format(v)
		if err != nil {
			return dberrors.Validation("cannot store field %q", f.name).Wrap(err)
		}
		items = append(items, item)
	}
	n.SetInlineList(f.name, items)
	return nil
}

func (f *Inline[S, V]) Schema() *jsonschema.Schema {
	return f.describe(&jsonschema.Schema{Type: "array", Items: f.v.Schema()})
}

// Strings is a list of strings stored as one child element per item.
type Strings[S any] struct {
	base[S]
	acc  func(*S) *[]string
	item string
}

// StringList declares a list of strings stored as <name><item>..</item></name>.
func StringList[S any](name, item string, acc func(*S) *[]string) *Strings[S] {
	return &Strings[S]{base: base[S]{name: name}, acc: acc, item: item}
}

// Since marks the field as introduced at version v.
func (f *Strings[S]) Since(v int) *Strings[S] {
	f.since = v
	return f
}

// Legacy sets the loader used for trees older than the field.
func (f *Strings[S]) Legacy(fn LegacyLoader[S]) *Strings[S] {
	f.legacy = fn
	return f
}

func (f *Strings[S]) HasDefault() bool { return true }

func (f *Strings[S]) Init(s *S) { *f.acc(s) = nil }

func (f *Strings[S]) LoadDefault(s *S) { *f.acc(s) = nil }

func (f *Strings[S]) MakeRelative(*S, string) error { return nil }

func (f *Strings[S]) Copy(dst, src *S) { *f.acc(dst) = slices.Clone(*f.acc(src)) }

func (f *Strings[S]) Equal(a, b *S) bool { return slices.Equal(*f.acc(a), *f.acc(b)) }

func (f *Strings[S]) Merge(dst, base, src *S) error {
	if !f.Equal(src, base) {
		*f.acc(dst) = slices.Clone(*f.acc(src))
	}
	return nil
}

func (f *Strings[S]) Load(n *tree.Node, s *S, version int) error {
	l, _ := n.StringList(f.name, f.item)
	*f.acc(s) = l
	return nil
}

func (f *Strings[S]) Store(n *tree.Node, s *S, e Emit) error {
	if l := *f.acc(s); len(l) > 0 {
		n.CreateStringList(f.name, f.item, l)
	}
	return nil
}

func (f *Strings[S]) Schema() *jsonschema.Schema {
	return f.describe(&jsonschema.Schema{Type: "array", Items: &jsonschema.Schema{Type: "string"}})
}
