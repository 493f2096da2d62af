package schema

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/invopop/jsonschema"

	dberrors "github.com/maruel/labdb/internal/errors"
	"github.com/maruel/labdb/internal/tree"
)

const versionKey = "version"

// Step records that Version became the current structure version at From.
type Step struct {
	From    int64
	Version int
}

// History maps as-of markers to the structure version current at the time.
// Steps are sorted by From.
type History []Step

// VersionAt returns the version in force at asOf. ok is false when asOf
// precedes every step.
func (h History) VersionAt(asOf int64) (version int, ok bool) {
	for _, s := range h {
		if s.From > asOf {
			break
		}
		version, ok = s.Version, true
	}
	return version, ok
}

func (h History) validate(minV, maxV int) error {
	for i, s := range h {
		if s.Version < minV || s.Version > maxV {
			return fmt.Errorf("step %d: version %d outside [%d, %d]", i, s.Version, minV, maxV)
		}
		if i > 0 && (s.From <= h[i-1].From || s.Version < h[i-1].Version) {
			return fmt.Errorf("step %d: steps must be increasing", i)
		}
	}
	return nil
}

// Definition is the ordered list of fields of one record type, optionally
// versioned.
//
// Definitions are declared once, usually as package variables, and are
// immutable afterwards; they are safe for concurrent use. Construction
// panics when the declaration is inconsistent.
type Definition[S any] struct {
	name      string
	fields    []Field[S]
	versioned bool
	min, max  int
	history   History
	asElement bool
	validator func(*S) error
}

// NewDefinition declares a record type stored under the element name.
//
// Unversioned definitions used as nested fields inherit the version of the
// enclosing structure.
func NewDefinition[S any](name string, fields ...Field[S]) *Definition[S] {
	if name == "" {
		panic("schema: definition name is required")
	}
	seen := map[string]bool{}
	for _, f := range fields {
		n := f.Name()
		if n == "" {
			panic(fmt.Sprintf("schema: %s: field name is required", name))
		}
		if seen[n] {
			panic(fmt.Sprintf("schema: %s: duplicate field %q", name, n))
		}
		seen[n] = true
		if f.SinceVersion() > 0 && !f.HasDefault() {
			panic(fmt.Sprintf("schema: %s: field %q is versioned but has no default", name, n))
		}
		if c, ok := f.(interface{ checkDefault() error }); ok {
			if err := c.checkDefault(); err != nil {
				panic(fmt.Sprintf("schema: %s: field %q: %v", name, n, err))
			}
		}
	}
	return &Definition[S]{name: name, fields: fields}
}

// Versioned makes the definition carry its own version in [minV, maxV].
// history is used by StoreAsOf and may be nil.
func (d *Definition[S]) Versioned(minV, maxV int, history History) *Definition[S] {
	if minV > maxV {
		panic(fmt.Sprintf("schema: %s: min version %d > max version %d", d.name, minV, maxV))
	}
	if err := history.validate(minV, maxV); err != nil {
		panic(fmt.Sprintf("schema: %s: history: %v", d.name, err))
	}
	for _, f := range d.fields {
		if f.Name() == versionKey {
			panic(fmt.Sprintf("schema: %s: field name %q is reserved", d.name, versionKey))
		}
		if f.SinceVersion() > maxV {
			panic(fmt.Sprintf("schema: %s: field %q introduced at %d > max version %d", d.name, f.Name(), f.SinceVersion(), maxV))
		}
	}
	d.versioned = true
	d.min, d.max = minV, maxV
	d.history = slices.Clone(history)
	return d
}

// VersionElement stores the version as a child element instead of an
// attribute.
func (d *Definition[S]) VersionElement() *Definition[S] {
	d.asElement = true
	return d
}

// Validator adds a check run by Validate after every field-level check.
func (d *Definition[S]) Validator(fn func(*S) error) *Definition[S] {
	d.validator = fn
	return d
}

// Name returns the element name.
func (d *Definition[S]) Name() string { return d.name }

// Fields returns the fields in declaration order.
func (d *Definition[S]) Fields() []Field[S] { return slices.Clone(d.fields) }

// Versions returns the supported version range. ok is false for unversioned
// definitions.
func (d *Definition[S]) Versions() (minV, maxV int, ok bool) {
	return d.min, d.max, d.versioned
}

// New returns an initialized record.
func (d *Definition[S]) New() *S {
	s := new(S)
	d.Init(s)
	return s
}

// Init sets every field to its initial value.
func (d *Definition[S]) Init(s *S) {
	for _, f := range d.fields {
		f.Init(s)
	}
}

// LoadDefault sets every field to its default.
func (d *Definition[S]) LoadDefault(s *S) {
	for _, f := range d.fields {
		f.LoadDefault(s)
	}
}

// Clone returns a deep copy of src, or nil.
func (d *Definition[S]) Clone(src *S) *S {
	if src == nil {
		return nil
	}
	dst := new(S)
	d.Copy(dst, src)
	return dst
}

// Copy deep copies every field of src into dst.
func (d *Definition[S]) Copy(dst, src *S) {
	for _, f := range d.fields {
		f.Copy(dst, src)
	}
}

// Equal reports whether every field is equal. Two nil records are equal.
func (d *Definition[S]) Equal(a, b *S) bool {
	if a == nil || b == nil {
		return a == b
	}
	for _, f := range d.fields {
		if !f.Equal(a, b) {
			return false
		}
	}
	return true
}

// Merge merges the changes from base to src into dst.
//
// Fields where src differs from base take src's value; the others keep dst's.
func (d *Definition[S]) Merge(dst, base, src *S) error {
	if d.Equal(src, base) || d.Equal(src, dst) {
		return nil
	}
	if d.Equal(dst, base) {
		d.Copy(dst, src)
		return nil
	}
	for _, f := range d.fields {
		if err := f.Merge(dst, base, src); err != nil {
			return fmt.Errorf("%s.%s: %w", d.name, f.Name(), err)
		}
	}
	return nil
}

// MakeRelative rewrites absolute paths inside base to relative ones.
func (d *Definition[S]) MakeRelative(s *S, base string) error {
	for _, f := range d.fields {
		if err := f.MakeRelative(s, base); err != nil {
			return fmt.Errorf("%s.%s: %w", d.name, f.Name(), err)
		}
	}
	return nil
}

// validating is implemented by fields holding nested records.
type validating[S any] interface {
	validate(s *S) error
}

// Validate runs the validators of nested records, then this one's.
func (d *Definition[S]) Validate(s *S) error {
	for _, f := range d.fields {
		if v, ok := f.(validating[S]); ok {
			if err := v.validate(s); err != nil {
				return err
			}
		}
	}
	if d.validator == nil {
		return nil
	}
	if err := d.validator(s); err != nil {
		if dberrors.CodeOf(err) == "" {
			return dberrors.Validation("invalid %s", d.name).Wrap(err)
		}
		return err
	}
	return nil
}

// Load reads a record from its element and validates it.
func (d *Definition[S]) Load(n *tree.Node) (*S, error) {
	if n.Name != d.name {
		return nil, dberrors.Validation("expected <%s>, got <%s>", d.name, n.Name)
	}
	s := d.New()
	if err := d.load(n, s, current); err != nil {
		return nil, err
	}
	if err := d.Validate(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (d *Definition[S]) load(n *tree.Node, s *S, version int) error {
	if d.versioned {
		v, err := d.readVersion(n)
		if err != nil {
			return err
		}
		version = v
	}
	for _, f := range d.fields {
		var err error
		if version >= f.SinceVersion() {
			err = f.Load(n, s, version)
		} else if ok, lerr := f.LoadLegacy(n, s, version); ok {
			err = lerr
		} else {
			f.LoadDefault(s)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}
	return nil
}

func (d *Definition[S]) readVersion(n *tree.Node) (int, error) {
	var raw string
	var ok bool
	if d.asElement {
		raw, ok = n.ElementText(versionKey)
	} else {
		raw, ok = n.Attr(versionKey)
	}
	if !ok {
		return 0, dberrors.Validation("%s: missing version", d.name)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, dberrors.Validation("%s: invalid version %q", d.name, raw)
	}
	if v < d.min || v > d.max {
		return 0, dberrors.Validation("%s: version %d outside [%d, %d]", d.name, v, d.min, d.max).
			WithDetail("version", v)
	}
	return v, nil
}

// Store writes a record at the current version.
func (d *Definition[S]) Store(s *S) (*tree.Node, error) {
	n := tree.New(d.name)
	if err := d.store(n, s, Emit{Version: current}); err != nil {
		return nil, err
	}
	return n, nil
}

// StoreAsOf writes a record as it would have been written at asOf: every
// versioned structure uses the version its History gives for asOf and omits
// the fields introduced later.
func (d *Definition[S]) StoreAsOf(s *S, asOf int64) (*tree.Node, error) {
	n := tree.New(d.name)
	if err := d.store(n, s, Emit{Version: current, AsOf: asOf, Historic: true}); err != nil {
		return nil, err
	}
	return n, nil
}

func (d *Definition[S]) store(n *tree.Node, s *S, e Emit) error {
	if d.versioned {
		e.Version = d.emitVersion(e)
		if d.asElement {
			n.CreateElementText(versionKey, strconv.Itoa(e.Version))
		} else {
			n.SetAttr(versionKey, strconv.Itoa(e.Version))
		}
	}
	for _, f := range d.fields {
		if f.SinceVersion() > e.Version {
			continue
		}
		if err := f.Store(n, s, e); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}
	return nil
}

// emitVersion picks the version to write. Without history every as-of
// marker maps to the current version; before the first step it maps to the
// oldest supported version.
func (d *Definition[S]) emitVersion(e Emit) int {
	if !e.Historic || len(d.history) == 0 {
		return d.max
	}
	if v, ok := d.history.VersionAt(e.AsOf); ok {
		return v
	}
	return d.min
}

// JSONSchema describes the serialized form of the record.
func (d *Definition[S]) JSONSchema() *jsonschema.Schema {
	js := d.objectSchema()
	js.Version = jsonschema.Version
	return js
}

func (d *Definition[S]) objectSchema() *jsonschema.Schema {
	props := jsonschema.NewProperties()
	js := &jsonschema.Schema{Type: "object", Title: d.name, Properties: props}
	if d.versioned {
		props.Set(versionKey, &jsonschema.Schema{
			Type:    "integer",
			Minimum: json.Number(strconv.Itoa(d.min)),
			Maximum: json.Number(strconv.Itoa(d.max)),
		})
		js.Required = append(js.Required, versionKey)
	}
	for _, f := range d.fields {
		props.Set(f.Name(), f.Schema())
	}
	return js
}
