// Package schema declares record types as ordered lists of typed fields and
// derives from that declaration initialization, deep copy, structural
// equality, three-way merge and versioned load/store to a [tree.Node].
//
// Fields bind to a record through accessor closures, for example:
//
//	var def = schema.NewDefinition("instance",
//		schema.String("key", func(r *Instance) *string { return &r.Key }),
//		schema.Int("count", func(r *Instance) *int { return &r.Count }).Since(2).Default(1),
//	).Versioned(1, 2, nil)
//
// A field introduced at version v is parsed only from trees whose embedded
// version is at least v. Older trees get the field's legacy loader, or its
// default. Old files therefore always load.
package schema

import (
	"math"

	"github.com/invopop/jsonschema"

	"github.com/maruel/labdb/internal/tree"
)

// current is the version used for unversioned records, so that every field
// is read and written.
const current = math.MaxInt

// Field describes one named slot of record type S.
type Field[S any] interface {
	Name() string
	// SinceVersion is the structure version the field was introduced in.
	SinceVersion() int
	// HasDefault reports whether the field declares a default value, or has
	// one inherently (nullable and composite kinds).
	HasDefault() bool

	Init(s *S)
	MakeRelative(s *S, base string) error
	Copy(dst, src *S)
	Equal(a, b *S) bool
	Merge(dst, base, src *S) error
	LoadDefault(s *S)
	// LoadLegacy runs the special-case loader for trees older than
	// SinceVersion. It returns false if the field has none.
	LoadLegacy(n *tree.Node, s *S, version int) (bool, error)
	Load(n *tree.Node, s *S, version int) error
	Store(n *tree.Node, s *S, e Emit) error
	// Schema describes the serialized form of the field.
	Schema() *jsonschema.Schema
}

// Emit carries the state of a store down the field tree.
type Emit struct {
	// Version is the version of the innermost versioned structure being
	// written. Fields introduced later are skipped.
	Version int
	// AsOf is the as-of marker passed to StoreAsOf. Only meaningful when
	// Historic is set.
	AsOf     int64
	Historic bool
}

// LegacyLoader loads a field from a tree older than the field's version.
type LegacyLoader[S any] func(n *tree.Node, s *S, version int) error

// base holds what every field kind shares.
type base[S any] struct {
	name   string
	since  int
	legacy LegacyLoader[S]
}

func (b *base[S]) Name() string { return b.name }

func (b *base[S]) SinceVersion() int { return b.since }

func (b *base[S]) LoadLegacy(n *tree.Node, s *S, version int) (bool, error) {
	if b.legacy == nil {
		return false, nil
	}
	return true, b.legacy(n, s, version)
}

// describe attaches the field metadata common to every kind.
func (b *base[S]) describe(js *jsonschema.Schema) *jsonschema.Schema {
	if b.since > 0 {
		if js.Extras == nil {
			js.Extras = map[string]any{}
		}
		js.Extras["x-since"] = b.since
	}
	return js
}
