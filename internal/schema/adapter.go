package schema

import (
	"io"

	dberrors "github.com/maruel/labdb/internal/errors"
	"github.com/maruel/labdb/internal/tree"
)

// Adapter binds a Definition to a key field and a serialization. It
// satisfies both table.Adapter and storage.Codec for *S.
type Adapter[S any] struct {
	def    *Definition[S]
	key    func(*S) *string
	format tree.Format
}

// NewAdapter returns an adapter using key as the record key.
func NewAdapter[S any](def *Definition[S], key func(*S) *string, format tree.Format) *Adapter[S] {
	return &Adapter[S]{def: def, key: key, format: format}
}

// Definition returns the record definition.
func (a *Adapter[S]) Definition() *Definition[S] { return a.def }

// Format returns the serialization.
func (a *Adapter[S]) Format() tree.Format { return a.format }

func (a *Adapter[S]) Key(s *S) string { return *a.key(s) }

func (a *Adapter[S]) SetKey(s *S, key string) bool {
	*a.key(s) = key
	return true
}

func (a *Adapter[S]) Clone(s *S) *S { return a.def.Clone(s) }

func (a *Adapter[S]) Equal(x, y *S) bool { return a.def.Equal(x, y) }

// Decode parses and validates one record.
func (a *Adapter[S]) Decode(r io.Reader) (*S, error) {
	n, err := a.format.Decode(r)
	if err != nil {
		return nil, dberrors.Validation("cannot parse %s", a.def.name).Wrap(err)
	}
	return a.def.Load(n)
}

// Encode serializes one record at the current version.
func (a *Adapter[S]) Encode(w io.Writer, s *S) error {
	n, err := a.def.Store(s)
	if err != nil {
		return err
	}
	if err := a.format.Encode(w, n); err != nil {
		return dberrors.IO("cannot write "+a.def.name, err)
	}
	return nil
}
