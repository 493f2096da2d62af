// Package merge reconciles two independently edited copies of a value
// against their common ancestor.
//
// All algorithms take (dst, base, src): dst is the local copy, src the other
// copy and base the version both started from. Whenever src differs from
// base, src wins; local edits survive only where src did not change.
package merge

import (
	"fmt"
	"slices"

	dberrors "github.com/maruel/labdb/internal/errors"
)

// Ops are the element operations a merge needs.
//
// Equal and Clone must accept nil for pointer element types.
type Ops[T any] interface {
	Equal(a, b T) bool
	Clone(v T) T
	// Merge merges src into dst field by field using base as ancestor.
	Merge(dst, base, src T) error
}

// Policy merges lists of elements.
type Policy[T any] interface {
	// Name identifies the policy in errors and schema exports.
	Name() string
	// Merge returns the merged list. The result may share elements with dst.
	Merge(ops Ops[T], dst, base, src []T) ([]T, error)
}

// Optional applies the null-pattern to a value that may be absent on any
// side.
//
// When all three are present they are merged in place into dst, which is
// returned. Otherwise dst is kept if src did not change relative to base,
// and replaced by a copy of src (possibly nil) if it did.
func Optional[N any](ops Ops[*N], dst, base, src *N) (*N, error) {
	if dst != nil && base != nil && src != nil {
		if err := ops.Merge(dst, base, src); err != nil {
			return nil, err
		}
		return dst, nil
	}
	if ops.Equal(src, base) {
		return dst, nil
	}
	return ops.Clone(src), nil
}

// fastPath handles the shortcuts shared by every list policy. It returns
// done=true when the result is known without reconciling elements.
func fastPath[T any](ops Ops[T], dst, base, src []T) ([]T, bool) {
	if equalLists(ops, src, dst) || equalLists(ops, src, base) {
		return dst, true
	}
	if equalLists(ops, dst, base) {
		return cloneAll(ops, src), true
	}
	return nil, false
}

func equalLists[T any](ops Ops[T], a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !ops.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func cloneAll[T any](ops Ops[T], l []T) []T {
	if l == nil {
		return nil
	}
	out := make([]T, len(l))
	for i, v := range l {
		out[i] = ops.Clone(v)
	}
	return out
}

func indexOf[T any](ops Ops[T], l []T, v T) int {
	for i := range l {
		if ops.Equal(l[i], v) {
			return i
		}
	}
	return -1
}

type noMerge[T any] struct{}

// NoMerge forbids merging. Reaching it is a programming error reported as a
// validation error, unless the fast paths already settle the result.
func NoMerge[T any]() Policy[T] {
	return noMerge[T]{}
}

func (noMerge[T]) Name() string { return "none" }

func (noMerge[T]) Merge(ops Ops[T], dst, base, src []T) ([]T, error) {
	if out, ok := fastPath(ops, dst, base, src); ok {
		return out, nil
	}
	return nil, dberrors.Validation("merging this list is not allowed")
}

type byEquality[T any] struct{}

// ByEquality treats lists as sets of structurally equal elements.
//
// An element of base survives only if both sides still have it. Elements
// added on either side are appended, local additions first. Structurally
// equal duplicates collapse into one element.
func ByEquality[T any]() Policy[T] {
	return byEquality[T]{}
}

func (byEquality[T]) Name() string { return "equality" }

func (byEquality[T]) Merge(ops Ops[T], dst, base, src []T) ([]T, error) {
	if out, ok := fastPath(ops, dst, base, src); ok {
		return out, nil
	}
	var out []T
	for _, b := range base {
		i := indexOf(ops, dst, b)
		if i < 0 || indexOf(ops, src, b) < 0 || indexOf(ops, out, b) >= 0 {
			continue
		}
		out = append(out, dst[i])
	}
	for _, d := range dst {
		if indexOf(ops, base, d) < 0 && indexOf(ops, out, d) < 0 {
			out = append(out, d)
		}
	}
	for _, s := range src {
		if indexOf(ops, base, s) < 0 && indexOf(ops, out, s) < 0 {
			out = append(out, ops.Clone(s))
		}
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

type byIdentity[N any, K comparable] struct {
	id  func(*N) K
	cmp func(a, b *N) int
}

// ByIdentity matches elements by a unique id and merges matched elements
// with [Optional]. The result is sorted with cmp, if not nil.
func ByIdentity[N any, K comparable](id func(*N) K, cmp func(a, b *N) int) Policy[*N] {
	return &byIdentity[N, K]{id: id, cmp: cmp}
}

func (*byIdentity[N, K]) Name() string { return "identity" }

func (p *byIdentity[N, K]) Merge(ops Ops[*N], dst, base, src []*N) ([]*N, error) {
	if out, ok := fastPath(ops, dst, base, src); ok {
		return out, nil
	}
	var order []K
	index := func(l []*N) map[K]*N {
		m := make(map[K]*N, len(l))
		for _, v := range l {
			k := p.id(v)
			if _, ok := m[k]; ok {
				continue
			}
			m[k] = v
		}
		return m
	}
	dm, bm, sm := index(dst), index(base), index(src)
	seen := make(map[K]struct{}, len(dm)+len(sm))
	for _, l := range [][]*N{dst, src, base} {
		for _, v := range l {
			k := p.id(v)
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				order = append(order, k)
			}
		}
	}
	out := make([]*N, 0, len(order))
	for _, k := range order {
		m, err := Optional(ops, dm[k], bm[k], sm[k])
		if err != nil {
			return nil, fmt.Errorf("element %v: %w", k, err)
		}
		if m != nil {
			out = append(out, m)
		}
	}
	if p.cmp != nil {
		slices.SortStableFunc(out, p.cmp)
	}
	return out, nil
}

type byPosition[N any] struct{}

// ByPosition matches elements by index and merges matched elements with
// [Optional].
func ByPosition[N any]() Policy[*N] {
	return byPosition[N]{}
}

func (byPosition[N]) Name() string { return "position" }

func (byPosition[N]) Merge(ops Ops[*N], dst, base, src []*N) ([]*N, error) {
	if out, ok := fastPath(ops, dst, base, src); ok {
		return out, nil
	}
	n := max(len(dst), len(base), len(src))
	at := func(l []*N, i int) *N {
		if i < len(l) {
			return l[i]
		}
		return nil
	}
	out := make([]*N, 0, n)
	for i := range n {
		m, err := Optional(ops, at(dst, i), at(base, i), at(src, i))
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		if m != nil {
			out = append(out, m)
		}
	}
	return out, nil
}
