// Package tree is the serialized form of records: an element tree with
// ordered attributes, text content and child elements.
//
// The schema package loads records from and stores records to a [Node];
// [EncodeXML], [DecodeXML], [EncodeYAML] and [DecodeYAML] move trees to and
// from bytes.
package tree

import (
	"iter"
	"slices"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Node is one element.
type Node struct {
	Name     string
	Text     string
	Children []*Node

	attrs *orderedmap.OrderedMap[string, string]
}

// New returns an empty element.
func New(name string) *Node {
	return &Node{Name: name}
}

// Attr returns the value of an attribute.
func (n *Node) Attr(name string) (string, bool) {
	if n.attrs == nil {
		return "", false
	}
	return n.attrs.Get(name)
}

// SetAttr sets an attribute, keeping its original position if it existed.
func (n *Node) SetAttr(name, value string) {
	if n.attrs == nil {
		n.attrs = orderedmap.New[string, string]()
	}
	n.attrs.Set(name, value)
}

// RemoveAttr deletes an attribute.
func (n *Node) RemoveAttr(name string) {
	if n.attrs != nil {
		n.attrs.Delete(name)
	}
}

// Attrs iterates over attributes in insertion order.
func (n *Node) Attrs() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		if n.attrs == nil {
			return
		}
		for p := n.attrs.Oldest(); p != nil; p = p.Next() {
			if !yield(p.Key, p.Value) {
				return
			}
		}
	}
}

// NumAttrs returns the number of attributes.
func (n *Node) NumAttrs() int {
	if n.attrs == nil {
		return 0
	}
	return n.attrs.Len()
}

// Element returns the first child with the given name, or nil.
func (n *Node) Element(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Elements returns all children with the given name.
func (n *Node) Elements(name string) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// CreateElement appends a new child element and returns it.
func (n *Node) CreateElement(name string) *Node {
	c := New(name)
	n.Children = append(n.Children, c)
	return c
}

// AppendChild appends an existing element.
func (n *Node) AppendChild(c *Node) {
	n.Children = append(n.Children, c)
}

// ElementText returns the text of the first child with the given name.
func (n *Node) ElementText(name string) (string, bool) {
	c := n.Element(name)
	if c == nil {
		return "", false
	}
	return c.Text, true
}

// CreateElementText appends a child element holding only text.
func (n *Node) CreateElementText(name, text string) *Node {
	c := n.CreateElement(name)
	c.Text = text
	return c
}

// InlineList returns the items of a list stored in a single attribute.
func (n *Node) InlineList(name string) ([]string, bool) {
	v, ok := n.Attr(name)
	if !ok {
		return nil, false
	}
	return splitInline(v), true
}

// SetInlineList stores items in a single attribute. Separators inside items
// are escaped. A list holding one empty string is stored as a lone escape so
// that it differs from the empty list.
func (n *Node) SetInlineList(name string, items []string) {
	n.SetAttr(name, joinInline(items))
}

// StringList returns the text of each item element under the named child.
func (n *Node) StringList(name, item string) ([]string, bool) {
	c := n.Element(name)
	if c == nil {
		return nil, false
	}
	items := c.Elements(item)
	out := make([]string, 0, len(items))
	for _, i := range items {
		out = append(out, i.Text)
	}
	return out, true
}

// CreateStringList appends a child holding one item element per string.
func (n *Node) CreateStringList(name, item string, items []string) *Node {
	c := n.CreateElement(name)
	for _, s := range items {
		c.CreateElementText(item, s)
	}
	return c
}

// Clone returns a deep copy.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := &Node{Name: n.Name, Text: n.Text}
	for k, v := range n.Attrs() {
		c.SetAttr(k, v)
	}
	if n.Children != nil {
		c.Children = make([]*Node, len(n.Children))
		for i, ch := range n.Children {
			c.Children[i] = ch.Clone()
		}
	}
	return c
}

// Equal reports structural equality. Attribute order is not significant.
func (n *Node) Equal(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	if n.Name != o.Name || n.Text != o.Text || n.NumAttrs() != o.NumAttrs() || len(n.Children) != len(o.Children) {
		return false
	}
	for k, v := range n.Attrs() {
		if ov, ok := o.Attr(k); !ok || ov != v {
			return false
		}
	}
	return slices.EqualFunc(n.Children, o.Children, (*Node).Equal)
}

const inlineSep = ','

func joinInline(items []string) string {
	if len(items) == 1 && items[0] == "" {
		return `\`
	}
	var b strings.Builder
	for i, s := range items {
		if i > 0 {
			b.WriteByte(inlineSep)
		}
		for _, r := range s {
			if r == '\\' || r == inlineSep {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

func splitInline(v string) []string {
	if v == "" {
		return []string{}
	}
	var out []string
	var cur strings.Builder
	escaped := false
	for _, r := range v {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == inlineSep:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	return append(out, cur.String())
}
