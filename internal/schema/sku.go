package schema

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/invopop/jsonschema"

	"github.com/maruel/labdb/internal/tree"
)

// SKUKind selects the variant of a [SKU].
type SKUKind int

const (
	// SKUCode is a plain catalogue code.
	SKUCode SKUKind = iota
	// SKUAttributes is a product narrowed down by exact attribute values.
	SKUAttributes
	// SKUPattern is a product narrowed down by an attribute pattern.
	SKUPattern
)

func (k SKUKind) String() string {
	switch k {
	case SKUCode:
		return "code"
	case SKUAttributes:
		return "attributes"
	case SKUPattern:
		return "pattern"
	default:
		return fmt.Sprintf("SKUKind(%d)", int(k))
	}
}

// SKU identifies a stock keeping unit in one of three ways.
type SKU struct {
	Kind SKUKind
	// Code is set for SKUCode.
	Code string
	// Product is set for SKUAttributes and SKUPattern.
	Product string
	// Attributes is set for SKUAttributes.
	Attributes map[string]string
	// Pattern is set for SKUPattern.
	Pattern string
}

// Equal compares variants structurally.
func (s SKU) Equal(o SKU) bool {
	return s.Kind == o.Kind && s.Code == o.Code && s.Product == o.Product &&
		s.Pattern == o.Pattern && maps.Equal(s.Attributes, o.Attributes)
}

// Clone returns a deep copy.
func (s SKU) Clone() SKU {
	s.Attributes = maps.Clone(s.Attributes)
	return s
}

func (s SKU) String() string {
	switch s.Kind {
	case SKUAttributes:
		return fmt.Sprintf("%s%v", s.Product, s.Attributes)
	case SKUPattern:
		return s.Product + "~" + s.Pattern
	default:
		return s.Code
	}
}

// skuSlot stores a SKU as a child element:
//
//	<sku kind="code" code="X-1"/>
//	<sku kind="attributes" product="P"><attr name="color" value="red"/></sku>
//	<sku kind="pattern" product="P" pattern="color=r*"/>
type skuSlot struct{}

func (skuSlot) get(n *tree.Node, name string) (SKU, bool, error) {
	el := n.Element(name)
	if el == nil {
		return SKU{}, false, nil
	}
	kind, _ := el.Attr("kind")
	var s SKU
	switch kind {
	case "code", "":
		s.Kind = SKUCode
		s.Code, _ = el.Attr("code")
	case "attributes":
		s.Kind = SKUAttributes
		s.Product, _ = el.Attr("product")
		s.Attributes = map[string]string{}
		for _, a := range el.Elements("attr") {
			k, ok := a.Attr("name")
			if !ok {
				return SKU{}, false, errors.New("sku attribute without name")
			}
			s.Attributes[k], _ = a.Attr("value")
		}
	case "pattern":
		s.Kind = SKUPattern
		s.Product, _ = el.Attr("product")
		s.Pattern, _ = el.Attr("pattern")
	default:
		return SKU{}, false, fmt.Errorf("unknown sku kind %q", kind)
	}
	return s, true, nil
}

func (skuSlot) put(n *tree.Node, name string, s SKU) error {
	el := n.CreateElement(name)
	el.SetAttr("kind", s.Kind.String())
	switch s.Kind {
	case SKUCode:
		el.SetAttr("code", s.Code)
	case SKUAttributes:
		el.SetAttr("product", s.Product)
		for _, k := range slices.Sorted(maps.Keys(s.Attributes)) {
			a := el.CreateElement("attr")
			a.SetAttr("name", k)
			a.SetAttr("value", s.Attributes[k])
		}
	case SKUPattern:
		el.SetAttr("product", s.Product)
		el.SetAttr("pattern", s.Pattern)
	default:
		return fmt.Errorf("unknown sku kind %d", int(s.Kind))
	}
	return nil
}

func (skuSlot) equal(a, b SKU) bool { return a.Equal(b) }

func (skuSlot) clone(v SKU) SKU { return v.Clone() }

func (skuSlot) schema() *jsonschema.Schema {
	props := jsonschema.NewProperties()
	props.Set("kind", &jsonschema.Schema{Type: "string", Enum: []any{"code", "attributes", "pattern"}})
	props.Set("code", &jsonschema.Schema{Type: "string"})
	props.Set("product", &jsonschema.Schema{Type: "string"})
	props.Set("pattern", &jsonschema.Schema{Type: "string"})
	props.Set("attributes", &jsonschema.Schema{
		Type:                 "object",
		AdditionalProperties: &jsonschema.Schema{Type: "string"},
	})
	return &jsonschema.Schema{Type: "object", Properties: props, Required: []string{"kind"}}
}

// SKUField declares a SKU field.
func SKUField[S any](name string, acc func(*S) *SKU) *Scalar[S, SKU] {
	return newScalar(name, acc, slot[SKU](skuSlot{}))
}

// NullableSKU declares a nullable SKU field.
func NullableSKU[S any](name string, acc func(*S) **SKU) *Nullable[S, SKU] {
	return newNullable(name, acc, slot[SKU](skuSlot{}))
}
