package tree

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// YAML layout of a node:
//
//	name: record
//	attrs:
//	  key: value
//	text: free text
//	children:
//	  - name: child
//	    ...
//
// Empty sections are omitted. Mappings keep attribute order.

// EncodeYAML writes n as a YAML document.
func EncodeYAML(w io.Writer, n *Node) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(toYAML(n)); err != nil {
		return fmt.Errorf("failed to encode yaml: %w", err)
	}
	return enc.Close()
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

func toYAML(n *Node) *yaml.Node {
	m := &yaml.Node{Kind: yaml.MappingNode}
	m.Content = append(m.Content, scalar("name"), scalar(n.Name))
	if n.NumAttrs() > 0 {
		attrs := &yaml.Node{Kind: yaml.MappingNode}
		for k, v := range n.Attrs() {
			attrs.Content = append(attrs.Content, scalar(k), scalar(v))
		}
		m.Content = append(m.Content, scalar("attrs"), attrs)
	}
	if n.Text != "" {
		m.Content = append(m.Content, scalar("text"), scalar(n.Text))
	}
	if len(n.Children) > 0 {
		seq := &yaml.Node{Kind: yaml.SequenceNode}
		for _, c := range n.Children {
			seq.Content = append(seq.Content, toYAML(c))
		}
		m.Content = append(m.Content, scalar("children"), seq)
	}
	return m
}

// DecodeYAML reads one YAML document written by [EncodeYAML].
func DecodeYAML(r io.Reader) (*Node, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("failed to parse yaml: empty document")
		}
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 {
		return nil, errors.New("failed to parse yaml: expected a single document")
	}
	return fromYAML(doc.Content[0])
}

func fromYAML(y *yaml.Node) (*Node, error) {
	if y.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: expected a mapping", y.Line)
	}
	n := &Node{}
	for i := 0; i+1 < len(y.Content); i += 2 {
		k, v := y.Content[i], y.Content[i+1]
		switch k.Value {
		case "name":
			n.Name = v.Value
		case "text":
			n.Text = v.Value
		case "attrs":
			if v.Kind != yaml.MappingNode {
				return nil, fmt.Errorf("line %d: attrs must be a mapping", v.Line)
			}
			for j := 0; j+1 < len(v.Content); j += 2 {
				n.SetAttr(v.Content[j].Value, v.Content[j+1].Value)
			}
		case "children":
			if v.Kind != yaml.SequenceNode {
				return nil, fmt.Errorf("line %d: children must be a sequence", v.Line)
			}
			for _, c := range v.Content {
				child, err := fromYAML(c)
				if err != nil {
					return nil, err
				}
				n.AppendChild(child)
			}
		default:
			return nil, fmt.Errorf("line %d: unknown key %q", k.Line, k.Value)
		}
	}
	if n.Name == "" {
		return nil, fmt.Errorf("line %d: element name is required", y.Line)
	}
	return n, nil
}
