package tree

import (
	"fmt"
	"io"
)

// Format selects a serialization of trees.
type Format int

const (
	XML Format = iota
	YAML
)

// ParseFormat parses "xml" or "yaml".
func ParseFormat(s string) (Format, error) {
	switch s {
	case "xml", "":
		return XML, nil
	case "yaml", "yml":
		return YAML, nil
	default:
		return 0, fmt.Errorf("unknown format %q", s)
	}
}

func (f Format) String() string {
	if f == YAML {
		return "yaml"
	}
	return "xml"
}

// Ext returns the file extension, including the dot.
func (f Format) Ext() string {
	return "." + f.String()
}

// Encode writes n.
func (f Format) Encode(w io.Writer, n *Node) error {
	if f == YAML {
		return EncodeYAML(w, n)
	}
	return EncodeXML(w, n)
}

// Decode reads one tree.
func (f Format) Decode(r io.Reader) (*Node, error) {
	if f == YAML {
		return DecodeYAML(r)
	}
	return DecodeXML(r)
}
