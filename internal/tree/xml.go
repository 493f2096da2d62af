package tree

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// EncodeXML writes n as an indented XML document.
func EncodeXML(w io.Writer, n *Node) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := encodeElement(enc, n); err != nil {
		return err
	}
	if err := enc.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func encodeElement(enc *xml.Encoder, n *Node) error {
	start := xml.StartElement{Name: xml.Name{Local: n.Name}}
	for k, v := range n.Attrs() {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: k}, Value: v})
	}
	if err := enc.EncodeToken(start); err != nil {
		return fmt.Errorf("failed to encode <%s>: %w", n.Name, err)
	}
	if n.Text != "" {
		if err := enc.EncodeToken(xml.CharData(n.Text)); err != nil {
			return fmt.Errorf("failed to encode text of <%s>: %w", n.Name, err)
		}
	}
	for _, c := range n.Children {
		if err := encodeElement(enc, c); err != nil {
			return err
		}
	}
	if err := enc.EncodeToken(start.End()); err != nil {
		return fmt.Errorf("failed to encode </%s>: %w", n.Name, err)
	}
	return nil
}

// DecodeXML reads one XML document.
//
// The text of an element without children is kept verbatim. For other
// elements, whitespace-only character data is indentation and is dropped.
func DecodeXML(r io.Reader) (*Node, error) {
	dec := xml.NewDecoder(r)
	var stack []*Node
	var raw []string
	var root *Node
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := New(t.Name.Local)
			for _, a := range t.Attr {
				n.SetAttr(a.Name.Local, a.Value)
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, errors.New("failed to parse xml: multiple root elements")
				}
				root = n
			} else {
				stack[len(stack)-1].AppendChild(n)
			}
			stack = append(stack, n)
			raw = append(raw, "")
		case xml.EndElement:
			last := len(stack) - 1
			if n := stack[last]; len(n.Children) == 0 {
				n.Text = raw[last]
			}
			stack, raw = stack[:last], raw[:last]
		case xml.CharData:
			if len(stack) == 0 {
				break
			}
			raw[len(raw)-1] += string(t)
			if strings.TrimSpace(string(t)) != "" {
				stack[len(stack)-1].Text += string(t)
			}
		}
	}
	if root == nil {
		return nil, errors.New("failed to parse xml: no root element")
	}
	return root, nil
}
