package parser

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// xmlTreeDecoder builds a node tree from a single-rooted XML fragment.
// Models emit XML loosely (stray entities, unescaped ampersands in
// argument values), so the decoder runs in non-strict mode with HTML
// entities enabled.
type xmlTreeDecoder struct {
	dec *xml.Decoder
}

func newLenientXMLDecoder(raw string) *xmlTreeDecoder {
	dec := xml.NewDecoder(strings.NewReader(raw))
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity
	return &xmlTreeDecoder{dec: dec}
}

func (d *xmlTreeDecoder) decode() (*xmlNode, error) {
	var root *xmlNode
	var stack []*xmlNode

	for {
		tok, err := d.dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			node := &xmlNode{Name: t.Name.Local}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("multiple root elements")
				}
				root = node
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, xmlNode{})
				node = &parent.Children[len(parent.Children)-1]
				node.Name = t.Name.Local
			}
			stack = append(stack, node)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("unexpected closing element %s", t.Name.Local)
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			}
		}
	}

	if root == nil {
		return nil, fmt.Errorf("no root element")
	}
	if len(stack) != 0 {
		return nil, fmt.Errorf("unclosed element %s", stack[len(stack)-1].Name)
	}
	return root, nil
}
