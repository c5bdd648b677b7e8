package selector

import (
	"strings"

	"github.com/chromedp/cdproto/cdp"
)

type nodeElement struct {
	n *cdp.Node
}

// FromNode adapts a DevTools DOM node. Non-element nodes yield nil.
func FromNode(n *cdp.Node) Element {
	if n == nil || n.NodeType != cdp.NodeTypeElement {
		return nil
	}
	return nodeElement{n: n}
}

func (e nodeElement) Tag() string {
	return nodeTag(e.n)
}

func (e nodeElement) ID() string {
	return e.n.AttributeValue("id")
}

func (e nodeElement) Classes() []string {
	return strings.Fields(e.n.AttributeValue("class"))
}

func (e nodeElement) Parent() Element {
	p := e.n.Parent
	if p == nil || p.NodeType != cdp.NodeTypeElement {
		return nil
	}
	return nodeElement{n: p}
}

func (e nodeElement) SameTagSiblings() (int, int) {
	p := e.n.Parent
	if p == nil {
		return 1, 1
	}
	tag := nodeTag(e.n)
	index, count := 1, 0
	for _, c := range p.Children {
		if c == nil || c.NodeType != cdp.NodeTypeElement || nodeTag(c) != tag {
			continue
		}
		count++
		if c == e.n {
			index = count
		}
	}
	if count == 0 {
		return 1, 1
	}
	return index, count
}

func nodeTag(n *cdp.Node) string {
	if n.LocalName != "" {
		return strings.ToLower(n.LocalName)
	}
	return strings.ToLower(n.NodeName)
}
