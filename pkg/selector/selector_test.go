package selector

import (
	"testing"

	"github.com/chromedp/cdproto/cdp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// element builds a cdp.Node with attributes given as name/value pairs.
func element(tag string, attrs ...string) *cdp.Node {
	return &cdp.Node{
		NodeType:   cdp.NodeTypeElement,
		NodeName:   tag,
		LocalName:  tag,
		Attributes: attrs,
	}
}

func appendChildren(parent *cdp.Node, children ...*cdp.Node) {
	for _, c := range children {
		c.Parent = parent
		parent.Children = append(parent.Children, c)
	}
}

// html > body > (div#main, ul > (li, li.item, li), form > button)
func buildTree() (html, ul, li1, li2, li3, button *cdp.Node) {
	html = element("html")
	body := element("body")
	main := element("div", "id", "main")
	ul = element("ul")
	li1, li2, li3 = element("li"), element("li", "class", " item  active "), element("li")
	form := element("form")
	button = element("button")
	text := &cdp.Node{NodeType: cdp.NodeTypeText, NodeName: "#text"}

	appendChildren(html, body)
	appendChildren(body, main, ul, form)
	appendChildren(ul, li1, text, li2, li3)
	appendChildren(form, button)
	return
}

func TestResolvePreferenceOrder(t *testing.T) {
	html, _, _, li2, li3, button := buildTree()
	main := html.Children[0].Children[0]

	assert.Equal(t, "#main", Resolve(FromNode(main)))
	assert.Equal(t, "li.item.active", Resolve(FromNode(li2)))
	assert.Equal(t, "html > body > ul > li:nth-of-type(3)", Resolve(FromNode(li3)))
	assert.Equal(t, "html > body > form > button", Resolve(FromNode(button)))
}

func TestPathDisambiguatesOnlySameTagSiblings(t *testing.T) {
	_, ul, li1, _, _, button := buildTree()

	assert.Equal(t, "html > body > ul > li:nth-of-type(1)", Path(FromNode(li1)))
	assert.Equal(t, "html > body > ul", Path(FromNode(ul)))
	assert.NotContains(t, Path(FromNode(button)), "nth-of-type")
}

func TestResolveIsDeterministic(t *testing.T) {
	_, _, _, _, li3, _ := buildTree()
	first := Resolve(FromNode(li3))
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Resolve(FromNode(li3)))
	}
}

func TestResolveNilAndDetached(t *testing.T) {
	assert.Equal(t, "", Resolve(nil))
	assert.Equal(t, "", Resolve(FromNode(nil)))
	assert.Equal(t, "", Path(nil))

	detached := element("div")
	appendChildren(element("section"), detached)
	assert.Equal(t, "", Resolve(FromNode(detached)))

	text := &cdp.Node{NodeType: cdp.NodeTypeText}
	assert.Nil(t, FromNode(text))
}

func TestLineageMatchesNodeTree(t *testing.T) {
	_, _, _, _, li3, _ := buildTree()

	lineage := Lineage{
		{Tag: "LI", Index: 3, Count: 3},
		{Tag: "UL", Index: 1, Count: 1},
		{Tag: "BODY"},
		{Tag: "HTML"},
	}
	require.NotNil(t, lineage.Element())
	assert.Equal(t, Resolve(FromNode(li3)), Resolve(lineage.Element()))

	withID := Lineage{{Tag: "a", ID: "go", Classes: []string{"btn"}}, {Tag: "html"}}
	assert.Equal(t, "#go", Resolve(withID.Element()))

	assert.Nil(t, Lineage(nil).Element())
	assert.Equal(t, "", Resolve(Lineage{{Tag: "div"}}.Element()))
}
