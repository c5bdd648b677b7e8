// Package selector computes the stable element selectors used as the join key
// between DOM events and screenshots.
package selector

import (
	"strconv"
	"strings"
)

// Element is the minimal view of a DOM element needed to build a selector.
type Element interface {
	// Tag returns the lower-case tag name.
	Tag() string
	ID() string
	Classes() []string
	// Parent returns nil at the document root or when the element is detached.
	Parent() Element
	// SameTagSiblings returns the 1-based position of the element among the
	// children of its parent sharing its tag, and how many such children exist.
	SameTagSiblings() (index, count int)
}

// Resolve returns "#id", "tag.class1.class2" or the structural path of el, in
// that order of preference. Nil or detached elements resolve to "".
func Resolve(el Element) string {
	if !attached(el) {
		return ""
	}
	if id := strings.TrimSpace(el.ID()); id != "" {
		return "#" + id
	}
	if classes := cleanClasses(el.Classes()); len(classes) > 0 {
		return el.Tag() + "." + strings.Join(classes, ".")
	}
	return Path(el)
}

// Path walks from el up to the document root. A level gets ":nth-of-type(n)"
// only when its parent has more than one child with the same tag.
func Path(el Element) string {
	if !attached(el) {
		return ""
	}
	var segments []string
	for cur := el; cur != nil; cur = cur.Parent() {
		seg := cur.Tag()
		if index, count := cur.SameTagSiblings(); count > 1 {
			seg += ":nth-of-type(" + strconv.Itoa(index) + ")"
		}
		segments = append(segments, seg)
	}
	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}
	return strings.Join(segments, " > ")
}

func attached(el Element) bool {
	if el == nil {
		return false
	}
	top := el
	for p := el.Parent(); p != nil; p = p.Parent() {
		top = p
	}
	return top.Tag() == "html"
}

func cleanClasses(classes []string) []string {
	out := make([]string, 0, len(classes))
	for _, c := range classes {
		for _, f := range strings.Fields(c) {
			out = append(out, f)
		}
	}
	return out
}
