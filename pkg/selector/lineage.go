package selector

import "strings"

// Segment describes one ancestor level as reported by the page hook.
type Segment struct {
	Tag     string   `json:"tag"`
	ID      string   `json:"id,omitempty"`
	Classes []string `json:"classes,omitempty"`
	Index   int      `json:"index"`
	Count   int      `json:"count"`
}

// Lineage lists the event target first and the document root last.
type Lineage []Segment

// Element returns the target element, or nil for an empty lineage.
func (l Lineage) Element() Element {
	if len(l) == 0 {
		return nil
	}
	return lineageElement{l: l}
}

type lineageElement struct {
	l Lineage
	i int
}

func (e lineageElement) Tag() string       { return strings.ToLower(e.l[e.i].Tag) }
func (e lineageElement) ID() string        { return e.l[e.i].ID }
func (e lineageElement) Classes() []string { return e.l[e.i].Classes }

func (e lineageElement) Parent() Element {
	if e.i+1 >= len(e.l) {
		return nil
	}
	return lineageElement{l: e.l, i: e.i + 1}
}

func (e lineageElement) SameTagSiblings() (int, int) {
	s := e.l[e.i]
	if s.Count < 1 || s.Index < 1 {
		return 1, 1
	}
	return s.Index, s.Count
}
