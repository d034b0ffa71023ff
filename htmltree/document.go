// Package htmltree hosts the rebuild operation on an in-memory HTML tree
// parsed with golang.org/x/net/html. A Document behaves like a live page:
// it is ready as soon as it is parsed, and every structural change, whether
// made by a caller through Mutate or by the Rebuilder itself, is announced
// on the Mutations channel.
package htmltree

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/embedfix/rebuild"
)

var errDetached = errors.New("htmltree: element no longer attached")

// Document is a lockable HTML tree implementing rebuild.Document.
type Document struct {
	mu       sync.Mutex
	root     *html.Node
	fragment bool

	ready     chan struct{}
	mutations chan struct{}
	logger    *slog.Logger
}

// Parse reads a full HTML document.
func Parse(r io.Reader, logger *slog.Logger) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("htmltree: parse: %w", err)
	}
	return newDocument(root, false, logger), nil
}

// ParseFragment reads markup meant for the inside of <body>. Render writes
// the fragment back without the html/head/body wrapper html.Parse would add.
func ParseFragment(r io.Reader, logger *slog.Logger) (*Document, error) {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(r, body)
	if err != nil {
		return nil, fmt.Errorf("htmltree: parse fragment: %w", err)
	}
	for _, n := range nodes {
		body.AppendChild(n)
	}
	return newDocument(body, true, logger), nil
}

// ParseAuto picks Parse or ParseFragment depending on whether src looks
// like a complete document.
func ParseAuto(src []byte, logger *slog.Logger) (*Document, error) {
	if IsFullDocument(src) {
		return Parse(bytes.NewReader(src), logger)
	}
	return ParseFragment(bytes.NewReader(src), logger)
}

// IsFullDocument reports whether src opens as a complete document: the
// first markup after leading whitespace and comments is a doctype or an
// html, head or body tag.
func IsFullDocument(src []byte) bool {
	z := html.NewTokenizer(bytes.NewReader(src))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return false
		case html.CommentToken:
		case html.DoctypeToken:
			return true
		case html.TextToken:
			if len(bytes.TrimSpace(z.Text())) > 0 {
				return false
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch atom.Lookup(name) {
			case atom.Html, atom.Head, atom.Body:
				return true
			}
			return false
		default:
			return false
		}
	}
}

func newDocument(root *html.Node, fragment bool, logger *slog.Logger) *Document {
	if logger == nil {
		logger = slog.Default()
	}
	ready := make(chan struct{})
	close(ready)
	return &Document{
		root:      root,
		fragment:  fragment,
		ready:     ready,
		mutations: make(chan struct{}, 1),
		logger:    logger,
	}
}

// Ready is closed: a parsed document is immediately usable.
func (d *Document) Ready() <-chan struct{} { return d.ready }

// Mutations receives one value per batch of structural changes. Changes
// that happen while a value is still pending are folded into it.
func (d *Document) Mutations() <-chan struct{} { return d.mutations }

// Mutate runs fn with exclusive access to the tree and announces a mutation
// afterwards. fn receives the document node (or the synthetic body of a
// fragment).
func (d *Document) Mutate(fn func(root *html.Node)) {
	d.mu.Lock()
	fn(d.root)
	d.mu.Unlock()
	d.notify()
}

func (d *Document) notify() {
	select {
	case d.mutations <- struct{}{}:
	default:
	}
}

// Query implements rebuild.Document using an XPath class-list match.
// Results are in document order. Elements inside <template> contents are
// inert and never returned.
func (d *Document) Query(tag, class string) ([]rebuild.Element, error) {
	expr := fmt.Sprintf("//%s[contains(concat(' ', normalize-space(@class), ' '), ' %s ')]", tag, class)

	d.mu.Lock()
	defer d.mu.Unlock()

	nodes, err := htmlquery.QueryAll(d.root, expr)
	if err != nil {
		return nil, fmt.Errorf("htmltree: query %q: %w", expr, err)
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	matched := make(map[*html.Node]bool, len(nodes))
	for _, n := range nodes {
		matched[n] = true
	}

	out := make([]rebuild.Element, 0, len(nodes))
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.DataAtom == atom.Template {
				continue
			}
			if matched[c] {
				out = append(out, &element{doc: d, node: c})
			}
			walk(c)
		}
	}
	walk(d.root)
	return out, nil
}

// Render writes the tree as HTML.
func (d *Document) Render(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.fragment {
		return html.Render(w, d.root)
	}
	for c := d.root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(w, c); err != nil {
			return err
		}
	}
	return nil
}

// Bytes renders the tree into a byte slice.
func (d *Document) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := d.Render(&buf); err != nil {
		return nil, fmt.Errorf("htmltree: render: %w", err)
	}
	return buf.Bytes(), nil
}

// element adapts an *html.Node to rebuild.Element.
type element struct {
	doc  *Document
	node *html.Node
}

func (e *element) Attr(name string) (string, bool) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	for _, a := range e.node.Attr {
		if a.Namespace == "" && a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// Replace inserts the new node before the old one and detaches the old one
// while holding the document lock, so readers never see both or neither.
func (e *element) Replace(rep rebuild.Replacement) error {
	e.doc.mu.Lock()
	parent := e.node.Parent
	if parent == nil {
		e.doc.mu.Unlock()
		return errDetached
	}
	nu := NewElement(rep)
	parent.InsertBefore(nu, e.node)
	parent.RemoveChild(e.node)
	e.node = nu
	e.doc.mu.Unlock()

	e.doc.notify()
	return nil
}

// NewElement builds a detached element node from a replacement.
func NewElement(rep rebuild.Replacement) *html.Node {
	n := &html.Node{
		Type:     html.ElementNode,
		Data:     rep.Tag,
		DataAtom: atom.Lookup([]byte(rep.Tag)),
		Attr:     make([]html.Attribute, 0, len(rep.Attrs)),
	}
	for _, a := range rep.Attrs {
		n.Attr = append(n.Attr, html.Attribute{Key: a.Name, Val: a.Value})
	}
	return n
}
