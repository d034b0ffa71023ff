package observer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/embedfix/rebuild"
)

var errDetached = errors.New("observer: element no longer attached")

// replaceJS swaps the element for a new one in a single DOM operation.
const replaceJS = `function (tag, attrs) {
	if (!this.isConnected) return false;
	const el = document.createElement(tag);
	for (const [k, v] of attrs) el.setAttribute(k, v);
	this.replaceWith(el);
	return true;
}`

// pageDoc exposes a live tab as a rebuild.Document.
type pageDoc struct {
	ctx  context.Context
	page *rod.Page
}

func (d *pageDoc) Query(tag, class string) ([]rebuild.Element, error) {
	sel := cssSelector(tag, class)
	els, err := d.page.Context(d.ctx).Elements(sel)
	if err != nil {
		return nil, fmt.Errorf("observer: query %s: %w", sel, err)
	}
	out := make([]rebuild.Element, len(els))
	for i, el := range els {
		out[i] = &pageElement{ctx: d.ctx, el: el}
	}
	return out, nil
}

type pageElement struct {
	ctx context.Context
	el  *rod.Element
}

// Attr treats a node that vanished between query and read as lacking the
// attribute, so it is skipped rather than failing the pass.
func (e *pageElement) Attr(name string) (string, bool) {
	v, err := e.el.Context(e.ctx).Attribute(name)
	if err != nil || v == nil {
		return "", false
	}
	return *v, true
}

func (e *pageElement) Replace(rep rebuild.Replacement) error {
	res, err := e.el.Context(e.ctx).Eval(replaceJS, rep.Tag, attrPairs(rep.Attrs))
	if err != nil {
		return fmt.Errorf("observer: replace: %w", err)
	}
	if !res.Value.Bool() {
		return errDetached
	}
	return nil
}

// attrPairs keeps attribute order across the JSON boundary.
func attrPairs(attrs []rebuild.Attr) [][2]string {
	out := make([][2]string, len(attrs))
	for i, a := range attrs {
		out[i] = [2]string{a.Name, a.Value}
	}
	return out
}

// cssSelector builds tag.class, escaping class characters CSS would read as
// syntax.
func cssSelector(tag, class string) string {
	var b strings.Builder
	b.WriteString(tag)
	b.WriteByte('.')
	for i, r := range class {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == '-', r >= 0x80:
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				fmt.Fprintf(&b, `\%x `, r)
			} else {
				b.WriteRune(r)
			}
		default:
			b.WriteByte('\\')
			b.WriteRune(r)
		}
	}
	return b.String()
}
