// Package rebuild finds video frames emitted by the Elementor page builder
// and replaces them with clean frames carrying a normalized YouTube locator
// and a fixed attribute set.
//
// The package is host-agnostic: a Document may be an in-memory HTML tree
// (package htmltree), a live browser tab (package domwatch) or anything else
// that can query elements and swap one element for another in a single
// operation. Every rebuilt element carries a processed marker, so running
// Rebuild any number of times over the same tree converges after one pass.
package rebuild

import (
	"fmt"
	"log/slog"
)

// Attr is a single attribute on a rebuilt element. Order is preserved.
type Attr struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Element is a target candidate inside a Document.
type Element interface {
	// Attr returns the attribute value and whether it is present.
	Attr(name string) (string, bool)
	// Replace swaps the element for a fresh one built from rep, as one
	// tree operation.
	Replace(rep Replacement) error
}

// Document is the tree a Rebuilder scans.
type Document interface {
	// Query returns every element with the given tag carrying class in its
	// class list, in document order.
	Query(tag, class string) ([]Element, error)
}

// Replacement describes the element that takes the place of a target.
type Replacement struct {
	Tag        string `json:"tag"`
	Identifier string `json:"identifier"`
	OldSrc     string `json:"old_src"`
	Src        string `json:"src"`
	Attrs      []Attr `json:"attrs"`
}

// Get returns the value of the named attribute on the replacement.
func (r Replacement) Get(name string) (string, bool) {
	for _, a := range r.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Reason explains why an element was not rebuilt.
type Reason string

const (
	Qualified           Reason = ""
	ReasonNoSrc         Reason = "no_src"
	ReasonForeignHost   Reason = "foreign_host"
	ReasonProcessed     Reason = "processed"
	ReasonNoIdentifier  Reason = "no_identifier"
	ReasonReplaceFailed Reason = "replace_failed"
)

// Result summarises one pass over a Document.
type Result struct {
	Matched int            `json:"matched"`
	Rebuilt []Replacement  `json:"rebuilt,omitempty"`
	Skipped map[Reason]int `json:"skipped,omitempty"`
}

// Changed reports whether the pass replaced at least one element.
func (r Result) Changed() bool { return len(r.Rebuilt) > 0 }

// SkippedTotal is the number of matched elements left in place.
func (r Result) SkippedTotal() int {
	n := 0
	for _, c := range r.Skipped {
		n += c
	}
	return n
}

// Rebuilder applies the rebuild operation to Documents. It holds no
// per-document state and is safe for concurrent use across Documents.
type Rebuilder struct {
	opts   Options
	re     compiled
	logger *slog.Logger
}

// New creates a Rebuilder. Empty fields in opts take their default values.
func New(opts Options, logger *slog.Logger) (*Rebuilder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	re, err := opts.compile()
	if err != nil {
		return nil, err
	}
	return &Rebuilder{opts: opts, re: re, logger: logger}, nil
}

// Default returns a Rebuilder with DefaultOptions.
func Default(logger *slog.Logger) *Rebuilder {
	r, err := New(DefaultOptions(), logger)
	if err != nil {
		panic("rebuild: default options: " + err.Error())
	}
	return r
}

// Options returns the effective options.
func (r *Rebuilder) Options() Options { return r.opts }

// Rebuild scans doc once and replaces every qualifying element. Elements
// that do not qualify are skipped silently and counted in Result.Skipped;
// the only error returned is a failure to query the Document itself.
func (r *Rebuilder) Rebuild(doc Document) (Result, error) {
	els, err := doc.Query(r.opts.TagName, r.opts.ClassMarker)
	if err != nil {
		return Result{}, fmt.Errorf("rebuild: query: %w", err)
	}

	res := Result{Matched: len(els), Skipped: make(map[Reason]int)}
	for _, el := range els {
		rep, reason := r.Plan(el)
		if reason != Qualified {
			res.Skipped[reason]++
			continue
		}
		// The marker was checked by Plan before this point; the replacement
		// itself carries it, so a mutation fired by Replace finds nothing new.
		if err := el.Replace(rep); err != nil {
			r.logger.Debug("rebuild: replace failed", "identifier", rep.Identifier, "error", err)
			res.Skipped[ReasonReplaceFailed]++
			continue
		}
		res.Rebuilt = append(res.Rebuilt, rep)
	}

	if res.Matched > 0 {
		r.logger.Debug("rebuild: pass done",
			"matched", res.Matched, "rebuilt", len(res.Rebuilt), "skipped", res.SkippedTotal())
	}
	return res, nil
}

// Plan decides what to do with a single element without touching it.
// It returns Qualified and the replacement, or the reason for skipping.
func (r *Rebuilder) Plan(el Element) (Replacement, Reason) {
	src, ok := el.Attr("src")
	if !ok || src == "" {
		return Replacement{}, ReasonNoSrc
	}
	if !r.re.provider.MatchString(src) {
		return Replacement{}, ReasonForeignHost
	}
	if v, ok := el.Attr(r.opts.MarkerAttr); ok && v == r.opts.MarkerValue {
		return Replacement{}, ReasonProcessed
	}
	id, ok := r.ExtractIdentifier(src)
	if !ok {
		return Replacement{}, ReasonNoIdentifier
	}

	class, _ := el.Attr("class")
	width := attrOr(el, "width", r.opts.DefaultWidth)
	height := attrOr(el, "height", r.opts.DefaultHeight)
	locator := r.Locator(id)

	return Replacement{
		Tag:        r.opts.TagName,
		Identifier: id,
		OldSrc:     src,
		Src:        locator,
		Attrs: []Attr{
			{Name: "class", Value: class},
			{Name: "width", Value: width},
			{Name: "height", Value: height},
			{Name: "src", Value: locator},
			{Name: "frameborder", Value: "0"},
			{Name: "allowfullscreen", Value: ""},
			{Name: "allow", Value: "autoplay; encrypted-media; picture-in-picture"},
			{Name: "referrerpolicy", Value: "strict-origin-when-cross-origin"},
			{Name: "loading", Value: "eager"},
			{Name: r.opts.MarkerAttr, Value: r.opts.MarkerValue},
		},
	}, Qualified
}

// ExtractIdentifier returns the first capture of the identifier pattern.
func (r *Rebuilder) ExtractIdentifier(src string) (string, bool) {
	m := r.re.identifier.FindStringSubmatch(src)
	if m == nil || m[1] == "" {
		return "", false
	}
	return m[1], true
}

// Locator builds the normalized source locator for an identifier.
func (r *Rebuilder) Locator(id string) string {
	return r.opts.EmbedBase + id + "?" + r.opts.ForcedQuery
}

func attrOr(el Element, name, fallback string) string {
	if v, ok := el.Attr(name); ok && v != "" {
		return v
	}
	return fallback
}
