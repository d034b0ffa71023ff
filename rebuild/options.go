package rebuild

import (
	"fmt"
	"regexp"
	"strings"
)

// Options controls which elements are targeted and what the rebuilt element
// looks like. The zero value is not usable; start from DefaultOptions.
type Options struct {
	// TagName is the element name to query. Default: "iframe".
	TagName string
	// ClassMarker is the class the page builder puts on its video frames.
	ClassMarker string
	// ProviderPattern must match somewhere in the source locator.
	ProviderPattern string
	// IdentifierPattern extracts the video identifier as its first group.
	IdentifierPattern string
	// EmbedBase is prepended to the identifier to build the new locator.
	EmbedBase string
	// ForcedQuery replaces whatever query the original locator carried.
	ForcedQuery string
	// MarkerAttr is set to MarkerValue on every rebuilt element.
	MarkerAttr  string
	MarkerValue string
	// DefaultWidth and DefaultHeight apply when the original declares none.
	DefaultWidth  string
	DefaultHeight string
}

// DefaultOptions returns the Elementor/YouTube configuration.
func DefaultOptions() Options {
	return Options{
		TagName:           "iframe",
		ClassMarker:       "elementor-video",
		ProviderPattern:   `youtube\.com`,
		IdentifierPattern: `/embed/([^?&]+)`,
		EmbedBase:         "https://www.youtube.com/embed/",
		ForcedQuery:       "rel=0&playsinline=1",
		MarkerAttr:        "data-yt-fixed",
		MarkerValue:       "1",
		DefaultWidth:      "640",
		DefaultHeight:     "360",
	}
}

// withDefaults fills empty fields from DefaultOptions so that partial
// configuration (e.g. only a different class marker) stays valid.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.TagName == "" {
		o.TagName = d.TagName
	}
	if o.ClassMarker == "" {
		o.ClassMarker = d.ClassMarker
	}
	if o.ProviderPattern == "" {
		o.ProviderPattern = d.ProviderPattern
	}
	if o.IdentifierPattern == "" {
		o.IdentifierPattern = d.IdentifierPattern
	}
	if o.EmbedBase == "" {
		o.EmbedBase = d.EmbedBase
	}
	if o.ForcedQuery == "" {
		o.ForcedQuery = d.ForcedQuery
	}
	if o.MarkerAttr == "" {
		o.MarkerAttr = d.MarkerAttr
	}
	if o.MarkerValue == "" {
		o.MarkerValue = d.MarkerValue
	}
	if o.DefaultWidth == "" {
		o.DefaultWidth = d.DefaultWidth
	}
	if o.DefaultHeight == "" {
		o.DefaultHeight = d.DefaultHeight
	}
	o.TagName = strings.ToLower(o.TagName)
	return o
}

func (o Options) validate() error {
	if strings.ContainsAny(o.ClassMarker, " \t\n\r\f'\"") {
		return fmt.Errorf("rebuild: class marker %q must be a single class name", o.ClassMarker)
	}
	if strings.ContainsAny(o.TagName, " \t\n\r\f'\".#[]") {
		return fmt.Errorf("rebuild: invalid tag name %q", o.TagName)
	}
	if !strings.HasPrefix(o.MarkerAttr, "data-") {
		return fmt.Errorf("rebuild: marker attribute %q must live in the data- namespace", o.MarkerAttr)
	}
	return nil
}

// compiled holds the regular expressions derived from Options.
type compiled struct {
	provider   *regexp.Regexp
	identifier *regexp.Regexp
}

func (o Options) compile() (compiled, error) {
	provider, err := regexp.Compile(o.ProviderPattern)
	if err != nil {
		return compiled{}, fmt.Errorf("rebuild: provider pattern: %w", err)
	}
	identifier, err := regexp.Compile(o.IdentifierPattern)
	if err != nil {
		return compiled{}, fmt.Errorf("rebuild: identifier pattern: %w", err)
	}
	if identifier.NumSubexp() < 1 {
		return compiled{}, fmt.Errorf("rebuild: identifier pattern %q has no capture group", o.IdentifierPattern)
	}
	return compiled{provider: provider, identifier: identifier}, nil
}
