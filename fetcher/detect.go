package fetcher

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// Below these a page is treated as a client-rendered shell.
const (
	minBody      = 256
	minText      = 200
	minTextRatio = 0.10
)

// videoWidget is the class Elementor puts on the video widget wrapper. The
// wrapper is server-rendered even when the frame itself is created later.
const videoWidget = "elementor-widget-video"

var mountIDs = map[string]bool{"root": true, "app": true, "__next": true, "__nuxt": true}

// scan is what one tokenizer pass learns about a page.
type scan struct {
	text     int  // non-space bytes of visible text
	mount    bool // empty framework mount point
	noscript bool // <noscript> asks for JavaScript
	widget   bool
}

// shell reports whether a page of size bytes looks rendered by scripts.
func (s scan) shell(size int) bool {
	if size < minBody || s.text < minText || s.mount || s.noscript {
		return true
	}
	return float64(s.text)/float64(size) < minTextRatio
}

func scanHTML(body []byte) scan {
	var s scan
	z := html.NewTokenizer(bytes.NewReader(body))
	inert := 0 // depth inside script, style or template
	inNoscript := false
	emptyMount := false

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return s

		case html.TextToken:
			t := z.Text()
			if inNoscript {
				s.noscript = s.noscript || bytes.Contains(bytes.ToLower(t), []byte("javascript"))
				continue
			}
			if inert > 0 {
				continue
			}
			n := nonSpace(t)
			s.text += n
			if n > 0 {
				emptyMount = false
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			var id, class string
			for hasAttr {
				var k, v []byte
				k, v, hasAttr = z.TagAttr()
				switch string(k) {
				case "id":
					id = string(v)
				case "class":
					class = string(v)
				}
			}
			if hasClass(class, videoWidget) {
				s.widget = true
			}
			emptyMount = false
			if tt == html.SelfClosingTagToken {
				continue
			}
			switch tag {
			case "script", "style", "template":
				inert++
			case "noscript":
				inNoscript = true
			case "div":
				emptyMount = mountIDs[id]
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "template":
				if inert > 0 {
					inert--
				}
			case "noscript":
				inNoscript = false
			case "div":
				if emptyMount {
					s.mount = true
				}
			}
			emptyMount = false
		}
	}
}

func nonSpace(b []byte) int {
	n := 0
	for _, c := range b {
		switch c {
		case ' ', '\t', '\n', '\r', '\f':
		default:
			n++
		}
	}
	return n
}

func hasClass(list, class string) bool {
	for _, c := range strings.Fields(list) {
		if c == class {
			return true
		}
	}
	return false
}
