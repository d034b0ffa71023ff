package htmltree

import (
	"log/slog"

	"github.com/hazyhaar/embedfix/rebuild"
)

// Rewrite runs a single pass over src and returns the rewritten markup.
// When nothing qualifies, src is returned unchanged byte for byte, which lets
// file and proxy hosts detect "nothing to do" without re-rendering.
func Rewrite(src []byte, rb *rebuild.Rebuilder, logger *slog.Logger) ([]byte, rebuild.Result, error) {
	doc, err := ParseAuto(src, logger)
	if err != nil {
		return nil, rebuild.Result{}, err
	}
	res, err := rb.Rebuild(doc)
	if err != nil {
		return nil, res, err
	}
	if !res.Changed() {
		return src, res, nil
	}
	out, err := doc.Bytes()
	if err != nil {
		return nil, res, err
	}
	return out, res, nil
}
