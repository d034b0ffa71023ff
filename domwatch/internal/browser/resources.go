package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// blockKinds maps CDP resource types to configuration names.
var blockKinds = map[proto.NetworkResourceType]string{
	proto.NetworkResourceTypeImage:      "images",
	proto.NetworkResourceTypeFont:       "fonts",
	proto.NetworkResourceTypeMedia:      "media",
	proto.NetworkResourceTypeStylesheet: "stylesheets",
}

// blockSet normalises configured names. Unknown names are kept so raw CDP
// type names ("ping", "manifest") also work.
func blockSet(types []string) map[string]bool {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return set
}

// shouldBlock reports whether a request of kind rt is refused. Documents and
// sub-frames are never blocked: the video frames are sub-frames.
func shouldBlock(set map[string]bool, rt proto.NetworkResourceType) bool {
	switch rt {
	case proto.NetworkResourceTypeDocument:
		return false
	}
	if name, ok := blockKinds[rt]; ok {
		return set[name]
	}
	return set[strings.ToLower(string(rt))]
}

// blockResources hijacks the page's requests and fails the blocked ones.
// The returned router must be stopped when the tab closes.
func blockResources(page *rod.Page, types []string) *rod.HijackRouter {
	set := blockSet(types)
	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if shouldBlock(set, h.Request.Type()) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}
