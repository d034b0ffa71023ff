package observer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/embedfix/rebuild"
)

func TestCSSSelector(t *testing.T) {
	assert.Equal(t, "iframe.elementor-video", cssSelector("iframe", "elementor-video"))
	assert.Equal(t, `iframe.a\:b`, cssSelector("iframe", "a:b"))
	assert.Equal(t, `iframe.\31 x`, cssSelector("iframe", "1x"))
	assert.Equal(t, "iframe.v2", cssSelector("iframe", "v2"))
}

func TestAttrPairs_KeepOrder(t *testing.T) {
	rep, reason := rebuild.Default(nil).Plan(staticElement{
		"class": "elementor-video",
		"src":   "https://www.youtube.com/embed/abc",
	})
	require.Equal(t, rebuild.Qualified, reason)

	data, err := json.Marshal(attrPairs(rep.Attrs))
	require.NoError(t, err)

	var pairs [][]string
	require.NoError(t, json.Unmarshal(data, &pairs))
	require.Len(t, pairs, len(rep.Attrs))
	assert.Equal(t, []string{"class", "elementor-video"}, pairs[0])
	assert.Equal(t, []string{"data-yt-fixed", "1"}, pairs[len(pairs)-1])
}

type staticElement map[string]string

func (s staticElement) Attr(name string) (string, bool) {
	v, ok := s[name]
	return v, ok
}

func (staticElement) Replace(rebuild.Replacement) error { return nil }
