package domwatch

import (
	"github.com/hazyhaar/embedfix/config"
)

// Config is the embedfix configuration; domwatch reads the browser, pages,
// debounce and sinks sections.
type Config = config.Config

// PageConfig defines a page to keep fixed.
type PageConfig = config.PageConfig
