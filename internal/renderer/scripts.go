package renderer

import (
	"fmt"
	"strings"
)

// Scripts evaluated by the crawl pipeline.
const (
	ScriptReadyState     = `document.readyState`
	ScriptScrollToBottom = `window.scrollTo(0, document.body.scrollHeight);`
	ScriptScrollWidth    = `document.body.scrollWidth`
	ScriptScrollHeight   = `document.body.scrollHeight`
)

// hideWebdriverScript runs before any page script on every new document.
const hideWebdriverScript = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});
window.chrome = window.chrome || {runtime: {}};
Object.defineProperty(navigator, 'languages', {get: () => ['en-US', 'en']});`

// ScriptHasElement reports whether at least one element with tag exists.
func ScriptHasElement(tag string) string {
	return fmt.Sprintf(`document.getElementsByTagName(%q).length > 0`, tag)
}

// Sanitize drops byte sequences that are not valid UTF-8 so documents can be
// stored and returned as text.
func Sanitize(html string) string {
	return strings.ToValidUTF8(html, "")
}
