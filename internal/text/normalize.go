package text

import "html"

// Normalize unescapes HTML and XML character entities so markup does not reach the
// engine. Unescaping is repeated until the text stops changing, which keeps the
// function idempotent for double-escaped input such as "&amp;lt;".
func Normalize(s string) string {
	for {
		next := html.UnescapeString(s)
		if next == s {
			return s
		}
		s = next
	}
}
