package utils

import (
	"github.com/microcosm-cc/bluemonday"
)

var (
	// StrictPolicy removes all markup, for plain-text previews
	StrictPolicy *bluemonday.Policy
	// BodyPolicy for email HTML bodies
	BodyPolicy *bluemonday.Policy
)

func init() {
	StrictPolicy = bluemonday.StrictPolicy()

	BodyPolicy = bluemonday.UGCPolicy()

	// Elements commonly produced by mail clients
	BodyPolicy.AllowElements("p", "br", "div", "span", "h1", "h2", "h3", "h4", "h5", "h6")
	BodyPolicy.AllowElements("strong", "em", "u", "s", "code", "pre")
	BodyPolicy.AllowElements("ul", "ol", "li")
	BodyPolicy.AllowElements("blockquote")
	BodyPolicy.AllowElements("a", "img")
	BodyPolicy.AllowElements("table", "thead", "tbody", "tr", "th", "td")

	BodyPolicy.AllowAttrs("href").OnElements("a")
	BodyPolicy.AllowAttrs("src", "alt", "title", "width", "height").OnElements("img")
	BodyPolicy.AllowAttrs("class", "id").Globally()
	BodyPolicy.AllowAttrs("style").OnElements("span", "div", "p", "td", "th")

	BodyPolicy.RequireParseableURLs(true)
	// cid src values must survive so inline images can be rewritten
	// to attachment URLs after the attachments are stored.
	BodyPolicy.AllowURLSchemes("http", "https", "mailto", "cid")
	BodyPolicy.AllowRelativeURLs(true)
}

// SanitizeBody sanitizes an email HTML body before caching it
func SanitizeBody(html string) string {
	return BodyPolicy.Sanitize(html)
}

// StripHTML removes all HTML tags from content
func StripHTML(html string) string {
	return StrictPolicy.Sanitize(html)
}
