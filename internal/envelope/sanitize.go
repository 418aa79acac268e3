package envelope

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicy = bluemonday.StrictPolicy()
	bodyPolicy   = newBodyPolicy()
)

func newBodyPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()

	p.AllowElements("p", "br", "div", "span", "h1", "h2", "h3", "h4", "h5", "h6")
	p.AllowElements("strong", "em", "u", "s", "code", "pre", "blockquote")
	p.AllowElements("table", "thead", "tbody", "tr", "th", "td", "center", "font")

	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("src", "alt", "title", "width", "height").OnElements("img")
	p.AllowAttrs("width", "height", "align", "valign", "bgcolor", "cellpadding", "cellspacing", "border").
		OnElements("table", "tr", "td", "th")
	p.AllowAttrs("class", "id").Globally()
	p.AllowAttrs("style").OnElements("span", "div", "p", "table", "tr", "td", "th", "a", "img")
	p.AllowAttrs("color", "face", "size").OnElements("font")

	p.RequireParseableURLs(true)
	p.AllowURLSchemes("http", "https", "mailto", "cid")

	return p
}

// SanitizeHTML keeps the markup mail clients render and drops scripts and handlers.
func SanitizeHTML(html string) string {
	return bodyPolicy.Sanitize(html)
}

// StripHTML removes all markup.
func StripHTML(html string) string {
	return strictPolicy.Sanitize(html)
}

// FileFormat is the coarse type recorded for an uploaded blob.
type FileFormat string

const (
	FormatPDF   FileFormat = "pdf"
	FormatImage FileFormat = "image"
	FormatHTML  FileFormat = "html"
	FormatOther FileFormat = "other"
)

func FormatOf(contentType string) FileFormat {
	contentType = strings.ToLower(strings.TrimSpace(contentType))

	switch {
	case contentType == "application/pdf":
		return FormatPDF
	case strings.HasPrefix(contentType, "image/"):
		return FormatImage
	case contentType == "text/html":
		return FormatHTML
	default:
		return FormatOther
	}
}
