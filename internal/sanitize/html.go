// Package sanitize neutralizes tenant-controlled markup and stylesheets
// before they are frozen into a publication or rendered in a preview.
//
// Both entry points are total: any input, including malformed markup,
// produces a string, and the empty string maps to the empty string.
package sanitize

import (
	"strings"

	"golang.org/x/net/html"
)

// allowedTags survive sanitization. Anything else loses its markers but
// keeps its text.
var allowedTags = setOf(
	"a", "b", "i", "u", "p", "div", "span",
	"h1", "h2", "h3", "h4", "h5", "h6",
	"ul", "ol", "li", "strong", "em", "img",
	"section", "article", "header", "footer", "nav", "main", "aside",
	"br", "hr", "blockquote", "pre", "code", "figure", "figcaption",
	"table", "thead", "tbody", "tfoot", "tr", "th", "td",
	"small", "sub", "sup", "s", "mark", "label", "button",
	"picture", "source", "video", "audio",
)

// droppedWithContent are removed together with everything inside them.
var droppedWithContent = setOf(
	"script", "style", "iframe", "object", "embed", "applet",
	"noscript", "noembed", "noframes", "xmp", "plaintext",
	"template", "svg", "math", "frameset",
)

var allowedAttrs = setOf("href", "src", "alt", "title", "class", "id", "style")

var voidTags = setOf("br", "hr", "img", "source")

func setOf(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[s] = true
	}
	return m
}

// HTML returns raw with executable content removed: script-like elements
// and their bodies, event handler attributes, non-allowlisted tags and
// attributes, and script-bearing URLs.
func HTML(raw string) (out string) {
	if raw == "" {
		return ""
	}
	defer func() {
		if recover() != nil {
			out = ""
		}
	}()

	z := html.NewTokenizer(strings.NewReader(raw))
	var b strings.Builder
	b.Grow(len(raw))

	skipTag := ""
	skipDepth := 0

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF or a tokenizer error; either way we are done
			return b.String()

		case html.TextToken:
			if skipTag != "" {
				continue
			}
			b.WriteString(html.EscapeString(string(z.Text())))

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			name := tok.Data
			if skipTag != "" {
				if name == skipTag && tt == html.StartTagToken {
					skipDepth++
				}
				continue
			}
			if droppedWithContent[name] {
				if tt == html.StartTagToken {
					skipTag, skipDepth = name, 1
				}
				continue
			}
			if !allowedTags[name] {
				continue
			}
			writeStartTag(&b, name, tok.Attr)
			if tt == html.SelfClosingTagToken && !voidTags[name] {
				b.WriteString("</" + name + ">")
			}

		case html.EndTagToken:
			tok := z.Token()
			name := tok.Data
			if skipTag != "" {
				if name == skipTag {
					skipDepth--
					if skipDepth == 0 {
						skipTag = ""
					}
				}
				continue
			}
			if allowedTags[name] && !voidTags[name] {
				b.WriteString("</" + name + ">")
			}

		default:
			// comments, doctypes and processing instructions are dropped
		}
	}
}

func writeStartTag(b *strings.Builder, name string, attrs []html.Attribute) {
	b.WriteByte('<')
	b.WriteString(name)
	seen := make(map[string]bool, len(attrs))
	for _, a := range attrs {
		key := a.Key
		if a.Namespace != "" || !allowedAttrs[key] || seen[key] {
			continue
		}
		val := a.Val
		switch key {
		case "href", "src":
			if !safeURL(val) {
				continue
			}
		case "style":
			val = strings.TrimSpace(CSS(val))
			if val == "" {
				continue
			}
		}
		seen[key] = true
		b.WriteByte(' ')
		b.WriteString(key)
		b.WriteString(`="`)
		b.WriteString(html.EscapeString(val))
		b.WriteByte('"')
	}
	b.WriteByte('>')
}

// safeURL rejects URLs whose scheme can execute code. Browsers ignore
// embedded whitespace and control characters inside the scheme, so those
// are stripped before the check.
func safeURL(v string) bool {
	s := strings.ToLower(stripControl(v))
	switch {
	case strings.HasPrefix(s, "javascript:"), strings.HasPrefix(s, "vbscript:"):
		return false
	case strings.HasPrefix(s, "data:"):
		return strings.HasPrefix(s, "data:image/") && !strings.HasPrefix(s, "data:image/svg")
	}
	return true
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r <= 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
