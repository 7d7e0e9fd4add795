package tgui

import (
	"fmt"
	"html"
	"strings"
)

// H is HTML that is already safe for Telegram's HTML parse mode.
type H string

func (h H) String() string { return string(h) }

// Esc escapes plain text.
func Esc(s string) H { return H(html.EscapeString(s)) }

func tag(name string, inner H) H { return H("<" + name + ">" + string(inner) + "</" + name + ">") }

func B(s string) H    { return tag("b", Esc(s)) }
func I(s string) H    { return tag("i", Esc(s)) }
func Code(s string) H { return tag("code", Esc(s)) }

// Link builds an anchor; both the label and the URL are escaped.
func Link(text, url string) H {
	return H(fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), html.EscapeString(text)))
}

// Lines joins parts with newlines. Empty parts are kept as blank lines.
func Lines(parts ...H) H {
	ss := make([]string, len(parts))
	for i, p := range parts {
		ss[i] = string(p)
	}
	return H(strings.Join(ss, "\n"))
}

// Numbered renders items as "1. item" lines, escaping each item.
func Numbered(items ...string) H {
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", i+1, html.EscapeString(it))
	}
	return H(b.String())
}
