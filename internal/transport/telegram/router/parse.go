package router

import (
	"strings"
	"unicode"
)

// tokenizeCommandLine splits command text into tokens while supporting quotes.
//
//	/cmd a "b c" 'd e'
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar rune
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for _, ch := range s {
		switch {
		case esc:
			buf.WriteRune(ch)
			esc = false
		case ch == '\\':
			esc = true
		case inQ:
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteRune(ch)
		case ch == '"' || ch == '\'':
			inQ = true
			qChar = ch
		case unicode.IsSpace(ch):
			flush()
		default:
			buf.WriteRune(ch)
		}
	}
	flush()
	return out
}

// splitCommand returns the command word of a slash-command line (lowercased),
// the bot handle it is addressed to (empty when absent) and the rest of the line.
func splitCommand(text string) (word, mention, rest string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", "", "", false
	}
	head := text
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		head, rest = text[:i], strings.TrimSpace(text[i:])
	}
	word = strings.TrimPrefix(head, "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word, mention = word[:i], word[i+1:]
	}
	if word == "" {
		return "", "", "", false
	}
	return strings.ToLower(word), mention, rest, true
}
