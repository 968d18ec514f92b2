package httpfetch

import (
	"bytes"

	"golang.org/x/net/html"
)

// skippedElements are dropped wholesale, children included, before the
// content reaches the extractor.
var skippedElements = map[string]struct{}{
	"script":   {},
	"style":    {},
	"noscript": {},
}

// stripActiveContent removes script, style, and comment content from an HTML
// document while leaving the rest byte-for-byte intact. Defensive
// minimization ahead of parsing; the extractor never sees executable or
// presentational payloads.
func stripActiveContent(content []byte) []byte {
	z := html.NewTokenizer(bytes.NewReader(content))
	var out bytes.Buffer
	out.Grow(len(content))

	skipDepth := 0
	skipTag := ""
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			// io.EOF or malformed tail; either way we keep what we have.
			return out.Bytes()
		}

		switch tt {
		case html.CommentToken:
			continue
		case html.StartTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			if skipDepth > 0 {
				if tag == skipTag {
					skipDepth++
				}
				continue
			}
			if _, skip := skippedElements[tag]; skip && !isJSONLD(z, tag, hasAttr) {
				skipDepth = 1
				skipTag = tag
				continue
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if skipDepth > 0 {
				if string(name) == skipTag {
					skipDepth--
				}
				continue
			}
		case html.SelfClosingTagToken:
			if skipDepth > 0 {
				continue
			}
		default:
			if skipDepth > 0 {
				continue
			}
		}
		out.Write(z.Raw())
	}
}

// isJSONLD reports whether a script tag carries structured data rather than
// executable code. JSON-LD is kept so schema.org extraction still works.
func isJSONLD(z *html.Tokenizer, tag string, hasAttr bool) bool {
	if tag != "script" || !hasAttr {
		return false
	}
	for {
		key, val, more := z.TagAttr()
		if string(key) == "type" && bytes.Equal(bytes.ToLower(val), []byte("application/ld+json")) {
			return true
		}
		if !more {
			return false
		}
	}
}
