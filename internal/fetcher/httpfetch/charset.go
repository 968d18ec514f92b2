package httpfetch

import (
	"bytes"
	"regexp"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

// metaCharsetPattern finds an in-document charset declaration inside the
// first prescanWindow bytes, either <meta charset="..."> or the http-equiv
// content-type form.
var metaCharsetPattern = regexp.MustCompile(`(?i)<meta[^>]+charset\s*=\s*["']?\s*([a-zA-Z0-9_.:-]+)`)

const prescanWindow = 1024

// decodeToUTF8 converts body to UTF-8, detecting the source encoding in
// priority order: in-document declaration, response header charset,
// statistical detection, windows-1252 fallback. It returns the decoded bytes
// and the name of the encoding that was applied.
func decodeToUTF8(body []byte, headerCharset string) ([]byte, string) {
	if name := prescanCharset(body); name != "" {
		if enc, err := htmlindex.Get(name); err == nil {
			return decodeWith(enc, body, name)
		}
	}
	if headerCharset != "" {
		if enc, err := htmlindex.Get(headerCharset); err == nil {
			return decodeWith(enc, body, headerCharset)
		}
	}
	enc, name, _ := charset.DetermineEncoding(body, "")
	return decodeWith(enc, body, name)
}

// prescanCharset scans the head of the document for a charset declaration.
func prescanCharset(body []byte) string {
	window := body
	if len(window) > prescanWindow {
		window = window[:prescanWindow]
	}
	m := metaCharsetPattern.FindSubmatch(window)
	if m == nil {
		return ""
	}
	return string(bytes.ToLower(m[1]))
}

func decodeWith(enc encoding.Encoding, body []byte, name string) ([]byte, string) {
	if enc == nil || enc == unicode.UTF8 {
		return body, "utf-8"
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil || !utf8.Valid(decoded) {
		// A broken declaration must not poison the pipeline; hand the
		// original bytes to the parser, which tolerates stray sequences.
		return body, "utf-8"
	}
	return decoded, name
}
