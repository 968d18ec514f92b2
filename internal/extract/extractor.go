// Package extract parses fetched HTML into the structured SEO metadata
// record. It is a plain tree walk over the sanitized document; all network
// and security concerns are handled upstream.
package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dyatlov/go-opengraph/opengraph"

	"github.com/seoscope/seoscope/internal/analyzer"
)

// metaSetters maps known meta names to output fields. Unknown names are
// ignored; no reflection involved.
var metaSetters = map[string]func(*analyzer.Metadata, string){
	"description": func(m *analyzer.Metadata, v string) { m.Description = v },
	"keywords":    func(m *analyzer.Metadata, v string) { m.Keywords = v },
	"robots":      func(m *analyzer.Metadata, v string) { m.Robots = v },
	"author":      func(m *analyzer.Metadata, v string) { m.Author = v },
	"generator":   func(m *analyzer.Metadata, v string) { m.Generator = v },
	"viewport":    func(m *analyzer.Metadata, v string) { m.Viewport = v },
}

var twitterSetters = map[string]func(*analyzer.TwitterCard, string){
	"twitter:card":        func(c *analyzer.TwitterCard, v string) { c.Card = v },
	"twitter:site":        func(c *analyzer.TwitterCard, v string) { c.Site = v },
	"twitter:creator":     func(c *analyzer.TwitterCard, v string) { c.Creator = v },
	"twitter:title":       func(c *analyzer.TwitterCard, v string) { c.Title = v },
	"twitter:description": func(c *analyzer.TwitterCard, v string) { c.Description = v },
	"twitter:image":       func(c *analyzer.TwitterCard, v string) { c.Image = v },
}

// Extractor implements analyzer.Extractor with goquery.
type Extractor struct{}

// New returns an Extractor.
func New() *Extractor {
	return &Extractor{}
}

// Extract walks the document and fills the metadata record. baseURL is used
// to resolve relative canonical, hreflang, and favicon references.
func (e *Extractor) Extract(content []byte, baseURL string) (analyzer.Metadata, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return analyzer.Metadata{}, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		base = nil
	}

	var meta analyzer.Metadata
	meta.Title = strings.TrimSpace(doc.Find("title").First().Text())
	meta.Language = strings.TrimSpace(doc.Find("html").AttrOr("lang", ""))

	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		if cs, ok := s.Attr("charset"); ok {
			meta.Charset = strings.ToLower(strings.TrimSpace(cs))
			return
		}
		name := strings.ToLower(s.AttrOr("name", ""))
		content := strings.TrimSpace(s.AttrOr("content", ""))
		if name == "" || content == "" {
			return
		}
		if set, known := metaSetters[name]; known {
			set(&meta, content)
			return
		}
		if set, known := twitterSetters[name]; known {
			set(&meta.TwitterCard, content)
		}
	})

	e.extractOpenGraph(content, &meta)
	e.extractLinks(doc, base, &meta)
	e.extractHeadings(doc, &meta)
	e.extractSchemaTypes(doc, &meta)
	meta.WordCount = countWords(doc)

	return meta, nil
}

func (e *Extractor) extractOpenGraph(content []byte, meta *analyzer.Metadata) {
	og := opengraph.NewOpenGraph()
	if err := og.ProcessHTML(bytes.NewReader(content)); err != nil {
		return
	}
	meta.OpenGraph = analyzer.OpenGraph{
		Title:       og.Title,
		Description: og.Description,
		Type:        og.Type,
		URL:         og.URL,
		SiteName:    og.SiteName,
		Locale:      og.Locale,
	}
	for _, img := range og.Images {
		if img != nil && img.URL != "" {
			meta.OpenGraph.Images = append(meta.OpenGraph.Images, img.URL)
		}
	}
}

func (e *Extractor) extractLinks(doc *goquery.Document, base *url.URL, meta *analyzer.Metadata) {
	doc.Find("head link").Each(func(_ int, s *goquery.Selection) {
		rel := strings.ToLower(strings.TrimSpace(s.AttrOr("rel", "")))
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if rel == "" || href == "" {
			return
		}
		switch {
		case rel == "canonical":
			if meta.CanonicalURL == "" {
				meta.CanonicalURL = resolveRef(base, href)
			}
		case rel == "alternate":
			if lang := strings.TrimSpace(s.AttrOr("hreflang", "")); lang != "" {
				meta.Hreflang = append(meta.Hreflang, analyzer.HreflangLink{
					Lang: lang,
					URL:  resolveRef(base, href),
				})
			}
		case strings.Contains(rel, "icon"):
			meta.Favicons = append(meta.Favicons, analyzer.Favicon{
				Rel:   rel,
				Href:  resolveRef(base, href),
				Sizes: s.AttrOr("sizes", ""),
				Type:  s.AttrOr("type", ""),
			})
		}
	})
}

func (e *Extractor) extractHeadings(doc *goquery.Document, meta *analyzer.Metadata) {
	collect := func(selector string) []string {
		var out []string
		doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
			if text := strings.Join(strings.Fields(s.Text()), " "); text != "" {
				out = append(out, text)
			}
		})
		return out
	}
	meta.Headings = analyzer.Headings{
		H1: collect("h1"),
		H2: collect("h2"),
		H3: collect("h3"),
	}
}

// extractSchemaTypes collects schema.org types from JSON-LD blocks and
// microdata itemtype attributes, deduplicated in document order.
func (e *Extractor) extractSchemaTypes(doc *goquery.Document, meta *analyzer.Metadata) {
	seen := make(map[string]struct{})
	add := func(t string) {
		t = strings.TrimSpace(t)
		if t == "" {
			return
		}
		// Microdata itemtype values are full schema.org URLs.
		if idx := strings.LastIndex(t, "/"); idx >= 0 && strings.Contains(t, "schema.org") {
			t = t[idx+1:]
		}
		if _, dup := seen[t]; dup {
			return
		}
		seen[t] = struct{}{}
		meta.SchemaTypes = append(meta.SchemaTypes, t)
	}

	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var payload any
		if err := json.Unmarshal([]byte(s.Text()), &payload); err != nil {
			return
		}
		collectJSONLDTypes(payload, add)
	})
	doc.Find("[itemtype]").Each(func(_ int, s *goquery.Selection) {
		add(s.AttrOr("itemtype", ""))
	})
}

// collectJSONLDTypes walks a decoded JSON-LD document for @type values,
// including @graph containers and nested nodes.
func collectJSONLDTypes(node any, add func(string)) {
	switch v := node.(type) {
	case map[string]any:
		switch typed := v["@type"].(type) {
		case string:
			add(typed)
		case []any:
			for _, item := range typed {
				if s, ok := item.(string); ok {
					add(s)
				}
			}
		}
		for key, child := range v {
			if key == "@type" {
				continue
			}
			collectJSONLDTypes(child, add)
		}
	case []any:
		for _, item := range v {
			collectJSONLDTypes(item, add)
		}
	}
}

func countWords(doc *goquery.Document) int {
	body := doc.Find("body")
	if body.Length() == 0 {
		return 0
	}
	return len(strings.Fields(body.Text()))
}

func resolveRef(base *url.URL, href string) string {
	if base == nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
