// -----------------------------------------------------------------------
// HTML Extractor - URL discovery across attributes, srcset, inline CSS,
// meta tags and JSON-LD structured data
// -----------------------------------------------------------------------

package crawler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
)

const jsonLDMaxDepth = 32

// attrRule is one row of the extraction table: where to look, which
// attribute carries the URL, and what the URL becomes in the frontier.
type attrRule struct {
	selector string
	attr     string
	kind     LinkKind
	srcset   bool // value is a srcset list, not a single URL
}

// lazyLoadAttrs are the attributes lazy-loading frameworks stash real URLs
// in while src points at a placeholder. Checked on every element.
var lazyLoadAttrs = []string{
	"data-src", "data-srcset", "data-lazy-src", "data-lazy-srcset",
	"data-original", "data-lazy", "data-bg", "data-image", "data-full",
	"data-large", "data-hi-res", "data-zoom-image", "data-echo",
	"data-unveiled", "data-background", "data-background-image",
	"data-bg-src", "data-image-src", "data-thumb", "data-poster",
	"data-src-retina",
}

// jsonLDURLKeys are the Schema.org properties whose values point at media
// worth archiving.
var jsonLDURLKeys = map[string]bool{
	"image":              true,
	"logo":               true,
	"thumbnail":          true,
	"thumbnailUrl":       true,
	"photo":              true,
	"primaryImageOfPage": true,
	"contentUrl":         true,
}

var extractRules = buildExtractRules()

func buildExtractRules() []attrRule {
	rules := []attrRule{
		// Documents the archive can navigate into
		{selector: "a[href]", attr: "href", kind: LinkKindPage},
		{selector: "iframe[src]", attr: "src", kind: LinkKindPage},
		{selector: "frame[src]", attr: "src", kind: LinkKindPage},

		// Stylesheets and scripts
		{selector: `link[rel="stylesheet"][href]`, attr: "href", kind: LinkKindAsset},
		{selector: `link[rel="preload"][as="style"][href]`, attr: "href", kind: LinkKindAsset},
		{selector: "script[src]", attr: "src", kind: LinkKindAsset},

		// Images
		{selector: "img[src]", attr: "src", kind: LinkKindAsset},
		{selector: "img[srcset]", attr: "srcset", kind: LinkKindAsset, srcset: true},
		{selector: "source[srcset]", attr: "srcset", kind: LinkKindAsset, srcset: true},
		{selector: `input[type="image"][src]`, attr: "src", kind: LinkKindAsset},
		{selector: `link[rel="preload"][as="image"][href]`, attr: "href", kind: LinkKindAsset},
		{selector: `link[rel="preload"][as="image"][imagesrcset]`, attr: "imagesrcset", kind: LinkKindAsset, srcset: true},

		// Icons and manifest
		{selector: `link[rel="icon"][href]`, attr: "href", kind: LinkKindAsset},
		{selector: `link[rel="shortcut icon"][href]`, attr: "href", kind: LinkKindAsset},
		{selector: `link[rel="apple-touch-icon"][href]`, attr: "href", kind: LinkKindAsset},
		{selector: `link[rel="apple-touch-icon-precomposed"][href]`, attr: "href", kind: LinkKindAsset},
		{selector: `link[rel="mask-icon"][href]`, attr: "href", kind: LinkKindAsset},
		{selector: `link[rel="manifest"][href]`, attr: "href", kind: LinkKindAsset},

		// SVG references; xlink:href parses to a plain href key inside
		// foreign content, so both spellings are probed without an
		// attribute filter in the selector
		{selector: "image", attr: "href", kind: LinkKindAsset},
		{selector: "image", attr: "xlink:href", kind: LinkKindAsset},
		{selector: "use", attr: "href", kind: LinkKindAsset},
		{selector: "use", attr: "xlink:href", kind: LinkKindAsset},

		// Media
		{selector: "video[src]", attr: "src", kind: LinkKindAsset},
		{selector: "video[poster]", attr: "poster", kind: LinkKindAsset},
		{selector: "audio[src]", attr: "src", kind: LinkKindAsset},
		{selector: "video source[src]", attr: "src", kind: LinkKindAsset},
		{selector: "audio source[src]", attr: "src", kind: LinkKindAsset},

		// Plugins and embeds
		{selector: "object[data]", attr: "data", kind: LinkKindAsset},
		{selector: "embed[src]", attr: "src", kind: LinkKindAsset},
	}

	// OpenGraph, Twitter card and Schema.org media pointers
	for _, property := range []string{
		"og:image", "og:image:url", "og:image:secure_url",
		"og:video", "og:video:url", "og:video:secure_url",
		"og:audio", "og:audio:url", "og:audio:secure_url",
	} {
		rules = append(rules, attrRule{
			selector: fmt.Sprintf(`meta[property="%s"][content]`, property),
			attr:     "content",
			kind:     LinkKindAsset,
		})
	}
	for _, name := range []string{
		"twitter:image", "twitter:image:src", "twitter:player", "twitter:player:stream",
	} {
		rules = append(rules, attrRule{
			selector: fmt.Sprintf(`meta[name="%s"][content]`, name),
			attr:     "content",
			kind:     LinkKindAsset,
		})
	}
	for _, itemprop := range []string{"image", "thumbnailUrl", "contentUrl"} {
		rules = append(rules, attrRule{
			selector: fmt.Sprintf(`meta[itemprop="%s"][content]`, itemprop),
			attr:     "content",
			kind:     LinkKindAsset,
		})
	}

	for _, attr := range lazyLoadAttrs {
		rules = append(rules, attrRule{
			selector: "[" + attr + "]",
			attr:     attr,
			kind:     LinkKindAsset,
			srcset:   strings.HasSuffix(attr, "srcset"),
		})
	}

	return rules
}

// Extractor discovers URLs in fetched HTML documents
type Extractor struct {
	logger arbor.ILogger
}

// NewExtractor creates a new HTML extractor
func NewExtractor(logger arbor.ILogger) *Extractor {
	return &Extractor{
		logger: logger,
	}
}

// Extract walks the document and returns every referenced URL, resolved
// against the effective base (<base href> when present, the page URL
// otherwise), canonicalised and de-duplicated in discovery order.
func (e *Extractor) Extract(html []byte, pageURL *url.URL) ([]ExtractedLink, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML for extraction: %w", err)
	}

	base := pageURL
	if href, exists := doc.Find("base[href]").First().Attr("href"); exists {
		if parsed, perr := pageURL.Parse(strings.TrimSpace(href)); perr == nil {
			base = parsed
		}
	}

	var links []ExtractedLink
	seen := make(map[string]bool) // For deduplication

	add := func(raw, tag, attr string, kind LinkKind) {
		raw = strings.TrimSpace(raw)
		if raw == "" || ShouldSkip(raw) {
			return
		}
		canonical, ok := Canonicalize(raw, base)
		if !ok || seen[canonical] {
			return
		}
		seen[canonical] = true
		links = append(links, ExtractedLink{URL: canonical, Kind: kind, Tag: tag, Attr: attr})
	}

	for _, rule := range extractRules {
		doc.Find(rule.selector).Each(func(_ int, s *goquery.Selection) {
			value, exists := s.Attr(rule.attr)
			if !exists {
				return
			}
			tag := goquery.NodeName(s)
			if rule.srcset {
				for _, candidate := range parseSrcset(value) {
					add(candidate.URL, tag, rule.attr, rule.kind)
				}
				return
			}
			// Lazy-load attributes sometimes carry a css url() wrapper
			if strings.HasPrefix(strings.ToLower(strings.TrimSpace(value)), "url(") {
				value = unwrapCSSURL(value)
			}
			add(value, tag, rule.attr, rule.kind)
		})
	}

	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		style, _ := s.Attr("style")
		for _, ref := range ExtractCSS(style, base) {
			add(ref.URL, goquery.NodeName(s), "style", LinkKindAsset)
		}
	})

	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		for _, ref := range ExtractCSS(s.Text(), base) {
			add(ref.URL, "style", "", LinkKindAsset)
		}
	})

	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}
		var data interface{}
		if jerr := json.Unmarshal([]byte(text), &data); jerr != nil {
			e.logger.Debug().Err(jerr).Msg("Failed to parse JSON-LD script")
			return
		}
		mineStructuredData(data, 0, func(raw string) {
			add(raw, "script", "ld+json", LinkKindAsset)
		})
	})

	e.logger.Debug().
		Str("page_url", pageURL.String()).
		Int("links_found", len(links)).
		Msg("URLs extracted from HTML content")

	return links, nil
}

// srcsetCandidate is one image candidate of a srcset list.
type srcsetCandidate struct {
	URL        string
	Descriptor string // width or density descriptor, may be empty
}

// parseSrcset splits a srcset value into candidates. Each comma-separated
// segment leads with the URL; anything after the first whitespace run is
// the descriptor.
func parseSrcset(value string) []srcsetCandidate {
	var candidates []srcsetCandidate
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Fields(part)
		candidate := srcsetCandidate{URL: fields[0]}
		if len(fields) > 1 {
			candidate.Descriptor = strings.Join(fields[1:], " ")
		}
		candidates = append(candidates, candidate)
	}
	return candidates
}

// mineStructuredData recurses a decoded JSON-LD document collecting URL
// values under the known media keys. Depth is capped so hostile payloads
// cannot stack-overflow the walk.
func mineStructuredData(data interface{}, depth int, emit func(string)) {
	if depth > jsonLDMaxDepth {
		return
	}
	switch v := data.(type) {
	case map[string]interface{}:
		for key, child := range v {
			if jsonLDURLKeys[key] {
				collectStructuredURL(child, emit)
			}
			mineStructuredData(child, depth+1, emit)
		}
	case []interface{}:
		for _, child := range v {
			mineStructuredData(child, depth+1, emit)
		}
	}
}

// collectStructuredURL accepts the value shapes Schema.org allows for a
// media property: a bare string, an object with a url field, or an array
// of either.
func collectStructuredURL(value interface{}, emit func(string)) {
	switch v := value.(type) {
	case string:
		emit(v)
	case map[string]interface{}:
		if u, ok := v["url"].(string); ok {
			emit(u)
		}
	case []interface{}:
		for _, item := range v {
			collectStructuredURL(item, emit)
		}
	}
}
