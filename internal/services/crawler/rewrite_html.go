// -----------------------------------------------------------------------
// HTML Rewriter - substitutes archived URLs with relative local paths
// -----------------------------------------------------------------------

package crawler

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
)

// Rewriter rebinds the URL-bearing constructs of stored documents to the
// local paths of their archived targets. URLs without a registry mapping
// are left untouched.
type Rewriter struct {
	logger arbor.ILogger
}

// NewRewriter creates a new HTML rewriter
func NewRewriter(logger arbor.ILogger) *Rewriter {
	return &Rewriter{
		logger: logger,
	}
}

// RewriteHTML parses a stored page and substitutes every mapped URL in the
// extraction table's attributes, srcset lists, inline styles and <style>
// blocks with the relative path from the page's own local location. The
// returned document is a full re-serialization. On parse failure the
// original bytes come back with the error.
func (rw *Rewriter) RewriteHTML(html []byte, pageURL *url.URL, localPath string, registry *PathRegistry) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return html, err
	}

	base := pageURL
	if href, exists := doc.Find("base[href]").First().Attr("href"); exists {
		if parsed, perr := pageURL.Parse(strings.TrimSpace(href)); perr == nil {
			base = parsed
		}
	}

	relative := func(raw string) (string, bool) {
		raw = strings.TrimSpace(raw)
		if raw == "" || ShouldSkip(raw) {
			return "", false
		}
		canonical, ok := Canonicalize(raw, base)
		if !ok {
			return "", false
		}
		target, found := registry.Lookup(canonical)
		if !found {
			return "", false
		}
		return registry.RelativePath(localPath, target), true
	}

	rewritten := 0
	for _, rule := range extractRules {
		doc.Find(rule.selector).Each(func(_ int, s *goquery.Selection) {
			value, exists := s.Attr(rule.attr)
			if !exists {
				return
			}
			if rule.srcset {
				if next, changed := rewriteSrcset(value, relative); changed {
					s.SetAttr(rule.attr, next)
					rewritten++
				}
				return
			}
			if strings.HasPrefix(strings.ToLower(strings.TrimSpace(value)), "url(") {
				if rel, ok := relative(unwrapCSSURL(value)); ok {
					s.SetAttr(rule.attr, "url('"+rel+"')")
					rewritten++
				}
				return
			}
			if rel, ok := relative(value); ok {
				s.SetAttr(rule.attr, rel)
				rewritten++
			}
		})
	}

	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		style, _ := s.Attr("style")
		if next := RewriteCSS(style, base, localPath, registry); next != style {
			s.SetAttr("style", next)
			rewritten++
		}
	})

	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		text := s.Text()
		if next := RewriteCSS(text, base, localPath, registry); next != text {
			s.SetText(next)
			rewritten++
		}
	})

	// A surviving base href would re-anchor the relative paths the moment
	// a browser opens the file, so it has to go.
	doc.Find("base[href]").RemoveAttr("href")

	out, err := doc.Html()
	if err != nil {
		return html, err
	}

	rw.logger.Debug().
		Str("page_url", pageURL.String()).
		Int("rewritten", rewritten).
		Msg("References rebound to local paths")

	return []byte(out), nil
}

// rewriteSrcset rewrites each candidate of a srcset list independently,
// keeping descriptors, and rejoins with ", ".
func rewriteSrcset(value string, relative func(string) (string, bool)) (string, bool) {
	candidates := parseSrcset(value)
	if len(candidates) == 0 {
		return value, false
	}

	changed := false
	parts := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		u := candidate.URL
		if rel, ok := relative(candidate.URL); ok {
			u = rel
			changed = true
		}
		if candidate.Descriptor != "" {
			parts = append(parts, u+" "+candidate.Descriptor)
		} else {
			parts = append(parts, u)
		}
	}
	if !changed {
		return value, false
	}
	return strings.Join(parts, ", "), true
}
