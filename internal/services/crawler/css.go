package crawler

import (
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/css"
)

// CSSRef is one URL pulled out of a stylesheet, already resolved against
// the sheet's own URL and canonicalised.
type CSSRef struct {
	URL    string // canonical absolute URL
	Import bool   // came from an @import rule
}

var (
	cssCommentPattern = regexp.MustCompile(`/\*[\s\S]*?\*/`)
	cssURLPattern     = regexp.MustCompile(`url\s*\(\s*['"]?([^'")]+)['"]?\s*\)`)
	cssImportPattern  = regexp.MustCompile(`@import\s+['"]([^'"]+)['"]`)
)

// ExtractCSS walks a stylesheet and returns every referenced URL: url()
// values, @import targets (url or bare-string form), and string entries
// inside image-set, -webkit-image-set and cross-fade. The token walk
// degrades to a regex scan when the sheet does not lex cleanly.
func ExtractCSS(content string, sheetURL *url.URL) []CSSRef {
	refs, ok := extractCSSTokens(content, sheetURL)
	if !ok {
		refs = extractCSSRegex(content, sheetURL)
	}
	return refs
}

func extractCSSTokens(content string, sheetURL *url.URL) ([]CSSRef, bool) {
	var refs []CSSRef
	seen := make(map[string]bool)
	add := func(raw string, isImport bool) {
		canonical, ok := resolveCSSRef(raw, sheetURL)
		if !ok || seen[canonical] {
			return
		}
		seen[canonical] = true
		refs = append(refs, CSSRef{URL: canonical, Import: isImport})
	}

	lexer := css.NewLexer(parse.NewInputString(content))
	inImport := false
	imageFn := 0 // paren depth inside image-set/cross-fade, 0 = outside

	for {
		tt, data := lexer.Next()
		switch tt {
		case css.ErrorToken:
			if lexer.Err() != io.EOF {
				return nil, false
			}
			return refs, true
		case css.BadStringToken, css.BadURLToken:
			return nil, false
		case css.AtKeywordToken:
			inImport = strings.EqualFold(string(data), "@import")
		case css.SemicolonToken, css.LeftBraceToken:
			inImport = false
		case css.FunctionToken:
			name := strings.ToLower(string(data))
			switch {
			case imageFn > 0:
				imageFn++
			case name == "image-set(" || name == "-webkit-image-set(" || name == "cross-fade(":
				imageFn = 1
			}
		case css.LeftParenthesisToken:
			if imageFn > 0 {
				imageFn++
			}
		case css.RightParenthesisToken:
			if imageFn > 0 {
				imageFn--
			}
		case css.URLToken:
			add(unwrapCSSURL(string(data)), inImport)
		case css.StringToken:
			if inImport {
				add(unquoteCSSString(string(data)), true)
			} else if imageFn > 0 {
				add(unquoteCSSString(string(data)), false)
			}
		}
	}
}

// extractCSSRegex is the lenient path for sheets that do not lex. Comments
// are stripped first so commented-out rules are not archived.
func extractCSSRegex(content string, sheetURL *url.URL) []CSSRef {
	content = cssCommentPattern.ReplaceAllString(content, "")

	var refs []CSSRef
	seen := make(map[string]bool)

	for _, match := range cssImportPattern.FindAllStringSubmatch(content, -1) {
		canonical, ok := resolveCSSRef(match[1], sheetURL)
		if !ok || seen[canonical] {
			continue
		}
		seen[canonical] = true
		refs = append(refs, CSSRef{URL: canonical, Import: true})
	}
	for _, match := range cssURLPattern.FindAllStringSubmatch(content, -1) {
		canonical, ok := resolveCSSRef(match[1], sheetURL)
		if !ok || seen[canonical] {
			continue
		}
		seen[canonical] = true
		refs = append(refs, CSSRef{URL: canonical})
	}
	return refs
}

// RewriteCSS substitutes every mapped URL in a stylesheet with the relative
// path from the sheet's own local path to the target's. Unmapped URLs are
// left untouched. Falls back to regex substitution when the sheet does not
// lex cleanly.
func RewriteCSS(content string, sheetURL *url.URL, localPath string, registry *PathRegistry) string {
	out, ok := rewriteCSSTokens(content, sheetURL, localPath, registry)
	if !ok {
		out = rewriteCSSRegex(content, sheetURL, localPath, registry)
	}
	return out
}

func rewriteCSSTokens(content string, sheetURL *url.URL, localPath string, registry *PathRegistry) (string, bool) {
	var b strings.Builder
	b.Grow(len(content))

	relative := func(raw string) (string, bool) {
		canonical, ok := resolveCSSRef(raw, sheetURL)
		if !ok {
			return "", false
		}
		target, found := registry.Lookup(canonical)
		if !found {
			return "", false
		}
		return registry.RelativePath(localPath, target), true
	}

	lexer := css.NewLexer(parse.NewInputString(content))
	inImport := false
	imageFn := 0

	for {
		tt, data := lexer.Next()
		switch tt {
		case css.ErrorToken:
			if lexer.Err() != io.EOF {
				return "", false
			}
			return b.String(), true
		case css.BadStringToken, css.BadURLToken:
			return "", false
		case css.AtKeywordToken:
			inImport = strings.EqualFold(string(data), "@import")
			b.Write(data)
		case css.SemicolonToken, css.LeftBraceToken:
			inImport = false
			b.Write(data)
		case css.FunctionToken:
			name := strings.ToLower(string(data))
			switch {
			case imageFn > 0:
				imageFn++
			case name == "image-set(" || name == "-webkit-image-set(" || name == "cross-fade(":
				imageFn = 1
			}
			b.Write(data)
		case css.LeftParenthesisToken:
			if imageFn > 0 {
				imageFn++
			}
			b.Write(data)
		case css.RightParenthesisToken:
			if imageFn > 0 {
				imageFn--
			}
			b.Write(data)
		case css.URLToken:
			if rel, ok := relative(unwrapCSSURL(string(data))); ok {
				b.WriteString("url('" + rel + "')")
			} else {
				b.Write(data)
			}
		case css.StringToken:
			if !inImport && imageFn == 0 {
				b.Write(data)
				break
			}
			if rel, ok := relative(unquoteCSSString(string(data))); ok {
				quote := string(data[0])
				b.WriteString(quote + rel + quote)
			} else {
				b.Write(data)
			}
		default:
			b.Write(data)
		}
	}
}

func rewriteCSSRegex(content string, sheetURL *url.URL, localPath string, registry *PathRegistry) string {
	relative := func(raw string) (string, bool) {
		canonical, ok := resolveCSSRef(raw, sheetURL)
		if !ok {
			return "", false
		}
		target, found := registry.Lookup(canonical)
		if !found {
			return "", false
		}
		return registry.RelativePath(localPath, target), true
	}

	content = cssURLPattern.ReplaceAllStringFunc(content, func(match string) string {
		sub := cssURLPattern.FindStringSubmatch(match)
		if rel, ok := relative(sub[1]); ok {
			return "url('" + rel + "')"
		}
		return match
	})
	return cssImportPattern.ReplaceAllStringFunc(content, func(match string) string {
		sub := cssImportPattern.FindStringSubmatch(match)
		if rel, ok := relative(sub[1]); ok {
			return "@import '" + rel + "'"
		}
		return match
	})
}

// unwrapCSSURL strips the url( ... ) wrapper and any quotes from a lexed
// URL token.
func unwrapCSSURL(token string) string {
	inner := token
	if i := strings.Index(inner, "("); i >= 0 {
		inner = inner[i+1:]
	}
	inner = strings.TrimSuffix(inner, ")")
	return unquoteCSSString(strings.TrimSpace(inner))
}

func unquoteCSSString(s string) string {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func resolveCSSRef(raw string, sheetURL *url.URL) (string, bool) {
	raw = strings.TrimSpace(raw)
	if ShouldSkip(raw) {
		return "", false
	}
	return Canonicalize(raw, sheetURL)
}
