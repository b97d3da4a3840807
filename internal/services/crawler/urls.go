package crawler

import (
	"net"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// secondLevelSuffixes are label values that act as a public suffix one level
// below the TLD (example.co.uk, example.com.au). When the penultimate label
// is one of these, the registrable domain spans three labels.
var secondLevelSuffixes = map[string]bool{
	"co":  true,
	"com": true,
	"org": true,
	"net": true,
	"gov": true,
	"edu": true,
	"ac":  true,
}

// skipSchemes are URL schemes that never yield fetchable work.
var skipSchemes = []string{
	"data:",
	"blob:",
	"javascript:",
	"mailto:",
	"tel:",
	"sms:",
	"about:",
}

// Canonicalize normalizes a URL into the opaque key used by the frontier and
// the path registry: lowercase scheme and host, default ports dropped,
// trailing slash stripped from non-root paths, query parameters sorted,
// fragment removed. A relative URL is resolved against base when base is
// non-nil. Returns false when the input cannot be parsed into an absolute
// URL. Canonicalize is idempotent.
func Canonicalize(rawURL string, base *url.URL) (string, bool) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", false
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", false
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	// Default ports carry no information.
	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}

	if u.Path == "" {
		u.Path = "/"
	} else if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	if u.RawQuery != "" {
		q := u.Query()
		for _, values := range q {
			sort.Strings(values)
		}
		u.RawQuery = q.Encode() // Encode sorts keys
	}

	return u.String(), true
}

// RegistrableDomain returns the apex domain for scope comparison: the last
// two labels of the host, or the last three when the penultimate label is a
// known second-level suffix (example.co.uk). IP literals and single-label
// hosts are returned unchanged. The host must not carry a port.
func RegistrableDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	if net.ParseIP(host) != nil {
		return host
	}

	if secondLevelSuffixes[labels[len(labels)-2]] {
		return strings.Join(labels[len(labels)-3:], ".")
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// InScope reports whether a page URL is admissible relative to the seed.
// The seed host itself is always in scope.
func InScope(rawURL string, seed *url.URL, scope Scope, customDomains []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	seedHost := strings.ToLower(seed.Hostname())

	if host == seedHost {
		return true
	}

	switch scope {
	case ScopeSameHost:
		return false
	case ScopeSameDomain:
		return RegistrableDomain(host) == RegistrableDomain(seedHost)
	case ScopeSubdomains:
		apex := RegistrableDomain(seedHost)
		return host == apex || strings.HasSuffix(host, "."+apex)
	case ScopeCustom:
		for _, d := range customDomains {
			if host == strings.ToLower(strings.TrimSpace(d)) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

var (
	globCacheMu sync.RWMutex
	globCache   = make(map[string]*regexp.Regexp)
)

// MatchesPattern matches a URL against a glob pattern where * matches any
// run and ? matches a single character. The match is case-insensitive and
// anchored over the whole URL.
func MatchesPattern(rawURL, pattern string) bool {
	if pattern == "" {
		return false
	}

	globCacheMu.RLock()
	re, ok := globCache[pattern]
	globCacheMu.RUnlock()

	if !ok {
		var b strings.Builder
		b.WriteString("(?i)^")
		for _, r := range pattern {
			switch r {
			case '*':
				b.WriteString(".*")
			case '?':
				b.WriteString(".")
			default:
				b.WriteString(regexp.QuoteMeta(string(r)))
			}
		}
		b.WriteString("$")

		compiled, err := regexp.Compile(b.String())
		if err != nil {
			return false
		}
		globCacheMu.Lock()
		globCache[pattern] = compiled
		globCacheMu.Unlock()
		re = compiled
	}

	return re.MatchString(rawURL)
}

// Extension returns the lowercased extension of the URL path, without the
// dot. Empty when the path has no extension or the last dot precedes the
// final path separator.
func Extension(rawURL string) string {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		path = u.Path
	} else if i := strings.IndexAny(rawURL, "?#"); i != -1 {
		path = rawURL[:i]
	}

	dot := strings.LastIndex(path, ".")
	if dot == -1 || strings.Contains(path[dot:], "/") {
		return ""
	}
	return strings.ToLower(path[dot+1:])
}

// extensionCategories maps a URL extension to its file category. URLs with
// no extension classify as html since servers overwhelmingly answer them
// with pages.
var extensionCategories = map[string]string{
	"html": CategoryHTML, "htm": CategoryHTML, "xhtml": CategoryHTML,
	"shtml": CategoryHTML, "php": CategoryHTML, "asp": CategoryHTML,
	"aspx": CategoryHTML, "jsp": CategoryHTML,

	"css": CategoryCSS,

	"js": CategoryJS, "mjs": CategoryJS, "cjs": CategoryJS,

	"jpg": CategoryImages, "jpeg": CategoryImages, "png": CategoryImages,
	"gif": CategoryImages, "webp": CategoryImages, "svg": CategoryImages,
	"ico": CategoryImages, "bmp": CategoryImages, "avif": CategoryImages,
	"tiff": CategoryImages, "tif": CategoryImages, "apng": CategoryImages,
	"jfif": CategoryImages,

	"woff": CategoryFonts, "woff2": CategoryFonts, "ttf": CategoryFonts,
	"otf": CategoryFonts, "eot": CategoryFonts,

	"mp4": CategoryMedia, "webm": CategoryMedia, "ogg": CategoryMedia,
	"ogv": CategoryMedia, "mp3": CategoryMedia, "wav": CategoryMedia,
	"flac": CategoryMedia, "aac": CategoryMedia, "m4a": CategoryMedia,
	"m4v": CategoryMedia, "mov": CategoryMedia, "avi": CategoryMedia,
	"mkv": CategoryMedia, "opus": CategoryMedia,

	"pdf": CategoryDocuments, "doc": CategoryDocuments, "docx": CategoryDocuments,
	"xls": CategoryDocuments, "xlsx": CategoryDocuments, "ppt": CategoryDocuments,
	"pptx": CategoryDocuments, "odt": CategoryDocuments, "ods": CategoryDocuments,
	"odp": CategoryDocuments, "rtf": CategoryDocuments, "txt": CategoryDocuments,
	"csv": CategoryDocuments, "epub": CategoryDocuments,
}

// MimeCategory classifies an extension into one of the file categories used
// by CrawlConfig.FileTypes.
func MimeCategory(ext string) string {
	if ext == "" {
		return CategoryHTML
	}
	if cat, ok := extensionCategories[strings.ToLower(ext)]; ok {
		return cat
	}
	return CategoryOther
}

// ShouldSkip reports whether a raw reference can never produce fetchable
// work: non-network schemes, pure fragments, and empty strings.
func ShouldSkip(rawURL string) bool {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return true
	}
	if strings.HasPrefix(trimmed, "#") {
		return true
	}
	lower := strings.ToLower(trimmed)
	for _, scheme := range skipSchemes {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}
