package crawler

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	// maxSegmentLen caps a single path segment; longer segments are
	// truncated and disambiguated with a content hash.
	maxSegmentLen = 200
	// maxCollisionSuffix bounds the _1, _2, ... probe before falling back
	// to a hash suffix.
	maxCollisionSuffix = 50
)

// PathRegistry maintains the mapping between canonical URLs and
// sandbox-relative local paths. Registration is idempotent per canonical URL
// and a derived path is never reused for a different URL; redirect aliases
// may point several URLs at one path.
type PathRegistry struct {
	mu        sync.RWMutex
	urlToPath map[string]string
	pathToURL map[string]string
	usedPaths map[string]bool
}

// NewPathRegistry creates an empty registry.
func NewPathRegistry() *PathRegistry {
	return &PathRegistry{
		urlToPath: make(map[string]string),
		pathToURL: make(map[string]string),
		usedPaths: make(map[string]bool),
	}
}

// Register maps a URL to a unique local path, deriving one on first sight.
// The same canonical URL always returns the same path.
func (r *PathRegistry) Register(rawURL string) (string, error) {
	canonical, ok := Canonicalize(rawURL, nil)
	if !ok {
		return "", fmt.Errorf("register: malformed URL %q", rawURL)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, found := r.urlToPath[canonical]; found {
		return existing, nil
	}

	candidate := derivePath(canonical)
	final := candidate
	if r.usedPaths[final] {
		final = r.resolveCollision(candidate, canonical)
	}

	r.urlToPath[canonical] = final
	r.pathToURL[final] = canonical
	r.usedPaths[final] = true
	return final, nil
}

// Alias maps an additional URL onto an existing local path, so links to a
// redirect's source rewrite to the same file as its destination. A URL that
// already maps elsewhere is left untouched and the conflict is reported.
func (r *PathRegistry) Alias(rawURL, localPath string) error {
	canonical, ok := Canonicalize(rawURL, nil)
	if !ok {
		return fmt.Errorf("alias: malformed URL %q", rawURL)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, found := r.urlToPath[canonical]; found {
		if existing == localPath {
			return nil
		}
		return fmt.Errorf("alias: %s already maps to %s", canonical, existing)
	}

	r.urlToPath[canonical] = localPath
	if _, found := r.pathToURL[localPath]; !found {
		r.pathToURL[localPath] = canonical
	}
	r.usedPaths[localPath] = true
	return nil
}

// Lookup returns the local path for a URL if it was registered.
func (r *PathRegistry) Lookup(rawURL string) (string, bool) {
	canonical, ok := Canonicalize(rawURL, nil)
	if !ok {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	path, found := r.urlToPath[canonical]
	return path, found
}

// URLFor returns the canonical URL registered for a local path.
func (r *PathRegistry) URLFor(localPath string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, found := r.pathToURL[localPath]
	return u, found
}

// Count returns the number of registered URLs.
func (r *PathRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.urlToPath)
}

// resolveCollision probes numbered suffixes, then falls back to a
// URL-derived hash suffix. Caller holds the write lock.
func (r *PathRegistry) resolveCollision(candidate, canonical string) string {
	base, ext := splitExt(candidate)
	for i := 1; i <= maxCollisionSuffix; i++ {
		probe := fmt.Sprintf("%s_%d%s", base, i, ext)
		if !r.usedPaths[probe] {
			return probe
		}
	}
	return fmt.Sprintf("%s_%s%s", base, shortHash(canonical), ext)
}

// RelativePath computes the relative reference from one local path to
// another by walking off the common directory prefix.
func (r *PathRegistry) RelativePath(from, to string) string {
	fromParts := strings.Split(from, "/")
	toParts := strings.Split(to, "/")

	fromDirs := fromParts[:len(fromParts)-1]

	common := 0
	for common < len(fromDirs) && common < len(toParts)-1 && fromDirs[common] == toParts[common] {
		common++
	}

	var b strings.Builder
	for i := common; i < len(fromDirs); i++ {
		b.WriteString("../")
	}
	b.WriteString(strings.Join(toParts[common:], "/"))
	return b.String()
}

// derivePath maps a canonical URL to its candidate local path: host-first
// segments, sanitised, query folded into the filename, .html appended to
// extensionless leaves.
func derivePath(canonical string) string {
	u, err := url.Parse(canonical)
	if err != nil {
		// canonical URLs always parse; guard anyway
		return sanitizeSegment(canonical)
	}

	segments := []string{sanitizeSegment(u.Host)}

	trimmed := strings.Trim(u.Path, "/")
	var leaf string
	if trimmed == "" {
		leaf = "index.html"
	} else {
		parts := strings.Split(trimmed, "/")
		for _, p := range parts[:len(parts)-1] {
			segments = append(segments, sanitizeSegment(p))
		}
		leaf = sanitizeSegment(parts[len(parts)-1])
	}

	if u.RawQuery != "" {
		leaf = foldQuery(leaf, u.RawQuery)
	}
	if !strings.Contains(leaf, ".") {
		leaf += ".html"
	}
	leaf = capSegment(leaf)

	for i, s := range segments {
		segments[i] = capSegment(s)
	}
	segments = append(segments, leaf)
	return strings.Join(segments, "/")
}

// illegalPathChars cannot appear in a filename on at least one supported
// filesystem.
const illegalPathChars = `<>:"|?*\`

// sanitizeSegment neutralises traversal fragments and characters that are
// illegal in filenames, then trims leading and trailing dots and whitespace.
func sanitizeSegment(segment string) string {
	var b strings.Builder
	for _, r := range segment {
		switch {
		case r < 0x20 || r == 0x7f:
			b.WriteRune('_')
		case strings.ContainsRune(illegalPathChars, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	s := b.String()
	s = strings.Trim(s, ". \t")
	if s == "" || s == ".." {
		return "_"
	}
	return s
}

// foldQuery folds a query string into the filename as a short digest before
// the extension, so distinct query variants land on distinct files.
func foldQuery(leaf, rawQuery string) string {
	base, ext := splitExt(leaf)
	return fmt.Sprintf("%s_%s%s", base, shortHash(rawQuery), ext)
}

// capSegment enforces the per-segment length ceiling, keeping the original
// extension and appending a hash of the uncut segment.
func capSegment(segment string) string {
	if len(segment) <= maxSegmentLen {
		return segment
	}
	base, ext := splitExt(segment)
	if len(ext) > 16 {
		// absurd extension, treat it as part of the name
		base, ext = segment, ""
	}
	keep := maxSegmentLen - len(ext) - 9 // room for _ and 8 hex chars
	if keep < 1 {
		keep = 1
	}
	if keep > len(base) {
		keep = len(base)
	}
	return fmt.Sprintf("%s_%s%s", base[:keep], shortHash(segment), ext)
}

// splitExt splits a filename into base and extension, keeping the dot with
// the extension. Names without a dot return an empty extension.
func splitExt(name string) (string, string) {
	slash := strings.LastIndex(name, "/")
	dot := strings.LastIndex(name, ".")
	if dot == -1 || dot < slash {
		return name, ""
	}
	return name[:dot], name[dot:]
}

func shortHash(s string) string {
	return fmt.Sprintf("%08x", uint32(xxhash.Sum64String(s)))
}
