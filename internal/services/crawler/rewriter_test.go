package crawler

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathRegistryRegister(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{
			name: "root becomes index.html",
			url:  "https://example.test/",
			want: "example.test/index.html",
		},
		{
			name: "extensionless page gains html suffix",
			url:  "https://example.test/about",
			want: "example.test/about.html",
		},
		{
			name: "asset keeps its extension",
			url:  "https://example.test/css/site.css",
			want: "example.test/css/site.css",
		},
		{
			name: "nested directories preserved",
			url:  "https://example.test/a/b/c.png",
			want: "example.test/a/b/c.png",
		},
		{
			name: "port folds into host segment",
			url:  "https://example.test:8443/x.js",
			want: "example.test_8443/x.js",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewPathRegistry()
			got, err := reg.Register(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPathRegistryIdempotent(t *testing.T) {
	reg := NewPathRegistry()

	first, err := reg.Register("https://example.test/page")
	require.NoError(t, err)

	// same canonical URL in different spellings
	second, err := reg.Register("HTTPS://EXAMPLE.TEST/page#frag")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	third, err := reg.Register("https://example.test:443/page/")
	require.NoError(t, err)
	assert.Equal(t, first, third)

	assert.Equal(t, 1, reg.Count())
}

func TestPathRegistryQueryFold(t *testing.T) {
	reg := NewPathRegistry()

	a, err := reg.Register("https://example.test/search?q=cats")
	require.NoError(t, err)
	b, err := reg.Register("https://example.test/search?q=dogs")
	require.NoError(t, err)
	plain, err := reg.Register("https://example.test/search")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, plain)
	assert.Equal(t, "example.test/search.html", plain)
	assert.True(t, strings.HasPrefix(a, "example.test/search_"), a)
	assert.True(t, strings.HasSuffix(a, ".html"), a)

	// asset with a version query keeps its real extension last
	css, err := reg.Register("https://example.test/site.css?v=3")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(css, ".css"), css)
	assert.True(t, strings.HasPrefix(css, "example.test/site_"), css)
}

func TestPathRegistrySanitisation(t *testing.T) {
	reg := NewPathRegistry()

	p, err := reg.Register(`https://example.test/a<b>c:d"e|f.png`)
	require.NoError(t, err)
	assert.NotContains(t, p, "<")
	assert.NotContains(t, p, ">")
	assert.NotContains(t, p, "|")
	assert.NotContains(t, p, `"`)
	assert.True(t, strings.HasSuffix(p, ".png"))

	// traversal segments are neutralised, never escape upward
	p2, err := reg.Register("https://example.test/%2e%2e/secret.txt")
	require.NoError(t, err)
	assert.False(t, strings.Contains(p2, ".."), p2)
}

func TestPathRegistryLongSegment(t *testing.T) {
	reg := NewPathRegistry()

	long := strings.Repeat("a", 300) + ".png"
	p, err := reg.Register("https://example.test/" + long)
	require.NoError(t, err)

	last := p[strings.LastIndex(p, "/")+1:]
	assert.LessOrEqual(t, len(last), 200)
	assert.True(t, strings.HasSuffix(last, ".png"), last)
}

func TestPathRegistryCollisions(t *testing.T) {
	reg := NewPathRegistry()

	// distinct canonical URLs that sanitise onto the same candidate path
	first, err := reg.Register("https://example.test/file?a=1")
	require.NoError(t, err)

	second, err := reg.Register("https://example.test/file%3Fa=1")
	require.NoError(t, err)

	if first == second {
		t.Skipf("candidates did not collide: %s / %s", first, second)
	}

	// force collisions via the probe path: same candidate repeatedly
	paths := map[string]bool{}
	for i := 0; i < 5; i++ {
		u := fmt.Sprintf("https://host%d.test/x", i)
		p, err := reg.Register(u)
		require.NoError(t, err)
		require.False(t, paths[p], "path %s reused", p)
		paths[p] = true
	}
}

func TestPathRegistryCollisionSuffix(t *testing.T) {
	reg := NewPathRegistry()

	// Pre-claim the candidate a second URL would derive, exercising _1 probing.
	p1, err := reg.Register("https://example.test/data<1>.bin")
	require.NoError(t, err)

	p2, err := reg.Register("https://example.test/data|1|.bin")
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)
	assert.Equal(t, "example.test/data_1_.bin", p1)
	assert.Equal(t, "example.test/data_1__1.bin", p2)

	u1, ok := reg.URLFor(p1)
	require.True(t, ok)
	u2, ok := reg.URLFor(p2)
	require.True(t, ok)
	assert.NotEqual(t, u1, u2)
}

func TestPathRegistryLookup(t *testing.T) {
	reg := NewPathRegistry()

	_, found := reg.Lookup("https://example.test/missing")
	assert.False(t, found)

	registered, err := reg.Register("https://example.test/page")
	require.NoError(t, err)

	got, found := reg.Lookup("https://example.test/page")
	require.True(t, found)
	assert.Equal(t, registered, got)

	_, err = reg.Register("::not a url::")
	assert.Error(t, err)
}

func TestRelativePath(t *testing.T) {
	reg := NewPathRegistry()

	tests := []struct {
		from string
		to   string
		want string
	}{
		{"example.test/index.html", "example.test/s.css", "s.css"},
		{"example.test/index.html", "cdn.test/a.png", "../cdn.test/a.png"},
		{"example.test/a/b/page.html", "example.test/c.css", "../../c.css"},
		{"example.test/index.html", "example.test/img/logo.png", "img/logo.png"},
		{"example.test/a/page.html", "example.test/a/other.html", "other.html"},
		{"a.test/deep/dir/p.html", "b.test/x.js", "../../../b.test/x.js"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, reg.RelativePath(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}
