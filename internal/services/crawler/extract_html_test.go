package crawler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

const extractTestPage = `<!DOCTYPE html>
<html>
<head>
<link rel="stylesheet" href="/css/site.css">
<link rel="icon" href="/favicon.ico">
<link rel="preload" as="image" href="hero.webp">
<meta property="og:image" content="https://cdn.test/og.png">
<meta name="twitter:image" content="/social.png">
<style>body { background: url('/img/body-bg.png'); }</style>
<script src="/js/app.js"></script>
</head>
<body>
<a href="/about">About</a>
<a href="post2.html#section">Next</a>
<a href="mailto:someone@example.test">Mail</a>
<img src="photo.jpg" srcset="photo-480.jpg 480w, photo-960.jpg 960w">
<img src="data:image/gif;base64,R0lGOD" data-src="lazy.jpg">
<div data-bg="url('banner.jpg')"></div>
<video poster="poster.jpg"><source src="clip.mp4"></video>
<div style="background-image: url(inline-bg.png)"></div>
<iframe src="/embed/frame.html"></iframe>
<script type="application/ld+json">{"@type":"Article","image":{"url":"https://cdn.test/ld.jpg"},"publisher":{"logo":"https://cdn.test/logo.png"}}</script>
<svg><use href="/sprite.svg#icon"></use><image xlink:href="/diagram.png"></image></svg>
<object data="/download/manual.pdf"></object>
</body>
</html>`

func TestExtractorExtract(t *testing.T) {
	extractor := NewExtractor(arbor.NewLogger())
	pageURL := mustParseURL(t, "https://example.test/blog/post.html")

	links, err := extractor.Extract([]byte(extractTestPage), pageURL)
	require.NoError(t, err)

	kinds := make(map[string]LinkKind, len(links))
	for _, link := range links {
		kinds[link.URL] = link.Kind
	}

	wantPages := []string{
		"https://example.test/about",
		"https://example.test/blog/post2.html",
		"https://example.test/embed/frame.html",
	}
	wantAssets := []string{
		"https://example.test/css/site.css",
		"https://example.test/favicon.ico",
		"https://example.test/blog/hero.webp",
		"https://cdn.test/og.png",
		"https://example.test/social.png",
		"https://example.test/img/body-bg.png",
		"https://example.test/js/app.js",
		"https://example.test/blog/photo.jpg",
		"https://example.test/blog/photo-480.jpg",
		"https://example.test/blog/photo-960.jpg",
		"https://example.test/blog/lazy.jpg",
		"https://example.test/blog/banner.jpg",
		"https://example.test/blog/poster.jpg",
		"https://example.test/blog/clip.mp4",
		"https://example.test/blog/inline-bg.png",
		"https://cdn.test/ld.jpg",
		"https://cdn.test/logo.png",
		"https://example.test/sprite.svg",
		"https://example.test/diagram.png",
		"https://example.test/download/manual.pdf",
	}

	for _, u := range wantPages {
		kind, found := kinds[u]
		assert.True(t, found, "missing page %s", u)
		assert.Equal(t, LinkKindPage, kind, u)
	}
	for _, u := range wantAssets {
		kind, found := kinds[u]
		assert.True(t, found, "missing asset %s", u)
		assert.Equal(t, LinkKindAsset, kind, u)
	}
	assert.Len(t, links, len(wantPages)+len(wantAssets), "mailto and data: URLs must be skipped")
}

func TestExtractorRecordsSource(t *testing.T) {
	extractor := NewExtractor(arbor.NewLogger())
	pageURL := mustParseURL(t, "https://example.test/")

	links, err := extractor.Extract([]byte(`<html><body><img src="pic.png"></body></html>`), pageURL)
	require.NoError(t, err)
	require.Len(t, links, 1)

	assert.Equal(t, "img", links[0].Tag)
	assert.Equal(t, "src", links[0].Attr)
	assert.Equal(t, LinkKindAsset, links[0].Kind)
}

func TestExtractorBaseHref(t *testing.T) {
	extractor := NewExtractor(arbor.NewLogger())
	pageURL := mustParseURL(t, "https://example.test/blog/post.html")

	html := `<html><head><base href="https://example.test/deep/dir/"></head>
<body><a href="page.html">x</a><img src="pic.png"></body></html>`

	links, err := extractor.Extract([]byte(html), pageURL)
	require.NoError(t, err)

	urls := make([]string, 0, len(links))
	for _, link := range links {
		urls = append(urls, link.URL)
	}
	assert.ElementsMatch(t, []string{
		"https://example.test/deep/dir/page.html",
		"https://example.test/deep/dir/pic.png",
	}, urls)
}

func TestExtractorDeduplicates(t *testing.T) {
	extractor := NewExtractor(arbor.NewLogger())
	pageURL := mustParseURL(t, "https://example.test/")

	html := `<html><body>
<a href="/page">one</a>
<a href="/page#top">two</a>
<img src="/pic.png"><img src="/pic.png">
</body></html>`

	links, err := extractor.Extract([]byte(html), pageURL)
	require.NoError(t, err)
	assert.Len(t, links, 2)
}

func TestExtractorJSONLDDepthCap(t *testing.T) {
	extractor := NewExtractor(arbor.NewLogger())
	pageURL := mustParseURL(t, "https://example.test/")

	nested := strings.Repeat(`{"a":`, 40) + `{"image":"https://cdn.test/deep.png"}` + strings.Repeat("}", 40)
	html := `<html><body><script type="application/ld+json">` + nested + `</script></body></html>`

	links, err := extractor.Extract([]byte(html), pageURL)
	require.NoError(t, err)
	assert.Empty(t, links, "payloads nested past the cap are abandoned")
}

func TestExtractorIgnoresMalformedJSONLD(t *testing.T) {
	extractor := NewExtractor(arbor.NewLogger())
	pageURL := mustParseURL(t, "https://example.test/")

	html := `<html><body>
<script type="application/ld+json">{not json at all</script>
<img src="/pic.png">
</body></html>`

	links, err := extractor.Extract([]byte(html), pageURL)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "https://example.test/pic.png", links[0].URL)
}

func TestParseSrcset(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  []srcsetCandidate
	}{
		{
			name:  "width descriptors",
			value: "small.jpg 480w, large.jpg 1080w",
			want: []srcsetCandidate{
				{URL: "small.jpg", Descriptor: "480w"},
				{URL: "large.jpg", Descriptor: "1080w"},
			},
		},
		{
			name:  "density and bare entries",
			value: "a.png, b.png 2x",
			want: []srcsetCandidate{
				{URL: "a.png"},
				{URL: "b.png", Descriptor: "2x"},
			},
		},
		{
			name:  "surrounding whitespace",
			value: "  one.webp 1x ,\n two.webp 2x  ",
			want: []srcsetCandidate{
				{URL: "one.webp", Descriptor: "1x"},
				{URL: "two.webp", Descriptor: "2x"},
			},
		},
		{
			name:  "empty segments dropped",
			value: ", a.png 1x,,",
			want:  []srcsetCandidate{{URL: "a.png", Descriptor: "1x"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseSrcset(tt.value))
		})
	}
}
