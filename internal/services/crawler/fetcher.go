// -----------------------------------------------------------------------
// Fetcher - bounded-concurrency HTTP client with header crafting, cookie
// jar, manual redirects, rate-limit handling and bot-wall evasion
// -----------------------------------------------------------------------

package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/ternarybob/arbor"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

const (
	maxFetchAttempts       = 5
	defaultRetryAfter      = 5 * time.Second
	interstitialProbeLimit = 128 * 1024
)

// ErrAborted is returned for work submitted after Abort.
var ErrAborted = errors.New("fetcher aborted")

// userAgentPool holds current desktop browser strings. The pointer advances
// when a server pushes back, so consecutive retries present as different
// visitors.
var userAgentPool = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0",
	"Mozilla/5.0 (X11; Linux x86_64; rv:133.0) Gecko/20100101 Firefox/133.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Edg/131.0.0.0",
}

// interstitialPhrases identify bot-wall challenge pages served with a 200.
var interstitialPhrases = []string{
	"cf-browser-verification",
	"checking your browser",
	"ddos-guard",
	"please wait while we verify",
	"just a moment",
	"access denied",
}

const (
	acceptHTML  = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8"
	acceptCSS   = "text/css,*/*;q=0.1"
	acceptImage = "image/avif,image/webp,image/apng,image/svg+xml,image/*,*/*;q=0.8"
	acceptAny   = "*/*"
)

var acceptByCategory = map[string]string{
	CategoryHTML:   acceptHTML,
	CategoryCSS:    acceptCSS,
	CategoryImages: acceptImage,
}

var secFetchDestByCategory = map[string]string{
	CategoryHTML:   "document",
	CategoryCSS:    "style",
	CategoryJS:     "script",
	CategoryImages: "image",
	CategoryFonts:  "font",
	CategoryMedia:  "video",
}

// fetchFailure is one failed attempt inside the retry loop. Retryable
// failures carry the wait the server asked for (zero selects the backoff
// formula) and whether the next attempt should present a fresh UA.
type fetchFailure struct {
	code      string
	retryable bool
	wait      time.Duration
	rotateUA  bool
	cause     error
}

// Fetcher is a bounded-concurrency HTTP client with anti-detection
// policies: rotating browser headers, shared cookie jar, manual redirect
// handling with SSRF re-checks, and per-host push-back tracking.
type Fetcher struct {
	config  *CrawlConfig
	seedURL string
	guard   *SSRFGuard
	logger  arbor.ILogger

	client  *http.Client
	release *rate.Limiter // paces pool release at the configured delay
	hosts   *HostGate
	slots   chan struct{}

	uaIndex atomic.Uint32
	aborted atomic.Bool

	pauseMu  sync.Mutex
	resumeCh chan struct{}

	inflight sync.WaitGroup
}

// NewFetcher creates a fetcher for one archive run. The configured cookie
// string is preloaded into the jar scoped to the seed host.
func NewFetcher(config *CrawlConfig, seedURL string, guard *SSRFGuard, logger arbor.ILogger) (*Fetcher, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	concurrency := config.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	f := &Fetcher{
		config:  config,
		seedURL: seedURL,
		guard:   guard,
		logger:  logger,
		hosts:   NewHostGate(),
		slots:   make(chan struct{}, concurrency),
		release: rate.NewLimiter(rate.Every(config.Delay()), 1),
		client: &http.Client{
			Jar:     jar,
			Timeout: config.Timeout(),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	if config.Cookies != "" {
		if seed, perr := url.Parse(seedURL); perr == nil {
			if cookies, cerr := http.ParseCookie(config.Cookies); cerr == nil {
				jar.SetCookies(seed, cookies)
			} else {
				logger.Warn().Err(cerr).Msg("Failed to parse configured cookies")
			}
		}
	}

	return f, nil
}

// Fetch retrieves one URL through the pool: SSRF guard, crafted headers,
// manual redirects, rate-limit and bot-wall handling, size ceilings, and
// up to five attempts with exponential backoff.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, referer string) (*FetchResult, error) {
	if f.aborted.Load() {
		return nil, &FetchError{URL: rawURL, Code: ErrCodeUnknown, Err: ErrAborted}
	}

	f.inflight.Add(1)
	defer f.inflight.Done()

	if gate := f.pauseGate(); gate != nil {
		select {
		case <-ctx.Done():
			return nil, &FetchError{URL: rawURL, Code: ErrCodeUnknown, Err: ctx.Err()}
		case <-gate:
		}
	}
	if f.aborted.Load() {
		return nil, &FetchError{URL: rawURL, Code: ErrCodeUnknown, Err: ErrAborted}
	}

	if parsed, err := url.Parse(rawURL); err == nil {
		if werr := f.hosts.Wait(ctx, parsed.Hostname()); werr != nil {
			return nil, &FetchError{URL: rawURL, Code: ErrCodeUnknown, Err: werr}
		}
	}

	if err := sleepCtx(ctx, jitter(f.config.Delay())); err != nil {
		return nil, &FetchError{URL: rawURL, Code: ErrCodeUnknown, Err: err}
	}

	select {
	case f.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, &FetchError{URL: rawURL, Code: ErrCodeUnknown, Err: ctx.Err()}
	}
	defer func() { <-f.slots }()

	if err := f.release.Wait(ctx); err != nil {
		return nil, &FetchError{URL: rawURL, Code: ErrCodeUnknown, Err: err}
	}

	return f.fetchWithRetries(ctx, rawURL, referer)
}

// Pause holds back fetches submitted after the call. In-flight requests
// finish normally.
func (f *Fetcher) Pause() {
	f.pauseMu.Lock()
	defer f.pauseMu.Unlock()
	if f.resumeCh == nil {
		f.resumeCh = make(chan struct{})
	}
}

// Resume releases fetches held by Pause.
func (f *Fetcher) Resume() {
	f.pauseMu.Lock()
	defer f.pauseMu.Unlock()
	if f.resumeCh != nil {
		close(f.resumeCh)
		f.resumeCh = nil
	}
}

// Abort rejects all future work and releases paused fetches so they can
// observe the flag.
func (f *Fetcher) Abort() {
	f.aborted.Store(true)
	f.Resume()
}

// Aborted reports whether Abort was called.
func (f *Fetcher) Aborted() bool {
	return f.aborted.Load()
}

// Drain blocks until no fetch is in flight.
func (f *Fetcher) Drain() {
	f.inflight.Wait()
}

func (f *Fetcher) pauseGate() <-chan struct{} {
	f.pauseMu.Lock()
	defer f.pauseMu.Unlock()
	return f.resumeCh
}

func (f *Fetcher) currentUA() string {
	return userAgentPool[int(f.uaIndex.Load())%len(userAgentPool)]
}

func (f *Fetcher) rotateUA() {
	f.uaIndex.Add(1)
}

func (f *Fetcher) fetchWithRetries(ctx context.Context, rawURL string, referer string) (*FetchResult, error) {
	var last *fetchFailure

	for attempt := 0; attempt < maxFetchAttempts; attempt++ {
		if attempt > 0 {
			wait := last.wait
			if wait <= 0 {
				wait = jitter(time.Duration(1<<uint(attempt)) * time.Second)
			}
			if last.rotateUA || attempt >= 2 {
				f.rotateUA()
			}
			f.logger.Debug().
				Str("url", rawURL).
				Int("attempt", attempt+1).
				Str("code", last.code).
				Dur("backoff", wait).
				Msg("Retrying fetch after backoff")
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, &FetchError{URL: rawURL, Code: last.code, Err: err}
			}
		}

		if f.aborted.Load() {
			return nil, &FetchError{URL: rawURL, Code: ErrCodeUnknown, Err: ErrAborted}
		}

		result, failure := f.attempt(ctx, rawURL, referer)
		if failure == nil {
			return result, nil
		}
		if !failure.retryable {
			return nil, &FetchError{URL: rawURL, Code: failure.code, Err: failure.cause}
		}
		last = failure
	}

	f.logger.Warn().
		Str("url", rawURL).
		Int("max_attempts", maxFetchAttempts).
		Str("code", last.code).
		Err(last.cause).
		Msg("All retry attempts exhausted")

	return nil, &FetchError{URL: rawURL, Code: last.code, Err: last.cause}
}

// attempt drives one request through its redirect chain. Every hop is
// re-validated against the SSRF guard before it is contacted.
func (f *Fetcher) attempt(ctx context.Context, rawURL string, referer string) (*FetchResult, *fetchFailure) {
	start := time.Now()
	currentURL := rawURL
	currentReferer := referer
	var chain []string

	for {
		if err := f.guard.Validate(ctx, currentURL, f.config.AllowedProtocols); err != nil {
			return nil, &fetchFailure{code: ErrCodeSSRF, cause: err}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, currentURL, nil)
		if err != nil {
			return nil, &fetchFailure{code: ErrCodeUnknown, cause: err}
		}
		f.buildHeaders(req, currentReferer)

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, classifyTransportError(err)
		}

		if isRedirectStatus(resp.StatusCode) && f.config.FollowRedirects {
			location := resp.Header.Get("Location")
			resp.Body.Close()
			if location == "" {
				return nil, &fetchFailure{code: ErrCodeNetwork, cause: fmt.Errorf("redirect %d without Location from %s", resp.StatusCode, currentURL)}
			}
			next, perr := req.URL.Parse(location)
			if perr != nil {
				return nil, &fetchFailure{code: ErrCodeUnknown, cause: fmt.Errorf("unparseable Location %q: %w", location, perr)}
			}
			chain = append(chain, next.String())
			if len(chain) > f.config.MaxRedirects {
				return nil, &fetchFailure{code: ErrCodeUnknown, cause: fmt.Errorf("redirect chain exceeds %d hops", f.config.MaxRedirects)}
			}
			currentReferer = currentURL
			currentURL = next.String()
			continue
		}

		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header, defaultRetryAfter)
			resp.Body.Close()
			f.hosts.Hold(req.URL.Hostname(), time.Now().Add(retryAfter))
			f.logger.Debug().
				Str("host", req.URL.Host).
				Dur("retry_after", retryAfter).
				Msg("Rate limited by server")
			return nil, &fetchFailure{
				code:      ErrCodeRateLimited,
				retryable: true,
				wait:      retryAfter,
				rotateUA:  true,
				cause:     fmt.Errorf("429 too many requests from %s", req.URL.Host),
			}
		case http.StatusForbidden:
			resp.Body.Close()
			return nil, &fetchFailure{
				code:      ErrCodeUnknown,
				retryable: true,
				wait:      jitter(time.Second),
				rotateUA:  true,
				cause:     fmt.Errorf("403 forbidden from %s", req.URL.Host),
			}
		case http.StatusServiceUnavailable:
			retryAfter := parseRetryAfter(resp.Header, defaultRetryAfter)
			resp.Body.Close()
			return nil, &fetchFailure{
				code:      ErrCodeNetwork,
				retryable: true,
				wait:      retryAfter,
				cause:     fmt.Errorf("503 service unavailable from %s", req.URL.Host),
			}
		}

		body, failure := f.readBody(resp)
		if failure != nil {
			return nil, failure
		}

		contentType := contentTypeToken(resp.Header.Get("Content-Type"))

		if resp.StatusCode == http.StatusOK && contentType == "text/html" && looksLikeInterstitial(body) {
			return nil, &fetchFailure{
				code:      ErrCodeUnknown,
				retryable: true,
				wait:      jitter(time.Second),
				rotateUA:  true,
				cause:     errors.New("bot interstitial detected"),
			}
		}

		return &FetchResult{
			URL:           rawURL,
			FinalURL:      req.URL.String(),
			StatusCode:    resp.StatusCode,
			Headers:       flattenHeaders(resp.Header),
			ContentType:   contentType,
			Body:          body,
			RedirectChain: chain,
			Duration:      time.Since(start),
		}, nil
	}
}

// buildHeaders assembles the browser-consistent header set for one hop.
// Caller-supplied headers win over every crafted value.
func (f *Fetcher) buildHeaders(req *http.Request, referer string) {
	category := MimeCategory(Extension(req.URL.String()))

	ua := f.config.UserAgent
	if ua == "" {
		ua = f.currentUA()
	}
	req.Header.Set("User-Agent", ua)

	accept := acceptByCategory[category]
	if accept == "" {
		accept = acceptAny
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("DNT", "1")

	dest := secFetchDestByCategory[category]
	if dest == "" {
		dest = "empty"
	}
	req.Header.Set("Sec-Fetch-Dest", dest)
	if dest == "document" {
		req.Header.Set("Sec-Fetch-Mode", "navigate")
		req.Header.Set("Sec-Fetch-Site", "none")
		req.Header.Set("Sec-Fetch-User", "?1")
		req.Header.Set("Upgrade-Insecure-Requests", "1")
	} else {
		req.Header.Set("Sec-Fetch-Mode", "no-cors")
		req.Header.Set("Sec-Fetch-Site", "same-origin")
	}
	req.Header.Set("sec-ch-ua", `"Chromium";v="131", "Not_A Brand";v="24"`)
	req.Header.Set("sec-ch-ua-mobile", "?0")
	req.Header.Set("sec-ch-ua-platform", `"Windows"`)

	if referer == "" {
		referer = f.seedURL
	}
	req.Header.Set("Referer", referer)

	for key, value := range f.config.Headers {
		req.Header.Set(key, value)
	}
}

// readBody enforces the per-response ceiling twice: on the declared length
// before reading, and on the running decoded size mid-stream.
func (f *Fetcher) readBody(resp *http.Response) ([]byte, *fetchFailure) {
	defer resp.Body.Close()

	if resp.ContentLength > f.config.MaxFileSize {
		return nil, &fetchFailure{
			code:  ErrCodeTooLarge,
			cause: fmt.Errorf("declared content length %d exceeds limit %d", resp.ContentLength, f.config.MaxFileSize),
		}
	}

	reader, closeReader, err := decodeBody(resp)
	if err != nil {
		return nil, &fetchFailure{code: ErrCodeUnknown, cause: fmt.Errorf("failed to decode %q body: %w", resp.Header.Get("Content-Encoding"), err)}
	}
	defer closeReader()

	body, err := io.ReadAll(io.LimitReader(reader, f.config.MaxFileSize+1))
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if int64(len(body)) > f.config.MaxFileSize {
		return nil, &fetchFailure{
			code:  ErrCodeTooLarge,
			cause: fmt.Errorf("body exceeds limit %d mid-stream", f.config.MaxFileSize),
		}
	}
	return body, nil
}

// decodeBody wraps the response body according to Content-Encoding. The
// Accept-Encoding header is set manually, so the transport's transparent
// decompression is off and all three encodings land here.
func decodeBody(resp *http.Response) (io.Reader, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return resp.Body, noop, nil
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, nil, err
		}
		return gz, gz.Close, nil
	case "deflate":
		fr := flate.NewReader(resp.Body)
		return fr, fr.Close, nil
	case "br":
		return brotli.NewReader(resp.Body), noop, nil
	default:
		return resp.Body, noop, nil
	}
}

// classifyTransportError maps transport failures onto retryable fetch
// failure codes: timeouts stay timeouts, everything else on the wire is
// a network error.
func classifyTransportError(err error) *fetchFailure {
	if errors.Is(err, context.Canceled) {
		return &fetchFailure{code: ErrCodeUnknown, cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &fetchFailure{code: ErrCodeTimeout, retryable: true, cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &fetchFailure{code: ErrCodeTimeout, retryable: true, cause: err}
	}

	return &fetchFailure{code: ErrCodeNetwork, retryable: true, cause: err}
}

// parseRetryAfter reads a Retry-After header as either delay seconds or an
// HTTP date.
func parseRetryAfter(header http.Header, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(header.Get("Retry-After"))
	if value == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
		return 0
	}
	return fallback
}

func looksLikeInterstitial(body []byte) bool {
	probe := body
	if len(probe) > interstitialProbeLimit {
		// challenge pages are small
		probe = probe[:interstitialProbeLimit]
	}
	haystack := strings.ToLower(string(probe))
	for _, phrase := range interstitialPhrases {
		if strings.Contains(haystack, phrase) {
			return true
		}
	}
	return false
}

func isRedirectStatus(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func contentTypeToken(value string) string {
	token, _, _ := strings.Cut(value, ";")
	return strings.ToLower(strings.TrimSpace(token))
}

func flattenHeaders(header http.Header) map[string]string {
	flat := make(map[string]string, len(header))
	for key, values := range header {
		flat[key] = strings.Join(values, ", ")
	}
	return flat
}

// jitter scales a duration by a random factor uniform on [0.5, 1.5).
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.5 + rand.Float64()))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
