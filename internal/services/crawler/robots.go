package crawler

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
)

const (
	robotsFetchTimeout = 10 * time.Second
	robotsMaxBody      = 512 * 1024
)

// robotsRule is one Allow or Disallow line, pre-compiled for matching.
// Pattern length decides specificity: the longest matching rule wins, and
// Allow wins ties.
type robotsRule struct {
	pattern string
	re      *regexp.Regexp
	allow   bool
}

// RobotsDirectives holds the parsed rule groups of one robots.txt.
// A nil RobotsDirectives allows everything.
type RobotsDirectives struct {
	groups map[string][]robotsRule // lowercased agent token -> rules
}

// ParseRobots parses robots.txt content. Unknown directives and malformed
// lines are ignored, matching the lenient behavior crawlers are expected
// to have.
func ParseRobots(body []byte) *RobotsDirectives {
	d := &RobotsDirectives{groups: make(map[string][]robotsRule)}

	var currentAgents []string
	lastWasAgent := false

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "user-agent":
			agent := strings.ToLower(value)
			if agent == "" {
				continue
			}
			if lastWasAgent {
				currentAgents = append(currentAgents, agent)
			} else {
				currentAgents = []string{agent}
			}
			if _, ok := d.groups[agent]; !ok {
				d.groups[agent] = nil
			}
			lastWasAgent = true
		case "allow", "disallow":
			lastWasAgent = false
			if len(currentAgents) == 0 {
				continue
			}
			if value == "" {
				// "Disallow:" with no path allows everything; record
				// nothing either way.
				continue
			}
			rule := robotsRule{
				pattern: value,
				re:      compileRobotsPattern(value),
				allow:   key == "allow",
			}
			for _, agent := range currentAgents {
				d.groups[agent] = append(d.groups[agent], rule)
			}
		default:
			// crawl-delay, sitemap and extensions are out of scope here
			lastWasAgent = false
		}
	}

	return d
}

// compileRobotsPattern translates a robots path pattern into an anchored
// regexp: * matches any run, a trailing $ pins the end.
func compileRobotsPattern(pattern string) *regexp.Regexp {
	anchored := strings.HasSuffix(pattern, "$")
	if anchored {
		pattern = strings.TrimSuffix(pattern, "$")
	}

	var b strings.Builder
	b.WriteString("^")
	for _, part := range strings.Split(pattern, "*") {
		if b.Len() > 1 {
			b.WriteString(".*")
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	if anchored {
		b.WriteString("$")
	}

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil
	}
	return re
}

// Allowed evaluates a path for a user agent. The most specific matching
// rule from the best-matching agent group decides; Allow wins ties. With
// no matching rule the path is allowed.
func (d *RobotsDirectives) Allowed(userAgent, path string) bool {
	if d == nil || len(d.groups) == 0 {
		return true
	}
	if path == "" {
		path = "/"
	}

	rules := d.selectGroup(userAgent)
	if len(rules) == 0 {
		return true
	}

	bestLen := -1
	allowed := true
	for _, rule := range rules {
		if rule.re == nil || !rule.re.MatchString(path) {
			continue
		}
		switch {
		case len(rule.pattern) > bestLen:
			bestLen = len(rule.pattern)
			allowed = rule.allow
		case len(rule.pattern) == bestLen && rule.allow && !allowed:
			allowed = true
		}
	}
	return allowed
}

// selectGroup picks the group whose agent token has the longest substring
// match against the user agent, falling back to the wildcard group.
func (d *RobotsDirectives) selectGroup(userAgent string) []robotsRule {
	ua := strings.ToLower(userAgent)

	bestLen := -1
	var best []robotsRule
	for agent, rules := range d.groups {
		if agent == "*" {
			continue
		}
		if strings.Contains(ua, agent) && len(agent) > bestLen {
			bestLen = len(agent)
			best = rules
		}
	}
	if bestLen >= 0 {
		return best
	}
	return d.groups["*"]
}

// FetchRobots retrieves and parses /robots.txt for the seed's host. It
// never blocks a crawl: any fetch or parse trouble yields a permissive
// nil result. A 4xx answer means no restrictions; a 5xx answer is treated
// the same way after logging, since archiving is the whole point of the
// run.
func FetchRobots(ctx context.Context, seedURL string, userAgent string, logger arbor.ILogger) *RobotsDirectives {
	seed, err := url.Parse(seedURL)
	if err != nil {
		return nil
	}
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", seed.Scheme, seed.Host)

	ctx, cancel := context.WithTimeout(ctx, robotsFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.Debug().Err(err).Str("url", robotsURL).Msg("robots.txt fetch failed, proceeding without restrictions")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Debug().Int("status", resp.StatusCode).Str("url", robotsURL).Msg("robots.txt not available")
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, robotsMaxBody))
	if err != nil {
		return nil
	}

	directives := ParseRobots(body)
	logger.Debug().Str("url", robotsURL).Int("groups", len(directives.groups)).Msg("robots.txt loaded")
	return directives
}
