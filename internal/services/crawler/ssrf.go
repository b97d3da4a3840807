package crawler

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// SSRFError explains why a URL was refused before any request was made.
type SSRFError struct {
	URL    string
	Reason string
}

func (e *SSRFError) Error() string {
	return fmt.Sprintf("ssrf blocked %s: %s", e.URL, e.Reason)
}

// blockedHostnames are rejected before any DNS work: localhost variants and
// cloud metadata endpoints.
var blockedHostnames = map[string]bool{
	"localhost":                true,
	"localhost.localdomain":    true,
	"ip6-localhost":            true,
	"ip6-loopback":             true,
	"metadata":                 true,
	"metadata.google.internal": true,
	"instance-data":            true,
}

// blockedCIDRs cover loopback, RFC 1918, link-local, current-network and
// broadcast ranges plus their IPv6 equivalents.
var blockedCIDRs = []string{
	"127.0.0.0/8",        // loopback
	"10.0.0.0/8",         // private
	"172.16.0.0/12",      // private
	"192.168.0.0/16",     // private
	"169.254.0.0/16",     // link-local, includes 169.254.169.254
	"0.0.0.0/8",          // current network
	"255.255.255.255/32", // broadcast
	"::1/128",            // IPv6 loopback
	"fe80::/10",          // IPv6 link-local
	"fc00::/7",           // IPv6 unique-local, includes fd00:ec2::254
	"::/128",             // unspecified
}

// metadataIPs are blocked individually in case a future range edit uncovers
// them.
var metadataIPs = []string{
	"169.254.169.254",
	"fd00:ec2::254",
}

type ipResolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// SSRFGuard validates URLs before the fetcher touches the network. It is
// applied to the first request and re-applied after every redirect.
type SSRFGuard struct {
	resolver ipResolver
	blocked  []*net.IPNet
}

// NewSSRFGuard builds a guard using the system DNS resolver.
func NewSSRFGuard() *SSRFGuard {
	return newSSRFGuard(net.DefaultResolver)
}

func newSSRFGuard(resolver ipResolver) *SSRFGuard {
	g := &SSRFGuard{resolver: resolver}
	for _, cidr := range blockedCIDRs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		g.blocked = append(g.blocked, ipnet)
	}
	return g
}

// Validate checks a URL against the protocol allow-list, the hostname
// block-list, and the blocked IP ranges. Hostnames that are not IP literals
// are resolved, and every resolved address must be safe; resolving one
// blocked address rejects the URL. A DNS failure is not an SSRF verdict:
// the fetch itself will surface it as a network error.
func (g *SSRFGuard) Validate(ctx context.Context, rawURL string, allowedProtocols []string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &SSRFError{URL: rawURL, Reason: "unparseable URL"}
	}

	scheme := strings.ToLower(u.Scheme)
	if len(allowedProtocols) == 0 {
		allowedProtocols = []string{"http", "https"}
	}
	allowed := false
	for _, p := range allowedProtocols {
		if scheme == strings.ToLower(strings.TrimSuffix(p, "://")) {
			allowed = true
			break
		}
	}
	if !allowed {
		return &SSRFError{URL: rawURL, Reason: fmt.Sprintf("protocol %q not allowed", scheme)}
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return &SSRFError{URL: rawURL, Reason: "empty hostname"}
	}
	if blockedHostnames[host] {
		return &SSRFError{URL: rawURL, Reason: fmt.Sprintf("hostname %q is blocked", host)}
	}

	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		if reason := g.blockedIP(ip); reason != "" {
			return &SSRFError{URL: rawURL, Reason: reason}
		}
		return nil
	}

	addrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		if reason := g.blockedIP(addr.IP); reason != "" {
			return &SSRFError{URL: rawURL, Reason: fmt.Sprintf("%s resolves to %s (%s)", host, addr.IP, reason)}
		}
	}

	return nil
}

func (g *SSRFGuard) blockedIP(ip net.IP) string {
	for _, meta := range metadataIPs {
		if ip.Equal(net.ParseIP(meta)) {
			return "metadata service address"
		}
	}
	for _, ipnet := range g.blocked {
		if ipnet.Contains(ip) {
			return fmt.Sprintf("address %s in blocked range %s", ip, ipnet)
		}
	}
	return ""
}
