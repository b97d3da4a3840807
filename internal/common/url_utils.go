package common

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidateSeedURL parses and normalizes a seed URL for job submission.
// The URL must be absolute with an http or https scheme and a hostname.
// Scheme and host are lowercased and an empty path becomes "/" so the
// same seed always produces the same job regardless of how it was typed.
func ValidateSeedURL(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", fmt.Errorf("seed URL is required")
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid seed URL: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("seed URL must use http or https, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("seed URL must include a hostname")
	}

	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	if u.Path == "" {
		u.Path = "/"
	}
	u.Fragment = ""

	return u.String(), nil
}

// SeedHost returns the hostname of a seed URL. Used as the default job name
// when the submitter does not provide one. Returns an empty string when the
// URL cannot be parsed.
func SeedHost(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
