package crawler

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubResolver returns canned answers per host.
type stubResolver struct {
	answers map[string][]string
	err     error
}

func (r *stubResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	if r.err != nil {
		return nil, r.err
	}
	ips, ok := r.answers[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	var addrs []net.IPAddr
	for _, s := range ips {
		addrs = append(addrs, net.IPAddr{IP: net.ParseIP(s)})
	}
	return addrs, nil
}

func TestSSRFGuardProtocols(t *testing.T) {
	guard := newSSRFGuard(&stubResolver{answers: map[string][]string{
		"example.com": {"93.184.216.34"},
	}})
	ctx := context.Background()

	assert.NoError(t, guard.Validate(ctx, "https://example.com/", nil))
	assert.NoError(t, guard.Validate(ctx, "http://example.com/", []string{"http", "https"}))

	err := guard.Validate(ctx, "ftp://example.com/file", nil)
	require.Error(t, err)
	var ssrfErr *SSRFError
	require.ErrorAs(t, err, &ssrfErr)
	assert.Contains(t, ssrfErr.Reason, "protocol")

	err = guard.Validate(ctx, "file:///etc/passwd", []string{"http", "https"})
	assert.Error(t, err)
}

func TestSSRFGuardBlockedHostnames(t *testing.T) {
	guard := newSSRFGuard(&stubResolver{})
	ctx := context.Background()

	for _, u := range []string{
		"http://localhost/admin",
		"http://LOCALHOST:8080/",
		"http://metadata.google.internal/computeMetadata/v1/",
		"http://instance-data/latest/meta-data/",
	} {
		assert.Error(t, guard.Validate(ctx, u, nil), u)
	}
}

func TestSSRFGuardLiteralIPs(t *testing.T) {
	guard := newSSRFGuard(&stubResolver{})
	ctx := context.Background()

	blocked := []string{
		"http://127.0.0.1/",
		"http://127.8.8.8/",
		"http://10.0.0.5/",
		"http://172.16.0.1/",
		"http://172.31.255.255/",
		"http://192.168.1.1/",
		"http://169.254.169.254/latest/meta-data/",
		"http://0.0.0.0/",
		"http://255.255.255.255/",
		"http://[::1]/",
		"http://[fe80::1]/",
		"http://[fd00:ec2::254]/",
	}
	for _, u := range blocked {
		assert.Error(t, guard.Validate(ctx, u, nil), u)
	}

	safe := []string{
		"http://93.184.216.34/",
		"http://172.32.0.1/", // just past 172.16/12
		"http://8.8.8.8/",
	}
	for _, u := range safe {
		assert.NoError(t, guard.Validate(ctx, u, nil), u)
	}
}

func TestSSRFGuardDNSRebinding(t *testing.T) {
	guard := newSSRFGuard(&stubResolver{answers: map[string][]string{
		"internal.test": {"10.0.0.5"},
		"mixed.test":    {"93.184.216.34", "127.0.0.1"},
		"public.test":   {"93.184.216.34"},
	}})
	ctx := context.Background()

	err := guard.Validate(ctx, "http://internal.test/", nil)
	require.Error(t, err)
	var ssrfErr *SSRFError
	require.ErrorAs(t, err, &ssrfErr)
	assert.Contains(t, ssrfErr.Reason, "10.0.0.5")

	// One blocked answer among several rejects the URL.
	assert.Error(t, guard.Validate(ctx, "http://mixed.test/", nil))

	assert.NoError(t, guard.Validate(ctx, "http://public.test/", nil))
}

func TestSSRFGuardResolutionFailureIsNotBlocked(t *testing.T) {
	guard := newSSRFGuard(&stubResolver{err: errors.New("dns timeout")})
	assert.NoError(t, guard.Validate(context.Background(), "http://unresolvable.test/", nil))
}
