// Package outbound issues the proxied provider call. Every URL goes through
// scheme and allowlist checks, pinned DNS resolution, and private-range
// blocking before a single byte leaves the node; the connection then dials
// the pinned address so a DNS flip between check and connect cannot redirect
// the request.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"go.uber.org/zap"

	"vin/cache"
	"vin/shared"
)

const (
	dnsPinTTL      = 60 * time.Second
	dnsTimeout     = 5 * time.Second
	requestTimeout = 120 * time.Second
)

// allowedHosts is the fixed provider allowlist. Mutable only by source change.
var allowedHosts = map[string]bool{
	"api.openai.com":                    true,
	"api.anthropic.com":                 true,
	"api.together.xyz":                  true,
	"api.groq.com":                      true,
	"generativelanguage.googleapis.com": true,
	"api.mistral.ai":                    true,
	"api.perplexity.ai":                 true,
	"api.deepseek.com":                  true,
	"openrouter.ai":                     true,
}

// AllowedHosts returns a copy of the provider allowlist.
func AllowedHosts() []string {
	hosts := make([]string, 0, len(allowedHosts))
	for h := range allowedHosts {
		hosts = append(hosts, h)
	}
	return hosts
}

var (
	ErrSchemeNotHTTPS   = errors.New("outbound: scheme is not https")
	ErrHostNotAllowed   = errors.New("outbound: host not in allowlist")
	ErrBlockedAddress   = errors.New("outbound: resolved address is blocked")
	ErrResolutionFailed = errors.New("outbound: dns resolution failed")
)

// blockedV4 enumerates the IPv4 ranges the node refuses to contact.
var blockedV4 = mustCIDRs(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
)

// blockedV6 enumerates the IPv6 ranges the node refuses to contact.
// IPv4-mapped addresses are unwrapped and checked against blockedV4 instead.
var blockedV6 = mustCIDRs(
	"::/128",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

func mustCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, len(cidrs))
	for i, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets[i] = n
	}
	return nets
}

// addressBlocked reports whether ip falls inside any blocked range.
// IPv4-mapped IPv6 addresses are unwrapped so ::ffff:127.0.0.1 is caught by
// the IPv4 loopback rule.
func addressBlocked(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		for _, n := range blockedV4 {
			if n.Contains(v4) {
				return true
			}
		}
		return false
	}
	for _, n := range blockedV6 {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// resolver pins resolved addresses for dnsPinTTL so the checked address is
// the dialed address.
type resolver struct {
	pins   *cache.TTLCache[string, string]
	lookup func(ctx context.Context, host string) ([]net.IP, error)
	log    *shared.Logger
}

func newResolver(log *shared.Logger) *resolver {
	return &resolver{
		pins: cache.New[string, string](256, dnsPinTTL),
		lookup: func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, len(addrs))
			for i, a := range addrs {
				ips[i] = a.IP
			}
			return ips, nil
		},
		log: log,
	}
}

// pin returns the pinned address for host, resolving and validating it on a
// cache miss. The returned string is a literal IP.
func (r *resolver) pin(ctx context.Context, host string) (string, error) {
	if pinned, ok := r.pins.Get(host); ok {
		return pinned, nil
	}

	ctx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	ips, err := r.lookup(ctx, host)
	if err != nil || len(ips) == 0 {
		return "", fmt.Errorf("%w: %s", ErrResolutionFailed, host)
	}

	// Every returned address must be clean; one poisoned record fails the
	// whole resolution.
	for _, ip := range ips {
		if addressBlocked(ip) {
			r.log.Security("blocked outbound address",
				zap.String("host", host), zap.String("ip", ip.String()))
			return "", fmt.Errorf("%w: %s -> %s", ErrBlockedAddress, host, ip)
		}
	}

	pinned := ips[0].String()
	r.pins.Set(host, pinned)
	return pinned, nil
}

// validateURL runs the pre-connect checks: https-only, exact-host allowlist,
// pinned resolution, range blocking. It returns the hostname and the pinned
// IP to dial.
func (r *resolver) validateURL(ctx context.Context, rawURL string) (host, pinned string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("outbound: parse url: %w", err)
	}
	if u.Scheme != "https" {
		return "", "", ErrSchemeNotHTTPS
	}
	host = u.Hostname()
	if !allowedHosts[host] {
		r.log.Security("host not in allowlist", zap.String("host", host))
		return "", "", fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
	}

	// A literal IP in the allowlist position can never appear (the list is
	// hostnames), but a parsed IP still goes through the block check.
	if ip := net.ParseIP(host); ip != nil {
		if addressBlocked(ip) {
			return "", "", fmt.Errorf("%w: %s", ErrBlockedAddress, host)
		}
		return host, ip.String(), nil
	}

	pinned, err = r.pin(ctx, host)
	if err != nil {
		return "", "", err
	}
	return host, pinned, nil
}
