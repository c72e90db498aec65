package outbound

import (
	"context"
	"errors"
	"net"
	"testing"

	"vin/shared"
)

func TestAddressBlocked(t *testing.T) {
	blocked := []string{
		"10.1.2.3",
		"127.0.0.1",
		"172.16.0.1",
		"172.31.255.255",
		"192.168.1.1",
		"169.254.169.254",
		"0.0.0.0",
		"100.64.0.1",
		"::1",
		"::",
		"fe80::1",
		"fc00::1",
		"fd12:3456::1",
		"::ffff:127.0.0.1",
		"::ffff:169.254.169.254",
		"::ffff:10.0.0.1",
	}
	for _, addr := range blocked {
		if !addressBlocked(net.ParseIP(addr)) {
			t.Errorf("%s not blocked", addr)
		}
	}

	allowed := []string{
		"1.2.3.4",
		"8.8.8.8",
		"172.32.0.1",
		"100.128.0.1",
		"2606:4700::1111",
		"::ffff:1.2.3.4",
	}
	for _, addr := range allowed {
		if addressBlocked(net.ParseIP(addr)) {
			t.Errorf("%s wrongly blocked", addr)
		}
	}
}

func testCaller(ips map[string][]net.IP) *Caller {
	c := NewCaller(shared.NewNopLogger())
	c.SetLookup(func(ctx context.Context, host string) ([]net.IP, error) {
		if addrs, ok := ips[host]; ok {
			return addrs, nil
		}
		return nil, errors.New("no such host")
	})
	return c
}

func TestValidateRejectsScheme(t *testing.T) {
	c := testCaller(nil)
	if err := c.Validate(context.Background(), "http://api.openai.com/v1"); !errors.Is(err, ErrSchemeNotHTTPS) {
		t.Errorf("err = %v, want scheme rejection", err)
	}
}

func TestValidateRejectsOffAllowlistHost(t *testing.T) {
	c := testCaller(nil)
	cases := []string{
		"https://evil.example.com/v1",
		"https://openai.com.evil.example/v1",
		// Userinfo trick: the parsed host is 127.0.0.1, not api.openai.com.
		"https://api.openai.com@127.0.0.1/",
	}
	for _, u := range cases {
		err := c.Validate(context.Background(), u)
		if !errors.Is(err, ErrHostNotAllowed) && !errors.Is(err, ErrBlockedAddress) {
			t.Errorf("%s: err = %v, want allowlist/blocked rejection", u, err)
		}
	}
}

func TestValidateRejectsBlockedResolution(t *testing.T) {
	c := testCaller(map[string][]net.IP{
		"api.openai.com": {net.ParseIP("127.0.0.1")},
	})
	err := c.Validate(context.Background(), "https://api.openai.com/v1/chat/completions")
	if !errors.Is(err, ErrBlockedAddress) {
		t.Errorf("err = %v, want blocked address", err)
	}
}

func TestValidateRejectsPartiallyPoisonedResolution(t *testing.T) {
	c := testCaller(map[string][]net.IP{
		"api.openai.com": {net.ParseIP("1.2.3.4"), net.ParseIP("169.254.169.254")},
	})
	err := c.Validate(context.Background(), "https://api.openai.com/v1")
	if !errors.Is(err, ErrBlockedAddress) {
		t.Errorf("err = %v, want blocked address", err)
	}
}

func TestDNSPinSurvivesRebind(t *testing.T) {
	lookups := 0
	c := NewCaller(shared.NewNopLogger())
	c.SetLookup(func(ctx context.Context, host string) ([]net.IP, error) {
		lookups++
		if lookups == 1 {
			return []net.IP{net.ParseIP("1.2.3.4")}, nil
		}
		// Attacker flips DNS after the first resolution.
		return []net.IP{net.ParseIP("127.0.0.1")}, nil
	})

	_, pinned, err := c.resolver.validateURL(context.Background(), "https://api.openai.com/v1")
	if err != nil {
		t.Fatalf("first validate failed: %v", err)
	}
	if pinned != "1.2.3.4" {
		t.Fatalf("pinned = %s", pinned)
	}

	_, pinned2, err := c.resolver.validateURL(context.Background(), "https://api.openai.com/v1")
	if err != nil {
		t.Fatalf("second validate failed: %v", err)
	}
	if pinned2 != "1.2.3.4" {
		t.Errorf("second call used %s, want the pinned 1.2.3.4", pinned2)
	}
	if lookups != 1 {
		t.Errorf("lookups = %d, want 1 (pin hit)", lookups)
	}
}

func TestValidateResolutionFailure(t *testing.T) {
	c := testCaller(map[string][]net.IP{})
	err := c.Validate(context.Background(), "https://api.anthropic.com/v1/messages")
	if !errors.Is(err, ErrResolutionFailed) {
		t.Errorf("err = %v, want resolution failure", err)
	}
}

func TestAllowlistCoversSpecHosts(t *testing.T) {
	for _, host := range []string{
		"api.openai.com", "api.anthropic.com", "api.together.xyz",
		"api.groq.com", "generativelanguage.googleapis.com", "api.mistral.ai",
		"api.perplexity.ai", "api.deepseek.com", "openrouter.ai",
	} {
		if !allowedHosts[host] {
			t.Errorf("%s missing from allowlist", host)
		}
	}
	if len(allowedHosts) != 9 {
		t.Errorf("allowlist has %d hosts, want 9", len(allowedHosts))
	}
}
