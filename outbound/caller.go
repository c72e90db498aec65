package outbound

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"vin/shared"
)

// Usage is the normalized token accounting of a provider response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the provider response normalized across provider shapes.
type Response struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	Usage Usage  `json:"usage"`
}

// UpstreamError carries a non-2xx provider status.
type UpstreamError struct {
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("outbound: upstream status %d", e.Status)
}

// ErrUpstreamTimeout reports that the provider call hit the overall deadline.
var ErrUpstreamTimeout = errors.New("outbound: upstream timeout")

// Message is one chat turn of the forwarded request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the provider call the pipeline hands to the caller.
type Request struct {
	ProviderURL string
	APIKey      string
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
	Headers     map[string]string
}

// Caller validates, pins, and issues provider requests.
type Caller struct {
	resolver *resolver
	client   *http.Client
	log      *shared.Logger
}

// NewCaller builds a caller whose transport dials pinned addresses only.
func NewCaller(log *shared.Logger) *Caller {
	if log == nil {
		log = shared.NewNopLogger()
	}
	c := &Caller{
		resolver: newResolver(log),
		log:      log,
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	c.client = &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			// The address to dial was pinned during validation and travels
			// in the context; TLS still verifies against the hostname.
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				if pinned, ok := pinnedAddrFrom(ctx); ok {
					_, port, err := net.SplitHostPort(addr)
					if err != nil {
						return nil, err
					}
					addr = net.JoinHostPort(pinned, port)
				}
				return dialer.DialContext(ctx, network, addr)
			},
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			MaxIdleConns:        16,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
	return c
}

type pinnedAddrKey struct{}

func withPinnedAddr(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, pinnedAddrKey{}, ip)
}

func pinnedAddrFrom(ctx context.Context) (string, bool) {
	ip, ok := ctx.Value(pinnedAddrKey{}).(string)
	return ip, ok
}

// SetLookup replaces the DNS lookup function. Intended for tests.
func (c *Caller) SetLookup(lookup func(ctx context.Context, host string) ([]net.IP, error)) {
	c.resolver.lookup = lookup
}

// Validate runs the pre-connect SSRF checks without issuing a request.
func (c *Caller) Validate(ctx context.Context, rawURL string) error {
	_, _, err := c.resolver.validateURL(ctx, rawURL)
	return err
}

// Call validates the provider URL, shapes the request for the detected
// provider, and issues it over the pinned connection. The response is
// normalized irrespective of provider.
func (c *Caller) Call(ctx context.Context, req *Request) (*Response, error) {
	host, pinned, err := c.resolver.validateURL(ctx, req.ProviderURL)
	if err != nil {
		return nil, err
	}

	provider := detectProvider(host)
	body, headers, err := provider.shape(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	ctx = withPinnedAddr(ctx, pinned)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.ProviderURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("outbound: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	applyClientHeaders(httpReq, req.Headers)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, ErrUpstreamTimeout
		}
		return nil, fmt.Errorf("outbound: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, ErrUpstreamTimeout
		}
		return nil, fmt.Errorf("outbound: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.WarnIf("upstream returned error status",
			zap.String("host", host), zap.Int("status", resp.StatusCode))
		return nil, &UpstreamError{Status: resp.StatusCode}
	}

	normalized, err := provider.parse(raw)
	if err != nil {
		return nil, fmt.Errorf("outbound: parse response: %w", err)
	}
	return normalized, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr) && urlErr.Timeout()
}

// hopByHopHeaders (plus Host) are never forwarded from client-supplied
// headers.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"host":                true,
	"content-length":      true,
}

func applyClientHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		if hopByHopHeaders[strings.ToLower(k)] {
			continue
		}
		req.Header.Set(k, v)
	}
}
