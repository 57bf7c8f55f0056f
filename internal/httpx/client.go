// Package httpx builds per-proxy HTTP clients and the shared request
// plumbing used by the coordinator.
package httpx

import (
	"compress/gzip"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/Rorqualx/harvester/internal/types"
)

// Limits applied to every acquisition client.
const (
	DefaultTotalTimeout   = 30 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	maxResponseBody       = 10 * 1024 * 1024
)

// Config tunes client construction.
type Config struct {
	Timeout         time.Duration
	ConnectTimeout  time.Duration
	FollowRedirects bool
	MaxRedirects    int
	VerifyTLS       bool
}

// DefaultConfig returns the standard client settings.
func DefaultConfig() Config {
	return Config{
		Timeout:         DefaultTotalTimeout,
		ConnectTimeout:  DefaultConnectTimeout,
		FollowRedirects: true,
		MaxRedirects:    10,
		VerifyTLS:       true,
	}
}

// NewClient returns an HTTP client routed through proxyURL. Supported
// schemes: http, https, socks5. An empty proxyURL yields a direct client.
func NewClient(cfg Config, proxyURL string) (*http.Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTotalTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	if !cfg.VerifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %s: %w", Redact(proxyURL), err)
		}
		switch u.Scheme {
		case "http", "https":
			transport.Proxy = http.ProxyURL(u)
		case "socks5", "socks5h":
			auth := socksAuth(u)
			d, err := xproxy.SOCKS5("tcp", u.Host, auth, dialer)
			if err != nil {
				return nil, fmt.Errorf("socks5 dialer for %s: %w", Redact(proxyURL), err)
			}
			if cd, ok := d.(xproxy.ContextDialer); ok {
				transport.DialContext = cd.DialContext
			} else {
				transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
					return d.Dial(network, addr)
				}
			}
			transport.Proxy = nil
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
		}
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
	if !cfg.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if cfg.MaxRedirects > 0 {
		max := cfg.MaxRedirects
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= max {
				return fmt.Errorf("stopped after %d redirects", max)
			}
			return nil
		}
	}
	return client, nil
}

func socksAuth(u *url.URL) *xproxy.Auth {
	if u.User == nil {
		return nil
	}
	pass, _ := u.User.Password()
	return &xproxy.Auth{User: u.User.Username(), Password: pass}
}

// Response is the decoded outcome of one HTTP attempt.
type Response struct {
	Status   int
	Body     string
	Headers  map[string]string
	Cookies  map[string]string
	FinalURL string
	Duration time.Duration
}

// Do performs one request with the given client, UA and cookies, reading
// and decoding the body up to the size cap.
func Do(ctx context.Context, client *http.Client, method, rawURL, ua string, headers, cookies map[string]string, body io.Reader) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, &types.FetchError{Kind: types.KindUnknown, URL: rawURL, Message: "invalid request", Err: err}
	}

	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip")
	if ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	for name, value := range cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransportError(rawURL, err)
	}
	defer resp.Body.Close()

	reader := io.Reader(resp.Body)
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, &types.FetchError{Kind: types.KindNetwork, URL: rawURL, StatusCode: resp.StatusCode, Message: "bad gzip body", Err: err}
		}
		defer gz.Close()
		reader = gz
	}

	data, err := io.ReadAll(io.LimitReader(reader, maxResponseBody))
	if err != nil {
		return nil, classifyTransportError(rawURL, err)
	}

	out := &Response{
		Status:   resp.StatusCode,
		Body:     string(data),
		Headers:  make(map[string]string, len(resp.Header)),
		Cookies:  make(map[string]string),
		FinalURL: resp.Request.URL.String(),
		Duration: time.Since(start),
	}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	for _, c := range resp.Cookies() {
		out.Cookies[c.Name] = c.Value
	}
	return out, nil
}

// classifyTransportError maps transport failures onto the error taxonomy.
func classifyTransportError(rawURL string, err error) error {
	msg := err.Error()
	kind := types.KindNetwork
	switch {
	case strings.Contains(msg, "context deadline exceeded"),
		strings.Contains(msg, "Client.Timeout exceeded"),
		strings.Contains(msg, "i/o timeout"):
		kind = types.KindTimeout
	case strings.Contains(msg, "proxyconnect"),
		strings.Contains(msg, "socks connect"),
		strings.Contains(msg, "proxy authentication"):
		kind = types.KindProxyError
	case strings.Contains(msg, "context canceled"):
		return types.ErrContextCanceled
	}
	return &types.FetchError{Kind: kind, URL: rawURL, Message: "request failed", Err: err}
}

// KindForStatus maps an HTTP status onto the error taxonomy, or "" when
// the status is not an error.
func KindForStatus(status int) types.Kind {
	switch {
	case status == http.StatusNotFound:
		return types.KindNotFound
	case status == http.StatusTooManyRequests:
		return types.KindRateLimit
	case status == http.StatusUnauthorized:
		return types.KindAuthentication
	case status == http.StatusForbidden:
		return types.KindBlocked
	case status == http.StatusProxyAuthRequired:
		return types.KindProxyError
	case status >= 500:
		return types.KindHTTP5xx
	case status >= 400:
		return types.KindHTTP4xx
	default:
		return ""
	}
}
