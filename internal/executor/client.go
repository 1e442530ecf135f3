// Package executor dispatches Gemini model calls through the Antigravity
// backend across multiple OAuth accounts.
package executor

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// NewHTTPClient creates an HTTP client with optional proxy configuration.
func NewHTTPClient(proxyURL string, timeout time.Duration) *http.Client {
	client := &http.Client{Transport: NewTransport(proxyURL)}
	if timeout > 0 {
		client.Timeout = timeout
	}
	return client
}

// NewTransport returns a transport routed through proxyURL, or a clone of the
// default transport when proxyURL is empty or unusable.
func NewTransport(proxyURL string) http.RoundTripper {
	if transport := buildProxyTransport(proxyURL); transport != nil {
		return transport
	}
	return http.DefaultTransport.(*http.Transport).Clone()
}

// buildProxyTransport clones the default transport and routes it through
// proxyURL. SOCKS5 proxies dial through x/net/proxy; HTTP(S) proxies use the
// transport's CONNECT support. Unusable URLs yield nil.
func buildProxyTransport(proxyURL string) *http.Transport {
	if proxyURL == "" {
		return nil
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil || parsed.Host == "" {
		log.Errorf("invalid proxy URL %q: %v", proxyURL, err)
		return nil
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	switch parsed.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsed)
	case "socks5", "socks5h":
		dialer, err := proxy.FromURL(parsed, proxy.Direct)
		if err != nil {
			log.Errorf("create SOCKS5 dialer for %s: %v", parsed.Host, err)
			return nil
		}
		transport.Proxy = nil
		transport.DialContext = contextDialer(dialer)
	default:
		log.Errorf("unsupported proxy scheme %q", parsed.Scheme)
		return nil
	}
	return transport
}

func contextDialer(d proxy.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext
	}
	return func(_ context.Context, network, addr string) (net.Conn, error) {
		return d.Dial(network, addr)
	}
}

// resolveHost extracts the host from a URL string.
func resolveHost(baseURL string) string {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	if parsed.Host != "" {
		return parsed.Host
	}
	return strings.TrimPrefix(strings.TrimPrefix(baseURL, "https://"), "http://")
}
