package util

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// NewProxyFunc creates a proxy function based on configuration.
// If no proxy URLs are provided, falls back to environment variables.
func NewProxyFunc(httpProxy, httpsProxy string) func(*http.Request) (*url.URL, error) {
	if httpProxy == "" && httpsProxy == "" {
		return http.ProxyFromEnvironment
	}

	return func(req *http.Request) (*url.URL, error) {
		if req.URL.Scheme == "https" && httpsProxy != "" {
			return url.Parse(httpsProxy)
		}
		if httpProxy != "" {
			return url.Parse(httpProxy)
		}
		return http.ProxyFromEnvironment(req)
	}
}

// DialFunc opens a TCP connection, the shape the FTP client accepts
type DialFunc func(network, address string) (net.Conn, error)

// NewDialFunc routes raw TCP connections through the SOCKS5 proxy at
// socksURL. Without a URL, ALL_PROXY and NO_PROXY from the environment
// decide, and connections go direct when they are unset.
func NewDialFunc(socksURL string, timeout time.Duration) (DialFunc, error) {
	forward := &net.Dialer{Timeout: timeout}
	if socksURL == "" {
		return proxy.FromEnvironmentUsing(forward).Dial, nil
	}

	u, err := url.Parse(socksURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	dialer, err := proxy.FromURL(u, forward)
	if err != nil {
		return nil, fmt.Errorf("proxy dialer: %w", err)
	}
	return dialer.Dial, nil
}
