// Package httpclient configures the HTTP client the tools use to call the index API.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

const DefaultTimeout = 30 * time.Second

// NewOutbound creates a pooled client sized for many concurrent requests to
// one host. A zero timeout means DefaultTimeout.
func NewOutbound(timeout time.Duration, conns int) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if conns <= 0 {
		conns = 128
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          2 * conns,
		MaxIdleConnsPerHost:   conns,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
