// Package httpclient configures the HTTP client used to reach the object store.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// NewOutbound returns the client used by the object proxy. There is no
// overall timeout because proxied bodies can be large; only connection setup
// and response headers are bounded.
func NewOutbound() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// Object bytes are passed through untouched.
		DisableCompression: true,
	}
	return &http.Client{Transport: transport}
}
