// Package tlsutil centralizes the TLS posture for FlowSmith's outbound
// HTTP traffic: REST tool calls, browser tool calls, and OpenAPI document
// fetches all share the same hardened client.
// 安全基线：TLS 1.2 起步，密码套件仅保留 AEAD。
package tlsutil

import (
	"crypto/tls"
	"net/http"
	"time"
)

// aeadSuites are the TLS 1.2 cipher suites FlowSmith will negotiate.
// TLS 1.3 suites are chosen by crypto/tls itself and are AEAD-only.
var aeadSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
}

// DefaultTLSConfig returns the hardened client TLS configuration:
// TLS 1.2 minimum, AEAD cipher suites only.
func DefaultTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: aeadSuites,
	}
}

// SecureTransport clones the standard library's default transport and
// swaps in the hardened TLS configuration, keeping the default dialer,
// pool sizes, proxy handling, and HTTP/2 support.
func SecureTransport() *http.Transport {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = DefaultTLSConfig()
	return tr
}

// SecureHTTPClient returns an http.Client over SecureTransport.
// A zero timeout leaves deadlines to each request's context.
func SecureHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: SecureTransport(),
	}
}
