// Package httputil provides the shared HTTP plumbing for the gateway's
// outbound calls: upstream LLM providers, embedding services, and the
// persistence sink. All callers share one pooled transport so connection
// reuse works across the whole process.
package httputil

import (
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// MaxResponseSize bounds how much of an upstream response body is read.
// Provider completions are at most a few hundred KB; anything near this
// limit is malformed or hostile.
const MaxResponseSize = 10 * 1024 * 1024 // 10MB

// sharedTransport is the single pooled transport behind every client tier.
// Safe for concurrent use.
var sharedTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	ForceAttemptHTTP2:     true,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

// TimeoutTier selects an overall request deadline for a class of call.
type TimeoutTier int

const (
	// TierFast for health probes and embedding lookups (5s).
	TierFast TimeoutTier = iota
	// TierMedium for provider chat completions (30s).
	TierMedium
	// TierSlow for long generations and batch jobs (60s).
	TierSlow
)

func tierTimeout(tier TimeoutTier) time.Duration {
	switch tier {
	case TierFast:
		return 5 * time.Second
	case TierSlow:
		return 60 * time.Second
	default:
		return 30 * time.Second
	}
}

// Singleton clients per tier, all backed by sharedTransport.
var (
	clientFast   *http.Client
	clientMedium *http.Client
	clientSlow   *http.Client
	clientOnce   sync.Once
)

func initClients() {
	clientFast = &http.Client{Timeout: tierTimeout(TierFast), Transport: sharedTransport}
	clientMedium = &http.Client{Timeout: tierTimeout(TierMedium), Transport: sharedTransport}
	clientSlow = &http.Client{Timeout: tierTimeout(TierSlow), Transport: sharedTransport}
}

// Client returns the shared HTTP client for a timeout tier. Use these
// instead of constructing http.Client values per request, otherwise every
// call pays a fresh TCP+TLS handshake.
//
//	client := httputil.Client(httputil.TierMedium)
//	resp, err := client.Do(req)
func Client(tier TimeoutTier) *http.Client {
	clientOnce.Do(initClients)
	switch tier {
	case TierFast:
		return clientFast
	case TierSlow:
		return clientSlow
	default:
		return clientMedium
	}
}

// FastClient returns the 5s-timeout client (health probes, embeddings).
func FastClient() *http.Client {
	return Client(TierFast)
}

// MediumClient returns the 30s-timeout client (provider completions).
func MediumClient() *http.Client {
	return Client(TierMedium)
}

// SlowClient returns the 60s-timeout client (long generations).
func SlowClient() *http.Client {
	return Client(TierSlow)
}

// ReadResponseBody reads a response body with a hard size cap so a
// misbehaving upstream cannot exhaust memory.
//
//	body, err := httputil.ReadResponseBody(resp.Body, httputil.MaxResponseSize)
func ReadResponseBody(r io.Reader, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = MaxResponseSize
	}
	return io.ReadAll(io.LimitReader(r, maxSize))
}

// ReadErrorBody reads an error response body capped at 1MB. Error payloads
// past that are truncated rather than rejected so the status text survives.
func ReadErrorBody(r io.Reader) ([]byte, error) {
	const maxErrorSize = 1 * 1024 * 1024
	return io.ReadAll(io.LimitReader(r, maxErrorSize))
}

// DrainAndClose drains and closes a response body so the underlying
// connection returns to the pool instead of being torn down.
func DrainAndClose(body io.ReadCloser) {
	if body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(body, MaxResponseSize))
		_ = body.Close()
	}
}
