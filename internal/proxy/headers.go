package proxy

import (
	"net/http"
	"strings"

	"github.com/valyala/fasthttp"
)

// Hop-by-hop and internal control headers never forwarded to a fallback
// upstream. Client credentials are included: fallbacks authenticate with
// their own configured key.
var inboundDrop = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"te":                true,
	"trailer":           true,
	"transfer-encoding": true,
	"upgrade":           true,
	"host":              true,
	"content-length":    true,
	"x-api-key":         true,
	"authorization":     true,
	"accept-encoding":   true,
}

// Headers stripped from an upstream response before it reaches the client.
var responseDrop = map[string]bool{
	"content-length":    true,
	"content-encoding":  true,
	"transfer-encoding": true,
	"connection":        true,
	"keep-alive":        true,
	"te":                true,
	"trailer":           true,
	"upgrade":           true,
	"host":              true,
}

// dropInbound reports whether an inbound header must not reach a fallback
// upstream. Comparison folds case; the x-ccf-* and x-ccfallback-* control
// prefixes are dropped wholesale.
func dropInbound(name string) bool {
	n := strings.ToLower(name)
	if inboundDrop[n] {
		return true
	}
	return strings.HasPrefix(n, "x-ccf-") || strings.HasPrefix(n, "x-ccfallback-")
}

// clientHeaders snapshots the inbound request headers into a net/http header
// map for the egress client.
func clientHeaders(req *fasthttp.Request) http.Header {
	h := make(http.Header)
	req.Header.VisitAll(func(key, value []byte) {
		h.Add(string(key), string(value))
	})
	return h
}

// sieveForUpstream returns a copy of h with the inbound drop list applied.
// When keepCredentials is set (the Anthropic primary), x-api-key and
// authorization survive so the client's own credential is used. The sieve is
// idempotent: applying it twice yields the same result.
func sieveForUpstream(h http.Header, keepCredentials bool) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		n := strings.ToLower(name)
		if keepCredentials && (n == "x-api-key" || n == "authorization") {
			out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
			continue
		}
		if dropInbound(name) {
			continue
		}
		out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	return out
}

// sieveForClient returns a copy of an upstream response header map with the
// hop-by-hop set removed. Idempotent.
func sieveForClient(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		if responseDrop[strings.ToLower(name)] {
			continue
		}
		out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	return out
}

// setCredential writes the provider credential under its configured header.
// An Authorization header carries "Bearer <key>" unless the stored key
// already has the prefix.
func setCredential(h http.Header, headerName, apiKey string) {
	value := apiKey
	if strings.EqualFold(headerName, "Authorization") && !strings.HasPrefix(apiKey, "Bearer ") {
		value = "Bearer " + apiKey
	}
	h.Set(headerName, value)
}

// writeResponseHeaders copies cleaned upstream headers onto the fasthttp
// response.
func writeResponseHeaders(ctx *fasthttp.RequestCtx, h http.Header) {
	for name, values := range sieveForClient(h) {
		for i, v := range values {
			if i == 0 {
				ctx.Response.Header.Set(name, v)
			} else {
				ctx.Response.Header.Add(name, v)
			}
		}
	}
}
