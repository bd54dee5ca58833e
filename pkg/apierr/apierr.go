// Package apierr provides structured API error types and HTTP status mapping
// compatible with the Anthropic Messages error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeAuthenticationErr = "authentication_error"
	TypeProxyError        = "proxy_error"
	TypeFallbackExhausted = "fallback_exhausted"
	TypeInvalidRequest    = "invalid_request_error"
	TypeServerError       = "server_error"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, errType, message string) {
	ctx.ResetBody()
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Type:    errType,
		Message: message,
	}})
	ctx.SetBody(body)
}

// WriteUnauthorized writes a 401 authentication error.
func WriteUnauthorized(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusUnauthorized, TypeAuthenticationErr, message)
}

// WriteExhausted writes a 502 fallback_exhausted error. Used when every
// provider in the chain failed and no upstream error body was captured.
func WriteExhausted(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadGateway, TypeFallbackExhausted, message)
}

// WriteProxyError writes a 502 proxy_error. Used for proxy-originated
// failures that are not attributable to any upstream.
func WriteProxyError(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadGateway, TypeProxyError, message)
}

// Body returns the serialized Anthropic error envelope without writing it,
// for callers that assemble the response themselves.
func Body(errType, message string) []byte {
	body, _ := json.Marshal(envelope{Error: APIError{
		Type:    errType,
		Message: message,
	}})
	return body
}
