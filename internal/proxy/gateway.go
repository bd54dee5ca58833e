// Package proxy implements the Anthropic Messages reverse proxy: ingress
// auth, the primary→fallback routing engine, provider attempts with
// transport retries and the error-driven rectifier, and response streaming.
package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/valyala/fasthttp"

	"github.com/broven/claude-code-fallback-sub000/internal/breaker"
	"github.com/broven/claude-code-fallback-sub000/internal/bridge"
	"github.com/broven/claude-code-fallback-sub000/internal/logger"
	"github.com/broven/claude-code-fallback-sub000/internal/metrics"
	"github.com/broven/claude-code-fallback-sub000/internal/rectify"
	"github.com/broven/claude-code-fallback-sub000/internal/settings"
	"github.com/broven/claude-code-fallback-sub000/pkg/apierr"
)

const (
	// PrimaryName is the breaker state key for the Anthropic primary.
	PrimaryName = "anthropic-primary"

	// DefaultPrimaryURL is the unconditional first upstream target.
	DefaultPrimaryURL = "https://api.anthropic.com/v1/messages"

	headerIngressToken = "x-ccf-api-key"
	headerDebugSkip    = "x-ccf-debug-skip-anthropic"
	headerDebugSkipOld = "x-ccfallback-debug-skip-anthropic"
)

// Gateway is the routing engine. It is stateless between requests: the
// provider chain and all switches are re-read from the store per request so
// admin changes apply immediately.
type Gateway struct {
	loader  *settings.Loader
	breaker *breaker.Breaker
	metrics *metrics.Registry
	log     *slog.Logger
	reqlog  *logger.Logger
	client  *http.Client

	primaryURL  string
	corsOrigins []string
}

// Options configures a Gateway. Loader and Breaker are required; the rest
// default sensibly.
type Options struct {
	Loader  *settings.Loader
	Breaker *breaker.Breaker
	Metrics *metrics.Registry
	Log     *slog.Logger

	// Reqlog receives per-request summary entries. Nil disables it.
	Reqlog *logger.Logger

	// PrimaryURL overrides the Anthropic endpoint (tests).
	PrimaryURL string

	// Client overrides the egress HTTP client. Per-attempt timeouts are
	// handled by the dispatcher, so the client itself carries none.
	Client *http.Client

	CORSOrigins []string
}

func New(opts Options) *Gateway {
	g := &Gateway{
		loader:      opts.Loader,
		breaker:     opts.Breaker,
		metrics:     opts.Metrics,
		log:         opts.Log,
		reqlog:      opts.Reqlog,
		client:      opts.Client,
		primaryURL:  opts.PrimaryURL,
		corsOrigins: opts.CORSOrigins,
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	if g.metrics == nil {
		g.metrics = metrics.New()
	}
	if g.client == nil {
		g.client = &http.Client{}
	}
	if g.primaryURL == "" {
		g.primaryURL = DefaultPrimaryURL
	}
	return g
}

// bufferedResponse captures an upstream failure so the exhaustion policy can
// return the last upstream error verbatim.
type bufferedResponse struct {
	status int
	header http.Header
	body   []byte
}

func capture(resp *http.Response) *bufferedResponse {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	return &bufferedResponse{status: resp.StatusCode, header: resp.Header, body: body}
}

// handleMessages is POST /v1/messages.
func (g *Gateway) handleMessages(fctx *fasthttp.RequestCtx) {
	cfg := g.loader.Load(fctx)

	if !cfg.TokenAllowed(string(fctx.Request.Header.Peek(headerIngressToken))) {
		apierr.WriteUnauthorized(fctx, "invalid or missing "+headerIngressToken)
		return
	}

	rawBody := append([]byte(nil), fctx.PostBody()...)
	var body map[string]any
	if err := json.Unmarshal(rawBody, &body); err != nil {
		apierr.Write(fctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, "request body must be a JSON object")
		return
	}
	stream, _ := body["stream"].(bool)
	model, _ := body["model"].(string)
	clientH := clientHeaders(&fctx.Request)

	fctx.SetUserValue("model", model)
	fctx.SetUserValue("stream", stream)

	skipPrimary := cfg.AnthropicPrimaryDisabled || g.debugSkipRequested(fctx)

	var last *bufferedResponse
	lastName := PrimaryName
	attempts := 0

	// ── primary ──

	if !skipPrimary {
		if !g.breaker.IsAvailable(fctx, PrimaryName) {
			g.metrics.SetBreakerOpen(PrimaryName, true)
			g.log.InfoContext(fctx, "primary_cooldown_skip")
		} else {
			g.metrics.SetBreakerOpen(PrimaryName, false)
			attempts++
			fctx.SetUserValue("attempts", attempts)
			done := g.attemptPrimary(fctx, cfg, rawBody, clientH, stream, &last)
			if done {
				return
			}
		}
	}

	// ── fallback chain ──

	var cooledDown []string
	attempted := false

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.Disabled {
			continue
		}
		if !g.breaker.IsAvailable(fctx, p.Name) {
			g.metrics.SetBreakerOpen(p.Name, true)
			g.log.InfoContext(fctx, "provider_cooldown_skip", slog.String("provider", p.Name))
			cooledDown = append(cooledDown, p.Name)
			continue
		}
		g.metrics.SetBreakerOpen(p.Name, false)

		g.metrics.RecordFailover(lastName, p.Name)
		attempted = true
		attempts++
		fctx.SetUserValue("attempts", attempts)
		if g.attemptProvider(fctx, cfg, p, body, clientH, stream, model, &last) {
			return
		}
		lastName = p.Name
	}

	// Safety valve: when every eligible provider is cooling down, try the one
	// whose cooldown expires soonest rather than failing outright.
	if !attempted && len(cooledDown) > 0 {
		name := g.breaker.LeastRecentlyFailed(fctx, cooledDown)
		if p := findProvider(cfg.Providers, name); p != nil {
			g.log.WarnContext(fctx, "safety_valve_attempt", slog.String("provider", p.Name))
			g.metrics.RecordFailover(lastName, p.Name)
			attempted = true
			attempts++
			fctx.SetUserValue("attempts", attempts)
			if g.attemptProvider(fctx, cfg, p, body, clientH, stream, model, &last) {
				return
			}
		}
	}

	// ── exhaustion ──

	g.metrics.RecordFailoverExhausted()

	if last != nil {
		g.log.ErrorContext(fctx, "fallback_exhausted", slog.Int("last_status", last.status))
		g.respondBuffered(fctx, last)
		return
	}
	if skipPrimary && !attempted {
		apierr.WriteProxyError(fctx, "no fallback providers configured")
		return
	}
	apierr.WriteExhausted(fctx, "all upstream providers failed")
}

// attemptPrimary runs the primary attempt. Returns true when a response was
// written to the client (success or client-fatal error).
func (g *Gateway) attemptPrimary(fctx *fasthttp.RequestCtx, cfg *settings.AppConfig, rawBody []byte, clientH http.Header, stream bool, last **bufferedResponse) bool {
	resp, err := g.tryPrimary(fctx, rawBody, clientH)
	if err != nil {
		g.breaker.MarkFailed(fctx, PrimaryName, cfg.MaxCooldownSec)
		g.log.WarnContext(fctx, "primary_network_error", slog.Any("error", err))
		return false
	}

	switch {
	case resp.StatusCode < 300:
		g.breaker.MarkSuccess(fctx, PrimaryName)
		fctx.SetUserValue("upstream_provider", PrimaryName)
		g.respondUpstream(fctx, resp, stream, false, "")
		return true

	case resp.StatusCode == fasthttp.StatusUnauthorized || resp.StatusCode == fasthttp.StatusForbidden:
		// The client's own Anthropic credential was rejected; a fallback will
		// silently succeed with a different key, so leave an audit trail.
		g.log.WarnContext(fctx, "primary_auth_rejected_failing_over",
			slog.Int("status", resp.StatusCode))
		g.breaker.MarkFailed(fctx, PrimaryName, cfg.MaxCooldownSec)
		*last = capture(resp)
		return false

	case resp.StatusCode == fasthttp.StatusTooManyRequests || resp.StatusCode >= 500:
		g.log.WarnContext(fctx, "primary_failed", slog.Int("status", resp.StatusCode))
		g.breaker.MarkFailed(fctx, PrimaryName, cfg.MaxCooldownSec)
		*last = capture(resp)
		return false

	default:
		// Remaining 4xx are the client's problem; forward verbatim without
		// burning breaker budget or trying fallbacks.
		g.log.InfoContext(fctx, "primary_client_error", slog.Int("status", resp.StatusCode))
		g.respondBuffered(fctx, capture(resp))
		return true
	}
}

// attemptProvider runs one fallback attempt. Returns true when a response
// was written to the client.
func (g *Gateway) attemptProvider(fctx *fasthttp.RequestCtx, cfg *settings.AppConfig, p *settings.ProviderConfig, body map[string]any, clientH http.Header, stream bool, model string, last **bufferedResponse) bool {
	tried := map[rectify.Rule]bool{}
	resp, err := g.tryProvider(fctx, p, body, clientH, cfg, tried)
	if err != nil {
		g.breaker.MarkFailed(fctx, p.Name, cfg.MaxCooldownSec)
		g.metrics.ObserveUpstreamAttempt(p.Name, "network_error", 0)
		g.log.WarnContext(fctx, "provider_network_error",
			slog.String("provider", p.Name), slog.Any("error", err))
		return false
	}

	if resp.StatusCode < 300 {
		g.breaker.MarkSuccess(fctx, p.Name)
		g.metrics.ObserveUpstreamAttempt(p.Name, "success", 0)
		g.log.InfoContext(fctx, "provider_success", slog.String("provider", p.Name))
		fctx.SetUserValue("upstream_provider", p.Name)
		g.respondUpstream(fctx, resp, stream, p.EffectiveFormat() == settings.FormatOpenAI, model)
		return true
	}

	g.breaker.MarkFailed(fctx, p.Name, cfg.MaxCooldownSec)
	g.metrics.ObserveUpstreamAttempt(p.Name, "upstream_error", 0)
	g.log.WarnContext(fctx, "provider_failed",
		slog.String("provider", p.Name), slog.Int("status", resp.StatusCode))
	*last = capture(resp)
	return false
}

// respondUpstream writes a successful upstream response to the client,
// translating OpenAI bodies and piping streams without materialization.
func (g *Gateway) respondUpstream(fctx *fasthttp.RequestCtx, resp *http.Response, stream, translate bool, model string) {
	fctx.SetStatusCode(resp.StatusCode)
	writeResponseHeaders(fctx, resp.Header)

	if stream {
		body := resp.Body
		if translate {
			fctx.Response.Header.Set("Content-Type", "text/event-stream")
			fctx.Response.Header.Set("Cache-Control", "no-cache")
			tr := bridge.NewStreamTranslator(model)
			fctx.SetBodyStreamWriter(func(w *bufio.Writer) {
				defer body.Close()
				if err := tr.Run(w, body); err != nil {
					g.log.Warn("stream_translate_error", slog.Any("error", err))
				}
			})
			return
		}
		fctx.SetBodyStreamWriter(func(w *bufio.Writer) {
			defer body.Close()
			pipeStream(w, body)
		})
		return
	}

	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		apierr.WriteProxyError(fctx, "failed to read upstream response")
		return
	}

	if translate {
		var oa map[string]any
		if err := json.Unmarshal(data, &oa); err == nil {
			data, _ = json.Marshal(bridge.OpenAIToAnthropicResponse(oa))
			fctx.Response.Header.Set("Content-Type", "application/json")
		}
	}
	fctx.SetBody(data)
}

// respondBuffered replays a captured upstream response verbatim apart from
// header cleaning.
func (g *Gateway) respondBuffered(fctx *fasthttp.RequestCtx, b *bufferedResponse) {
	fctx.SetStatusCode(b.status)
	writeResponseHeaders(fctx, b.header)
	fctx.SetBody(b.body)
}

// pipeStream forwards upstream bytes chunk by chunk, flushing after every
// read so SSE deltas reach the client promptly.
func pipeStream(w *bufio.Writer, r io.Reader) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if _, werr := w.Write(chunk[:n]); werr != nil {
				return
			}
			if werr := w.Flush(); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (g *Gateway) debugSkipRequested(fctx *fasthttp.RequestCtx) bool {
	return string(fctx.Request.Header.Peek(headerDebugSkip)) == "1" ||
		string(fctx.Request.Header.Peek(headerDebugSkipOld)) == "1"
}

func findProvider(providers []settings.ProviderConfig, name string) *settings.ProviderConfig {
	for i := range providers {
		if providers[i].Name == name && !providers[i].Disabled {
			return &providers[i]
		}
	}
	return nil
}

// handleRoot is GET / — a plain-text liveness line with the fallback count.
func (g *Gateway) handleRoot(fctx *fasthttp.RequestCtx) {
	cfg := g.loader.Load(fctx)
	n := 0
	for _, p := range cfg.Providers {
		if !p.Disabled {
			n++
		}
	}
	fctx.SetContentType("text/plain; charset=utf-8")
	fmt.Fprintf(fctx, "claude code fallback proxy is running. %d fallback provider(s) configured.\n", n)
}
