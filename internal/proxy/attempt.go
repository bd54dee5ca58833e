package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/broven/claude-code-fallback-sub000/internal/bridge"
	"github.com/broven/claude-code-fallback-sub000/internal/rectify"
	"github.com/broven/claude-code-fallback-sub000/internal/settings"
)

const (
	// Hard abort for a single upstream fetch, streaming included.
	attemptTimeout = 30 * time.Second

	// Base delay for the exponential backoff between transport retries.
	retryBaseDelay = 500 * time.Millisecond

	// Upstream error bodies larger than this are truncated before the
	// rectifier inspects them.
	maxErrorBody = 1 << 20
)

// tryPrimary forwards the original request bytes to api.anthropic.com. The
// client's own credential headers pass through; internal control headers do
// not.
func (g *Gateway) tryPrimary(ctx context.Context, rawBody []byte, clientH http.Header) (*http.Response, error) {
	h := sieveForUpstream(clientH, true)
	h.Set("Content-Type", "application/json")
	return g.dispatch(ctx, g.primaryURL, h, rawBody, 0)
}

// tryProvider runs one provider attempt: model mapping, body translation,
// header construction, dispatch with transport retries, and the bounded
// error-driven rectifier loop. The returned response may be non-OK; the
// caller classifies it.
func (g *Gateway) tryProvider(ctx context.Context, p *settings.ProviderConfig, body map[string]any, clientH http.Header, cfg *settings.AppConfig, tried map[rectify.Rule]bool) (*http.Response, error) {
	mapped := body
	if model, ok := body["model"].(string); ok {
		if upstream, ok := p.ModelMapping[model]; ok {
			mapped = make(map[string]any, len(body))
			for k, v := range body {
				mapped[k] = v
			}
			mapped["model"] = upstream
		}
	}

	upstream := mapped
	if p.EffectiveFormat() == settings.FormatOpenAI {
		upstream = bridge.AnthropicToOpenAIRequest(mapped)
	}
	if bridge.GeminiProvider(p.Name) {
		upstream = bridge.NormalizeGeminiTools(upstream)
	}

	payload, err := json.Marshal(upstream)
	if err != nil {
		return nil, fmt.Errorf("encode upstream body: %w", err)
	}

	h := sieveForUpstream(clientH, false)
	for name, value := range p.Headers {
		h.Set(name, value)
	}
	h.Set("Content-Type", "application/json")
	setCredential(h, p.EffectiveAuthHeader(), p.APIKey)

	resp, err := g.dispatch(ctx, p.BaseURL, h, payload, p.Retry)
	if err != nil {
		return nil, err
	}

	// Rectifier: Anthropic-format providers only, one retry per rule per
	// attempt. The error body is re-buffered so a non-rectifiable response
	// stays readable for the caller.
	if resp.StatusCode >= 300 && p.EffectiveFormat() == settings.FormatAnthropic && cfg.Rectifier.Enabled {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(errBody))

		msg := rectify.ExtractErrorMessage(errBody)
		rule := rectify.Match(msg, enabledRules(cfg.Rectifier), tried)
		if rule != rectify.RuleNone {
			mutated, applied := rectify.Apply(rule, body, msg)
			if applied {
				tried[rule] = true
				g.metrics.RecordRectifierRetry(p.Name, rule.String())
				g.log.WarnContext(ctx, "rectifier_retry",
					slog.String("provider", p.Name),
					slog.String("rule", rule.String()),
					slog.Int("status", resp.StatusCode),
				)
				resp.Body.Close()
				return g.tryProvider(ctx, p, mutated, clientH, cfg, tried)
			}
		}
	}

	return resp, nil
}

// enabledRules projects the rectifier feature flags onto rule identifiers.
func enabledRules(cfg settings.RectifierConfig) map[rectify.Rule]bool {
	return map[rectify.Rule]bool{
		rectify.RuleThinkingSignature:  cfg.RequestThinkingSignature,
		rectify.RuleThinkingBudget:     cfg.RequestThinkingBudget,
		rectify.RuleToolUseConcurrency: cfg.RequestToolUseConcurrency,
	}
}

// dispatch POSTs payload to url, retrying on network error or 5xx with
// exponential backoff, up to retries extra attempts. Each attempt carries its
// own 30 s abort that also bounds a streaming read of the returned body.
func (g *Gateway) dispatch(ctx context.Context, url string, h http.Header, payload []byte, retries int) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		actx, cancel := context.WithTimeout(ctx, attemptTimeout)

		req, err := http.NewRequestWithContext(actx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("build upstream request: %w", err)
		}
		req.Header = h.Clone()

		resp, err := g.client.Do(req)
		if err != nil {
			cancel()
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 && attempt < retries {
			io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			cancel()
			lastErr = fmt.Errorf("upstream status %d", resp.StatusCode)
			continue
		}

		// The abort timer keeps running while the caller streams the body;
		// closing the body releases it.
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}

	return nil, fmt.Errorf("upstream unreachable after %d attempts: %w", retries+1, lastErr)
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
