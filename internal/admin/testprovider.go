package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/broven/claude-code-fallback-sub000/internal/bridge"
	"github.com/broven/claude-code-fallback-sub000/internal/rectify"
	"github.com/broven/claude-code-fallback-sub000/internal/settings"
	"github.com/broven/claude-code-fallback-sub000/pkg/apierr"
)

// testModels is the fixed probe set: one request per model, in parallel.
var testModels = []string{
	"claude-opus-4-1-20250805",
	"claude-sonnet-4-5-20250929",
	"claude-3-7-sonnet-20250219",
	"claude-3-5-haiku-20241022",
}

const testTimeout = 10 * time.Second

// modelTestResult is the outcome of probing one model against a candidate
// provider config.
type modelTestResult struct {
	Model         string `json:"model"`
	UpstreamModel string `json:"upstreamModel"`
	OK            bool   `json:"ok"`
	Status        int    `json:"status,omitempty"`
	Error         string `json:"error,omitempty"`
	LatencyMs     int64  `json:"latencyMs"`
}

// testProvider probes a candidate ProviderConfig with a minimal request per
// test model. The config is taken from the body and never persisted, so an
// operator can validate credentials before adding a provider to the chain.
func (s *Server) testProvider(ctx *fasthttp.RequestCtx) {
	var p settings.ProviderConfig
	if err := json.Unmarshal(ctx.PostBody(), &p); err != nil || !p.Valid() {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, "body must be a valid provider config")
		return
	}

	results := make([]modelTestResult, len(testModels))
	g, gctx := errgroup.WithContext(ctx)
	for i, model := range testModels {
		g.Go(func() error {
			results[i] = s.probeModel(gctx, &p, model)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // probes report errors in their result row

	s.log.InfoContext(ctx, "admin_provider_tested", slog.String("provider", p.Name))
	writeJSON(ctx, map[string]any{"provider": p.Name, "results": results})
}

func (s *Server) probeModel(ctx context.Context, p *settings.ProviderConfig, model string) modelTestResult {
	upstream := model
	if mapped, ok := p.ModelMapping[model]; ok {
		upstream = mapped
	}
	result := modelTestResult{Model: model, UpstreamModel: upstream}

	body := map[string]any{
		"model":      upstream,
		"max_tokens": 16,
		"messages": []any{
			map[string]any{"role": "user", "content": "Hi"},
		},
	}
	if p.EffectiveFormat() == settings.FormatOpenAI {
		body = bridge.AnthropicToOpenAIRequest(body)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	tctx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(tctx, http.MethodPost, p.BaseURL, bytes.NewReader(payload))
	if err != nil {
		result.Error = err.Error()
		return result
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range p.Headers {
		req.Header.Set(name, value)
	}
	credential := p.APIKey
	if strings.EqualFold(p.EffectiveAuthHeader(), "Authorization") && !strings.HasPrefix(credential, "Bearer ") {
		credential = "Bearer " + credential
	}
	req.Header.Set(p.EffectiveAuthHeader(), credential)

	start := time.Now()
	resp, err := s.client.Do(req)
	result.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer resp.Body.Close()

	result.Status = resp.StatusCode
	result.OK = resp.StatusCode < 300
	if !result.OK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		result.Error = rectify.ExtractErrorMessage(errBody)
	}
	return result
}
