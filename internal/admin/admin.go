// Package admin exposes the management HTTP surface: runtime configuration
// (providers, tokens, cooldown, rectifier flags), breaker observability and
// reset, and live provider testing. Everything reads and writes the same
// store keys the proxy hot path consumes, so changes apply on the very next
// request.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/broven/claude-code-fallback-sub000/internal/breaker"
	"github.com/broven/claude-code-fallback-sub000/internal/settings"
	"github.com/broven/claude-code-fallback-sub000/internal/store"
	"github.com/broven/claude-code-fallback-sub000/pkg/apierr"
)

// Server holds the admin API dependencies.
type Server struct {
	store   store.Store
	breaker *breaker.Breaker
	log     *slog.Logger

	// token is the ADMIN_TOKEN value. Empty disables the whole surface.
	token string

	// client performs live provider tests.
	client *http.Client
}

// New creates the admin server. A nil client falls back to a default one.
func New(st store.Store, br *breaker.Breaker, log *slog.Logger, token string, client *http.Client) *Server {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Server{store: st, breaker: br, log: log, token: token, client: client}
}

// Register mounts all admin routes on r.
func (s *Server) Register(r *router.Router) {
	r.GET("/admin/config", s.auth(s.getConfig))
	r.POST("/admin/config", s.auth(s.postConfig))
	r.GET("/admin/tokens", s.auth(s.getTokens))
	r.POST("/admin/tokens", s.auth(s.postTokens))
	r.GET("/admin/settings", s.auth(s.getSettings))
	r.POST("/admin/settings", s.auth(s.postSettings))
	r.GET("/admin/anthropic-status", s.auth(s.getAnthropicStatus))
	r.POST("/admin/anthropic-status", s.auth(s.postAnthropicStatus))
	r.GET("/admin/provider-states", s.auth(s.getProviderStates))
	r.POST("/admin/provider-states/{name}/reset", s.auth(s.resetProviderState))
	r.GET("/admin/rectifier", s.auth(s.getRectifier))
	r.POST("/admin/rectifier", s.auth(s.postRectifier))
	r.POST("/admin/test-provider", s.auth(s.testProvider))
}

// auth gates a handler behind the admin token, accepted either as a bearer
// Authorization header or a ?token= query parameter.
func (s *Server) auth(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if s.token == "" {
			apierr.Write(ctx, fasthttp.StatusForbidden, apierr.TypeProxyError, "admin surface disabled: ADMIN_TOKEN not set")
			return
		}
		presented := string(ctx.QueryArgs().Peek("token"))
		if presented == "" {
			header := string(ctx.Request.Header.Peek("Authorization"))
			presented = strings.TrimPrefix(header, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) != 1 {
			apierr.WriteUnauthorized(ctx, "invalid admin token")
			return
		}
		next(ctx)
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

// ── providers ──

func (s *Server) getConfig(ctx *fasthttp.RequestCtx) {
	raw, ok := s.store.Get(ctx, settings.KeyProviders)
	if !ok || raw == "" {
		writeJSON(ctx, []settings.ProviderConfig{})
		return
	}
	var providers []settings.ProviderConfig
	if err := json.Unmarshal([]byte(raw), &providers); err != nil {
		writeJSON(ctx, []settings.ProviderConfig{})
		return
	}
	writeJSON(ctx, providers)
}

func (s *Server) postConfig(ctx *fasthttp.RequestCtx) {
	var providers []settings.ProviderConfig
	if err := json.Unmarshal(ctx.PostBody(), &providers); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, "body must be a JSON array of provider configs")
		return
	}
	for i := range providers {
		if !providers[i].Valid() {
			apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest,
				"provider entries need name, baseUrl, apiKey and a known format")
			return
		}
	}
	s.persist(ctx, settings.KeyProviders, providers)
}

// ── tokens ──

func (s *Server) getTokens(ctx *fasthttp.RequestCtx) {
	raw, ok := s.store.Get(ctx, settings.KeyAllowedTokens)
	if !ok || raw == "" {
		writeJSON(ctx, []settings.TokenEntry{})
		return
	}
	var tokens []settings.TokenEntry
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		writeJSON(ctx, []settings.TokenEntry{})
		return
	}
	writeJSON(ctx, tokens)
}

func (s *Server) postTokens(ctx *fasthttp.RequestCtx) {
	var tokens []settings.TokenEntry
	if err := json.Unmarshal(ctx.PostBody(), &tokens); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, "body must be a JSON array of tokens")
		return
	}
	for _, tok := range tokens {
		if tok.Token == "" {
			apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, "token must not be empty")
			return
		}
		if !settings.NoteRe.MatchString(tok.Note) {
			apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest,
				"note may only contain letters, digits, spaces and hyphens")
			return
		}
	}
	s.persist(ctx, settings.KeyAllowedTokens, tokens)
}

// ── cooldown setting ──

type cooldownSetting struct {
	CooldownDuration int `json:"cooldownDuration"`
}

func (s *Server) getSettings(ctx *fasthttp.RequestCtx) {
	out := cooldownSetting{CooldownDuration: settings.DefaultCooldownSec}
	if raw, ok := s.store.Get(ctx, settings.KeyCooldownDuration); ok {
		var sec int
		if err := json.Unmarshal([]byte(raw), &sec); err == nil && sec >= 0 {
			out.CooldownDuration = sec
		}
	}
	writeJSON(ctx, out)
}

func (s *Server) postSettings(ctx *fasthttp.RequestCtx) {
	var in cooldownSetting
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil || in.CooldownDuration < 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, "cooldownDuration must be a non-negative integer")
		return
	}
	if s.persistRaw(ctx, settings.KeyCooldownDuration, []byte(strconv.Itoa(in.CooldownDuration))) {
		writeJSON(ctx, in)
	}
}

// ── primary switch ──

type anthropicStatus struct {
	Disabled bool `json:"disabled"`
}

func (s *Server) getAnthropicStatus(ctx *fasthttp.RequestCtx) {
	raw, _ := s.store.Get(ctx, settings.KeyAnthropicPrimaryDisable)
	writeJSON(ctx, anthropicStatus{Disabled: raw == "true"})
}

func (s *Server) postAnthropicStatus(ctx *fasthttp.RequestCtx) {
	var in anthropicStatus
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, "body must be {\"disabled\": bool}")
		return
	}
	value := "false"
	if in.Disabled {
		value = "true"
	}
	if s.persistRaw(ctx, settings.KeyAnthropicPrimaryDisable, []byte(value)) {
		writeJSON(ctx, in)
	}
}

// ── breaker observability ──

type providerStateView struct {
	Name  string                `json:"name"`
	State breaker.ProviderState `json:"state"`
	Open  bool                  `json:"open"`
}

func (s *Server) getProviderStates(ctx *fasthttp.RequestCtx) {
	names := []string{"anthropic-primary"}
	if raw, ok := s.store.Get(ctx, settings.KeyProviders); ok {
		var providers []settings.ProviderConfig
		if err := json.Unmarshal([]byte(raw), &providers); err == nil {
			for _, p := range providers {
				names = append(names, p.Name)
			}
		}
	}

	out := make([]providerStateView, 0, len(names))
	for _, name := range names {
		out = append(out, providerStateView{
			Name:  name,
			State: s.breaker.State(ctx, name),
			Open:  !s.breaker.IsAvailable(ctx, name),
		})
	}
	writeJSON(ctx, out)
}

func (s *Server) resetProviderState(ctx *fasthttp.RequestCtx) {
	name, _ := ctx.UserValue("name").(string)
	if name == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, "provider name required")
		return
	}
	if err := s.breaker.Reset(ctx, name); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway, apierr.TypeProxyError, "failed to reset provider state")
		return
	}
	s.log.InfoContext(ctx, "admin_breaker_reset", slog.String("provider", name))
	writeJSON(ctx, map[string]any{"reset": name})
}

// ── rectifier flags ──

func (s *Server) getRectifier(ctx *fasthttp.RequestCtx) {
	cfg := settings.DefaultRectifierConfig()
	if raw, ok := s.store.Get(ctx, settings.KeyRectifierConfig); ok {
		var stored settings.RectifierConfig
		if err := json.Unmarshal([]byte(raw), &stored); err == nil {
			cfg = stored
		}
	}
	writeJSON(ctx, cfg)
}

func (s *Server) postRectifier(ctx *fasthttp.RequestCtx) {
	var cfg settings.RectifierConfig
	if err := json.Unmarshal(ctx.PostBody(), &cfg); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, "body must be a rectifier config object")
		return
	}
	s.persist(ctx, settings.KeyRectifierConfig, cfg)
}

// persist marshals v and stores it under key, echoing the stored value.
func (s *Server) persist(ctx *fasthttp.RequestCtx, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.TypeServerError, "failed to encode value")
		return
	}
	if s.persistRaw(ctx, key, data) {
		ctx.SetContentType("application/json")
		ctx.SetBody(data)
	}
}

func (s *Server) persistRaw(ctx *fasthttp.RequestCtx, key string, data []byte) bool {
	if err := s.store.Set(ctx, key, string(data), 0); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway, apierr.TypeProxyError, "failed to persist value")
		return false
	}
	s.log.InfoContext(ctx, "admin_config_updated", slog.String("key", key))
	return true
}
