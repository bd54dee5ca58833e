package settings

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/broven/claude-code-fallback-sub000/internal/store"
)

// DefaultCooldownSec caps breaker cooldowns when no cooldown_duration entry
// exists in the store and no COOLDOWN_DURATION env override is set.
const DefaultCooldownSec = 300

// Loader hydrates an AppConfig from the store. Safe for concurrent use.
type Loader struct {
	store store.Store
	log   *slog.Logger

	// Process-level defaults applied when the store has no entry.
	debug              bool
	defaultCooldownSec int
}

// NewLoader creates a Loader. debug propagates the DEBUG env flag into every
// snapshot; defaultCooldownSec is used when the store has no cooldown entry
// (pass 0 to use DefaultCooldownSec).
func NewLoader(s store.Store, log *slog.Logger, debug bool, defaultCooldownSec int) *Loader {
	if log == nil {
		log = slog.Default()
	}
	if defaultCooldownSec <= 0 {
		defaultCooldownSec = DefaultCooldownSec
	}
	return &Loader{
		store:              s,
		log:                log,
		debug:              debug,
		defaultCooldownSec: defaultCooldownSec,
	}
}

// Load reads the five runtime configuration keys in parallel and assembles
// an AppConfig. Malformed entries produce WARN logs and fall back to
// defaults; a malformed provider entry is dropped rather than failing the
// whole snapshot, so one bad admin write never takes the proxy down.
func (l *Loader) Load(ctx context.Context) *AppConfig {
	cfg := &AppConfig{
		Debug:          l.debug,
		MaxCooldownSec: l.defaultCooldownSec,
		Rectifier:      DefaultRectifierConfig(),
	}

	var (
		rawProviders, rawTokens, rawCooldown, rawPrimary, rawRectifier string
		okProviders, okTokens, okCooldown, okPrimary, okRectifier      bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rawProviders, okProviders = l.store.Get(gctx, KeyProviders)
		return nil
	})
	g.Go(func() error {
		rawTokens, okTokens = l.store.Get(gctx, KeyAllowedTokens)
		return nil
	})
	g.Go(func() error {
		rawCooldown, okCooldown = l.store.Get(gctx, KeyCooldownDuration)
		return nil
	})
	g.Go(func() error {
		rawPrimary, okPrimary = l.store.Get(gctx, KeyAnthropicPrimaryDisable)
		return nil
	})
	g.Go(func() error {
		rawRectifier, okRectifier = l.store.Get(gctx, KeyRectifierConfig)
		return nil
	})
	_ = g.Wait()

	if okProviders {
		cfg.Providers = l.parseProviders(ctx, rawProviders)
	}
	if okTokens {
		cfg.AllowedTokens = l.parseTokens(ctx, rawTokens)
	}
	if okCooldown {
		if sec, err := strconv.Atoi(strings.TrimSpace(rawCooldown)); err == nil && sec >= 0 {
			cfg.MaxCooldownSec = sec
		} else {
			l.log.WarnContext(ctx, "settings_bad_cooldown", slog.String("value", rawCooldown))
		}
	}
	if okPrimary {
		cfg.AnthropicPrimaryDisabled = strings.TrimSpace(rawPrimary) == "true"
	}
	if okRectifier {
		var rc RectifierConfig
		if err := json.Unmarshal([]byte(rawRectifier), &rc); err == nil {
			cfg.Rectifier = rc
		} else {
			l.log.WarnContext(ctx, "settings_bad_rectifier_config",
				slog.String("error", err.Error()))
		}
	}

	return cfg
}

// parseProviders decodes the providers array, dropping invalid entries with
// a warning instead of rejecting the whole list.
func (l *Loader) parseProviders(ctx context.Context, raw string) []ProviderConfig {
	var entries []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		l.log.WarnContext(ctx, "settings_bad_providers",
			slog.String("error", err.Error()))
		return nil
	}

	out := make([]ProviderConfig, 0, len(entries))
	for i, e := range entries {
		var p ProviderConfig
		if err := json.Unmarshal(e, &p); err != nil {
			l.log.WarnContext(ctx, "settings_provider_dropped",
				slog.Int("index", i),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !p.Valid() {
			l.log.WarnContext(ctx, "settings_provider_dropped",
				slog.Int("index", i),
				slog.String("name", p.Name),
				slog.String("reason", "missing required field or bad format"),
			)
			continue
		}
		out = append(out, p)
	}
	return out
}

// parseTokens decodes the allow-list, coercing bare strings to TokenEntry.
func (l *Loader) parseTokens(ctx context.Context, raw string) []TokenEntry {
	var tokens []TokenEntry
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		l.log.WarnContext(ctx, "settings_bad_tokens",
			slog.String("error", err.Error()))
		return nil
	}

	out := tokens[:0]
	for _, tok := range tokens {
		if tok.Token == "" {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
