// Package settings defines the gateway's runtime configuration — the
// provider chain, client token allow-list, cooldown cap, and rectifier
// switches — and hydrates it from the store on every request.
//
// There is deliberately no in-memory cache here: admin mutations must be
// visible on the very next proxied request, and the five store reads are
// issued in parallel so the hot-path cost stays at one round-trip.
package settings

import (
	"encoding/json"
	"regexp"
)

// Store keys for runtime configuration entries.
const (
	KeyProviders               = "providers"
	KeyAllowedTokens           = "allowed_tokens"
	KeyCooldownDuration        = "cooldown_duration"
	KeyAnthropicPrimaryDisable = "anthropic_primary_disabled"
	KeyRectifierConfig         = "rectifier_config"
)

// ProviderFormat is the wire schema a fallback provider speaks.
const (
	FormatAnthropic = "anthropic"
	FormatOpenAI    = "openai"
)

// NoteRe constrains token notes to a safe character set.
var NoteRe = regexp.MustCompile(`^[A-Za-z0-9 -]*$`)

// ProviderConfig describes one fallback upstream. Name doubles as the
// breaker state key; position in the providers array is fallback priority.
type ProviderConfig struct {
	Name    string `json:"name"`
	BaseURL string `json:"baseUrl"`
	APIKey  string `json:"apiKey"`

	// AuthHeader names the header carrying the credential. Default x-api-key.
	// When it equals Authorization the key is sent as "Bearer <apiKey>"
	// unless the key already starts with "Bearer ".
	AuthHeader string `json:"authHeader,omitempty"`

	// Headers are static headers overlaid on the forwarded request.
	Headers map[string]string `json:"headers,omitempty"`

	// ModelMapping rewrites Anthropic model ids to upstream model ids.
	ModelMapping map[string]string `json:"modelMapping,omitempty"`

	// Format is "anthropic" (default) or "openai".
	Format string `json:"format,omitempty"`

	Disabled bool `json:"disabled,omitempty"`

	// Retry is the number of automatic retries on network error or 5xx.
	Retry int `json:"retry,omitempty"`
}

// Valid reports whether the provider entry carries every required field and
// a recognised format. Invalid entries are dropped at load time.
func (p *ProviderConfig) Valid() bool {
	if p.Name == "" || p.BaseURL == "" || p.APIKey == "" {
		return false
	}
	switch p.Format {
	case "", FormatAnthropic, FormatOpenAI:
		return true
	}
	return false
}

// EffectiveFormat returns the provider format with the default applied.
func (p *ProviderConfig) EffectiveFormat() string {
	if p.Format == "" {
		return FormatAnthropic
	}
	return p.Format
}

// EffectiveAuthHeader returns the credential header name with the default applied.
func (p *ProviderConfig) EffectiveAuthHeader() string {
	if p.AuthHeader == "" {
		return "x-api-key"
	}
	return p.AuthHeader
}

// TokenEntry is one allowed client token. Stored entries may be bare JSON
// strings; UnmarshalJSON coerces them to the object form.
type TokenEntry struct {
	Token string `json:"token"`
	Note  string `json:"note,omitempty"`
}

// UnmarshalJSON accepts either "tok" or {"token":"tok","note":"..."}.
func (e *TokenEntry) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Token = s
		e.Note = ""
		return nil
	}

	type alias TokenEntry
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*e = TokenEntry(a)
	return nil
}

// RectifierConfig gates the error-driven request rectifier. Enabled is the
// master switch; each feature has its own independent flag.
type RectifierConfig struct {
	Enabled                   bool `json:"enabled"`
	RequestThinkingSignature  bool `json:"requestThinkingSignature"`
	RequestThinkingBudget     bool `json:"requestThinkingBudget"`
	RequestToolUseConcurrency bool `json:"requestToolUseConcurrency"`
}

// DefaultRectifierConfig enables every rule. Matches the behaviour when no
// rectifier_config entry has been stored yet.
func DefaultRectifierConfig() RectifierConfig {
	return RectifierConfig{
		Enabled:                   true,
		RequestThinkingSignature:  true,
		RequestThinkingBudget:     true,
		RequestToolUseConcurrency: true,
	}
}

// AppConfig is the per-request snapshot of everything the routing engine
// needs. It is rebuilt from the store for every inbound request.
type AppConfig struct {
	Debug bool

	// Providers is the ordered fallback chain (priority order, disabled
	// entries included — the routing engine skips them).
	Providers []ProviderConfig

	// AllowedTokens is the ingress allow-list. Empty means open access.
	AllowedTokens []TokenEntry

	// MaxCooldownSec caps the breaker cooldown tiers.
	MaxCooldownSec int

	// AnthropicPrimaryDisabled skips the api.anthropic.com primary attempt.
	AnthropicPrimaryDisabled bool

	Rectifier RectifierConfig
}

// TokenAllowed reports whether token matches an allow-list entry. An empty
// allow-list permits unauthenticated access.
func (c *AppConfig) TokenAllowed(token string) bool {
	if len(c.AllowedTokens) == 0 {
		return true
	}
	for _, e := range c.AllowedTokens {
		if constantTimeEqual(e.Token, token) {
			return true
		}
	}
	return false
}
