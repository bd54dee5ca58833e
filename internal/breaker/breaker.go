// Package breaker implements the per-provider circuit breaker.
//
// Unlike an in-memory breaker, state is persisted in the store under
// "provider-state:<name>" so that cooldowns survive restarts and are shared
// across replicas. Updates are read-modify-write without locking: a lost
// update at most shortens or delays one cooldown, and the next failure
// re-arms it, so bounded availability is preserved without transactions.
package breaker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/broven/claude-code-fallback-sub000/internal/store"
)

// StateKeyPrefix prefixes every persisted breaker entry.
const StateKeyPrefix = "provider-state:"

// Failure thresholds for the tiered cooldown table.
const (
	openThreshold = 3 // below this the breaker never opens

	tier1Cooldown = 30 * time.Second  // 3-4 consecutive failures
	tier2Cooldown = 60 * time.Second  // 5-9
	tier3Cooldown = 300 * time.Second // >= 10
)

// ProviderState is the persisted health record for one provider.
// Timestamps are wall-clock milliseconds; nil means unset.
type ProviderState struct {
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastFailure         *int64 `json:"lastFailure"`
	LastSuccess         *int64 `json:"lastSuccess"`
	CooldownUntil       *int64 `json:"cooldownUntil"`
}

// Breaker reads and writes ProviderState entries and decides availability.
// Safe for concurrent use; all coordination happens through the store.
type Breaker struct {
	store store.Store
	log   *slog.Logger

	// debug forces IsAvailable to true so the whole chain stays reachable
	// while reproducing failures locally.
	debug bool

	// now is swapped out in tests.
	now func() time.Time
}

// New creates a Breaker on top of s. When debug is true every provider is
// reported available regardless of persisted cooldowns.
func New(s store.Store, log *slog.Logger, debug bool) *Breaker {
	if log == nil {
		log = slog.Default()
	}
	return &Breaker{store: s, log: log, debug: debug, now: time.Now}
}

// State returns the persisted state for name. A missing or malformed entry
// yields a zero state (healthy).
func (b *Breaker) State(ctx context.Context, name string) ProviderState {
	raw, ok := b.store.Get(ctx, StateKeyPrefix+name)
	if !ok {
		return ProviderState{}
	}
	var st ProviderState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		b.log.WarnContext(ctx, "breaker_bad_state",
			slog.String("provider", name),
			slog.String("error", err.Error()),
		)
		return ProviderState{}
	}
	return st
}

// IsAvailable reports whether name should receive traffic: true when no
// cooldown is recorded or the cooldown deadline has passed. Debug mode
// always reports true.
func (b *Breaker) IsAvailable(ctx context.Context, name string) bool {
	if b.debug {
		return true
	}
	st := b.State(ctx, name)
	if st.CooldownUntil == nil {
		return true
	}
	return b.now().UnixMilli() >= *st.CooldownUntil
}

// MarkFailed increments the consecutive failure counter and arms the tiered
// cooldown, capped at maxCooldownSec. LastSuccess is preserved.
func (b *Breaker) MarkFailed(ctx context.Context, name string, maxCooldownSec int) {
	st := b.State(ctx, name)
	nowMs := b.now().UnixMilli()

	st.ConsecutiveFailures++
	st.LastFailure = &nowMs

	cooldown := CooldownSeconds(st.ConsecutiveFailures, maxCooldownSec)
	if cooldown > 0 {
		until := nowMs + int64(cooldown)*1000
		st.CooldownUntil = &until
	} else {
		st.CooldownUntil = nil
	}

	b.write(ctx, name, st)

	b.log.WarnContext(ctx, "breaker_failure",
		slog.String("provider", name),
		slog.Int("consecutive_failures", st.ConsecutiveFailures),
		slog.Int("cooldown_sec", cooldown),
	)
}

// MarkSuccess resets the failure streak and records the success time.
func (b *Breaker) MarkSuccess(ctx context.Context, name string) {
	nowMs := b.now().UnixMilli()
	st := ProviderState{
		ConsecutiveFailures: 0,
		LastSuccess:         &nowMs,
	}
	b.write(ctx, name, st)
}

// Reset clears the persisted state entirely (admin manual reset).
func (b *Breaker) Reset(ctx context.Context, name string) error {
	return b.store.Delete(ctx, StateKeyPrefix+name)
}

// LeastRecentlyFailed is the safety valve: among names it returns the one
// whose cooldown expires soonest (a missing cooldown counts as zero). Used
// as a last-resort pick when every provider in the chain is cooling down.
// Returns "" for an empty input.
func (b *Breaker) LeastRecentlyFailed(ctx context.Context, names []string) string {
	best := ""
	var bestUntil int64
	for _, name := range names {
		st := b.State(ctx, name)
		var until int64
		if st.CooldownUntil != nil {
			until = *st.CooldownUntil
		}
		if best == "" || until < bestUntil {
			best = name
			bestUntil = until
		}
	}
	return best
}

// CooldownSeconds maps a consecutive failure count to the tiered cooldown,
// capped at maxSec:
//
//	0-2  → 0
//	3-4  → min(30, maxSec)
//	5-9  → min(60, maxSec)
//	≥10  → min(300, maxSec)
func CooldownSeconds(consecutiveFailures, maxSec int) int {
	var tier time.Duration
	switch {
	case consecutiveFailures < openThreshold:
		return 0
	case consecutiveFailures < 5:
		tier = tier1Cooldown
	case consecutiveFailures < 10:
		tier = tier2Cooldown
	default:
		tier = tier3Cooldown
	}

	sec := int(tier / time.Second)
	if maxSec >= 0 && sec > maxSec {
		sec = maxSec
	}
	return sec
}

func (b *Breaker) write(ctx context.Context, name string, st ProviderState) {
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := b.store.Set(ctx, StateKeyPrefix+name, string(data), 0); err != nil {
		b.log.WarnContext(ctx, "breaker_write_error",
			slog.String("provider", name),
			slog.String("error", err.Error()),
		)
	}
}
