package main

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateTier is a throttling bucket for generation-provider model ids.
type RateTier string

const (
	TierFree     RateTier = "free"
	TierBudget   RateTier = "budget"
	TierMidTier  RateTier = "mid_tier"
	TierFrontier RateTier = "frontier"
	TierDefault  RateTier = "default"
)

// TierLimits holds the static defaults for one tier. SafetyBuffer is the
// fraction (0.7-0.9) applied to whichever limit is currently known, tier
// default or provider-reported. RetryAfter is the fixed backoff used when a
// quota rejection carries no usable reset header.
type TierLimits struct {
	RPM          int           `json:"rpm" yaml:"rpm" validate:"gt=0"`
	RPS          int           `json:"rps" yaml:"rps" validate:"gt=0"`
	SafetyBuffer float64       `json:"safety_buffer" yaml:"safety_buffer" validate:"gte=0.5,lte=1"`
	RetryAfter   time.Duration `json:"retry_after" yaml:"retry_after"`
}

// RateLimiterConfig is the static tier table plus the global cross-model
// caps. Tier assignment is by substring match of the model id against
// TierPatterns; first tier with a matching fragment wins, checked in
// tierOrder.
type RateLimiterConfig struct {
	Tiers        map[RateTier]TierLimits `json:"tiers" yaml:"tiers"`
	TierPatterns map[RateTier][]string   `json:"tier_patterns" yaml:"tier_patterns"`
	GlobalRPM    int                     `json:"global_rpm" yaml:"global_rpm" validate:"gt=0"`
	GlobalRPS    int                     `json:"global_rps" yaml:"global_rps" validate:"gt=0"`
	GlobalBuffer float64                 `json:"global_buffer" yaml:"global_buffer" validate:"gte=0.5,lte=1"`
}

// tierOrder fixes pattern-matching precedence. Free is checked first so that
// ":free" variants of larger models land in the free tier.
var tierOrder = []RateTier{TierFree, TierFrontier, TierMidTier, TierBudget}

// DefaultRateLimiterConfig returns the built-in tier table.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Tiers: map[RateTier]TierLimits{
			TierFree:     {RPM: 20, RPS: 1, SafetyBuffer: 0.7, RetryAfter: 30 * time.Second},
			TierBudget:   {RPM: 60, RPS: 5, SafetyBuffer: 0.8, RetryAfter: 10 * time.Second},
			TierMidTier:  {RPM: 80, RPS: 8, SafetyBuffer: 0.85, RetryAfter: 5 * time.Second},
			TierFrontier: {RPM: 100, RPS: 10, SafetyBuffer: 0.9, RetryAfter: 3 * time.Second},
			TierDefault:  {RPM: 60, RPS: 5, SafetyBuffer: 0.8, RetryAfter: 10 * time.Second},
		},
		TierPatterns: map[RateTier][]string{
			TierFree:     {":free", "-free"},
			TierBudget:   {"mini", "flash", "haiku", "lite", "nano", "8b"},
			TierMidTier:  {"sonnet", "gpt-4o", "gemini-2.5-pro", "grok-3", "70b"},
			TierFrontier: {"opus", "gpt-5", "gemini-3", "grok-4", "o1"},
		},
		GlobalRPM:    300,
		GlobalRPS:    20,
		GlobalBuffer: 0.9,
	}
}

const (
	// rateWindow is the trailing span for per-minute counting.
	rateWindow = 60 * time.Second

	// rateBurstWindow is the trailing span for per-second counting.
	rateBurstWindow = time.Second

	// rateWaitPad is added to every computed wait so the caller lands just
	// past the boundary rather than exactly on it.
	rateWaitPad = 100 * time.Millisecond

	// quotaStaleAfter is how long provider-reported quota signals are
	// honored without being refreshed before falling back to tier defaults.
	quotaStaleAfter = 5 * time.Minute

	// modelIdleEviction is how long a model entry may sit with no requests
	// and no fresh headers before the sweep drops it.
	modelIdleEviction = 10 * time.Minute
)

// ProviderQuota is a provider-reported rate limit signal, usually parsed from
// response headers. Reported values supersede tier heuristics until stale.
type ProviderQuota struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type quotaState struct {
	ProviderQuota
	updatedAt time.Time
}

// RateLimiter gates outbound generation calls per model id and globally,
// using sliding 60s/1s windows and provider-reported quota headers when
// available. One instance is shared process-wide across all debates; it is
// explicitly constructed and injected, never an ambient singleton.
type RateLimiter struct {
	mu       sync.Mutex
	cfg      RateLimiterConfig
	windows  map[string][]time.Time
	global   []time.Time
	quotas   map[string]*quotaState
	lastUsed map[string]time.Time
	now      func() time.Time
}

// NewRateLimiter builds a limiter around the given tier table.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	return &RateLimiter{
		cfg:      cfg,
		windows:  make(map[string][]time.Time),
		quotas:   make(map[string]*quotaState),
		lastUsed: make(map[string]time.Time),
		now:      time.Now,
	}
}

// ClassifyModel assigns a model id to a tier by substring match against the
// configured fragment lists.
func (rl *RateLimiter) ClassifyModel(modelID string) RateTier {
	id := strings.ToLower(modelID)
	for _, tier := range tierOrder {
		for _, frag := range rl.cfg.TierPatterns[tier] {
			if strings.Contains(id, frag) {
				return tier
			}
		}
	}
	return TierDefault
}

func (rl *RateLimiter) tierLimits(modelID string) TierLimits {
	if limits, ok := rl.cfg.Tiers[rl.ClassifyModel(modelID)]; ok {
		return limits
	}
	return rl.cfg.Tiers[TierDefault]
}

// pruneLocked drops window entries older than the trailing minute.
// Caller holds rl.mu.
func pruneLocked(window []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	return window[i:]
}

func countSince(window []time.Time, cutoff time.Time) int {
	n := 0
	for i := len(window) - 1; i >= 0; i-- {
		if !window[i].After(cutoff) {
			break
		}
		n++
	}
	return n
}

// windowWait returns how long until the window count falls below limit:
// the time for the oldest in-window entry to age out of span, padded.
func windowWait(window []time.Time, span time.Duration, now time.Time) time.Duration {
	oldestInSpan := time.Time{}
	cutoff := now.Add(-span)
	for _, ts := range window {
		if ts.After(cutoff) {
			oldestInSpan = ts
			break
		}
	}
	if oldestInSpan.IsZero() {
		return rateWaitPad
	}
	return oldestInSpan.Add(span).Sub(now) + rateWaitPad
}

// CheckLimit returns how long the caller must wait before a request to
// modelID may proceed, or zero if it may proceed now. Rate-limit exhaustion
// is never an error; it is always a wait duration.
func (rl *RateLimiter) CheckLimit(modelID string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.windows[modelID] = pruneLocked(rl.windows[modelID], now)
	rl.global = pruneLocked(rl.global, now)
	window := rl.windows[modelID]

	limits := rl.tierLimits(modelID)
	knownLimit := 0
	if q, ok := rl.quotas[modelID]; ok && now.Sub(q.updatedAt) <= quotaStaleAfter {
		if q.Remaining <= 0 && q.ResetAt.After(now) {
			return q.ResetAt.Sub(now) + rateWaitPad
		}
		knownLimit = q.Limit
	}

	rpm := limits.RPM
	if knownLimit > 0 {
		rpm = knownLimit
	}
	effectiveRPM := int(math.Floor(float64(rpm) * limits.SafetyBuffer))
	if effectiveRPM > 0 && len(window) >= effectiveRPM {
		return windowWait(window, rateWindow, now)
	}

	effectiveRPS := int(math.Floor(float64(limits.RPS) * limits.SafetyBuffer))
	if effectiveRPS > 0 && countSince(window, now.Add(-rateBurstWindow)) >= effectiveRPS {
		return windowWait(window, rateBurstWindow, now)
	}

	globalRPM := int(math.Floor(float64(rl.cfg.GlobalRPM) * rl.cfg.GlobalBuffer))
	if globalRPM > 0 && len(rl.global) >= globalRPM {
		return windowWait(rl.global, rateWindow, now)
	}

	globalRPS := int(math.Floor(float64(rl.cfg.GlobalRPS) * rl.cfg.GlobalBuffer))
	if globalRPS > 0 && countSince(rl.global, now.Add(-rateBurstWindow)) >= globalRPS {
		return windowWait(rl.global, rateBurstWindow, now)
	}

	return 0
}

// RecordRequest appends a request timestamp to the per-model and global
// windows and decrements the tracked provider-reported remaining count.
func (rl *RateLimiter) RecordRequest(modelID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.windows[modelID] = append(rl.windows[modelID], now)
	rl.lastUsed[modelID] = now
	rl.global = append(rl.global, now)
	if q, ok := rl.quotas[modelID]; ok && q.Remaining > 0 {
		q.Remaining--
	}
}

// WaitIfNeeded suspends the caller until a request to modelID may proceed.
// A cooperative delay, not a lock: callers for different model ids are never
// serialized against one another. Returns early with the context error if
// the context is done.
func (rl *RateLimiter) WaitIfNeeded(ctx context.Context, modelID string) error {
	for {
		wait := rl.CheckLimit(modelID)
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// UpdateFromHeaders merges a provider-reported quota signal for modelID.
// Reported values take precedence over tier heuristics until they go
// quotaStaleAfter without a refresh.
func (rl *RateLimiter) UpdateFromHeaders(modelID string, quota ProviderQuota) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.quotas[modelID] = &quotaState{ProviderQuota: quota, updatedAt: rl.now()}
}

// GetRetryAfter returns the backoff to apply after a quota-rejection
// response. Prefers header-reported reset time, padded; falls back to the
// tier's fixed backoff constant.
func (rl *RateLimiter) GetRetryAfter(modelID string, headers http.Header) time.Duration {
	now := rl.now()
	if headers != nil {
		if v := headers.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs)*time.Second + rateWaitPad
			}
		}
		if v := headers.Get("X-RateLimit-Reset"); v != "" {
			if resetMs, err := strconv.ParseInt(v, 10, 64); err == nil {
				reset := time.UnixMilli(resetMs)
				if reset.After(now) {
					return reset.Sub(now) + rateWaitPad
				}
			}
		}
	}
	return rl.tierLimits(modelID).RetryAfter
}

// ParseQuotaHeaders extracts a provider quota signal from response headers.
// Returns false when the headers carry no limit information.
func ParseQuotaHeaders(headers http.Header) (ProviderQuota, bool) {
	limitStr := headers.Get("X-RateLimit-Limit")
	remainingStr := headers.Get("X-RateLimit-Remaining")
	if limitStr == "" && remainingStr == "" {
		return ProviderQuota{}, false
	}
	var quota ProviderQuota
	if n, err := strconv.Atoi(limitStr); err == nil {
		quota.Limit = n
	}
	if n, err := strconv.Atoi(remainingStr); err == nil {
		quota.Remaining = n
	}
	if resetMs, err := strconv.ParseInt(headers.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		quota.ResetAt = time.UnixMilli(resetMs)
	}
	return quota, true
}

// Sweep prunes stale window entries, clears stale header state, and evicts
// model entries with no recent activity and no fresh header data. Intended
// to run on a fixed schedule (every 60s).
func (rl *RateLimiter) Sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.global = pruneLocked(rl.global, now)

	for model, quota := range rl.quotas {
		if now.Sub(quota.updatedAt) > quotaStaleAfter {
			delete(rl.quotas, model)
		}
	}

	for model, window := range rl.windows {
		window = pruneLocked(window, now)
		_, hasQuota := rl.quotas[model]
		idle := now.Sub(rl.lastUsed[model]) > modelIdleEviction
		if len(window) == 0 && !hasQuota && idle {
			delete(rl.windows, model)
			delete(rl.lastUsed, model)
			continue
		}
		rl.windows[model] = window
	}
}

// TrackedModels returns the model ids with live window or quota state,
// mostly for introspection and tests.
func (rl *RateLimiter) TrackedModels() []string {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	seen := make(map[string]struct{}, len(rl.windows))
	for model := range rl.windows {
		seen[model] = struct{}{}
	}
	for model := range rl.quotas {
		seen[model] = struct{}{}
	}
	models := make([]string, 0, len(seen))
	for model := range seen {
		models = append(models, model)
	}
	return models
}
