package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrInterruptPending is returned when a second interruption is scheduled
// while one is already pending. At most one candidate may be pending per
// debate at any time.
var ErrInterruptPending = errors.New("an interruption is already pending")

// ErrNoPendingInterrupt is returned when firing with nothing scheduled.
var ErrNoPendingInterrupt = errors.New("no pending interruption")

// LivelySettings tunes the interruption engine.
type LivelySettings struct {
	AggressionLevel        int     `json:"aggression_level" yaml:"aggression_level" validate:"gte=1,lte=5"`
	RelevanceThreshold     float64 `json:"relevance_threshold" yaml:"relevance_threshold" validate:"gte=0,lte=1"`
	ContradictionBoost     float64 `json:"contradiction_boost" yaml:"contradiction_boost" validate:"gte=0"`
	InterruptCooldownMs    int64   `json:"interrupt_cooldown_ms" yaml:"interrupt_cooldown_ms" validate:"gt=0"`
	MaxInterruptsPerMinute int     `json:"max_interrupts_per_minute" yaml:"max_interrupts_per_minute" validate:"gt=0"`
	InterjectionMaxTokens  int     `json:"interjection_max_tokens" yaml:"interjection_max_tokens" validate:"gt=0"`
}

// DefaultLivelySettings returns the default interruption tuning.
func DefaultLivelySettings() LivelySettings {
	return LivelySettings{
		AggressionLevel:        3,
		RelevanceThreshold:     0.6,
		ContradictionBoost:     0.3,
		InterruptCooldownMs:    45_000,
		MaxInterruptsPerMinute: 3,
		InterjectionMaxTokens:  80,
	}
}

// aggressionMultiplier maps the configured level 1-5 linearly onto 0.6-1.4.
func aggressionMultiplier(level int) float64 {
	if level < 1 {
		level = 1
	}
	if level > 5 {
		level = 5
	}
	return 0.6 + 0.2*float64(level-1)
}

// InterruptEvent is one engine notification. The engine publishes events on
// its own channel; the caller forwards them to whatever transport is in use.
type InterruptEvent struct {
	Type         string        `json:"type"`
	DebateID     string        `json:"debate_id"`
	Interruption *Interruption `json:"interruption,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	AtMs         int64         `json:"at_ms"`
}

// InterruptContext is what the engine needs to judge and voice an
// interjection for one in-flight turn.
type InterruptContext struct {
	DebateID             string
	Proposition          string
	CurrentSpeaker       Speaker
	RecentContent        string
	EligibleInterrupters []Speaker
	Positions            map[Speaker]string
}

// interruptJudgment is the structured verdict the judge model returns.
type interruptJudgment struct {
	ShouldInterrupt    bool    `json:"should_interrupt"`
	Interrupter        string  `json:"interrupter"`
	RelevanceScore     float64 `json:"relevance_score"`
	ContradictionScore float64 `json:"contradiction_score"`
	TriggerPhrase      string  `json:"trigger_phrase"`
}

// InterruptionEngine detects and injects live interjections during an active
// speaker's turn. Per-debate: it owns the single pending-candidate slot and
// the single-flight evaluation guard for one debate.
type InterruptionEngine struct {
	debateID string
	provider GenerationProvider
	store    DebateStore
	settings LivelySettings
	model    string
	log      zerolog.Logger

	mu         sync.Mutex
	evaluating bool
	pending    *Interruption
	lastFired  map[Speaker]time.Time
	firedTimes []time.Time

	events chan InterruptEvent
	now    func() time.Time
}

// NewInterruptionEngine builds an engine for one debate. The model id names
// the judge/interjection model; events are buffered and dropped when no one
// is draining them (fire-and-forget).
func NewInterruptionEngine(debateID string, provider GenerationProvider, store DebateStore, settings LivelySettings, model string) *InterruptionEngine {
	return &InterruptionEngine{
		debateID:  debateID,
		provider:  provider,
		store:     store,
		settings:  settings,
		model:     model,
		log:       logger.With().Str("component", "interrupts").Str("debate_id", debateID).Logger(),
		lastFired: make(map[Speaker]time.Time),
		events:    make(chan InterruptEvent, 16),
		now:       time.Now,
	}
}

// Events returns the engine's notification channel.
func (e *InterruptionEngine) Events() <-chan InterruptEvent {
	return e.events
}

func (e *InterruptionEngine) emit(eventType string, ir *Interruption, reason string) {
	ev := InterruptEvent{
		Type:         eventType,
		DebateID:     e.debateID,
		Interruption: ir,
		Reason:       reason,
		AtMs:         e.now().UnixMilli(),
	}
	select {
	case e.events <- ev:
	default:
		e.log.Warn().Str("event", eventType).Msg("interrupt event dropped, channel full")
	}
}

// PendingInterrupt returns the currently pending interruption, nil if none.
func (e *InterruptionEngine) PendingInterrupt() *Interruption {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return nil
	}
	pending := *e.pending
	return &pending
}

// CanSpeakerInterrupt reports whether the speaker is outside their cooldown.
func (e *InterruptionEngine) CanSpeakerInterrupt(s Speaker) bool {
	return e.CooldownRemaining(s) <= 0
}

// CooldownRemaining returns how long until the speaker may interrupt again.
func (e *InterruptionEngine) CooldownRemaining(s Speaker) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastFired[s]
	if !ok {
		return 0
	}
	remaining := time.Duration(e.settings.InterruptCooldownMs)*time.Millisecond - e.now().Sub(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// underRateCapLocked prunes the fired-interrupt window and reports whether
// another interrupt is allowed. Caller holds e.mu.
func (e *InterruptionEngine) underRateCapLocked() bool {
	cutoff := e.now().Add(-time.Minute)
	i := 0
	for i < len(e.firedTimes) && !e.firedTimes[i].After(cutoff) {
		i++
	}
	e.firedTimes = e.firedTimes[i:]
	return len(e.firedTimes) < e.settings.MaxInterruptsPerMinute
}

// EvaluateForInterrupt judges the current speaker's recent content for an
// interjection opportunity. Returns nil (no candidate, no error) when an
// evaluation is already in flight, the per-minute cap is hit, the judgment
// does not parse, the named interrupter is unknown or ineligible, the
// adjusted relevance falls below the threshold, or the interrupter is on
// cooldown. Only provider transport failures surface as errors.
func (e *InterruptionEngine) EvaluateForInterrupt(ctx context.Context, ictx InterruptContext) (*InterruptCandidate, error) {
	e.mu.Lock()
	if e.evaluating {
		e.mu.Unlock()
		return nil, nil
	}
	if !e.underRateCapLocked() {
		e.mu.Unlock()
		e.log.Debug().Msg("interrupt rate cap reached, skipping evaluation")
		return nil, nil
	}
	e.evaluating = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.evaluating = false
		e.mu.Unlock()
	}()

	result, err := e.provider.Generate(ctx, GenerationRequest{
		Model:       e.model,
		Messages:    buildJudgeMessages(ictx),
		Temperature: 0.4,
		MaxTokens:   200,
	})
	if err != nil {
		return nil, fmt.Errorf("interrupt evaluation failed: %w", err)
	}

	judgment, ok := parseJudgment(result.Content)
	if !ok || !judgment.ShouldInterrupt {
		return nil, nil
	}

	interrupter, ok := ParseSpeaker(strings.ToLower(strings.TrimSpace(judgment.Interrupter)))
	if !ok || !containsSpeaker(ictx.EligibleInterrupters, interrupter) {
		e.log.Debug().Str("interrupter", judgment.Interrupter).Msg("judge named unknown or ineligible interrupter")
		return nil, nil
	}

	adjusted := judgment.RelevanceScore * aggressionMultiplier(e.settings.AggressionLevel)
	if adjusted < e.settings.RelevanceThreshold {
		e.log.Debug().
			Float64("adjusted", adjusted).
			Float64("threshold", e.settings.RelevanceThreshold).
			Msg("interrupt below relevance threshold")
		return nil, nil
	}

	if !e.CanSpeakerInterrupt(interrupter) {
		e.log.Debug().Str("speaker", string(interrupter)).Msg("interrupter still in cooldown")
		return nil, nil
	}

	return &InterruptCandidate{
		Speaker:            interrupter,
		RelevanceScore:     adjusted,
		ContradictionScore: judgment.ContradictionScore,
		CombinedScore:      adjusted + judgment.ContradictionScore*e.settings.ContradictionBoost,
		TriggerPhrase:      judgment.TriggerPhrase,
	}, nil
}

// ScheduleInterrupt persists a Scheduled interruption and stores it as the
// single pending candidate. Rejects with ErrInterruptPending if the slot is
// occupied.
func (e *InterruptionEngine) ScheduleInterrupt(ctx context.Context, cand *InterruptCandidate, scheduledAtMs int64, interrupted Speaker) (*Interruption, error) {
	e.mu.Lock()
	if e.pending != nil {
		e.mu.Unlock()
		return nil, ErrInterruptPending
	}

	ir := &Interruption{
		ID:                 uuid.New().String(),
		DebateID:           e.debateID,
		Status:             InterruptionScheduled,
		Interrupter:        cand.Speaker,
		Interrupted:        interrupted,
		RelevanceScore:     cand.RelevanceScore,
		ContradictionScore: cand.ContradictionScore,
		CombinedScore:      cand.CombinedScore,
		TriggerPhrase:      cand.TriggerPhrase,
		ScheduledAtMs:      scheduledAtMs,
	}
	e.pending = ir
	e.mu.Unlock()

	if err := e.store.CreateInterruption(ir); err != nil {
		e.mu.Lock()
		e.pending = nil
		e.mu.Unlock()
		return nil, fmt.Errorf("failed to persist interruption: %w", err)
	}

	e.log.Info().
		Str("interrupter", string(cand.Speaker)).
		Float64("combined_score", cand.CombinedScore).
		Msg("interruption scheduled")
	e.emit(EventInterruptScheduled, ir, "")
	scheduled := *ir
	return &scheduled, nil
}

// FireInterrupt generates a short interjection for the pending candidate and
// persists the record as Fired. On generation failure the pending candidate
// is cancelled rather than left dangling; the debate is never aborted by a
// failed interjection.
func (e *InterruptionEngine) FireInterrupt(ctx context.Context, ictx InterruptContext, atToken int, firedAtMs int64) (*Interruption, error) {
	e.mu.Lock()
	if e.pending == nil {
		e.mu.Unlock()
		return nil, ErrNoPendingInterrupt
	}
	pending := e.pending
	e.mu.Unlock()

	result, err := e.provider.Generate(ctx, GenerationRequest{
		Model:       e.model,
		Messages:    buildInterjectionMessages(ictx, pending),
		Temperature: 0.9,
		MaxTokens:   e.settings.InterjectionMaxTokens,
	})
	if err != nil {
		reason := fmt.Sprintf("interjection generation failed: %v", err)
		if cancelErr := e.CancelPendingInterrupt(ctx, reason); cancelErr != nil {
			e.log.Error().Err(cancelErr).Msg("failed to cancel pending interruption")
		}
		return nil, fmt.Errorf("interjection generation failed: %w", err)
	}

	content := strings.TrimSpace(result.Content)

	e.mu.Lock()
	pending.Status = InterruptionFired
	pending.Content = content
	pending.TokenOffset = atToken
	pending.FiredAtMs = firedAtMs
	fired := *pending
	e.lastFired[pending.Interrupter] = e.now()
	e.firedTimes = append(e.firedTimes, e.now())
	e.pending = nil
	e.mu.Unlock()

	if err := e.store.FireInterruption(e.debateID, fired.ID, content, atToken, firedAtMs); err != nil {
		return nil, fmt.Errorf("failed to persist fired interruption: %w", err)
	}

	e.log.Info().
		Str("interrupter", string(fired.Interrupter)).
		Int("token_offset", atToken).
		Msg("interruption fired")
	e.emit(EventInterruptFired, &fired, "")
	return &fired, nil
}

// CancelPendingInterrupt clears the pending slot and persists the
// cancellation. A no-op when nothing is pending.
func (e *InterruptionEngine) CancelPendingInterrupt(ctx context.Context, reason string) error {
	e.mu.Lock()
	if e.pending == nil {
		e.mu.Unlock()
		return nil
	}
	pending := e.pending
	pending.Status = InterruptionCancelled
	pending.CancelReason = reason
	cancelled := *pending
	e.pending = nil
	e.mu.Unlock()

	if err := e.store.CancelInterruption(e.debateID, cancelled.ID, reason); err != nil {
		return fmt.Errorf("failed to persist cancellation: %w", err)
	}

	e.log.Info().Str("reason", reason).Msg("interruption cancelled")
	e.emit(EventInterruptCancelled, &cancelled, reason)
	return nil
}

func containsSpeaker(speakers []Speaker, s Speaker) bool {
	for _, candidate := range speakers {
		if candidate == s {
			return true
		}
	}
	return false
}

// parseJudgment extracts the structured verdict from freeform judge output.
// Tolerates markdown code fences and surrounding prose; anything that does
// not contain a parseable JSON object yields no judgment, never an error.
func parseJudgment(content string) (interruptJudgment, bool) {
	var judgment interruptJudgment
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return judgment, false
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &judgment); err != nil {
		return judgment, false
	}
	return judgment, true
}

func buildJudgeMessages(ictx InterruptContext) []ChatMessage {
	var eligible strings.Builder
	for i, s := range ictx.EligibleInterrupters {
		if i > 0 {
			eligible.WriteString(", ")
		}
		eligible.WriteString(string(s))
	}

	prompt := fmt.Sprintf(`You are judging a live debate on the proposition: %s

The %s speaker is currently saying:
%s

Eligible interrupters: %s

Decide whether one of the eligible interrupters should interject right now.
Respond with ONLY a JSON object in this exact shape:
{"should_interrupt": true or false, "interrupter": "speaker name", "relevance_score": 0.0-1.0, "contradiction_score": 0.0-1.0, "trigger_phrase": "the exact phrase that prompted the interjection"}`,
		ictx.Proposition, ictx.CurrentSpeaker, ictx.RecentContent, eligible.String())

	return []ChatMessage{{Role: "user", Content: prompt}}
}

func buildInterjectionMessages(ictx InterruptContext, ir *Interruption) []ChatMessage {
	position := ictx.Positions[ir.Interrupter]
	if position == "" {
		position = fmt.Sprintf("the %s side of the debate", ir.Interrupter)
	}

	prompt := fmt.Sprintf(`You are the %s speaker in a live debate on: %s
Your position: %s

The %s speaker just said: "%s"

Interject with a SHORT, punchy reaction of 1-2 sentences at most, directly
responding to that phrase. Speak in first person, as if cutting in mid-sentence.`,
		ir.Interrupter, ictx.Proposition, position, ir.Interrupted, ir.TriggerPhrase)

	return []ChatMessage{{Role: "user", Content: prompt}}
}
