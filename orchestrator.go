package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// GenerationProvider produces text for one request. Used by turn execution,
// intervention responses, and the interruption engine.
type GenerationProvider interface {
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error)
}

// ErrDebateStopped marks work abandoned because the debate was stopped. It
// is a clean exit signal, not a failure.
var ErrDebateStopped = errors.New("debate stopped")

// Flow modes: auto runs turns back to back, step gates every turn on an
// external continue signal.
const (
	FlowModeAuto = "auto"
	FlowModeStep = "step"
)

// OrchestratorConfig is read once at construction time.
type OrchestratorConfig struct {
	MaxRetries         int     `json:"max_retries" yaml:"max_retries" validate:"gte=1"`
	RetryDelayMs       int64   `json:"retry_delay_ms" yaml:"retry_delay_ms" validate:"gte=0"`
	AgentTimeoutMs     int64   `json:"agent_timeout_ms" yaml:"agent_timeout_ms" validate:"gt=0"`
	ValidateUtterances bool    `json:"validate_utterances" yaml:"validate_utterances"`
	BroadcastEvents    bool    `json:"broadcast_events" yaml:"broadcast_events"`
	FlowMode           string  `json:"flow_mode" yaml:"flow_mode" validate:"oneof=auto step"`
	StepPollMs         int64   `json:"step_poll_ms" yaml:"step_poll_ms" validate:"gt=0"`
	PausePollMs        int64   `json:"pause_poll_ms" yaml:"pause_poll_ms" validate:"gt=0"`
	Temperature        float64 `json:"temperature" yaml:"temperature"`
	MaxTokens          int     `json:"max_tokens" yaml:"max_tokens"`
}

// DefaultOrchestratorConfig returns the standard orchestration settings.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxRetries:         3,
		RetryDelayMs:       2000,
		AgentTimeoutMs:     120_000,
		ValidateUtterances: true,
		BroadcastEvents:    true,
		FlowMode:           FlowModeAuto,
		StepPollMs:         500,
		PausePollMs:        1000,
		Temperature:        0.8,
		MaxTokens:          600,
	}
}

// livelyPhases are the phases during which the interruption engine is
// consulted after each pro/con turn.
var livelyPhases = map[Phase]bool{
	PhaseCrossExam: true,
	PhaseRebuttal:  true,
}

// DebateOrchestrator drives one debate to completion: it sequences phases,
// assigns turns, invokes the generation provider per turn, persists and
// broadcasts results, and owns the pause/stop flags for its debate.
type DebateOrchestrator struct {
	debateID    string
	cfg         OrchestratorConfig
	planner     TurnPlanner
	provider    GenerationProvider
	store       DebateStore
	broadcaster Broadcaster
	engine      *InterruptionEngine
	machine     *PhaseStateMachine
	validate    *validator.Validate
	log         zerolog.Logger

	models    map[Speaker]string
	personas  map[Speaker]string
	citations []Citation

	flags controlFlags
	now   func() time.Time

	// stateMu guards proposition, startedAtMs, and utterances: the run loop
	// writes them while request goroutines (interventions, stop) read.
	stateMu     sync.RWMutex
	startedAtMs int64
	nextTs      int64
	proposition string
	utterances  []Utterance
}

// controlFlags are the orchestrator's pause/stop state, polled by every wait
// loop so a control request takes effect within one polling interval.
type controlFlags struct {
	mu      sync.RWMutex
	paused  bool
	stopped bool
}

func (f *controlFlags) isPaused() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.paused
}

func (f *controlFlags) isStopped() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.stopped
}

// NewDebateOrchestrator wires an orchestrator for one debate. engine may be
// nil for a debate without live interruptions.
func NewDebateOrchestrator(
	debateID string,
	cfg OrchestratorConfig,
	planner TurnPlanner,
	provider GenerationProvider,
	store DebateStore,
	broadcaster Broadcaster,
	engine *InterruptionEngine,
	models map[Speaker]string,
) *DebateOrchestrator {
	return &DebateOrchestrator{
		debateID:    debateID,
		cfg:         cfg,
		planner:     planner,
		provider:    provider,
		store:       store,
		broadcaster: broadcaster,
		engine:      engine,
		machine:     NewPhaseStateMachine(),
		validate:    validator.New(),
		log:         logger.With().Str("component", "orchestrator").Str("debate_id", debateID).Logger(),
		models:      models,
		personas:    make(map[Speaker]string),
		now:         time.Now,
	}
}

// SetPersona attaches a persona description used in a speaker's system
// prompt.
func (o *DebateOrchestrator) SetPersona(s Speaker, persona string) {
	o.personas[s] = persona
}

// SetCitations attaches retrieval citations to every generation context.
func (o *DebateOrchestrator) SetCitations(citations []Citation) {
	o.citations = citations
}

// Machine exposes the phase state machine for status queries.
func (o *DebateOrchestrator) Machine() *PhaseStateMachine {
	return o.machine
}

func (o *DebateOrchestrator) modelFor(s Speaker) string {
	if model, ok := o.models[s]; ok {
		return model
	}
	return o.models[SpeakerModerator]
}

// nextTimestampMs returns the current time in millis, clamped so utterance
// timestamps are monotonically non-decreasing within the debate.
func (o *DebateOrchestrator) nextTimestampMs() int64 {
	ts := o.now().UnixMilli()
	if ts < o.nextTs {
		ts = o.nextTs
	}
	o.nextTs = ts
	return ts
}

func (o *DebateOrchestrator) broadcast(eventType string, payload any) {
	if !o.cfg.BroadcastEvents || o.broadcaster == nil {
		return
	}
	o.broadcaster.Broadcast(o.debateID, eventType, payload)
}

// StartDebate normalizes and validates the proposition, runs every phase in
// order, then completes the debate and returns the final transcript. Any
// failure moves the state machine to its error state and is re-raised to the
// caller, which owns user-facing reporting.
func (o *DebateOrchestrator) StartDebate(ctx context.Context, rawProposition string) (*Transcript, error) {
	proposition, err := NormalizeProposition(ctx, o.provider, o.modelFor(SpeakerModerator), rawProposition)
	if err != nil {
		return nil, o.failDebate(err)
	}
	o.stateMu.Lock()
	o.proposition = proposition
	o.stateMu.Unlock()

	// A pause request may land while the proposition check is in flight;
	// honor it before the first machine transition.
	if err := o.waitWhilePaused(ctx); err != nil {
		return nil, o.failDebate(err)
	}

	startedAt := o.now()
	o.stateMu.Lock()
	o.startedAtMs = startedAt.UnixMilli()
	o.stateMu.Unlock()
	o.nextTs = startedAt.UnixMilli()
	if err := o.store.MarkStarted(o.debateID, startedAt.UnixMilli()); err != nil {
		return nil, o.failDebate(fmt.Errorf("failed to mark debate started: %w", err))
	}
	if err := o.machine.Advance(); err != nil {
		return nil, o.failDebate(err)
	}

	o.log.Info().Str("proposition", proposition).Msg("debate started")

	if err := o.executeAllPhases(ctx); err != nil {
		return nil, o.failDebate(fmt.Errorf("debate execution failed: %w", err))
	}

	if o.flags.isStopped() {
		// Stop already persisted terminal status and elapsed time; return
		// the partial transcript without completing.
		return o.buildTranscript(), nil
	}

	// Same boundary rule as phase transitions: a pause landing on the final
	// turn must not collide with the completion transition.
	if err := o.waitWhilePaused(ctx); err != nil {
		return nil, o.failDebate(err)
	}
	if o.flags.isStopped() {
		return o.buildTranscript(), nil
	}

	transcript, err := o.completeDebate()
	if err != nil {
		return nil, o.failDebate(fmt.Errorf("debate completion failed: %w", err))
	}
	return transcript, nil
}

// failDebate moves the machine to its error state, persists the errored
// status, and returns err for re-raising.
func (o *DebateOrchestrator) failDebate(err error) error {
	o.machine.Fail()
	if statusErr := o.store.UpdateStatus(o.debateID, DebateErrored); statusErr != nil {
		o.log.Error().Err(statusErr).Msg("failed to persist errored status")
	}
	return err
}

// executeAllPhases iterates the six phases in fixed order, honoring stop and
// pause at every phase boundary.
func (o *DebateOrchestrator) executeAllPhases(ctx context.Context) error {
	for i, phase := range DebatePhases {
		if o.flags.isStopped() {
			return nil
		}
		if err := o.waitWhilePaused(ctx); err != nil {
			return err
		}
		if o.flags.isStopped() {
			return nil
		}

		if err := o.executePhase(ctx, phase); err != nil {
			if errors.Is(err, ErrDebateStopped) {
				return nil
			}
			return err
		}

		// A pause that lands on a phase's final turn holds here, so the
		// machine is resumed before the boundary transition.
		if o.flags.isStopped() {
			return nil
		}
		if err := o.waitWhilePaused(ctx); err != nil {
			return err
		}

		if i < len(DebatePhases)-1 && !o.flags.isStopped() {
			if err := o.machine.Advance(); err != nil {
				return err
			}
		}
	}
	return nil
}

// executePhase runs every turn of one phase in plan order, with the same
// stop/pause checks at each turn boundary.
func (o *DebateOrchestrator) executePhase(ctx context.Context, phase Phase) error {
	plan, err := o.planner.GetPhaseExecutionPlan(phase)
	if err != nil {
		return fmt.Errorf("failed to get execution plan for %s: %w", phase, err)
	}

	o.log.Info().Str("phase", string(phase)).Int("turns", len(plan.Turns)).Msg("phase started")
	o.broadcast(EventPhaseStart, map[string]any{
		"phase":      phase,
		"name":       plan.Metadata.Name,
		"turn_count": len(plan.Turns),
	})

	executed := 0
	for _, turn := range plan.Turns {
		if o.flags.isStopped() {
			break
		}
		if err := o.waitWhilePaused(ctx); err != nil {
			return err
		}
		if o.flags.isStopped() {
			break
		}

		if err := o.executeTurn(ctx, phase, turn); err != nil {
			if errors.Is(err, ErrDebateStopped) {
				break
			}
			return err
		}
		executed++
	}

	if !o.flags.isStopped() {
		o.broadcast(EventPhaseComplete, map[string]any{
			"phase":          phase,
			"turns_executed": executed,
		})
	}
	return nil
}

// executeTurn builds generation context from prior utterances and config,
// invokes the generation call with retry, and records the result.
func (o *DebateOrchestrator) executeTurn(ctx context.Context, phase Phase, turn Turn) error {
	messages := o.buildTurnMessages(phase, turn)

	started := o.now()
	result, err := o.callAgent(ctx, turn.Speaker, messages)
	if err != nil {
		return fmt.Errorf("turn %d (%s/%s) failed: %w", turn.TurnNumber, phase, turn.Speaker, err)
	}
	generationMs := o.now().Sub(started).Milliseconds()

	utterance := Utterance{
		ID:          uuid.New().String(),
		DebateID:    o.debateID,
		Phase:       phase,
		Speaker:     turn.Speaker,
		Content:     strings.TrimSpace(result.Content),
		TimestampMs: o.nextTimestampMs(),
		Metadata: UtteranceMetadata{
			PromptType:       turn.PromptType,
			TurnNumber:       turn.TurnNumber,
			GenerationTimeMs: generationMs,
			Model:            o.modelFor(turn.Speaker),
		},
	}

	if err := o.recordUtterance(ctx, &utterance); err != nil {
		return err
	}

	if o.engine != nil && livelyPhases[phase] && (turn.Speaker == SpeakerPro || turn.Speaker == SpeakerCon) {
		o.tryInterrupt(ctx, phase, turn.Speaker, utterance.Content)
	}
	return nil
}

// tryInterrupt runs the evaluate/schedule/fire sequence after a lively turn.
// Interruption failures never abort the debate; they are logged and, for a
// failed fire, the engine cancels the pending candidate itself.
func (o *DebateOrchestrator) tryInterrupt(ctx context.Context, phase Phase, speaking Speaker, content string) {
	opponent := SpeakerCon
	if speaking == SpeakerCon {
		opponent = SpeakerPro
	}

	o.stateMu.RLock()
	proposition := o.proposition
	o.stateMu.RUnlock()

	ictx := InterruptContext{
		DebateID:             o.debateID,
		Proposition:          proposition,
		CurrentSpeaker:       speaking,
		RecentContent:        content,
		EligibleInterrupters: []Speaker{opponent},
		Positions: map[Speaker]string{
			SpeakerPro: "arguing FOR the proposition",
			SpeakerCon: "arguing AGAINST the proposition",
		},
	}

	candidate, err := o.engine.EvaluateForInterrupt(ctx, ictx)
	if err != nil {
		o.log.Warn().Err(err).Msg("interrupt evaluation failed")
		return
	}
	if candidate == nil {
		return
	}

	if _, err := o.engine.ScheduleInterrupt(ctx, candidate, o.now().UnixMilli(), speaking); err != nil {
		o.log.Warn().Err(err).Msg("failed to schedule interruption")
		return
	}

	atToken := len(strings.Fields(content))
	fired, err := o.engine.FireInterrupt(ctx, ictx, atToken, o.now().UnixMilli())
	if err != nil {
		o.log.Warn().Err(err).Msg("interruption fire failed, candidate cancelled")
		return
	}

	interjection := Utterance{
		ID:          uuid.New().String(),
		DebateID:    o.debateID,
		Phase:       phase,
		Speaker:     fired.Interrupter,
		Content:     fired.Content,
		TimestampMs: o.nextTimestampMs(),
		Metadata: UtteranceMetadata{
			PromptType: "interjection",
			Model:      o.engine.model,
		},
	}
	if err := o.recordUtterance(ctx, &interjection); err != nil {
		o.log.Warn().Err(err).Msg("failed to record interjection utterance")
	}
}

// callAgent invokes the generation provider with retry: up to MaxRetries
// attempts with a fixed inter-attempt delay. The delay is deliberately fixed
// rather than exponential; timing contracts depend on it. The final
// attempt's failure is wrapped and fatal to the turn.
func (o *DebateOrchestrator) callAgent(ctx context.Context, speaker Speaker, messages []ChatMessage) (*GenerationResult, error) {
	req := GenerationRequest{
		Model:       o.modelFor(speaker),
		Messages:    messages,
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
	}

	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.AgentTimeoutMs)*time.Millisecond)
		result, err := o.provider.Generate(callCtx, req)
		cancel()
		if err == nil {
			return result, nil
		}

		lastErr = err
		o.log.Warn().Err(err).Int("attempt", attempt).Str("speaker", string(speaker)).Msg("generation attempt failed")
		if attempt < o.cfg.MaxRetries {
			time.Sleep(time.Duration(o.cfg.RetryDelayMs) * time.Millisecond)
		}
	}
	return nil, fmt.Errorf("generation failed after %d attempts: %w", o.cfg.MaxRetries, lastErr)
}

// recordUtterance validates (non-fatally), persists, broadcasts, and in step
// mode blocks the turn loop until the awaiting-continue flag is cleared or
// the debate stops.
func (o *DebateOrchestrator) recordUtterance(ctx context.Context, u *Utterance) error {
	if o.flags.isStopped() {
		return ErrDebateStopped
	}

	if o.cfg.ValidateUtterances {
		if err := o.validate.Struct(u); err != nil {
			u.Metadata.Warnings = append(u.Metadata.Warnings, fmt.Sprintf("schema validation failed: %v", err))
			o.log.Warn().Err(err).Str("speaker", string(u.Speaker)).Msg("utterance failed schema validation")
		}
	}

	if err := o.store.CreateUtterance(u); err != nil {
		return fmt.Errorf("failed to persist utterance: %w", err)
	}
	o.stateMu.Lock()
	o.utterances = append(o.utterances, *u)
	o.stateMu.Unlock()

	o.broadcast(EventUtterance, u)
	o.log.Info().
		Str("phase", string(u.Phase)).
		Str("speaker", string(u.Speaker)).
		Int("turn", u.Metadata.TurnNumber).
		Int64("generation_ms", u.Metadata.GenerationTimeMs).
		Msg("utterance recorded")

	if o.cfg.FlowMode == FlowModeStep {
		return o.waitForContinue(ctx)
	}
	return nil
}

// waitForContinue blocks in a fixed-interval polling loop until the
// persisted awaiting-continue flag is cleared externally, the debate stops,
// or the context ends.
func (o *DebateOrchestrator) waitForContinue(ctx context.Context) error {
	if err := o.store.SetAwaitingContinue(o.debateID, true); err != nil {
		return fmt.Errorf("failed to set awaiting-continue: %w", err)
	}
	o.broadcast(EventAwaitingContinue, map[string]any{"awaiting": true})

	interval := time.Duration(o.cfg.StepPollMs) * time.Millisecond
	for {
		if o.flags.isStopped() {
			return ErrDebateStopped
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		debate, err := o.store.FindDebate(o.debateID)
		if err != nil {
			return fmt.Errorf("failed to poll awaiting-continue: %w", err)
		}
		if debate == nil || !debate.AwaitingContinue {
			return nil
		}
	}
}

// waitWhilePaused blocks in a fixed-interval polling loop while the debate
// is paused, exiting promptly on stop or context end.
func (o *DebateOrchestrator) waitWhilePaused(ctx context.Context) error {
	interval := time.Duration(o.cfg.PausePollMs) * time.Millisecond
	for o.flags.isPaused() && !o.flags.isStopped() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil
}

// Pause suspends phase/turn progression at the next boundary.
func (o *DebateOrchestrator) Pause() error {
	if err := o.machine.Pause(); err != nil {
		return err
	}
	o.flags.mu.Lock()
	o.flags.paused = true
	o.flags.mu.Unlock()
	if err := o.store.UpdateStatus(o.debateID, DebatePaused); err != nil {
		o.log.Error().Err(err).Msg("failed to persist paused status")
	}
	o.broadcast(EventDebatePaused, nil)
	o.log.Info().Msg("debate paused")
	return nil
}

// Resume continues a paused debate at the next unexecuted turn.
func (o *DebateOrchestrator) Resume() error {
	if err := o.machine.Resume(); err != nil {
		return err
	}
	o.flags.mu.Lock()
	o.flags.paused = false
	o.flags.mu.Unlock()
	if err := o.store.UpdateStatus(o.debateID, DebateRunning); err != nil {
		o.log.Error().Err(err).Msg("failed to persist running status")
	}
	o.broadcast(EventDebateResumed, nil)
	o.log.Info().Msg("debate resumed")
	return nil
}

// Stop terminates the debate. Terminal: in-progress pause or step waits exit
// within one polling interval, no further utterances are recorded, and the
// persisted status moves to stopped with elapsed time frozen.
func (o *DebateOrchestrator) Stop(reason string) error {
	o.flags.mu.Lock()
	alreadyStopped := o.flags.stopped
	o.flags.stopped = true
	o.flags.mu.Unlock()
	if alreadyStopped {
		return nil
	}

	endedAt := o.now().UnixMilli()
	if err := o.store.StopDebate(o.debateID, reason, endedAt); err != nil {
		return fmt.Errorf("failed to persist stop: %w", err)
	}

	o.stateMu.RLock()
	startedAtMs := o.startedAtMs
	o.stateMu.RUnlock()
	o.broadcast(EventDebateStopped, map[string]any{
		"reason":     reason,
		"elapsed_ms": endedAt - startedAtMs,
	})
	o.log.Info().Str("reason", reason).Msg("debate stopped")
	return nil
}

// HandleIntervention injects a user message, optionally pausing the debate,
// generates a response from the targeted speaker (moderator by default),
// persists it, and broadcasts it.
func (o *DebateOrchestrator) HandleIntervention(ctx context.Context, content string, directedTo Speaker, pauseDebate bool) (*Intervention, error) {
	if pauseDebate && !o.flags.isPaused() {
		if err := o.Pause(); err != nil {
			o.log.Warn().Err(err).Msg("could not pause for intervention")
		}
	}

	target := directedTo
	if target == "" {
		target = SpeakerModerator
	}

	intervention := &Intervention{
		ID:          uuid.New().String(),
		DebateID:    o.debateID,
		Content:     content,
		DirectedTo:  target,
		CreatedAtMs: o.now().UnixMilli(),
	}
	if err := o.store.CreateIntervention(intervention); err != nil {
		return nil, fmt.Errorf("failed to persist intervention: %w", err)
	}

	messages := o.buildInterventionMessages(target, content)
	result, err := o.callAgent(ctx, target, messages)
	if err != nil {
		return nil, fmt.Errorf("intervention response failed: %w", err)
	}

	intervention.Response = strings.TrimSpace(result.Content)
	if err := o.store.AddInterventionResponse(o.debateID, intervention.ID, intervention.Response); err != nil {
		return nil, fmt.Errorf("failed to persist intervention response: %w", err)
	}

	o.broadcast(EventInterventionResponse, intervention)
	o.log.Info().Str("directed_to", string(target)).Msg("intervention handled")
	return intervention, nil
}

// completeDebate builds and persists the final transcript, marks the debate
// complete, and broadcasts completion. The machine transition happens after
// persistence so a storage failure still lands in the error state.
func (o *DebateOrchestrator) completeDebate() (*Transcript, error) {
	transcript := o.buildTranscript()
	if err := o.store.SaveTranscript(o.debateID, transcript); err != nil {
		return nil, fmt.Errorf("failed to save transcript: %w", err)
	}

	endedAt := o.now().UnixMilli()
	if err := o.store.CompleteDebate(o.debateID, endedAt); err != nil {
		return nil, fmt.Errorf("failed to complete debate: %w", err)
	}

	if err := o.machine.Complete(); err != nil {
		return nil, err
	}

	o.broadcast(EventDebateComplete, map[string]any{
		"total_elapsed_ms": transcript.TotalDurationMs,
		"utterance_count":  transcript.UtteranceCount,
	})
	o.log.Info().Int("utterances", transcript.UtteranceCount).Msg("debate completed")
	return transcript, nil
}

// snapshotHistory copies the proposition and utterance history under the
// state lock. Request goroutines (interventions) read the history while the
// run loop is still appending to it.
func (o *DebateOrchestrator) snapshotHistory() (string, []Utterance) {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	history := make([]Utterance, len(o.utterances))
	copy(history, o.utterances)
	return o.proposition, history
}

// buildTranscript groups all utterances by phase in fixed phase order.
// Per-phase start/end are the min/max utterance timestamps; the speaker set
// lists distinct speakers in order of first appearance.
func (o *DebateOrchestrator) buildTranscript() *Transcript {
	proposition, history := o.snapshotHistory()

	byPhase := make(map[Phase][]Utterance)
	for _, u := range history {
		byPhase[u.Phase] = append(byPhase[u.Phase], u)
	}

	transcript := &Transcript{
		DebateID:       o.debateID,
		Proposition:    proposition,
		Phases:         []TranscriptPhase{},
		UtteranceCount: len(history),
	}

	var firstMs, lastMs int64
	for _, phase := range DebatePhases {
		utterances := byPhase[phase]
		if len(utterances) == 0 {
			continue
		}

		start, end := utterances[0].TimestampMs, utterances[0].TimestampMs
		seen := make(map[Speaker]bool)
		speakers := []Speaker{}
		for _, u := range utterances {
			if u.TimestampMs < start {
				start = u.TimestampMs
			}
			if u.TimestampMs > end {
				end = u.TimestampMs
			}
			if !seen[u.Speaker] {
				seen[u.Speaker] = true
				speakers = append(speakers, u.Speaker)
			}
		}

		transcript.Phases = append(transcript.Phases, TranscriptPhase{
			Phase:      phase,
			StartMs:    start,
			EndMs:      end,
			DurationMs: end - start,
			Speakers:   speakers,
			Utterances: utterances,
		})

		if firstMs == 0 || start < firstMs {
			firstMs = start
		}
		if end > lastMs {
			lastMs = end
		}
	}

	if lastMs > firstMs {
		transcript.TotalDurationMs = lastMs - firstMs
	}
	return transcript
}

// buildTurnMessages assembles the generation context for one turn: a system
// prompt from persona, position, prompt type, and citations, followed by the
// debate history.
func (o *DebateOrchestrator) buildTurnMessages(phase Phase, turn Turn) []ChatMessage {
	proposition, history := o.snapshotHistory()

	var system strings.Builder
	fmt.Fprintf(&system, "You are the %s speaker in a formal debate.\n", turn.Speaker)
	fmt.Fprintf(&system, "Proposition: %s\n", proposition)

	switch turn.Speaker {
	case SpeakerPro:
		system.WriteString("You argue FOR the proposition.\n")
	case SpeakerCon:
		system.WriteString("You argue AGAINST the proposition.\n")
	case SpeakerModerator:
		system.WriteString("You are a neutral moderator guiding the debate.\n")
	}

	if persona := o.personas[turn.Speaker]; persona != "" {
		fmt.Fprintf(&system, "Persona: %s\n", persona)
	}
	fmt.Fprintf(&system, "Current phase: %s. Your task for this turn: %s.\n", phase, turn.PromptType)

	if len(o.citations) > 0 {
		system.WriteString("\nReference material you may cite:\n")
		for _, c := range o.citations {
			fmt.Fprintf(&system, "- %s (%s): %s\n", c.Title, c.URL, c.Excerpt)
		}
	}

	messages := []ChatMessage{{Role: "system", Content: system.String()}}
	for _, u := range history {
		messages = append(messages, ChatMessage{
			Role:    "user",
			Content: fmt.Sprintf("[%s/%s] %s", u.Phase, u.Speaker, u.Content),
		})
	}
	messages = append(messages, ChatMessage{
		Role:    "user",
		Content: fmt.Sprintf("It is now your turn. Deliver your %s.", turn.PromptType),
	})
	return messages
}

// buildInterventionMessages assembles the context for answering a user
// intervention.
func (o *DebateOrchestrator) buildInterventionMessages(target Speaker, content string) []ChatMessage {
	proposition, history := o.snapshotHistory()

	var system strings.Builder
	fmt.Fprintf(&system, "You are the %s in a live debate on: %s\n", target, proposition)
	system.WriteString("A member of the audience has interjected with a message. Respond to it directly and briefly, then hand the floor back.\n")

	messages := []ChatMessage{{Role: "system", Content: system.String()}}
	for _, u := range history {
		messages = append(messages, ChatMessage{
			Role:    "user",
			Content: fmt.Sprintf("[%s/%s] %s", u.Phase, u.Speaker, u.Content),
		})
	}
	messages = append(messages, ChatMessage{
		Role:    "user",
		Content: fmt.Sprintf("Audience message: %s", content),
	})
	return messages
}
