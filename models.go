package main

import "time"

// Phase is one of the six fixed debate stages, executed in order.
type Phase string

const (
	PhaseOpening      Phase = "opening"
	PhaseConstructive Phase = "constructive"
	PhaseCrossExam    Phase = "cross_exam"
	PhaseRebuttal     Phase = "rebuttal"
	PhaseClosing      Phase = "closing"
	PhaseSynthesis    Phase = "synthesis"
)

// DebatePhases lists every phase in execution order. The orchestrator never
// skips or repeats an entry.
var DebatePhases = []Phase{
	PhaseOpening,
	PhaseConstructive,
	PhaseCrossExam,
	PhaseRebuttal,
	PhaseClosing,
	PhaseSynthesis,
}

// PhaseIndex returns the position of p in DebatePhases, or -1 if p is not a
// known phase.
func PhaseIndex(p Phase) int {
	for i, phase := range DebatePhases {
		if phase == p {
			return i
		}
	}
	return -1
}

// Speaker identifies who produces an utterance. The set is closed.
type Speaker string

const (
	SpeakerPro       Speaker = "pro"
	SpeakerCon       Speaker = "con"
	SpeakerModerator Speaker = "moderator"
	SpeakerSystem    Speaker = "system"
)

// ParseSpeaker maps a freeform string onto the closed speaker set.
// Returns false for anything outside the set; callers treat that as
// "no speaker" rather than an error.
func ParseSpeaker(s string) (Speaker, bool) {
	switch Speaker(s) {
	case SpeakerPro, SpeakerCon, SpeakerModerator, SpeakerSystem:
		return Speaker(s), true
	}
	return "", false
}

// Turn is one scheduled speaking slot within a phase.
type Turn struct {
	Speaker    Speaker `json:"speaker"`
	PromptType string  `json:"prompt_type"`
	TurnNumber int     `json:"turn_number"`
}

// PlanMetadata describes a phase execution plan.
type PlanMetadata struct {
	Name               string `json:"name"`
	ExpectedDurationMs int64  `json:"expected_duration_ms"`
}

// PhasePlan is the ordered turn list for one phase, consumed in array order.
type PhasePlan struct {
	Turns    []Turn       `json:"turns"`
	Metadata PlanMetadata `json:"metadata"`
}

// UtteranceMetadata carries per-turn generation details.
type UtteranceMetadata struct {
	PromptType       string   `json:"prompt_type"`
	TurnNumber       int      `json:"turn_number"`
	GenerationTimeMs int64    `json:"generation_time_ms"`
	Model            string   `json:"model"`
	Warnings         []string `json:"warnings,omitempty"`
}

// Utterance is the persisted text output of one completed turn or one fired
// interruption. Immutable once persisted.
type Utterance struct {
	ID          string            `json:"id"`
	DebateID    string            `json:"debate_id" validate:"required"`
	Phase       Phase             `json:"phase" validate:"required"`
	Speaker     Speaker           `json:"speaker" validate:"required,oneof=pro con moderator system"`
	Content     string            `json:"content" validate:"required"`
	TimestampMs int64             `json:"timestamp_ms" validate:"gte=0"`
	Metadata    UtteranceMetadata `json:"metadata"`
}

// Intervention is a user-injected message with an optionally attached
// generated response. Created on demand, outside the turn loop.
type Intervention struct {
	ID          string  `json:"id"`
	DebateID    string  `json:"debate_id"`
	Content     string  `json:"content"`
	DirectedTo  Speaker `json:"directed_to"`
	Response    string  `json:"response,omitempty"`
	CreatedAtMs int64   `json:"created_at_ms"`
}

// InterruptCandidate is a transient, in-memory interrupt opportunity awaiting
// a firing decision. At most one unresolved candidate exists per debate.
type InterruptCandidate struct {
	Speaker            Speaker `json:"speaker"`
	RelevanceScore     float64 `json:"relevance_score"`
	ContradictionScore float64 `json:"contradiction_score"`
	CombinedScore      float64 `json:"combined_score"`
	TriggerPhrase      string  `json:"trigger_phrase"`
}

// InterruptionStatus is the persisted interruption lifecycle state.
type InterruptionStatus string

const (
	InterruptionScheduled InterruptionStatus = "scheduled"
	InterruptionFired     InterruptionStatus = "fired"
	InterruptionCancelled InterruptionStatus = "cancelled"
)

// Interruption is the persisted record of a scheduled interjection.
// Scheduled -> Fired | Cancelled; both outcomes are terminal.
type Interruption struct {
	ID                 string             `json:"id"`
	DebateID           string             `json:"debate_id"`
	Status             InterruptionStatus `json:"status"`
	Interrupter        Speaker            `json:"interrupter"`
	Interrupted        Speaker            `json:"interrupted"`
	RelevanceScore     float64            `json:"relevance_score"`
	ContradictionScore float64            `json:"contradiction_score"`
	CombinedScore      float64            `json:"combined_score"`
	TriggerPhrase      string             `json:"trigger_phrase"`
	Content            string             `json:"content,omitempty"`
	TokenOffset        int                `json:"token_offset,omitempty"`
	ScheduledAtMs      int64              `json:"scheduled_at_ms"`
	FiredAtMs          int64              `json:"fired_at_ms,omitempty"`
	CancelReason       string             `json:"cancel_reason,omitempty"`
}

// DebateStatus is the persisted debate lifecycle state.
type DebateStatus string

const (
	DebateCreated   DebateStatus = "created"
	DebateRunning   DebateStatus = "running"
	DebatePaused    DebateStatus = "paused"
	DebateStopped   DebateStatus = "stopped"
	DebateCompleted DebateStatus = "completed"
	DebateErrored   DebateStatus = "errored"
)

// Debate is the persisted aggregate: one debate with everything it produced.
type Debate struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	RawProposition   string         `json:"raw_proposition"`
	Proposition      string         `json:"proposition"`
	Status           DebateStatus   `json:"status"`
	CreatedAt        time.Time      `json:"created_at"`
	StartedAtMs      int64          `json:"started_at_ms,omitempty"`
	EndedAtMs        int64          `json:"ended_at_ms,omitempty"`
	AwaitingContinue bool           `json:"awaiting_continue"`
	StopReason       string         `json:"stop_reason,omitempty"`
	Utterances       []Utterance    `json:"utterances"`
	Interventions    []Intervention `json:"interventions"`
	Interruptions    []Interruption `json:"interruptions"`
	Transcript       *Transcript    `json:"transcript,omitempty"`
}

// DebateMetadata is the listing view of a debate.
type DebateMetadata struct {
	ID             string       `json:"id"`
	Title          string       `json:"title"`
	Proposition    string       `json:"proposition"`
	Status         DebateStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	UtteranceCount int          `json:"utterance_count"`
}

// TranscriptPhase is one phase's slice of the final transcript. Start and end
// are the min/max utterance timestamps within the phase.
type TranscriptPhase struct {
	Phase      Phase       `json:"phase"`
	StartMs    int64       `json:"start_ms"`
	EndMs      int64       `json:"end_ms"`
	DurationMs int64       `json:"duration_ms"`
	Speakers   []Speaker   `json:"speakers"`
	Utterances []Utterance `json:"utterances"`
}

// Transcript is the final snapshot of a finished debate, grouped by phase.
type Transcript struct {
	DebateID        string            `json:"debate_id"`
	Proposition     string            `json:"proposition"`
	Phases          []TranscriptPhase `json:"phases"`
	TotalDurationMs int64             `json:"total_duration_ms"`
	UtteranceCount  int               `json:"utterance_count"`
}

// Citation is retrieval context attached to generation prompts.
type Citation struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Excerpt string `json:"excerpt"`
}

// ChatMessage is a single message sent to the generation provider.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationRequest is the provider-agnostic generation input.
type GenerationRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// GenerationResult is the provider-agnostic generation output.
type GenerationResult struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Broadcast event types emitted over the debate event stream.
const (
	EventPhaseStart           = "phase_start"
	EventPhaseComplete        = "phase_complete"
	EventUtterance            = "utterance"
	EventAwaitingContinue     = "awaiting_continue"
	EventDebatePaused         = "debate_paused"
	EventDebateResumed        = "debate_resumed"
	EventDebateStopped        = "debate_stopped"
	EventDebateComplete       = "debate_complete"
	EventInterventionResponse = "intervention_response"
	EventInterruptScheduled   = "interrupt_scheduled"
	EventInterruptFired       = "interrupt_fired"
	EventInterruptCancelled   = "interrupt_cancelled"
)

// CreateDebateRequest is the request body for starting a new debate.
type CreateDebateRequest struct {
	Proposition string `json:"proposition" binding:"required"`
	ResearchURL string `json:"research_url,omitempty"`
	FlowMode    string `json:"flow_mode,omitempty"`
	Lively      bool   `json:"lively,omitempty"`
}

// InterventionRequest is the request body for injecting a user intervention.
type InterventionRequest struct {
	Content    string `json:"content" binding:"required"`
	DirectedTo string `json:"directed_to,omitempty"`
	Pause      bool   `json:"pause,omitempty"`
}

// StopDebateRequest is the request body for stopping a debate.
type StopDebateRequest struct {
	Reason string `json:"reason,omitempty"`
}
