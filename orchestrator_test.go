package main

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// TestStartDebateRunsAllPhasesInOrder checks the happy path: every phase
// executes in the fixed order, every planned turn produces one persisted
// utterance, and the debate ends completed with a transcript.
func TestStartDebateRunsAllPhasesInOrder(t *testing.T) {
	provider := newFakeProvider()
	orch, store, broadcaster := newTestOrchestrator(testConfig(), provider, nil)

	transcript, err := orch.StartDebate(context.Background(), "cats are better than dogs")
	if err != nil {
		t.Fatalf("StartDebate: %v", err)
	}

	if got, want := store.utteranceCount("debate-1"), totalPlannedTurns(); got != want {
		t.Errorf("persisted utterances = %d, want %d", got, want)
	}
	if transcript.UtteranceCount != totalPlannedTurns() {
		t.Errorf("transcript UtteranceCount = %d, want %d", transcript.UtteranceCount, totalPlannedTurns())
	}
	if transcript.Proposition != "Test proposition holds" {
		t.Errorf("transcript Proposition = %q, want the normalized proposition", transcript.Proposition)
	}

	starts := broadcaster.eventsOfType(EventPhaseStart)
	if len(starts) != len(DebatePhases) {
		t.Fatalf("phase_start events = %d, want %d", len(starts), len(DebatePhases))
	}
	for i, ev := range starts {
		payload := ev.Payload.(map[string]any)
		if got := payload["phase"].(Phase); got != DebatePhases[i] {
			t.Errorf("phase_start[%d] = %q, want %q", i, got, DebatePhases[i])
		}
	}
	if len(transcript.Phases) != len(DebatePhases) {
		t.Errorf("transcript phases = %d, want %d", len(transcript.Phases), len(DebatePhases))
	}

	debate, _ := store.FindDebate("debate-1")
	if debate.Status != DebateCompleted {
		t.Errorf("status = %q, want completed", debate.Status)
	}
	if orch.Machine().Current() != StateCompleted {
		t.Errorf("machine state = %q, want completed", orch.Machine().Current())
	}
	if len(broadcaster.eventsOfType(EventDebateComplete)) != 1 {
		t.Error("expected one debate_complete event")
	}
}

// TestUtteranceTimestampsMonotonic checks non-decreasing timestamps across
// the whole run, including under a frozen clock where the clamp does the
// work.
func TestUtteranceTimestampsMonotonic(t *testing.T) {
	provider := newFakeProvider()
	orch, store, _ := newTestOrchestrator(testConfig(), provider, nil)

	frozen := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	orch.now = func() time.Time { return frozen }

	if _, err := orch.StartDebate(context.Background(), "topic"); err != nil {
		t.Fatalf("StartDebate: %v", err)
	}

	utterances := store.utterances("debate-1")
	if len(utterances) == 0 {
		t.Fatal("no utterances recorded")
	}
	prev := utterances[0].TimestampMs
	for i, u := range utterances {
		if u.TimestampMs < prev {
			t.Fatalf("timestamp regressed at utterance %d: %d < %d", i, u.TimestampMs, prev)
		}
		prev = u.TimestampMs
	}
}

// TestStopMidDebate checks that stop is terminal: turns already persisted
// stay, nothing new is persisted after the flag is set, and StartDebate
// returns the partial transcript without an error.
func TestStopMidDebate(t *testing.T) {
	provider := newFakeProvider()
	orch, store, broadcaster := newTestOrchestrator(testConfig(), provider, nil)

	var turnCalls atomic.Int32
	base := provider.defaultHandler
	provider.handler = func(req GenerationRequest) (*GenerationResult, error) {
		if !strings.Contains(lastMessage(req), `"debatable"`) {
			if turnCalls.Add(1) == 5 {
				if err := orch.Stop("stopped by test"); err != nil {
					t.Errorf("Stop: %v", err)
				}
			}
		}
		return base(req)
	}

	transcript, err := orch.StartDebate(context.Background(), "topic")
	if err != nil {
		t.Fatalf("StartDebate after stop: %v", err)
	}
	if transcript == nil {
		t.Fatal("expected a partial transcript")
	}

	// The fifth generation completed but its utterance must not persist:
	// the stop flag was already set when recording ran.
	if got := store.utteranceCount("debate-1"); got != 4 {
		t.Errorf("persisted utterances = %d, want 4", got)
	}

	debate, _ := store.FindDebate("debate-1")
	if debate.Status != DebateStopped {
		t.Errorf("status = %q, want stopped", debate.Status)
	}
	if debate.StopReason != "stopped by test" {
		t.Errorf("StopReason = %q", debate.StopReason)
	}
	if len(broadcaster.eventsOfType(EventDebateStopped)) != 1 {
		t.Error("expected one debate_stopped event")
	}
	if len(broadcaster.eventsOfType(EventDebateComplete)) != 0 {
		t.Error("stopped debate must not broadcast completion")
	}
}

// TestStopIsIdempotent checks that a second stop neither errors nor emits a
// second event.
func TestStopIsIdempotent(t *testing.T) {
	provider := newFakeProvider()
	orch, _, broadcaster := newTestOrchestrator(testConfig(), provider, nil)

	if err := orch.Stop("first"); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := orch.Stop("second"); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if got := len(broadcaster.eventsOfType(EventDebateStopped)); got != 1 {
		t.Errorf("debate_stopped events = %d, want 1", got)
	}
}

// TestPauseResume checks that pausing mid-debate holds progression and that
// resuming continues at the next unexecuted turn: no turn skipped, none
// repeated.
func TestPauseResume(t *testing.T) {
	provider := newFakeProvider()
	orch, store, broadcaster := newTestOrchestrator(testConfig(), provider, nil)

	var turnCalls atomic.Int32
	base := provider.defaultHandler
	provider.handler = func(req GenerationRequest) (*GenerationResult, error) {
		if !strings.Contains(lastMessage(req), `"debatable"`) {
			// Pause mid-phase so the hold lands on a turn boundary.
			if turnCalls.Add(1) == 2 {
				if err := orch.Pause(); err != nil {
					t.Errorf("Pause: %v", err)
				}
				time.AfterFunc(80*time.Millisecond, func() {
					if err := orch.Resume(); err != nil {
						t.Errorf("Resume: %v", err)
					}
				})
			}
		}
		return base(req)
	}

	if _, err := orch.StartDebate(context.Background(), "topic"); err != nil {
		t.Fatalf("StartDebate: %v", err)
	}

	utterances := store.utterances("debate-1")
	if len(utterances) != totalPlannedTurns() {
		t.Fatalf("utterances = %d, want %d", len(utterances), totalPlannedTurns())
	}
	seen := make(map[int]bool)
	for _, u := range utterances {
		n := u.Metadata.TurnNumber
		if seen[n] {
			t.Errorf("turn %d executed twice", n)
		}
		seen[n] = true
	}
	for n := 1; n <= totalPlannedTurns(); n++ {
		if !seen[n] {
			t.Errorf("turn %d skipped", n)
		}
	}

	if len(broadcaster.eventsOfType(EventDebatePaused)) != 1 {
		t.Error("expected one debate_paused event")
	}
	if len(broadcaster.eventsOfType(EventDebateResumed)) != 1 {
		t.Error("expected one debate_resumed event")
	}
}

// TestPauseOnPhaseFinalTurn checks that a pause landing on a phase's last
// turn does not collide with the boundary transition: the debate holds,
// resumes, and still runs to completion. The debate's own final turn
// exercises the completion transition the same way.
func TestPauseOnPhaseFinalTurn(t *testing.T) {
	tests := []struct {
		name      string
		pauseTurn int32
	}{
		{"final turn of first phase", 3},
		{"final turn of debate", int32(totalPlannedTurns())},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := newFakeProvider()
			orch, store, broadcaster := newTestOrchestrator(testConfig(), provider, nil)

			var turnCalls atomic.Int32
			base := provider.defaultHandler
			provider.handler = func(req GenerationRequest) (*GenerationResult, error) {
				if !strings.Contains(lastMessage(req), `"debatable"`) {
					if turnCalls.Add(1) == tt.pauseTurn {
						if err := orch.Pause(); err != nil {
							t.Errorf("Pause: %v", err)
						}
						time.AfterFunc(50*time.Millisecond, func() {
							if err := orch.Resume(); err != nil {
								t.Errorf("Resume: %v", err)
							}
						})
					}
				}
				return base(req)
			}

			if _, err := orch.StartDebate(context.Background(), "topic"); err != nil {
				t.Fatalf("StartDebate: %v", err)
			}

			if got := store.utteranceCount("debate-1"); got != totalPlannedTurns() {
				t.Errorf("utterances = %d, want %d", got, totalPlannedTurns())
			}
			debate, _ := store.FindDebate("debate-1")
			if debate.Status != DebateCompleted {
				t.Errorf("status = %q, want completed", debate.Status)
			}
			if orch.Machine().Current() != StateCompleted {
				t.Errorf("machine state = %q, want completed", orch.Machine().Current())
			}
			if len(broadcaster.eventsOfType(EventDebateResumed)) != 1 {
				t.Error("expected one debate_resumed event")
			}
		})
	}
}

// TestPauseDuringPropositionCheck checks a pause arriving while the
// proposition is still being normalized: the first phase transition waits for
// the resume instead of failing.
func TestPauseDuringPropositionCheck(t *testing.T) {
	provider := newFakeProvider()
	orch, store, _ := newTestOrchestrator(testConfig(), provider, nil)

	base := provider.defaultHandler
	provider.handler = func(req GenerationRequest) (*GenerationResult, error) {
		if strings.Contains(lastMessage(req), `"debatable"`) {
			if err := orch.Pause(); err != nil {
				t.Errorf("Pause: %v", err)
			}
			time.AfterFunc(50*time.Millisecond, func() {
				if err := orch.Resume(); err != nil {
					t.Errorf("Resume: %v", err)
				}
			})
		}
		return base(req)
	}

	if _, err := orch.StartDebate(context.Background(), "topic"); err != nil {
		t.Fatalf("StartDebate: %v", err)
	}

	debate, _ := store.FindDebate("debate-1")
	if debate.Status != DebateCompleted {
		t.Errorf("status = %q, want completed", debate.Status)
	}
	if got := store.utteranceCount("debate-1"); got != totalPlannedTurns() {
		t.Errorf("utterances = %d, want %d", got, totalPlannedTurns())
	}
}

// TestInterventionDuringRunningDebate exercises interventions arriving on a
// request goroutine while the run loop is still appending to the shared
// history; both sides must finish cleanly.
func TestInterventionDuringRunningDebate(t *testing.T) {
	provider := newFakeProvider()
	base := provider.defaultHandler
	provider.handler = func(req GenerationRequest) (*GenerationResult, error) {
		time.Sleep(3 * time.Millisecond)
		return base(req)
	}
	orch, store, _ := newTestOrchestrator(testConfig(), provider, nil)

	done := make(chan error, 1)
	go func() {
		_, err := orch.StartDebate(context.Background(), "topic")
		done <- err
	}()

	for i := 0; i < 5; i++ {
		time.Sleep(5 * time.Millisecond)
		if _, err := orch.HandleIntervention(context.Background(), "what about the evidence?", SpeakerModerator, false); err != nil {
			t.Errorf("HandleIntervention: %v", err)
		}
	}

	if err := <-done; err != nil {
		t.Fatalf("StartDebate: %v", err)
	}

	debate, _ := store.FindDebate("debate-1")
	if len(debate.Interventions) != 5 {
		t.Errorf("persisted interventions = %d, want 5", len(debate.Interventions))
	}
	if got := store.utteranceCount("debate-1"); got != totalPlannedTurns() {
		t.Errorf("utterances = %d, want %d", got, totalPlannedTurns())
	}
}

// failingTranscriptStore rejects transcript writes to drive the completion
// failure path.
type failingTranscriptStore struct {
	*memStore
}

func (s *failingTranscriptStore) SaveTranscript(id string, tr *Transcript) error {
	return errors.New("disk full")
}

// TestCompletionFailureMarksErrored checks that a persistence failure during
// completion still lands in the errored status and error machine state.
func TestCompletionFailureMarksErrored(t *testing.T) {
	provider := newFakeProvider()
	store := &failingTranscriptStore{memStore: newMemStore()}
	_ = store.CreateDebate(NewDebate("debate-1", "test topic"))
	broadcaster := &recordingBroadcaster{}
	models := map[Speaker]string{
		SpeakerPro:       "test/pro-model",
		SpeakerCon:       "test/con-model",
		SpeakerModerator: "test/moderator-model",
	}
	orch := NewDebateOrchestrator("debate-1", testConfig(), NewDefaultTurnPlanner(), provider, store, broadcaster, nil, models)

	_, err := orch.StartDebate(context.Background(), "topic")
	if err == nil {
		t.Fatal("expected completion failure to surface")
	}
	if !strings.Contains(err.Error(), "failed to save transcript") {
		t.Errorf("err = %v, want transcript save failure", err)
	}

	debate, _ := store.FindDebate("debate-1")
	if debate.Status != DebateErrored {
		t.Errorf("status = %q, want errored", debate.Status)
	}
	if orch.Machine().Current() != StateError {
		t.Errorf("machine state = %q, want error", orch.Machine().Current())
	}
	if len(broadcaster.eventsOfType(EventDebateComplete)) != 0 {
		t.Error("failed completion must not broadcast debate_complete")
	}
}

// TestRetryFixedDelay checks the retry contract: MaxRetries attempts with a
// fixed inter-attempt delay, then a wrapped fatal error and errored status.
func TestRetryFixedDelay(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 3
	cfg.RetryDelayMs = 30

	provider := newFakeProvider()
	base := provider.defaultHandler
	provider.handler = func(req GenerationRequest) (*GenerationResult, error) {
		if strings.Contains(lastMessage(req), `"debatable"`) {
			return base(req)
		}
		return nil, errors.New("model overloaded")
	}
	orch, store, _ := newTestOrchestrator(cfg, provider, nil)

	start := time.Now()
	_, err := orch.StartDebate(context.Background(), "topic")
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("err = %v, want attempt count in message", err)
	}

	// 1 proposition call + 3 attempts at the first turn.
	if got := provider.callCount(); got != 4 {
		t.Errorf("provider calls = %d, want 4", got)
	}
	// Two inter-attempt delays of 30ms each.
	if elapsed < 60*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 60ms of fixed retry delay", elapsed)
	}

	debate, _ := store.FindDebate("debate-1")
	if debate.Status != DebateErrored {
		t.Errorf("status = %q, want errored", debate.Status)
	}
	if orch.Machine().Current() != StateError {
		t.Errorf("machine state = %q, want error", orch.Machine().Current())
	}
}

// TestRetryRecoversBeforeExhaustion checks that a transient failure within
// the retry budget does not surface.
func TestRetryRecoversBeforeExhaustion(t *testing.T) {
	provider := newFakeProvider()
	var turnCalls atomic.Int32
	base := provider.defaultHandler
	provider.handler = func(req GenerationRequest) (*GenerationResult, error) {
		if !strings.Contains(lastMessage(req), `"debatable"`) && turnCalls.Add(1) == 1 {
			return nil, errors.New("transient failure")
		}
		return base(req)
	}
	orch, store, _ := newTestOrchestrator(testConfig(), provider, nil)

	if _, err := orch.StartDebate(context.Background(), "topic"); err != nil {
		t.Fatalf("StartDebate: %v", err)
	}
	if got := store.utteranceCount("debate-1"); got != totalPlannedTurns() {
		t.Errorf("utterances = %d, want %d", got, totalPlannedTurns())
	}
}

// TestNotDebatableProposition checks the fail-fast path before any phase
// runs.
func TestNotDebatableProposition(t *testing.T) {
	provider := newFakeProvider()
	provider.handler = func(req GenerationRequest) (*GenerationResult, error) {
		return &GenerationResult{Content: `{"debatable": false, "proposition": "", "reason": "a bare fact"}`}, nil
	}
	orch, store, _ := newTestOrchestrator(testConfig(), provider, nil)

	_, err := orch.StartDebate(context.Background(), "water is wet")
	if !errors.Is(err, ErrNotDebatable) {
		t.Fatalf("err = %v, want ErrNotDebatable", err)
	}
	if got := store.utteranceCount("debate-1"); got != 0 {
		t.Errorf("utterances = %d, want 0", got)
	}
	debate, _ := store.FindDebate("debate-1")
	if debate.Status != DebateErrored {
		t.Errorf("status = %q, want errored", debate.Status)
	}
	if orch.Machine().Current() != StateError {
		t.Errorf("machine state = %q, want error", orch.Machine().Current())
	}
}

// TestStepModeGatesEveryTurn checks that step flow blocks after each
// utterance until the awaiting-continue flag is cleared externally.
func TestStepModeGatesEveryTurn(t *testing.T) {
	cfg := testConfig()
	cfg.FlowMode = FlowModeStep

	provider := newFakeProvider()
	orch, store, broadcaster := newTestOrchestrator(cfg, provider, nil)

	// Stand in for the continue endpoint: clear the flag whenever it is set.
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(2 * time.Millisecond):
			}
			debate, err := store.FindDebate("debate-1")
			if err == nil && debate != nil && debate.AwaitingContinue {
				_ = store.SetAwaitingContinue("debate-1", false)
			}
		}
	}()
	defer close(done)

	if _, err := orch.StartDebate(context.Background(), "topic"); err != nil {
		t.Fatalf("StartDebate: %v", err)
	}

	if got := store.utteranceCount("debate-1"); got != totalPlannedTurns() {
		t.Errorf("utterances = %d, want %d", got, totalPlannedTurns())
	}
	if got := len(broadcaster.eventsOfType(EventAwaitingContinue)); got != totalPlannedTurns() {
		t.Errorf("awaiting_continue events = %d, want %d", got, totalPlannedTurns())
	}
}

// TestLivelyDebateRecordsInterjection checks the full interrupt path inside
// a debate: evaluation after an eligible turn, schedule, fire, and an
// interjection utterance with the firing speaker.
func TestLivelyDebateRecordsInterjection(t *testing.T) {
	provider := newFakeProvider()
	base := provider.defaultHandler
	provider.handler = func(req GenerationRequest) (*GenerationResult, error) {
		msg := lastMessage(req)
		switch {
		case strings.Contains(msg, `"should_interrupt"`):
			// The judge only ever sees one eligible interrupter; name con so
			// the verdict lands when pro holds the floor.
			return &GenerationResult{Content: judgmentJSON("con", 0.9, 0.8, "trigger")}, nil
		case strings.Contains(msg, "Interject"):
			return &GenerationResult{Content: "That claim does not survive contact with the evidence!"}, nil
		default:
			return base(req)
		}
	}

	store := newMemStore()
	_ = store.CreateDebate(NewDebate("debate-1", "test topic"))
	engine := NewInterruptionEngine("debate-1", provider, store, DefaultLivelySettings(), "test/judge-model")
	broadcaster := &recordingBroadcaster{}
	models := map[Speaker]string{
		SpeakerPro:       "test/pro-model",
		SpeakerCon:       "test/con-model",
		SpeakerModerator: "test/moderator-model",
	}
	orch := NewDebateOrchestrator("debate-1", testConfig(), NewDefaultTurnPlanner(), provider, store, broadcaster, engine, models)

	if _, err := orch.StartDebate(context.Background(), "topic"); err != nil {
		t.Fatalf("StartDebate: %v", err)
	}

	var interjections []Utterance
	for _, u := range store.utterances("debate-1") {
		if u.Metadata.PromptType == "interjection" {
			interjections = append(interjections, u)
		}
	}
	if len(interjections) == 0 {
		t.Fatal("expected at least one interjection utterance")
	}
	for _, u := range interjections {
		if u.Speaker != SpeakerCon {
			t.Errorf("interjection speaker = %q, want con", u.Speaker)
		}
		if !livelyPhases[u.Phase] {
			t.Errorf("interjection recorded in phase %q, outside lively phases", u.Phase)
		}
	}

	debate, _ := store.FindDebate("debate-1")
	firedCount := 0
	for _, ir := range debate.Interruptions {
		if ir.Status == InterruptionFired {
			firedCount++
		}
	}
	if firedCount != len(interjections) {
		t.Errorf("fired interruptions = %d, interjections = %d, want equal", firedCount, len(interjections))
	}

	if got := store.utteranceCount("debate-1"); got != totalPlannedTurns()+len(interjections) {
		t.Errorf("utterances = %d, want %d planned + %d interjections", got, totalPlannedTurns(), len(interjections))
	}
}

// TestHandleIntervention checks persistence, default targeting, and the
// response broadcast.
func TestHandleIntervention(t *testing.T) {
	provider := newFakeProvider()
	orch, store, broadcaster := newTestOrchestrator(testConfig(), provider, nil)
	orch.proposition = "Test proposition holds"

	iv, err := orch.HandleIntervention(context.Background(), "What about the cost argument?", "", false)
	if err != nil {
		t.Fatalf("HandleIntervention: %v", err)
	}
	if iv.DirectedTo != SpeakerModerator {
		t.Errorf("DirectedTo = %q, want moderator default", iv.DirectedTo)
	}
	if iv.Response == "" {
		t.Error("expected a generated response")
	}

	debate, _ := store.FindDebate("debate-1")
	if len(debate.Interventions) != 1 {
		t.Fatalf("persisted interventions = %d, want 1", len(debate.Interventions))
	}
	if debate.Interventions[0].Response != iv.Response {
		t.Error("persisted intervention missing the response")
	}
	if len(broadcaster.eventsOfType(EventInterventionResponse)) != 1 {
		t.Error("expected one intervention_response event")
	}
}

// TestHandleInterventionPauses checks the pause-on-intervention option.
func TestHandleInterventionPauses(t *testing.T) {
	provider := newFakeProvider()
	orch, _, broadcaster := newTestOrchestrator(testConfig(), provider, nil)
	orch.proposition = "Test proposition holds"

	// Put the machine into a pausable phase state first.
	if err := orch.Machine().Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	if _, err := orch.HandleIntervention(context.Background(), "hold on", SpeakerModerator, true); err != nil {
		t.Fatalf("HandleIntervention: %v", err)
	}
	if !orch.flags.isPaused() {
		t.Error("debate should be paused")
	}
	if orch.Machine().Current() != StatePaused {
		t.Errorf("machine state = %q, want paused", orch.Machine().Current())
	}
	if len(broadcaster.eventsOfType(EventDebatePaused)) != 1 {
		t.Error("expected one debate_paused event")
	}
}
