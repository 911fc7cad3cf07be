package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// fakeProvider is a scripted GenerationProvider for tests. The handler
// decides each response; calls are recorded for inspection.
type fakeProvider struct {
	mu      sync.Mutex
	calls   []GenerationRequest
	handler func(req GenerationRequest) (*GenerationResult, error)
}

func newFakeProvider() *fakeProvider {
	p := &fakeProvider{}
	p.handler = p.defaultHandler
	return p
}

func (p *fakeProvider) Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.calls = append(p.calls, req)
	handler := p.handler
	p.mu.Unlock()
	return handler(req)
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func lastMessage(req GenerationRequest) string {
	if len(req.Messages) == 0 {
		return ""
	}
	return req.Messages[len(req.Messages)-1].Content
}

// defaultHandler recognizes the standard prompt shapes and answers each with
// something plausible.
func (p *fakeProvider) defaultHandler(req GenerationRequest) (*GenerationResult, error) {
	msg := lastMessage(req)
	switch {
	case strings.Contains(msg, `"debatable"`):
		return &GenerationResult{Content: `{"debatable": true, "proposition": "Test proposition holds", "reason": "two clear sides"}`}, nil
	case strings.Contains(msg, "Title:"):
		return &GenerationResult{Content: "Test Debate Title"}, nil
	case strings.Contains(msg, `"should_interrupt"`):
		return &GenerationResult{Content: `{"should_interrupt": false}`}, nil
	default:
		return &GenerationResult{Content: "Generated turn content.", FinishReason: "stop"}, nil
	}
}

// memStore is an in-memory DebateStore for orchestrator and engine tests.
type memStore struct {
	mu      sync.Mutex
	debates map[string]*Debate
}

func newMemStore() *memStore {
	return &memStore{debates: make(map[string]*Debate)}
}

func (s *memStore) withDebate(id string, fn func(*Debate) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	debate, ok := s.debates[id]
	if !ok {
		return fmt.Errorf("debate %s not found", id)
	}
	return fn(debate)
}

func (s *memStore) CreateDebate(d *Debate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *d
	s.debates[d.ID] = &clone
	return nil
}

func (s *memStore) FindDebate(id string) (*Debate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	debate, ok := s.debates[id]
	if !ok {
		return nil, nil
	}
	clone := *debate
	clone.Utterances = append([]Utterance{}, debate.Utterances...)
	return &clone, nil
}

func (s *memStore) ListDebates() ([]DebateMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DebateMetadata, 0, len(s.debates))
	for _, d := range s.debates {
		out = append(out, DebateMetadata{ID: d.ID, Title: d.Title, Status: d.Status, CreatedAt: d.CreatedAt, UtteranceCount: len(d.Utterances)})
	}
	return out, nil
}

func (s *memStore) UpdateTitle(id, title string) error {
	return s.withDebate(id, func(d *Debate) error { d.Title = title; return nil })
}

func (s *memStore) MarkStarted(id string, startedAtMs int64) error {
	return s.withDebate(id, func(d *Debate) error {
		d.Status = DebateRunning
		d.StartedAtMs = startedAtMs
		return nil
	})
}

func (s *memStore) UpdateStatus(id string, status DebateStatus) error {
	return s.withDebate(id, func(d *Debate) error { d.Status = status; return nil })
}

func (s *memStore) SetAwaitingContinue(id string, awaiting bool) error {
	return s.withDebate(id, func(d *Debate) error { d.AwaitingContinue = awaiting; return nil })
}

func (s *memStore) SaveTranscript(id string, t *Transcript) error {
	return s.withDebate(id, func(d *Debate) error { d.Transcript = t; return nil })
}

func (s *memStore) CompleteDebate(id string, endedAtMs int64) error {
	return s.withDebate(id, func(d *Debate) error {
		d.Status = DebateCompleted
		d.EndedAtMs = endedAtMs
		return nil
	})
}

func (s *memStore) StopDebate(id string, reason string, endedAtMs int64) error {
	return s.withDebate(id, func(d *Debate) error {
		d.Status = DebateStopped
		d.StopReason = reason
		d.EndedAtMs = endedAtMs
		return nil
	})
}

func (s *memStore) CreateUtterance(u *Utterance) error {
	return s.withDebate(u.DebateID, func(d *Debate) error {
		d.Utterances = append(d.Utterances, *u)
		return nil
	})
}

func (s *memStore) CreateIntervention(iv *Intervention) error {
	return s.withDebate(iv.DebateID, func(d *Debate) error {
		d.Interventions = append(d.Interventions, *iv)
		return nil
	})
}

func (s *memStore) AddInterventionResponse(debateID, interventionID, response string) error {
	return s.withDebate(debateID, func(d *Debate) error {
		for i := range d.Interventions {
			if d.Interventions[i].ID == interventionID {
				d.Interventions[i].Response = response
				return nil
			}
		}
		return fmt.Errorf("intervention %s not found", interventionID)
	})
}

func (s *memStore) CreateInterruption(ir *Interruption) error {
	return s.withDebate(ir.DebateID, func(d *Debate) error {
		d.Interruptions = append(d.Interruptions, *ir)
		return nil
	})
}

func (s *memStore) FireInterruption(debateID, id, content string, tokenOffset int, firedAtMs int64) error {
	return s.withDebate(debateID, func(d *Debate) error {
		for i := range d.Interruptions {
			if d.Interruptions[i].ID == id {
				d.Interruptions[i].Status = InterruptionFired
				d.Interruptions[i].Content = content
				d.Interruptions[i].TokenOffset = tokenOffset
				d.Interruptions[i].FiredAtMs = firedAtMs
				return nil
			}
		}
		return fmt.Errorf("interruption %s not found", id)
	})
}

func (s *memStore) CancelInterruption(debateID, id, reason string) error {
	return s.withDebate(debateID, func(d *Debate) error {
		for i := range d.Interruptions {
			if d.Interruptions[i].ID == id {
				d.Interruptions[i].Status = InterruptionCancelled
				d.Interruptions[i].CancelReason = reason
				return nil
			}
		}
		return fmt.Errorf("interruption %s not found", id)
	})
}

func (s *memStore) utteranceCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.debates[id]; ok {
		return len(d.Utterances)
	}
	return 0
}

func (s *memStore) utterances(id string) []Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.debates[id]; ok {
		return append([]Utterance{}, d.Utterances...)
	}
	return nil
}

// recordingBroadcaster captures broadcast events in order.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []DebateEvent
}

func (b *recordingBroadcaster) Broadcast(debateID, eventType string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, DebateEvent{DebateID: debateID, Type: eventType, Payload: payload, AtMs: time.Now().UnixMilli()})
}

func (b *recordingBroadcaster) eventsOfType(eventType string) []DebateEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []DebateEvent
	for _, ev := range b.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// testConfig returns an orchestrator config with fast polling and no retry
// delay, suitable for unit tests.
func testConfig() OrchestratorConfig {
	cfg := DefaultOrchestratorConfig()
	cfg.RetryDelayMs = 10
	cfg.AgentTimeoutMs = 5000
	cfg.StepPollMs = 10
	cfg.PausePollMs = 10
	return cfg
}

// newTestOrchestrator wires an orchestrator over in-memory collaborators.
func newTestOrchestrator(cfg OrchestratorConfig, provider GenerationProvider, engine *InterruptionEngine) (*DebateOrchestrator, *memStore, *recordingBroadcaster) {
	store := newMemStore()
	_ = store.CreateDebate(NewDebate("debate-1", "test topic"))
	broadcaster := &recordingBroadcaster{}
	models := map[Speaker]string{
		SpeakerPro:       "test/pro-model",
		SpeakerCon:       "test/con-model",
		SpeakerModerator: "test/moderator-model",
	}
	orch := NewDebateOrchestrator("debate-1", cfg, NewDefaultTurnPlanner(), provider, store, broadcaster, engine, models)
	return orch, store, broadcaster
}

// totalPlannedTurns counts every turn across the standard format.
func totalPlannedTurns() int {
	total := 0
	for _, phase := range DebatePhases {
		plan, _ := NewDefaultTurnPlanner().GetPhaseExecutionPlan(phase)
		total += len(plan.Turns)
	}
	return total
}
