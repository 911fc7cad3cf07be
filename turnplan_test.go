package main

import "testing"

// TestPhasePlansMatchStandardFormat checks speaker/prompt-type ordering per
// phase.
func TestPhasePlansMatchStandardFormat(t *testing.T) {
	planner := NewDefaultTurnPlanner()

	tests := []struct {
		phase    Phase
		speakers []Speaker
		prompts  []string
	}{
		{
			PhaseOpening,
			[]Speaker{SpeakerModerator, SpeakerPro, SpeakerCon},
			[]string{"introduction", "opening_statement", "opening_statement"},
		},
		{
			PhaseConstructive,
			[]Speaker{SpeakerPro, SpeakerCon, SpeakerPro, SpeakerCon},
			[]string{"constructive_argument", "constructive_argument", "constructive_argument", "constructive_argument"},
		},
		{
			PhaseCrossExam,
			[]Speaker{SpeakerPro, SpeakerCon, SpeakerCon, SpeakerPro},
			[]string{"cross_exam_question", "cross_exam_answer", "cross_exam_question", "cross_exam_answer"},
		},
		{
			PhaseRebuttal,
			[]Speaker{SpeakerCon, SpeakerPro},
			[]string{"rebuttal", "rebuttal"},
		},
		{
			PhaseClosing,
			[]Speaker{SpeakerCon, SpeakerPro},
			[]string{"closing_statement", "closing_statement"},
		},
		{
			PhaseSynthesis,
			[]Speaker{SpeakerModerator},
			[]string{"synthesis"},
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			plan, err := planner.GetPhaseExecutionPlan(tt.phase)
			if err != nil {
				t.Fatalf("GetPhaseExecutionPlan: %v", err)
			}
			if len(plan.Turns) != len(tt.speakers) {
				t.Fatalf("turns = %d, want %d", len(plan.Turns), len(tt.speakers))
			}
			for i, turn := range plan.Turns {
				if turn.Speaker != tt.speakers[i] {
					t.Errorf("turn %d speaker = %q, want %q", i, turn.Speaker, tt.speakers[i])
				}
				if turn.PromptType != tt.prompts[i] {
					t.Errorf("turn %d prompt = %q, want %q", i, turn.PromptType, tt.prompts[i])
				}
			}
			if plan.Metadata.Name == "" {
				t.Error("plan metadata missing name")
			}
		})
	}
}

// TestGlobalTurnNumbering checks turn numbers run 1..N across all phases
// with no gaps or repeats.
func TestGlobalTurnNumbering(t *testing.T) {
	planner := NewDefaultTurnPlanner()

	next := 1
	for _, phase := range DebatePhases {
		plan, err := planner.GetPhaseExecutionPlan(phase)
		if err != nil {
			t.Fatalf("GetPhaseExecutionPlan(%s): %v", phase, err)
		}
		for _, turn := range plan.Turns {
			if turn.TurnNumber != next {
				t.Fatalf("%s turn number = %d, want %d", phase, turn.TurnNumber, next)
			}
			next++
		}
	}
	if next-1 != totalPlannedTurns() {
		t.Errorf("total turns = %d, want %d", next-1, totalPlannedTurns())
	}
}

// TestUnknownPhaseRejected checks planning for a phase outside the set.
func TestUnknownPhaseRejected(t *testing.T) {
	if _, err := NewDefaultTurnPlanner().GetPhaseExecutionPlan(Phase("lightning_round")); err == nil {
		t.Error("expected error for unknown phase")
	}
}
