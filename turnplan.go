package main

import "fmt"

// TurnPlanner enumerates which speaker and prompt type runs in each phase.
type TurnPlanner interface {
	GetPhaseExecutionPlan(phase Phase) (*PhasePlan, error)
}

// DefaultTurnPlanner serves the standard two-sided moderated format. Turn
// numbers are global across the debate so transcripts read in one sequence.
type DefaultTurnPlanner struct{}

// NewDefaultTurnPlanner returns the standard format planner.
func NewDefaultTurnPlanner() *DefaultTurnPlanner {
	return &DefaultTurnPlanner{}
}

type plannedTurn struct {
	speaker    Speaker
	promptType string
}

var standardFormat = map[Phase]struct {
	name       string
	durationMs int64
	turns      []plannedTurn
}{
	PhaseOpening: {
		name:       "Opening Statements",
		durationMs: 120_000,
		turns: []plannedTurn{
			{SpeakerModerator, "introduction"},
			{SpeakerPro, "opening_statement"},
			{SpeakerCon, "opening_statement"},
		},
	},
	PhaseConstructive: {
		name:       "Constructive Arguments",
		durationMs: 240_000,
		turns: []plannedTurn{
			{SpeakerPro, "constructive_argument"},
			{SpeakerCon, "constructive_argument"},
			{SpeakerPro, "constructive_argument"},
			{SpeakerCon, "constructive_argument"},
		},
	},
	PhaseCrossExam: {
		name:       "Cross Examination",
		durationMs: 180_000,
		turns: []plannedTurn{
			{SpeakerPro, "cross_exam_question"},
			{SpeakerCon, "cross_exam_answer"},
			{SpeakerCon, "cross_exam_question"},
			{SpeakerPro, "cross_exam_answer"},
		},
	},
	PhaseRebuttal: {
		name:       "Rebuttals",
		durationMs: 180_000,
		turns: []plannedTurn{
			{SpeakerCon, "rebuttal"},
			{SpeakerPro, "rebuttal"},
		},
	},
	PhaseClosing: {
		name:       "Closing Statements",
		durationMs: 120_000,
		turns: []plannedTurn{
			{SpeakerCon, "closing_statement"},
			{SpeakerPro, "closing_statement"},
		},
	},
	PhaseSynthesis: {
		name:       "Moderator Synthesis",
		durationMs: 90_000,
		turns: []plannedTurn{
			{SpeakerModerator, "synthesis"},
		},
	},
}

// GetPhaseExecutionPlan returns the ordered turn list for a phase.
func (p *DefaultTurnPlanner) GetPhaseExecutionPlan(phase Phase) (*PhasePlan, error) {
	format, ok := standardFormat[phase]
	if !ok {
		return nil, fmt.Errorf("no execution plan for phase %q", phase)
	}

	// Global turn numbering: count all turns in phases before this one.
	base := 0
	for _, earlier := range DebatePhases {
		if earlier == phase {
			break
		}
		base += len(standardFormat[earlier].turns)
	}

	turns := make([]Turn, 0, len(format.turns))
	for i, pt := range format.turns {
		turns = append(turns, Turn{
			Speaker:    pt.speaker,
			PromptType: pt.promptType,
			TurnNumber: base + i + 1,
		})
	}

	return &PhasePlan{
		Turns: turns,
		Metadata: PlanMetadata{
			Name:               format.name,
			ExpectedDurationMs: format.durationMs,
		},
	}, nil
}
