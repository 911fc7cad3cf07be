package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotDebatable is returned when the proposition agent judges the input
// unusable as a debate topic. Callers fail fast on it.
var ErrNotDebatable = errors.New("proposition is not debatable")

type propositionVerdict struct {
	Debatable   bool   `json:"debatable"`
	Proposition string `json:"proposition"`
	Reason      string `json:"reason"`
}

// NormalizeProposition asks the moderator model to restate the raw input as
// a clean, debatable proposition. Returns ErrNotDebatable (wrapped with the
// agent's reason) when the input cannot carry a two-sided debate.
func NormalizeProposition(ctx context.Context, provider GenerationProvider, model, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty input", ErrNotDebatable)
	}

	prompt := fmt.Sprintf(`You are preparing a formal two-sided debate.

Input topic: %s

Decide whether this can be debated with a genuine pro side and con side. If it can,
restate it as a single clear declarative proposition. Respond with ONLY a JSON object:
{"debatable": true or false, "proposition": "the restated proposition", "reason": "why it is or is not debatable"}`, raw)

	result, err := provider.Generate(ctx, GenerationRequest{
		Model:       model,
		Messages:    []ChatMessage{{Role: "user", Content: prompt}},
		Temperature: 0.2,
		MaxTokens:   200,
	})
	if err != nil {
		return "", fmt.Errorf("proposition validation failed: %w", err)
	}

	verdict, ok := parsePropositionVerdict(result.Content)
	if !ok {
		return "", fmt.Errorf("proposition agent returned unparseable verdict")
	}
	if !verdict.Debatable {
		return "", fmt.Errorf("%w: %s", ErrNotDebatable, verdict.Reason)
	}

	proposition := strings.TrimSpace(verdict.Proposition)
	if proposition == "" {
		proposition = raw
	}
	return proposition, nil
}

func parsePropositionVerdict(content string) (propositionVerdict, bool) {
	var verdict propositionVerdict
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return verdict, false
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &verdict); err != nil {
		return verdict, false
	}
	return verdict, true
}
