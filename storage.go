package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// DebateStore is the persistence contract consumed by the orchestrator and
// the interruption engine.
type DebateStore interface {
	CreateDebate(d *Debate) error
	FindDebate(id string) (*Debate, error)
	ListDebates() ([]DebateMetadata, error)
	UpdateTitle(id, title string) error
	MarkStarted(id string, startedAtMs int64) error
	UpdateStatus(id string, status DebateStatus) error
	SetAwaitingContinue(id string, awaiting bool) error
	SaveTranscript(id string, t *Transcript) error
	CompleteDebate(id string, endedAtMs int64) error
	StopDebate(id string, reason string, endedAtMs int64) error
	CreateUtterance(u *Utterance) error
	CreateIntervention(iv *Intervention) error
	AddInterventionResponse(debateID, interventionID, response string) error
	CreateInterruption(ir *Interruption) error
	FireInterruption(debateID, id, content string, tokenOffset int, firedAtMs int64) error
	CancelInterruption(debateID, id, reason string) error
}

// FileStore persists each debate as one JSON aggregate file under a data
// directory. Mutations are load-modify-save under a single mutex.
type FileStore struct {
	mu      sync.Mutex
	dataDir string
}

// NewFileStore creates a file-backed store rooted at dataDir.
func NewFileStore(dataDir string) *FileStore {
	return &FileStore{dataDir: dataDir}
}

func (s *FileStore) ensureDataDir() error {
	return os.MkdirAll(s.dataDir, 0755)
}

func (s *FileStore) debatePath(id string) string {
	return filepath.Join(s.dataDir, id+".json")
}

// loadLocked reads a debate file. Returns nil without error when the debate
// doesn't exist. Caller holds s.mu.
func (s *FileStore) loadLocked(id string) (*Debate, error) {
	path := s.debatePath(id)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read debate file: %w", err)
	}

	var debate Debate
	if err := json.Unmarshal(data, &debate); err != nil {
		return nil, fmt.Errorf("failed to parse debate JSON: %w", err)
	}
	return &debate, nil
}

// saveLocked writes a debate as formatted JSON. Caller holds s.mu.
func (s *FileStore) saveLocked(debate *Debate) error {
	if err := s.ensureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	data, err := json.MarshalIndent(debate, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal debate: %w", err)
	}

	if err := os.WriteFile(s.debatePath(debate.ID), data, 0644); err != nil {
		return fmt.Errorf("failed to write debate file: %w", err)
	}
	return nil
}

// mutate loads a debate, applies fn, and saves the result.
func (s *FileStore) mutate(id string, fn func(*Debate) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	debate, err := s.loadLocked(id)
	if err != nil {
		return err
	}
	if debate == nil {
		return fmt.Errorf("debate %s not found", id)
	}
	if err := fn(debate); err != nil {
		return err
	}
	return s.saveLocked(debate)
}

// CreateDebate persists a new debate aggregate.
func (s *FileStore) CreateDebate(d *Debate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.Utterances == nil {
		d.Utterances = []Utterance{}
	}
	if d.Interventions == nil {
		d.Interventions = []Intervention{}
	}
	if d.Interruptions == nil {
		d.Interruptions = []Interruption{}
	}
	return s.saveLocked(d)
}

// FindDebate loads a debate by ID. Returns nil without error when missing.
func (s *FileStore) FindDebate(id string) (*Debate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(id)
}

// ListDebates returns metadata for all stored debates, newest first.
// Silently skips unreadable or invalid files.
func (s *FileStore) ListDebates() ([]DebateMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	debates := make([]DebateMetadata, 0)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dataDir, entry.Name()))
		if err != nil {
			continue
		}

		var debate Debate
		if err := json.Unmarshal(data, &debate); err != nil {
			continue
		}

		debates = append(debates, DebateMetadata{
			ID:             debate.ID,
			Title:          debate.Title,
			Proposition:    debate.Proposition,
			Status:         debate.Status,
			CreatedAt:      debate.CreatedAt,
			UtteranceCount: len(debate.Utterances),
		})
	}

	sort.Slice(debates, func(i, j int) bool {
		return debates[i].CreatedAt.After(debates[j].CreatedAt)
	})
	return debates, nil
}

// UpdateTitle sets a debate's title.
func (s *FileStore) UpdateTitle(id, title string) error {
	return s.mutate(id, func(d *Debate) error {
		d.Title = title
		return nil
	})
}

// MarkStarted records the debate start time and moves it to running.
func (s *FileStore) MarkStarted(id string, startedAtMs int64) error {
	return s.mutate(id, func(d *Debate) error {
		d.Status = DebateRunning
		d.StartedAtMs = startedAtMs
		return nil
	})
}

// UpdateStatus sets the debate lifecycle status.
func (s *FileStore) UpdateStatus(id string, status DebateStatus) error {
	return s.mutate(id, func(d *Debate) error {
		d.Status = status
		return nil
	})
}

// SetAwaitingContinue flips the step-mode gate flag.
func (s *FileStore) SetAwaitingContinue(id string, awaiting bool) error {
	return s.mutate(id, func(d *Debate) error {
		d.AwaitingContinue = awaiting
		return nil
	})
}

// SaveTranscript attaches the final transcript snapshot.
func (s *FileStore) SaveTranscript(id string, t *Transcript) error {
	return s.mutate(id, func(d *Debate) error {
		d.Transcript = t
		return nil
	})
}

// CompleteDebate marks a debate complete and freezes its end time.
func (s *FileStore) CompleteDebate(id string, endedAtMs int64) error {
	return s.mutate(id, func(d *Debate) error {
		d.Status = DebateCompleted
		d.EndedAtMs = endedAtMs
		return nil
	})
}

// StopDebate marks a debate stopped with a reason and freezes its end time.
func (s *FileStore) StopDebate(id string, reason string, endedAtMs int64) error {
	return s.mutate(id, func(d *Debate) error {
		d.Status = DebateStopped
		d.StopReason = reason
		d.EndedAtMs = endedAtMs
		return nil
	})
}

// CreateUtterance appends an utterance to its debate. Utterances are
// append-only; nothing here ever rewrites one.
func (s *FileStore) CreateUtterance(u *Utterance) error {
	return s.mutate(u.DebateID, func(d *Debate) error {
		d.Utterances = append(d.Utterances, *u)
		return nil
	})
}

// CreateIntervention appends a user intervention to its debate.
func (s *FileStore) CreateIntervention(iv *Intervention) error {
	return s.mutate(iv.DebateID, func(d *Debate) error {
		d.Interventions = append(d.Interventions, *iv)
		return nil
	})
}

// AddInterventionResponse attaches a generated response to an intervention.
func (s *FileStore) AddInterventionResponse(debateID, interventionID, response string) error {
	return s.mutate(debateID, func(d *Debate) error {
		for i := range d.Interventions {
			if d.Interventions[i].ID == interventionID {
				d.Interventions[i].Response = response
				return nil
			}
		}
		return fmt.Errorf("intervention %s not found", interventionID)
	})
}

// CreateInterruption appends a scheduled interruption record.
func (s *FileStore) CreateInterruption(ir *Interruption) error {
	return s.mutate(ir.DebateID, func(d *Debate) error {
		d.Interruptions = append(d.Interruptions, *ir)
		return nil
	})
}

// FireInterruption transitions a scheduled interruption to fired.
func (s *FileStore) FireInterruption(debateID, id, content string, tokenOffset int, firedAtMs int64) error {
	return s.mutate(debateID, func(d *Debate) error {
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

// CancelInterruption transitions a scheduled interruption to cancelled.
func (s *FileStore) CancelInterruption(debateID, id, reason string) error {
	return s.mutate(debateID, func(d *Debate) error {
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

// NewDebate builds a fresh debate aggregate in the created state.
func NewDebate(id, rawProposition string) *Debate {
	return &Debate{
		ID:             id,
		Title:          "New Debate",
		RawProposition: rawProposition,
		Status:         DebateCreated,
		CreatedAt:      time.Now().UTC(),
		Utterances:     []Utterance{},
		Interventions:  []Intervention{},
		Interruptions:  []Interruption{},
	}
}
