package stage

import (
	"sync"

	"contest-station-client/internal/collab"
	"contest-station-client/internal/domain"
)

// Store is the single mutation point for event/stage state. Consumers get it
// injected; nothing reads ambient globals.
type Store struct {
	mu          sync.RWMutex
	event       *domain.Event
	config      *domain.StageConfig
	questions   []domain.Question
	loadErr     error
	waiting     bool
	teamRecord  *collab.Record
	scoreRecord *collab.Record
}

func NewStore() *Store {
	return &Store{}
}

// SetEvent replaces the active event and drops all stage-scoped state.
func (s *Store) SetEvent(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := ev
	s.event = &e
	s.config = nil
	s.questions = nil
	s.loadErr = nil
	s.waiting = false
	s.scoreRecord = nil
}

// Event returns the active event.
func (s *Store) Event() (domain.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.event == nil {
		return domain.Event{}, false
	}
	return *s.event, true
}

// SetConfig replaces the stage config wholesale and opens the waiting gate.
func (s *Store) SetConfig(cfg domain.StageConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cfg
	s.config = &c
	s.questions = nil
	s.loadErr = nil
	s.waiting = true
	s.scoreRecord = nil
}

// Config returns the active stage config.
func (s *Store) Config() (domain.StageConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.config == nil {
		return domain.StageConfig{}, false
	}
	return *s.config, true
}

// SetQuestions stores the fetched question set for the active stage.
func (s *Store) SetQuestions(qs []domain.Question) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.questions = qs
	s.loadErr = nil
}

// Questions returns the fetched set, if any.
func (s *Store) Questions() []domain.Question {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.questions
}

// SetLoadError records a terminal question-load failure.
func (s *Store) SetLoadError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadErr = err
}

// LoadError returns the terminal question-load failure, if any.
func (s *Store) LoadError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadErr
}

// ReleaseWaiting closes the waiting-for-stage-start gate. Called on both
// success and retry exhaustion so the flow is never stuck.
func (s *Store) ReleaseWaiting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiting = false
}

// Waiting reports whether the stage is still resolving its data sources.
func (s *Store) Waiting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.waiting
}

// SetTeamRecord stores the contestant's resolved team/profile record.
func (s *Store) SetTeamRecord(r collab.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := r
	s.teamRecord = &rec
}

// TeamRecord returns the resolved team record, if any.
func (s *Store) TeamRecord() (collab.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.teamRecord == nil {
		return collab.Record{}, false
	}
	return *s.teamRecord, true
}

// SetScoreRecord stores the contestant's resolved score record.
func (s *Store) SetScoreRecord(r collab.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := r
	s.scoreRecord = &rec
}

// ScoreRecord returns the resolved score record, if any.
func (s *Store) ScoreRecord() (collab.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.scoreRecord == nil {
		return collab.Record{}, false
	}
	return *s.scoreRecord, true
}
