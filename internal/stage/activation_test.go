package stage_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"contest-station-client/internal/collab"
	"contest-station-client/internal/domain"
	"contest-station-client/internal/stage"
)

type fakeFetcher struct {
	mu        sync.Mutex
	calls     int
	failFirst int // number of leading calls that fail
	questions []domain.Question
}

func (f *fakeFetcher) FetchQuestions(_ context.Context, sheetID string) ([]domain.Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFirst {
		return nil, errors.New("sheet temporarily unavailable")
	}
	return f.questions, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRecords struct {
	mu      sync.Mutex
	records map[string][]collab.Record
	err     error
	calls   []string
}

func (f *fakeRecords) ListRecords(_ context.Context, sheetID string) ([]collab.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sheetID)
	if f.err != nil {
		return nil, f.err
	}
	return f.records[sheetID], nil
}

type fakeEvents struct {
	events []domain.Event
	err    error
}

func (f *fakeEvents) ListEvents(context.Context) ([]domain.Event, error) {
	return f.events, f.err
}

func instantBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
}

func testEvent() domain.Event {
	return domain.Event{
		ID:             "ev-1",
		Name:           "Regional Final",
		GeneralSheetID: "general",
		Stages: []domain.StageConfig{
			{StageID: "warmup", Kind: domain.StageMeta},
			{StageID: "round1", Kind: domain.StageStandard, QuestionSheetID: "sheet-q", ScoreSheetID: "sheet-s"},
			{StageID: "final", Kind: domain.StageGrab, QuestionSheetID: "pool-1", ScoreSheetID: "sheet-s"},
		},
	}
}

func newTestActivator(fetcher *fakeFetcher, records *fakeRecords) (*stage.Activator, *stage.Store) {
	store := stage.NewStore()
	events := &fakeEvents{events: []domain.Event{testEvent()}}
	a := stage.NewActivator(fetcher, records, events, store, "user-9")
	a.SetBackOffFactory(instantBackOff)
	return a, store
}

func TestSelectEventByOrdinal(t *testing.T) {
	a, store := newTestActivator(&fakeFetcher{}, &fakeRecords{})
	ctx := context.Background()

	if err := a.SelectEvent(ctx, 0); err != nil {
		t.Fatalf("select: %v", err)
	}
	ev, ok := store.Event()
	if !ok || ev.ID != "ev-1" {
		t.Fatalf("event not stored: %+v ok=%v", ev, ok)
	}

	if err := a.SelectEvent(ctx, 5); !errors.Is(err, domain.ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestActivateLoadsQuestionsAndReleasesGate(t *testing.T) {
	fetcher := &fakeFetcher{questions: []domain.Question{
		{Kind: domain.KindStandard, Standard: &domain.StandardQuestion{ID: "q1"}},
	}}
	a, store := newTestActivator(fetcher, &fakeRecords{})
	ctx := context.Background()

	if err := a.SelectEvent(ctx, 0); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := a.Activate(ctx, "round1"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if store.Waiting() {
		t.Fatalf("waiting gate still closed after activation")
	}
	if got := len(store.Questions()); got != 1 {
		t.Fatalf("questions %d, want 1", got)
	}
	if err := store.LoadError(); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
}

func TestActivateUnknownStage(t *testing.T) {
	a, _ := newTestActivator(&fakeFetcher{}, &fakeRecords{})
	ctx := context.Background()

	if err := a.Activate(ctx, "round1"); !errors.Is(err, domain.ErrNoActiveEvent) {
		t.Fatalf("expected ErrNoActiveEvent, got %v", err)
	}
	if err := a.SelectEvent(ctx, 0); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := a.Activate(ctx, "nope"); !errors.Is(err, domain.ErrStageNotFound) {
		t.Fatalf("expected ErrStageNotFound, got %v", err)
	}
}

func TestQuestionLoadRetriesThenSucceeds(t *testing.T) {
	fetcher := &fakeFetcher{failFirst: 2, questions: []domain.Question{
		{Kind: domain.KindStandard, Standard: &domain.StandardQuestion{ID: "q1"}},
	}}
	a, store := newTestActivator(fetcher, &fakeRecords{})
	ctx := context.Background()

	if err := a.SelectEvent(ctx, 0); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := a.Activate(ctx, "round1"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if got := fetcher.callCount(); got != 3 {
		t.Fatalf("fetch calls %d, want 3 (two failures + success)", got)
	}
	if got := len(store.Questions()); got != 1 {
		t.Fatalf("questions %d, want 1", got)
	}
}

func TestQuestionLoadExhaustionReleasesGate(t *testing.T) {
	fetcher := &fakeFetcher{failFirst: 10}
	a, store := newTestActivator(fetcher, &fakeRecords{})
	ctx := context.Background()

	if err := a.SelectEvent(ctx, 0); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := a.Activate(ctx, "round1"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	// Initial attempt plus three retries, then give up.
	if got := fetcher.callCount(); got != 4 {
		t.Fatalf("fetch calls %d, want 4", got)
	}
	if store.LoadError() == nil {
		t.Fatalf("expected a recorded load error")
	}
	if store.Waiting() {
		t.Fatalf("waiting gate must release even on exhaustion")
	}
	if store.Questions() != nil {
		t.Fatalf("no questions should be stored on failure")
	}
}

func TestRecordResolutionIsIndependentOfQuestions(t *testing.T) {
	fetcher := &fakeFetcher{failFirst: 10} // questions never load
	records := &fakeRecords{records: map[string][]collab.Record{
		"general": {{ID: "team-7", Fields: map[string]any{"userId": "user-9", "team": "Sharks"}}},
		"sheet-s": {{ID: "score-3", Fields: map[string]any{"uid": "user-9"}}},
	}}
	a, store := newTestActivator(fetcher, records)
	ctx := context.Background()

	if err := a.SelectEvent(ctx, 0); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := a.Activate(ctx, "round1"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	team, ok := store.TeamRecord()
	if !ok || team.ID != "team-7" {
		t.Fatalf("team record not resolved: %+v ok=%v", team, ok)
	}
	score, ok := store.ScoreRecord()
	if !ok || score.ID != "score-3" {
		t.Fatalf("score record not resolved: %+v ok=%v", score, ok)
	}
	if store.LoadError() == nil {
		t.Fatalf("question failure should still be recorded")
	}
}

func TestIdentifierPriorityOrder(t *testing.T) {
	// Two records match: one on a low-priority field, one on a high-priority
	// field. The high-priority match must win even though it appears later.
	records := &fakeRecords{records: map[string][]collab.Record{
		"sheet-s": {
			{ID: "by-account", Fields: map[string]any{"account": "user-9"}},
			{ID: "by-userid", Fields: map[string]any{"userId": "user-9"}},
		},
		"general": {},
	}}
	a, store := newTestActivator(&fakeFetcher{questions: nil}, records)
	ctx := context.Background()

	if err := a.SelectEvent(ctx, 0); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := a.Activate(ctx, "round1"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	score, ok := store.ScoreRecord()
	if !ok || score.ID != "by-userid" {
		t.Fatalf("expected the userId match to win, got %+v ok=%v", score, ok)
	}
}

func TestMetaStageSkipsQuestionLoad(t *testing.T) {
	fetcher := &fakeFetcher{}
	a, store := newTestActivator(fetcher, &fakeRecords{})
	ctx := context.Background()

	if err := a.SelectEvent(ctx, 0); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := a.Activate(ctx, "warmup"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if got := fetcher.callCount(); got != 0 {
		t.Fatalf("meta stage fetched questions %d times", got)
	}
	if store.Waiting() {
		t.Fatalf("waiting gate must release for meta stages too")
	}
}

func TestNewStageActivationClearsPreviousState(t *testing.T) {
	fetcher := &fakeFetcher{questions: []domain.Question{
		{Kind: domain.KindStandard, Standard: &domain.StandardQuestion{ID: "q1"}},
	}}
	a, store := newTestActivator(fetcher, &fakeRecords{})
	ctx := context.Background()

	if err := a.SelectEvent(ctx, 0); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := a.Activate(ctx, "round1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if len(store.Questions()) != 1 {
		t.Fatalf("setup failed")
	}

	if err := a.Activate(ctx, "warmup"); err != nil {
		t.Fatalf("activate warmup: %v", err)
	}
	if store.Questions() != nil {
		t.Fatalf("previous stage's questions leaked into the new stage")
	}
	cfg, ok := store.Config()
	if !ok || cfg.StageID != "warmup" {
		t.Fatalf("config not replaced: %+v", cfg)
	}
}
