package stage

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"contest-station-client/internal/collab"
	"contest-station-client/internal/domain"
	"github.com/cenkalti/backoff/v4"
)

// QuestionFetcher loads a stage's question set.
type QuestionFetcher interface {
	FetchQuestions(ctx context.Context, sheetID string) ([]domain.Question, error)
}

// RecordLister lists tabular sheet records.
type RecordLister interface {
	ListRecords(ctx context.Context, sheetID string) ([]collab.Record, error)
}

// EventLister lists configured contest events.
type EventLister interface {
	ListEvents(ctx context.Context) ([]domain.Event, error)
}

// identifierPriority is the fixed order of field names scanned for a match
// against the local user id when resolving team and score records.
var identifierPriority = []string{"userId", "uid", "user", "account", "memberId"}

// Activator resolves a stage's data sources: question set (with retry),
// team record, and score record. The three resolutions are independent;
// failure in one never blocks the others.
type Activator struct {
	questions QuestionFetcher
	records   RecordLister
	events    EventLister
	store     *Store
	userID    string

	// newBackOff builds the retry schedule for the question fetch. The
	// production schedule is 1s/2s/4s after the initial attempt.
	newBackOff func() backoff.BackOff
}

func NewActivator(questions QuestionFetcher, records RecordLister, events EventLister, store *Store, userID string) *Activator {
	return &Activator{
		questions:  questions,
		records:    records,
		events:     events,
		store:      store,
		userID:     userID,
		newBackOff: productionBackOff,
	}
}

func productionBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 4 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, 3)
}

// SetBackOffFactory overrides the retry schedule. Test hook.
func (a *Activator) SetBackOffFactory(f func() backoff.BackOff) {
	a.newBackOff = f
}

// SelectEvent activates the event at the given ordinal: loads its stage list
// and resolves the team profile when a user id is known.
func (a *Activator) SelectEvent(ctx context.Context, ordinal int) error {
	events, err := a.events.ListEvents(ctx)
	if err != nil {
		return fmt.Errorf("select event: %w", err)
	}
	if ordinal < 0 || ordinal >= len(events) {
		return domain.ErrEventNotFound
	}
	ev := events[ordinal]
	a.store.SetEvent(ev)
	log.Printf("stage: event %q selected with %d stages", ev.ID, len(ev.Stages))

	if a.userID != "" && ev.GeneralSheetID != "" {
		a.resolveTeam(ctx, ev.GeneralSheetID)
	}
	return nil
}

// Activate runs the stage activation workflow. The waiting gate is released
// once the question resolution finishes, success or not.
func (a *Activator) Activate(ctx context.Context, stageID string) error {
	ev, ok := a.store.Event()
	if !ok {
		return domain.ErrNoActiveEvent
	}
	var cfg *domain.StageConfig
	for i := range ev.Stages {
		if ev.Stages[i].StageID == stageID {
			cfg = &ev.Stages[i]
			break
		}
	}
	if cfg == nil {
		return domain.ErrStageNotFound
	}
	a.store.SetConfig(*cfg)
	log.Printf("stage: activating %q (kind=%s)", cfg.StageID, cfg.Kind)

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		defer a.store.ReleaseWaiting()
		a.loadQuestions(ctx, *cfg)
	}()
	go func() {
		defer wg.Done()
		sheetID := cfg.GeneralSheetID
		if sheetID == "" {
			sheetID = ev.GeneralSheetID
		}
		if a.userID == "" || sheetID == "" {
			return
		}
		a.resolveTeam(ctx, sheetID)
	}()
	go func() {
		defer wg.Done()
		if a.userID == "" || cfg.ScoreSheetID == "" {
			return
		}
		a.resolveScore(ctx, cfg.ScoreSheetID)
	}()

	wg.Wait()
	return nil
}

// loadQuestions fetches the question set for standard stages, retrying with
// exponential backoff. Exhaustion records a terminal error; the caller
// releases the waiting gate either way.
func (a *Activator) loadQuestions(ctx context.Context, cfg domain.StageConfig) {
	if cfg.Kind != domain.StageStandard || cfg.QuestionSheetID == "" {
		return
	}

	var qs []domain.Question
	op := func() error {
		var err error
		qs, err = a.questions.FetchQuestions(ctx, cfg.QuestionSheetID)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(a.newBackOff(), ctx)); err != nil {
		log.Printf("stage: question load for %q failed after retries: %v", cfg.StageID, err)
		a.store.SetLoadError(err)
		return
	}
	a.store.SetQuestions(qs)
	log.Printf("stage: loaded %d questions for %q", len(qs), cfg.StageID)
}

func (a *Activator) resolveTeam(ctx context.Context, sheetID string) {
	rec, err := a.findRecord(ctx, sheetID)
	if err != nil {
		log.Printf("stage: team record resolution failed: %v", err)
		return
	}
	a.store.SetTeamRecord(rec)
}

func (a *Activator) resolveScore(ctx context.Context, sheetID string) {
	rec, err := a.findRecord(ctx, sheetID)
	if err != nil {
		log.Printf("stage: score record resolution failed: %v", err)
		return
	}
	a.store.SetScoreRecord(rec)
}

// findRecord scans a sheet for the record whose identifier matches the local
// user id, trying field names in priority order.
func (a *Activator) findRecord(ctx context.Context, sheetID string) (collab.Record, error) {
	records, err := a.records.ListRecords(ctx, sheetID)
	if err != nil {
		return collab.Record{}, err
	}
	for _, field := range identifierPriority {
		for _, rec := range records {
			if v, ok := rec.StringField(field); ok && v == a.userID {
				return rec, nil
			}
		}
	}
	return collab.Record{}, domain.ErrRecordNotFound
}
