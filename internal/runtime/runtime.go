package runtime

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"contest-station-client/internal/domain"
)

// Phase is the buzzer sub-state governing who may answer a contested
// question. It is meaningful only for buzzer modes.
type Phase string

const (
	PhaseNone     Phase = ""
	PhaseWaiting  Phase = "waiting"
	PhaseBuzz     Phase = "buzz"
	PhaseDecision Phase = "decision"
	PhaseAnswer   Phase = "answer"
	PhaseLocked   Phase = "locked"
)

// phaseTransitions is the exhaustive table of legal buzzer moves.
var phaseTransitions = map[Phase][]Phase{
	PhaseWaiting:  {PhaseBuzz},
	PhaseBuzz:     {PhaseDecision},
	PhaseDecision: {PhaseAnswer, PhaseLocked},
	PhaseAnswer:   {PhaseWaiting},
	PhaseLocked:   {PhaseBuzz},
}

// QuestionSource fetches the next question for pull-flow modes. Remaining is
// the pool count after the fetch, -1 when unknown.
type QuestionSource interface {
	NextQuestion(ctx context.Context) (domain.Question, int, error)
}

// ResultSink syncs a judged submission to the scoring sheet. Sync failures
// never roll back local state.
type ResultSink interface {
	SubmitJudged(ctx context.Context, rec domain.AnswerRecord) error
}

// Publisher receives state snapshots for the (out-of-scope) UI.
type Publisher interface {
	PublishState(s Snapshot)
}

// Notifier surfaces transient notices.
type Notifier interface {
	Notify(message string)
}

// Snapshot is the externally visible runtime state.
type Snapshot struct {
	ModeID             string           `json:"modeId"`
	Question           *domain.Question `json:"question,omitempty"`
	QuestionIndex      int              `json:"questionIndex"`
	TotalQuestions     int              `json:"totalQuestions"`
	HP                 int              `json:"hp"`
	TimeRemainingMs    int64            `json:"timeRemainingMs"`
	TimeElapsedMs      int64            `json:"timeElapsedMs"`
	AnsweringEnabled   bool             `json:"answeringEnabled"`
	AwaitingHost       bool             `json:"awaitingHost"`
	DelegationTargetID string           `json:"delegationTargetId,omitempty"`
	Phase              Phase            `json:"phase,omitempty"`
	RemainingPool      int              `json:"remainingPool"`
	WaitingForStart    bool             `json:"waitingForStart"`
}

// Deps are the runtime's collaborators. Any of them may be nil except Clock,
// which defaults to time.Now.
type Deps struct {
	Source   QuestionSource
	Sink     ResultSink
	Pub      Publisher
	Notifier Notifier
	// OnAnswer is invoked after each recorded submission, e.g. to persist the
	// answer history.
	OnAnswer func(domain.AnswerRecord)
	// SelfID is the delegation target meaning "we answer".
	SelfID string
	Clock  func() time.Time
}

// Runtime is the per-mode quiz state machine. One instance exists per
// selected mode; switching modes discards it (Close) and builds a fresh one.
// All flag-like state is derived: answeringEnabled is computed, never stored.
type Runtime struct {
	mode domain.ContestMode
	deps Deps

	mu             sync.Mutex
	question       *domain.Question
	questions      []domain.Question // local flow only
	index          int
	pushed         int // push flow: questions received
	fetched        int // pull flow: questions fetched
	hp             int
	awaitingHost   bool
	answered       bool // current question already answered
	phase          Phase
	buzzOpen       bool // "start_buzzing" seen for the current question
	delegation     string
	remainingPool  int
	answers        map[string]domain.AnswerRecord
	countdown      *Countdown
	submitting     bool
	closed         bool
	questionOpened time.Time
	tickCancel     context.CancelFunc
}

// New builds a runtime for the given mode. questionIndex starts at -1 for
// push-flow modes and 0 for local/pull-flow modes.
func New(mode domain.ContestMode, deps Deps) *Runtime {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	r := &Runtime{
		mode:          mode,
		deps:          deps,
		answers:       make(map[string]domain.AnswerRecord),
		remainingPool: -1,
	}
	r.initLocked()
	return r
}

func (r *Runtime) initLocked() {
	r.question = nil
	r.questions = nil
	r.pushed = 0
	r.fetched = 0
	r.awaitingHost = false
	r.answered = false
	r.delegation = ""
	r.buzzOpen = false
	r.answers = make(map[string]domain.AnswerRecord)
	if r.countdown != nil {
		r.countdown.Stop()
		r.countdown = nil
	}
	if r.tickCancel != nil {
		r.tickCancel()
		r.tickCancel = nil
	}
	if r.mode.QuestionFlow == domain.FlowPush {
		r.index = -1
	} else {
		r.index = 0
	}
	if r.mode.HasHP {
		r.hp = r.mode.InitialHP
	} else {
		r.hp = 0
	}
	if r.mode.RequiresBuzzer {
		r.phase = PhaseWaiting
	} else {
		r.phase = PhaseNone
	}
}

// Mode returns the immutable mode description.
func (r *Runtime) Mode() domain.ContestMode { return r.mode }

// Reset reinitializes the runtime for the same mode: timers cancelled, prior
// answers cleared, HP restored.
func (r *Runtime) Reset() {
	r.mu.Lock()
	r.initLocked()
	r.mu.Unlock()
	r.publish()
}

// Close stops all owned timers. The runtime must not be used afterwards.
func (r *Runtime) Close() {
	r.mu.Lock()
	r.closed = true
	if r.countdown != nil {
		r.countdown.Stop()
		r.countdown = nil
	}
	if r.tickCancel != nil {
		r.tickCancel()
		r.tickCancel = nil
	}
	r.mu.Unlock()
}

// setPhaseLocked validates a buzzer move against the transition table.
func (r *Runtime) setPhaseLocked(to Phase) error {
	for _, legal := range phaseTransitions[r.phase] {
		if legal == to {
			r.phase = to
			return nil
		}
	}
	return fmt.Errorf("illegal phase transition %s -> %s", r.phase, to)
}

// LoadQuestions installs the full set for local-flow modes and starts the
// global countdown on first arrival.
func (r *Runtime) LoadQuestions(qs []domain.Question) {
	r.mu.Lock()
	r.questions = qs
	r.index = 0
	r.answered = false
	if len(qs) > 0 {
		q := qs[0]
		r.question = &q
		r.questionOpened = r.deps.Clock()
		r.startCountdownLocked()
	} else {
		r.question = nil
	}
	r.mu.Unlock()
	r.publish()
}

// PushQuestion installs an externally supplied question (push flow and the
// buzzer mode). A new question re-arms the buzzer: phase resets to buzz and a
// fresh "start buzzing" signal is required before triggering.
func (r *Runtime) PushQuestion(q domain.Question) {
	r.mu.Lock()
	qq := q
	r.question = &qq
	r.pushed++
	r.index++
	r.awaitingHost = false
	r.answered = false
	r.delegation = ""
	r.questionOpened = r.deps.Clock()
	if r.mode.RequiresBuzzer {
		r.buzzOpen = false
		if err := r.setPhaseLocked(PhaseBuzz); err != nil {
			// waiting/locked are the only states a new question arrives in;
			// anything else means the host skipped ahead, so force the reset.
			log.Printf("runtime: %v, forcing buzz", err)
			r.phase = PhaseBuzz
		}
	}
	r.mu.Unlock()
	r.publish()
}

// ControlSignal handles auxiliary host signals from the control topic.
func (r *Runtime) ControlSignal(signal string) {
	if signal != "start_buzzing" {
		log.Printf("runtime: ignoring control signal %q", signal)
		return
	}
	r.mu.Lock()
	if r.mode.RequiresBuzzer && r.question != nil {
		r.buzzOpen = true
	}
	r.mu.Unlock()
	r.publish()
}

// TriggerBuzzer moves buzz -> decision. Triggering before the start-buzzing
// signal for the current question is rejected.
func (r *Runtime) TriggerBuzzer() error {
	r.mu.Lock()
	if r.phase != PhaseBuzz || !r.buzzOpen {
		r.mu.Unlock()
		return domain.ErrBuzzerClosed
	}
	err := r.setPhaseLocked(PhaseDecision)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.publish()
	return nil
}

// Delegate resolves the decision phase: delegating to self opens answering,
// delegating to the opponent locks us out for this question.
func (r *Runtime) Delegate(targetID string) error {
	r.mu.Lock()
	if r.phase != PhaseDecision {
		r.mu.Unlock()
		return domain.ErrDelegationClosed
	}
	to := PhaseLocked
	if targetID == r.deps.SelfID {
		to = PhaseAnswer
	}
	err := r.setPhaseLocked(to)
	if err == nil {
		r.delegation = targetID
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.publish()
	return nil
}

// Next advances to the next question. Pull flow re-invokes the fetch; local
// flow moves the pointer.
func (r *Runtime) Next(ctx context.Context) error {
	r.mu.Lock()
	switch r.mode.QuestionFlow {
	case domain.FlowLocal:
		err := r.jumpLocked(r.index + 1)
		r.mu.Unlock()
		if err == nil {
			r.publish()
		}
		return err
	case domain.FlowPull:
		if r.mode.HasHP && r.hp <= 0 {
			r.mu.Unlock()
			return domain.ErrAnsweringDisabled
		}
		if r.countdown != nil && r.countdown.Expired() {
			r.mu.Unlock()
			return domain.ErrAnsweringDisabled
		}
		source := r.deps.Source
		r.mu.Unlock()
		if source == nil {
			return domain.ErrNoQuestion
		}
		q, remaining, err := source.NextQuestion(ctx)
		if err != nil {
			return err
		}
		r.mu.Lock()
		qq := q
		r.question = &qq
		r.fetched++
		if r.fetched > 1 {
			r.index++
		}
		r.answered = false
		r.remainingPool = remaining
		r.questionOpened = r.deps.Clock()
		r.startCountdownLocked()
		r.mu.Unlock()
		r.publish()
		return nil
	default:
		r.mu.Unlock()
		return domain.ErrNoQuestion
	}
}

// JumpTo moves the local question pointer (host jump commands).
func (r *Runtime) JumpTo(index int) error {
	r.mu.Lock()
	err := r.jumpLocked(index)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.publish()
	return nil
}

func (r *Runtime) jumpLocked(index int) error {
	if r.mode.QuestionFlow != domain.FlowLocal {
		return domain.ErrIndexOutOfRange
	}
	if index < 0 || index >= len(r.questions) {
		return domain.ErrIndexOutOfRange
	}
	r.index = index
	q := r.questions[index]
	r.question = &q
	r.answered = false
	r.questionOpened = r.deps.Clock()
	return nil
}

// SetRemainingPool records the shared-pool count reported by the question
// bank, -1 when unknown.
func (r *Runtime) SetRemainingPool(n int) {
	r.mu.Lock()
	r.remainingPool = n
	r.mu.Unlock()
}

// Idle reports whether the runtime is waiting for its first question of the
// moment: nothing loaded and nothing pending. Used by the grab "start" gate.
func (r *Runtime) Idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.question == nil && !r.awaitingHost
}

// AnsweringEnabled is derived, never stored.
func (r *Runtime) AnsweringEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.answeringEnabledLocked()
}

func (r *Runtime) answeringEnabledLocked() bool {
	if r.closed || r.question == nil || r.awaitingHost || r.answered {
		return false
	}
	if r.mode.HasHP && r.hp <= 0 {
		return false
	}
	if r.mode.RequiresBuzzer && r.phase != PhaseAnswer {
		return false
	}
	if r.countdown != nil && r.countdown.Expired() {
		return false
	}
	return true
}

// Submit evaluates and records a submission. Local state is optimistic and
// never rolled back; only the remote sync is best-effort. A second submit
// while one is outstanding is rejected to prevent duplicate scoring writes.
func (r *Runtime) Submit(ctx context.Context, values []string) (domain.Outcome, error) {
	r.mu.Lock()
	if r.submitting {
		r.mu.Unlock()
		return "", domain.ErrSubmissionInFlight
	}
	if !r.answeringEnabledLocked() {
		r.mu.Unlock()
		return "", domain.ErrAnsweringDisabled
	}
	if emptySubmission(values) {
		r.mu.Unlock()
		return "", domain.ErrEmptyAnswer
	}

	q := *r.question
	outcome := Evaluate(q, values)
	now := r.deps.Clock()
	rec := domain.AnswerRecord{
		QuestionKey: q.Key(),
		Values:      append([]string(nil), values...),
		Outcome:     outcome,
		SubmittedAt: now,
		DurationMs:  now.Sub(r.questionOpened).Milliseconds(),
	}
	r.answers[rec.QuestionKey] = rec
	r.answered = true

	switch r.mode.AnswerFlow {
	case domain.AnswerHostJudged:
		r.awaitingHost = true
		if outcome == domain.OutcomeIncorrect {
			r.loseHPLocked()
		}
	case domain.AnswerLocalAdvance:
		if outcome == domain.OutcomeIncorrect {
			r.loseHPLocked()
		}
		if r.mode.QuestionFlow == domain.FlowLocal && r.mode.AutoAdvance {
			r.advanceLocked()
		}
	case domain.AnswerBuzzerGated:
		// Exactly one submission per contested question.
		if err := r.setPhaseLocked(PhaseWaiting); err != nil {
			log.Printf("runtime: %v", err)
		}
		r.awaitingHost = true
		r.delegation = ""
	}

	sink := r.deps.Sink
	onAnswer := r.deps.OnAnswer
	if sink != nil {
		r.submitting = true
	}
	r.mu.Unlock()

	if onAnswer != nil {
		onAnswer(rec)
	}
	if sink != nil {
		go func() {
			// Detached from the caller: the sync must outlive request-scoped
			// contexts.
			syncCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := sink.SubmitJudged(syncCtx, rec); err != nil {
				log.Printf("runtime: result sync failed: %v", err)
				if r.deps.Notifier != nil {
					r.deps.Notifier.Notify("result sync failed; answer kept locally")
				}
			}
			r.mu.Lock()
			r.submitting = false
			r.mu.Unlock()
			r.publish()
		}()
	}

	r.publish()
	return outcome, nil
}

// HostJudgement applies an explicit host verdict. A host "wrong" costs HP in
// HP modes even when local evaluation was unknown.
func (r *Runtime) HostJudgement(correct bool) {
	r.mu.Lock()
	if !correct {
		r.loseHPLocked()
	}
	r.mu.Unlock()
	r.publish()
}

// loseHPLocked floors HP at zero; reaching zero disables answering for the
// rest of the session (until explicit reset).
func (r *Runtime) loseHPLocked() {
	if !r.mode.HasHP {
		return
	}
	loss := r.mode.HPLossPerWrong
	if loss <= 0 {
		loss = 1
	}
	r.hp -= loss
	if r.hp < 0 {
		r.hp = 0
	}
}

// advanceLocked moves the local pointer after a submission; running off the
// end leaves no question loaded, which stops further answering.
func (r *Runtime) advanceLocked() {
	r.index++
	if r.index >= len(r.questions) {
		r.question = nil
		return
	}
	q := r.questions[r.index]
	r.question = &q
	r.answered = false
	r.questionOpened = r.deps.Clock()
}

// startCountdownLocked arms the global countdown on first question arrival.
func (r *Runtime) startCountdownLocked() {
	if !r.mode.SupportsTimer || r.countdown != nil || r.mode.TimerSeconds <= 0 {
		return
	}
	total := time.Duration(r.mode.TimerSeconds) * time.Second
	r.countdown = NewCountdown(total, r.deps.Clock, func() {
		if r.deps.Notifier != nil {
			r.deps.Notifier.Notify("time is up")
		}
		r.publish()
	})

	tickCtx, cancel := context.WithCancel(context.Background())
	r.tickCancel = cancel
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				r.publish()
			}
		}
	}()
}

// Answers returns a copy of the recorded submissions keyed by question.
func (r *Runtime) Answers() map[string]domain.AnswerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]domain.AnswerRecord, len(r.answers))
	for k, v := range r.answers {
		out[k] = v
	}
	return out
}

// Snapshot captures the current state for the UI.
func (r *Runtime) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		ModeID:             r.mode.ID,
		Question:           r.question,
		QuestionIndex:      r.index,
		HP:                 r.hp,
		AnsweringEnabled:   r.answeringEnabledLocked(),
		AwaitingHost:       r.awaitingHost,
		DelegationTargetID: r.delegation,
		Phase:              r.phase,
		RemainingPool:      r.remainingPool,
		WaitingForStart:    r.question == nil && !r.awaitingHost,
	}
	switch r.mode.QuestionFlow {
	case domain.FlowLocal:
		s.TotalQuestions = len(r.questions)
	case domain.FlowPush:
		s.TotalQuestions = r.pushed
	case domain.FlowPull:
		s.TotalQuestions = r.fetched
	}
	if r.countdown != nil {
		s.TimeRemainingMs = r.countdown.Remaining().Milliseconds()
		s.TimeElapsedMs = r.countdown.Elapsed().Milliseconds()
	}
	return s
}

func (r *Runtime) publish() {
	if r.deps.Pub != nil {
		r.deps.Pub.PublishState(r.Snapshot())
	}
}

func emptySubmission(values []string) bool {
	if len(values) == 0 {
		return true
	}
	for _, v := range values {
		if v != "" {
			return false
		}
	}
	return true
}
