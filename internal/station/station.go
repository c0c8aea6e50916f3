// Package station wires the station together: leader election gates the
// broker connection, the transport feeds the dispatcher, dispatched commands
// drive stage activation and the quiz runtime.
package station

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"contest-station-client/internal/collab"
	"contest-station-client/internal/dispatch"
	"contest-station-client/internal/domain"
	"contest-station-client/internal/runtime"
	"contest-station-client/internal/stage"
	"contest-station-client/internal/transport"
)

// SessionStore persists station identity and answer history under a fixed
// storage key.
type SessionStore interface {
	Load(ctx context.Context, stationID string) (domain.StationSession, bool, error)
	Save(ctx context.Context, stationID string, session domain.StationSession) error
}

// UI receives state snapshots and transient notices (the uibridge implements
// it; rendering itself is out of scope).
type UI interface {
	PublishState(s runtime.Snapshot)
	Notify(message string)
}

// Options configures a station.
type Options struct {
	StationID    string
	TabID        string
	UserID       string
	CommandTopic string // host -> client plain text commands
	ControlTopic string // auxiliary host signals, e.g. "start_buzzing"
	Modes        map[string]domain.ContestMode
}

// Overview is the aggregate state served to the UI.
type Overview struct {
	StationID       string              `json:"stationId"`
	TabID           string              `json:"tabId"`
	Leader          bool                `json:"leader"`
	Transport       transport.Status    `json:"transport"`
	Event           *domain.Event       `json:"event,omitempty"`
	Stage           *domain.StageConfig `json:"stage,omitempty"`
	WaitingForStage bool                `json:"waitingForStage"`
	LoadError       string              `json:"loadError,omitempty"`
	Runtime         *runtime.Snapshot   `json:"runtime,omitempty"`
	History         []dispatch.Command  `json:"history"`
}

// Station owns the per-tab object graph.
type Station struct {
	opts       Options
	conn       *transport.Conn
	dispatcher *dispatch.Dispatcher
	activator  *stage.Activator
	stages     *stage.Store
	bank       *collab.QuestionBank
	sheets     *collab.Sheets
	uploads    *collab.Uploads
	sessions   SessionStore
	ui         UI

	mu        sync.Mutex
	rt        *runtime.Runtime
	session   domain.StationSession
	leader    bool
	ready     bool // session loaded and credentials present
	unsubs    []func()
	modeUnsub func()
}

func New(opts Options, conn *transport.Conn, stages *stage.Store, activator *stage.Activator,
	bank *collab.QuestionBank, sheets *collab.Sheets, uploads *collab.Uploads,
	sessions SessionStore, ui UI) *Station {
	if opts.Modes == nil {
		opts.Modes = domain.Modes()
	}
	s := &Station{
		opts:      opts,
		conn:      conn,
		activator: activator,
		stages:    stages,
		bank:      bank,
		sheets:    sheets,
		uploads:   uploads,
		sessions:  sessions,
		ui:        ui,
	}
	s.dispatcher = dispatch.New(s, ui)
	return s
}

// Start loads the persisted session. The station only counts as ready (and
// thus eligible to own the broker connection) once identity is known.
func (s *Station) Start(ctx context.Context) error {
	session, found, err := s.sessions.Load(ctx, s.opts.StationID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	s.mu.Lock()
	if found {
		s.session = session
		if s.opts.UserID == "" {
			s.opts.UserID = session.UserID
		}
	}
	s.session.UserID = s.opts.UserID
	s.ready = s.opts.UserID != ""
	s.mu.Unlock()
	if !s.ready {
		log.Printf("station: no user identity yet; staying offline")
	}
	return nil
}

// Dispatcher exposes the command history for the UI.
func (s *Station) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// OnLeadership reacts to election transitions. Non-leader tabs never hold a
// broker connection; connection setup additionally requires session
// readiness, so a follower or an anonymous tab simply stays dark.
func (s *Station) OnLeadership(leader bool) {
	s.mu.Lock()
	s.leader = leader
	ready := s.ready
	s.mu.Unlock()

	if leader && ready {
		go s.connect()
	} else {
		go s.disconnect()
	}
}

func (s *Station) connect() {
	ctx := context.Background()
	if err := s.conn.Connect(ctx); err != nil {
		log.Printf("station: connect failed: %v", err)
		s.ui.Notify("connection to host failed")
		return
	}

	unsubCmd, err := s.conn.Subscribe(s.opts.CommandTopic, func(msg transport.Message) {
		s.dispatcher.Handle(context.Background(), string(msg.Payload))
	})
	if err != nil {
		log.Printf("station: command subscribe failed: %v", err)
		return
	}
	unsubCtl, err := s.conn.Subscribe(s.opts.ControlTopic, func(msg transport.Message) {
		s.handleControl(string(msg.Payload))
	})
	if err != nil {
		log.Printf("station: control subscribe failed: %v", err)
		unsubCmd()
		return
	}

	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsubCmd, unsubCtl)
	rt := s.rt
	s.mu.Unlock()
	if rt != nil {
		s.subscribeModeChannel(rt.Mode())
	}
	log.Printf("station: tab %s online as %s", s.opts.TabID, s.opts.StationID)
}

func (s *Station) disconnect() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	modeUnsub := s.modeUnsub
	s.modeUnsub = nil
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if modeUnsub != nil {
		modeUnsub()
	}
	if s.conn.Status() != transport.StatusDisconnected {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.conn.Close(ctx); err != nil {
			log.Printf("station: close failed: %v", err)
		}
	}
}

// handleControl routes auxiliary host signals to the runtime.
func (s *Station) handleControl(signal string) {
	s.mu.Lock()
	rt := s.rt
	s.mu.Unlock()
	if rt == nil {
		return
	}
	switch signal {
	case "judge_correct":
		rt.HostJudgement(true)
	case "judge_wrong":
		rt.HostJudgement(false)
	default:
		rt.ControlSignal(signal)
	}
}

// subscribeModeChannel listens for questions the host pushes on the mode's
// own channel.
func (s *Station) subscribeModeChannel(mode domain.ContestMode) {
	if mode.QuestionFlow != domain.FlowPush || mode.Channel == "" {
		return
	}
	unsub, err := s.conn.Subscribe(mode.Channel, func(msg transport.Message) {
		q, err := collab.DecodeQuestion(msg.Payload)
		if err != nil {
			log.Printf("station: malformed pushed question: %v", err)
			return
		}
		s.mu.Lock()
		rt := s.rt
		s.mu.Unlock()
		if rt != nil {
			rt.PushQuestion(q)
		}
	})
	if err != nil {
		log.Printf("station: mode channel subscribe failed: %v", err)
		return
	}
	s.mu.Lock()
	if s.modeUnsub != nil {
		s.modeUnsub()
	}
	s.modeUnsub = unsub
	s.mu.Unlock()
}

// SelectMode tears down the previous runtime (timers, answers) and builds a
// fresh one for the requested mode.
func (s *Station) SelectMode(id string) error {
	mode, ok := s.opts.Modes[id]
	if !ok {
		return fmt.Errorf("unknown mode %q", id)
	}

	s.mu.Lock()
	if s.rt != nil {
		s.rt.Close()
	}
	deps := runtime.Deps{
		Pub:      s.ui,
		Notifier: s.ui,
		SelfID:   s.opts.UserID,
		OnAnswer: s.recordAnswer,
	}
	if mode.QuestionFlow == domain.FlowPull {
		deps.Source = &poolSource{station: s}
	}
	deps.Sink = &judgedSink{station: s}
	s.rt = runtime.New(mode, deps)
	rt := s.rt
	s.mu.Unlock()

	if mode.QuestionFlow == domain.FlowLocal {
		if qs := s.stages.Questions(); len(qs) > 0 {
			rt.LoadQuestions(qs)
		}
	}
	if s.conn.Status() == transport.StatusConnected {
		s.subscribeModeChannel(mode)
	}
	log.Printf("station: mode %q selected", id)
	return nil
}

// recordAnswer persists the answer history; a fresh submission for the same
// question replaces the old record.
func (s *Station) recordAnswer(rec domain.AnswerRecord) {
	s.mu.Lock()
	replaced := false
	for i := range s.session.Answers {
		if s.session.Answers[i].QuestionKey == rec.QuestionKey {
			s.session.Answers[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		s.session.Answers = append(s.session.Answers, rec)
	}
	session := s.session
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sessions.Save(ctx, s.opts.StationID, session); err != nil {
		log.Printf("station: session save failed: %v", err)
	}
}

// --- dispatch.Actions ---

func (s *Station) SelectEvent(ctx context.Context, ordinal int) error {
	return s.activator.SelectEvent(ctx, ordinal)
}

func (s *Station) ActivateStage(ctx context.Context, stageID string) error {
	if err := s.activator.Activate(ctx, stageID); err != nil {
		return err
	}
	s.mu.Lock()
	rt := s.rt
	s.mu.Unlock()
	if rt != nil && rt.Mode().QuestionFlow == domain.FlowLocal {
		if qs := s.stages.Questions(); len(qs) > 0 {
			rt.LoadQuestions(qs)
		}
	}
	return nil
}

// StartGrab fetches the next question from the shared pool. Only valid when
// the active stage is a grab stage and the runtime is waiting to start.
func (s *Station) StartGrab(ctx context.Context) error {
	cfg, ok := s.stages.Config()
	if !ok {
		return domain.ErrNoActiveStage
	}
	if cfg.Kind != domain.StageGrab {
		return fmt.Errorf("stage %q is not a grab stage", cfg.StageID)
	}
	s.mu.Lock()
	rt := s.rt
	s.mu.Unlock()
	if rt == nil || !rt.Idle() {
		return domain.ErrNoQuestion
	}
	q, remaining, err := s.bank.GrabNext(ctx, cfg.StageID, s.opts.UserID)
	if err != nil {
		return err
	}
	rt.SetRemainingPool(remaining)
	rt.PushQuestion(q)
	return nil
}

func (s *Station) JumpToQuestion(ctx context.Context, index int) error {
	s.mu.Lock()
	rt := s.rt
	s.mu.Unlock()
	if rt == nil {
		return domain.ErrNoQuestion
	}
	return rt.JumpTo(index)
}

// --- UI-facing operations ---

func (s *Station) SubmitAnswer(ctx context.Context, values []string) (domain.Outcome, error) {
	s.mu.Lock()
	rt := s.rt
	s.mu.Unlock()
	if rt == nil {
		return "", domain.ErrNoQuestion
	}
	return rt.Submit(ctx, values)
}

func (s *Station) TriggerBuzzer() error {
	s.mu.Lock()
	rt := s.rt
	s.mu.Unlock()
	if rt == nil {
		return domain.ErrNoQuestion
	}
	return rt.TriggerBuzzer()
}

func (s *Station) Delegate(targetID string) error {
	s.mu.Lock()
	rt := s.rt
	s.mu.Unlock()
	if rt == nil {
		return domain.ErrNoQuestion
	}
	return rt.Delegate(targetID)
}

func (s *Station) NextQuestion(ctx context.Context) error {
	s.mu.Lock()
	rt := s.rt
	s.mu.Unlock()
	if rt == nil {
		return domain.ErrNoQuestion
	}
	return rt.Next(ctx)
}

// UploadAttachment sends a rendered answer image to the upload service and
// returns the token that stands in as the submission value.
func (s *Station) UploadAttachment(ctx context.Context, filename string, data []byte) (string, error) {
	if s.uploads == nil {
		return "", fmt.Errorf("uploads not configured")
	}
	return s.uploads.Upload(ctx, filename, data)
}

// Overview aggregates station state for the UI.
func (s *Station) Overview() Overview {
	s.mu.Lock()
	rt := s.rt
	leader := s.leader
	s.mu.Unlock()

	ov := Overview{
		StationID:       s.opts.StationID,
		TabID:           s.opts.TabID,
		Leader:          leader,
		Transport:       s.conn.Status(),
		WaitingForStage: s.stages.Waiting(),
		History:         s.dispatcher.History(),
	}
	if ev, ok := s.stages.Event(); ok {
		ov.Event = &ev
	}
	if cfg, ok := s.stages.Config(); ok {
		ov.Stage = &cfg
	}
	if err := s.stages.LoadError(); err != nil {
		ov.LoadError = err.Error()
	}
	if rt != nil {
		snap := rt.Snapshot()
		ov.Runtime = &snap
	}
	return ov
}

// Shutdown publishes offline presence and stops timers best-effort.
func (s *Station) Shutdown(ctx context.Context) {
	s.mu.Lock()
	rt := s.rt
	s.mu.Unlock()
	if rt != nil {
		rt.Close()
	}
	s.disconnect()
	_ = ctx
}

// poolSource pulls one question at a time from the active stage's pool.
type poolSource struct{ station *Station }

func (p *poolSource) NextQuestion(ctx context.Context) (domain.Question, int, error) {
	cfg, ok := p.station.stages.Config()
	if !ok || cfg.QuestionSheetID == "" {
		return domain.Question{}, -1, domain.ErrNoActiveStage
	}
	q, err := p.station.bank.NextFromPool(ctx, cfg.QuestionSheetID, p.station.opts.UserID)
	if err != nil {
		return domain.Question{}, -1, err
	}
	return q, -1, nil
}

// judgedSink patches the judged result onto the contestant's score record.
// Requires an activated stage with a resolved score record; otherwise the
// result stays local only.
type judgedSink struct{ station *Station }

func (j *judgedSink) SubmitJudged(ctx context.Context, rec domain.AnswerRecord) error {
	cfg, ok := j.station.stages.Config()
	if !ok || cfg.ScoreSheetID == "" {
		return nil // nothing to sync against
	}
	score, ok := j.station.stages.ScoreRecord()
	if !ok {
		return domain.ErrRecordNotFound
	}
	values, err := json.Marshal(rec.Values)
	if err != nil {
		return err
	}
	fields := map[string]any{
		"question":   rec.QuestionKey,
		"answer":     string(values),
		"correct":    string(rec.Outcome),
		"durationMs": rec.DurationMs,
	}
	return j.station.sheets.PatchRecord(ctx, cfg.ScoreSheetID, score.ID, fields)
}
