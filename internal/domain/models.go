package domain

import "time"

// QuestionFlow describes how a mode obtains its questions.
type QuestionFlow string

const (
	// FlowPush questions arrive from the host; the client never asks.
	FlowPush QuestionFlow = "push"
	// FlowPull questions are fetched one at a time from a remote pool.
	FlowPull QuestionFlow = "pull"
	// FlowLocal the full set is fetched once and paged locally.
	FlowLocal QuestionFlow = "local"
)

// AnswerFlow describes what happens after a submission.
type AnswerFlow string

const (
	// AnswerHostJudged the host confirms every answer before the next question.
	AnswerHostJudged AnswerFlow = "host-judged"
	// AnswerLocalAdvance submissions advance locally without a host signal.
	AnswerLocalAdvance AnswerFlow = "local-advance"
	// AnswerBuzzerGated answering is gated by the buzzer phase machine.
	AnswerBuzzerGated AnswerFlow = "buzzer-gated"
)

// ContestMode is the immutable description of one game mode, selected by the
// operator before play begins.
type ContestMode struct {
	ID           string
	Channel      string
	QuestionFlow QuestionFlow
	AnswerFlow   AnswerFlow

	HasHP          bool
	InitialHP      int
	HPLossPerWrong int

	RequiresBuzzer   bool
	AllowsDelegation bool
	SupportsTimer    bool
	AutoAdvance      bool

	// TimerSeconds is the global countdown for modes with SupportsTimer.
	TimerSeconds int
}

// Built-in mode catalog. Defaults can be adjusted via config before the
// runtime is created; the runtime itself treats the mode as read-only.

func ModeQA() ContestMode {
	return ContestMode{
		ID:           "qa",
		Channel:      "quiz/qa",
		QuestionFlow: FlowPush,
		AnswerFlow:   AnswerHostJudged,
	}
}

func ModeLastStand() ContestMode {
	return ContestMode{
		ID:             "last-stand",
		Channel:        "quiz/last-stand",
		QuestionFlow:   FlowPush,
		AnswerFlow:     AnswerHostJudged,
		HasHP:          true,
		InitialHP:      1,
		HPLossPerWrong: 1,
	}
}

func ModeSpeedRun() ContestMode {
	return ContestMode{
		ID:            "speed-run",
		Channel:       "quiz/speed-run",
		QuestionFlow:  FlowLocal,
		AnswerFlow:    AnswerLocalAdvance,
		SupportsTimer: true,
		AutoAdvance:   true,
		TimerSeconds:  300,
	}
}

func ModeOceanAdventure() ContestMode {
	return ContestMode{
		ID:             "ocean-adventure",
		Channel:        "quiz/ocean",
		QuestionFlow:   FlowPull,
		AnswerFlow:     AnswerLocalAdvance,
		HasHP:          true,
		InitialHP:      2,
		HPLossPerWrong: 1,
		SupportsTimer:  true,
		TimerSeconds:   720,
	}
}

func ModeUltimateChallenge() ContestMode {
	return ContestMode{
		ID:               "ultimate-challenge",
		Channel:          "quiz/ultimate",
		QuestionFlow:     FlowPush,
		AnswerFlow:       AnswerBuzzerGated,
		RequiresBuzzer:   true,
		AllowsDelegation: true,
	}
}

// Modes returns the full catalog keyed by mode ID.
func Modes() map[string]ContestMode {
	catalog := make(map[string]ContestMode)
	for _, m := range []ContestMode{
		ModeQA(), ModeLastStand(), ModeSpeedRun(), ModeOceanAdventure(), ModeUltimateChallenge(),
	} {
		catalog[m.ID] = m
	}
	return catalog
}

// QuestionKind discriminates the two question shapes.
type QuestionKind string

const (
	KindStandard QuestionKind = "standard"
	KindOcean    QuestionKind = "ocean"
)

// QuestionType classifies standard questions for evaluation.
type QuestionType string

const (
	TypeSingle        QuestionType = "single"
	TypeMultiple      QuestionType = "multiple"
	TypeIndeterminate QuestionType = "indeterminate"
	TypeBoolean       QuestionType = "boolean"
	TypeFill          QuestionType = "fill"
	// TypeWordBank is positional fill-in: every blank must match its own slot.
	TypeWordBank QuestionType = "wordbank"
)

// Option is a selectable answer choice.
type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// StandardQuestion is the normalized shape served by the question bank.
// An empty CorrectAnswer means correctness cannot be decided locally.
type StandardQuestion struct {
	ID            string       `json:"id"`
	Title         string       `json:"title"`
	Type          QuestionType `json:"type"`
	Options       []Option     `json:"options,omitempty"`
	CorrectAnswer []string     `json:"correctAnswer,omitempty"`
}

// OceanQuestion is the custom pool-served shape used by ocean-adventure.
type OceanQuestion struct {
	QuestionKey      string   `json:"questionKey"`
	Stem             string   `json:"stem"`
	OptionPool       []Option `json:"optionPool,omitempty"`
	CorrectAnswerIDs []string `json:"correctAnswerIds,omitempty"`
}

// Question is a tagged union of the two shapes. Exactly one branch is set,
// indicated by Kind.
type Question struct {
	Kind     QuestionKind      `json:"kind"`
	Standard *StandardQuestion `json:"standard,omitempty"`
	Ocean    *OceanQuestion    `json:"ocean,omitempty"`
}

// Key returns the identity used for answer bookkeeping.
func (q Question) Key() string {
	switch q.Kind {
	case KindStandard:
		if q.Standard != nil {
			return q.Standard.ID
		}
	case KindOcean:
		if q.Ocean != nil {
			return q.Ocean.QuestionKey
		}
	}
	return ""
}

// StageKind classifies a contest stage by how questions reach the client.
type StageKind string

const (
	StageMeta     StageKind = "meta"
	StageStandard StageKind = "standard"
	StageGrab     StageKind = "grab"
	StageUnknown  StageKind = "unknown"
)

// StageConfig is one configured contest segment. Replaced wholesale on each
// stage activation.
type StageConfig struct {
	StageID         string    `json:"stageId"`
	RecordID        string    `json:"recordId"`
	Name            string    `json:"name"`
	QuestionSheetID string    `json:"questionSheetId"`
	ScoreSheetID    string    `json:"scoreSheetId"`
	GeneralSheetID  string    `json:"generalSheetId"`
	Kind            StageKind `json:"kind"`
}

// Event is a contest event: an ordered list of stages plus the directory
// sheet holding team profiles.
type Event struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	GeneralSheetID string        `json:"generalSheetId"`
	Stages         []StageConfig `json:"stages"`
}

// Outcome is the three-valued result of evaluating a submission. Unknown is
// distinct from Incorrect: it means no correct answer was configured.
type Outcome string

const (
	OutcomeCorrect   Outcome = "correct"
	OutcomeIncorrect Outcome = "incorrect"
	OutcomeUnknown   Outcome = "unknown"
)

// AnswerRecord captures one submission. Records are append-only; a fresh
// submission for the same question key replaces the old record wholesale.
type AnswerRecord struct {
	QuestionKey string            `json:"questionKey"`
	Values      []string          `json:"values"`
	Outcome     Outcome           `json:"outcome"`
	SubmittedAt time.Time         `json:"submittedAt"`
	DurationMs  int64             `json:"durationMs"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
