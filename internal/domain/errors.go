package domain

import "errors"

var (
	// ErrAnsweringDisabled is returned when a submission arrives while answering is off.
	ErrAnsweringDisabled = errors.New("answering is disabled")
	// ErrSubmissionInFlight is returned when a submission is already being synced.
	ErrSubmissionInFlight = errors.New("submission already in flight")
	// ErrEmptyAnswer is returned when a submission carries no values.
	ErrEmptyAnswer = errors.New("empty answer")
	// ErrNoQuestion indicates no question is currently loaded.
	ErrNoQuestion = errors.New("no question loaded")
	// ErrBuzzerClosed is returned when the buzzer is triggered outside the buzz window.
	ErrBuzzerClosed = errors.New("buzzer is not open")
	// ErrDelegationClosed is returned when delegation is attempted outside the decision phase.
	ErrDelegationClosed = errors.New("delegation is not open")
	// ErrQuestionsExhausted indicates the question list or pool has run out.
	ErrQuestionsExhausted = errors.New("no questions remaining")
	// ErrIndexOutOfRange indicates a question jump past the loaded set.
	ErrIndexOutOfRange = errors.New("question index out of range")
	// ErrEventNotFound indicates a selected event ordinal has no entry.
	ErrEventNotFound = errors.New("event not found")
	// ErrStageNotFound indicates a stage ID missing from the active event.
	ErrStageNotFound = errors.New("stage not found")
	// ErrNoActiveEvent indicates a stage command arrived before any event was selected.
	ErrNoActiveEvent = errors.New("no active event")
	// ErrRecordNotFound indicates no sheet record matched the local user id.
	ErrRecordNotFound = errors.New("record not found")
	// ErrNoActiveStage indicates a grab was attempted before a stage was activated.
	ErrNoActiveStage = errors.New("no active stage")
)
