package domain

// StationSession is the locally persisted identity and answer history for one
// station. It survives restarts under a fixed storage key.
type StationSession struct {
	UserID  string         `json:"userId"`
	Answers []AnswerRecord `json:"answers,omitempty"`
}
