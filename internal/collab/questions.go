package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"contest-station-client/internal/domain"
)

// QuestionBank fetches normalized questions: whole sheets for local-flow
// modes, one-at-a-time grabs for grab stages, and pool pulls for
// ocean-adventure.
type QuestionBank struct {
	base string
	http *http.Client
}

func NewQuestionBank(base string, client *http.Client) *QuestionBank {
	if client == nil {
		client = http.DefaultClient
	}
	return &QuestionBank{base: base, http: client}
}

// FetchQuestions returns the full normalized question set of a sheet.
func (b *QuestionBank) FetchQuestions(ctx context.Context, sheetID string) ([]domain.Question, error) {
	var raw []json.RawMessage
	u := fmt.Sprintf("%s/sheets/%s/questions", b.base, url.PathEscape(sheetID))
	if err := getJSON(ctx, b.http, u, &raw); err != nil {
		return nil, fmt.Errorf("fetch questions: %w", err)
	}
	questions := make([]domain.Question, 0, len(raw))
	for _, r := range raw {
		q, err := DecodeQuestion(r)
		if err != nil {
			return nil, fmt.Errorf("fetch questions: %w", err)
		}
		questions = append(questions, q)
	}
	return questions, nil
}

type grabResponse struct {
	Question  json.RawMessage `json:"question"`
	Remaining int             `json:"remaining"`
}

// GrabNext pulls the next question from a stage's shared remaining pool,
// decrementing it. Remaining counts what is left after this grab.
func (b *QuestionBank) GrabNext(ctx context.Context, stageID, userID string) (domain.Question, int, error) {
	var resp grabResponse
	u := fmt.Sprintf("%s/stages/%s/grab", b.base, url.PathEscape(stageID))
	body := map[string]string{"userId": userID}
	if err := sendJSON(ctx, b.http, http.MethodPost, u, body, &resp); err != nil {
		return domain.Question{}, 0, fmt.Errorf("grab next: %w", err)
	}
	if len(resp.Question) == 0 || string(resp.Question) == "null" {
		return domain.Question{}, 0, domain.ErrQuestionsExhausted
	}
	q, err := DecodeQuestion(resp.Question)
	if err != nil {
		return domain.Question{}, 0, fmt.Errorf("grab next: %w", err)
	}
	return q, resp.Remaining, nil
}

// NextFromPool fetches one question from a remote pool (ocean flow).
func (b *QuestionBank) NextFromPool(ctx context.Context, poolID, userID string) (domain.Question, error) {
	var raw json.RawMessage
	u := fmt.Sprintf("%s/pools/%s/next?userId=%s", b.base, url.PathEscape(poolID), url.QueryEscape(userID))
	if err := getJSON(ctx, b.http, u, &raw); err != nil {
		return domain.Question{}, fmt.Errorf("pool next: %w", err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return domain.Question{}, domain.ErrQuestionsExhausted
	}
	q, err := DecodeQuestion(raw)
	if err != nil {
		return domain.Question{}, fmt.Errorf("pool next: %w", err)
	}
	return q, nil
}

// wireQuestion is the superset of both shapes as served on the wire, where
// the two variants are distinguished by which identity field is present.
type wireQuestion struct {
	ID            string              `json:"id"`
	Title         string              `json:"title"`
	Type          domain.QuestionType `json:"type"`
	Options       []domain.Option     `json:"options"`
	CorrectAnswer []string            `json:"correctAnswer"`

	QuestionKey      string          `json:"questionKey"`
	Stem             string          `json:"stem"`
	OptionPool       []domain.Option `json:"optionPool"`
	CorrectAnswerIDs []string        `json:"correctAnswerIds"`
}

// DecodeQuestion converts a wire question into the internal tagged union.
// The wire format discriminates by shape, never carrying both identities.
func DecodeQuestion(data []byte) (domain.Question, error) {
	var w wireQuestion
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.Question{}, err
	}
	switch {
	case w.QuestionKey != "":
		return domain.Question{
			Kind: domain.KindOcean,
			Ocean: &domain.OceanQuestion{
				QuestionKey:      w.QuestionKey,
				Stem:             w.Stem,
				OptionPool:       w.OptionPool,
				CorrectAnswerIDs: w.CorrectAnswerIDs,
			},
		}, nil
	case w.ID != "":
		return domain.Question{
			Kind: domain.KindStandard,
			Standard: &domain.StandardQuestion{
				ID:            w.ID,
				Title:         w.Title,
				Type:          w.Type,
				Options:       w.Options,
				CorrectAnswer: w.CorrectAnswer,
			},
		}, nil
	default:
		return domain.Question{}, fmt.Errorf("question has neither id nor questionKey")
	}
}
