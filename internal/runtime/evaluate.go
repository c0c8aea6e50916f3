package runtime

import "contest-station-client/internal/domain"

// Evaluate scores a submission locally. The host stays authoritative; this is
// the best-effort client-side verdict. A question with no configured correct
// answer yields OutcomeUnknown, which is not the same as incorrect.
func Evaluate(q domain.Question, values []string) domain.Outcome {
	switch q.Kind {
	case domain.KindOcean:
		return evaluateOcean(q.Ocean, values)
	case domain.KindStandard:
		return evaluateStandard(q.Standard, values)
	default:
		return domain.OutcomeUnknown
	}
}

func evaluateOcean(q *domain.OceanQuestion, values []string) domain.Outcome {
	if q == nil || len(q.CorrectAnswerIDs) == 0 {
		return domain.OutcomeUnknown
	}
	// Submitted id set must equal the expected id set: same size, same
	// membership, order irrelevant.
	if equalSets(values, q.CorrectAnswerIDs) {
		return domain.OutcomeCorrect
	}
	return domain.OutcomeIncorrect
}

func evaluateStandard(q *domain.StandardQuestion, values []string) domain.Outcome {
	if q == nil || len(q.CorrectAnswer) == 0 {
		return domain.OutcomeUnknown
	}
	switch q.Type {
	case domain.TypeWordBank:
		// Positional fill-in: every blank must match its own slot.
		if equalOrdered(values, q.CorrectAnswer) {
			return domain.OutcomeCorrect
		}
		return domain.OutcomeIncorrect
	case domain.TypeMultiple, domain.TypeIndeterminate:
		if equalSets(values, q.CorrectAnswer) {
			return domain.OutcomeCorrect
		}
		return domain.OutcomeIncorrect
	default:
		// Scalar types: exact string equality of the single value.
		if len(values) == 1 && len(q.CorrectAnswer) == 1 && values[0] == q.CorrectAnswer[0] {
			return domain.OutcomeCorrect
		}
		return domain.OutcomeIncorrect
	}
}

func equalOrdered(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, v := range a {
		counts[v]++
	}
	for _, v := range b {
		counts[v]--
		if counts[v] < 0 {
			return false
		}
	}
	return true
}
