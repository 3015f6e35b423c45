package survey

import (
	"fmt"
)

// PHQ-9 severity bands above ResultNone/ResultModerate.
const (
	ResultMild             = "Mild"
	ResultModeratelySevere = "Moderately Severe"
	ResultSevere           = "Severe"
)

const (
	initialModerateScore = 4
	phq2PositiveScore    = 3
	selfHarmInputKey     = "phq9_q9"
)

// Score sums the option scores of answers against the round's questions.
func Score(questions []Question, answers []Answer) (int, error) {
	index := make(map[int64]Question, len(questions))
	for _, q := range questions {
		index[q.ID] = q
	}
	total := 0
	for _, a := range answers {
		q, ok := index[a.QuestionID]
		if !ok {
			return 0, fmt.Errorf("%w: question %d is not part of this round", ErrInvalidAnswer, a.QuestionID)
		}
		for _, k := range a.Keys {
			o, ok := q.option(k)
			if !ok {
				return 0, fmt.Errorf("%w: %q is not an option of question %d", ErrInvalidAnswer, k, q.ID)
			}
			total += o.Score
		}
	}
	return total, nil
}

// Classify turns a tier score into a result band and an optional message
// for the patient.
func Classify(tier, score int, answers []Answer) (string, string, error) {
	switch tier {
	case TierInitial:
		if score >= initialModerateScore {
			return ResultModerate, "", nil
		}
		return ResultMild, "", nil
	case TierShort:
		if score >= phq2PositiveScore {
			return ResultModerate, "", nil
		}
		return ResultNone, "", nil
	case TierFull:
		band := phq9Band(score)
		msg := ""
		if band != ResultNone {
			msg = fmt.Sprintf("Your answers suggest %s depression symptoms. A member of your care team can help you decide on next steps.", band)
		}
		if selfHarmReported(answers) {
			msg = "If you are thinking about harming yourself, call or text 988 or your local emergency number now. " + msg
			if band == ResultNone {
				band = ResultMild
			}
		}
		return band, msg, nil
	}
	return "", "", fmt.Errorf("unknown screening tier %d", tier)
}

func phq9Band(score int) string {
	switch {
	case score >= 20:
		return ResultSevere
	case score >= 15:
		return ResultModeratelySevere
	case score >= 10:
		return ResultModerate
	case score >= 5:
		return ResultMild
	}
	return ResultNone
}

func selfHarmReported(answers []Answer) bool {
	for _, a := range answers {
		if a.ModelInputKey != selfHarmInputKey {
			continue
		}
		for _, k := range a.Keys {
			if k != "not_at_all" {
				return true
			}
		}
	}
	return false
}
