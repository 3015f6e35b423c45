package survey

import (
	"errors"
	"strings"
	"testing"
)

func TestScore(t *testing.T) {
	qs := tierZero()
	score, err := Score(qs, []Answer{
		{QuestionID: 1, Keys: []string{"yes"}},
		{QuestionID: 2, Keys: []string{"a", "b"}},
		{QuestionID: 3, Keys: []string{"low"}},
	})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score != 3 {
		t.Errorf("expected 3, got %d", score)
	}

	if _, err := Score(qs, []Answer{{QuestionID: 9, Keys: []string{"yes"}}}); !errors.Is(err, ErrInvalidAnswer) {
		t.Errorf("expected invalid answer for unknown question, got %v", err)
	}
	if _, err := Score(qs, []Answer{{QuestionID: 1, Keys: []string{"maybe"}}}); !errors.Is(err, ErrInvalidAnswer) {
		t.Errorf("expected invalid answer for unknown option, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		tier  int
		score int
		want  string
	}{
		{TierInitial, 0, ResultMild},
		{TierInitial, 3, ResultMild},
		{TierInitial, 4, ResultModerate},
		{TierShort, 2, ResultNone},
		{TierShort, 3, ResultModerate},
		{TierFull, 4, ResultNone},
		{TierFull, 5, ResultMild},
		{TierFull, 10, ResultModerate},
		{TierFull, 15, ResultModeratelySevere},
		{TierFull, 20, ResultSevere},
		{TierFull, 27, ResultSevere},
	}
	for _, tt := range tests {
		got, _, err := Classify(tt.tier, tt.score, nil)
		if err != nil {
			t.Fatalf("tier %d score %d: %v", tt.tier, tt.score, err)
		}
		if got != tt.want {
			t.Errorf("tier %d score %d: expected %q, got %q", tt.tier, tt.score, tt.want, got)
		}
	}
}

func TestClassify_UnknownTier(t *testing.T) {
	if _, _, err := Classify(5, 0, nil); err == nil {
		t.Error("expected error for unknown tier")
	}
}

func TestClassify_FullMessages(t *testing.T) {
	_, msg, _ := Classify(TierFull, 2, nil)
	if msg != "" {
		t.Errorf("expected no message below the mild band, got %q", msg)
	}
	_, msg, _ = Classify(TierFull, 12, nil)
	if !strings.Contains(msg, ResultModerate) {
		t.Errorf("expected band in message, got %q", msg)
	}
}

func TestClassify_SelfHarm(t *testing.T) {
	answers := []Answer{{QuestionID: 909, ModelInputKey: "phq9_q9", Keys: []string{"several_days"}}}
	band, msg, err := Classify(TierFull, 1, answers)
	if err != nil {
		t.Fatal(err)
	}
	if band == ResultNone {
		t.Error("self-harm answers must never classify as None")
	}
	if !strings.Contains(msg, "988") {
		t.Errorf("expected crisis line in message, got %q", msg)
	}

	answers[0].Keys = []string{"not_at_all"}
	band, msg, _ = Classify(TierFull, 1, answers)
	if band != ResultNone || msg != "" {
		t.Errorf("expected None without message, got %q %q", band, msg)
	}
}
