package survey

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func loadedEngine(t *testing.T, p *fakeProvider, s *fakeSubmitter, opts ...EngineOption) *Engine {
	t.Helper()
	e := NewEngine(p, s, InitialRound(CategoryMentalHealth), opts...)
	if _, err := e.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return e
}

func startedEngine(t *testing.T, p *fakeProvider, s *fakeSubmitter, opts ...EngineOption) *Engine {
	t.Helper()
	e := loadedEngine(t, p, s, opts...)
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	return e
}

// answerThrough answers every page of a tier-zero round and leaves the
// engine on the last page.
func answerThrough(t *testing.T, e *Engine) {
	t.Helper()
	if _, err := e.SelectAnswer(1, "no"); err != nil {
		t.Fatalf("answer 1: %v", err)
	}
	if _, err := e.SelectAnswer(3, "low"); err != nil {
		t.Fatalf("answer 3: %v", err)
	}
}

func TestEngine_LoadEntersIntro(t *testing.T) {
	p := newFakeProvider()
	e := NewEngine(p, &fakeSubmitter{}, InitialRound(CategoryMentalHealth))
	if e.State() != StateLoading {
		t.Fatalf("expected loading, got %s", e.State())
	}
	top, err := e.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(top) != 2 || top[0].ID != 1 || top[1].ID != 3 {
		t.Fatalf("unexpected top-level questions: %+v", top)
	}
	if e.State() != StateIntro {
		t.Errorf("expected intro, got %s", e.State())
	}
	steps := e.Steps()
	if len(steps) != 3 || steps[0].Kind != StepIntro || steps[2].QuestionID != 3 {
		t.Errorf("unexpected steps: %+v", steps)
	}
	call := p.lastCall()
	if call.Category != CategoryMentalHealth || call.PHQNumber != TierInitial || call.AnswerID != nil {
		t.Errorf("unexpected question request: %+v", call)
	}
	if q, ok := e.DependentQuestionFor(1); !ok || q.ID != 2 {
		t.Errorf("expected question 2 nested under 1, got %+v %v", q, ok)
	}
	if _, ok := e.DependentQuestionFor(3); ok {
		t.Error("question 3 has no dependent")
	}
}

func TestEngine_ReloadKeepsAnswers(t *testing.T) {
	e := startedEngine(t, newFakeProvider(), &fakeSubmitter{})
	if _, err := e.SelectAnswer(1, "no"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Load(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if e.State() != StateAnswering {
		t.Errorf("expected answering, got %s", e.State())
	}
	if _, ok := e.Answers()[1]; !ok {
		t.Error("expected answer to survive reload")
	}
	if e.Page() != 1 {
		t.Errorf("expected page 1, got %d", e.Page())
	}
}

func TestEngine_Start(t *testing.T) {
	e := loadedEngine(t, newFakeProvider(), &fakeSubmitter{})
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if e.State() != StateAnswering || e.Page() != 0 {
		t.Errorf("expected answering page 0, got %s page %d", e.State(), e.Page())
	}
	if err := e.Start(); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected illegal transition on second start, got %v", err)
	}
}

func TestEngine_StartBeforeLoad(t *testing.T) {
	e := NewEngine(newFakeProvider(), &fakeSubmitter{}, InitialRound(CategoryMentalHealth))
	if err := e.Start(); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected illegal transition, got %v", err)
	}
	if _, err := e.SelectAnswer(1, "no"); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected illegal transition, got %v", err)
	}
}

func TestEngine_AnswerAutoAdvances(t *testing.T) {
	e := startedEngine(t, newFakeProvider(), &fakeSubmitter{})
	answers, err := e.SelectAnswer(1, "no")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if got := answers[1].Labels; len(got) != 1 || got[0] != "No" {
		t.Errorf("expected label No, got %v", got)
	}
	if answers[1].Title != "Stressed?" || answers[1].ModelInputKey != "stress" {
		t.Errorf("expected question metadata copied, got %+v", answers[1])
	}
	if e.Page() != 1 {
		t.Errorf("expected page 1, got %d", e.Page())
	}

	// last page never advances
	if _, err := e.SelectAnswer(3, "great"); err != nil {
		t.Fatal(err)
	}
	if e.Page() != 1 {
		t.Errorf("expected to stay on page 1, got %d", e.Page())
	}
}

func TestEngine_AnswerOffPageDoesNotAdvance(t *testing.T) {
	e := startedEngine(t, newFakeProvider(), &fakeSubmitter{})
	if _, err := e.SelectAnswer(3, "great"); err != nil {
		t.Fatal(err)
	}
	if e.Page() != 0 {
		t.Errorf("expected page 0, got %d", e.Page())
	}
}

func TestEngine_DependentUnlock(t *testing.T) {
	e := startedEngine(t, newFakeProvider(), &fakeSubmitter{})

	if _, ok := e.VisibleDependent(1); ok {
		t.Fatal("dependent should be hidden before the parent is answered")
	}
	if _, err := e.SelectAnswer(2, "a"); !errors.Is(err, ErrInvalidAnswer) {
		t.Errorf("expected invalid answer for locked dependent, got %v", err)
	}

	if _, err := e.SelectAnswer(1, "yes"); err != nil {
		t.Fatal(err)
	}
	if e.Page() != 0 {
		t.Errorf("unlocking answer must not advance, got page %d", e.Page())
	}
	dep, ok := e.VisibleDependent(1)
	if !ok || dep.ID != 2 {
		t.Fatalf("expected dependent 2 visible, got %+v %v", dep, ok)
	}
	v := e.View()
	if v.Current == nil || v.Current.Dependent == nil || v.Current.Dependent.ID != 2 {
		t.Errorf("expected view to render dependent, got %+v", v.Current)
	}

	answers, err := e.SelectAnswer(2, "a", "b", "a")
	if err != nil {
		t.Fatalf("answer dependent: %v", err)
	}
	if got := answers[2].Keys; len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("expected keys [a b], got %v", got)
	}
	if e.Page() != 1 {
		t.Errorf("expected dependent answer to advance, got page %d", e.Page())
	}
}

func TestEngine_ParentChangeDropsDependentAnswer(t *testing.T) {
	e := startedEngine(t, newFakeProvider(), &fakeSubmitter{})
	if _, err := e.SelectAnswer(1, "yes"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SelectAnswer(2, "c"); err != nil {
		t.Fatal(err)
	}
	if err := e.PrevPage(); err != nil {
		t.Fatal(err)
	}
	answers, err := e.SelectAnswer(1, "no")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := answers[2]; ok {
		t.Error("expected dependent answer to be dropped")
	}
	if _, ok := e.VisibleDependent(1); ok {
		t.Error("expected dependent hidden")
	}
}

func TestEngine_InvalidAnswers(t *testing.T) {
	e := startedEngine(t, newFakeProvider(), &fakeSubmitter{})
	tests := []struct {
		name string
		id   int64
		keys []string
	}{
		{"unknown question", 42, []string{"yes"}},
		{"unknown option", 1, []string{"maybe"}},
		{"no option", 1, nil},
		{"multiple on binary", 1, []string{"yes", "no"}},
		{"multiple on emoji", 3, []string{"great", "low"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.SelectAnswer(tt.id, tt.keys...); !errors.Is(err, ErrInvalidAnswer) {
				t.Errorf("expected invalid answer, got %v", err)
			}
		})
	}
	if len(e.Answers()) != 0 {
		t.Errorf("invalid answers must not be recorded, got %v", e.Answers())
	}
}

func TestEngine_PageBounds(t *testing.T) {
	e := startedEngine(t, newFakeProvider(), &fakeSubmitter{})
	if err := e.PrevPage(); err != nil {
		t.Fatal(err)
	}
	if e.Page() != 0 {
		t.Errorf("expected page 0, got %d", e.Page())
	}
	for i := 0; i < 3; i++ {
		if err := e.NextPage(); err != nil {
			t.Fatal(err)
		}
	}
	if e.Page() != 1 {
		t.Errorf("expected last page 1, got %d", e.Page())
	}
}

func TestEngine_CanSubmit(t *testing.T) {
	e := startedEngine(t, newFakeProvider(), &fakeSubmitter{})
	if e.CanSubmit() {
		t.Fatal("cannot submit on the first page")
	}
	if err := e.NextPage(); err != nil {
		t.Fatal(err)
	}
	if e.CanSubmit() {
		t.Fatal("cannot submit with the last question unanswered")
	}
	if _, err := e.SelectAnswer(3, "low"); err != nil {
		t.Fatal(err)
	}
	if !e.CanSubmit() {
		t.Fatal("expected submit allowed")
	}
	if err := e.PrevPage(); err != nil {
		t.Fatal(err)
	}
	if e.CanSubmit() {
		t.Error("submit is only offered on the last page")
	}
}

func TestEngine_SubmitNotAllowed(t *testing.T) {
	s := &fakeSubmitter{}
	e := startedEngine(t, newFakeProvider(), s)
	if _, err := e.Submit(context.Background()); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected illegal transition, got %v", err)
	}
	if len(s.requests) != 0 {
		t.Error("submission service must not be called")
	}
}

func TestEngine_SubmitPayload(t *testing.T) {
	s := &fakeSubmitter{responses: []*SubmitResponse{{AnsID: 7, Result: str("Mild")}}}
	validic := ValidicDetails{ValidicUID: "v-1", DeviceType: "watch"}
	p := newFakeProvider()
	e := startedEngine(t, p, s, WithValidic(validic), WithPatient("p1"))
	if got := p.lastCall().PatientID; got != "p1" {
		t.Errorf("expected question request for p1, got %q", got)
	}
	if _, err := e.SelectAnswer(1, "yes"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SelectAnswer(2, "a", "c"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SelectAnswer(3, "great"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Submit(context.Background()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	req := s.lastRequest()
	if req.Category != CategoryMentalHealth || req.PHQNumber != TierInitial || req.AnsID != nil {
		t.Errorf("unexpected request header: %+v", req)
	}
	if req.ValidicDetails != validic || req.PatientID != "p1" {
		t.Errorf("expected validic and patient passed through, got %+v %s", req.ValidicDetails, req.PatientID)
	}
	if len(req.Answers) != 3 {
		t.Fatalf("expected 3 answers, got %d", len(req.Answers))
	}
	for i, id := range []int64{1, 2, 3} {
		if req.Answers[i].QuestionID != id {
			t.Errorf("answer %d: expected question %d, got %d", i, id, req.Answers[i].QuestionID)
		}
	}
}

func TestEngine_EscalationToShort(t *testing.T) {
	p := newFakeProvider()
	s := &fakeSubmitter{responses: []*SubmitResponse{
		{AnsID: 11, Result: str("Mild")},
		{AnsID: 12, Result: str(ResultNone)},
	}}
	e := startedEngine(t, p, s)
	answerThrough(t, e)

	out, err := e.Submit(context.Background())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Kind != OutcomeEscalated || out.Round.Number != TierShort || out.Round.Result != "Mild" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Round.AnswerID == nil || *out.Round.AnswerID != 11 {
		t.Fatalf("expected answer id 11, got %v", out.Round.AnswerID)
	}

	// the next round opens on its first question without an intro
	if e.State() != StateAnswering || e.Page() != 0 {
		t.Fatalf("expected answering page 0, got %s page %d", e.State(), e.Page())
	}
	call := p.lastCall()
	if call.PHQNumber != TierShort || call.AnswerID == nil || *call.AnswerID != 11 {
		t.Errorf("unexpected question request: %+v", call)
	}
	if e.View().PageCount != 2 {
		t.Errorf("expected 2 pages, got %d", e.View().PageCount)
	}

	if _, err := e.SelectAnswer(21, "not_at_all"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SelectAnswer(22, "several_days"); err != nil {
		t.Fatal(err)
	}
	out, err = e.Submit(context.Background())
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if out.Kind != OutcomeThankYou || e.State() != StateThankYou {
		t.Fatalf("expected thank you, got %+v in %s", out, e.State())
	}

	req := s.lastRequest()
	if req.AnsID == nil || *req.AnsID != 11 || req.PHQNumber != TierShort {
		t.Errorf("expected second submit chained to 11 at tier 2, got %+v", req)
	}
	if len(req.Answers) != 2 {
		t.Errorf("expected only the tier 2 answers, got %d", len(req.Answers))
	}
	if err := e.NextPage(); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected terminal state to reject navigation, got %v", err)
	}
}

func TestEngine_EscalationToFull(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, e *Engine)
		resp    []*SubmitResponse
	}{
		{
			name:    "moderate initial",
			prepare: func(t *testing.T, e *Engine) {},
			resp:    []*SubmitResponse{{AnsID: 1, Result: str(ResultModerate)}},
		},
		{
			name: "moderate short",
			prepare: func(t *testing.T, e *Engine) {
				if _, err := e.SelectAnswer(21, "nearly_every_day"); err != nil {
					t.Fatal(err)
				}
				if _, err := e.SelectAnswer(22, "nearly_every_day"); err != nil {
					t.Fatal(err)
				}
			},
			resp: []*SubmitResponse{{AnsID: 1, Result: str("Mild")}, {AnsID: 2, Result: str(ResultModerate)}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := startedEngine(t, newFakeProvider(), &fakeSubmitter{responses: tt.resp})
			answerThrough(t, e)
			var out Outcome
			var err error
			for range tt.resp {
				out, err = e.Submit(context.Background())
				if err != nil {
					t.Fatalf("submit: %v", err)
				}
				if out.Round.Number != TierFull {
					tt.prepare(t, e)
				}
			}
			if out.Kind != OutcomeEscalated || out.Round.Number != TierFull {
				t.Fatalf("expected escalation to tier 9, got %+v", out)
			}
			if e.Round().Number != TierFull || e.State() != StateAnswering {
				t.Errorf("expected answering tier 9, got %+v %s", e.Round(), e.State())
			}
		})
	}
}

func TestEngine_EscalationDropsAnswersOfReusedIDs(t *testing.T) {
	p := newFakeProvider()
	p.sets[TierFull] = append(tierTwo(), tierNine()...)
	s := &fakeSubmitter{responses: []*SubmitResponse{
		{AnsID: 1, Result: str("Mild")},
		{AnsID: 2, Result: str(ResultModerate)},
		{AnsID: 3, Result: str(ResultNone)},
	}}
	e := startedEngine(t, p, s)
	answerThrough(t, e)
	if _, err := e.Submit(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SelectAnswer(21, "nearly_every_day"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SelectAnswer(22, "nearly_every_day"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Submit(context.Background()); err != nil {
		t.Fatal(err)
	}
	if e.Round().Number != TierFull || e.Page() != 0 {
		t.Fatalf("expected tier 9 page 0, got %+v page %d", e.Round(), e.Page())
	}
	if got := e.Answers(); len(got) != 0 {
		t.Fatalf("expected tier 9 to open unanswered, got %v", got)
	}
	if v := e.View(); len(v.Answers) != 0 || v.CanSubmit {
		t.Errorf("expected an empty view, got %+v", v)
	}

	for i := 0; i < 2; i++ {
		if err := e.NextPage(); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.SelectAnswer(91, "not_at_all"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Submit(context.Background()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	req := s.lastRequest()
	if len(req.Answers) != 1 || req.Answers[0].QuestionID != 91 {
		t.Errorf("expected only the tier 9 answer, got %+v", req.Answers)
	}
}

func TestEngine_HandoffCarriesMessage(t *testing.T) {
	p := newFakeProvider()
	s := &fakeSubmitter{responses: []*SubmitResponse{
		{AnsID: 1, Result: str(ResultModerate)},
		{AnsID: 2, Result: str(ResultSevere), SurveyMessage: str("Please contact your care team.")},
	}}
	e := startedEngine(t, p, s)
	answerThrough(t, e)
	if _, err := e.Submit(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SelectAnswer(91, "nearly_every_day"); err != nil {
		t.Fatal(err)
	}
	out, err := e.Submit(context.Background())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Kind != OutcomeHandoff || out.Message != "Please contact your care team." {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	v := e.View()
	if v.State != StateHandoff || v.Message != out.Message || v.Current != nil {
		t.Errorf("unexpected handoff view: %+v", v)
	}
}

func TestEngine_MissingResultHandsOff(t *testing.T) {
	s := &fakeSubmitter{responses: []*SubmitResponse{{AnsID: 3}}}
	e := startedEngine(t, newFakeProvider(), s)
	answerThrough(t, e)
	out, err := e.Submit(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != OutcomeHandoff || out.Message != "" {
		t.Errorf("expected silent handoff, got %+v", out)
	}
}

func TestEngine_SubmitFailureKeepsState(t *testing.T) {
	s := &fakeSubmitter{err: fmt.Errorf("connection reset")}
	e := startedEngine(t, newFakeProvider(), s)
	answerThrough(t, e)
	before := e.Answers()

	_, err := e.Submit(context.Background())
	if !errors.Is(err, ErrSubmissionFailure) {
		t.Fatalf("expected submission failure, got %v", err)
	}
	if e.State() != StateAnswering || e.Page() != 1 || e.Round().Number != TierInitial {
		t.Errorf("expected unchanged session, got %s page %d round %+v", e.State(), e.Page(), e.Round())
	}
	if len(e.Answers()) != len(before) {
		t.Errorf("answers changed after failure")
	}
	if v := e.View(); v.Error == "" || !v.CanSubmit {
		t.Errorf("expected retryable view with error, got %+v", v)
	}

	s.err = nil
	s.responses = []*SubmitResponse{{AnsID: 4, Result: str(ResultModerate)}}
	if _, err := e.Submit(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if e.View().Error != "" {
		t.Error("expected error cleared after successful retry")
	}
}

func TestEngine_LoadFailureAndRetry(t *testing.T) {
	p := newFakeProvider()
	p.fail[TierInitial] = fmt.Errorf("upstream unavailable")
	e := NewEngine(p, &fakeSubmitter{}, InitialRound(CategoryMentalHealth))

	if _, err := e.Load(context.Background()); !errors.Is(err, ErrLoadFailure) {
		t.Fatalf("expected load failure, got %v", err)
	}
	if e.State() != StateLoading || e.View().Error == "" {
		t.Fatalf("expected loading with error, got %+v", e.View())
	}

	delete(p.fail, TierInitial)
	if _, err := e.Load(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if e.State() != StateIntro {
		t.Errorf("expected intro after retry, got %s", e.State())
	}
}

func TestEngine_EscalationLoadFailure(t *testing.T) {
	p := newFakeProvider()
	p.fail[TierShort] = fmt.Errorf("timeout")
	s := &fakeSubmitter{responses: []*SubmitResponse{{AnsID: 5, Result: str("Mild")}}}
	e := startedEngine(t, p, s)
	answerThrough(t, e)

	out, err := e.Submit(context.Background())
	if !errors.Is(err, ErrLoadFailure) {
		t.Fatalf("expected load failure, got %v", err)
	}
	if out.Kind != OutcomeEscalated || out.Round.Number != TierShort {
		t.Errorf("expected escalation outcome despite load failure, got %+v", out)
	}
	if e.State() != StateLoading || e.Round().Number != TierShort {
		t.Fatalf("expected loading tier 2, got %s %+v", e.State(), e.Round())
	}

	delete(p.fail, TierShort)
	if _, err := e.Load(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if e.State() != StateAnswering {
		t.Errorf("expected answering, got %s", e.State())
	}
}

func TestEngine_InstallRejectsMalformedSets(t *testing.T) {
	opts := []Option{{Key: "yes"}, {Key: "no"}}
	tests := []struct {
		name string
		qs   []Question
	}{
		{"empty", nil},
		{"duplicate id", []Question{
			{ID: 1, Type: TypeBinary, Options: opts},
			{ID: 1, Type: TypeBinary, Options: opts},
		}},
		{"unknown type", []Question{{ID: 1, Type: "slider", Options: opts}}},
		{"no options", []Question{{ID: 1, Type: TypeBinary}}},
		{"duplicate option", []Question{{ID: 1, Type: TypeSelect, Options: []Option{{Key: "a"}, {Key: "a"}}}}},
		{"only dependents", []Question{
			{ID: 1, Type: TypeBinary, Options: opts, DependentOn: id64(2)},
			{ID: 2, Type: TypeBinary, Options: opts, DependentOn: id64(1)},
		}},
		{"unknown parent", []Question{
			{ID: 1, Type: TypeBinary, Options: opts},
			{ID: 2, Type: TypeBinary, Options: opts, DependentOn: id64(99)},
		}},
		{"chained dependents", []Question{
			{ID: 1, Type: TypeBinary, Options: opts},
			{ID: 2, Type: TypeBinary, Options: opts, DependentOn: id64(1)},
			{ID: 3, Type: TypeBinary, Options: opts, DependentOn: id64(2)},
		}},
		{"two dependents", []Question{
			{ID: 1, Type: TypeBinary, Options: opts},
			{ID: 2, Type: TypeBinary, Options: opts, DependentOn: id64(1)},
			{ID: 3, Type: TypeBinary, Options: opts, DependentOn: id64(1)},
		}},
		{"trigger not an option", []Question{
			{ID: 1, Type: TypeBinary, Options: opts},
			{ID: 2, Type: TypeBinary, Options: opts, DependentOn: id64(1), Trigger: "maybe"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakeProvider()
			p.sets[TierInitial] = tt.qs
			e := NewEngine(p, &fakeSubmitter{}, InitialRound(CategoryMentalHealth))
			if _, err := e.Load(context.Background()); !errors.Is(err, ErrLoadFailure) {
				t.Errorf("expected load failure, got %v", err)
			}
			if e.State() != StateLoading {
				t.Errorf("expected loading, got %s", e.State())
			}
		})
	}
}

func TestEngine_CustomTrigger(t *testing.T) {
	p := newFakeProvider()
	p.sets[TierInitial] = []Question{
		{ID: 1, Type: TypeSelect, Options: frequencyOptions},
		{ID: 2, Type: TypeBinary, Options: yesNoOptions, DependentOn: id64(1), Trigger: "nearly_every_day"},
		{ID: 3, Type: TypeBinary, Options: yesNoOptions},
	}
	e := startedEngine(t, p, &fakeSubmitter{})
	if _, err := e.SelectAnswer(1, "nearly_every_day"); err != nil {
		t.Fatal(err)
	}
	if _, ok := e.VisibleDependent(1); !ok {
		t.Error("expected custom trigger to unlock the dependent")
	}
	if e.Page() != 0 {
		t.Errorf("expected page 0, got %d", e.Page())
	}
}

func TestEngine_SnapshotMerge(t *testing.T) {
	p := newFakeProvider()
	p.snapshot[TierInitial] = &SurveyAnswers{Itr1Answers: []Answer{
		{QuestionID: 1, Keys: []string{"yes"}},
		{QuestionID: 2, Keys: []string{"a"}},
		{QuestionID: 3, Keys: []string{"bogus"}},
		{QuestionID: 77, Keys: []string{"yes"}},
	}}
	e := loadedEngine(t, p, &fakeSubmitter{})
	answers := e.Answers()
	if len(answers) != 2 {
		t.Fatalf("expected 2 restored answers, got %v", answers)
	}
	if answers[1].Labels[0] != "Yes" || answers[1].Title != "Stressed?" {
		t.Errorf("expected restored answer rebuilt from the question, got %+v", answers[1])
	}
}

func TestEngine_SnapshotDoesNotOverwrite(t *testing.T) {
	p := newFakeProvider()
	p.snapshot[TierInitial] = &SurveyAnswers{Itr1Answers: []Answer{
		{QuestionID: 1, Keys: []string{"yes"}},
		{QuestionID: 2, Keys: []string{"a"}},
	}}
	d := Draft{
		Round:   InitialRound(CategoryMentalHealth),
		Answers: []Answer{{QuestionID: 1, Keys: []string{"no"}, Labels: []string{"No"}}},
	}
	e := NewEngine(p, &fakeSubmitter{}, Round{}, WithDraft(d))
	if _, err := e.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	answers := e.Answers()
	if answers[1].Keys[0] != "no" {
		t.Errorf("expected session answer kept, got %v", answers[1].Keys)
	}
	if _, ok := answers[2]; ok {
		t.Error("expected locked dependent answer pruned")
	}
}

func TestEngine_DraftRestore(t *testing.T) {
	p := newFakeProvider()
	e := startedEngine(t, p, &fakeSubmitter{}, WithPatient("p1"), WithValidic(ValidicDetails{ValidicUID: "v"}))
	if _, err := e.SelectAnswer(1, "no"); err != nil {
		t.Fatal(err)
	}
	d := e.Draft()
	if !d.Started || d.Page != 1 || d.PatientID != "p1" || len(d.Answers) != 1 {
		t.Fatalf("unexpected draft: %+v", d)
	}

	restored := NewEngine(p, &fakeSubmitter{}, Round{}, WithDraft(d))
	if _, err := restored.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if restored.State() != StateAnswering || restored.Page() != 1 {
		t.Errorf("expected answering page 1, got %s page %d", restored.State(), restored.Page())
	}
	if restored.Round().Category != CategoryMentalHealth {
		t.Errorf("expected draft round, got %+v", restored.Round())
	}
	if _, ok := restored.Answers()[1]; !ok {
		t.Error("expected answers restored")
	}
}

func TestEngine_DraftPageClamped(t *testing.T) {
	d := Draft{Round: InitialRound(CategoryMentalHealth), Started: true, Page: 12}
	e := NewEngine(newFakeProvider(), &fakeSubmitter{}, Round{}, WithDraft(d))
	if _, err := e.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if e.Page() != 1 {
		t.Errorf("expected page clamped to 1, got %d", e.Page())
	}
}

type submitResult struct {
	out Outcome
	err error
}

func TestEngine_SubmitInFlight(t *testing.T) {
	s := &fakeSubmitter{
		responses: []*SubmitResponse{{AnsID: 1, Result: str(ResultNone)}},
		entered:   make(chan struct{}, 1),
		gate:      make(chan struct{}),
	}
	e := NewEngine(newFakeProvider(), s, Round{Category: CategoryMentalHealth, Number: TierShort})
	if _, err := e.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SelectAnswer(21, "not_at_all"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SelectAnswer(22, "not_at_all"); err != nil {
		t.Fatal(err)
	}

	done := make(chan submitResult, 1)
	go func() {
		out, err := e.Submit(context.Background())
		done <- submitResult{out, err}
	}()
	<-s.entered

	if e.State() != StateSubmitting {
		t.Errorf("expected submitting, got %s", e.State())
	}
	if _, err := e.Submit(context.Background()); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected concurrent submit rejected, got %v", err)
	}
	if _, err := e.SelectAnswer(21, "several_days"); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected answers frozen while submitting, got %v", err)
	}
	if _, err := e.Load(context.Background()); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected load rejected while submitting, got %v", err)
	}

	close(s.gate)
	res := <-done
	if res.err != nil || res.out.Kind != OutcomeThankYou {
		t.Errorf("expected thank you, got %+v %v", res.out, res.err)
	}
	if len(s.requests) != 1 {
		t.Errorf("expected exactly one submission, got %d", len(s.requests))
	}
}

func TestEngine_CloseDuringSubmit(t *testing.T) {
	s := &fakeSubmitter{
		responses: []*SubmitResponse{{AnsID: 1, Result: str(ResultModerate)}},
		entered:   make(chan struct{}, 1),
		gate:      make(chan struct{}),
	}
	p := newFakeProvider()
	e := startedEngine(t, p, s)
	answerThrough(t, e)
	calls := len(p.calls)

	done := make(chan submitResult, 1)
	go func() {
		out, err := e.Submit(context.Background())
		done <- submitResult{out, err}
	}()
	<-s.entered
	e.Close()
	close(s.gate)

	res := <-done
	if !errors.Is(res.err, ErrIllegalTransition) || res.out.Kind != "" {
		t.Fatalf("expected discarded result, got %+v %v", res.out, res.err)
	}
	if e.Round().Number != TierInitial {
		t.Errorf("closed session must not escalate, got %+v", e.Round())
	}
	if len(p.calls) != calls {
		t.Error("closed session must not load the next round")
	}
}
