package survey

import (
	"time"
)

// QuestionType is the rendering/answering kind of a question.
type QuestionType string

const (
	TypeCheckbox QuestionType = "checkbox"
	TypeBinary   QuestionType = "binary"
	TypeEmoji    QuestionType = "emoji"
	TypeSelect   QuestionType = "select"
)

var validQuestionTypes = map[QuestionType]bool{
	TypeCheckbox: true, TypeBinary: true, TypeEmoji: true, TypeSelect: true,
}

// DefaultTrigger is the option key that unlocks a dependent question when
// the question definition does not name one.
const DefaultTrigger = "yes"

// Option is one selectable answer of a question.
type Option struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Score int    `json:"score,omitempty"`
}

// Question is a single prompt as delivered by the question provider.
type Question struct {
	ID            int64        `db:"id" json:"id"`
	Title         string       `db:"title" json:"title"`
	Type          QuestionType `db:"type" json:"type"`
	Options       []Option     `db:"options" json:"options"`
	ModelInputKey string       `db:"model_input_key" json:"model_input_key,omitempty"`
	DependentOn   *int64       `db:"dependent_on" json:"dependent_on"`
	Trigger       string       `db:"dependent_trigger" json:"trigger,omitempty"`
}

// Condition returns the resolved visibility condition of the question.
func (q Question) Condition() Condition {
	if q.DependentOn == nil {
		return Condition{}
	}
	trigger := q.Trigger
	if trigger == "" {
		trigger = DefaultTrigger
	}
	return Condition{Dependent: true, On: *q.DependentOn, Trigger: trigger}
}

func (q Question) option(key string) (Option, bool) {
	for _, o := range q.Options {
		if o.Key == key {
			return o, true
		}
	}
	return Option{}, false
}

// Condition is either independent (zero value) or dependent on the answer of
// another question containing Trigger.
type Condition struct {
	Dependent bool
	On        int64
	Trigger   string
}

// Answer is the recorded selection for one question, with the question's
// title, type and model input key copied in for the submission payload.
type Answer struct {
	QuestionID    int64        `json:"question_id"`
	Keys          []string     `json:"keys"`
	Labels        []string     `json:"labels"`
	Title         string       `json:"title"`
	Type          QuestionType `json:"type"`
	ModelInputKey string       `json:"model_input_key,omitempty"`
}

func (a Answer) has(key string) bool {
	for _, k := range a.Keys {
		if k == key {
			return true
		}
	}
	return false
}

// Screening tiers.
const (
	TierInitial = 0
	TierShort   = 2
	TierFull    = 9
)

// Classification bands compared literally against the server's result.
const (
	ResultModerate = "Moderate"
	ResultNone     = "None"
	ResultNegative = "Negative"
)

// Round is one escalation tier of a screening.
type Round struct {
	Category string `json:"category"`
	Result   string `json:"result"`
	Number   int    `json:"phq_number"`
	AnswerID *int64 `json:"answer_id,omitempty"`
}

// InitialRound returns the neutral first round of a category.
func InitialRound(category string) Round {
	return Round{Category: category, Number: TierInitial}
}

// State is the session state of an Engine.
type State string

const (
	StateLoading    State = "loading"
	StateIntro      State = "intro"
	StateAnswering  State = "answering"
	StateSubmitting State = "submitting"
	StateThankYou   State = "thank_you"
	StateHandoff    State = "handoff"
)

// Terminal reports whether no further rounds can follow.
func (s State) Terminal() bool {
	return s == StateThankYou || s == StateHandoff
}

// StepKind labels a renderable step.
type StepKind string

const (
	StepIntro    StepKind = "intro"
	StepQuestion StepKind = "question"
)

// Step is one renderable page of the current round.
type Step struct {
	Kind       StepKind `json:"kind"`
	QuestionID int64    `json:"question_id,omitempty"`
}

// OutcomeKind is the result of a successful submission.
type OutcomeKind string

const (
	OutcomeEscalated OutcomeKind = "escalated"
	OutcomeThankYou  OutcomeKind = "thank_you"
	OutcomeHandoff   OutcomeKind = "handoff"
)

// Outcome describes what a submission led to.
type Outcome struct {
	Kind    OutcomeKind `json:"kind"`
	Round   Round       `json:"round"`
	Message string      `json:"message,omitempty"`
}

// QuestionRequest asks the provider for the questions of a round.
type QuestionRequest struct {
	Category  string `json:"category"`
	PHQNumber int    `json:"phq_number"`
	AnswerID  *int64 `json:"answer_id"`
	PatientID string `json:"-"`
}

// SurveyAnswers carries the answers of a previous iteration for resume.
type SurveyAnswers struct {
	Itr1Answers []Answer `json:"itr1_answers"`
}

// QuestionSet is the provider response.
type QuestionSet struct {
	Questions []Question     `json:"questions"`
	SurveyAns *SurveyAnswers `json:"survey_ans,omitempty"`
}

// ValidicDetails is device-correlation metadata passed through untouched.
type ValidicDetails struct {
	ValidicUID string `json:"validic_uid"`
	DeviceType string `json:"device_type"`
}

// SubmitRequest is the submission payload of a round.
type SubmitRequest struct {
	AnsID          *int64         `json:"ans_id"`
	Category       string         `json:"category"`
	PHQNumber      int            `json:"phq_number"`
	Answers        []Answer       `json:"answers"`
	ValidicDetails ValidicDetails `json:"validic_details"`
	PatientID      string         `json:"-"`
}

// SubmitResponse is the submission service's verdict.
type SubmitResponse struct {
	AnsID         int64   `json:"ans_id"`
	Result        *string `json:"result"`
	SurveyMessage *string `json:"survey_message"`
}

// StoredResponse maps to the survey_response table.
type StoredResponse struct {
	ID            int64     `db:"id" json:"id"`
	PatientID     string    `db:"patient_id" json:"patient_id"`
	Category      string    `db:"category" json:"category"`
	PHQNumber     int       `db:"phq_number" json:"phq_number"`
	ParentAnsID   *int64    `db:"parent_ans_id" json:"parent_ans_id,omitempty"`
	Score         int       `db:"score" json:"score"`
	Result        *string   `db:"result" json:"result,omitempty"`
	SurveyMessage *string   `db:"survey_message" json:"survey_message,omitempty"`
	ValidicUID    *string   `db:"validic_uid" json:"validic_uid,omitempty"`
	DeviceType    *string   `db:"device_type" json:"device_type,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	Answers       []Answer  `json:"answers,omitempty"`
}
