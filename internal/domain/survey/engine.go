package survey

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// QuestionProvider returns the ordered question definitions of a round.
type QuestionProvider interface {
	Questions(ctx context.Context, req QuestionRequest) (*QuestionSet, error)
}

// SubmissionService accepts the answers of a round and classifies them.
type SubmissionService interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error)
}

// Draft is the resumable part of a session.
type Draft struct {
	Round     Round          `json:"round"`
	Answers   []Answer       `json:"answers"`
	Page      int            `json:"page"`
	Started   bool           `json:"started"`
	Validic   ValidicDetails `json:"validic"`
	PatientID string         `json:"patient_id"`
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithValidic sets the device-correlation metadata sent with every submission.
func WithValidic(v ValidicDetails) EngineOption {
	return func(e *Engine) { e.validic = v }
}

// WithPatient records the patient the answers belong to.
func WithPatient(patientID string) EngineOption {
	return func(e *Engine) { e.patientID = patientID }
}

// WithDraft restores a previously exported draft. The round passed to
// NewEngine is replaced by the draft's round.
func WithDraft(d Draft) EngineOption {
	return func(e *Engine) {
		e.round = d.Round
		e.started = d.Started
		e.restorePage = d.Page
		e.validic = d.Validic
		if d.PatientID != "" {
			e.patientID = d.PatientID
		}
		for _, a := range d.Answers {
			e.answers[a.QuestionID] = a
		}
	}
}

// Engine runs one questionnaire session: question sequencing, answers,
// dependent-question branching and round escalation.
type Engine struct {
	provider  QuestionProvider
	submitter SubmissionService
	logger    zerolog.Logger
	validic   ValidicDetails
	patientID string

	mu          sync.Mutex
	state       State
	started     bool
	closed      bool
	round       Round
	questions   map[int64]Question
	all         []int64         // loaded ids in provider order
	order       []int64         // top-level ids, one page each
	dependents  map[int64]int64 // parent id -> dependent id
	pageOf      map[int64]int
	answers     map[int64]Answer
	page        int
	restorePage int
	message     string
	lastErr     error
}

// NewEngine creates a session in the Loading state for round.
func NewEngine(provider QuestionProvider, submitter SubmissionService, round Round, opts ...EngineOption) *Engine {
	e := &Engine{
		provider:  provider,
		submitter: submitter,
		logger:    zerolog.Nop(),
		state:     StateLoading,
		round:     round,
		answers:   make(map[int64]Answer),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load fetches the questions of the current round and returns the top-level
// questions in page order. Calling it again for the same round keeps all
// recorded answers.
func (e *Engine) Load(ctx context.Context) ([]Question, error) {
	e.mu.Lock()
	if e.closed || e.state.Terminal() || e.state == StateSubmitting {
		st := e.state
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: load in state %s", ErrIllegalTransition, st)
	}
	round := e.round
	e.mu.Unlock()

	set, err := e.provider.Questions(ctx, QuestionRequest{
		Category:  round.Category,
		PHQNumber: round.Number,
		AnswerID:  round.AnswerID,
		PatientID: e.patientID,
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || !sameRound(e.round, round) || e.state == StateSubmitting {
		return nil, fmt.Errorf("%w: session changed during load", ErrIllegalTransition)
	}
	if err == nil && (set == nil || len(set.Questions) == 0) {
		err = fmt.Errorf("no questions for %s tier %d", round.Category, round.Number)
	}
	if err == nil {
		err = e.install(set)
	}
	if err != nil {
		e.lastErr = err
		e.logger.Warn().Err(err).Str("category", round.Category).Int("phq_number", round.Number).Msg("question load failed")
		return nil, fmt.Errorf("%w: %w", ErrLoadFailure, err)
	}
	e.lastErr = nil

	if e.state == StateLoading {
		if e.started {
			e.state = StateAnswering
			e.page = clamp(e.restorePage, 0, len(e.order)-1)
			e.restorePage = 0
		} else {
			e.state = StateIntro
		}
	} else {
		e.page = clamp(e.page, 0, len(e.order)-1)
	}

	e.logger.Debug().Str("category", round.Category).Int("phq_number", round.Number).
		Int("pages", len(e.order)).Str("state", string(e.state)).Msg("questions loaded")
	return e.topLevel(), nil
}

// install validates a question set and builds the page and dependency index.
func (e *Engine) install(set *QuestionSet) error {
	questions := make(map[int64]Question, len(set.Questions))
	all := make([]int64, 0, len(set.Questions))
	for _, q := range set.Questions {
		if _, dup := questions[q.ID]; dup {
			return fmt.Errorf("duplicate question %d", q.ID)
		}
		if !validQuestionTypes[q.Type] {
			return fmt.Errorf("question %d: unknown type %q", q.ID, q.Type)
		}
		if len(q.Options) == 0 {
			return fmt.Errorf("question %d has no options", q.ID)
		}
		seen := make(map[string]bool, len(q.Options))
		for _, o := range q.Options {
			if seen[o.Key] {
				return fmt.Errorf("question %d: duplicate option %q", q.ID, o.Key)
			}
			seen[o.Key] = true
		}
		questions[q.ID] = q
		all = append(all, q.ID)
	}

	var order []int64
	dependents := make(map[int64]int64)
	pageOf := make(map[int64]int)
	for _, id := range all {
		if cond := questions[id].Condition(); !cond.Dependent {
			pageOf[id] = len(order)
			order = append(order, id)
		}
	}
	if len(order) == 0 {
		return fmt.Errorf("question set has no top-level questions")
	}
	for _, id := range all {
		cond := questions[id].Condition()
		if !cond.Dependent {
			continue
		}
		parent, ok := questions[cond.On]
		if !ok {
			return fmt.Errorf("question %d depends on unknown question %d", id, cond.On)
		}
		if parent.Condition().Dependent {
			return fmt.Errorf("question %d depends on dependent question %d", id, cond.On)
		}
		if _, taken := dependents[cond.On]; taken {
			return fmt.Errorf("question %d has more than one dependent question", cond.On)
		}
		if _, ok := parent.option(cond.Trigger); !ok {
			return fmt.Errorf("question %d: trigger %q is not an option of question %d", id, cond.Trigger, cond.On)
		}
		dependents[cond.On] = id
		pageOf[id] = pageOf[cond.On]
	}

	e.questions = questions
	e.all = all
	e.order = order
	e.dependents = dependents
	e.pageOf = pageOf

	if set.SurveyAns != nil {
		e.mergeSnapshot(set.SurveyAns.Itr1Answers)
	}
	return nil
}

// mergeSnapshot pre-populates answers from a provider snapshot without
// overwriting anything already recorded in this session.
func (e *Engine) mergeSnapshot(prior []Answer) {
	for _, a := range prior {
		if _, exists := e.answers[a.QuestionID]; exists {
			continue
		}
		q, ok := e.questions[a.QuestionID]
		if !ok {
			continue
		}
		restored, err := buildAnswer(q, a.Keys)
		if err != nil {
			e.logger.Warn().Err(err).Int64("question_id", a.QuestionID).Msg("skipping snapshot answer")
			continue
		}
		e.answers[q.ID] = restored
	}
	for parent, dep := range e.dependents {
		if !e.triggered(parent, dep) {
			delete(e.answers, dep)
		}
	}
}

// Start leaves the intro step.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.state != StateIntro {
		return fmt.Errorf("%w: start in state %s", ErrIllegalTransition, e.state)
	}
	e.state = StateAnswering
	e.started = true
	e.page = 0
	return nil
}

// SelectAnswer records the selected option keys for a question, replacing
// any earlier answer, and auto-advances one page unless the answer unlocks a
// dependent question or the current page is the last one.
func (e *Engine) SelectAnswer(questionID int64, keys ...string) (map[int64]Answer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.state != StateAnswering {
		return nil, fmt.Errorf("%w: answer in state %s", ErrIllegalTransition, e.state)
	}
	q, ok := e.questions[questionID]
	if !ok {
		return nil, fmt.Errorf("%w: question %d is not part of the current round", ErrInvalidAnswer, questionID)
	}
	if cond := q.Condition(); cond.Dependent {
		parent, answered := e.answers[cond.On]
		if !answered || !parent.has(cond.Trigger) {
			return nil, fmt.Errorf("%w: question %d is not unlocked", ErrInvalidAnswer, questionID)
		}
	}
	a, err := buildAnswer(q, keys)
	if err != nil {
		return nil, err
	}
	e.answers[questionID] = a

	unlocks := false
	if dep, ok := e.dependents[questionID]; ok {
		unlocks = e.triggered(questionID, dep)
		if !unlocks {
			delete(e.answers, dep)
		}
	}

	last := len(e.order) - 1
	if e.pageOf[questionID] == e.page && !unlocks && e.page < last {
		e.page++
	}
	return e.answerMap(), nil
}

func buildAnswer(q Question, keys []string) (Answer, error) {
	if len(keys) == 0 {
		return Answer{}, fmt.Errorf("%w: no option selected for question %d", ErrInvalidAnswer, q.ID)
	}
	if len(keys) > 1 && q.Type != TypeCheckbox {
		return Answer{}, fmt.Errorf("%w: question %d accepts a single option", ErrInvalidAnswer, q.ID)
	}
	a := Answer{
		QuestionID:    q.ID,
		Title:         q.Title,
		Type:          q.Type,
		ModelInputKey: q.ModelInputKey,
	}
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		o, ok := q.option(k)
		if !ok {
			return Answer{}, fmt.Errorf("%w: %q is not an option of question %d", ErrInvalidAnswer, k, q.ID)
		}
		seen[k] = true
		a.Keys = append(a.Keys, o.Key)
		a.Labels = append(a.Labels, o.Label)
	}
	return a, nil
}

func (e *Engine) triggered(parent, dep int64) bool {
	a, ok := e.answers[parent]
	if !ok {
		return false
	}
	return a.has(e.questions[dep].Condition().Trigger)
}

// NextPage moves forward one page; it stays put on the last page.
func (e *Engine) NextPage() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.state != StateAnswering {
		return fmt.Errorf("%w: next page in state %s", ErrIllegalTransition, e.state)
	}
	if e.page < len(e.order)-1 {
		e.page++
	}
	return nil
}

// PrevPage moves back one page; the intro is never re-entered.
func (e *Engine) PrevPage() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.state != StateAnswering {
		return fmt.Errorf("%w: previous page in state %s", ErrIllegalTransition, e.state)
	}
	if e.page > 0 {
		e.page--
	}
	return nil
}

// CanSubmit reports whether the last page is showing and its question is answered.
func (e *Engine) CanSubmit() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canSubmit()
}

func (e *Engine) canSubmit() bool {
	if e.closed || e.state != StateAnswering || len(e.order) == 0 {
		return false
	}
	last := len(e.order) - 1
	if e.page != last {
		return false
	}
	_, ok := e.answers[e.order[last]]
	return ok
}

// Submit sends the answers of the current round and applies the verdict.
// While the call is in flight the session is Submitting and further submits
// are rejected. On failure the session is left exactly as it was.
func (e *Engine) Submit(ctx context.Context) (Outcome, error) {
	e.mu.Lock()
	if !e.canSubmit() {
		st := e.state
		e.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: submit in state %s", ErrIllegalTransition, st)
	}
	req := e.payload()
	round := e.round
	e.state = StateSubmitting
	e.mu.Unlock()

	resp, err := e.submitter.Submit(ctx, req)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.logger.Debug().Msg("discarding submission result of closed session")
		return Outcome{}, fmt.Errorf("%w: session closed", ErrIllegalTransition)
	}
	if err == nil && resp == nil {
		err = fmt.Errorf("empty submission response")
	}
	if err != nil {
		e.state = StateAnswering
		e.lastErr = err
		e.mu.Unlock()
		e.logger.Warn().Err(err).Str("category", round.Category).Int("phq_number", round.Number).Msg("submission failed")
		return Outcome{}, fmt.Errorf("%w: %w", ErrSubmissionFailure, err)
	}

	e.lastErr = nil
	out := decide(round, resp)
	e.round = out.Round
	switch out.Kind {
	case OutcomeEscalated:
		e.resetRound()
		e.state = StateLoading
	case OutcomeThankYou:
		e.state = StateThankYou
	case OutcomeHandoff:
		e.state = StateHandoff
		e.message = out.Message
	}
	e.mu.Unlock()

	e.logger.Info().Str("category", round.Category).Int("from", round.Number).
		Int("to", out.Round.Number).Str("outcome", string(out.Kind)).Msg("round submitted")

	if out.Kind == OutcomeEscalated {
		if _, err := e.Load(ctx); err != nil {
			return out, err
		}
	}
	return out, nil
}

// payload assembles the submission for the loaded set only; answers left
// over from earlier rounds are not sent.
func (e *Engine) payload() SubmitRequest {
	answers := make([]Answer, 0, len(e.answers))
	for _, id := range e.all {
		if a, ok := e.answers[id]; ok {
			answers = append(answers, a)
		}
	}
	return SubmitRequest{
		AnsID:          e.round.AnswerID,
		Category:       e.round.Category,
		PHQNumber:      e.round.Number,
		Answers:        answers,
		ValidicDetails: e.validic,
		PatientID:      e.patientID,
	}
}

// resetRound forgets everything tied to the finished round. Answers go too:
// later tiers may reuse question ids of earlier ones.
func (e *Engine) resetRound() {
	e.answers = make(map[int64]Answer)
	e.questions = nil
	e.all = nil
	e.order = nil
	e.dependents = nil
	e.pageOf = nil
	e.page = 0
	e.restorePage = 0
}

// DependentQuestionFor returns the question nested under questionID, if any.
func (e *Engine) DependentQuestionFor(questionID int64) (Question, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	dep, ok := e.dependents[questionID]
	if !ok {
		return Question{}, false
	}
	return e.questions[dep], true
}

// VisibleDependent returns the dependent of questionID only when the recorded
// answer of questionID meets its trigger.
func (e *Engine) VisibleDependent(questionID int64) (Question, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.visibleDependent(questionID)
}

func (e *Engine) visibleDependent(questionID int64) (Question, bool) {
	dep, ok := e.dependents[questionID]
	if !ok || !e.triggered(questionID, dep) {
		return Question{}, false
	}
	return e.questions[dep], true
}

// Close tears the session down. A submission still in flight is not
// applied when it returns.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// State returns the current session state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Round returns the current round.
func (e *Engine) Round() Round {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.round
}

// Page returns the current question page index.
func (e *Engine) Page() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.page
}

// Answers returns a copy of the recorded answers.
func (e *Engine) Answers() map[int64]Answer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.answerMap()
}

// Steps returns the renderable steps of the current round.
func (e *Engine) Steps() []Step {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.steps()
}

func (e *Engine) steps() []Step {
	if len(e.order) == 0 {
		return nil
	}
	steps := make([]Step, 0, len(e.order)+1)
	steps = append(steps, Step{Kind: StepIntro})
	for _, id := range e.order {
		steps = append(steps, Step{Kind: StepQuestion, QuestionID: id})
	}
	return steps
}

// Draft exports the resumable state of the session.
func (e *Engine) Draft() Draft {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := Draft{
		Round:     e.round,
		Page:      e.page,
		Started:   e.started,
		Validic:   e.validic,
		PatientID: e.patientID,
	}
	for _, id := range sortedIDs(e.answers) {
		d.Answers = append(d.Answers, e.answers[id])
	}
	return d
}

func (e *Engine) topLevel() []Question {
	out := make([]Question, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.questions[id])
	}
	return out
}

func (e *Engine) answerMap() map[int64]Answer {
	out := make(map[int64]Answer, len(e.answers))
	for id, a := range e.answers {
		out[id] = a
	}
	return out
}

func sameRound(a, b Round) bool {
	if a.Category != b.Category || a.Number != b.Number || a.Result != b.Result {
		return false
	}
	if (a.AnswerID == nil) != (b.AnswerID == nil) {
		return false
	}
	return a.AnswerID == nil || *a.AnswerID == *b.AnswerID
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
