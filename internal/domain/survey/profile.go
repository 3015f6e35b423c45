package survey

import (
	"context"
	"fmt"
	"sync"
)

// ProfileSubmission is the save payload of the profile questionnaire.
type ProfileSubmission struct {
	Category  string   `json:"category"`
	PatientID string   `json:"patient_id,omitempty"`
	Answers   []Answer `json:"answers"`
}

// ProfileSaver stores profile questionnaire answers.
type ProfileSaver interface {
	SaveProfile(ctx context.Context, sub ProfileSubmission) error
}

// ProfileQuestionnaire is the flat, paged questionnaire variant: fixed-size
// pages, no branching, a single save at the end.
type ProfileQuestionnaire struct {
	category string
	pageSize int

	mu         sync.Mutex
	questions  []Question
	index      map[int64]Question
	answers    map[int64]Answer
	page       int
	submitting bool
	saved      bool
}

// NewProfileQuestionnaire groups questions into pages of pageSize.
func NewProfileQuestionnaire(category string, questions []Question, pageSize int) (*ProfileQuestionnaire, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", pageSize)
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("%w: no profile questions for %s", ErrLoadFailure, category)
	}
	index := make(map[int64]Question, len(questions))
	for _, q := range questions {
		if _, dup := index[q.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate question %d", ErrLoadFailure, q.ID)
		}
		index[q.ID] = q
	}
	return &ProfileQuestionnaire{
		category:  category,
		pageSize:  pageSize,
		questions: questions,
		index:     index,
		answers:   make(map[int64]Answer),
	}, nil
}

// Pages returns the questions grouped by page.
func (p *ProfileQuestionnaire) Pages() [][]Question {
	var pages [][]Question
	for i := 0; i < len(p.questions); i += p.pageSize {
		end := i + p.pageSize
		if end > len(p.questions) {
			end = len(p.questions)
		}
		pages = append(pages, p.questions[i:end])
	}
	return pages
}

func (p *ProfileQuestionnaire) pageCount() int {
	return (len(p.questions) + p.pageSize - 1) / p.pageSize
}

// Page returns the current page index.
func (p *ProfileQuestionnaire) Page() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.page
}

// IsLastPage reports whether the current page is the final one.
func (p *ProfileQuestionnaire) IsLastPage() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.page == p.pageCount()-1
}

// Select records an answer; it never changes the page.
func (p *ProfileQuestionnaire) Select(questionID int64, keys ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.saved || p.submitting {
		return fmt.Errorf("%w: profile questionnaire already submitted", ErrIllegalTransition)
	}
	q, ok := p.index[questionID]
	if !ok {
		return fmt.Errorf("%w: question %d is not part of the profile questionnaire", ErrInvalidAnswer, questionID)
	}
	a, err := buildAnswer(q, keys)
	if err != nil {
		return err
	}
	p.answers[questionID] = a
	return nil
}

// Next moves to the following page.
func (p *ProfileQuestionnaire) Next() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.page < p.pageCount()-1 {
		p.page++
	}
}

// Prev moves to the previous page.
func (p *ProfileQuestionnaire) Prev() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.page > 0 {
		p.page--
	}
}

// Answers returns the recorded answers in question order.
func (p *ProfileQuestionnaire) Answers() []Answer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ordered()
}

func (p *ProfileQuestionnaire) ordered() []Answer {
	out := make([]Answer, 0, len(p.answers))
	for _, q := range p.questions {
		if a, ok := p.answers[q.ID]; ok {
			out = append(out, a)
		}
	}
	return out
}

// Submit saves the answers once from the last page. The saver's response is
// only used to know the save went through.
func (p *ProfileQuestionnaire) Submit(ctx context.Context, saver ProfileSaver, patientID string) error {
	p.mu.Lock()
	if p.saved || p.submitting || p.page != p.pageCount()-1 {
		p.mu.Unlock()
		return fmt.Errorf("%w: profile submit from page %d", ErrIllegalTransition, p.page)
	}
	sub := ProfileSubmission{Category: p.category, PatientID: patientID, Answers: p.ordered()}
	p.submitting = true
	p.mu.Unlock()

	err := saver.SaveProfile(ctx, sub)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitting = false
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSubmissionFailure, err)
	}
	p.saved = true
	return nil
}

// Saved reports whether the answers were stored.
func (p *ProfileQuestionnaire) Saved() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saved
}
