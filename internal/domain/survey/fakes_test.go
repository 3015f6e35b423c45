package survey

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

func str(s string) *string { return &s }

func id64(v int64) *int64 { return &v }

var yesNoOptions = []Option{{Key: "yes", Label: "Yes", Score: 1}, {Key: "no", Label: "No"}}

// tierZero is two pages: question 1 with dependent 2 unlocked by "yes", then question 3.
func tierZero() []Question {
	return []Question{
		{ID: 1, Title: "Stressed?", Type: TypeBinary, Options: yesNoOptions, ModelInputKey: "stress"},
		{ID: 2, Title: "Why?", Type: TypeCheckbox, DependentOn: id64(1), Options: []Option{
			{Key: "a", Label: "Work"}, {Key: "b", Label: "Family"}, {Key: "c", Label: "Money"},
		}},
		{ID: 3, Title: "Mood", Type: TypeEmoji, Options: []Option{
			{Key: "great", Label: "Great"}, {Key: "low", Label: "Low", Score: 2},
		}},
	}
}

func tierTwo() []Question {
	return []Question{
		{ID: 21, Title: "Interest", Type: TypeSelect, Options: frequencyOptions, ModelInputKey: "phq2_q1"},
		{ID: 22, Title: "Down", Type: TypeSelect, Options: frequencyOptions, ModelInputKey: "phq2_q2"},
	}
}

func tierNine() []Question {
	return []Question{
		{ID: 91, Title: "Sleep", Type: TypeSelect, Options: frequencyOptions},
	}
}

// fakeProvider serves question sets by tier.
type fakeProvider struct {
	mu       sync.Mutex
	sets     map[int][]Question
	snapshot map[int]*SurveyAnswers
	fail     map[int]error
	calls    []QuestionRequest
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		sets:     map[int][]Question{TierInitial: tierZero(), TierShort: tierTwo(), TierFull: tierNine()},
		snapshot: map[int]*SurveyAnswers{},
		fail:     map[int]error{},
	}
}

func (p *fakeProvider) Questions(_ context.Context, req QuestionRequest) (*QuestionSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if err := p.fail[req.PHQNumber]; err != nil {
		return nil, err
	}
	qs, ok := p.sets[req.PHQNumber]
	if !ok {
		return &QuestionSet{}, nil
	}
	return &QuestionSet{Questions: qs, SurveyAns: p.snapshot[req.PHQNumber]}, nil
}

func (p *fakeProvider) lastCall() QuestionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[len(p.calls)-1]
}

// fakeSubmitter returns queued responses in order. When gate is set, each
// call signals entered and then blocks until gate is closed.
type fakeSubmitter struct {
	mu        sync.Mutex
	responses []*SubmitResponse
	err       error
	requests  []SubmitRequest
	entered   chan struct{}
	gate      chan struct{}
}

func (s *fakeSubmitter) Submit(_ context.Context, req SubmitRequest) (*SubmitResponse, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	entered, gate := s.entered, s.gate
	s.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) == 0 {
		return nil, fmt.Errorf("no response queued")
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func (s *fakeSubmitter) lastRequest() SubmitRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

// fakeBackend joins the fakes into a Backend.
type fakeBackend struct {
	*fakeProvider
	*fakeSubmitter
	profile   []Question
	saved     []ProfileSubmission
	saveErr   error
	responses []*StoredResponse
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		fakeProvider:  newFakeProvider(),
		fakeSubmitter: &fakeSubmitter{},
		profile:       Catalog()[3].Questions,
	}
}

func (b *fakeBackend) SaveProfile(_ context.Context, sub ProfileSubmission) error {
	if b.saveErr != nil {
		return b.saveErr
	}
	b.saved = append(b.saved, sub)
	return nil
}

func (b *fakeBackend) ProfileQuestions(_ context.Context, category string) ([]Question, error) {
	if category != CategoryProfile {
		return nil, fmt.Errorf("unknown category %s", category)
	}
	return b.profile, nil
}

func (b *fakeBackend) Responses(_ context.Context, patientID string, limit, offset int) ([]*StoredResponse, int, error) {
	var out []*StoredResponse
	for _, r := range b.responses {
		if r.PatientID == patientID {
			out = append(out, r)
		}
	}
	return out, len(out), nil
}

// ── Mock Repositories ──

type mockQuestionRepo struct {
	data map[string][]Question
}

func roundKey(category string, phq int) string { return fmt.Sprintf("%s/%d", category, phq) }

func newMockQuestionRepo() *mockQuestionRepo {
	return &mockQuestionRepo{data: make(map[string][]Question)}
}

func (m *mockQuestionRepo) ListByRound(_ context.Context, category string, phq int) ([]Question, error) {
	return m.data[roundKey(category, phq)], nil
}

func (m *mockQuestionRepo) Upsert(_ context.Context, category string, phq, sortOrder int, q Question) error {
	k := roundKey(category, phq)
	for i, existing := range m.data[k] {
		if existing.ID == q.ID {
			m.data[k][i] = q
			return nil
		}
	}
	m.data[k] = append(m.data[k], q)
	return nil
}

type mockResponseRepo struct {
	data    map[int64]*StoredResponse
	nextID  int64
	profile map[string]ProfileSubmission
}

func newMockResponseRepo() *mockResponseRepo {
	return &mockResponseRepo{data: make(map[int64]*StoredResponse), profile: make(map[string]ProfileSubmission)}
}

func (m *mockResponseRepo) Create(_ context.Context, r *StoredResponse) error {
	m.nextID++
	r.ID = m.nextID
	r.CreatedAt = time.Now()
	m.data[r.ID] = r
	return nil
}

func (m *mockResponseRepo) LatestForRound(_ context.Context, patientID, category string, phqNumber int) (*StoredResponse, error) {
	var latest *StoredResponse
	for _, r := range m.data {
		if r.PatientID != patientID || r.Category != category || r.PHQNumber != phqNumber {
			continue
		}
		if latest == nil || r.ID > latest.ID {
			latest = r
		}
	}
	return latest, nil
}

func (m *mockResponseRepo) ListByPatient(_ context.Context, patientID string, limit, offset int) ([]*StoredResponse, int, error) {
	var out []*StoredResponse
	for _, r := range m.data {
		if r.PatientID == patientID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

func (m *mockResponseRepo) SaveProfile(_ context.Context, sub ProfileSubmission) error {
	m.profile[sub.PatientID+"/"+sub.Category] = sub
	return nil
}

// mapDraftStore is an in-package draft store.
type mapDraftStore struct {
	mu     sync.Mutex
	drafts map[string]Draft
}

func newMapDraftStore() *mapDraftStore {
	return &mapDraftStore{drafts: make(map[string]Draft)}
}

func (s *mapDraftStore) Get(_ context.Context, id string) (*Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (s *mapDraftStore) Set(_ context.Context, id string, d Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts[id] = d
	return nil
}

func (s *mapDraftStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.drafts, id)
	return nil
}

type publishedEvent struct {
	key   string
	event any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *fakePublisher) Publish(_ context.Context, key string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{key: key, event: event})
	return nil
}

type fakeMetrics struct {
	mu       sync.Mutex
	counters map[string]int
	gauges   map[string]int64
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{counters: make(map[string]int), gauges: make(map[string]int64)}
}

func (m *fakeMetrics) Inc(name string, kv ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := name
	for _, s := range kv {
		key += "|" + s
	}
	m.counters[key]++
}

func (m *fakeMetrics) Add(name string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] += delta
}
